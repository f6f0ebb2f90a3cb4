package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the process-wide diagnostic logger used by sources, servers and
// the analyzers. Replace it with SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf. nil mutes it.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Sampled logs the first occurrence of a recurring condition and then every
// Every-th one, so a noisy device cannot flood the log. The zero value logs
// every occurrence. Safe for concurrent use.
type Sampled struct {
	Every uint64
	n     atomic.Uint64
}

// Logf counts an occurrence and logs it if it is sampled. The running count
// is appended to the arguments, so format should end with a %d verb.
func (s *Sampled) Logf(format string, v ...interface{}) bool {
	n := s.n.Add(1)
	if n != 1 && s.Every > 1 && n%s.Every != 0 {
		return false
	}
	Logf(format, append(v, n)...)
	return true
}

// Count returns the number of occurrences seen so far.
func (s *Sampled) Count() uint64 { return s.n.Load() }
