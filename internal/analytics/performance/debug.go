package performance

import (
	"io"
	"log"
)

var (
	opsLogger  *log.Logger
	diagLogger *log.Logger
)

// SetLogWriters configures the logging streams for the performance package.
// Run completions go to ops, aborted attempts to diag. Pass nil to disable a
// stream.
func SetLogWriters(ops, diag io.Writer) {
	opsLogger = newLogger(ops)
	diagLogger = newLogger(diag)
}

func newLogger(w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, "[performance] ", log.LstdFlags|log.Lmicroseconds)
}

func opsf(format string, args ...interface{}) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}

func diagf(format string, args ...interface{}) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}
