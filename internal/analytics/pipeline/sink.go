package pipeline

import (
	"sync/atomic"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

// Sink receives every emitted record on the pipeline goroutine. Publish
// must not block; slow consumers buffer and drop on their own side.
type Sink interface {
	Publish(rec telemetry.AnalyticsRecord)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(rec telemetry.AnalyticsRecord)

// Publish calls f(rec).
func (f SinkFunc) Publish(rec telemetry.AnalyticsRecord) { f(rec) }

// LatestSlot holds the most recent record for pollers.
type LatestSlot struct {
	p atomic.Pointer[telemetry.AnalyticsRecord]
}

// Publish replaces the held record.
func (l *LatestSlot) Publish(rec telemetry.AnalyticsRecord) {
	l.p.Store(&rec)
}

// Load returns the most recent record, or false before the first one.
func (l *LatestSlot) Load() (telemetry.AnalyticsRecord, bool) {
	r := l.p.Load()
	if r == nil {
		return telemetry.AnalyticsRecord{}, false
	}
	return *r, true
}
