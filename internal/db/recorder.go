package db

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

// event is one row waiting to be written.
type event struct {
	run       *telemetry.PerformanceRun
	anomaly   *telemetry.AnomalyEvent
	violation *telemetry.LimitViolation
}

// Recorder persists runs, anomalies and violation transitions from the
// analytics stream. Publish never blocks: when the buffer is full the
// event is dropped and counted.
type Recorder struct {
	db        *DB
	sessionID string
	events    chan event
	flushSize int
	flushIvl  time.Duration

	drops   prometheus.Counter
	dropped atomic.Uint64
	written atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// RecorderOptions tunes a Recorder. Zero values pick defaults.
type RecorderOptions struct {
	Buffer        int
	FlushSize     int
	FlushInterval time.Duration
	// Drops, when set, is incremented for every dropped event.
	Drops prometheus.Counter
}

// NewRecorder returns a recorder writing rows tagged with sessionID. Call
// Run to start writing.
func NewRecorder(db *DB, sessionID string, opts RecorderOptions) *Recorder {
	if opts.Buffer <= 0 {
		opts.Buffer = 4096
	}
	if opts.FlushSize <= 0 {
		opts.FlushSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	return &Recorder{
		db:        db,
		sessionID: sessionID,
		events:    make(chan event, opts.Buffer),
		flushSize: opts.FlushSize,
		flushIvl:  opts.FlushInterval,
		drops:     opts.Drops,
		done:      make(chan struct{}),
	}
}

// Publish queues the persistent parts of rec.
func (r *Recorder) Publish(rec telemetry.AnalyticsRecord) {
	for i := range rec.NewRuns {
		r.offer(event{run: &rec.NewRuns[i]})
	}
	for i := range rec.Anomalies {
		r.offer(event{anomaly: &rec.Anomalies[i]})
	}
	for i := range rec.Violations {
		v := &rec.Violations[i]
		// Ongoing violations are re-reported every sample; keep transitions.
		if v.State == telemetry.ViolationActive && v.Duration > 0 {
			continue
		}
		r.offer(event{violation: v})
	}
}

func (r *Recorder) offer(e event) {
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
		if r.drops != nil {
			r.drops.Inc()
		}
	}
}

// Stats returns rows written and events dropped.
func (r *Recorder) Stats() (written, dropped uint64) {
	return r.written.Load(), r.dropped.Load()
}

// Run writes queued events in batches until ctx is done or Close is
// called, then flushes whatever is still queued.
func (r *Recorder) Run(ctx context.Context) error {
	defer close(r.done)
	ticker := time.NewTicker(r.flushIvl)
	defer ticker.Stop()

	batch := make([]event, 0, r.flushSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.write(batch); err != nil {
			log.Printf("[db] recorder: dropping %d events: %v", len(batch), err)
			r.dropped.Add(uint64(len(batch)))
		} else {
			r.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-r.events:
			if !ok {
				flush()
				return nil
			}
			batch = append(batch, e)
			if len(batch) >= r.flushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
		drain:
			for {
				select {
				case e, ok := <-r.events:
					if !ok {
						break drain
					}
					batch = append(batch, e)
				default:
					break drain
				}
			}
			flush()
			return ctx.Err()
		}
	}
}

// Close stops accepting events and waits for a started Run to flush.
// Publish must not be called after Close.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.events) })
	<-r.done
}

func (r *Recorder) write(batch []event) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range batch {
		switch {
		case e.run != nil:
			err = insertRun(tx, r.sessionID, *e.run)
		case e.anomaly != nil:
			err = insertAnomaly(tx, r.sessionID, *e.anomaly)
		case e.violation != nil:
			err = insertViolation(tx, r.sessionID, *e.violation)
		}
		if err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
	}
	return tx.Commit()
}
