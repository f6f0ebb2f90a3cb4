// Package pipeline owns the analytics components and drives them from a
// single goroutine: one validated sample in, one AnalyticsRecord out to
// every sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/telemetry.report/internal/analytics/anomaly"
	"github.com/banshee-data/telemetry.report/internal/analytics/correlation"
	"github.com/banshee-data/telemetry.report/internal/analytics/estimator"
	"github.com/banshee-data/telemetry.report/internal/analytics/limits"
	"github.com/banshee-data/telemetry.report/internal/analytics/performance"
	"github.com/banshee-data/telemetry.report/internal/config"
	"github.com/banshee-data/telemetry.report/internal/monitoring"
	"github.com/banshee-data/telemetry.report/internal/telemetry"
	"github.com/banshee-data/telemetry.report/internal/timeutil"
)

var (
	// ErrInvalidValue marks a sample with no channel, no timestamp or a
	// non-finite value.
	ErrInvalidValue = errors.New("invalid sample")
	// ErrOutOfOrder marks a sample older than the last one accepted on the
	// same channel.
	ErrOutOfOrder = errors.New("out-of-order sample")
)

// Components are the analyzers the orchestrator owns. All but Fixes are
// required.
type Components struct {
	Estimator   *estimator.Filter
	Fixes       *estimator.FixAssembler
	Anomaly     *anomaly.Detector
	Limits      *limits.Monitor
	Correlation *correlation.Analyzer
	Performance *performance.Tracker
}

// Options tune the orchestrator's runtime behaviour. Zero values take the
// defaults from config.
type Options struct {
	QueueSize   int
	GracePeriod time.Duration
	Budget      time.Duration
	Clock       timeutil.Clock
	Metrics     *monitoring.Metrics
	Sinks       []Sink
}

// Stats are the orchestrator's running counters.
type Stats struct {
	Processed      uint64 `json:"processed"`
	Invalid        uint64 `json:"invalid"`
	OutOfOrder     uint64 `json:"out_of_order"`
	QueueDropped   uint64 `json:"queue_dropped"`
	Discarded      uint64 `json:"discarded"`
	BudgetOverruns uint64 `json:"budget_overruns"`
	QueueDepth     int    `json:"queue_depth"`
}

// Orchestrator wires the analyzers together. Process and Run must be
// called from one goroutine; Submit, Latest, Stats and the performance
// tracker are safe from any goroutine.
type Orchestrator struct {
	est   *estimator.Filter
	fixes *estimator.FixAssembler
	anom  *anomaly.Detector
	lim   *limits.Monitor
	corr  *correlation.Analyzer
	perf  *performance.Tracker

	queue   *Queue
	grace   time.Duration
	budget  time.Duration
	clock   timeutil.Clock
	metrics *monitoring.Metrics

	sinksMu sync.RWMutex
	sinks   []Sink
	latest  LatestSlot

	lastSeen   map[string]time.Time
	seq        uint64
	lastState  time.Time
	lastResets int

	processed  atomic.Uint64
	invalid    atomic.Uint64
	outOfOrder atomic.Uint64
	discarded  atomic.Uint64
	overruns   atomic.Uint64
}

// New builds an orchestrator from explicitly constructed components.
func New(c Components, opts Options) (*Orchestrator, error) {
	switch {
	case c.Estimator == nil:
		return nil, fmt.Errorf("pipeline: estimator is required")
	case c.Anomaly == nil:
		return nil, fmt.Errorf("pipeline: anomaly detector is required")
	case c.Limits == nil:
		return nil, fmt.Errorf("pipeline: limit monitor is required")
	case c.Correlation == nil:
		return nil, fmt.Errorf("pipeline: correlation analyzer is required")
	case c.Performance == nil:
		return nil, fmt.Errorf("pipeline: performance tracker is required")
	}
	var defaults config.PipelineConfig
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaults.GetQueueSize()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaults.GetGracePeriod()
	}
	if opts.Budget <= 0 {
		opts.Budget = defaults.GetBudget()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics()
	}
	if c.Fixes == nil {
		c.Fixes = estimator.NewFixAssembler(50 * time.Millisecond)
	}
	return &Orchestrator{
		est:      c.Estimator,
		fixes:    c.Fixes,
		anom:     c.Anomaly,
		lim:      c.Limits,
		corr:     c.Correlation,
		perf:     c.Performance,
		queue:    NewQueue(opts.QueueSize),
		grace:    opts.GracePeriod,
		budget:   opts.Budget,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		sinks:    append([]Sink(nil), opts.Sinks...),
		lastSeen: make(map[string]time.Time),
	}, nil
}

// NewFromConfig validates cfg and builds every component from it.
func NewFromConfig(cfg *config.AnalyticsConfig, opts Options) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	estCfg := estimator.ConfigFromTuning(cfg)
	lim, err := limits.New(limits.ConfigFromTuning(cfg))
	if err != nil {
		return nil, err
	}
	corr, err := correlation.New(correlation.ConfigFromTuning(cfg))
	if err != nil {
		return nil, err
	}
	perf, err := performance.New(performance.ConfigFromTuning(cfg))
	if err != nil {
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = cfg.Pipeline.GetQueueSize()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = cfg.Pipeline.GetGracePeriod()
	}
	if opts.Budget <= 0 {
		opts.Budget = cfg.Pipeline.GetBudget()
	}
	return New(Components{
		Estimator:   estimator.New(estCfg),
		Fixes:       estimator.NewFixAssembler(estCfg.FixAssemblyWindow),
		Anomaly:     anomaly.New(anomaly.ConfigFromTuning(cfg)),
		Limits:      lim,
		Correlation: corr,
		Performance: perf,
	}, opts)
}

// AddSink registers a sink. Sinks added while Run is active see records
// from the next sample on.
func (o *Orchestrator) AddSink(s Sink) {
	o.sinksMu.Lock()
	o.sinks = append(o.sinks, s)
	o.sinksMu.Unlock()
}

// Submit hands a sample to the pipeline goroutine without blocking.
func (o *Orchestrator) Submit(s telemetry.Sample) {
	if o.queue.Push(s) {
		o.metrics.QueueOverflow.Inc()
		if n := o.queue.Dropped(); n == 1 || n%1000 == 0 {
			opsf("input queue full: %d samples dropped so far", n)
		}
	}
}

// Close stops accepting submitted samples. Run returns once the queue is
// empty.
func (o *Orchestrator) Close() { o.queue.Close() }

// Process runs one sample through every analyzer and publishes the
// resulting record. A rejected sample produces no record and leaves all
// analyzer state untouched.
func (o *Orchestrator) Process(s telemetry.Sample) (telemetry.AnalyticsRecord, error) {
	start := o.clock.Now()

	if !s.Valid() {
		o.invalid.Add(1)
		o.metrics.Rejected.WithLabelValues("invalid").Inc()
		diagf("rejected %s: non-finite or incomplete", s)
		return telemetry.AnalyticsRecord{}, fmt.Errorf("%s: %w", s.Channel, ErrInvalidValue)
	}
	if last, ok := o.lastSeen[s.Channel]; ok && s.Timestamp.Before(last) {
		o.outOfOrder.Add(1)
		o.metrics.Rejected.WithLabelValues("out_of_order").Inc()
		diagf("rejected %s: older than %s", s, last.Format(time.RFC3339Nano))
		return telemetry.AnalyticsRecord{}, fmt.Errorf("%s at %s: %w", s.Channel, s.Timestamp.Format(time.RFC3339Nano), ErrOutOfOrder)
	}
	o.lastSeen[s.Channel] = s.Timestamp

	o.advanceEstimator(s)
	state := o.est.State()

	rec := telemetry.AnalyticsRecord{
		Seq:        o.seq,
		Timestamp:  s.Timestamp,
		Sample:     s,
		Estimator:  state,
		Anomalies:  o.anom.Observe(s),
		Violations: o.lim.Observe(s),
	}
	o.seq++
	o.corr.Observe(s)
	rec.Correlations = o.corr.Snapshot()
	if state.Timestamp.After(o.lastState) {
		o.lastState = state.Timestamp
		rec.NewRuns = o.perf.Observe(state)
	}

	o.record(rec)
	o.publish(rec)

	elapsed := o.clock.Since(start)
	o.metrics.ProcessingSeconds.Observe(elapsed.Seconds())
	if elapsed > o.budget {
		o.overruns.Add(1)
		o.metrics.BudgetOverruns.Inc()
		opsf("seq=%d %s took %v (budget %v)", rec.Seq, s.Channel, elapsed, o.budget)
	}
	tracef("seq=%d %s anomalies=%d violations=%d runs=%d", rec.Seq, s, len(rec.Anomalies), len(rec.Violations), len(rec.NewRuns))
	return rec, nil
}

func (o *Orchestrator) advanceEstimator(s telemetry.Sample) {
	o.est.AdvanceTo(s.Timestamp)
	switch {
	case telemetry.IsIMU(s.Channel):
		o.est.SetControl(s.Channel, s.Value)
	case telemetry.IsGPS(s.Channel):
		fix, ok := o.fixes.Add(s)
		if !ok {
			return
		}
		err := o.est.ApplyFix(fix)
		switch {
		case errors.Is(err, estimator.ErrGated):
			o.metrics.GatedUpdates.Inc()
			diagf("gps fix at %s gated: %v", fix.Time.Format(time.RFC3339Nano), err)
		case err != nil:
			opsf("gps fix at %s not applied: %v", fix.Time.Format(time.RFC3339Nano), err)
		}
	}
}

func (o *Orchestrator) record(rec telemetry.AnalyticsRecord) {
	o.processed.Add(1)
	o.metrics.Processed.Inc()
	for _, ev := range rec.Anomalies {
		o.metrics.Anomalies.WithLabelValues(string(ev.Kind)).Inc()
	}
	for _, v := range rec.Violations {
		if v.State == telemetry.ViolationActive && v.Duration == 0 {
			o.metrics.Violations.WithLabelValues(v.Tier.String()).Inc()
		}
	}
	for _, r := range rec.NewRuns {
		o.metrics.Runs.WithLabelValues(r.Metric).Inc()
	}
	if d := rec.Estimator.Resets - o.lastResets; d > 0 {
		o.metrics.EstimatorResets.Add(float64(d))
		o.lastResets = rec.Estimator.Resets
	}
	if rec.Estimator.Degraded {
		o.metrics.Degraded.Set(1)
	} else {
		o.metrics.Degraded.Set(0)
	}
}

func (o *Orchestrator) publish(rec telemetry.AnalyticsRecord) {
	o.latest.Publish(rec)
	o.sinksMu.RLock()
	defer o.sinksMu.RUnlock()
	for _, s := range o.sinks {
		s.Publish(rec)
	}
}

// Run consumes submitted samples until ctx is cancelled or the queue is
// closed and empty. On cancellation it keeps processing for up to the
// grace period, discards whatever is still queued, and flushes the
// performance tracker.
func (o *Orchestrator) Run(ctx context.Context) error {
	diagf("pipeline started (queue=%d, budget=%v)", o.queue.Cap(), o.budget)
	for {
		s, ok := o.queue.Pop(ctx)
		if !ok {
			break
		}
		o.metrics.QueueDepth.Set(float64(o.queue.Len()))
		_, _ = o.Process(s) // rejections are counted and logged
	}
	o.drain()
	runs := o.perf.Flush()
	diagf("pipeline stopped: %d processed, %d runs in history", o.processed.Load(), len(runs))
	return nil
}

func (o *Orchestrator) drain() {
	if o.queue.Len() == 0 {
		return
	}
	diagf("draining %d queued samples (grace %v)", o.queue.Len(), o.grace)
	timer := o.clock.NewTimer(o.grace)
	defer timer.Stop()
	for {
		select {
		case <-timer.C():
			if n := o.queue.Discard(); n > 0 {
				o.discarded.Add(uint64(n))
				o.metrics.Discarded.Add(float64(n))
				opsf("grace period expired: discarded %d queued samples", n)
			}
			return
		default:
		}
		s, ok := o.queue.TryPop()
		if !ok {
			return
		}
		_, _ = o.Process(s)
	}
}

// Latest returns the most recently emitted record.
func (o *Orchestrator) Latest() (telemetry.AnalyticsRecord, bool) {
	return o.latest.Load()
}

// Performance returns the tracker, whose read accessors are safe to call
// while the pipeline runs.
func (o *Orchestrator) Performance() *performance.Tracker { return o.perf }

// Metrics returns the collectors the orchestrator reports to.
func (o *Orchestrator) Metrics() *monitoring.Metrics { return o.metrics }

// Stats returns a snapshot of the running counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Processed:      o.processed.Load(),
		Invalid:        o.invalid.Load(),
		OutOfOrder:     o.outOfOrder.Load(),
		QueueDropped:   o.queue.Dropped(),
		Discarded:      o.discarded.Load(),
		BudgetOverruns: o.overruns.Load(),
		QueueDepth:     o.queue.Len(),
	}
}
