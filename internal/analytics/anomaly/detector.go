// Package anomaly classifies each new sample on a channel as a spike, drop,
// stuck, oscillation or drift event using streaming window statistics.
//
// Per-channel state is created lazily the first time a channel is observed
// and is bounded by the configured window size. A Detector is owned by the
// pipeline goroutine and is not safe for concurrent use.
package anomaly

import (
	"math"
	"time"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
	"gonum.org/v1/gonum/stat"
)

// oscillationMinSamples is the smallest window on which a zero-crossing
// rate is meaningful.
const oscillationMinSamples = 10

// driftMinSamples is the smallest window used for a drift regression.
const driftMinSamples = 5

type channelState struct {
	thr Thresholds
	win *window

	outlierRun int
	stuckRun   int
	oscRun     int

	stuckLatched bool
	oscLatched   bool
	driftLatched bool

	xs, ys []float64 // regression scratch
}

// Detector runs the five detectors for every channel it sees.
type Detector struct {
	cfg      Config
	channels map[string]*channelState

	recent     []telemetry.AnomalyEvent
	recentNext int
}

// New returns a Detector.
func New(cfg Config) *Detector {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 64
	}
	return &Detector{
		cfg:      cfg,
		channels: make(map[string]*channelState),
		recent:   make([]telemetry.AnomalyEvent, 0, cfg.HistorySize),
	}
}

func (d *Detector) state(channel string) *channelState {
	st, ok := d.channels[channel]
	if !ok {
		thr := d.cfg.For(channel)
		if thr.WindowSize < 3 {
			thr.WindowSize = 3
		}
		st = &channelState{
			thr: thr,
			win: newWindow(thr.WindowSize),
			xs:  make([]float64, 0, thr.WindowSize),
			ys:  make([]float64, 0, thr.WindowSize),
		}
		d.channels[channel] = st
	}
	return st
}

// Observe evaluates s and returns the events it raised, or nil. Each
// detector contributes at most one event per call.
func (d *Detector) Observe(s telemetry.Sample) []telemetry.AnomalyEvent {
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return nil
	}
	st := d.state(s.Channel)
	thr := st.thr
	w := st.win
	var events []telemetry.AnomalyEvent

	// Spike / drop: score against the window before the sample is admitted.
	if w.n >= thr.MinSamples && w.n >= 2 {
		std := math.Max(w.std(), math.Sqrt(thr.StuckEpsilon))
		z := (s.Value - w.mean) / std
		if math.Abs(z) >= thr.SpikeZ {
			kind := telemetry.AnomalySpike
			if z < 0 {
				kind = telemetry.AnomalyDrop
			}
			events = d.emit(events, telemetry.AnomalyEvent{
				Channel:    s.Channel,
				Kind:       kind,
				Severity:   severityFor(math.Abs(z) / thr.SpikeZ),
				Confidence: st.confidence(),
				Score:      z,
				Value:      s.Value,
				Timestamp:  s.Timestamp,
			})

			// Outliers stay out of the window unless they persist, in which
			// case the signal has moved and the window re-baselines.
			st.outlierRun++
			if st.outlierRun >= thr.AdmitAfter {
				diagf("%s re-baselined after %d consecutive outliers", s.Channel, st.outlierRun)
				w.reset()
				w.push(s.Value, s.Timestamp)
				st.outlierRun = 0
				st.stuckRun = 0
				st.oscRun = 0
				st.stuckLatched, st.oscLatched, st.driftLatched = false, false, false
			}
			return events
		}
	}
	st.outlierRun = 0
	w.push(s.Value, s.Timestamp)

	if ev, ok := st.checkStuck(s); ok {
		events = d.emit(events, ev)
	}
	if ev, ok := st.checkOscillation(s); ok {
		events = d.emit(events, ev)
	}
	if ev, ok := st.checkDrift(s); ok {
		events = d.emit(events, ev)
	}
	return events
}

func (st *channelState) confidence() float64 {
	c := float64(st.win.n) / float64(len(st.win.vals))
	if c > 1 {
		c = 1
	}
	return c
}

func (st *channelState) checkStuck(s telemetry.Sample) (telemetry.AnomalyEvent, bool) {
	thr := st.thr
	v := st.win.variance()
	if st.win.n < 2 || v >= thr.StuckEpsilon {
		st.stuckRun = 0
		st.stuckLatched = false
		return telemetry.AnomalyEvent{}, false
	}
	st.stuckRun++
	if st.stuckRun < thr.StuckSamples || st.stuckLatched {
		return telemetry.AnomalyEvent{}, false
	}
	st.stuckLatched = true
	return telemetry.AnomalyEvent{
		Channel:    s.Channel,
		Kind:       telemetry.AnomalyStuck,
		Severity:   severityFor(thr.StuckEpsilon / math.Max(v, thr.StuckEpsilon/10)),
		Confidence: st.confidence(),
		Score:      v,
		Value:      s.Value,
		Timestamp:  s.Timestamp,
	}, true
}

func (st *channelState) checkOscillation(s telemetry.Sample) (telemetry.AnomalyEvent, bool) {
	thr := st.thr
	if st.win.n < oscillationMinSamples || st.win.n < thr.MinSamples {
		return telemetry.AnomalyEvent{}, false
	}

	// Detrend against sample index; the crossing rate is then per sample.
	st.xs, st.ys = st.xs[:0], st.ys[:0]
	st.win.each(func(v float64, _ time.Time) {
		st.xs = append(st.xs, float64(len(st.xs)))
		st.ys = append(st.ys, v)
	})
	alpha, beta := stat.LinearRegression(st.xs, st.ys, nil, false)

	crossings := 0
	prevSign := 0
	sumSq := 0.0
	for i, y := range st.ys {
		r := y - (alpha + beta*st.xs[i])
		sumSq += r * r
		sign := 0
		if r > 0 {
			sign = 1
		} else if r < 0 {
			sign = -1
		}
		if sign != 0 {
			if prevSign != 0 && sign != prevSign {
				crossings++
			}
			prevSign = sign
		}
	}
	pairs := float64(len(st.ys) - 1)
	rate := float64(crossings) / pairs
	amp := math.Sqrt(sumSq / float64(len(st.ys)))
	// White noise changes sign on half the pairs: Binomial(pairs, 1/2).
	z := (float64(crossings) - pairs/2) / math.Sqrt(pairs/4)

	active := rate >= thr.OscillationRate &&
		z >= thr.OscillationZ &&
		amp >= thr.OscillationMinAmplitude &&
		amp > math.Sqrt(thr.StuckEpsilon)
	if !active {
		st.oscRun = 0
		st.oscLatched = false
		return telemetry.AnomalyEvent{}, false
	}
	st.oscRun++
	if st.oscRun < thr.OscillationSamples || st.oscLatched {
		return telemetry.AnomalyEvent{}, false
	}
	st.oscLatched = true

	ratio := 1.0
	if thr.OscillationRate < 1 {
		ratio = 1 + 2*(rate-thr.OscillationRate)/(1-thr.OscillationRate)
	}
	return telemetry.AnomalyEvent{
		Channel:    s.Channel,
		Kind:       telemetry.AnomalyOscillation,
		Severity:   severityFor(ratio),
		Confidence: st.confidence(),
		Score:      rate,
		Value:      s.Value,
		Timestamp:  s.Timestamp,
	}, true
}

func (st *channelState) checkDrift(s telemetry.Sample) (telemetry.AnomalyEvent, bool) {
	thr := st.thr
	if thr.DriftSlope <= 0 || st.win.n < driftMinSamples || st.win.n < thr.MinSamples {
		return telemetry.AnomalyEvent{}, false
	}

	var first time.Time
	st.xs, st.ys = st.xs[:0], st.ys[:0]
	st.win.each(func(v float64, t time.Time) {
		if first.IsZero() {
			first = t
		}
		st.xs = append(st.xs, t.Sub(first).Seconds())
		st.ys = append(st.ys, v)
	})
	if st.xs[len(st.xs)-1] <= 0 {
		return telemetry.AnomalyEvent{}, false
	}
	alpha, beta := stat.LinearRegression(st.xs, st.ys, nil, false)
	r2 := stat.RSquared(st.xs, st.ys, nil, alpha, beta)

	active := !math.IsNaN(r2) && math.Abs(beta) >= thr.DriftSlope && r2 >= thr.DriftMinR2
	if !active {
		st.driftLatched = false
		return telemetry.AnomalyEvent{}, false
	}
	if st.driftLatched {
		return telemetry.AnomalyEvent{}, false
	}
	st.driftLatched = true
	return telemetry.AnomalyEvent{
		Channel:    s.Channel,
		Kind:       telemetry.AnomalyDrift,
		Severity:   severityFor(math.Abs(beta) / thr.DriftSlope),
		Confidence: st.confidence() * r2,
		Score:      beta,
		Value:      s.Value,
		Timestamp:  s.Timestamp,
	}, true
}

// emit appends ev to events unless an event of the same channel and kind
// was emitted within the dedup window.
func (d *Detector) emit(events []telemetry.AnomalyEvent, ev telemetry.AnomalyEvent) []telemetry.AnomalyEvent {
	for _, r := range d.recent {
		if r.Channel != ev.Channel || r.Kind != ev.Kind {
			continue
		}
		gap := ev.Timestamp.Sub(r.Timestamp)
		if gap < 0 {
			gap = -gap
		}
		if gap <= d.cfg.DedupWindow {
			return events
		}
	}
	tracef("%s %s score=%.3f severity=%s", ev.Channel, ev.Kind, ev.Score, ev.Severity)
	if len(d.recent) < cap(d.recent) {
		d.recent = append(d.recent, ev)
	} else {
		d.recent[d.recentNext] = ev
		d.recentNext = (d.recentNext + 1) % len(d.recent)
	}
	return append(events, ev)
}

// severityFor maps how far a statistic is past its threshold (as a ratio,
// 1 = exactly at threshold) onto a severity.
func severityFor(ratio float64) telemetry.Severity {
	switch {
	case ratio < 1.5:
		return telemetry.SeverityLow
	case ratio < 2:
		return telemetry.SeverityMedium
	case ratio < 3:
		return telemetry.SeverityHigh
	default:
		return telemetry.SeverityCritical
	}
}

// Stats summarises a channel's current window.
type Stats struct {
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// Stats returns the window statistics for channel.
func (d *Detector) Stats(channel string) (Stats, bool) {
	st, ok := d.channels[channel]
	if !ok {
		return Stats{}, false
	}
	return Stats{N: st.win.n, Mean: st.win.mean, StdDev: st.win.std()}, true
}

// Recent returns the deduplication ring, oldest first.
func (d *Detector) Recent() []telemetry.AnomalyEvent {
	out := make([]telemetry.AnomalyEvent, 0, len(d.recent))
	if len(d.recent) < cap(d.recent) {
		return append(out, d.recent...)
	}
	out = append(out, d.recent[d.recentNext:]...)
	return append(out, d.recent[:d.recentNext]...)
}

// Channels returns the number of channels with detector state.
func (d *Detector) Channels() int { return len(d.channels) }

// Reset drops all per-channel state and history.
func (d *Detector) Reset() {
	opsf("reset, dropping state for %d channels", len(d.channels))
	d.channels = make(map[string]*channelState)
	d.recent = d.recent[:0]
	d.recentNext = 0
}
