// Package performance times driving events (standing starts, braking,
// fixed distances and laps) from the estimator's smoothed speed and
// position, and keeps a bounded history of completed runs.
package performance

import (
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
	"github.com/banshee-data/telemetry.report/internal/units"
)

// Stats summarises a metric's completed runs. Best and Worst refer to
// elapsed time, so Best is the smallest value. Trend is the least-squares
// slope of value against run index; negative means improving.
type Stats struct {
	Metric string  `json:"metric"`
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Best   float64 `json:"best"`
	Worst  float64 `json:"worst"`
	Trend  float64 `json:"trend"`
}

// Tracker drives one state machine per configured metric. Observe is
// called from the pipeline goroutine; the read accessors may be called
// concurrently from API handlers.
type Tracker struct {
	mu sync.Mutex

	metrics     []Metric
	machines    []machine
	history     map[string][]telemetry.PerformanceRun
	historySize int

	last    point
	hasLast bool
}

// New validates cfg and builds a Tracker.
func New(cfg Config) (*Tracker, error) {
	size := cfg.HistorySize
	if size <= 0 {
		size = 100
	}
	t := &Tracker{
		history:     make(map[string][]telemetry.PerformanceRun),
		historySize: size,
	}
	seen := make(map[string]bool)
	for _, m := range cfg.Metrics {
		if m.Name == "" {
			return nil, fmt.Errorf("performance metric with empty name")
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("duplicate performance metric %q", m.Name)
		}
		seen[m.Name] = true
		if err := m.validate(); err != nil {
			return nil, err
		}
		t.metrics = append(t.metrics, m)
		t.machines = append(t.machines, newMachine(m))
	}
	return t, nil
}

func newMachine(m Metric) machine {
	switch m.Kind {
	case KindBrakingRun:
		return &brakingRun{m: m}
	case KindDistanceRun:
		return &distanceRun{m: m}
	case KindLap:
		return &lap{m: m}
	default:
		return &speedRun{m: m}
	}
}

// Observe advances every state machine with a new estimator state and
// returns the runs completed by it. States that do not advance in time are
// ignored.
func (t *Tracker) Observe(s telemetry.EstimatorState) []telemetry.PerformanceRun {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasLast && !s.Timestamp.After(t.last.t) {
		return nil
	}
	cur := point{
		t:        s.Timestamp,
		mps:      s.Speed,
		mph:      units.ConvertSpeed(s.Speed, units.MPH),
		pos:      s.Geodetic,
		hasPos:   s.Initialized,
		degraded: s.Degraded,
	}
	prev := cur
	if t.hasLast {
		prev = t.last
	}
	t.last, t.hasLast = cur, true

	var out []telemetry.PerformanceRun
	for _, m := range t.machines {
		run, ok := m.observe(prev, cur)
		if !ok {
			continue
		}
		opsf("%s completed: %.3f %s", run.Metric, run.Value, run.Unit)
		t.record(run)
		out = append(out, run)
	}
	return out
}

func (t *Tracker) record(run telemetry.PerformanceRun) {
	h := append(t.history[run.Metric], run)
	if len(h) > t.historySize {
		h = append([]telemetry.PerformanceRun(nil), h[len(h)-t.historySize:]...)
	}
	t.history[run.Metric] = h
}

// History returns a copy of the completed runs for one metric, oldest
// first.
func (t *Tracker) History(metric string) []telemetry.PerformanceRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]telemetry.PerformanceRun(nil), t.history[metric]...)
}

// Runs returns every completed run across metrics ordered by end time.
func (t *Tracker) Runs() []telemetry.PerformanceRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allRuns()
}

func (t *Tracker) allRuns() []telemetry.PerformanceRun {
	var out []telemetry.PerformanceRun
	for _, m := range t.metrics {
		out = append(out, t.history[m.Name]...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].End.Before(out[j].End) })
	return out
}

// Metrics returns the configured metric names in configuration order.
func (t *Tracker) Metrics() []string {
	names := make([]string, len(t.metrics))
	for i, m := range t.metrics {
		names[i] = m.Name
	}
	return names
}

// Phases reports the current state machine phase per metric.
func (t *Tracker) Phases() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.metrics))
	for i, m := range t.metrics {
		out[m.Name] = t.machines[i].phase().String()
	}
	return out
}

// Stats computes summary statistics for a metric's history. The second
// return is false when the metric has no completed runs.
func (t *Tracker) Stats(metric string) (Stats, bool) {
	t.mu.Lock()
	runs := t.history[metric]
	values := make([]float64, len(runs))
	for i, r := range runs {
		values[i] = r.Value
	}
	t.mu.Unlock()

	if len(values) == 0 {
		return Stats{Metric: metric}, false
	}
	st := Stats{
		Metric: metric,
		Count:  len(values),
		Best:   values[0],
		Worst:  values[0],
	}
	for _, v := range values[1:] {
		if v < st.Best {
			st.Best = v
		}
		if v > st.Worst {
			st.Worst = v
		}
	}
	st.Mean, st.StdDev = stat.MeanStdDev(values, nil)
	if len(values) < 2 {
		st.StdDev = 0
		return st, true
	}
	idx := make([]float64, len(values))
	for i := range idx {
		idx[i] = float64(i)
	}
	_, st.Trend = stat.LinearRegression(idx, values, nil, false)
	return st, true
}

// Flush aborts every in-progress attempt and returns the final history.
// Partial attempts are never reported as runs.
func (t *Tracker) Flush() []telemetry.PerformanceRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, m := range t.machines {
		if m.phase() == phaseTiming {
			diagf("%s: in-progress attempt discarded on flush", t.metrics[i].Name)
		}
		m.abort()
	}
	t.hasLast = false
	return t.allRuns()
}
