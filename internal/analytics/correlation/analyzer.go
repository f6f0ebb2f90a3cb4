// Package correlation maintains Pearson coefficients for configured channel
// pairs from online sufficient statistics, optionally over a rolling window.
package correlation

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/telemetry.report/internal/config"
	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

// Pair names two channels. Observations are formed when A arrives.
type Pair struct {
	A, B string
}

// Config configures an Analyzer.
type Config struct {
	Pairs      []Pair
	Window     int // 0 accumulates over the whole session
	MinSamples int
	MaxSkew    time.Duration // maximum age of B's value when A arrives
}

// ConfigFromTuning builds a Config from a loaded AnalyticsConfig.
func ConfigFromTuning(cfg *config.AnalyticsConfig) Config {
	c := &cfg.Correlation
	out := Config{
		Window:     c.GetWindow(),
		MinSamples: c.GetMinSamples(),
		MaxSkew:    c.GetMaxSkew(),
	}
	for _, p := range c.Pairs {
		out.Pairs = append(out.Pairs, Pair{A: p.A, B: p.B})
	}
	return out
}

// sums are sufficient statistics about a shift point, which keeps
// Σx² - (Σx)²/n well conditioned for large-offset signals.
type sums struct {
	n             int
	kx, ky        float64
	sx, sy        float64
	sxx, syy, sxy float64
}

func (s *sums) add(x, y float64) {
	dx, dy := x-s.kx, y-s.ky
	s.n++
	s.sx += dx
	s.sy += dy
	s.sxx += dx * dx
	s.syy += dy * dy
	s.sxy += dx * dy
}

func (s *sums) sub(x, y float64) {
	dx, dy := x-s.kx, y-s.ky
	s.n--
	s.sx -= dx
	s.sy -= dy
	s.sxx -= dx * dx
	s.syy -= dy * dy
	s.sxy -= dx * dy
}

// pearson returns r, or ok=false when either series has no variance.
func (s *sums) pearson() (float64, bool) {
	n := float64(s.n)
	cov := n*s.sxy - s.sx*s.sy
	vx := n*s.sxx - s.sx*s.sx
	vy := n*s.syy - s.sy*s.sy
	if vx <= 0 || vy <= 0 {
		return 0, false
	}
	r := cov / math.Sqrt(vx*vy)
	return math.Max(-1, math.Min(1, r)), true
}

type point struct{ x, y float64 }

type pairState struct {
	Pair
	s sums

	ring []point // nil when accumulating over the whole session
	head int

	sinceRebuild int
	dirty        bool
	entry        telemetry.CorrelationEntry
}

func (p *pairState) observe(x, y float64) {
	if p.s.n == 0 {
		p.s.kx, p.s.ky = x, y
	}
	if p.ring != nil {
		if p.s.n == len(p.ring) {
			old := p.ring[p.head]
			p.s.sub(old.x, old.y)
			p.ring[p.head] = point{x, y}
			p.head = (p.head + 1) % len(p.ring)
		} else {
			p.ring[(p.head+p.s.n)%len(p.ring)] = point{x, y}
		}
		p.sinceRebuild++
		if p.sinceRebuild >= 4*len(p.ring) {
			p.s.add(x, y)
			p.rebuild()
			p.dirty = true
			return
		}
	}
	p.s.add(x, y)
	p.dirty = true
}

// rebuild recomputes the window sums exactly, re-centred on the oldest
// point, so subtract-then-add rounding does not accumulate.
func (p *pairState) rebuild() {
	p.sinceRebuild = 0
	n := p.s.n
	if n == 0 {
		return
	}
	first := p.ring[p.head]
	p.s = sums{kx: first.x, ky: first.y}
	for k := 0; k < n; k++ {
		pt := p.ring[(p.head+k)%len(p.ring)]
		p.s.add(pt.x, pt.y)
	}
}

type latest struct {
	v  float64
	t  time.Time
	ok bool
}

// Analyzer is owned by the pipeline goroutine. Snapshots it returns are
// never mutated afterwards.
type Analyzer struct {
	cfg    Config
	pairs  []*pairState
	byA    map[string][]*pairState
	latest map[string]*latest

	snapshot []telemetry.CorrelationEntry
}

// New validates cfg and returns an Analyzer.
func New(cfg Config) (*Analyzer, error) {
	if cfg.Window < 0 {
		return nil, fmt.Errorf("negative correlation window %d", cfg.Window)
	}
	if cfg.MinSamples < 2 {
		cfg.MinSamples = 2
	}
	a := &Analyzer{
		cfg:    cfg,
		byA:    make(map[string][]*pairState),
		latest: make(map[string]*latest),
	}
	for i, p := range cfg.Pairs {
		if p.A == "" || p.B == "" {
			return nil, fmt.Errorf("correlation pair %d: empty channel name", i)
		}
		ps := &pairState{Pair: p, dirty: true}
		if cfg.Window > 0 {
			ps.ring = make([]point, cfg.Window)
		}
		a.pairs = append(a.pairs, ps)
		a.byA[p.A] = append(a.byA[p.A], ps)
		if _, ok := a.latest[p.B]; !ok {
			a.latest[p.B] = &latest{}
		}
	}
	return a, nil
}

// Observe folds s into every pair it participates in. It is O(pairs on
// the channel) and never recomputes coefficients.
func (a *Analyzer) Observe(s telemetry.Sample) {
	if l, ok := a.latest[s.Channel]; ok {
		l.v, l.t, l.ok = s.Value, s.Timestamp, true
	}
	for _, p := range a.byA[s.Channel] {
		if p.B == p.A {
			p.observe(s.Value, s.Value)
			continue
		}
		l := a.latest[p.B]
		if !l.ok {
			continue
		}
		skew := s.Timestamp.Sub(l.t)
		if skew < 0 {
			skew = -skew
		}
		if skew > a.cfg.MaxSkew {
			tracef("%s/%s skipped, %s is %v old", p.A, p.B, p.B, skew)
			continue
		}
		p.observe(s.Value, l.v)
	}
}

// Snapshot returns the current coefficients for every pair in configured
// order. Only pairs that changed since the last call are recomputed; if
// none changed the previous slice is returned.
func (a *Analyzer) Snapshot() []telemetry.CorrelationEntry {
	changed := false
	for _, p := range a.pairs {
		if p.dirty {
			a.refresh(p)
			changed = true
		}
	}
	if !changed && a.snapshot != nil {
		return a.snapshot
	}
	out := make([]telemetry.CorrelationEntry, len(a.pairs))
	for i, p := range a.pairs {
		out[i] = p.entry
	}
	a.snapshot = out
	return out
}

// Entry returns the coefficient for one configured pair.
func (a *Analyzer) Entry(channelA, channelB string) (telemetry.CorrelationEntry, bool) {
	for _, p := range a.pairs {
		if p.A == channelA && p.B == channelB {
			if p.dirty {
				a.refresh(p)
				a.snapshot = nil
			}
			return p.entry, true
		}
	}
	return telemetry.CorrelationEntry{}, false
}

func (a *Analyzer) refresh(p *pairState) {
	e := a.entryFor(p)
	if e.Strength != p.entry.Strength && p.entry.Strength != "" {
		diagf("%s/%s now %s (r=%.3f, n=%d)", p.A, p.B, e.Strength, e.Coefficient, e.SampleCount)
	}
	p.entry = e
	p.dirty = false
}

func (a *Analyzer) entryFor(p *pairState) telemetry.CorrelationEntry {
	e := telemetry.CorrelationEntry{
		ChannelA:    p.A,
		ChannelB:    p.B,
		SampleCount: p.s.n,
		Strength:    telemetry.StrengthInsufficient,
		Direction:   "none",
	}
	if p.s.n < a.cfg.MinSamples {
		return e
	}
	r, ok := p.s.pearson()
	if !ok {
		return e
	}
	e.Coefficient = r
	e.Strength = Classify(r)
	switch {
	case r > 0:
		e.Direction = "positive"
	case r < 0:
		e.Direction = "negative"
	}
	return e
}

// Classify buckets |r| into a strength category.
func Classify(r float64) telemetry.CorrelationStrength {
	switch m := math.Abs(r); {
	case m >= 0.7:
		return telemetry.StrengthStrong
	case m >= 0.4:
		return telemetry.StrengthModerate
	default:
		return telemetry.StrengthWeak
	}
}

// Reset clears all accumulated statistics.
func (a *Analyzer) Reset() {
	opsf("reset %d pairs", len(a.pairs))
	for _, p := range a.pairs {
		p.s = sums{}
		p.head, p.sinceRebuild = 0, 0
		p.dirty = true
	}
	for _, l := range a.latest {
		*l = latest{}
	}
	a.snapshot = nil
}
