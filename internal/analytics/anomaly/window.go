package anomaly

import (
	"math"
	"time"
)

// window is a fixed-capacity ring of samples with sliding-window Welford
// statistics. Adding to a full window evicts the oldest sample.
type window struct {
	vals []float64
	ts   []time.Time
	head int // index of the oldest sample
	n    int

	mean float64
	m2   float64

	sinceRebuild int
}

func newWindow(size int) *window {
	return &window{vals: make([]float64, size), ts: make([]time.Time, size)}
}

func (w *window) full() bool { return w.n == len(w.vals) }

func (w *window) push(v float64, t time.Time) {
	if w.full() {
		w.remove(w.vals[w.head])
		w.vals[w.head], w.ts[w.head] = v, t
		w.head = (w.head + 1) % len(w.vals)
	} else {
		i := (w.head + w.n) % len(w.vals)
		w.vals[i], w.ts[i] = v, t
	}
	w.add(v)

	// Sliding Welford accumulates rounding error over long sessions.
	w.sinceRebuild++
	if w.sinceRebuild >= 4*len(w.vals) {
		w.rebuild()
	}
}

func (w *window) add(x float64) {
	w.n++
	d := x - w.mean
	w.mean += d / float64(w.n)
	w.m2 += d * (x - w.mean)
}

func (w *window) remove(x float64) {
	if w.n <= 1 {
		w.n, w.mean, w.m2 = 0, 0, 0
		return
	}
	w.n--
	d := x - w.mean
	w.mean -= d / float64(w.n)
	w.m2 -= d * (x - w.mean)
	if w.m2 < 0 {
		w.m2 = 0
	}
}

// rebuild recomputes mean and m2 exactly from the buffered values.
func (w *window) rebuild() {
	w.sinceRebuild = 0
	if w.n == 0 {
		w.mean, w.m2 = 0, 0
		return
	}
	sum := 0.0
	w.each(func(v float64, _ time.Time) { sum += v })
	mean := sum / float64(w.n)
	m2 := 0.0
	w.each(func(v float64, _ time.Time) { m2 += (v - mean) * (v - mean) })
	w.mean, w.m2 = mean, m2
}

func (w *window) reset() {
	w.head, w.n, w.mean, w.m2, w.sinceRebuild = 0, 0, 0, 0, 0
}

// variance returns the sample variance, or 0 with fewer than two samples.
func (w *window) variance() float64 {
	if w.n < 2 {
		return 0
	}
	return w.m2 / float64(w.n-1)
}

func (w *window) std() float64 { return math.Sqrt(w.variance()) }

// each visits samples oldest first.
func (w *window) each(fn func(v float64, t time.Time)) {
	for k := 0; k < w.n; k++ {
		i := (w.head + k) % len(w.vals)
		fn(w.vals[i], w.ts[i])
	}
}
