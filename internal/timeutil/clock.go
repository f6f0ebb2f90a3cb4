// Package timeutil abstracts the wall clock so sources and the pipeline can
// be driven deterministically in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the analytics code depends on.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// After sends the current time once d has elapsed.
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer fires once.
type Timer interface {
	C() <-chan time.Time
	// Stop reports whether the call prevented the timer from firing.
	Stop() bool
}

// Ticker fires every period until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (RealClock) NewTimer(d time.Duration) Timer {
	return realTimer{time.NewTimer(d)}
}

func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// MockClock only moves when told to. Timers and tickers created from it
// fire during Advance or Set once their deadline is reached. Like the real
// ticker, a mock ticker drops ticks nobody is receiving.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*mockWaiter
}

// NewMockClock returns a clock reading t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves the clock forward by d and fires whatever fell due.
func (c *MockClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// Set moves the clock to t. Moving backwards fires nothing.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	live := c.waiters[:0]
	var due []*mockWaiter
	for _, w := range c.waiters {
		if w.stopped() {
			continue
		}
		live = append(live, w)
		due = append(due, w)
	}
	c.waiters = live
	c.mu.Unlock()

	for _, w := range due {
		w.fire(t)
	}
}

// Waiters returns the number of timers and tickers not yet stopped or
// expired.
func (c *MockClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped() {
			n++
		}
	}
	return n
}

func (c *MockClock) After(d time.Duration) <-chan time.Time {
	return c.NewTimer(d).C()
}

func (c *MockClock) NewTimer(d time.Duration) Timer {
	return c.add(d, 0)
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("timeutil: non-positive interval for NewTicker")
	}
	return mockTicker{c.add(d, d)}
}

func (c *MockClock) add(d, period time.Duration) *mockWaiter {
	c.mu.Lock()
	w := &mockWaiter{
		ch:     make(chan time.Time, 1),
		next:   c.now.Add(d),
		period: period,
	}
	c.waiters = append(c.waiters, w)
	now := c.now
	c.mu.Unlock()
	if d <= 0 {
		w.fire(now)
	}
	return w
}

type mockTicker struct{ *mockWaiter }

func (t mockTicker) Stop() { t.mockWaiter.Stop() }

// mockWaiter backs both mock timers (period zero) and mock tickers.
type mockWaiter struct {
	mu     sync.Mutex
	ch     chan time.Time
	next   time.Time
	period time.Duration
	done   bool
}

func (w *mockWaiter) C() <-chan time.Time { return w.ch }

func (w *mockWaiter) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	was := !w.done
	w.done = true
	return was
}

func (w *mockWaiter) stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

func (w *mockWaiter) fire(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done || now.Before(w.next) {
		return
	}
	select {
	case w.ch <- now:
	default:
	}
	if w.period == 0 {
		w.done = true
		return
	}
	w.next = now.Add(w.period)
}
