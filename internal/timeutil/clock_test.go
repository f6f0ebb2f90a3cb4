package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func received(ch <-chan time.Time) (time.Time, bool) {
	select {
	case v := <-ch:
		return v, true
	default:
		return time.Time{}, false
	}
}

func TestMockClock_NowAndSince(t *testing.T) {
	c := NewMockClock(t0)
	assert.Equal(t, t0, c.Now())

	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, t0.Add(1500*time.Millisecond), c.Now())
	assert.Equal(t, 1500*time.Millisecond, c.Since(t0))

	c.Set(t0)
	assert.Equal(t, time.Duration(0), c.Since(t0))
}

func TestMockClock_Timer(t *testing.T) {
	c := NewMockClock(t0)
	timer := c.NewTimer(time.Second)

	c.Advance(999 * time.Millisecond)
	_, ok := received(timer.C())
	assert.False(t, ok, "fired early")

	c.Advance(time.Millisecond)
	got, ok := received(timer.C())
	assert.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), got)

	c.Advance(time.Hour)
	_, ok = received(timer.C())
	assert.False(t, ok, "timer fires once")
	assert.False(t, timer.Stop(), "already fired")
	assert.Equal(t, 0, c.Waiters())
}

func TestMockClock_TimerStop(t *testing.T) {
	c := NewMockClock(t0)
	timer := c.NewTimer(time.Second)
	assert.Equal(t, 1, c.Waiters())
	assert.True(t, timer.Stop())

	c.Advance(2 * time.Second)
	_, ok := received(timer.C())
	assert.False(t, ok)
	assert.Equal(t, 0, c.Waiters())
}

func TestMockClock_After(t *testing.T) {
	c := NewMockClock(t0)
	ch := c.After(100 * time.Millisecond)
	c.Advance(250 * time.Millisecond)
	got, ok := received(ch)
	assert.True(t, ok)
	assert.Equal(t, t0.Add(250*time.Millisecond), got)

	_, ok = received(c.After(0))
	assert.True(t, ok, "zero duration fires immediately")
}

func TestMockClock_Ticker(t *testing.T) {
	c := NewMockClock(t0)
	tk := c.NewTicker(100 * time.Millisecond)

	var ticks int
	for i := 0; i < 10; i++ {
		c.Advance(50 * time.Millisecond)
		if _, ok := received(tk.C()); ok {
			ticks++
		}
	}
	assert.Equal(t, 5, ticks)

	tk.Stop()
	c.Advance(time.Second)
	_, ok := received(tk.C())
	assert.False(t, ok, "stopped ticker")
	assert.Equal(t, 0, c.Waiters())
}

func TestMockClock_TickerDropsUnread(t *testing.T) {
	c := NewMockClock(t0)
	tk := c.NewTicker(10 * time.Millisecond)
	for i := 0; i < 5; i++ {
		c.Advance(10 * time.Millisecond)
	}
	got, ok := received(tk.C())
	assert.True(t, ok)
	assert.Equal(t, t0.Add(10*time.Millisecond), got, "buffer holds the first unread tick")
	_, ok = received(tk.C())
	assert.False(t, ok)
}

func TestMockClock_BackwardsFiresNothing(t *testing.T) {
	c := NewMockClock(t0)
	timer := c.NewTimer(time.Second)
	c.Set(t0.Add(-time.Hour))
	_, ok := received(timer.C())
	assert.False(t, ok)
}

func TestRealClock(t *testing.T) {
	var c Clock = RealClock{}
	start := c.Now()

	select {
	case <-c.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("After never fired")
	}

	timer := c.NewTimer(time.Hour)
	assert.True(t, timer.Stop())

	tk := c.NewTicker(time.Millisecond)
	<-tk.C()
	tk.Stop()

	assert.Positive(t, c.Since(start))
}
