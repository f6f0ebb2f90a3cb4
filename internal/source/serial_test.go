package source

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/telemetry.report/internal/serialmux"
	"github.com/banshee-data/telemetry.report/internal/telemetry"
	"github.com/banshee-data/telemetry.report/internal/testutil"
	"github.com/banshee-data/telemetry.report/internal/timeutil"
)

type collector struct {
	mu      sync.Mutex
	samples []telemetry.Sample
	notify  chan struct{}
}

func newCollector() *collector { return &collector{notify: make(chan struct{}, 1)} }

func (c *collector) emit(s telemetry.Sample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *collector) channels() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]int{}
	for _, s := range c.samples {
		out[s.Channel]++
	}
	return out
}

func TestSerial_StreamsUntilEOF(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.AddReadData("ELM327 v1.5\r>41 0C 1A F8\r>41 0D 3C\r>SEARCHING...\r" +
		"$GPRMC,140000.00,A,4531.200,N,12240.800,W,10.0,90.0,140326,,,A*4F\r\n" +
		"garbage\r")
	port.EndOfData()

	src := NewSerial(serialmux.NewSerialMux(port), 0)
	src.Clock = timeutil.NewMockClock(testutil.Epoch)
	c := newCollector()

	require.NoError(t, src.Run(context.Background(), c.emit))

	assert.Equal(t, map[string]int{
		telemetry.ChannelOBDRPM:     1,
		telemetry.ChannelOBDSpeed:   1,
		telemetry.ChannelGPSLat:     1,
		telemetry.ChannelGPSLon:     1,
		telemetry.ChannelGPSSpeed:   1,
		telemetry.ChannelGPSHeading: 1,
	}, c.channels())
	for _, s := range c.samples {
		assert.Equal(t, testutil.Epoch, s.Timestamp, "%s on the host clock", s.Channel)
	}
	assert.InDelta(t, 1726, c.samples[0].Value, 1e-9)
	assert.True(t, strings.HasPrefix(port.Written(), "ATZ\r"), "adapter initialised")
}

func TestSerial_PollsPIDs(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	answers := map[string]string{
		"010C\r": "41 0C 0C 80\r>",
		"010D\r": "41 0D 28\r>",
		"0105\r": "41 05 5A\r>",
		"0142\r": "41 42 36 B0\r>",
	}
	port.Responder = func(cmd string) string { return answers[cmd] }
	mux := serialmux.NewSerialMux(port)
	mux.SetInitCommands(nil)

	clock := timeutil.NewMockClock(testutil.Epoch)
	src := NewSerial(mux, 100*time.Millisecond)
	src.Clock = clock
	c := newCollector()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, c.emit) }()
	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond, "poll ticker")

	deadline := time.After(5 * time.Second)
	for len(c.channels()) < 4 {
		clock.Advance(100 * time.Millisecond)
		select {
		case <-c.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("only saw %v", c.channels())
		}
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	got := c.channels()
	for _, ch := range []string{telemetry.ChannelOBDRPM, telemetry.ChannelOBDSpeed, telemetry.ChannelCoolantTemp, telemetry.ChannelBatteryVoltage} {
		assert.Positive(t, got[ch], ch)
	}
	assert.True(t, strings.HasPrefix(port.Written(), "010C\r010D\r0105\r0142\r"), "PIDs polled in order, got %q", port.Written())
}

func TestSerial_InitFailure(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.SetWriteError(assert.AnError)
	src := NewSerial(serialmux.NewSerialMux(port), 0)

	err := src.Run(context.Background(), func(telemetry.Sample) {})
	assert.ErrorIs(t, err, assert.AnError)
	port.Close()
}
