package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/telemetry.report/internal/analytics/pipeline"
	"github.com/banshee-data/telemetry.report/internal/config"
	"github.com/banshee-data/telemetry.report/internal/telemetry"
	"github.com/banshee-data/telemetry.report/internal/testutil"
	"github.com/banshee-data/telemetry.report/internal/timeutil"
	"github.com/banshee-data/telemetry.report/internal/units"
)

var portland = telemetry.Geodetic{Lat: 45.52, Lon: -122.68}

func TestSimulated_Rates(t *testing.T) {
	sim := &Simulated{Origin: portland, Start: testutil.Epoch, Duration: time.Second}
	c := newCollector()
	require.NoError(t, sim.Run(context.Background(), c.emit))

	got := c.channels()
	assert.Equal(t, 50, got[telemetry.ChannelAccelX], "IMU at 50 Hz")
	assert.Equal(t, 50, got[telemetry.ChannelGyroZ])
	assert.Equal(t, 10, got[telemetry.ChannelGPSLat], "GPS at 10 Hz")
	assert.Equal(t, 10, got[telemetry.ChannelGPSAlt])
	assert.Equal(t, 5, got[telemetry.ChannelOBDRPM], "OBD at 5 Hz")
	assert.Equal(t, 5, got[telemetry.ChannelCoolantTemp])
	assert.Len(t, c.samples, 6*50+5*10+5*5)

	last := map[string]time.Time{}
	for i, s := range c.samples {
		require.True(t, s.Valid(), "sample %d %v", i, s)
		if i > 0 {
			require.False(t, s.Timestamp.Before(c.samples[i-1].Timestamp), "timestamps regress at %d", i)
		}
		if prev, ok := last[s.Channel]; ok {
			require.True(t, s.Timestamp.After(prev), "%s not strictly increasing", s.Channel)
		}
		last[s.Channel] = s.Timestamp
	}
	assert.Equal(t, testutil.Epoch, c.samples[0].Timestamp)
}

func TestSimulated_Profile(t *testing.T) {
	tests := []struct {
		tc, speed, accel float64
	}{
		{0, 0, 0},
		{4.99, 0, 0},
		{9, 14.4, simLaunchAcc},
		{20, simCruiseMPS, 0},
		{31, simCruiseMPS - simBrakeAcc, -simBrakeAcc},
		{45, 0, 0},
	}
	for _, tt := range tests {
		v, a := profile(tt.tc)
		assert.InDelta(t, tt.speed, v, 1e-9, "speed at %.2f", tt.tc)
		assert.InDelta(t, tt.accel, a, 1e-9, "accel at %.2f", tt.tc)
	}
	assert.InDelta(t, simBaseCool, coolantAt(0), 1e-9)
	assert.Greater(t, coolantAt(35), coolantAt(10))
	assert.InDelta(t, simBaseCool, coolantAt(simCycle), 1e-9)
}

func TestSimulated_NoiseIsSeeded(t *testing.T) {
	run := func(seed int64) []telemetry.Sample {
		c := newCollector()
		sim := &Simulated{Origin: portland, Start: testutil.Epoch, Duration: 200 * time.Millisecond, Noise: 1, Seed: seed}
		require.NoError(t, sim.Run(context.Background(), c.emit))
		return c.samples
	}
	a, b, other := run(7), run(7), run(8)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, other)
}

func TestSimulated_RealtimeStopsOnCancel(t *testing.T) {
	clock := timeutil.NewMockClock(testutil.Epoch)
	sim := &Simulated{Origin: portland, Realtime: true, Clock: clock}
	c := newCollector()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx, c.emit) }()

	<-c.notify
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 6+5+5, len(c.samples), "only the first tick is emitted without clock advance")
}

// The simulated launch accelerates at 3.6 m/s² from rest at t=5s, so the
// estimator should time 0-60 mph in about 26.82/3.6 = 7.45s.
func TestSimulated_DriveThroughPipeline(t *testing.T) {
	o, err := pipeline.NewFromConfig(config.DefaultAnalyticsConfig(), pipeline.Options{
		Clock: timeutil.NewMockClock(testutil.Epoch),
	})
	require.NoError(t, err)

	sim := &Simulated{Origin: portland, Start: testutil.Epoch, Duration: 40 * time.Second}
	var rejected int
	require.NoError(t, sim.Run(context.Background(), func(s telemetry.Sample) {
		if _, err := o.Process(s); err != nil {
			rejected++
		}
	}))
	assert.Zero(t, rejected)

	rec, ok := o.Latest()
	require.True(t, ok)
	assert.True(t, rec.Estimator.Initialized)
	assert.False(t, rec.Estimator.Degraded)
	assert.Less(t, units.ConvertSpeed(rec.Estimator.Speed, units.MPH), 1.0, "stopped by t=40s")

	runs := o.Performance().History("0to60")
	require.Len(t, runs, 1)
	assert.InDelta(t, 7.45, runs[0].Value, 1.0)
	assert.InDelta(t, 5, runs[0].Start.Sub(testutil.Epoch).Seconds(), 0.5)

	braking := o.Performance().History("60to0")
	require.Len(t, braking, 1)
	assert.InDelta(t, 5.5, braking[0].Value, 1.0)
}
