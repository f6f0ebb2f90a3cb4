package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/telemetry.report/internal/analytics/anomaly"
	"github.com/banshee-data/telemetry.report/internal/analytics/correlation"
	"github.com/banshee-data/telemetry.report/internal/analytics/estimator"
	"github.com/banshee-data/telemetry.report/internal/analytics/limits"
	"github.com/banshee-data/telemetry.report/internal/analytics/performance"
	"github.com/banshee-data/telemetry.report/internal/analytics/pipeline"
	"github.com/banshee-data/telemetry.report/internal/config"
	"github.com/banshee-data/telemetry.report/internal/serialmux"
	"github.com/banshee-data/telemetry.report/internal/source"
	"github.com/banshee-data/telemetry.report/internal/telemetry"
	"github.com/banshee-data/telemetry.report/internal/testutil"
)

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, "serial", *sourceKind)
	assert.Equal(t, serialmux.DefaultBaudRate, *baud)
	assert.Equal(t, 200*time.Millisecond, *poll)
	assert.Equal(t, ":8080", *listen)
	assert.Equal(t, ":50051", *grpcListen)
	assert.Equal(t, "telemetry.db", *dbPath)
	assert.Equal(t, "mph", *speedUnits)
	assert.Equal(t, 1.0, *replaySpeed)
	assert.Equal(t, "off", *logTrace)
}

func TestNewSource(t *testing.T) {
	t.Run("sim", func(t *testing.T) {
		src, mux, err := newSource("sim", sourceOptions{SimDuration: time.Minute})
		require.NoError(t, err)
		assert.Nil(t, mux)
		sim, ok := src.(*source.Simulated)
		require.True(t, ok)
		assert.Equal(t, time.Minute, sim.Duration)
		assert.True(t, sim.Realtime)
		assert.Equal(t, simOrigin, sim.Origin)
	})

	t.Run("replay", func(t *testing.T) {
		src, mux, err := newSource("replay", sourceOptions{PcapPath: "drive.pcapng", PcapPort: 2368, ReplaySpeed: 4})
		require.NoError(t, err)
		assert.Nil(t, mux)
		rp, ok := src.(*source.Replay)
		require.True(t, ok)
		assert.Equal(t, "drive.pcapng", rp.Path)
		assert.Equal(t, 2368, rp.Port)
		assert.Equal(t, 4.0, rp.SpeedMultiplier)
	})

	errCases := []struct {
		name string
		kind string
		opts sourceOptions
	}{
		{"replay without capture", "replay", sourceOptions{}},
		{"serial without port", "serial", sourceOptions{}},
		{"missing serial device", "serial", sourceOptions{Port: filepath.Join(t.TempDir(), "nope")}},
		{"unknown kind", "canbus", sourceOptions{}},
	}
	for _, tc := range errCases {
		t.Run(tc.name, func(t *testing.T) {
			src, mux, err := newSource(tc.kind, tc.opts)
			assert.Error(t, err)
			assert.Nil(t, src)
			assert.Nil(t, mux)
		})
	}
}

func TestOpenLogWriter(t *testing.T) {
	for dest, want := range map[string]io.Writer{
		"":       io.Discard,
		"off":    io.Discard,
		"stderr": os.Stderr,
		"stdout": os.Stdout,
	} {
		w, closeFn, err := openLogWriter(dest)
		require.NoError(t, err, dest)
		assert.Equal(t, want, w, dest)
		assert.NoError(t, closeFn())
	}

	path := filepath.Join(t.TempDir(), "ops.log")
	w, closeFn, err := openLogWriter(path)
	require.NoError(t, err)
	_, err = io.WriteString(w, "estimator reset\n")
	require.NoError(t, err)
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "estimator reset\n", string(data))

	_, _, err = openLogWriter(filepath.Join(t.TempDir(), "missing", "dir", "ops.log"))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Len(t, cfg.Performance.Metrics, 3)

	_, err = loadConfig(filepath.Join(t.TempDir(), "analytics.toml"))
	assert.Error(t, err)
}

func TestSetupLoggingRoutesAnalyticsStreams(t *testing.T) {
	dir := t.TempDir()
	opsPath, diagPath := filepath.Join(dir, "ops.log"), filepath.Join(dir, "diag.log")
	savedOps, savedDiag := *logOps, *logDiag
	*logOps, *logDiag = opsPath, diagPath
	t.Cleanup(func() {
		*logOps, *logDiag = savedOps, savedDiag
		estimator.SetLogWriters(nil, nil, nil)
		pipeline.SetLogWriters(nil, nil, nil)
		anomaly.SetLogWriters(nil, nil, nil)
		limits.SetLogWriters(nil, nil, nil)
		correlation.SetLogWriters(nil, nil, nil)
		performance.SetLogWriters(nil, nil)
	})
	closeLogs := setupLogging()

	var l limits.ChannelLimits
	l.Tiers[telemetry.TierCritical] = limits.Bounds{Upper: 240, HasUpper: true}
	m, err := limits.New(limits.Config{Channels: map[string]limits.ChannelLimits{telemetry.ChannelCoolantTemp: l}})
	require.NoError(t, err)
	m.Observe(telemetry.Sample{Channel: telemetry.ChannelCoolantTemp, Value: 250, Timestamp: testutil.Epoch})
	m.Observe(telemetry.Sample{Channel: telemetry.ChannelCoolantTemp, Value: 200, Timestamp: testutil.At(1)})

	d := anomaly.New(anomaly.ConfigFromTuning(config.DefaultAnalyticsConfig()))
	d.Observe(telemetry.Sample{Channel: telemetry.ChannelCoolantTemp, Value: 190, Timestamp: testutil.Epoch})
	d.Reset()

	a, err := correlation.New(correlation.Config{Pairs: []correlation.Pair{{A: "obd_rpm", B: "obd_speed"}}, MinSamples: 2})
	require.NoError(t, err)
	a.Reset()
	closeLogs()

	opsLog, err := os.ReadFile(opsPath)
	require.NoError(t, err)
	assert.Contains(t, string(opsLog), "[limits] ")
	assert.Contains(t, string(opsLog), "[anomaly] ")
	assert.Contains(t, string(opsLog), "[correlation] ")

	diagLog, err := os.ReadFile(diagPath)
	require.NoError(t, err)
	assert.Contains(t, string(diagLog), "coolant_temp critical cleared")
}
