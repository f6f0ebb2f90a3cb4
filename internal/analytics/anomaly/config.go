package anomaly

import (
	"time"

	"github.com/banshee-data/telemetry.report/internal/config"
)

// Thresholds are the detector parameters for one channel.
type Thresholds struct {
	WindowSize int     // ring buffer length
	MinSamples int     // samples required before spike/drop/drift evaluation
	SpikeZ     float64 // |z| at or above which a sample is a spike or drop
	AdmitAfter int     // consecutive outliers after which the window re-baselines

	StuckEpsilon float64 // variance below which the channel is considered flat
	StuckSamples int     // consecutive flat evaluations before a stuck event

	OscillationRate         float64 // zero crossings per sample of the detrended window
	OscillationMinAmplitude float64 // residual standard deviation floor
	OscillationZ            float64 // sign-change count above white noise, in standard deviations
	OscillationSamples      int     // consecutive qualifying evaluations before an event

	DriftSlope float64 // units per second; 0 disables drift detection
	DriftMinR2 float64
}

// Config configures a Detector.
type Config struct {
	Defaults    Thresholds
	Overrides   map[string]Thresholds // fully resolved per-channel thresholds
	DedupWindow time.Duration
	HistorySize int // recent-event ring used for deduplication
}

// For returns the thresholds for channel.
func (c Config) For(channel string) Thresholds {
	if t, ok := c.Overrides[channel]; ok {
		return t
	}
	return c.Defaults
}

// DefaultConfig returns detector configuration loaded from the canonical
// defaults file. Panics if the file cannot be found.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a Config from a loaded AnalyticsConfig.
func ConfigFromTuning(cfg *config.AnalyticsConfig) Config {
	a := &cfg.Anomaly
	out := Config{
		Defaults:    thresholdsFrom(a.Defaults),
		Overrides:   make(map[string]Thresholds, len(a.Channels)),
		DedupWindow: a.GetDedupWindow(),
		HistorySize: a.GetHistorySize(),
	}
	for ch := range a.Channels {
		out.Overrides[ch] = thresholdsFrom(a.Resolve(ch))
	}
	return out
}

func thresholdsFrom(t config.AnomalyThresholds) Thresholds {
	return Thresholds{
		WindowSize:              t.GetWindowSize(),
		MinSamples:              t.GetMinSamples(),
		SpikeZ:                  t.GetSpikeZ(),
		AdmitAfter:              t.GetAdmitAfter(),
		StuckEpsilon:            t.GetStuckEpsilon(),
		StuckSamples:            t.GetStuckSamples(),
		OscillationRate:         t.GetOscillationRate(),
		OscillationMinAmplitude: t.GetOscillationMinAmplitude(),
		OscillationZ:            t.GetOscillationZ(),
		OscillationSamples:      t.GetOscillationSamples(),
		DriftSlope:              t.GetDriftSlope(),
		DriftMinR2:              t.GetDriftMinR2(),
	}
}
