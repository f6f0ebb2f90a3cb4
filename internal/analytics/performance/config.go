package performance

import (
	"fmt"
	"time"

	"github.com/banshee-data/telemetry.report/internal/config"
	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

// Metric kinds.
const (
	KindSpeedRun    = "speed_run"
	KindBrakingRun  = "braking_run"
	KindDistanceRun = "distance_run"
	KindLap         = "lap"
)

// Metric defines one tracked event.
type Metric struct {
	Name string
	Kind string

	FromMPH      float64
	ToMPH        float64
	DistanceM    float64
	ArmBelowMPH  float64
	AbortDropMPH float64
	Timeout      time.Duration

	Gate        telemetry.Geodetic
	GateRadiusM float64
	MinLap      time.Duration
}

// Config configures a Tracker.
type Config struct {
	Metrics     []Metric
	HistorySize int // completed runs kept per metric
}

var defaultTimeouts = map[string]time.Duration{
	KindSpeedRun:    30 * time.Second,
	KindBrakingRun:  15 * time.Second,
	KindDistanceRun: 60 * time.Second,
}

// DefaultConfig returns tracker configuration loaded from the canonical
// defaults file. Panics if the file cannot be found.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a Config from a loaded AnalyticsConfig.
func ConfigFromTuning(cfg *config.AnalyticsConfig) Config {
	out := Config{HistorySize: cfg.Performance.GetHistorySize()}
	for _, m := range cfg.Performance.Metrics {
		out.Metrics = append(out.Metrics, Metric{
			Name:         m.Name,
			Kind:         m.Kind,
			FromMPH:      m.FromMPH,
			ToMPH:        m.ToMPH,
			DistanceM:    m.DistanceM,
			ArmBelowMPH:  m.ArmBelowMPH,
			AbortDropMPH: m.AbortDropMPH,
			Timeout:      m.GetTimeout(defaultTimeouts[m.Kind]),
			Gate:         telemetry.Geodetic{Lat: m.GateLat, Lon: m.GateLon},
			GateRadiusM:  m.GateRadiusM,
			MinLap:       time.Duration(m.MinLapSeconds * float64(time.Second)),
		})
	}
	return out
}

func (m Metric) validate() error {
	if err := m.definition().Validate(); err != nil {
		return fmt.Errorf("%s: %w", m.Name, err)
	}
	return nil
}

// definition maps m back onto its config form. Timeout is already parsed
// and is left out.
func (m Metric) definition() config.MetricDefinition {
	return config.MetricDefinition{
		Name:          m.Name,
		Kind:          m.Kind,
		FromMPH:       m.FromMPH,
		ToMPH:         m.ToMPH,
		DistanceM:     m.DistanceM,
		ArmBelowMPH:   m.ArmBelowMPH,
		AbortDropMPH:  m.AbortDropMPH,
		GateLat:       m.Gate.Lat,
		GateLon:       m.Gate.Lon,
		GateRadiusM:   m.GateRadiusM,
		MinLapSeconds: m.MinLap.Seconds(),
	}
}

func (m Metric) armBelow() float64 {
	if m.ArmBelowMPH > 0 {
		return m.ArmBelowMPH
	}
	return 1
}
