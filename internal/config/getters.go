package config

import (
	"maps"
	"time"

	"github.com/banshee-data/telemetry.report/internal/units"
)

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// GetQueueSize returns pipeline.queue_size or the default.
func (c *PipelineConfig) GetQueueSize() int { return intOr(c.QueueSize, 1024) }

// GetGracePeriod returns pipeline.grace_period or the default.
func (c *PipelineConfig) GetGracePeriod() time.Duration {
	return durationOr(c.GracePeriod, 2*time.Second)
}

// GetBudget returns the per-sample processing budget.
func (c *PipelineConfig) GetBudget() time.Duration {
	return durationOr(c.Budget, 2*time.Millisecond)
}

func (c *EstimatorConfig) GetProcessNoisePos() float64 { return floatOr(c.ProcessNoisePos, 0.05) }
func (c *EstimatorConfig) GetProcessNoiseVel() float64 { return floatOr(c.ProcessNoiseVel, 0.5) }
func (c *EstimatorConfig) GetProcessNoiseAtt() float64 { return floatOr(c.ProcessNoiseAtt, 0.01) }

// GetGPSNoiseHorizontal returns the horizontal GPS variance (m²).
func (c *EstimatorConfig) GetGPSNoiseHorizontal() float64 {
	return floatOr(c.GPSNoiseHorizontal, 4.0)
}

// GetGPSNoiseVertical returns the vertical GPS variance (m²).
func (c *EstimatorConfig) GetGPSNoiseVertical() float64 {
	return floatOr(c.GPSNoiseVertical, 9.0)
}

// GetGPSNoiseVelocity returns the GPS velocity variance ((m/s)²).
func (c *EstimatorConfig) GetGPSNoiseVelocity() float64 {
	return floatOr(c.GPSNoiseVelocity, 0.25)
}

// GetGateProbability returns the chi-square acceptance probability.
func (c *EstimatorConfig) GetGateProbability() float64 {
	return floatOr(c.GateProbability, 0.9999)
}

// GetGPSTimeout returns how long without a GPS update before degraded mode.
func (c *EstimatorConfig) GetGPSTimeout() time.Duration {
	return durationOr(c.GPSTimeout, 2*time.Second)
}

func (c *EstimatorConfig) GetMaxCovarianceTrace() float64 {
	return floatOr(c.MaxCovarianceTrace, 1e7)
}

// GetMaxConditionNumber returns the covariance condition number above
// which the filter is treated as diverged.
func (c *EstimatorConfig) GetMaxConditionNumber() float64 {
	return floatOr(c.MaxConditionNumber, 1e12)
}

func (c *EstimatorConfig) GetResetInflation() float64 { return floatOr(c.ResetInflation, 10) }

// GetMaxPredictDt returns the largest single predict step in seconds.
func (c *EstimatorConfig) GetMaxPredictDt() float64 { return floatOr(c.MaxPredictDt, 0.1) }

func (c *EstimatorConfig) GetInitialPosVar() float64 { return floatOr(c.InitialPosVar, 100) }
func (c *EstimatorConfig) GetInitialVelVar() float64 { return floatOr(c.InitialVelVar, 25) }
func (c *EstimatorConfig) GetInitialAttVar() float64 { return floatOr(c.InitialAttVar, 0.1) }
func (c *EstimatorConfig) GetMinEigenvalue() float64 { return floatOr(c.MinEigenvalue, 1e-9) }

// GetFixAssemblyWindow returns how far apart lat/lon/alt samples may be and
// still form one GPS fix.
func (c *EstimatorConfig) GetFixAssemblyWindow() time.Duration {
	return durationOr(c.FixAssemblyWindow, 50*time.Millisecond)
}

// Resolve merges channel overrides over the defaults. Fields still unset
// after merging are filled by the detector's built-in defaults.
func (c *AnomalyConfig) Resolve(channel string) AnomalyThresholds {
	out := c.Defaults
	ov, ok := c.Channels[channel]
	if !ok {
		return out
	}
	if ov.WindowSize != nil {
		out.WindowSize = ov.WindowSize
	}
	if ov.MinSamples != nil {
		out.MinSamples = ov.MinSamples
	}
	if ov.SpikeZ != nil {
		out.SpikeZ = ov.SpikeZ
	}
	if ov.AdmitAfter != nil {
		out.AdmitAfter = ov.AdmitAfter
	}
	if ov.StuckEpsilon != nil {
		out.StuckEpsilon = ov.StuckEpsilon
	}
	if ov.StuckSamples != nil {
		out.StuckSamples = ov.StuckSamples
	}
	if ov.OscillationRate != nil {
		out.OscillationRate = ov.OscillationRate
	}
	if ov.OscillationMinAmplitude != nil {
		out.OscillationMinAmplitude = ov.OscillationMinAmplitude
	}
	if ov.OscillationZ != nil {
		out.OscillationZ = ov.OscillationZ
	}
	if ov.OscillationSamples != nil {
		out.OscillationSamples = ov.OscillationSamples
	}
	if ov.DriftSlope != nil {
		out.DriftSlope = ov.DriftSlope
	}
	if ov.DriftMinR2 != nil {
		out.DriftMinR2 = ov.DriftMinR2
	}
	return out
}

func (t AnomalyThresholds) GetWindowSize() int      { return intOr(t.WindowSize, 50) }
func (t AnomalyThresholds) GetMinSamples() int      { return intOr(t.MinSamples, 3) }
func (t AnomalyThresholds) GetSpikeZ() float64      { return floatOr(t.SpikeZ, 3.0) }
func (t AnomalyThresholds) GetAdmitAfter() int      { return intOr(t.AdmitAfter, 5) }
func (t AnomalyThresholds) GetStuckEpsilon() float64 { return floatOr(t.StuckEpsilon, 1e-6) }
func (t AnomalyThresholds) GetStuckSamples() int    { return intOr(t.StuckSamples, 20) }

func (t AnomalyThresholds) GetOscillationRate() float64 {
	return floatOr(t.OscillationRate, 0.7)
}

func (t AnomalyThresholds) GetOscillationMinAmplitude() float64 {
	return floatOr(t.OscillationMinAmplitude, 0)
}

// GetOscillationZ returns how many standard deviations the sign-change
// count must sit above the white-noise expectation of half the pairs.
func (t AnomalyThresholds) GetOscillationZ() float64 { return floatOr(t.OscillationZ, 5) }

// GetOscillationSamples returns the consecutive qualifying evaluations
// needed before an oscillation event.
func (t AnomalyThresholds) GetOscillationSamples() int { return intOr(t.OscillationSamples, 10) }

// GetDriftSlope returns the drift threshold in units per second. Zero
// disables drift detection for the channel.
func (t AnomalyThresholds) GetDriftSlope() float64 { return floatOr(t.DriftSlope, 0) }
func (t AnomalyThresholds) GetDriftMinR2() float64 { return floatOr(t.DriftMinR2, 0.8) }

// GetDedupWindow returns the duplicate-suppression interval.
func (c *AnomalyConfig) GetDedupWindow() time.Duration {
	return durationOr(c.DedupWindow, 500*time.Millisecond)
}

func (c *AnomalyConfig) GetHistorySize() int { return intOr(c.HistorySize, 64) }

func (c *CorrelationConfig) GetWindow() int     { return intOr(c.Window, 200) }
func (c *CorrelationConfig) GetMinSamples() int { return intOr(c.MinSamples, 10) }

// GetMaxSkew returns how stale the partner channel may be when pairing.
func (c *CorrelationConfig) GetMaxSkew() time.Duration {
	return durationOr(c.MaxSkew, 250*time.Millisecond)
}

func (c *PerformanceConfig) GetHistorySize() int { return intOr(c.HistorySize, 100) }

// GetTimeout parses the metric timeout, falling back to def.
func (m MetricDefinition) GetTimeout(def time.Duration) time.Duration {
	return durationOr(&m.Timeout, def)
}

// DefaultAnalyticsConfig returns the built-in defaults with every tunable
// populated, mirroring config/analytics.defaults.json.
func DefaultAnalyticsConfig() *AnalyticsConfig {
	c := EmptyAnalyticsConfig()
	c.Channels = maps.Clone(units.ChannelUnits)
	c.Pipeline = PipelineConfig{
		QueueSize:   ptrInt(1024),
		GracePeriod: ptrString("2s"),
		Budget:      ptrString("2ms"),
	}
	c.Estimator = EstimatorConfig{
		ProcessNoisePos:    ptrFloat64(0.05),
		ProcessNoiseVel:    ptrFloat64(0.5),
		ProcessNoiseAtt:    ptrFloat64(0.01),
		GPSNoiseHorizontal: ptrFloat64(4.0),
		GPSNoiseVertical:   ptrFloat64(9.0),
		GPSNoiseVelocity:   ptrFloat64(0.25),
		GateProbability:    ptrFloat64(0.9999),
		GPSTimeout:         ptrString("2s"),
		MaxCovarianceTrace: ptrFloat64(1e7),
		MaxConditionNumber: ptrFloat64(1e12),
		ResetInflation:     ptrFloat64(10),
		MaxPredictDt:       ptrFloat64(0.1),
	}
	c.Anomaly = AnomalyConfig{
		Defaults: AnomalyThresholds{
			WindowSize: ptrInt(50),
			SpikeZ:     ptrFloat64(3.0),
		},
		DedupWindow: ptrString("500ms"),
	}
	c.Correlation = CorrelationConfig{
		Window:     ptrInt(200),
		MinSamples: ptrInt(10),
	}
	c.Performance = PerformanceConfig{
		Metrics: []MetricDefinition{
			{Name: "0to60", Kind: "speed_run", FromMPH: 0, ToMPH: 60, ArmBelowMPH: 1, AbortDropMPH: 5, Timeout: "20s"},
			{Name: "60to0", Kind: "braking_run", FromMPH: 60, ToMPH: 1, Timeout: "10s"},
			{Name: "quarter_mile", Kind: "distance_run", DistanceM: 402.336, ArmBelowMPH: 1, Timeout: "30s"},
		},
		HistorySize: ptrInt(100),
	}
	return c
}
