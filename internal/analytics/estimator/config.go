package estimator

import (
	"time"

	"github.com/banshee-data/telemetry.report/internal/config"
)

// Config holds the filter tunables. Noise values are variances; process
// noise is per second and scaled by dt.
type Config struct {
	ProcessNoisePos float64
	ProcessNoiseVel float64
	ProcessNoiseAtt float64

	GPSNoiseHorizontal float64 // m²
	GPSNoiseVertical   float64 // m²
	GPSNoiseVelocity   float64 // (m/s)²

	GateProbability    float64       // chi-square acceptance probability
	GPSTimeout         time.Duration // no accepted GPS for this long ⇒ degraded
	MaxCovarianceTrace float64       // divergence bound
	MaxConditionNumber float64       // largest/smallest covariance eigenvalue bound; 0 disables
	ResetInflation     float64       // covariance multiplier applied on reset
	MaxPredictDt       float64       // seconds per predict sub-step

	InitialPosVar float64
	InitialVelVar float64
	InitialAttVar float64
	MinEigenvalue float64

	FixAssemblyWindow time.Duration
}

// maxSubSteps bounds the work done for one large time gap.
const maxSubSteps = 10

// DefaultConfig returns filter configuration loaded from the canonical
// defaults file (config/analytics.defaults.json).
// Panics if the file cannot be found.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a Config from a loaded AnalyticsConfig.
func ConfigFromTuning(cfg *config.AnalyticsConfig) Config {
	e := &cfg.Estimator
	return Config{
		ProcessNoisePos:    e.GetProcessNoisePos(),
		ProcessNoiseVel:    e.GetProcessNoiseVel(),
		ProcessNoiseAtt:    e.GetProcessNoiseAtt(),
		GPSNoiseHorizontal: e.GetGPSNoiseHorizontal(),
		GPSNoiseVertical:   e.GetGPSNoiseVertical(),
		GPSNoiseVelocity:   e.GetGPSNoiseVelocity(),
		GateProbability:    e.GetGateProbability(),
		GPSTimeout:         e.GetGPSTimeout(),
		MaxCovarianceTrace: e.GetMaxCovarianceTrace(),
		MaxConditionNumber: e.GetMaxConditionNumber(),
		ResetInflation:     e.GetResetInflation(),
		MaxPredictDt:       e.GetMaxPredictDt(),
		InitialPosVar:      e.GetInitialPosVar(),
		InitialVelVar:      e.GetInitialVelVar(),
		InitialAttVar:      e.GetInitialAttVar(),
		MinEigenvalue:      e.GetMinEigenvalue(),
		FixAssemblyWindow:  e.GetFixAssemblyWindow(),
	}
}
