package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/telemetry.report/internal/units"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical analytics defaults file.
const DefaultConfigPath = "config/analytics.defaults.json"

// ErrUnknownChannel is wrapped by validation errors that reference a channel
// missing from the declared channel table.
var ErrUnknownChannel = errors.New("unknown channel")

// AnalyticsConfig is the root configuration consumed at startup. Scalar
// tunables are pointers so that partial files fall back to the defaults
// returned by the Get* accessors.
type AnalyticsConfig struct {
	// Channels declares every channel the pipeline expects, mapped to its unit.
	Channels map[string]string `json:"channels,omitempty" yaml:"channels,omitempty"`

	Pipeline    PipelineConfig           `json:"pipeline" yaml:"pipeline"`
	Estimator   EstimatorConfig          `json:"estimator" yaml:"estimator"`
	Anomaly     AnomalyConfig            `json:"anomaly" yaml:"anomaly"`
	Limits      map[string]ChannelLimits `json:"limits,omitempty" yaml:"limits,omitempty"`
	Correlation CorrelationConfig        `json:"correlation" yaml:"correlation"`
	Performance PerformanceConfig        `json:"performance" yaml:"performance"`
}

// PipelineConfig tunes the queue and the per-sample budget.
type PipelineConfig struct {
	QueueSize   *int    `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	GracePeriod *string `json:"grace_period,omitempty" yaml:"grace_period,omitempty"` // duration string like "2s"
	Budget      *string `json:"budget,omitempty" yaml:"budget,omitempty"`             // duration string like "2ms"
}

// EstimatorConfig tunes the EKF. Noise values are variances (σ²); process
// noise is per second and scaled by dt.
type EstimatorConfig struct {
	ProcessNoisePos    *float64 `json:"process_noise_pos,omitempty" yaml:"process_noise_pos,omitempty"`
	ProcessNoiseVel    *float64 `json:"process_noise_vel,omitempty" yaml:"process_noise_vel,omitempty"`
	ProcessNoiseAtt    *float64 `json:"process_noise_att,omitempty" yaml:"process_noise_att,omitempty"`
	GPSNoiseHorizontal *float64 `json:"gps_noise_horizontal,omitempty" yaml:"gps_noise_horizontal,omitempty"`
	GPSNoiseVertical   *float64 `json:"gps_noise_vertical,omitempty" yaml:"gps_noise_vertical,omitempty"`
	GPSNoiseVelocity   *float64 `json:"gps_noise_velocity,omitempty" yaml:"gps_noise_velocity,omitempty"`
	GateProbability    *float64 `json:"gate_probability,omitempty" yaml:"gate_probability,omitempty"`
	GPSTimeout         *string  `json:"gps_timeout,omitempty" yaml:"gps_timeout,omitempty"`
	MaxCovarianceTrace *float64 `json:"max_covariance_trace,omitempty" yaml:"max_covariance_trace,omitempty"`
	MaxConditionNumber *float64 `json:"max_condition_number,omitempty" yaml:"max_condition_number,omitempty"`
	ResetInflation     *float64 `json:"reset_inflation,omitempty" yaml:"reset_inflation,omitempty"`
	MaxPredictDt       *float64 `json:"max_predict_dt,omitempty" yaml:"max_predict_dt,omitempty"`
	InitialPosVar      *float64 `json:"initial_pos_var,omitempty" yaml:"initial_pos_var,omitempty"`
	InitialVelVar      *float64 `json:"initial_vel_var,omitempty" yaml:"initial_vel_var,omitempty"`
	InitialAttVar      *float64 `json:"initial_att_var,omitempty" yaml:"initial_att_var,omitempty"`
	MinEigenvalue      *float64 `json:"min_eigenvalue,omitempty" yaml:"min_eigenvalue,omitempty"`
	FixAssemblyWindow  *string  `json:"fix_assembly_window,omitempty" yaml:"fix_assembly_window,omitempty"`
}

// AnomalyThresholds are the per-channel detector parameters. Unset fields
// inherit from the anomaly defaults, then from the built-in defaults.
type AnomalyThresholds struct {
	WindowSize              *int     `json:"window_size,omitempty" yaml:"window_size,omitempty"`
	MinSamples              *int     `json:"min_samples,omitempty" yaml:"min_samples,omitempty"`
	SpikeZ                  *float64 `json:"spike_z,omitempty" yaml:"spike_z,omitempty"`
	AdmitAfter              *int     `json:"admit_after,omitempty" yaml:"admit_after,omitempty"`
	StuckEpsilon            *float64 `json:"stuck_epsilon,omitempty" yaml:"stuck_epsilon,omitempty"`
	StuckSamples            *int     `json:"stuck_samples,omitempty" yaml:"stuck_samples,omitempty"`
	OscillationRate         *float64 `json:"oscillation_rate,omitempty" yaml:"oscillation_rate,omitempty"`
	OscillationMinAmplitude *float64 `json:"oscillation_min_amplitude,omitempty" yaml:"oscillation_min_amplitude,omitempty"`
	OscillationZ            *float64 `json:"oscillation_z,omitempty" yaml:"oscillation_z,omitempty"`
	OscillationSamples      *int     `json:"oscillation_samples,omitempty" yaml:"oscillation_samples,omitempty"`
	DriftSlope              *float64 `json:"drift_slope,omitempty" yaml:"drift_slope,omitempty"`
	DriftMinR2              *float64 `json:"drift_min_r2,omitempty" yaml:"drift_min_r2,omitempty"`
}

// AnomalyConfig holds detector defaults plus channel overrides.
type AnomalyConfig struct {
	Defaults    AnomalyThresholds            `json:"defaults" yaml:"defaults"`
	Channels    map[string]AnomalyThresholds `json:"channels,omitempty" yaml:"channels,omitempty"`
	DedupWindow *string                      `json:"dedup_window,omitempty" yaml:"dedup_window,omitempty"`
	HistorySize *int                         `json:"history_size,omitempty" yaml:"history_size,omitempty"`
}

// TierBounds are the optional bounds of one tier. Nil means unbounded.
type TierBounds struct {
	Upper *float64 `json:"upper,omitempty" yaml:"upper,omitempty"`
	Lower *float64 `json:"lower,omitempty" yaml:"lower,omitempty"`
}

// ChannelLimits configures the limit monitor for one channel.
type ChannelLimits struct {
	Caution    TierBounds `json:"caution" yaml:"caution"`
	Warning    TierBounds `json:"warning" yaml:"warning"`
	Critical   TierBounds `json:"critical" yaml:"critical"`
	Hysteresis float64    `json:"hysteresis" yaml:"hysteresis"`

	// Recommendations are keyed by tier name ("caution", "warning", "critical").
	Recommendations map[string]string `json:"recommendations,omitempty" yaml:"recommendations,omitempty"`
}

// CorrelationPair names two channels to correlate.
type CorrelationPair struct {
	A string `json:"a" yaml:"a"`
	B string `json:"b" yaml:"b"`
}

// CorrelationConfig lists pairs and window settings.
type CorrelationConfig struct {
	Pairs      []CorrelationPair `json:"pairs,omitempty" yaml:"pairs,omitempty"`
	Window     *int              `json:"window,omitempty" yaml:"window,omitempty"` // 0 = whole session
	MinSamples *int              `json:"min_samples,omitempty" yaml:"min_samples,omitempty"`
	MaxSkew    *string           `json:"max_skew,omitempty" yaml:"max_skew,omitempty"`
}

// MetricDefinition describes one performance metric state machine.
type MetricDefinition struct {
	Name string `json:"name" yaml:"name"`
	Kind string `json:"kind" yaml:"kind"` // speed_run, braking_run, distance_run, lap

	FromMPH      float64 `json:"from_mph,omitempty" yaml:"from_mph,omitempty"`
	ToMPH        float64 `json:"to_mph,omitempty" yaml:"to_mph,omitempty"`
	DistanceM    float64 `json:"distance_m,omitempty" yaml:"distance_m,omitempty"`
	ArmBelowMPH  float64 `json:"arm_below_mph,omitempty" yaml:"arm_below_mph,omitempty"`
	AbortDropMPH float64 `json:"abort_drop_mph,omitempty" yaml:"abort_drop_mph,omitempty"`
	Timeout      string  `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	GateLat       float64 `json:"gate_lat,omitempty" yaml:"gate_lat,omitempty"`
	GateLon       float64 `json:"gate_lon,omitempty" yaml:"gate_lon,omitempty"`
	GateRadiusM   float64 `json:"gate_radius_m,omitempty" yaml:"gate_radius_m,omitempty"`
	MinLapSeconds float64 `json:"min_lap_seconds,omitempty" yaml:"min_lap_seconds,omitempty"`
}

// PerformanceConfig lists the tracked metrics.
type PerformanceConfig struct {
	Metrics     []MetricDefinition `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	HistorySize *int               `json:"history_size,omitempty" yaml:"history_size,omitempty"`
}

// EmptyAnalyticsConfig returns a config with every tunable unset.
func EmptyAnalyticsConfig() *AnalyticsConfig {
	return &AnalyticsConfig{}
}

// LoadAnalyticsConfig loads a config from a .json, .yaml or .yml file and
// validates it. Fields omitted from the file keep their defaults.
func LoadAnalyticsConfig(path string) (*AnalyticsConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyAnalyticsConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or one of its parents. Panics if the file cannot be loaded; intended for
// tests and binaries run from inside the repository.
func MustLoadDefaultConfig() *AnalyticsConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,          // from internal/config/
		"../../../" + DefaultConfigPath,       // from internal/analytics/<pkg>/
		"../../../../" + DefaultConfigPath,    // deeper packages
		"../../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadAnalyticsConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks internal consistency. It is the single place that decides
// whether the pipeline may start.
func (c *AnalyticsConfig) Validate() error {
	for ch, unit := range c.Channels {
		if want, ok := units.ChannelUnits[ch]; ok && unit != want {
			return fmt.Errorf("channel %q declared with unit %q, convention is %q", ch, unit, want)
		}
	}

	for _, d := range []struct {
		name string
		v    *string
	}{
		{"pipeline.grace_period", c.Pipeline.GracePeriod},
		{"pipeline.budget", c.Pipeline.Budget},
		{"estimator.gps_timeout", c.Estimator.GPSTimeout},
		{"estimator.fix_assembly_window", c.Estimator.FixAssemblyWindow},
		{"anomaly.dedup_window", c.Anomaly.DedupWindow},
		{"correlation.max_skew", c.Correlation.MaxSkew},
	} {
		if d.v == nil || *d.v == "" {
			continue
		}
		if _, err := time.ParseDuration(*d.v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
	}

	if c.Pipeline.QueueSize != nil && *c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queue_size must be positive, got %d", *c.Pipeline.QueueSize)
	}
	if p := c.Estimator.GateProbability; p != nil && (*p <= 0 || *p >= 1) {
		return fmt.Errorf("estimator.gate_probability must be in (0, 1), got %f", *p)
	}
	if k := c.Estimator.MaxConditionNumber; k != nil && *k < 1 {
		return fmt.Errorf("estimator.max_condition_number must be >= 1, got %g", *k)
	}
	if r := c.Estimator.ResetInflation; r != nil && *r < 1 {
		return fmt.Errorf("estimator.reset_inflation must be >= 1, got %f", *r)
	}

	if err := c.Anomaly.Defaults.validate("anomaly.defaults"); err != nil {
		return err
	}
	for ch, th := range c.Anomaly.Channels {
		if err := c.requireChannel(ch, "anomaly override"); err != nil {
			return err
		}
		if err := th.validate("anomaly.channels." + ch); err != nil {
			return err
		}
	}

	for _, ch := range sortedKeys(c.Limits) {
		if err := c.requireChannel(ch, "limit"); err != nil {
			return err
		}
		if err := c.Limits[ch].Validate(); err != nil {
			return fmt.Errorf("limits for %q: %w", ch, err)
		}
	}

	for i, p := range c.Correlation.Pairs {
		if err := c.requireChannel(p.A, fmt.Sprintf("correlation pair %d", i)); err != nil {
			return err
		}
		if err := c.requireChannel(p.B, fmt.Sprintf("correlation pair %d", i)); err != nil {
			return err
		}
	}
	if w := c.Correlation.Window; w != nil && *w < 0 {
		return fmt.Errorf("correlation.window must be non-negative, got %d", *w)
	}
	if m := c.Correlation.MinSamples; m != nil && *m < 2 {
		return fmt.Errorf("correlation.min_samples must be at least 2, got %d", *m)
	}

	seen := make(map[string]bool)
	for _, m := range c.Performance.Metrics {
		if m.Name == "" {
			return fmt.Errorf("performance metric with kind %q has no name", m.Kind)
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate performance metric %q", m.Name)
		}
		seen[m.Name] = true
		if err := m.Validate(); err != nil {
			return fmt.Errorf("performance metric %q: %w", m.Name, err)
		}
	}
	return nil
}

// requireChannel enforces that referenced channels are declared.
func (c *AnalyticsConfig) requireChannel(ch, what string) error {
	if _, ok := c.Channels[ch]; !ok {
		return fmt.Errorf("%s references %q: %w", what, ch, ErrUnknownChannel)
	}
	return nil
}

func (t AnomalyThresholds) validate(prefix string) error {
	if t.WindowSize != nil && *t.WindowSize < 3 {
		return fmt.Errorf("%s.window_size must be at least 3, got %d", prefix, *t.WindowSize)
	}
	if t.SpikeZ != nil && *t.SpikeZ <= 0 {
		return fmt.Errorf("%s.spike_z must be positive, got %f", prefix, *t.SpikeZ)
	}
	if t.StuckSamples != nil && *t.StuckSamples < 1 {
		return fmt.Errorf("%s.stuck_samples must be positive, got %d", prefix, *t.StuckSamples)
	}
	if t.OscillationRate != nil && (*t.OscillationRate <= 0 || *t.OscillationRate > 1) {
		return fmt.Errorf("%s.oscillation_rate must be in (0, 1], got %f", prefix, *t.OscillationRate)
	}
	if t.OscillationMinAmplitude != nil && *t.OscillationMinAmplitude < 0 {
		return fmt.Errorf("%s.oscillation_min_amplitude must not be negative, got %f", prefix, *t.OscillationMinAmplitude)
	}
	if t.OscillationZ != nil && *t.OscillationZ < 0 {
		return fmt.Errorf("%s.oscillation_z must not be negative, got %f", prefix, *t.OscillationZ)
	}
	if t.OscillationSamples != nil && *t.OscillationSamples <= 0 {
		return fmt.Errorf("%s.oscillation_samples must be positive, got %d", prefix, *t.OscillationSamples)
	}
	if t.DriftMinR2 != nil && (*t.DriftMinR2 < 0 || *t.DriftMinR2 > 1) {
		return fmt.Errorf("%s.drift_min_r2 must be in [0, 1], got %f", prefix, *t.DriftMinR2)
	}
	return nil
}

// Validate checks tier ordering: upper bounds must not decrease and lower
// bounds must not increase from caution to critical, and every lower bound
// must sit below every upper bound.
func (l ChannelLimits) Validate() error {
	if l.Hysteresis < 0 {
		return fmt.Errorf("hysteresis must be non-negative, got %f", l.Hysteresis)
	}
	tiers := []struct {
		name string
		b    TierBounds
	}{{"caution", l.Caution}, {"warning", l.Warning}, {"critical", l.Critical}}

	bounded := false
	var lastUpper, lastLower *float64
	var lastUpperName, lastLowerName string
	for _, t := range tiers {
		if t.b.Upper != nil {
			bounded = true
			if lastUpper != nil && *t.b.Upper < *lastUpper {
				return fmt.Errorf("%s upper %g is below %s upper %g", t.name, *t.b.Upper, lastUpperName, *lastUpper)
			}
			lastUpper, lastUpperName = t.b.Upper, t.name
		}
		if t.b.Lower != nil {
			bounded = true
			if lastLower != nil && *t.b.Lower > *lastLower {
				return fmt.Errorf("%s lower %g is above %s lower %g", t.name, *t.b.Lower, lastLowerName, *lastLower)
			}
			lastLower, lastLowerName = t.b.Lower, t.name
		}
		if t.b.Upper != nil && t.b.Lower != nil && *t.b.Lower >= *t.b.Upper {
			return fmt.Errorf("%s lower %g must be below upper %g", t.name, *t.b.Lower, *t.b.Upper)
		}
	}
	if !bounded {
		return errors.New("no bounds configured")
	}
	for name := range l.Recommendations {
		if name != "caution" && name != "warning" && name != "critical" {
			return fmt.Errorf("recommendation for unknown tier %q", name)
		}
	}
	return nil
}

// Validate checks the fields required by the metric kind.
func (m MetricDefinition) Validate() error {
	if m.Timeout != "" {
		if _, err := time.ParseDuration(m.Timeout); err != nil {
			return fmt.Errorf("invalid timeout '%s': %w", m.Timeout, err)
		}
	}
	switch m.Kind {
	case "speed_run":
		if m.ToMPH <= m.FromMPH {
			return fmt.Errorf("speed_run needs to_mph (%g) above from_mph (%g)", m.ToMPH, m.FromMPH)
		}
	case "braking_run":
		if m.FromMPH <= m.ToMPH {
			return fmt.Errorf("braking_run needs from_mph (%g) above to_mph (%g)", m.FromMPH, m.ToMPH)
		}
	case "distance_run":
		if m.DistanceM <= 0 {
			return fmt.Errorf("distance_run needs positive distance_m, got %g", m.DistanceM)
		}
	case "lap":
		if m.GateRadiusM <= 0 {
			return fmt.Errorf("lap needs positive gate_radius_m, got %g", m.GateRadiusM)
		}
	default:
		return fmt.Errorf("unknown metric kind %q", m.Kind)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
