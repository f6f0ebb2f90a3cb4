package telemetry

import (
	"time"
)

// Vector3 is a plain three-component vector.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Geodetic is a WGS84 position.
type Geodetic struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

// Attitude holds Euler angles in radians (ZYX convention).
type Attitude struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// EstimatorState is a read-only snapshot of the fused vehicle state.
type EstimatorState struct {
	Timestamp time.Time `json:"timestamp"`
	Position  Vector3   `json:"position"` // local ENU metres from origin
	Geodetic  Geodetic  `json:"geodetic"`
	Velocity  Vector3   `json:"velocity"` // m/s ENU
	Attitude  Attitude  `json:"attitude"`
	Speed     float64   `json:"speed"` // horizontal m/s

	// Covariance is the row-major Dim×Dim state covariance.
	Covariance []float64 `json:"covariance"`
	Dim        int       `json:"dim"`

	// PositionUncertainty is sqrt(trace of the position block), metres.
	PositionUncertainty float64 `json:"position_uncertainty"`

	Initialized bool `json:"initialized"`
	Degraded    bool `json:"degraded"`
	Resets      int  `json:"resets"`
}

// Cov returns the covariance entry (i, j).
func (s EstimatorState) Cov(i, j int) float64 {
	return s.Covariance[i*s.Dim+j]
}

// AnomalyKind classifies an anomaly event.
type AnomalyKind string

const (
	AnomalySpike       AnomalyKind = "spike"
	AnomalyDrop        AnomalyKind = "drop"
	AnomalyStuck       AnomalyKind = "stuck"
	AnomalyOscillation AnomalyKind = "oscillation"
	AnomalyDrift       AnomalyKind = "drift"
)

// Severity is ordered: low < medium < high < critical.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return "unknown"
}

// MarshalText renders the severity by name in JSON and YAML output.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AnomalyEvent is emitted once and never mutated afterwards.
type AnomalyEvent struct {
	Channel    string      `json:"channel"`
	Kind       AnomalyKind `json:"kind"`
	Severity   Severity    `json:"severity"`
	Confidence float64     `json:"confidence"`
	Score      float64     `json:"score"` // the statistic that tripped the detector
	Value      float64     `json:"value"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Tier is a limit monitor state. TierNormal is never reported in a violation.
type Tier int

const (
	TierNormal Tier = iota
	TierCaution
	TierWarning
	TierCritical
)

var tierNames = [...]string{"normal", "caution", "warning", "critical"}

func (t Tier) String() string {
	if t < TierNormal || t > TierCritical {
		return "unknown"
	}
	return tierNames[t]
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ViolationState marks whether a violation is still open.
type ViolationState string

const (
	ViolationActive  ViolationState = "active"
	ViolationCleared ViolationState = "cleared"
)

// LimitViolation describes a channel held outside its normal band.
type LimitViolation struct {
	Channel        string         `json:"channel"`
	CurrentValue   float64        `json:"current_value"`
	LimitValue     float64        `json:"limit_value"`
	Tier           Tier           `json:"tier"`
	Bound          string         `json:"bound"` // "upper" or "lower"
	StartedAt      time.Time      `json:"started_at"`
	Duration       time.Duration  `json:"duration"`
	Recommendation string         `json:"recommendation"`
	State          ViolationState `json:"state"`
}

// CorrelationStrength buckets |r|.
type CorrelationStrength string

const (
	StrengthInsufficient CorrelationStrength = "insufficient"
	StrengthWeak         CorrelationStrength = "weak"
	StrengthModerate     CorrelationStrength = "moderate"
	StrengthStrong       CorrelationStrength = "strong"
)

// CorrelationEntry is one pair's coefficient at snapshot time.
type CorrelationEntry struct {
	ChannelA    string              `json:"channel_a"`
	ChannelB    string              `json:"channel_b"`
	Coefficient float64             `json:"coefficient"`
	SampleCount int                 `json:"sample_count"`
	Strength    CorrelationStrength `json:"strength"`
	Direction   string              `json:"direction"` // positive, negative or none
}

// RunConditions captures the circumstances of a performance run.
type RunConditions struct {
	StartSpeedMPH float64 `json:"start_speed_mph"`
	EndSpeedMPH   float64 `json:"end_speed_mph"`
	PeakSpeedMPH  float64 `json:"peak_speed_mph"`
	DistanceM     float64 `json:"distance_m"`
	Degraded      bool    `json:"degraded"`
}

// PerformanceRun is a completed timed event.
type PerformanceRun struct {
	ID         string        `json:"id"`
	Metric     string        `json:"metric"` // configured name, e.g. "0to60"
	Kind       string        `json:"kind"`
	Value      float64       `json:"value"`
	Unit       string        `json:"unit"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Conditions RunConditions `json:"conditions"`
}

// AnalyticsRecord is the per-sample aggregate handed to downstream
// consumers. Consumers must treat it, and every slice it holds, as
// read-only.
type AnalyticsRecord struct {
	Seq          uint64             `json:"seq"`
	Timestamp    time.Time          `json:"timestamp"`
	Sample       Sample             `json:"sample"`
	Estimator    EstimatorState     `json:"estimator"`
	Anomalies    []AnomalyEvent     `json:"anomalies,omitempty"`
	Violations   []LimitViolation   `json:"violations,omitempty"`
	Correlations []CorrelationEntry `json:"correlations,omitempty"`
	NewRuns      []PerformanceRun   `json:"new_runs,omitempty"`
}
