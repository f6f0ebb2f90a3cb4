package limits

import (
	"github.com/banshee-data/telemetry.report/internal/config"
	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

// Bounds are one tier's thresholds. A side without its Has flag is
// unbounded.
type Bounds struct {
	Upper    float64
	Lower    float64
	HasUpper bool
	HasLower bool
}

// ChannelLimits configures one channel. Tiers and Recommendations are
// indexed by telemetry.Tier; index TierNormal is unused.
type ChannelLimits struct {
	Tiers           [4]Bounds
	Hysteresis      float64
	Recommendations [4]string
}

// Config maps channel names to their limits. Channels absent from the map
// are not monitored.
type Config struct {
	Channels map[string]ChannelLimits
}

// ConfigFromTuning builds a Config from a loaded AnalyticsConfig.
func ConfigFromTuning(cfg *config.AnalyticsConfig) Config {
	out := Config{Channels: make(map[string]ChannelLimits, len(cfg.Limits))}
	for ch, l := range cfg.Limits {
		var cl ChannelLimits
		cl.Hysteresis = l.Hysteresis
		for tier, b := range map[telemetry.Tier]config.TierBounds{
			telemetry.TierCaution:  l.Caution,
			telemetry.TierWarning:  l.Warning,
			telemetry.TierCritical: l.Critical,
		} {
			if b.Upper != nil {
				cl.Tiers[tier].Upper, cl.Tiers[tier].HasUpper = *b.Upper, true
			}
			if b.Lower != nil {
				cl.Tiers[tier].Lower, cl.Tiers[tier].HasLower = *b.Lower, true
			}
			cl.Recommendations[tier] = l.Recommendations[tier.String()]
		}
		out.Channels[ch] = cl
	}
	return out
}

// Validate checks tier ordering for one channel using the same rules the
// config loader applies.
func (l ChannelLimits) Validate() error {
	return l.tuning().Validate()
}

// tuning is the inverse of ConfigFromTuning for one channel.
func (l ChannelLimits) tuning() config.ChannelLimits {
	out := config.ChannelLimits{Hysteresis: l.Hysteresis}
	for tier, dst := range map[telemetry.Tier]*config.TierBounds{
		telemetry.TierCaution:  &out.Caution,
		telemetry.TierWarning:  &out.Warning,
		telemetry.TierCritical: &out.Critical,
	} {
		b := l.Tiers[tier]
		if b.HasUpper {
			dst.Upper = &b.Upper
		}
		if b.HasLower {
			dst.Lower = &b.Lower
		}
		if r := l.Recommendations[tier]; r != "" {
			if out.Recommendations == nil {
				out.Recommendations = make(map[string]string)
			}
			out.Recommendations[tier.String()] = r
		}
	}
	return out
}
