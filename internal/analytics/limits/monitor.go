// Package limits implements the tiered parameter limit monitor: a per-channel
// state machine Normal → Caution → Warning → Critical with hysteresis on the
// way down and duration tracking for the open violation.
package limits

import (
	"fmt"
	"sort"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

type channelState struct {
	limits ChannelLimits
	tier   telemetry.Tier
	active *telemetry.LimitViolation
}

// Monitor tracks every configured channel. Not safe for concurrent use.
type Monitor struct {
	channels map[string]*channelState
}

// New validates cfg and returns a Monitor. An invalid channel is a
// startup error.
func New(cfg Config) (*Monitor, error) {
	m := &Monitor{channels: make(map[string]*channelState, len(cfg.Channels))}
	for ch, l := range cfg.Channels {
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("limits for %q: %w", ch, err)
		}
		m.channels[ch] = &channelState{limits: l}
	}
	return m, nil
}

// Monitored reports whether channel has limits.
func (m *Monitor) Monitored(channel string) bool {
	_, ok := m.channels[channel]
	return ok
}

// Observe advances the channel's state machine. It returns the violations
// touched by s: the open violation with its duration extended, a new
// violation on a tier change, and the previous violation marked cleared
// when it ended. Unmonitored channels return nil.
func (m *Monitor) Observe(s telemetry.Sample) []telemetry.LimitViolation {
	st, ok := m.channels[s.Channel]
	if !ok {
		return nil
	}

	next := st.limits.nextTier(st.tier, s.Value)
	var out []telemetry.LimitViolation

	if next != st.tier && st.active != nil {
		closed := *st.active
		closed.CurrentValue = s.Value
		closed.Duration = s.Timestamp.Sub(closed.StartedAt)
		closed.State = telemetry.ViolationCleared
		diagf("%s %s cleared at %g after %v", s.Channel, closed.Tier, s.Value, closed.Duration)
		out = append(out, closed)
		st.active = nil
	}

	if next != telemetry.TierNormal {
		if st.active == nil {
			limit, bound := st.limits.boundFor(next, s.Value)
			st.active = &telemetry.LimitViolation{
				Channel:        s.Channel,
				LimitValue:     limit,
				Tier:           next,
				Bound:          bound,
				StartedAt:      s.Timestamp,
				Recommendation: st.limits.recommendation(s.Channel, next),
				State:          telemetry.ViolationActive,
			}
			opsf("%s entered %s at %g (%s limit %g)", s.Channel, next, s.Value, bound, limit)
		}
		st.active.CurrentValue = s.Value
		if d := s.Timestamp.Sub(st.active.StartedAt); d > st.active.Duration {
			st.active.Duration = d
		}
		out = append(out, *st.active)
	}
	tracef("%s=%g tier=%s", s.Channel, s.Value, next)
	st.tier = next
	return out
}

// Tier returns the channel's current tier.
func (m *Monitor) Tier(channel string) telemetry.Tier {
	if st, ok := m.channels[channel]; ok {
		return st.tier
	}
	return telemetry.TierNormal
}

// Active returns copies of the open violations ordered by channel.
func (m *Monitor) Active() []telemetry.LimitViolation {
	var out []telemetry.LimitViolation
	for _, st := range m.channels {
		if st.active != nil {
			out = append(out, *st.active)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// exceeded reports whether v is beyond tier's bound, moved inward by
// margin. A zero margin is the raw entry test.
func (l ChannelLimits) exceeded(tier telemetry.Tier, v, margin float64) bool {
	b := l.Tiers[tier]
	return (b.HasUpper && v > b.Upper-margin) || (b.HasLower && v < b.Lower+margin)
}

// nextTier applies the transition rule: the raw tier is the most severe one
// whose bound is exceeded; a downgrade from the current tier only happens
// once the value is back past a tier's bound by the hysteresis margin.
func (l ChannelLimits) nextTier(current telemetry.Tier, v float64) telemetry.Tier {
	raw := telemetry.TierNormal
	for tier := telemetry.TierCritical; tier >= telemetry.TierCaution; tier-- {
		if l.exceeded(tier, v, 0) {
			raw = tier
			break
		}
	}
	if raw >= current {
		return raw
	}
	for tier := current; tier > raw; tier-- {
		if l.exceeded(tier, v, l.Hysteresis) {
			return tier
		}
	}
	return raw
}

// boundFor returns the limit value and side that places v in tier.
func (l ChannelLimits) boundFor(tier telemetry.Tier, v float64) (float64, string) {
	b := l.Tiers[tier]
	switch {
	case b.HasUpper && b.HasLower:
		if v-b.Upper >= b.Lower-v {
			return b.Upper, "upper"
		}
		return b.Lower, "lower"
	case b.HasUpper:
		return b.Upper, "upper"
	default:
		return b.Lower, "lower"
	}
}

func (l ChannelLimits) recommendation(channel string, tier telemetry.Tier) string {
	if r := l.Recommendations[tier]; r != "" {
		return r
	}
	switch tier {
	case telemetry.TierCaution:
		return "Monitor " + channel
	case telemetry.TierWarning:
		return "Reduce load, " + channel + " outside warning limit"
	default:
		return "Stop safely, " + channel + " at critical level"
	}
}
