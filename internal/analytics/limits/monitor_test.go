package limits

import (
	"testing"
	"time"

	"github.com/banshee-data/telemetry.report/internal/config"
	"github.com/banshee-data/telemetry.report/internal/telemetry"
	"github.com/google/go-cmp/cmp"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func coolantLimits() ChannelLimits {
	var l ChannelLimits
	l.Tiers[telemetry.TierCaution] = Bounds{Upper: 220, HasUpper: true}
	l.Tiers[telemetry.TierWarning] = Bounds{Upper: 230, HasUpper: true}
	l.Tiers[telemetry.TierCritical] = Bounds{Upper: 240, HasUpper: true}
	l.Hysteresis = 3
	l.Recommendations[telemetry.TierCritical] = "Stop the engine"
	return l
}

func oilLimits() ChannelLimits {
	var l ChannelLimits
	l.Tiers[telemetry.TierCaution] = Bounds{Lower: 25, HasLower: true}
	l.Tiers[telemetry.TierCritical] = Bounds{Lower: 10, HasLower: true}
	l.Hysteresis = 2
	return l
}

func newMonitor(t *testing.T) *Monitor {
	t.Helper()
	m, err := New(Config{Channels: map[string]ChannelLimits{
		telemetry.ChannelCoolantTemp: coolantLimits(),
		telemetry.ChannelOilPressure: oilLimits(),
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func observe(m *Monitor, ch string, v float64, at time.Duration) []telemetry.LimitViolation {
	return m.Observe(telemetry.Sample{Channel: ch, Value: v, Timestamp: t0.Add(at)})
}

func TestHysteresisPreventsChurn(t *testing.T) {
	m := newMonitor(t)
	created, cleared := 0, 0
	for i := 0; i < 200; i++ {
		v := 219.5
		if i%2 == 1 {
			v = 220.5
		}
		for _, viol := range observe(m, telemetry.ChannelCoolantTemp, v, time.Duration(i)*100*time.Millisecond) {
			if viol.State == telemetry.ViolationCleared {
				cleared++
			} else if viol.Duration == 0 {
				created++
			}
		}
	}
	if created != 1 || cleared != 0 {
		t.Errorf("boundary oscillation produced %d creates and %d clears, want 1 and 0", created, cleared)
	}
	if m.Tier(telemetry.ChannelCoolantTemp) != telemetry.TierCaution {
		t.Errorf("tier = %v, want caution", m.Tier(telemetry.ChannelCoolantTemp))
	}

	// Crossing back past the margin clears.
	out := observe(m, telemetry.ChannelCoolantTemp, 216.9, 30*time.Second)
	if len(out) != 1 || out[0].State != telemetry.ViolationCleared {
		t.Fatalf("expected a single cleared violation, got %+v", out)
	}
}

func TestViolationLifecycle(t *testing.T) {
	m := newMonitor(t)
	ch := telemetry.ChannelCoolantTemp

	if out := observe(m, ch, 200, 0); out != nil {
		t.Fatalf("normal value produced %+v", out)
	}

	out := observe(m, ch, 225, time.Second)
	want := []telemetry.LimitViolation{{
		Channel:        ch,
		CurrentValue:   225,
		LimitValue:     220,
		Tier:           telemetry.TierCaution,
		Bound:          "upper",
		StartedAt:      t0.Add(time.Second),
		Recommendation: "Monitor coolant_temp",
		State:          telemetry.ViolationActive,
	}}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("entering caution mismatch (-want +got):\n%s", diff)
	}

	out = observe(m, ch, 226, 3*time.Second)
	if len(out) != 1 || out[0].Duration != 2*time.Second || out[0].CurrentValue != 226 {
		t.Fatalf("persisting caution: %+v", out)
	}

	out = observe(m, ch, 245, 4*time.Second)
	if len(out) != 2 {
		t.Fatalf("escalation should close caution and open critical, got %+v", out)
	}
	if out[0].Tier != telemetry.TierCaution || out[0].State != telemetry.ViolationCleared || out[0].Duration != 3*time.Second {
		t.Errorf("closed caution: %+v", out[0])
	}
	if out[1].Tier != telemetry.TierCritical || out[1].Duration != 0 || out[1].Recommendation != "Stop the engine" {
		t.Errorf("opened critical: %+v", out[1])
	}
	if active := m.Active(); len(active) != 1 || active[0].Tier != telemetry.TierCritical {
		t.Errorf("Active() = %+v", active)
	}

	// 238 is below the critical bound but within its margin: still critical.
	out = observe(m, ch, 238, 5*time.Second)
	if len(out) != 1 || out[0].Tier != telemetry.TierCritical || out[0].Duration != time.Second {
		t.Errorf("held critical: %+v", out)
	}

	out = observe(m, ch, 200, 10*time.Second)
	if len(out) != 1 || out[0].State != telemetry.ViolationCleared || out[0].Duration != 6*time.Second {
		t.Fatalf("return to normal: %+v", out)
	}
	if len(m.Active()) != 0 {
		t.Error("active set should be empty after return to normal")
	}
}

func TestLowerBounds(t *testing.T) {
	m := newMonitor(t)
	ch := telemetry.ChannelOilPressure

	out := observe(m, ch, 8, 0)
	if len(out) != 1 || out[0].Tier != telemetry.TierCritical || out[0].Bound != "lower" || out[0].LimitValue != 10 {
		t.Fatalf("low oil: %+v", out)
	}
	// 11 is above critical but within the 2 psi margin.
	if out = observe(m, ch, 11, time.Second); out[0].Tier != telemetry.TierCritical {
		t.Errorf("expected critical held, got %v", out[0].Tier)
	}
	// 13 passes the margin; caution has no bound between 10 and 25, so the
	// channel drops to caution.
	out = observe(m, ch, 13, 2*time.Second)
	if len(out) != 2 || out[1].Tier != telemetry.TierCaution {
		t.Errorf("expected downgrade to caution, got %+v", out)
	}
}

func TestUnknownChannelNotMonitored(t *testing.T) {
	m := newMonitor(t)
	if out := observe(m, "boost_pressure", 1e6, 0); out != nil {
		t.Errorf("unmonitored channel produced %+v", out)
	}
	if m.Monitored("boost_pressure") {
		t.Error("boost_pressure should not be monitored")
	}
}

func TestNewRejectsBadOrdering(t *testing.T) {
	var l ChannelLimits
	l.Tiers[telemetry.TierCaution] = Bounds{Upper: 240, HasUpper: true}
	l.Tiers[telemetry.TierCritical] = Bounds{Upper: 230, HasUpper: true}
	if _, err := New(Config{Channels: map[string]ChannelLimits{"x": l}}); err == nil {
		t.Error("expected ordering error")
	}
	if _, err := New(Config{Channels: map[string]ChannelLimits{"x": {}}}); err == nil {
		t.Error("expected error for channel without bounds")
	}
}

func TestValidateAgreesWithConfigLoader(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	tests := []struct {
		name   string
		limits config.ChannelLimits
	}{
		{"valid two-sided", config.ChannelLimits{
			Caution:  config.TierBounds{Upper: f(14.8), Lower: f(12.2)},
			Critical: config.TierBounds{Upper: f(15.8), Lower: f(11.5)},
			Recommendations: map[string]string{"critical": "Pull over"},
		}},
		{"upper decreases", config.ChannelLimits{
			Caution: config.TierBounds{Upper: f(240)},
			Warning: config.TierBounds{Upper: f(230)},
		}},
		{"lower increases", config.ChannelLimits{
			Caution:  config.TierBounds{Lower: f(10)},
			Critical: config.TierBounds{Lower: f(25)},
		}},
		{"crossed tier", config.ChannelLimits{Warning: config.TierBounds{Upper: f(10), Lower: f(20)}}},
		{"negative hysteresis", config.ChannelLimits{Critical: config.TierBounds{Upper: f(1)}, Hysteresis: -1}},
		{"unbounded", config.ChannelLimits{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := tt.limits.Validate()
			cfg := ConfigFromTuning(&config.AnalyticsConfig{Limits: map[string]config.ChannelLimits{"x": tt.limits}})
			got := cfg.Channels["x"].Validate()
			if (want == nil) != (got == nil) || (want != nil && want.Error() != got.Error()) {
				t.Errorf("monitor validation %v, config loader %v", got, want)
			}
			if diff := cmp.Diff(tt.limits, cfg.Channels["x"].tuning()); diff != "" {
				t.Errorf("tuning round trip (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConfigFromTuning(t *testing.T) {
	cfg := ConfigFromTuning(config.MustLoadDefaultConfig())
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("default limits invalid: %v", err)
	}
	if !m.Monitored(telemetry.ChannelCoolantTemp) || !m.Monitored(telemetry.ChannelBatteryVoltage) {
		t.Fatal("default limits should cover coolant and battery")
	}
	bat := cfg.Channels[telemetry.ChannelBatteryVoltage]
	if !bat.Tiers[telemetry.TierCaution].HasUpper || !bat.Tiers[telemetry.TierCaution].HasLower {
		t.Errorf("battery caution should be two-sided: %+v", bat.Tiers[telemetry.TierCaution])
	}
	out := m.Observe(telemetry.Sample{Channel: telemetry.ChannelBatteryVoltage, Value: 11.0, Timestamp: t0})
	if len(out) != 1 || out[0].Tier != telemetry.TierCritical || out[0].Bound != "lower" {
		t.Errorf("low battery: %+v", out)
	}
}
