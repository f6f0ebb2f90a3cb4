package estimator

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
	"gonum.org/v1/gonum/mat"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

var home = telemetry.Geodetic{Lat: 37.7749, Lon: -122.4194, Alt: 16}

func testConfig() Config {
	return Config{
		ProcessNoisePos:    0.05,
		ProcessNoiseVel:    0.5,
		ProcessNoiseAtt:    0.01,
		GPSNoiseHorizontal: 4,
		GPSNoiseVertical:   9,
		GPSNoiseVelocity:   0.25,
		GateProbability:    0.9999,
		GPSTimeout:         2 * time.Second,
		MaxCovarianceTrace: 1e7,
		MaxConditionNumber: 1e12,
		ResetInflation:     10,
		MaxPredictDt:       0.1,
		InitialPosVar:      100,
		InitialVelVar:      25,
		InitialAttVar:      0.1,
		MinEigenvalue:      1e-9,
		FixAssemblyWindow:  50 * time.Millisecond,
	}
}

func positionFix(g telemetry.Geodetic, at time.Time) Fix {
	return Fix{Kind: FixPosition, Time: at, Position: g, HasAlt: true}
}

// northOf returns a point d metres north of g.
func northOf(g telemetry.Geodetic, d float64) telemetry.Geodetic {
	g.Lat += d / earthRadius * 180 / math.Pi
	return g
}

func TestIdentityWithPerfectMeasurements(t *testing.T) {
	cfg := testConfig()
	cfg.ProcessNoisePos, cfg.ProcessNoiseVel, cfg.ProcessNoiseAtt = 0, 0, 0
	f := New(cfg)

	if err := f.ApplyFix(positionFix(home, t0)); err != nil {
		t.Fatalf("initial fix: %v", err)
	}
	initial := f.State()

	ts := t0
	for i := 0; i < 500; i++ {
		ts = ts.Add(20 * time.Millisecond)
		f.AdvanceTo(ts)
		if err := f.ApplyFix(positionFix(home, ts)); err != nil {
			t.Fatalf("step %d: position update: %v", i, err)
		}
		if err := f.ApplyFix(Fix{Kind: FixVelocity, Time: ts, Speed: 0, Heading: 0}); err != nil {
			t.Fatalf("step %d: velocity update: %v", i, err)
		}
	}

	got := f.State()
	const tol = 1e-9
	for _, c := range []struct {
		name      string
		got, want float64
	}{
		{"x", got.Position.X, initial.Position.X},
		{"y", got.Position.Y, initial.Position.Y},
		{"z", got.Position.Z, initial.Position.Z},
		{"vx", got.Velocity.X, 0},
		{"vy", got.Velocity.Y, 0},
		{"yaw", got.Attitude.Yaw, initial.Attitude.Yaw},
		{"lat", got.Geodetic.Lat, home.Lat},
		{"lon", got.Geodetic.Lon, home.Lon},
		{"alt", got.Geodetic.Alt, home.Alt},
	} {
		if math.Abs(c.got-c.want) > tol {
			t.Errorf("%s drifted: got %v, want %v", c.name, c.got, c.want)
		}
	}
	if got.Degraded {
		t.Error("filter with regular fixes should not be degraded")
	}
}

func TestGateRejectsImpossibleJump(t *testing.T) {
	f := New(testConfig())
	if err := f.ApplyFix(positionFix(home, t0)); err != nil {
		t.Fatal(err)
	}
	ts := t0.Add(time.Second)
	f.AdvanceTo(ts)
	before := f.State()

	err := f.ApplyFix(positionFix(northOf(home, 1000), ts))
	if !errors.Is(err, ErrGated) {
		t.Fatalf("expected ErrGated, got %v", err)
	}
	after := f.State()
	shift := math.Hypot(after.Position.X-before.Position.X, after.Position.Y-before.Position.Y)
	if shift != 0 {
		t.Errorf("gated fix moved the estimate by %.3f m", shift)
	}
	if after.PositionUncertainty != before.PositionUncertainty {
		t.Error("gated fix changed the covariance")
	}

	// A plausible fix a few metres away is accepted.
	if err := f.ApplyFix(positionFix(northOf(home, 3), ts)); err != nil {
		t.Fatalf("plausible fix rejected: %v", err)
	}
	if got := f.State().Position.Y; got <= 0 || got > 3 {
		t.Errorf("accepted fix should pull north estimate into (0, 3], got %.3f", got)
	}
}

func TestDegradedModeGrowsUncertainty(t *testing.T) {
	f := New(testConfig())
	if err := f.ApplyFix(positionFix(home, t0)); err != nil {
		t.Fatal(err)
	}

	prev := f.State().PositionUncertainty
	ts := t0
	for i := 0; i < 250; i++ { // 5 s of IMU at 50 Hz, no GPS
		ts = ts.Add(20 * time.Millisecond)
		f.SetControl(telemetry.ChannelAccelX, 0)
		f.AdvanceTo(ts)
		u := f.State().PositionUncertainty
		if u <= prev {
			t.Fatalf("step %d: position uncertainty did not grow: %.6f -> %.6f", i, prev, u)
		}
		prev = u
	}
	if !f.State().Degraded {
		t.Error("expected degraded after GPS timeout")
	}

	// A fresh fix clears degraded mode.
	if err := f.ApplyFix(positionFix(home, ts)); err != nil {
		t.Fatal(err)
	}
	if f.State().Degraded {
		t.Error("expected degraded to clear after a fix")
	}
}

func TestDegradedBeforeFirstFix(t *testing.T) {
	f := New(testConfig())
	f.AdvanceTo(t0)
	s := f.State()
	if s.Initialized || !s.Degraded {
		t.Errorf("uninitialised filter: Initialized=%v Degraded=%v", s.Initialized, s.Degraded)
	}
}

func TestCovarianceStaysSymmetricPSD(t *testing.T) {
	f := New(testConfig())
	if err := f.ApplyFix(positionFix(home, t0)); err != nil {
		t.Fatal(err)
	}

	ts := t0
	for i := 0; i < 2000; i++ {
		ts = ts.Add(10 * time.Millisecond)
		f.SetControl(telemetry.ChannelAccelX, 2*math.Sin(float64(i)/50))
		f.SetControl(telemetry.ChannelGyroZ, 0.2*math.Cos(float64(i)/70))
		f.AdvanceTo(ts)
		if i%10 == 0 {
			s := f.State()
			_ = f.ApplyFix(positionFix(s.Geodetic, ts))
			_ = f.ApplyFix(Fix{Kind: FixVelocity, Time: ts, Speed: s.Speed, Heading: 90 - s.Attitude.Yaw*180/math.Pi})
		}
	}

	s := f.State()
	P := mat.NewSymDense(s.Dim, nil)
	for i := 0; i < s.Dim; i++ {
		for j := 0; j < s.Dim; j++ {
			if s.Cov(i, j) != s.Cov(j, i) {
				t.Fatalf("covariance asymmetric at (%d,%d): %g vs %g", i, j, s.Cov(i, j), s.Cov(j, i))
			}
		}
		for j := i; j < s.Dim; j++ {
			P.SetSym(i, j, s.Cov(i, j))
		}
	}
	var es mat.EigenSym
	if !es.Factorize(P, false) {
		t.Fatal("eigendecomposition failed")
	}
	for _, v := range es.Values(nil) {
		if v < 0 {
			t.Errorf("negative eigenvalue %g", v)
		}
	}
	if f.Resets() != 0 {
		t.Errorf("unexpected resets: %d", f.Resets())
	}
}

func TestDivergenceResetsToLastGood(t *testing.T) {
	t.Run("trace bound", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxCovarianceTrace = 1e4
		f := New(cfg)
		if err := f.ApplyFix(positionFix(home, t0)); err != nil {
			t.Fatal(err)
		}
		ts := t0
		for i := 0; i < 600; i++ { // 60 s dead reckoning
			ts = ts.Add(100 * time.Millisecond)
			f.AdvanceTo(ts)
		}
		if f.Resets() == 0 {
			t.Fatal("expected at least one divergence reset")
		}
		s := f.State()
		trace := 0.0
		for i := 0; i < s.Dim; i++ {
			trace += s.Cov(i, i)
		}
		if trace > cfg.MaxCovarianceTrace {
			t.Errorf("trace %g above bound after reset", trace)
		}
	})

	t.Run("condition bound", func(t *testing.T) {
		deadReckon := func(cfg Config) (*Filter, float64) {
			f := New(cfg)
			if err := f.ApplyFix(positionFix(home, t0)); err != nil {
				t.Fatal(err)
			}
			worst := 0.0
			ts := t0
			for i := 0; i < 200; i++ { // 20 s dead reckoning
				ts = ts.Add(100 * time.Millisecond)
				f.AdvanceTo(ts)
				worst = math.Max(worst, covCondition(t, f.State()))
			}
			return f, worst
		}

		// Position variance grows while attitude variance stays small.
		cfg := testConfig()
		cfg.MaxConditionNumber = 1e4
		f, worst := deadReckon(cfg)
		if f.Resets() == 0 {
			t.Fatal("expected a reset once the condition number passed the bound")
		}
		if worst > cfg.MaxConditionNumber*(1+1e-9) {
			t.Errorf("published covariance condition %g above bound %g", worst, cfg.MaxConditionNumber)
		}

		f, _ = deadReckon(testConfig())
		if f.Resets() != 0 {
			t.Errorf("default bound reset %d times on a healthy filter", f.Resets())
		}
	})

	t.Run("non-finite control", func(t *testing.T) {
		f := New(testConfig())
		if err := f.ApplyFix(positionFix(home, t0)); err != nil {
			t.Fatal(err)
		}
		f.SetControl(telemetry.ChannelAccelX, math.NaN())
		f.Predict(0.05)
		if f.Resets() != 1 {
			t.Fatalf("Resets() = %d, want 1", f.Resets())
		}
		s := f.State()
		for _, v := range append([]float64{s.Position.X, s.Position.Y, s.Velocity.X}, s.Covariance...) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatal("state contains non-finite values after reset")
			}
		}
		if s.Position.X != 0 || s.Position.Y != 0 {
			t.Errorf("expected restore to origin, got %+v", s.Position)
		}
	})
}

func TestDeadReckoningFollowsAcceleration(t *testing.T) {
	cfg := testConfig()
	f := New(cfg)
	if err := f.ApplyFix(positionFix(home, t0)); err != nil {
		t.Fatal(err)
	}
	// Vehicle faces east (yaw 0) and accelerates forward at 2 m/s².
	f.SetControl(telemetry.ChannelAccelX, 2)
	ts := t0
	for i := 0; i < 10; i++ {
		ts = ts.Add(100 * time.Millisecond)
		f.AdvanceTo(ts)
	}
	s := f.State()
	if math.Abs(s.Velocity.X-2) > 1e-9 {
		t.Errorf("vx = %f, want 2", s.Velocity.X)
	}
	if math.Abs(s.Position.X-1) > 1e-9 {
		t.Errorf("px = %f, want 1", s.Position.X)
	}
	if math.Abs(s.Speed-2) > 1e-9 {
		t.Errorf("speed = %f, want 2", s.Speed)
	}
}

func TestAdvanceToTruncatesLongGaps(t *testing.T) {
	f := New(testConfig())
	if err := f.ApplyFix(positionFix(home, t0)); err != nil {
		t.Fatal(err)
	}
	f.SetControl(telemetry.ChannelAccelX, 1)
	f.AdvanceTo(t0.Add(time.Hour))
	s := f.State()
	// At most maxSubSteps × MaxPredictDt = 1 s of motion is integrated.
	if s.Velocity.X > 1+1e-9 {
		t.Errorf("vx = %f, expected at most 1 m/s after truncation", s.Velocity.X)
	}
	if !s.Timestamp.Equal(t0.Add(time.Hour)) {
		t.Errorf("state time = %v, want gap end", s.Timestamp)
	}
}

func TestGateThreshold(t *testing.T) {
	f := New(testConfig())
	// χ²(3) at 0.9999 is about 21.1.
	if g := f.GateThreshold(3); math.Abs(g-21.1) > 0.1 {
		t.Errorf("GateThreshold(3) = %f, want ≈21.1", g)
	}
	if f.GateThreshold(2) >= f.GateThreshold(3) {
		t.Error("gate should widen with dimension")
	}
}

func TestUpdateRejectsMalformedMeasurement(t *testing.T) {
	f := New(testConfig())
	err := f.Update(Measurement{Kind: "bad", Z: []float64{1, 2}, Rows: []int{0}, R: []float64{1}})
	if err == nil {
		t.Fatal("expected error for mismatched measurement")
	}
}

func TestSetControl(t *testing.T) {
	f := New(testConfig())
	if !f.SetControl(telemetry.ChannelGyroZ, 0.3) {
		t.Fatal("gyro z should be accepted")
	}
	if f.SetControl(telemetry.ChannelOBDRPM, 3000) {
		t.Error("obd_rpm is not a control channel")
	}
	if got := f.Control().Gyro.Z; got != 0.3 {
		t.Errorf("gyro z = %f, want 0.3", got)
	}
}

func covCondition(t *testing.T, s telemetry.EstimatorState) float64 {
	t.Helper()
	P := mat.NewSymDense(s.Dim, nil)
	for i := 0; i < s.Dim; i++ {
		for j := i; j < s.Dim; j++ {
			P.SetSym(i, j, s.Cov(i, j))
		}
	}
	var es mat.EigenSym
	if !es.Factorize(P, false) {
		t.Fatal("eigendecomposition failed")
	}
	vals := es.Values(nil)
	return vals[len(vals)-1] / vals[0]
}

func TestClampEigenvaluesReportsCondition(t *testing.T) {
	tests := []struct {
		name    string
		diag    []float64
		floor   float64
		want    float64
		wantMin float64
	}{
		{"well conditioned", []float64{2, 4, 8}, 1e-9, 4, 2},
		{"floored", []float64{1e-12, 4, 1}, 1e-9, 4e9, 1e-9},
		{"singular without floor", []float64{0, 4, 1}, 0, math.Inf(1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mat.NewSymDense(len(tt.diag), nil)
			for i, v := range tt.diag {
				p.SetSym(i, i, v)
			}
			got := clampEigenvalues(p, tt.floor)
			if math.IsInf(tt.want, 1) {
				if !math.IsInf(got, 1) {
					t.Errorf("condition = %g, want +Inf", got)
				}
			} else if math.Abs(got-tt.want)/tt.want > 1e-6 {
				t.Errorf("condition = %g, want %g", got, tt.want)
			}
			lo := math.Inf(1)
			for i := range tt.diag {
				lo = math.Min(lo, p.At(i, i))
			}
			if math.Abs(lo-tt.wantMin) > 1e-12 {
				t.Errorf("smallest diagonal after clamp = %g, want %g", lo, tt.wantMin)
			}
		})
	}
}
