package estimator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrGated is returned when a measurement fails the Mahalanobis gate.
	ErrGated = errors.New("measurement rejected by gate")
	// ErrSingular is returned when the innovation covariance cannot be
	// factorised.
	ErrSingular = errors.New("innovation covariance not positive definite")
)

// Filter is the EKF. The zero value is not usable; call New.
type Filter struct {
	cfg Config

	x       []float64
	P       *mat.SymDense
	control Control

	origin    Origin
	hasOrigin bool

	lastTime time.Time // time the state has been propagated to
	lastGPS  time.Time // last accepted GPS measurement

	goodX []float64
	goodP *mat.SymDense

	cond     float64 // covariance condition number after the last step
	goodCond float64

	resets int
	gates  [4]float64 // chi-square threshold by measurement dimension

	F *mat.Dense // scratch
}

// New returns a filter at the origin with the configured initial
// uncertainty.
func New(cfg Config) *Filter {
	f := &Filter{
		cfg: cfg,
		F:   mat.NewDense(stateDim, stateDim, nil),
	}
	for k := 1; k < len(f.gates); k++ {
		f.gates[k] = distuv.ChiSquared{K: float64(k)}.Quantile(cfg.GateProbability)
	}
	f.Reset()
	return f
}

// Reset discards all state, including the ENU origin.
func (f *Filter) Reset() {
	f.x = make([]float64, stateDim)
	f.P = mat.NewSymDense(stateDim, nil)
	for i := 0; i < 3; i++ {
		f.P.SetSym(iPX+i, iPX+i, f.cfg.InitialPosVar)
		f.P.SetSym(iVX+i, iVX+i, f.cfg.InitialVelVar)
		f.P.SetSym(iRoll+i, iRoll+i, f.cfg.InitialAttVar)
	}
	f.control = Control{}
	f.hasOrigin = false
	f.origin = Origin{}
	f.lastTime = time.Time{}
	f.lastGPS = time.Time{}
	f.resets = 0
	f.markGood()
}

// GateThreshold returns the squared Mahalanobis distance above which a
// measurement of the given dimension is rejected.
func (f *Filter) GateThreshold(dim int) float64 {
	if dim <= 0 || dim >= len(f.gates) {
		return distuv.ChiSquared{K: float64(dim)}.Quantile(f.cfg.GateProbability)
	}
	return f.gates[dim]
}

// SetControl records one IMU axis. It reports false for channels that are
// not IMU channels.
func (f *Filter) SetControl(channel string, value float64) bool {
	switch channel {
	case telemetry.ChannelAccelX:
		f.control.Accel.X = value
	case telemetry.ChannelAccelY:
		f.control.Accel.Y = value
	case telemetry.ChannelAccelZ:
		f.control.Accel.Z = value
	case telemetry.ChannelGyroX:
		f.control.Gyro.X = value
	case telemetry.ChannelGyroY:
		f.control.Gyro.Y = value
	case telemetry.ChannelGyroZ:
		f.control.Gyro.Z = value
	default:
		return false
	}
	return true
}

// Control returns the current control input.
func (f *Filter) Control() Control { return f.control }

// AdvanceTo dead-reckons the state forward to t in steps of at most
// MaxPredictDt. Times at or before the current state time are a no-op.
// Gaps longer than maxSubSteps steps are only partially propagated.
func (f *Filter) AdvanceTo(t time.Time) {
	if f.lastTime.IsZero() {
		f.lastTime = t
		return
	}
	dt := t.Sub(f.lastTime).Seconds()
	if dt <= 0 {
		return
	}
	f.lastTime = t

	steps := int(math.Ceil(dt / f.cfg.MaxPredictDt))
	if steps > maxSubSteps {
		diagf("gap of %.3fs truncated to %d predict steps", dt, maxSubSteps)
		steps = maxSubSteps
		dt = float64(steps) * f.cfg.MaxPredictDt
	}
	h := dt / float64(steps)
	for i := 0; i < steps; i++ {
		f.Predict(h)
	}
}

// Predict propagates the state and covariance by dt seconds:
// x' = f(x, u, dt), P' = F·P·Fᵀ + Q·dt. dt is clamped to MaxPredictDt.
func (f *Filter) Predict(dt float64) {
	if dt <= 0 {
		return
	}
	if dt > f.cfg.MaxPredictDt {
		dt = f.cfg.MaxPredictDt
	}

	jacobian(f.F, f.x, f.control, dt)
	next := make([]float64, stateDim)
	transition(next, f.x, f.control, dt)
	next[iRoll] = wrapAngle(next[iRoll])
	next[iYaw] = wrapAngle(next[iYaw])
	f.x = next

	var fpft mat.Dense
	fpft.Product(f.F, f.P, f.F.T())
	for i := 0; i < 3; i++ {
		fpft.Set(iPX+i, iPX+i, fpft.At(iPX+i, iPX+i)+f.cfg.ProcessNoisePos*dt)
		fpft.Set(iVX+i, iVX+i, fpft.At(iVX+i, iVX+i)+f.cfg.ProcessNoiseVel*dt)
		fpft.Set(iRoll+i, iRoll+i, fpft.At(iRoll+i, iRoll+i)+f.cfg.ProcessNoiseAtt*dt)
	}
	symmetrizeInto(f.P, &fpft)
	if allFinite(f.P) {
		f.cond = clampEigenvalues(f.P, f.cfg.MinEigenvalue)
	}

	f.checkDivergence("predict")
}

// Update applies a measurement. On ErrGated or ErrSingular the state is
// left unchanged.
func (f *Filter) Update(m Measurement) error {
	k := len(m.Z)
	if k == 0 || len(m.Rows) != k || len(m.R) != k {
		return fmt.Errorf("malformed %s measurement: %d values, %d rows, %d variances", m.Kind, k, len(m.Rows), len(m.R))
	}

	// Innovation y = z - H·x and S = H·P·Hᵀ + R. H selects state rows.
	y := mat.NewVecDense(k, nil)
	S := mat.NewSymDense(k, nil)
	for i, ri := range m.Rows {
		d := m.Z[i] - f.x[ri]
		if isAngleRow(ri) {
			d = wrapAngle(d)
		}
		y.SetVec(i, d)
		for j := i; j < k; j++ {
			s := f.P.At(ri, m.Rows[j])
			if i == j {
				s += m.R[i]
			}
			S.SetSym(i, j, s)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(S); !ok {
		return fmt.Errorf("%s update: %w", m.Kind, ErrSingular)
	}
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, y); err != nil {
		return fmt.Errorf("%s update: %w", m.Kind, ErrSingular)
	}
	d2 := mat.Dot(y, &w)
	if gate := f.GateThreshold(k); d2 > gate {
		diagf("%s measurement gated: d²=%.2f > %.2f", m.Kind, d2, gate)
		return fmt.Errorf("%s d²=%.2f exceeds %.2f: %w", m.Kind, d2, gate, ErrGated)
	}
	tracef("%s innovation %v d²=%.3f", m.Kind, y.RawVector().Data, d2)

	H := mat.NewDense(k, stateDim, nil)
	for i, ri := range m.Rows {
		H.Set(i, ri, 1)
	}

	// K = P·Hᵀ·S⁻¹, computed as (S⁻¹·H·P)ᵀ since P and S are symmetric.
	var hp, kt mat.Dense
	hp.Mul(H, f.P)
	if err := chol.SolveTo(&kt, &hp); err != nil {
		return fmt.Errorf("%s update: %w", m.Kind, ErrSingular)
	}
	K := mat.DenseCopyOf(kt.T())

	var dx mat.VecDense
	dx.MulVec(K, y)
	for i := 0; i < stateDim; i++ {
		f.x[i] += dx.AtVec(i)
	}
	f.x[iRoll] = wrapAngle(f.x[iRoll])
	f.x[iYaw] = wrapAngle(f.x[iYaw])

	// Joseph form: P' = (I-KH)·P·(I-KH)ᵀ + K·R·Kᵀ.
	ikh := mat.NewDense(stateDim, stateDim, nil)
	ikh.Mul(K, H)
	ikh.Scale(-1, ikh)
	for i := 0; i < stateDim; i++ {
		ikh.Set(i, i, ikh.At(i, i)+1)
	}
	var joseph, krk mat.Dense
	joseph.Product(ikh, f.P, ikh.T())
	krk.Product(K, mat.NewDiagDense(k, append([]float64(nil), m.R...)), K.T())
	joseph.Add(&joseph, &krk)

	symmetrizeInto(f.P, &joseph)
	if allFinite(f.P) {
		f.cond = clampEigenvalues(f.P, f.cfg.MinEigenvalue)
	}

	if f.checkDivergence(m.Kind) {
		f.markGood()
	}
	return nil
}

// ApplyFix initialises the frame on the first position fix and applies
// subsequent fixes as measurements. Accepted fixes refresh the GPS
// timeout.
func (f *Filter) ApplyFix(fix Fix) error {
	switch fix.Kind {
	case FixPosition:
		if !f.hasOrigin {
			f.initialise(fix)
			return nil
		}
		p := f.origin.ToENU(fix.Position)
		err := f.Update(PositionMeasurement(p, f.cfg.GPSNoiseHorizontal, f.cfg.GPSNoiseVertical, fix.HasAlt))
		if err != nil {
			return err
		}
	case FixVelocity:
		if err := f.Update(VelocityMeasurement(fix.Speed, fix.Heading, f.cfg.GPSNoiseVelocity)); err != nil {
			return err
		}
		if fix.Speed > yawObservableSpeed {
			if err := f.Update(HeadingMeasurement(fix.Speed, fix.Heading, f.cfg.GPSNoiseVelocity)); err != nil {
				diagf("heading update skipped: %v", err)
			}
		}
	default:
		return fmt.Errorf("unknown fix kind %d", fix.Kind)
	}
	if fix.Time.After(f.lastGPS) {
		f.lastGPS = fix.Time
	}
	return nil
}

func (f *Filter) initialise(fix Fix) {
	f.origin = NewOrigin(fix.Position)
	f.hasOrigin = true
	for i := iPX; i <= iPZ; i++ {
		f.x[i] = 0
		for j := 0; j < stateDim; j++ {
			f.P.SetSym(i, j, 0)
		}
		f.P.SetSym(i, i, f.cfg.InitialPosVar)
	}
	f.lastGPS = fix.Time
	if f.lastTime.IsZero() {
		f.lastTime = fix.Time
	}
	f.markGood()
	diagf("origin set at %.7f,%.7f alt %.1f", fix.Position.Lat, fix.Position.Lon, fix.Position.Alt)
}

// Initialized reports whether a position fix has anchored the frame.
func (f *Filter) Initialized() bool { return f.hasOrigin }

// Degraded reports prediction-only operation: no origin yet, or no accepted
// GPS measurement within GPSTimeout of the current state time.
func (f *Filter) Degraded() bool {
	if !f.hasOrigin {
		return true
	}
	return f.lastTime.Sub(f.lastGPS) > f.cfg.GPSTimeout
}

// Resets returns how many divergence resets have occurred.
func (f *Filter) Resets() int { return f.resets }

// Time returns the time the state has been propagated to.
func (f *Filter) Time() time.Time { return f.lastTime }

// State returns a copy of the current estimate.
func (f *Filter) State() telemetry.EstimatorState {
	pos := telemetry.Vector3{X: f.x[iPX], Y: f.x[iPY], Z: f.x[iPZ]}
	s := telemetry.EstimatorState{
		Timestamp:   f.lastTime,
		Position:    pos,
		Velocity:    telemetry.Vector3{X: f.x[iVX], Y: f.x[iVY], Z: f.x[iVZ]},
		Attitude:    telemetry.Attitude{Roll: f.x[iRoll], Pitch: f.x[iPitch], Yaw: f.x[iYaw]},
		Speed:       math.Hypot(f.x[iVX], f.x[iVY]),
		Dim:         stateDim,
		Covariance:  make([]float64, stateDim*stateDim),
		Initialized: f.hasOrigin,
		Degraded:    f.Degraded(),
		Resets:      f.resets,
	}
	if f.hasOrigin {
		s.Geodetic = f.origin.ToGeodetic(pos)
	}
	for i := 0; i < stateDim; i++ {
		for j := 0; j < stateDim; j++ {
			s.Covariance[i*stateDim+j] = f.P.At(i, j)
		}
	}
	s.PositionUncertainty = math.Sqrt(f.P.At(iPX, iPX) + f.P.At(iPY, iPY) + f.P.At(iPZ, iPZ))
	return s
}

func (f *Filter) markGood() {
	f.goodX = append(f.goodX[:0], f.x...)
	if f.goodP == nil {
		f.goodP = mat.NewSymDense(stateDim, nil)
	}
	f.goodP.CopySym(f.P)
	f.goodCond = f.cond
}

// checkDivergence resets the filter when the state is non-finite or the
// covariance trace exceeds its bound. It reports whether the filter was
// healthy.
func (f *Filter) checkDivergence(stage string) bool {
	trace := mat.Trace(f.P)
	healthy := allFinite(f.P) && trace <= f.cfg.MaxCovarianceTrace &&
		(f.cfg.MaxConditionNumber <= 0 || f.cond <= f.cfg.MaxConditionNumber)
	for _, v := range f.x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			healthy = false
			break
		}
	}
	if healthy {
		return true
	}

	f.resets++
	cond := f.cond
	copy(f.x, f.goodX)
	f.P.ScaleSym(f.cfg.ResetInflation, f.goodP)
	f.cond = f.goodCond
	if t := mat.Trace(f.P); t > f.cfg.MaxCovarianceTrace {
		// Keep the inflated covariance inside the bound so the next step
		// does not immediately reset again.
		f.P.ScaleSym(0.5*f.cfg.MaxCovarianceTrace/t, f.P)
	}
	opsf("filter diverged during %s (trace %.3g, condition %.3g), reset #%d to last good state", stage, trace, cond, f.resets)
	return false
}
