package estimator

import (
	"math"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
	"gonum.org/v1/gonum/mat"
)

// State indices.
const (
	iPX = iota
	iPY
	iPZ
	iVX
	iVY
	iVZ
	iRoll
	iPitch
	iYaw
	stateDim
)

// Control is the IMU-derived input: body-frame linear acceleration with
// gravity removed (m/s²) and body angular rate (rad/s).
type Control struct {
	Accel telemetry.Vector3
	Gyro  telemetry.Vector3
}

// minCosPitch keeps the Euler-rate transform finite near ±90° pitch.
const minCosPitch = 1e-3

// jacobianStep is the central-difference perturbation.
const jacobianStep = 1e-6

// bodyToENU rotates a body-frame vector by Rz(yaw)·Ry(pitch)·Rx(roll).
func bodyToENU(roll, pitch, yaw float64, v telemetry.Vector3) telemetry.Vector3 {
	sr, cr := math.Sincos(roll)
	sp, cp := math.Sincos(pitch)
	sy, cy := math.Sincos(yaw)
	return telemetry.Vector3{
		X: cy*cp*v.X + (cy*sp*sr-sy*cr)*v.Y + (cy*sp*cr+sy*sr)*v.Z,
		Y: sy*cp*v.X + (sy*sp*sr+cy*cr)*v.Y + (sy*sp*cr-cy*sr)*v.Z,
		Z: -sp*v.X + cp*sr*v.Y + cp*cr*v.Z,
	}
}

// transition applies the constant-acceleration / constant-turn-rate model
// for one step. Angles are not wrapped here so that the numeric Jacobian
// stays continuous.
func transition(dst, x []float64, u Control, dt float64) {
	roll, pitch, yaw := x[iRoll], x[iPitch], x[iYaw]
	a := bodyToENU(roll, pitch, yaw, u.Accel)

	dst[iPX] = x[iPX] + x[iVX]*dt + 0.5*a.X*dt*dt
	dst[iPY] = x[iPY] + x[iVY]*dt + 0.5*a.Y*dt*dt
	dst[iPZ] = x[iPZ] + x[iVZ]*dt + 0.5*a.Z*dt*dt
	dst[iVX] = x[iVX] + a.X*dt
	dst[iVY] = x[iVY] + a.Y*dt
	dst[iVZ] = x[iVZ] + a.Z*dt

	sr, cr := math.Sincos(roll)
	sp, cp := math.Sincos(pitch)
	if math.Abs(cp) < minCosPitch {
		cp = math.Copysign(minCosPitch, cp)
	}
	tp := sp / cp
	w := u.Gyro
	dst[iRoll] = roll + (w.X+sr*tp*w.Y+cr*tp*w.Z)*dt
	dst[iPitch] = pitch + (cr*w.Y-sr*w.Z)*dt
	dst[iYaw] = yaw + (sr/cp*w.Y+cr/cp*w.Z)*dt
}

// jacobian fills F with ∂f/∂x at x by central differences.
func jacobian(F *mat.Dense, x []float64, u Control, dt float64) {
	var xp, xm, fp, fm [stateDim]float64
	for j := 0; j < stateDim; j++ {
		copy(xp[:], x)
		copy(xm[:], x)
		xp[j] += jacobianStep
		xm[j] -= jacobianStep
		transition(fp[:], xp[:], u, dt)
		transition(fm[:], xm[:], u, dt)
		for i := 0; i < stateDim; i++ {
			F.Set(i, j, (fp[i]-fm[i])/(2*jacobianStep))
		}
	}
}
