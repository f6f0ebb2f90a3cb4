// Package estimator fuses GPS and IMU samples into a single vehicle state
// using an Extended Kalman Filter.
//
// State layout (9 elements, local ENU frame anchored at the first GPS fix):
//
//	[px py pz vx vy vz roll pitch yaw]
//
// The motion model is non-linear in attitude (body-frame acceleration is
// rotated into ENU), so the transition Jacobian is evaluated numerically at
// every predict step. Measurements are linear selections of the state.
//
// Covariance is updated with the Joseph form and re-conditioned after every
// predict and update (symmetrised, eigenvalues clamped). The filter never
// propagates NaN: a diverged filter is reset to its last known-good state
// with inflated uncertainty.
//
// The filter is not safe for concurrent use; it is owned by the pipeline
// goroutine.
package estimator
