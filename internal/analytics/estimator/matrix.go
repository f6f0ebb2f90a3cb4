package estimator

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// symmetrizeInto writes (A+Aᵀ)/2 into dst.
func symmetrizeInto(dst *mat.SymDense, a mat.Matrix) {
	n, _ := a.Dims()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			dst.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
}

// clampEigenvalues raises every eigenvalue of p below floor to floor, keeping
// p positive definite. It returns the condition number of the result,
// +Inf when the decomposition fails or the smallest eigenvalue is not
// positive. p is left untouched when no eigenvalue is below floor.
func clampEigenvalues(p *mat.SymDense, floor float64) float64 {
	var es mat.EigenSym
	if ok := es.Factorize(p, true); !ok {
		return math.Inf(1)
	}
	vals := es.Values(nil)
	clamped := false
	for i, v := range vals {
		if v < floor {
			vals[i] = floor
			clamped = true
		}
	}
	// Values are ascending.
	cond := math.Inf(1)
	if lo, hi := vals[0], vals[len(vals)-1]; lo > 0 {
		cond = hi / lo
	}
	if !clamped {
		return cond
	}
	n := len(vals)
	var v, vd, out mat.Dense
	es.VectorsTo(&v)
	vd.Mul(&v, mat.NewDiagDense(n, vals))
	out.Mul(&vd, v.T())
	symmetrizeInto(p, &out)
	return cond
}

func allFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
