package powerflow

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// maxCond is the condition number above which a matrix is treated as singular.
const maxCond = 1e14

// fixedPoint is the Z-bus current injection method:
//
//	V⁺ = Yll⁻¹·conj(S/V) + W,  W = −Yll⁻¹·Yl0·V0
//
// Yll is factorised once, in the real block form [[G, −B], [B, G]].
type fixedPoint struct {
	net     *network
	tol     float64
	maxIter int
	lu      mat.LU
	w       []complex128 // −Yll⁻¹·Yl0, scaled by V0 on every solve
}

func newFixedPoint(net *network, tol float64, maxIter int) (*fixedPoint, error) {
	m := len(net.load)
	fp := &fixedPoint{net: net, tol: tol, maxIter: maxIter}
	if m == 0 {
		return fp, nil
	}
	blk := mat.NewDense(2*m, 2*m, nil)
	for r, i := range net.load {
		for c, k := range net.load {
			y := net.y[i][k]
			blk.Set(r, c, real(y))
			blk.Set(r, c+m, -imag(y))
			blk.Set(r+m, c, imag(y))
			blk.Set(r+m, c+m, real(y))
		}
	}
	fp.lu.Factorize(blk)
	if c := fp.lu.Cond(); math.IsInf(c, 0) || math.IsNaN(c) || c > maxCond {
		return nil, fmt.Errorf("%w: admittance condition number %g", ErrSingular, c)
	}
	rhs := make([]complex128, m)
	for r, i := range net.load {
		rhs[r] = -net.y[i][net.slack]
	}
	w, err := fp.apply(rhs)
	if err != nil {
		return nil, err
	}
	fp.w = w
	return fp, nil
}

// apply returns Yll⁻¹·b.
func (fp *fixedPoint) apply(b []complex128) ([]complex128, error) {
	m := len(b)
	in := mat.NewVecDense(2*m, nil)
	for i, x := range b {
		in.SetVec(i, real(x))
		in.SetVec(i+m, imag(x))
	}
	var out mat.VecDense
	if err := fp.lu.SolveVecTo(&out, false, in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	x := make([]complex128, m)
	for i := range x {
		x[i] = complex(out.AtVec(i), out.AtVec(i+m))
	}
	return x, nil
}

func (fp *fixedPoint) solve(v0 complex128, s, seed []complex128) ([]complex128, int, error) {
	net := fp.net
	v := initialVoltages(net, v0, seed)
	m := len(net.load)
	if m == 0 {
		return v, 0, nil
	}
	cur := make([]complex128, m)
	for it := 1; it <= fp.maxIter; it++ {
		for r, i := range net.load {
			cur[r] = cmplx.Conj(s[i] / v[i])
		}
		x, err := fp.apply(cur)
		if err != nil {
			return nil, it, err
		}
		var delta float64
		for r, i := range net.load {
			nv := x[r] + fp.w[r]*v0
			delta = math.Max(delta, cmplx.Abs(nv-v[i]))
			v[i] = nv
		}
		if !finite(v) {
			return nil, it, fmt.Errorf("%w: non-finite voltage at iteration %d", ErrDiverged, it)
		}
		if delta < fp.tol {
			return v, it, nil
		}
	}
	return nil, fp.maxIter, fmt.Errorf("%w: no convergence after %d iterations", ErrDiverged, fp.maxIter)
}

// initialVoltages starts from the previous solution when one exists, from a
// flat profile at the slack voltage otherwise. The slack entry is always v0.
func initialVoltages(net *network, v0 complex128, seed []complex128) []complex128 {
	v := make([]complex128, net.n)
	if len(seed) == net.n && finite(seed) {
		copy(v, seed)
	} else {
		for i := range v {
			v[i] = v0
		}
	}
	v[net.slack] = v0
	return v
}
