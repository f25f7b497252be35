package powerflow

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// newton is a Newton-Raphson solver in rectangular coordinates. Every
// non-slack bus is a PQ bus; the unknowns are the real and imaginary parts of
// their voltages.
type newton struct {
	net     *network
	tol     float64
	maxIter int
}

func (nr *newton) solve(v0 complex128, s, seed []complex128) ([]complex128, int, error) {
	net := nr.net
	v := initialVoltages(net, v0, seed)
	m := len(net.load)
	if m == 0 {
		return v, 0, nil
	}
	jac := mat.NewDense(2*m, 2*m, nil)
	mis := mat.NewVecDense(2*m, nil)
	var dx mat.VecDense
	for it := 1; it <= nr.maxIter; it++ {
		nr.assemble(jac, mis, v, s)
		if err := dx.SolveVec(jac, mis); err != nil {
			var cond mat.Condition
			if !errors.As(err, &cond) || math.IsInf(float64(cond), 0) || float64(cond) > maxCond {
				return nil, it, fmt.Errorf("%w: jacobian: %v", ErrSingular, err)
			}
		}
		var delta float64
		for r, i := range net.load {
			d := complex(dx.AtVec(r), dx.AtVec(r+m))
			v[i] += d
			delta = math.Max(delta, cmplx.Abs(d))
		}
		if !finite(v) {
			return nil, it, fmt.Errorf("%w: non-finite voltage at iteration %d", ErrDiverged, it)
		}
		if delta < nr.tol {
			return v, it, nil
		}
	}
	return nil, nr.maxIter, fmt.Errorf("%w: no convergence after %d iterations", ErrDiverged, nr.maxIter)
}

// assemble fills the Jacobian of the bus powers with respect to (e, f) and the
// power mismatch, specified minus computed.
//
// With I_i = Σ Y_ik·V_k = a + jb and V_i = e_i + jf_i:
//
//	P_i = e_i·a + f_i·b
//	Q_i = f_i·a − e_i·b
func (nr *newton) assemble(jac *mat.Dense, mis *mat.VecDense, v, s []complex128) {
	net := nr.net
	m := len(net.load)
	jac.Zero()
	for r, i := range net.load {
		ei, fi := real(v[i]), imag(v[i])
		cur := net.current(i, v)
		a, b := real(cur), imag(cur)

		mis.SetVec(r, real(s[i])-(ei*a+fi*b))
		mis.SetVec(r+m, imag(s[i])-(fi*a-ei*b))

		for c, k := range net.load {
			g, bb := real(net.y[i][k]), imag(net.y[i][k])
			if g == 0 && bb == 0 {
				continue
			}
			jac.Set(r, c, ei*g+fi*bb)
			jac.Set(r, c+m, fi*g-ei*bb)
			jac.Set(r+m, c, fi*g-ei*bb)
			jac.Set(r+m, c+m, -(ei*g + fi*bb))
		}
		jac.Set(r, r, jac.At(r, r)+a)
		jac.Set(r, r+m, jac.At(r, r+m)+b)
		jac.Set(r+m, r, jac.At(r+m, r)-b)
		jac.Set(r+m, r+m, jac.At(r+m, r+m)+a)
	}
}
