package powerflow

import (
	"fmt"
	"math/cmplx"

	"github.com/kilianp07/cosim/core/model"
)

// branch is a line in per-unit.
type branch struct {
	from, to int
	y        complex128 // series admittance
	half     complex128 // half of the shunt admittance, jb/2
}

// network is the per-unit admittance model of a grid. It is immutable after
// construction and shared by every phase.
type network struct {
	n        int
	slack    int
	y        [][]complex128
	load     []int // non-slack buses in index order
	branches []branch
}

func newNetwork(lines []model.Line, base model.Base, slack int) (*network, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no lines", ErrInvalidGrid)
	}
	n := model.NumBuses(lines)
	if slack < 0 || slack >= n {
		return nil, fmt.Errorf("%w: slack bus %d out of range [0,%d)", ErrInvalidGrid, slack, n)
	}
	yb := base.Y()
	net := &network{
		n:     n,
		slack: slack,
		y:     make([][]complex128, n),
	}
	for i := range net.y {
		net.y[i] = make([]complex128, n)
	}
	for i, l := range lines {
		if l.From < 0 || l.To < 0 {
			return nil, fmt.Errorf("%w: line %d references a negative bus", ErrInvalidGrid, i)
		}
		if l.From == l.To {
			return nil, fmt.Errorf("%w: line %d is a self loop on bus %d", ErrInvalidGrid, i, l.From)
		}
		z := complex(l.R, l.X) * complex(yb, 0)
		if z == 0 {
			return nil, fmt.Errorf("%w: line %d has zero impedance", ErrInvalidGrid, i)
		}
		br := branch{from: l.From, to: l.To, y: 1 / z, half: complex(0, l.B/yb/2)}
		net.branches = append(net.branches, br)
		net.y[l.From][l.From] += br.y + br.half
		net.y[l.To][l.To] += br.y + br.half
		net.y[l.From][l.To] -= br.y
		net.y[l.To][l.From] -= br.y
	}
	for i := 0; i < n; i++ {
		if i != slack {
			net.load = append(net.load, i)
		}
	}
	return net, nil
}

// current returns the per-unit current injected at bus i.
func (nw *network) current(i int, v []complex128) complex128 {
	var c complex128
	for k, yik := range nw.y[i] {
		if yik != 0 {
			c += yik * v[k]
		}
	}
	return c
}

// LineFlow is the flow on one line at both ends, physical units.
type LineFlow struct {
	From, To int
	IFrom    complex128 // A, leaving From
	ITo      complex128 // A, leaving To
	SFrom    complex128 // VA
	STo      complex128 // VA
	// Current is max(|IFrom|, |ITo|).
	Current float64
}

// PhaseSolution is the solved state of one phase network.
type PhaseSolution struct {
	Voltages []complex128 // V per bus
	Power    []complex128 // VA injected per bus, slack included
	Lines    []LineFlow
}

// Solution is the output of one successful solve.
type Solution struct {
	Base       model.Base // per-phase base used by the solve
	Phases     []PhaseSolution
	Iterations int
}

func (nw *network) derive(v []complex128, base model.Base) PhaseSolution {
	vb := complex(base.V, 0)
	sb := complex(base.S, 0)
	ib := complex(base.I(), 0)
	ps := PhaseSolution{
		Voltages: make([]complex128, nw.n),
		Power:    make([]complex128, nw.n),
		Lines:    make([]LineFlow, len(nw.branches)),
	}
	for i := 0; i < nw.n; i++ {
		ps.Voltages[i] = v[i] * vb
		ps.Power[i] = v[i] * cmplx.Conj(nw.current(i, v)) * sb
	}
	for k, br := range nw.branches {
		vf, vt := v[br.from], v[br.to]
		iF := br.y*(vf-vt) + br.half*vf
		iT := br.y*(vt-vf) + br.half*vt
		lf := LineFlow{
			From:  br.from,
			To:    br.to,
			IFrom: iF * ib,
			ITo:   iT * ib,
			SFrom: vf * cmplx.Conj(iF) * sb,
			STo:   vt * cmplx.Conj(iT) * sb,
		}
		lf.Current = max(cmplx.Abs(lf.IFrom), cmplx.Abs(lf.ITo))
		ps.Lines[k] = lf
	}
	return ps
}

// SlackPower returns the total complex power supplied by the slack bus over
// all phases.
func (s *Solution) SlackPower(slack int) complex128 {
	var t complex128
	for _, p := range s.Phases {
		t += p.Power[slack]
	}
	return t
}

// BusPower returns the total complex power injected at the given bus.
func (s *Solution) BusPower(bus int) complex128 {
	var t complex128
	for _, p := range s.Phases {
		t += p.Power[bus]
	}
	return t
}

// BusVoltage returns the line-to-line equivalent voltage of the bus. For the
// three-phase model this is the phase A voltage scaled by √3.
func (s *Solution) BusVoltage(bus int) complex128 {
	v := s.Phases[0].Voltages[bus]
	if len(s.Phases) == 3 {
		v *= complex(sqrt3, 0)
	}
	return v
}

// LineCurrent returns the largest current magnitude of the line over all
// phases and both ends.
func (s *Solution) LineCurrent(line int) float64 {
	var c float64
	for _, p := range s.Phases {
		c = max(c, p.Lines[line].Current)
	}
	return c
}
