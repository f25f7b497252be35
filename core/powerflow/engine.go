// Package powerflow solves the steady-state voltages of a radial or meshed
// distribution grid given the complex power injected at every bus.
//
// Quantities at the package boundary are physical (V, VA, A); the solvers
// work in per-unit internally. Two iterative methods are available, a Z-bus
// fixed-point iteration and a rectangular Newton-Raphson, and two models: a
// single-phase equivalent and a decoupled three-phase network.
package powerflow

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"github.com/kilianp07/cosim/core/model"
)

const (
	DefaultTolerance     = 1e-9
	DefaultMaxIterations = 100
)

var sqrt3 = math.Sqrt(3)

var (
	// ErrDiverged is returned when a solve does not produce a usable solution.
	// The caller keeps its previous state.
	ErrDiverged = errors.New("power flow diverged")
	// ErrSingular wraps ErrDiverged for admittance or Jacobian matrices that
	// cannot be factorised.
	ErrSingular = fmt.Errorf("%w: singular matrix", ErrDiverged)

	ErrInvalidGrid      = errors.New("invalid grid")
	ErrInvalidInjection = errors.New("invalid injection")
)

// Injection is the complex power a resource puts on a bus, in VA.
// Generation is positive, consumption negative.
type Injection struct {
	Bus   int
	Phase model.Phase
	S     complex128
}

// Config describes the network to solve.
type Config struct {
	Lines         []model.Line
	Base          model.Base
	SlackBus      int
	Model         model.GridModel
	Algorithm     model.Algorithm
	Tolerance     float64
	MaxIterations int
}

func (c *Config) setDefaults() {
	if c.Model == "" {
		c.Model = model.SinglePhase
	}
	if c.Algorithm == "" {
		c.Algorithm = model.FixedPoint
	}
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
}

// Engine solves the power flow of one grid. Implementations are safe for
// concurrent use and never mutate their arguments.
type Engine interface {
	// Solve computes the bus voltages for the given injections and slack
	// voltage (line-to-line equivalent, volts). It returns an error wrapping
	// ErrDiverged when no solution is reached.
	Solve(inj []Injection, slack complex128) (*Solution, error)
	// Reset forgets the previous solution so the next solve starts flat.
	Reset()
	// Buses returns the number of buses.
	Buses() int
}

// method is one iterative algorithm working on a per-unit network.
type method interface {
	solve(v0 complex128, s, seed []complex128) ([]complex128, int, error)
}

type engine struct {
	cfg    Config
	net    *network
	method method
	phases int

	mu   sync.Mutex
	seed [][]complex128
}

// New builds an Engine for the grid described by cfg.
func New(cfg Config) (Engine, error) {
	cfg.setDefaults()
	if cfg.Base.V <= 0 || cfg.Base.S <= 0 {
		return nil, fmt.Errorf("%w: base quantities must be positive", ErrInvalidGrid)
	}
	net, err := newNetwork(cfg.Lines, cfg.Base, cfg.SlackBus)
	if err != nil {
		return nil, err
	}
	e := &engine{cfg: cfg, net: net}
	switch cfg.Model {
	case model.SinglePhase:
		e.phases = 1
	case model.ThreePhase:
		e.phases = 3
	default:
		return nil, fmt.Errorf("%w: unknown model %q", ErrInvalidGrid, cfg.Model)
	}
	switch cfg.Algorithm {
	case model.FixedPoint:
		m, err := newFixedPoint(net, cfg.Tolerance, cfg.MaxIterations)
		if err != nil {
			return nil, err
		}
		e.method = m
	case model.NewtonRaphson:
		e.method = &newton{net: net, tol: cfg.Tolerance, maxIter: cfg.MaxIterations}
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidGrid, cfg.Algorithm)
	}
	return e, nil
}

func (e *engine) Buses() int { return e.net.n }

func (e *engine) Reset() {
	e.mu.Lock()
	e.seed = nil
	e.mu.Unlock()
}

// phaseShift is the rotation of each phase relative to phase A.
var phaseShift = [3]complex128{
	1,
	cmplx.Rect(1, -2*math.Pi/3),
	cmplx.Rect(1, 2*math.Pi/3),
}

func (e *engine) Solve(inj []Injection, slack complex128) (*Solution, error) {
	if cmplx.IsNaN(slack) || cmplx.IsInf(slack) || slack == 0 {
		return nil, fmt.Errorf("%w: slack voltage %v", ErrInvalidInjection, slack)
	}
	s, err := e.perPhaseInjections(inj)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	base := e.phaseBase()
	sol := &Solution{Base: base, Phases: make([]PhaseSolution, e.phases)}
	next := make([][]complex128, e.phases)
	for p := 0; p < e.phases; p++ {
		v0 := slack / complex(e.cfg.Base.V, 0) * phaseShift[p]
		var seed []complex128
		if e.seed != nil {
			seed = e.seed[p]
		}
		v, iters, err := e.method.solve(v0, s[p], seed)
		if err != nil {
			return nil, err
		}
		if iters > sol.Iterations {
			sol.Iterations = iters
		}
		next[p] = v
		sol.Phases[p] = e.net.derive(v, base)
	}
	e.seed = next
	return sol, nil
}

// phaseBase returns the per-phase base. The three-phase model works on phase
// quantities, S/3 and V/√3, which leaves the per-unit admittance unchanged.
func (e *engine) phaseBase() model.Base {
	if e.phases == 1 {
		return e.cfg.Base
	}
	return model.Base{V: e.cfg.Base.V / sqrt3, S: e.cfg.Base.S / 3}
}

// perPhaseInjections sums the injections per phase and bus in per-unit of the
// phase base.
func (e *engine) perPhaseInjections(inj []Injection) ([][]complex128, error) {
	out := make([][]complex128, e.phases)
	for p := range out {
		out[p] = make([]complex128, e.net.n)
	}
	sb := complex(e.phaseBase().S, 0)
	for _, in := range inj {
		if in.Bus < 0 || in.Bus >= e.net.n {
			return nil, fmt.Errorf("%w: bus %d out of range", ErrInvalidInjection, in.Bus)
		}
		if cmplx.IsNaN(in.S) || cmplx.IsInf(in.S) {
			return nil, fmt.Errorf("%w: bus %d power %v", ErrInvalidInjection, in.Bus, in.S)
		}
		if e.phases == 1 {
			out[0][in.Bus] += in.S / sb
			continue
		}
		switch in.Phase {
		case model.PhaseBalanced:
			for p := 0; p < 3; p++ {
				out[p][in.Bus] += in.S / 3 / sb
			}
		case model.PhaseA, model.PhaseB, model.PhaseC:
			out[int(in.Phase)-1][in.Bus] += in.S / sb
		default:
			return nil, fmt.Errorf("%w: bus %d unknown phase %d", ErrInvalidInjection, in.Bus, in.Phase)
		}
	}
	return out, nil
}

func finite(v []complex128) bool {
	for _, x := range v {
		if cmplx.IsNaN(x) || cmplx.IsInf(x) {
			return false
		}
	}
	return true
}
