// Package grid owns the simulated grid state. The coordinator advances the
// resources, routes setpoints to them, solves the power flow and publishes an
// immutable snapshot of the result.
package grid

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilianp07/cosim/core/logger"
	"github.com/kilianp07/cosim/core/model"
	"github.com/kilianp07/cosim/core/powerflow"
	"github.com/kilianp07/cosim/core/resource"
	"github.com/kilianp07/cosim/core/trace"
	"github.com/kilianp07/cosim/internal/eventbus"
)

// DefaultMaxDivergenceStreak is the number of consecutive degraded steps
// tolerated before the run is aborted.
const DefaultMaxDivergenceStreak = 10

var (
	// ErrDivergenceStreak aborts the run after too many degraded steps.
	ErrDivergenceStreak = errors.New("power flow diverged too many consecutive steps")
	ErrUnknownTarget    = errors.New("unknown setpoint target")
	ErrAmbiguousTarget  = errors.New("several controllable resources on bus")
)

// SlackSource gives the slack voltage in volts at a simulated time.
type SlackSource interface {
	At(t time.Duration) complex128
}

// ConstantSlack is a fixed slack voltage.
type ConstantSlack complex128

func (c ConstantSlack) At(time.Duration) complex128 { return complex128(c) }

// TraceSlack reads the slack voltage from a trace whose first two columns
// are the real and imaginary parts.
type TraceSlack struct{ Trace *trace.Trace }

func (s TraceSlack) At(t time.Duration) complex128 {
	return complex(s.Trace.Value(t, 0), s.Trace.Value(t, 1))
}

// Config wires a Coordinator.
type Config struct {
	Engine              powerflow.Engine
	Resources           []resource.Resource
	Slack               SlackSource
	SlackBus            int
	MaxDivergenceStreak int
	// Bus receives every published snapshot. Optional.
	Bus    *eventbus.TypedBus[*model.GridState]
	Logger logger.Logger
	// Now stamps the snapshots. Defaults to time.Now.
	Now func() time.Time
}

// Report summarises one step.
type Report struct {
	Step       uint64
	SimTime    time.Duration
	Applied    int
	Rejected   int
	Degraded   bool
	Streak     int
	Iterations int
	Solve      time.Duration
	State      *model.GridState
}

// Coordinator is driven by a single goroutine; Submit and State may be called
// from any goroutine.
type Coordinator struct {
	cfg       Config
	log       logger.Logger
	resources []resource.Resource
	byName    map[string]resource.Resource
	byBus     map[int][]resource.Resource

	mu       sync.Mutex
	pending  map[string]pendingSetpoint
	rejected uint64

	state   atomic.Pointer[model.GridState]
	step    uint64
	simTime time.Duration
	streak  int
}

type pendingSetpoint struct {
	sp  model.Setpoint
	res resource.Resource
}

// New validates the wiring and solves the initial state from the resources'
// initial powers.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Engine == nil {
		return nil, errors.New("grid: nil power flow engine")
	}
	if cfg.Slack == nil {
		return nil, errors.New("grid: nil slack source")
	}
	if cfg.MaxDivergenceStreak <= 0 {
		cfg.MaxDivergenceStreak = DefaultMaxDivergenceStreak
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Coordinator{
		cfg:       cfg,
		log:       logger.OrNop(cfg.Logger),
		resources: append([]resource.Resource(nil), cfg.Resources...),
		byName:    make(map[string]resource.Resource, len(cfg.Resources)),
		byBus:     make(map[int][]resource.Resource),
		pending:   make(map[string]pendingSetpoint),
	}
	n := cfg.Engine.Buses()
	for _, r := range c.resources {
		if _, dup := c.byName[r.Name()]; dup {
			return nil, fmt.Errorf("grid: duplicate resource %q", r.Name())
		}
		if r.Bus() < 0 || r.Bus() >= n {
			return nil, fmt.Errorf("grid: resource %q on bus %d, grid has %d buses", r.Name(), r.Bus(), n)
		}
		if r.Bus() == cfg.SlackBus {
			return nil, fmt.Errorf("grid: resource %q attached to the slack bus", r.Name())
		}
		c.byName[r.Name()] = r
		c.byBus[r.Bus()] = append(c.byBus[r.Bus()], r)
	}
	sol, err := cfg.Engine.Solve(c.injections(), cfg.Slack.At(0))
	if err != nil {
		return nil, fmt.Errorf("grid: initial power flow: %w", err)
	}
	c.publish(c.snapshot(sol))
	return c, nil
}

// Submit queues a setpoint for the next step. A later setpoint for the same
// resource replaces an earlier one.
func (c *Coordinator) Submit(sp model.Setpoint) error {
	r, err := c.resolve(sp)
	if err != nil {
		c.mu.Lock()
		c.rejected++
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.pending[r.Name()] = pendingSetpoint{sp: sp, res: r}
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) resolve(sp model.Setpoint) (resource.Resource, error) {
	if sp.Target != "" {
		r, ok := c.byName[sp.Target]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, sp.Target)
		}
		if !r.Controllable() {
			return nil, fmt.Errorf("%s: %w", r.Name(), resource.ErrNotControllable)
		}
		return r, nil
	}
	var found resource.Resource
	for _, r := range c.byBus[sp.Bus] {
		if !r.Controllable() {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w %d", ErrAmbiguousTarget, sp.Bus)
		}
		found = r
	}
	if found == nil {
		if len(c.byBus[sp.Bus]) > 0 {
			return nil, fmt.Errorf("bus %d: %w", sp.Bus, resource.ErrNotControllable)
		}
		return nil, fmt.Errorf("%w: bus %d", ErrUnknownTarget, sp.Bus)
	}
	return found, nil
}

// Rejected returns the number of setpoints refused by Submit or by the
// resource when applied.
func (c *Coordinator) Rejected() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

// Step advances the simulation by dt. A diverged solve keeps the previous
// voltages and marks the snapshot degraded; ErrDivergenceStreak is returned
// once the streak exceeds the configured limit.
func (c *Coordinator) Step(dt time.Duration) (Report, error) {
	c.step++
	c.simTime += dt
	rep := Report{Step: c.step, SimTime: c.simTime}

	for _, r := range c.resources {
		r.Advance(dt)
	}

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]pendingSetpoint)
	c.mu.Unlock()
	names := make([]string, 0, len(pending))
	for name := range pending {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := pending[name]
		ctrl, ok := p.res.(resource.Controller)
		if !ok {
			rep.Rejected++
			continue
		}
		if err := ctrl.ApplySetpoint(p.sp.P, p.sp.Q); err != nil {
			c.log.Warnf("setpoint for %s rejected: %v", name, err)
			rep.Rejected++
			continue
		}
		rep.Applied++
	}
	if rep.Rejected > 0 {
		c.mu.Lock()
		c.rejected += uint64(rep.Rejected)
		c.mu.Unlock()
	}

	start := time.Now()
	sol, err := c.cfg.Engine.Solve(c.injections(), c.cfg.Slack.At(c.simTime))
	rep.Solve = time.Since(start)
	switch {
	case err == nil:
		c.streak = 0
		rep.Iterations = sol.Iterations
		rep.State = c.snapshot(sol)
	case errors.Is(err, powerflow.ErrDiverged):
		c.streak++
		rep.Degraded = true
		rep.State = c.degraded()
		c.log.Warnf("step %d degraded (%d in a row): %v", c.step, c.streak, err)
	default:
		return rep, fmt.Errorf("step %d: %w", c.step, err)
	}
	rep.Streak = c.streak
	c.publish(rep.State)
	if c.streak > c.cfg.MaxDivergenceStreak {
		return rep, fmt.Errorf("%w: %d steps", ErrDivergenceStreak, c.streak)
	}
	return rep, nil
}

func (c *Coordinator) injections() []powerflow.Injection {
	inj := make([]powerflow.Injection, 0, len(c.resources))
	for _, r := range c.resources {
		inj = append(inj, powerflow.Injection{Bus: r.Bus(), Phase: r.Phase(), S: r.Power()})
	}
	return inj
}

func (c *Coordinator) snapshot(sol *powerflow.Solution) *model.GridState {
	n := c.cfg.Engine.Buses()
	s := &model.GridState{
		Step:       c.step,
		SimTime:    c.simTime,
		Timestamp:  c.cfg.Now(),
		P:          make([]float64, n),
		Q:          make([]float64, n),
		Vm:         make([]float64, n),
		Va:         make([]float64, n),
		Voltages:   make([]complex128, n),
		Iterations: sol.Iterations,
	}
	for i := 0; i < n; i++ {
		p := sol.BusPower(i)
		s.P[i], s.Q[i] = real(p), imag(p)
		s.Voltages[i] = sol.BusVoltage(i)
		s.Vm[i], s.Va[i] = model.Polar(s.Voltages[i])
	}
	if len(sol.Phases) > 0 {
		s.LineCurrents = make([]float64, len(sol.Phases[0].Lines))
		for k := range s.LineCurrents {
			s.LineCurrents[k] = sol.LineCurrent(k)
		}
	}
	s.PhaseVoltages = make([][]complex128, len(sol.Phases))
	s.PhasePower = make([][]complex128, len(sol.Phases))
	for p, ph := range sol.Phases {
		s.PhaseVoltages[p] = ph.Voltages
		s.PhasePower[p] = ph.Power
	}
	return s
}

// degraded copies the last valid snapshot for the current step.
func (c *Coordinator) degraded() *model.GridState {
	prev := *c.state.Load()
	prev.Step = c.step
	prev.SimTime = c.simTime
	prev.Timestamp = c.cfg.Now()
	prev.Degraded = true
	prev.Iterations = 0
	return &prev
}

func (c *Coordinator) publish(s *model.GridState) {
	c.state.Store(s)
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(s)
	}
}

// State returns the latest published snapshot. It must not be modified.
func (c *Coordinator) State() *model.GridState { return c.state.Load() }

// Resources returns the resources in configuration order.
func (c *Coordinator) Resources() []resource.Resource {
	return append([]resource.Resource(nil), c.resources...)
}

// ResourceStates returns the snapshot of every resource for the latest
// published step. It may be called from any goroutine.
func (c *Coordinator) ResourceStates() []model.ResourceState {
	step := c.State().Step
	out := make([]model.ResourceState, len(c.resources))
	for i, r := range c.resources {
		out[i] = r.Snapshot()
		out[i].Step = step
	}
	return out
}
