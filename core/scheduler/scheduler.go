package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/kilianp07/cosim/core/grid"
	"github.com/kilianp07/cosim/core/logger"
	"github.com/kilianp07/cosim/core/metrics"
	"github.com/kilianp07/cosim/core/model"
	"github.com/kilianp07/cosim/core/sensor"
)

// State is the phase of the simulation loop.
type State int32

const (
	Idle State = iota
	Collecting
	Solving
	Publishing
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Collecting:
		return "collecting"
	case Solving:
		return "solving"
	case Publishing:
		return "publishing"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Coordinator is the part of grid.Coordinator the scheduler drives.
type Coordinator interface {
	Submit(sp model.Setpoint) error
	Step(dt time.Duration) (grid.Report, error)
	ResourceStates() []model.ResourceState
}

// Publisher pushes sensed data after a step.
type Publisher interface {
	Tick(ctx context.Context, s *model.GridState) sensor.Result
}

// Notifier sends each resource its state after a step.
type Notifier interface {
	NotifyResources(ctx context.Context, states []model.ResourceState) (sent, failed int)
}

// Clock abstracts wall time so tests can control the cadence.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Deps groups the collaborators of a Scheduler. Only Coordinator and Inbox are
// required.
type Deps struct {
	Coordinator Coordinator
	Inbox       *Inbox
	Publisher   Publisher
	Notifier    Notifier
	Sink        metrics.Sink
	Logger      logger.Logger
	Clock       Clock
}

// Scheduler runs the Idle, Collecting, Solving, Publishing cycle on a fixed
// wall-clock cadence. It is driven by a single goroutine.
type Scheduler struct {
	cfg      Config
	d        Deps
	log      logger.Logger
	expected map[string]struct{}

	state atomic.Int32
	// carry holds setpoints read early that belong to a later window.
	carry []model.Setpoint
	steps atomic.Uint64
}

// New validates cfg and returns a Scheduler.
func New(cfg Config, d Deps) (*Scheduler, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.Coordinator == nil {
		return nil, errors.New("scheduler: nil coordinator")
	}
	if d.Inbox == nil {
		return nil, errors.New("scheduler: nil inbox")
	}
	if d.Sink == nil {
		d.Sink = metrics.NopSink{}
	}
	if d.Clock == nil {
		d.Clock = realClock{}
	}
	s := &Scheduler{cfg: cfg, d: d, log: logger.OrNop(d.Logger), expected: map[string]struct{}{}}
	for _, a := range cfg.ExpectedAgents {
		s.expected[a] = struct{}{}
	}
	return s, nil
}

// State returns the current phase. Safe for concurrent use.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Steps returns the number of completed steps.
func (s *Scheduler) Steps() uint64 { return s.steps.Load() }

func (s *Scheduler) enter(st State) { s.state.Store(int32(st)) }

// Run drives the loop until the time limit is reached, ctx is cancelled or
// the coordinator reports a fatal error. Cancellation and the time limit are
// a clean stop and return nil.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.enter(Stopped)
	period := s.cfg.Period()
	limit := s.cfg.TimeLimit()
	t0 := s.d.Clock.Now()
	s.log.Infof("scheduler started: period=%s window=%s limit=%s", period, s.cfg.Window(), limit)

	for n := int64(0); ; n++ {
		if limit > 0 && time.Duration(n)*period >= limit {
			s.log.Infof("time limit reached after %d steps", n)
			return nil
		}
		start := t0.Add(time.Duration(n) * period)
		s.enter(Idle)
		if !s.sleepUntil(ctx, start) {
			return nil
		}
		w := s.collect(ctx, start, start.Add(s.cfg.Window()))
		if ctx.Err() != nil {
			return nil
		}

		s.enter(Solving)
		ev, err := s.solve(w, period)
		if err != nil {
			if errors.Is(err, grid.ErrDivergenceStreak) {
				// Receivers still get the last degraded state.
				s.enter(Publishing)
				s.publish(ctx, ev)
				s.record(ev, start)
				return err
			}
			return fmt.Errorf("scheduler: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		s.enter(Publishing)
		s.publish(ctx, ev)
		ev = s.record(ev, start)
		s.steps.Add(1)
		if ev.Overrun {
			s.log.Warnf("step %d overran its period by %s", ev.Step, ev.Elapsed-period)
		}
	}
}

func (s *Scheduler) sleepUntil(ctx context.Context, at time.Time) bool {
	if ctx.Err() != nil {
		return false
	}
	d := at.Sub(s.d.Clock.Now())
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.d.Clock.After(d):
		return true
	}
}

// window is the outcome of one collection phase.
type window struct {
	accepted map[string]model.Setpoint
	received int
	missed   int
}

// collect reads the inbox between open and deadline. Setpoints that arrived
// before open are dropped as missed, ones stamped at or after deadline are kept
// for the next window, and a later setpoint for the same target replaces an
// earlier one. The window ends early once every expected agent reported.
func (s *Scheduler) collect(ctx context.Context, open, deadline time.Time) window {
	s.enter(Collecting)
	w := window{accepted: map[string]model.Setpoint{}}
	reported := map[string]struct{}{}
	carried := s.carry
	s.carry = nil

	take := func(sp model.Setpoint) {
		switch {
		case sp.Received.Before(open):
			w.missed++
			s.log.Debugw("setpoint missed its window", map[string]any{
				"key": sp.Key(), "source": sp.Source, "late_by": open.Sub(sp.Received).String(),
			})
		case !sp.Received.Before(deadline):
			s.carry = append(s.carry, sp)
		default:
			w.received++
			if prev, ok := w.accepted[sp.Key()]; !ok || !sp.Received.Before(prev.Received) {
				w.accepted[sp.Key()] = sp
			}
			if sp.Source != "" {
				reported[sp.Source] = struct{}{}
			}
		}
	}
	done := func() bool {
		if len(s.expected) == 0 {
			return false
		}
		for a := range s.expected {
			if _, ok := reported[a]; !ok {
				return false
			}
		}
		return true
	}

	for _, sp := range carried {
		take(sp)
	}
	if done() {
		return w
	}
	remaining := deadline.Sub(s.d.Clock.Now())
	if remaining <= 0 {
		s.drain(take)
		return w
	}
	timeout := s.d.Clock.After(remaining)
	for {
		select {
		case <-ctx.Done():
			return w
		case <-timeout:
			s.drain(take)
			return w
		case sp := <-s.d.Inbox.C():
			take(sp)
			if done() {
				return w
			}
		}
	}
}

// drain consumes what is already queued without waiting.
func (s *Scheduler) drain(take func(model.Setpoint)) {
	for {
		select {
		case sp := <-s.d.Inbox.C():
			take(sp)
		default:
			return
		}
	}
}

func (s *Scheduler) solve(w window, dt time.Duration) (metrics.StepEvent, error) {
	keys := make([]string, 0, len(w.accepted))
	for k := range w.accepted {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ev := metrics.StepEvent{Received: w.received, Missed: w.missed}
	for _, k := range keys {
		if err := s.d.Coordinator.Submit(w.accepted[k]); err != nil {
			ev.Rejected++
			s.log.Warnf("setpoint %s rejected: %v", k, err)
		}
	}
	rep, err := s.d.Coordinator.Step(dt)
	ev.Step = rep.Step
	ev.SimTime = rep.SimTime
	ev.Solve = rep.Solve
	ev.Iterations = rep.Iterations
	ev.Degraded = rep.Degraded
	ev.Streak = rep.Streak
	ev.Applied = rep.Applied
	ev.Rejected += rep.Rejected
	ev.State = rep.State
	return ev, err
}

func (s *Scheduler) publish(ctx context.Context, ev metrics.StepEvent) {
	rec, _ := s.d.Sink.(metrics.TransportErrorRecorder)
	if s.d.Publisher != nil {
		res := s.d.Publisher.Tick(ctx, ev.State)
		if res.Failed > 0 && rec != nil {
			s.recordTransport(rec, "sensor", res.Failed)
		}
	}
	states := s.d.Coordinator.ResourceStates()
	if s.d.Notifier != nil {
		_, failed := s.d.Notifier.NotifyResources(ctx, states)
		if failed > 0 && rec != nil {
			s.recordTransport(rec, "resource", failed)
		}
	}
	if r, ok := s.d.Sink.(metrics.ResourceStateRecorder); ok && len(states) > 0 {
		if err := r.RecordResourceStates(metrics.ResourceStateEvent{Step: ev.Step, Time: s.d.Clock.Now(), States: states}); err != nil {
			s.log.Warnf("record resource states: %v", err)
		}
	}
}

func (s *Scheduler) recordTransport(rec metrics.TransportErrorRecorder, component string, n int) {
	err := rec.RecordTransportError(metrics.TransportErrorEvent{
		Component: component,
		Op:        "send",
		Count:     n,
		Time:      s.d.Clock.Now(),
	})
	if err != nil {
		s.log.Warnf("record transport error: %v", err)
	}
}

func (s *Scheduler) record(ev metrics.StepEvent, start time.Time) metrics.StepEvent {
	ev.Start = start
	ev.Elapsed = s.d.Clock.Now().Sub(start)
	ev.Overrun = ev.Elapsed > s.cfg.Period()
	if err := s.d.Sink.RecordStep(ev); err != nil {
		s.log.Warnf("record step %d: %v", ev.Step, err)
	}
	return ev
}
