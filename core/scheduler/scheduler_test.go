package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/cosim/core/grid"
	"github.com/kilianp07/cosim/core/metrics"
	"github.com/kilianp07/cosim/core/model"
	"github.com/kilianp07/cosim/core/sensor"
)

type fakeCoordinator struct {
	mu        sync.Mutex
	submitted []model.Setpoint
	steps     []time.Duration
	failAt    int
	reject    string
}

func (f *fakeCoordinator) Submit(sp model.Setpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sp.Target == f.reject && f.reject != "" {
		return grid.ErrUnknownTarget
	}
	f.submitted = append(f.submitted, sp)
	return nil
}

func (f *fakeCoordinator) Step(dt time.Duration) (grid.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, dt)
	n := len(f.steps)
	rep := grid.Report{
		Step:    uint64(n),
		SimTime: time.Duration(n) * dt,
		State:   &model.GridState{Step: uint64(n), SimTime: time.Duration(n) * dt},
	}
	if f.failAt > 0 && n >= f.failAt {
		rep.Degraded = true
		return rep, fmt.Errorf("%w: 11 steps", grid.ErrDivergenceStreak)
	}
	return rep, nil
}

func (f *fakeCoordinator) ResourceStates() []model.ResourceState {
	return []model.ResourceState{{Name: "bat", Kind: "battery", Bus: 1}}
}

type recordingSink struct {
	mu        sync.Mutex
	steps     []metrics.StepEvent
	transport []metrics.TransportErrorEvent
	resources int
}

func (r *recordingSink) RecordStep(ev metrics.StepEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, ev)
	return nil
}

func (r *recordingSink) RecordTransportError(ev metrics.TransportErrorEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport = append(r.transport, ev)
	return nil
}

func (r *recordingSink) RecordResourceStates(metrics.ResourceStateEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources++
	return nil
}

type failingPublisher struct{}

func (failingPublisher) Tick(context.Context, *model.GridState) sensor.Result {
	return sensor.Result{Published: true, Sent: 1, Failed: 2}
}

type countingNotifier struct{ calls int }

func (n *countingNotifier) NotifyResources(_ context.Context, states []model.ResourceState) (int, int) {
	n.calls++
	return len(states), 0
}

func newTestScheduler(t *testing.T, cfg Config, d Deps) *Scheduler {
	t.Helper()
	if d.Coordinator == nil {
		d.Coordinator = &fakeCoordinator{}
	}
	if d.Inbox == nil {
		d.Inbox = NewInbox(16)
	}
	s, err := New(cfg, d)
	require.NoError(t, err)
	return s
}

func TestCollectEnforcesDeadline(t *testing.T) {
	s := newTestScheduler(t, Config{PeriodMS: 100, CollectWindowMS: 30}, Deps{})
	open := time.Now()
	deadline := open.Add(30 * time.Millisecond)

	in := s.d.Inbox
	in.Push(model.Setpoint{Target: "bat", P: 9, Received: open.Add(-5 * time.Millisecond)})
	in.Push(model.Setpoint{Target: "bat", P: 1, Received: open.Add(time.Millisecond)})
	in.Push(model.Setpoint{Target: "bat", P: 2, Received: open.Add(2 * time.Millisecond)})
	in.Push(model.Setpoint{Target: "bat", P: 3, Received: deadline.Add(time.Millisecond)})

	w := s.collect(context.Background(), open, deadline)
	assert.Equal(t, 1, w.missed)
	assert.Equal(t, 2, w.received)
	require.Len(t, w.accepted, 1)
	assert.Equal(t, 2.0, w.accepted["bat"].P)
	require.Len(t, s.carry, 1)
	assert.Equal(t, 3.0, s.carry[0].P)

	// the carried setpoint falls inside the next window
	w = s.collect(context.Background(), deadline, deadline.Add(10*time.Millisecond))
	assert.Equal(t, 0, w.missed)
	assert.Equal(t, 3.0, w.accepted["bat"].P)
	assert.Empty(t, s.carry)
}

func TestCollectSupersedesByArrivalTime(t *testing.T) {
	s := newTestScheduler(t, Config{PeriodMS: 50}, Deps{})
	open := time.Now()
	// queued out of order: the newer arrival still wins
	s.d.Inbox.Push(model.Setpoint{Bus: 3, P: 20, Received: open.Add(4 * time.Millisecond)})
	s.d.Inbox.Push(model.Setpoint{Bus: 3, P: 10, Received: open.Add(2 * time.Millisecond)})
	s.d.Inbox.Push(model.Setpoint{Target: "other", P: 5, Received: open.Add(3 * time.Millisecond)})

	w := s.collect(context.Background(), open, open.Add(20*time.Millisecond))
	require.Len(t, w.accepted, 2)
	assert.Equal(t, 20.0, w.accepted["bus:3"].P)
	assert.Equal(t, 5.0, w.accepted["other"].P)
}

func TestCollectReturnsWhenAllAgentsReported(t *testing.T) {
	s := newTestScheduler(t, Config{PeriodMS: 5000, ExpectedAgents: []string{"ra1", "ra2"}}, Deps{})
	open := time.Now()
	s.d.Inbox.Push(model.Setpoint{Target: "a", Source: "ra1", Received: open})
	s.d.Inbox.Push(model.Setpoint{Target: "b", Source: "ra2", Received: open})

	begin := time.Now()
	w := s.collect(context.Background(), open, open.Add(5*time.Second))
	if time.Since(begin) > time.Second {
		t.Fatalf("collect waited for the full window")
	}
	assert.Len(t, w.accepted, 2)
}

func TestCollectStopsOnCancel(t *testing.T) {
	s := newTestScheduler(t, Config{PeriodMS: 5000}, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	open := time.Now()
	begin := time.Now()
	s.collect(ctx, open, open.Add(5*time.Second))
	if time.Since(begin) > time.Second {
		t.Fatalf("collect ignored cancellation")
	}
}

func TestRunStopsAtTimeLimit(t *testing.T) {
	coord := &fakeCoordinator{reject: "ghost"}
	sink := &recordingSink{}
	notifier := &countingNotifier{}
	// 0.001 min = 60ms, four 15ms steps
	cfg := Config{PeriodMS: 15, CollectWindowMS: 10, TimeLimitMinutes: 0.001}
	s := newTestScheduler(t, cfg, Deps{Coordinator: coord, Sink: sink, Notifier: notifier, Publisher: failingPublisher{}})
	go func() {
		for s.State() != Collecting {
			runtime.Gosched()
		}
		s.d.Inbox.Push(model.Setpoint{Target: "bat", P: 1e3})
		s.d.Inbox.Push(model.Setpoint{Target: "ghost", P: 1})
	}()

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, uint64(4), s.Steps())
	require.Len(t, coord.steps, 4)
	for _, dt := range coord.steps {
		assert.Equal(t, 15*time.Millisecond, dt)
	}
	require.Len(t, coord.submitted, 1)
	assert.Equal(t, "bat", coord.submitted[0].Target)

	require.Len(t, sink.steps, 4)
	var received, rejected int
	for _, ev := range sink.steps {
		received += ev.Received
		rejected += ev.Rejected
	}
	assert.Equal(t, 2, received)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 4, notifier.calls)
	assert.Equal(t, 4, sink.resources)
	require.Len(t, sink.transport, 4)
	assert.Equal(t, "sensor", sink.transport[0].Component)
	assert.Equal(t, 2, sink.transport[0].Count)
}

func TestRunCadenceDoesNotDrift(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{PeriodMS: 20, CollectWindowMS: 1, TimeLimitMinutes: 0.002}
	s := newTestScheduler(t, cfg, Deps{Sink: sink})
	require.NoError(t, s.Run(context.Background()))
	require.NotEmpty(t, sink.steps)
	t0 := sink.steps[0].Start
	for i, ev := range sink.steps {
		assert.Equal(t, t0.Add(time.Duration(i)*20*time.Millisecond), ev.Start)
	}
}

func TestRunFatalOnDivergenceStreak(t *testing.T) {
	coord := &fakeCoordinator{failAt: 2}
	sink := &recordingSink{}
	s := newTestScheduler(t, Config{PeriodMS: 5, CollectWindowMS: 1}, Deps{Coordinator: coord, Sink: sink})
	err := s.Run(context.Background())
	if !errors.Is(err, grid.ErrDivergenceStreak) {
		t.Fatalf("expected divergence streak, got %v", err)
	}
	assert.Equal(t, Stopped, s.State())
	require.Len(t, sink.steps, 2)
	assert.True(t, sink.steps[1].Degraded)
}

type statePublisher struct {
	mu    sync.Mutex
	steps []uint64
}

func (p *statePublisher) Tick(_ context.Context, s *model.GridState) sensor.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, s.Step)
	return sensor.Result{Published: true, Sent: 1}
}

func TestRunPublishesLastDegradedStep(t *testing.T) {
	coord := &fakeCoordinator{failAt: 2}
	pub := &statePublisher{}
	notifier := &countingNotifier{}
	s := newTestScheduler(t, Config{PeriodMS: 5, CollectWindowMS: 1}, Deps{Coordinator: coord, Publisher: pub, Notifier: notifier})
	require.ErrorIs(t, s.Run(context.Background()), grid.ErrDivergenceStreak)
	assert.Equal(t, []uint64{1, 2}, pub.steps)
	assert.Equal(t, 2, notifier.calls)
	assert.Equal(t, uint64(1), s.Steps())
}

func TestRunDefaultWindowLeavesSolveBudget(t *testing.T) {
	sink := &recordingSink{}
	// 0.004 min = 240ms, four 60ms steps
	cfg := Config{PeriodMS: 60, TimeLimitMinutes: 0.004}
	s := newTestScheduler(t, cfg, Deps{Sink: sink})
	require.NoError(t, s.Run(context.Background()))
	require.Len(t, sink.steps, 4)
	for _, ev := range sink.steps {
		assert.False(t, ev.Overrun, "step %d took %s", ev.Step, ev.Elapsed)
		assert.Less(t, ev.Elapsed, 60*time.Millisecond)
	}
}

func TestRunCancelledIsClean(t *testing.T) {
	s := newTestScheduler(t, Config{PeriodMS: 10, CollectWindowMS: 5}, Deps{})
	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, Stopped, s.State())
	assert.Greater(t, s.Steps(), uint64(0))
}

func TestNewRejectsBadWiring(t *testing.T) {
	if _, err := New(Config{}, Deps{Inbox: NewInbox(1)}); err == nil {
		t.Fatalf("expected error for nil coordinator")
	}
	if _, err := New(Config{}, Deps{Coordinator: &fakeCoordinator{}}); err == nil {
		t.Fatalf("expected error for nil inbox")
	}
	if _, err := New(Config{PeriodMS: 10, CollectWindowMS: 20}, Deps{Coordinator: &fakeCoordinator{}, Inbox: NewInbox(1)}); err == nil {
		t.Fatalf("expected error for window longer than period")
	}
}

func TestInboxOverflow(t *testing.T) {
	in := NewInbox(2)
	assert.True(t, in.Push(model.Setpoint{Target: "a"}))
	assert.True(t, in.Push(model.Setpoint{Target: "b"}))
	assert.False(t, in.Push(model.Setpoint{Target: "c"}))
	assert.Equal(t, uint64(1), in.Overflow())
	sp := <-in.C()
	assert.False(t, sp.Received.IsZero())
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.SetDefaults()
	require.NoError(t, c.Validate())
	assert.Equal(t, time.Second, c.Period())
	assert.Equal(t, 800*time.Millisecond, c.Window())
	assert.Equal(t, time.Duration(0), c.TimeLimit())
	assert.Equal(t, DefaultInboxSize, c.InboxSize)

	c = Config{PeriodMS: 100, CollectWindowMS: 10, TimeLimitMinutes: 2}
	assert.Equal(t, 2*time.Minute, c.TimeLimit())
	c.TimeLimitMinutes = -1
	assert.Error(t, c.Validate())
}
