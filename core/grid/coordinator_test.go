package grid

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/cosim/core/model"
	"github.com/kilianp07/cosim/core/powerflow"
	"github.com/kilianp07/cosim/core/resource"
	"github.com/kilianp07/cosim/core/trace"
	"github.com/kilianp07/cosim/internal/eventbus"
)

func newEngine(t *testing.T) powerflow.Engine {
	t.Helper()
	e, err := powerflow.New(powerflow.Config{
		Lines: []model.Line{{From: 0, To: 1, R: 0.1}, {From: 1, To: 2, R: 0.1}},
		Base:  model.Base{V: 1, S: 1},
	})
	require.NoError(t, err)
	return e
}

func newBattery(t *testing.T, name string, bus int) *resource.Battery {
	t.Helper()
	b, err := resource.NewBattery(resource.BatteryConfig{
		Attachment:  resource.Attachment{Name: name, Bus: bus},
		InitialSoC:  0.5,
		RatedEnergy: 1e6,
		Efficiency:  1,
	})
	require.NoError(t, err)
	return b
}

func newLoad(t *testing.T, name string, bus int, kva float64) *resource.Load {
	t.Helper()
	tr, err := trace.Periodic([]float64{kva}, time.Second, true)
	require.NoError(t, err)
	l, err := resource.NewLoad(resource.LoadConfig{Attachment: resource.Attachment{Name: name, Bus: bus}, PowerFactor: 1, SamplePeriodMS: 1000}, tr)
	require.NoError(t, err)
	return l
}

func TestZeroInjectionKeepsSlackVoltage(t *testing.T) {
	c, err := New(Config{Engine: newEngine(t), Slack: ConstantSlack(1)})
	require.NoError(t, err)
	rep, err := c.Step(time.Second)
	require.NoError(t, err)
	for i, vm := range rep.State.Vm {
		assert.InDelta(t, 1, vm, 1e-9, "bus %d", i)
	}
	assert.Equal(t, uint64(1), c.State().Step)
}

func TestSetpointSupersession(t *testing.T) {
	bat := newBattery(t, "bat", 2)
	c, err := New(Config{Engine: newEngine(t), Resources: []resource.Resource{bat}, Slack: ConstantSlack(1)})
	require.NoError(t, err)

	require.NoError(t, c.Submit(model.Setpoint{Target: "bat", Bus: model.NoBus, P: -0.1}))
	require.NoError(t, c.Submit(model.Setpoint{Bus: 2, P: -0.2}))
	rep, err := c.Step(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Applied)
	assert.InDelta(t, -0.2, real(bat.Power()), 1e-12)
	assert.InDelta(t, -0.2, rep.State.P[2], 1e-6)
	// the slack covers the load plus losses
	assert.Greater(t, rep.State.P[0], 0.2)
}

func TestSubmitRejectsUncontrollableAndUnknown(t *testing.T) {
	c, err := New(Config{
		Engine:    newEngine(t),
		Resources: []resource.Resource{newLoad(t, "load", 1, 0)},
		Slack:     ConstantSlack(1),
	})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Submit(model.Setpoint{Target: "load", Bus: model.NoBus, P: 1}), resource.ErrNotControllable)
	assert.ErrorIs(t, c.Submit(model.Setpoint{Bus: 1, P: 1}), resource.ErrNotControllable)
	assert.ErrorIs(t, c.Submit(model.Setpoint{Target: "nope", Bus: model.NoBus}), ErrUnknownTarget)
	assert.ErrorIs(t, c.Submit(model.Setpoint{Bus: 2}), ErrUnknownTarget)
	assert.Equal(t, uint64(4), c.Rejected())
}

func TestSubmitAmbiguousBus(t *testing.T) {
	c, err := New(Config{
		Engine:    newEngine(t),
		Resources: []resource.Resource{newBattery(t, "a", 1), newBattery(t, "b", 1)},
		Slack:     ConstantSlack(1),
	})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Submit(model.Setpoint{Bus: 1, P: 1}), ErrAmbiguousTarget)
	assert.NoError(t, c.Submit(model.Setpoint{Target: "b", Bus: model.NoBus, P: 0.1}))
}

type flakyEngine struct {
	powerflow.Engine
	fail bool
}

func (f *flakyEngine) Solve(inj []powerflow.Injection, slack complex128) (*powerflow.Solution, error) {
	if f.fail {
		return nil, powerflow.ErrDiverged
	}
	return f.Engine.Solve(inj, slack)
}

func TestDivergenceContainment(t *testing.T) {
	eng := &flakyEngine{Engine: newEngine(t)}
	bus := eventbus.NewTyped[*model.GridState]()
	sub := bus.Subscribe()
	c, err := New(Config{
		Engine:              eng,
		Resources:           []resource.Resource{newLoad(t, "load", 2, 0.0002)},
		Slack:               ConstantSlack(1),
		MaxDivergenceStreak: 2,
		Bus:                 bus,
	})
	require.NoError(t, err)
	<-sub

	good, err := c.Step(time.Second)
	require.NoError(t, err)
	require.False(t, good.Degraded)
	<-sub

	eng.fail = true
	for i := 1; i <= 2; i++ {
		rep, err := c.Step(time.Second)
		require.NoError(t, err)
		assert.True(t, rep.Degraded)
		assert.Equal(t, i, rep.Streak)
		assert.Equal(t, good.State.Vm, rep.State.Vm, "previous voltages are kept")
		assert.True(t, (<-sub).Degraded)
	}
	_, err = c.Step(time.Second)
	assert.ErrorIs(t, err, ErrDivergenceStreak)

	eng.fail = false
	rep, err := c.Step(time.Second)
	require.NoError(t, err)
	assert.False(t, rep.Degraded)
	assert.Zero(t, rep.Streak)
}

func TestSlackTrace(t *testing.T) {
	tr, err := trace.New([]float64{0, 10}, [][]float64{{1, 0}, {1.05, 0}}, false)
	require.NoError(t, err)
	c, err := New(Config{Engine: newEngine(t), Slack: TraceSlack{Trace: tr}})
	require.NoError(t, err)
	assert.InDelta(t, 1, c.State().Vm[0], 1e-12)
	rep, err := c.Step(10 * time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 1.05, rep.State.Vm[0], 1e-12)
}

func TestNewRejectsBadWiring(t *testing.T) {
	_, err := New(Config{Engine: newEngine(t), Slack: ConstantSlack(1), Resources: []resource.Resource{newBattery(t, "a", 9)}})
	assert.Error(t, err)
	_, err = New(Config{Engine: newEngine(t), Slack: ConstantSlack(1), Resources: []resource.Resource{newBattery(t, "a", 0)}})
	assert.Error(t, err)
	_, err = New(Config{Engine: newEngine(t), Slack: ConstantSlack(1), Resources: []resource.Resource{newBattery(t, "a", 1), newBattery(t, "a", 2)}})
	assert.Error(t, err)
	_, err = New(Config{Slack: ConstantSlack(1)})
	assert.Error(t, err)
}

func TestResourceStates(t *testing.T) {
	c, err := New(Config{Engine: newEngine(t), Slack: ConstantSlack(1), Resources: []resource.Resource{newBattery(t, "bat", 1)}})
	require.NoError(t, err)
	_, err = c.Step(time.Second)
	require.NoError(t, err)
	states := c.ResourceStates()
	require.Len(t, states, 1)
	assert.Equal(t, uint64(1), states[0].Step)
	assert.False(t, math.IsNaN(states[0].Fields["SoC"]))
}

