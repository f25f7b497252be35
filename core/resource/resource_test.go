package resource

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/cosim/core/factory"
	"github.com/kilianp07/cosim/core/model"
	"github.com/kilianp07/cosim/core/trace"
)

type fakeTraces struct {
	series  map[string]*trace.Trace
	samples map[string][]float64
}

func (f fakeTraces) Series(path string, loop bool) (*trace.Trace, error) {
	tr, ok := f.series[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return tr, nil
}

func (f fakeTraces) Samples(path string, period time.Duration, loop bool) (*trace.Trace, error) {
	v, ok := f.samples[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return trace.Periodic(v, period, loop)
}

func batteryConfig() BatteryConfig {
	return BatteryConfig{
		Attachment:  Attachment{Name: "bat", Bus: 2},
		InitialSoC:  0.5,
		RatedEnergy: 1000,
		RatedPower:  2000,
		Efficiency:  1,
	}
}

func TestBatterySetpointAndSoC(t *testing.T) {
	b, err := NewBattery(batteryConfig())
	require.NoError(t, err)
	assert.True(t, b.Controllable())

	require.NoError(t, b.ApplySetpoint(1000, 200))
	assert.Equal(t, complex(1000, 200), b.Power())

	b.Advance(time.Hour / 4)
	// 1000 W for 15 min out of 1000 Wh
	assert.InDelta(t, 0.25, b.SoC(), 1e-9)

	snap := b.Snapshot()
	assert.Equal(t, "bat", snap.Name)
	assert.Equal(t, KindBattery, snap.Kind)
	assert.Equal(t, 2, snap.Bus)
	assert.InDelta(t, 0.25, snap.Fields["SoC"], 1e-9)
}

func TestBatteryClampsToRating(t *testing.T) {
	b, err := NewBattery(batteryConfig())
	require.NoError(t, err)
	require.NoError(t, b.ApplySetpoint(5000, -5000))
	assert.Equal(t, complex(2000, -2000), b.Power())
}

func TestBatterySlewRate(t *testing.T) {
	cfg := batteryConfig()
	cfg.SlewRate = 100
	b, err := NewBattery(cfg)
	require.NoError(t, err)
	require.NoError(t, b.ApplySetpoint(1000, 0))
	assert.Equal(t, 0.0, real(b.Power()))
	b.Advance(2 * time.Second)
	assert.InDelta(t, 200, real(b.Power()), 1e-9)
	for i := 0; i < 10; i++ {
		b.Advance(time.Second)
	}
	assert.InDelta(t, 1000, real(b.Power()), 1e-9)
}

func TestBatteryEfficiency(t *testing.T) {
	cfg := batteryConfig()
	cfg.Efficiency = 0.8
	b, err := NewBattery(cfg)
	require.NoError(t, err)
	require.NoError(t, b.ApplySetpoint(-400, 0))
	b.Advance(time.Hour)
	// charging stores 400·0.8 Wh
	assert.InDelta(t, 0.5+0.32, b.SoC(), 1e-9)
}

func TestBatterySoCBounds(t *testing.T) {
	b, err := NewBattery(batteryConfig())
	require.NoError(t, err)
	require.NoError(t, b.ApplySetpoint(2000, 0))
	b.Advance(time.Hour)
	assert.Equal(t, 0.0, b.SoC())
	assert.Equal(t, 0.0, real(b.Power()), "empty battery must stop discharging")

	require.NoError(t, b.ApplySetpoint(-2000, 0))
	b.Advance(time.Hour)
	b.Advance(time.Hour)
	assert.Equal(t, 1.0, b.SoC())
	assert.Equal(t, 0.0, real(b.Power()), "full battery must stop charging")
}

func TestBatteryRejectsInvalid(t *testing.T) {
	cfg := batteryConfig()
	cfg.InitialSoC = 1.5
	_, err := NewBattery(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	b, err := NewBattery(batteryConfig())
	require.NoError(t, err)
	assert.Error(t, b.ApplySetpoint(math.NaN(), 0))
}

func TestPVFollowsIrradiance(t *testing.T) {
	tr, err := trace.New([]float64{0, 10}, [][]float64{{500}, {1000}}, false)
	require.NoError(t, err)
	pv, err := NewPV(PVConfig{
		Attachment: Attachment{Name: "pv", Bus: 1},
		RatedDC:    3000, Efficiency: 0.9, STC: 1000,
	}, tr)
	require.NoError(t, err)
	assert.False(t, pv.Controllable())
	assert.InDelta(t, 1350, real(pv.Power()), 1e-9)
	s := pv.Advance(10 * time.Second)
	assert.InDelta(t, 2700, real(s), 1e-9)
	assert.Equal(t, 0.0, imag(s))
}

func TestLoadFromTrace(t *testing.T) {
	tr, err := trace.Periodic([]float64{2, 4}, time.Second, true)
	require.NoError(t, err)
	l, err := NewLoad(LoadConfig{Attachment: Attachment{Name: "load", Bus: 3}, PowerFactor: 0.8, SamplePeriodMS: 1000}, tr)
	require.NoError(t, err)
	s := l.Power()
	assert.InDelta(t, -1600, real(s), 1e-9)
	assert.InDelta(t, -1200, imag(s), 1e-9)
	s = l.Advance(time.Second)
	assert.InDelta(t, -3200, real(s), 1e-9)
	s = l.Advance(time.Second)
	assert.InDelta(t, -1600, real(s), 1e-9, "trace loops")
}

func TestRegistryBuildsKinds(t *testing.T) {
	pvTrace, _ := trace.New([]float64{0}, [][]float64{{800}}, false)
	reg := NewRegistry(fakeTraces{
		series:  map[string]*trace.Trace{"irr.csv": pvTrace},
		samples: map[string][]float64{"load.txt": {1}},
	})
	assert.Equal(t, []string{KindBattery, KindUCLoad, KindUCPV}, reg.Types())

	bat, err := reg.Create(factory.ModuleConfig{Type: KindBattery, Conf: map[string]any{
		"resource_name":       "b1",
		"bus_index":           float64(1),
		"initialSoC":          0.4,
		"ratedE":              float64(5000),
		"inverter_efficiency": 0.95,
	}})
	require.NoError(t, err)
	assert.Equal(t, "b1", bat.Name())
	assert.Equal(t, 1, bat.Bus())
	_, ok := bat.(Controller)
	assert.True(t, ok)

	pv, err := reg.Create(factory.ModuleConfig{Type: KindUCPV, Conf: map[string]any{
		"resource_name":              "pv1",
		"bus_index":                  float64(2),
		"phase_index":                float64(model.PhaseB),
		"irradiance_trace_file_path": "irr.csv",
		"rated_power_dc_side":        1000.0,
		"converter_efficiency":       1.0,
		"S_STC":                      1000.0,
	}})
	require.NoError(t, err)
	assert.Equal(t, model.PhaseB, pv.Phase())
	assert.InDelta(t, 800, real(pv.Power()), 1e-9)
	_, ok = pv.(Controller)
	assert.False(t, ok)

	_, err = reg.Create(factory.ModuleConfig{Type: KindUCLoad, Conf: map[string]any{
		"resource_name":       "l1",
		"bus_index":           float64(3),
		"trace_file_abs_path": "missing.txt",
		"power_factor":        0.9,
		"sample_period":       1000.0,
	}})
	assert.Error(t, err)
}
