package resource

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kilianp07/cosim/core/model"
	"github.com/kilianp07/cosim/core/trace"
)

// PVConfig holds the parameters of an uncontrolled PV plant.
type PVConfig struct {
	Attachment

	TracePath  string  `json:"irradiance_trace_file_path"`
	RatedDC    float64 `json:"rated_power_dc_side"`  // W at S_STC
	Efficiency float64 `json:"converter_efficiency"` // (0,1]
	STC        float64 `json:"S_STC"`                // W/m², irradiance at standard test conditions
	// HoldLast keeps the last sample once the trace ends instead of
	// replaying it from the start.
	HoldLast bool `json:"hold_last"`
}

func (c PVConfig) validate() error {
	if err := c.Attachment.validate(); err != nil {
		return err
	}
	switch {
	case c.RatedDC <= 0:
		return fmt.Errorf("%w: %s: rated_power_dc_side must be positive", ErrInvalidConfig, c.Name)
	case c.Efficiency <= 0 || c.Efficiency > 1:
		return fmt.Errorf("%w: %s: converter_efficiency %v not in (0,1]", ErrInvalidConfig, c.Name, c.Efficiency)
	case c.STC <= 0:
		return fmt.Errorf("%w: %s: S_STC must be positive", ErrInvalidConfig, c.Name)
	}
	return nil
}

// PV replays an irradiance trace. P = G·rated/S_STC·η and Q = 0.
type PV struct {
	base
	cfg PVConfig
	tr  *trace.Trace

	mu         sync.Mutex
	elapsed    time.Duration
	irradiance float64
}

// NewPV returns a PV plant driven by tr.
func NewPV(cfg PVConfig, tr *trace.Trace) (*PV, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if tr == nil || tr.Len() == 0 {
		return nil, fmt.Errorf("%w: %s: empty irradiance trace", ErrInvalidConfig, cfg.Name)
	}
	pv := &PV{base: base{att: cfg.Attachment, kind: KindUCPV}, cfg: cfg, tr: tr}
	pv.sample()
	return pv, nil
}

func (pv *PV) Controllable() bool { return false }

func (pv *PV) Advance(dt time.Duration) complex128 {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	if dt > 0 {
		pv.elapsed += dt
	}
	pv.sample()
	return complex(pv.p, pv.q)
}

func (pv *PV) sample() {
	pv.irradiance = math.Max(0, pv.tr.Value(pv.elapsed, 0))
	pv.p = pv.irradiance * pv.cfg.RatedDC / pv.cfg.STC * pv.cfg.Efficiency
	pv.q = 0
}

func (pv *PV) Power() complex128 {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return complex(pv.p, pv.q)
}

func (pv *PV) Snapshot() model.ResourceState {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return pv.snapshot(map[string]float64{"irradiance": pv.irradiance})
}
