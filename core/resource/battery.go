package resource

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kilianp07/cosim/core/model"
)

// BatteryConfig holds the parameters of a battery entry.
type BatteryConfig struct {
	Attachment

	InitialSoC float64 `json:"initialSoC"`
	InitialP   float64 `json:"initialP"` // W, discharge positive
	InitialQ   float64 `json:"initialQ"`
	// RatedEnergy is the usable capacity in Wh.
	RatedEnergy float64 `json:"ratedE"`
	// RatedPower bounds |P| and |Q| in W and var. Zero disables the clamp.
	RatedPower float64 `json:"rated_power"`
	// Efficiency of the inverter, in (0,1].
	Efficiency float64 `json:"inverter_efficiency"`
	// SlewRate limits how fast P follows its setpoint, in W/s. Zero means
	// setpoints are applied at once.
	SlewRate float64 `json:"inverterPowerSlewRate"`
}

func (c BatteryConfig) validate() error {
	if err := c.Attachment.validate(); err != nil {
		return err
	}
	switch {
	case c.InitialSoC < 0 || c.InitialSoC > 1:
		return fmt.Errorf("%w: %s: initialSoC %v not in [0,1]", ErrInvalidConfig, c.Name, c.InitialSoC)
	case c.RatedEnergy <= 0:
		return fmt.Errorf("%w: %s: ratedE must be positive", ErrInvalidConfig, c.Name)
	case c.Efficiency <= 0 || c.Efficiency > 1:
		return fmt.Errorf("%w: %s: inverter_efficiency %v not in (0,1]", ErrInvalidConfig, c.Name, c.Efficiency)
	case c.SlewRate < 0 || c.RatedPower < 0:
		return fmt.Errorf("%w: %s: negative limit", ErrInvalidConfig, c.Name)
	}
	return nil
}

// Battery is a controllable storage unit. P is positive when discharging.
type Battery struct {
	base
	cfg BatteryConfig

	mu      sync.Mutex
	soc     float64
	targetP float64
	targetQ float64
}

// NewBattery validates cfg and returns a battery at its initial state.
func NewBattery(cfg BatteryConfig) (*Battery, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &Battery{base: base{att: cfg.Attachment, kind: KindBattery}, cfg: cfg, soc: cfg.InitialSoC}
	b.p, b.q = b.clamp(cfg.InitialP, cfg.InitialQ)
	b.targetP, b.targetQ = b.p, b.q
	return b, nil
}

func (b *Battery) Controllable() bool { return true }

// ApplySetpoint sets the operating point the battery moves to. Q is applied
// immediately; P follows within the slew rate.
func (b *Battery) ApplySetpoint(p, q float64) error {
	if math.IsNaN(p) || math.IsNaN(q) || math.IsInf(p, 0) || math.IsInf(q, 0) {
		return fmt.Errorf("battery %s: invalid setpoint (%v, %v)", b.Name(), p, q)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targetP, b.targetQ = b.clamp(p, q)
	b.q = b.targetQ
	if b.cfg.SlewRate == 0 {
		b.p = b.limitBySoC(b.targetP)
	}
	return nil
}

// Advance integrates the state of charge over dt at the present power, then
// ramps P towards its target.
func (b *Battery) Advance(dt time.Duration) complex128 {
	b.mu.Lock()
	defer b.mu.Unlock()
	hours := dt.Hours()
	if hours > 0 && b.p != 0 {
		// DC side power: discharging draws more, charging stores less.
		pdc := b.p / b.cfg.Efficiency
		if b.p < 0 {
			pdc = b.p * b.cfg.Efficiency
		}
		b.soc -= pdc * hours / b.cfg.RatedEnergy
		if b.soc < 0 {
			b.soc = 0
		}
		if b.soc > 1 {
			b.soc = 1
		}
	}
	next := b.targetP
	if b.cfg.SlewRate > 0 {
		step := b.cfg.SlewRate * dt.Seconds()
		next = b.p + math.Max(-step, math.Min(step, b.targetP-b.p))
	}
	b.p = b.limitBySoC(next)
	return complex(b.p, b.q)
}

// limitBySoC stops discharging an empty battery and charging a full one.
func (b *Battery) limitBySoC(p float64) float64 {
	if (p > 0 && b.soc <= 0) || (p < 0 && b.soc >= 1) {
		return 0
	}
	return p
}

func (b *Battery) clamp(p, q float64) (float64, float64) {
	if r := b.cfg.RatedPower; r > 0 {
		p = math.Max(-r, math.Min(r, p))
		q = math.Max(-r, math.Min(r, q))
	}
	return p, q
}

// SoC returns the state of charge in [0,1].
func (b *Battery) SoC() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.soc
}

func (b *Battery) Power() complex128 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return complex(b.p, b.q)
}

func (b *Battery) Snapshot() model.ResourceState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot(map[string]float64{
		"SoC":      b.soc,
		"target_P": b.targetP,
		"target_Q": b.targetQ,
	})
}
