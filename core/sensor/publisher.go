// Package sensor publishes the measured state of selected buses to the grid
// agents at a fixed simulated-time period.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"net/netip"
	"sort"
	"time"

	"github.com/kilianp07/cosim/core/logger"
	"github.com/kilianp07/cosim/core/model"
	"github.com/kilianp07/cosim/core/trace"
	"github.com/kilianp07/cosim/core/wire"
)

// DefaultFrequency is the line frequency used when none is configured.
const DefaultFrequency = 50.0

// Phase indices of the sensed entries, named after the phase shift of the
// phase relative to the reference: 1 is 0°, 2 is +120° and 3 is −120°.
const (
	PhaseRef   = 1
	PhasePlus  = 2
	PhaseMinus = 3
)

// Sender delivers one datagram. Implementations must not block beyond their
// own write deadline.
type Sender interface {
	Send(ctx context.Context, to netip.AddrPort, payload []byte) error
}

// Config configures a Publisher.
type Config struct {
	Buses     []int
	Period    time.Duration
	Receivers []netip.AddrPort
	// Frequency is read at the simulated time of each publication. Nil uses
	// DefaultFrequency.
	Frequency *trace.Trace
	Sender    Sender
	Logger    logger.Logger
}

// Result reports one publication.
type Result struct {
	Published bool
	Sent      int
	Failed    int
}

// Publisher is called once per step by the scheduler.
type Publisher struct {
	cfg   Config
	log   logger.Logger
	buses map[int]bool
	next  time.Duration
}

// The three-phase solution holds phases A, B and C at 0°, −120° and +120°.
var solvedPhases = []struct{ index, solved int }{
	{PhaseRef, 0}, {PhasePlus, 2}, {PhaseMinus, 1},
}

var balancedPhases = []struct {
	index int
	shift float64
}{
	{PhaseRef, 0}, {PhasePlus, 120}, {PhaseMinus, -120},
}

// New validates cfg and returns a Publisher whose first publication happens
// at simulated time zero.
func New(cfg Config) (*Publisher, error) {
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("sensor: period must be positive, got %s", cfg.Period)
	}
	if cfg.Sender == nil && len(cfg.Receivers) > 0 {
		return nil, errors.New("sensor: receivers configured without a sender")
	}
	if cfg.Frequency == nil {
		cfg.Frequency = trace.Constant(DefaultFrequency)
	}
	p := &Publisher{cfg: cfg, log: logger.OrNop(cfg.Logger), buses: make(map[int]bool, len(cfg.Buses))}
	for _, b := range cfg.Buses {
		if b < 0 {
			return nil, fmt.Errorf("sensor: negative bus index %d", b)
		}
		p.buses[b] = true
	}
	return p, nil
}

// Build turns a grid snapshot into the sensed state message. With a
// single-phase solution each bus is reported as three balanced phases.
func (p *Publisher) Build(s *model.GridState) model.SensedState {
	out := model.SensedState{
		Step:      s.Step,
		Timestamp: s.Timestamp,
		Frequency: p.cfg.Frequency.Value(s.SimTime, 0),
		Degraded:  s.Degraded,
	}
	idx := make([]int, 0, len(p.buses))
	for b := range p.buses {
		if b < len(s.Vm) {
			idx = append(idx, b)
		}
	}
	sort.Ints(idx)
	threePhase := len(s.PhaseVoltages) == 3
	for _, b := range idx {
		if threePhase {
			for _, ph := range solvedPhases {
				v := s.PhaseVoltages[ph.solved][b]
				sp := s.PhasePower[ph.solved][b]
				out.Buses = append(out.Buses, entry(b, ph.index, sp, v))
			}
			continue
		}
		sp := complex(s.P[b]/3, s.Q[b]/3)
		for _, ph := range balancedPhases {
			v := cmplx.Rect(s.Vm[b]/math.Sqrt(3), (s.Va[b]+ph.shift)*math.Pi/180)
			out.Buses = append(out.Buses, entry(b, ph.index, sp, v))
		}
	}
	return out
}

func entry(bus, phase int, s, v complex128) model.SensedBus {
	return model.SensedBus{
		BusIndex:   bus,
		PhaseIndex: phase,
		P:          real(s),
		Q:          imag(s),
		VReal:      real(v),
		VImag:      imag(v),
	}
}

// Tick publishes the snapshot when the sensing period has elapsed in
// simulated time. Failed sends are logged and counted, never retried.
func (p *Publisher) Tick(ctx context.Context, s *model.GridState) Result {
	if s == nil || s.SimTime < p.next {
		return Result{}
	}
	for p.next <= s.SimTime {
		p.next += p.cfg.Period
	}
	msg := p.Build(s)
	data, err := wire.EncodeSensedState(msg)
	if err != nil {
		p.log.Errorf("encode sensed state: %v", err)
		return Result{Published: true, Failed: len(p.cfg.Receivers)}
	}
	res := Result{Published: true}
	for _, to := range p.cfg.Receivers {
		if err := p.cfg.Sender.Send(ctx, to, data); err != nil {
			res.Failed++
			p.log.Warnf("send sensed state to %s: %v", to, err)
			continue
		}
		res.Sent++
	}
	return res
}
