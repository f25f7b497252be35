// Package resource models the grid resources driven by the co-simulation:
// batteries that follow setpoints from their agent, and uncontrolled PV and
// loads replayed from traces.
package resource

import (
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/cosim/core/factory"
	"github.com/kilianp07/cosim/core/model"
	"github.com/kilianp07/cosim/core/trace"
)

const (
	KindBattery = "battery"
	KindUCPV    = "ucpv"
	KindUCLoad  = "ucload"
)

var (
	ErrNotControllable = errors.New("resource is not controllable")
	ErrInvalidConfig   = errors.New("invalid resource config")
)

// Resource is a model attached to one bus. Advance moves the model forward by
// dt of simulated time and returns the complex power it now injects, in VA
// with generation positive.
type Resource interface {
	Name() string
	Kind() string
	Bus() int
	Phase() model.Phase
	// Controllable reports whether the resource accepts setpoints. Only
	// controllable resources implement Controller.
	Controllable() bool
	Advance(dt time.Duration) complex128
	Power() complex128
	Snapshot() model.ResourceState
}

// Controller is implemented by resources that follow setpoints.
type Controller interface {
	// ApplySetpoint requests a new operating point. Values outside the
	// resource limits are clamped.
	ApplySetpoint(p, q float64) error
}

// Attachment is the part of a resource entry that places it on the grid.
type Attachment struct {
	Name  string      `json:"resource_name"`
	Bus   int         `json:"bus_index"`
	Phase model.Phase `json:"phase_index"`
}

func (a Attachment) validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: empty resource_name", ErrInvalidConfig)
	}
	if a.Bus < 0 {
		return fmt.Errorf("%w: %s: negative bus_index %d", ErrInvalidConfig, a.Name, a.Bus)
	}
	if a.Phase < model.PhaseBalanced || a.Phase > model.PhaseC {
		return fmt.Errorf("%w: %s: phase_index %d not in 0..3", ErrInvalidConfig, a.Name, a.Phase)
	}
	return nil
}

type base struct {
	att  Attachment
	kind string
	p, q float64
}

func (b *base) Name() string       { return b.att.Name }
func (b *base) Kind() string       { return b.kind }
func (b *base) Bus() int           { return b.att.Bus }
func (b *base) Phase() model.Phase { return b.att.Phase }
func (b *base) Power() complex128  { return complex(b.p, b.q) }

func (b *base) snapshot(fields map[string]float64) model.ResourceState {
	return model.ResourceState{
		Name:   b.att.Name,
		Kind:   b.kind,
		Bus:    b.att.Bus,
		P:      b.p,
		Q:      b.q,
		Fields: fields,
	}
}

// TraceLoader reads the traces referenced by uncontrolled resources.
type TraceLoader interface {
	// Series loads rows of "timestamp_seconds,value[,value...]".
	Series(path string, loop bool) (*trace.Trace, error)
	// Samples loads one value per line, spaced by period.
	Samples(path string, period time.Duration, loop bool) (*trace.Trace, error)
}

// NewRegistry returns the registry of resource kinds. Parameters carry the
// attachment fields next to the kind specific ones.
func NewRegistry(traces TraceLoader) *factory.Registry[Resource] {
	reg := factory.NewRegistry[Resource]()
	reg.MustRegister(KindBattery, func(conf map[string]any) (Resource, error) {
		var c BatteryConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return NewBattery(c)
	})
	reg.MustRegister(KindUCPV, func(conf map[string]any) (Resource, error) {
		var c PVConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if c.TracePath == "" {
			return nil, fmt.Errorf("%w: %s: missing irradiance_trace_file_path", ErrInvalidConfig, c.Name)
		}
		tr, err := traces.Series(c.TracePath, !c.HoldLast)
		if err != nil {
			return nil, fmt.Errorf("%s: irradiance trace: %w", c.Name, err)
		}
		return NewPV(c, tr)
	})
	reg.MustRegister(KindUCLoad, func(conf map[string]any) (Resource, error) {
		var c LoadConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if c.TracePath == "" {
			return nil, fmt.Errorf("%w: %s: missing trace_file_abs_path", ErrInvalidConfig, c.Name)
		}
		if c.SamplePeriodMS <= 0 {
			return nil, fmt.Errorf("%w: %s: sample_period must be positive", ErrInvalidConfig, c.Name)
		}
		tr, err := traces.Samples(c.TracePath, time.Duration(c.SamplePeriodMS*float64(time.Millisecond)), !c.HoldLast)
		if err != nil {
			return nil, fmt.Errorf("%s: load trace: %w", c.Name, err)
		}
		return NewLoad(c, tr)
	})
	return reg
}
