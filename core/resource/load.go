package resource

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kilianp07/cosim/core/model"
	"github.com/kilianp07/cosim/core/trace"
)

// LoadConfig holds the parameters of an uncontrolled load.
type LoadConfig struct {
	Attachment

	// TracePath points to one apparent power value in kVA per line.
	TracePath      string  `json:"trace_file_abs_path"`
	PowerFactor    float64 `json:"power_factor"`
	SamplePeriodMS float64 `json:"sample_period"`
	HoldLast       bool    `json:"hold_last"`
}

func (c LoadConfig) validate() error {
	if err := c.Attachment.validate(); err != nil {
		return err
	}
	if c.PowerFactor < 0 || c.PowerFactor > 1 {
		return fmt.Errorf("%w: %s: power_factor %v not in [0,1]", ErrInvalidConfig, c.Name, c.PowerFactor)
	}
	return nil
}

// Load replays an apparent power trace. It consumes, so P and Q are negative:
// P = −S·pf and Q = −S·√(1−pf²).
type Load struct {
	base
	cfg LoadConfig
	tr  *trace.Trace

	mu      sync.Mutex
	elapsed time.Duration
}

// NewLoad returns a load driven by tr.
func NewLoad(cfg LoadConfig, tr *trace.Trace) (*Load, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if tr == nil || tr.Len() == 0 {
		return nil, fmt.Errorf("%w: %s: empty load trace", ErrInvalidConfig, cfg.Name)
	}
	l := &Load{base: base{att: cfg.Attachment, kind: KindUCLoad}, cfg: cfg, tr: tr}
	l.sample()
	return l, nil
}

func (l *Load) Controllable() bool { return false }

func (l *Load) Advance(dt time.Duration) complex128 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if dt > 0 {
		l.elapsed += dt
	}
	l.sample()
	return complex(l.p, l.q)
}

func (l *Load) sample() {
	s := l.tr.Value(l.elapsed, 0) * 1e3
	pf := l.cfg.PowerFactor
	l.p = -s * pf
	l.q = -s * math.Sqrt(1-pf*pf)
}

func (l *Load) Power() complex128 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return complex(l.p, l.q)
}

func (l *Load) Snapshot() model.ResourceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot(nil)
}
