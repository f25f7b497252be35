package metrics

import (
	"time"

	"github.com/kilianp07/cosim/core/model"
)

// StepEvent describes one completed scheduler step.
type StepEvent struct {
	Step    uint64
	SimTime time.Duration
	// Start is the scheduled wall-clock start of the step.
	Start time.Time
	// Elapsed is the wall-clock time from Start to the end of publishing.
	Elapsed    time.Duration
	Solve      time.Duration
	Iterations int
	Degraded   bool
	Streak     int
	// Received counts setpoints accepted in the collection window.
	Received int
	Applied  int
	Rejected int
	// Missed counts setpoints that arrived after their window closed.
	Missed  int
	Overrun bool
	State   *model.GridState
}

// Sink records step events.
type Sink interface {
	RecordStep(ev StepEvent) error
}

// TransportErrorEvent reports failed datagram sends or reads.
type TransportErrorEvent struct {
	Component string
	Op        string // "send" or "receive"
	Count     int
	Time      time.Time
}

// TransportErrorRecorder records transport failures.
type TransportErrorRecorder interface {
	RecordTransportError(ev TransportErrorEvent) error
}

// ResourceStateEvent carries the resource snapshots of one step.
type ResourceStateEvent struct {
	Step   uint64
	Time   time.Time
	States []model.ResourceState
}

// ResourceStateRecorder records resource snapshots.
type ResourceStateRecorder interface {
	RecordResourceStates(ev ResourceStateEvent) error
}

// NopSink implements Sink and every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordStep(StepEvent) error                     { return nil }
func (NopSink) RecordTransportError(TransportErrorEvent) error { return nil }
func (NopSink) RecordResourceStates(ResourceStateEvent) error  { return nil }
