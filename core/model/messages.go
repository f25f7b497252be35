package model

import (
	"strconv"
	"time"
)

// NoBus marks a setpoint addressed by resource name only.
const NoBus = -1

// Setpoint is a power request sent by an agent. It targets either a resource
// by name or, when Target is empty, the controllable resource attached to Bus.
type Setpoint struct {
	Target    string
	Bus       int
	P         float64 // W, generation positive
	Q         float64 // var
	Timestamp time.Time
	// Received is stamped by the transport when the datagram arrives.
	Received time.Time
	Source   string
}

// Key identifies the slot a setpoint competes for within a collection window.
func (s Setpoint) Key() string {
	if s.Target != "" {
		return s.Target
	}
	return "bus:" + strconv.Itoa(s.Bus)
}

// GridState is the solved state of the grid for one step. Slices are indexed
// by bus (P, Q, Vm, Va) or line (LineCurrents). It is never mutated after it
// is published.
type GridState struct {
	Step         uint64        `json:"step"`
	SimTime      time.Duration `json:"sim_time_ns"`
	Timestamp    time.Time     `json:"ts"`
	P            []float64     `json:"P"`
	Q            []float64     `json:"Q"`
	Vm           []float64     `json:"Vm"`
	Va           []float64     `json:"Va"`
	LineCurrents []float64     `json:"LineCurrents"`
	Degraded     bool          `json:"degraded"`
	Iterations   int           `json:"iterations"`

	// PhaseVoltages and PhasePower hold the per-phase solution when the grid
	// is solved with the three-phase model; indexed [phase][bus].
	PhaseVoltages [][]complex128 `json:"-"`
	PhasePower    [][]complex128 `json:"-"`
	Voltages      []complex128   `json:"-"`
}

// SensedBus is one phase measurement of one bus.
type SensedBus struct {
	BusIndex   int     `json:"bus_index"`
	PhaseIndex int     `json:"phase_index"`
	P          float64 `json:"P"`
	Q          float64 `json:"Q"`
	VReal      float64 `json:"v_bus_real"`
	VImag      float64 `json:"v_bus_imag"`
}

// SensedState is what the sensor publisher pushes to its receivers.
type SensedState struct {
	Step      uint64      `json:"step"`
	Timestamp time.Time   `json:"ts"`
	Frequency float64     `json:"freq"`
	Buses     []SensedBus `json:"buses"`
	Degraded  bool        `json:"degraded"`
}

// ResourceState is sent to a resource agent after each step.
type ResourceState struct {
	Name   string             `json:"resource"`
	Kind   string             `json:"resource_type"`
	Bus    int                `json:"bus_index"`
	P      float64            `json:"P"`
	Q      float64            `json:"Q"`
	Fields map[string]float64 `json:"state,omitempty"`
	Step   uint64             `json:"step"`
}
