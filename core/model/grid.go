package model

import (
	"math"
	"math/cmplx"
)

// Phase identifies which phase of a three-phase feeder a resource is wired to.
// PhaseBalanced spreads the power evenly over the three phases.
type Phase int

const (
	PhaseBalanced Phase = iota
	PhaseA
	PhaseB
	PhaseC
)

// GridModel selects the power-flow formulation used for a grid.
type GridModel string

const (
	SinglePhase GridModel = "single_phase"
	ThreePhase  GridModel = "three_phase"
)

// Algorithm selects the iterative method used by the power-flow engine.
type Algorithm string

const (
	FixedPoint    Algorithm = "fixed_point"
	NewtonRaphson Algorithm = "newton"
)

// Base holds the base quantities used for per-unit normalisation.
type Base struct {
	V float64 `json:"V"` // volts
	S float64 `json:"S"` // volt-amperes
}

// Y returns the base admittance in siemens.
func (b Base) Y() float64 { return b.S / (b.V * b.V) }

// I returns the base current in amperes.
func (b Base) I() float64 { return b.S / b.V }

// Line is a pi-model branch between two buses.
type Line struct {
	From int     `json:"from"`
	To   int     `json:"to"`
	R    float64 `json:"R"` // ohm
	X    float64 `json:"X"` // ohm
	B    float64 `json:"B"` // siemens, total shunt susceptance
}

// NumBuses returns the number of buses implied by the line list.
func NumBuses(lines []Line) int {
	n := 0
	for _, l := range lines {
		if l.From+1 > n {
			n = l.From + 1
		}
		if l.To+1 > n {
			n = l.To + 1
		}
	}
	return n
}

// Polar converts a phasor to magnitude and angle in degrees.
func Polar(v complex128) (mag, deg float64) {
	return cmplx.Abs(v), cmplx.Phase(v) * 180 / math.Pi
}
