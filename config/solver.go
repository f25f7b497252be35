package config

import (
	"errors"

	"github.com/kilianp07/cosim/core/grid"
	"github.com/kilianp07/cosim/core/powerflow"
)

// SolverConfig holds the numerical limits of the power flow.
type SolverConfig struct {
	Tolerance           float64 `json:"tolerance"`
	MaxIterations       int     `json:"max_iterations"`
	MaxDivergenceStreak int     `json:"max_divergence_streak"`
}

func (c *SolverConfig) SetDefaults() {
	if c.Tolerance == 0 {
		c.Tolerance = powerflow.DefaultTolerance
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = powerflow.DefaultMaxIterations
	}
	if c.MaxDivergenceStreak == 0 {
		c.MaxDivergenceStreak = grid.DefaultMaxDivergenceStreak
	}
}

func (c SolverConfig) Validate() error {
	if c.Tolerance <= 0 || c.Tolerance >= 1 {
		return errors.New("tolerance must be in (0, 1)")
	}
	if c.MaxIterations < 1 {
		return errors.New("max_iterations must be at least 1")
	}
	if c.MaxDivergenceStreak < 0 {
		return errors.New("max_divergence_streak must not be negative")
	}
	return nil
}
