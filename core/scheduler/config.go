package scheduler

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultPeriodMS  = 1000
	DefaultInboxSize = 1024
	// DefaultCollectShare is the part of the period given to collection
	// when no window is set. The rest is left for solving and publishing.
	DefaultCollectShare = 0.8
)

// Config defines the timing of the simulation loop.
type Config struct {
	PeriodMS int `json:"period_ms"`
	// CollectWindowMS bounds how long setpoints are collected after the step
	// starts. Zero means DefaultCollectShare of the period.
	CollectWindowMS int `json:"collect_window_ms"`
	// TimeLimitMinutes stops the run after this much simulated time. Zero runs
	// until cancelled.
	TimeLimitMinutes float64 `json:"time_limit_minutes"`
	// ExpectedAgents lists the agents whose setpoints close the collection
	// window early once they have all reported.
	ExpectedAgents []string `json:"expected_agents"`
	InboxSize      int      `json:"inbox_size"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.PeriodMS == 0 {
		c.PeriodMS = DefaultPeriodMS
	}
	if c.CollectWindowMS == 0 {
		c.CollectWindowMS = max(1, int(float64(c.PeriodMS)*DefaultCollectShare))
	}
	if c.InboxSize == 0 {
		c.InboxSize = DefaultInboxSize
	}
}

// Validate checks the timing constraints.
func (c Config) Validate() error {
	switch {
	case c.PeriodMS <= 0:
		return errors.New("period_ms must be positive")
	case c.CollectWindowMS <= 0:
		return errors.New("collect_window_ms must be positive")
	case c.CollectWindowMS > c.PeriodMS:
		return fmt.Errorf("collect_window_ms %d exceeds period_ms %d", c.CollectWindowMS, c.PeriodMS)
	case c.TimeLimitMinutes < 0:
		return errors.New("time_limit_minutes must not be negative")
	case c.InboxSize < 0:
		return errors.New("inbox_size must not be negative")
	}
	return nil
}

func (c Config) Period() time.Duration { return time.Duration(c.PeriodMS) * time.Millisecond }

func (c Config) Window() time.Duration { return time.Duration(c.CollectWindowMS) * time.Millisecond }

func (c Config) TimeLimit() time.Duration {
	return time.Duration(c.TimeLimitMinutes * float64(time.Minute))
}
