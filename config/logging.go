package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// LoggingConfig defines the global log level.
type LoggingConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `json:"level"`
}

// SetDefaults applies sane defaults.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

// Validate checks mandatory fields.
func (c LoggingConfig) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err != nil {
		return fmt.Errorf("unknown level %s", c.Level)
	}
	return nil
}

// Apply sets the global zerolog level.
func (c LoggingConfig) Apply() {
	if lvl, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
}
