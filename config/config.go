// Package config loads the runtime settings of the simulation and the five
// testbed documents (host, grid, resource, sensor and network).
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/cosim/core/metrics"
	"github.com/kilianp07/cosim/core/scheduler"
	"github.com/kilianp07/cosim/infra/monitoring"
	"github.com/kilianp07/cosim/infra/mqtt"
)

// Config holds the runtime settings. Every section has usable defaults so
// the settings file is optional.
type Config struct {
	Scheduler  scheduler.Config  `json:"scheduler"`
	Solver     SolverConfig      `json:"solver"`
	Metrics    metrics.Config    `json:"metrics"`
	MQTT       mqtt.Config       `json:"mqtt"`
	Logging    LoggingConfig     `json:"logging"`
	Bind       BindConfig        `json:"bind"`
	API        APIConfig         `json:"api"`
	Monitoring monitoring.Config `json:"monitoring"`
}

// APIConfig enables the HTTP inspection API when Addr is set.
type APIConfig struct {
	Addr string `json:"addr"`
}

// Load reads the settings file at path, applies K_ prefixed environment
// overrides (K_SOLVER__TOLERANCE sets solver.tolerance) and validates the
// result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, &Error{File: path, Msg: fmt.Sprintf("unsupported config format: %s", ext)}
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, &Error{File: path, Msg: err.Error()}
		}
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("K_", ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, &Error{File: path, Msg: err.Error()}
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			ce.File = path
			return nil, ce
		}
		return nil, &Error{File: path, Msg: err.Error()}
	}
	return &cfg, nil
}

// SetDefaults fills every section.
func (c *Config) SetDefaults() {
	c.Scheduler.SetDefaults()
	c.Solver.SetDefaults()
	c.Logging.SetDefaults()
	if c.MQTT.Enabled() {
		c.MQTT.SetDefaults()
	}
}

// Validate checks every section and names the offending one.
func (c Config) Validate() error {
	checks := []struct {
		field string
		err   error
	}{
		{"scheduler", c.Scheduler.Validate()},
		{"solver", c.Solver.Validate()},
		{"logging", c.Logging.Validate()},
		{"mqtt", c.MQTT.Validate()},
		{"bind", c.Bind.Validate()},
	}
	for _, ch := range checks {
		if ch.err != nil {
			return &Error{Field: ch.field, Msg: ch.err.Error()}
		}
	}
	return nil
}
