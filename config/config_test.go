package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `scheduler:
  period_ms: 500
  collect_window_ms: 200
  time_limit_minutes: 1.5
  expected_agents: ["ra1", "ga"]
solver:
  tolerance: 0.00001
  max_iterations: 50
mqtt:
  broker: "tcp://localhost:1883"
  client_id: "cli"
metrics:
  sinks:
    - type: "nop"
  prometheus_addr: ":9100"
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"period_ms", cfg.Scheduler.PeriodMS, 500},
		{"collect_window_ms", cfg.Scheduler.CollectWindowMS, 200},
		{"time_limit_minutes", cfg.Scheduler.TimeLimitMinutes, 1.5},
		{"expected_agents", len(cfg.Scheduler.ExpectedAgents), 2},
		{"tolerance", cfg.Solver.Tolerance, 0.00001},
		{"max_iterations", cfg.Solver.MaxIterations, 50},
		{"max_divergence_streak", cfg.Solver.MaxDivergenceStreak, 10},
		{"broker", cfg.MQTT.Broker, "tcp://localhost:1883"},
		{"state_topic", cfg.MQTT.StateTopic, "cosim/grid/state"},
		{"metrics_sink", len(cfg.Metrics.Sinks) == 1 && cfg.Metrics.Sinks[0].Type == "nop", true},
		{"prometheus_addr", cfg.Metrics.PrometheusAddr, ":9100"},
		{"logging.level", cfg.Logging.Level, "debug"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s mismatch: got %v want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.PeriodMS != 1000 || cfg.Scheduler.CollectWindowMS != 800 {
		t.Fatalf("scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("logging default: %q", cfg.Logging.Level)
	}
	if cfg.MQTT.Enabled() {
		t.Fatal("mqtt enabled without broker")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("K_SOLVER__MAX_ITERATIONS", "7")
	t.Setenv("K_BIND__HOST", "127.0.0.1")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Solver.MaxIterations != 7 {
		t.Fatalf("max_iterations: got %d", cfg.Solver.MaxIterations)
	}
	if !cfg.Bind.Local() || cfg.Bind.Addr().String() != "127.0.0.1" {
		t.Fatalf("bind: %+v", cfg.Bind)
	}
}

func TestLoadRejects(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name  string
		file  string
		data  string
		field string
	}{
		{"window longer than period", "a.yaml", "scheduler:\n  period_ms: 100\n  collect_window_ms: 200\n", "scheduler"},
		{"tolerance", "b.yaml", "solver:\n  tolerance: 2\n", "solver"},
		{"level", "c.yaml", "logging:\n  level: loud\n", "logging"},
		{"bind", "d.json", `{"bind": {"host": "not-an-ip"}}`, "bind"},
		{"format", "e.toml", "x = 1\n", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := filepath.Join(dir, c.file)
			if err := os.WriteFile(path, []byte(c.data), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			var ce *Error
			if !errors.As(err, &ce) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if ce.File != path || ce.Field != c.field {
				t.Fatalf("unexpected error location: %+v", ce)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := fieldError("grid.json", "lines[0]", "self loop on bus 1")
	if got := err.Error(); got != "config grid.json: lines[0]: self loop on bus 1" {
		t.Fatalf("message: %q", got)
	}
	if got := (&Error{Msg: "missing"}).Error(); got != "config: missing" {
		t.Fatalf("message: %q", got)
	}
}
