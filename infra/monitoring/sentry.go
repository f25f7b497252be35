// Package monitoring reports run errors to Sentry.
package monitoring

import (
	"time"

	"github.com/getsentry/sentry-go"

	coremon "github.com/kilianp07/cosim/core/monitoring"
)

// Config holds the Sentry client settings. Reporting is off without a DSN.
type Config struct {
	DSN              string  `json:"dsn" yaml:"dsn"`
	Environment      string  `json:"environment" yaml:"environment"`
	Release          string  `json:"release" yaml:"release"`
	TracesSampleRate float64 `json:"traces_sample_rate" yaml:"traces_sample_rate"`
}

// NewSentryMonitor initializes Sentry and returns a Monitor. An empty DSN
// yields a NopMonitor.
func NewSentryMonitor(cfg Config) (coremon.Monitor, error) {
	if cfg.DSN == "" {
		return coremon.NopMonitor{}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		TracesSampleRate: cfg.TracesSampleRate,
		Release:          cfg.Release,
	})
	if err != nil {
		return nil, err
	}
	return &sentryMonitor{}, nil
}

type sentryMonitor struct{}

func (s *sentryMonitor) CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}

func (s *sentryMonitor) Recover() {
	if r := recover(); r != nil {
		sentry.CurrentHub().Recover(r)
		sentry.Flush(2 * time.Second)
		panic(r)
	}
}

func (s *sentryMonitor) Flush(timeout time.Duration) { sentry.Flush(timeout) }
