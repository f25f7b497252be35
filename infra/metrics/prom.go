package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/cosim/core/metrics"
)

// PromSink records scheduler steps in Prometheus metrics.
type PromSink struct {
	steps      prometheus.Counter
	degraded   prometheus.Counter
	missed     prometheus.Counter
	overruns   prometheus.Counter
	setpoints  *prometheus.CounterVec
	transport  *prometheus.CounterVec
	solve      prometheus.Histogram
	iterations prometheus.Gauge
	streak     prometheus.Gauge
}

// NewPromSink registers the simulation metrics on the default registerer.
// The HTTP endpoint is started separately with StartPromServer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cosim_steps_total",
			Help: "Completed simulation steps",
		}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cosim_degraded_steps_total",
			Help: "Steps whose power flow did not converge",
		}),
		missed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cosim_missed_deadlines_total",
			Help: "Setpoints dropped because they arrived after their window",
		}),
		overruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cosim_step_overruns_total",
			Help: "Steps that took longer than the period",
		}),
		setpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cosim_setpoints_total",
			Help: "Setpoints handled by outcome",
		}, []string{"outcome"}),
		transport: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cosim_transport_errors_total",
			Help: "Failed datagram operations",
		}, []string{"component", "op"}),
		solve: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cosim_solve_seconds",
			Help:    "Power flow solve duration",
			Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
		iterations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cosim_solver_iterations",
			Help: "Iterations of the last power flow solve",
		}),
		streak: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cosim_divergence_streak",
			Help: "Consecutive degraded steps",
		}),
	}
	var err error
	if s.steps, err = register(reg, s.steps); err != nil {
		return nil, err
	}
	if s.degraded, err = register(reg, s.degraded); err != nil {
		return nil, err
	}
	if s.missed, err = register(reg, s.missed); err != nil {
		return nil, err
	}
	if s.overruns, err = register(reg, s.overruns); err != nil {
		return nil, err
	}
	if s.setpoints, err = register(reg, s.setpoints); err != nil {
		return nil, err
	}
	if s.transport, err = register(reg, s.transport); err != nil {
		return nil, err
	}
	if s.solve, err = register(reg, s.solve); err != nil {
		return nil, err
	}
	if s.iterations, err = register(reg, s.iterations); err != nil {
		return nil, err
	}
	if s.streak, err = register(reg, s.streak); err != nil {
		return nil, err
	}
	return s, nil
}

// register returns the already registered collector when c was registered
// before, so several sinks can share a registerer.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordStep updates the counters with one step.
func (s *PromSink) RecordStep(ev coremetrics.StepEvent) error {
	s.steps.Inc()
	if ev.Degraded {
		s.degraded.Inc()
	}
	if ev.Overrun {
		s.overruns.Inc()
	}
	s.missed.Add(float64(ev.Missed))
	s.setpoints.WithLabelValues("applied").Add(float64(ev.Applied))
	s.setpoints.WithLabelValues("rejected").Add(float64(ev.Rejected))
	s.setpoints.WithLabelValues("missed").Add(float64(ev.Missed))
	s.solve.Observe(ev.Solve.Seconds())
	s.iterations.Set(float64(ev.Iterations))
	s.streak.Set(float64(ev.Streak))
	return nil
}

// RecordTransportError counts failed sends and reads.
func (s *PromSink) RecordTransportError(ev coremetrics.TransportErrorEvent) error {
	s.transport.WithLabelValues(ev.Component, ev.Op).Add(float64(ev.Count))
	return nil
}
