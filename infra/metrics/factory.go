package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/cosim/core/factory"
	coremetrics "github.com/kilianp07/cosim/core/metrics"
)

// init registers built-in metrics sinks.
func init() {
	_ = coremetrics.RegisterSink("nop", func(map[string]any) (coremetrics.Sink, error) {
		return coremetrics.NopSink{}, nil
	})

	_ = coremetrics.RegisterSink("prometheus", func(map[string]any) (coremetrics.Sink, error) {
		// The HTTP endpoint is served from Config.PrometheusAddr.
		sink, err := NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, err
		}
		return sink, nil
	})

	_ = coremetrics.RegisterSink("influx", func(conf map[string]any) (coremetrics.Sink, error) {
		var c struct {
			URL    string `json:"url"`
			Token  string `json:"token"`
			Org    string `json:"org"`
			Bucket string `json:"bucket"`
			RunID  string `json:"run_id"`
		}
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		sink := NewInfluxSinkWithFallback(c.URL, c.Token, c.Org, c.Bucket)
		if is, ok := sink.(*InfluxSink); ok {
			is.RunID = c.RunID
		}
		return sink, nil
	})
}
