package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/cosim/core/factory"
	coremetrics "github.com/kilianp07/cosim/core/metrics"
)

func TestPromSink_RecordStep(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)

	require.NoError(t, sink.RecordStep(coremetrics.StepEvent{Step: 1, Applied: 2, Missed: 1, Solve: time.Millisecond, Iterations: 5}))
	require.NoError(t, sink.RecordStep(coremetrics.StepEvent{Step: 2, Degraded: true, Overrun: true, Rejected: 1, Streak: 1}))

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.steps))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.degraded))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.overruns))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.missed))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.setpoints.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.setpoints.WithLabelValues("rejected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(sink.iterations))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.streak))
	assert.Equal(t, 1, testutil.CollectAndCount(sink.solve))
}

func TestPromSink_TransportErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)
	require.NoError(t, sink.RecordTransportError(coremetrics.TransportErrorEvent{Component: "sensor", Op: "send", Count: 3}))
	assert.Equal(t, 3.0, testutil.ToFloat64(sink.transport.WithLabelValues("sensor", "send")))
}

func TestPromSink_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)
	b, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)
	require.NoError(t, a.RecordStep(coremetrics.StepEvent{}))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.steps))
}

func TestFactoryRegistersSinks(t *testing.T) {
	s, err := coremetrics.NewSink([]factory.ModuleConfig{{Type: "nop"}})
	require.NoError(t, err)
	assert.IsType(t, coremetrics.NopSink{}, s)

	_, err = coremetrics.NewSink([]factory.ModuleConfig{{Type: "statsd"}})
	assert.Error(t, err)
}
