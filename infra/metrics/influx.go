package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/cosim/core/metrics"
	"github.com/kilianp07/cosim/infra/logger"
)

// InfluxSink writes per-step grid time series to an InfluxDB instance.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
	// RunID tags every point when set.
	RunID string
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.Sink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

func (s *InfluxSink) point(measurement string, ts time.Time) *write.Point {
	p := write.NewPointWithMeasurement(measurement)
	if s.RunID != "" {
		p = p.AddTag("run_id", s.RunID)
	}
	return p.SetTime(ts)
}

// RecordStep writes one step summary plus a point per bus and per line.
func (s *InfluxSink) RecordStep(ev coremetrics.StepEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ts := ev.Start
	if ev.State != nil && !ev.State.Timestamp.IsZero() {
		ts = ev.State.Timestamp
	}
	points := []*write.Point{
		s.point("step", ts).
			AddField("step", int64(ev.Step)).
			AddField("sim_time_s", round3(ev.SimTime.Seconds())).
			AddField("elapsed_ms", round3(float64(ev.Elapsed)/float64(time.Millisecond))).
			AddField("solve_ms", round3(float64(ev.Solve)/float64(time.Millisecond))).
			AddField("iterations", ev.Iterations).
			AddField("degraded", ev.Degraded).
			AddField("applied", ev.Applied).
			AddField("rejected", ev.Rejected).
			AddField("missed", ev.Missed).
			AddField("overrun", ev.Overrun),
	}
	if st := ev.State; st != nil {
		for i := range st.Vm {
			points = append(points, s.point("bus", ts).
				AddTag("bus", strconv.Itoa(i)).
				AddField("P", round3(st.P[i])).
				AddField("Q", round3(st.Q[i])).
				AddField("Vm", round3(st.Vm[i])).
				AddField("Va", round3(st.Va[i])))
		}
		for k, c := range st.LineCurrents {
			points = append(points, s.point("line", ts).
				AddTag("line", strconv.Itoa(k)).
				AddField("current", round3(c)))
		}
	}
	return s.writeAPI.WritePoint(ctx, points...)
}

// RecordResourceStates writes the snapshot of every resource.
func (s *InfluxSink) RecordResourceStates(ev coremetrics.ResourceStateEvent) error {
	if len(ev.States) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	points := make([]*write.Point, 0, len(ev.States))
	for _, r := range ev.States {
		p := s.point("resource_state", ev.Time).
			AddTag("resource", r.Name).
			AddTag("resource_type", r.Kind).
			AddTag("bus", strconv.Itoa(r.Bus)).
			AddField("P", round3(r.P)).
			AddField("Q", round3(r.Q))
		for k, v := range r.Fields {
			p = p.AddField(k, round3(v))
		}
		points = append(points, p)
	}
	return s.writeAPI.WritePoint(ctx, points...)
}

// RecordTransportError persists a failed send or read.
func (s *InfluxSink) RecordTransportError(ev coremetrics.TransportErrorEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := s.point("transport_error", ev.Time).
		AddTag("component", ev.Component).
		AddTag("op", ev.Op).
		AddField("count", ev.Count)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the underlying client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
