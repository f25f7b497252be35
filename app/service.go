// Package app wires the simulation components into a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kilianp07/cosim/api"
	"github.com/kilianp07/cosim/config"
	"github.com/kilianp07/cosim/core/factory"
	"github.com/kilianp07/cosim/core/grid"
	coremetrics "github.com/kilianp07/cosim/core/metrics"
	"github.com/kilianp07/cosim/core/model"
	coremon "github.com/kilianp07/cosim/core/monitoring"
	"github.com/kilianp07/cosim/core/powerflow"
	"github.com/kilianp07/cosim/core/resource"
	"github.com/kilianp07/cosim/core/scheduler"
	"github.com/kilianp07/cosim/core/sensor"
	"github.com/kilianp07/cosim/core/topology"
	coretrace "github.com/kilianp07/cosim/core/trace"
	"github.com/kilianp07/cosim/infra/logger"
	"github.com/kilianp07/cosim/infra/metrics"
	"github.com/kilianp07/cosim/infra/monitoring"
	"github.com/kilianp07/cosim/infra/mqtt"
	"github.com/kilianp07/cosim/infra/trace"
	"github.com/kilianp07/cosim/infra/udp"
	"github.com/kilianp07/cosim/internal/eventbus"
)

// MappingFile is the name of the host to address mapping written to the
// output directory.
const MappingFile = "mapping_host_ip.json"

// Options are the command line settings that are not part of the settings
// file.
type Options struct {
	OutputDir string
}

// ResourceKinds lists the resource_type values the service can build.
func ResourceKinds() []string {
	return resource.NewRegistry(trace.FileLoader{}).Types()
}

// Service owns every component of one simulation run.
type Service struct {
	RunID string

	log      logger.Logger
	bus      *eventbus.TypedBus[*model.GridState]
	coord    *grid.Coordinator
	inbox    *scheduler.Inbox
	sender   *udp.Sender
	server   *udp.Server
	sched    *scheduler.Scheduler
	sink     coremetrics.Sink
	mirror   *mqtt.Mirror
	promAddr string
	apiAddr  string
	plan     *topology.Plan
	mon      coremon.Monitor
}

// New builds the service. Sockets are bound here so that address problems
// are reported before the run starts.
func New(cfg *config.Config, tb *config.Testbed, opts Options) (*Service, error) {
	cfg.Logging.Apply()
	s := &Service{
		RunID:    uuid.NewString(),
		log:      logger.New("service"),
		bus:      eventbus.NewTyped[*model.GridState](),
		promAddr: cfg.Metrics.PrometheusAddr,
		apiAddr:  cfg.API.Addr,
		plan:     tb.Plan,
	}
	mon, err := monitoring.NewSentryMonitor(cfg.Monitoring)
	if err != nil {
		return nil, fmt.Errorf("monitoring: %w", err)
	}
	s.mon = mon
	s.log.Infof("run %s: %d hosts, %d resources", s.RunID, len(tb.Plan.Hosts), len(tb.Resources))

	if err := s.buildGrid(cfg, tb); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.buildTransport(cfg, tb); err != nil {
		s.Close()
		return nil, err
	}
	if err := writeMapping(opts.OutputDir, tb.Plan); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// writeMapping runs last so that a rejected run leaves no output behind.
func writeMapping(dir string, plan *topology.Plan) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("output dir: %w", err)
	}
	if err := plan.WriteMapping(filepath.Join(dir, MappingFile)); err != nil {
		return fmt.Errorf("write mapping: %w", err)
	}
	return nil
}

func (s *Service) buildGrid(cfg *config.Config, tb *config.Testbed) error {
	traces := trace.FileLoader{}
	reg := resource.NewRegistry(traces)
	resources := make([]resource.Resource, 0, len(tb.Resources))
	for i, mc := range tb.Resources {
		r, err := reg.Create(mc)
		if err != nil {
			return tb.ResourceError(i, err)
		}
		resources = append(resources, r)
	}

	engine, err := powerflow.New(powerflow.Config{
		Lines:         tb.Grid.Lines,
		Base:          tb.Grid.Base,
		SlackBus:      tb.Grid.SlackBus,
		Model:         tb.Grid.Model,
		Algorithm:     tb.Grid.Algorithm,
		Tolerance:     cfg.Solver.Tolerance,
		MaxIterations: cfg.Solver.MaxIterations,
	})
	if err != nil {
		return tb.GridError("lines", err)
	}

	var slack grid.SlackSource = grid.ConstantSlack(complex(tb.Grid.SlackVoltage.Real, tb.Grid.SlackVoltage.Imag))
	if tb.Grid.SlackVoltage.UseTrace {
		tr, err := traces.Series(tb.Grid.SlackVoltage.TracePath, true)
		if err != nil {
			return tb.GridError("slack_voltage.trace_file_path", err)
		}
		slack = grid.TraceSlack{Trace: tr}
	}

	coord, err := grid.New(grid.Config{
		Engine:              engine,
		Resources:           resources,
		Slack:               slack,
		SlackBus:            tb.Grid.SlackBus,
		MaxDivergenceStreak: cfg.Solver.MaxDivergenceStreak,
		Bus:                 s.bus,
		Logger:              logger.New("grid"),
	})
	if err != nil {
		// Includes a failed initial solve of the declared grid.
		return tb.GridError("lines", err)
	}
	s.coord = coord
	return nil
}

// tagRun adds the run id to influx sinks that do not set one.
func tagRun(sinks []factory.ModuleConfig, runID string) []factory.ModuleConfig {
	out := make([]factory.ModuleConfig, len(sinks))
	for i, sc := range sinks {
		out[i] = sc
		if sc.Type != "influx" {
			continue
		}
		if _, ok := sc.Conf["run_id"]; ok {
			continue
		}
		conf := make(map[string]any, len(sc.Conf)+1)
		for k, v := range sc.Conf {
			conf[k] = v
		}
		conf["run_id"] = runID
		out[i].Conf = conf
	}
	return out
}

func (s *Service) buildTransport(cfg *config.Config, tb *config.Testbed) error {
	var err error
	s.sink, err = coremetrics.NewSink(tagRun(cfg.Metrics.Sinks, s.RunID))
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	s.sender, err = udp.NewSender(udp.DefaultWriteTimeout)
	if err != nil {
		return err
	}

	addrs := addressing{bind: cfg.Bind}
	receivers := make([]netip.AddrPort, 0, len(tb.Sensor.Receivers))
	for _, r := range tb.Sensor.Receivers {
		h, _ := tb.Plan.Lookup(r.Host)
		receivers = append(receivers, addrs.receiver(h, r.Port))
	}
	var freq *coretrace.Trace
	switch lf := tb.Sensor.LineFrequency; {
	case lf.UseTrace:
		freq, err = trace.FileLoader{}.Series(lf.TracePath, true)
		if err != nil {
			return &config.Error{File: tb.Files.Sensor, Field: "line_frequency.trace_file_path", Msg: err.Error()}
		}
	case lf.Value > 0:
		freq = coretrace.Constant(lf.Value)
	}
	pub, err := sensor.New(sensor.Config{
		Buses:     tb.Sensor.Buses,
		Period:    time.Duration(tb.Sensor.PeriodMS * float64(time.Millisecond)),
		Receivers: receivers,
		Frequency: freq,
		Sender:    s.sender,
		Logger:    logger.New("sensor"),
	})
	if err != nil {
		return err
	}

	var endpoints []udp.Endpoint
	agents := map[string]netip.AddrPort{}
	for _, h := range tb.Plan.ResourceAgents() {
		modelAddr, err := addrs.model(h)
		if err != nil {
			return err
		}
		agent, err := addrs.agent(h)
		if err != nil {
			return err
		}
		endpoints = append(endpoints, udp.Endpoint{Addr: modelAddr, Resource: h.Resource, Source: h.Name})
		agents[h.Resource] = agent
	}
	gridAddr, err := addrs.model(tb.Plan.Grid())
	if err != nil {
		return err
	}
	endpoints = append(endpoints, udp.Endpoint{Addr: gridAddr, Grid: true})

	errs, _ := s.sink.(coremetrics.TransportErrorRecorder)
	s.inbox = scheduler.NewInbox(cfg.Scheduler.InboxSize)
	s.server, err = udp.Listen(udp.ServerConfig{
		Endpoints: endpoints,
		Inbox:     s.inbox,
		State:     s.coord,
		Sources:   addrs.sources(tb.Plan.Hosts),
		Errors:    errs,
		Logger:    logger.New("udp"),
	})
	if err != nil {
		return err
	}

	s.sched, err = scheduler.New(cfg.Scheduler, scheduler.Deps{
		Coordinator: s.coord,
		Inbox:       s.inbox,
		Publisher:   pub,
		Notifier:    udp.NewNotifier(s.sender, agents, logger.New("notifier")),
		Sink:        s.sink,
		Logger:      logger.New("scheduler"),
	})
	if err != nil {
		return err
	}

	if cfg.MQTT.Enabled() {
		s.mirror, err = mqtt.NewMirror(cfg.MQTT, s.inbox.Push)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	return nil
}

// Run blocks until the time limit is reached, ctx is cancelled or a fatal
// error occurs.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.server.Serve(gctx) })
	if s.mirror != nil {
		g.Go(func() error {
			s.mirror.Run(gctx, s.bus)
			return nil
		})
	}
	if s.promAddr != "" {
		g.Go(func() error { return metrics.StartPromServer(gctx, s.promAddr) })
	}
	if s.apiAddr != "" {
		g.Go(func() error { return api.Serve(gctx, s.apiAddr, api.NewMux(s.coord, s.plan)) })
	}
	g.Go(func() error {
		defer cancel()
		defer s.mon.Recover()
		return s.sched.Run(gctx)
	})
	err := g.Wait()
	if err != nil {
		s.mon.CaptureException(err, map[string]string{"run_id": s.RunID})
	}
	st := s.server.Stats()
	s.log.Infof("run %s finished after %d steps: %d setpoints, %d requests, %d malformed, %d dropped",
		s.RunID, s.sched.Steps(), st.Setpoints, st.Requests, st.Malformed, st.Dropped)
	return err
}

// Close releases sockets and connections. It is safe to call on a partially
// built service.
func (s *Service) Close() error {
	var errs []error
	if s.server != nil {
		s.server.Close()
	}
	if s.sender != nil {
		errs = append(errs, s.sender.Close())
	}
	if s.mirror != nil {
		s.mirror.Disconnect()
	}
	if c, ok := s.sink.(interface{ Close() }); ok {
		c.Close()
	}
	s.bus.Close()
	if s.mon != nil {
		s.mon.Flush(2 * time.Second)
	}
	return errors.Join(errs...)
}

// addressing maps hosts to socket addresses. With a bind host every socket
// shares that address and ports are offset by the host index.
type addressing struct {
	bind config.BindConfig
}

func (a addressing) offset(h model.Host, port uint16) (netip.AddrPort, error) {
	p := int(port) + h.Index
	if p > math.MaxUint16 {
		return netip.AddrPort{}, &config.Error{Field: "bind.host", Msg: fmt.Sprintf("port %d of host %s is out of range", p, h.Name)}
	}
	return netip.AddrPortFrom(a.bind.Addr(), uint16(p)), nil
}

func (a addressing) model(h model.Host) (netip.AddrPort, error) {
	if !a.bind.Local() {
		return h.ModelAddr(), nil
	}
	return a.offset(h, h.ModelPort)
}

func (a addressing) agent(h model.Host) (netip.AddrPort, error) {
	if !a.bind.Local() {
		return h.AgentAddr(), nil
	}
	return a.offset(h, h.AgentPort)
}

// receiver keeps the declared port so that receivers choose their own.
func (a addressing) receiver(h model.Host, port uint16) netip.AddrPort {
	if a.bind.Local() {
		return netip.AddrPortFrom(a.bind.Addr(), port)
	}
	return netip.AddrPortFrom(h.IP, port)
}

// sources is only meaningful when hosts have distinct addresses.
func (a addressing) sources(hosts []model.Host) map[netip.Addr]string {
	if a.bind.Local() {
		return nil
	}
	out := make(map[netip.Addr]string, 2*len(hosts))
	for _, h := range hosts {
		out[h.IP] = h.Name
		if h.LANIP.IsValid() {
			out[h.LANIP] = h.Name
		}
	}
	return out
}
