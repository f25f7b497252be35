// Package udp carries the datagram protocol between the simulation and the
// agents: one listening socket per resource model plus the grid endpoint, and
// a shared socket for outgoing sensor and resource state messages.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kilianp07/cosim/core/logger"
	"github.com/kilianp07/cosim/core/metrics"
	"github.com/kilianp07/cosim/core/model"
	"github.com/kilianp07/cosim/core/wire"
)

// DefaultWriteTimeout bounds every datagram write.
const DefaultWriteTimeout = 50 * time.Millisecond

// Pusher accepts decoded setpoints. scheduler.Inbox implements it.
type Pusher interface {
	Push(sp model.Setpoint) bool
}

// StateSource answers grid state queries. grid.Coordinator implements it.
type StateSource interface {
	State() *model.GridState
}

// Endpoint is one listening socket.
type Endpoint struct {
	Addr netip.AddrPort
	// Resource addresses setpoints that name neither a resource nor a bus.
	Resource string
	// Source is recorded on setpoints received here. When empty the sender
	// is looked up in ServerConfig.Sources.
	Source string
	// Grid endpoints also answer request datagrams with the grid state.
	Grid bool
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Endpoints []Endpoint
	Inbox     Pusher
	State     StateSource
	// Sources maps agent addresses to host names.
	Sources      map[netip.Addr]string
	WriteTimeout time.Duration
	Errors       metrics.TransportErrorRecorder
	Logger       logger.Logger
	Now          func() time.Time
}

// Stats counts handled datagrams.
type Stats struct {
	Setpoints uint64
	Requests  uint64
	Malformed uint64
	Dropped   uint64
}

// Server owns the listening sockets.
type Server struct {
	cfg   ServerConfig
	log   logger.Logger
	conns []*conn

	setpoints atomic.Uint64
	requests  atomic.Uint64
	malformed atomic.Uint64
	dropped   atomic.Uint64
	closeOnce sync.Once
}

type conn struct {
	ep Endpoint
	pc *net.UDPConn
}

// Listen binds every endpoint. Already bound sockets are closed when a later
// one fails.
func Listen(cfg ServerConfig) (*Server, error) {
	if cfg.Inbox == nil {
		return nil, errors.New("udp: nil inbox")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{cfg: cfg, log: logger.OrNop(cfg.Logger)}
	for _, ep := range cfg.Endpoints {
		if ep.Grid && cfg.State == nil {
			s.Close()
			return nil, fmt.Errorf("udp: grid endpoint %s without state source", ep.Addr)
		}
		pc, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(ep.Addr))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("udp: listen %s: %w", ep.Addr, err)
		}
		s.conns = append(s.conns, &conn{ep: ep, pc: pc})
		s.log.Debugf("listening on %s (resource=%q grid=%t)", pc.LocalAddr(), ep.Resource, ep.Grid)
	}
	return s, nil
}

// Addrs returns the bound addresses in endpoint order.
func (s *Server) Addrs() []netip.AddrPort {
	out := make([]netip.AddrPort, len(s.conns))
	for i, c := range s.conns {
		out[i] = c.pc.LocalAddr().(*net.UDPAddr).AddrPort()
	}
	return out
}

// Stats returns the datagram counters.
func (s *Server) Stats() Stats {
	return Stats{
		Setpoints: s.setpoints.Load(),
		Requests:  s.requests.Load(),
		Malformed: s.malformed.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// Serve runs one reader goroutine per socket until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.conns {
		c := c
		g.Go(func() error { return s.read(gctx, c) })
	}
	g.Go(func() error {
		<-gctx.Done()
		s.Close()
		return nil
	})
	return g.Wait()
}

// Close closes every socket. It is safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		for _, c := range s.conns {
			_ = c.pc.Close()
		}
	})
}

func (s *Server) read(ctx context.Context, c *conn) error {
	buf := make([]byte, wire.MaxDatagram)
	for {
		n, peer, err := c.pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warnf("read on %s: %v", c.ep.Addr, err)
			s.recordError("receive")
			continue
		}
		s.handle(c, buf[:n], peer)
	}
}

func (s *Server) handle(c *conn, data []byte, peer netip.AddrPort) {
	msg, err := wire.DecodeFor(data, c.ep.Resource)
	if err != nil {
		s.malformed.Add(1)
		s.log.Warnf("datagram from %s on %s: %v", peer, c.ep.Addr, err)
		return
	}
	switch msg.Kind {
	case wire.KindRequest:
		if !c.ep.Grid {
			s.malformed.Add(1)
			s.log.Warnf("request from %s on non grid endpoint %s", peer, c.ep.Addr)
			return
		}
		s.requests.Add(1)
		s.reply(c, peer)
	case wire.KindSetpoint:
		sp := msg.Setpoint
		sp.Received = s.cfg.Now()
		sp.Source = s.source(c.ep, peer)
		if !s.cfg.Inbox.Push(sp) {
			s.dropped.Add(1)
			s.log.Warnf("inbox full, dropped setpoint for %s from %s", sp.Key(), sp.Source)
			return
		}
		s.setpoints.Add(1)
	}
}

func (s *Server) source(ep Endpoint, peer netip.AddrPort) string {
	if ep.Source != "" {
		return ep.Source
	}
	if name, ok := s.cfg.Sources[peer.Addr().Unmap()]; ok {
		return name
	}
	return peer.String()
}

func (s *Server) reply(c *conn, peer netip.AddrPort) {
	state := s.cfg.State.State()
	if state == nil {
		s.log.Warnf("grid state requested by %s before the first solve", peer)
		return
	}
	data, err := wire.EncodeGridState(state)
	if err != nil {
		s.log.Errorf("encode grid state: %v", err)
		return
	}
	_ = c.pc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, err := c.pc.WriteToUDPAddrPort(data, peer); err != nil {
		s.log.Warnf("reply to %s: %v", peer, err)
		s.recordError("send")
	}
}

func (s *Server) recordError(op string) {
	if s.cfg.Errors == nil {
		return
	}
	if err := s.cfg.Errors.RecordTransportError(metrics.TransportErrorEvent{
		Component: "udp", Op: op, Count: 1, Time: s.cfg.Now(),
	}); err != nil {
		s.log.Debugf("record transport error: %v", err)
	}
}
