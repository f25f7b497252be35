package udp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/kilianp07/cosim/core/logger"
	"github.com/kilianp07/cosim/core/model"
	"github.com/kilianp07/cosim/core/sensor"
	"github.com/kilianp07/cosim/core/wire"
)

// Sender writes datagrams from one unbound socket. It is safe for concurrent
// use and never blocks longer than its write timeout.
type Sender struct {
	pc      *net.UDPConn
	timeout time.Duration
}

// NewSender opens the outgoing socket on an ephemeral port.
func NewSender(timeout time.Duration) (*Sender, error) {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	pc, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("udp: open sender: %w", err)
	}
	return &Sender{pc: pc, timeout: timeout}, nil
}

// Send writes one datagram to the given address.
func (s *Sender) Send(ctx context.Context, to netip.AddrPort, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.pc.SetWriteDeadline(deadline)
	_, err := s.pc.WriteToUDPAddrPort(data, to)
	return err
}

// LocalAddr returns the address datagrams are sent from.
func (s *Sender) LocalAddr() netip.AddrPort {
	return s.pc.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close closes the socket.
func (s *Sender) Close() error { return s.pc.Close() }

// Notifier sends every resource its state after a step, addressed to the
// agent attached to it.
type Notifier struct {
	sender sensor.Sender
	agents map[string]netip.AddrPort
	log    logger.Logger
}

// NewNotifier maps resource names to their agent addresses. Resources without
// an agent are skipped.
func NewNotifier(sender sensor.Sender, agents map[string]netip.AddrPort, log logger.Logger) *Notifier {
	return &Notifier{sender: sender, agents: agents, log: logger.OrNop(log)}
}

// NotifyResources implements scheduler.Notifier.
func (n *Notifier) NotifyResources(ctx context.Context, states []model.ResourceState) (sent, failed int) {
	for _, st := range states {
		to, ok := n.agents[st.Name]
		if !ok {
			continue
		}
		data, err := wire.EncodeResourceState(st)
		if err != nil {
			n.log.Errorf("encode state of %s: %v", st.Name, err)
			failed++
			continue
		}
		if err := n.sender.Send(ctx, to, data); err != nil {
			n.log.Warnf("send state of %s to %s: %v", st.Name, to, err)
			failed++
			continue
		}
		sent++
	}
	return sent, failed
}
