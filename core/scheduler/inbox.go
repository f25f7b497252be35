package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/kilianp07/cosim/core/model"
)

// Inbox is the multi-producer queue between the transport readers and the
// scheduler goroutine.
type Inbox struct {
	ch       chan model.Setpoint
	overflow atomic.Uint64
	now      func() time.Time
}

// NewInbox returns an Inbox buffering up to size setpoints.
func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{ch: make(chan model.Setpoint, size), now: time.Now}
}

// Push enqueues sp without blocking and stamps its arrival time if unset. It
// returns false and counts an overflow when the inbox is full.
func (in *Inbox) Push(sp model.Setpoint) bool {
	if sp.Received.IsZero() {
		sp.Received = in.now()
	}
	select {
	case in.ch <- sp:
		return true
	default:
		in.overflow.Add(1)
		return false
	}
}

// C is the consumer side of the inbox.
func (in *Inbox) C() <-chan model.Setpoint { return in.ch }

// Overflow returns the number of setpoints dropped because the inbox was full.
func (in *Inbox) Overflow() uint64 { return in.overflow.Load() }
