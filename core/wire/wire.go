// Package wire is the JSON datagram contract between the simulation and the
// agent processes. Every message carries a "type" discriminator.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kilianp07/cosim/core/model"
)

// Kind is the value of the type discriminator.
type Kind string

const (
	KindSetpoint      Kind = "implement_setpoint"
	KindRequest       Kind = "request"
	KindGridState     Kind = "grid_state"
	KindSensedState   Kind = "sensed_state"
	KindResourceState Kind = "resource_state"
)

// MaxDatagram is the largest UDP payload over IPv4.
const MaxDatagram = 65507

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
	ErrTooLarge    = errors.New("message exceeds datagram size")
)

// Message is a decoded inbound datagram.
type Message struct {
	Kind     Kind
	Setpoint model.Setpoint
}

type inbound struct {
	Type     Kind       `json:"type"`
	Resource string     `json:"resource"`
	Bus      *int       `json:"bus_index"`
	P        *float64   `json:"P"`
	Q        *float64   `json:"Q"`
	Pc       *float64   `json:"Pc"`
	Qc       *float64   `json:"Qc"`
	TS       *time.Time `json:"ts"`
}

// Decode parses an inbound datagram. A message without a type that carries
// Pc/Qc is the battery command format and is read as a setpoint.
func Decode(data []byte) (Message, error) {
	return DecodeFor(data, "")
}

// DecodeFor is Decode for a datagram received on the endpoint of resource
// target: a setpoint naming neither a resource nor a bus is addressed to it.
func DecodeFor(data []byte, target string) (Message, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Type == "" && (in.Pc != nil || in.Qc != nil) {
		in.Type = KindSetpoint
	}
	switch in.Type {
	case KindRequest:
		return Message{Kind: KindRequest}, nil
	case KindSetpoint:
		sp, err := in.setpoint(target)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindSetpoint, Setpoint: sp}, nil
	case "":
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
	}
}

func (in inbound) setpoint(target string) (model.Setpoint, error) {
	sp := model.Setpoint{Target: in.Resource, Bus: model.NoBus}
	if in.Bus != nil {
		if *in.Bus < 0 {
			return sp, fmt.Errorf("%w: negative bus_index %d", ErrMalformed, *in.Bus)
		}
		sp.Bus = *in.Bus
	}
	if sp.Target == "" && sp.Bus == model.NoBus {
		sp.Target = target
	}
	if sp.Target == "" && sp.Bus == model.NoBus {
		return sp, fmt.Errorf("%w: setpoint needs resource or bus_index", ErrMalformed)
	}
	p, q := in.P, in.Q
	if p == nil {
		p = in.Pc
	}
	if q == nil {
		q = in.Qc
	}
	if p == nil && q == nil {
		return sp, fmt.Errorf("%w: setpoint without P or Q", ErrMalformed)
	}
	if p != nil {
		sp.P = *p
	}
	if q != nil {
		sp.Q = *q
	}
	if math.IsNaN(sp.P) || math.IsInf(sp.P, 0) || math.IsNaN(sp.Q) || math.IsInf(sp.Q, 0) {
		return sp, fmt.Errorf("%w: non-finite power", ErrMalformed)
	}
	if in.TS != nil {
		sp.Timestamp = *in.TS
	}
	return sp, nil
}

// EncodeSetpoint renders the agent side of a setpoint. Agents use it; the
// simulation uses it in tests and tools.
func EncodeSetpoint(sp model.Setpoint) ([]byte, error) {
	out := struct {
		Type     Kind       `json:"type"`
		Resource string     `json:"resource,omitempty"`
		Bus      *int       `json:"bus_index,omitempty"`
		P        float64    `json:"P"`
		Q        float64    `json:"Q"`
		TS       *time.Time `json:"ts,omitempty"`
	}{Type: KindSetpoint, Resource: sp.Target, P: sp.P, Q: sp.Q}
	if sp.Bus != model.NoBus {
		b := sp.Bus
		out.Bus = &b
	}
	if !sp.Timestamp.IsZero() {
		ts := sp.Timestamp
		out.TS = &ts
	}
	return marshal(out)
}

// EncodeRequest renders a grid state query.
func EncodeRequest() []byte {
	return []byte(`{"type":"request"}`)
}

// EncodeGridState renders the reply to a request.
func EncodeGridState(s *model.GridState) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil grid state", ErrMalformed)
	}
	return marshal(struct {
		Type Kind `json:"type"`
		*model.GridState
	}{KindGridState, s})
}

// EncodeSensedState renders a sensor publication.
func EncodeSensedState(s model.SensedState) ([]byte, error) {
	return marshal(struct {
		Type Kind `json:"type"`
		model.SensedState
	}{KindSensedState, s})
}

// EncodeResourceState renders the state a resource model sends its agent.
func EncodeResourceState(s model.ResourceState) ([]byte, error) {
	return marshal(struct {
		Type Kind `json:"type"`
		model.ResourceState
	}{KindResourceState, s})
}

func marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxDatagram {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return data, nil
}
