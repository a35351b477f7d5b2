// Package transport abstracts the publish/subscribe broker that carries the
// {prefix}/{device}/{channel} topics. Filters use MQTT wildcard syntax
// ('+' for one level, '#' for the rest) on every implementation.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrUnavailable is returned by Publish and Subscribe when the
	// connection is not established. Nothing is queued.
	ErrUnavailable = errors.New("transport: not connected")
	ErrClosed      = errors.New("transport: closed")
)

// State is the externally observable connection state.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Message is one delivery on a subscription.
type Message struct {
	Topic   string
	Payload []byte
}

// Transport is a broker connection.
type Transport interface {
	Connect(ctx context.Context) error
	State() State
	// Publish sends payload to topic. It fails with ErrUnavailable unless the
	// state is StateConnected.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers messages matching filter until ctx ends or the
	// transport is closed, then closes the channel. Slow readers lose
	// messages rather than blocking the broker.
	Subscribe(ctx context.Context, filter string) (<-chan Message, error)
	Close() error
}

// StateCell is an atomic State shared by the adapters.
type StateCell struct {
	v        atomic.Int32
	onChange func(State)
}

func NewStateCell(initial State, onChange func(State)) *StateCell {
	c := &StateCell{onChange: onChange}
	c.v.Store(int32(initial))
	return c
}

func (c *StateCell) Load() State { return State(c.v.Load()) }

func (c *StateCell) Store(s State) {
	if State(c.v.Swap(int32(s))) != s && c.onChange != nil {
		c.onChange(s)
	}
}

// Require returns ErrUnavailable unless the state is connected.
func (c *StateCell) Require(op string) error {
	if s := c.Load(); s != StateConnected {
		return fmt.Errorf("%w: %s while %s", ErrUnavailable, op, s)
	}
	return nil
}

// SubscriptionBuffer is the per-subscription channel capacity.
const SubscriptionBuffer = 256
