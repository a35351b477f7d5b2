package transport

import (
	"context"
	"fmt"
	"sync"

	"pumpctl.org/internal/topic"
)

// Broker is an in-process pub/sub hub. It backs tests, the device simulator
// in single-binary demos, and pumpd when no external broker is configured.
type Broker struct {
	mu   sync.RWMutex
	subs map[int]*memSub
	next int
}

type memSub struct {
	filter string
	conn   *MemConn
	ch     chan Message
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*memSub)}
}

// Dial returns a new, not yet connected client of b.
func (b *Broker) Dial(clientID string, onState func(State)) *MemConn {
	return &MemConn{
		broker:   b,
		clientID: clientID,
		state:    NewStateCell(StateDisconnected, onState),
		mine:     make(map[int]struct{}),
	}
}

func (b *Broker) publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.conn.State() != StateConnected || !topic.Match(s.filter, msg.Topic) {
			continue
		}
		payload := append([]byte(nil), msg.Payload...)
		select {
		case s.ch <- Message{Topic: msg.Topic, Payload: payload}:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

func (b *Broker) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}

// MemConn is one client connection to a Broker.
type MemConn struct {
	broker   *Broker
	clientID string
	state    *StateCell

	mu     sync.Mutex
	mine   map[int]struct{}
	closed bool
}

func (c *MemConn) ClientID() string { return c.clientID }

func (c *MemConn) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.state.Store(StateConnected)
	return nil
}

func (c *MemConn) State() State { return c.state.Load() }

// Drop simulates a lost connection. Subscriptions survive and resume after
// the next Connect, like a persistent MQTT session.
func (c *MemConn) Drop() { c.state.Store(StateDisconnected) }

func (c *MemConn) Publish(ctx context.Context, t string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.state.Require("publish " + t); err != nil {
		return err
	}
	c.broker.publish(Message{Topic: t, Payload: payload})
	return nil
}

func (c *MemConn) Subscribe(ctx context.Context, filter string) (<-chan Message, error) {
	if err := c.state.Require("subscribe " + filter); err != nil {
		return nil, err
	}
	if filter == "" {
		return nil, fmt.Errorf("transport: empty filter")
	}
	s := &memSub{filter: filter, conn: c, ch: make(chan Message, SubscriptionBuffer)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.broker.mu.Lock()
	id := c.broker.next
	c.broker.next++
	c.broker.subs[id] = s
	c.broker.mu.Unlock()
	c.mine[id] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.mine, id)
		c.mu.Unlock()
		c.broker.remove(id)
	}()
	return s.ch, nil
}

// Close ends all subscriptions of this client.
func (c *MemConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ids := make([]int, 0, len(c.mine))
	for id := range c.mine {
		ids = append(ids, id)
	}
	c.mine = map[int]struct{}{}
	c.mu.Unlock()

	for _, id := range ids {
		c.broker.remove(id)
	}
	c.state.Store(StateDisconnected)
	return nil
}
