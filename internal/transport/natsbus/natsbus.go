// Package natsbus implements transport.Transport on core NATS. Topics are
// mapped to subjects by replacing '/' with '.', and the MQTT wildcards '+'
// and '#' with '*' and '>'.
package natsbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"pumpctl.org/internal/obs"
	"pumpctl.org/internal/transport"
)

type Config struct {
	URL  string // nats://127.0.0.1:4222
	Name string // client name shown in NATS monitoring
}

type Client struct {
	cfg   Config
	state *transport.StateCell

	mu sync.Mutex
	nc *nats.Conn
}

func New(cfg Config, onState func(transport.State)) *Client {
	return &Client{cfg: cfg, state: transport.NewStateCell(transport.StateDisconnected, onState)}
}

func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.state.Store(transport.StateConnecting)
	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.PingInterval(5 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.MaxReconnects(-1), // reconnect forever
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.state.Store(transport.StateConnecting)
			obs.Warn("nats_disconnected", map[string]any{"name": c.cfg.Name, "error": err})
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.state.Store(transport.StateConnected)
			obs.Info("nats_reconnected", map[string]any{"name": c.cfg.Name, "url": nc.ConnectedUrl()})
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.state.Store(transport.StateDisconnected)
		}),
	}
	if dl, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(dl)))
	}
	nc, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		c.state.Store(transport.StateDisconnected)
		return fmt.Errorf("nats connect %s: %w", c.cfg.URL, err)
	}
	c.mu.Lock()
	c.nc = nc
	c.mu.Unlock()
	c.state.Store(transport.StateConnected)
	return nil
}

func (c *Client) State() transport.State { return c.state.Load() }

func (c *Client) conn() *nats.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc
}

func (c *Client) Publish(ctx context.Context, t string, payload []byte) error {
	if err := c.state.Require("publish " + t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, err := Subject(t)
	if err != nil {
		return err
	}
	if err := c.conn().Publish(subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, filter string) (<-chan transport.Message, error) {
	if err := c.state.Require("subscribe " + filter); err != nil {
		return nil, err
	}
	subject, err := Subject(filter)
	if err != nil {
		return nil, err
	}
	ch := make(chan transport.Message, transport.SubscriptionBuffer)
	var (
		closeMu sync.RWMutex
		closed  bool
	)
	sub, err := c.conn().Subscribe(subject, func(msg *nats.Msg) {
		closeMu.RLock()
		defer closeMu.RUnlock()
		if closed {
			return
		}
		select {
		case ch <- transport.Message{Topic: Topic(msg.Subject), Payload: msg.Data}:
		default:
			// Channel full, drop message (slow consumer).
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		closeMu.Lock()
		closed = true
		close(ch)
		closeMu.Unlock()
	}()
	return ch, nil
}

func (c *Client) Close() error {
	if nc := c.conn(); nc != nil {
		nc.Close()
	}
	c.state.Store(transport.StateDisconnected)
	return nil
}

// Subject converts a topic or filter to a NATS subject. Segments that
// already contain '.', '*' or '>' cannot be mapped.
func Subject(t string) (string, error) {
	parts := strings.Split(t, "/")
	for i, p := range parts {
		if p == "" || strings.ContainsAny(p, ".*> ") {
			return "", fmt.Errorf("nats: topic %q has unmappable segment %q", t, p)
		}
		switch p {
		case "+":
			parts[i] = "*"
		case "#":
			if i != len(parts)-1 {
				return "", fmt.Errorf("nats: '#' must be last in %q", t)
			}
			parts[i] = ">"
		}
	}
	return strings.Join(parts, "."), nil
}

// Topic converts a delivered subject back to a topic.
func Topic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
