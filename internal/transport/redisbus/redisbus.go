// Package redisbus implements transport.Transport on Redis pub/sub. MQTT
// filters become PSUBSCRIBE glob patterns and deliveries are re-checked
// with topic.Match, since a glob '*' also spans '/'.
package redisbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pumpctl.org/internal/obs"
	"pumpctl.org/internal/topic"
	"pumpctl.org/internal/transport"
)

type Config struct {
	Addr         string
	Password     string
	DB           int
	PingInterval time.Duration
}

type Client struct {
	cfg   Config
	state *transport.StateCell
	rdb   *redis.Client

	stopOnce sync.Once
	stop     chan struct{}
}

func New(cfg Config, onState func(transport.State)) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}
	return &Client{
		cfg:   cfg,
		state: transport.NewStateCell(transport.StateDisconnected, onState),
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		stop: make(chan struct{}),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.state.Store(transport.StateConnecting)
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		c.state.Store(transport.StateDisconnected)
		return fmt.Errorf("redis ping %s: %w", c.cfg.Addr, err)
	}
	c.state.Store(transport.StateConnected)
	go c.monitor()
	return nil
}

// monitor keeps State in line with the server's reachability.
func (c *Client) monitor() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PingInterval)
			err := c.rdb.Ping(ctx).Err()
			cancel()
			if err != nil {
				if c.state.Load() == transport.StateConnected {
					obs.Warn("redis_unreachable", map[string]any{"addr": c.cfg.Addr, "error": err})
				}
				c.state.Store(transport.StateConnecting)
				continue
			}
			c.state.Store(transport.StateConnected)
		}
	}
}

func (c *Client) State() transport.State { return c.state.Load() }

func (c *Client) Publish(ctx context.Context, t string, payload []byte) error {
	if err := c.state.Require("publish " + t); err != nil {
		return err
	}
	if err := c.rdb.Publish(ctx, t, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", t, err)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, filter string) (<-chan transport.Message, error) {
	if err := c.state.Require("subscribe " + filter); err != nil {
		return nil, err
	}
	var ps *redis.PubSub
	if pattern, wild := Pattern(filter); wild {
		ps = c.rdb.PSubscribe(ctx, pattern)
	} else {
		ps = c.rdb.Subscribe(ctx, filter)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", filter, err)
	}

	ch := make(chan transport.Message, transport.SubscriptionBuffer)
	go func() {
		defer close(ch)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				if !topic.Match(filter, m.Channel) {
					continue
				}
				select {
				case ch <- transport.Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
				default:
					// Channel full, drop message (slow consumer).
				}
			}
		}
	}()
	return ch, nil
}

func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.state.Store(transport.StateDisconnected)
	return c.rdb.Close()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// Pattern converts an MQTT filter into a Redis glob and reports whether the
// filter had wildcards at all.
func Pattern(filter string) (string, bool) {
	parts := strings.Split(filter, "/")
	wild := false
	for i, p := range parts {
		switch p {
		case "+", "#":
			parts[i] = "*"
			wild = true
		default:
			parts[i] = globEscaper.Replace(p)
		}
	}
	return strings.Join(parts, "/"), wild
}
