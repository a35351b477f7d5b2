// Package mqttbus implements transport.Transport on an MQTT broker.
package mqttbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"pumpctl.org/internal/obs"
	"pumpctl.org/internal/transport"
)

// Config describes the broker connection.
type Config struct {
	URL            string // e.g. tcp://host:1883
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// Client is an MQTT connection. Subscriptions are re-established by the
// on-connect handler after an automatic reconnect.
type Client struct {
	cfg    Config
	state  *transport.StateCell
	client paho.Client

	mu   sync.Mutex
	subs map[string]paho.MessageHandler

	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, onState func(transport.State)) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	c := &Client{
		cfg:   cfg,
		state: transport.NewStateCell(transport.StateDisconnected, onState),
		subs:  make(map[string]paho.MessageHandler),
		done:  make(chan struct{}),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.state.Store(transport.StateDisconnected)
			obs.Warn("mqtt_connection_lost", map[string]any{"client_id": cfg.ClientID, "error": err})
		}).
		SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
			c.state.Store(transport.StateConnecting)
		})
	c.client = paho.NewClient(opts)
	return c
}

func (c *Client) onConnect(pc paho.Client) {
	c.mu.Lock()
	handlers := make(map[string]paho.MessageHandler, len(c.subs))
	for f, h := range c.subs {
		handlers[f] = h
	}
	c.mu.Unlock()

	for f, h := range handlers {
		if tok := pc.Subscribe(f, c.cfg.QoS, h); tok.WaitTimeout(c.cfg.ConnectTimeout) && tok.Error() != nil {
			obs.Error("mqtt_resubscribe_failed", map[string]any{"filter": f, "error": tok.Error()})
		}
	}
	c.state.Store(transport.StateConnected)
	obs.Info("mqtt_connected", map[string]any{"client_id": c.cfg.ClientID, "broker": c.cfg.URL, "subscriptions": len(handlers)})
}

func (c *Client) Connect(ctx context.Context) error {
	c.state.Store(transport.StateConnecting)
	if err := wait(ctx, c.client.Connect()); err != nil {
		c.state.Store(transport.StateDisconnected)
		return fmt.Errorf("mqtt connect %s: %w", c.cfg.URL, err)
	}
	c.state.Store(transport.StateConnected)
	return nil
}

func (c *Client) State() transport.State { return c.state.Load() }

func (c *Client) Publish(ctx context.Context, t string, payload []byte) error {
	if err := c.state.Require("publish " + t); err != nil {
		return err
	}
	if err := wait(ctx, c.client.Publish(t, c.cfg.QoS, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", t, err)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, filter string) (<-chan transport.Message, error) {
	if err := c.state.Require("subscribe " + filter); err != nil {
		return nil, err
	}
	ch := make(chan transport.Message, transport.SubscriptionBuffer)
	var (
		closeMu sync.RWMutex
		closed  bool
	)
	handler := func(_ paho.Client, m paho.Message) {
		closeMu.RLock()
		defer closeMu.RUnlock()
		if closed {
			return
		}
		select {
		case ch <- transport.Message{Topic: m.Topic(), Payload: m.Payload()}:
		default:
			// Channel full, drop message (slow consumer).
		}
	}
	if err := wait(ctx, c.client.Subscribe(filter, c.cfg.QoS, handler)); err != nil {
		return nil, fmt.Errorf("mqtt subscribe %s: %w", filter, err)
	}
	c.mu.Lock()
	c.subs[filter] = handler
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		c.mu.Lock()
		delete(c.subs, filter)
		c.mu.Unlock()
		if c.client.IsConnectionOpen() {
			c.client.Unsubscribe(filter).WaitTimeout(c.cfg.ConnectTimeout)
		}
		closeMu.Lock()
		closed = true
		close(ch)
		closeMu.Unlock()
	}()
	return ch, nil
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.client.Disconnect(250)
	c.state.Store(transport.StateDisconnected)
	return nil
}

var errTimeout = errors.New("timed out")

// wait blocks on a paho token until it completes or ctx ends.
func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Minute):
		return errTimeout
	}
}
