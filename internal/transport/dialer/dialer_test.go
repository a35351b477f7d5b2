package dialer

import (
	"context"
	"errors"
	"testing"

	"pumpctl.org/internal/config"
	"pumpctl.org/internal/transport"
	"pumpctl.org/internal/transport/mqttbus"
	"pumpctl.org/internal/transport/natsbus"
	"pumpctl.org/internal/transport/redisbus"
)

func TestNewPicksTransportByKind(t *testing.T) {
	cases := map[string]func(transport.Transport) bool{
		config.TransportMQTT:  func(tr transport.Transport) bool { _, ok := tr.(*mqttbus.Client); return ok },
		config.TransportNATS:  func(tr transport.Transport) bool { _, ok := tr.(*natsbus.Client); return ok },
		config.TransportRedis: func(tr transport.Transport) bool { _, ok := tr.(*redisbus.Client); return ok },
	}
	for kind, check := range cases {
		t.Run(kind, func(t *testing.T) {
			cfg := config.Load()
			cfg.Transport = kind
			dial, err := New(cfg, nil)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			tr := dial("client-1", nil)
			if !check(tr) {
				t.Fatalf("unexpected transport %T", tr)
			}
			if tr.State() != transport.StateDisconnected {
				t.Fatalf("dialing must not connect, state %s", tr.State())
			}
		})
	}
}

func TestMemoryDialerSharesBroker(t *testing.T) {
	cfg := config.Load()
	cfg.Transport = config.TransportMemory
	if _, err := New(cfg, nil); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid without broker, got %v", err)
	}

	b := transport.NewBroker()
	dial, err := New(cfg, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, pub := dial("a", nil), dial("b", nil)
	for _, tr := range []transport.Transport{sub, pub} {
		if err := tr.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	ch, err := sub.Subscribe(ctx, "pump/+/status")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := pub.Publish(ctx, "pump/contact/status", []byte("{}")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if msg := <-ch; msg.Topic != "pump/contact/status" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestUnknownKind(t *testing.T) {
	cfg := config.Load()
	cfg.Transport = "kafka"
	if _, err := New(cfg, nil); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
