package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return m
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return Message{}
}

func TestBrokerRoutesByFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewBroker()
	dash := b.Dial("dashboard", nil)
	dev := b.Dial("contact", nil)
	for _, c := range []*MemConn{dash, dev} {
		if err := c.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}

	status, err := dash.Subscribe(ctx, "pump/+/status")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	rx, err := dev.Subscribe(ctx, "pump/contact/rx")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := dev.Publish(ctx, "pump/contact/status", []byte("hb")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if m := recv(t, status); m.Topic != "pump/contact/status" || string(m.Payload) != "hb" {
		t.Fatalf("unexpected message %+v", m)
	}
	if err := dash.Publish(ctx, "pump/contact/rx", []byte("status")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if m := recv(t, rx); string(m.Payload) != "status" {
		t.Fatalf("unexpected message %+v", m)
	}

	_ = dash.Publish(ctx, "pump/shey/rx", []byte("PUMP ON"))
	select {
	case m := <-rx:
		t.Fatalf("foreign device received %+v", m)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublishRejectedWhenNotConnected(t *testing.T) {
	ctx := context.Background()
	var seen []State
	c := NewBroker().Dial("x", func(s State) { seen = append(seen, s) })

	if err := c.Publish(ctx, "pump/a/rx", nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable before connect, got %v", err)
	}
	_ = c.Connect(ctx)
	if err := c.Publish(ctx, "pump/a/rx", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	c.Drop()
	if err := c.Publish(ctx, "pump/a/rx", nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after drop, got %v", err)
	}
	if len(seen) != 2 || seen[0] != StateConnected || seen[1] != StateDisconnected {
		t.Fatalf("unexpected state changes %v", seen)
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	ctx := context.Background()
	c := NewBroker().Dial("x", nil)
	_ = c.Connect(ctx)
	ch, err := c.Subscribe(ctx, "pump/#")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed subscription")
	}
	if err := c.Connect(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
