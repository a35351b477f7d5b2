package mqttbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"pumpctl.org/internal/transport"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

func TestWaitReturnsTokenError(t *testing.T) {
	boom := errors.New("not authorized")
	tok := &fakeToken{done: make(chan struct{}), err: boom}
	close(tok.done)
	if err := wait(context.Background(), tok); !errors.Is(err, boom) {
		t.Fatalf("expected token error, got %v", err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tok := &fakeToken{done: make(chan struct{})}
	if err := wait(ctx, tok); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPublishBeforeConnectIsUnavailable(t *testing.T) {
	c := New(Config{URL: "tcp://127.0.0.1:1", ClientID: "test"}, nil)
	if c.State() != transport.StateDisconnected {
		t.Fatalf("unexpected initial state %s", c.State())
	}
	if err := c.Publish(context.Background(), "pump/contact/rx", []byte("status")); !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := c.Subscribe(context.Background(), "pump/+/status"); !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
