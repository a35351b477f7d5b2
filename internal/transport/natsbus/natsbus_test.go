package natsbus

import (
	"context"
	"errors"
	"testing"

	"pumpctl.org/internal/transport"
)

func TestSubjectMapping(t *testing.T) {
	cases := map[string]string{
		"pump/contact/rx": "pump.contact.rx",
		"pump/+/status":   "pump.*.status",
		"pump/#":          "pump.>",
	}
	for in, want := range cases {
		got, err := Subject(in)
		if err != nil {
			t.Fatalf("Subject(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Subject(%q) = %q, want %q", in, got, want)
		}
	}
	if Topic("pump.contact.tx") != "pump/contact/tx" {
		t.Fatalf("unexpected reverse mapping")
	}

	for _, bad := range []string{"pump/a.b/rx", "pump//rx", "pump/#/rx", "pump/*/rx"} {
		if _, err := Subject(bad); err == nil {
			t.Fatalf("Subject(%q) expected error", bad)
		}
	}
}

func TestPublishBeforeConnectIsUnavailable(t *testing.T) {
	c := New(Config{URL: "nats://127.0.0.1:1", Name: "test"}, nil)
	if err := c.Publish(context.Background(), "pump/contact/rx", nil); !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
