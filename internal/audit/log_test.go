package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"pumpctl.org/internal/auth"
	"pumpctl.org/internal/device"
	"pumpctl.org/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestLogEvent(t *testing.T) {
	buf := captureLog(t)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{Email: "shey@example.com", Device: "shey"})

	if err := LogEvent(ctx, "command.pump", map[string]any{"device": device.ID("shey"), "on": true}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "command.pump" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["actor"] != "shey@example.com" || entry["device"] != "shey" {
		t.Fatalf("unexpected actor/device: %v %v", entry["actor"], entry["device"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["on"] != true {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
	if _, dup := fields["device"]; dup {
		t.Fatalf("device must be lifted out of fields: %v", fields)
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatalf("expected error for empty event")
	}
}

type memSink struct {
	entries []Entry
	err     error
}

func (m *memSink) Append(_ context.Context, e Entry) error {
	m.entries = append(m.entries, e)
	return m.err
}

func TestRecorderFansOutToSinks(t *testing.T) {
	captureLog(t)
	ok := &memSink{}
	broken := &memSink{err: errors.New("db down")}
	r := NewRecorder(ok, nil, broken)

	err := r.Record(context.Background(), "command.ota", map[string]any{"device": "contact", "bytes": 10000})
	if err == nil || !errors.Is(err, broken.err) {
		t.Fatalf("expected sink error to be reported, got %v", err)
	}
	if len(ok.entries) != 1 || ok.entries[0].Device != "contact" || ok.entries[0].ID == "" {
		t.Fatalf("unexpected entries %+v", ok.entries)
	}
	if len(broken.entries) != 1 {
		t.Fatalf("every sink must be attempted")
	}
}
