package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"pumpctl.org/internal/auth"
	"pumpctl.org/internal/ids"
	"pumpctl.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Entry is one audit record.
type Entry struct {
	ID        string         `json:"id"`
	At        time.Time      `json:"ts"`
	Event     string         `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Device    string         `json:"device,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// Sink persists audit entries somewhere durable.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// NewEntry builds an entry enriched with request and principal context.
// A "device" field is lifted into Entry.Device.
func NewEntry(ctx context.Context, event string, fields map[string]any) (Entry, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return Entry{}, errors.New("event name is required")
	}
	e := Entry{
		ID:        ids.New(),
		At:        time.Now().UTC(),
		Event:     event,
		RequestID: RequestIDFromContext(ctx),
		Fields:    make(map[string]any, len(fields)),
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		e.Actor = p.Email
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		if k == "device" {
			if s, ok := v.(interface{ String() string }); ok {
				e.Device = s.String()
				continue
			}
			if s, ok := v.(string); ok {
				e.Device = s
				continue
			}
		}
		e.Fields[k] = v
	}
	return e, nil
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	e, err := NewEntry(ctx, event, fields)
	if err != nil {
		return err
	}
	return writeLine(e)
}

func writeLine(e Entry) error {
	line := map[string]any{
		"ts":     e.At.Format(time.RFC3339Nano),
		"type":   "audit",
		"id":     e.ID,
		"event":  e.Event,
		"fields": e.Fields,
	}
	if e.RequestID != "" {
		line["request_id"] = e.RequestID
	}
	if e.Actor != "" {
		line["actor"] = e.Actor
	}
	if e.Device != "" {
		line["device"] = e.Device
	}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// Recorder logs every entry and copies it to the configured sinks.
// A sink failure is logged and reported but never blocks the log line.
type Recorder struct {
	sinks []Sink
}

func NewRecorder(sinks ...Sink) *Recorder {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Recorder{sinks: out}
}

func (r *Recorder) Record(ctx context.Context, event string, fields map[string]any) error {
	e, err := NewEntry(ctx, event, fields)
	if err != nil {
		return err
	}
	if err := writeLine(e); err != nil {
		return err
	}
	var errs []error
	for _, s := range r.sinks {
		if err := s.Append(ctx, e); err != nil {
			obs.Error("audit_sink_failed", map[string]any{"event": e.Event, "id": e.ID, "error": err})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
