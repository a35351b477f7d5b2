// Package device holds the identifiers and per-device records shared by the
// session, presence and protocol layers.
package device

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidID is returned when a device identifier cannot be canonicalized.
var ErrInvalidID = errors.New("device: invalid id")

// ID is a canonical (trimmed, lower-cased) device identifier.
// The zero value is not a valid ID; obtain one through ParseID.
type ID string

// ParseID canonicalizes raw into an ID. Topic wildcards and separators are
// rejected so an ID can always be embedded in a topic verbatim.
func ParseID(raw string) (ID, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" || strings.ContainsAny(v, "/+#") {
		return "", ErrInvalidID
	}
	return ID(v), nil
}

// MustParseID is ParseID for constants and tests.
func MustParseID(raw string) ID {
	id, err := ParseID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string { return string(id) }

// State is the presence classification of a device.
type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// MarshalText renders the state as its lower-case name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Info carries the descriptive fields that only an explicit status response
// populates.
type Info struct {
	FirmwareVersion string `json:"firmware_version,omitempty"`
	PumpType        string `json:"pump_type,omitempty"`
	IMSI            string `json:"imsi,omitempty"`
	Uptime          string `json:"uptime,omitempty"`
	SiteName        string `json:"site_name,omitempty"`
}

// Record is the mutable per-device state kept by a session.
type Record struct {
	ID              ID        `json:"id"`
	PumpOn          bool      `json:"pump_on"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitzero"`
	State           State     `json:"state"`
	Info            Info      `json:"info"`
}

// NewRecord returns a record that has never been heard from.
func NewRecord(id ID) *Record {
	return &Record{ID: id, State: StateUnknown}
}

// Online reports whether the device is strictly online.
func (r Record) Online() bool { return r.State == StateOnline }

// HasHeartbeat reports whether any heartbeat-class message was accepted.
func (r Record) HasHeartbeat() bool { return !r.LastHeartbeatAt.IsZero() }
