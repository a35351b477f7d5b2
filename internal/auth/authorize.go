package auth

import (
	"encoding/json"
	"fmt"

	"pumpctl.org/internal/device"
)

// Principal is the authenticated identity of one session. It never changes
// after resolution.
type Principal struct {
	Email   string    `json:"email"`
	Device  device.ID `json:"device"`
	IsAdmin bool      `json:"is_admin"`
}

// Scope is the set of devices a principal may read and command.
// The zero value permits nothing.
type Scope struct {
	all    bool
	device device.ID
}

// AllDevices is the admin scope.
func AllDevices() Scope { return Scope{all: true} }

// SingleDevice limits the scope to one device.
func SingleDevice(id device.ID) Scope { return Scope{device: id} }

// ScopeFor derives the scope of a principal.
func ScopeFor(p Principal) Scope {
	if p.IsAdmin {
		return AllDevices()
	}
	return SingleDevice(p.Device)
}

// All reports whether the scope covers every device.
func (s Scope) All() bool { return s.all }

// Device returns the single permitted device; empty for admin scopes.
func (s Scope) Device() device.ID { return s.device }

// Permits canonicalizes raw and reports whether the device is in scope.
func (s Scope) Permits(raw string) bool {
	id, err := device.ParseID(raw)
	if err != nil {
		return false
	}
	return s.PermitsID(id)
}

// PermitsID reports whether an already canonical id is in scope.
func (s Scope) PermitsID(id device.ID) bool {
	if id == "" {
		return false
	}
	if s.all {
		return true
	}
	return s.device != "" && id == s.device
}

// Check canonicalizes raw and returns it when permitted.
func (s Scope) Check(raw string) (device.ID, error) {
	id, err := device.ParseID(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrDeviceNotPermitted, raw)
	}
	if !s.PermitsID(id) {
		return "", fmt.Errorf("%w: %s", ErrDeviceNotPermitted, id)
	}
	return id, nil
}

// Filter keeps the permitted ids, preserving order.
func (s Scope) Filter(ids []device.ID) []device.ID {
	out := make([]device.ID, 0, len(ids))
	for _, id := range ids {
		if s.PermitsID(id) {
			out = append(out, id)
		}
	}
	return out
}

func (s Scope) MarshalJSON() ([]byte, error) {
	if s.all {
		return json.Marshal(map[string]any{"all": true})
	}
	return json.Marshal(map[string]any{"all": false, "device": s.device})
}
