// Package topic parses and builds the {prefix}/{device}/{channel} addresses
// used on the pub/sub transport and enforces the session scope on them.
package topic

import (
	"errors"
	"fmt"
	"strings"

	"pumpctl.org/internal/auth"
	"pumpctl.org/internal/device"
)

// Channel is the last topic segment.
type Channel string

const (
	ChannelRx     Channel = "rx"     // commands to the device
	ChannelTx     Channel = "tx"     // command responses from the device
	ChannelStatus Channel = "status" // heartbeats
)

// ErrMalformed marks topics that are not {prefix}/{device}/{channel}.
var ErrMalformed = errors.New("topic: malformed")

// Topic is a decomposed transport address.
type Topic struct {
	Prefix  string
	Device  device.ID
	Channel Channel
}

func (t Topic) String() string {
	return t.Prefix + "/" + string(t.Device) + "/" + string(t.Channel)
}

// Parse decomposes raw. The device segment is canonicalized.
func Parse(prefix, raw string) (Topic, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 3 || parts[0] != prefix {
		return Topic{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	id, err := device.ParseID(parts[1])
	if err != nil {
		return Topic{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	ch := Channel(parts[2])
	switch ch {
	case ChannelRx, ChannelTx, ChannelStatus:
	default:
		return Topic{}, fmt.Errorf("%w: unknown channel in %q", ErrMalformed, raw)
	}
	return Topic{Prefix: prefix, Device: id, Channel: ch}, nil
}

// Target is a command destination that passed the scope check. It can only
// be obtained from Router.Outbound, so every publish path goes through it.
type Target struct {
	topic Topic
}

func (t Target) Device() device.ID { return t.topic.Device }

func (t Target) String() string { return t.topic.String() }

// Valid reports whether t came from a Router (the zero Target is not).
func (t Target) Valid() bool { return t.topic.Device != "" }

// Router applies one session scope to topic traffic.
type Router struct {
	prefix string
	scope  auth.Scope
}

func NewRouter(prefix string, scope auth.Scope) *Router {
	return &Router{prefix: strings.Trim(prefix, "/"), scope: scope}
}

func (r *Router) Prefix() string { return r.prefix }

func (r *Router) Scope() auth.Scope { return r.scope }

// Inbound parses raw and reports false when the message must be dropped:
// malformed, foreign prefix or a device outside the scope.
func (r *Router) Inbound(raw string) (Topic, bool) {
	t, err := Parse(r.prefix, raw)
	if err != nil {
		return Topic{}, false
	}
	if !r.scope.PermitsID(t.Device) {
		return Topic{}, false
	}
	return t, true
}

// Outbound authorizes a command for rawDevice and returns its rx target.
func (r *Router) Outbound(rawDevice string) (Target, error) {
	id, err := r.scope.Check(rawDevice)
	if err != nil {
		return Target{}, err
	}
	return Target{topic: Topic{Prefix: r.prefix, Device: id, Channel: ChannelRx}}, nil
}

// Subscriptions lists the filters a session with this scope listens on.
func (r *Router) Subscriptions() []string {
	if r.scope.All() {
		return []string{
			r.prefix + "/+/" + string(ChannelStatus),
			r.prefix + "/+/" + string(ChannelTx),
		}
	}
	dev := string(r.scope.Device())
	if dev == "" {
		return nil
	}
	return []string{
		r.prefix + "/" + dev + "/" + string(ChannelStatus),
		r.prefix + "/" + dev + "/" + string(ChannelTx),
	}
}

// Match reports whether an MQTT-style filter ('+' one level, '#' the rest)
// matches a concrete topic.
func Match(filter, raw string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(raw, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
