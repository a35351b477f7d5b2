// Package presence classifies devices as online, offline or unknown from the
// heartbeats and status responses a session receives.
//
// The Tracker is not safe for concurrent use; it is owned by one session
// event loop and every method takes the current time explicitly.
package presence

import (
	"sort"
	"time"

	"pumpctl.org/internal/device"
)

// Config holds the presence timings.
type Config struct {
	// Grace is measured from Start; heartbeats arriving earlier are treated
	// as retained/replayed and ignored.
	Grace time.Duration
	// Timeout is the heartbeat age after which an online device goes offline.
	Timeout time.Duration
	// SweepInterval is how often the owner calls Sweep.
	SweepInterval time.Duration
	// InitialWait bounds how long a user's own device may stay unknown.
	InitialWait time.Duration
	// ProbeDelay is the pause between subscribing and the first status requests.
	ProbeDelay time.Duration
	// ProbeWait is how long an admin probe waits for replies.
	ProbeWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		Grace:         5 * time.Second,
		Timeout:       30 * time.Second,
		SweepInterval: 10 * time.Second,
		InitialWait:   30 * time.Second,
		ProbeDelay:    500 * time.Millisecond,
		ProbeWait:     5 * time.Second,
	}
}

// Transition is one presence state change.
type Transition struct {
	Device device.ID
	From   device.State
	To     device.State
	At     time.Time
}

// Update describes the effect of one inbound message.
type Update struct {
	// Accepted is false when the message was ignored as stale.
	Accepted bool
	// Changed reports any visible change to the record.
	Changed    bool
	Transition *Transition
	// First is set when this was the first accepted heartbeat of the device.
	First bool
}

type Tracker struct {
	cfg     Config
	started time.Time
	records map[device.ID]*device.Record
}

func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, records: make(map[device.ID]*device.Record)}
}

func (t *Tracker) Config() Config { return t.cfg }

// Start anchors the grace period. It is called when the transport connects.
func (t *Tracker) Start(now time.Time) { t.started = now }

// InGrace reports whether now is still inside the grace period.
func (t *Tracker) InGrace(now time.Time) bool {
	return t.started.IsZero() || now.Sub(t.started) < t.cfg.Grace
}

// Track makes sure a record exists for id and reports whether it was created.
func (t *Tracker) Track(id device.ID) bool {
	if _, ok := t.records[id]; ok {
		return false
	}
	t.records[id] = device.NewRecord(id)
	return true
}

func (t *Tracker) ensure(id device.ID) *device.Record {
	t.Track(id)
	return t.records[id]
}

// Get returns a copy of the record for id.
func (t *Tracker) Get(id device.ID) (device.Record, bool) {
	r, ok := t.records[id]
	if !ok {
		return device.Record{}, false
	}
	return *r, true
}

// Notify applies a status.notify heartbeat.
func (t *Tracker) Notify(id device.ID, pumpOn bool, now time.Time) Update {
	r := t.ensure(id)
	if t.InGrace(now) {
		return Update{}
	}
	up := Update{Accepted: true, First: !r.HasHeartbeat()}
	if r.PumpOn != pumpOn {
		r.PumpOn = pumpOn
		up.Changed = true
	}
	r.LastHeartbeatAt = now
	if tr := t.set(r, device.StateOnline, now); tr != nil {
		up.Transition = tr
		up.Changed = true
	}
	return up
}

// Respond applies a status.response. Responses answer our own requests, so
// the grace period does not apply to them.
func (t *Tracker) Respond(id device.ID, pumpOn bool, info device.Info, now time.Time) Update {
	r := t.ensure(id)
	up := Update{Accepted: true, First: !r.HasHeartbeat(), Changed: true}
	r.PumpOn = pumpOn
	r.Info = info
	r.LastHeartbeatAt = now
	up.Transition = t.set(r, device.StateOnline, now)
	return up
}

// Sweep marks online devices whose last heartbeat is older than Timeout as
// offline. Nothing happens during the grace period.
func (t *Tracker) Sweep(now time.Time) []Transition {
	if t.InGrace(now) {
		return nil
	}
	var out []Transition
	for _, id := range t.IDs() {
		r := t.records[id]
		if r.State != device.StateOnline || !r.HasHeartbeat() {
			continue
		}
		if now.Sub(r.LastHeartbeatAt) > t.cfg.Timeout {
			if tr := t.set(r, device.StateOffline, now); tr != nil {
				out = append(out, *tr)
			}
		}
	}
	return out
}

// ExpireSilent marks each of ids that never produced an accepted heartbeat
// as offline. It backs both the own-device initial wait and the admin probe;
// a device that already went offline this way is not reported again.
func (t *Tracker) ExpireSilent(now time.Time, ids ...device.ID) []Transition {
	var out []Transition
	for _, id := range ids {
		r := t.ensure(id)
		if r.HasHeartbeat() {
			continue
		}
		if tr := t.set(r, device.StateOffline, now); tr != nil {
			out = append(out, *tr)
		}
	}
	return out
}

// IDs lists tracked devices in sorted order.
func (t *Tracker) IDs() []device.ID {
	out := make([]device.ID, 0, len(t.records))
	for id := range t.records {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot copies all records, sorted by id.
func (t *Tracker) Snapshot() []device.Record {
	out := make([]device.Record, 0, len(t.records))
	for _, id := range t.IDs() {
		out = append(out, *t.records[id])
	}
	return out
}

func (t *Tracker) set(r *device.Record, to device.State, now time.Time) *Transition {
	if r.State == to {
		return nil
	}
	tr := &Transition{Device: r.ID, From: r.State, To: to, At: now}
	r.State = to
	return tr
}
