// Package session runs one authenticated dashboard session: it owns the
// presence tracker, the schedule cache of the selected device and all timers,
// and serializes every mutation through a single event loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pumpctl.org/internal/auth"
	"pumpctl.org/internal/device"
	"pumpctl.org/internal/ids"
	"pumpctl.org/internal/obs"
	"pumpctl.org/internal/presence"
	"pumpctl.org/internal/protocol"
	"pumpctl.org/internal/stream"
	"pumpctl.org/internal/topic"
	"pumpctl.org/internal/transfer"
	"pumpctl.org/internal/transport"
)

var (
	ErrNoResponse         = errors.New("session: no response from device")
	ErrSuperseded         = errors.New("session: status request superseded")
	ErrClosed             = errors.New("session: closed")
	ErrDeviceOffline      = errors.New("session: device is not online")
	ErrTransferInProgress = errors.New("session: firmware transfer already running")
)

// Config holds the per-session protocol settings.
type Config struct {
	Prefix        string
	Presence      presence.Config
	StatusTimeout time.Duration
	// KnownDevices are pre-populated and probed for admin sessions.
	KnownDevices []device.ID
	ChunkSize    int
	ChunkPace    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Prefix:        "pump",
		Presence:      presence.DefaultConfig(),
		StatusTimeout: 10 * time.Second,
		ChunkSize:     transfer.DefaultChunkSize,
		ChunkPace:     transfer.DefaultPace,
	}
}

// Dialer creates the transport connection of one session. clientID is the
// session id; onState must be wired as the connection's state callback.
type Dialer func(clientID string, onState func(transport.State)) transport.Transport

// Auditor records user-initiated commands.
type Auditor interface {
	Record(ctx context.Context, event string, fields map[string]any) error
}

// Snapshot is the read-only view handed to the presentation layer.
type Snapshot struct {
	SessionID    string              `json:"session_id"`
	Principal    auth.Principal      `json:"principal"`
	Scope        auth.Scope          `json:"scope"`
	Devices      []device.Record     `json:"devices"`
	Selected     device.ID           `json:"selected,omitempty"`
	PumpControls bool                `json:"pump_controls"`
	Schedules    []protocol.Schedule `json:"schedules"`
	Transport    transport.State     `json:"transport"`
	At           time.Time           `json:"at"`
}

// Device returns the record for id from the snapshot.
func (s Snapshot) Device(id device.ID) (device.Record, bool) {
	for _, r := range s.Devices {
		if r.ID == id {
			return r, true
		}
	}
	return device.Record{}, false
}

type Option func(*Session)

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func WithAuditor(a Auditor) Option {
	return func(s *Session) { s.auditor = a }
}

// WithID overrides the generated session id (the transport client id).
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Session is safe for concurrent use. Public methods either read immutable
// fields or hand work to the event loop.
type Session struct {
	id        string
	principal auth.Principal
	scope     auth.Scope
	router    *topic.Router
	tr        transport.Transport
	cfg       Config
	now       func() time.Time
	auditor   Auditor

	events   chan event
	done     chan struct{}
	stopped  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	watchers *stream.Stream[Snapshot]
	latest   atomic.Pointer[Snapshot]
	active   atomic.Int64
	watching atomic.Int32
	ota      sync.Mutex
	opened   atomic.Bool

	startOnce sync.Once
	closeOnce sync.Once
	loop      *loop
}

// New prepares a session and dials, but does not connect, its transport.
func New(p auth.Principal, scope auth.Scope, dial Dialer, cfg Config, opts ...Option) *Session {
	s := &Session{
		id:        ids.New(),
		principal: p,
		scope:     scope,
		router:    topic.NewRouter(cfg.Prefix, scope),
		cfg:       cfg,
		now:       time.Now,
		events:    make(chan event, 256),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		watchers:  stream.New[Snapshot](8),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.tr = dial(s.id, s.onTransportState)
	s.loop = newLoop(s)
	s.touch()
	snap := s.loop.snapshot()
	s.latest.Store(&snap)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Principal() auth.Principal { return s.principal }

func (s *Session) Scope() auth.Scope { return s.scope }

// LastActive is the time of the last user call or watcher detach.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.active.Load()) }

// Watched reports whether any Watch subscription is still open.
func (s *Session) Watched() bool { return s.watching.Load() > 0 }

func (s *Session) touch() { s.active.Store(s.now().UnixNano()) }

func (s *Session) onTransportState(st transport.State) {
	s.post(func(l *loop) bool { return l.transportState(st) })
}

// Start connects the transport, subscribes to the scope's topics and arms
// the presence timers.
func (s *Session) Start(ctx context.Context) error {
	err := ErrClosed
	s.startOnce.Do(func() {
		go s.run()
		err = s.start(ctx)
	})
	return err
}

func (s *Session) start(ctx context.Context) error {
	filters := s.router.Subscriptions()
	if len(filters) == 0 {
		return fmt.Errorf("session: empty scope for %s: %w", s.principal.Email, auth.ErrDeviceNotPermitted)
	}
	if err := s.tr.Connect(ctx); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	if err := s.call(ctx, func(l *loop) (bool, error) {
		l.connected(s.now(), s.tr.State())
		return true, nil
	}); err != nil {
		return err
	}

	for _, f := range filters {
		ch, err := s.tr.Subscribe(s.ctx, f)
		if err != nil {
			return fmt.Errorf("session: subscribe %s: %w", f, err)
		}
		go s.forward(ch)
	}
	s.post(func(l *loop) bool { return l.subscribed() })

	s.opened.Store(true)
	obs.SessionOpened()
	obs.Info("session_started", map[string]any{
		"session_id": s.id,
		"email":      s.principal.Email,
		"admin":      s.principal.IsAdmin,
		"filters":    filters,
	})
	return nil
}

func (s *Session) forward(ch <-chan transport.Message) {
	for msg := range ch {
		if !s.post(func(l *loop) bool { return l.inbound(msg) }) {
			return
		}
	}
}

// Close stops the loop, cancels pending requests and closes the transport.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.startOnce.Do(func() { close(s.stopped) })
		close(s.done)
		s.cancel()
		<-s.stopped
		err = s.tr.Close()
		s.watchers.Close()
		if s.opened.Load() {
			obs.SessionClosed()
		}
		obs.Info("session_closed", map[string]any{"session_id": s.id, "email": s.principal.Email})
	})
	return err
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns the latest rendered state.
func (s *Session) Snapshot() Snapshot { return *s.latest.Load() }

// Watch delivers a new snapshot after every visible change until ctx ends.
// Slow watchers miss intermediate snapshots. A watched session is never
// idle.
func (s *Session) Watch(ctx context.Context) <-chan Snapshot {
	s.touch()
	s.watching.Add(1)
	context.AfterFunc(ctx, func() {
		s.watching.Add(-1)
		s.touch()
	})
	return s.watchers.Subscribe(ctx)
}

// send is the only path to the transport. The Target proves the device
// passed the scope check.
func (s *Session) send(ctx context.Context, to topic.Target, cmd protocol.Command) error {
	if !to.Valid() {
		return fmt.Errorf("session: %s: %w", cmd.Name(), auth.ErrDeviceNotPermitted)
	}
	payload, err := cmd.Encode()
	if err != nil {
		return err
	}
	if st := s.tr.State(); st != transport.StateConnected {
		err = fmt.Errorf("%w: %s while %s", transport.ErrUnavailable, cmd.Name(), st)
	} else {
		err = s.tr.Publish(ctx, to.String(), payload)
	}
	obs.CommandPublished(cmd.Name(), err)
	if err != nil {
		obs.Warn("command_failed", map[string]any{"session_id": s.id, "topic": to.String(), "method": cmd.Name(), "error": err})
		return err
	}
	obs.Debug("command_sent", map[string]any{"session_id": s.id, "topic": to.String(), "method": cmd.Name()})
	return nil
}

func (s *Session) audit(ctx context.Context, event string, id device.ID, err error, fields map[string]any) {
	if s.auditor == nil {
		return
	}
	if _, ok := auth.PrincipalFromContext(ctx); !ok {
		ctx = auth.ContextWithPrincipal(ctx, s.principal)
	}
	out := map[string]any{"device": id, "session_id": s.id, "result": "ok"}
	if err != nil {
		out["result"] = "error"
		out["error"] = err
	}
	for k, v := range fields {
		out[k] = v
	}
	if aerr := s.auditor.Record(ctx, event, out); aerr != nil {
		obs.Warn("audit_failed", map[string]any{"session_id": s.id, "event": event, "error": aerr})
	}
}

// SetPump switches the pump of a device. The device must be strictly online.
func (s *Session) SetPump(ctx context.Context, rawDevice string, on bool) error {
	s.touch()
	to, err := s.router.Outbound(rawDevice)
	if err != nil {
		return err
	}
	if err := s.call(ctx, func(l *loop) (bool, error) {
		r, ok := l.tracker.Get(to.Device())
		if !ok || !r.Online() {
			return false, fmt.Errorf("%w: %s", ErrDeviceOffline, to.Device())
		}
		return false, nil
	}); err != nil {
		return err
	}
	err = s.send(ctx, to, protocol.Pump(on))
	s.audit(ctx, "command.pump", to.Device(), err, map[string]any{"on": on})
	return err
}

// RequestStatus asks a device for a full status and waits for a
// status.response or status.notify from it. A reply from the device that
// arrives before the timeout resolves the request; a later request for the
// same device supersedes this one.
func (s *Session) RequestStatus(ctx context.Context, rawDevice string) (device.Record, error) {
	s.touch()
	to, err := s.router.Outbound(rawDevice)
	if err != nil {
		return device.Record{}, err
	}
	var w *waiter
	if err := s.call(ctx, func(l *loop) (bool, error) {
		w = l.beginStatus(to.Device())
		return true, nil
	}); err != nil {
		return device.Record{}, err
	}

	err = s.send(ctx, to, protocol.StatusRequest())
	s.audit(ctx, "command.status", to.Device(), err, nil)
	if err != nil {
		s.post(func(l *loop) bool { return l.abortStatus(to.Device(), w.token, err) })
		obs.StatusRequest("publish_failed")
		return device.Record{}, err
	}

	select {
	case res := <-w.ch:
		return res.rec, res.err
	case <-ctx.Done():
		s.post(func(l *loop) bool { return l.abortStatus(to.Device(), w.token, ctx.Err()) })
		return device.Record{}, ctx.Err()
	case <-s.done:
		return device.Record{}, ErrClosed
	}
}

// Select makes a device the selected one. Changing the selection clears the
// schedule cache and requests the new device's schedule list.
func (s *Session) Select(ctx context.Context, rawDevice string) error {
	s.touch()
	to, err := s.router.Outbound(rawDevice)
	if err != nil {
		return err
	}
	changed, err := s.ensureSelected(ctx, to.Device())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	err = s.send(ctx, to, protocol.ScheduleList())
	s.audit(ctx, "session.select", to.Device(), err, nil)
	return err
}

func (s *Session) ensureSelected(ctx context.Context, id device.ID) (bool, error) {
	var changed bool
	err := s.call(ctx, func(l *loop) (bool, error) {
		changed = l.selectDevice(id)
		return changed, nil
	})
	return changed, err
}

// AddSchedule publishes schedule.add and adds the schedule to the cache
// without waiting for the device. The next schedule list replaces the cache.
func (s *Session) AddSchedule(ctx context.Context, rawDevice string, sched protocol.Schedule) error {
	s.touch()
	to, err := s.router.Outbound(rawDevice)
	if err != nil {
		return err
	}
	if err := sched.Validate(); err != nil {
		return err
	}
	reselected, err := s.ensureSelected(ctx, to.Device())
	if err != nil {
		return err
	}
	err = s.send(ctx, to, protocol.ScheduleAdd(sched))
	s.audit(ctx, "command.schedule_add", to.Device(), err, map[string]any{"schedule_id": sched.ID, "interval": sched.Interval})
	if err != nil {
		return err
	}
	if err := s.call(ctx, func(l *loop) (bool, error) { return l.cacheAdd(to.Device(), sched), nil }); err != nil {
		return err
	}
	if reselected {
		return s.send(ctx, to, protocol.ScheduleList())
	}
	return nil
}

// DeleteSchedule publishes schedule.delete. Unknown ids are still sent and
// are a no-op on the cache.
func (s *Session) DeleteSchedule(ctx context.Context, rawDevice string, id int64) error {
	s.touch()
	to, err := s.router.Outbound(rawDevice)
	if err != nil {
		return err
	}
	if _, err := s.ensureSelected(ctx, to.Device()); err != nil {
		return err
	}
	err = s.send(ctx, to, protocol.ScheduleDelete(id))
	s.audit(ctx, "command.schedule_delete", to.Device(), err, map[string]any{"schedule_id": id})
	if err != nil {
		return err
	}
	return s.call(ctx, func(l *loop) (bool, error) { return l.cacheDelete(to.Device(), id), nil })
}

// ToggleSchedule flips the enabled flag of a cached schedule. Toggling on a
// device that is not selected selects it and waits up to StatusTimeout for
// its schedule list.
func (s *Session) ToggleSchedule(ctx context.Context, rawDevice string, id int64) (protocol.Schedule, error) {
	s.touch()
	to, err := s.router.Outbound(rawDevice)
	if err != nil {
		return protocol.Schedule{}, err
	}
	reselected, err := s.ensureSelected(ctx, to.Device())
	if err != nil {
		return protocol.Schedule{}, err
	}
	var current protocol.Schedule
	if reselected {
		current, err = s.awaitSchedule(ctx, to, id)
	} else {
		current, err = s.cachedSchedule(ctx, to.Device(), id)
	}
	if err != nil {
		return protocol.Schedule{}, err
	}

	enabled := !current.Enabled
	err = s.send(ctx, to, protocol.ScheduleToggle(id, enabled))
	s.audit(ctx, "command.schedule_toggle", to.Device(), err, map[string]any{"schedule_id": id, "enabled": enabled})
	if err != nil {
		return protocol.Schedule{}, err
	}
	current.Enabled = enabled
	err = s.call(ctx, func(l *loop) (bool, error) { return l.cacheSetEnabled(to.Device(), id, enabled), nil })
	return current, err
}

func (s *Session) cachedSchedule(ctx context.Context, id device.ID, sid int64) (protocol.Schedule, error) {
	var sc protocol.Schedule
	err := s.call(ctx, func(l *loop) (bool, error) {
		cached, ok := l.cached(id, sid)
		if !ok {
			return false, fmt.Errorf("%w: %d", protocol.ErrUnknownSchedule, sid)
		}
		sc = cached
		return false, nil
	})
	return sc, err
}

// awaitSchedule requests the schedule list and waits for sid to show up in
// the cache.
func (s *Session) awaitSchedule(ctx context.Context, to topic.Target, sid int64) (protocol.Schedule, error) {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.StatusTimeout)
	defer cancel()
	updates := s.watchers.Subscribe(wctx)
	if err := s.send(ctx, to, protocol.ScheduleList()); err != nil {
		return protocol.Schedule{}, err
	}
	for {
		sc, err := s.cachedSchedule(ctx, to.Device(), sid)
		if !errors.Is(err, protocol.ErrUnknownSchedule) {
			return sc, err
		}
		select {
		case _, ok := <-updates:
			if !ok {
				return s.cachedSchedule(ctx, to.Device(), sid)
			}
		case <-s.done:
			return protocol.Schedule{}, ErrClosed
		}
	}
}

// LoadSchedules requests the device's schedule list. The reply replaces the
// cache asynchronously.
func (s *Session) LoadSchedules(ctx context.Context, rawDevice string) error {
	s.touch()
	to, err := s.router.Outbound(rawDevice)
	if err != nil {
		return err
	}
	if _, err := s.ensureSelected(ctx, to.Device()); err != nil {
		return err
	}
	return s.send(ctx, to, protocol.ScheduleList())
}

// UploadFirmware streams payload to the device in paced ota.upload chunks.
// Any failed chunk aborts the whole transfer; there is no resume.
func (s *Session) UploadFirmware(ctx context.Context, rawDevice string, payload []byte, progress transfer.Progress) error {
	s.touch()
	to, err := s.router.Outbound(rawDevice)
	if err != nil {
		return err
	}
	plan, err := transfer.Split(payload, s.cfg.ChunkSize)
	if err != nil {
		return err
	}
	if !s.ota.TryLock() {
		return ErrTransferInProgress
	}
	defer s.ota.Unlock()

	obs.Info("ota_started", map[string]any{"session_id": s.id, "device": to.Device(), "bytes": plan.Total(), "chunks": plan.Len()})
	up := transfer.NewUploader(transfer.WithPace(s.cfg.ChunkPace), transfer.WithProgress(progress))
	err = up.Upload(ctx, plan, func(ctx context.Context, c transfer.Chunk) error {
		if err := s.send(ctx, to, protocol.OTAChunk(c.Offset, c.Total, c.Data)); err != nil {
			return err
		}
		obs.OTAChunk()
		return nil
	})
	outcome := "ok"
	if err != nil {
		outcome = "aborted"
		obs.Warn("ota_aborted", map[string]any{"session_id": s.id, "device": to.Device(), "error": err})
	} else {
		obs.Info("ota_completed", map[string]any{"session_id": s.id, "device": to.Device(), "bytes": plan.Total()})
	}
	obs.OTATransfer(outcome)
	s.audit(ctx, "command.ota", to.Device(), err, map[string]any{"bytes": plan.Total(), "chunks": plan.Len()})
	return err
}
