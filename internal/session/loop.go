package session

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"pumpctl.org/internal/device"
	"pumpctl.org/internal/obs"
	"pumpctl.org/internal/presence"
	"pumpctl.org/internal/protocol"
	"pumpctl.org/internal/transport"
)

// event runs on the loop goroutine and reports whether the snapshot changed.
type event func(l *loop) bool

func (s *Session) post(ev event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(ctx context.Context, fn func(l *loop) (bool, error)) error {
	errc := make(chan error, 1)
	if !s.post(func(l *loop) bool {
		changed, err := fn(l)
		errc <- err
		return changed
	}) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) run() {
	l := s.loop
	defer close(s.stopped)

	every := s.cfg.Presence.SweepInterval
	if every <= 0 {
		every = presence.DefaultConfig().SweepInterval
	}
	sweep := time.NewTicker(every)
	defer sweep.Stop()

	for {
		select {
		case <-s.done:
			l.shutdown()
			return
		case ev := <-s.events:
			if ev(l) {
				s.refresh()
			}
		case <-sweep.C:
			if l.sweep() {
				s.refresh()
			}
		}
	}
}

func (s *Session) refresh() {
	snap := s.loop.snapshot()
	s.latest.Store(&snap)
	s.watchers.Publish(snap)
}

// probe sends the initial status requests. Admins then get a probe deadline
// after which silent known devices are offline.
func (s *Session) probe() {
	select {
	case <-s.done:
		return
	default:
	}
	targets := []device.ID{s.principal.Device}
	if s.scope.All() {
		targets = s.cfg.KnownDevices
	}
	for _, id := range targets {
		to, err := s.router.Outbound(string(id))
		if err != nil {
			continue
		}
		_ = s.send(s.ctx, to, protocol.StatusRequest())
	}
	if s.scope.All() {
		s.post(func(l *loop) bool { return l.armProbeWait() })
	}
}

type statusResult struct {
	rec device.Record
	err error
}

type waiter struct {
	token string
	ch    chan statusResult
}

func (w *waiter) resolve(rec device.Record, err error) {
	select {
	case w.ch <- statusResult{rec: rec, err: err}:
	default:
	}
}

type pendingStatus struct {
	w     *waiter
	timer *time.Timer
}

// loop is the state owned by the event loop goroutine.
type loop struct {
	s         *Session
	tracker   *presence.Tracker
	selected  device.ID
	schedules []protocol.Schedule
	conn      transport.State
	pending   map[device.ID]*pendingStatus

	initialWait *time.Timer
	probeWait   *time.Timer
	probeDelay  *time.Timer
}

func newLoop(s *Session) *loop {
	return &loop{
		s:       s,
		tracker: presence.New(s.cfg.Presence),
		conn:    transport.StateDisconnected,
		pending: make(map[device.ID]*pendingStatus),
	}
}

// connected anchors the grace period and pre-populates records.
func (l *loop) connected(now time.Time, st transport.State) {
	l.conn = st
	l.tracker.Start(now)
	if l.s.scope.All() {
		for _, id := range l.s.cfg.KnownDevices {
			l.tracker.Track(id)
		}
	} else {
		own := l.s.principal.Device
		l.tracker.Track(own)
		l.selected = own
	}
	l.autoSelect()
}

// subscribed arms the probe and, for single-device sessions, the initial wait.
func (l *loop) subscribed() bool {
	cfg := l.s.cfg.Presence
	l.probeDelay = time.AfterFunc(cfg.ProbeDelay, l.s.probe)
	if !l.s.scope.All() {
		own := l.s.principal.Device
		l.initialWait = time.AfterFunc(cfg.InitialWait, func() {
			l.s.post(func(l *loop) bool { return l.expire("initial_wait", own) })
		})
	}
	return false
}

func (l *loop) armProbeWait() bool {
	known := slices.Clone(l.s.cfg.KnownDevices)
	l.probeWait = time.AfterFunc(l.s.cfg.Presence.ProbeWait, func() {
		l.s.post(func(l *loop) bool { return l.expire("probe", known...) })
	})
	return false
}

func (l *loop) expire(reason string, ids ...device.ID) bool {
	trs := l.tracker.ExpireSilent(l.s.now(), ids...)
	for i := range trs {
		l.transition(&trs[i], reason)
	}
	return len(trs) > 0
}

func (l *loop) sweep() bool {
	trs := l.tracker.Sweep(l.s.now())
	for i := range trs {
		l.transition(&trs[i], "heartbeat_timeout")
	}
	return len(trs) > 0
}

func (l *loop) transition(tr *presence.Transition, reason string) {
	if tr == nil {
		return
	}
	obs.PresenceTransition(tr.To.String())
	obs.Info("presence_transition", map[string]any{
		"session_id": l.s.id,
		"device":     tr.Device,
		"from":       tr.From.String(),
		"to":         tr.To.String(),
		"reason":     reason,
	})
}

func (l *loop) transportState(st transport.State) bool {
	if l.conn == st {
		return false
	}
	obs.Info("transport_state", map[string]any{"session_id": l.s.id, "from": l.conn, "to": st})
	l.conn = st
	return true
}

// inbound handles one delivery. Everything that cannot be attributed to a
// permitted device and a known message kind is dropped.
func (l *loop) inbound(msg transport.Message) bool {
	t, ok := l.s.router.Inbound(msg.Topic)
	if !ok {
		obs.InboundMessage("unknown", "dropped")
		return false
	}
	ch := string(t.Channel)
	m, err := protocol.Decode(t.Channel, msg.Payload)
	if err != nil {
		obs.InboundMessage(ch, "malformed")
		obs.Debug("inbound_dropped", map[string]any{"session_id": l.s.id, "topic": msg.Topic, "error": err})
		return false
	}

	now := l.s.now()
	changed := false
	switch m.Kind {
	case protocol.KindNotify:
		created := l.tracker.Track(t.Device)
		up := l.tracker.Notify(t.Device, m.PumpOn, now)
		if !up.Accepted {
			obs.InboundMessage(ch, "stale")
			return l.autoSelect() || created
		}
		changed = l.accept(t.Device, up, "heartbeat") || created
	case protocol.KindStatusResponse:
		changed = l.accept(t.Device, l.tracker.Respond(t.Device, m.PumpOn, m.Info, now), "status_response")
	case protocol.KindScheduleList:
		if t.Device != l.selected {
			obs.InboundMessage(ch, "ignored")
			return false
		}
		l.schedules = slices.Clone(m.Schedules)
		if l.schedules == nil {
			l.schedules = []protocol.Schedule{}
		}
		changed = true
	}
	obs.InboundMessage(ch, "ok")
	return l.autoSelect() || changed
}

func (l *loop) accept(id device.ID, up presence.Update, reason string) bool {
	if up.First && id == l.s.principal.Device && l.initialWait != nil {
		l.initialWait.Stop()
		l.initialWait = nil
	}
	l.transition(up.Transition, reason)
	l.resolveStatus(id)
	return up.Changed
}

func (l *loop) autoSelect() bool {
	if l.selected != "" {
		return false
	}
	ids := l.tracker.IDs()
	if len(ids) == 0 {
		return false
	}
	l.selected = ids[0]
	return true
}

// beginStatus registers a status request for id, superseding any earlier
// one for the same device.
func (l *loop) beginStatus(id device.ID) *waiter {
	if old, ok := l.pending[id]; ok {
		old.timer.Stop()
		old.w.resolve(device.Record{}, ErrSuperseded)
		obs.StatusRequest("superseded")
	}
	l.tracker.Track(id)
	w := &waiter{token: uuid.NewString(), ch: make(chan statusResult, 1)}
	timer := time.AfterFunc(l.s.cfg.StatusTimeout, func() {
		l.s.post(func(l *loop) bool { return l.statusTimeout(id, w.token) })
	})
	l.pending[id] = &pendingStatus{w: w, timer: timer}
	return w
}

func (l *loop) take(id device.ID, token string) *pendingStatus {
	p, ok := l.pending[id]
	if !ok || (token != "" && p.w.token != token) {
		return nil
	}
	delete(l.pending, id)
	p.timer.Stop()
	return p
}

func (l *loop) statusTimeout(id device.ID, token string) bool {
	if p := l.take(id, token); p != nil {
		obs.StatusRequest("timeout")
		obs.Info("status_no_response", map[string]any{"session_id": l.s.id, "device": id, "token": token})
		p.w.resolve(device.Record{}, ErrNoResponse)
	}
	return false
}

func (l *loop) abortStatus(id device.ID, token string, err error) bool {
	if p := l.take(id, token); p != nil {
		p.w.resolve(device.Record{}, err)
	}
	return false
}

func (l *loop) resolveStatus(id device.ID) {
	if p := l.take(id, ""); p != nil {
		rec, _ := l.tracker.Get(id)
		obs.StatusRequest("ok")
		p.w.resolve(rec, nil)
	}
}

// selectDevice reports whether the selection changed.
func (l *loop) selectDevice(id device.ID) bool {
	created := l.tracker.Track(id)
	if l.selected == id {
		return created
	}
	l.selected = id
	l.schedules = []protocol.Schedule{}
	return true
}

func (l *loop) cacheAdd(id device.ID, sc protocol.Schedule) bool {
	if id != l.selected {
		return false
	}
	for i := range l.schedules {
		if l.schedules[i].ID == sc.ID {
			l.schedules[i] = sc
			return true
		}
	}
	l.schedules = append(l.schedules, sc)
	return true
}

func (l *loop) cacheDelete(id device.ID, sid int64) bool {
	if id != l.selected {
		return false
	}
	n := len(l.schedules)
	l.schedules = slices.DeleteFunc(l.schedules, func(s protocol.Schedule) bool { return s.ID == sid })
	return len(l.schedules) != n
}

func (l *loop) cached(id device.ID, sid int64) (protocol.Schedule, bool) {
	if id != l.selected {
		return protocol.Schedule{}, false
	}
	for _, s := range l.schedules {
		if s.ID == sid {
			return s, true
		}
	}
	return protocol.Schedule{}, false
}

func (l *loop) cacheSetEnabled(id device.ID, sid int64, enabled bool) bool {
	if id != l.selected {
		return false
	}
	for i := range l.schedules {
		if l.schedules[i].ID == sid {
			l.schedules[i].Enabled = enabled
			return true
		}
	}
	return false
}

func (l *loop) snapshot() Snapshot {
	rec, ok := l.tracker.Get(l.selected)
	schedules := slices.Clone(l.schedules)
	if schedules == nil {
		schedules = []protocol.Schedule{}
	}
	return Snapshot{
		SessionID:    l.s.id,
		Principal:    l.s.principal,
		Scope:        l.s.scope,
		Devices:      l.tracker.Snapshot(),
		Selected:     l.selected,
		PumpControls: ok && rec.Online() && l.conn == transport.StateConnected,
		Schedules:    schedules,
		Transport:    l.conn,
		At:           l.s.now(),
	}
}

func (l *loop) shutdown() {
	for _, t := range []*time.Timer{l.initialWait, l.probeWait, l.probeDelay} {
		if t != nil {
			t.Stop()
		}
	}
	for id, p := range l.pending {
		delete(l.pending, id)
		p.timer.Stop()
		p.w.resolve(device.Record{}, ErrClosed)
	}
}
