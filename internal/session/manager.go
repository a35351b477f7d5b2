package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"pumpctl.org/internal/auth"
	"pumpctl.org/internal/obs"
)

// Manager keeps one live session per principal email and closes sessions
// that have been idle longer than the TTL.
type Manager struct {
	cfg     Config
	dial    Dialer
	opts    []Option
	idleTTL time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

type ManagerOption func(*Manager)

func WithIdleTTL(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTTL = d }
}

// WithSessionOptions applies opts to every session the manager creates.
func WithSessionOptions(opts ...Option) ManagerOption {
	return func(m *Manager) { m.opts = append(m.opts, opts...) }
}

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(cfg Config, dial Dialer, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg,
		dial:     dial,
		idleTTL:  30 * time.Minute,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the principal's session, starting a new one when needed.
func (m *Manager) Get(ctx context.Context, p auth.Principal, scope auth.Scope) (*Session, error) {
	key := strings.ToLower(p.Email)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := m.sessions[key]; ok {
		select {
		case <-s.Done():
			delete(m.sessions, key)
		default:
			m.mu.Unlock()
			s.touch()
			return s, nil
		}
	}
	s := New(p, scope, m.dial, m.cfg, m.opts...)
	m.sessions[key] = s
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		m.mu.Lock()
		if m.sessions[key] == s {
			delete(m.sessions, key)
		}
		m.mu.Unlock()
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Lookup returns a live session without creating one.
func (m *Manager) Lookup(email string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[strings.ToLower(email)]
	return s, ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Reap closes sessions idle for longer than the TTL and returns how many
// were closed. Sessions with an open Watch are kept.
func (m *Manager) Reap() int {
	cutoff := m.now().Add(-m.idleTTL)
	var idle []*Session
	m.mu.Lock()
	for key, s := range m.sessions {
		if !s.Watched() && s.LastActive().Before(cutoff) {
			delete(m.sessions, key)
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		obs.Info("session_reaped", map[string]any{"session_id": s.ID(), "email": s.Principal().Email})
		_ = s.Close()
	}
	return len(idle)
}

// Run reaps idle sessions every interval until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}

// Close ends every session.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for key, s := range m.sessions {
		delete(m.sessions, key)
		all = append(all, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_ = s.Close()
		}(s)
	}
	wg.Wait()
}
