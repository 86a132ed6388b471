// Package translation tracks live-translation sub-sessions attached to
// in-progress calls. The manager does not translate anything; it records
// session existence and the language pair for downstream consumers.
package translation

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrAlreadyOpen = errors.New("translation session already open")

// Session is the lifecycle record of one call's translation sub-session.
// Closed sessions are retained, not deleted, so the evidence pipeline can
// still see that one existed.
type Session struct {
	ID       string
	CallID   string
	From     string
	To       string
	OpenedAt time.Time
	ClosedAt *time.Time
}

// Open reports whether the session is still active.
func (s *Session) Open() bool {
	return s != nil && s.ClosedAt == nil
}

// Manager owns all translation sessions, keyed by call id (at most one per
// call). Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	clock    func() time.Time
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Open creates the session for a call entering its live phase. Fails with
// ErrAlreadyOpen if an active session exists for the call.
func (m *Manager) Open(callID, from, to string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[callID]; ok && existing.Open() {
		return nil, ErrAlreadyOpen
	}

	s := &Session{
		ID:       uuid.New().String(),
		CallID:   callID,
		From:     from,
		To:       to,
		OpenedAt: m.clock().UTC(),
	}
	m.sessions[callID] = s
	return s, nil
}

// Close ends the session for a call leaving its live phase. Closing a missing
// or already-closed session is a no-op.
func (m *Manager) Close(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[callID]
	if !ok || !s.Open() {
		return
	}
	now := m.clock().UTC()
	s.ClosedAt = &now
}

// Get returns the session for a call, open or closed, or nil.
func (m *Manager) Get(callID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[callID]
}
