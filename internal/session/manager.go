package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/datachat/internal/observability"
)

// Manager owns all live sessions, keyed by id. Turn processing within one
// session is serial; the manager itself must tolerate concurrent HTTP
// handlers.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*State
	limits   Limits
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewManager creates an empty session registry. metrics may be nil.
func NewManager(limits Limits, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*State),
		limits:   limits,
		logger:   logger.With("component", "session_manager"),
		metrics:  metrics,
	}
}

// Create registers a new session and returns it.
func (m *Manager) Create() *State {
	st := NewState(m.limits)

	m.mu.Lock()
	m.sessions[st.ID()] = st
	count := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Set(float64(count))
	}
	m.logger.Info("session created", "session_id", st.ID(), "active", count)
	return st
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[id]
	return st, ok
}

// Remove drops a session.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Set(float64(count))
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Reset wipes a session in place, preserving the listed keys. The session
// keeps its registry id even though its internal id regenerates; callers
// address sessions by the id they created them with.
func (m *Manager) Reset(id string, preserve ...Key) bool {
	m.mu.Lock()
	st, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	st.ClearAll(preserve...)
	m.logger.Info("session reset", "session_id", id, "preserved", len(preserve))
	return true
}

// EvictIdle removes sessions whose last activity is older than maxAge and
// returns how many were dropped.
func (m *Manager) EvictIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var evicted []string
	for id, st := range m.sessions {
		if st.LastActive().Before(cutoff) {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Set(float64(count))
	}
	if len(evicted) > 0 {
		m.logger.Info("evicted idle sessions", "count", len(evicted), "active", count)
	}
	return len(evicted)
}
