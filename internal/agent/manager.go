package agent

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pianzhu/smartthings-mcp/internal/metrics"
)

// Manager holds one Session per conversation id.
type Manager struct {
	opts   Options
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:     opts.withDefaults(),
		now:      time.Now,
		logger:   slog.Default(),
		sessions: make(map[string]*Session),
	}
}

// Options returns the shared session dependencies.
func (m *Manager) Options() Options { return m.opts }

// Session returns the session for id, creating it on first use.
func (m *Manager) Session(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = newSession(id, m.opts, func() time.Time { return m.now() })
		m.sessions[id] = s
		metrics.SetActiveSessions(len(m.sessions))
		m.logger.Debug("session created", "conversation_id", id)
	}
	return s
}

// Lookup returns an existing session.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete drops a session and reports whether it existed.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	metrics.SetActiveSessions(len(m.sessions))
	return true
}

// IDs returns the live conversation ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EvictIdle drops sessions inactive for longer than maxIdle and returns how
// many were dropped.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	cutoff := m.now().Add(-maxIdle)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.SetActiveSessions(len(m.sessions))
		m.logger.Info("evicted idle sessions", "count", removed, "remaining", len(m.sessions))
	}
	return removed
}
