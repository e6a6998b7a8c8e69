package session

import (
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/logger"
)

// Store is the contract the Protocol Handler drives: create, fetch, and
// destroy sessions, independent of where they are actually held.
type Store interface {
	// New creates and stores a fresh session, returning it.
	New() *Session
	// Get fetches a session by id and touches its last-activity timestamp.
	// ok is false if the id is unknown (including expired/evicted).
	Get(id string) (sess *Session, ok bool)
	// Delete removes a session; a no-op if the id is unknown.
	Delete(id string)
	// Subscribe registers sess as reachable for Broadcast for as long as its
	// caller holds the connection open (e.g. an SSE handler). The returned
	// func must be called to unsubscribe.
	Subscribe(sess *Session) (unsubscribe func())
	// Broadcast pushes a server-initiated notification to every session
	// currently Subscribed on this process.
	Broadcast(n mcp.JSONRPCNotification)
	// Stop releases background resources (GC goroutine, connections).
	Stop()
}

// Manager is the default in-memory Store: a concurrent map with an idle-GC
// goroutine that evicts sessions whose last activity exceeds ttl.
type Manager struct {
	ttl time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	broadcast *broadcastRegistry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager constructs a Manager with the given idle timeout.
func NewManager(ttl time.Duration) *Manager {
	m := &Manager{
		ttl:       ttl,
		sessions:  make(map[string]*Session),
		broadcast: newBroadcastRegistry(),
		stopCh:    make(chan struct{}),
	}
	go m.gcLoop()
	return m
}

// Subscribe registers sess as reachable for Broadcast.
func (m *Manager) Subscribe(sess *Session) func() { return m.broadcast.subscribe(sess) }

// Broadcast pushes n to every locally-subscribed session.
func (m *Manager) Broadcast(n mcp.JSONRPCNotification) { m.broadcast.broadcast(n) }

// New creates and stores a fresh session.
func (m *Manager) New() *Session {
	sess := NewSession()
	m.mu.Lock()
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()
	return sess
}

// AddWithID stores a pre-built session under its own id, for a Session
// constructed out-of-band rather than through New.
func (m *Manager) AddWithID(sess *Session) {
	m.mu.Lock()
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()
}

// Get fetches a session and touches it.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	sess.Touch()
	return sess, true
}

// Delete removes a session.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Count returns the number of live sessions, for admin/diagnostics.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stop halts the GC goroutine. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) gcLoop() {
	interval := m.ttl / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.evictIdle(now)
		}
	}
}

func (m *Manager) evictIdle(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.sessions {
		if sess.IdleSince(now) > m.ttl {
			delete(m.sessions, id)
			logger.Debugw("session garbage collected", "session", id)
		}
	}
}
