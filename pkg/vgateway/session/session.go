// Package session implements the client-facing Session Store: sessions
// identified by opaque, server-generated ids, tracking initialization state
// and last activity, garbage-collected on an idle timeout.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// notificationBuffer bounds how many pending server-to-client notifications
// a session holds before a slow SSE reader starts losing them.
const notificationBuffer = 16

// Session is one client-facing MCP session.
type Session struct {
	id        string
	createdAt time.Time

	mu             sync.Mutex
	lastActivityAt time.Time
	initialized    bool
	clientInfo     map[string]any

	notifications chan mcp.JSONRPCNotification
}

// NewSession constructs a Session with a freshly generated id. Clients never
// get to choose their own id, which would allow session fixation.
func NewSession() *Session {
	now := time.Now()
	return &Session{
		id:             uuid.NewString(),
		createdAt:      now,
		lastActivityAt: now,
		notifications:  make(chan mcp.JSONRPCNotification, notificationBuffer),
	}
}

// NotificationChannel returns the send-side of the session's notification
// channel, mirroring mcp-go's server.ClientSession contract so a Store's
// broadcast helper can push server-initiated notifications (list_changed,
// etc.) the same way an in-process mcp-go server would.
func (s *Session) NotificationChannel() chan<- mcp.JSONRPCNotification { return s.notifications }

// Notifications returns the receive-side of the session's notification
// channel, read by the SSE handler for as long as the connection is open.
func (s *Session) Notifications() <-chan mcp.JSONRPCNotification { return s.notifications }

// pushNotification delivers n without blocking, reporting whether it was
// accepted. The caller logs a drop; Session itself stays transport-agnostic.
func (s *Session) pushNotification(n mcp.JSONRPCNotification) bool {
	select {
	case s.notifications <- n:
		return true
	default:
		return false
	}
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivityAt returns the last time the session was touched.
func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// Touch refreshes the session's last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

// Initialized reports whether initialize has completed successfully.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// MarkInitialized flips the initialized flag and records clientInfo. It is
// single-writer: only the Protocol Handler goroutine handling this
// session's initialize call should call it.
func (s *Session) MarkInitialized(clientInfo map[string]any) {
	s.mu.Lock()
	s.initialized = true
	s.clientInfo = clientInfo
	s.mu.Unlock()
}

// ClientInfo returns the clientInfo recorded at initialize, if any.
func (s *Session) ClientInfo() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// IdleSince reports how long the session has been idle as of now.
func (s *Session) IdleSince(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt())
}
