package session

import (
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/logger"
)

// broadcastRegistry tracks the sessions that currently hold an open SSE
// connection on THIS process. It is always local-only, even for a Store
// backed by shared storage (e.g. RedisStore): only the replica holding the
// live HTTP connection for a session can actually push a frame to it, so
// subscription must never be derived from canonical (possibly
// Redis-shared) session state.
type broadcastRegistry struct {
	mu   sync.Mutex
	subs map[string]*Session
}

func newBroadcastRegistry() *broadcastRegistry {
	return &broadcastRegistry{subs: make(map[string]*Session)}
}

// subscribe registers sess as locally reachable for broadcast for as long as
// its SSE connection is open, returning an unsubscribe func the caller must
// defer.
func (r *broadcastRegistry) subscribe(sess *Session) func() {
	r.mu.Lock()
	r.subs[sess.ID()] = sess
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, sess.ID())
		r.mu.Unlock()
	}
}

// broadcast pushes n to every locally-subscribed session's notification
// channel, logging (not blocking on) any session whose reader is too slow.
func (r *broadcastRegistry) broadcast(n mcp.JSONRPCNotification) {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.subs))
	for _, sess := range r.subs {
		targets = append(targets, sess)
	}
	r.mu.Unlock()

	for _, sess := range targets {
		if !sess.pushNotification(n) {
			logger.Warnw("session notification dropped, reader too slow", "session", sess.ID(), "method", n.Method)
		}
	}
}
