// Package transport implements the uniform contract a Backend Connection
// uses to frame, send, and receive MCP JSON-RPC messages over a stdio child
// process, plain HTTP, or Server-Sent Events.
package transport

import (
	"context"
	"errors"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/rpc"
)

// ErrClosed is returned by Send once the transport has been closed, and
// surfaces as the terminal error on Incoming after the channel drains.
var ErrClosed = errors.New("transport: closed")

// Transport is the uniform contract C2 (Backend Connection) drives. Each
// variant (stdio, http, sse) frames the wire differently but exposes the
// same lifecycle.
type Transport interface {
	// Start begins I/O: spawns the child process, or primes the HTTP/SSE
	// client. It may fail fatally if the backend is unreachable at all.
	Start(ctx context.Context) error

	// Send enqueues one JSON-RPC message for delivery. It returns ErrClosed
	// if the transport is not running.
	Send(ctx context.Context, env *rpc.Envelope) error

	// Incoming returns the channel of messages received from the backend.
	// The channel is closed when the transport closes; the final error (if
	// any) is available from Err after the channel closes.
	Incoming() <-chan *rpc.Envelope

	// Err returns the reason the transport closed, or nil if none was
	// recorded. HTTP records none on an explicit Close; stdio and SSE record
	// the end of their read stream, which happens after an explicit Close too.
	Err() error

	// Close tears the transport down. Idempotent: it terminates any
	// pending Incoming read and rejects further Send calls.
	Close() error
}
