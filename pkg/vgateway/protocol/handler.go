// Package protocol implements the Protocol Handler: it terminates MCP over
// JSON-RPC 2.0 on the client side, maintains the initialization gate per
// session, dispatches each method to the Backend Manager, and produces
// responses or notifications.
package protocol

import (
	"context"
	"time"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/rpc"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/session"
)

// SessionIDHeader carries the opaque session id on every MCP request and response.
const SessionIDHeader = "Mcp-Session-Id"

const protocolVersion = "2024-11-05"

// ServerInfo describes this gateway instance, returned by GET /mcp and by initialize.
type ServerInfo struct {
	Name                string   `json:"name"`
	Version             string   `json:"version"`
	ProtocolVersion     string   `json:"protocolVersion"`
	SupportedTransports []string `json:"supportedTransports"`
}

// BackendManager is the read-only capability view the handler holds onto
// the Backend Manager. It breaks the cyclic reference between the two:
// the manager never holds a back-pointer to the handler, only a callback
// registered via Manager.OnCatalogChanged.
type BackendManager interface {
	CallTool(ctx context.Context, externalName string, args map[string]any, deadline time.Duration) (*rpc.Response, error)
	ReadResource(ctx context.Context, uri string, deadline time.Duration) (*rpc.Response, error)
	GetPrompt(ctx context.Context, name string, args map[string]any, deadline time.Duration) (*rpc.Response, error)
	EnabledTools() []vgateway.Tool
	AllResources() []vgateway.Resource
	AllPrompts() []vgateway.Prompt
}

// Handler terminates MCP for client connections: session lifecycle,
// method dispatch, and the initialization gate.
type Handler struct {
	sessions session.Store
	backends BackendManager
	info     ServerInfo
}

// New constructs a Handler. name/version identify this gateway instance in
// server info and the initialize response.
func New(sessions session.Store, backends BackendManager, name, version string) *Handler {
	return &Handler{
		sessions: sessions,
		backends: backends,
		info: ServerInfo{
			Name:                name,
			Version:             version,
			ProtocolVersion:     protocolVersion,
			SupportedTransports: []string{"http", "sse"},
		},
	}
}

// ServerInfo returns the static server info served by GET /mcp.
func (h *Handler) ServerInfo() ServerInfo { return h.info }

// SessionFor resolves the session named by a client-supplied id: reuses a
// known session (touching it), or creates a fresh one with a freshly
// generated id (never the client-supplied one, to prevent session
// fixation). The returned bool reports whether this is a newly created
// session.
func (h *Handler) SessionFor(clientID string) (*session.Session, bool) {
	if clientID != "" {
		if sess, ok := h.sessions.Get(clientID); ok {
			return sess, false
		}
	}
	return h.sessions.New(), true
}

// DestroySession explicitly destroys a session (DELETE /mcp).
func (h *Handler) DestroySession(id string) {
	h.sessions.Delete(id)
}
