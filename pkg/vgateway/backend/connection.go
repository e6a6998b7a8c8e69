// Package backend implements the Backend Connection: it owns one transport,
// performs the MCP handshake, caches capabilities and catalogs, correlates
// requests with responses, and emits lifecycle events for the Backend
// Manager to consume.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/gwerrors"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/logger"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/rpc"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/transport"
)

// EventKind identifies the kind of lifecycle event a Connection emits.
type EventKind string

// Lifecycle event kinds.
const (
	EventConnected        EventKind = "connected"
	EventDisconnected     EventKind = "disconnected"
	EventError            EventKind = "error"
	EventToolsChanged     EventKind = "tools_changed"
	EventResourcesChanged EventKind = "resources_changed"
	EventPromptsChanged   EventKind = "prompts_changed"
)

// Event is one lifecycle notification published by a Connection.
type Event struct {
	BackendID string
	Kind      EventKind
	Err       error
}

// TransportFactory builds a fresh Transport for one connect attempt. A
// fresh instance per attempt avoids reusing a transport left in a
// half-failed state by a previous attempt.
type TransportFactory func() transport.Transport

// pendingCall is one in-flight request awaiting its response.
type pendingCall struct {
	resultCh chan *rpc.Response
}

// Connection presents one backend as a local object with three catalogs
// and a correlated sendRequest, independent of the underlying transport.
type Connection struct {
	config  vgateway.BackendConfig
	factory TransportFactory

	events chan Event

	mu        sync.RWMutex
	transport transport.Transport
	status    vgateway.BackendStatus
	lastErr   error
	caps      vgateway.Capabilities

	tools     atomic.Pointer[[]vgateway.Tool]
	resources atomic.Pointer[[]vgateway.Resource]
	prompts   atomic.Pointer[[]vgateway.Prompt]

	nextCorrelationID atomic.Int64

	inflightMu sync.Mutex
	inflight   map[int64]*pendingCall

	readerDone chan struct{}
}

// New constructs a Connection for the given config, using factory to build
// a transport for each connect attempt.
func New(config vgateway.BackendConfig, factory TransportFactory) *Connection {
	empty1 := []vgateway.Tool{}
	empty2 := []vgateway.Resource{}
	empty3 := []vgateway.Prompt{}
	c := &Connection{
		config:   config,
		factory:  factory,
		events:   make(chan Event, 16),
		status:   vgateway.StatusDisconnected,
		inflight: make(map[int64]*pendingCall),
	}
	c.tools.Store(&empty1)
	c.resources.Store(&empty2)
	c.prompts.Store(&empty3)
	return c
}

// Config returns the backend's configuration.
func (c *Connection) Config() vgateway.BackendConfig { return c.config }

// Status returns the current lifecycle status.
func (c *Connection) Status() vgateway.BackendStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// LastError returns the last connect/transport error, if any.
func (c *Connection) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Capabilities returns the capabilities negotiated at the last successful handshake.
func (c *Connection) Capabilities() vgateway.Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps
}

// Tools returns the last published tool catalog snapshot.
func (c *Connection) Tools() []vgateway.Tool { return *c.tools.Load() }

// Resources returns the last published resource catalog snapshot.
func (c *Connection) Resources() []vgateway.Resource { return *c.resources.Load() }

// Prompts returns the last published prompt catalog snapshot.
func (c *Connection) Prompts() []vgateway.Prompt { return *c.prompts.Load() }

// Events returns the channel of lifecycle events this connection publishes.
func (c *Connection) Events() <-chan Event { return c.events }

func (c *Connection) emit(kind EventKind, err error) {
	select {
	case c.events <- Event{BackendID: c.config.ID, Kind: kind, Err: err}:
	default:
		logger.Warnw("backend event dropped, subscriber too slow", "backend", c.config.ID, "kind", string(kind))
	}
}

func (c *Connection) setStatus(status vgateway.BackendStatus, err error) {
	c.mu.Lock()
	c.status = status
	c.lastErr = err
	c.mu.Unlock()
}

// Connect starts the transport and performs the MCP handshake, retrying
// only the handshake phase with exponential backoff. On success the status
// becomes connected and a connected event is emitted. On exhausted retries
// the status becomes error and an error event is emitted; the connection is
// not removed.
func (c *Connection) Connect(ctx context.Context) error {
	c.setStatus(vgateway.StatusConnecting, nil)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	maxTries := uint(c.config.Retries) + 1

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attemptErr := c.attemptConnect(ctx)
		return struct{}{}, attemptErr
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))

	if err != nil {
		c.setStatus(vgateway.StatusError, err)
		c.emit(EventError, err)
		return err
	}

	c.setStatus(vgateway.StatusConnected, nil)
	c.emit(EventConnected, nil)
	return nil
}

func (c *Connection) attemptConnect(ctx context.Context) error {
	tr := c.factory()
	if err := tr.Start(ctx); err != nil {
		return gwerrors.NewTransportError("backend transport failed to start", err)
	}

	c.mu.Lock()
	c.transport = tr
	c.mu.Unlock()

	done := make(chan struct{})
	c.readerDone = done
	go c.readLoop(tr, done)

	caps, err := c.handshake(ctx, tr)
	if err != nil {
		_ = tr.Close()
		return err
	}

	c.mu.Lock()
	c.caps = caps
	c.mu.Unlock()

	if err := c.refreshCatalogs(ctx, caps); err != nil {
		_ = tr.Close()
		return err
	}
	return nil
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      map[string]any `json:"serverInfo"`
}

func (c *Connection) handshake(ctx context.Context, tr transport.Transport) (vgateway.Capabilities, error) {
	var caps vgateway.Capabilities

	resp, err := c.sendOn(ctx, tr, rpc.MethodInitialize, map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "vgateway", "version": "1.0"},
		"capabilities":    map[string]any{},
	}, c.config.EffectiveTimeout())
	if err != nil {
		return caps, gwerrors.NewTransportError("handshake initialize failed", err)
	}
	if resp.Error != nil {
		return caps, gwerrors.NewTransportError(fmt.Sprintf("backend rejected initialize: %s", resp.Error.Message), nil)
	}

	var result initializeResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return caps, gwerrors.NewTransportError("malformed initialize result", err)
		}
	}
	_, caps.Tools = result.Capabilities["tools"]
	_, caps.Resources = result.Capabilities["resources"]
	_, caps.Prompts = result.Capabilities["prompts"]
	_, caps.Logging = result.Capabilities["logging"]

	note, err := rpc.NewNotification(rpc.MethodInitialized, nil)
	if err != nil {
		return caps, err
	}
	env := &rpc.Envelope{JSONRPC: note.JSONRPC, Method: note.Method, Params: note.Params}
	if err := tr.Send(ctx, env); err != nil {
		return caps, gwerrors.NewTransportError("failed to send initialized notification", err)
	}

	return caps, nil
}

func (c *Connection) refreshCatalogs(ctx context.Context, caps vgateway.Capabilities) error {
	if caps.Tools {
		tools, err := c.listTools(ctx)
		if err != nil {
			return err
		}
		c.tools.Store(&tools)
	}
	if caps.Resources {
		resources, err := c.listResources(ctx)
		if err != nil {
			return err
		}
		c.resources.Store(&resources)
	}
	if caps.Prompts {
		prompts, err := c.listPrompts(ctx)
		if err != nil {
			return err
		}
		c.prompts.Store(&prompts)
	}
	return nil
}

func (c *Connection) listTools(ctx context.Context) ([]vgateway.Tool, error) {
	resp, err := c.SendRequest(ctx, rpc.MethodToolsList, map[string]any{}, c.config.EffectiveTimeout())
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, gwerrors.NewTransportError(resp.Error.Message, nil)
	}
	var parsed struct {
		Tools []vgateway.Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &parsed); err != nil {
		return nil, gwerrors.NewTransportError("malformed tools/list result", err)
	}
	return parsed.Tools, nil
}

func (c *Connection) listResources(ctx context.Context) ([]vgateway.Resource, error) {
	resp, err := c.SendRequest(ctx, rpc.MethodResourcesList, map[string]any{}, c.config.EffectiveTimeout())
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, gwerrors.NewTransportError(resp.Error.Message, nil)
	}
	var parsed struct {
		Resources []vgateway.Resource `json:"resources"`
	}
	if err := json.Unmarshal(resp.Result, &parsed); err != nil {
		return nil, gwerrors.NewTransportError("malformed resources/list result", err)
	}
	return parsed.Resources, nil
}

func (c *Connection) listPrompts(ctx context.Context) ([]vgateway.Prompt, error) {
	resp, err := c.SendRequest(ctx, rpc.MethodPromptsList, map[string]any{}, c.config.EffectiveTimeout())
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, gwerrors.NewTransportError(resp.Error.Message, nil)
	}
	var parsed struct {
		Prompts []vgateway.Prompt `json:"prompts"`
	}
	if err := json.Unmarshal(resp.Result, &parsed); err != nil {
		return nil, gwerrors.NewTransportError("malformed prompts/list result", err)
	}
	return parsed.Prompts, nil
}

// SendRequest allocates a fresh correlation id, registers a pending
// completion with the given deadline, writes the request on the current
// transport, and awaits the matching response. It is refused unless the
// backend is connected or mid-connect (Connect's */list calls go through it).
func (c *Connection) SendRequest(ctx context.Context, method string, params any, deadline time.Duration) (*rpc.Response, error) {
	c.mu.RLock()
	tr := c.transport
	status := c.status
	c.mu.RUnlock()

	if tr == nil || (status != vgateway.StatusConnected && status != vgateway.StatusConnecting) {
		return nil, gwerrors.NewInternalError(fmt.Sprintf("backend %q is not connected", c.config.ID), nil)
	}
	return c.sendOn(ctx, tr, method, params, deadline)
}

func (c *Connection) sendOn(ctx context.Context, tr transport.Transport, method string, params any, deadline time.Duration) (*rpc.Response, error) {
	correlationID := c.nextCorrelationID.Add(1)
	id := rpc.NewIntID(correlationID)

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("backend: encode params: %w", err)
	}

	call := &pendingCall{resultCh: make(chan *rpc.Response, 1)}
	c.inflightMu.Lock()
	c.inflight[correlationID] = call
	c.inflightMu.Unlock()

	cleanup := func() {
		c.inflightMu.Lock()
		delete(c.inflight, correlationID)
		c.inflightMu.Unlock()
	}

	env := &rpc.Envelope{JSONRPC: rpc.Version, ID: id, Method: method, Params: raw}
	if err := tr.Send(ctx, env); err != nil {
		cleanup()
		return nil, gwerrors.NewTransportError("backend: send failed", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	select {
	case resp := <-call.resultCh:
		return resp, nil
	case <-callCtx.Done():
		cleanup()
		logger.Warnw("backend request timed out", "backend", c.config.ID, "method", method, "correlationId", correlationID)
		return nil, gwerrors.NewTimeoutError(fmt.Sprintf("backend %q request %q timed out", c.config.ID, method), callCtx.Err())
	}
}

// readLoop pulls from transport.Incoming() and dispatches responses to
// pending callers or handles backend-initiated notifications.
func (c *Connection) readLoop(tr transport.Transport, done chan struct{}) {
	defer close(done)

	for env := range tr.Incoming() {
		switch {
		case env.IsResponse():
			c.dispatchResponse(env)
		case env.IsNotification():
			c.handleNotification(env)
		default:
			logger.Warnw("backend sent unexpected request, dropping", "backend", c.config.ID, "method", env.Method)
		}
	}

	err := tr.Err()
	c.mu.Lock()
	wasConnected := c.status == vgateway.StatusConnected
	c.mu.Unlock()

	c.failInflight(gwerrors.NewTransportError("backend transport closed", err))

	if wasConnected {
		c.setStatus(vgateway.StatusDisconnected, err)
		c.emit(EventDisconnected, err)
	}
}

func (c *Connection) dispatchResponse(env *rpc.Envelope) {
	resp := env.AsResponse()
	correlationID, ok := intFromID(resp.ID)
	if !ok {
		logger.Warnw("backend response has non-numeric id, dropping", "backend", c.config.ID, "id", rpc.IDString(resp.ID))
		return
	}

	c.inflightMu.Lock()
	call, found := c.inflight[correlationID]
	if found {
		delete(c.inflight, correlationID)
	}
	c.inflightMu.Unlock()

	if !found {
		logger.Warnw("backend response has unknown correlation id, dropping", "backend", c.config.ID, "correlationId", correlationID)
		return
	}
	call.resultCh <- resp
}

// intFromID recovers the correlation id sendOn encoded into the request.
// Since rpc.ID is mcp.RequestId (a bare any), a backend's response has it
// decoded back as a float64 by the transport's JSON decoder regardless of
// how it was sent.
func intFromID(id rpc.ID) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

func (c *Connection) handleNotification(env *rpc.Envelope) {
	ctx := context.Background()
	switch env.Method {
	case rpc.NotificationToolsListChanged:
		tools, err := c.listTools(ctx)
		if err != nil {
			logger.Warnw("failed to refresh tools after change notification", "backend", c.config.ID, "error", err.Error())
			return
		}
		c.tools.Store(&tools)
		c.emit(EventToolsChanged, nil)
	case rpc.NotificationResourcesListChanged:
		resources, err := c.listResources(ctx)
		if err != nil {
			logger.Warnw("failed to refresh resources after change notification", "backend", c.config.ID, "error", err.Error())
			return
		}
		c.resources.Store(&resources)
		c.emit(EventResourcesChanged, nil)
	case rpc.NotificationPromptsListChanged:
		prompts, err := c.listPrompts(ctx)
		if err != nil {
			logger.Warnw("failed to refresh prompts after change notification", "backend", c.config.ID, "error", err.Error())
			return
		}
		c.prompts.Store(&prompts)
		c.emit(EventPromptsChanged, nil)
	default:
		logger.Warnw("backend sent unhandled notification, dropping", "backend", c.config.ID, "method", env.Method)
	}
}

func (c *Connection) failInflight(err error) {
	c.inflightMu.Lock()
	pending := c.inflight
	c.inflight = make(map[int64]*pendingCall)
	c.inflightMu.Unlock()

	for _, call := range pending {
		call.resultCh <- rpc.NewErrorResponse(nil, rpc.CodeInternalError, err.Error(), nil)
	}
}

// Disconnect closes the transport, fails all in-flight requests with
// TransportClosed, and sets status=disconnected. Idempotent.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	tr := c.transport
	already := c.status == vgateway.StatusDisconnected
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	if already {
		return
	}

	c.failInflight(transport.ErrClosed)
	c.setStatus(vgateway.StatusDisconnected, nil)
	c.emit(EventDisconnected, nil)
}
