// Package manager implements the Backend Manager: the collection of backend
// connections keyed by id, the routing tables built from their catalogs,
// and the disable masks applied when producing client-visible views.
package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/gwerrors"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/logger"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/backend"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/rpc"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/transport"
)

// routingTable is the immutable snapshot rebuilt on every catalog change.
type routingTable struct {
	tools     map[string]string // external tool name -> backend id
	resources map[string]string // uri -> backend id
	prompts   map[string]string // name -> backend id
}

func emptyRoutingTable() *routingTable {
	return &routingTable{
		tools:     map[string]string{},
		resources: map[string]string{},
		prompts:   map[string]string{},
	}
}

// ToolCallResult is one element of a parallel/concurrent tool-call batch,
// preserving the caller's input order.
type ToolCallResult struct {
	Result *rpc.Response
	Err    error
}

// ToolCall is one entry in a parallel/concurrent tool-call batch.
type ToolCall struct {
	ExternalName string
	Arguments    map[string]any
	Deadline     time.Duration
}

// Manager owns every backend connection and the routing tables derived
// from their catalogs.
type Manager struct {
	newTransport func(vgateway.BackendConfig) backend.TransportFactory

	mu       sync.RWMutex
	backends map[string]*backend.Connection
	routing  *routingTable

	masksMu          sync.RWMutex
	disabledTools    map[string]bool
	disabledBackends map[string]bool

	connectMu    sync.Mutex
	connectSeq   int64
	connectOrder map[string]int64

	onCatalogChanged func()
}

// New constructs an empty Manager. newTransport builds a fresh
// backend.TransportFactory for a given BackendConfig, selecting stdio/http/sse
// based on its Transport field.
func New(newTransport func(vgateway.BackendConfig) backend.TransportFactory) *Manager {
	return &Manager{
		newTransport:     newTransport,
		backends:         map[string]*backend.Connection{},
		routing:          emptyRoutingTable(),
		disabledTools:    map[string]bool{},
		disabledBackends: map[string]bool{},
		connectOrder:     map[string]int64{},
	}
}

// OnCatalogChanged registers a callback invoked (from a background
// goroutine, never synchronously) whenever routing tables are rebuilt or a
// disable mask changes. The Protocol Handler uses it to decide when to push
// list_changed notifications.
func (m *Manager) OnCatalogChanged(fn func()) {
	m.mu.Lock()
	m.onCatalogChanged = fn
	m.mu.Unlock()
}

func (m *Manager) notifyCatalogChanged() {
	m.mu.RLock()
	fn := m.onCatalogChanged
	m.mu.RUnlock()
	if fn != nil {
		go fn()
	}
}

// DefaultTransportFactory builds a backend.TransportFactory from a
// BackendConfig's transport descriptor. It is the factory most callers of
// New should pass.
func DefaultTransportFactory(cfg vgateway.BackendConfig) backend.TransportFactory {
	return func() transport.Transport {
		switch cfg.Transport {
		case vgateway.TransportHTTP:
			return transport.NewHTTP(transport.HTTPConfig{URL: cfg.HTTP.URL, Headers: cfg.HTTP.Headers})
		case vgateway.TransportSSE:
			return transport.NewSSE(transport.SSEConfig{URL: cfg.SSE.URL, Headers: cfg.SSE.Headers})
		default:
			return transport.NewStdio(transport.StdioConfig{
				Command: cfg.Stdio.Command,
				Args:    cfg.Stdio.Args,
				Env:     cfg.Stdio.Env,
				Cwd:     cfg.Stdio.Cwd,
			})
		}
	}
}

// Add creates a Backend for config and connects it asynchronously. It
// rejects a duplicate id. A failed connect does not remove the backend;
// its status becomes error and it stays inspectable.
func (m *Manager) Add(ctx context.Context, config vgateway.BackendConfig) error {
	if err := config.Validate(); err != nil {
		return gwerrors.NewValidationError(err.Error(), err)
	}

	m.mu.Lock()
	if _, exists := m.backends[config.ID]; exists {
		m.mu.Unlock()
		return gwerrors.NewAlreadyExistsError("backend "+config.ID+" already exists", nil)
	}
	conn := backend.New(config, m.newTransport(config))
	m.backends[config.ID] = conn
	m.mu.Unlock()

	go m.watch(conn)

	go func() {
		connectCtx := context.Background()
		if err := conn.Connect(connectCtx); err != nil {
			logger.Warnw("backend failed to connect", "backend", config.ID, "error", err.Error())
		}
	}()

	return nil
}

// watch consumes one backend's event stream for its lifetime, rebuilding
// routing on every connection/catalog-change event. It also stamps the
// backend's connect order the first time it actually connects, so
// rebuildRouting can resolve name collisions by real connection order
// rather than by id.
func (m *Manager) watch(conn *backend.Connection) {
	for ev := range conn.Events() {
		if ev.Kind == backend.EventConnected {
			m.stampConnectOrder(ev.BackendID)
		}
		m.rebuildRouting()
		m.notifyCatalogChanged()
	}
}

// stampConnectOrder records the order in which id first connected, if it
// has not already been stamped. A backend that reconnects after a failure
// keeps its original order rather than moving to the back of the queue.
func (m *Manager) stampConnectOrder(id string) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	if _, stamped := m.connectOrder[id]; stamped {
		return
	}
	m.connectSeq++
	m.connectOrder[id] = m.connectSeq
}

func (m *Manager) connectOrderOf(id string) int64 {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	order, ok := m.connectOrder[id]
	if !ok {
		return int64(^uint64(0) >> 1) // unconnected sorts last
	}
	return order
}

// Remove disconnects and drops the backend, then rebuilds routing.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	conn, exists := m.backends[id]
	if !exists {
		m.mu.Unlock()
		return gwerrors.NewNotFoundError("backend "+id+" not found", nil)
	}
	delete(m.backends, id)
	m.mu.Unlock()

	m.connectMu.Lock()
	delete(m.connectOrder, id)
	m.connectMu.Unlock()

	conn.Disconnect()
	m.rebuildRouting()
	m.notifyCatalogChanged()
	return nil
}

// Update replaces a backend's config by calling Remove and then Add. The
// routing table never maps the id to both configs at once: Remove rebuilds
// routing without the old connection, and the new config's names become
// routable only once its asynchronous connect succeeds; in between, calls
// to its names are routing misses. The two steps are separate calls, each
// taking m.mu on its own, not one locked operation.
func (m *Manager) Update(ctx context.Context, id string, newConfig vgateway.BackendConfig) error {
	if err := newConfig.Validate(); err != nil {
		return gwerrors.NewValidationError(err.Error(), err)
	}
	if err := m.Remove(id); err != nil {
		return err
	}
	return m.Add(ctx, newConfig)
}

// TestResult is the outcome of an ephemeral connection test.
type TestResult struct {
	Success       bool
	ToolCount     int
	ResourceCount int
	PromptCount   int
	Error         string
}

// Test connects an ephemeral backend for config, records catalog counts,
// and disconnects regardless of outcome. It never mutates gateway state.
func (m *Manager) Test(ctx context.Context, config vgateway.BackendConfig) TestResult {
	if err := config.Validate(); err != nil {
		return TestResult{Success: false, Error: err.Error()}
	}

	conn := backend.New(config, m.newTransport(config))
	defer conn.Disconnect()

	if err := conn.Connect(ctx); err != nil {
		return TestResult{Success: false, Error: err.Error()}
	}
	return TestResult{
		Success:       true,
		ToolCount:     len(conn.Tools()),
		ResourceCount: len(conn.Resources()),
		PromptCount:   len(conn.Prompts()),
	}
}

// rebuildRouting scans all connected backends and republishes the routing
// tables as a fresh immutable snapshot. Collisions are resolved by real
// connect order, first-connected wins, never by id: a later id sorting
// alphabetically first must not steal a name already published by a
// backend that connected earlier.
func (m *Manager) rebuildRouting() {
	m.mu.RLock()
	conns := make([]*backend.Connection, 0, len(m.backends))
	ids := make([]string, 0, len(m.backends))
	for id := range m.backends {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		oi, oj := m.connectOrderOf(ids[i]), m.connectOrderOf(ids[j])
		if oi != oj {
			return oi < oj
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		conns = append(conns, m.backends[id])
	}
	m.mu.RUnlock()

	next := emptyRoutingTable()
	for _, conn := range conns {
		if conn.Status() != vgateway.StatusConnected {
			continue
		}
		cfg := conn.Config()
		for _, tool := range conn.Tools() {
			external := cfg.ExternalToolName(tool.Name)
			if owner, exists := next.tools[external]; exists {
				logger.Warnw("tool name collision, keeping first backend", "tool", external, "kept", owner, "rejected", cfg.ID)
				continue
			}
			next.tools[external] = cfg.ID
		}
		for _, res := range conn.Resources() {
			if owner, exists := next.resources[res.URI]; exists {
				logger.Warnw("resource uri collision, keeping first backend", "uri", res.URI, "kept", owner, "rejected", cfg.ID)
				continue
			}
			next.resources[res.URI] = cfg.ID
		}
		for _, p := range conn.Prompts() {
			if owner, exists := next.prompts[p.Name]; exists {
				logger.Warnw("prompt name collision, keeping first backend", "prompt", p.Name, "kept", owner, "rejected", cfg.ID)
				continue
			}
			next.prompts[p.Name] = cfg.ID
		}
	}

	m.mu.Lock()
	m.routing = next
	m.mu.Unlock()
}

func (m *Manager) connection(id string) (*backend.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.backends[id]
	return conn, ok
}

func (m *Manager) route(table map[string]string, name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := table[name]
	return id, ok
}

// CallTool routes externalName to its backend, strips the prefix, and
// forwards a tools/call request.
func (m *Manager) CallTool(ctx context.Context, externalName string, args map[string]any, deadline time.Duration) (*rpc.Response, error) {
	m.mu.RLock()
	backendID, routed := m.routing.tools[externalName]
	m.mu.RUnlock()
	if !routed {
		return nil, gwerrors.NewRoutingMissError("tool not found: "+externalName, nil)
	}
	if m.isToolDisabled(externalName) || m.isBackendDisabled(backendID) {
		return nil, gwerrors.NewRoutingMissError("tool not found: "+externalName, nil)
	}

	conn, ok := m.connection(backendID)
	if !ok || conn.Status() != vgateway.StatusConnected {
		return nil, gwerrors.NewBackendUnavailableError("backend "+backendID+" is not connected", nil)
	}

	innerName := conn.Config().StripPrefix(externalName)
	effective := deadline
	if effective == 0 {
		effective = conn.Config().EffectiveTimeout()
	}
	return conn.SendRequest(ctx, rpc.MethodToolsCall, map[string]any{"name": innerName, "arguments": args}, effective)
}

// ReadResource routes uri to its backend and forwards a resources/read request.
func (m *Manager) ReadResource(ctx context.Context, uri string, deadline time.Duration) (*rpc.Response, error) {
	backendID, routed := m.route(m.snapshotRouting().resources, uri)
	if !routed {
		return nil, gwerrors.NewRoutingMissError("resource not found: "+uri, nil)
	}
	conn, ok := m.connection(backendID)
	if !ok || conn.Status() != vgateway.StatusConnected {
		return nil, gwerrors.NewBackendUnavailableError("backend "+backendID+" is not connected", nil)
	}
	effective := deadline
	if effective == 0 {
		effective = conn.Config().EffectiveTimeout()
	}
	return conn.SendRequest(ctx, rpc.MethodResourcesRead, map[string]any{"uri": uri}, effective)
}

// GetPrompt routes name to its backend and forwards a prompts/get request.
func (m *Manager) GetPrompt(ctx context.Context, name string, args map[string]any, deadline time.Duration) (*rpc.Response, error) {
	backendID, routed := m.route(m.snapshotRouting().prompts, name)
	if !routed {
		return nil, gwerrors.NewRoutingMissError("prompt not found: "+name, nil)
	}
	conn, ok := m.connection(backendID)
	if !ok || conn.Status() != vgateway.StatusConnected {
		return nil, gwerrors.NewBackendUnavailableError("backend "+backendID+" is not connected", nil)
	}
	effective := deadline
	if effective == 0 {
		effective = conn.Config().EffectiveTimeout()
	}
	return conn.SendRequest(ctx, rpc.MethodPromptsGet, map[string]any{"name": name, "arguments": args}, effective)
}

func (m *Manager) snapshotRouting() *routingTable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.routing
}

// CallToolsParallel dispatches every call concurrently, returning results in
// the same order as calls, one per call, never failing the whole batch for
// one call's error.
func (m *Manager) CallToolsParallel(ctx context.Context, calls []ToolCall) []ToolCallResult {
	return m.callToolsBounded(ctx, calls, len(calls))
}

// CallToolsConcurrent is like CallToolsParallel but admits at most n calls
// in flight at once.
func (m *Manager) CallToolsConcurrent(ctx context.Context, calls []ToolCall, n int) []ToolCallResult {
	return m.callToolsBounded(ctx, calls, n)
}

func (m *Manager) callToolsBounded(ctx context.Context, calls []ToolCall, n int) []ToolCallResult {
	results := make([]ToolCallResult, len(calls))
	if len(calls) == 0 {
		return results
	}
	if n <= 0 {
		n = 1
	}

	sem := semaphore.NewWeighted(int64(n))
	g, gctx := errgroup.WithContext(ctx)

	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i] = ToolCallResult{Err: err}
				return nil
			}
			defer sem.Release(1)

			resp, err := m.CallTool(gctx, call.ExternalName, call.Arguments, call.Deadline)
			results[i] = ToolCallResult{Result: resp, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// AllTools returns tools from connected backends that are not themselves
// disabled, without applying the per-tool disable mask.
func (m *Manager) AllTools() []vgateway.Tool {
	return m.catalogTools(true, false)
}

// AllToolsIncludingDisabledBackends returns tools from every connected
// backend regardless of the backend or tool disable mask.
func (m *Manager) AllToolsIncludingDisabledBackends() []vgateway.Tool {
	return m.catalogTools(false, false)
}

// EnabledTools is AllTools with the per-tool disable mask also applied;
// this is the view clients see from tools/list.
func (m *Manager) EnabledTools() []vgateway.Tool {
	return m.catalogTools(true, true)
}

func (m *Manager) catalogTools(skipDisabledBackends, skipDisabledTools bool) []vgateway.Tool {
	m.mu.RLock()
	conns := make([]*backend.Connection, 0, len(m.backends))
	ids := make([]string, 0, len(m.backends))
	for id := range m.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		conns = append(conns, m.backends[id])
	}
	m.mu.RUnlock()
	routing := m.snapshotRouting()

	var out []vgateway.Tool
	for _, conn := range conns {
		if conn.Status() != vgateway.StatusConnected {
			continue
		}
		cfg := conn.Config()
		if skipDisabledBackends && m.isBackendDisabled(cfg.ID) {
			continue
		}
		for _, tool := range conn.Tools() {
			external := cfg.ExternalToolName(tool.Name)
			if owner, routed := routing.tools[external]; routed && owner != cfg.ID {
				continue // lost a name collision; only the routed owner is listed
			}
			if skipDisabledTools && m.isToolDisabled(external) {
				continue
			}
			t := tool
			t.Name = external
			out = append(out, t)
		}
	}
	return out
}

// AllResources returns resources published by every connected backend.
func (m *Manager) AllResources() []vgateway.Resource {
	m.mu.RLock()
	conns := make([]*backend.Connection, 0, len(m.backends))
	for _, conn := range m.backends {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	var out []vgateway.Resource
	for _, conn := range conns {
		if conn.Status() != vgateway.StatusConnected {
			continue
		}
		out = append(out, conn.Resources()...)
	}
	return out
}

// AllPrompts returns prompts published by every connected backend.
func (m *Manager) AllPrompts() []vgateway.Prompt {
	m.mu.RLock()
	conns := make([]*backend.Connection, 0, len(m.backends))
	for _, conn := range m.backends {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	var out []vgateway.Prompt
	for _, conn := range conns {
		if conn.Status() != vgateway.StatusConnected {
			continue
		}
		out = append(out, conn.Prompts()...)
	}
	return out
}

// EnableTool clears a tool's disable mask entry, restoring visibility
// without any network activity.
func (m *Manager) EnableTool(name string) {
	m.masksMu.Lock()
	delete(m.disabledTools, name)
	m.masksMu.Unlock()
	m.notifyCatalogChanged()
}

// DisableTool sets a tool's disable mask entry.
func (m *Manager) DisableTool(name string) {
	m.masksMu.Lock()
	m.disabledTools[name] = true
	m.masksMu.Unlock()
	m.notifyCatalogChanged()
}

// EnableBackend clears a backend's disable mask entry.
func (m *Manager) EnableBackend(id string) {
	m.masksMu.Lock()
	delete(m.disabledBackends, id)
	m.masksMu.Unlock()
	m.notifyCatalogChanged()
}

// DisableBackend sets a backend's disable mask entry. The backend's
// connection and catalog are untouched.
func (m *Manager) DisableBackend(id string) {
	m.masksMu.Lock()
	m.disabledBackends[id] = true
	m.masksMu.Unlock()
	m.notifyCatalogChanged()
}

func (m *Manager) isToolDisabled(name string) bool {
	m.masksMu.RLock()
	defer m.masksMu.RUnlock()
	return m.disabledTools[name]
}

func (m *Manager) isBackendDisabled(id string) bool {
	m.masksMu.RLock()
	defer m.masksMu.RUnlock()
	return m.disabledBackends[id]
}

// DisabledTools returns a sorted snapshot of disabled tool names, for persistence.
func (m *Manager) DisabledTools() []string {
	m.masksMu.RLock()
	defer m.masksMu.RUnlock()
	out := make([]string, 0, len(m.disabledTools))
	for name := range m.disabledTools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DisabledBackends returns a sorted snapshot of disabled backend ids, for persistence.
func (m *Manager) DisabledBackends() []string {
	m.masksMu.RLock()
	defer m.masksMu.RUnlock()
	out := make([]string, 0, len(m.disabledBackends))
	for id := range m.disabledBackends {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LoadMasks replaces the disable masks wholesale, used when the admin
// plane restores persisted UI state at startup.
func (m *Manager) LoadMasks(disabledTools, disabledBackends []string) {
	m.masksMu.Lock()
	m.disabledTools = toSet(disabledTools)
	m.disabledBackends = toSet(disabledBackends)
	m.masksMu.Unlock()
	m.notifyCatalogChanged()
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, i := range items {
		out[i] = true
	}
	return out
}

// BackendView describes one backend: its config, status, last error, and
// catalog counts.
type BackendView struct {
	Config        vgateway.BackendConfig
	Status        vgateway.BackendStatus
	Error         string
	ToolCount     int
	ResourceCount int
	PromptCount   int
}

// Backends returns a sorted snapshot of every registered backend's view.
func (m *Manager) Backends() []BackendView {
	m.mu.RLock()
	ids := make([]string, 0, len(m.backends))
	for id := range m.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	conns := make([]*backend.Connection, 0, len(ids))
	for _, id := range ids {
		conns = append(conns, m.backends[id])
	}
	m.mu.RUnlock()

	views := make([]BackendView, 0, len(conns))
	for _, conn := range conns {
		var errMsg string
		if err := conn.LastError(); err != nil {
			errMsg = err.Error()
		}
		views = append(views, BackendView{
			Config:        conn.Config(),
			Status:        conn.Status(),
			Error:         errMsg,
			ToolCount:     len(conn.Tools()),
			ResourceCount: len(conn.Resources()),
			PromptCount:   len(conn.Prompts()),
		})
	}
	return views
}

// DisconnectAll disconnects every backend; used on process shutdown and
// before a destructive import.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	conns := make([]*backend.Connection, 0, len(m.backends))
	for _, conn := range m.backends {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		conn.Disconnect()
	}
}
