package manager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/gwerrors"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/backend"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/rpc"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/transport"
)

// scriptedTransport answers initialize and tools/list deterministically and
// echoes tools/call back with the inner tool name it received, letting
// tests assert the prefix was stripped before forwarding.
type scriptedTransport struct {
	backendID string
	toolNames []string
	incoming  chan *rpc.Envelope
	closed    chan struct{}
}

func newScriptedTransport(toolNames ...string) *scriptedTransport {
	return &scriptedTransport{toolNames: toolNames, incoming: make(chan *rpc.Envelope, 8), closed: make(chan struct{})}
}

func (s *scriptedTransport) Start(context.Context) error { return nil }

func (s *scriptedTransport) Send(_ context.Context, env *rpc.Envelope) error {
	switch env.Method {
	case rpc.MethodInitialize:
		result, _ := json.Marshal(map[string]any{"capabilities": map[string]any{"tools": map[string]any{}}})
		s.incoming <- &rpc.Envelope{JSONRPC: rpc.Version, ID: env.ID, Result: result}
	case rpc.MethodInitialized:
		// no reply
	case rpc.MethodToolsList:
		tools := make([]vgateway.Tool, len(s.toolNames))
		for i, n := range s.toolNames {
			tools[i] = vgateway.Tool{Name: n}
		}
		result, _ := json.Marshal(map[string]any{"tools": tools})
		s.incoming <- &rpc.Envelope{JSONRPC: rpc.Version, ID: env.ID, Result: result}
	case rpc.MethodToolsCall:
		var params struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(env.Params, &params)
		result, _ := json.Marshal(map[string]any{"echoedName": params.Name, "echoedBackend": s.backendID})
		s.incoming <- &rpc.Envelope{JSONRPC: rpc.Version, ID: env.ID, Result: result}
	}
	return nil
}

func (s *scriptedTransport) Incoming() <-chan *rpc.Envelope { return s.incoming }
func (s *scriptedTransport) Err() error                     { return nil }
func (s *scriptedTransport) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
		close(s.incoming)
	}
	return nil
}

func newTestManager(backendTools map[string][]string) *Manager {
	return New(func(cfg vgateway.BackendConfig) backend.TransportFactory {
		names := backendTools[cfg.ID]
		return func() transport.Transport {
			tr := newScriptedTransport(names...)
			tr.backendID = cfg.ID
			return tr
		}
	})
}

func waitForStatus(t *testing.T, m *Manager, id string, want vgateway.BackendStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, v := range m.Backends() {
			if v.Config.ID == id && v.Status == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("backend %q did not reach status %v in time", id, want)
}

func TestManagerAddAndCallToolStripsPrefix(t *testing.T) {
	m := newTestManager(map[string][]string{"fs": {"read_file"}})
	cfg := vgateway.BackendConfig{ID: "fs", Name: "Filesystem", Transport: vgateway.TransportStdio, Stdio: &vgateway.StdioTransportConfig{Command: "stub"}, ToolPrefix: "fs"}

	require.NoError(t, m.Add(context.Background(), cfg))
	waitForStatus(t, m, "fs", vgateway.StatusConnected)

	tools := m.AllTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "fs_read_file", tools[0].Name)

	resp, err := m.CallTool(context.Background(), "fs_read_file", map[string]any{"path": "/tmp/x"}, 0)
	require.NoError(t, err)

	var decoded struct {
		EchoedName string `json:"echoedName"`
	}
	_ = json.Unmarshal(resp.Result, &decoded)
	assert.Equal(t, "read_file", decoded.EchoedName, "backend should receive the unprefixed tool name")
}

func TestManagerAddDuplicateRejected(t *testing.T) {
	m := newTestManager(map[string][]string{"fs": {}})
	cfg := vgateway.BackendConfig{ID: "fs", Name: "Filesystem", Transport: vgateway.TransportStdio, Stdio: &vgateway.StdioTransportConfig{Command: "stub"}}
	require.NoError(t, m.Add(context.Background(), cfg))

	err := m.Add(context.Background(), cfg)
	assert.True(t, gwerrors.IsAlreadyExists(err), "second Add() error = %v, want AlreadyExists", err)
}

func TestManagerCallToolRoutingMiss(t *testing.T) {
	m := newTestManager(nil)
	_, err := m.CallTool(context.Background(), "nonexistent_tool", nil, 0)
	assert.True(t, gwerrors.IsRoutingMiss(err), "CallTool() error = %v, want RoutingMiss", err)
}

func TestManagerPrefixCollisionFirstWins(t *testing.T) {
	m := newTestManager(map[string][]string{"a": {"search"}, "b": {"search"}})
	ctx := context.Background()
	require.NoError(t, m.Add(ctx, vgateway.BackendConfig{ID: "a", Name: "A", Transport: vgateway.TransportStdio, Stdio: &vgateway.StdioTransportConfig{Command: "stub"}}))
	waitForStatus(t, m, "a", vgateway.StatusConnected)
	require.NoError(t, m.Add(ctx, vgateway.BackendConfig{ID: "b", Name: "B", Transport: vgateway.TransportStdio, Stdio: &vgateway.StdioTransportConfig{Command: "stub"}}))
	waitForStatus(t, m, "b", vgateway.StatusConnected)

	// allow routing to settle after b's connect event too
	time.Sleep(50 * time.Millisecond)

	tools := m.AllTools()
	count := 0
	for _, tool := range tools {
		if tool.Name == "search" {
			count++
		}
	}
	assert.Equal(t, 1, count, "expected exactly one search tool in aggregated catalog")

	resp, err := m.CallTool(ctx, "search", nil, 0)
	require.NoError(t, err)
	assert.NotNil(t, resp, "expected a response from the winning backend")
}

func TestManagerCollisionResolvedByConnectOrderNotID(t *testing.T) {
	m := newTestManager(map[string][]string{"z": {"search"}, "a": {"search"}})
	ctx := context.Background()

	// "z" connects first even though "a" sorts first alphabetically; the
	// collision must be won by connect order, not by id.
	require.NoError(t, m.Add(ctx, vgateway.BackendConfig{ID: "z", Name: "Z", Transport: vgateway.TransportStdio, Stdio: &vgateway.StdioTransportConfig{Command: "stub"}}))
	waitForStatus(t, m, "z", vgateway.StatusConnected)
	require.NoError(t, m.Add(ctx, vgateway.BackendConfig{ID: "a", Name: "A", Transport: vgateway.TransportStdio, Stdio: &vgateway.StdioTransportConfig{Command: "stub"}}))
	waitForStatus(t, m, "a", vgateway.StatusConnected)

	// allow routing to settle after a's connect event too
	time.Sleep(50 * time.Millisecond)

	resp, err := m.CallTool(ctx, "search", nil, 0)
	require.NoError(t, err)
	var decoded struct {
		EchoedBackend string `json:"echoedBackend"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &decoded))
	assert.Equal(t, "z", decoded.EchoedBackend, "the first-connected backend (z) should win the collision, not the alphabetically-first id (a)")
}

func TestManagerDisableToolHidesButKeepsBackendConnected(t *testing.T) {
	m := newTestManager(map[string][]string{"a": {"query"}})
	ctx := context.Background()
	cfg := vgateway.BackendConfig{ID: "a", Name: "A", Transport: vgateway.TransportStdio, Stdio: &vgateway.StdioTransportConfig{Command: "stub"}, ToolPrefix: "a"}
	require.NoError(t, m.Add(ctx, cfg))
	waitForStatus(t, m, "a", vgateway.StatusConnected)

	m.DisableTool("a_query")

	for _, tool := range m.EnabledTools() {
		assert.NotEqual(t, "a_query", tool.Name, "disabled tool should not appear in EnabledTools()")
	}

	_, err := m.CallTool(ctx, "a_query", nil, 0)
	assert.True(t, gwerrors.IsRoutingMiss(err), "CallTool() on disabled tool error = %v, want RoutingMiss", err)

	for _, v := range m.Backends() {
		if v.Config.ID == "a" {
			assert.Equal(t, vgateway.StatusConnected, v.Status, "backend should stay connected after disabling its tool")
		}
	}
}

func TestManagerCallToolsParallelPreservesOrder(t *testing.T) {
	m := newTestManager(map[string][]string{"a": {"one", "two", "three"}})
	ctx := context.Background()
	cfg := vgateway.BackendConfig{ID: "a", Name: "A", Transport: vgateway.TransportStdio, Stdio: &vgateway.StdioTransportConfig{Command: "stub"}}
	require.NoError(t, m.Add(ctx, cfg))
	waitForStatus(t, m, "a", vgateway.StatusConnected)

	calls := []ToolCall{
		{ExternalName: "one"},
		{ExternalName: "missing"},
		{ExternalName: "three"},
	}
	results := m.CallToolsParallel(ctx, calls)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.True(t, gwerrors.IsRoutingMiss(results[1].Err), "results[1].Err = %v, want RoutingMiss", results[1].Err)
	assert.NoError(t, results[2].Err)
}

func TestManagerRemoveThenCallToolIsRoutingMiss(t *testing.T) {
	m := newTestManager(map[string][]string{"a": {"query"}})
	ctx := context.Background()
	cfg := vgateway.BackendConfig{ID: "a", Name: "A", Transport: vgateway.TransportStdio, Stdio: &vgateway.StdioTransportConfig{Command: "stub"}}
	require.NoError(t, m.Add(ctx, cfg))
	waitForStatus(t, m, "a", vgateway.StatusConnected)

	require.NoError(t, m.Remove("a"))

	_, err := m.CallTool(ctx, "query", nil, 0)
	assert.True(t, gwerrors.IsRoutingMiss(err), "CallTool() after remove error = %v, want RoutingMiss", err)
}
