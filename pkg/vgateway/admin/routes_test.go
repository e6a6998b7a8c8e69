package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/backend"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/manager"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/rpc"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/transport"
)

// quietTransport answers only initialize/tools-list so Add() converges
// quickly without exercising tool calls; the admin surface doesn't care
// about call routing, only catalog and lifecycle management.
type quietTransport struct {
	toolNames []string
	incoming  chan *rpc.Envelope
	closed    chan struct{}
}

func newQuietTransport(toolNames ...string) *quietTransport {
	return &quietTransport{toolNames: toolNames, incoming: make(chan *rpc.Envelope, 8), closed: make(chan struct{})}
}

func (q *quietTransport) Start(context.Context) error { return nil }

func (q *quietTransport) Send(_ context.Context, env *rpc.Envelope) error {
	switch env.Method {
	case rpc.MethodInitialize:
		result, _ := json.Marshal(map[string]any{"capabilities": map[string]any{"tools": map[string]any{}}})
		q.incoming <- &rpc.Envelope{JSONRPC: rpc.Version, ID: env.ID, Result: result}
	case rpc.MethodToolsList:
		tools := make([]vgateway.Tool, len(q.toolNames))
		for i, n := range q.toolNames {
			tools[i] = vgateway.Tool{Name: n}
		}
		result, _ := json.Marshal(map[string]any{"tools": tools})
		q.incoming <- &rpc.Envelope{JSONRPC: rpc.Version, ID: env.ID, Result: result}
	}
	return nil
}

func (q *quietTransport) Incoming() <-chan *rpc.Envelope { return q.incoming }
func (q *quietTransport) Err() error                     { return nil }
func (q *quietTransport) Close() error {
	select {
	case <-q.closed:
	default:
		close(q.closed)
		close(q.incoming)
	}
	return nil
}

func newTestManager() *manager.Manager {
	return manager.New(func(cfg vgateway.BackendConfig) backend.TransportFactory {
		return func() transport.Transport { return newQuietTransport("query") }
	})
}

func waitForBackendCount(t *testing.T, m *manager.Manager, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(m.Backends()) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("backend count did not reach %d in time", want)
}

func urlParamFromChiStyle(r *http.Request, key string) string {
	return r.PathValue(key)
}

func newTestServer(t *testing.T) (*manager.Manager, *httptest.Server, *Store) {
	t.Helper()
	m := newTestManager()
	store := NewStore(t.TempDir()+"/config.json", t.TempDir()+"/state.json")
	srv := NewServer(m, store, urlParamFromChiStyle)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/backends", ErrorHandler(srv.listBackends))
	mux.HandleFunc("GET /admin/tools", ErrorHandler(srv.listTools))
	mux.HandleFunc("GET /admin/servers/{id}", ErrorHandler(srv.getServer))
	mux.HandleFunc("POST /admin/servers", ErrorHandler(srv.addServer))
	mux.HandleFunc("PUT /admin/servers/{id}", ErrorHandler(srv.updateServer))
	mux.HandleFunc("DELETE /admin/servers/{id}", ErrorHandler(srv.deleteServer))
	mux.HandleFunc("POST /admin/servers/test", ErrorHandler(srv.testServer))
	mux.HandleFunc("POST /admin/tools/{name}/toggle", ErrorHandler(srv.toggleTool))
	mux.HandleFunc("POST /admin/backends/{id}/toggle", ErrorHandler(srv.toggleBackend))
	mux.HandleFunc("GET /admin/config/export", ErrorHandler(srv.exportConfig))
	mux.HandleFunc("POST /admin/config/import", ErrorHandler(srv.importConfig))

	return m, httptest.NewServer(mux), store
}

func TestAddServerThenListBackends(t *testing.T) {
	m, srv, _ := newTestServer(t)
	defer srv.Close()

	body := `{"id":"fs","name":"Filesystem","transport":"stdio","stdio":{"command":"mcp-fs"}}`
	resp, err := http.Post(srv.URL+"/admin/servers", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	waitForBackendCount(t, m, 1)

	listResp, err := http.Get(srv.URL + "/admin/backends")
	require.NoError(t, err)
	defer listResp.Body.Close()

	var views []manager.BackendView
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&views))
	require.Len(t, views, 1)
	assert.Equal(t, "fs", views[0].Config.ID)
}

func TestAddServerRejectsInvalidConfig(t *testing.T) {
	_, srv, _ := newTestServer(t)
	defer srv.Close()

	body := `{"id":"Bad ID","name":"x"}`
	resp, err := http.Post(srv.URL+"/admin/servers", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteServerRemovesBackend(t *testing.T) {
	m, srv, _ := newTestServer(t)
	defer srv.Close()

	require.NoError(t, m.Add(context.Background(), vgateway.BackendConfig{ID: "fs", Name: "Filesystem", Transport: vgateway.TransportStdio, Stdio: &vgateway.StdioTransportConfig{Command: "mcp-fs"}}))
	waitForBackendCount(t, m, 1)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/admin/servers/fs", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	waitForBackendCount(t, m, 0)
}

func TestToggleToolPersistsState(t *testing.T) {
	m, srv, store := newTestServer(t)
	defer srv.Close()

	require.NoError(t, m.Add(context.Background(), vgateway.BackendConfig{ID: "fs", Name: "Filesystem", Transport: vgateway.TransportStdio, Stdio: &vgateway.StdioTransportConfig{Command: "mcp-fs"}}))
	waitForBackendCount(t, m, 1)

	body := `{"enabled":false}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/admin/tools/query/toggle", bytes.NewBufferString(body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	state, err := store.LoadState()
	require.NoError(t, err)
	require.Len(t, state.DisabledTools, 1)
	assert.Equal(t, "query", state.DisabledTools[0])
}

func TestExportConfigReturnsLiveBackends(t *testing.T) {
	m, srv, _ := newTestServer(t)
	defer srv.Close()

	require.NoError(t, m.Add(context.Background(), vgateway.BackendConfig{ID: "fs", Name: "Filesystem", Transport: vgateway.TransportStdio, Stdio: &vgateway.StdioTransportConfig{Command: "mcp-fs"}}))
	waitForBackendCount(t, m, 1)

	resp, err := http.Get(srv.URL + "/admin/config/export")
	require.NoError(t, err)
	defer resp.Body.Close()

	var cfg GatewayConfig
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "fs", cfg.Servers[0].ID)
}

func TestImportConfigReplaceDropsExistingBackends(t *testing.T) {
	m, srv, _ := newTestServer(t)
	defer srv.Close()

	require.NoError(t, m.Add(context.Background(), vgateway.BackendConfig{ID: "old", Name: "Old", Transport: vgateway.TransportStdio, Stdio: &vgateway.StdioTransportConfig{Command: "mcp-old"}}))
	waitForBackendCount(t, m, 1)

	body := `{"servers":[{"id":"fs","name":"Filesystem","transport":"stdio","stdio":{"command":"mcp-fs"}}]}`
	resp, err := http.Post(srv.URL+"/admin/config/import", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	waitForBackendCount(t, m, 1)
	views := m.Backends()
	require.Len(t, views, 1)
	assert.Equal(t, "fs", views[0].Config.ID, "replace import (merge omitted/false) should drop the old backend")
}

func TestImportConfigMergeKeepsExistingBackends(t *testing.T) {
	m, srv, _ := newTestServer(t)
	defer srv.Close()

	require.NoError(t, m.Add(context.Background(), vgateway.BackendConfig{ID: "old", Name: "Old", Transport: vgateway.TransportStdio, Stdio: &vgateway.StdioTransportConfig{Command: "mcp-old"}}))
	waitForBackendCount(t, m, 1)

	body := `{"servers":[{"id":"fs","name":"Filesystem","transport":"stdio","stdio":{"command":"mcp-fs"}}],"merge":true}`
	resp, err := http.Post(srv.URL+"/admin/config/import", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	waitForBackendCount(t, m, 2)
	ids := make(map[string]bool)
	for _, v := range m.Backends() {
		ids[v.Config.ID] = true
	}
	assert.True(t, ids["old"], "merge import must keep the pre-existing backend")
	assert.True(t, ids["fs"], "merge import must add the new backend")
}
