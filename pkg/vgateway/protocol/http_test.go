package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/gwerrors"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/rpc"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/session"
)

type fakeBackendManager struct {
	tools     []vgateway.Tool
	resources []vgateway.Resource
	prompts   []vgateway.Prompt
	callErr   error
}

func (f *fakeBackendManager) CallTool(_ context.Context, name string, _ map[string]any, _ time.Duration) (*rpc.Response, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	resp, _ := rpc.NewResultResponse(rpc.NewStringID("x"), map[string]any{"called": name})
	return resp, nil
}

func (f *fakeBackendManager) ReadResource(_ context.Context, _ string, _ time.Duration) (*rpc.Response, error) {
	return rpc.NewResultResponse(rpc.NewStringID("x"), map[string]any{})
}

func (f *fakeBackendManager) GetPrompt(_ context.Context, _ string, _ map[string]any, _ time.Duration) (*rpc.Response, error) {
	return rpc.NewResultResponse(rpc.NewStringID("x"), map[string]any{})
}

func (f *fakeBackendManager) EnabledTools() []vgateway.Tool     { return f.tools }
func (f *fakeBackendManager) AllResources() []vgateway.Resource { return f.resources }
func (f *fakeBackendManager) AllPrompts() []vgateway.Prompt     { return f.prompts }

type testRouter struct {
	mux *http.ServeMux
}

func newTestRouter() *testRouter { return &testRouter{mux: http.NewServeMux()} }

func (r *testRouter) Get(pattern string, fn http.HandlerFunc) {
	r.mux.HandleFunc("GET "+pattern, fn)
}
func (r *testRouter) Post(pattern string, fn http.HandlerFunc) {
	r.mux.HandleFunc("POST "+pattern, fn)
}
func (r *testRouter) Delete(pattern string, fn http.HandlerFunc) {
	r.mux.HandleFunc("DELETE "+pattern, fn)
}

func newTestHandler(backend BackendManager) (*Handler, *httptest.Server) {
	sessions := session.NewManager(time.Hour)
	h := New(sessions, backend, "test-gateway", "0.0.1")
	router := newTestRouter()
	h.Mount(router)
	srv := httptest.NewServer(router.mux)
	return h, srv
}

func newTestHandlerWithStore(backend BackendManager) (*Handler, session.Store, *httptest.Server) {
	sessions := session.NewManager(time.Hour)
	h := New(sessions, backend, "test-gateway", "0.0.1")
	router := newTestRouter()
	h.Mount(router)
	srv := httptest.NewServer(router.mux)
	return h, sessions, srv
}

func doInitialize(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`
	resp, err := http.Post(srv.URL+"/mcp", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return resp.Header.Get(SessionIDHeader)
}

func TestHandleGetReturnsServerInfo(t *testing.T) {
	_, srv := newTestHandler(&fakeBackendManager{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/mcp")
	require.NoError(t, err)
	defer resp.Body.Close()

	var info ServerInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "test-gateway", info.Name)
}

func TestPostBeforeInitializeIsRejected(t *testing.T) {
	_, srv := newTestHandler(&fakeBackendManager{})
	defer srv.Close()

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	resp, err := http.Post(srv.URL+"/mcp", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out rpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Error)
	assert.Equal(t, rpc.CodeServerNotInitialized, out.Error.Code)
}

func TestInitializeThenToolsListSucceeds(t *testing.T) {
	backend := &fakeBackendManager{tools: []vgateway.Tool{{Name: "a_query"}}}
	_, srv := newTestHandler(backend)
	defer srv.Close()

	sessID := doInitialize(t, srv)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/mcp", bytes.NewBufferString(
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	req.Header.Set(SessionIDHeader, sessID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out rpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Nil(t, out.Error)

	var result struct {
		Tools []vgateway.Tool `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(out.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "a_query", result.Tools[0].Name)
}

func TestNotificationsOnlyBatchReturns202WithNoBody(t *testing.T) {
	backend := &fakeBackendManager{}
	_, srv := newTestHandler(backend)
	defer srv.Close()

	sessID := doInitialize(t, srv)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/mcp", bytes.NewBufferString(
		`[{"jsonrpc":"2.0","method":"notifications/initialized"}]`))
	req.Header.Set(SessionIDHeader, sessID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	assert.Zero(t, buf.Len(), "expected empty body, got %q", buf.String())
}

func TestDeleteDestroysSession(t *testing.T) {
	backend := &fakeBackendManager{}
	h, srv := newTestHandler(backend)
	defer srv.Close()

	sessID := doInitialize(t, srv)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
	req.Header.Set(SessionIDHeader, sessID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, ok := h.sessions.Get(sessID)
	assert.False(t, ok, "expected session to be destroyed")
}

func TestToolsCallRoutingMissMapsToMethodNotFound(t *testing.T) {
	backend := &fakeBackendManager{callErr: gwerrors.NewRoutingMissError("unknown tool", nil)}
	_, srv := newTestHandler(backend)
	defer srv.Close()

	sessID := doInitialize(t, srv)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/mcp", bytes.NewBufferString(
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"missing"}}`))
	req.Header.Set(SessionIDHeader, sessID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out rpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Error)
	assert.Equal(t, rpc.CodeMethodNotFound, out.Error.Code)
}

func TestSSESessionReceivesBroadcastListChanged(t *testing.T) {
	backend := &fakeBackendManager{}
	_, sessions, srv := newTestHandlerWithStore(backend)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/sse", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)

	// first frame is the static server info, not a notification.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	// give handleSSE time to Subscribe the session before broadcasting.
	time.Sleep(50 * time.Millisecond)
	sessions.Broadcast(rpc.NewListChangedNotification(rpc.NotificationToolsListChanged))

	frame := make(chan string, 1)
	go func() {
		for {
			l, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(l, "data: ") {
				frame <- l
				return
			}
		}
	}()

	select {
	case l := <-frame:
		var n struct {
			Method string `json:"method"`
		}
		payload := strings.TrimPrefix(strings.TrimSpace(l), "data: ")
		require.NoError(t, json.Unmarshal([]byte(payload), &n))
		assert.Equal(t, rpc.NotificationToolsListChanged, n.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast notification over SSE")
	}
}
