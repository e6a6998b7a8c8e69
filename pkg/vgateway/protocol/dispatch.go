package protocol

import (
	"context"
	"encoding/json"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/rpc"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/session"
)

// Dispatch handles one JSON-RPC request against sess, enforcing the
// initialization gate and routing every method but initialize/ping through
// the Backend Manager. It always returns a non-nil Response with req's id
// echoed.
func (h *Handler) Dispatch(ctx context.Context, sess *session.Session, req *rpc.Request) *rpc.Response {
	if req.Method != rpc.MethodInitialize && req.Method != rpc.MethodPing && !sess.Initialized() {
		return rpc.NewErrorResponse(req.ID, rpc.CodeServerNotInitialized, "session is not initialized", nil)
	}

	switch req.Method {
	case rpc.MethodInitialize:
		return h.handleInitialize(sess, req)
	case rpc.MethodPing:
		resp, _ := rpc.NewResultResponse(req.ID, map[string]any{})
		return resp
	case rpc.MethodToolsList:
		return h.handleToolsList(req)
	case rpc.MethodToolsCall:
		return h.handleToolsCall(ctx, req)
	case rpc.MethodResourcesList:
		return h.handleResourcesList(req)
	case rpc.MethodResourcesRead:
		return h.handleResourcesRead(ctx, req)
	case rpc.MethodPromptsList:
		return h.handlePromptsList(req)
	case rpc.MethodPromptsGet:
		return h.handlePromptsGet(ctx, req)
	default:
		return rpc.NewErrorResponse(req.ID, rpc.CodeMethodNotFound, "method not found: "+req.Method, nil)
	}
}

// DispatchNotification handles a client notification. The only one that
// currently matters is "notifications/initialized", a handshake
// acknowledgement the client sends after seeing the initialize response;
// the gateway needs no action beyond accepting it.
func (h *Handler) DispatchNotification(_ *session.Session, _ *rpc.Notification) {}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      map[string]any `json:"clientInfo"`
}

func (h *Handler) handleInitialize(sess *session.Session, req *rpc.Request) *rpc.Response {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, "malformed initialize params", nil)
		}
	}
	sess.MarkInitialized(params.ClientInfo)

	result := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true},
			"prompts":   map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{"name": h.info.Name, "version": h.info.Version},
	}
	resp, _ := rpc.NewResultResponse(req.ID, result)
	return resp
}

func (h *Handler) handleToolsList(req *rpc.Request) *rpc.Response {
	tools := h.backends.EnabledTools()
	resp, _ := rpc.NewResultResponse(req.ID, map[string]any{"tools": tools})
	return resp
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (h *Handler) handleToolsCall(ctx context.Context, req *rpc.Request) *rpc.Response {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, "tools/call requires a non-empty name", nil)
	}

	backendResp, err := h.backends.CallTool(ctx, params.Name, params.Arguments, 0)
	return h.relayOrError(req.ID, backendResp, err)
}

func (h *Handler) handleResourcesList(req *rpc.Request) *rpc.Response {
	resources := h.backends.AllResources()
	resp, _ := rpc.NewResultResponse(req.ID, map[string]any{"resources": resources})
	return resp
}

type resourcesReadParams struct {
	URI string `json:"uri"`
}

func (h *Handler) handleResourcesRead(ctx context.Context, req *rpc.Request) *rpc.Response {
	var params resourcesReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, "resources/read requires a non-empty uri", nil)
	}

	backendResp, err := h.backends.ReadResource(ctx, params.URI, 0)
	return h.relayOrError(req.ID, backendResp, err)
}

func (h *Handler) handlePromptsList(req *rpc.Request) *rpc.Response {
	prompts := h.backends.AllPrompts()
	resp, _ := rpc.NewResultResponse(req.ID, map[string]any{"prompts": prompts})
	return resp
}

type promptsGetParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (h *Handler) handlePromptsGet(ctx context.Context, req *rpc.Request) *rpc.Response {
	var params promptsGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, "prompts/get requires a non-empty name", nil)
	}

	backendResp, err := h.backends.GetPrompt(ctx, params.Name, params.Arguments, 0)
	return h.relayOrError(req.ID, backendResp, err)
}

// relayOrError propagates a backend response one-for-one, or maps an error
// from the Backend Manager onto the corresponding JSON-RPC error.
func (h *Handler) relayOrError(id rpc.ID, backendResp *rpc.Response, err error) *rpc.Response {
	if err != nil {
		return rpc.NewErrorResponse(id, codeFor(err), err.Error(), nil)
	}
	if backendResp.Error != nil {
		return rpc.NewErrorResponse(id, rpc.CodeInternalError, backendResp.Error.Message, backendResp.Error.Data)
	}
	return &rpc.Response{JSONRPC: rpc.Version, ID: id, Result: backendResp.Result}
}
