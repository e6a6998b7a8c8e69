package protocol

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/gwerrors"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/logger"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/rpc"
)

// Router is the minimal mux contract Mount needs, satisfied by chi.Mux.
type Router interface {
	Get(pattern string, fn http.HandlerFunc)
	Post(pattern string, fn http.HandlerFunc)
	Delete(pattern string, fn http.HandlerFunc)
}

// Mount registers the MCP client endpoints on r.
func (h *Handler) Mount(r Router) {
	r.Post("/mcp", errorHandler(h.handlePost))
	r.Get("/mcp", h.handleGet)
	r.Delete("/mcp", h.handleDelete)
	r.Get("/sse", h.handleSSE)
}

// HandlerWithError lets an HTTP handler return an error for centralized
// status-code mapping, mirroring the decorator the rest of the gateway uses
// for its admin surface.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

func errorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		code := gwerrors.Code(err)
		if code >= http.StatusInternalServerError {
			logger.Errorf("protocol handler error: %v", err)
			http.Error(w, http.StatusText(code), code)
			return
		}
		http.Error(w, err.Error(), code)
	}
}

// handleGet returns static server info.
func (h *Handler) handleGet(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.info)
}

// handleDelete destroys the session named in the session header.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionIDHeader)
	if id != "" {
		h.DestroySession(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePost decodes a single MCP message or a batch array, dispatches each,
// and writes exactly one response per request (none for notifications).
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) error {
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return gwerrors.NewInvalidArgumentError("failed to read request body", err)
	}
	body := buf.Bytes()

	var envelopes []rpc.Envelope
	if isBatch(body) {
		if err := json.Unmarshal(body, &envelopes); err != nil {
			writeJSONRPCError(w, nil, rpc.CodeParseError, "malformed batch JSON")
			return nil
		}
	} else {
		var single rpc.Envelope
		if err := json.Unmarshal(body, &single); err != nil {
			writeJSONRPCError(w, nil, rpc.CodeParseError, "malformed JSON")
			return nil
		}
		envelopes = []rpc.Envelope{single}
	}

	sess, isNew := h.SessionFor(r.Header.Get(SessionIDHeader))
	w.Header().Set(SessionIDHeader, sess.ID())
	_ = isNew

	responses := make([]*rpc.Response, 0, len(envelopes))
	for i := range envelopes {
		env := envelopes[i]
		switch {
		case env.IsRequest():
			responses = append(responses, h.Dispatch(r.Context(), sess, env.AsRequest()))
		case env.IsNotification():
			h.DispatchNotification(sess, env.AsNotification())
		default:
			// a bare response sent to the gateway has no meaning here; ignore.
		}
	}

	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return nil
	}

	w.Header().Set("Content-Type", "application/json")
	if len(envelopes) == 1 && len(responses) == 1 {
		return json.NewEncoder(w).Encode(responses[0])
	}
	return json.NewEncoder(w).Encode(responses)
}

func isBatch(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

func writeJSONRPCError(w http.ResponseWriter, id rpc.ID, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(rpc.NewErrorResponse(id, code, message, nil))
}

// handleSSE serves the same protocol over Server-Sent Events for legacy
// clients: frames carry JSON-RPC messages verbatim. The stream is opened
// with a GET and carries no requests; Mount registers no POST on /sse, so
// clients send requests through POST /mcp with the session header. For as
// long as the
// connection stays open, the session is subscribed to the gateway's
// notification broadcast (tools/resources/prompts list_changed) so a
// backend catalog change is pushed to the client live, matching the
// listChanged capabilities advertised at initialize.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sess, _ := h.SessionFor(r.Header.Get(SessionIDHeader))

	info, _ := json.Marshal(h.info)
	_, _ = w.Write([]byte("data: " + string(info) + "\n\n"))
	flusher.Flush()

	unsubscribe := h.sessions.Subscribe(sess)
	defer unsubscribe()

	for {
		select {
		case n := <-sess.Notifications():
			raw, err := json.Marshal(n)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(raw) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
