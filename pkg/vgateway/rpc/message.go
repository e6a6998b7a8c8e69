// Package rpc defines the JSON-RPC 2.0 wire envelope shared by the backend
// transport layer and the client-facing protocol handler: requests,
// responses, notifications, and the standard plus MCP-specific error codes.
// Message ids and outgoing notifications are the real mcp-go wire types
// (mcp.RequestId, mcp.JSONRPCNotification) rather than a hand-rolled
// reimplementation of them.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Version is the JSON-RPC protocol version string carried on every message.
const Version = "2.0"

// Standard JSON-RPC and MCP-specific error codes.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeServerNotInitialized = -32002
	CodeUnknownError         = -32001
	CodeRateLimited          = -32000
)

// ID is a JSON-RPC request/response identifier: a string, a number, or null.
// It is mcp-go's own RequestId, not a local reimplementation, so it already
// round-trips through encoding/json without any custom Marshal/Unmarshal
// logic (nil encodes as JSON null; a string or float64 encodes as itself).
type ID = mcp.RequestId

// NewStringID builds an ID from a string value.
func NewStringID(s string) ID { return s }

// NewIntID builds an ID from an integer value.
func NewIntID(n int64) ID { return n }

// IsZeroID reports whether id was never set (absent from the message).
func IsZeroID(id ID) bool { return id == nil }

// IDString renders an ID for logging.
func IDString(id ID) string {
	if id == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%v", id)
}

// Request is a JSON-RPC 2.0 request object.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification is a JSON-RPC 2.0 request object with no id.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response object; exactly one of Result or Error
// is populated.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC 2.0 error member of a Response.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewErrorResponse builds a Response carrying an error for the given id.
func NewErrorResponse(id ID, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message, Data: data},
	}
}

// NewResultResponse builds a Response carrying a successful result.
func NewResultResponse(id ID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewRequest builds a Request with marshaled params.
func NewRequest(id ID, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a Notification with marshaled params.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewListChangedNotification builds the mcp-go JSONRPCNotification for one
// of the tools/resources/prompts "list_changed" methods, the same type
// session.Session exposes on its NotificationChannel (mirroring mcp-go's
// server.ClientSession contract).
func NewListChangedNotification(method string) mcp.JSONRPCNotification {
	var n mcp.JSONRPCNotification
	raw, _ := json.Marshal(map[string]any{"jsonrpc": Version, "method": method})
	_ = json.Unmarshal(raw, &n)
	return n
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

// Envelope is a decoded JSON-RPC message of unknown shape: a request (has
// both method and id), a notification (has method, no id), or a response
// (has no method). Callers inspect IsRequest/IsNotification/IsResponse to
// route the payload.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// IsRequest reports whether the envelope is a request (has a method and an id).
func (e *Envelope) IsRequest() bool { return e.Method != "" && e.ID != nil }

// IsNotification reports whether the envelope is a notification (method, no id).
func (e *Envelope) IsNotification() bool { return e.Method != "" && e.ID == nil }

// IsResponse reports whether the envelope is a response (no method).
func (e *Envelope) IsResponse() bool { return e.Method == "" }

// AsRequest converts the envelope to a Request. Callers must check IsRequest first.
func (e *Envelope) AsRequest() *Request {
	return &Request{JSONRPC: e.JSONRPC, ID: e.ID, Method: e.Method, Params: e.Params}
}

// AsNotification converts the envelope to a Notification. Callers must check
// IsNotification first.
func (e *Envelope) AsNotification() *Notification {
	return &Notification{JSONRPC: e.JSONRPC, Method: e.Method, Params: e.Params}
}

// AsResponse converts the envelope to a Response. Callers must check IsResponse first.
func (e *Envelope) AsResponse() *Response {
	return &Response{JSONRPC: e.JSONRPC, ID: e.ID, Result: e.Result, Error: e.Error}
}
