// Package jsonrpc implements the JSON-RPC 2.0 framing used to talk to MCP
// subprocess servers (one JSON value per line over stdin/stdout).
package jsonrpc

import "encoding/json"

// Version is the protocol version carried by every frame.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"` // set on notifications only
	Params  json.RawMessage `json:"params,omitempty"` // notification payload
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsNotification reports whether the frame is a server notification
// (no id, method set) rather than a reply to a request.
func (r *Response) IsNotification() bool {
	return r.ID == nil
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// MCP server methods and notifications.
const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"

	// NotificationProgress is the heartbeat a server may emit while a tool
	// call is running. It resets the client's per-line read timeout.
	NotificationProgress = "$/progress"
)

// NewRequest builds a request frame. Params are marshaled by the caller.
func NewRequest(id int64, method string, params json.RawMessage) *Request {
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// ToolsCallParams is the params payload for tools/call.
type ToolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolsListResult is the result payload of tools/list.
type ToolsListResult struct {
	Tools []ToolInfo `json:"tools"`
}

// ToolInfo describes one tool advertised by a server.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ProgressParams is the optional payload of a $/progress notification.
type ProgressParams struct {
	Message string `json:"message,omitempty"`
}
