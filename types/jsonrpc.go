package types

import "encoding/json"

// JSONRPCVersion is the protocol version carried on every frame.
const JSONRPCVersion = "2.0"

// MCP method names used by the supervisor.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodPing        = "ping"
	MethodProgress    = "notifications/progress"
)

// Request is an outbound JSON-RPC 2.0 request. One object per line,
// UTF-8, trailing newline, no BOM.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is an inbound JSON-RPC 2.0 response or notification.
// Notifications carry a Method and no ID.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the frame is a server-initiated
// notification rather than a reply.
func (r *Response) IsNotification() bool {
	return r.ID == nil && r.Method != ""
}

// RPCError is the JSON-RPC error object shape.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ToRemoteError converts the wire error into the caller-facing kind.
func (e *RPCError) ToRemoteError() *RemoteError {
	return &RemoteError{Code: e.Code, Message: e.Message, Data: e.Data}
}

// CallToolParams is the params shape for tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// InitializeParams is the params shape for the initialize handshake.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// ClientInfo identifies the proxy to the child server.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolsListResult is the result shape for tools/list.
type ToolsListResult struct {
	Tools []ToolInfo `json:"tools"`
}

// ToolInfo is one advertised tool from the child's tool list.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}
