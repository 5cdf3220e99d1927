// Package mcp implements the tool registry and the JSON-RPC 2.0 dispatch
// layer of the MCP server.
package mcp

import "encoding/json"

// ProtocolVersion is the MCP protocol revision this server speaks.
const ProtocolVersion = "2024-11-05"

// Request is an incoming JSON-RPC 2.0 message. The ID is kept raw so that
// string and numeric correlation ids are echoed back verbatim; an absent ID
// marks the message as a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification reports whether the request carries no correlation id.
func (r *Request) Notification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is an outgoing JSON-RPC 2.0 message. Exactly one of Result and
// Error is populated.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object. Data carries the error class from
// the server taxonomy so callers can branch without parsing messages.
type RPCError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData is the structured payload attached to every error reply.
type ErrorData struct {
	Class string `json:"class"`
	Field string `json:"field,omitempty"`
}

// JSON-RPC 2.0 error codes, plus the server-defined range used for faults
// that happen after a structurally valid tools/call has been accepted.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeUnknownTool = -32000
	CodeTimeout     = -32001
	CodeUnavailable = -32002
	CodeStoreFailed = -32003
)

// Error classes surfaced in ErrorData.Class.
const (
	ClassMalformed   = "malformed_request"
	ClassUnknownTool = "unknown_tool"
	ClassValidation  = "validation"
	ClassTimeout     = "timeout"
	ClassUnavailable = "unavailable"
	ClassStoreFailed = "store_failed"
	ClassInternal    = "internal"
)

// CallParams are the parameters of a tools/call request.
type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolDescriptor is the catalog entry served by tools/list.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single entry in a tool call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallResult is the result payload of a successful tools/call.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// TextResult wraps an already-serialized payload as a single text content
// block, the shape MCP clients expect for tool output.
func TextResult(text string) *CallResult {
	return &CallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}
