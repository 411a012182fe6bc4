// Package protocol defines the JSON-RPC 2.0 wire types exchanged with an
// MCP tool server over a newline-delimited byte pipe. Each line carries one
// JSON object which is either a request, a response, or a notification,
// distinguished by which fields are populated. Lines that do not parse as
// JSON are not protocol messages at all; callers should treat them as
// opaque log output from the peer.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Version is the JSON-RPC protocol version carried by every message.
const Version = "2.0"

// MCPVersion is the MCP protocol revision sent during the initialize
// handshake.
const MCPVersion = "2024-11-05"

// Method names consumed by the agent. Tool discovery first tries
// MethodToolsList; some servers expose their catalog under one of the
// fallback names instead.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

// ToolsListFallbacks are alternative discovery method names tried, in
// order, when the canonical tools/list call yields an empty catalog.
var ToolsListFallbacks = []string{"list_tools", "get_tools", "capabilities"}

// Standard JSON-RPC error codes, plus the server-defined range used for
// tool failures.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Kind classifies a parsed protocol message.
type Kind int

const (
	// KindInvalid marks a JSON object that is none of the three message
	// shapes (for example a response with neither result nor error).
	KindInvalid Kind = iota
	// KindRequest carries an id and a method.
	KindRequest
	// KindResponse carries an id and either a result or an error.
	KindResponse
	// KindNotification carries a method but no id.
	KindNotification
)

// Message is the tagged union of request, response, and notification. The
// ID pointer distinguishes notifications (nil) from requests and
// responses; ids are integers, assigned from a per-session counter.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Kind reports which arm of the union this message is.
func (m Message) Kind() Kind {
	switch {
	case m.ID != nil && m.Method != "":
		return KindRequest
	case m.ID != nil && (m.Result != nil || m.Error != nil):
		return KindResponse
	case m.ID == nil && m.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// Parse attempts to decode a single line as a protocol message. The second
// return value is false when the line is not JSON; such lines are opaque
// log output, never an error.
func Parse(line string) (Message, bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return Message{}, false
	}
	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return Message{}, false
	}
	return msg, true
}

// NewRequest builds a request message with the given id.
func NewRequest(id int64, method string, params any) (Message, error) {
	msg := Message{JSONRPC: Version, ID: &id, Method: method}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}
	return msg, nil
}

// NewNotification builds a notification message (no id).
func NewNotification(method string, params any) (Message, error) {
	msg := Message{JSONRPC: Version, Method: method}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}
	return msg, nil
}

// Error is the JSON-RPC error object carried by failed responses.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e Error) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", e.Code, e.Message)
}

// Info identifies one side of a session during the handshake.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is sent by the agent as the first request of a session.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

// InitializeResult is the server half of the handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
}

// ClientCapabilities advertises what the agent supports.
type ClientCapabilities struct {
	Roots    *RootsCapability `json:"roots,omitempty"`
	Sampling map[string]any   `json:"sampling,omitempty"`
}

// RootsCapability signals support for root listing notifications.
type RootsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ServerCapabilities advertises what the tool server supports.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability signals the server exposes a tool catalog.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// Tool describes one named, schema-described operation the server can
// execute. Names are unique within a session; the catalog is populated
// once during discovery and read-only afterwards.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the payload of a discovery response.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams names a tool and its arguments for a tools/call request.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// CallToolResult is the payload of a tools/call response.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one item of a tool result. The agent only ever extracts text
// items for display.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// FirstText returns the text of the first text content item, or the empty
// string if there is none.
func (r CallToolResult) FirstText() string {
	for _, c := range r.Content {
		if c.Type == "text" {
			return c.Text
		}
	}
	return ""
}

// TextResult wraps a plain string as a single-item tool result.
func TextResult(text string) CallToolResult {
	return CallToolResult{Content: []Content{{Type: "text", Text: text}}}
}
