package mcpserver

import (
	"encoding/json"
	"errors"

	"go2tv.app/mcp-avctl/internal/domain"
)

const protocolVersion = "2024-11-05"

const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
)

var rpcMessages = map[int]string{
	rpcParseError:     "parse error",
	rpcInvalidRequest: "invalid request",
	rpcMethodNotFound: "method not found",
	rpcInvalidParams:  "invalid params",
}

// Tool error codes raised by the server itself rather than the session.
const (
	codeToolNotFound        = "TOOL_NOT_FOUND"
	codeSessionUnconfigured = "SESSION_UNCONFIGURED"
)

// errInvalidParams makes a handler answer with rpcInvalidParams instead of
// a tool error result.
var errInvalidParams = errors.New("invalid params")

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func resultResponse(id json.RawMessage, result any) response {
	return response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int) response {
	return response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: rpcMessages[code]}}
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    capabilities `json:"capabilities"`
	ServerInfo      serverInfo   `json:"serverInfo"`
	Instructions    string       `json:"instructions,omitempty"`
}

type capabilities struct {
	Tools struct {
		ListChanged bool `json:"listChanged"`
	} `json:"tools"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsListResult struct {
	Tools []tool `json:"tools"`
}

type tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolsCallParams struct {
	Name      string
	Arguments json.RawMessage
}

type toolCallResult struct {
	Content           []toolContent `json:"content"`
	StructuredContent any           `json:"structuredContent,omitempty"`
	IsError           bool          `json:"isError,omitempty"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// toolErrorEnvelope is the structured content of every failed tool call.
type toolErrorEnvelope struct {
	Error *domain.ToolError `json:"error"`
}

func outcomeResult(outcome toolOutcome) toolCallResult {
	return toolCallResult{
		Content:           []toolContent{{Type: "text", Text: outcome.text}},
		StructuredContent: outcome.structured,
	}
}

func toolErrorResult(tErr *domain.ToolError) toolCallResult {
	return toolCallResult{
		Content:           []toolContent{{Type: "text", Text: tErr.Error()}},
		StructuredContent: toolErrorEnvelope{Error: tErr},
		IsError:           true,
	}
}
