package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// StubClient is an offline UpstreamClient. It advertises a small fixed
// tool surface and answers every call locally. Nothing in this module
// constructs it: when no MCP upstream is configured, cmd/symb runs the
// proxy with a nil upstream instead.
type StubClient struct{}

// NewStubClient creates a new stub MCP client.
func NewStubClient() *StubClient {
	return &StubClient{}
}

// Initialize simulates the MCP handshake.
func (c *StubClient) Initialize(ctx context.Context, clientInfo map[string]interface{}) (*Response, error) {
	return &Response{
		JSONRPC: "2.0",
		ID:      1,
		Result: json.RawMessage(`{
			"protocolVersion": "2024-11-05",
			"capabilities": {},
			"serverInfo": {
				"name": "symb-stub",
				"version": "1.0.0"
			}
		}`),
	}, nil
}

// ListTools returns the stub's fixed tool surface.
func (c *StubClient) ListTools(ctx context.Context) ([]Tool, error) {
	return []Tool{
		{
			Name:        "ping",
			Description: "Returns pong (stub upstream liveness check)",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        "echo",
			Description: "Echoes back the given text (stub upstream)",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {"text": {"type": "string"}}, "required": ["text"]}`),
		},
	}, nil
}

// CallTool executes a stub tool call.
func (c *StubClient) CallTool(ctx context.Context, name string, arguments interface{}) (*ToolResult, error) {
	switch name {
	case "ping":
		return &ToolResult{Content: []ContentBlock{{Type: "text", Text: "pong"}}}, nil
	case "echo":
		text := ""
		if m, ok := arguments.(map[string]interface{}); ok {
			if v, ok := m["text"].(string); ok {
				text = v
			}
		}
		return &ToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}, nil
	default:
		return &ToolResult{
			Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("tool %s not implemented in stub upstream", name)}},
			IsError: true,
		}, nil
	}
}
