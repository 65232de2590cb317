package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xonecas/symb/internal/delta"
	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/shell"
	"github.com/xonecas/symb/internal/store"
	"github.com/xonecas/symb/internal/subagent"
)

// Re-exported so callers don't need to import internal/subagent just for
// these constants.
const (
	MaxSubAgentDepth      = subagent.MaxSubAgentDepth
	MaxSubAgentIterations = subagent.MaxSubAgentIterations
	MaxAllowedIterations  = subagent.MaxAllowedIterations
)

// SubAgentArgs represents arguments for the SubAgent tool.
type SubAgentArgs struct {
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// NewSubAgentTool creates the SubAgent tool definition.
func NewSubAgentTool() mcp.Tool {
	return mcp.Tool{
		Name:        "SubAgent",
		Description: `Spawn a sub-agent to handle a focused task. The sub-agent runs with the same tools but cannot spawn further sub-agents. Use this to decompose complex tasks into smaller, manageable pieces. The sub-agent's work is returned as a summary.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prompt":         {"type": "string", "description": "Task description for the sub-agent. Be specific about what needs to be accomplished and the expected output format."},
				"max_iterations": {"type": "integer", "description": "Maximum tool rounds for the sub-agent (default: 5)"}
			},
			"required": ["prompt"]
		}`),
	}
}

// SubAgentHandler handles SubAgent tool calls by building an isolated MCP
// proxy wired to fresh tool handlers (so the sub-agent can't see the root
// agent's file-read tracking or todo scratchpad) and running it through
// internal/subagent.Run.
type SubAgentHandler struct {
	provider     provider.Provider
	deltaTracker *delta.Tracker
	sh           *shell.Shell
	webCache     *store.Cache
	exaKey       string
	allTools     []mcp.Tool
	sessionRoot  string
}

// NewSubAgentHandler creates a handler for the SubAgent tool.
func NewSubAgentHandler(
	prov provider.Provider,
	deltaTracker *delta.Tracker,
	sh *shell.Shell,
	webCache *store.Cache,
	exaKey string,
	allTools []mcp.Tool,
	sessionRoot string,
) *SubAgentHandler {
	if prov == nil {
		panic("SubAgentHandler: provider cannot be nil")
	}
	if sh == nil {
		panic("SubAgentHandler: shell cannot be nil")
	}

	return &SubAgentHandler{
		provider:     prov,
		deltaTracker: deltaTracker,
		sh:           sh,
		webCache:     webCache,
		exaKey:       exaKey,
		allTools:     allTools,
		sessionRoot:  sessionRoot,
	}
}

// Handle implements the mcp.ToolHandler interface.
func (h *SubAgentHandler) Handle(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return toolError("Sub-agent cancelled: %v", err), nil
	}

	var args SubAgentArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}
	if args.Prompt == "" {
		return toolError("prompt is required"), nil
	}

	subTracker := NewFileReadTracker()
	subReadHandler := NewReadHandler(subTracker)
	subEditHandler := NewEditHandler(subTracker, h.deltaTracker)
	subShellHandler := NewShellHandler(h.sh, h.deltaTracker)
	subPad := &Scratchpad{}

	subProxy := mcp.NewProxy(nil)
	filteredTools := subagent.FilterTools(h.allTools)
	for _, tool := range filteredTools {
		switch tool.Name {
		case "Read":
			subProxy.RegisterTool(tool, subReadHandler.Handle)
		case "Edit":
			subProxy.RegisterTool(tool, subEditHandler.Handle)
		case "Shell":
			subProxy.RegisterTool(tool, subShellHandler.Handle)
		case "Grep":
			subProxy.RegisterTool(tool, MakeGrepHandler())
		case "TodoWrite":
			subProxy.RegisterTool(tool, MakeTodoWriteHandler(subPad))
		case "WebFetch":
			subProxy.RegisterTool(tool, MakeWebFetchHandler(h.webCache))
		case "WebSearch":
			subProxy.RegisterTool(tool, MakeWebSearchHandler(h.webCache, h.exaKey, ""))
		case "GitStatus":
			subProxy.RegisterTool(tool, MakeGitStatusHandler())
		case "GitDiff":
			subProxy.RegisterTool(tool, MakeGitDiffHandler())
		}
	}

	result, err := subagent.Run(ctx, subagent.Options{
		Provider:      h.provider,
		Proxy:         subProxy,
		Tools:         filteredTools,
		Prompt:        args.Prompt,
		MaxIterations: args.MaxIterations,
		SessionRoot:   h.sessionRoot,
		Scratchpad:    subPad,
	})
	if err != nil {
		return toolError("%v", err), nil
	}

	return toolText(fmt.Sprintf("Sub-agent completed.\n\n%s\n\n---\nToken usage: ~%d in, ~%d out",
		result.Content, result.InputTokens, result.OutputTokens)), nil
}
