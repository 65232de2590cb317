// Package subagent runs a depth-limited, isolated turn-engine instance on
// behalf of the SubAgent tool: its own context window, dispatcher, and
// scratchpad, sharing only the parent's provider and MCP proxy registrations.
package subagent

import (
	"context"
	"fmt"
	"strings"

	"github.com/xonecas/symb/internal/contextwindow"
	"github.com/xonecas/symb/internal/dispatch"
	"github.com/xonecas/symb/internal/engine"
	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/retry"
)

const (
	// MaxSubAgentDepth is the maximum recursion depth for sub-agents.
	// Depth 0 = root agent, depth 1 = sub-agent spawned by root.
	MaxSubAgentDepth = engine.MaxDepth

	// MaxSubAgentIterations is the default max tool rounds for sub-agents.
	MaxSubAgentIterations = 5

	// MaxAllowedIterations is the upper bound for user-specified max_iterations.
	MaxAllowedIterations = 20

	// capacityTokens is the sub-agent's own context window budget, smaller
	// than the root agent's since sub-agent tasks are scoped narrow.
	capacityTokens = 50000
)

// Options configures a sub-agent run.
type Options struct {
	Provider      provider.Provider
	Proxy         *mcp.Proxy
	Tools         []mcp.Tool
	Prompt        string
	MaxIterations int
	SessionRoot   string
	Scratchpad    engine.ScratchpadReader
}

// Result reports a sub-agent run outcome.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Run executes a sub-agent turn at depth MaxSubAgentDepth and returns the
// final assistant content.
func Run(ctx context.Context, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("sub-agent cancelled: %v", err)
	}
	if opts.Provider == nil {
		return Result{}, fmt.Errorf("provider is required")
	}
	if opts.Proxy == nil {
		return Result{}, fmt.Errorf("proxy is required")
	}
	if opts.Prompt == "" {
		return Result{}, fmt.Errorf("prompt is required")
	}

	maxIter := MaxSubAgentIterations
	if opts.MaxIterations > 0 {
		if opts.MaxIterations > MaxAllowedIterations {
			return Result{}, fmt.Errorf("max_iterations too large (max: %d)", MaxAllowedIterations)
		}
		maxIter = opts.MaxIterations
	}

	d, err := dispatch.New(opts.Proxy, opts.Tools, opts.SessionRoot, 0)
	if err != nil {
		return Result{}, fmt.Errorf("sub-agent dispatcher setup: %w", err)
	}

	window := contextwindow.New(opts.SessionRoot, capacityTokens)
	window.Append(contextwindow.Message{Role: contextwindow.RoleSystem, Content: SystemPrompt()})

	eng := engine.New(engine.Options{
		Provider:      opts.Provider,
		Window:        window,
		Dispatcher:    d,
		Tools:         opts.Tools,
		RetryPolicy:   retry.PolicyFor(retry.Interactive),
		Scratchpad:    opts.Scratchpad,
		MaxIterations: maxIter,
		Depth:         MaxSubAgentDepth,
	})

	if err := eng.RunTurn(ctx, opts.Prompt); err != nil {
		return Result{}, fmt.Errorf("sub-agent failed: %v", err)
	}

	var finalContent string
	var totalIn, totalOut int
	for _, m := range window.Snapshot() {
		if m.Role == contextwindow.RoleAssistant {
			totalOut += contextwindow.Estimate(m.Content)
			if m.Content != "" {
				finalContent = m.Content
			}
		} else {
			totalIn += contextwindow.Estimate(m.Content)
		}
	}

	if finalContent == "" {
		return Result{}, fmt.Errorf("sub-agent produced no final response")
	}

	return Result{Content: finalContent, InputTokens: totalIn, OutputTokens: totalOut}, nil
}

// FilterTools removes the SubAgent tool from a tool list.
func FilterTools(tools []mcp.Tool) []mcp.Tool {
	filtered := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Name != "SubAgent" {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

const basePrompt = `You are a focused sub-agent working on a specific task assigned by a parent agent.

Your role:
- Complete the assigned task efficiently
- Use tools as needed (Read, Edit, Grep, Shell, etc.)
- Provide a clear, concise final response summarizing what you accomplished
- You cannot spawn further sub-agents

Output format:
- Use tools to gather information and make changes
- When done, respond with a summary of what was accomplished
- Be specific about any files modified, tests run, or issues found

You have a limited number of tool rounds - work efficiently.`

// SystemPrompt returns the system prompt for sub-agents: the fixed
// sub-agent role description plus any AGENTS.md project instructions also
// loaded by the root agent.
func SystemPrompt() string {
	if instructions := engine.LoadAgentInstructions(); instructions != "" {
		return strings.TrimSpace(instructions + "\n\n---\n\n" + basePrompt)
	}
	return basePrompt
}
