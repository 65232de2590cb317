package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// anthropicPrompt, geminiPrompt, gptPrompt, and qwenPrompt are the
// model-family base prompts. The teacher loaded these from embedded
// anthropic.md/gemini.md/qwen.md/gpt.md files that never shipped with the
// retrieved snapshot; they're inlined here as plain string constants
// instead of a go:embed directive that would fail to resolve.
const anthropicPrompt = `You are symb, an autonomous coding agent operating in a terminal. You have
access to tools for reading and editing files, running shell commands, and
searching code. Call tools using your native tool-calling interface.

Work in small, verifiable steps. Read before you write. Prefer the
narrowest edit that satisfies the request. When you are done, stop calling
tools and report what changed in plain text.`

const geminiPrompt = `You are symb, an autonomous coding agent operating in a terminal. You have
access to tools for reading and editing files, running shell commands, and
searching code. Call tools using your native function-calling interface.

Work in small, verifiable steps. Read before you write. Prefer the
narrowest edit that satisfies the request. When you are done, stop calling
tools and report what changed in plain text.`

const gptPrompt = `You are symb, an autonomous coding agent operating in a terminal. You have
access to tools for reading and editing files, running shell commands, and
searching code. Call tools using your native tool-calling interface.

Work in small, verifiable steps. Read before you write. Prefer the
narrowest edit that satisfies the request. When you are done, stop calling
tools and report what changed in plain text.`

// qwenPrompt additionally documents the fenced-JSON tool-call fallback
// convention, for models without a native tool-calling API.
const qwenPrompt = `You are symb, an autonomous coding agent operating in a terminal. You have
access to tools for reading and editing files, running shell commands, and
searching code.

Your runtime has no native tool-calling API for this model. To call a
tool, emit a fenced code block containing a single JSON object of the form:

` + "```" + `
{"tool": "<name>", "args": {...}}
` + "```" + `

Emit nothing else inside the fence. Text outside the fence is shown to the
user as-is.

Work in small, verifiable steps. Read before you write. Prefer the
narrowest edit that satisfies the request. When you are done, stop calling
tools and report what changed in plain text.`

// SelectPrompt returns the base system prompt for modelID, dispatching on
// a family-name substring match. Grounded on internal/llm/prompt.go's
// SelectPrompt.
func SelectPrompt(modelID string) string {
	modelLower := strings.ToLower(modelID)

	switch {
	case strings.Contains(modelLower, "claude"):
		return anthropicPrompt
	case strings.Contains(modelLower, "gemini"):
		return geminiPrompt
	case strings.Contains(modelLower, "gpt"), strings.Contains(modelLower, "o1"):
		return gptPrompt
	case strings.Contains(modelLower, "qwen"):
		return qwenPrompt
	default:
		return anthropicPrompt
	}
}

// LoadAgentInstructions searches for AGENTS.md files from the current
// working directory up to the filesystem root, plus the user config
// directory, and returns their concatenated contents with project-level
// instructions taking precedence. Grounded on internal/llm/prompt.go's
// LoadAgentInstructions, unchanged.
func LoadAgentInstructions() string {
	var instructions []string

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		agentsPath := filepath.Join(dir, "AGENTS.md")
		if content := readFileIfExists(agentsPath); content != "" {
			instructions = append(instructions, fmt.Sprintf("Instructions from: %s", agentsPath)+"\n"+content)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if home, err := os.UserHomeDir(); err == nil {
		configAgents := filepath.Join(home, ".config", "symb", "AGENTS.md")
		if content := readFileIfExists(configAgents); content != "" {
			instructions = append(instructions, fmt.Sprintf("Instructions from: %s", configAgents)+"\n"+content)
		}
	}

	for i, j := 0, len(instructions)-1; i < j; i, j = i+1, j-1 {
		instructions[i], instructions[j] = instructions[j], instructions[i]
	}

	return strings.Join(instructions, "\n\n")
}

// BuildSystemPrompt assembles the complete system prompt for modelID: the
// model-family base prompt plus any AGENTS.md instructions found in the
// directory hierarchy. Unlike internal/llm/prompt.go's BuildSystemPrompt,
// there is no tree-sitter outline parameter: C8's scope per spec.md is the
// turn engine, not project indexing, and no caller constructs a
// treesitter.Index anymore.
func BuildSystemPrompt(modelID string) string {
	basePrompt := SelectPrompt(modelID)
	agentInstructions := LoadAgentInstructions()

	if agentInstructions == "" {
		return basePrompt
	}
	return agentInstructions + "\n\n---\n\n" + basePrompt
}

func readFileIfExists(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
