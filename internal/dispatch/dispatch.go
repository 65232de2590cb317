// Package dispatch executes tool calls against an internal/mcp.Proxy: it
// validates arguments against each tool's declared JSON Schema, dispatches
// concurrently when the provider allows it, de-duplicates concurrent calls
// that share a call_id, externalizes oversized results, and re-inserts
// results in the caller's original order.
//
// Grounded on internal/llm/loop.go's executeToolCalls (sequential
// proxy.CallTool loop + extractTextFromContent) generalized with
// github.com/santhosh-tekuri/jsonschema/v5 validation (new dep, grounded on
// the hand-written JSON Schema "inputSchema" blocks already present in
// every internal/mcptools/*.go tool definition) and
// golang.org/x/sync/{errgroup,singleflight} (errgroup already used by
// internal/provider.ListAllModels; singleflight is new use of the same
// module for the call_id de-duplication guard).
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xonecas/symb/internal/mcp"
)

// Request is one tool call the turn engine wants executed.
type Request struct {
	CallID       string
	Name         string
	ArgumentsRaw string
}

// Result is a tool call's outcome, ready to become a tool-role message.
type Result struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// DefaultInlineCapBytes is the result-content size above which Dispatcher
// externalizes content to disk rather than returning it inline
// (tool_result_inline_cap, default 64 KiB).
const DefaultInlineCapBytes = 64 * 1024

// Dispatcher validates and executes tool calls against a proxy.
type Dispatcher struct {
	proxy          *mcp.Proxy
	schemas        map[string]*jsonschema.Schema
	sessionRoot    string
	inlineCapBytes int

	sf singleflight.Group
}

// New compiles each tool's InputSchema and returns a Dispatcher bound to
// proxy. sessionRoot is where oversized results get externalized
// (<sessionRoot>/thinned/tool-<call_id>-<hash>.txt, the same directory and
// reference format internal/contextwindow uses for thinned message
// content). inlineCapBytes
// is the tool_result_inline_cap; 0 or negative selects DefaultInlineCapBytes.
func New(proxy *mcp.Proxy, tools []mcp.Tool, sessionRoot string, inlineCapBytes int) (*Dispatcher, error) {
	compiler := jsonschema.NewCompiler()
	schemas := make(map[string]*jsonschema.Schema, len(tools))
	for _, t := range tools {
		if len(t.InputSchema) == 0 {
			continue
		}
		url := "tool://" + t.Name
		if err := compiler.AddResource(url, strings.NewReader(string(t.InputSchema))); err != nil {
			return nil, fmt.Errorf("add schema resource for %s: %w", t.Name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", t.Name, err)
		}
		schemas[t.Name] = schema
	}
	if inlineCapBytes <= 0 {
		inlineCapBytes = DefaultInlineCapBytes
	}
	return &Dispatcher{proxy: proxy, schemas: schemas, sessionRoot: sessionRoot, inlineCapBytes: inlineCapBytes}, nil
}

// DispatchAll executes reqs and returns results in the same order as reqs,
// regardless of completion order. When concurrent is true (the provider set
// allow_multiple_tool_calls) independent requests run in parallel via
// errgroup; otherwise they run sequentially, matching the teacher's
// single-tool-per-round assumption.
func (d *Dispatcher) DispatchAll(ctx context.Context, reqs []Request, concurrent bool) []Result {
	results := make([]Result, len(reqs))

	if !concurrent {
		for i, req := range reqs {
			results[i] = d.dispatchOne(ctx, req)
		}
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	first := make(map[string]int, len(reqs))
	for i, req := range reqs {
		if _, dup := first[req.CallID]; dup {
			continue
		}
		first[req.CallID] = i
		i, req := i, req
		g.Go(func() error {
			results[i] = d.dispatchOne(gctx, req)
			return nil
		})
	}
	_ = g.Wait() // dispatchOne never returns an error; failures become IsError results
	for i, req := range reqs {
		if j := first[req.CallID]; j != i {
			results[i] = results[j]
		}
	}
	return results
}

// dispatchOne validates arguments, de-duplicates by call_id, invokes the
// proxy, and externalizes an oversized result.
func (d *Dispatcher) dispatchOne(ctx context.Context, req Request) Result {
	v, _, _ := d.sf.Do(req.CallID, func() (interface{}, error) {
		return d.execute(ctx, req), nil
	})
	return v.(Result)
}

func (d *Dispatcher) execute(ctx context.Context, req Request) Result {
	args := json.RawMessage(req.ArgumentsRaw)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	if schema, ok := d.schemas[req.Name]; ok {
		var v interface{}
		if err := json.Unmarshal(args, &v); err != nil {
			return Result{CallID: req.CallID, Name: req.Name, IsError: true,
				Content: fmt.Sprintf("invalid arguments JSON: %v", err)}
		}
		if err := schema.Validate(v); err != nil {
			return Result{CallID: req.CallID, Name: req.Name, IsError: true,
				Content: fmt.Sprintf("arguments failed schema validation: %v", err)}
		}
	}

	result, err := d.proxy.CallTool(ctx, req.Name, args)
	if err != nil {
		return Result{CallID: req.CallID, Name: req.Name, IsError: true, Content: fmt.Sprintf("tool error: %v", err)}
	}

	text := extractText(result.Content)
	if len(text) > d.inlineCapBytes {
		if ref, err := d.externalize(req.CallID, text); err == nil {
			text = ref
		} else {
			log.Warn().Err(err).Str("call_id", req.CallID).Msg("failed to externalize oversized tool result")
		}
	}

	return Result{CallID: req.CallID, Name: req.Name, Content: text, IsError: result.IsError}
}

func extractText(blocks []mcp.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// externalize writes oversized content to
// <sessionRoot>/thinned/tool-<call_id>-<hash>.txt via write-temp-then-rename
// and returns a short reference in its place.
func (d *Dispatcher) externalize(callID, content string) (string, error) {
	if d.sessionRoot == "" {
		return content, nil
	}
	dir := filepath.Join(d.sessionRoot, "thinned")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(content))
	name := fmt.Sprintf("tool-%s-%s.txt", callID, hex.EncodeToString(sum[:4]))
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return fmt.Sprintf("[externalised: %d characters saved to thinned/%s; read_file to retrieve]", len(content), name), nil
}
