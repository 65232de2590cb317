package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xonecas/symb/internal/clock"
	"github.com/xonecas/symb/internal/compaction"
	"github.com/xonecas/symb/internal/contextwindow"
	"github.com/xonecas/symb/internal/dispatch"
	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/retry"
	"github.com/xonecas/symb/internal/sessionstore"
)

func readFileTool() mcp.Tool {
	return mcp.Tool{
		Name:        "read_file",
		Description: "reads a file",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	}
}

func newTestEngine(t *testing.T, prov provider.Provider, handler mcp.ToolHandler) (*Engine, *contextwindow.Window) {
	t.Helper()
	root := t.TempDir()
	proxy := mcp.NewProxy(nil)
	proxy.RegisterTool(readFileTool(), handler)
	d, err := dispatch.New(proxy, []mcp.Tool{readFileTool()}, root, 0)
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	w := contextwindow.New(root, 100000)
	w.Append(contextwindow.Message{Role: contextwindow.RoleSystem, Content: "system prompt"})

	store := sessionstore.NewStore(t.TempDir())
	session := store.New("/test/cwd")

	e := New(Options{
		Provider:    prov,
		Window:      w,
		Dispatcher:  d,
		Store:       store,
		Session:     session,
		Tools:       []mcp.Tool{readFileTool()},
		RetryPolicy: retry.PolicyFor(retry.Interactive),
		Clock:       clock.NewFake(time.Unix(0, 0)),
	})
	return e, w
}

// sequencedProvider returns a different scripted event sequence on each
// successive ChatStream call, for scenarios where the Nth call behaves
// differently (e.g. S4's fail-then-succeed retry).
type sequencedProvider struct {
	name  string
	caps  provider.Capabilities
	calls int32
	runs  [][]provider.StreamEvent
}

func (p *sequencedProvider) Name() string { return p.name }
func (p *sequencedProvider) Capabilities() provider.Capabilities { return p.caps }
func (p *sequencedProvider) Close() error { return nil }
func (p *sequencedProvider) ListModels(ctx context.Context) ([]provider.Model, error) { return nil, nil }

func (p *sequencedProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	n := int(atomic.AddInt32(&p.calls, 1)) - 1
	if n >= len(p.runs) {
		n = len(p.runs) - 1
	}
	events := p.runs[n]
	ch := make(chan provider.StreamEvent, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func nativeCaps() provider.Capabilities {
	return provider.Capabilities{MaxContextTokens: 100000, SupportsNativeToolCalls: true}
}

// S1. Simple completion: user("Say hello") -> text then end_turn.
func TestRunTurnSimpleCompletion(t *testing.T) {
	prov := provider.NewMock("mock", "Hi!")
	e, w := newTestEngine(t, prov, nil)

	if err := e.RunTurn(context.Background(), "Say hello"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	snap := w.Snapshot()
	nonSystem := snap[1:]
	if len(nonSystem) != 2 {
		t.Fatalf("expected 2 non-system messages, got %d: %+v", len(nonSystem), nonSystem)
	}
	if nonSystem[0].Role != contextwindow.RoleUser || nonSystem[0].Content != "Say hello" {
		t.Fatalf("message 0 = %+v", nonSystem[0])
	}
	if nonSystem[1].Role != contextwindow.RoleAssistant || nonSystem[1].Content != "Hi!" {
		t.Fatalf("message 1 = %+v", nonSystem[1])
	}

	loaded, err := e.store.LoadLatest("/test/cwd")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if loaded.Status != sessionstore.StatusCompleted {
		t.Fatalf("status = %s, want completed", loaded.Status)
	}
}

// S2. Single tool roundtrip: assistant calls read_file, dispatcher returns
// ok, next iteration assistant replies with text and stops.
func TestRunTurnSingleToolRoundtrip(t *testing.T) {
	prov := &sequencedProvider{name: "mock", caps: nativeCaps(), runs: [][]provider.StreamEvent{
		{
			{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: "c1", ToolCallName: "read_file"},
			{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `{"path":"X"}`},
			{Type: provider.EventDone},
		},
		{
			{Type: provider.EventContentDelta, Content: "Contents: hello"},
			{Type: provider.EventDone},
		},
	}}
	e, w := newTestEngine(t, prov, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "hello\n"}}}, nil
	})

	if err := e.RunTurn(context.Background(), "Read file X"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	snap := w.Snapshot()
	nonSystem := snap[1:]
	if len(nonSystem) != 4 {
		t.Fatalf("expected 4 non-system messages, got %d: %+v", len(nonSystem), nonSystem)
	}
	if nonSystem[0].Role != contextwindow.RoleUser {
		t.Fatalf("message 0 role = %s", nonSystem[0].Role)
	}
	if nonSystem[1].Role != contextwindow.RoleAssistant || len(nonSystem[1].ToolCalls) != 1 {
		t.Fatalf("message 1 = %+v, want assistant with one tool call", nonSystem[1])
	}
	if nonSystem[2].Role != contextwindow.RoleTool || nonSystem[2].Content != "hello\n" {
		t.Fatalf("message 2 = %+v", nonSystem[2])
	}
	if nonSystem[3].Role != contextwindow.RoleAssistant || nonSystem[3].Content != "Contents: hello" {
		t.Fatalf("message 3 = %+v", nonSystem[3])
	}
}

// S3. Oversized tool result gets externalized by the dispatcher rather
// than stored inline.
func TestRunTurnOversizedResultExternalised(t *testing.T) {
	big := strings.Repeat("a", 200*1024)
	prov := &sequencedProvider{name: "mock", caps: nativeCaps(), runs: [][]provider.StreamEvent{
		{
			{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: "c1", ToolCallName: "read_file"},
			{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `{"path":"X"}`},
			{Type: provider.EventDone},
		},
		{
			{Type: provider.EventContentDelta, Content: "done"},
			{Type: provider.EventDone},
		},
	}}
	e, w := newTestEngine(t, prov, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: big}}}, nil
	})

	if err := e.RunTurn(context.Background(), "Read file X"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	snap := w.Snapshot()
	var toolMsg *contextwindow.Message
	for i := range snap {
		if snap[i].Role == contextwindow.RoleTool {
			toolMsg = &snap[i]
		}
	}
	if toolMsg == nil {
		t.Fatalf("no tool message found")
	}
	if !strings.Contains(toolMsg.Content, "externalised") {
		t.Fatalf("expected externalised reference, got %q", toolMsg.Content)
	}
	if contextwindow.Estimate(toolMsg.Content) >= contextwindow.Estimate(big) {
		t.Fatalf("used_tokens should reflect the reference, not the full payload")
	}
}

// S3b. A tool call whose arguments fail to parse as JSON never reaches the
// dispatcher; it is replaced by a synthetic tool-error result instead.
func TestRunTurnMalformedToolCallArgumentsShortCircuit(t *testing.T) {
	prov := &sequencedProvider{name: "mock", caps: nativeCaps(), runs: [][]provider.StreamEvent{
		{
			{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: "c1", ToolCallName: "read_file"},
			{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `{"path": not json`},
			{Type: provider.EventDone},
		},
		{
			{Type: provider.EventContentDelta, Content: "done"},
			{Type: provider.EventDone},
		},
	}}
	var handlerCalled bool
	e, w := newTestEngine(t, prov, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		handlerCalled = true
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "should not run"}}}, nil
	})

	if err := e.RunTurn(context.Background(), "Read file X"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if handlerCalled {
		t.Fatalf("tool handler should never be invoked for unparseable arguments")
	}

	snap := w.Snapshot()
	var toolMsg *contextwindow.Message
	for i := range snap {
		if snap[i].Role == contextwindow.RoleTool {
			toolMsg = &snap[i]
		}
	}
	if toolMsg == nil {
		t.Fatalf("expected a synthetic tool-error message")
	}
	if !strings.Contains(toolMsg.Content, "did not parse as JSON") {
		t.Fatalf("expected synthetic parse-error content, got %q", toolMsg.Content)
	}
}

// S4. Recoverable rate limit on the first stream call, success on retry.
func TestRunTurnRecoversFromRateLimit(t *testing.T) {
	prov := &sequencedProvider{name: "mock", caps: nativeCaps(), runs: [][]provider.StreamEvent{
		{{Type: provider.EventError, Err: &testErr{"429 rate_limit_exceeded"}}},
		{
			{Type: provider.EventContentDelta, Content: "Hi!"},
			{Type: provider.EventDone},
		},
	}}
	e, w := newTestEngine(t, prov, nil)

	if err := e.RunTurn(context.Background(), "Say hello"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if prov.calls < 2 {
		t.Fatalf("expected at least 2 provider calls, got %d", prov.calls)
	}

	snap := w.Snapshot()
	var assistantCount int
	for _, m := range snap {
		if m.Role == contextwindow.RoleAssistant {
			assistantCount++
		}
	}
	if assistantCount != 1 {
		t.Fatalf("expected exactly one assistant message (no duplicate append), got %d", assistantCount)
	}
}

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }

// S5. Auto-compaction: a log already past the 80% threshold (about 150% of
// capacity) triggers compaction before the next stream call.
func TestRunTurnAutoCompacts(t *testing.T) {
	root := t.TempDir()
	w := contextwindow.New(root, 1000)
	w.Append(contextwindow.Message{Role: contextwindow.RoleSystem, Content: "system prompt"})
	for i := 0; i < 20; i++ {
		w.Append(contextwindow.Message{Role: contextwindow.RoleUser, Content: strings.Repeat("x", 150)})
		w.Append(contextwindow.Message{Role: contextwindow.RoleAssistant, Content: strings.Repeat("y", 150)})
	}
	if !w.ShouldCompact() {
		t.Fatalf("test setup: window should already be over the compaction threshold")
	}

	summarizer := provider.NewMock("summarizer", "summary of everything above")
	compactor := compaction.New(summarizer, nil, false)

	proxy := mcp.NewProxy(nil)
	d, err := dispatch.New(proxy, nil, root, 0)
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	store := sessionstore.NewStore(t.TempDir())
	session := store.New("/test/cwd")

	replyProv := provider.NewMock("mock", "ok, compacted")
	e := New(Options{
		Provider:    replyProv,
		Window:      w,
		Dispatcher:  d,
		Compactor:   compactor,
		Store:       store,
		Session:     session,
		RetryPolicy: retry.PolicyFor(retry.Interactive),
		Clock:       clock.NewFake(time.Unix(0, 0)),
	})

	if err := e.RunTurn(context.Background(), "final question"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if w.UsagePct() > 0.6 {
		t.Fatalf("usage_pct after compaction = %f, want <= 0.6", w.UsagePct())
	}
	snap := w.Snapshot()
	if snap[0].Role != contextwindow.RoleSystem || snap[0].Content != "system prompt" {
		t.Fatalf("system prompt not preserved: %+v", snap[0])
	}

	var sawSummary bool
	for _, m := range snap {
		if m.Content == "summary of everything above" {
			sawSummary = true
		}
	}
	if !sawSummary {
		t.Fatalf("expected a summary assistant message between preserved head and tail")
	}
}

// Recitation injection appends a reminder into the last tool message every
// reminderInterval iterations.
func TestInjectRecitationUsesScratchpadOverFallback(t *testing.T) {
	root := t.TempDir()
	w := contextwindow.New(root, 100000)
	w.Append(contextwindow.Message{Role: contextwindow.RoleSystem, Content: "system"})
	w.Append(contextwindow.Message{Role: contextwindow.RoleUser, Content: "do the thing"})
	w.Append(contextwindow.Message{Role: contextwindow.RoleTool, Content: "tool output", ToolCallID: "c1"})

	e := New(Options{Window: w, Scratchpad: fakeScratchpad("remember to run tests")})
	e.injectRecitation(reminderInterval)

	snap := w.Snapshot()
	last := snap[len(snap)-1]
	if !strings.Contains(last.Content, "remember to run tests") {
		t.Fatalf("expected scratchpad content injected, got %q", last.Content)
	}
}

type fakeScratchpad string

func (f fakeScratchpad) Content() string { return string(f) }
