package toolstream

import (
	"testing"

	"github.com/xonecas/symb/internal/provider"
)

func drain(p *Parser, evts []provider.StreamEvent) []Event {
	var out []Event
	for _, e := range evts {
		out = append(out, p.Feed(e)...)
	}
	return out
}

func TestNativeTextAndToolCall(t *testing.T) {
	p := New(Native)
	out := drain(p, []provider.StreamEvent{
		{Type: provider.EventContentDelta, Content: "thinking out loud"},
		{Type: provider.EventToolCallBegin, ToolCallID: "call_1", ToolCallName: "read_file"},
		{Type: provider.EventToolCallDelta, ToolCallID: "call_1", ToolCallArgs: `{"path":`},
		{Type: provider.EventToolCallDelta, ToolCallID: "call_1", ToolCallArgs: `"a.go"}`},
		{Type: provider.EventDone},
	})

	if len(out) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(out), out)
	}
	if out[0].Type != EmitText || out[0].Text != "thinking out loud" {
		t.Fatalf("event0 = %+v", out[0])
	}
	if out[1].Type != EmitToolCall || out[1].ToolCall.Name != "read_file" {
		t.Fatalf("event1 = %+v", out[1])
	}
	if out[1].ToolCall.ArgumentsRaw != `{"path":"a.go"}` {
		t.Fatalf("args = %q", out[1].ToolCall.ArgumentsRaw)
	}
	if out[1].ParseError {
		t.Fatalf("unexpected parse error")
	}
	if out[2].Type != EmitStop || out[2].StopReason != "end_turn" {
		t.Fatalf("event2 = %+v", out[2])
	}
}

func TestNativeMalformedArgumentsFlagged(t *testing.T) {
	p := New(Native)
	out := drain(p, []provider.StreamEvent{
		{Type: provider.EventToolCallBegin, ToolCallID: "call_1", ToolCallName: "write_file"},
		{Type: provider.EventToolCallDelta, ToolCallID: "call_1", ToolCallArgs: `{"path": not json`},
		{Type: provider.EventDone},
	})
	var call Event
	for _, e := range out {
		if e.Type == EmitToolCall {
			call = e
		}
	}
	if !call.ParseError {
		t.Fatalf("expected ParseError on malformed arguments: %+v", call)
	}
}

func TestAdjacentDuplicateSuppressed(t *testing.T) {
	p := New(Native)
	out := drain(p, []provider.StreamEvent{
		{Type: provider.EventToolCallBegin, ToolCallID: "a", ToolCallName: "ping"},
		{Type: provider.EventToolCallDelta, ToolCallID: "a", ToolCallArgs: `{}`},
		{Type: provider.EventDone},
	})
	out2 := drain(p, []provider.StreamEvent{
		{Type: provider.EventToolCallBegin, ToolCallID: "b", ToolCallName: "ping"},
		{Type: provider.EventToolCallDelta, ToolCallID: "b", ToolCallArgs: `{}`},
		{Type: provider.EventDone},
	})

	count := func(evts []Event) int {
		n := 0
		for _, e := range evts {
			if e.Type == EmitToolCall {
				n++
			}
		}
		return n
	}
	if count(out) != 1 {
		t.Fatalf("first call: got %d tool calls, want 1", count(out))
	}
	if count(out2) != 0 {
		t.Fatalf("adjacent duplicate should be suppressed, got %d tool calls", count(out2))
	}
	if len(p.Warnings()) == 0 {
		t.Fatalf("expected a suppression warning recorded")
	}
}

func TestDuplicateNotSuppressedAfterInterveningText(t *testing.T) {
	p := New(Native)
	drain(p, []provider.StreamEvent{
		{Type: provider.EventToolCallBegin, ToolCallID: "a", ToolCallName: "ping"},
		{Type: provider.EventToolCallDelta, ToolCallID: "a", ToolCallArgs: `{}`},
		{Type: provider.EventDone},
	})
	out := drain(p, []provider.StreamEvent{
		{Type: provider.EventContentDelta, Content: "checking result"},
		{Type: provider.EventToolCallBegin, ToolCallID: "b", ToolCallName: "ping"},
		{Type: provider.EventToolCallDelta, ToolCallID: "b", ToolCallArgs: `{}`},
		{Type: provider.EventDone},
	})
	n := 0
	for _, e := range out {
		if e.Type == EmitToolCall {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("duplicate with intervening text should not be suppressed, got %d tool calls", n)
	}
}

func TestJSONFallbackParsesFencedCall(t *testing.T) {
	p := New(JSONFallback)
	chunks := []string{
		"Let me check that.\n```json\n",
		`{"tool": "read_file", "args": {"path": "a.go"}}`,
		"\n```\nDone.",
	}
	var out []Event
	for _, c := range chunks {
		out = append(out, p.Feed(provider.StreamEvent{Type: provider.EventContentDelta, Content: c})...)
	}

	var gotCall, gotText bool
	for _, e := range out {
		if e.Type == EmitToolCall {
			gotCall = true
			if e.ToolCall.Name != "read_file" || e.ToolCall.ArgumentsRaw != `{"path": "a.go"}` {
				t.Fatalf("unexpected tool call: %+v", e.ToolCall)
			}
		}
		if e.Type == EmitText {
			gotText = true
		}
	}
	if !gotCall {
		t.Fatalf("expected a tool call to be parsed from the fenced block: %+v", out)
	}
	if !gotText {
		t.Fatalf("expected surrounding text to be forwarded: %+v", out)
	}
}

func TestJSONFallbackBoundedMalformedFallsBackToPlainText(t *testing.T) {
	p := New(JSONFallback)
	for i := 0; i < maxMalformedStreak; i++ {
		p.Feed(provider.StreamEvent{Type: provider.EventContentDelta, Content: "```json\n{not valid\n```\n"})
	}
	out := p.Feed(provider.StreamEvent{Type: provider.EventContentDelta, Content: "```json\nstill not valid\n```\n"})

	if !p.plainTextMode {
		t.Fatalf("expected parser to have reverted to plain-text mode")
	}
	found := false
	for _, e := range out {
		if e.Type == EmitText && e.Text != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected raw text forwarded once in plain-text mode: %+v", out)
	}
}
