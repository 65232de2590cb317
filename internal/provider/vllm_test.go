package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func drainVLLM(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestVLLMChatStreamText(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		var req vllmChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !req.Stream {
			t.Errorf("expected stream=true")
		}
		if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Errorf("expected stream_options.include_usage=true")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		chunks := []string{
			`data: {"choices":[{"delta":{"role":"assistant","content":""},"finish_reason":null}]}`,
			`data: {"choices":[{"delta":{"content":"Hello"},"finish_reason":null}]}`,
			`data: {"choices":[{"delta":{"content":" world"},"finish_reason":null}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":3}}`,
			`data: [DONE]`,
		}
		for _, c := range chunks {
			w.Write([]byte(c + "\n\n"))
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)

	p := NewVLLMWithTemp("vllm", srv.URL, "meta-llama/Llama-3", "secret", Options{Temperature: 0.3})
	ch, err := p.ChatStream(context.Background(), []Message{{Role: roleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var text string
	var inTok, outTok int
	var sawDone bool
	for _, ev := range drainVLLM(t, ch) {
		switch ev.Type {
		case EventContentDelta:
			text += ev.Content
		case EventUsage:
			inTok, outTok = ev.InputTokens, ev.OutputTokens
		case EventDone:
			sawDone = true
		case EventError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}

	if text != "Hello world" {
		t.Fatalf("text = %q, want %q", text, "Hello world")
	}
	if inTok != 7 || outTok != 3 {
		t.Fatalf("usage = (%d, %d), want (7, 3)", inTok, outTok)
	}
	if !sawDone {
		t.Fatalf("expected a final EventDone")
	}
	if gotPath != "/chat/completions" {
		t.Fatalf("path = %q, want /chat/completions", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
}

func TestVLLMChatStreamToolCalls(t *testing.T) {
	var reqBody vllmChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		chunks := []string{
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather"}}]},"finish_reason":null}]}`,
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]},"finish_reason":null}]}`,
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"NYC\"}"}}]},"finish_reason":"tool_calls"}]}`,
			`data: [DONE]`,
		}
		for _, c := range chunks {
			w.Write([]byte(c + "\n\n"))
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)

	p := NewVLLM(srv.URL, "meta-llama/Llama-3", "")
	ch, err := p.ChatStream(context.Background(), []Message{{Role: roleUser, Content: "weather in NYC?"}}, []Tool{
		{Name: "get_weather", Parameters: json.RawMessage(`{"type":"object"}`)},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var gotBegin bool
	var args string
	for _, ev := range drainVLLM(t, ch) {
		switch ev.Type {
		case EventToolCallBegin:
			gotBegin = true
			if ev.ToolCallID != "call_1" || ev.ToolCallName != "get_weather" {
				t.Fatalf("unexpected begin event: %+v", ev)
			}
		case EventToolCallDelta:
			args += ev.ToolCallArgs
		}
	}
	if !gotBegin {
		t.Fatalf("expected a tool call begin event")
	}
	if args != `{"city":"NYC"}` {
		t.Fatalf("args = %q", args)
	}
	if len(reqBody.Tools) != 1 || reqBody.Tools[0].Function.Name != "get_weather" {
		t.Fatalf("expected tool sent in request body, got %+v", reqBody.Tools)
	}
}

func TestVLLMChatStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	t.Cleanup(srv.Close)

	p := NewVLLM(srv.URL, "meta-llama/Llama-3", "")
	_, err := p.ChatStream(context.Background(), []Message{{Role: roleUser, Content: "hi"}}, nil)
	if err == nil {
		t.Fatalf("expected an error for a 400 response")
	}
}

func TestVLLMListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q, want /models", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": "meta-llama/Llama-3"}},
		})
	}))
	t.Cleanup(srv.Close)

	p := NewVLLM(srv.URL, "meta-llama/Llama-3", "")
	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 1 || models[0].Name != "meta-llama/Llama-3" {
		t.Fatalf("models = %+v", models)
	}
}

func TestVLLMNoAPIKeySendsNoAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("expected no Authorization header, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte(`data: [DONE]` + "\n\n"))
		flusher.Flush()
	}))
	t.Cleanup(srv.Close)

	p := NewVLLM(srv.URL, "meta-llama/Llama-3", "")
	ch, err := p.ChatStream(context.Background(), []Message{{Role: roleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	drainVLLM(t, ch)
}
