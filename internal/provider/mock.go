package provider

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockProvider is a test provider that returns predefined responses or a
// scripted sequence of StreamEvents. Unset fields produce a single-chunk
// text response followed by EventDone, matching the teacher's single-shot
// mock behavior; WithEvents overrides that to drive deterministic
// multi-event scenarios (mid-stream errors, tool calls split across
// deltas) for retry and turn-engine tests.
type MockProvider struct {
	mu sync.RWMutex

	name        string
	response    string
	toolCalls   []ToolCall
	reasoning   string
	streamErr   error
	delay       time.Duration
	events      []StreamEvent
	capabilites Capabilities
	calls       int
}

// NewMock creates a new mock provider that echoes response on every call.
func NewMock(name, response string) *MockProvider {
	return &MockProvider{
		name:     name,
		response: response,
		capabilites: Capabilities{
			MaxContextTokens:        100000,
			SupportsNativeToolCalls: true,
			SupportsPromptCache:     false,
		},
	}
}

type MockFactory struct {
	name     string
	response string
}

func NewMockFactory(name, response string) *MockFactory {
	return &MockFactory{name: name, response: response}
}

func (f *MockFactory) Name() string { return f.name }

func (f *MockFactory) Create(model string, opts Options) Provider {
	return NewMock(f.name, f.response)
}

// WithStreamError makes ChatStream return err immediately instead of a channel.
func (p *MockProvider) WithStreamError(err error) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamErr = err
	return p
}

// WithToolCalls sets the tool calls emitted by the default (non-scripted) response.
func (p *MockProvider) WithToolCalls(calls []ToolCall) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toolCalls = calls
	return p
}

func (p *MockProvider) WithReasoning(reasoning string) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reasoning = reasoning
	return p
}

func (p *MockProvider) SetDelay(delay time.Duration) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = delay
	return p
}

// WithResponse sets the predefined text response.
func (p *MockProvider) WithResponse(response string) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.response = response
	return p
}

// WithCapabilities overrides the capabilities this mock reports.
func (p *MockProvider) WithCapabilities(c Capabilities) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capabilites = c
	return p
}

// WithEvents scripts the exact sequence of StreamEvents ChatStream emits,
// bypassing response/toolCalls/reasoning entirely. The caller is
// responsible for ending the script with EventDone or EventError; if
// neither is present, EventDone is appended. Useful for exercising C5's
// retry classifier against a specific mid-stream error shape.
func (p *MockProvider) WithEvents(events []StreamEvent) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = events
	return p
}

// CallCount returns how many times ChatStream has been invoked.
func (p *MockProvider) CallCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calls
}

func (p *MockProvider) Name() string { return p.name }

func (p *MockProvider) Capabilities() Capabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.capabilites
}

func (p *MockProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	if err := p.waitDelay(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.calls++
	streamErr := p.streamErr
	events := p.events
	response := p.response
	toolCalls := p.toolCalls
	reasoning := p.reasoning
	p.mu.Unlock()

	if streamErr != nil {
		return nil, streamErr
	}

	if events == nil {
		events = defaultMockEvents(response, reasoning, toolCalls)
	} else {
		terminated := false
		for _, evt := range events {
			if evt.Type == EventDone || evt.Type == EventError {
				terminated = true
			}
		}
		if !terminated {
			events = append(events[:len(events):len(events)], StreamEvent{Type: EventDone})
		}
	}

	ch := make(chan StreamEvent, len(events))
	go func() {
		defer close(ch)
		for _, evt := range events {
			if !trySend(ctx, ch, evt) {
				return
			}
		}
	}()
	return ch, nil
}

func defaultMockEvents(response, reasoning string, toolCalls []ToolCall) []StreamEvent {
	var events []StreamEvent
	if reasoning != "" {
		events = append(events, StreamEvent{Type: EventReasoningDelta, Content: reasoning})
	}
	if response != "" {
		events = append(events, StreamEvent{Type: EventContentDelta, Content: response})
	}
	for i, tc := range toolCalls {
		id := tc.ID
		if id == "" {
			id = uuid.NewString()
		}
		events = append(events, StreamEvent{
			Type: EventToolCallBegin, ToolCallIndex: i, ToolCallID: id, ToolCallName: tc.Name,
		})
		args := tc.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		events = append(events, StreamEvent{
			Type: EventToolCallDelta, ToolCallIndex: i, ToolCallArgs: string(args),
		})
	}
	events = append(events, StreamEvent{Type: EventDone})
	return events
}

func (p *MockProvider) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{{Name: "mock-model"}}, nil
}

func (p *MockProvider) waitDelay(ctx context.Context) error {
	p.mu.RLock()
	delay := p.delay
	p.mu.RUnlock()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close is a no-op for the mock provider (no resources to clean up).
func (p *MockProvider) Close() error {
	return nil
}
