// Package toolstream incrementally extracts tool calls from a provider's
// token stream. It is stateful and single-threaded per spec §4.3/§5: one
// Parser is owned by a single turn iteration and needs no locking.
//
// Native-mode accumulation is grounded on
// internal/provider/anthropic.go's anthropicBlockTracker and
// internal/llm/loop.go's toolCallAccumulator (index/id-keyed delta
// concatenation), generalized across providers. JSON-fallback fenced-block
// scanning is new — the teacher has no non-native-tool-call provider — and
// is grounded on the same file's bufio.Scanner-with-growable-buffer style
// applied to a rune-by-rune state machine instead of SSE lines.
package toolstream

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/xonecas/symb/internal/provider"
)

// Mode selects how tool calls are recognized in the stream.
type Mode int

const (
	// Native trusts the provider's own ToolCallBegin/Delta events.
	Native Mode = iota
	// JSONFallback scans plain-text deltas for fenced JSON tool-call blocks.
	JSONFallback
)

// EventType identifies a Parser output event.
type EventType int

const (
	EmitText EventType = iota
	EmitToolCall
	EmitStop
)

// ToolCallRef mirrors the spec's data model: a finalized tool call. ArgumentsRaw
// is the raw arguments text the model produced; when ParseError is set it
// failed to parse as JSON and carries whatever text the model emitted instead.
type ToolCallRef struct {
	CallID       string
	Name         string
	ArgumentsRaw string
	ParseError   bool // true if ArgumentsRaw failed to parse as a JSON object
}

// Event is one output of the parser.
type Event struct {
	Type EventType

	Text string // EmitText

	ToolCall   ToolCallRef // EmitToolCall
	ParseError bool        // true if arguments failed to parse as JSON (synthetic error call)

	StopReason string // EmitStop

	Warning string // non-empty on duplicate-suppression or malformed-fallback events
}

// maxMalformedStreak is the bounded number of consecutive failed JSON
// fallback parses before the parser gives up on tool-call scanning for the
// rest of the iteration and reverts to plain-text passthrough (spec §4.3).
const maxMalformedStreak = 3

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

type finalizedKey struct {
	name string
	args string
}

// Parser consumes a single provider stream and emits toolstream Events.
type Parser struct {
	mode Mode

	// native mode
	byID  map[string]*pendingCall
	order []string

	// duplicate suppression (applies to both modes): reset to nil whenever
	// EmitText fires with non-empty text, so only *adjacent* repeats with no
	// intervening text are suppressed.
	lastFinalized *finalizedKey

	// JSON fallback mode
	buf             strings.Builder
	inFence         bool
	depth           int
	inString        bool
	escaped         bool
	jsonBuf         strings.Builder
	malformedStreak int
	plainTextMode   bool

	warnings []string
}

// New creates a Parser for the given mode.
func New(mode Mode) *Parser {
	return &Parser{
		mode: mode,
		byID: make(map[string]*pendingCall),
	}
}

// Warnings returns malformed-parse and duplicate-suppression warnings
// accumulated this iteration, to be surfaced after the turn per spec §7.
func (p *Parser) Warnings() []string { return p.warnings }

// Feed consumes one provider StreamEvent and returns zero or more Events.
func (p *Parser) Feed(evt provider.StreamEvent) []Event {
	switch evt.Type {
	case provider.EventContentDelta:
		if p.mode == Native {
			return p.emitText(evt.Content)
		}
		return p.feedFallbackText(evt.Content)
	case provider.EventToolCallBegin:
		if p.mode != Native {
			return nil
		}
		pc := &pendingCall{id: evt.ToolCallID, name: evt.ToolCallName}
		p.byID[evt.ToolCallID] = pc
		p.order = append(p.order, evt.ToolCallID)
		return nil
	case provider.EventToolCallDelta:
		if p.mode != Native {
			return nil
		}
		// Deltas are matched to a pending call by evt.ToolCallID; when the
		// id is absent or unknown (providers that key deltas by index
		// only), evt.ToolCallIndex selects the call by ToolCallBegin order.
		if pc, ok := p.byID[evt.ToolCallID]; ok {
			pc.args.WriteString(evt.ToolCallArgs)
		} else if len(p.order) > 0 && evt.ToolCallIndex < len(p.order) {
			id := p.order[evt.ToolCallIndex]
			p.byID[id].args.WriteString(evt.ToolCallArgs)
		}
		return nil
	case provider.EventDone:
		return p.finalizeNative("end_turn")
	case provider.EventError:
		return []Event{{Type: EmitStop, StopReason: "error"}}
	default:
		return nil
	}
}

// emitText forwards text verbatim and resets duplicate-suppression adjacency.
func (p *Parser) emitText(text string) []Event {
	if text == "" {
		return nil
	}
	p.lastFinalized = nil
	return []Event{{Type: EmitText, Text: text}}
}

// finalizeNative closes out all accumulated native tool calls in call order
// and appends a final EmitStop.
func (p *Parser) finalizeNative(reason string) []Event {
	var events []Event
	for _, id := range p.order {
		pc := p.byID[id]
		if ev, ok := p.finalize(pc.id, pc.name, pc.args.String()); ok {
			events = append(events, ev)
		}
	}
	p.byID = make(map[string]*pendingCall)
	p.order = nil
	events = append(events, Event{Type: EmitStop, StopReason: reason})
	return events
}

// finalize validates arguments JSON and applies duplicate suppression.
// Returns ok=false when the call is suppressed as an adjacent duplicate.
func (p *Parser) finalize(callID, name, rawArgs string) (Event, bool) {
	parseErr := false
	args := rawArgs
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	var probe json.RawMessage
	if err := json.Unmarshal([]byte(args), &probe); err != nil {
		parseErr = true
	}

	key := finalizedKey{name: name, args: args}
	if p.lastFinalized != nil && *p.lastFinalized == key {
		p.warnings = append(p.warnings, "suppressed adjacent duplicate tool call: "+name)
		return Event{}, false
	}
	p.lastFinalized = &key

	return Event{
		Type:       EmitToolCall,
		ToolCall:   ToolCallRef{CallID: callID, Name: name, ArgumentsRaw: args, ParseError: parseErr},
		ParseError: parseErr,
	}, true
}

// fencedCall is the sentinel JSON-fallback tool-call wire shape, documented
// in the system prompt: a fenced block containing {"tool": "...", "args": {...}}.
type fencedCall struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// feedFallbackText scans a text delta for fenced JSON tool-call blocks,
// tolerating chunk boundaries inside braces, strings, and escapes. Text
// outside a detected block is forwarded as EmitText as soon as it's known
// not to be part of one (i.e. once a complete fence has been resolved or
// none is pending).
func (p *Parser) feedFallbackText(delta string) []Event {
	if p.plainTextMode {
		return p.emitText(delta)
	}

	var events []Event
	for _, r := range delta {
		if !p.inFence {
			p.buf.WriteRune(r)
			if strings.HasSuffix(p.buf.String(), "```") {
				pre := strings.TrimSuffix(p.buf.String(), "```")
				if pre != "" {
					events = append(events, p.emitText(pre)...)
				}
				p.buf.Reset()
				p.inFence = true
				p.depth = 0
				p.jsonBuf.Reset()
			}
			continue
		}

		// Inside a fence: skip an optional language tag line (e.g. "json\n").
		if p.jsonBuf.Len() == 0 && p.depth == 0 && r != '{' {
			if r == '\n' {
				continue // end of language-tag line, keep waiting for '{'
			}
			continue // swallow language tag characters
		}

		p.jsonBuf.WriteRune(r)
		p.trackBraceDepth(r)

		// A closing "```" ends the block regardless of brace balance: an
		// unbalanced block is simply malformed JSON, caught by the
		// json.Unmarshal check in closeFence rather than by never firing.
		if !p.inString && strings.HasSuffix(p.jsonBuf.String(), "```") {
			content := strings.TrimSuffix(p.jsonBuf.String(), "```")
			events = append(events, p.closeFence(content)...)
		}
	}
	return events
}

func (p *Parser) trackBraceDepth(r rune) {
	if p.escaped {
		p.escaped = false
		return
	}
	if p.inString {
		switch r {
		case '\\':
			p.escaped = true
		case '"':
			p.inString = false
		}
		return
	}
	switch r {
	case '"':
		p.inString = true
	case '{':
		p.depth++
	case '}':
		p.depth--
	}
}

// closeFence is called once a closing "```" is seen inside a fence; raw is
// everything between the opening fence's first "{" and the closing
// backticks. It emits the parsed tool call or records a malformed-parse
// warning, and always leaves the parser back in text-scanning mode.
func (p *Parser) closeFence(raw string) []Event {
	p.jsonBuf.Reset()
	p.inFence = false

	var fc fencedCall
	if err := json.Unmarshal([]byte(raw), &fc); err != nil || fc.Tool == "" {
		p.malformedStreak++
		p.warnings = append(p.warnings, "malformed tool-call block: "+raw)
		if p.malformedStreak >= maxMalformedStreak {
			p.plainTextMode = true
			p.warnings = append(p.warnings, "reverting to plain-text mode after repeated malformed tool-call blocks")
		}
		return nil
	}

	p.malformedStreak = 0
	args := string(fc.Args)
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	key := finalizedKey{name: fc.Tool, args: args}
	if p.lastFinalized != nil && *p.lastFinalized == key {
		p.warnings = append(p.warnings, "suppressed adjacent duplicate tool call: "+fc.Tool)
		p.lastFinalized = &key
		return nil
	}
	p.lastFinalized = &key

	return []Event{{
		Type:     EmitToolCall,
		ToolCall: ToolCallRef{CallID: uuid.NewString(), Name: fc.Tool, ArgumentsRaw: args},
	}}
}

// Stop signals end of stream in JSON-fallback mode (there is no native
// StopReason chunk to key off of beyond EventDone, handled via Feed).
func (p *Parser) Stop(reason string) Event {
	return Event{Type: EmitStop, StopReason: reason}
}
