// Package engine implements the Turn Engine (C8): it orchestrates the
// provider, context window, streaming parser, dispatcher, retry classifier,
// compactor, and session store across the iterations of a single user
// request.
//
// RunTurn is the generalized, renamed form of internal/llm.ProcessTurn
// (loop.go), restructured as the explicit state machine spec.md §4.8
// describes and wired to the standalone C1-C7 packages instead of calling
// provider/mcp directly. Recitation injection and repeated-call warnings
// are carried over from loop.go's injectRecitation and inline recentCall
// tracking; sub-agent recursion depth follows the teacher's MaxDepth=1.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/clock"
	"github.com/xonecas/symb/internal/compaction"
	"github.com/xonecas/symb/internal/contextwindow"
	"github.com/xonecas/symb/internal/dispatch"
	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/retry"
	"github.com/xonecas/symb/internal/sessionstore"
	"github.com/xonecas/symb/internal/toolstream"
)

// MaxDepth is the maximum sub-agent recursion depth. Matches
// internal/subagent's own limit to prevent unbounded nesting.
const MaxDepth = 1

// DefaultMaxIterations is the safety cap on iterations within one turn,
// per spec §4.8. Never reached in normal use.
const DefaultMaxIterations = 400

// reminderInterval is the number of tool-calling iterations between
// synthetic goal reminders, grounded on internal/llm/loop.go.
const reminderInterval = 10

// ScratchpadReader provides read access to an agent's working plan, used
// by recitation injection when present. Duck-typed against
// internal/mcptools.Scratchpad.
type ScratchpadReader interface {
	Content() string
}

// TextCallback streams assistant text fragments out to a UI as they're parsed.
type TextCallback func(text string)

// ToolCallCallback is invoked once per iteration right before tool
// dispatch begins.
type ToolCallCallback func(pending []toolstream.ToolCallRef)

// Options configures a new Engine.
type Options struct {
	Provider             provider.Provider
	Window               *contextwindow.Window
	Dispatcher           *dispatch.Dispatcher
	Compactor            *compaction.Compactor
	Store                *sessionstore.Store
	Session              *sessionstore.Session
	Tools                []mcp.Tool
	RetryPolicy          retry.Policy
	Clock                clock.Clock
	AllowConcurrentTools bool
	Scratchpad           ScratchpadReader
	MaxIterations        int
	Depth                int
	OnText               TextCallback
	OnToolCall           ToolCallCallback
}

// Engine runs turns against a single session's context window.
type Engine struct {
	prov       provider.Provider
	window     *contextwindow.Window
	dispatcher *dispatch.Dispatcher
	compactor  *compaction.Compactor
	store      *sessionstore.Store
	session    *sessionstore.Session
	tools      []mcp.Tool

	retryPolicy          retry.Policy
	clk                  clock.Clock
	allowConcurrentTools bool
	scratchpad           ScratchpadReader
	maxIterations        int
	depth                int

	onText     TextCallback
	onToolCall ToolCallCallback

	lastFragmentID string
}

// New builds an Engine from Options, applying defaults for anything unset.
func New(opts Options) *Engine {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{
		prov:                 opts.Provider,
		window:               opts.Window,
		dispatcher:           opts.Dispatcher,
		compactor:            opts.Compactor,
		store:                opts.Store,
		session:              opts.Session,
		tools:                opts.Tools,
		retryPolicy:          opts.RetryPolicy,
		clk:                  clk,
		allowConcurrentTools: opts.AllowConcurrentTools,
		scratchpad:           opts.Scratchpad,
		maxIterations:        maxIter,
		depth:                opts.Depth,
		onText:               opts.OnText,
		onToolCall:           opts.OnToolCall,
	}
}

// recentCall tracks a recently executed tool call for the
// repeated-call-warning heuristic.
type recentCall struct {
	name string
	args string
}

// RunTurn drives one user request through the C1-C7 pipeline to completion,
// persisting the session at every turn boundary. It implements spec §4.8's
// state machine: append the user message, then iterate stream/parse/
// dispatch rounds until the model stops emitting tool calls, classifying
// and recovering from errors as it goes.
func (e *Engine) RunTurn(ctx context.Context, userInput string) error {
	if e.depth > MaxDepth {
		return fmt.Errorf("max sub-agent depth exceeded: %d > %d", e.depth, MaxDepth)
	}

	e.window.Append(contextwindow.Message{Role: contextwindow.RoleUser, Content: userInput})

	mode := toolstream.JSONFallback
	if e.prov.Capabilities().SupportsNativeToolCalls {
		mode = toolstream.Native
	}

	sched := retry.NewScheduler(e.retryPolicy, e.clk)
	attempts := 0
	var recent []recentCall
	var turnInputTokens, turnOutputTokens int

	for iter := 0; iter < e.maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return e.cancel(ctx, err, turnInputTokens, turnOutputTokens)
		}

		if threshold := e.window.AutoThinThreshold(); threshold > 0 {
			if result, err := e.window.Thin(contextwindow.ScopeOldestThird); err != nil {
				log.Warn().Err(err).Msg("auto-thin failed")
			} else if result.HadChanges {
				log.Info().Int("threshold_pct", threshold).Int("items_thinned", result.ItemsThinned).
					Msg("auto-thinned context window")
			}
		}

		if e.window.ShouldCompact() {
			if err := e.compact(ctx); err != nil {
				log.Warn().Err(err).Msg("compaction failed, continuing with current window")
			}
		}

		e.injectRecitation(iter)

		stream, err := e.prov.ChatStream(ctx, toProviderMessages(e.window.Snapshot()), e.providerTools())
		if err != nil {
			cont, failErr := e.handleRecoverable(ctx, err, sched, &attempts)
			if failErr != nil {
				return e.fail(ctx, failErr, turnInputTokens, turnOutputTokens)
			}
			if !cont {
				return e.cancel(ctx, err, turnInputTokens, turnOutputTokens)
			}
			continue
		}

		parser := toolstream.New(mode)
		var textBuf strings.Builder
		var pending []toolstream.ToolCallRef
		var stopReason string
		var streamErr error
		var inputTokens, outputTokens int

	readLoop:
		for {
			select {
			case <-ctx.Done():
				e.finalizePartial(textBuf.String(), pending)
				return e.cancel(ctx, ctx.Err(), turnInputTokens, turnOutputTokens)
			case evt, ok := <-stream:
				if !ok {
					break readLoop
				}
				if evt.Type == provider.EventError {
					streamErr = evt.Err
				}
				if evt.Type == provider.EventUsage {
					if evt.InputTokens > inputTokens {
						inputTokens = evt.InputTokens
					}
					if evt.OutputTokens > outputTokens {
						outputTokens = evt.OutputTokens
					}
				}
				for _, ev := range parser.Feed(evt) {
					switch ev.Type {
					case toolstream.EmitText:
						textBuf.WriteString(ev.Text)
						if e.onText != nil {
							e.onText(ev.Text)
						}
					case toolstream.EmitToolCall:
						pending = append(pending, ev.ToolCall)
					case toolstream.EmitStop:
						stopReason = ev.StopReason
						break readLoop
					}
				}
			}
		}
		for _, w := range parser.Warnings() {
			log.Warn().Str("warning", w).Msg("toolstream parser warning")
		}
		turnInputTokens += inputTokens
		turnOutputTokens += outputTokens

		if stopReason == "error" {
			kind := retry.Classify(streamErr)
			if kind == retry.ContextLengthExceeded {
				if err := e.compact(ctx); err != nil {
					return e.fail(ctx, fmt.Errorf("forced compaction after context-length error: %w", err), turnInputTokens, turnOutputTokens)
				}
				continue
			}
			cont, failErr := e.handleRecoverable(ctx, streamErr, sched, &attempts)
			if failErr != nil {
				return e.fail(ctx, failErr, turnInputTokens, turnOutputTokens)
			}
			if !cont {
				return e.cancel(ctx, streamErr, turnInputTokens, turnOutputTokens)
			}
			continue
		}
		attempts = 0

		assistant := contextwindow.Message{Role: contextwindow.RoleAssistant, Content: textBuf.String()}
		for _, tc := range pending {
			assistant.ToolCalls = append(assistant.ToolCalls, contextwindow.ToolCallRef{
				CallID: tc.CallID, Name: tc.Name, ArgumentsRaw: tc.ArgumentsRaw,
			})
		}
		e.window.Append(assistant)

		if len(pending) == 0 {
			return e.finish(ctx, turnInputTokens, turnOutputTokens)
		}

		if err := ctx.Err(); err != nil {
			return e.cancel(ctx, err, turnInputTokens, turnOutputTokens)
		}

		if e.onToolCall != nil {
			e.onToolCall(pending)
		}

		var reqs []dispatch.Request
		for _, tc := range pending {
			if tc.ParseError {
				continue
			}
			reqs = append(reqs, dispatch.Request{CallID: tc.CallID, Name: tc.Name, ArgumentsRaw: tc.ArgumentsRaw})
		}
		results := e.dispatcher.DispatchAll(ctx, reqs, e.allowConcurrentTools)
		byCallID := make(map[string]dispatch.Result, len(results))
		for _, r := range results {
			byCallID[r.CallID] = r
		}
		for _, tc := range pending {
			if tc.ParseError {
				e.window.Append(contextwindow.Message{
					Role: contextwindow.RoleTool,
					Content: fmt.Sprintf("tool error: arguments for %s did not parse as JSON: %s",
						tc.Name, tc.ArgumentsRaw),
					ToolCallID: tc.CallID,
				})
				continue
			}
			r := byCallID[tc.CallID]
			e.window.Append(contextwindow.Message{Role: contextwindow.RoleTool, Content: r.Content, ToolCallID: r.CallID})
		}

		for _, tc := range pending {
			recent = append(recent, recentCall{name: tc.Name, args: tc.ArgumentsRaw})
		}
		if len(recent) >= 3 {
			last3 := recent[len(recent)-3:]
			if last3[0] == last3[1] && last3[1] == last3[2] {
				e.appendRepeatedCallWarning()
			}
		}

		if err := e.saveSnapshot(0, 0); err != nil {
			log.Warn().Err(err).Msg("failed to persist session snapshot at iteration boundary")
		}
	}

	return e.fail(ctx, fmt.Errorf("iteration limit reached (runaway): %d", e.maxIterations), turnInputTokens, turnOutputTokens)
}

// handleRecoverable classifies err and either sleeps out a backoff delay
// (returning cont=true to retry the same iteration) or reports the error
// is fatal (returning a non-nil error). Budget exhaustion also reports a
// non-nil error.
func (e *Engine) handleRecoverable(ctx context.Context, err error, sched *retry.Scheduler, attempts *int) (cont bool, fatal error) {
	kind := retry.Classify(err)
	if !kind.Recoverable() {
		return false, err
	}
	*attempts++
	if *attempts > sched.MaxAttempts() {
		return false, fmt.Errorf("%w: %v", retry.ErrExhausted, err)
	}
	hint, _ := retry.RetryAfter(err)
	delay := sched.NextDelay(*attempts, hint)
	log.Warn().Str("kind", kind.String()).Int("attempt", *attempts).Dur("delay", delay).Err(err).
		Msg("recoverable provider error, backing off")
	if waitErr := sched.Wait(ctx, delay); waitErr != nil {
		return false, nil // ctx cancellation during backoff: treat as cancel, not fatal
	}
	return true, nil
}

// compact invokes the compactor, tolerating ErrCompactionInProgress as a
// no-op since another caller already ran one this turn.
func (e *Engine) compact(ctx context.Context) error {
	if e.compactor == nil {
		return nil
	}
	result, err := e.compactor.Compact(ctx, e.window, e.lastFragmentID)
	if err != nil {
		if errors.Is(err, compaction.ErrCompactionInProgress) {
			return nil
		}
		return err
	}
	if result.FragmentID != "" {
		e.lastFragmentID = result.FragmentID
	}
	return nil
}

// finalizePartial discards an empty in-flight assistant response on
// cancellation, or appends what was produced so far with a truncation
// marker, per spec §4.8's cancellation contract. Any pending (unfinalized)
// tool calls are dropped; the model never sees them.
func (e *Engine) finalizePartial(text string, pending []toolstream.ToolCallRef) {
	if strings.TrimSpace(text) == "" {
		return
	}
	e.window.Append(contextwindow.Message{
		Role:    contextwindow.RoleAssistant,
		Content: text + "\n[truncated: turn cancelled]",
	})
}

// injectRecitation appends a <system-reminder> block to the last tool
// message every reminderInterval iterations, reciting the scratchpad (if
// any) or the user's original request, to fight attention drift in long
// tool-calling loops. Grounded on internal/llm/loop.go's injectRecitation.
func (e *Engine) injectRecitation(iter int) {
	if iter == 0 || iter%reminderInterval != 0 {
		return
	}

	var reminder string
	if e.scratchpad != nil {
		reminder = e.scratchpad.Content()
	}
	if reminder == "" {
		for _, m := range e.window.Snapshot() {
			if m.Role == contextwindow.RoleUser {
				reminder = "The user's request: " + m.Content
				break
			}
		}
	}
	if reminder == "" {
		return
	}

	tag := "\n\n<system-reminder>\n"
	e.window.MutateTail(contextwindow.RoleTool, func(content string) string {
		if idx := strings.Index(content, tag); idx >= 0 {
			content = content[:idx]
		}
		return content + tag + reminder + "\n</system-reminder>"
	})
}

// appendRepeatedCallWarning appends a warning to the most recent tool
// result when the model has executed the same {name, arguments} three
// times in a row, distinct from C3's adjacent-duplicate suppression (which
// fires before execution, with no intervening text required).
func (e *Engine) appendRepeatedCallWarning() {
	const warning = "\n\n<system-reminder>WARNING: You are repeating the same tool call with the same arguments. This is wasteful. Stop and either try a different approach, summarize what you know, or ask the user for help.</system-reminder>"
	e.window.MutateTail(contextwindow.RoleTool, func(content string) string {
		return content + warning
	})
}

// finish marks the session completed and snapshots it.
func (e *Engine) finish(ctx context.Context, inputTokens, outputTokens int) error {
	if e.session != nil {
		e.session.Status = sessionstore.StatusCompleted
	}
	if err := e.saveSnapshot(inputTokens, outputTokens); err != nil {
		log.Warn().Err(err).Msg("failed to persist session snapshot at turn completion")
	}
	return nil
}

// fail marks the session errored, best-effort snapshots it, and returns err.
func (e *Engine) fail(ctx context.Context, err error, inputTokens, outputTokens int) error {
	if e.session != nil {
		e.session.Status = sessionstore.StatusError
	}
	if saveErr := e.saveSnapshot(inputTokens, outputTokens); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to persist session snapshot after failure")
	}
	return err
}

// cancel marks the session cancelled, best-effort snapshots it, and
// returns the triggering context error.
func (e *Engine) cancel(ctx context.Context, err error, inputTokens, outputTokens int) error {
	if e.session != nil {
		e.session.Status = sessionstore.StatusCancelled
	}
	if saveErr := e.saveSnapshot(inputTokens, outputTokens); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to persist session snapshot after cancellation")
	}
	return err
}

// saveSnapshot captures the window's current state onto the session and
// persists it, a no-op when the engine has no store (e.g. a sub-agent's
// child engine, which shares its parent's session).
func (e *Engine) saveSnapshot(inputTokens, outputTokens int) error {
	if e.store == nil || e.session == nil {
		return nil
	}
	sessionstore.SnapshotFromWindow(e.session, e.window, inputTokens, outputTokens)
	return e.store.Save(e.session)
}

// providerTools converts the engine's registered MCP tools into the
// provider package's Tool shape for the ChatStream request.
func (e *Engine) providerTools() []provider.Tool {
	if len(e.tools) == 0 {
		return nil
	}
	out := make([]provider.Tool, len(e.tools))
	for i, t := range e.tools {
		out[i] = provider.Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}
	}
	return out
}

// toProviderMessages adapts the context window's log to the provider
// package's wire Message shape. Mirrors internal/compaction's unexported
// helper of the same name; kept separate since the two packages have no
// shared dependency edge to hang a common helper on.
func toProviderMessages(msgs []contextwindow.Message) []provider.Message {
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		pm := provider.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			pm.ToolCalls = append(pm.ToolCalls, provider.ToolCall{
				ID:        tc.CallID,
				Name:      tc.Name,
				Arguments: []byte(tc.ArgumentsRaw),
			})
		}
		out = append(out, pm)
	}
	return out
}
