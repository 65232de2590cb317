// Package compaction implements the Compaction / ACD component: when a
// Context Window crosses its compaction threshold, it either summarises
// the old history into a single assistant message, or — when Aggressive
// Context Dehydration is enabled — saves the old history as an immutable,
// rehydratable Fragment and replaces it with a short stub.
//
// The summary request and its fallback ladder (disable extended-thinking
// hints, halve the token budget, drop the oldest quarter of messages, give
// up with a terse programmatic summary) are grounded on the crush example's
// CompactSession (other_examples/...novalis78-crush__internal-llm-agent-compact.go.go):
// the keep-tail split, the filterStaleToolResults truncation of verbose
// tool output before summarization, and the summarization prompt text are
// all adapted from it. Fragment persistence reuses the same
// write-temp-then-rename convention internal/contextwindow uses for thinned
// content (itself grounded on haasonsaas-nexus/internal/pairing/store.go).
package compaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/contextwindow"
	"github.com/xonecas/symb/internal/provider"
)

// DefaultSummaryTokenBudget is the initial requested length of a summary,
// in the same char/4 estimate internal/contextwindow.Estimate uses.
const DefaultSummaryTokenBudget = 2000

// dropOldestFraction is how much of the head gets dropped on the third
// fallback rung before giving up and falling back to a programmatic summary.
const dropOldestFraction = 0.25

// summaryAttempts is the number of LLM summary requests tried (1 normal +
// disable-thinking + halved-budget + dropped-oldest) before giving up.
const summaryAttempts = 4

// summarizePrompt asks the model to compress everything before it into a
// single assistant-voice summary. Adapted from crush's CompactSession
// prompt, trimmed of its cost/session bookkeeping framing.
const summarizePrompt = `Provide a concise summary of the conversation above. Focus on:
- Key decisions and the reasoning behind them
- Important file changes and their locations
- Active goals and next steps
- Unresolved errors or blockers

Keep it compact but preserve everything needed to continue the conversation seamlessly.`

// ErrCompactionInProgress is returned when Compact is called while another
// compaction is already running against the same Compactor.
var ErrCompactionInProgress = errors.New("compaction already in progress")

// Fragment is an immutable, on-disk record of a dehydrated prefix of a
// conversation, restorable by id. Once saved, a Fragment is never mutated.
type Fragment struct {
	FragmentID          string                  `json:"fragment_id"`
	CreatedAt           time.Time               `json:"created_at"`
	Messages            []contextwindow.Message `json:"messages"`
	Counts              map[string]int          `json:"counts"`
	ToolCallSummary     string                  `json:"tool_call_summary"`
	EstimatedTokens     int                     `json:"estimated_tokens"`
	Topics              []string                `json:"topics,omitempty"`
	PrecedingFragmentID string                  `json:"preceding_fragment_id,omitempty"`
}

// FragmentStore persists Fragments under <session_root>/fragments/.
type FragmentStore struct {
	sessionRoot string
}

// NewFragmentStore returns a store rooted at sessionRoot.
func NewFragmentStore(sessionRoot string) *FragmentStore {
	return &FragmentStore{sessionRoot: sessionRoot}
}

// Save atomically writes f to fragments/<fragment_id>.json via
// write-temp-then-rename. Fragments are append-only: there is no Update.
func (s *FragmentStore) Save(f *Fragment) error {
	dir := filepath.Join(s.sessionRoot, "fragments")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create fragments dir: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fragment: %w", err)
	}
	path := filepath.Join(dir, f.FragmentID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write fragment: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename fragment: %w", err)
	}
	return nil
}

// Load reads a previously saved Fragment by id.
func (s *FragmentStore) Load(fragmentID string) (*Fragment, error) {
	path := filepath.Join(s.sessionRoot, "fragments", fragmentID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fragment %s: %w", fragmentID, err)
	}
	var f Fragment
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal fragment %s: %w", fragmentID, err)
	}
	return &f, nil
}

// Result reports what a Compact call did.
type Result struct {
	Summary    string
	FragmentID string // set only when ACD produced a Fragment
}

// Compactor runs the compaction algorithm against a Context Window. It is
// not reentrant: a second Compact call while one is in flight returns
// ErrCompactionInProgress rather than blocking, per spec.
type Compactor struct {
	mu sync.Mutex

	prov       provider.Provider
	store      *FragmentStore
	acdEnabled bool
}

// New returns a Compactor. prov generates summaries (non-ACD mode); store
// persists Fragments (ACD mode, ignored otherwise).
func New(prov provider.Provider, store *FragmentStore, acdEnabled bool) *Compactor {
	return &Compactor{prov: prov, store: store, acdEnabled: acdEnabled}
}

// Compact freezes w's current log, compresses everything except the system
// prompt and the final user/assistant pair, and resets w via
// ResetWithSummary. precedingFragmentID chains ACD fragments together when
// a session has already been compacted once before (empty on first run).
func (c *Compactor) Compact(ctx context.Context, w *contextwindow.Window, precedingFragmentID string) (Result, error) {
	if !c.mu.TryLock() {
		return Result{}, ErrCompactionInProgress
	}
	defer c.mu.Unlock()

	messages := w.Snapshot()
	head, tail := splitHeadTail(messages)
	if len(head) == 0 {
		return Result{}, nil
	}

	if c.acdEnabled {
		frag := buildFragment(head, precedingFragmentID)
		if err := c.store.Save(frag); err != nil {
			return Result{}, fmt.Errorf("save fragment: %w", err)
		}
		stub := stubText(frag)
		w.ResetWithSummary(stub, tail)
		log.Info().Str("fragment_id", frag.FragmentID).Int("messages", len(head)).
			Msg("compacted session history into fragment")
		return Result{Summary: stub, FragmentID: frag.FragmentID}, nil
	}

	summary := c.summarizeWithFallback(ctx, head)
	w.ResetWithSummary(summary, tail)
	log.Info().Int("messages", len(head)).Msg("compacted session history into summary")
	return Result{Summary: summary}, nil
}

// Rehydrate loads a Fragment and splices its messages back into w
// immediately after the system prompt, ahead of the current summary/stub.
func (c *Compactor) Rehydrate(w *contextwindow.Window, fragmentID string) (*Fragment, error) {
	frag, err := c.store.Load(fragmentID)
	if err != nil {
		return nil, err
	}
	w.SpliceAfterSystemPrompt(frag.Messages)
	return frag, nil
}

// splitHeadTail separates messages into the portion compaction may touch
// (head: everything but the system prompt and the final user/assistant
// pair) and the portion it must preserve verbatim (tail), mirroring
// internal/contextwindow.Window's own ScopeFull scan range.
func splitHeadTail(messages []contextwindow.Message) (head, tail []contextwindow.Message) {
	start := 0
	if len(messages) > 0 && messages[0].Role == contextwindow.RoleSystem {
		start = 1
	}

	hi := len(messages)
	seen := 0
	for hi > start && seen < 2 {
		role := messages[hi-1].Role
		if role == contextwindow.RoleUser || role == contextwindow.RoleAssistant {
			seen++
		}
		hi--
	}
	return messages[start:hi], messages[hi:]
}

// summarizeWithFallback tries a real LLM summary, walking the fallback
// ladder on each failure, and gives up with a programmatic summary once
// every rung is exhausted.
func (c *Compactor) summarizeWithFallback(ctx context.Context, head []contextwindow.Message) string {
	budget := DefaultSummaryTokenBudget
	disableThinking := false
	trimmed := head

	for attempt := 1; attempt <= summaryAttempts; attempt++ {
		summary, err := c.requestSummary(ctx, trimmed, budget, disableThinking)
		if err == nil && strings.TrimSpace(summary) != "" {
			return summary
		}
		log.Warn().Int("attempt", attempt).Err(err).Msg("compaction summary request failed, trying next fallback")
		switch attempt {
		case 1:
			disableThinking = true
		case 2:
			budget /= 2
		case 3:
			trimmed = dropOldest(trimmed, dropOldestFraction)
		}
	}

	return programmaticSummary(head)
}

// requestSummary asks the provider to summarize head in one shot.
func (c *Compactor) requestSummary(ctx context.Context, head []contextwindow.Message, tokenBudget int, disableThinking bool) (string, error) {
	filtered := filterStaleToolResults(head)
	msgs := toProviderMessages(filtered)

	prompt := summarizePrompt
	if disableThinking {
		prompt += "\n\nRespond directly with the summary text only; skip step-by-step reasoning."
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: prompt})

	stream, err := c.prov.ChatStream(ctx, msgs, nil)
	if err != nil {
		return "", err
	}
	text, err := collectText(stream)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty summary response")
	}
	if tokenBudget > 0 {
		text = contextwindow.TruncateUTF8(text, tokenBudget*4)
	}
	return text, nil
}

// collectText drains a stream for its content deltas, ignoring tool calls
// and reasoning (a summary request never uses either).
func collectText(stream <-chan provider.StreamEvent) (string, error) {
	var sb strings.Builder
	for evt := range stream {
		switch evt.Type {
		case provider.EventContentDelta:
			sb.WriteString(evt.Content)
		case provider.EventError:
			return "", evt.Err
		}
	}
	return sb.String(), nil
}

// filterStaleToolResults truncates verbose tool output before it's sent to
// the summarizer, keeping tool calls themselves intact. Adapted from
// crush's CompactSession.filterStaleToolResults.
func filterStaleToolResults(msgs []contextwindow.Message) []contextwindow.Message {
	const maxToolContent = 1000
	out := make([]contextwindow.Message, len(msgs))
	for i, m := range msgs {
		if m.Role == contextwindow.RoleTool && len(m.Content) > maxToolContent {
			m.Content = m.Content[:maxToolContent] + "\n...[truncated for compaction]"
		}
		out[i] = m
	}
	return out
}

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
				Arguments: json.RawMessage(tc.ArgumentsRaw),
			})
		}
		out = append(out, pm)
	}
	return out
}

// dropOldest removes the oldest frac fraction of msgs, always leaving at
// least one message behind.
func dropOldest(msgs []contextwindow.Message, frac float64) []contextwindow.Message {
	if len(msgs) == 0 {
		return msgs
	}
	drop := int(float64(len(msgs)) * frac)
	if drop >= len(msgs) {
		drop = len(msgs) - 1
	}
	return msgs[drop:]
}

// programmaticSummary is the final fallback rung: a terse, deterministic
// listing of message and tool-call counts, no LLM involved.
func programmaticSummary(head []contextwindow.Message) string {
	counts := map[contextwindow.Role]int{}
	toolCounts := map[string]int{}
	for _, m := range head {
		counts[m.Role]++
		for _, tc := range m.ToolCalls {
			toolCounts[tc.Name]++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Compacted %d messages (%d user, %d assistant, %d tool).",
		len(head), counts[contextwindow.RoleUser], counts[contextwindow.RoleAssistant], counts[contextwindow.RoleTool])

	if len(toolCounts) > 0 {
		names := make([]string, 0, len(toolCounts))
		for name := range toolCounts {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s x%d", name, toolCounts[name]))
		}
		sb.WriteString(" Tool calls: " + strings.Join(parts, ", ") + ".")
	}

	return sb.String()
}

// buildFragment packages head into a new, immutable Fragment.
func buildFragment(head []contextwindow.Message, precedingFragmentID string) *Fragment {
	counts := map[string]int{}
	toolCounts := map[string]int{}
	estimated := 0
	for _, m := range head {
		counts[string(m.Role)]++
		estimated += contextwindow.Estimate(m.Content)
		for _, tc := range m.ToolCalls {
			toolCounts[tc.Name]++
		}
	}

	names := make([]string, 0, len(toolCounts))
	for name := range toolCounts {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s x%d", name, toolCounts[name]))
	}

	return &Fragment{
		FragmentID:          uuid.NewString(),
		CreatedAt:           time.Now(),
		Messages:            append([]contextwindow.Message(nil), head...),
		Counts:              counts,
		ToolCallSummary:     strings.Join(parts, ", "),
		EstimatedTokens:     estimated,
		PrecedingFragmentID: precedingFragmentID,
	}
}

// stubText is the short synthetic note left in place of a dehydrated
// Fragment, with the fragment_id embedded so rehydrate(fragment_id) can
// restore it later.
func stubText(frag *Fragment) string {
	toolNote := frag.ToolCallSummary
	if toolNote == "" {
		toolNote = "none"
	}
	return fmt.Sprintf(
		"[Earlier history (%d messages, ~%d tokens) was moved to fragment %s to save context. Tool calls made there: %s. Call rehydrate(fragment_id=%q) to bring it back if it's needed again.]",
		len(frag.Messages), frag.EstimatedTokens, frag.FragmentID, toolNote, frag.FragmentID,
	)
}
