// Package sessionstore persists a turn-by-turn conversation so it can be
// resumed: one JSON document per session plus a `latest.json` symlink per
// working directory, both written atomically via write-temp-then-rename.
//
// Grounded on haasonsaas-nexus/internal/pairing/store.go's writeStore
// (marshal -> os.WriteFile(tmp) -> os.Rename) — the clearest same-shape
// precedent in the retrieved pack for a JSON-atomic-snapshot store; the
// teacher's own session persistence is SQLite-backed (internal/store), a
// different keyed-TTL-cache concern this package does not replace. The
// cwd-to-directory-name sanitization follows pairing.safeChannelKey's
// character-filtering approach, extended with a content hash suffix since
// distinct working directories can share a basename.
package sessionstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xonecas/symb/internal/contextwindow"
)

// Status is a Session's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// UsageTotals accumulates token usage across a session's turns.
type UsageTotals struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CacheStats accumulates prompt-cache efficacy counters across a session.
type CacheStats struct {
	CreationTokens int `json:"creation_tokens"`
	ReadTokens     int `json:"read_tokens"`
}

// ContextWindowView mirrors the live Context Window's shape for external
// tooling that tails a session file without linking against
// internal/contextwindow (log viewers, usage dashboards). Redundant with
// MessageLog/ThinIndex/UsageTotals above by design — those fields are the
// source of truth this is derived from on every SnapshotFromWindow call.
type ContextWindowView struct {
	UsedTokens          int                     `json:"used_tokens"`
	PercentageUsed      float64                 `json:"percentage_used"`
	ConversationHistory []contextwindow.Message `json:"conversation_history"`
}

// Session is the persisted record for one conversation.
type Session struct {
	SessionID     string                   `json:"session_id"`
	CreatedAt     time.Time                `json:"created_at"`
	Cwd           string                   `json:"cwd"`
	Status        Status                   `json:"status"`
	MessageLog    []contextwindow.Message  `json:"message_log"`
	ThinIndex     int                      `json:"thin_index"`
	UsageTotals   UsageTotals              `json:"usage_totals"`
	CacheStats    CacheStats               `json:"cache_stats"`
	ContextWindow ContextWindowView        `json:"context_window"`
	Timestamp     time.Time                `json:"timestamp"`
}

// Header is the summary shown when listing sessions for resume.
type Header struct {
	SessionID          string
	LastMessagePreview string
	UsedTokensPct      float64
	HasOpenTodos       bool
}

// Store persists Sessions under <sessionsRoot>/<cwd-key>/<session_id>/.
type Store struct {
	mu           sync.Mutex
	sessionsRoot string
}

// NewStore returns a Store rooted at sessionsRoot.
func NewStore(sessionsRoot string) *Store {
	return &Store{sessionsRoot: sessionsRoot}
}

// New creates a fresh, unpersisted Session for cwd. Save must be called to
// write it to disk.
func (s *Store) New(cwd string) *Session {
	return &Session{
		SessionID: uuid.NewString(),
		CreatedAt: time.Now(),
		Cwd:       cwd,
		Status:    StatusRunning,
		Timestamp: time.Now(),
	}
}

// cwdKey maps a working directory to a filesystem-safe, collision-resistant
// directory name: pairing.safeChannelKey's character filter plus a content
// hash, since two different cwds can share a basename.
func cwdKey(cwd string) string {
	base := filepath.Base(cwd)
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if safe == "" {
		safe = "root"
	}
	sum := sha256.Sum256([]byte(cwd))
	return fmt.Sprintf("%s-%s", safe, hex.EncodeToString(sum[:4]))
}

func (s *Store) cwdDir(cwd string) string {
	return filepath.Join(s.sessionsRoot, cwdKey(cwd))
}

// SessionRoot returns the directory a Session's own artifacts (session.json,
// fragments/, thinned/) live under.
func (s *Store) SessionRoot(session *Session) string {
	return filepath.Join(s.cwdDir(session.Cwd), session.SessionID)
}

// Save atomically writes session.json and repoints latest.json at it.
func (s *Store) Save(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session.Timestamp = time.Now()

	root := s.SessionRoot(session)
	if err := os.MkdirAll(root, 0750); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	path := filepath.Join(root, "session.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename session: %w", err)
	}

	return s.updateLatest(session.Cwd, session.SessionID)
}

// updateLatest atomically repoints <cwdDir>/latest.json at
// <session_id>/session.json via a temp-symlink-then-rename, the same
// atomic-swap shape Save uses for the document itself.
func (s *Store) updateLatest(cwd, sessionID string) error {
	dir := s.cwdDir(cwd)
	target := filepath.Join(sessionID, "session.json")
	latest := filepath.Join(dir, "latest.json")
	tmp := latest + ".tmp"

	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create latest symlink: %w", err)
	}
	if err := os.Rename(tmp, latest); err != nil {
		return fmt.Errorf("rename latest symlink: %w", err)
	}
	return nil
}

// Load reads a specific session by cwd and session id.
func (s *Store) Load(cwd, sessionID string) (*Session, error) {
	path := filepath.Join(s.cwdDir(cwd), sessionID, "session.json")
	return loadSessionFile(path)
}

// LoadLatest follows the latest.json symlink for cwd and loads that session.
// Used for resume when the caller doesn't know a specific session_id yet.
func (s *Store) LoadLatest(cwd string) (*Session, error) {
	latest := filepath.Join(s.cwdDir(cwd), "latest.json")
	path, err := os.Readlink(latest)
	if err != nil {
		return nil, fmt.Errorf("read latest symlink: %w", err)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.cwdDir(cwd), path)
	}
	return loadSessionFile(path)
}

func loadSessionFile(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

// ListSessions returns resume headers for every session recorded under cwd,
// most recently touched first. capacityTokens is the current provider's
// context budget, used to compute used_tokens_pct against the persisted log
// (the Session document itself doesn't carry a capacity, since that's a
// provider fact that can change between runs).
func (s *Store) ListSessions(cwd string, capacityTokens int) ([]Header, error) {
	dir := s.cwdDir(cwd)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions dir: %w", err)
	}

	type stamped struct {
		hdr Header
		ts  time.Time
	}
	var found []stamped

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), "session.json")
		session, err := loadSessionFile(path)
		if err != nil {
			continue
		}
		found = append(found, stamped{hdr: headerFor(session, capacityTokens), ts: session.Timestamp})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ts.After(found[j].ts) })

	headers := make([]Header, len(found))
	for i, f := range found {
		headers[i] = f.hdr
	}
	return headers, nil
}

func headerFor(session *Session, capacityTokens int) Header {
	hdr := Header{SessionID: session.SessionID}

	if n := len(session.MessageLog); n > 0 {
		last := session.MessageLog[n-1]
		hdr.LastMessagePreview = contextwindow.TruncateUTF8(strings.TrimSpace(last.Content), 120)
	}

	if capacityTokens > 0 {
		used := 0
		for _, m := range session.MessageLog {
			used += contextwindow.Estimate(m.Content)
		}
		hdr.UsedTokensPct = float64(used) / float64(capacityTokens)
	}

	for _, m := range session.MessageLog {
		for _, tc := range m.ToolCalls {
			if tc.Name == "TodoWrite" {
				hdr.HasOpenTodos = true
			}
		}
	}

	return hdr
}

// LoadIntoWindow loads session's full message log into a fresh Context
// Window, advancing thin_index to the highest seq already replaced by an
// externalised reference, per spec's resume semantics.
func LoadIntoWindow(session *Session, w *contextwindow.Window) {
	w.Load(session.MessageLog, session.ThinIndex)
}

// SnapshotFromWindow captures w's current log and usage back onto session,
// ready for Save. Call at every turn boundary.
func SnapshotFromWindow(session *Session, w *contextwindow.Window, inputTokens, outputTokens int) {
	session.MessageLog = w.Snapshot()
	session.ThinIndex = w.ThinIndex()
	session.UsageTotals.InputTokens += inputTokens
	session.UsageTotals.OutputTokens += outputTokens
	created, read := w.CacheStats()
	session.CacheStats.CreationTokens = created
	session.CacheStats.ReadTokens = read

	session.ContextWindow = ContextWindowView{
		UsedTokens:          w.UsedTokens(),
		PercentageUsed:      w.UsagePct(),
		ConversationHistory: session.MessageLog,
	}
}
