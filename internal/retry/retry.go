// Package retry classifies provider/tool failures and schedules backoff
// retries. Classification is grounded on internal/mcp/proxy.go's
// parseRetryAfter/429-detection; the backoff schedule is delegated to
// github.com/cenkalti/backoff/v5 instead of the three ad-hoc backoff loops
// the teacher hand-rolls (mcp/proxy.go, store/session.go, mcp/client.go).
package retry

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xonecas/symb/internal/clock"
)

// Kind is the classified error category.
type Kind int

const (
	Unknown Kind = iota
	RateLimited
	NetworkError
	ServerError
	Busy
	Timeout
	TokenLimit
	ContextLengthExceeded
	Auth
	InvalidRequest
)

func (k Kind) String() string {
	switch k {
	case RateLimited:
		return "RateLimited"
	case NetworkError:
		return "NetworkError"
	case ServerError:
		return "ServerError"
	case Busy:
		return "Busy"
	case Timeout:
		return "Timeout"
	case TokenLimit:
		return "TokenLimit"
	case ContextLengthExceeded:
		return "ContextLengthExceeded"
	case Auth:
		return "Auth"
	case InvalidRequest:
		return "InvalidRequest"
	default:
		return "Unknown"
	}
}

// Recoverable reports whether the engine should retry this kind of error
// by itself. ContextLengthExceeded is handled separately by the engine,
// which must force compaction before retrying.
func (k Kind) Recoverable() bool {
	switch k {
	case RateLimited, NetworkError, ServerError, Busy, Timeout:
		return true
	default:
		return false
	}
}

// classifyMatcher pairs a detection substring set with the Kind it
// produces. Order is priority order per spec: rate-limit > network >
// server > busy > timeout > token-limit > context-length > auth > invalid.
var classifyMatchers = []struct {
	kind     Kind
	patterns []string
}{
	{RateLimited, []string{"rate_limit", "rate limit", "429", "too many requests"}},
	{NetworkError, []string{"connection", "network", "dial tcp", "eof", "broken pipe"}},
	{ServerError, []string{"server error", "service unavailable", "502", "503", "504", "internal server error"}},
	{Busy, []string{"busy", "overloaded", "sqlite_busy"}},
	{Timeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{TokenLimit, []string{"token limit", "max_tokens", "output limit"}},
	{ContextLengthExceeded, []string{"context length", "context_length_exceeded", "context window", "maximum context"}},
	{Auth, []string{"invalid_api_key", "unauthorized", "401", "403", "auth failed", "authentication"}},
	{InvalidRequest, []string{"invalid_request", "400 bad request", "invalid request"}},
}

// Classify inspects err's message and returns its Kind per the spec's
// priority-ordered substring taxonomy. Ambiguous errors (matching more
// than one category) resolve to the earliest-listed, highest-priority
// match — e.g. a message containing both "connection" and "timeout"
// classifies as NetworkError, never Timeout.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	msg := strings.ToLower(err.Error())
	for _, m := range classifyMatchers {
		for _, p := range m.patterns {
			if strings.Contains(msg, p) {
				return m.kind
			}
		}
	}
	return Unknown
}

var retryAfterRegex = regexp.MustCompile(`retry-after:\s*(\d+)|try again in (\d+) seconds?`)

// RetryAfter extracts a server-requested delay from an error message, if
// present (e.g. a 429 response carrying "Retry-After: 30").
func RetryAfter(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	matches := retryAfterRegex.FindStringSubmatch(strings.ToLower(err.Error()))
	if matches == nil {
		return 0, false
	}
	for _, g := range matches[1:] {
		if g == "" {
			continue
		}
		if secs, err := strconv.Atoi(g); err == nil {
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}

// Mode selects a retry budget.
type Mode int

const (
	Interactive Mode = iota
	Autonomous
)

// Policy is the caller-selected retry budget; the engine receives this as
// a value (engine.Options.RetryPolicy) rather than deriving it from Mode
// internally, keeping the policy/mechanism split the spec calls for.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// PolicyFor returns the default policy for a Mode: interactive allows 3
// attempts with a 60s cap; autonomous allows 6 with a 120s cap so total
// elapsed time approaches ten minutes.
func PolicyFor(m Mode) Policy {
	switch m {
	case Autonomous:
		return Policy{MaxAttempts: 6, Base: time.Second, Cap: 120 * time.Second}
	default:
		return Policy{MaxAttempts: 3, Base: time.Second, Cap: 60 * time.Second}
	}
}

// ErrExhausted is returned when a retry budget is exhausted without success.
var ErrExhausted = errors.New("retry attempts exhausted")

// Scheduler computes and (optionally) executes backoff sleeps for a policy.
// Delay math matches the spec's delay_n = min(cap, base*2^(n-1)) * jitter,
// jitter uniform in [0.5, 1.5) — exactly backoff.ExponentialBackOff with
// RandomizationFactor=0.5.
type Scheduler struct {
	policy Policy
	clk    clock.Clock
	eb     *backoff.ExponentialBackOff
}

// NewScheduler builds a Scheduler for policy, using clk for sleeps so tests
// can run deterministically without wall-clock waits.
func NewScheduler(policy Policy, clk clock.Clock) *Scheduler {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.Base
	eb.MaxInterval = policy.Cap
	eb.RandomizationFactor = 0.5
	eb.Multiplier = 2
	eb.Reset()
	return &Scheduler{policy: policy, clk: clk, eb: eb}
}

// NextDelay returns the delay before attempt n (1-indexed), honoring a
// server-requested RetryAfter hint when present and longer than the
// computed backoff.
func (s *Scheduler) NextDelay(n int, hint time.Duration) time.Duration {
	d, err := s.eb.NextBackOff()
	if err != nil {
		d = s.policy.Cap
	}
	if hint > d {
		d = hint
	}
	if d > s.policy.Cap {
		d = s.policy.Cap
	}
	return d
}

// Wait blocks (via clk.Sleep, or ctx cancellation) for the given delay.
func (s *Scheduler) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.clk.Sleep(d)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MaxAttempts returns the policy's attempt budget.
func (s *Scheduler) MaxAttempts() int { return s.policy.MaxAttempts }
