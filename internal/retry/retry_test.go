package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xonecas/symb/internal/clock"
)

func TestClassifyPriority(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"connection timeout", NetworkError},
		{"rate_limit_exceeded", RateLimited},
		{"503 service unavailable", ServerError},
		{"context length exceeded for this model", ContextLengthExceeded},
		{"invalid_api_key provided", Auth},
	}
	for _, c := range cases {
		got := Classify(errors.New(c.msg))
		if got != c.want {
			t.Fatalf("Classify(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

func TestClassifyUnknown(t *testing.T) {
	if got := Classify(errors.New("something entirely unrelated")); got != Unknown {
		t.Fatalf("Classify() = %v, want Unknown", got)
	}
	if got := Classify(nil); got != Unknown {
		t.Fatalf("Classify(nil) = %v, want Unknown", got)
	}
}

func TestRecoverable(t *testing.T) {
	recoverable := []Kind{RateLimited, NetworkError, ServerError, Busy, Timeout}
	for _, k := range recoverable {
		if !k.Recoverable() {
			t.Fatalf("%v should be recoverable", k)
		}
	}
	fatal := []Kind{Auth, InvalidRequest, ContextLengthExceeded, Unknown}
	for _, k := range fatal {
		if k.Recoverable() {
			t.Fatalf("%v should not be recoverable", k)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	d, ok := RetryAfter(errors.New("429: Retry-After: 30"))
	if !ok || d != 30*time.Second {
		t.Fatalf("RetryAfter = %v, %v; want 30s, true", d, ok)
	}
	d, ok = RetryAfter(errors.New("Try again in 5 seconds"))
	if !ok || d != 5*time.Second {
		t.Fatalf("RetryAfter = %v, %v; want 5s, true", d, ok)
	}
	if _, ok := RetryAfter(errors.New("no hint here")); ok {
		t.Fatalf("RetryAfter should find nothing")
	}
}

func TestPolicyFor(t *testing.T) {
	p := PolicyFor(Interactive)
	if p.MaxAttempts != 3 || p.Cap != 60*time.Second {
		t.Fatalf("interactive policy = %+v", p)
	}
	p = PolicyFor(Autonomous)
	if p.MaxAttempts != 6 || p.Cap != 120*time.Second {
		t.Fatalf("autonomous policy = %+v", p)
	}
}

func TestSchedulerWaitUsesClock(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	s := NewScheduler(PolicyFor(Interactive), fake)
	d := s.NextDelay(1, 0)
	if d <= 0 {
		t.Fatalf("expected positive delay, got %v", d)
	}
	before := fake.Now()
	if err := s.Wait(context.Background(), d); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if !fake.Now().After(before) {
		t.Fatalf("fake clock did not advance")
	}
}

func TestSchedulerWaitRespectsCancel(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	s := NewScheduler(PolicyFor(Interactive), fake)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Wait(ctx, time.Second); err == nil {
		t.Fatalf("expected context-cancelled error")
	}
}
