package providers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/agent"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		message string
		want    Reason
	}{
		{"context_length_exceeded: too many tokens", ReasonContextOverflow},
		{"prompt is too long: 210000 tokens > 200000 maximum", ReasonContextOverflow},
		{"This model's maximum context length is 128000 tokens", ReasonContextOverflow},
		{"input token count (1200000) exceeds the maximum", ReasonContextOverflow},
		{"request timeout after 60s", ReasonTimeout},
		{"context deadline exceeded", ReasonTimeout},
		{"rate limit exceeded, retry later", ReasonRateLimit},
		{"429 Too Many Requests", ReasonRateLimit},
		{"invalid api key provided", ReasonAuth},
		{"401 unauthorized", ReasonAuth},
		{"internal server error", ReasonServerError},
		{"Overloaded", ReasonServerError},
		{"bad request: missing field", ReasonInvalidRequest},
		{"something inexplicable", ReasonUnknown},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.message)); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.message, got, tc.want)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Reason
	}{
		{401, ReasonAuth},
		{403, ReasonAuth},
		{429, ReasonRateLimit},
		{400, ReasonInvalidRequest},
		{408, ReasonTimeout},
		{500, ReasonServerError},
		{503, ReasonServerError},
		{418, ReasonUnknown},
	}
	for _, tc := range cases {
		if got := classifyStatus(tc.status); got != tc.want {
			t.Errorf("classifyStatus(%d) = %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestWithStatusPreservesOverflow(t *testing.T) {
	// A 400 whose message names the context window stays an overflow.
	e := New("openai", "gpt-4o", errors.New("context_length_exceeded"))
	if e.Reason != ReasonContextOverflow {
		t.Fatalf("expected overflow, got %s", e.Reason)
	}
	e = e.WithStatus(400)
	if e.Reason != ReasonContextOverflow {
		t.Fatalf("status reclassification clobbered overflow: %s", e.Reason)
	}
}

func TestWithStatusDetectsOverflowFromMessage(t *testing.T) {
	e := &Error{Provider: "anthropic", Message: "prompt is too long"}
	e = e.WithStatus(400)
	if e.Reason != ReasonContextOverflow {
		t.Fatalf("expected overflow, got %s", e.Reason)
	}
}

func TestWithCodeDetectsOverflow(t *testing.T) {
	e := New("openai", "gpt-4o", errors.New("opaque")).WithCode("context_length_exceeded")
	if e.Reason != ReasonContextOverflow {
		t.Fatalf("expected overflow from code, got %s", e.Reason)
	}
}

func TestOverflowSatisfiesSentinel(t *testing.T) {
	e := New("anthropic", "claude", errors.New("prompt is too long"))
	if !errors.Is(e, agent.ErrContextOverflow) {
		t.Fatal("overflow error must match the agent sentinel")
	}
	if !agent.IsContextOverflow(e) {
		t.Fatal("IsContextOverflow must hold")
	}

	other := New("anthropic", "claude", errors.New("rate limit"))
	if errors.Is(other, agent.ErrContextOverflow) {
		t.Fatal("non-overflow error must not match the sentinel")
	}
}

func TestErrorStringShape(t *testing.T) {
	e := New("openai", "gpt-4o", errors.New("rate limit exceeded")).WithStatus(429).WithCode("rate_limited")
	s := e.Error()
	for _, want := range []string{"[rate_limit]", "openai", "model=gpt-4o", "status=429", "code=rate_limited", "rate limit exceeded"} {
		if !strings.Contains(s, want) {
			t.Errorf("error string missing %q: %s", want, s)
		}
	}
}

func TestReasonRetryable(t *testing.T) {
	retryable := []Reason{ReasonRateLimit, ReasonTimeout, ReasonServerError}
	for _, r := range retryable {
		if !r.IsRetryable() {
			t.Errorf("%s should be retryable", r)
		}
	}
	final := []Reason{ReasonAuth, ReasonInvalidRequest, ReasonContextOverflow, ReasonUnknown}
	for _, r := range final {
		if r.IsRetryable() {
			t.Errorf("%s should not be retryable", r)
		}
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := retry(context.Background(), 3, time.Millisecond, retryableReason, func() error {
		calls++
		return New("openai", "gpt-4o", errors.New("invalid api key"))
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Fatalf("non-retryable error retried %d times", calls)
	}
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	calls := 0
	err := retry(context.Background(), 3, time.Millisecond, retryableReason, func() error {
		calls++
		if calls < 3 {
			return New("openai", "gpt-4o", errors.New("rate limit exceeded"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retry(ctx, 5, 50*time.Millisecond, retryableReason, func() error {
		calls++
		cancel()
		return New("openai", "gpt-4o", errors.New("rate limit exceeded"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("cancelled retry ran %d times", calls)
	}
}
