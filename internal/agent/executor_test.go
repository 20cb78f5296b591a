package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

func TestExecutorToolNotFound(t *testing.T) {
	e := NewToolExecutor(NewRegistry(), nil, nil, nil)

	result := e.Execute(context.Background(), "conv", models.ToolCall{
		ID: "c1", Name: "missing", Input: json.RawMessage(`{}`),
	})

	if !result.Failed() {
		t.Fatal("expected failure")
	}
	if !errors.Is(result.Err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", result.Err)
	}
}

func TestExecutorMalformedArguments(t *testing.T) {
	r := NewRegistry()
	r.Register("p", "core", spec("echo", ""))
	e := NewToolExecutor(r, nil, nil, nil)

	result := e.Execute(context.Background(), "conv", models.ToolCall{
		ID: "c1", Name: "echo", Input: json.RawMessage(`{not json`),
	})

	if !errors.Is(result.Err, ErrInvalidArguments) {
		t.Fatalf("expected ErrInvalidArguments, got %v", result.Err)
	}
}

func TestExecutorSchemaValidation(t *testing.T) {
	r := NewRegistry()
	r.Register("p", "core", ToolSpec{
		Definition: models.ToolDefinition{
			Name:       "typed",
			Parameters: json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`),
		},
		Handler: nopHandler,
	})
	e := NewToolExecutor(r, nil, nil, nil)

	result := e.Execute(context.Background(), "conv", models.ToolCall{
		ID: "c1", Name: "typed", Input: json.RawMessage(`{"n":"not a number"}`),
	})
	if !errors.Is(result.Err, ErrInvalidArguments) {
		t.Fatalf("expected ErrInvalidArguments, got %v", result.Err)
	}

	result = e.Execute(context.Background(), "conv", models.ToolCall{
		ID: "c2", Name: "typed", Input: json.RawMessage(`{"n":3}`),
	})
	if result.Failed() {
		t.Fatalf("valid args rejected: %v", result.Err)
	}
}

func TestExecutorConversationIDEnrichment(t *testing.T) {
	r := NewRegistry()
	var seen any
	r.Register("p", "core", ToolSpec{
		Definition: models.ToolDefinition{Name: "peek"},
		Handler: func(_ context.Context, args map[string]any) (*ToolOutput, error) {
			seen = args[ArgConversationID]
			return &ToolOutput{}, nil
		},
	})
	e := NewToolExecutor(r, nil, nil, nil)

	e.Execute(context.Background(), "conv-42", models.ToolCall{
		ID: "c1", Name: "peek", Input: json.RawMessage(`{}`),
	})
	if seen != "conv-42" {
		t.Fatalf("expected enriched conversation id, got %v", seen)
	}
}

func TestExecutorTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register("p", "core", ToolSpec{
		Definition: models.ToolDefinition{Name: "slow", Timeout: 50 * time.Millisecond},
		Handler: func(ctx context.Context, _ map[string]any) (*ToolOutput, error) {
			select {
			case <-time.After(5 * time.Second):
				return &ToolOutput{Content: "too late"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	e := NewToolExecutor(r, nil, nil, nil)

	start := time.Now()
	result := e.Execute(context.Background(), "conv", models.ToolCall{
		ID: "c1", Name: "slow", Input: json.RawMessage(`{}`),
	})
	elapsed := time.Since(start)

	if !result.Failed() {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(result.Err.Error(), "timed out") {
		t.Fatalf("expected a timeout error, got %v", result.Err)
	}
	if elapsed > time.Second {
		t.Fatalf("timeout took %v, bound not enforced", elapsed)
	}
}

func TestExecutorPanicRecovery(t *testing.T) {
	r := NewRegistry()
	r.Register("p", "core", ToolSpec{
		Definition: models.ToolDefinition{Name: "explode"},
		Handler: func(context.Context, map[string]any) (*ToolOutput, error) {
			panic("kaboom")
		},
	})
	e := NewToolExecutor(r, nil, nil, nil)

	result := e.Execute(context.Background(), "conv", models.ToolCall{
		ID: "c1", Name: "explode", Input: json.RawMessage(`{}`),
	})

	if !result.Failed() {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Err.Error(), "panicked") {
		t.Fatalf("expected panic to be folded into the error, got %v", result.Err)
	}
}

func TestExecutorCancellationPassthrough(t *testing.T) {
	r := NewRegistry()
	r.Register("p", "core", ToolSpec{
		Definition: models.ToolDefinition{Name: "wait"},
		Handler: func(ctx context.Context, _ map[string]any) (*ToolOutput, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	e := NewToolExecutor(r, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := e.Execute(ctx, "conv", models.ToolCall{
		ID: "c1", Name: "wait", Input: json.RawMessage(`{}`),
	})
	if !errors.Is(result.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", result.Err)
	}
}

func TestExecutorPersistsTruncatedProjection(t *testing.T) {
	huge := strings.Repeat("x", persistedOutputCap+100)

	r := NewRegistry()
	r.Register("p", "core", ToolSpec{
		Definition: models.ToolDefinition{Name: "big"},
		Handler: func(context.Context, map[string]any) (*ToolOutput, error) {
			return &ToolOutput{Content: huge}, nil
		},
	})
	store := &recordingStore{}
	e := NewToolExecutor(r, store, nil, nil)

	result := e.Execute(context.Background(), "conv", models.ToolCall{
		ID: "c1", Name: "big", Input: json.RawMessage(`{}`),
	})

	if result.Output != huge {
		t.Fatal("the in-memory result must keep the full output")
	}

	recs := store.all()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if len(recs[0].Content) >= len(huge) {
		t.Fatal("stored projection was not truncated")
	}
	if !strings.Contains(recs[0].Content, "[Truncated:") {
		t.Fatalf("missing truncation marker: %q", recs[0].Content[len(recs[0].Content)-60:])
	}
	if recs[0].ToolCallID != "c1" || recs[0].ToolName != "big" {
		t.Fatalf("tool linkage lost: %+v", recs[0])
	}
}

func TestExecutorPersistsFailureAsObservation(t *testing.T) {
	r := NewRegistry()
	r.Register("p", "core", ToolSpec{
		Definition: models.ToolDefinition{Name: "fail"},
		Handler: func(context.Context, map[string]any) (*ToolOutput, error) {
			return nil, errors.New("disk on fire")
		},
	})
	store := &recordingStore{}
	e := NewToolExecutor(r, store, nil, nil)

	result := e.Execute(context.Background(), "conv", models.ToolCall{
		ID: "c1", Name: "fail", Input: json.RawMessage(`{}`),
	})

	if !result.Failed() {
		t.Fatal("expected failure")
	}
	recs := store.all()
	if len(recs) != 1 {
		t.Fatalf("expected failure to be persisted, got %d records", len(recs))
	}
	if !strings.HasPrefix(recs[0].Content, "Error: ") {
		t.Fatalf("failure record must carry the Error prefix: %q", recs[0].Content)
	}
	if !strings.Contains(recs[0].Content, "disk on fire") {
		t.Fatalf("failure cause missing: %q", recs[0].Content)
	}
}

func TestTruncateWithMarker(t *testing.T) {
	if got := truncateWithMarker("short", 100); got != "short" {
		t.Fatalf("short input altered: %q", got)
	}

	long := strings.Repeat("a", 200)
	got := truncateWithMarker(long, 100)
	if !strings.HasPrefix(got, strings.Repeat("a", 100)) {
		t.Fatal("truncation did not keep the prefix")
	}
	if !strings.Contains(got, "[Truncated: 200 chars total]") {
		t.Fatalf("marker missing or wrong: %q", got)
	}
}
