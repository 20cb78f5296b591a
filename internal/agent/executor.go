package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/storage"
	"github.com/haasonsaas/loom/pkg/models"
)

const (
	// DefaultToolTimeout applies when a tool definition sets no timeout.
	DefaultToolTimeout = 120 * time.Second

	// persistedOutputCap bounds the stored projection of a tool result.
	persistedOutputCap = 16 * 1024

	// ArgConversationID is the enrichment key carrying the caller's
	// conversation id into tool arguments. The underscore prefix keeps it
	// outside schema validation.
	ArgConversationID = "_conversation_id"
)

// ToolExecutionResult is the outcome of one tool call. Err set means
// failure; the loop feeds failures back to the model as observations
// rather than propagating them.
type ToolExecutionResult struct {
	Output     string
	Metadata   map[string]any
	ImagePaths []string
	Err        error
}

// Failed reports whether the execution failed.
func (r ToolExecutionResult) Failed() bool { return r.Err != nil }

// ToolExecutor resolves tool calls against a registry, invokes them under
// a deadline, and persists the resulting observation records.
type ToolExecutor struct {
	registry       *Registry
	store          storage.MessageStore
	defaultTimeout time.Duration
	logger         *slog.Logger
	metrics        *observability.Metrics
}

// NewToolExecutor builds an executor. store may be nil for sandboxed runs
// that should not persist observations.
func NewToolExecutor(registry *Registry, store storage.MessageStore, logger *slog.Logger, metrics *observability.Metrics) *ToolExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &ToolExecutor{
		registry:       registry,
		store:          store,
		defaultTimeout: DefaultToolTimeout,
		logger:         logger,
		metrics:        metrics,
	}
}

// WithRegistry returns a shallow copy bound to a different registry,
// used when a delegated execution runs against an isolated copy.
func (e *ToolExecutor) WithRegistry(registry *Registry) *ToolExecutor {
	cp := *e
	cp.registry = registry
	return &cp
}

// Execute runs one tool call. It never panics and never returns a bare
// error: every failure mode is folded into the result value.
func (e *ToolExecutor) Execute(ctx context.Context, conversationID string, call models.ToolCall) ToolExecutionResult {
	start := time.Now()
	result := e.run(ctx, conversationID, call)

	status := "success"
	if result.Failed() {
		status = "error"
	}
	e.metrics.ToolExecutionCounter.WithLabelValues(call.Name, status).Inc()
	e.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())

	e.persist(ctx, conversationID, call, result)
	return result
}

// ExecuteBatch runs calls sequentially, in array order. Sequential
// execution keeps persisted observation order deterministic within one
// conversation.
func (e *ToolExecutor) ExecuteBatch(ctx context.Context, conversationID string, calls []models.ToolCall) []ToolExecutionResult {
	results := make([]ToolExecutionResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, e.Execute(ctx, conversationID, call))
	}
	return results
}

func (e *ToolExecutor) run(ctx context.Context, conversationID string, call models.ToolCall) ToolExecutionResult {
	tool, ok := e.registry.Lookup(call.Name)
	if !ok {
		return ToolExecutionResult{Err: &ToolError{Tool: call.Name, Err: ErrToolNotFound}}
	}

	args := make(map[string]any)
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return ToolExecutionResult{Err: &ToolError{Tool: call.Name, Err: fmt.Errorf("%w: %v", ErrInvalidArguments, err)}}
		}
	}
	if tool.schema != nil {
		if err := tool.schema.Validate(args); err != nil {
			return ToolExecutionResult{Err: &ToolError{Tool: call.Name, Err: fmt.Errorf("%w: %v", ErrInvalidArguments, err)}}
		}
	}
	args[ArgConversationID] = conversationID

	timeout := tool.Definition.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	output, err := e.invokeWithTimeout(ctx, tool, args, timeout)
	if err != nil {
		e.logger.Warn("tool execution failed",
			"tool", call.Name,
			"conversation_id", conversationID,
			"error", err)
		return ToolExecutionResult{Err: &ToolError{Tool: call.Name, Err: err}}
	}
	if output == nil {
		output = &ToolOutput{}
	}

	e.logger.Debug("tool executed",
		"tool", call.Name,
		"conversation_id", conversationID,
		"output_chars", len(output.Content))

	return ToolExecutionResult{
		Output:     output.Content,
		Metadata:   output.Metadata,
		ImagePaths: output.ImagePaths,
	}
}

// invokeWithTimeout runs the handler in its own goroutine so a stuck or
// panicking tool cannot take down the loop.
func (e *ToolExecutor) invokeWithTimeout(ctx context.Context, tool *RegisteredTool, args map[string]any, timeout time.Duration) (*ToolOutput, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output *ToolOutput
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("unexpected error: tool panicked: %v", r)}
			}
		}()
		output, err := tool.Handler(callCtx, args)
		resultCh <- outcome{output: output, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("unexpected error: %w", res.err)
		}
		return res.output, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("timed out (%ds)", int(timeout.Seconds()))
	}
}

// persist writes the observation record. Stored output is truncated to a
// fixed cap; the returned result keeps the full output for the loop.
func (e *ToolExecutor) persist(ctx context.Context, conversationID string, call models.ToolCall, result ToolExecutionResult) {
	if e.store == nil {
		return
	}

	content := result.Output
	if result.Failed() {
		content = "Error: " + result.Err.Error()
	}
	content = truncateWithMarker(content, persistedOutputCap)

	rec := &storage.MessageRecord{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           string(models.RoleTool),
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		ToolCallID:     call.ID,
		ToolName:       call.Name,
		ImagePaths:     result.ImagePaths,
	}
	if err := e.store.Insert(ctx, rec); err != nil {
		e.logger.Error("failed to persist tool result",
			"tool", call.Name,
			"conversation_id", conversationID,
			"error", err)
	}
}

// truncateWithMarker caps s at limit bytes, appending a marker noting the
// original size when truncation occurred.
func truncateWithMarker(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + fmt.Sprintf("\n[Truncated: %d chars total]", len(s))
}
