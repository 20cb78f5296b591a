package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/storage"
	"github.com/haasonsaas/loom/pkg/models"
)

const (
	// DefaultMaxIterations caps one loop run when the caller sets none.
	DefaultMaxIterations = 200

	// DefaultContextWindow is assumed when the caller sets no window.
	DefaultContextWindow = 200_000

	// proactiveTrimRatio is the load fraction that triggers a trim before
	// the next model call.
	proactiveTrimRatio = 0.85

	// proactiveTrimTarget is the load fraction a proactive trim aims for.
	proactiveTrimTarget = 0.70

	// overflowRetryMax bounds retries after a context-overflow failure.
	overflowRetryMax = 2

	// llmOutputCap bounds the observation text forwarded to the model.
	// The persisted projection uses the executor's smaller cap.
	llmOutputCap = 32 * 1024

	// minTrimHistory is the history length below which proactive trimming
	// is skipped.
	minTrimHistory = 6
)

// maxIterationsMessage is returned, as a success, when the iteration
// budget runs out. History up to that point is persisted, so a follow-up
// message continues the work.
const maxIterationsMessage = "I've reached the maximum number of steps for this task. " +
	"Send a follow-up message and I'll continue where I left off."

// LoopConfig parameterizes one loop run.
type LoopConfig struct {
	ConversationID string
	Model          string
	Temperature    float64
	MaxIterations  int
	ContextWindow  int

	// OnUsage, when set, receives the usage figures of every completion
	// so callers can cache the real token load.
	OnUsage func(Usage)
}

// Loop is the ReAct iteration engine. Given a message history and a
// tools provider it drives model calls and tool executions until a final
// answer, the iteration cap, or an unrecoverable error.
type Loop struct {
	client   Client
	executor *ToolExecutor
	store    storage.MessageStore
	queue    *InjectionQueue
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewLoop builds a loop. queue may be nil when injection is not needed.
func NewLoop(client Client, executor *ToolExecutor, store storage.MessageStore, queue *InjectionQueue, logger *slog.Logger, metrics *observability.Metrics) *Loop {
	if queue == nil {
		queue = NewInjectionQueue()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Loop{
		client:   client,
		executor: executor,
		store:    store,
		queue:    queue,
		logger:   logger,
		metrics:  metrics,
	}
}

// Queue exposes the injection queue so callers can push messages into a
// run that is mid-execution.
func (l *Loop) Queue() *InjectionQueue { return l.queue }

// Run executes the loop and returns the final answer text.
//
// Provider failures degrade into an apologetic answer rather than an
// error; only cancellation and truly unexpected faults surface as errors.
func (l *Loop) Run(ctx context.Context, messages []models.Message, tools ToolsProvider, cfg LoopConfig) (string, error) {
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	window := cfg.ContextWindow
	if window <= 0 {
		window = DefaultContextWindow
	}

	working := make([]models.Message, len(messages))
	copy(working, messages)

	lastUsage := 0
	overflowRetries := 0
	iteration := 0

	defer func() {
		l.metrics.LoopIterations.Observe(float64(iteration))
	}()

	for iteration < maxIterations {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		defs := tools()

		for _, injected := range l.queue.Drain() {
			working = append(working, injected)
			l.persistRecord(ctx, cfg.ConversationID, injected)
		}

		estimate := lastUsage
		if estimate == 0 {
			estimate = estimateTokens(working)
		}
		if float64(estimate) > proactiveTrimRatio*float64(window) && len(working) > minTrimHistory {
			before := len(working)
			working = trimMessages(working, int(proactiveTrimTarget*float64(window)))
			if len(working) != before {
				lastUsage = 0
				l.metrics.ContextTrims.WithLabelValues("proactive").Inc()
				l.logger.Info("trimmed history before model call",
					"conversation_id", cfg.ConversationID,
					"messages_before", before,
					"messages_after", len(working))
			}
		}

		start := time.Now()
		resp, err := l.client.Complete(ctx, &CompletionRequest{
			ConversationID: cfg.ConversationID,
			Model:          cfg.Model,
			Temperature:    cfg.Temperature,
			Messages:       working,
			Tools:          defs,
		})
		l.metrics.LLMRequestDuration.WithLabelValues(l.client.Name(), cfg.Model).Observe(time.Since(start).Seconds())

		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			l.metrics.LLMRequestCounter.WithLabelValues(l.client.Name(), cfg.Model, "error").Inc()

			if IsContextOverflow(err) && iteration > 0 && overflowRetries < overflowRetryMax {
				overflowRetries++
				working = trimMessages(working, window/2)
				lastUsage = 0
				l.metrics.ContextTrims.WithLabelValues("overflow").Inc()
				l.logger.Warn("context overflow, retrying with trimmed history",
					"conversation_id", cfg.ConversationID,
					"retry", overflowRetries)
				// Retry the same iteration without consuming the budget.
				continue
			}

			l.logger.Error("model call failed",
				"conversation_id", cfg.ConversationID,
				"provider", l.client.Name(),
				"model", cfg.Model,
				"error", err)
			return degradedAnswer(err), nil
		}

		l.metrics.LLMRequestCounter.WithLabelValues(l.client.Name(), cfg.Model, "success").Inc()
		if u := resp.Usage; u.PromptTokens+u.CompletionTokens > 0 {
			lastUsage = u.PromptTokens + u.CompletionTokens
			l.metrics.LLMTokensUsed.WithLabelValues(l.client.Name(), cfg.Model, "prompt").Add(float64(u.PromptTokens))
			l.metrics.LLMTokensUsed.WithLabelValues(l.client.Name(), cfg.Model, "completion").Add(float64(u.CompletionTokens))
			if cfg.OnUsage != nil {
				cfg.OnUsage(u)
			}
		}

		if len(resp.Choices) == 0 {
			return degradedAnswer(ErrNoChoices), nil
		}
		choice := resp.Choices[0]
		iteration++

		switch choice.FinishReason {
		case FinishStop:
			if l.queue.Len() > 0 {
				// A user spoke while the model was thinking: treat this
				// answer as an intermediate turn and keep looping.
				working = append(working, choice.Message)
				l.persistRecord(ctx, cfg.ConversationID, choice.Message)
				continue
			}
			if strings.TrimSpace(choice.Message.Content) == "" {
				return "", ErrEmptyCompletion
			}
			return choice.Message.Content, nil

		case FinishToolCalls:
			working = append(working, choice.Message)
			l.persistRecord(ctx, cfg.ConversationID, choice.Message)

			results := l.executor.ExecuteBatch(ctx, cfg.ConversationID, choice.Message.ToolCalls)
			if err := ctx.Err(); err != nil {
				return "", err
			}
			for i, call := range choice.Message.ToolCalls {
				working = append(working, observationMessage(call, results[i]))
			}

		default:
			if strings.TrimSpace(choice.Message.Content) != "" {
				return choice.Message.Content, nil
			}
			return "", fmt.Errorf("%w: finish reason %q", ErrEmptyCompletion, choice.FinishReason)
		}
	}

	l.logger.Info("iteration budget exhausted",
		"conversation_id", cfg.ConversationID,
		"iterations", iteration)
	return maxIterationsMessage, nil
}

// observationMessage folds a tool execution result into the tool-role
// message fed back to the model, capped at the LLM-facing limit.
func observationMessage(call models.ToolCall, result ToolExecutionResult) models.Message {
	content := result.Output
	if result.Failed() {
		content = "Error: " + result.Err.Error()
	}
	return models.Message{
		Role:       models.RoleTool,
		Content:    truncateWithMarker(content, llmOutputCap),
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
}

// persistRecord stores an intermediate loop message. Tool observations
// are persisted by the executor, not here.
func (l *Loop) persistRecord(ctx context.Context, conversationID string, msg models.Message) {
	if l.store == nil {
		return
	}

	rec := &storage.MessageRecord{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		CreatedAt:      time.Now().UTC(),
	}
	if len(msg.ToolCalls) > 0 {
		if encoded, err := json.Marshal(msg.ToolCalls); err == nil {
			rec.ToolCallsJSON = string(encoded)
		}
	}
	if err := l.store.Insert(ctx, rec); err != nil {
		l.logger.Error("failed to persist message",
			"conversation_id", conversationID,
			"role", msg.Role,
			"error", err)
	}
}

// degradedAnswer converts a provider failure into the apologetic answer
// surfaced to the user instead of a raw error.
func degradedAnswer(err error) string {
	return fmt.Sprintf("I apologize, but I ran into a problem while processing your request: %v. Please try again.", err)
}
