package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/storage"
	"github.com/haasonsaas/loom/pkg/models"
)

// StateKind enumerates coordinator states.
type StateKind string

const (
	StateIdle      StateKind = "idle"
	StateThinking  StateKind = "thinking"
	StateCompleted StateKind = "completed"
	StateError     StateKind = "error"
)

// State is the externally observable coordinator state. FinalText is set
// for Completed, Err for Error.
type State struct {
	Kind      StateKind
	FinalText string
	Err       error
}

// ExecutionKind distinguishes user-driven from scheduler-driven runs.
type ExecutionKind string

const (
	ExecutionInteractive ExecutionKind = "interactive"
	ExecutionScheduled   ExecutionKind = "scheduled"
)

// ExecutionContext tags a run. It shapes prompt construction only and is
// never persisted.
type ExecutionContext struct {
	Kind        ExecutionKind
	JobID       string
	TriggerTime time.Time
}

// Interactive is the default execution context.
func Interactive() ExecutionContext {
	return ExecutionContext{Kind: ExecutionInteractive}
}

// Scheduled tags a scheduler-driven run.
func Scheduled(jobID string, triggerTime time.Time) ExecutionContext {
	return ExecutionContext{Kind: ExecutionScheduled, JobID: jobID, TriggerTime: triggerTime}
}

const (
	// defaultSummarizeThreshold is the context-load fraction that triggers
	// summarization before an execute.
	defaultSummarizeThreshold = 0.8

	// summaryKeepRatio is the share of the context window the kept recent
	// suffix may occupy after summarization.
	summaryKeepRatio = 0.3

	// summaryMinKeep is the minimum number of trailing messages kept.
	summaryMinKeep = 2

	// notEnoughHistoryMessage is returned by ForceSummarize when there is
	// nothing worth summarizing.
	notEnoughHistoryMessage = "Not enough conversation history to summarize yet."

	// summaryRecordName marks a meta record as a summary boundary in
	// stored history. Seeding resumes replay after the last boundary.
	summaryRecordName = "summary"
)

// scheduledInstruction augments the system prompt for scheduler-driven
// runs, where nobody is present to answer clarification questions.
const scheduledInstruction = "This task was triggered by a schedule, not a live user. " +
	"Do not ask clarification questions; make reasonable assumptions and proceed autonomously. " +
	"If the task cannot be completed, state what blocked it."

// CoordinatorConfig wires a coordinator's collaborators.
type CoordinatorConfig struct {
	ConversationID string
	Client         Client
	Registry       *Registry
	Executor       *ToolExecutor
	Store          storage.MessageStore
	Memory         MemorySink
	Logger         *slog.Logger
	Metrics        *observability.Metrics

	// ContextWindow in tokens. Zero means DefaultContextWindow.
	ContextWindow int

	// SummarizeThreshold overrides defaultSummarizeThreshold when > 0.
	SummarizeThreshold float64

	// History seeds the in-memory history, typically replayed from a
	// ConversationStore after a cold start.
	History []models.Message

	// Summary seeds the summary block, typically recovered from the last
	// persisted summary boundary.
	Summary string
}

// ExecuteRequest parameterizes one coordinator execution.
type ExecuteRequest struct {
	UserMessage   string
	SystemPrompt  string
	Model         string
	MaxIterations int
	Temperature   float64
	Context       ExecutionContext

	// Media is attached to this call only, never retained in history.
	Media []models.Attachment
}

// Coordinator owns one conversation: its in-memory history, summary,
// activated tool categories, and state machine. It wraps the loop with
// context-budget summarization and prompt shaping.
type Coordinator struct {
	id             string
	conversationID string

	client   Client
	registry *Registry
	executor *ToolExecutor
	store    storage.MessageStore
	memory   MemorySink
	loop     *Loop
	queue    *InjectionQueue
	logger   *slog.Logger
	metrics  *observability.Metrics

	contextWindow      int
	summarizeThreshold float64

	mu               sync.Mutex
	history          []models.Message
	summary          string
	lastPromptTokens int
	activeCategories map[string]struct{}
	state            State
	cancelCurrent    context.CancelFunc
	runGeneration    uint64
}

// NewCoordinator builds a coordinator and registers its per-instance
// meta-tools in the shared registry. Callers must invoke Cleanup before
// discarding it, or those tool names leak across conversations.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	memory := cfg.Memory
	if memory == nil {
		memory = NopMemorySink{}
	}
	window := cfg.ContextWindow
	if window <= 0 {
		window = DefaultContextWindow
	}
	threshold := cfg.SummarizeThreshold
	if threshold <= 0 {
		threshold = defaultSummarizeThreshold
	}

	queue := NewInjectionQueue()
	c := &Coordinator{
		id:                 uuid.NewString(),
		conversationID:     cfg.ConversationID,
		client:             cfg.Client,
		registry:           cfg.Registry,
		executor:           cfg.Executor,
		store:              cfg.Store,
		memory:             memory,
		queue:              queue,
		logger:             logger.With("conversation_id", cfg.ConversationID),
		metrics:            metrics,
		contextWindow:      window,
		summarizeThreshold: threshold,
		history:            append([]models.Message(nil), cfg.History...),
		summary:            cfg.Summary,
		activeCategories:   make(map[string]struct{}),
		state:              State{Kind: StateIdle},
	}
	c.loop = NewLoop(cfg.Client, cfg.Executor, cfg.Store, queue, c.logger, metrics)
	c.registerMetaTools()
	return c
}

// ID returns the coordinator-unique id its meta-tools are keyed by.
func (c *Coordinator) ID() string { return c.id }

// ConversationID returns the owned conversation id.
func (c *Coordinator) ConversationID() string { return c.conversationID }

// State returns the current observable state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns a copy of the in-memory history.
func (c *Coordinator) History() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.history...)
}

// Summary returns the active summary block, if any.
func (c *Coordinator) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// Inject pushes a user message into a run that is mid-execution.
func (c *Coordinator) Inject(text string) {
	c.queue.PushText(text)
}

// Execute runs one full agent turn and returns the final answer.
func (c *Coordinator) Execute(ctx context.Context, req ExecuteRequest) (string, error) {
	runCtx, generation, cancel := c.beginExecution(ctx)
	defer c.endExecution(generation, cancel)

	if err := c.maybeSummarize(runCtx, req.Model); err != nil {
		// Summarization is best-effort; a failure must not block the turn.
		c.logger.Warn("summarization failed", "error", err)
	}

	userTurn := models.Message{
		Role:        models.RoleUser,
		Content:     req.UserMessage,
		Attachments: req.Media,
	}
	outbound := c.buildOutbound(req, userTurn)
	c.persistUserTurn(runCtx, req.UserMessage)

	answer, err := c.loop.Run(runCtx, outbound, c.toolsProvider(), LoopConfig{
		ConversationID: c.conversationID,
		Model:          req.Model,
		Temperature:    req.Temperature,
		MaxIterations:  req.MaxIterations,
		ContextWindow:  c.contextWindow,
		OnUsage: func(u Usage) {
			c.mu.Lock()
			c.lastPromptTokens = u.PromptTokens + u.CompletionTokens
			c.mu.Unlock()
		},
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.state = State{Kind: StateIdle}
		} else {
			c.state = State{Kind: StateError, Err: err}
		}
		return "", err
	}

	c.history = append(c.history, userTurn.WithoutAttachments(),
		models.Message{Role: models.RoleAssistant, Content: answer})
	c.state = State{Kind: StateCompleted, FinalText: answer}
	c.persistAssistantTurn(context.WithoutCancel(runCtx), answer)
	return answer, nil
}

// Cancel aborts any in-flight execution and forces Idle.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelCurrent != nil {
		c.cancelCurrent()
		c.cancelCurrent = nil
	}
	c.state = State{Kind: StateIdle}
}

// Reset cancels and additionally clears history and summary.
func (c *Coordinator) Reset() {
	c.Cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
	c.summary = ""
	c.lastPromptTokens = 0
}

// Cleanup revokes the coordinator's dynamic tool registrations. It must
// run before the coordinator is discarded.
func (c *Coordinator) Cleanup() {
	c.registry.Unregister(c.metaPluginID())
}

// ForceSummarize summarizes everything except the last two messages,
// regardless of context load. It returns a user-facing status string.
func (c *Coordinator) ForceSummarize(ctx context.Context, model string) (string, error) {
	c.mu.Lock()
	size := len(c.history)
	c.mu.Unlock()

	if size <= summaryMinKeep {
		return notEnoughHistoryMessage, nil
	}

	summarized, err := c.summarize(ctx, model, size-summaryMinKeep, "forced")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Summarized %d earlier messages. The conversation keeps its most recent context.", summarized), nil
}

func (c *Coordinator) beginExecution(ctx context.Context) (context.Context, uint64, context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Local single-flight: a previous run of this coordinator is cancelled
	// before the new one starts. Cross-coordinator single-flight for the
	// same conversation is the manager's job.
	if c.cancelCurrent != nil {
		c.cancelCurrent()
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.runGeneration++
	c.cancelCurrent = cancel
	c.state = State{Kind: StateThinking}
	return runCtx, c.runGeneration, cancel
}

// endExecution releases a run's cancel func. The generation check keeps a
// superseded run's late cleanup from clobbering a newer run's slot.
func (c *Coordinator) endExecution(generation uint64, cancel context.CancelFunc) {
	cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runGeneration == generation {
		c.cancelCurrent = nil
	}
}

// buildOutbound assembles the message list for the loop: shaped system
// prompt, in-memory history, then the new user turn.
func (c *Coordinator) buildOutbound(req ExecuteRequest, userTurn models.Message) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	system := req.SystemPrompt
	if req.Context.Kind == ExecutionScheduled {
		detail := scheduledInstruction
		if req.Context.JobID != "" {
			detail += fmt.Sprintf(" (job %s, triggered %s)",
				req.Context.JobID, req.Context.TriggerTime.Format(time.RFC3339))
		}
		system = strings.TrimSpace(system + "\n\n" + detail)
	}
	if c.summary != "" {
		system = "Summary of the conversation so far:\n" + c.summary + "\n\n" + system
	}

	outbound := make([]models.Message, 0, len(c.history)+2)
	if system != "" {
		outbound = append(outbound, models.Message{Role: models.RoleSystem, Content: system})
	}
	outbound = append(outbound, c.history...)
	outbound = append(outbound, userTurn)
	return outbound
}

// toolsProvider resolves current definitions against this coordinator's
// own activation set, re-evaluated every loop iteration.
func (c *Coordinator) toolsProvider() ToolsProvider {
	return func() []models.ToolDefinition {
		c.mu.Lock()
		active := make(map[string]struct{}, len(c.activeCategories))
		for cat := range c.activeCategories {
			active[cat] = struct{}{}
		}
		c.mu.Unlock()
		return c.registry.Definitions(active)
	}
}

// maybeSummarize runs threshold-triggered summarization before a turn.
func (c *Coordinator) maybeSummarize(ctx context.Context, model string) error {
	c.mu.Lock()
	estimate := c.lastPromptTokens
	if estimate == 0 {
		estimate = estimateTokens(c.history)
	}
	size := len(c.history)
	threshold := c.summarizeThreshold * float64(c.contextWindow)
	c.mu.Unlock()

	if float64(estimate) <= threshold || size <= summaryMinKeep {
		return nil
	}

	budgetChars := int(summaryKeepRatio*float64(c.contextWindow)) * charsPerToken
	c.mu.Lock()
	split := summarySplitIndex(c.history, budgetChars, summaryMinKeep)
	c.mu.Unlock()
	if split <= 0 {
		return nil
	}

	_, err := c.summarize(ctx, model, split, "threshold")
	return err
}

// summarize compresses history[:split] into the summary block. On any
// failure the history is left untouched.
func (c *Coordinator) summarize(ctx context.Context, model string, split int, trigger string) (int, error) {
	c.mu.Lock()
	if split <= 0 || split > len(c.history) {
		c.mu.Unlock()
		return 0, nil
	}
	prefix := append([]models.Message(nil), c.history[:split]...)
	priorSummary := c.summary
	c.mu.Unlock()

	// Give external memory a chance to keep what matters before the
	// transcript is compressed away.
	if err := c.memory.Flush(ctx, c.conversationID, prefix); err != nil {
		c.logger.Warn("memory flush failed", "error", err)
	}

	prompt := buildSummarizationPrompt(priorSummary, prefix)
	resp, err := c.client.Complete(ctx, &CompletionRequest{
		ConversationID: c.conversationID,
		Model:          model,
		Messages: []models.Message{
			{Role: models.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		c.metrics.Summarizations.WithLabelValues(trigger, "error").Inc()
		return 0, fmt.Errorf("summarization call: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		c.metrics.Summarizations.WithLabelValues(trigger, "error").Inc()
		return 0, ErrEmptyCompletion
	}
	summary := strings.TrimSpace(resp.Choices[0].Message.Content)

	c.mu.Lock()
	c.summary = summary
	c.history = append([]models.Message(nil), c.history[split:]...)
	c.lastPromptTokens = 0
	c.mu.Unlock()

	c.metrics.Summarizations.WithLabelValues(trigger, "success").Inc()
	c.logger.Info("summarized history", "messages", split, "trigger", trigger)

	// A meta record marks the summary boundary in stored history.
	if c.store != nil {
		rec := &storage.MessageRecord{
			ID:             uuid.NewString(),
			ConversationID: c.conversationID,
			Role:           string(models.RoleMeta),
			Content:        summary,
			CreatedAt:      time.Now().UTC(),
			ToolName:       summaryRecordName,
		}
		if err := c.store.Insert(ctx, rec); err != nil {
			c.logger.Warn("failed to persist summary record", "error", err)
		}
	}
	return split, nil
}

func (c *Coordinator) persistUserTurn(ctx context.Context, content string) {
	if c.store == nil {
		return
	}
	rec := &storage.MessageRecord{
		ID:             uuid.NewString(),
		ConversationID: c.conversationID,
		Role:           string(models.RoleUser),
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.store.Insert(ctx, rec); err != nil {
		c.logger.Error("failed to persist user turn", "error", err)
	}
}

func (c *Coordinator) persistAssistantTurn(ctx context.Context, content string) {
	if c.store == nil {
		return
	}
	rec := &storage.MessageRecord{
		ID:             uuid.NewString(),
		ConversationID: c.conversationID,
		Role:           string(models.RoleAssistant),
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.store.Insert(ctx, rec); err != nil {
		c.logger.Error("failed to persist assistant turn", "error", err)
	}
}
