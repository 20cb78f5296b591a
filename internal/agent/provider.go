// Package agent implements the agent-orchestration core: the ReAct
// iteration loop, the tool registry and executor, the per-conversation
// coordinator, and the single-flight execution manager.
package agent

import (
	"context"

	"github.com/haasonsaas/loom/pkg/models"
)

// FinishReason is the normalized reason a model turn ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishOther     FinishReason = "other"
)

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Choice is one candidate answer from the model.
type Choice struct {
	Message      models.Message
	FinishReason FinishReason
}

// Completion is the canonical response shape every adapter normalizes to.
type Completion struct {
	Choices []Choice
	Usage   Usage
}

// CompletionRequest is the canonical request shape passed to adapters.
// System-role entries in Messages are separated out per vendor convention
// by each adapter.
type CompletionRequest struct {
	// ConversationID keys adapter-local continuation state for providers
	// whose tool round-trips are stateful.
	ConversationID string

	Model       string
	Temperature float64
	MaxTokens   int
	Messages    []models.Message
	Tools       []models.ToolDefinition
}

// Client is the canonical LLM contract. Implementations translate the
// canonical shapes to a vendor API and normalize the response back.
type Client interface {
	// Name identifies the backing provider for logging and metrics.
	Name() string

	// Complete performs one model call. Context-window exhaustion must be
	// reported as an error satisfying errors.Is(err, ErrContextOverflow).
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// ToolsProvider supplies the current tool definitions. The loop re-invokes
// it every iteration so mid-loop category activation takes effect.
type ToolsProvider func() []models.ToolDefinition
