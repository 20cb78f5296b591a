package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for the agent core.
var (
	// ErrContextOverflow marks a model call rejected because the prompt
	// exceeded the context window. The loop branches on it to retry with
	// an aggressively trimmed history.
	ErrContextOverflow = errors.New("context window exceeded")

	// ErrToolNotFound is returned when a tool call names an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidArguments is returned when tool-call arguments fail to parse
	// or fail schema validation.
	ErrInvalidArguments = errors.New("invalid JSON arguments")

	// ErrEmptyCompletion is returned when the model stops with blank content.
	ErrEmptyCompletion = errors.New("model returned empty completion")

	// ErrNoChoices is returned when a provider response carries no choices.
	ErrNoChoices = errors.New("provider returned no choices")
)

// ToolError wraps a failure from one tool execution with its tool name.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// IsContextOverflow reports whether err is (or wraps) a context-overflow
// failure from any provider.
func IsContextOverflow(err error) bool {
	return errors.Is(err, ErrContextOverflow)
}
