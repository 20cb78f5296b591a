package models

import (
	"encoding/json"
	"time"
)

// CategoryCore marks tools that are always visible to the model.
// Any other category is on-demand and must be activated per conversation.
const CategoryCore = "core"

// ToolDefinition describes a callable tool as presented to the model.
type ToolDefinition struct {
	// Name is unique within a registry.
	Name        string `json:"name"`
	Description string `json:"description"`

	// Parameters is a JSON Schema object describing the arguments.
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// Category gates visibility. CategoryCore is always visible.
	Category string `json:"category,omitempty"`

	// Timeout overrides the executor default when nonzero.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// IsOnDemand reports whether the tool requires category activation.
func (d ToolDefinition) IsOnDemand() bool {
	return d.Category != "" && d.Category != CategoryCore
}
