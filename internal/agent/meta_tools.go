package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/loom/pkg/models"
)

// Meta-tool names. Registration is keyed by a coordinator-unique plugin
// id so concurrent conversations never share activation state even though
// they share one registry.
const (
	ToolTriggerSummarization = "trigger_summarization"
	ToolActivateCategories   = "activate_tool_categories"
)

func (c *Coordinator) metaPluginID() string {
	return "agent:" + c.id
}

// registerMetaTools installs the coordinator's per-instance tools: a
// summarization trigger, and a category activator when the registry has
// on-demand categories to offer.
func (c *Coordinator) registerMetaTools() {
	specs := []ToolSpec{
		{
			Definition: models.ToolDefinition{
				Name: ToolTriggerSummarization,
				Description: "Compress older conversation history into a summary to free context space. " +
					"Use when the conversation has grown long and earlier details are no longer needed verbatim.",
				Parameters: json.RawMessage(`{"type":"object","properties":{}}`),
				Category:   models.CategoryCore,
			},
			Handler: c.handleTriggerSummarization,
		},
	}

	if cats := c.registry.OnDemandCategories(); len(cats) > 0 {
		schema := fmt.Sprintf(`{
			"type": "object",
			"properties": {
				"categories": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Tool categories to activate. Available: %s"
				}
			},
			"required": ["categories"]
		}`, strings.Join(cats, ", "))

		specs = append(specs, ToolSpec{
			Definition: models.ToolDefinition{
				Name: ToolActivateCategories,
				Description: "Activate additional tool categories for this conversation. " +
					"Available categories: " + strings.Join(cats, ", ") + ". " +
					"Activated tools become visible on the next step.",
				Parameters: json.RawMessage(schema),
				Category:   models.CategoryCore,
			},
			Handler: c.handleActivateCategories,
		})
	}

	c.registry.Register(c.metaPluginID(), models.CategoryCore, specs...)
}

func (c *Coordinator) handleTriggerSummarization(ctx context.Context, _ map[string]any) (*ToolOutput, error) {
	// The summarization call reuses whatever model the current run uses;
	// an empty model falls back to the provider default.
	msg, err := c.ForceSummarize(ctx, "")
	if err != nil {
		return nil, err
	}
	return &ToolOutput{Content: msg}, nil
}

func (c *Coordinator) handleActivateCategories(_ context.Context, args map[string]any) (*ToolOutput, error) {
	raw, ok := args["categories"].([]any)
	if !ok {
		return nil, fmt.Errorf("categories must be an array of strings")
	}

	available := make(map[string]struct{})
	for _, cat := range c.registry.OnDemandCategories() {
		available[cat] = struct{}{}
	}

	var activated, unknown []string
	for _, entry := range raw {
		cat, ok := entry.(string)
		if !ok {
			continue
		}
		if _, known := available[cat]; !known {
			unknown = append(unknown, cat)
			continue
		}
		activated = append(activated, cat)
	}

	if len(activated) > 0 {
		c.mu.Lock()
		for _, cat := range activated {
			c.activeCategories[cat] = struct{}{}
		}
		c.mu.Unlock()
	}

	var b strings.Builder
	if len(activated) > 0 {
		fmt.Fprintf(&b, "Activated categories: %s. The tools in them are now available.", strings.Join(activated, ", "))
	}
	if len(unknown) > 0 {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "Unknown categories ignored: %s.", strings.Join(unknown, ", "))
	}
	if b.Len() == 0 {
		b.WriteString("No categories were activated.")
	}
	return &ToolOutput{Content: b.String()}, nil
}
