package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/loom/pkg/models"
)

func nopHandler(context.Context, map[string]any) (*ToolOutput, error) {
	return &ToolOutput{Content: "ok"}, nil
}

func spec(name, category string) ToolSpec {
	return ToolSpec{
		Definition: models.ToolDefinition{Name: name, Description: name, Category: category},
		Handler:    nopHandler,
	}
}

func TestRegistryOverwriteByName(t *testing.T) {
	r := NewRegistry()
	r.Register("plugin-a", "core", spec("search", ""))
	r.Register("plugin-b", "core", spec("search", ""))

	tool, ok := r.Lookup("search")
	if !ok {
		t.Fatal("search not registered")
	}
	if tool.PluginID != "plugin-b" {
		t.Fatalf("expected plugin-b to own the name, got %s", tool.PluginID)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 tool, got %d", r.Len())
	}
}

func TestRegistryUnregisterSparesOverwrittenNames(t *testing.T) {
	r := NewRegistry()
	r.Register("plugin-a", "core", spec("search", ""), spec("fetch", ""))
	r.Register("plugin-b", "core", spec("search", ""))

	r.Unregister("plugin-a")

	if _, ok := r.Lookup("fetch"); ok {
		t.Fatal("fetch should be gone with plugin-a")
	}
	tool, ok := r.Lookup("search")
	if !ok || tool.PluginID != "plugin-b" {
		t.Fatalf("search should survive under plugin-b, got %+v ok=%v", tool, ok)
	}
}

func TestRegistryCategoryGating(t *testing.T) {
	r := NewRegistry()
	r.Register("core-tools", "core", spec("always", ""))
	r.Register("browser", "web", spec("navigate", ""), spec("screenshot", ""))

	defs := r.Definitions(nil)
	if len(defs) != 1 || defs[0].Name != "always" {
		t.Fatalf("inactive category should hide its tools, got %v", defs)
	}

	defs = r.Definitions(map[string]struct{}{"web": {}})
	if len(defs) != 3 {
		t.Fatalf("expected 3 visible tools with web active, got %d", len(defs))
	}
	// Sorted by name for a stable model-facing list.
	for i := 1; i < len(defs); i++ {
		if defs[i-1].Name > defs[i].Name {
			t.Fatalf("definitions not sorted: %s before %s", defs[i-1].Name, defs[i].Name)
		}
	}
}

func TestRegistryOnDemandCategories(t *testing.T) {
	r := NewRegistry()
	r.Register("core-tools", "core", spec("always", ""))
	r.Register("browser", "web", spec("navigate", ""))
	r.Register("db", "database", spec("query", ""))

	cats := r.OnDemandCategories()
	if len(cats) != 2 || cats[0] != "database" || cats[1] != "web" {
		t.Fatalf("expected sorted [database web], got %v", cats)
	}
}

func TestRegistryIsolatedCopy(t *testing.T) {
	r := NewRegistry()
	r.Register("core-tools", "core", spec("always", ""))
	r.Register("agent:abc", "core", spec(ToolTriggerSummarization, ""))

	isolated := r.IsolatedCopy(func(tool *RegisteredTool) bool {
		return tool.PluginID != "agent:abc"
	})

	if _, ok := isolated.Lookup(ToolTriggerSummarization); ok {
		t.Fatal("isolated copy should not see the meta-tool")
	}
	if _, ok := isolated.Lookup("always"); !ok {
		t.Fatal("isolated copy lost a kept tool")
	}
	// The original is untouched.
	if _, ok := r.Lookup(ToolTriggerSummarization); !ok {
		t.Fatal("source registry lost a tool")
	}
}

func TestRegistrySchemaCompiledAtRegistration(t *testing.T) {
	r := NewRegistry()
	r.Register("p", "core", ToolSpec{
		Definition: models.ToolDefinition{
			Name:       "typed",
			Parameters: json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`),
		},
		Handler: nopHandler,
	})

	tool, ok := r.Lookup("typed")
	if !ok || tool.schema == nil {
		t.Fatal("expected a compiled schema")
	}
	if err := tool.schema.Validate(map[string]any{"n": 1.0}); err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}
	if err := tool.schema.Validate(map[string]any{}); err == nil {
		t.Fatal("missing required field accepted")
	}
}

func TestRegistryDefaultCategoryApplied(t *testing.T) {
	r := NewRegistry()
	r.Register("browser", "web", spec("navigate", ""))
	r.Register("browser", "web", spec("special", "admin"))

	tool, _ := r.Lookup("navigate")
	if tool.Definition.Category != "web" {
		t.Fatalf("expected inherited category web, got %s", tool.Definition.Category)
	}
	tool, _ = r.Lookup("special")
	if tool.Definition.Category != "admin" {
		t.Fatalf("explicit category must win, got %s", tool.Definition.Category)
	}
}
