package agent

import (
	"context"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/loom/pkg/models"
)

// ToolOutput is what a tool handler produces on success.
type ToolOutput struct {
	Content    string
	Metadata   map[string]any
	ImagePaths []string
}

// Handler is the invocation boundary for a tool. Arguments arrive parsed
// and enriched with the calling conversation id under ArgConversationID.
type Handler func(ctx context.Context, args map[string]any) (*ToolOutput, error)

// ToolSpec pairs a definition with its handler for registration.
type ToolSpec struct {
	Definition models.ToolDefinition
	Handler    Handler
}

// RegisteredTool is a registry entry. The compiled schema is cached at
// registration time so per-call validation does not recompile.
type RegisteredTool struct {
	PluginID   string
	Definition models.ToolDefinition
	Handler    Handler

	schema *jsonschema.Schema
}

// Registry maps tool names to registered tools. Names are globally unique;
// re-registering a name overwrites it. All operations are safe for
// concurrent use; a single mutex guards the underlying map.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*RegisteredTool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*RegisteredTool)}
}

// Register adds tools under a plugin id, overwriting by name. The category
// argument applies to specs whose definition does not set one. Tools with
// an unparsable parameter schema are registered without argument
// validation.
func (r *Registry) Register(pluginID, category string, tools ...ToolSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, spec := range tools {
		def := spec.Definition
		if def.Name == "" {
			continue
		}
		if def.Category == "" {
			def.Category = category
		}

		entry := &RegisteredTool{
			PluginID:   pluginID,
			Definition: def,
			Handler:    spec.Handler,
		}
		if len(def.Parameters) > 0 {
			if sch, err := jsonschema.CompileString(def.Name+".json", string(def.Parameters)); err == nil {
				entry.schema = sch
			}
		}
		r.tools[def.Name] = entry
	}
}

// Unregister removes every tool registered under pluginID. A tool whose
// name was since overwritten by another plugin is left in place.
func (r *Registry) Unregister(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, tool := range r.tools {
		if tool.PluginID == pluginID {
			delete(r.tools, name)
		}
	}
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (*RegisteredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions returns the definitions visible given the active category
// set. Core tools are always included. Results are sorted by name so the
// model sees a stable tool list across iterations.
func (r *Registry) Definitions(active map[string]struct{}) []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []models.ToolDefinition
	for _, tool := range r.tools {
		if tool.Definition.IsOnDemand() {
			if _, ok := active[tool.Definition.Category]; !ok {
				continue
			}
		}
		defs = append(defs, tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// OnDemandCategories lists all non-core categories currently registered,
// sorted for stable presentation.
func (r *Registry) OnDemandCategories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, tool := range r.tools {
		if tool.Definition.IsOnDemand() {
			seen[tool.Definition.Category] = struct{}{}
		}
	}
	cats := make([]string, 0, len(seen))
	for c := range seen {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}

// IsolatedCopy produces a registry holding only tools matching keep.
// Delegated sub-agent executions run against such a copy so they cannot
// invoke a parent's meta-tools.
func (r *Registry) IsolatedCopy(keep func(*RegisteredTool) bool) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	copied := NewRegistry()
	for name, tool := range r.tools {
		if keep == nil || keep(tool) {
			copied.tools[name] = tool
		}
	}
	return copied
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
