package agentloop

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/martinemde/tapir/sandbox"
	"github.com/martinemde/tapir/unifiedllm"
)

// ToolKind classifies how a tool is carried out.
type ToolKind string

const (
	// ToolKindSandbox tools become a sandbox.Operation.
	ToolKindSandbox ToolKind = "sandbox"
	// ToolKindControl tools steer the session and never touch the sandbox.
	ToolKindControl ToolKind = "control"
)

// ToolDefinition describes a tool for the model.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
}

// OperationBuilder turns validated arguments into a sandbox operation.
type OperationBuilder func(arguments json.RawMessage) (sandbox.Operation, error)

// RegisteredTool pairs a tool definition with its classification and builder.
type RegisteredTool struct {
	Definition ToolDefinition
	Kind       ToolKind
	// Mutates marks calls that must run alone, in order.
	Mutates bool
	Build   OperationBuilder

	resolved *jsonschema.Resolved
}

// Validate checks arguments against the tool's schema. The returned details
// are empty when the arguments are acceptable.
func (t *RegisteredTool) Validate(arguments json.RawMessage) []string {
	var instance any
	if err := json.Unmarshal(arguments, &instance); err != nil {
		return []string{"arguments are not valid JSON: " + err.Error()}
	}
	if _, ok := instance.(map[string]any); !ok {
		return []string{"arguments must be a JSON object"}
	}
	if t.resolved == nil {
		return nil
	}
	if err := t.resolved.Validate(instance); err != nil {
		return []string{err.Error()}
	}
	return nil
}

// ToolRegistry is the fixed set of tools offered to the model.
type ToolRegistry struct {
	tools map[string]*RegisteredTool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*RegisteredTool),
	}
}

// Register adds a tool. The schema is resolved once here; a name may only
// be registered once.
func (r *ToolRegistry) Register(tool RegisteredTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if tool.Kind == ToolKindSandbox && tool.Build == nil {
		return fmt.Errorf("tool %s: sandbox tool has no builder", tool.Definition.Name)
	}
	if tool.Definition.Schema != nil {
		resolved, err := tool.Definition.Schema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("tool %s: resolving schema: %w", tool.Definition.Name, err)
		}
		tool.resolved = resolved
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Definition.Name]; exists {
		return fmt.Errorf("tool %s already registered", tool.Definition.Name)
	}
	r.tools[tool.Definition.Name] = &tool
	return nil
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the sorted names of all registered tools.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the tool declarations sent to the model, sorted by
// name so requests are stable across turns.
func (r *ToolRegistry) Definitions() []unifiedllm.ToolDefinition {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]unifiedllm.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		defs = append(defs, unifiedllm.ToolDefinition{
			Name:        tool.Definition.Name,
			Description: tool.Definition.Description,
			Parameters:  schemaParameters(tool.Definition.Schema),
		})
	}
	return defs
}

func schemaParameters(s *jsonschema.Schema) map[string]any {
	if s == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return map[string]any{"type": "object"}
	}
	return params
}
