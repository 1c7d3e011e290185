package domain

import (
	"context"
	"fmt"
	"slices"
	"sort"
)

// ExecType identifies how a tool is executed.
type ExecType string

const (
	// ExecNative runs in the kernel process (default).
	ExecNative ExecType = "native"
	// ExecDocker runs as a one-shot container.
	ExecDocker ExecType = "docker"
)

// Tool is one named capability the toolbelt can dispatch to.
type Tool struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Parameters    ToolParameters `json:"parameters"`
	ExecutionType ExecType       `json:"execution_type"`
	Execute       ToolFunc       `json:"-"`
}

// ToolParameters defines the schema for tool inputs
type ToolParameters struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Required   []string       `json:"required,omitempty"`
}

// ToolFunc is the tool contract. Implementations may be long-running and
// must be safe to retry. A returned error is classified with KindOf.
type ToolFunc func(ctx context.Context, args map[string]any) (ToolResult, error)

// ToolInvocation names a tool call.
type ToolInvocation struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult is the uniform envelope every tool invocation produces.
// Once built it must not be mutated; it is the only value ever cached.
type ToolResult struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToolRegistry maps tool names to implementations. It is populated once at
// startup and read concurrently afterwards.
type ToolRegistry struct {
	tools map[string]*Tool
}

// NewToolRegistry creates a new empty registry
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*Tool),
	}
}

// Register adds a tool to the registry
func (r *ToolRegistry) Register(tool *Tool) error {
	if tool == nil || tool.Name == "" {
		return NewValidationError("tool name cannot be empty")
	}
	if tool.Execute == nil {
		return NewValidationError(fmt.Sprintf("tool %q has no implementation", tool.Name))
	}
	if _, dup := r.tools[tool.Name]; dup {
		return NewValidationError(fmt.Sprintf("tool %q already registered", tool.Name))
	}
	if tool.ExecutionType == "" {
		tool.ExecutionType = ExecNative
	}
	r.tools[tool.Name] = tool
	return nil
}

// Resolve returns the tool for name and checks that every required argument is
// present. Unknown names are a validation error.
func (r *ToolRegistry) Resolve(name string, args map[string]any) (*Tool, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("tool not found: %s", name))
	}
	for _, req := range tool.Parameters.Required {
		if _, ok := args[req]; !ok {
			return nil, NewValidationError(fmt.Sprintf("tool %s: missing required argument %q", name, req))
		}
	}
	return tool, nil
}

// GetTool returns a tool by name
func (r *ToolRegistry) GetTool(name string) (*Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// ListTools returns all registered tools sorted by name.
func (r *ToolRegistry) ListTools() []*Tool {
	tools := make([]*Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Names returns the registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
