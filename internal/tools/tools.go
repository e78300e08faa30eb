// Package tools defines the capability surface handed to the reasoning
// engine: named tools with JSON-schema parameters and a handler that
// receives the invoking thread explicitly.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// Call identifies who is invoking a tool. It is passed explicitly to
// every handler; nothing about the calling thread travels in the
// context.
type Call struct {
	ThreadID  string
	Source    string
	RequestID string
}

// Handler executes a tool with decoded arguments.
type Handler func(ctx context.Context, call Call, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry holds available tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry, replacing any tool with the
// same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns all tools in OpenAI function format, sorted by name so
// prompts are stable across calls.
func (r *Registry) List() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)

	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Union returns a new registry holding every tool from the given
// registries. On a name collision the later registry wins. Nil
// registries are skipped.
func Union(regs ...*Registry) *Registry {
	out := NewRegistry()
	for _, r := range regs {
		if r == nil {
			continue
		}
		r.mu.RLock()
		for name, t := range r.tools {
			out.tools[name] = t
		}
		r.mu.RUnlock()
	}
	return out
}

// Execute runs a tool by name with JSON-encoded arguments. A missing tool
// returns *ErrToolUnavailable; a failing handler returns *ExecutionError.
func (r *Registry) Execute(ctx context.Context, call Call, name string, argsJSON string) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", &ExecutionError{Tool: name, Err: fmt.Errorf("invalid arguments: %w", err)}
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	out, err := tool.Handler(ctx, call, args)
	if err != nil {
		return out, &ExecutionError{Tool: name, Err: err}
	}
	return out, nil
}
