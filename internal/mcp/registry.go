package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Registry errors.
var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrUnknownTool   = errors.New("unknown tool")
)

// Handler executes a tool call with validated arguments and returns a
// JSON-serializable result.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is a named, schema-described operation callable through the protocol.
// Definitions are immutable after registration.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	// ReadOnly marks tools that never mutate the store; only their results
	// are eligible for caching.
	ReadOnly bool
	Handler  Handler
}

// Registry maps tool names to definitions. It is populated once at startup
// and read-only afterwards, so lookups need no locking.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool definition. It fails with ErrDuplicateTool if the
// name is already taken.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("register: tool name must be non-empty")
	}
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("register %q: %w", t.Name, ErrDuplicateTool)
	}
	r.tools[t.Name] = t
	return nil
}

// MustRegister registers a tool and panics on failure. Intended for the
// static catalog built at process start, where a duplicate is a programming
// error.
func (r *Registry) MustRegister(t *Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Lookup returns the definition registered under name, or ErrUnknownTool.
func (r *Registry) Lookup(name string) (*Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("lookup %q: %w", name, ErrUnknownTool)
	}
	return t, nil
}

// List returns all descriptors sorted by name so the catalog is stable
// across calls.
func (r *Registry) List() []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
