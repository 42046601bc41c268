// Package tools holds the function tools the relay offers the model.
//
// A Tool pairs the definition announced in session.update with the handler
// run when the model calls it. Tools are registered by name at startup and
// copied onto each upstream session before it connects.
package tools

import (
	"fmt"

	"github.com/auxothq/shoprelay/pkg/realtime"
)

// Tool is a function the model can call.
type Tool struct {
	Definition realtime.ToolDefinition
	Handler    realtime.ToolHandler
}

// Registry maps tool names to tools, keeping registration order so the
// session.update tool list is stable.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	name := t.Definition.Name
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", name)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// RegisterOn adds every tool to an unconnected session.
func (r *Registry) RegisterOn(s realtime.Session) error {
	for _, t := range r.Tools() {
		if err := s.AddTool(t.Definition, t.Handler); err != nil {
			return fmt.Errorf("adding tool %q: %w", t.Definition.Name, err)
		}
	}
	return nil
}
