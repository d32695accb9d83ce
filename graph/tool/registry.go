package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/interruptgraph/graph/model"
)

// ErrDuplicateTool is returned when a tool name is registered twice.
var ErrDuplicateTool = errors.New("duplicate tool")

// Registry holds the tools a process exposes to completion calls, with their
// specs. It implements model.ToolCatalog, so a model.ScopedCompleter can
// resolve the tools a call is allowed to use.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

type entry struct {
	spec model.ToolSpec
	tool Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a tool. The spec name defaults to the tool name and must
// match it when set.
func (r *Registry) Register(spec model.ToolSpec, t Tool) error {
	if t == nil {
		return errors.New("tool is nil")
	}
	if spec.Name == "" {
		spec.Name = t.Name()
	}
	if spec.Name != t.Name() {
		return fmt.Errorf("spec name %q does not match tool name %q", spec.Name, t.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, spec.Name)
	}
	r.tools[spec.Name] = entry{spec: spec, tool: t}
	return nil
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	return e.tool, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs implements model.ToolCatalog.
func (r *Registry) Specs(names ...string) ([]model.ToolSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]model.ToolSpec, 0, len(names))
	for _, name := range names {
		e, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", model.ErrUnknownTool, name)
		}
		specs = append(specs, e.spec)
	}
	return specs, nil
}

// Invoke runs the tool a model asked for.
func (r *Registry) Invoke(ctx context.Context, call model.ToolCall) (map[string]any, error) {
	t, ok := r.Lookup(call.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownTool, call.Name)
	}
	out, err := t.Call(ctx, call.Input)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", call.Name, err)
	}
	return out, nil
}
