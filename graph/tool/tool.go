// Package tool provides executable tools that completion calls may invoke.
package tool

import "context"

// Tool defines the interface for executable tools that a model can invoke.
//
// Implementations should:
//   - Validate input parameters
//   - Respect context cancellation and timeouts
//   - Return structured output as map[string]any
//
// Example implementation:
//
//	type ListModels struct{ catalog semantic.Catalog }
//
//	func (t *ListModels) Name() string { return "list_models" }
//
//	func (t *ListModels) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
//	    models, err := t.catalog.ListModels(ctx)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return map[string]any{"models": models}, nil
//	}
type Tool interface {
	// Name returns the unique identifier for this tool.
	//
	// The name must match the name in the model.ToolSpec registered with
	// it. Names are lowercase with underscores, e.g. "list_fields".
	Name() string

	// Call executes the tool with the provided input and returns the result.
	//
	// input may be nil for parameterless tools. The input structure should
	// match the Schema of the tool's ToolSpec.
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}
