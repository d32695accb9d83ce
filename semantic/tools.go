package semantic

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/dshills/interruptgraph/graph/model"
	"github.com/dshills/interruptgraph/graph/tool"
)

// Tool names exposed by RegisterTools.
const (
	ToolListModels    = "list_models"
	ToolListFields    = "list_fields"
	ToolGenerateQuery = "generate_query"
)

// catalogTool adapts one catalog operation to tool.Tool.
type catalogTool struct {
	name string
	call func(ctx context.Context, input map[string]any) (map[string]any, error)
}

func (t *catalogTool) Name() string { return t.name }

func (t *catalogTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	return t.call(ctx, input)
}

// RegisterTools registers the catalog operations in reg so that completion
// calls can be scoped to them by name.
func RegisterTools(reg *tool.Registry, c Catalog) error {
	for _, t := range Tools(c) {
		if err := reg.Register(t.spec, t.tool); err != nil {
			return err
		}
	}
	return nil
}

// SpecTool pairs a tool with its model-facing spec.
type SpecTool struct {
	spec model.ToolSpec
	tool tool.Tool
}

// Spec returns the tool's spec.
func (s SpecTool) Spec() model.ToolSpec { return s.spec }

// Tool returns the tool.
func (s SpecTool) Tool() tool.Tool { return s.tool }

// Tools exposes the catalog as list_models, list_fields and generate_query.
func Tools(c Catalog) []SpecTool {
	return []SpecTool{
		{
			spec: model.ToolSpec{
				Name:        ToolListModels,
				Description: "List the semantic models and their explores.",
				Schema:      map[string]any{"type": "object", "properties": map[string]any{}},
			},
			tool: &catalogTool{name: ToolListModels, call: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
				models, err := c.ListModels(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{"models": models}, nil
			}},
		},
		{
			spec: model.ToolSpec{
				Name:        ToolListFields,
				Description: "List the dimensions and measures of an explore.",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"model":   map[string]any{"type": "string", "description": "Model name"},
						"explore": map[string]any{"type": "string", "description": "Explore name"},
					},
					"required": []string{"model", "explore"},
				},
			},
			tool: &catalogTool{name: ToolListFields, call: func(ctx context.Context, input map[string]any) (map[string]any, error) {
				var args struct {
					Model   string `json:"model"`
					Explore string `json:"explore"`
				}
				if err := decodeInput(input, &args); err != nil {
					return nil, err
				}
				if args.Model == "" || args.Explore == "" {
					return nil, fmt.Errorf("model and explore are required")
				}
				fields, err := c.ListFields(ctx, args.Model, args.Explore)
				if err != nil {
					return nil, err
				}
				return map[string]any{"fields": fields}, nil
			}},
		},
		{
			spec: model.ToolSpec{
				Name:        ToolGenerateQuery,
				Description: "Render the query for the selected fields of an explore.",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"model":      map[string]any{"type": "string"},
						"explore":    map[string]any{"type": "string"},
						"dimensions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"measures":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"filters":    map[string]any{"type": "object"},
					},
					"required": []string{"model", "explore"},
				},
			},
			tool: &catalogTool{name: ToolGenerateQuery, call: func(ctx context.Context, input map[string]any) (map[string]any, error) {
				var req QueryRequest
				if err := decodeInput(input, &req); err != nil {
					return nil, err
				}
				query, err := c.GenerateQuery(ctx, req)
				if err != nil {
					return nil, err
				}
				return map[string]any{"query": query}, nil
			}},
		},
	}
}

func decodeInput(input map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("invalid tool input: %w", err)
	}
	return nil
}
