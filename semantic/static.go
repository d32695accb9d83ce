package semantic

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.yaml.in/yaml/v2"
)

// StaticCatalog is an in-memory catalog, usually loaded from a YAML file.
// It renders deterministic SQL-like queries and is meant for development
// and tests.
//
// File format:
//
//	models:
//	  - name: ecommerce
//	    label: E-commerce
//	    explores:
//	      - name: orders
//	        description: One row per order
//	        dimensions:
//	          - {name: region, type: string}
//	        measures:
//	          - {name: net_revenue, type: sum, sql: "${amount} - ${refunds}"}
type StaticCatalog struct {
	models []staticModel
}

type staticModel struct {
	Name     string          `yaml:"name"`
	Label    string          `yaml:"label"`
	Explores []staticExplore `yaml:"explores"`
}

type staticExplore struct {
	Name        string     `yaml:"name"`
	Label       string     `yaml:"label"`
	Description string     `yaml:"description"`
	Dimensions  []FieldRef `yaml:"dimensions"`
	Measures    []FieldRef `yaml:"measures"`
}

type staticFile struct {
	Models []staticModel `yaml:"models"`
}

// LoadStaticCatalog reads a catalog from a YAML file.
func LoadStaticCatalog(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseStaticCatalog(data)
}

// ParseStaticCatalog decodes a YAML catalog.
func ParseStaticCatalog(data []byte) (*StaticCatalog, error) {
	var f staticFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("parse catalog: no models defined")
	}

	seen := map[string]bool{}
	for _, m := range f.Models {
		if m.Name == "" {
			return nil, fmt.Errorf("parse catalog: model without name")
		}
		for _, e := range m.Explores {
			key := m.Name + "." + e.Name
			if e.Name == "" || seen[key] {
				return nil, fmt.Errorf("parse catalog: invalid or duplicate explore %q", key)
			}
			seen[key] = true
		}
	}
	return &StaticCatalog{models: f.Models}, nil
}

// ListModels implements Catalog.
func (c *StaticCatalog) ListModels(ctx context.Context) ([]ModelRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]ModelRef, 0, len(c.models))
	for _, m := range c.models {
		ref := ModelRef{Name: m.Name, Label: labelOr(m.Label, m.Name)}
		for _, e := range m.Explores {
			ref.Explores = append(ref.Explores, ExploreRef{
				Name:        e.Name,
				Label:       labelOr(e.Label, e.Name),
				Description: e.Description,
			})
		}
		out = append(out, ref)
	}
	return out, nil
}

// ListFields implements Catalog. Dimensions come before measures.
func (c *StaticCatalog) ListFields(ctx context.Context, model, explore string) ([]FieldRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := c.explore(model, explore)
	if !ok {
		return nil, fmt.Errorf("%w: explore %s.%s", ErrNotFound, model, explore)
	}

	out := make([]FieldRef, 0, len(e.Dimensions)+len(e.Measures))
	add := func(fields []FieldRef, kind FieldKind) {
		for _, f := range fields {
			f.Kind = kind
			f.Label = labelOr(f.Label, f.Name)
			f.Model = model
			f.Explore = explore
			out = append(out, f)
		}
	}
	add(e.Dimensions, KindDimension)
	add(e.Measures, KindMeasure)
	return out, nil
}

// GenerateQuery implements Catalog. The rendering is stable: filters are
// sorted by field name.
func (c *StaticCatalog) GenerateQuery(ctx context.Context, req QueryRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	if _, ok := c.explore(req.Model, req.Explore); !ok {
		return "", fmt.Errorf("%w: explore %s.%s", ErrNotFound, req.Model, req.Explore)
	}

	columns := append(append([]string{}, req.Dimensions...), req.Measures...)
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s\nFROM %s.%s", strings.Join(columns, ", "), req.Model, req.Explore)

	if len(req.Filters) > 0 {
		keys := make([]string, 0, len(req.Filters))
		for k := range req.Filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		conds := make([]string, len(keys))
		for i, k := range keys {
			conds[i] = fmt.Sprintf("%s = '%s'", k, strings.ReplaceAll(req.Filters[k], "'", "''"))
		}
		fmt.Fprintf(&b, "\nWHERE %s", strings.Join(conds, " AND "))
	}
	if len(req.Dimensions) > 0 && len(req.Measures) > 0 {
		fmt.Fprintf(&b, "\nGROUP BY %s", strings.Join(req.Dimensions, ", "))
	}
	return b.String(), nil
}

func (c *StaticCatalog) explore(model, explore string) (staticExplore, bool) {
	for _, m := range c.models {
		if m.Name != model {
			continue
		}
		for _, e := range m.Explores {
			if e.Name == explore {
				return e, true
			}
		}
	}
	return staticExplore{}, false
}

func labelOr(label, name string) string {
	if label == "" {
		return name
	}
	return label
}
