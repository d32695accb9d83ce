package semantic

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/interruptgraph/graph"
)

// Discovery is the result of walking a catalog: every model, explore and
// field that queries may reference.
type Discovery struct {
	Models []ModelRef `json:"models"`
	Fields []FieldRef `json:"fields"`
}

// Discover lists every model of c and the fields of each explore.
func Discover(ctx context.Context, c Catalog) (Discovery, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return Discovery{}, err
	}
	if len(models) == 0 {
		return Discovery{}, fmt.Errorf("discover: %w: catalog has no models", ErrNotFound)
	}

	d := Discovery{Models: models}
	for _, m := range models {
		for _, e := range m.Explores {
			fields, err := c.ListFields(ctx, m.Name, e.Name)
			if err != nil {
				return Discovery{}, fmt.Errorf("discover: %w", err)
			}
			d.Fields = append(d.Fields, fields...)
		}
	}
	return d, nil
}

// Explores returns the "model.explore" keys of the discovery, in catalog order.
func (d Discovery) Explores() []string {
	var out []string
	for _, m := range d.Models {
		for _, e := range m.Explores {
			out = append(out, m.Name+"."+e.Name)
		}
	}
	return out
}

// HasExplore reports whether the explore was discovered.
func (d Discovery) HasExplore(model, explore string) bool {
	for _, m := range d.Models {
		if m.Name != model {
			continue
		}
		for _, e := range m.Explores {
			if e.Name == explore {
				return true
			}
		}
	}
	return false
}

// FieldsOf returns the fields of one explore.
func (d Discovery) FieldsOf(model, explore string) []FieldRef {
	var out []FieldRef
	for _, f := range d.Fields {
		if f.Model == model && f.Explore == explore {
			out = append(out, f)
		}
	}
	return out
}

// Field looks up a field of an explore by name.
func (d Discovery) Field(model, explore, name string) (FieldRef, bool) {
	for _, f := range d.Fields {
		if f.Model == model && f.Explore == explore && f.Name == name {
			return f, true
		}
	}
	return FieldRef{}, false
}

// FindField searches every explore for a field whose name contains term,
// ignoring case and treating spaces as underscores. Exact matches win.
func (d Discovery) FindField(term string) (FieldRef, bool) {
	needle := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(term)), " ", "_")
	if needle == "" {
		return FieldRef{}, false
	}
	var partial *FieldRef
	for i, f := range d.Fields {
		name := strings.ToLower(f.Name)
		if name == needle {
			return f, true
		}
		if partial == nil && strings.Contains(name, needle) {
			partial = &d.Fields[i]
		}
	}
	if partial != nil {
		return *partial, true
	}
	return FieldRef{}, false
}

// Ground checks that every model, explore and field named by req was
// discovered. Any miss fails with graph.ErrUnknownFieldReference and lists
// every unknown name.
func (d Discovery) Ground(req QueryRequest) error {
	if !d.HasExplore(req.Model, req.Explore) {
		return fmt.Errorf("%w: explore %s.%s", graph.ErrUnknownFieldReference, req.Model, req.Explore)
	}

	var unknown []string
	check := func(name string, kind FieldKind) {
		f, ok := d.Field(req.Model, req.Explore, name)
		if !ok || (kind != "" && f.Kind != kind) {
			unknown = append(unknown, name)
		}
	}
	for _, name := range req.Dimensions {
		check(name, KindDimension)
	}
	for _, name := range req.Measures {
		check(name, KindMeasure)
	}
	filterNames := make([]string, 0, len(req.Filters))
	for name := range req.Filters {
		filterNames = append(filterNames, name)
	}
	sort.Strings(filterNames)
	for _, name := range filterNames {
		check(name, "")
	}

	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s not in %s.%s", graph.ErrUnknownFieldReference,
			strings.Join(unknown, ", "), req.Model, req.Explore)
	}
	return nil
}
