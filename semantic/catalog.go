// Package semantic is the query and schema collaborator used by workflow
// steps. A Catalog lists the models, explores and fields of a semantic layer
// and renders grounded queries against it.
package semantic

import (
	"context"
	"errors"
	"fmt"
)

// FieldKind distinguishes grouping fields from aggregations.
type FieldKind string

// Field kinds.
const (
	KindDimension FieldKind = "dimension"
	KindMeasure   FieldKind = "measure"
)

// ErrNotFound indicates a model or explore does not exist in the catalog.
var ErrNotFound = errors.New("semantic: not found")

// ExploreRef describes one explore of a model.
type ExploreRef struct {
	Name        string `json:"name" yaml:"name"`
	Label       string `json:"label,omitempty" yaml:"label"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// ModelRef describes a semantic model and its explores.
type ModelRef struct {
	Name     string       `json:"name" yaml:"name"`
	Label    string       `json:"label,omitempty" yaml:"label"`
	Explores []ExploreRef `json:"explores" yaml:"explores"`
}

// FieldRef describes a dimension or measure of an explore.
type FieldRef struct {
	Name        string    `json:"name" yaml:"name"`
	Label       string    `json:"label,omitempty" yaml:"label"`
	Description string    `json:"description,omitempty" yaml:"description"`
	Type        string    `json:"type,omitempty" yaml:"type"`
	Kind        FieldKind `json:"kind" yaml:"kind"`
	SQL         string    `json:"sql,omitempty" yaml:"sql"`
	Model       string    `json:"model" yaml:"-"`
	Explore     string    `json:"explore" yaml:"-"`
}

// QueryRequest names the fields of a query against one explore.
type QueryRequest struct {
	Model      string            `json:"model"`
	Explore    string            `json:"explore"`
	Dimensions []string          `json:"dimensions,omitempty"`
	Measures   []string          `json:"measures,omitempty"`
	Filters    map[string]string `json:"filters,omitempty"`
}

// Validate checks that the request names an explore and at least one field.
func (r QueryRequest) Validate() error {
	if r.Model == "" || r.Explore == "" {
		return fmt.Errorf("query request requires model and explore")
	}
	if len(r.Dimensions) == 0 && len(r.Measures) == 0 {
		return fmt.Errorf("query request on %s.%s selects no fields", r.Model, r.Explore)
	}
	return nil
}

// Catalog is a semantic layer.
//
// Implementations bound their own calls and retry their own transient
// failures. Errors are returned to the calling step.
type Catalog interface {
	// ListModels returns every model with its explores.
	ListModels(ctx context.Context) ([]ModelRef, error)

	// ListFields returns the dimensions and measures of an explore.
	ListFields(ctx context.Context, model, explore string) ([]FieldRef, error)

	// GenerateQuery renders the query for req.
	GenerateQuery(ctx context.Context, req QueryRequest) (string, error)
}
