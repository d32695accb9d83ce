package agent

import (
	"errors"
	"log/slog"
	"time"

	"github.com/dshills/interruptgraph/graph"
	"github.com/dshills/interruptgraph/graph/model"
	"github.com/dshills/interruptgraph/graph/tool"
	"github.com/dshills/interruptgraph/semantic"
)

// DefaultConfidenceThreshold is the confidence at or above which a field
// selection is used without asking the user.
const DefaultConfidenceThreshold = 0.8

// maxToolRounds bounds the tool calls one field_explain step may make.
const maxToolRounds = 3

// Assistant holds the collaborators of the query assistant workflow.
type Assistant struct {
	completer   model.Completer
	catalog     semantic.Catalog
	tools       *tool.Registry
	logger      *slog.Logger
	threshold   float64
	stepTimeout time.Duration
}

// Option configures an Assistant.
type Option func(*Assistant)

// WithLogger sets the logger used by the steps.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assistant) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithConfidenceThreshold overrides DefaultConfidenceThreshold.
func WithConfidenceThreshold(t float64) Option {
	return func(a *Assistant) { a.threshold = t }
}

// WithStepTimeout bounds each step that calls the completion provider.
func WithStepTimeout(d time.Duration) Option {
	return func(a *Assistant) { a.stepTimeout = d }
}

// New creates an Assistant. tools must hold the catalog tools registered by
// semantic.RegisterTools; the completer should resolve tool names against
// the same registry.
func New(completer model.Completer, catalog semantic.Catalog, tools *tool.Registry, opts ...Option) (*Assistant, error) {
	if completer == nil || catalog == nil || tools == nil {
		return nil, errors.New("agent: completer, catalog and tool registry are required")
	}
	a := &Assistant{
		completer: completer,
		catalog:   catalog,
		tools:     tools,
		logger:    slog.New(slog.DiscardHandler),
		threshold: DefaultConfidenceThreshold,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.threshold <= 0 || a.threshold > 1 {
		return nil, errors.New("agent: confidence threshold must be in (0, 1]")
	}
	if _, ok := tools.Lookup(semantic.ToolListFields); !ok {
		return nil, errors.New("agent: tool registry has no " + semantic.ToolListFields + " tool")
	}
	return a, nil
}

// Graph compiles the workflow:
//
//	discover -> classify -> schema_overview | field_explain | select_model
//	select_model -> select_fields -> confidence_check
//	confidence_check -> generate_query | ask_clarify
//	ask_clarify -> select_fields (after the user answers)
//	generate_query | schema_overview | field_explain -> format_response
func (a *Assistant) Graph() (*graph.Graph, error) {
	b := graph.NewBuilder(Schema())

	var timeout []graph.StepOption
	if a.stepTimeout > 0 {
		timeout = append(timeout, graph.StepTimeout(a.stepTimeout))
	}

	steps := []struct {
		name string
		fn   graph.StepFunc
		opts []graph.StepOption
	}{
		{StepDiscover, a.discover, timeout},
		{StepClassify, a.classify, timeout},
		{StepSelectModel, a.selectModel, timeout},
		{StepSelectFields, a.selectFields, timeout},
		{StepConfidenceCheck, a.confidenceCheck, nil},
		{StepAskClarify, a.askClarify, []graph.StepOption{graph.WithResumer(graph.ResumeFunc(a.resumeClarify))}},
		{StepGenerateQuery, a.generateQuery, timeout},
		{StepSchemaOverview, a.schemaOverview, nil},
		{StepFieldExplain, a.fieldExplain, timeout},
		{StepFormatResponse, a.formatResponse, []graph.StepOption{graph.Terminal()}},
	}
	for _, s := range steps {
		if err := b.Register(s.name, s.fn, s.opts...); err != nil {
			return nil, err
		}
	}

	edges := []struct {
		from string
		cond graph.Condition
		to   string
	}{
		{StepDiscover, graph.Otherwise, StepClassify},

		{StepClassify, graph.FieldEquals(FieldIntent, graph.String(IntentSchemaOverview)), StepSchemaOverview},
		{StepClassify, graph.FieldEquals(FieldIntent, graph.String(IntentFieldExplain)), StepFieldExplain},
		{StepClassify, graph.All(graph.FieldEquals(FieldIntent, graph.String(IntentFollowUp)), graph.FieldSet(FieldExplore)), StepSelectFields},
		{StepClassify, graph.Otherwise, StepSelectModel},

		{StepSelectModel, graph.Otherwise, StepSelectFields},
		{StepSelectFields, graph.Otherwise, StepConfidenceCheck},

		{StepConfidenceCheck, graph.All(graph.FieldAtLeast(FieldConfidence, a.threshold), graph.Not(graph.FieldTrue(FieldNeedsClarification))), StepGenerateQuery},
		{StepConfidenceCheck, graph.Otherwise, StepAskClarify},

		{StepAskClarify, graph.Otherwise, StepSelectFields},

		{StepGenerateQuery, graph.Otherwise, StepFormatResponse},
		{StepSchemaOverview, graph.Otherwise, StepFormatResponse},
		{StepFieldExplain, graph.Otherwise, StepFormatResponse},
	}
	for _, e := range edges {
		if err := b.AddEdge(e.from, e.cond, e.to); err != nil {
			return nil, err
		}
	}

	return b.Compile(StepDiscover)
}
