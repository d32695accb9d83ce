package enrich

import (
	"errors"
	"log/slog"
	"time"

	"github.com/dshills/interruptgraph/graph"
	"github.com/dshills/interruptgraph/graph/model"
)

// Defaults of the publishing side.
const (
	DefaultBaseBranch = "main"
	DefaultViewsPath  = "views"
)

// Workflow holds the collaborators of the enrichment workflow.
type Workflow struct {
	completer   model.Completer
	tables      TableSource
	scm         SourceControl
	logger      *slog.Logger
	baseBranch  string
	viewsPath   string
	dataset     string
	labels      []string
	now         func() time.Time
	stepTimeout time.Duration
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the logger used by the steps.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithBaseBranch sets the branch pull requests target.
func WithBaseBranch(b string) Option {
	return func(w *Workflow) { w.baseBranch = b }
}

// WithViewsPath sets the repository directory views are written to.
func WithViewsPath(p string) Option {
	return func(w *Workflow) { w.viewsPath = p }
}

// WithDataset qualifies sql_table_name in generated views, e.g.
// "project.dataset".
func WithDataset(d string) Option {
	return func(w *Workflow) { w.dataset = d }
}

// WithPullRequestLabels sets the labels of opened pull requests.
func WithPullRequestLabels(labels ...string) Option {
	return func(w *Workflow) { w.labels = labels }
}

// WithClock overrides the time source used to name branches.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// WithStepTimeout bounds each step that calls the completion provider or
// the repository.
func WithStepTimeout(d time.Duration) Option {
	return func(w *Workflow) { w.stepTimeout = d }
}

// New creates a Workflow.
func New(completer model.Completer, tables TableSource, scm SourceControl, opts ...Option) (*Workflow, error) {
	if completer == nil || tables == nil || scm == nil {
		return nil, errors.New("enrich: completer, table source and source control are required")
	}
	w := &Workflow{
		completer:  completer,
		tables:     tables,
		scm:        scm,
		logger:     slog.New(slog.DiscardHandler),
		baseBranch: DefaultBaseBranch,
		viewsPath:  DefaultViewsPath,
		labels:     []string{"ai-enrichment", "lookml"},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.baseBranch == "" {
		return nil, errors.New("enrich: base branch is required")
	}
	return w, nil
}

// Graph compiles the workflow:
//
//	load_table -> analyze_gaps -> suggest | report
//	suggest -> review
//	review -> review (while suggestions are pending) | generate_lookml | report
//	generate_lookml -> deploy -> await_review
//	await_review -> await_review (while the pull request is open) | report
func (w *Workflow) Graph() (*graph.Graph, error) {
	b := graph.NewBuilder(Schema())

	var timeout []graph.StepOption
	if w.stepTimeout > 0 {
		timeout = append(timeout, graph.StepTimeout(w.stepTimeout))
	}

	steps := []struct {
		name string
		fn   graph.StepFunc
		opts []graph.StepOption
	}{
		{StepLoadTable, w.loadTable, timeout},
		{StepAnalyzeGaps, w.analyzeGaps, nil},
		{StepSuggest, w.suggest, timeout},
		{StepReview, w.review, []graph.StepOption{graph.WithResumer(graph.ResumeFunc(w.resumeReview))}},
		{StepGenerateView, w.generateView, nil},
		{StepDeploy, w.deploy, timeout},
		{StepAwaitReview, w.awaitReview, []graph.StepOption{graph.WithResumer(graph.ResumeFunc(w.resumeAwait))}},
		{StepReport, w.report, []graph.StepOption{graph.Terminal()}},
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
		{StepLoadTable, graph.Otherwise, StepAnalyzeGaps},

		{StepAnalyzeGaps, graph.FieldAtLeast(FieldGapColumns, 1), StepSuggest},
		{StepAnalyzeGaps, graph.Otherwise, StepReport},

		{StepSuggest, graph.Otherwise, StepReview},

		{StepReview, graph.FieldTrue(FieldReviewPending), StepReview},
		{StepReview, graph.FieldTrue(FieldHasChanges), StepGenerateView},
		{StepReview, graph.Otherwise, StepReport},

		{StepGenerateView, graph.Otherwise, StepDeploy},
		{StepDeploy, graph.Otherwise, StepAwaitReview},

		{StepAwaitReview, graph.FieldEquals(FieldPRState, graph.String(PROpen)), StepAwaitReview},
		{StepAwaitReview, graph.Otherwise, StepReport},
	}
	for _, e := range edges {
		if err := b.AddEdge(e.from, e.cond, e.to); err != nil {
			return nil, err
		}
	}

	return b.Compile(StepLoadTable)
}
