package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"unicode"

	"github.com/dshills/interruptgraph/graph"
	"github.com/dshills/interruptgraph/graph/model"
)

func trace(lines ...string) graph.Value { return graph.Strings(lines...) }

func decodeTable(s graph.State) (Table, error) {
	var t Table
	if err := s.DecodeJSON(FieldTableData, &t); err != nil {
		return t, fmt.Errorf("table not loaded: %w", err)
	}
	return t, nil
}

func loadGaps(s graph.State) (Gaps, error) {
	var g Gaps
	if err := s.DecodeJSON(FieldGaps, &g); err != nil {
		return g, fmt.Errorf("gaps not analyzed: %w", err)
	}
	return g, nil
}

func pending(s graph.State) ([]Suggestion, error) {
	var list []Suggestion
	if !s.Has(FieldSuggestions) {
		return list, nil
	}
	if err := s.DecodeJSON(FieldSuggestions, &list); err != nil {
		return nil, fmt.Errorf("decode suggestions: %w", err)
	}
	return list, nil
}

func accepted(s graph.State) (map[string]Enrichment, error) {
	out := map[string]Enrichment{}
	if !s.Has(FieldAccepted) {
		return out, nil
	}
	if err := s.DecodeJSON(FieldAccepted, &out); err != nil {
		return nil, fmt.Errorf("decode accepted: %w", err)
	}
	return out, nil
}

func tableCandidates(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' && r != '-'
	})
}

// loadTable resolves the table named in the latest user message. The first
// word the table source knows wins.
func (w *Workflow) loadTable(ctx context.Context, s graph.State) graph.Result {
	msg, ok := s.LastMessage(graph.RoleUser)
	if !ok || strings.TrimSpace(msg.Content) == "" {
		return graph.Fail(errors.New("no table named"))
	}

	for _, name := range tableCandidates(msg.Content) {
		name = strings.Trim(name, ".-")
		if name == "" {
			continue
		}
		t, err := w.tables.Table(ctx, name)
		if errors.Is(err, ErrTableNotFound) {
			continue
		}
		if err != nil {
			return graph.Fail(err)
		}
		v, err := graph.JSONOf(t)
		if err != nil {
			return graph.Fail(err)
		}
		w.logger.Debug("table loaded", "table", t.Name, "columns", len(t.Columns))
		return graph.Continue(graph.Delta{}.
			Set(FieldTable, graph.String(t.Name)).
			Set(FieldTableData, v).
			Set(FieldTrace, trace(fmt.Sprintf("loaded %s with %d columns", t.Name, len(t.Columns)))))
	}
	return graph.Fail(fmt.Errorf("%w: none of %q", ErrTableNotFound, msg.Content))
}

func (w *Workflow) analyzeGaps(_ context.Context, s graph.State) graph.Result {
	t, err := decodeTable(s)
	if err != nil {
		return graph.Fail(err)
	}
	g := AnalyzeGaps(t)
	v, err := graph.JSONOf(g)
	if err != nil {
		return graph.Fail(err)
	}
	return graph.Continue(graph.Delta{}.
		Set(FieldGaps, v).
		Set(FieldGapColumns, graph.Int(int64(g.ColumnsWithGaps))).
		Set(FieldTrace, trace(fmt.Sprintf("%d of %d columns have gaps (%.0f%% complete): %d labels, %d descriptions, %d sensitivity",
			g.ColumnsWithGaps, g.TotalColumns, g.CompletionRate(), g.MissingLabels, g.MissingDescription, g.MissingSensitivity))))
}

// suggest drafts metadata for every column with gaps. Columns the provider
// leaves out, or every column when it cannot be reached or answers
// unparseably, get suggestions derived from the name.
func (w *Workflow) suggest(ctx context.Context, s graph.State) graph.Result {
	t, err := decodeTable(s)
	if err != nil {
		return graph.Fail(err)
	}
	g, err := loadGaps(s)
	if err != nil {
		return graph.Fail(err)
	}

	comp, err := w.completer.Complete(ctx, model.Prompt{
		Purpose:  "enrich_suggest",
		System:   suggestSystem,
		Messages: []model.Message{{Role: model.RoleUser, Content: suggestionPrompt(t, g)}},
	}, nil)

	var out completionSuggestions
	var note string
	found := map[string]Suggestion{}
	switch {
	case err != nil && ctx.Err() != nil:
		return graph.Fail(err)
	case err != nil:
		note = "provider unavailable: " + err.Error()
		w.logger.Warn("suggestion failed", "table", t.Name, "error", err)
	case model.DecodeCompletion(comp.Text, &out) != nil:
		note = "provider answer unparseable"
	default:
		found = fromCompletion(out, g)
		note = fmt.Sprintf("provider suggested %d columns", len(found))
	}

	derived := 0
	for _, c := range t.Columns {
		gaps, ok := g.Columns[c.Name]
		if !ok {
			continue
		}
		if _, ok := found[c.Name]; !ok {
			found[c.Name] = nameSuggestion(t.Name, c, gaps)
			derived++
		}
	}
	if derived > 0 {
		note += fmt.Sprintf(", %d derived from column names", derived)
	}

	v, err := graph.JSONOf(sortedSuggestions(t, found))
	if err != nil {
		return graph.Fail(err)
	}
	return graph.Continue(graph.Delta{}.
		Set(FieldSuggestions, v).
		Set(FieldReviewPending, graph.Bool(true)).
		Set(FieldTrace, trace(note)))
}

// ReviewPayload is the ticket payload of review.
type ReviewPayload struct {
	Table       string       `json:"table"`
	Question    string       `json:"question"`
	Suggestions []Suggestion `json:"suggestions"`
}

// review suspends with the suggestions still awaiting a decision.
func (w *Workflow) review(_ context.Context, s graph.State) graph.Result {
	list, err := pending(s)
	if err != nil {
		return graph.Fail(err)
	}
	table := s.String(FieldTable)

	var b strings.Builder
	fmt.Fprintf(&b, "%d suggestions for %s are waiting for review.\n", len(list), table)
	for i, sg := range list {
		fmt.Fprintf(&b, "\n  %d. %s (confidence %.0f%%)", i+1, sg.Column, sg.Confidence*100)
		if sg.Label != "" {
			fmt.Fprintf(&b, "\n     label: %s", sg.Label)
		}
		if sg.Description != "" {
			fmt.Fprintf(&b, "\n     description: %s", sg.Description)
		}
		if sg.Sensitivity != "" {
			fmt.Fprintf(&b, "\n     sensitivity: %s", sg.Sensitivity)
		}
	}
	b.WriteString("\n\nAccept, reject or edit each column.")
	text := b.String()

	return graph.Suspend(graph.Delta{}.
		Set(FieldFinalResponse, graph.String(text)).
		Set(FieldTrace, trace(fmt.Sprintf("review requested for %d columns", len(list)))),
		ReviewPayload{Table: table, Question: text, Suggestions: list})
}

// Review actions.
const (
	ActionAccept = "accept"
	ActionReject = "reject"
	ActionEdit   = "edit"
)

// Decision is the reviewer's verdict on one column. Edit replaces the
// suggested values that are given and keeps the rest.
type Decision struct {
	Column      string `mapstructure:"column" json:"column"`
	Action      string `mapstructure:"action" json:"action"`
	Label       string `mapstructure:"label" json:"label,omitempty"`
	Description string `mapstructure:"description" json:"description,omitempty"`
	Sensitivity string `mapstructure:"sensitivity" json:"sensitivity,omitempty"`
}

// ReviewResponse is the resume payload accepted by review. AcceptAll
// accepts every suggestion without an explicit decision.
type ReviewResponse struct {
	Decisions []Decision `mapstructure:"decisions" json:"decisions,omitempty"`
	AcceptAll bool       `mapstructure:"accept_all" json:"accept_all,omitempty"`
}

// resumeReview applies the reviewer's decisions. Columns left undecided
// stay pending and are asked about again.
func (w *Workflow) resumeReview(_ context.Context, s graph.State, response json.RawMessage) (graph.Delta, error) {
	var resp ReviewResponse
	if err := graph.DecodeResponse(response, &resp); err != nil {
		return graph.Delta{}, err
	}
	if len(resp.Decisions) == 0 && !resp.AcceptAll {
		return graph.Delta{}, errors.New("response needs decisions or accept_all")
	}

	list, err := pending(s)
	if err != nil {
		return graph.Delta{}, err
	}
	done, err := accepted(s)
	if err != nil {
		return graph.Delta{}, err
	}
	byColumn := make(map[string]Suggestion, len(list))
	for _, sg := range list {
		byColumn[sg.Column] = sg
	}

	decided := map[string]bool{}
	var acceptedCols, rejectedCols []string
	apply := func(col string, e Enrichment) {
		if !e.empty() {
			done[col] = e
		}
		acceptedCols = append(acceptedCols, col)
	}

	for _, d := range resp.Decisions {
		col := strings.TrimSpace(d.Column)
		sg, ok := byColumn[col]
		if !ok {
			return graph.Delta{}, fmt.Errorf("column %q has no pending suggestion", d.Column)
		}
		if decided[col] {
			return graph.Delta{}, fmt.Errorf("column %q is decided twice", col)
		}
		decided[col] = true

		edit := Enrichment{
			Label:       strings.TrimSpace(d.Label),
			Description: strings.TrimSpace(d.Description),
			Sensitivity: normalizeTier(d.Sensitivity),
		}
		switch strings.ToLower(strings.TrimSpace(d.Action)) {
		case ActionAccept:
			if !edit.empty() {
				return graph.Delta{}, fmt.Errorf("column %q: values are only allowed with %s", col, ActionEdit)
			}
			apply(col, sg.enrichment())
		case ActionReject:
			if !edit.empty() {
				return graph.Delta{}, fmt.Errorf("column %q: values are only allowed with %s", col, ActionEdit)
			}
			rejectedCols = append(rejectedCols, col)
		case ActionEdit:
			if edit.empty() {
				return graph.Delta{}, fmt.Errorf("column %q: %s needs a label, description or sensitivity", col, ActionEdit)
			}
			e := sg.enrichment()
			if edit.Label != "" {
				e.Label = edit.Label
			}
			if edit.Description != "" {
				e.Description = edit.Description
			}
			if edit.Sensitivity != "" {
				e.Sensitivity = edit.Sensitivity
			}
			apply(col, e)
		default:
			return graph.Delta{}, fmt.Errorf("column %q: unknown action %q", col, d.Action)
		}
	}

	var remaining []Suggestion
	for _, sg := range list {
		switch {
		case decided[sg.Column]:
		case resp.AcceptAll:
			apply(sg.Column, sg.enrichment())
		default:
			remaining = append(remaining, sg)
		}
	}
	if remaining == nil {
		remaining = []Suggestion{}
	}

	pv, err := graph.JSONOf(remaining)
	if err != nil {
		return graph.Delta{}, err
	}
	av, err := graph.JSONOf(done)
	if err != nil {
		return graph.Delta{}, err
	}
	sort.Strings(acceptedCols)
	sort.Strings(rejectedCols)
	return graph.Delta{}.
		Set(FieldSuggestions, pv).
		Set(FieldAccepted, av).
		Set(FieldReviewPending, graph.Bool(len(remaining) > 0)).
		Set(FieldHasChanges, graph.Bool(len(done) > 0)).
		Set(FieldTrace, trace(fmt.Sprintf("accepted [%s], rejected [%s], %d pending",
			strings.Join(acceptedCols, ", "), strings.Join(rejectedCols, ", "), len(remaining)))), nil
}

func (w *Workflow) generateView(_ context.Context, s graph.State) graph.Result {
	t, err := decodeTable(s)
	if err != nil {
		return graph.Fail(err)
	}
	done, err := accepted(s)
	if err != nil {
		return graph.Fail(err)
	}
	view := GenerateView(t, done, w.dataset)
	return graph.Continue(graph.Delta{}.
		Set(FieldLookML, graph.String(view)).
		Set(FieldTrace, trace(fmt.Sprintf("generated view %s with %d enriched columns", strings.ToLower(t.Name), len(done)))))
}

// summary counts what the accepted enrichments add.
type summary struct {
	labels, descriptions, tiers, columns int
}

func summarize(t Table, done map[string]Enrichment) summary {
	sum := summary{columns: len(t.Columns)}
	for _, e := range done {
		if e.Label != "" {
			sum.labels++
		}
		if e.Description != "" {
			sum.descriptions++
		}
		if e.Sensitivity != "" {
			sum.tiers++
		}
	}
	return sum
}

func commitMessage(table string, sum summary) string {
	lines := []string{fmt.Sprintf("Enrich %s metadata", table), "", "Changes:"}
	if sum.labels > 0 {
		lines = append(lines, fmt.Sprintf("- Added %d labels", sum.labels))
	}
	if sum.descriptions > 0 {
		lines = append(lines, fmt.Sprintf("- Added %d descriptions", sum.descriptions))
	}
	if sum.tiers > 0 {
		lines = append(lines, fmt.Sprintf("- Added %d sensitivity tags", sum.tiers))
	}
	return strings.Join(lines, "\n")
}

func pullRequestBody(table, file string, sum summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Summary\n\nReviewed metadata enrichment for `%s`.\n\n", table)
	b.WriteString("| Metric | Count |\n|--------|-------|\n")
	fmt.Fprintf(&b, "| Labels added | %d |\n", sum.labels)
	fmt.Fprintf(&b, "| Descriptions added | %d |\n", sum.descriptions)
	fmt.Fprintf(&b, "| Sensitivity tags | %d |\n", sum.tiers)
	fmt.Fprintf(&b, "| Total columns | %d |\n\n", sum.columns)
	fmt.Fprintf(&b, "### Files changed\n\n- `%s`\n\n", file)
	b.WriteString("### Review checklist\n\n")
	b.WriteString("- [ ] Labels are business-friendly and accurate\n")
	b.WriteString("- [ ] Descriptions explain the column's purpose\n")
	b.WriteString("- [ ] Sensitivity classifications are correct\n")
	b.WriteString("- [ ] No sensitive data appears in descriptions\n")
	return b.String()
}

// deploy commits the view on a fresh branch and opens a pull request.
func (w *Workflow) deploy(ctx context.Context, s graph.State) graph.Result {
	t, err := decodeTable(s)
	if err != nil {
		return graph.Fail(err)
	}
	done, err := accepted(s)
	if err != nil {
		return graph.Fail(err)
	}
	view := s.String(FieldLookML)
	if view == "" {
		return graph.Fail(errors.New("no view generated"))
	}

	branch := fmt.Sprintf("enrichment/%s/%s", t.Name, w.now().UTC().Format("20060102-150405"))
	if err := w.scm.CreateBranch(ctx, branch, w.baseBranch); err != nil && !errors.Is(err, ErrBranchExists) {
		return graph.Fail(fmt.Errorf("create branch: %w", err))
	}

	sum := summarize(t, done)
	file := path.Join(w.viewsPath, strings.ToLower(t.Name)+".view.lkml")
	commit, err := w.scm.CommitFile(ctx, branch, file, []byte(view), commitMessage(t.Name, sum))
	if err != nil {
		return graph.Fail(fmt.Errorf("commit view: %w", err))
	}

	pr, err := w.scm.OpenPullRequest(ctx, PullRequest{
		Title:  "[AI Enrichment] " + t.Name,
		Body:   pullRequestBody(t.Name, file, sum),
		Head:   branch,
		Base:   w.baseBranch,
		Labels: w.labels,
	})
	if err != nil {
		return graph.Fail(fmt.Errorf("open pull request: %w", err))
	}
	state := strings.ToLower(pr.State)
	if !prStates.Contains(state) {
		state = PROpen
	}
	w.logger.Info("enrichment deployed", "table", t.Name, "branch", branch, "pr", pr.Number)

	return graph.Continue(graph.Delta{}.
		Set(FieldBranch, graph.String(branch)).
		Set(FieldCommit, graph.String(commit)).
		Set(FieldPRNumber, graph.Int(int64(pr.Number))).
		Set(FieldPRURL, graph.String(pr.URL)).
		Set(FieldPRState, graph.String(state)).
		Set(FieldTrace, trace(fmt.Sprintf("committed %s to %s, opened pull request #%d", file, branch, pr.Number))))
}

// PullRequestPayload is the ticket payload of await_review.
type PullRequestPayload struct {
	Number   int    `json:"number"`
	URL      string `json:"url"`
	State    string `json:"state"`
	Question string `json:"question"`
}

// awaitReview parks the run until the pull request is merged or closed.
func (w *Workflow) awaitReview(_ context.Context, s graph.State) graph.Result {
	n := int(s.Int(FieldPRNumber))
	text := fmt.Sprintf("Pull request #%d (%s) is %s. Resume with its state once it is merged or closed.",
		n, s.String(FieldPRURL), s.String(FieldPRState))
	return graph.Suspend(graph.Delta{}.
		Set(FieldFinalResponse, graph.String(text)),
		PullRequestPayload{Number: n, URL: s.String(FieldPRURL), State: s.String(FieldPRState), Question: text})
}

// PullRequestResponse is the resume payload accepted by await_review: the
// reported state, or refresh to ask the repository.
type PullRequestResponse struct {
	State   string `mapstructure:"state" json:"state,omitempty"`
	Refresh bool   `mapstructure:"refresh" json:"refresh,omitempty"`
}

func (w *Workflow) resumeAwait(ctx context.Context, s graph.State, response json.RawMessage) (graph.Delta, error) {
	var resp PullRequestResponse
	if err := graph.DecodeResponse(response, &resp); err != nil {
		return graph.Delta{}, err
	}
	state := strings.ToLower(strings.TrimSpace(resp.State))
	switch {
	case state != "" && resp.Refresh:
		return graph.Delta{}, errors.New("response needs a state or refresh, not both")
	case resp.Refresh:
		got, err := w.scm.PullRequestStatus(ctx, int(s.Int(FieldPRNumber)))
		if err != nil {
			return graph.Delta{}, fmt.Errorf("pull request status: %w", err)
		}
		state = strings.ToLower(got)
	case state == "":
		return graph.Delta{}, errors.New("response needs a state or refresh")
	}
	if !prStates.Contains(state) {
		return graph.Delta{}, fmt.Errorf("unknown pull request state %q", state)
	}
	return graph.Delta{}.
		Set(FieldPRState, graph.String(state)).
		Set(FieldTrace, trace(fmt.Sprintf("pull request #%d is %s", s.Int(FieldPRNumber), state))), nil
}

// report completes the run with a summary of what happened to the table.
func (w *Workflow) report(_ context.Context, s graph.State) graph.Result {
	table := s.String(FieldTable)
	n := s.Int(FieldPRNumber)

	var text string
	switch {
	case s.Int(FieldGapColumns) == 0:
		text = fmt.Sprintf("All columns of %s already have complete metadata.", table)
	case !s.Bool(FieldHasChanges):
		text = fmt.Sprintf("No suggestions were accepted for %s, nothing was published.", table)
	case s.String(FieldPRState) == PRMerged:
		text = fmt.Sprintf("The enrichment of %s was merged with pull request #%d (%s).", table, n, s.String(FieldPRURL))
	default:
		text = fmt.Sprintf("Pull request #%d for %s was closed without merging.", n, table)
	}
	return graph.Stop(graph.Delta{}.
		Set(FieldFinalResponse, graph.String(text)).
		AppendMessage(graph.RoleAssistant, text))
}
