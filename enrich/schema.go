// Package enrich is the metadata enrichment workflow: it finds the columns
// of a warehouse table that lack a label, a description or a sensitivity
// classification, drafts suggestions with the completion provider, waits
// for a reviewer to accept or reject them and publishes the accepted ones
// as a LookML view through a pull request.
package enrich

import "github.com/dshills/interruptgraph/graph"

// State fields of the enrichment workflow.
const (
	FieldTable         = "table"
	FieldTableData     = "table_data"
	FieldGaps          = "gaps"
	FieldGapColumns    = "gap_columns"
	FieldSuggestions   = "suggestions"
	FieldAccepted      = "accepted"
	FieldReviewPending = "review_pending"
	FieldHasChanges    = "has_changes"
	FieldLookML        = "lookml"
	FieldBranch        = "branch"
	FieldCommit        = "commit"
	FieldPRNumber      = "pr_number"
	FieldPRURL         = "pr_url"
	FieldPRState       = "pr_state"
	FieldFinalResponse = "final_response"
	FieldTrace         = "trace"
)

// Step names.
const (
	StepLoadTable    = "load_table"
	StepAnalyzeGaps  = "analyze_gaps"
	StepSuggest      = "suggest"
	StepReview       = "review"
	StepGenerateView = "generate_lookml"
	StepDeploy       = "deploy"
	StepAwaitReview  = "await_review"
	StepReport       = "report"
)

// Pull request states reported through await_review.
const (
	PROpen   = "open"
	PRMerged = "merged"
	PRClosed = "closed"
)

// Schema returns the state schema of the enrichment workflow.
func Schema() graph.Schema {
	return graph.Schema{
		FieldTable:         {Kind: graph.KindString},
		FieldTableData:     {Kind: graph.KindJSON},
		FieldGaps:          {Kind: graph.KindJSON},
		FieldGapColumns:    {Kind: graph.KindInt},
		FieldSuggestions:   {Kind: graph.KindJSON},
		FieldAccepted:      {Kind: graph.KindJSON},
		FieldReviewPending: {Kind: graph.KindBool},
		FieldHasChanges:    {Kind: graph.KindBool},
		FieldLookML:        {Kind: graph.KindString},
		FieldBranch:        {Kind: graph.KindString},
		FieldCommit:        {Kind: graph.KindString},
		FieldPRNumber:      {Kind: graph.KindInt},
		FieldPRURL:         {Kind: graph.KindString},
		FieldPRState:       {Kind: graph.KindString},
		FieldFinalResponse: {Kind: graph.KindString},
		FieldTrace:         {Kind: graph.KindStrings, AppendOnly: true},
	}
}

// prStates normalizes reported pull request states.
var prStates = graph.NewEnum("", PROpen, PRMerged, PRClosed)
