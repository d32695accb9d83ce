// Package agent is the semantic-layer query assistant: a workflow that maps
// a natural-language question onto a semantic catalog, asks the user when
// the mapping is uncertain and renders the grounded query.
package agent

import "github.com/dshills/interruptgraph/graph"

// State fields of the assistant workflow.
const (
	FieldQuery               = "query"
	FieldIntent              = "intent"
	FieldModel               = "model"
	FieldExplore             = "explore"
	FieldDimensions          = "dimensions"
	FieldMeasures            = "measures"
	FieldFilters             = "filters"
	FieldConfidence          = "confidence"
	FieldNeedsClarification  = "needs_clarification"
	FieldClarifyingQuestions = "clarifying_questions"
	FieldClarifyOptions      = "clarify_options"
	FieldClarification       = "clarification"
	FieldSelectedField       = "selected_field"
	FieldGeneratedQuery      = "generated_query"
	FieldFinalResponse       = "final_response"
	FieldSchemaLoaded        = "schema_loaded"
	FieldDiscovery           = "discovery"
	FieldTrace               = "trace"
)

// Intents.
const (
	IntentQuery          = "query"
	IntentSchemaOverview = "schema_overview"
	IntentFieldExplain   = "field_explain"
	IntentFollowUp       = "follow_up"
)

// Step names.
const (
	StepDiscover        = "discover"
	StepClassify        = "classify"
	StepSelectModel     = "select_model"
	StepSelectFields    = "select_fields"
	StepConfidenceCheck = "confidence_check"
	StepAskClarify      = "ask_clarify"
	StepGenerateQuery   = "generate_query"
	StepSchemaOverview  = "schema_overview"
	StepFieldExplain    = "field_explain"
	StepFormatResponse  = "format_response"
)

// Schema returns the state schema of the assistant workflow.
func Schema() graph.Schema {
	return graph.Schema{
		FieldQuery:               {Kind: graph.KindString},
		FieldIntent:              {Kind: graph.KindString},
		FieldModel:               {Kind: graph.KindString},
		FieldExplore:             {Kind: graph.KindString},
		FieldDimensions:          {Kind: graph.KindStrings},
		FieldMeasures:            {Kind: graph.KindStrings},
		FieldFilters:             {Kind: graph.KindStringMap},
		FieldConfidence:          {Kind: graph.KindFloat},
		FieldNeedsClarification:  {Kind: graph.KindBool},
		FieldClarifyingQuestions: {Kind: graph.KindStrings},
		FieldClarifyOptions:      {Kind: graph.KindStrings},
		FieldClarification:       {Kind: graph.KindString},
		FieldSelectedField:       {Kind: graph.KindString},
		FieldGeneratedQuery:      {Kind: graph.KindString},
		FieldFinalResponse:       {Kind: graph.KindString},
		FieldSchemaLoaded:        {Kind: graph.KindBool},
		FieldDiscovery:           {Kind: graph.KindJSON},
		FieldTrace:               {Kind: graph.KindStrings, AppendOnly: true},
	}
}

// intents normalizes classifier output. Unknown labels become queries.
var intents = graph.NewEnum(IntentQuery, IntentSchemaOverview, IntentFieldExplain, IntentFollowUp, IntentQuery)

// intentAliases folds labels the classifier may produce onto supported intents.
var intentAliases = map[string]string{
	"explore_details": IntentSchemaOverview,
	"follow-up":       IntentFollowUp,
}
