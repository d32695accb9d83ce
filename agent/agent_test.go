package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/interruptgraph/graph"
	"github.com/dshills/interruptgraph/graph/model"
	"github.com/dshills/interruptgraph/graph/store"
	"github.com/dshills/interruptgraph/graph/tool"
	"github.com/dshills/interruptgraph/semantic"
)

const testCatalog = `
models:
  - name: ecommerce
    explores:
      - name: orders
        description: One row per order line
        dimensions:
          - {name: region, type: string}
          - {name: order_date, type: date}
        measures:
          - {name: gross_revenue, type: sum, description: Revenue before refunds}
          - {name: net_revenue, type: sum, description: Revenue after refunds, sql: "${amount} - ${refunds}"}
          - {name: order_count, type: count}
  - name: marketing
    explores:
      - name: campaigns
        dimensions:
          - {name: channel, type: string}
        measures:
          - {name: spend, type: sum}
`

// newEngine wires the assistant to a mock model answering with responses
// in order.
func newEngine(t *testing.T, responses ...model.ChatOut) (*graph.Engine, *model.MockChatModel) {
	t.Helper()

	catalog, err := semantic.ParseStaticCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatalf("ParseStaticCatalog: %v", err)
	}
	reg := tool.NewRegistry()
	if err := semantic.RegisterTools(reg, catalog); err != nil {
		t.Fatalf("RegisterTools: %v", err)
	}
	mock := &model.MockChatModel{Responses: responses}
	completer := model.NewScopedCompleter(mock, "mock", reg)

	a, err := New(completer, catalog, reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g, err := a.Graph()
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}
	engine, err := graph.New(g, store.NewMemStore())
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}
	return engine, mock
}

func text(s string) model.ChatOut { return model.ChatOut{Text: s} }

var (
	classifyQuery  = text(`{"intent": "query", "confidence": 0.9, "reasoning": "wants numbers"}`)
	selectedOrders = text("```json\n{\"model\": \"ecommerce\", \"explore\": \"orders\", \"confidence\": 0.9}\n```")
	ambiguous      = text(`{"dimensions": ["region"], "measures": ["revenue"], "confidence": 0.6,
		"uncertain_terms": ["revenue"],
		"clarifying_questions": ["Did you mean gross_revenue or net_revenue?"],
		"options": ["gross_revenue", "net_revenue"]}`)
	resolved = text(`{"dimensions": ["region"], "measures": ["net_revenue"], "confidence": 0.95}`)
)

func suspendAmbiguous(t *testing.T) (*graph.Engine, graph.RunResult) {
	t.Helper()
	engine, _ := newEngine(t, classifyQuery, selectedOrders, ambiguous, resolved)

	res, err := engine.StartOrResume(context.Background(), "run-1", "show me revenue by region")
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	if res.Outcome != graph.OutcomeSuspended {
		t.Fatalf("outcome = %s, want suspended", res.Outcome)
	}
	if res.Ticket.Step != StepAskClarify {
		t.Fatalf("suspended at %s, want %s", res.Ticket.Step, StepAskClarify)
	}
	return engine, res
}

func TestAssistant_ClarifyThenAnswer(t *testing.T) {
	engine, res := suspendAmbiguous(t)

	var payload ClarifyPayload
	if err := json.Unmarshal(res.Ticket.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !strings.Contains(payload.Question, "net_revenue") {
		t.Errorf("question = %q", payload.Question)
	}
	if got := strings.Join(payload.Options, ","); got != "gross_revenue,net_revenue" {
		t.Errorf("options = %s", got)
	}

	res, err := engine.Resume(context.Background(), "run-1", res.Ticket.ID, []byte(`{"answer": "net_revenue"}`))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Outcome != graph.OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", res.Outcome)
	}

	s := *res.State
	if got := s.String(FieldSelectedField); got != "net_revenue" {
		t.Errorf("selected_field = %q, want net_revenue", got)
	}
	if got := s.Strings(FieldMeasures); len(got) != 1 || got[0] != "net_revenue" {
		t.Errorf("measures = %v", got)
	}
	want := "SELECT region, net_revenue\nFROM ecommerce.orders\nGROUP BY region"
	if got := s.String(FieldGeneratedQuery); got != want {
		t.Errorf("generated_query = %q, want %q", got, want)
	}
	last, _ := s.LastMessage("")
	if last.Role != graph.RoleAssistant || !strings.Contains(last.Content, "```sql") {
		t.Errorf("last message = %+v", last)
	}
	if _, err := engine.Resume(context.Background(), "run-1", "stale", nil); !errors.Is(err, graph.ErrRunNotSuspended) {
		t.Errorf("resume after completion err = %v", err)
	}
}

func TestAssistant_ClarifyByOption(t *testing.T) {
	engine, res := suspendAmbiguous(t)
	ctx := context.Background()

	for _, bad := range []string{`{"option": 3}`, `{"option": 0}`, `{}`, `{"answer": "  "}`, `{"choice": 1}`} {
		if _, err := engine.Resume(ctx, "run-1", res.Ticket.ID, []byte(bad)); !errors.Is(err, graph.ErrInvalidResponse) {
			t.Errorf("Resume(%s) err = %v, want ErrInvalidResponse", bad, err)
		}
	}
	run, err := engine.Inspect(ctx, "run-1")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if run.Status != graph.StatusSuspended || run.Ticket == nil || run.Ticket.ID != res.Ticket.ID {
		t.Fatalf("rejected responses changed the run: status=%s ticket=%+v", run.Status, run.Ticket)
	}

	done, err := engine.Resume(ctx, "run-1", res.Ticket.ID, []byte(`{"option": 2}`))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := done.State.String(FieldSelectedField); got != "net_revenue" {
		t.Errorf("selected_field = %q", got)
	}
	if got := done.State.String(FieldClarification); got != "net_revenue" {
		t.Errorf("clarification = %q", got)
	}
}

func TestAssistant_LowConfidenceAsksInsteadOfQuerying(t *testing.T) {
	engine, _ := newEngine(t, classifyQuery, selectedOrders,
		text(`{"dimensions": ["region"], "measures": ["net_revenue"], "confidence": 0.4}`))
	ctx := context.Background()

	res, err := engine.StartOrResume(ctx, "run-2", "revenue by region")
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	if res.Outcome != graph.OutcomeSuspended || res.Ticket.Step != StepAskClarify {
		t.Fatalf("result = %+v, want suspension at ask_clarify", res)
	}

	run, err := engine.Inspect(ctx, "run-2")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if run.State.Has(FieldGeneratedQuery) {
		t.Error("a query was generated despite low confidence")
	}
	if !run.State.Bool(FieldNeedsClarification) {
		t.Error("needs_clarification should be set")
	}
	if q := run.State.Strings(FieldClarifyingQuestions); len(q) != 1 || q[0] != defaultQuestion {
		t.Errorf("questions = %v", q)
	}
}

func TestAssistant_ConfidenceRouting(t *testing.T) {
	engine, _ := newEngine(t)
	g := engine.Graph()

	tests := []struct {
		confidence float64
		needs      bool
		want       string
	}{
		{0.4, false, StepAskClarify},
		{0.79, false, StepAskClarify},
		{0.8, false, StepGenerateQuery},
		{0.95, true, StepAskClarify},
	}
	for _, tt := range tests {
		s, err := graph.Merge(Schema(), graph.NewState(), graph.Delta{}.
			Set(FieldConfidence, graph.Float(tt.confidence)).
			Set(FieldNeedsClarification, graph.Bool(tt.needs)))
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
		got, err := g.Next(StepConfidenceCheck, s)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != tt.want {
			t.Errorf("confidence=%v needs=%v: next = %s, want %s", tt.confidence, tt.needs, got, tt.want)
		}
	}
}

func TestAssistant_UnknownFieldsAreDropped(t *testing.T) {
	engine, _ := newEngine(t, classifyQuery, selectedOrders,
		text(`{"dimensions": ["region"], "measures": ["profit"], "confidence": 0.9}`))
	ctx := context.Background()

	res, err := engine.StartOrResume(ctx, "run-3", "profit by region")
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	if res.Outcome != graph.OutcomeSuspended {
		t.Fatalf("outcome = %s", res.Outcome)
	}

	run, _ := engine.Inspect(ctx, "run-3")
	if got := run.State.Strings(FieldMeasures); len(got) != 0 {
		t.Errorf("measures = %v, want profit dropped", got)
	}
	if got := run.State.Float(FieldConfidence); got > 0.5 {
		t.Errorf("confidence = %v, want lowered", got)
	}
	q := run.State.Strings(FieldClarifyingQuestions)
	if len(q) != 1 || !strings.Contains(q[0], `"profit"`) {
		t.Errorf("questions = %v", q)
	}
	if got := strings.Join(run.State.Strings(FieldClarifyOptions), ","); got != "gross_revenue,net_revenue,order_count" {
		t.Errorf("options = %s", got)
	}
}

func TestAssistant_UnknownExploreAsksForOne(t *testing.T) {
	engine, _ := newEngine(t, classifyQuery,
		text(`{"model": "", "explore": "", "confidence": 0, "reasoning": "nothing about weather"}`),
		resolved)
	ctx := context.Background()

	res, err := engine.StartOrResume(ctx, "run-4", "what was the weather")
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	var payload ClarifyPayload
	_ = json.Unmarshal(res.Ticket.Payload, &payload)
	if got := strings.Join(payload.Options, ","); got != "ecommerce.orders,marketing.campaigns" {
		t.Fatalf("options = %s", got)
	}

	done, err := engine.Resume(ctx, "run-4", res.Ticket.ID, []byte(`{"option": 1}`))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if done.Outcome != graph.OutcomeCompleted {
		t.Fatalf("outcome = %s", done.Outcome)
	}
	if got := done.State.String(FieldExplore); got != "orders" {
		t.Errorf("explore = %q", got)
	}
}

func TestAssistant_SchemaOverview(t *testing.T) {
	engine, mock := newEngine(t, text("This is a schema_overview question."))

	res, err := engine.StartOrResume(context.Background(), "run-5", "What data is available?")
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	s := *res.State
	if s.String(FieldIntent) != IntentSchemaOverview {
		t.Errorf("intent = %q", s.String(FieldIntent))
	}
	out := s.String(FieldFinalResponse)
	for _, want := range []string{"AVAILABLE DATA", "orders: 2 dimensions, 3 measures", "campaigns"} {
		if !strings.Contains(out, want) {
			t.Errorf("response missing %q:\n%s", want, out)
		}
	}
	if mock.CallCount() != 1 {
		t.Errorf("model calls = %d, want only the classifier", mock.CallCount())
	}
}

func TestAssistant_ExploreDetails(t *testing.T) {
	engine, _ := newEngine(t, text(`{"intent": "explore_details"}`))

	res, err := engine.StartOrResume(context.Background(), "run-6", "Tell me about the campaigns explore")
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	out := res.State.String(FieldFinalResponse)
	if !strings.Contains(out, "EXPLORE: campaigns") || !strings.Contains(out, `"Show me spend by channel"`) {
		t.Errorf("response:\n%s", out)
	}
}

func TestAssistant_FieldExplainUsesScopedTool(t *testing.T) {
	engine, mock := newEngine(t,
		text(`{"intent": "field_explain"}`),
		model.ChatOut{ToolCalls: []model.ToolCall{{
			Name:  semantic.ToolListFields,
			Input: map[string]any{"model": "ecommerce", "explore": "orders"},
		}}},
		text("net_revenue is revenue after refunds."),
	)

	res, err := engine.StartOrResume(context.Background(), "run-7", "What is net revenue?")
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	s := *res.State
	if got := s.String(FieldFinalResponse); got != "net_revenue is revenue after refunds." {
		t.Errorf("final_response = %q", got)
	}
	if got := s.String(FieldSelectedField); got != "net_revenue" {
		t.Errorf("selected_field = %q", got)
	}

	if mock.CallCount() != 3 {
		t.Fatalf("model calls = %d, want 3", mock.CallCount())
	}
	scoped := mock.Calls[1].Tools
	if len(scoped) != 1 || scoped[0].Name != semantic.ToolListFields {
		t.Errorf("tools offered = %+v, want only list_fields", scoped)
	}
	msgs := mock.Calls[2].Messages
	if last := msgs[len(msgs)-1].Content; !strings.Contains(last, "list_fields returned") || !strings.Contains(last, "net_revenue") {
		t.Errorf("tool result not fed back: %q", last)
	}
}

func TestAssistant_FieldExplainRejectsOutOfScopeTool(t *testing.T) {
	engine, _ := newEngine(t,
		text(`{"intent": "field_explain"}`),
		model.ChatOut{ToolCalls: []model.ToolCall{{Name: semantic.ToolGenerateQuery, Input: map[string]any{}}}},
	)

	res, err := engine.StartOrResume(context.Background(), "run-8", "What is net revenue?")
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	out := res.State.String(FieldFinalResponse)
	if !strings.Contains(out, "MEASURE: net_revenue") || !strings.Contains(out, "${amount} - ${refunds}") {
		t.Errorf("fallback explanation:\n%s", out)
	}
}

func TestNew_Validation(t *testing.T) {
	catalog, _ := semantic.ParseStaticCatalog([]byte(testCatalog))
	reg := tool.NewRegistry()
	completer := model.NewScopedCompleter(&model.MockChatModel{}, "mock", reg)

	if _, err := New(nil, catalog, reg); err == nil {
		t.Error("nil completer accepted")
	}
	if _, err := New(completer, catalog, reg); err == nil {
		t.Error("registry without catalog tools accepted")
	}
	_ = semantic.RegisterTools(reg, catalog)
	if _, err := New(completer, catalog, reg, WithConfidenceThreshold(1.5)); err == nil {
		t.Error("threshold above 1 accepted")
	}
}

func TestKeywordIntent(t *testing.T) {
	tests := map[string]string{
		"What data is available?":   IntentSchemaOverview,
		"Explain the spend measure": IntentFieldExplain,
		"filter that to EMEA":       IntentFollowUp,
		"revenue by region":         IntentQuery,
	}
	for in, want := range tests {
		if got := keywordIntent(in); got != want {
			t.Errorf("keywordIntent(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestFieldTerm(t *testing.T) {
	tests := map[string]string{
		"What is net revenue?":             "net revenue",
		"What does the spend field mean":   "spend",
		"How is gross_revenue calculated?": "gross_revenue",
	}
	for in, want := range tests {
		if got := fieldTerm(in); got != want {
			t.Errorf("fieldTerm(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDecodeCompletion(t *testing.T) {
	var out fieldSelection
	err := decodeCompletion("Sure!\n```json\n{\"measures\": [\"spend\"], \"confidence\": \"0.7\"}\n```\nDone.", &out)
	if err != nil {
		t.Fatalf("decodeCompletion: %v", err)
	}
	if len(out.Measures) != 1 || out.Confidence != 0.7 {
		t.Errorf("out = %+v", out)
	}
	if err := decodeCompletion("no json here", &out); !errors.Is(err, errNoJSON) {
		t.Errorf("err = %v, want errNoJSON", err)
	}
}

func TestAssistant_FollowUpTurn(t *testing.T) {
	engine, mock := newEngine(t, classifyQuery, selectedOrders, resolved,
		text(`{"intent": "follow_up", "confidence": 0.9}`),
		text(`{"dimensions": ["region"], "measures": ["net_revenue"], "filters": {"region": "EMEA"}, "confidence": 0.9}`))
	ctx := context.Background()

	first, err := engine.StartOrResume(ctx, "s1", "show me net revenue by region")
	if err != nil || first.Outcome != graph.OutcomeCompleted {
		t.Fatalf("first turn = %+v, %v", first, err)
	}
	firstQuery := first.State.String(FieldGeneratedQuery)

	second, err := engine.Continue(ctx, "s1", "filter that to EMEA")
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if second.Outcome != graph.OutcomeCompleted {
		t.Fatalf("outcome = %s", second.Outcome)
	}
	s := *second.State
	if s.String(FieldIntent) != IntentFollowUp || s.String(FieldQuery) != "filter that to EMEA" {
		t.Errorf("intent = %q, query = %q", s.String(FieldIntent), s.String(FieldQuery))
	}
	if got := s.StringMap(FieldFilters); got["region"] != "EMEA" {
		t.Errorf("filters = %v", got)
	}
	if got := s.String(FieldGeneratedQuery); got == "" || got == firstQuery {
		t.Errorf("generated_query = %q, want a new query", got)
	}

	// classify and select_fields only: discovery is reused and the explore
	// is kept, so select_model does not run again.
	if mock.CallCount() != 5 {
		t.Fatalf("model calls = %d, want 5", mock.CallCount())
	}
	prompt := mock.Calls[4].Messages[len(mock.Calls[4].Messages)-1].Content
	if !strings.Contains(prompt, "refines the previous selection") || !strings.Contains(prompt, "net_revenue") {
		t.Errorf("select_fields prompt lacks the previous selection:\n%s", prompt)
	}
	if !strings.Contains(strings.Join(s.Strings(FieldTrace), "\n"), "schema already loaded") {
		t.Error("discovery ran again on the second turn")
	}
	if len(s.Messages) != 4 {
		t.Errorf("messages = %d, want two user and two assistant", len(s.Messages))
	}
}

func TestAssistant_KeywordFieldFallback(t *testing.T) {
	engine, _ := newEngine(t, classifyQuery, selectedOrders, text("I am not sure."))
	ctx := context.Background()

	res, err := engine.StartOrResume(ctx, "run-9", "Show me revenue by region")
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	if res.Outcome != graph.OutcomeSuspended {
		t.Fatalf("outcome = %s, want suspended", res.Outcome)
	}
	var payload ClarifyPayload
	if err := json.Unmarshal(res.Ticket.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !strings.Contains(payload.Question, `"revenue"`) {
		t.Errorf("question = %q", payload.Question)
	}
	if got := strings.Join(payload.Options, ","); got != "gross_revenue,net_revenue" {
		t.Errorf("options = %s", got)
	}

	done, err := engine.Resume(ctx, "run-9", res.Ticket.ID, []byte(`{"option": 2}`))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if done.Outcome != graph.OutcomeCompleted {
		t.Fatalf("outcome = %s", done.Outcome)
	}
	s := *done.State
	if got := strings.Join(s.Strings(FieldDimensions), ","); got != "region" {
		t.Errorf("dimensions = %s", got)
	}
	if got := strings.Join(s.Strings(FieldMeasures), ","); got != "net_revenue" {
		t.Errorf("measures = %s", got)
	}
}

func TestAssistant_EmptyCompletionsClassifyByQuestion(t *testing.T) {
	engine, _ := newEngine(t)

	res, err := engine.StartOrResume(context.Background(), "run-10", "What data is available?")
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	if res.Outcome != graph.OutcomeCompleted || res.State.String(FieldIntent) != IntentSchemaOverview {
		t.Errorf("result = %s, intent %q", res.Outcome, res.State.String(FieldIntent))
	}
}

func TestKeywordSelection(t *testing.T) {
	catalog, err := semantic.ParseStaticCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatalf("ParseStaticCatalog: %v", err)
	}
	d, err := semantic.Discover(context.Background(), catalog)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	fields := d.FieldsOf("ecommerce", "orders")

	tests := []struct {
		name       string
		text       string
		pinned     string
		prev       fieldSelection
		dims       string
		measures   string
		uncertain  string
		confidence float64
	}{
		{name: "unique words", text: "order count by region", dims: "region", measures: "order_count", confidence: 0.9},
		{name: "exact name", text: "net_revenue by order date", dims: "order_date", measures: "net_revenue", confidence: 0.9},
		{name: "ambiguous word", text: "revenue by region", dims: "region", uncertain: "revenue", confidence: 0.5},
		{name: "pinned settles", text: "revenue by region", pinned: "gross_revenue", dims: "region", confidence: 0.9},
		{name: "explore name skipped", text: "orders revenue ecommerce.orders", uncertain: "revenue", confidence: 0.5},
		{name: "follow-up keeps previous", text: "filter that to EMEA",
			prev: fieldSelection{Dimensions: []string{"region"}, Measures: []string{"net_revenue"}},
			dims: "region", measures: "net_revenue", confidence: 0.9},
		{name: "nothing matched", text: "what was the weather", confidence: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := keywordSelection(fields, tt.text, tt.pinned, tt.prev, "ecommerce", "orders")
			if d := strings.Join(got.Dimensions, ","); d != tt.dims {
				t.Errorf("dimensions = %s, want %s", d, tt.dims)
			}
			if m := strings.Join(got.Measures, ","); m != tt.measures {
				t.Errorf("measures = %s, want %s", m, tt.measures)
			}
			if u := strings.Join(got.UncertainTerms, ","); u != tt.uncertain {
				t.Errorf("uncertain = %s, want %s", u, tt.uncertain)
			}
			if got.Confidence != tt.confidence {
				t.Errorf("confidence = %v, want %v", got.Confidence, tt.confidence)
			}
			if (tt.confidence < 0.9) != (len(got.ClarifyingQuestions) > 0) {
				t.Errorf("questions = %v", got.ClarifyingQuestions)
			}
		})
	}
}
