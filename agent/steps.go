package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/interruptgraph/graph"
	"github.com/dshills/interruptgraph/graph/model"
	"github.com/dshills/interruptgraph/semantic"
)

const defaultQuestion = "Could you provide more details about what you're looking for?"

func trace(lines ...string) graph.Value { return graph.Strings(lines...) }

func loadDiscovery(s graph.State) (semantic.Discovery, error) {
	var d semantic.Discovery
	if err := s.DecodeJSON(FieldDiscovery, &d); err != nil {
		return d, fmt.Errorf("discovery not loaded: %w", err)
	}
	return d, nil
}

// newTurn clears what the previous turn left behind. The explore and the
// field selection survive so a follow-up can refine them.
func newTurn() graph.Delta {
	return graph.Delta{}.
		Set(FieldIntent, graph.String("")).
		Set(FieldConfidence, graph.Float(0)).
		Set(FieldNeedsClarification, graph.Bool(false)).
		Set(FieldClarifyingQuestions, graph.Strings()).
		Set(FieldClarifyOptions, graph.Strings()).
		Set(FieldClarification, graph.String("")).
		Set(FieldSelectedField, graph.String("")).
		Set(FieldGeneratedQuery, graph.String("")).
		Set(FieldFinalResponse, graph.String(""))
}

// discover walks the catalog once per session and stores the result. Later
// turns reuse it.
func (a *Assistant) discover(ctx context.Context, s graph.State) graph.Result {
	if s.Bool(FieldSchemaLoaded) {
		return graph.Continue(newTurn().Set(FieldTrace, trace("schema already loaded, starting a new turn")))
	}

	d, err := semantic.Discover(ctx, a.catalog)
	if err != nil {
		return graph.Fail(err)
	}
	v, err := graph.JSONOf(d)
	if err != nil {
		return graph.Fail(err)
	}

	lines := []string{fmt.Sprintf("discovered %d models, %d fields", len(d.Models), len(d.Fields))}
	for _, m := range d.Models {
		names := make([]string, len(m.Explores))
		for i, e := range m.Explores {
			names[i] = e.Name
		}
		lines = append(lines, fmt.Sprintf("model %s: %s", m.Name, strings.Join(names, ", ")))
	}
	a.logger.Debug("catalog discovered", "models", len(d.Models), "fields", len(d.Fields))

	return graph.Continue(graph.Delta{}.
		Set(FieldDiscovery, v).
		Set(FieldSchemaLoaded, graph.Bool(true)).
		Set(FieldTrace, trace(lines...)))
}

// classify labels the latest user message with an intent.
func (a *Assistant) classify(ctx context.Context, s graph.State) graph.Result {
	msg, ok := s.LastMessage(graph.RoleUser)
	if !ok || strings.TrimSpace(msg.Content) == "" {
		return graph.Fail(errors.New("no user message to classify"))
	}

	var out struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	comp, err := a.completer.Complete(ctx, model.Prompt{
		Purpose:  "classify",
		System:   classifySystem,
		Messages: []model.Message{{Role: model.RoleUser, Content: fmt.Sprintf(classifyPrompt, msg.Content)}},
	}, nil)

	var intent string
	var note string
	switch {
	case err != nil && ctx.Err() != nil:
		return graph.Fail(err)
	case err != nil:
		intent = keywordIntent(msg.Content)
		note = "classifier unavailable, used keywords: " + err.Error()
		a.logger.Warn("classification failed", "error", err)
	case decodeCompletion(comp.Text, &out) != nil:
		intent = keywordIntent(comp.Text)
		if intent == IntentQuery {
			intent = keywordIntent(msg.Content)
		}
		note = "classifier answer unparseable, used keywords"
	default:
		raw := strings.ToLower(strings.TrimSpace(out.Intent))
		if alias, ok := intentAliases[raw]; ok {
			raw = alias
		}
		intent = intents.Normalize(raw)
		note = fmt.Sprintf("confidence %.0f%%: %s", out.Confidence*100, out.Reasoning)
	}

	return graph.Continue(graph.Delta{}.
		Set(FieldQuery, graph.String(msg.Content)).
		Set(FieldIntent, graph.String(intent)).
		Set(FieldTrace, trace("intent: "+intent, note)))
}

// selectModel picks the explore that answers the question.
func (a *Assistant) selectModel(ctx context.Context, s graph.State) graph.Result {
	d, err := loadDiscovery(s)
	if err != nil {
		return graph.Fail(err)
	}

	keys := d.Explores()
	byLower := make(map[string]string, len(keys))
	for _, k := range keys {
		byLower[strings.ToLower(k)] = k
	}
	explores := graph.NewEnum("", keys...)

	var out struct {
		Model               string   `json:"model"`
		Explore             string   `json:"explore"`
		Confidence          float64  `json:"confidence"`
		Reasoning           string   `json:"reasoning"`
		ClarifyingQuestions []string `json:"clarifying_questions"`
	}
	comp, err := a.completer.Complete(ctx, model.Prompt{
		Purpose: "select_model",
		System:  selectModelSystem,
		Messages: []model.Message{{
			Role:    model.RoleUser,
			Content: fmt.Sprintf(selectModelPrompt, describeExplores(d, 10), s.String(FieldQuery)),
		}},
	}, nil)
	if err != nil {
		return graph.Fail(fmt.Errorf("select model: %w", err))
	}
	parseErr := decodeCompletion(comp.Text, &out)

	raw := out.Explore
	if out.Model != "" && !strings.Contains(out.Explore, ".") {
		raw = out.Model + "." + out.Explore
	}
	key := byLower[explores.Normalize(raw)]

	// A new selection starts from a clean slate.
	delta := graph.Delta{}.
		Set(FieldDimensions, graph.Strings()).
		Set(FieldMeasures, graph.Strings()).
		Set(FieldFilters, graph.StringMap(nil)).
		Set(FieldClarifyOptions, graph.Strings())

	if parseErr != nil || key == "" {
		questions := out.ClarifyingQuestions
		if len(questions) == 0 {
			questions = []string{"Which data set should I use? " + defaultQuestion}
		}
		return graph.Continue(delta.
			Set(FieldModel, graph.String("")).
			Set(FieldExplore, graph.String("")).
			Set(FieldConfidence, graph.Float(0)).
			Set(FieldNeedsClarification, graph.Bool(true)).
			Set(FieldClarifyingQuestions, graph.Strings(questions...)).
			Set(FieldClarifyOptions, graph.Strings(keys...)).
			Set(FieldTrace, trace("could not determine the explore", out.Reasoning)))
	}

	modelName, exploreName, _ := strings.Cut(key, ".")
	return graph.Continue(delta.
		Set(FieldModel, graph.String(modelName)).
		Set(FieldExplore, graph.String(exploreName)).
		Set(FieldConfidence, graph.Float(clamp01(out.Confidence))).
		Set(FieldNeedsClarification, graph.Bool(false)).
		Set(FieldClarifyingQuestions, graph.Strings()).
		Set(FieldTrace, trace("selected "+key, out.Reasoning)))
}

// fieldSelection is the completion answer of select_fields.
type fieldSelection struct {
	Dimensions          []string          `json:"dimensions"`
	Measures            []string          `json:"measures"`
	Filters             map[string]string `json:"filters"`
	Confidence          float64           `json:"confidence"`
	Reasoning           string            `json:"reasoning"`
	UncertainTerms      []string          `json:"uncertain_terms"`
	ClarifyingQuestions []string          `json:"clarifying_questions"`
	Options             []string          `json:"options"`
}

// selectFields maps the question onto fields of the selected explore. Names
// the model returns that are not in the explore are dropped, and their
// presence lowers the confidence and raises a question.
func (a *Assistant) selectFields(ctx context.Context, s graph.State) graph.Result {
	d, err := loadDiscovery(s)
	if err != nil {
		return graph.Fail(err)
	}
	modelName, exploreName := s.String(FieldModel), s.String(FieldExplore)
	if !d.HasExplore(modelName, exploreName) {
		return graph.Continue(graph.Delta{}.
			Set(FieldNeedsClarification, graph.Bool(true)).
			Set(FieldTrace, trace("no explore selected, skipping field selection")))
	}
	fields := d.FieldsOf(modelName, exploreName)

	extra := ""
	if c := s.String(FieldClarification); c != "" {
		extra = "\nThe user clarified: " + c + "\n"
	}
	if f := s.String(FieldSelectedField); f != "" {
		extra += "The user selected the field: " + f + "\n"
	}
	followUp := s.String(FieldIntent) == IntentFollowUp
	if followUp {
		extra += fmt.Sprintf("This refines the previous selection: dimensions %v, measures %v, filters %v\n",
			s.Strings(FieldDimensions), s.Strings(FieldMeasures), s.StringMap(FieldFilters))
	}

	comp, err := a.completer.Complete(ctx, model.Prompt{
		Purpose: "select_fields",
		System:  selectFieldsSystem,
		Messages: []model.Message{{
			Role: model.RoleUser,
			Content: fmt.Sprintf(selectFieldsPrompt, s.String(FieldQuery), extra, modelName, exploreName,
				formatFields(fields, semantic.KindDimension), formatFields(fields, semantic.KindMeasure)),
		}},
	}, nil)
	if err != nil {
		return graph.Fail(fmt.Errorf("select fields: %w", err))
	}

	var sel fieldSelection
	if err := decodeCompletion(comp.Text, &sel); err != nil {
		var prev fieldSelection
		if followUp {
			prev = fieldSelection{
				Dimensions: s.Strings(FieldDimensions),
				Measures:   s.Strings(FieldMeasures),
				Filters:    s.StringMap(FieldFilters),
			}
		}
		sel = keywordSelection(fields, s.String(FieldQuery)+" "+s.String(FieldClarification),
			s.String(FieldSelectedField), prev, modelName, exploreName)
	}

	known := func(name string, kind semantic.FieldKind) bool {
		f, ok := d.Field(modelName, exploreName, name)
		return ok && (kind == "" || f.Kind == kind)
	}
	var unknown []string
	keep := func(names []string, kind semantic.FieldKind) []string {
		var out []string
		for _, n := range names {
			if known(n, kind) {
				out = appendUnique(out, n)
			} else {
				unknown = append(unknown, n)
			}
		}
		return out
	}
	dims := keep(sel.Dimensions, semantic.KindDimension)
	measures := keep(sel.Measures, semantic.KindMeasure)
	filters := map[string]string{}
	for name, value := range sel.Filters {
		if known(name, "") {
			filters[name] = value
		} else {
			unknown = append(unknown, name)
		}
	}

	// A field the user picked explicitly is always part of the selection.
	if pinned, ok := d.Field(modelName, exploreName, s.String(FieldSelectedField)); ok {
		if pinned.Kind == semantic.KindMeasure {
			measures = appendUnique(measures, pinned.Name)
		} else {
			dims = appendUnique(dims, pinned.Name)
		}
	}

	confidence := clamp01(sel.Confidence)
	questions := sel.ClarifyingQuestions
	if len(unknown) > 0 {
		confidence = min(confidence, 0.5)
		if len(questions) == 0 {
			questions = []string{fmt.Sprintf("I couldn't find %s in %s.%s. Which field did you mean?",
				strings.Join(quoteAll(unknown), ", "), modelName, exploreName)}
		}
	}

	var options []string
	for _, o := range sel.Options {
		if known(o, "") {
			options = appendUnique(options, o)
		}
	}
	if len(options) == 0 && len(questions) > 0 {
		options = suggestFields(d, fields, append(append([]string{}, sel.UncertainTerms...), unknown...))
	}

	lines := []string{
		fmt.Sprintf("dimensions: %v", dims),
		fmt.Sprintf("measures: %v", measures),
		fmt.Sprintf("confidence %.0f%%", confidence*100),
	}
	if len(unknown) > 0 {
		lines = append(lines, "dropped unknown fields: "+strings.Join(unknown, ", "))
	}
	if sel.Reasoning != "" {
		lines = append(lines, sel.Reasoning)
	}

	return graph.Continue(graph.Delta{}.
		Set(FieldDimensions, graph.Strings(dims...)).
		Set(FieldMeasures, graph.Strings(measures...)).
		Set(FieldFilters, graph.StringMap(filters)).
		Set(FieldConfidence, graph.Float(confidence)).
		Set(FieldNeedsClarification, graph.Bool(len(questions) > 0)).
		Set(FieldClarifyingQuestions, graph.Strings(questions...)).
		Set(FieldClarifyOptions, graph.Strings(options...)).
		Set(FieldTrace, trace(lines...)))
}

// confidenceCheck decides whether the selection is good enough to query.
func (a *Assistant) confidenceCheck(_ context.Context, s graph.State) graph.Result {
	confidence := s.Float(FieldConfidence)
	empty := len(s.Strings(FieldDimensions)) == 0 && len(s.Strings(FieldMeasures)) == 0
	needs := s.Bool(FieldNeedsClarification) || confidence < a.threshold || empty

	delta := graph.Delta{}.Set(FieldNeedsClarification, graph.Bool(needs))
	if !needs {
		return graph.Continue(delta.Set(FieldTrace,
			trace(fmt.Sprintf("confidence %.0f%% is sufficient", confidence*100))))
	}
	if len(s.Strings(FieldClarifyingQuestions)) == 0 {
		delta = delta.Set(FieldClarifyingQuestions, graph.Strings(defaultQuestion))
	}
	return graph.Continue(delta.Set(FieldTrace,
		trace(fmt.Sprintf("confidence %.0f%% is below %.0f%%, asking for clarification", confidence*100, a.threshold*100))))
}

// ClarifyPayload is the ticket payload of ask_clarify.
type ClarifyPayload struct {
	Question  string   `json:"question"`
	Questions []string `json:"questions"`
	Options   []string `json:"options,omitempty"`
}

// askClarify suspends the run with the pending questions.
func (a *Assistant) askClarify(_ context.Context, s graph.State) graph.Result {
	questions := s.Strings(FieldClarifyingQuestions)
	if len(questions) == 0 {
		questions = []string{defaultQuestion}
	}
	options := s.Strings(FieldClarifyOptions)

	var b strings.Builder
	b.WriteString("I want to make sure I understand your question correctly.\n\n")
	if len(questions) == 1 {
		b.WriteString(questions[0])
	} else {
		b.WriteString("I have a few questions:")
		for i, q := range questions {
			fmt.Fprintf(&b, "\n  %d. %s", i+1, q)
		}
	}
	if len(options) > 0 {
		b.WriteString("\n\nOptions:")
		for i, o := range options {
			fmt.Fprintf(&b, "\n  %d. %s", i+1, o)
		}
	}
	text := b.String()

	return graph.Suspend(graph.Delta{}.
		Set(FieldFinalResponse, graph.String(text)).
		Set(FieldTrace, trace("asking: "+strings.Join(questions, " | "))),
		ClarifyPayload{Question: text, Questions: questions, Options: options})
}

// ClarifyResponse is the resume payload accepted by ask_clarify. Option is
// 1-based and indexes the ticket's options.
type ClarifyResponse struct {
	Answer string `mapstructure:"answer" json:"answer,omitempty"`
	Option *int   `mapstructure:"option" json:"option,omitempty"`
}

// resumeClarify maps the user's answer onto the selection.
func (a *Assistant) resumeClarify(_ context.Context, s graph.State, response json.RawMessage) (graph.Delta, error) {
	var resp ClarifyResponse
	if err := graph.DecodeResponse(response, &resp); err != nil {
		return graph.Delta{}, err
	}

	choice := strings.TrimSpace(resp.Answer)
	if resp.Option != nil {
		options := s.Strings(FieldClarifyOptions)
		n := *resp.Option
		if n < 1 || n > len(options) {
			return graph.Delta{}, fmt.Errorf("option %d is out of range, %d options were offered", n, len(options))
		}
		choice = options[n-1]
	}
	if choice == "" {
		return graph.Delta{}, errors.New("response needs an answer or an option")
	}

	delta := graph.Delta{}.
		Set(FieldClarification, graph.String(choice)).
		Set(FieldNeedsClarification, graph.Bool(false)).
		Set(FieldClarifyingQuestions, graph.Strings()).
		Set(FieldClarifyOptions, graph.Strings()).
		AppendMessage(graph.RoleUser, choice)

	d, err := loadDiscovery(s)
	if err != nil {
		return graph.Delta{}, err
	}
	if modelName, exploreName, ok := strings.Cut(choice, "."); ok && d.HasExplore(modelName, exploreName) {
		return delta.
			Set(FieldModel, graph.String(modelName)).
			Set(FieldExplore, graph.String(exploreName)).
			Set(FieldTrace, trace("user chose explore "+choice)), nil
	}
	if f, ok := findExactField(d, s.String(FieldModel), s.String(FieldExplore), choice); ok {
		return delta.
			Set(FieldSelectedField, graph.String(f.Name)).
			Set(FieldTrace, trace("user chose field "+f.Name)), nil
	}
	return delta.Set(FieldTrace, trace("user clarified: "+choice)), nil
}

// generateQuery grounds the selection against discovery and renders it.
func (a *Assistant) generateQuery(ctx context.Context, s graph.State) graph.Result {
	d, err := loadDiscovery(s)
	if err != nil {
		return graph.Fail(err)
	}
	req := semantic.QueryRequest{
		Model:      s.String(FieldModel),
		Explore:    s.String(FieldExplore),
		Dimensions: s.Strings(FieldDimensions),
		Measures:   s.Strings(FieldMeasures),
		Filters:    s.StringMap(FieldFilters),
	}
	if err := d.Ground(req); err != nil {
		return graph.Fail(err)
	}

	query, err := a.catalog.GenerateQuery(ctx, req)
	if err != nil {
		return graph.Fail(fmt.Errorf("generate query: %w", err))
	}
	return graph.Continue(graph.Delta{}.
		Set(FieldGeneratedQuery, graph.String(query)).
		Set(FieldTrace, trace("generated query on "+req.Model+"."+req.Explore)))
}

// schemaOverview describes the catalog, or one explore when the question
// names it.
func (a *Assistant) schemaOverview(_ context.Context, s graph.State) graph.Result {
	d, err := loadDiscovery(s)
	if err != nil {
		return graph.Fail(err)
	}
	if modelName, exploreName, ok := mentionedExplore(d, s.String(FieldQuery)); ok {
		return graph.Continue(graph.Delta{}.
			Set(FieldFinalResponse, graph.String(formatExploreDetails(d, modelName, exploreName))).
			Set(FieldTrace, trace("showing explore "+modelName+"."+exploreName)))
	}
	return graph.Continue(graph.Delta{}.
		Set(FieldFinalResponse, graph.String(formatSchemaTree(d))).
		Set(FieldTrace, trace("showing schema overview")))
}

// fieldExplain answers a question about one field. The completion may only
// use list_fields; its tool calls run through the registry.
func (a *Assistant) fieldExplain(ctx context.Context, s graph.State) graph.Result {
	d, err := loadDiscovery(s)
	if err != nil {
		return graph.Fail(err)
	}
	question := s.String(FieldQuery)
	field, found := d.FindField(fieldTerm(question))

	messages := []model.Message{{Role: model.RoleUser, Content: question}}
	lines := []string{"looking up field " + fieldTerm(question)}
	var text string

	for round := 0; ; round++ {
		comp, err := a.completer.Complete(ctx, model.Prompt{
			Purpose:  "field_explain",
			System:   fmt.Sprintf(fieldExplainSystem, describeExplores(d, 0)),
			Messages: messages,
		}, []string{semantic.ToolListFields})
		if err != nil {
			if ctx.Err() != nil {
				return graph.Fail(err)
			}
			a.logger.Warn("field explanation completion failed", "error", err)
			lines = append(lines, "completion failed: "+err.Error())
			break
		}
		if len(comp.ToolCalls) == 0 || round == maxToolRounds {
			text = strings.TrimSpace(comp.Text)
			break
		}
		for _, call := range comp.ToolCalls {
			messages = append(messages, model.Message{
				Role:    model.RoleAssistant,
				Content: fmt.Sprintf("Calling %s with %s", call.Name, compactJSON(call.Input)),
			})
			out, err := a.tools.Invoke(ctx, call)
			result := compactJSON(out)
			if err != nil {
				result = "error: " + err.Error()
			}
			messages = append(messages, model.Message{
				Role:    model.RoleUser,
				Content: fmt.Sprintf("%s returned: %s", call.Name, result),
			})
			lines = append(lines, "tool "+call.Name)
		}
	}

	delta := graph.Delta{}
	switch {
	case text != "":
	case found:
		text = formatFieldExplanation(field)
	default:
		text = formatFieldNotFound(fieldTerm(question), d)
	}
	if found {
		delta = delta.Set(FieldSelectedField, graph.String(field.Name))
		lines = append(lines, "found field "+field.Model+"."+field.Explore+"."+field.Name)
	}
	return graph.Continue(delta.
		Set(FieldFinalResponse, graph.String(text)).
		Set(FieldTrace, trace(lines...)))
}

// formatResponse completes the run and appends the assistant's answer to the
// conversation.
func (a *Assistant) formatResponse(_ context.Context, s graph.State) graph.Result {
	text := s.String(FieldFinalResponse)
	if q := s.String(FieldGeneratedQuery); q != "" {
		text = formatQueryResponse(s, q)
	}
	if text == "" {
		text = defaultQuestion
	}
	return graph.Stop(graph.Delta{}.
		Set(FieldFinalResponse, graph.String(text)).
		AppendMessage(graph.RoleAssistant, text))
}

func clamp01(f float64) float64 {
	return max(0, min(1, f))
}

func appendUnique(list []string, v string) []string {
	for _, item := range list {
		if item == v {
			return list
		}
	}
	return append(list, v)
}

func quoteAll(items []string) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = fmt.Sprintf("%q", item)
	}
	return out
}

// findExactField matches name case-insensitively, preferring the current
// explore over the rest of the catalog.
func findExactField(d semantic.Discovery, modelName, exploreName, name string) (semantic.FieldRef, bool) {
	var other *semantic.FieldRef
	for i, f := range d.Fields {
		if !strings.EqualFold(f.Name, name) {
			continue
		}
		if f.Model == modelName && f.Explore == exploreName {
			return f, true
		}
		if other == nil {
			other = &d.Fields[i]
		}
	}
	if other != nil {
		return *other, true
	}
	return semantic.FieldRef{}, false
}

// suggestFields proposes up to five fields of the explore related to terms,
// falling back to the explore's measures.
func suggestFields(d semantic.Discovery, fields []semantic.FieldRef, terms []string) []string {
	var out []string
	for _, term := range terms {
		needle := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(term), " ", "_"))
		if needle == "" {
			continue
		}
		for _, f := range fields {
			if strings.Contains(strings.ToLower(f.Name), needle) {
				out = appendUnique(out, f.Name)
			}
		}
	}
	if len(out) == 0 {
		for _, f := range fields {
			if f.Kind == semantic.KindMeasure {
				out = appendUnique(out, f.Name)
			}
		}
	}
	if len(out) > 5 {
		out = out[:5]
	}
	return out
}

// mentionedExplore finds an explore, or the first explore of a model, named
// in text.
func mentionedExplore(d semantic.Discovery, text string) (string, string, bool) {
	lower := strings.ToLower(text)
	for _, m := range d.Models {
		for _, e := range m.Explores {
			if strings.Contains(lower, strings.ToLower(e.Name)) {
				return m.Name, e.Name, true
			}
		}
	}
	for _, m := range d.Models {
		if len(m.Explores) > 0 && strings.Contains(lower, strings.ToLower(m.Name)) {
			return m.Name, m.Explores[0].Name, true
		}
	}
	return "", "", false
}
