package agent

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/dshills/interruptgraph/graph/model"
	"github.com/dshills/interruptgraph/semantic"
)

var errNoJSON = model.ErrNoJSON

func decodeCompletion(text string, out any) error {
	return model.DecodeCompletion(text, out)
}

// keywordIntent classifies text when the classifier's answer cannot be parsed.
func keywordIntent(text string) string {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "schema_overview", "explore_details", "what data", "tell me about", "available"):
		return IntentSchemaOverview
	case containsAny(lower, "field_explain", "what is", "what does", "explain"):
		return IntentFieldExplain
	case containsAny(lower, "follow_up", "filter"):
		return IntentFollowUp
	}
	return IntentQuery
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// fieldTerm strips question phrasing from text, leaving the field the user
// is asking about.
func fieldTerm(text string) string {
	lower := strings.ToLower(text)
	for _, pattern := range []string{"what is ", "what's ", "explain ", "tell me about ", "what does ", " mean", "how is ", " calculated", "?"} {
		lower = strings.ReplaceAll(lower, pattern, " ")
	}
	stop := map[string]bool{"the": true, "a": true, "an": true, "field": true, "dimension": true, "measure": true, "is": true, "are": true}
	var words []string
	for _, w := range strings.Fields(lower) {
		if !stop[w] {
			words = append(words, w)
		}
	}
	return strings.Join(words, " ")
}

// keywordSelection maps the words of text onto fields of the explore when
// the field selection cannot be parsed. It starts from prev. A word naming
// one field selects it. A word matching several fields is uncertain unless
// one of them is already chosen or pinned. Words in skip are ignored.
func keywordSelection(fields []semantic.FieldRef, text, pinned string, prev fieldSelection, skip ...string) fieldSelection {
	sel := fieldSelection{
		Dimensions: append([]string(nil), prev.Dimensions...),
		Measures:   append([]string(nil), prev.Measures...),
		Filters:    prev.Filters,
		Reasoning:  "matched field names in the question",
	}
	chosen := map[string]bool{strings.ToLower(pinned): pinned != ""}
	for _, n := range append(append([]string(nil), sel.Dimensions...), sel.Measures...) {
		chosen[strings.ToLower(n)] = true
	}
	pick := func(f semantic.FieldRef) {
		chosen[strings.ToLower(f.Name)] = true
		if f.Kind == semantic.KindMeasure {
			sel.Measures = appendUnique(sel.Measures, f.Name)
		} else {
			sel.Dimensions = appendUnique(sel.Dimensions, f.Name)
		}
	}

	ignore := map[string]bool{}
	for _, w := range skip {
		ignore[strings.ToLower(w)] = true
	}
	type match struct {
		word   string
		fields []semantic.FieldRef
	}
	var ambiguous []match
	for _, w := range fieldWords(text) {
		if ignore[w] {
			continue
		}
		var found []semantic.FieldRef
		for _, f := range fields {
			if strings.EqualFold(f.Name, w) {
				found = []semantic.FieldRef{f}
				break
			}
			if nameHasPart(f.Name, w) {
				found = append(found, f)
			}
		}
		switch len(found) {
		case 0:
		case 1:
			pick(found[0])
		default:
			ambiguous = append(ambiguous, match{word: w, fields: found})
		}
	}

	var options []string
	for _, m := range ambiguous {
		settled := false
		for _, f := range m.fields {
			settled = settled || chosen[strings.ToLower(f.Name)]
		}
		if settled {
			continue
		}
		sel.UncertainTerms = appendUnique(sel.UncertainTerms, m.word)
		for _, f := range m.fields {
			options = appendUnique(options, f.Name)
		}
	}

	switch {
	case len(sel.UncertainTerms) > 0:
		sel.Confidence = 0.5
		sel.Options = options
		sel.ClarifyingQuestions = []string{fmt.Sprintf("Which field did you mean by %s?",
			strings.Join(quoteAll(sel.UncertainTerms), " and "))}
	case len(sel.Dimensions)+len(sel.Measures) > 0 || pinned != "":
		sel.Confidence = 0.9
	default:
		sel.ClarifyingQuestions = []string{defaultQuestion}
	}
	return sel
}

// fieldWords splits text into lowercase words, keeping underscores so field
// names survive intact.
func fieldWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// nameHasPart reports whether word, or its singular, is one of the
// underscore separated parts of name.
func nameHasPart(name, word string) bool {
	for _, part := range strings.Split(strings.ToLower(name), "_") {
		if part == word || part+"s" == word {
			return true
		}
	}
	return false
}
