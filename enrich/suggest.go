package enrich

import (
	"fmt"
	"sort"
	"strings"
)

// Sensitivity tiers.
const (
	TierRestricted   = "CM15"
	TierConfidential = "CM11"
)

// Suggestion is the proposed metadata for one column. Only the values for
// the column's gaps are set.
type Suggestion struct {
	Column      string    `json:"column"`
	Gaps        []GapType `json:"gaps"`
	Label       string    `json:"label,omitempty"`
	Description string    `json:"description,omitempty"`
	Sensitivity string    `json:"sensitivity,omitempty"`
	Reasoning   string    `json:"reasoning,omitempty"`
	Confidence  float64   `json:"confidence"`
}

// Enrichment is the reviewed metadata applied to a column.
type Enrichment struct {
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
	Sensitivity string `json:"sensitivity,omitempty"`
}

func (e Enrichment) empty() bool {
	return e.Label == "" && e.Description == "" && e.Sensitivity == ""
}

// enrichment is what accepting s applies.
func (s Suggestion) enrichment() Enrichment {
	return Enrichment{Label: s.Label, Description: s.Description, Sensitivity: s.Sensitivity}
}

// completionSuggestions is the shape the provider is asked to answer in.
type completionSuggestions struct {
	Suggestions []struct {
		Column      string  `json:"column_name"`
		Label       string  `json:"suggested_label"`
		Description string  `json:"suggested_description"`
		Sensitivity string  `json:"suggested_sensitivity"`
		Reasoning   string  `json:"reasoning"`
		Confidence  float64 `json:"confidence"`
	} `json:"suggestions"`
}

// fromCompletion keeps the suggestions for columns with gaps and drops the
// values for metadata the column already has. Columns the provider skipped
// are absent from the result.
func fromCompletion(out completionSuggestions, g Gaps) map[string]Suggestion {
	found := map[string]Suggestion{}
	for _, item := range out.Suggestions {
		gaps, ok := g.Columns[item.Column]
		if !ok {
			continue
		}
		s := Suggestion{
			Column:     item.Column,
			Gaps:       gaps,
			Reasoning:  strings.TrimSpace(item.Reasoning),
			Confidence: item.Confidence,
		}
		if s.Confidence <= 0 || s.Confidence > 1 {
			s.Confidence = 0.8
		}
		if g.Has(item.Column, GapLabel) {
			s.Label = strings.TrimSpace(item.Label)
		}
		if g.Has(item.Column, GapDescription) {
			s.Description = strings.TrimSpace(item.Description)
		}
		if g.Has(item.Column, GapSensitivity) {
			s.Sensitivity = normalizeTier(item.Sensitivity)
		}
		found[item.Column] = s
	}
	return found
}

// normalizeTier maps provider spellings of "no classification" to "".
func normalizeTier(t string) string {
	t = strings.TrimSpace(t)
	switch strings.ToLower(t) {
	case "", "null", "none", "n/a":
		return ""
	}
	return strings.ToUpper(t)
}

// abbreviations common in warehouse column names.
var abbreviations = map[string]string{
	"cust": "customer",
	"xref": "cross-reference",
	"txn":  "transaction",
	"amt":  "amount",
	"cnt":  "count",
	"dt":   "date",
	"id":   "identifier",
	"org":  "organization",
	"grp":  "group",
	"avg":  "average",
	"rpt":  "report",
}

var restrictedPatterns = []string{"card", "ssn", "account", "dob", "birth"}

var confidentialPatterns = []string{"customer", "cust", "income", "salary", "balance"}

// humanize expands abbreviations and title-cases a column name.
func humanize(name string) string {
	parts := strings.Split(strings.ToLower(name), "_")
	words := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if full, ok := abbreviations[p]; ok {
			p = full
		}
		words = append(words, strings.ToUpper(p[:1])+p[1:])
	}
	return strings.Join(words, " ")
}

// nameSuggestion derives a suggestion from the column name alone. It is
// used for every column the provider could not answer for.
func nameSuggestion(table string, c Column, gaps []GapType) Suggestion {
	s := Suggestion{
		Column:     c.Name,
		Gaps:       gaps,
		Reasoning:  "derived from the column name",
		Confidence: 0.5,
	}
	label := humanize(c.Name)
	for _, gap := range gaps {
		switch gap {
		case GapLabel:
			s.Label = label
		case GapDescription:
			s.Description = fmt.Sprintf("%s of the %s table", label, table)
		case GapSensitivity:
			s.Sensitivity = nameTier(c.Name)
		}
	}
	return s
}

func nameTier(name string) string {
	lower := strings.ToLower(name)
	for _, p := range restrictedPatterns {
		if strings.Contains(lower, p) {
			return TierRestricted
		}
	}
	for _, p := range confidentialPatterns {
		if strings.Contains(lower, p) {
			return TierConfidential
		}
	}
	return ""
}

// suggestionPrompt lists the columns with gaps in position order.
func suggestionPrompt(t Table, g Gaps) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Table: %s\n", t.Name)
	fmt.Fprintf(&b, "Total columns: %d\n", len(t.Columns))
	fmt.Fprintf(&b, "Columns needing enrichment: %d\n\n## Columns to enrich\n", g.ColumnsWithGaps)
	for _, c := range t.Columns {
		gaps, ok := g.Columns[c.Name]
		if !ok {
			continue
		}
		names := make([]string, len(gaps))
		for i, gap := range gaps {
			names[i] = string(gap)
		}
		fmt.Fprintf(&b, "\n### %s\n", c.Name)
		fmt.Fprintf(&b, "- Type: %s\n", c.Type)
		fmt.Fprintf(&b, "- Current label: %s\n", orMissing(c.Label))
		fmt.Fprintf(&b, "- Current description: %s\n", orMissing(c.Description))
		fmt.Fprintf(&b, "- Current sensitivity: %s\n", orDefault(c.Sensitivity, "not classified"))
		fmt.Fprintf(&b, "- Gaps: %s\n", strings.Join(names, ", "))
	}
	b.WriteString("\nSuggest metadata for each column above.")
	return b.String()
}

func orMissing(s string) string { return orDefault(s, "MISSING") }

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// sortedSuggestions orders suggestions by column position in t.
func sortedSuggestions(t Table, found map[string]Suggestion) []Suggestion {
	pos := map[string]int{}
	for i, c := range t.Columns {
		pos[c.Name] = i
	}
	out := make([]Suggestion, 0, len(found))
	for _, s := range found {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return pos[out[i].Column] < pos[out[j].Column] })
	return out
}
