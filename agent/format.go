package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dshills/interruptgraph/graph"
	"github.com/dshills/interruptgraph/semantic"
)

// describeExplores lists every explore with its description and up to
// sample fields of each kind. sample <= 0 omits the fields.
func describeExplores(d semantic.Discovery, sample int) string {
	var b strings.Builder
	for _, m := range d.Models {
		fmt.Fprintf(&b, "Model: %s (%s)\n", m.Name, m.Label)
		for _, e := range m.Explores {
			fmt.Fprintf(&b, "  Explore: %s.%s\n", m.Name, e.Name)
			if e.Description != "" {
				fmt.Fprintf(&b, "    Description: %s\n", e.Description)
			}
			if sample <= 0 {
				continue
			}
			var dims, measures []string
			for _, f := range d.FieldsOf(m.Name, e.Name) {
				if f.Kind == semantic.KindMeasure {
					if len(measures) < sample {
						measures = append(measures, f.Name)
					}
				} else if len(dims) < sample {
					dims = append(dims, f.Name)
				}
			}
			fmt.Fprintf(&b, "    Sample dimensions: %s\n", strings.Join(dims, ", "))
			fmt.Fprintf(&b, "    Sample measures: %s\n", strings.Join(measures, ", "))
		}
	}
	return b.String()
}

// formatFields renders the fields of one kind for a prompt.
func formatFields(fields []semantic.FieldRef, kind semantic.FieldKind) string {
	var lines []string
	for _, f := range fields {
		if f.Kind != kind {
			continue
		}
		line := "- " + f.Name
		if f.Label != "" && f.Label != f.Name {
			line += " (" + f.Label + ")"
		}
		if f.Type != "" {
			line += " [" + f.Type + "]"
		}
		if f.Description != "" {
			line += ": " + truncate(f.Description, 80)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return "None available"
	}
	return strings.Join(lines, "\n")
}

func formatSchemaTree(d semantic.Discovery) string {
	var b strings.Builder
	b.WriteString("AVAILABLE DATA\n")
	for _, m := range d.Models {
		fmt.Fprintf(&b, "\nModel: %s", m.Name)
		if m.Label != "" && m.Label != m.Name {
			fmt.Fprintf(&b, " (%s)", m.Label)
		}
		b.WriteString("\n")
		for i, e := range m.Explores {
			prefix := "├──"
			if i == len(m.Explores)-1 {
				prefix = "└──"
			}
			var dims, measures int
			for _, f := range d.FieldsOf(m.Name, e.Name) {
				if f.Kind == semantic.KindMeasure {
					measures++
				} else {
					dims++
				}
			}
			fmt.Fprintf(&b, "  %s %s: %d dimensions, %d measures\n", prefix, e.Name, dims, measures)
			if e.Description != "" {
				fmt.Fprintf(&b, "      %s\n", truncate(e.Description, 60))
			}
		}
	}
	b.WriteString("\nTry asking:\n")
	b.WriteString("  \"Tell me about the <explore> explore\"\n")
	b.WriteString("  \"Show me <measure> by <dimension>\"")
	return b.String()
}

func formatExploreDetails(d semantic.Discovery, modelName, exploreName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "EXPLORE: %s\nModel: %s\n", exploreName, modelName)
	for _, m := range d.Models {
		if m.Name != modelName {
			continue
		}
		for _, e := range m.Explores {
			if e.Name == exploreName && e.Description != "" {
				fmt.Fprintf(&b, "%s\n", e.Description)
			}
		}
	}

	fields := d.FieldsOf(modelName, exploreName)
	section := func(title string, kind semantic.FieldKind) (first string) {
		fmt.Fprintf(&b, "\n%s\n", title)
		shown, total := 0, 0
		for _, f := range fields {
			if f.Kind != kind {
				continue
			}
			total++
			if first == "" {
				first = f.Name
			}
			if shown == 15 {
				continue
			}
			shown++
			line := "  - " + f.Name
			if f.Type != "" {
				line += " [" + f.Type + "]"
			}
			b.WriteString(line + "\n")
			if f.Description != "" {
				fmt.Fprintf(&b, "    %s\n", truncate(f.Description, 60))
			}
		}
		if total > shown {
			fmt.Fprintf(&b, "  ... and %d more\n", total-shown)
		}
		return first
	}
	dim := section("DIMENSIONS", semantic.KindDimension)
	measure := section("MEASURES", semantic.KindMeasure)

	if dim != "" && measure != "" {
		fmt.Fprintf(&b, "\nExample: \"Show me %s by %s\"", measure, dim)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatFieldExplanation(f semantic.FieldRef) string {
	kind := "DIMENSION"
	if f.Kind == semantic.KindMeasure {
		kind = "MEASURE"
	}
	description := f.Description
	if description == "" {
		description = "No description available"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", kind, f.Name)
	fmt.Fprintf(&b, "  Label: %s\n  Type: %s\n  Explore: %s.%s\n\n", f.Label, f.Type, f.Model, f.Explore)
	fmt.Fprintf(&b, "%s\n", description)
	if f.SQL != "" {
		fmt.Fprintf(&b, "\nDefinition:\n  %s\n", f.SQL)
	}
	if f.Kind == semantic.KindMeasure {
		fmt.Fprintf(&b, "\nThis is an aggregation (%s). Example: \"Show me %s by region\"", f.Type, f.Name)
	} else {
		fmt.Fprintf(&b, "\nThis dimension groups data. Example: \"Show me sales by %s\"", f.Name)
	}
	return b.String()
}

func formatFieldNotFound(term string, d semantic.Discovery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I couldn't find a field matching %q.\n\nTry one of these:", term)
	n := 0
	for _, f := range d.Fields {
		if n == 6 {
			break
		}
		fmt.Fprintf(&b, "\n  - %s", f.Name)
		n++
	}
	b.WriteString("\n\nOr ask \"What data is available?\" to see the full schema.")
	return b.String()
}

func formatQueryResponse(s graph.State, query string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Here is the query on %s.%s:\n\n```sql\n%s\n```", s.String(FieldModel), s.String(FieldExplore), query)
	if dims := s.Strings(FieldDimensions); len(dims) > 0 {
		fmt.Fprintf(&b, "\n\nDimensions: %s", strings.Join(dims, ", "))
	}
	if measures := s.Strings(FieldMeasures); len(measures) > 0 {
		fmt.Fprintf(&b, "\nMeasures: %s", strings.Join(measures, ", "))
	}
	return b.String()
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
