package enrich

import "strings"

// GapType names a kind of missing column metadata.
type GapType string

const (
	GapLabel       GapType = "missing_label"
	GapDescription GapType = "missing_description"
	GapSensitivity GapType = "missing_sensitivity"
)

// sensitivePatterns are name fragments of columns that usually hold
// personal or confidential data.
var sensitivePatterns = []string{
	"card", "account", "customer", "cust", "ssn", "phone", "email",
	"address", "name", "dob", "birth", "income", "salary", "balance",
	"credit", "debit", "payment", "transaction", "txn",
}

// Gaps is the metadata gap analysis of one table.
type Gaps struct {
	Table              string               `json:"table"`
	TotalColumns       int                  `json:"total_columns"`
	ColumnsWithGaps    int                  `json:"columns_with_gaps"`
	MissingLabels      int                  `json:"missing_labels"`
	MissingDescription int                  `json:"missing_descriptions"`
	MissingSensitivity int                  `json:"missing_sensitivity"`
	Columns            map[string][]GapType `json:"columns"`
}

// CompletionRate is the share of columns without gaps, in percent.
func (g Gaps) CompletionRate() float64 {
	if g.TotalColumns == 0 {
		return 100
	}
	return float64(g.TotalColumns-g.ColumnsWithGaps) / float64(g.TotalColumns) * 100
}

// Has reports whether the column has a gap of type t.
func (g Gaps) Has(column string, t GapType) bool {
	for _, got := range g.Columns[column] {
		if got == t {
			return true
		}
	}
	return false
}

// LooksSensitive reports whether a column name matches a sensitive pattern.
func LooksSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range sensitivePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// AnalyzeGaps lists the metadata each column of t is missing. A column
// whose name looks sensitive but carries no classification has a
// sensitivity gap.
func AnalyzeGaps(t Table) Gaps {
	g := Gaps{Table: t.Name, TotalColumns: len(t.Columns), Columns: map[string][]GapType{}}
	for _, c := range t.Columns {
		var found []GapType
		if strings.TrimSpace(c.Label) == "" {
			found = append(found, GapLabel)
			g.MissingLabels++
		}
		if strings.TrimSpace(c.Description) == "" {
			found = append(found, GapDescription)
			g.MissingDescription++
		}
		if LooksSensitive(c.Name) && c.Sensitivity == "" && !c.Sensitive {
			found = append(found, GapSensitivity)
			g.MissingSensitivity++
		}
		if len(found) > 0 {
			g.Columns[c.Name] = found
		}
	}
	g.ColumnsWithGaps = len(g.Columns)
	return g
}
