package enrich

import (
	"fmt"
	"strings"
)

var lookmlTypes = map[string]string{
	"STRING":    "string",
	"INT64":     "number",
	"INTEGER":   "number",
	"FLOAT64":   "number",
	"FLOAT":     "number",
	"NUMERIC":   "number",
	"DECIMAL":   "number",
	"DATE":      "date",
	"DATETIME":  "date_time",
	"TIMESTAMP": "date_time",
	"BOOLEAN":   "yesno",
	"BOOL":      "yesno",
}

func lookmlType(t string) string {
	if lt, ok := lookmlTypes[strings.ToUpper(t)]; ok {
		return lt
	}
	return "string"
}

func isDate(t string) bool {
	switch strings.ToUpper(t) {
	case "DATE", "DATETIME", "TIMESTAMP":
		return true
	}
	return false
}

func isNumeric(t string) bool {
	return lookmlType(t) == "number"
}

var (
	countSuffixes  = []string{"_cnt", "_count", "_qty", "_num"}
	amountSuffixes = []string{"_amt", "_amount", "_spend", "_revenue", "_cost"}
	dateSuffixes   = []string{"_dt", "_date", "_datetime", "_ts", "_timestamp"}
)

func hasSuffix(name string, suffixes []string) bool {
	lower := strings.ToLower(name)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// enriched merges the reviewed metadata over the catalog's.
func enriched(c Column, applied map[string]Enrichment) Column {
	e, ok := applied[c.Name]
	if !ok {
		return c
	}
	if e.Label != "" {
		c.Label = e.Label
	}
	if e.Description != "" {
		c.Description = e.Description
	}
	if e.Sensitivity != "" {
		c.Sensitivity = e.Sensitivity
	}
	return c
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// GenerateView renders a LookML view of t with the applied enrichments.
// Date columns become dimension groups; numeric count and amount columns
// get sum and average measures.
func GenerateView(t Table, applied map[string]Enrichment, dataset string) string {
	var b strings.Builder
	sqlTable := t.Name
	if dataset != "" {
		sqlTable = dataset + "." + t.Name
	}
	fmt.Fprintf(&b, "view: %s {\n", strings.ToLower(t.Name))
	fmt.Fprintf(&b, "  sql_table_name: `%s` ;;\n\n", sqlTable)

	for _, raw := range t.Columns {
		c := enriched(raw, applied)
		if isDate(c.Type) {
			writeDimensionGroup(&b, c)
		} else {
			writeDimension(&b, c)
		}
		b.WriteString("\n")
	}

	writeMeasure(&b, "count", "count", "", "Row Count", "Total number of records")
	for _, raw := range t.Columns {
		c := enriched(raw, applied)
		if !isNumeric(c.Type) {
			continue
		}
		label := orDefault(c.Label, humanize(c.Name))
		switch {
		case hasSuffix(c.Name, countSuffixes):
			b.WriteString("\n")
			writeMeasure(&b, "total_"+c.Name, "sum", c.Name, "Total "+label, "Sum of "+label)
		case hasSuffix(c.Name, amountSuffixes):
			b.WriteString("\n")
			writeMeasure(&b, "total_"+c.Name, "sum", c.Name, "Total "+label, "Sum of "+label)
			b.WriteString("\n")
			writeMeasure(&b, "avg_"+c.Name, "average", c.Name, "Average "+label, "Average of "+label)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func writeDimension(b *strings.Builder, c Column) {
	fmt.Fprintf(b, "  dimension: %s {\n", c.Name)
	fmt.Fprintf(b, "    type: %s\n", lookmlType(c.Type))
	fmt.Fprintf(b, "    sql: ${TABLE}.%s ;;\n", c.Name)
	writeText(b, c)
	if c.Primary || c.DedupeKey {
		b.WriteString("    primary_key: yes\n")
	}

	var tags []string
	if c.Sensitivity != "" {
		tags = append(tags, quote("sensitivity:"+c.Sensitivity))
	}
	if c.Sensitive {
		tags = append(tags, quote("pii"))
	}
	if c.Partitioned {
		tags = append(tags, quote("partition"))
	}
	if len(tags) > 0 {
		fmt.Fprintf(b, "    tags: [%s]\n", strings.Join(tags, ", "))
	}
	if c.Sensitive || c.Sensitivity == TierRestricted {
		b.WriteString("    hidden: yes\n")
	}
	b.WriteString("  }\n")
}

func writeDimensionGroup(b *strings.Builder, c Column) {
	group := c.Name
	for _, s := range dateSuffixes {
		if strings.HasSuffix(strings.ToLower(group), s) && len(group) > len(s) {
			group = group[:len(group)-len(s)]
			break
		}
	}
	datatype := "date"
	if strings.ToUpper(c.Type) != "DATE" {
		datatype = "datetime"
	}
	fmt.Fprintf(b, "  dimension_group: %s {\n", group)
	b.WriteString("    type: time\n")
	b.WriteString("    timeframes: [raw, date, week, month, quarter, year]\n")
	fmt.Fprintf(b, "    datatype: %s\n", datatype)
	fmt.Fprintf(b, "    sql: ${TABLE}.%s ;;\n", c.Name)
	writeText(b, c)
	if c.Partitioned {
		b.WriteString("    tags: [\"partition\"]\n")
	}
	b.WriteString("  }\n")
}

func writeText(b *strings.Builder, c Column) {
	if c.Label != "" {
		fmt.Fprintf(b, "    label: %s\n", quote(c.Label))
	}
	if c.Description != "" {
		fmt.Fprintf(b, "    description: %s\n", quote(c.Description))
	}
}

func writeMeasure(b *strings.Builder, name, kind, column, label, description string) {
	fmt.Fprintf(b, "  measure: %s {\n", name)
	fmt.Fprintf(b, "    type: %s\n", kind)
	if kind != "count" {
		fmt.Fprintf(b, "    sql: ${TABLE}.%s ;;\n", column)
	}
	fmt.Fprintf(b, "    label: %s\n", quote(label))
	fmt.Fprintf(b, "    description: %s\n", quote(description))
	b.WriteString("  }\n")
}
