package enrich

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.yaml.in/yaml/v2"
)

// ErrTableNotFound is returned by a TableSource that does not know a table.
var ErrTableNotFound = errors.New("table not found")

// Column is the catalog metadata of one table column.
type Column struct {
	Name        string `yaml:"name" json:"name"`
	Position    int    `yaml:"position" json:"position"`
	Type        string `yaml:"type" json:"type"`
	Label       string `yaml:"label" json:"label,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
	Sensitive   bool   `yaml:"sensitive" json:"sensitive"`
	Sensitivity string `yaml:"sensitivity" json:"sensitivity,omitempty"`
	Primary     bool   `yaml:"primary_key" json:"primary_key,omitempty"`
	DedupeKey   bool   `yaml:"dedupe_key" json:"dedupe_key,omitempty"`
	Partitioned bool   `yaml:"partitioned" json:"partitioned,omitempty"`
}

// Table is a warehouse table and its columns in position order.
type Table struct {
	Name    string   `yaml:"name" json:"name"`
	Columns []Column `yaml:"columns" json:"columns"`
}

// TableSource looks up table metadata, usually from a metadata management
// service.
type TableSource interface {
	Table(ctx context.Context, name string) (Table, error)
}

// StaticTables is an in-memory TableSource, usually loaded from a YAML
// file:
//
//	tables:
//	  - name: card_transactions
//	    columns:
//	      - {name: card_number, position: 2, type: STRING, sensitive: true}
type StaticTables struct {
	tables map[string]Table
}

type tablesFile struct {
	Tables []Table `yaml:"tables"`
}

// LoadTables reads a table file.
func LoadTables(path string) (*StaticTables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tables: %w", err)
	}
	return ParseTables(data)
}

// ParseTables decodes a YAML table file.
func ParseTables(data []byte) (*StaticTables, error) {
	var f tablesFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parse tables: %w", err)
	}
	if len(f.Tables) == 0 {
		return nil, errors.New("parse tables: no tables defined")
	}

	st := &StaticTables{tables: make(map[string]Table, len(f.Tables))}
	for _, t := range f.Tables {
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" {
			return nil, errors.New("parse tables: table without name")
		}
		if _, dup := st.tables[t.Name]; dup {
			return nil, fmt.Errorf("parse tables: duplicate table %q", t.Name)
		}
		seen := map[string]bool{}
		for _, c := range t.Columns {
			if c.Name == "" || seen[c.Name] {
				return nil, fmt.Errorf("parse tables: invalid or duplicate column %q in %s", c.Name, t.Name)
			}
			seen[c.Name] = true
		}
		sort.SliceStable(t.Columns, func(i, j int) bool { return t.Columns[i].Position < t.Columns[j].Position })
		st.tables[t.Name] = t
	}
	return st, nil
}

// Table implements TableSource.
func (s *StaticTables) Table(ctx context.Context, name string) (Table, error) {
	if err := ctx.Err(); err != nil {
		return Table{}, err
	}
	t, ok := s.tables[name]
	if !ok {
		return Table{}, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	cols := make([]Column, len(t.Columns))
	copy(cols, t.Columns)
	t.Columns = cols
	return t, nil
}

// Names returns the known table names in sorted order.
func (s *StaticTables) Names() []string {
	names := make([]string, 0, len(s.tables))
	for n := range s.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
