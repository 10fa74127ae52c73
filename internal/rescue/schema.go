package rescue

import (
	"context"
	"strings"
)

// TableSchema is one user table recovered from the schema table on page 1:
// enough to attribute live rows to tables and to give interpreters a hint,
// without any SQL execution.
type TableSchema struct {
	Name     string
	RootPage PageNumber
	Columns  []string
	SQL      string
}

// Schema maps the schema table's contents.
type Schema struct {
	Tables []TableSchema
}

// TableForRoot returns the table rooted at page n, if any.
func (s *Schema) TableForRoot(n PageNumber) (TableSchema, bool) {
	for _, t := range s.Tables {
		if t.RootPage == n {
			return t, true
		}
	}
	return TableSchema{}, false
}

// LoadSchema walks the schema b-tree rooted at page 1. Schema rows are
// records of (type, name, tbl_name, rootpage, sql); only table entries are
// kept. A damaged schema degrades to an empty result plus findings — the
// recovery scanners do not need it.
func LoadSchema(ctx context.Context, walker *BTreeWalker, enc TextEncoding) (Schema, []Finding, error) {
	var schema Schema

	result, err := walker.Walk(ctx, 1, func(cell Cell) error {
		rec, err := DecodeRecord(cell.Payload, enc)
		if err != nil || len(rec.Values) < 5 {
			return nil
		}
		if rec.Values[0].Kind != KindText || rec.Values[0].Text != "table" {
			return nil
		}
		if rec.Values[2].Kind != KindText || rec.Values[3].Kind != KindInt {
			return nil
		}
		table := TableSchema{
			Name:     rec.Values[2].Text,
			RootPage: PageNumber(rec.Values[3].Int),
		}
		if rec.Values[4].Kind == KindText {
			table.SQL = rec.Values[4].Text
			table.Columns = columnNamesFromSQL(table.SQL)
		}
		schema.Tables = append(schema.Tables, table)
		return nil
	})
	if err != nil {
		return Schema{}, result.Findings, err
	}
	return schema, result.Findings, nil
}

var constraintKeywords = map[string]struct{}{
	"primary":    {},
	"unique":     {},
	"check":      {},
	"foreign":    {},
	"constraint": {},
}

// columnNamesFromSQL pulls column names out of a CREATE TABLE statement.
// This is a token split, not a SQL parser: it only needs to label ordinal
// positions for reporting, and gives up quietly on exotic definitions.
func columnNamesFromSQL(sql string) []string {
	open := strings.Index(sql, "(")
	closing := strings.LastIndex(sql, ")")
	if open < 0 || closing <= open {
		return nil
	}
	var names []string
	for _, part := range splitTopLevel(sql[open+1 : closing]) {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		name := strings.Trim(fields[0], "\"'`[]")
		if _, isConstraint := constraintKeywords[strings.ToLower(name)]; isConstraint {
			continue
		}
		names = append(names, name)
	}
	return names
}

// splitTopLevel splits on commas outside parentheses.
func splitTopLevel(s string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}
