package rescue

import (
	"strconv"
)

// SchemaHint is what an interpreter gets to decide whether it understands a
// row: the table attribution (may be empty for carved rows) and the ordinal
// column names when the schema survived.
type SchemaHint struct {
	Table   string
	Columns []string
}

// RowMapping is a recovered row rendered as named values.
type RowMapping map[string]Value

// Interpreter maps recovered rows into named artifact fields. Consumers
// register one interpreter per artifact family instead of duplicating the
// recovery pipeline per artifact.
type Interpreter interface {
	// Interprets reports whether this interpreter understands rows from
	// the hinted table.
	Interprets(hint SchemaHint) bool
	// Map renders the row; false means the row did not fit after all.
	Map(hint SchemaHint, row RecoveredRow) (RowMapping, bool)
}

// ColumnNameInterpreter is the generic interpreter: it accepts any row
// whose hint carries column names and maps values positionally. Columns
// past the known names (or rows with no schema) fall back to ordinal
// labels.
type ColumnNameInterpreter struct{}

func (ColumnNameInterpreter) Interprets(hint SchemaHint) bool {
	return len(hint.Columns) > 0
}

func (ColumnNameInterpreter) Map(hint SchemaHint, row RecoveredRow) (RowMapping, bool) {
	mapping := make(RowMapping, len(row.Record.Values))
	for i, value := range row.Record.Values {
		mapping[ordinalName(hint.Columns, i)] = value
	}
	return mapping, true
}

func ordinalName(columns []string, i int) string {
	if i < len(columns) && columns[i] != "" {
		return columns[i]
	}
	return "column_" + strconv.Itoa(i)
}
