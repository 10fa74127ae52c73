// Package sqliterescue recovers live, deleted, and overwritten rows from a
// SQLite database image by reading its on-disk page format directly. The
// engine is strictly read-only: it never opens the file for writing, never
// takes locks, and tolerates structural damage, producing whatever rows
// remain recoverable together with provenance and confidence for each.
package sqliterescue

import (
	"context"

	"go.uber.org/zap"

	"github.com/evidex/sqliterescue/internal/rescue"
)

// Re-exported core types so callers do not import internal packages.
type (
	Result       = rescue.Result
	Summary      = rescue.Summary
	RecoveredRow = rescue.RecoveredRow
	Record       = rescue.Record
	Value        = rescue.Value
	Finding      = rescue.Finding
	Schema       = rescue.Schema
	SchemaHint   = rescue.SchemaHint
	RowMapping   = rescue.RowMapping
	Interpreter  = rescue.Interpreter
	Provenance   = rescue.Provenance
	Confidence   = rescue.Confidence
	Option       = rescue.Option
	Session      = rescue.Session

	ColumnNameInterpreter = rescue.ColumnNameInterpreter
)

const (
	ProvenanceLive          = rescue.ProvenanceLive
	ProvenanceFreelist      = rescue.ProvenanceFreelist
	ProvenanceWALPriorImage = rescue.ProvenanceWALPriorImage
	ProvenanceCarved        = rescue.ProvenanceCarved

	ConfidenceHeuristic  = rescue.ConfidenceHeuristic
	ConfidenceStructural = rescue.ConfidenceStructural
)

// Session options.
var (
	WithLogger         = rescue.WithLogger
	WithWALPath        = rescue.WithWALPath
	WithJournalPath    = rescue.WithJournalPath
	WithCarving        = rescue.WithCarving
	WithMinConfidence  = rescue.WithMinConfidence
	WithWorkers        = rescue.WithWorkers
	WithMaxCachedPages = rescue.WithMaxCachedPages
)

// NewSession prepares a scan session for the database image at dbPath.
// Companion WAL/journal files are auto-detected by their conventional
// sibling names unless set explicitly.
func NewSession(dbPath string, opts ...Option) *Session {
	return rescue.NewSession(dbPath, opts...)
}

// Scan runs a whole recovery pass in one call. Rescanning byte-identical
// input yields an identical result.
func Scan(ctx context.Context, dbPath string, opts ...Option) (*Result, error) {
	return NewSession(dbPath, opts...).Run(ctx)
}

// Interpret renders rows through the first interpreter that accepts each
// row's schema hint. Rows no interpreter accepts are skipped.
func Interpret(result *Result, interpreters ...Interpreter) []RowMapping {
	var mappings []RowMapping
	for _, row := range result.Rows {
		hint := SchemaHint{Table: row.Table}
		for _, table := range result.Schema.Tables {
			if table.Name == row.Table {
				hint.Columns = table.Columns
				break
			}
		}
		for _, interpreter := range interpreters {
			if !interpreter.Interprets(hint) {
				continue
			}
			if mapping, ok := interpreter.Map(hint, row); ok {
				mappings = append(mappings, mapping)
				break
			}
		}
	}
	return mappings
}

// NopLogger is a convenience for embedding callers that do not configure
// logging.
func NopLogger() *zap.Logger {
	return zap.NewNop()
}
