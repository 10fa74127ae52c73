// Command sqliterescue recovers live, deleted, and overwritten rows from
// SQLite database images, including WAL and rollback-journal side files.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/evidex/sqliterescue"
	"github.com/evidex/sqliterescue/internal/pkg/logging"
	"github.com/evidex/sqliterescue/internal/rescue"
)

var CLI struct {
	LogLevel string `name:"log-level" env:"LOG_LEVEL" default:"warn" help:"Log level (debug, info, warn, error)"`

	Scan   ScanCmd   `cmd:"" help:"Recover rows from a database image"`
	WAL    WALCmd    `cmd:"" help:"List frames of a write-ahead log file"`
	Verify VerifyCmd `cmd:"" help:"Cross-check the live scan against a canonical reader"`
}

type ScanCmd struct {
	Path          string `arg:"" type:"path" help:"Database image to scan"`
	WALPath       string `name:"wal" type:"path" help:"Companion WAL file (default: sibling auto-detect)"`
	JournalPath   string `name:"journal" type:"path" help:"Companion rollback journal (default: sibling auto-detect)"`
	NoCarve       bool   `name:"no-carve" help:"Skip the carving stage"`
	MinConfidence string `name:"min-confidence" enum:"heuristic,structural" default:"heuristic" help:"Suppress recovered rows below this confidence"`
	Workers       int    `name:"workers" default:"4" help:"Worker pool size for free-space and carving stages"`
	JSON          bool   `name:"json" help:"Emit rows as JSON lines"`
}

func (c *ScanCmd) Run(logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := []sqliterescue.Option{
		sqliterescue.WithLogger(logger),
		sqliterescue.WithCarving(!c.NoCarve),
		sqliterescue.WithWorkers(c.Workers),
	}
	if c.WALPath != "" {
		opts = append(opts, sqliterescue.WithWALPath(c.WALPath))
	}
	if c.JournalPath != "" {
		opts = append(opts, sqliterescue.WithJournalPath(c.JournalPath))
	}
	if c.MinConfidence == "structural" {
		opts = append(opts, sqliterescue.WithMinConfidence(sqliterescue.ConfidenceStructural))
	}

	result, err := sqliterescue.Scan(ctx, c.Path, opts...)
	if err != nil {
		return err
	}

	if c.JSON {
		return writeJSON(result)
	}
	return writeText(result)
}

func writeText(result *sqliterescue.Result) error {
	summary := result.Summary
	fmt.Printf("image: %s\n", summary.Path)
	fmt.Printf("digest: %s\n", hex.EncodeToString(summary.ImageDigest[:]))
	fmt.Printf("page size: %d, pages: %d\n", summary.PageSize, summary.PageCount)
	fmt.Printf("rows: %d live, %d freelist, %d wal-prior-image, %d carved\n",
		summary.LiveRows, summary.FreelistRows, summary.WALRows, summary.CarvedRows)

	for _, row := range result.Rows {
		values := make([]any, 0, len(row.Record.Values))
		for _, value := range row.Record.Values {
			values = append(values, value.Any())
		}
		table := row.Table
		if table == "" {
			table = "?"
		}
		fmt.Printf("[%s/%s] table=%s page=%d offset=%d rowid=%d values=%v\n",
			row.Provenance, row.Confidence, table, row.Page, row.Offset, row.RowID, values)
	}

	if len(summary.Findings) > 0 {
		fmt.Printf("findings (%d):\n", len(summary.Findings))
		for _, finding := range summary.Findings {
			fmt.Printf("  %s\n", finding)
		}
	}
	return nil
}

type jsonRow struct {
	Provenance string         `json:"provenance"`
	Confidence string         `json:"confidence"`
	Table      string         `json:"table,omitempty"`
	Page       uint32         `json:"page"`
	Offset     int64          `json:"offset"`
	RowID      int64          `json:"rowid"`
	Values     map[string]any `json:"values"`
	RawHeader  string         `json:"raw_header"`
	Digest     string         `json:"digest"`
}

func writeJSON(result *sqliterescue.Result) error {
	encoder := json.NewEncoder(os.Stdout)
	for _, row := range result.Rows {
		values := make(map[string]any, len(row.Record.Values))
		for i, value := range row.Record.Values {
			values[fmt.Sprintf("%d", i)] = value.Any()
		}
		if err := encoder.Encode(jsonRow{
			Provenance: row.Provenance.String(),
			Confidence: row.Confidence.String(),
			Table:      row.Table,
			Page:       uint32(row.Page),
			Offset:     row.Offset,
			RowID:      row.RowID,
			Values:     values,
			RawHeader:  hex.EncodeToString(row.RawHeader),
			Digest:     hex.EncodeToString(row.Digest[:]),
		}); err != nil {
			return err
		}
	}
	return nil
}

type WALCmd struct {
	Path string `arg:"" type:"path" help:"WAL file to list"`
}

func (c *WALCmd) Run(logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	file, err := os.Open(c.Path)
	if err != nil {
		return err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, frames, findings, err := rescue.NewWALReplayer(logger).Replay(ctx, file, info.Size())
	if err != nil {
		return err
	}

	fmt.Printf("wal: %s\n", c.Path)
	fmt.Printf("page size: %d, checkpoint seq: %d, salt: (%d, %d), big-endian checksums: %v\n",
		header.PageSize, header.CheckpointSeq, header.Salt1, header.Salt2, header.BigEndianChecksum)
	for _, frame := range frames {
		marker := ""
		if frame.Commit() {
			marker = " commit"
		}
		if !frame.Committed {
			marker += " uncommitted"
		}
		fmt.Printf("frame %d: page %d offset %d%s\n", frame.Index, frame.PageNumber, frame.Offset, marker)
	}
	for _, finding := range findings {
		fmt.Printf("finding: %s\n", finding)
	}
	return nil
}

type VerifyCmd struct {
	Path string `arg:"" type:"path" help:"Database image to verify"`
}

// Run compares the engine's live scan with what a canonical SQLite reader
// returns for the same file: per-table row counts must match exactly.
func (c *VerifyCmd) Run(logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, err := sqliterescue.Scan(ctx, c.Path,
		sqliterescue.WithLogger(logger),
		sqliterescue.WithCarving(false))
	if err != nil {
		return err
	}

	liveCounts := make(map[string]int)
	for _, row := range result.Rows {
		if row.Provenance == sqliterescue.ProvenanceLive && row.Table != "sqlite_master" {
			liveCounts[row.Table]++
		}
	}

	db, err := sql.Open("sqlite", "file:"+c.Path+"?mode=ro&immutable=1")
	if err != nil {
		return fmt.Errorf("open canonical reader: %w", err)
	}
	defer db.Close()

	mismatches := 0
	for _, table := range result.Schema.Tables {
		var canonical int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table.Name)).Scan(&canonical); err != nil {
			return fmt.Errorf("count %s: %w", table.Name, err)
		}
		status := "ok"
		if canonical != liveCounts[table.Name] {
			status = "MISMATCH"
			mismatches++
		}
		fmt.Printf("%s: live scan %d, canonical %d: %s\n", table.Name, liveCounts[table.Name], canonical, status)
	}
	if mismatches > 0 {
		return fmt.Errorf("%d table(s) disagree with the canonical reader", mismatches)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("sqliterescue"),
		kong.Description("Forensic row recovery from SQLite database images."),
		kong.UsageOnError())

	logger, err := logging.New(CLI.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := ctx.Run(logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
