package rescue

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ScanState is the orchestrator's position in the pipeline. Stages are
// sequential because Merging needs the complete live set from ScanningLive;
// only the work inside ScanningFreeSpace and Carving fans out.
type ScanState int

const (
	StateInitializing ScanState = iota
	StateReadingHeader
	StateScanningLive
	StateScanningFreeSpace
	StateReplayingLog
	StateCarving
	StateMerging
	StateDone
	StateFailed
)

func (s ScanState) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateReadingHeader:
		return "ReadingHeader"
	case StateScanningLive:
		return "ScanningLive"
	case StateScanningFreeSpace:
		return "ScanningFreeSpace"
	case StateReplayingLog:
		return "ReplayingLog"
	case StateCarving:
		return "Carving"
	case StateMerging:
		return "Merging"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	}
	return "Unknown"
}

const defaultWorkers = 4

// Session is one scan over one input file set. Sessions own their output
// and share nothing mutable, so concurrent scans of different files need no
// coordination.
type Session struct {
	ID uuid.UUID

	dbPath      string
	walPath     string
	journalPath string

	carving        bool
	minConfidence  Confidence
	workers        int
	maxCachedPages int

	state  ScanState
	logger *zap.Logger
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithWALPath overrides sibling auto-detection for the WAL file.
func WithWALPath(path string) Option {
	return func(s *Session) { s.walPath = path }
}

// WithJournalPath overrides sibling auto-detection for the rollback
// journal.
func WithJournalPath(path string) Option {
	return func(s *Session) { s.journalPath = path }
}

// WithCarving toggles the carving stage.
func WithCarving(enabled bool) Option {
	return func(s *Session) { s.carving = enabled }
}

// WithMinConfidence suppresses recovered rows below the threshold. Live
// rows always surface.
func WithMinConfidence(c Confidence) Option {
	return func(s *Session) { s.minConfidence = c }
}

// WithWorkers bounds the worker pool used inside the free-space and
// carving stages.
func WithWorkers(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithMaxCachedPages bounds the page reader's cache.
func WithMaxCachedPages(n int) Option {
	return func(s *Session) { s.maxCachedPages = n }
}

// NewSession prepares a scan of dbPath. Companion WAL and journal files are
// auto-detected by the conventional sibling names unless overridden.
func NewSession(dbPath string, opts ...Option) *Session {
	s := &Session{
		ID:            uuid.New(),
		dbPath:        dbPath,
		carving:       true,
		minConfidence: ConfidenceHeuristic,
		workers:       defaultWorkers,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.walPath == "" {
		if candidate := dbPath + "-wal"; fileExists(candidate) {
			s.walPath = candidate
		}
	}
	if s.journalPath == "" {
		if candidate := dbPath + "-journal"; fileExists(candidate) {
			s.journalPath = candidate
		}
	}
	return s
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// State returns the stage the session last reached.
func (s *Session) State() ScanState {
	return s.state
}

// Summary describes one completed (or failed) scan.
type Summary struct {
	SessionID    uuid.UUID
	Path         string
	WALPath      string
	JournalPath  string
	PageSize     uint32
	PageCount    uint32
	Encoding     TextEncoding
	Unstructured bool
	ImageDigest  [32]byte
	Findings     []Finding
	LiveRows     int
	FreelistRows int
	WALRows      int
	CarvedRows   int
	State        ScanState
}

// Result is the provenance-tagged output stream of a scan plus its
// summary. Rescanning byte-identical input reproduces an identical Result.
type Result struct {
	Rows    []RecoveredRow
	Schema  Schema
	Summary Summary
}

// Run executes the pipeline. Only an I/O failure on the primary file is
// fatal; every structural problem in the input becomes a finding on the
// summary and the scan keeps producing whatever rows remain recoverable.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	logger := s.logger.With(zap.String("session_id", s.ID.String()), zap.String("path", s.dbPath))

	result := &Result{}
	result.Summary.SessionID = s.ID
	result.Summary.Path = s.dbPath
	result.Summary.WALPath = s.walPath
	result.Summary.JournalPath = s.journalPath

	s.transition(StateInitializing, logger)
	file, fileSize, err := s.openPrimary()
	if err != nil {
		s.transition(StateFailed, logger)
		result.Summary.State = s.state
		return result, err
	}
	defer file.Close()

	s.transition(StateReadingHeader, logger)
	digest, err := DigestFile(file, fileSize)
	if err != nil {
		s.transition(StateFailed, logger)
		result.Summary.State = s.state
		return result, fmt.Errorf("digest database image: %w", err)
	}
	result.Summary.ImageDigest = digest

	reader, err := NewPageReader(file, fileSize, s.maxCachedPages, logger)
	if err != nil && reader == nil {
		s.transition(StateFailed, logger)
		result.Summary.State = s.state
		return result, fmt.Errorf("reading header: %w", err)
	}
	if err != nil {
		// Bad magic or runt file: unstructured mode, carver only.
		result.Summary.Findings = append(result.Summary.Findings, Finding{
			Kind:   FindingStructuralCorruption,
			Detail: err.Error(),
		})
		logger.Warn("file downgraded to unstructured input", zap.Error(err))
	}

	header := reader.Header()
	result.Summary.PageSize = header.PageSize
	result.Summary.PageCount = reader.TotalPages()
	result.Summary.Encoding = header.Encoding
	result.Summary.Unstructured = reader.Unstructured()

	if !reader.Unstructured() && header.PageCount != 0 && header.PageCount != reader.TotalPages() &&
		header.FileChangeCounter == header.VersionValidFor {
		result.Summary.Findings = append(result.Summary.Findings, Finding{
			Kind: FindingStructuralCorruption,
			Detail: fmt.Sprintf("header claims %d pages, file length implies %d",
				header.PageCount, reader.TotalPages()),
		})
	}

	var (
		liveRows  []RecoveredRow
		livePages map[PageNumber]PageType
		liveSet   = make(map[string]struct{})
	)
	if !reader.Unstructured() {
		s.transition(StateScanningLive, logger)
		liveRows, livePages, err = s.scanLive(ctx, reader, result, logger)
		if err != nil {
			return nil, err
		}
		for _, row := range liveRows {
			liveSet[row.Key()] = struct{}{}
		}
	}

	var (
		recovered []RecoveredRow
		freeSet   = make(map[PageNumber]struct{})
	)
	if !reader.Unstructured() {
		s.transition(StateScanningFreeSpace, logger)
		freeRows, scanned, err := s.scanFreeSpace(ctx, reader, livePages, result, logger)
		if err != nil {
			return nil, err
		}
		freeSet = scanned
		recovered = append(recovered, freeRows...)
	}

	s.transition(StateReplayingLog, logger)
	walRows, err := s.replayLogs(ctx, header, result, logger)
	if err != nil {
		return nil, err
	}
	recovered = append(recovered, walRows...)

	if s.carving {
		s.transition(StateCarving, logger)
		carvedRows, err := s.carve(ctx, reader, livePages, freeSet, result, logger)
		if err != nil {
			return nil, err
		}
		recovered = append(recovered, carvedRows...)
	}

	s.transition(StateMerging, logger)
	result.Rows = s.merge(liveRows, recovered, liveSet, &result.Summary)

	s.transition(StateDone, logger)
	result.Summary.State = s.state
	logger.Info("scan complete",
		zap.Int("rows", len(result.Rows)),
		zap.Int("live", result.Summary.LiveRows),
		zap.Int("freelist", result.Summary.FreelistRows),
		zap.Int("wal", result.Summary.WALRows),
		zap.Int("carved", result.Summary.CarvedRows),
		zap.Int("findings", len(result.Summary.Findings)))
	return result, nil
}

func (s *Session) transition(next ScanState, logger *zap.Logger) {
	logger.Debug("state transition",
		zap.Stringer("from", s.state),
		zap.Stringer("to", next))
	s.state = next
}

func (s *Session) openPrimary() (*os.File, int64, error) {
	file, err := os.Open(s.dbPath)
	if err != nil {
		return nil, 0, fmt.Errorf("open database image: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat database image: %w", err)
	}
	if info.Size() == 0 {
		file.Close()
		return nil, 0, fmt.Errorf("database image %s is empty", s.dbPath)
	}
	return file, info.Size(), nil
}

// scanLive walks every table b-tree named by the schema (and the schema
// table itself) to produce the live baseline and the set of pages reachable
// from some root.
func (s *Session) scanLive(ctx context.Context, reader *PageReader, result *Result, logger *zap.Logger) ([]RecoveredRow, map[PageNumber]PageType, error) {
	var (
		walker    = NewBTreeWalker(reader, logger)
		header    = reader.Header()
		pageSize  = int64(header.PageSize)
		livePages = make(map[PageNumber]PageType)
		rows      []RecoveredRow
	)

	schema, findings, err := LoadSchema(ctx, walker, header.Encoding)
	if err != nil {
		return nil, nil, err
	}
	result.Schema = schema
	result.Summary.Findings = append(result.Summary.Findings, findings...)

	roots := []struct {
		name string
		page PageNumber
	}{{name: "sqlite_master", page: 1}}
	for _, table := range schema.Tables {
		if table.RootPage > 1 {
			roots = append(roots, struct {
				name string
				page PageNumber
			}{name: table.Name, page: table.RootPage})
		}
	}

	for _, root := range roots {
		walkResult, err := walker.Walk(ctx, root.page, func(cell Cell) error {
			rec, err := DecodeRecord(cell.Payload, header.Encoding)
			if err != nil {
				return nil
			}
			base := int64(cell.Page-1) * pageSize
			row := newRecoveredRow(ProvenanceLive, ConfidenceStructural, cell.Page, base+int64(cell.Offset), cell.RowID, rec)
			row.Table = root.name
			rows = append(rows, row)
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		for page, pageType := range walkResult.Pages {
			livePages[page] = pageType
		}
		result.Summary.Findings = append(result.Summary.Findings, walkResult.Findings...)
	}
	return rows, livePages, nil
}

// scanFreeSpace fans the freelist pages and the live leaf pages' slack
// regions across the worker pool. Individual page scans are independent;
// failures are collected, not fatal. The returned set names the free pages
// that were scanned here, so the carving stage knows what is accounted for.
func (s *Session) scanFreeSpace(ctx context.Context, reader *PageReader, livePages map[PageNumber]PageType, result *Result, logger *zap.Logger) ([]RecoveredRow, map[PageNumber]struct{}, error) {
	scanner := NewFreelistScanner(reader, logger)

	freePages, findings := scanner.FreePages(ctx)
	result.Summary.Findings = append(result.Summary.Findings, findings...)
	freeSet := make(map[PageNumber]struct{}, len(freePages))
	for _, ref := range freePages {
		freeSet[ref.Number] = struct{}{}
	}

	var (
		mu       sync.Mutex
		rows     []RecoveredRow
		scanErrs error
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.workers)

	for _, ref := range freePages {
		ref := ref
		group.Go(func() error {
			pageRows, pageFindings, err := scanner.ScanFreePage(groupCtx, ref)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				scanErrs = multierr.Append(scanErrs, err)
				return nil
			}
			rows = append(rows, pageRows...)
			result.Summary.Findings = append(result.Summary.Findings, pageFindings...)
			return groupCtx.Err()
		})
	}
	for page, pageType := range livePages {
		if pageType != PageTypeTableLeaf {
			continue
		}
		page := page
		group.Go(func() error {
			pageRows, pageFindings, err := scanner.ScanSlack(groupCtx, page)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				scanErrs = multierr.Append(scanErrs, err)
				return nil
			}
			rows = append(rows, pageRows...)
			result.Summary.Findings = append(result.Summary.Findings, pageFindings...)
			return groupCtx.Err()
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	if scanErrs != nil {
		result.Summary.Findings = append(result.Summary.Findings, Finding{
			Kind:   FindingStructuralCorruption,
			Detail: scanErrs.Error(),
		})
	}
	return rows, freeSet, nil
}

// replayLogs runs the WAL and rollback-journal replayers over whichever
// companion files exist and re-decodes committed prior page images exactly
// as if they were current pages.
func (s *Session) replayLogs(ctx context.Context, header DatabaseHeader, result *Result, logger *zap.Logger) ([]RecoveredRow, error) {
	var rows []RecoveredRow

	encoding := header.Encoding
	if encoding == 0 {
		encoding = EncodingUTF8
	}

	if s.walPath != "" {
		walFile, err := os.Open(s.walPath)
		if err != nil {
			result.Summary.Findings = append(result.Summary.Findings, Finding{
				Kind:   FindingStructuralCorruption,
				Detail: fmt.Sprintf("wal file unreadable: %v", err),
			})
		} else {
			defer walFile.Close()
			info, err := walFile.Stat()
			if err != nil {
				return nil, fmt.Errorf("stat wal file: %w", err)
			}
			walHeader, frames, findings, err := NewWALReplayer(logger).Replay(ctx, walFile, info.Size())
			result.Summary.Findings = append(result.Summary.Findings, findings...)
			if err != nil {
				result.Summary.Findings = append(result.Summary.Findings, Finding{
					Kind:   FindingStructuralCorruption,
					Detail: fmt.Sprintf("wal replay: %v", err),
				})
			} else {
				usable := int64(walHeader.PageSize)
				for _, frame := range frames {
					if !frame.Committed {
						continue
					}
					frameRows := s.priorImageRows(frame.Data, frame.PageNumber,
						frame.Offset+WALFrameHeaderSize, usable, encoding)
					rows = append(rows, frameRows...)
				}
			}
		}
	}

	if s.journalPath != "" {
		journalFile, err := os.Open(s.journalPath)
		if err != nil {
			result.Summary.Findings = append(result.Summary.Findings, Finding{
				Kind:   FindingStructuralCorruption,
				Detail: fmt.Sprintf("journal file unreadable: %v", err),
			})
			return rows, nil
		}
		defer journalFile.Close()
		info, err := journalFile.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat journal file: %w", err)
		}
		journalHeader, records, findings, err := NewJournalReplayer(logger).Replay(ctx, journalFile, info.Size())
		result.Summary.Findings = append(result.Summary.Findings, findings...)
		if err != nil {
			result.Summary.Findings = append(result.Summary.Findings, Finding{
				Kind:   FindingStructuralCorruption,
				Detail: fmt.Sprintf("journal replay: %v", err),
			})
			return rows, nil
		}
		for _, record := range records {
			recordRows := s.priorImageRows(record.Data, record.PageNumber,
				record.Offset+4, int64(journalHeader.PageSize), encoding)
			rows = append(rows, recordRows...)
		}
	}

	return rows, nil
}

// priorImageRows decodes a prior page image as a table-leaf page. The image
// is structurally intact (it passed its checksum), so decoded rows carry
// structural confidence; offsets point into the log file for custody.
func (s *Session) priorImageRows(data []byte, page PageNumber, base int64, usable int64, encoding TextEncoding) []RecoveredRow {
	headerOffset := 0
	if page == 1 {
		headerOffset = DatabaseHeaderSize
	}
	if headerOffset >= len(data) || data[headerOffset] != PageTypeByteTableLeaf {
		return nil
	}
	btreeHeader, err := UnmarshalBTreeHeader(data, headerOffset)
	if err != nil {
		return nil
	}
	image := Page{Number: page, Type: PageTypeTableLeaf, Data: data}
	pointers, err := image.CellPointers(btreeHeader)
	if err != nil {
		return nil
	}

	var rows []RecoveredRow
	for _, ptr := range pointers {
		rowID, rec, _, ok := tryCellAt(data, int(ptr), usable, encoding)
		if !ok {
			continue
		}
		rows = append(rows, newRecoveredRow(ProvenanceWALPriorImage, ConfidenceStructural, page, base+int64(ptr), rowID, rec))
	}
	return rows
}

// carve scans whatever the earlier stages could not account for: the whole
// image in unstructured mode, otherwise every page that is neither live nor
// on the free list. Unclassifiable pages get the byte-level signature scan;
// table-leaf pages that no root reaches and no trunk names are scanned like
// free pages, since a broken free-list chain strands exactly those.
func (s *Session) carve(ctx context.Context, reader *PageReader, livePages map[PageNumber]PageType, freeSet map[PageNumber]struct{}, result *Result, logger *zap.Logger) ([]RecoveredRow, error) {
	header := reader.Header()
	carver := NewCarver(header.PageSize, header.Encoding, logger)
	scanner := NewFreelistScanner(reader, logger)

	if reader.Unstructured() {
		buf, err := reader.ReadRange(ctx, 0, reader.FileSize())
		if err != nil {
			return nil, err
		}
		rows, err := carver.Carve(ctx, buf, 0)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			result.Summary.Findings = append(result.Summary.Findings, carver.TextFragments(buf, 0)...)
		}
		return rows, nil
	}

	var (
		mu   sync.Mutex
		rows []RecoveredRow
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.workers)

	for n := PageNumber(1); uint32(n) <= reader.TotalPages(); n++ {
		if _, live := livePages[n]; live {
			continue
		}
		if _, free := freeSet[n]; free {
			continue
		}
		n := n
		group.Go(func() error {
			page, err := reader.ReadPage(groupCtx, n)
			if err != nil {
				return nil
			}
			switch page.Type {
			case PageTypeUnknown:
				base := int64(n-1) * int64(header.PageSize)
				pageRows, err := carver.Carve(groupCtx, page.Data, base)
				if err != nil {
					return err
				}
				mu.Lock()
				rows = append(rows, pageRows...)
				mu.Unlock()
			case PageTypeTableLeaf:
				// Orphaned leaf: intact type byte, but nothing references
				// the page.
				pageRows, pageFindings, err := scanner.ScanFreePage(groupCtx, FreePageRef{Number: n})
				if err != nil {
					return nil
				}
				mu.Lock()
				if len(pageRows) > 0 {
					result.Summary.Findings = append(result.Summary.Findings, Finding{
						Kind:   FindingStructuralCorruption,
						Page:   uint32(n),
						Detail: "table-leaf page reachable from no root and no free-list trunk",
					})
				}
				rows = append(rows, pageRows...)
				result.Summary.Findings = append(result.Summary.Findings, pageFindings...)
				mu.Unlock()
			}
			return groupCtx.Err()
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// merge fans in all producers: drops freelist/carved rows that duplicate a
// live row, applies the confidence threshold, and orders the output
// deterministically by confidence, provenance, then originating offset.
func (s *Session) merge(liveRows, recovered []RecoveredRow, liveSet map[string]struct{}, summary *Summary) []RecoveredRow {
	merged := make([]RecoveredRow, 0, len(liveRows)+len(recovered))
	merged = append(merged, liveRows...)

	for _, row := range recovered {
		if row.Provenance == ProvenanceFreelist || row.Provenance == ProvenanceCarved {
			if _, dup := liveSet[row.Key()]; dup {
				continue
			}
			if row.Confidence < s.minConfidence {
				continue
			}
		}
		merged = append(merged, row)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Provenance != b.Provenance {
			return a.Provenance < b.Provenance
		}
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		return a.RowID < b.RowID
	})

	for _, row := range merged {
		switch row.Provenance {
		case ProvenanceLive:
			summary.LiveRows++
		case ProvenanceFreelist:
			summary.FreelistRows++
		case ProvenanceWALPriorImage:
			summary.WALRows++
		case ProvenanceCarved:
			summary.CarvedRows++
		}
	}
	return merged
}
