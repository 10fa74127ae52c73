package rescue

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

// FreePageRef is one page on the free list, either a trunk page or one of
// the leaf pages a trunk references.
type FreePageRef struct {
	Number PageNumber
	Trunk  bool
}

// FreelistScanner recovers rows from pages that were unlinked from every
// b-tree but whose bytes were not yet reused, and from the stale regions of
// in-use leaf pages. Freed pages keep their content because the engine that
// wrote them only rewires pointers on delete.
type FreelistScanner struct {
	reader *PageReader
	logger *zap.Logger
}

func NewFreelistScanner(reader *PageReader, logger *zap.Logger) *FreelistScanner {
	return &FreelistScanner{reader: reader, logger: logger}
}

// FreePages walks the trunk chain from the header's free-list head. A broken
// chain is a structural finding, not an error: whatever pages were collected
// before the break still get scanned.
func (s *FreelistScanner) FreePages(ctx context.Context) ([]FreePageRef, []Finding) {
	var (
		refs     []FreePageRef
		findings []Finding
		visited  = make(map[PageNumber]struct{})
		header   = s.reader.Header()
		trunk    = PageNumber(header.FreelistHead)
	)

	for trunk != 0 {
		if _, seen := visited[trunk]; seen {
			findings = append(findings, Finding{
				Kind:   FindingCycleDetected,
				Page:   uint32(trunk),
				Detail: "free-list trunk chain loops",
			})
			break
		}
		visited[trunk] = struct{}{}

		page, err := s.reader.ReadPage(ctx, trunk)
		if err != nil {
			findings = append(findings, Finding{
				Kind:   FindingStructuralCorruption,
				Page:   uint32(trunk),
				Detail: fmt.Sprintf("free-list trunk unreadable: %v", err),
			})
			break
		}
		refs = append(refs, FreePageRef{Number: trunk, Trunk: true})

		if len(page.Data) < 8 {
			break
		}
		next := PageNumber(binary.BigEndian.Uint32(page.Data[0:4]))
		leafCount := binary.BigEndian.Uint32(page.Data[4:8])

		maxLeaves := (header.UsableSize() - 8) / 4
		if leafCount > maxLeaves {
			findings = append(findings, Finding{
				Kind:   FindingStructuralCorruption,
				Page:   uint32(trunk),
				Detail: fmt.Sprintf("trunk claims %d leaves, max %d", leafCount, maxLeaves),
			})
			leafCount = maxLeaves
		}
		for i := uint32(0); i < leafCount; i++ {
			leaf := PageNumber(binary.BigEndian.Uint32(page.Data[8+i*4 : 12+i*4]))
			if leaf == 0 || uint32(leaf) > s.reader.TotalPages() {
				findings = append(findings, Finding{
					Kind:   FindingStructuralCorruption,
					Page:   uint32(trunk),
					Detail: fmt.Sprintf("free leaf %d out of range", leaf),
				})
				continue
			}
			refs = append(refs, FreePageRef{Number: leaf})
		}
		trunk = next
	}

	return refs, findings
}

// ScanFreePage re-interprets a freed page as if it were still a table-leaf
// page. Pages whose type byte survived deletion get a full structural cell
// parse; anything else falls back to the heuristic scan over the whole
// page body.
func (s *FreelistScanner) ScanFreePage(ctx context.Context, ref FreePageRef) ([]RecoveredRow, []Finding, error) {
	page, err := s.reader.ReadPage(ctx, ref.Number)
	if err != nil {
		return nil, []Finding{{
			Kind:   FindingStructuralCorruption,
			Page:   uint32(ref.Number),
			Detail: err.Error(),
		}}, nil
	}
	if ref.Trunk {
		page.Type = PageTypeFreeTrunk
	} else {
		page.Type = PageTypeFreeLeaf
	}

	header := s.reader.Header()
	base := int64(ref.Number-1) * int64(header.PageSize)

	if page.Data[0] == PageTypeByteTableLeaf {
		rows, findings := s.scanIntactLeaf(page, base, header.Encoding)
		if len(rows) > 0 {
			return rows, findings, nil
		}
	}

	// Trunk pages overwrite their first 8+4N bytes with the leaf array, so
	// skip past it where the structure is still readable.
	start := 0
	if ref.Trunk && len(page.Data) >= 8 {
		leafCount := binary.BigEndian.Uint32(page.Data[4:8])
		if skip := 8 + int(leafCount)*4; skip < len(page.Data) {
			start = skip
		}
	}
	rows := scanRegionForCells(page.Data, start, len(page.Data), ref.Number, base, header.Encoding, ProvenanceFreelist)
	return rows, nil, nil
}

// scanIntactLeaf parses a freed page whose table-leaf structure survived:
// cell pointer array and all. Rows come back structurally valid.
func (s *FreelistScanner) scanIntactLeaf(page *Page, base int64, enc TextEncoding) ([]RecoveredRow, []Finding) {
	var findings []Finding

	header, err := UnmarshalBTreeHeader(page.Data, 0)
	if err != nil {
		return nil, nil
	}
	pointers, err := page.CellPointers(header)
	if err != nil {
		return nil, nil
	}

	usable := int64(s.reader.Header().UsableSize())
	rows := make([]RecoveredRow, 0, len(pointers))
	for _, ptr := range pointers {
		rowID, rec, _, ok := tryCellAt(page.Data, int(ptr), usable, enc)
		if !ok {
			findings = append(findings, Finding{
				Kind:   FindingDecodeTruncation,
				Page:   uint32(page.Number),
				Detail: fmt.Sprintf("freed cell at %d no longer decodes", ptr),
			})
			continue
		}
		row := newRecoveredRow(ProvenanceFreelist, ConfidenceStructural, page.Number, base+int64(ptr), rowID, rec)
		rows = append(rows, row)
	}
	return rows, findings
}

// ScanSlack scans the stale regions of an in-use leaf page: the unallocated
// gap between the cell pointer array and the content area, and the
// freeblock chain. Deleted rows commonly survive there because the writer
// compacts pointers but leaves payload bytes behind.
func (s *FreelistScanner) ScanSlack(ctx context.Context, n PageNumber) ([]RecoveredRow, []Finding, error) {
	page, err := s.reader.ReadPage(ctx, n)
	if err != nil {
		return nil, nil, err
	}
	if page.Type != PageTypeTableLeaf {
		return nil, nil, nil
	}
	header, err := page.BTreeHeader()
	if err != nil {
		return nil, nil, nil
	}

	var (
		dbHeader = s.reader.Header()
		base     = int64(n-1) * int64(dbHeader.PageSize)
		rows     []RecoveredRow
		findings []Finding
	)

	// Unallocated region: end of cell pointer array up to the declared
	// content start.
	gapStart := page.headerOffset() + header.Size + int(header.CellCount)*2
	gapEnd := int(header.ContentStart)
	if gapEnd > len(page.Data) {
		gapEnd = len(page.Data)
	}
	if gapStart < gapEnd {
		rows = append(rows, scanRegionForCells(page.Data, gapStart, gapEnd, n, base, dbHeader.Encoding, ProvenanceFreelist)...)
	}

	// Freeblock chain: each freeblock is a 2-byte next pointer plus a
	// 2-byte size, then stale bytes.
	seen := make(map[int]struct{})
	for off := int(header.FirstFreeblock); off != 0; {
		if _, dup := seen[off]; dup || off+4 > len(page.Data) {
			findings = append(findings, Finding{
				Kind:   FindingStructuralCorruption,
				Page:   uint32(n),
				Detail: fmt.Sprintf("freeblock chain broken at %d", off),
			})
			break
		}
		seen[off] = struct{}{}
		next := int(binary.BigEndian.Uint16(page.Data[off : off+2]))
		size := int(binary.BigEndian.Uint16(page.Data[off+2 : off+4]))
		end := off + size
		if end > len(page.Data) {
			end = len(page.Data)
		}
		rows = append(rows, scanRegionForCells(page.Data, off+4, end, n, base, dbHeader.Encoding, ProvenanceFreelist)...)
		off = next
	}

	return rows, findings, nil
}

// scanRegionForCells is the best-effort scan shared by the freelist and
// slack paths: at each offset, try to read a varint-prefixed cell and keep
// it only when the decoded record is fully structurally consistent. Matches
// advance the scan past the consumed bytes so one row is not reported from
// every suffix of itself.
func scanRegionForCells(data []byte, start, end int, page PageNumber, base int64, enc TextEncoding, provenance Provenance) []RecoveredRow {
	var rows []RecoveredRow
	usable := int64(end - start)
	if usable <= 0 {
		return nil
	}
	for offset := start; offset < end-minPlausibleCell; offset++ {
		rowID, rec, consumed, ok := tryCellAt(data[:end], offset, int64(end-offset), enc)
		if !ok {
			continue
		}
		rows = append(rows, newRecoveredRow(provenance, ConfidenceHeuristic, page, base+int64(offset), rowID, rec))
		offset += consumed - 1
	}
	return rows
}

// minPlausibleCell is the smallest byte count a real cell can occupy:
// payload-size varint, rowid varint, and a one-byte record header.
const minPlausibleCell = 3

// tryCellAt attempts a strict table-leaf cell parse at offset: payload-size
// varint, rowid varint, then a record whose header and declared value sizes
// consume exactly the declared payload. Returns consumed bytes from offset.
func tryCellAt(data []byte, offset int, maxPayload int64, enc TextEncoding) (int64, Record, int, bool) {
	payloadSize, n, err := DecodeVarint(data, offset)
	if err != nil || payloadSize <= 0 || payloadSize > maxPayload {
		return 0, Record{}, 0, false
	}
	rowID, m, err := DecodeVarint(data, offset+n)
	if err != nil || rowID < 0 {
		return 0, Record{}, 0, false
	}
	bodyStart := offset + n + m
	bodyEnd := bodyStart + int(payloadSize)
	if bodyEnd > len(data) {
		return 0, Record{}, 0, false
	}
	rec, err := DecodeRecord(data[bodyStart:bodyEnd], enc)
	if err != nil || rec.Truncated || len(rec.SerialTypes) == 0 {
		return 0, Record{}, 0, false
	}
	var bodySize int64
	for _, code := range rec.SerialTypes {
		size, _ := SerialTypeLength(code)
		bodySize += size
	}
	if int64(len(rec.HeaderBytes))+bodySize != payloadSize {
		return 0, Record{}, 0, false
	}
	return rowID, rec, n + m + int(payloadSize), true
}
