package rescue

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

// Carver recovers fragments from byte ranges with no anchoring page
// structure: unstructured files, slack blobs, or pages the reader could not
// classify. It looks for the shape of a table-leaf page header at every
// byte offset, not just page-aligned ones, because fragments drift after
// deletion and defragmentation.
type Carver struct {
	// pageSize bounds how far a candidate page can extend past its header.
	// On unstructured input it is a guess, defaulting to the largest legal
	// page.
	pageSize uint32
	encoding TextEncoding
	logger   *zap.Logger
}

func NewCarver(pageSize uint32, encoding TextEncoding, logger *zap.Logger) *Carver {
	if pageSize < MinPageSize || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if encoding == 0 {
		encoding = EncodingUTF8
	}
	return &Carver{pageSize: pageSize, encoding: encoding, logger: logger}
}

// carveHit is one accepted signature match and the extent of the cells it
// claimed, used for lower-offset-wins overlap resolution.
type carveHit struct {
	start int
	end   int
	rows  []RecoveredRow
}

// Carve scans buf for table-leaf signatures. Overlapping matches resolve in
// favor of the lower offset; the higher match is discarded as pattern
// drift. Offsets on emitted rows are absolute (base + position in buf).
func (c *Carver) Carve(ctx context.Context, buf []byte, base int64) ([]RecoveredRow, error) {
	var rows []RecoveredRow

	for offset := 0; offset < len(buf)-8; offset++ {
		if offset%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if buf[offset] != PageTypeByteTableLeaf {
			continue
		}
		hit, ok := c.tryPageAt(buf, offset, base)
		if !ok {
			continue
		}
		rows = append(rows, hit.rows...)
		// Lower offset wins: skip the claimed extent entirely.
		offset = hit.end - 1
	}

	c.logger.Debug("carve pass complete",
		zap.Int("bytes", len(buf)),
		zap.Int("rows", len(rows)))
	return rows, nil
}

// tryPageAt applies the structural plausibility check for a table-leaf page
// anchored at offset: plausible cell count, pointer array in bounds and
// monotonic, and at least one cell that decodes to a valid record.
func (c *Carver) tryPageAt(buf []byte, offset int, base int64) (carveHit, bool) {
	end := offset + int(c.pageSize)
	if end > len(buf) {
		end = len(buf)
	}
	region := buf[offset:end]
	if len(region) < 8 {
		return carveHit{}, false
	}

	cellCount := int(binary.BigEndian.Uint16(region[3:5]))
	if cellCount == 0 || cellCount > len(region)/4 {
		return carveHit{}, false
	}
	contentStart := int(binary.BigEndian.Uint16(region[5:7]))
	if contentStart != 0 && contentStart < 8+cellCount*2 {
		return carveHit{}, false
	}

	pointerEnd := 8 + cellCount*2
	if pointerEnd > len(region) {
		return carveHit{}, false
	}
	pointers := make([]int, cellCount)
	for i := range pointers {
		pointers[i] = int(binary.BigEndian.Uint16(region[8+i*2 : 10+i*2]))
	}
	if !monotonic(pointers) {
		return carveHit{}, false
	}

	hit := carveHit{start: offset, end: offset + pointerEnd}
	for _, ptr := range pointers {
		if ptr < pointerEnd || ptr >= len(region) {
			continue
		}
		rowID, rec, consumed, ok := tryCellAt(region, ptr, int64(len(region)-ptr), c.encoding)
		if !ok {
			continue
		}
		row := newRecoveredRow(ProvenanceCarved, ConfidenceHeuristic, 0, base+int64(offset+ptr), rowID, rec)
		hit.rows = append(hit.rows, row)
		if cellEnd := offset + ptr + consumed; cellEnd > hit.end {
			hit.end = cellEnd
		}
	}
	if len(hit.rows) == 0 {
		return carveHit{}, false
	}
	return hit, true
}

// monotonic accepts pointer arrays that run strictly one way. Real arrays
// are in key order; random bytes rarely are.
func monotonic(pointers []int) bool {
	if len(pointers) < 2 {
		return true
	}
	ascending := pointers[1] > pointers[0]
	for i := 1; i < len(pointers); i++ {
		if ascending && pointers[i] <= pointers[i-1] {
			return false
		}
		if !ascending && pointers[i] >= pointers[i-1] {
			return false
		}
	}
	return true
}

// minFragmentRun is the shortest printable run worth reporting.
const minFragmentRun = 8

// TextFragments extracts printable runs from a region that defeated
// structural parsing. Fragments surface as findings rather than rows
// because they carry no record structure at all.
func (c *Carver) TextFragments(buf []byte, base int64) []Finding {
	var (
		findings []Finding
		runStart = -1
	)
	flush := func(end int) {
		if runStart < 0 || end-runStart < minFragmentRun {
			runStart = -1
			return
		}
		if !hasAlphanumeric(buf[runStart:end]) {
			runStart = -1
			return
		}
		findings = append(findings, Finding{
			Kind:   FindingTextFragment,
			Offset: base + int64(runStart),
			Detail: fmt.Sprintf("%q", buf[runStart:end]),
		})
		runStart = -1
	}
	for i, b := range buf {
		if b >= 0x20 && b <= 0x7e {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		flush(i)
	}
	flush(len(buf))
	return findings
}

func hasAlphanumeric(buf []byte) bool {
	for _, b := range buf {
		if b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' {
			return true
		}
	}
	return false
}
