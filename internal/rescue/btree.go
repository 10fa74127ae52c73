package rescue

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

// Cell is one record slot read out of a b-tree leaf page. Payload holds the
// assembled bytes, local part plus any overflow chain that could be
// followed; Truncated marks a chain that left file bounds or ran past its
// declared length.
type Cell struct {
	Page        PageNumber
	Offset      uint16
	RowID       int64
	PayloadSize int64
	Payload     []byte
	Truncated   bool
	Overflow    []PageNumber
}

// CellFunc receives cells in ascending key order. Returning an error stops
// the walk.
type CellFunc func(Cell) error

// WalkResult reports which pages a walk visited (the live set for that
// root) and any non-fatal structural findings.
type WalkResult struct {
	Pages    map[PageNumber]PageType
	Findings []Finding
}

// BTreeWalker walks table b-trees depth-first from a root page, descending
// the leftmost child before right siblings so leaf cells come back in
// ascending rowid order.
type BTreeWalker struct {
	reader *PageReader
	logger *zap.Logger
}

func NewBTreeWalker(reader *PageReader, logger *zap.Logger) *BTreeWalker {
	return &BTreeWalker{reader: reader, logger: logger}
}

// Walk yields every leaf cell under root. Cycles in the page-pointer graph
// stop the affected subtree with a CycleDetected finding; siblings continue.
func (w *BTreeWalker) Walk(ctx context.Context, root PageNumber, fn CellFunc) (WalkResult, error) {
	result := WalkResult{Pages: make(map[PageNumber]PageType)}
	err := w.walkPage(ctx, root, fn, &result)
	return result, err
}

func (w *BTreeWalker) walkPage(ctx context.Context, n PageNumber, fn CellFunc, result *WalkResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, seen := result.Pages[n]; seen {
		result.Findings = append(result.Findings, Finding{
			Kind:   FindingCycleDetected,
			Page:   uint32(n),
			Detail: ErrCycleDetected.Error(),
		})
		return nil
	}

	page, err := w.reader.ReadPage(ctx, n)
	if err != nil {
		result.Findings = append(result.Findings, Finding{
			Kind:   FindingStructuralCorruption,
			Page:   uint32(n),
			Detail: err.Error(),
		})
		return nil
	}
	result.Pages[n] = page.Type

	header, err := page.BTreeHeader()
	if err != nil {
		result.Findings = append(result.Findings, Finding{
			Kind:   FindingStructuralCorruption,
			Page:   uint32(n),
			Detail: err.Error(),
		})
		return nil
	}
	pointers, err := page.CellPointers(header)
	if err != nil {
		result.Findings = append(result.Findings, Finding{
			Kind:   FindingStructuralCorruption,
			Page:   uint32(n),
			Detail: err.Error(),
		})
		return nil
	}

	if header.Interior() {
		for _, ptr := range pointers {
			child, ok := interiorChild(page.Data, int(ptr))
			if !ok {
				result.Findings = append(result.Findings, Finding{
					Kind:   FindingStructuralCorruption,
					Page:   uint32(n),
					Detail: fmt.Sprintf("interior cell at %d out of bounds", ptr),
				})
				continue
			}
			if err := w.walkPage(ctx, child, fn, result); err != nil {
				return err
			}
		}
		return w.walkPage(ctx, header.RightMostPointer, fn, result)
	}

	for _, ptr := range pointers {
		cell, err := w.ReadCell(ctx, page, ptr)
		if err != nil {
			result.Findings = append(result.Findings, Finding{
				Kind:   FindingStructuralCorruption,
				Page:   uint32(n),
				Detail: fmt.Sprintf("cell at %d: %v", ptr, err),
			})
			continue
		}
		for _, overflowPage := range cell.Overflow {
			result.Pages[overflowPage] = PageTypeOverflow
		}
		if cell.Truncated {
			result.Findings = append(result.Findings, Finding{
				Kind:   FindingDecodeTruncation,
				Page:   uint32(n),
				Detail: fmt.Sprintf("cell at %d: overflow chain incomplete", ptr),
			})
		}
		if err := fn(cell); err != nil {
			return err
		}
	}
	return nil
}

// interiorChild reads the 4-byte left-child pointer of a table interior
// cell.
func interiorChild(data []byte, offset int) (PageNumber, bool) {
	if offset < 0 || offset+4 > len(data) {
		return 0, false
	}
	return PageNumber(binary.BigEndian.Uint32(data[offset : offset+4])), true
}

// ReadCell parses the table-leaf cell at ptr and follows its overflow
// chain. A chain that cannot be fully followed yields a truncated cell with
// whatever payload bytes were present, not an error.
func (w *BTreeWalker) ReadCell(ctx context.Context, page *Page, ptr uint16) (Cell, error) {
	data := page.Data
	offset := int(ptr)
	if offset < page.headerOffset() || offset >= len(data) {
		return Cell{}, fmt.Errorf("cell pointer %d out of bounds", ptr)
	}

	payloadSize, n, err := DecodeVarint(data, offset)
	if err != nil {
		return Cell{}, fmt.Errorf("payload size: %w", err)
	}
	if payloadSize < 0 {
		return Cell{}, fmt.Errorf("negative payload size %d", payloadSize)
	}
	rowID, m, err := DecodeVarint(data, offset+n)
	if err != nil {
		return Cell{}, fmt.Errorf("rowid: %w", err)
	}

	cell := Cell{
		Page:        page.Number,
		Offset:      ptr,
		RowID:       rowID,
		PayloadSize: payloadSize,
	}

	usable := int64(w.reader.Header().UsableSize())
	local := localPayloadSize(payloadSize, usable)

	bodyStart := offset + n + m
	bodyEnd := bodyStart + int(local)
	if bodyEnd > len(data) {
		bodyEnd = len(data)
		cell.Truncated = true
	}
	cell.Payload = append(cell.Payload, data[bodyStart:bodyEnd]...)

	if local >= payloadSize || cell.Truncated {
		return cell, nil
	}

	// Payload spills: 4-byte first overflow page pointer after the local
	// bytes.
	if bodyEnd+4 > len(data) {
		cell.Truncated = true
		return cell, nil
	}
	next := PageNumber(binary.BigEndian.Uint32(data[bodyEnd : bodyEnd+4]))
	w.followOverflow(ctx, next, payloadSize, &cell)
	return cell, nil
}

// followOverflow appends overflow chain bytes onto cell.Payload until the
// declared payload size is reached. The chain must terminate within file
// bounds and must not revisit a page, otherwise the cell is marked
// truncated.
func (w *BTreeWalker) followOverflow(ctx context.Context, next PageNumber, payloadSize int64, cell *Cell) {
	visited := make(map[PageNumber]struct{})
	usable := int(w.reader.Header().UsableSize())

	for next != 0 {
		if _, seen := visited[next]; seen {
			cell.Truncated = true
			return
		}
		visited[next] = struct{}{}

		page, err := w.reader.ReadPage(ctx, next)
		if err != nil {
			cell.Truncated = true
			return
		}
		cell.Overflow = append(cell.Overflow, next)

		if len(page.Data) < 4 {
			cell.Truncated = true
			return
		}
		remaining := payloadSize - int64(len(cell.Payload))
		chunk := int64(usable - 4)
		if chunk > remaining {
			chunk = remaining
		}
		if 4+int(chunk) > len(page.Data) {
			chunk = int64(len(page.Data) - 4)
			cell.Truncated = true
		}
		cell.Payload = append(cell.Payload, page.Data[4:4+chunk]...)

		if int64(len(cell.Payload)) >= payloadSize {
			return
		}
		next = PageNumber(binary.BigEndian.Uint32(page.Data[0:4]))
	}
	if int64(len(cell.Payload)) < payloadSize {
		cell.Truncated = true
	}
}

// localPayloadSize computes how many payload bytes a table-leaf cell stores
// on its own page before spilling to overflow pages.
func localPayloadSize(payloadSize, usable int64) int64 {
	maxLocal := usable - 35
	if payloadSize <= maxLocal {
		return payloadSize
	}
	minLocal := (usable-12)*32/255 - 23
	local := minLocal + (payloadSize-minLocal)%(usable-4)
	if local > maxLocal {
		local = minLocal
	}
	return local
}
