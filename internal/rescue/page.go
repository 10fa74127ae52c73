package rescue

import (
	"encoding/binary"
	"fmt"
)

// On-disk b-tree page type bytes.
const (
	PageTypeByteIndexInterior = 2
	PageTypeByteTableInterior = 5
	PageTypeByteIndexLeaf     = 10
	PageTypeByteTableLeaf     = 13
)

// PageType classifies a page. B-tree types come from the page's first byte;
// overflow, freelist, lock-byte and pointer-map pages have no self-describing
// type byte and are classified from how they are referenced.
type PageType int

const (
	PageTypeUnknown PageType = iota
	PageTypeTableLeaf
	PageTypeTableInterior
	PageTypeIndexLeaf
	PageTypeIndexInterior
	PageTypeOverflow
	PageTypeFreeTrunk
	PageTypeFreeLeaf
	PageTypeLockByte
	PageTypePointerMap
)

func (t PageType) String() string {
	switch t {
	case PageTypeTableLeaf:
		return "table-leaf"
	case PageTypeTableInterior:
		return "table-interior"
	case PageTypeIndexLeaf:
		return "index-leaf"
	case PageTypeIndexInterior:
		return "index-interior"
	case PageTypeOverflow:
		return "overflow"
	case PageTypeFreeTrunk:
		return "free-trunk"
	case PageTypeFreeLeaf:
		return "free-leaf"
	case PageTypeLockByte:
		return "lock-byte"
	case PageTypePointerMap:
		return "pointer-map"
	}
	return "unknown"
}

// PageNumber is a 1-based page number, matching the on-disk convention.
type PageNumber uint32

// Page is a raw page plus its classification. Orphaned pages (type byte not
// consistent with any referencing structure) keep PageTypeUnknown and are
// left to the heuristic scanners.
type Page struct {
	Number PageNumber
	Type   PageType
	Data   []byte
}

// headerOffset returns where the b-tree page header starts: page 1 carries
// the 100-byte database header first.
func (p *Page) headerOffset() int {
	if p.Number == 1 {
		return DatabaseHeaderSize
	}
	return 0
}

// BTreeHeader is the decoded 8- or 12-byte header of a b-tree page.
type BTreeHeader struct {
	TypeByte         uint8
	FirstFreeblock   uint16
	CellCount        uint16
	ContentStart     uint32 // 0 on disk means 65536
	FragmentedBytes  uint8
	RightMostPointer PageNumber // interior pages only
	Size             int
}

// Interior reports whether the header belongs to an interior page.
func (h BTreeHeader) Interior() bool {
	return h.TypeByte == PageTypeByteTableInterior || h.TypeByte == PageTypeByteIndexInterior
}

// UnmarshalBTreeHeader decodes a b-tree page header from buf at offset.
func UnmarshalBTreeHeader(buf []byte, offset int) (BTreeHeader, error) {
	if offset+8 > len(buf) {
		return BTreeHeader{}, fmt.Errorf("%w: b-tree header at %d", ErrTruncatedFile, offset)
	}
	h := BTreeHeader{
		TypeByte:        buf[offset],
		FirstFreeblock:  binary.BigEndian.Uint16(buf[offset+1 : offset+3]),
		CellCount:       binary.BigEndian.Uint16(buf[offset+3 : offset+5]),
		ContentStart:    uint32(binary.BigEndian.Uint16(buf[offset+5 : offset+7])),
		FragmentedBytes: buf[offset+7],
		Size:            8,
	}
	if h.ContentStart == 0 {
		h.ContentStart = MaxPageSize
	}
	switch h.TypeByte {
	case PageTypeByteTableLeaf, PageTypeByteIndexLeaf:
	case PageTypeByteTableInterior, PageTypeByteIndexInterior:
		if offset+12 > len(buf) {
			return BTreeHeader{}, fmt.Errorf("%w: interior header at %d", ErrTruncatedFile, offset)
		}
		h.RightMostPointer = PageNumber(binary.BigEndian.Uint32(buf[offset+8 : offset+12]))
		h.Size = 12
	default:
		return BTreeHeader{}, fmt.Errorf("unrecognised page type byte %d", h.TypeByte)
	}
	return h, nil
}

// CellPointers returns the cell pointer array following the page header:
// CellCount big-endian u16 offsets into the page.
func (p *Page) CellPointers(h BTreeHeader) ([]uint16, error) {
	start := p.headerOffset() + h.Size
	end := start + int(h.CellCount)*2
	if end > len(p.Data) {
		return nil, fmt.Errorf("%w: cell pointer array [%d:%d)", ErrTruncatedFile, start, end)
	}
	pointers := make([]uint16, h.CellCount)
	for i := range pointers {
		pointers[i] = binary.BigEndian.Uint16(p.Data[start+i*2 : start+i*2+2])
	}
	return pointers, nil
}

// BTreeHeader decodes the page's own b-tree header.
func (p *Page) BTreeHeader() (BTreeHeader, error) {
	return UnmarshalBTreeHeader(p.Data, p.headerOffset())
}

// btreeTypeFor maps a page's type byte to its PageType, or PageTypeUnknown.
func btreeTypeFor(b uint8) PageType {
	switch b {
	case PageTypeByteTableLeaf:
		return PageTypeTableLeaf
	case PageTypeByteTableInterior:
		return PageTypeTableInterior
	case PageTypeByteIndexLeaf:
		return PageTypeIndexLeaf
	case PageTypeByteIndexInterior:
		return PageTypeIndexInterior
	}
	return PageTypeUnknown
}
