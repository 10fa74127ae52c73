// Package rescuetest builds on-disk fixtures byte by byte: database
// images, pages, cells, WAL and journal files with valid checksums. Tests
// assemble damaged variants from these instead of shipping binary fixture
// files.
package rescuetest

import (
	"encoding/binary"
	"math"
)

// EncodeVarint encodes v in the 1-9 byte high-bit-continuation scheme.
func EncodeVarint(v uint64) []byte {
	if v>>56 != 0 {
		buf := make([]byte, 9)
		buf[8] = byte(v)
		v >>= 8
		for i := 7; i >= 0; i-- {
			buf[i] = byte(v&0x7f) | 0x80
			v >>= 7
		}
		return buf
	}
	var tmp [9]byte
	i := 8
	tmp[i] = byte(v & 0x7f)
	v >>= 7
	for v != 0 {
		i--
		tmp[i] = byte(v&0x7f) | 0x80
		v >>= 7
	}
	return tmp[i:]
}

// Record encodes a record payload from Go values: nil, int64, float64,
// string, and []byte map onto the corresponding serial types.
func Record(values ...any) []byte {
	var (
		types []byte
		body  []byte
	)
	for _, value := range values {
		switch v := value.(type) {
		case nil:
			types = append(types, EncodeVarint(0)...)
		case int64:
			code, bytes := encodeInt(v)
			types = append(types, EncodeVarint(code)...)
			body = append(body, bytes...)
		case float64:
			types = append(types, EncodeVarint(7)...)
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
			body = append(body, buf[:]...)
		case string:
			types = append(types, EncodeVarint(uint64(len(v)*2+13))...)
			body = append(body, v...)
		case []byte:
			types = append(types, EncodeVarint(uint64(len(v)*2+12))...)
			body = append(body, v...)
		default:
			panic("rescuetest: unsupported value type")
		}
	}
	// The header length varint counts itself, so its size must be found by
	// iteration.
	var header []byte
	for size := 1; ; size++ {
		prefix := EncodeVarint(uint64(len(types) + size))
		if len(prefix) == size {
			header = append(prefix, types...)
			break
		}
	}
	return append(header, body...)
}

func encodeInt(v int64) (uint64, []byte) {
	switch {
	case v == 0:
		return 8, nil
	case v == 1:
		return 9, nil
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return 1, []byte{byte(v)}
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return 2, []byte{byte(v >> 8), byte(v)}
	case v >= -(1 << 23) && v < 1<<23:
		return 3, []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	case v >= math.MinInt32 && v <= math.MaxInt32:
		return 4, []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	case v >= -(1 << 47) && v < 1<<47:
		return 5, []byte{byte(v >> 40), byte(v >> 32), byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		return 6, buf[:]
	}
}

// Cell encodes a table-leaf cell that fits entirely on its page.
func Cell(rowID int64, record []byte) []byte {
	cell := EncodeVarint(uint64(len(record)))
	cell = append(cell, EncodeVarint(uint64(rowID))...)
	return append(cell, record...)
}

// TableLeafPage lays cells out the way the format does: pointer array after
// the 8-byte header, cell content packed against the end of the page in
// reverse order. pageNumber 1 leaves room for the database header.
func TableLeafPage(pageSize int, pageNumber uint32, cells ...[]byte) []byte {
	page := make([]byte, pageSize)
	headerOffset := 0
	if pageNumber == 1 {
		headerOffset = 100
	}

	content := pageSize
	pointers := make([]uint16, len(cells))
	for i := len(cells) - 1; i >= 0; i-- {
		content -= len(cells[i])
		copy(page[content:], cells[i])
		pointers[i] = uint16(content)
	}

	page[headerOffset] = 13
	binary.BigEndian.PutUint16(page[headerOffset+3:], uint16(len(cells)))
	binary.BigEndian.PutUint16(page[headerOffset+5:], uint16(content))
	for i, ptr := range pointers {
		binary.BigEndian.PutUint16(page[headerOffset+8+i*2:], ptr)
	}
	return page
}

// TableInteriorPage builds an interior page from (childPage, key) pairs
// plus the right-most pointer.
func TableInteriorPage(pageSize int, pageNumber uint32, rightMost uint32, entries ...[2]int64) []byte {
	page := make([]byte, pageSize)
	headerOffset := 0
	if pageNumber == 1 {
		headerOffset = 100
	}

	content := pageSize
	pointers := make([]uint16, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		cell := make([]byte, 4)
		binary.BigEndian.PutUint32(cell, uint32(entries[i][0]))
		cell = append(cell, EncodeVarint(uint64(entries[i][1]))...)
		content -= len(cell)
		copy(page[content:], cell)
		pointers[i] = uint16(content)
	}

	page[headerOffset] = 5
	binary.BigEndian.PutUint16(page[headerOffset+3:], uint16(len(entries)))
	binary.BigEndian.PutUint16(page[headerOffset+5:], uint16(content))
	binary.BigEndian.PutUint32(page[headerOffset+8:], rightMost)
	for i, ptr := range pointers {
		binary.BigEndian.PutUint16(page[headerOffset+12+i*2:], ptr)
	}
	return page
}

// FreeTrunkPage builds a free-list trunk referencing the given leaves.
func FreeTrunkPage(pageSize int, nextTrunk uint32, leaves ...uint32) []byte {
	page := make([]byte, pageSize)
	binary.BigEndian.PutUint32(page[0:], nextTrunk)
	binary.BigEndian.PutUint32(page[4:], uint32(len(leaves)))
	for i, leaf := range leaves {
		binary.BigEndian.PutUint32(page[8+i*4:], leaf)
	}
	return page
}

// ImageOption mutates the 100-byte header before assembly.
type ImageOption func(header []byte)

// WithFreelist points the header at a free-list trunk chain.
func WithFreelist(head, count uint32) ImageOption {
	return func(header []byte) {
		binary.BigEndian.PutUint32(header[32:], head)
		binary.BigEndian.PutUint32(header[36:], count)
	}
}

// Image assembles a database image from whole pages. Page 1's first 100
// bytes are overwritten with a well-formed header.
func Image(pageSize int, pages [][]byte, opts ...ImageOption) []byte {
	header := make([]byte, 100)
	copy(header, "SQLite format 3\x00")
	if pageSize == 65536 {
		binary.BigEndian.PutUint16(header[16:], 1)
	} else {
		binary.BigEndian.PutUint16(header[16:], uint16(pageSize))
	}
	header[18], header[19] = 1, 1
	binary.BigEndian.PutUint32(header[24:], 1)                  // change counter
	binary.BigEndian.PutUint32(header[28:], uint32(len(pages))) // page count
	binary.BigEndian.PutUint32(header[56:], 1)                  // utf-8
	binary.BigEndian.PutUint32(header[92:], 1)                  // version valid for
	for _, opt := range opts {
		opt(header)
	}

	image := make([]byte, 0, pageSize*len(pages))
	for _, page := range pages {
		image = append(image, page...)
	}
	copy(image, header)
	return image
}

// WALFrameSpec describes one frame to build.
type WALFrameSpec struct {
	PageNumber uint32
	DBSize     uint32 // nonzero makes this a commit frame
	Data       []byte
}

// WAL assembles a write-ahead log with valid running checksums. Flip any
// byte afterwards to make a corrupt variant.
func WAL(pageSize uint32, bigEndianChecksum bool, salt1, salt2 uint32, frames ...WALFrameSpec) []byte {
	magic := uint32(0x377f0682)
	if bigEndianChecksum {
		magic = 0x377f0683
	}

	header := make([]byte, 32)
	binary.BigEndian.PutUint32(header[0:], magic)
	binary.BigEndian.PutUint32(header[4:], 3007000)
	binary.BigEndian.PutUint32(header[8:], pageSize)
	binary.BigEndian.PutUint32(header[12:], 0)
	binary.BigEndian.PutUint32(header[16:], salt1)
	binary.BigEndian.PutUint32(header[20:], salt2)
	s0, s1 := walSum(0, 0, header[0:24], bigEndianChecksum)
	binary.BigEndian.PutUint32(header[24:], s0)
	binary.BigEndian.PutUint32(header[28:], s1)

	out := header
	for _, frame := range frames {
		data := make([]byte, pageSize)
		copy(data, frame.Data)

		frameHeader := make([]byte, 24)
		binary.BigEndian.PutUint32(frameHeader[0:], frame.PageNumber)
		binary.BigEndian.PutUint32(frameHeader[4:], frame.DBSize)
		binary.BigEndian.PutUint32(frameHeader[8:], salt1)
		binary.BigEndian.PutUint32(frameHeader[12:], salt2)
		s0, s1 = walSum(s0, s1, frameHeader[0:8], bigEndianChecksum)
		s0, s1 = walSum(s0, s1, data, bigEndianChecksum)
		binary.BigEndian.PutUint32(frameHeader[16:], s0)
		binary.BigEndian.PutUint32(frameHeader[20:], s1)

		out = append(out, frameHeader...)
		out = append(out, data...)
	}
	return out
}

func walSum(s0, s1 uint32, data []byte, bigEndian bool) (uint32, uint32) {
	for i := 0; i+8 <= len(data); i += 8 {
		var x0, x1 uint32
		if bigEndian {
			x0 = binary.BigEndian.Uint32(data[i:])
			x1 = binary.BigEndian.Uint32(data[i+4:])
		} else {
			x0 = binary.LittleEndian.Uint32(data[i:])
			x1 = binary.LittleEndian.Uint32(data[i+4:])
		}
		s0 += x0 + s1
		s1 += x1 + s0
	}
	return s0, s1
}

// JournalRecordSpec describes one rollback-journal record to build.
type JournalRecordSpec struct {
	PageNumber uint32
	Data       []byte
}

// Journal assembles a rollback journal with valid per-record checksums.
func Journal(pageSize, sectorSize, nonce uint32, records ...JournalRecordSpec) []byte {
	header := make([]byte, sectorSize)
	copy(header, []byte{0xd9, 0xd5, 0x05, 0xf9, 0x20, 0xa1, 0x63, 0xd7})
	binary.BigEndian.PutUint32(header[8:], uint32(len(records)))
	binary.BigEndian.PutUint32(header[12:], nonce)
	binary.BigEndian.PutUint32(header[16:], uint32(len(records)))
	binary.BigEndian.PutUint32(header[20:], sectorSize)
	binary.BigEndian.PutUint32(header[24:], pageSize)

	out := header
	for _, record := range records {
		data := make([]byte, pageSize)
		copy(data, record.Data)

		sum := nonce
		for i := int(pageSize) - 200; i > 0; i -= 200 {
			sum += uint32(data[i])
		}

		entry := make([]byte, 4)
		binary.BigEndian.PutUint32(entry, record.PageNumber)
		entry = append(entry, data...)

		var checksum [4]byte
		binary.BigEndian.PutUint32(checksum[:], sum)
		entry = append(entry, checksum[:]...)
		out = append(out, entry...)
	}
	return out
}
