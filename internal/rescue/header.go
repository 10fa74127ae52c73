package rescue

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// DatabaseHeaderSize is the fixed prefix of page 1.
	DatabaseHeaderSize = 100

	// MinPageSize and MaxPageSize bound the legal page sizes.
	MinPageSize = 512
	MaxPageSize = 65536
)

var headerMagic = []byte("SQLite format 3\x00")

// DatabaseHeader is the decoded 100-byte file header at the start of page 1.
type DatabaseHeader struct {
	PageSize          uint32
	WriteVersion      uint8
	ReadVersion       uint8
	ReservedBytes     uint8
	FileChangeCounter uint32
	PageCount         uint32
	FreelistHead      uint32
	FreelistPages     uint32
	SchemaCookie      uint32
	SchemaFormat      uint32
	LargestRootPage   uint32
	Encoding          TextEncoding
	UserVersion       uint32
	VersionValidFor   uint32
	SoftwareVersion   uint32
}

// UsableSize is the page size minus the per-page reserved region.
func (h DatabaseHeader) UsableSize() uint32 {
	return h.PageSize - uint32(h.ReservedBytes)
}

// AutoVacuum reports whether the file carries pointer-map pages.
func (h DatabaseHeader) AutoVacuum() bool {
	return h.LargestRootPage > 0
}

// UnmarshalDatabaseHeader decodes the file header. A magic mismatch returns
// ErrBadMagic so the caller can downgrade the file to unstructured input;
// any other violation is structural corruption.
func UnmarshalDatabaseHeader(buf []byte, header *DatabaseHeader) error {
	if len(buf) < DatabaseHeaderSize {
		return fmt.Errorf("%w: header needs %d bytes, have %d", ErrTruncatedFile, DatabaseHeaderSize, len(buf))
	}
	if !bytes.Equal(buf[0:16], headerMagic) {
		return ErrBadMagic
	}

	pageSize := uint32(binary.BigEndian.Uint16(buf[16:18]))
	if pageSize == 1 {
		pageSize = MaxPageSize
	}
	if pageSize < MinPageSize || pageSize > MaxPageSize || pageSize&(pageSize-1) != 0 {
		return fmt.Errorf("invalid page size %d", pageSize)
	}

	header.PageSize = pageSize
	header.WriteVersion = buf[18]
	header.ReadVersion = buf[19]
	header.ReservedBytes = buf[20]
	header.FileChangeCounter = binary.BigEndian.Uint32(buf[24:28])
	header.PageCount = binary.BigEndian.Uint32(buf[28:32])
	header.FreelistHead = binary.BigEndian.Uint32(buf[32:36])
	header.FreelistPages = binary.BigEndian.Uint32(buf[36:40])
	header.SchemaCookie = binary.BigEndian.Uint32(buf[40:44])
	header.SchemaFormat = binary.BigEndian.Uint32(buf[44:48])
	header.LargestRootPage = binary.BigEndian.Uint32(buf[52:56])
	header.Encoding = TextEncoding(binary.BigEndian.Uint32(buf[56:60]))
	header.UserVersion = binary.BigEndian.Uint32(buf[60:64])
	header.VersionValidFor = binary.BigEndian.Uint32(buf[92:96])
	header.SoftwareVersion = binary.BigEndian.Uint32(buf[96:100])

	if header.Encoding == 0 {
		header.Encoding = EncodingUTF8
	}
	if header.Encoding != EncodingUTF8 && header.Encoding != EncodingUTF16LE && header.Encoding != EncodingUTF16BE {
		return fmt.Errorf("invalid text encoding %d", header.Encoding)
	}

	return nil
}
