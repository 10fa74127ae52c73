package rescue

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/evidex/sqliterescue/pkg/lrucache"
)

// lockBytePendingOffset is the absolute file offset of the lock-byte page.
const lockBytePendingOffset = 1 << 30

const defaultMaxCachedPages = 1000

// DBFile is the read-only view the reader needs over the database image.
type DBFile interface {
	io.ReaderAt
}

// PageReader maps a file image into fixed-size pages per the database
// header. It never writes; pages are read on demand and kept in a bounded
// LRU cache so peak memory stays proportional to the cache size.
type PageReader struct {
	file     DBFile
	fileSize int64
	header   DatabaseHeader

	// unstructured means the magic check failed; the file has no page
	// structure and only the carver can process it.
	unstructured bool

	totalPages uint32
	cache      *lrucache.Cache[PageNumber, []byte]
	logger     *zap.Logger
}

// NewPageReader validates the file header and derives the page geometry.
// A bad magic does not fail construction: the reader comes back in
// unstructured mode with ErrBadMagic so callers can route to the carver.
func NewPageReader(file DBFile, fileSize int64, maxCachedPages int, logger *zap.Logger) (*PageReader, error) {
	if maxCachedPages <= 0 {
		maxCachedPages = defaultMaxCachedPages
	}
	r := &PageReader{
		file:     file,
		fileSize: fileSize,
		logger:   logger,
	}

	if fileSize < DatabaseHeaderSize {
		r.unstructured = true
		return r, fmt.Errorf("%w: %d bytes", ErrTruncatedFile, fileSize)
	}

	buf := make([]byte, DatabaseHeaderSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read database header: %w", err)
	}
	if err := UnmarshalDatabaseHeader(buf, &r.header); err != nil {
		r.unstructured = true
		return r, err
	}

	r.totalPages = uint32(fileSize / int64(r.header.PageSize))
	r.cache = lrucache.New[PageNumber, []byte](maxCachedPages)

	if int64(r.totalPages)*int64(r.header.PageSize) != fileSize {
		logger.Warn("file size is not a multiple of page size",
			zap.Int64("file_size", fileSize),
			zap.Uint32("page_size", r.header.PageSize))
	}

	return r, nil
}

// Header returns the decoded database header. Zero value in unstructured
// mode.
func (r *PageReader) Header() DatabaseHeader {
	return r.header
}

// Unstructured reports whether the image failed the magic check and should
// only be carved.
func (r *PageReader) Unstructured() bool {
	return r.unstructured
}

// FileSize returns the length of the underlying image in bytes.
func (r *PageReader) FileSize() int64 {
	return r.fileSize
}

// TotalPages returns the page count implied by file length, which is
// authoritative over the header's stored count on damaged files.
func (r *PageReader) TotalPages() uint32 {
	return r.totalPages
}

// ReadPage returns page n (1-based) with its positional classification.
// Returns ErrOutOfRange for n == 0 or n beyond the file; callers tolerate
// that and continue with remaining pages.
func (r *PageReader) ReadPage(ctx context.Context, n PageNumber) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.unstructured {
		return nil, fmt.Errorf("unstructured file has no pages")
	}
	if n == 0 || uint32(n) > r.totalPages {
		return nil, fmt.Errorf("%w: page %d of %d", ErrOutOfRange, n, r.totalPages)
	}

	if data, ok := r.cache.Get(n); ok {
		return r.pageFromData(n, data), nil
	}

	data := make([]byte, r.header.PageSize)
	offset := int64(n-1) * int64(r.header.PageSize)
	if _, err := r.file.ReadAt(data, offset); err != nil {
		return nil, fmt.Errorf("read page %d: %w", n, err)
	}
	r.cache.Put(n, data)

	return r.pageFromData(n, data), nil
}

// ReadRange returns length raw bytes at offset, for carving regions that
// have no page structure.
func (r *PageReader) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 || offset >= r.fileSize {
		return nil, fmt.Errorf("%w: offset %d", ErrOutOfRange, offset)
	}
	if offset+length > r.fileSize {
		length = r.fileSize - offset
	}
	buf := make([]byte, length)
	if _, err := r.file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("read range at %d: %w", offset, err)
	}
	return buf, nil
}

func (r *PageReader) pageFromData(n PageNumber, data []byte) *Page {
	return &Page{
		Number: n,
		Type:   r.classify(n, data),
		Data:   data,
	}
}

// classify determines a page's type from its position (lock-byte and
// pointer-map pages have no type byte) or from its b-tree type byte.
// Freelist membership is only known to the freelist walker, which overrides
// the type on the pages it visits.
func (r *PageReader) classify(n PageNumber, data []byte) PageType {
	if lock := r.lockBytePage(); lock != 0 && n == lock {
		return PageTypeLockByte
	}
	if r.header.AutoVacuum() && r.isPointerMap(n) {
		return PageTypePointerMap
	}

	offset := 0
	if n == 1 {
		offset = DatabaseHeaderSize
	}
	if offset < len(data) {
		if t := btreeTypeFor(data[offset]); t != PageTypeUnknown {
			return t
		}
	}
	return PageTypeUnknown
}

func (r *PageReader) lockBytePage() PageNumber {
	if r.fileSize <= lockBytePendingOffset {
		return 0
	}
	return PageNumber(lockBytePendingOffset/int64(r.header.PageSize) + 1)
}

// isPointerMap reports whether page n is a pointer-map page in an
// auto-vacuum database: maps start at page 2 and recur every
// (usable/5)+1 pages.
func (r *PageReader) isPointerMap(n PageNumber) bool {
	if n < 2 {
		return false
	}
	perMap := r.header.UsableSize() / 5
	return uint32(n-2)%(perMap+1) == 0
}
