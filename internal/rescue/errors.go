package rescue

import (
	"fmt"
)

var (
	// ErrOutOfRange is returned when a page number exceeds the page count
	// implied by the file length. Callers treat it as a skippable condition,
	// not a scan failure.
	ErrOutOfRange = fmt.Errorf("page number out of range")

	// ErrMalformedVarint is returned when 9 bytes are consumed without the
	// continuation bit terminating. Callers treat it as payload corruption.
	ErrMalformedVarint = fmt.Errorf("malformed varint")

	// ErrUnknownSerialType is returned for the reserved serial-type codes 10
	// and 11. The record decoder treats it as a truncation point.
	ErrUnknownSerialType = fmt.Errorf("unknown serial type")

	// ErrBadMagic means the file does not start with the SQLite header
	// string. The file is downgraded to unstructured and only carved.
	ErrBadMagic = fmt.Errorf("not a database file: bad magic")

	ErrChecksumMismatch = fmt.Errorf("checksum mismatch")
	ErrCycleDetected    = fmt.Errorf("page cycle detected")
	ErrTruncatedFile    = fmt.Errorf("file truncated")
)

// FindingKind classifies non-fatal structural conditions observed during a
// scan. Only an I/O failure on the primary file aborts a scan; everything
// else becomes a Finding on the summary and the scan keeps going.
type FindingKind string

const (
	FindingStructuralCorruption FindingKind = "structural-corruption"
	FindingDecodeTruncation     FindingKind = "decode-truncation"
	FindingChecksumMismatch     FindingKind = "checksum-mismatch"
	FindingCycleDetected        FindingKind = "cycle-detected"
	FindingTextFragment         FindingKind = "text-fragment"
)

// Finding is a structural observation attached to the scan summary,
// preserving where in the image the condition was seen.
type Finding struct {
	Kind   FindingKind
	Page   uint32
	Offset int64
	Detail string
}

func (f Finding) String() string {
	if f.Page > 0 {
		return fmt.Sprintf("%s: page %d: %s", f.Kind, f.Page, f.Detail)
	}
	return fmt.Sprintf("%s: offset %d: %s", f.Kind, f.Offset, f.Detail)
}
