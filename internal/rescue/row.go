package rescue

import (
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// Provenance classifies the mechanism that produced a recovered row.
type Provenance int

const (
	ProvenanceLive Provenance = iota
	ProvenanceFreelist
	ProvenanceWALPriorImage
	ProvenanceCarved
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceLive:
		return "live"
	case ProvenanceFreelist:
		return "freelist"
	case ProvenanceWALPriorImage:
		return "wal-prior-image"
	case ProvenanceCarved:
		return "carved"
	}
	return "unknown"
}

// Confidence ranks how a row was matched: structurally valid means the row
// was reached through intact page structure, heuristically matched means a
// scanner pattern-matched it out of loose bytes.
type Confidence int

const (
	ConfidenceHeuristic Confidence = iota
	ConfidenceStructural
)

func (c Confidence) String() string {
	if c == ConfidenceStructural {
		return "structural"
	}
	return "heuristic"
}

// RecoveredRow is one decoded record plus its chain-of-custody metadata:
// where in the image it came from, through which mechanism, and a digest of
// its raw header bytes for audit. Rows are immutable once produced.
type RecoveredRow struct {
	Provenance Provenance
	Confidence Confidence
	Table      string
	Page       PageNumber
	Offset     int64 // absolute byte offset of the cell in its source file
	RowID      int64
	Record     Record
	RawHeader  []byte
	Digest     [32]byte
}

// Key identifies a row for live/recovered deduplication. Offset is an
// absolute file offset, so it locates the cell on its own; the page number
// is deliberately left out because carved rows do not carry one.
func (r RecoveredRow) Key() string {
	return fmt.Sprintf("%d/%d", r.Offset, r.RowID)
}

// newRecoveredRow seals a row, computing its evidence digest over the raw
// record header bytes.
func newRecoveredRow(provenance Provenance, confidence Confidence, page PageNumber, offset int64, rowID int64, rec Record) RecoveredRow {
	row := RecoveredRow{
		Provenance: provenance,
		Confidence: confidence,
		Page:       page,
		Offset:     offset,
		RowID:      rowID,
		Record:     rec,
		RawHeader:  rec.HeaderBytes,
	}
	row.Digest = blake3.Sum256(rec.HeaderBytes)
	return row
}

// DigestBytes hashes a whole input image for the scan summary, so a report
// can tie every row back to one immutable source.
func DigestBytes(buf []byte) [32]byte {
	return blake3.Sum256(buf)
}

// DigestFile hashes the first size bytes of file without loading the image
// into memory.
func DigestFile(file io.ReaderAt, size int64) ([32]byte, error) {
	var out [32]byte
	hasher := blake3.New()
	if _, err := io.Copy(hasher, io.NewSectionReader(file, 0, size)); err != nil {
		return out, err
	}
	copy(out[:], hasher.Sum(nil))
	return out, nil
}
