package rescue

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"go.uber.org/zap"
)

const (
	// WALMagicLE / WALMagicBE identify a WAL file; the low bit selects the
	// byte order the checksums were computed in, read per file and never
	// assumed.
	WALMagicLE = 0x377f0682
	WALMagicBE = 0x377f0683

	WALHeaderSize      = 32
	WALFrameHeaderSize = 24
)

// WALHeader is the decoded 32-byte WAL file header. All fields are stored
// big-endian; BigEndianChecksum reflects the magic's low bit.
type WALHeader struct {
	Magic             uint32
	FileFormat        uint32
	PageSize          uint32
	CheckpointSeq     uint32
	Salt1             uint32
	Salt2             uint32
	Checksum1         uint32
	Checksum2         uint32
	BigEndianChecksum bool
}

// WALFrame is one frame in file order: the page image a commit would have
// written over page PageNumber in the main file. DBSize is nonzero only on
// commit frames. Committed marks frames at or before the last valid commit
// boundary; frames past it belong to an uncommitted or aborted write and
// must not produce evidence rows.
type WALFrame struct {
	Index      int
	PageNumber PageNumber
	DBSize     uint32
	Salt1      uint32
	Salt2      uint32
	Checksum1  uint32
	Checksum2  uint32
	Offset     int64
	Data       []byte
	Committed  bool
}

// Commit reports whether this frame ends a transaction.
func (f WALFrame) Commit() bool {
	return f.DBSize != 0
}

// WALReplayer parses a write-ahead log into ordered frames, validating the
// running checksum so that bytes after a corrupt or partial frame are never
// trusted.
type WALReplayer struct {
	logger *zap.Logger
}

func NewWALReplayer(logger *zap.Logger) *WALReplayer {
	return &WALReplayer{logger: logger}
}

// Replay reads frames in file order. A checksum or salt mismatch terminates
// replay at that frame with a finding; everything up to the last valid
// commit frame comes back marked Committed.
func (r *WALReplayer) Replay(ctx context.Context, file io.ReaderAt, fileSize int64) (WALHeader, []WALFrame, []Finding, error) {
	var findings []Finding

	if fileSize < WALHeaderSize {
		return WALHeader{}, nil, nil, fmt.Errorf("%w: wal file is %d bytes", ErrTruncatedFile, fileSize)
	}
	buf := make([]byte, WALHeaderSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		return WALHeader{}, nil, nil, fmt.Errorf("read wal header: %w", err)
	}

	header := WALHeader{
		Magic:         binary.BigEndian.Uint32(buf[0:4]),
		FileFormat:    binary.BigEndian.Uint32(buf[4:8]),
		PageSize:      binary.BigEndian.Uint32(buf[8:12]),
		CheckpointSeq: binary.BigEndian.Uint32(buf[12:16]),
		Salt1:         binary.BigEndian.Uint32(buf[16:20]),
		Salt2:         binary.BigEndian.Uint32(buf[20:24]),
		Checksum1:     binary.BigEndian.Uint32(buf[24:28]),
		Checksum2:     binary.BigEndian.Uint32(buf[28:32]),
	}
	switch header.Magic {
	case WALMagicLE:
	case WALMagicBE:
		header.BigEndianChecksum = true
	default:
		return WALHeader{}, nil, nil, fmt.Errorf("invalid wal magic 0x%08x", header.Magic)
	}
	if header.PageSize < MinPageSize || header.PageSize > MaxPageSize || header.PageSize&(header.PageSize-1) != 0 {
		return WALHeader{}, nil, nil, fmt.Errorf("invalid wal page size %d", header.PageSize)
	}

	// Checksum over the first 24 header bytes seeds the running checksum
	// for the first frame.
	s0, s1 := walChecksum(0, 0, buf[0:24], header.BigEndianChecksum)
	if s0 != header.Checksum1 || s1 != header.Checksum2 {
		findings = append(findings, Finding{
			Kind:   FindingChecksumMismatch,
			Detail: "wal header checksum mismatch, no frames trusted",
		})
		return header, nil, findings, nil
	}

	var (
		frames     []WALFrame
		frameSize  = int64(WALFrameHeaderSize) + int64(header.PageSize)
		offset     = int64(WALHeaderSize)
		frameBuf   = make([]byte, frameSize)
		lastCommit = -1
	)
	for idx := 0; offset+frameSize <= fileSize; idx++ {
		if err := ctx.Err(); err != nil {
			return header, nil, nil, err
		}
		if _, err := file.ReadAt(frameBuf, offset); err != nil {
			return header, nil, nil, fmt.Errorf("read wal frame %d: %w", idx, err)
		}

		frame := WALFrame{
			Index:      idx,
			PageNumber: PageNumber(binary.BigEndian.Uint32(frameBuf[0:4])),
			DBSize:     binary.BigEndian.Uint32(frameBuf[4:8]),
			Salt1:      binary.BigEndian.Uint32(frameBuf[8:12]),
			Salt2:      binary.BigEndian.Uint32(frameBuf[12:16]),
			Checksum1:  binary.BigEndian.Uint32(frameBuf[16:20]),
			Checksum2:  binary.BigEndian.Uint32(frameBuf[20:24]),
			Offset:     offset,
		}

		if frame.Salt1 != header.Salt1 || frame.Salt2 != header.Salt2 {
			findings = append(findings, Finding{
				Kind:   FindingChecksumMismatch,
				Offset: offset,
				Detail: fmt.Sprintf("frame %d salt mismatch, replay stopped", idx),
			})
			break
		}

		s0, s1 = walChecksum(s0, s1, frameBuf[0:8], header.BigEndianChecksum)
		s0, s1 = walChecksum(s0, s1, frameBuf[WALFrameHeaderSize:], header.BigEndianChecksum)
		if s0 != frame.Checksum1 || s1 != frame.Checksum2 {
			findings = append(findings, Finding{
				Kind:   FindingChecksumMismatch,
				Offset: offset,
				Detail: fmt.Sprintf("frame %d checksum mismatch, replay stopped", idx),
			})
			break
		}

		frame.Data = make([]byte, header.PageSize)
		copy(frame.Data, frameBuf[WALFrameHeaderSize:])
		frames = append(frames, frame)
		if frame.Commit() {
			lastCommit = idx
		}
		offset += frameSize
	}

	if tail := fileSize - offset; tail > 0 && tail < frameSize && len(findings) == 0 {
		findings = append(findings, Finding{
			Kind:   FindingChecksumMismatch,
			Offset: offset,
			Detail: fmt.Sprintf("trailing %d bytes do not form a complete frame", tail),
		})
	}

	for i := range frames {
		frames[i].Committed = frames[i].Index <= lastCommit
	}
	r.logger.Debug("wal replay complete",
		zap.Int("frames", len(frames)),
		zap.Int("last_commit", lastCommit))

	return header, frames, findings, nil
}

// walChecksum advances the cumulative WAL checksum over data, which must be
// a multiple of 8 bytes.
func walChecksum(s0, s1 uint32, data []byte, bigEndian bool) (uint32, uint32) {
	for i := 0; i+8 <= len(data); i += 8 {
		var x0, x1 uint32
		if bigEndian {
			x0 = binary.BigEndian.Uint32(data[i : i+4])
			x1 = binary.BigEndian.Uint32(data[i+4 : i+8])
		} else {
			x0 = binary.LittleEndian.Uint32(data[i : i+4])
			x1 = binary.LittleEndian.Uint32(data[i+4 : i+8])
		}
		s0 += x0 + s1
		s1 += x1 + s0
	}
	return s0, s1
}
