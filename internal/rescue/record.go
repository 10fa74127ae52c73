package rescue

import (
	"encoding/binary"
	"math"
	"unicode/utf16"
)

// TextEncoding is the database-wide text encoding declared in the file
// header. Decoded text values are transcoded to Go strings (UTF-8).
type TextEncoding uint32

const (
	EncodingUTF8    TextEncoding = 1
	EncodingUTF16LE TextEncoding = 2
	EncodingUTF16BE TextEncoding = 3
)

// ValueKind is the decoded type of a single record column.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindInt
	KindFloat
	KindText
	KindBlob
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	}
	return "unknown"
}

// Value is one decoded column value.
type Value struct {
	Kind  ValueKind
	Int   int64
	Float float64
	Text  string
	Blob  []byte
}

// Any returns the value as a plain interface value for presentation.
func (v Value) Any() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindText:
		return v.Text
	case KindBlob:
		return v.Blob
	}
	return nil
}

// Record is the decoded form of a cell payload. Column count is implied by
// the header length. A Record may be partial: Truncated marks that the
// payload ended before the header's declared values were exhausted, and
// TruncatedAt is the ordinal of the first column that could not be fully
// decoded. Partial records are the expected common case on damaged input,
// so truncation is state, not an error.
type Record struct {
	Values      []Value
	SerialTypes []int64
	HeaderBytes []byte
	Truncated   bool
	TruncatedAt int
}

// DecodeRecord decodes a record payload: a header-length varint, a run of
// serial-type varints filling the header, then the values in declared order.
// Integer columns are minimum-byte big-endian two's-complement, widened to
// int64 only for presentation.
func DecodeRecord(payload []byte, enc TextEncoding) (Record, error) {
	headerLen, n, err := DecodeVarint(payload, 0)
	if err != nil {
		return Record{}, err
	}
	if headerLen < int64(n) || headerLen > int64(len(payload))+maxRecordHeaderSlack {
		return Record{}, ErrMalformedVarint
	}

	var (
		rec    Record
		offset = n
	)
	declaredHeader := headerLen
	if declaredHeader > int64(len(payload)) {
		// Header itself is cut short; decode what is present.
		declaredHeader = int64(len(payload))
		rec.Truncated = true
	}
	for int64(offset) < declaredHeader {
		code, n, err := DecodeVarint(payload, offset)
		if err != nil {
			rec.Truncated = true
			break
		}
		if _, err := SerialTypeLength(code); err != nil {
			rec.Truncated = true
			break
		}
		rec.SerialTypes = append(rec.SerialTypes, code)
		offset += n
	}
	end := int(headerLen)
	if end > len(payload) {
		end = len(payload)
	}
	rec.HeaderBytes = payload[:end]

	offset = int(headerLen)
	if offset > len(payload) {
		offset = len(payload)
	}
	for i, code := range rec.SerialTypes {
		size, _ := SerialTypeLength(code)
		if int64(offset)+size > int64(len(payload)) {
			rec.Truncated = true
			rec.TruncatedAt = i
			return rec, nil
		}
		rec.Values = append(rec.Values, decodeValue(code, payload[offset:offset+int(size)], enc))
		offset += int(size)
	}
	if rec.Truncated {
		rec.TruncatedAt = len(rec.Values)
	}
	return rec, nil
}

// A corrupt header-length varint can claim an absurd header; anything more
// than this far past the payload end is rejected outright instead of being
// treated as truncation.
const maxRecordHeaderSlack = 1 << 20

func decodeValue(code int64, buf []byte, enc TextEncoding) Value {
	switch code {
	case serialNull:
		return Value{Kind: KindNull}
	case serialZero:
		return Value{Kind: KindInt, Int: 0}
	case serialOne:
		return Value{Kind: KindInt, Int: 1}
	case serialFloat64:
		bits := binary.BigEndian.Uint64(buf)
		return Value{Kind: KindFloat, Float: math.Float64frombits(bits)}
	}
	if code >= serialInt8 && code <= serialInt64 {
		return Value{Kind: KindInt, Int: decodeTwosComplement(buf)}
	}
	if code%2 == 0 {
		blob := make([]byte, len(buf))
		copy(blob, buf)
		return Value{Kind: KindBlob, Blob: blob}
	}
	return Value{Kind: KindText, Text: decodeText(buf, enc)}
}

// decodeTwosComplement sign-extends a 1-8 byte big-endian integer.
func decodeTwosComplement(buf []byte) int64 {
	if len(buf) == 0 {
		return 0
	}
	value := int64(int8(buf[0]))
	for _, b := range buf[1:] {
		value = value<<8 | int64(b)
	}
	return value
}

func decodeText(buf []byte, enc TextEncoding) string {
	switch enc {
	case EncodingUTF16LE, EncodingUTF16BE:
		units := make([]uint16, 0, len(buf)/2)
		for i := 0; i+1 < len(buf); i += 2 {
			if enc == EncodingUTF16LE {
				units = append(units, binary.LittleEndian.Uint16(buf[i:]))
			} else {
				units = append(units, binary.BigEndian.Uint16(buf[i:]))
			}
		}
		return string(utf16.Decode(units))
	default:
		return string(buf)
	}
}
