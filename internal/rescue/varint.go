package rescue

// DecodeVarint reads a variable-length integer from buf starting at offset.
// Values are assembled big-endian from the low 7 bits of each byte while the
// high bit is set; a 9th byte, if reached, contributes all 8 bits. Returns
// the value and the number of bytes consumed.
func DecodeVarint(buf []byte, offset int) (int64, int, error) {
	var value uint64
	for i := 0; i < 8; i++ {
		if offset+i >= len(buf) {
			return 0, 0, ErrMalformedVarint
		}
		b := buf[offset+i]
		value = (value << 7) | uint64(b&0x7f)
		if b&0x80 == 0 {
			return int64(value), i + 1, nil
		}
	}
	if offset+8 >= len(buf) {
		return 0, 0, ErrMalformedVarint
	}
	value = (value << 8) | uint64(buf[offset+8])
	return int64(value), 9, nil
}

// Serial-type codes as stored in record headers.
const (
	serialNull    = 0
	serialInt8    = 1
	serialInt16   = 2
	serialInt24   = 3
	serialInt32   = 4
	serialInt48   = 5
	serialInt64   = 6
	serialFloat64 = 7
	serialZero    = 8
	serialOne     = 9
)

// SerialTypeLength maps a serial-type code to the byte length of the value
// that follows in the record body. Codes 8 and 9 encode the constants 0 and
// 1 with no body bytes. Codes 10 and 11 are reserved and rejected.
func SerialTypeLength(code int64) (int64, error) {
	switch code {
	case serialNull, serialZero, serialOne:
		return 0, nil
	case serialInt8:
		return 1, nil
	case serialInt16:
		return 2, nil
	case serialInt24:
		return 3, nil
	case serialInt32:
		return 4, nil
	case serialInt48:
		return 6, nil
	case serialInt64, serialFloat64:
		return 8, nil
	}
	if code < 0 || code == 10 || code == 11 {
		return 0, ErrUnknownSerialType
	}
	if code%2 == 0 {
		return (code - 12) / 2, nil // blob
	}
	return (code - 13) / 2, nil // text
}
