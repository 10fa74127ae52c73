package rescue

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidex/sqliterescue/internal/rescue/rescuetest"
)

func TestDecodeVarint_RoundTripsBoundaryValues(t *testing.T) {
	t.Parallel()

	for _, value := range []uint64{
		0,
		127,
		128,
		1<<28 - 1,
		1 << 28,
		1<<56 - 1,
		1 << 56,
		math.MaxUint64,
	} {
		encoded := rescuetest.EncodeVarint(value)
		decoded, consumed, err := DecodeVarint(encoded, 0)
		require.NoError(t, err, "value %d", value)
		assert.Equal(t, value, uint64(decoded), "value %d", value)
		assert.Equal(t, len(encoded), consumed, "value %d", value)
	}
}

func TestDecodeVarint_SizesMatchScheme(t *testing.T) {
	t.Parallel()

	assert.Len(t, rescuetest.EncodeVarint(127), 1)
	assert.Len(t, rescuetest.EncodeVarint(128), 2)
	assert.Len(t, rescuetest.EncodeVarint(1<<28-1), 4)
	assert.Len(t, rescuetest.EncodeVarint(1<<28), 5)
	assert.Len(t, rescuetest.EncodeVarint(1<<56-1), 8)
	assert.Len(t, rescuetest.EncodeVarint(1<<56), 9)
	assert.Len(t, rescuetest.EncodeVarint(math.MaxUint64), 9)
}

func TestDecodeVarint_NinthByteContributesAllBits(t *testing.T) {
	t.Parallel()

	// Nine continuation bytes followed by 0xff: the last byte is used
	// whole, no terminator bit required.
	buf := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	value, consumed, err := DecodeVarint(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 9, consumed)
	assert.Equal(t, uint64(math.MaxUint64), uint64(value))
}

func TestDecodeVarint_Malformed(t *testing.T) {
	t.Parallel()

	t.Run("empty buffer", func(t *testing.T) {
		_, _, err := DecodeVarint(nil, 0)
		assert.ErrorIs(t, err, ErrMalformedVarint)
	})

	t.Run("unterminated at buffer end", func(t *testing.T) {
		_, _, err := DecodeVarint([]byte{0x80, 0x80}, 0)
		assert.ErrorIs(t, err, ErrMalformedVarint)
	})

	t.Run("offset past buffer", func(t *testing.T) {
		_, _, err := DecodeVarint([]byte{0x01}, 5)
		assert.ErrorIs(t, err, ErrMalformedVarint)
	})
}

func TestSerialTypeLength_TotalOverDefinedCodes(t *testing.T) {
	t.Parallel()

	expected := map[int64]int64{
		0: 0, 1: 1, 2: 2, 3: 3, 4: 4, 5: 6, 6: 8, 7: 8, 8: 0, 9: 0,
	}
	for code, want := range expected {
		got, err := SerialTypeLength(code)
		require.NoError(t, err, "code %d", code)
		assert.Equal(t, want, got, "code %d", code)
	}
}

func TestSerialTypeLength_ReservedCodes(t *testing.T) {
	t.Parallel()

	for _, code := range []int64{10, 11, -1} {
		_, err := SerialTypeLength(code)
		assert.ErrorIs(t, err, ErrUnknownSerialType, "code %d", code)
	}
}

func TestSerialTypeLength_TextAndBlobFormulas(t *testing.T) {
	t.Parallel()

	t.Run("even codes are blobs of (n-12)/2", func(t *testing.T) {
		for _, code := range []int64{12, 14, 100, 5000} {
			got, err := SerialTypeLength(code)
			require.NoError(t, err)
			assert.Equal(t, (code-12)/2, got)
		}
	})

	t.Run("odd codes are text of (n-13)/2", func(t *testing.T) {
		for _, code := range []int64{13, 15, 101, 5001} {
			got, err := SerialTypeLength(code)
			require.NoError(t, err)
			assert.Equal(t, (code-13)/2, got)
		}
	})
}
