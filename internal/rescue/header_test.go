package rescue

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidex/sqliterescue/internal/rescue/rescuetest"
)

func TestUnmarshalDatabaseHeader(t *testing.T) {
	t.Parallel()

	image := rescuetest.Image(4096, [][]byte{rescuetest.TableLeafPage(4096, 1)},
		rescuetest.WithFreelist(3, 2))

	var header DatabaseHeader
	require.NoError(t, UnmarshalDatabaseHeader(image, &header))

	assert.Equal(t, uint32(4096), header.PageSize)
	assert.Equal(t, uint32(1), header.PageCount)
	assert.Equal(t, uint32(3), header.FreelistHead)
	assert.Equal(t, uint32(2), header.FreelistPages)
	assert.Equal(t, EncodingUTF8, header.Encoding)
	assert.Equal(t, uint32(4096), header.UsableSize())
	assert.False(t, header.AutoVacuum())
}

func TestUnmarshalDatabaseHeader_PageSizeOneMeans64K(t *testing.T) {
	t.Parallel()

	image := rescuetest.Image(65536, [][]byte{rescuetest.TableLeafPage(65536, 1)})

	var header DatabaseHeader
	require.NoError(t, UnmarshalDatabaseHeader(image, &header))
	assert.Equal(t, uint32(65536), header.PageSize)
}

func TestUnmarshalDatabaseHeader_BadMagic(t *testing.T) {
	t.Parallel()

	image := rescuetest.Image(512, [][]byte{rescuetest.TableLeafPage(512, 1)})
	image[0] = 'X'

	var header DatabaseHeader
	assert.ErrorIs(t, UnmarshalDatabaseHeader(image, &header), ErrBadMagic)
}

func TestUnmarshalDatabaseHeader_InvalidPageSize(t *testing.T) {
	t.Parallel()

	for _, pageSize := range []uint16{0, 3, 256, 4095} {
		image := rescuetest.Image(512, [][]byte{rescuetest.TableLeafPage(512, 1)})
		binary.BigEndian.PutUint16(image[16:18], pageSize)

		var header DatabaseHeader
		assert.Error(t, UnmarshalDatabaseHeader(image, &header), "page size %d", pageSize)
	}
}

func TestUnmarshalDatabaseHeader_TooShort(t *testing.T) {
	t.Parallel()

	var header DatabaseHeader
	assert.ErrorIs(t, UnmarshalDatabaseHeader(make([]byte, 50), &header), ErrTruncatedFile)
}

func TestUnmarshalDatabaseHeader_InvalidEncoding(t *testing.T) {
	t.Parallel()

	image := rescuetest.Image(512, [][]byte{rescuetest.TableLeafPage(512, 1)})
	binary.BigEndian.PutUint32(image[56:60], 9)

	var header DatabaseHeader
	assert.Error(t, UnmarshalDatabaseHeader(image, &header))
}
