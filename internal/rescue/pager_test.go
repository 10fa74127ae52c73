package rescue

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/evidex/sqliterescue/internal/rescue/rescuetest"
)

func newTestReader(t *testing.T, image []byte) *PageReader {
	t.Helper()
	reader, err := NewPageReader(bytes.NewReader(image), int64(len(image)), 0, zap.NewNop())
	require.NoError(t, err)
	return reader
}

func TestPageReader_ReadsGeometryFromHeader(t *testing.T) {
	t.Parallel()

	image := rescuetest.Image(512, [][]byte{
		rescuetest.TableLeafPage(512, 1),
		rescuetest.TableLeafPage(512, 2),
	})
	reader := newTestReader(t, image)

	assert.Equal(t, uint32(512), reader.Header().PageSize)
	assert.Equal(t, uint32(2), reader.TotalPages())
	assert.False(t, reader.Unstructured())
}

func TestPageReader_ReadPage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	image := rescuetest.Image(512, [][]byte{
		rescuetest.TableLeafPage(512, 1),
		rescuetest.TableInteriorPage(512, 2, 3),
		rescuetest.TableLeafPage(512, 3, rescuetest.Cell(1, rescuetest.Record("x"))),
	})
	reader := newTestReader(t, image)

	t.Run("classifies b-tree pages by type byte", func(t *testing.T) {
		page, err := reader.ReadPage(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, PageTypeTableInterior, page.Type)

		page, err = reader.ReadPage(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, PageTypeTableLeaf, page.Type)
	})

	t.Run("page one accounts for the database header", func(t *testing.T) {
		page, err := reader.ReadPage(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, PageTypeTableLeaf, page.Type)
	})

	t.Run("out of range is tolerated, not fatal", func(t *testing.T) {
		_, err := reader.ReadPage(ctx, 4)
		assert.ErrorIs(t, err, ErrOutOfRange)
		_, err = reader.ReadPage(ctx, 0)
		assert.ErrorIs(t, err, ErrOutOfRange)
	})

	t.Run("cached reads return identical bytes", func(t *testing.T) {
		first, err := reader.ReadPage(ctx, 3)
		require.NoError(t, err)
		second, err := reader.ReadPage(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, first.Data, second.Data)
	})
}

func TestPageReader_UnclassifiablePage(t *testing.T) {
	t.Parallel()

	garbage := make([]byte, 512)
	garbage[0] = 0x42
	image := rescuetest.Image(512, [][]byte{rescuetest.TableLeafPage(512, 1), garbage})
	reader := newTestReader(t, image)

	page, err := reader.ReadPage(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, PageTypeUnknown, page.Type)
}

func TestPageReader_BadMagicDowngradesToUnstructured(t *testing.T) {
	t.Parallel()

	image := rescuetest.Image(512, [][]byte{rescuetest.TableLeafPage(512, 1)})
	image[0] = 'X'

	reader, err := NewPageReader(bytes.NewReader(image), int64(len(image)), 0, zap.NewNop())
	require.Error(t, err)
	require.NotNil(t, reader)
	assert.True(t, reader.Unstructured())

	_, err = reader.ReadPage(context.Background(), 1)
	assert.Error(t, err)
}

func TestPageReader_ReadRange(t *testing.T) {
	t.Parallel()

	image := rescuetest.Image(512, [][]byte{rescuetest.TableLeafPage(512, 1)})
	reader := newTestReader(t, image)

	buf, err := reader.ReadRange(context.Background(), 100, 16)
	require.NoError(t, err)
	assert.Equal(t, image[100:116], buf)

	// Length clamps to file end.
	buf, err = reader.ReadRange(context.Background(), 500, 100)
	require.NoError(t, err)
	assert.Len(t, buf, 12)

	_, err = reader.ReadRange(context.Background(), 10_000, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestPageReader_ContextCancellation(t *testing.T) {
	t.Parallel()

	image := rescuetest.Image(512, [][]byte{rescuetest.TableLeafPage(512, 1)})
	reader := newTestReader(t, image)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reader.ReadPage(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
