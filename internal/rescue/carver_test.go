package rescue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/evidex/sqliterescue/internal/rescue/rescuetest"
)

func TestCarver_FindsMisalignedPage(t *testing.T) {
	t.Parallel()

	page := rescuetest.TableLeafPage(512, 2,
		rescuetest.Cell(7, rescuetest.Record("carved", int64(1))),
		rescuetest.Cell(8, rescuetest.Record("out", int64(2))),
	)

	// Bury the page at an unaligned offset in noise-free slack.
	buf := make([]byte, 2048)
	copy(buf[313:], page)

	carver := NewCarver(512, EncodingUTF8, zap.NewNop())
	rows, err := carver.Carve(context.Background(), buf, 10_000)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, ProvenanceCarved, rows[0].Provenance)
	assert.Equal(t, ConfidenceHeuristic, rows[0].Confidence)
	assert.Equal(t, int64(7), rows[0].RowID)
	assert.Equal(t, "carved", rows[0].Record.Values[0].Text)
	assert.Equal(t, int64(8), rows[1].RowID)

	// Offsets are absolute: base plus position in the buffer.
	firstCellOffset := int64(313 + 512 - len(rescuetest.Cell(8, rescuetest.Record("out", int64(2)))) - len(rescuetest.Cell(7, rescuetest.Record("carved", int64(1)))))
	assert.Equal(t, 10_000+firstCellOffset, rows[0].Offset)
}

func TestCarver_TwoAdjacentPages(t *testing.T) {
	t.Parallel()

	first := rescuetest.TableLeafPage(512, 2, rescuetest.Cell(1, rescuetest.Record("one")))
	second := rescuetest.TableLeafPage(512, 3, rescuetest.Cell(2, rescuetest.Record("two")))

	buf := append(append([]byte{}, first...), second...)
	carver := NewCarver(512, EncodingUTF8, zap.NewNop())
	rows, err := carver.Carve(context.Background(), buf, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, int64(1), rows[0].RowID)
	assert.Equal(t, int64(2), rows[1].RowID)
}

func TestCarver_OverlapLowerOffsetWins(t *testing.T) {
	t.Parallel()

	page := rescuetest.TableLeafPage(512, 2, rescuetest.Cell(5, rescuetest.Record("real", int64(4))))

	// Plant a second signature byte inside the extent the first match
	// claims. The first anchor claims through its cell; the decoy inside
	// that extent is never considered.
	buf := make([]byte, 1024)
	copy(buf[0:], page)
	decoy := 512 - len(rescuetest.Cell(5, rescuetest.Record("real", int64(4)))) - 40
	buf[decoy] = PageTypeByteTableLeaf

	carver := NewCarver(512, EncodingUTF8, zap.NewNop())
	rows, err := carver.Carve(context.Background(), buf, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(5), rows[0].RowID)
}

func TestCarver_NoiseYieldsNothing(t *testing.T) {
	t.Parallel()

	// Signature bytes with implausible headers behind them.
	buf := make([]byte, 4096)
	for i := 0; i < len(buf); i += 97 {
		buf[i] = PageTypeByteTableLeaf
	}

	carver := NewCarver(512, EncodingUTF8, zap.NewNop())
	rows, err := carver.Carve(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCarver_ContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	carver := NewCarver(512, EncodingUTF8, zap.NewNop())
	_, err := carver.Carve(ctx, make([]byte, 1<<16), 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCarver_TextFragments(t *testing.T) {
	t.Parallel()

	buf := []byte("\x00\x01short\x00meeting notes 2024\x00\x02!!!!!!!!!!\x00tail fragment")
	carver := NewCarver(512, EncodingUTF8, zap.NewNop())

	findings := carver.TextFragments(buf, 100)
	require.Len(t, findings, 2)

	// "short" is under the minimum run, the bang run has no alphanumerics.
	assert.Equal(t, FindingTextFragment, findings[0].Kind)
	assert.Contains(t, findings[0].Detail, "meeting notes 2024")
	assert.Equal(t, int64(100+8), findings[0].Offset)
	assert.Contains(t, findings[1].Detail, "tail fragment")
}
