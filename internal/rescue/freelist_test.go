package rescue

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/evidex/sqliterescue/internal/rescue/rescuetest"
)

func TestFreelistScanner_FreePages(t *testing.T) {
	t.Parallel()

	image := rescuetest.Image(512, [][]byte{
		rescuetest.TableLeafPage(512, 1),
		rescuetest.FreeTrunkPage(512, 0, 3, 4),
		make([]byte, 512),
		make([]byte, 512),
	}, rescuetest.WithFreelist(2, 3))

	scanner := NewFreelistScanner(newTestReader(t, image), zap.NewNop())
	refs, findings := scanner.FreePages(context.Background())
	require.Empty(t, findings)

	assert.Equal(t, []FreePageRef{
		{Number: 2, Trunk: true},
		{Number: 3},
		{Number: 4},
	}, refs)
}

func TestFreelistScanner_FreePagesBrokenChain(t *testing.T) {
	t.Parallel()

	// Trunk on page 2 points to a trunk beyond the file.
	image := rescuetest.Image(512, [][]byte{
		rescuetest.TableLeafPage(512, 1),
		rescuetest.FreeTrunkPage(512, 99, 3),
		make([]byte, 512),
	}, rescuetest.WithFreelist(2, 2))

	scanner := NewFreelistScanner(newTestReader(t, image), zap.NewNop())
	refs, findings := scanner.FreePages(context.Background())

	// Pages collected before the break are kept.
	assert.Equal(t, []FreePageRef{
		{Number: 2, Trunk: true},
		{Number: 3},
	}, refs)
	require.Len(t, findings, 1)
	assert.Equal(t, FindingStructuralCorruption, findings[0].Kind)
}

func TestFreelistScanner_FreePagesTrunkCycle(t *testing.T) {
	t.Parallel()

	image := rescuetest.Image(512, [][]byte{
		rescuetest.TableLeafPage(512, 1),
		rescuetest.FreeTrunkPage(512, 2),
	}, rescuetest.WithFreelist(2, 1))

	scanner := NewFreelistScanner(newTestReader(t, image), zap.NewNop())
	refs, findings := scanner.FreePages(context.Background())

	assert.Equal(t, []FreePageRef{{Number: 2, Trunk: true}}, refs)
	require.Len(t, findings, 1)
	assert.Equal(t, FindingCycleDetected, findings[0].Kind)
}

func TestFreelistScanner_ScanFreePage_IntactLeaf(t *testing.T) {
	t.Parallel()

	// A freed page whose table-leaf structure was never overwritten.
	freed := rescuetest.TableLeafPage(512, 2,
		rescuetest.Cell(10, rescuetest.Record("deleted", int64(1))),
		rescuetest.Cell(11, rescuetest.Record("also deleted", int64(2))),
	)
	image := rescuetest.Image(512, [][]byte{
		rescuetest.TableLeafPage(512, 1),
		freed,
	}, rescuetest.WithFreelist(0, 0))

	scanner := NewFreelistScanner(newTestReader(t, image), zap.NewNop())
	rows, findings, err := scanner.ScanFreePage(context.Background(), FreePageRef{Number: 2})
	require.NoError(t, err)
	require.Empty(t, findings)
	require.Len(t, rows, 2)

	for _, row := range rows {
		assert.Equal(t, ProvenanceFreelist, row.Provenance)
		assert.Equal(t, ConfidenceStructural, row.Confidence)
	}
	assert.Equal(t, int64(10), rows[0].RowID)
	assert.Equal(t, "deleted", rows[0].Record.Values[0].Text)
	assert.Equal(t, int64(11), rows[1].RowID)

	// Offsets are absolute file offsets into the image.
	assert.Equal(t, rows[0].Record.HeaderBytes, image[rows[0].Offset+2:rows[0].Offset+2+int64(len(rows[0].Record.HeaderBytes))])
}

func TestFreelistScanner_ScanFreePage_OverwrittenTypeByte(t *testing.T) {
	t.Parallel()

	freed := rescuetest.TableLeafPage(512, 2,
		rescuetest.Cell(21, rescuetest.Record("survivor", int64(9))),
	)
	freed[0] = 0 // deletion scrubbed the type byte

	image := rescuetest.Image(512, [][]byte{
		rescuetest.TableLeafPage(512, 1),
		freed,
	})

	scanner := NewFreelistScanner(newTestReader(t, image), zap.NewNop())
	rows, _, err := scanner.ScanFreePage(context.Background(), FreePageRef{Number: 2})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.Equal(t, ConfidenceHeuristic, rows[0].Confidence)
	assert.Equal(t, int64(21), rows[0].RowID)
	assert.Equal(t, "survivor", rows[0].Record.Values[0].Text)
}

func TestFreelistScanner_ScanFreePage_TrunkBodySkipsLeafArray(t *testing.T) {
	t.Parallel()

	// A trunk page reuses a former leaf page: the first 8 bytes became the
	// trunk header but a cell deeper in survives.
	trunk := rescuetest.FreeTrunkPage(512, 0)
	cell := rescuetest.Cell(5, rescuetest.Record("stale", int64(3)))
	copy(trunk[512-len(cell):], cell)

	image := rescuetest.Image(512, [][]byte{
		rescuetest.TableLeafPage(512, 1),
		trunk,
	}, rescuetest.WithFreelist(2, 1))

	scanner := NewFreelistScanner(newTestReader(t, image), zap.NewNop())
	rows, _, err := scanner.ScanFreePage(context.Background(), FreePageRef{Number: 2, Trunk: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(5), rows[0].RowID)
}

// deleteFirstCell rewrites a two-cell leaf page as if its first cell had
// been deleted and merged into the unallocated region: cell count drops to
// one, the pointer array keeps only the survivor, and the content start
// moves past the dead bytes.
func deleteFirstCell(page []byte, survivorOffset uint16) {
	binary.BigEndian.PutUint16(page[3:5], 1)
	binary.BigEndian.PutUint16(page[5:7], survivorOffset)
	binary.BigEndian.PutUint16(page[8:10], survivorOffset)
	page[10], page[11] = 0, 0
}

func TestFreelistScanner_ScanSlack_UnallocatedGap(t *testing.T) {
	t.Parallel()

	deleted := rescuetest.Cell(30, rescuetest.Record("gone", int64(1)))
	kept := rescuetest.Cell(31, rescuetest.Record("kept", int64(2)))
	page := rescuetest.TableLeafPage(512, 2, deleted, kept)

	keptOffset := uint16(512 - len(kept))
	deleteFirstCell(page, keptOffset)

	image := rescuetest.Image(512, [][]byte{rescuetest.TableLeafPage(512, 1), page})
	scanner := NewFreelistScanner(newTestReader(t, image), zap.NewNop())

	rows, findings, err := scanner.ScanSlack(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, findings)
	require.Len(t, rows, 1)

	assert.Equal(t, ProvenanceFreelist, rows[0].Provenance)
	assert.Equal(t, ConfidenceHeuristic, rows[0].Confidence)
	assert.Equal(t, int64(30), rows[0].RowID)
	assert.Equal(t, "gone", rows[0].Record.Values[0].Text)
}

func TestFreelistScanner_ScanSlack_FreeblockChain(t *testing.T) {
	t.Parallel()

	// Two adjacent cells deleted as one freeblock. The freeblock header
	// destroys the first four bytes, exactly covering the minimal first
	// cell, so the second one comes back whole.
	sacrificial := rescuetest.Cell(1, rescuetest.Record(nil))
	require.Len(t, sacrificial, 4)
	recoverable := rescuetest.Cell(40, rescuetest.Record("in freeblock", int64(8)))
	live := rescuetest.Cell(41, rescuetest.Record("live", int64(9)))

	page := rescuetest.TableLeafPage(512, 2, sacrificial, recoverable, live)
	liveOffset := uint16(512 - len(live))
	freeblockOffset := liveOffset - uint16(len(recoverable)) - uint16(len(sacrificial))

	// Keep only the live cell; content start stays where it was so the
	// freeblock sits inside the content area.
	binary.BigEndian.PutUint16(page[3:5], 1)
	binary.BigEndian.PutUint16(page[8:10], liveOffset)
	for i := 10; i < 14; i++ {
		page[i] = 0
	}
	binary.BigEndian.PutUint16(page[1:3], freeblockOffset)
	binary.BigEndian.PutUint16(page[freeblockOffset:], 0) // last freeblock
	binary.BigEndian.PutUint16(page[freeblockOffset+2:], uint16(len(sacrificial)+len(recoverable)))

	image := rescuetest.Image(512, [][]byte{rescuetest.TableLeafPage(512, 1), page})
	scanner := NewFreelistScanner(newTestReader(t, image), zap.NewNop())

	rows, findings, err := scanner.ScanSlack(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, findings)
	require.Len(t, rows, 1)

	assert.Equal(t, int64(40), rows[0].RowID)
	assert.Equal(t, "in freeblock", rows[0].Record.Values[0].Text)
}

func TestFreelistScanner_ScanSlack_CleanPageYieldsNothing(t *testing.T) {
	t.Parallel()

	image := rescuetest.Image(512, [][]byte{
		rescuetest.TableLeafPage(512, 1),
		rescuetest.TableLeafPage(512, 2, rescuetest.Cell(1, rescuetest.Record("only"))),
	})
	scanner := NewFreelistScanner(newTestReader(t, image), zap.NewNop())

	rows, findings, err := scanner.ScanSlack(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Empty(t, rows)
}

func TestFreelistScanner_ScanSlack_BrokenFreeblockChain(t *testing.T) {
	t.Parallel()

	page := rescuetest.TableLeafPage(512, 2, rescuetest.Cell(1, rescuetest.Record("x")))
	// First freeblock points past the page end.
	binary.BigEndian.PutUint16(page[1:3], 600)

	image := rescuetest.Image(512, [][]byte{rescuetest.TableLeafPage(512, 1), page})
	scanner := NewFreelistScanner(newTestReader(t, image), zap.NewNop())

	_, findings, err := scanner.ScanSlack(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, FindingStructuralCorruption, findings[0].Kind)
}
