package buffer

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/relicdb/enginecore/core/storage/disk"
	"github.com/relicdb/enginecore/core/storage/page"
	"github.com/relicdb/enginecore/core/storage/replacer"
)

func newTestPool(t *testing.T, poolSize int) *Manager {
	t.Helper()
	dm, err := disk.Open(afero.NewMemMapFs(), "/test.db", true)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	rep := replacer.New(poolSize, 2, nil)
	return New(poolSize, dm, rep, 0, nil, nil)
}

// TestBufferPoolRoundTrip is the buffer-pool half of spec.md §8's round-trip
// law: writing through a fetched page, unpinning dirty, evicting, then
// re-fetching must return the same bytes.
func TestBufferPoolRoundTrip(t *testing.T) {
	bpm := newTestPool(t, 2)

	p, id, err := bpm.NewPage()
	require.NoError(t, err)
	copy(p.Data(), []byte("round trip payload"))
	require.NoError(t, bpm.UnpinPage(id, true))
	require.NoError(t, bpm.FlushPage(id))

	// Force eviction by cycling through every frame and one more, unpinning
	// each immediately so the pool always has an evictable frame to reuse.
	for i := 0; i < 3; i++ {
		_, fillID, err := bpm.NewPage()
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(fillID, false))
	}

	p2, err := bpm.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, "round trip payload", string(p2.Data()[:len("round trip payload")]))
	require.NoError(t, bpm.UnpinPage(id, false))
}

func TestFetchPageIncrementsPinCount(t *testing.T) {
	bpm := newTestPool(t, 4)
	p, id, err := bpm.NewPage()
	require.NoError(t, err)
	require.EqualValues(t, 1, p.PinCount())
	require.NoError(t, bpm.UnpinPage(id, false))

	p2, err := bpm.FetchPage(id)
	require.NoError(t, err)
	require.Same(t, p, p2)
	require.EqualValues(t, 1, p2.PinCount())
}

func TestNoFreeFrameWhenPoolExhaustedAndAllPinned(t *testing.T) {
	bpm := newTestPool(t, 2)
	_, _, err := bpm.NewPage()
	require.NoError(t, err)
	_, _, err = bpm.NewPage()
	require.NoError(t, err)

	_, _, err = bpm.NewPage()
	require.ErrorIs(t, err, ErrNoFreeFrame)
}

func TestUnpinAllowsEviction(t *testing.T) {
	bpm := newTestPool(t, 1)
	_, id1, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(id1, false))

	// With the sole frame unpinned and evictable, a second NewPage must
	// succeed by evicting the first.
	_, id2, err := bpm.NewPage()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
}

func TestDeletePageRejectsPinnedPage(t *testing.T) {
	bpm := newTestPool(t, 2)
	_, id, err := bpm.NewPage()
	require.NoError(t, err)

	ok, err := bpm.DeletePage(id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeletePageFreesFrameForReuse(t *testing.T) {
	bpm := newTestPool(t, 1)
	_, id, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(id, false))

	ok, err := bpm.DeletePage(id)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = bpm.NewPage()
	require.NoError(t, err, "deleted page's frame must be returned to the free list")
}

func TestUnpinUnknownPageErrors(t *testing.T) {
	bpm := newTestPool(t, 1)
	err := bpm.UnpinPage(page.ID(999), false)
	require.Error(t, err)
}

func TestFlushAllPagesPersistsDirtyPages(t *testing.T) {
	bpm := newTestPool(t, 2)
	p, id, err := bpm.NewPage()
	require.NoError(t, err)
	copy(p.Data(), []byte("persisted"))
	require.NoError(t, bpm.UnpinPage(id, true))

	require.NoError(t, bpm.FlushAllPages())
	require.False(t, p.IsDirty())
}
