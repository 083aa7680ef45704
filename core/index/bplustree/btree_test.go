package bplustree

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/relicdb/enginecore/core/storage/buffer"
	"github.com/relicdb/enginecore/core/storage/disk"
	"github.com/relicdb/enginecore/core/storage/page"
	"github.com/relicdb/enginecore/core/storage/replacer"
)

func newTestTree(t *testing.T, poolSize, leafMax, internalMax int) *BTree[int64, int64] {
	t.Helper()
	dm, err := disk.Open(afero.NewMemMapFs(), "/test.db", true)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	rep := replacer.New(poolSize, 2, nil)
	bpm := buffer.New(poolSize, dm, rep, 0, nil, nil)
	return New[int64, int64](bpm, "test-index", leafMax, internalMax, DefaultComparator[int64](), Int64Codec(), Int64Codec(), nil)
}

func TestSearchMissingKeyOnEmptyTree(t *testing.T) {
	bt := newTestTree(t, 16, 4, 4)
	require.True(t, bt.IsEmpty())
	_, ok, err := bt.Search(1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertThenSearchSingleKey(t *testing.T) {
	bt := newTestTree(t, 16, 4, 4)
	require.NoError(t, bt.Insert(1, 100))
	require.False(t, bt.IsEmpty())

	v, ok, err := bt.Search(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 100, v)
}

func TestInsertDuplicateKeyRejected(t *testing.T) {
	bt := newTestTree(t, 16, 4, 4)
	require.NoError(t, bt.Insert(1, 100))
	err := bt.Insert(1, 200)
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func TestDeleteMissingKeyRejected(t *testing.T) {
	bt := newTestTree(t, 16, 4, 4)
	err := bt.Delete(1)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// TestBPlusTreeLawInsertAndDeleteAgreeWithReferenceSet is spec.md §8's law:
// the multiset of pairs visible through the tree equals the set of inserted
// keys minus subsequently deleted ones, verified through both Search and a
// full forward scan.
func TestBPlusTreeLawInsertAndDeleteAgreeWithReferenceSet(t *testing.T) {
	bt := newTestTree(t, 32, 4, 4)
	rng := rand.New(rand.NewSource(42))

	const n = 300
	reference := make(map[int64]int64)
	keys := rng.Perm(n)
	for _, k := range keys {
		key := int64(k)
		val := key * 10
		require.NoError(t, bt.Insert(key, val))
		reference[key] = val
	}

	toDelete := rng.Perm(n)[:n/3]
	for _, k := range toDelete {
		key := int64(k)
		require.NoError(t, bt.Delete(key))
		delete(reference, key)
	}

	for key, want := range reference {
		got, ok, err := bt.Search(key)
		require.NoError(t, err)
		require.Truef(t, ok, "key %d should still be present", key)
		require.Equal(t, want, got)
	}
	for _, k := range toDelete {
		key := int64(k)
		if _, stillWanted := reference[key]; stillWanted {
			continue
		}
		_, ok, err := bt.Search(key)
		require.NoError(t, err)
		require.Falsef(t, ok, "key %d should have been deleted", key)
	}

	var wantKeys []int64
	for k := range reference {
		wantKeys = append(wantKeys, k)
	}
	sort.Slice(wantKeys, func(i, j int) bool { return wantKeys[i] < wantKeys[j] })

	var gotKeys []int64
	it, err := bt.Iterator()
	require.NoError(t, err)
	for !it.End() {
		k, v, err := it.Deref()
		require.NoError(t, err)
		require.Equal(t, reference[k], v)
		gotKeys = append(gotKeys, k)
		require.NoError(t, it.Next())
	}
	require.Equal(t, wantKeys, gotKeys, "forward scan must visit exactly the surviving keys in sorted order")
}

func TestIteratorFromMidpointSkipsEarlierKeys(t *testing.T) {
	bt := newTestTree(t, 16, 4, 4)
	for i := int64(0); i < 20; i++ {
		require.NoError(t, bt.Insert(i, i*2))
	}

	it, err := bt.IteratorFrom(10)
	require.NoError(t, err)
	var got []int64
	for !it.End() {
		k, _, err := it.Deref()
		require.NoError(t, err)
		got = append(got, k)
		require.NoError(t, it.Next())
	}
	require.Len(t, got, 10)
	require.EqualValues(t, 10, got[0])
	require.EqualValues(t, 19, got[len(got)-1])
}

func TestIteratorOnEmptyTreeIsImmediatelyDone(t *testing.T) {
	bt := newTestTree(t, 16, 4, 4)
	it, err := bt.Iterator()
	require.NoError(t, err)
	require.True(t, it.End())
}

// TestOpenBTreeRoundTripsRootPageID exercises the header-page supplemental
// feature: reattaching to a named index recovers its root page id.
func TestOpenBTreeRoundTripsRootPageID(t *testing.T) {
	dm, err := disk.Open(afero.NewMemMapFs(), "/test.db", true)
	require.NoError(t, err)
	defer dm.Close()
	rep := replacer.New(16, 2, nil)
	bpm := buffer.New(16, dm, rep, 0, nil, nil)

	bt := New[int64, int64](bpm, "reopen-index", 4, 4, DefaultComparator[int64](), Int64Codec(), Int64Codec(), nil)
	for i := int64(0); i < 50; i++ {
		require.NoError(t, bt.Insert(i, i))
	}

	reopened, err := OpenBTree[int64, int64](bpm, "reopen-index", 4, 4, DefaultComparator[int64](), Int64Codec(), Int64Codec(), nil)
	require.NoError(t, err)
	require.False(t, reopened.IsEmpty())

	for i := int64(0); i < 50; i++ {
		v, ok, err := reopened.Search(i)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestOpenBTreeUnknownNameStartsEmpty(t *testing.T) {
	dm, err := disk.Open(afero.NewMemMapFs(), "/test.db", true)
	require.NoError(t, err)
	defer dm.Close()
	rep := replacer.New(16, 2, nil)
	bpm := buffer.New(16, dm, rep, 0, nil, nil)

	bt, err := OpenBTree[int64, int64](bpm, "never-created", 4, 4, DefaultComparator[int64](), Int64Codec(), Int64Codec(), nil)
	require.NoError(t, err)
	require.True(t, bt.IsEmpty())
}

func TestHeaderDirectoryListsEveryIndex(t *testing.T) {
	dm, err := disk.Open(afero.NewMemMapFs(), "/test.db", true)
	require.NoError(t, err)
	defer dm.Close()
	rep := replacer.New(16, 2, nil)
	bpm := buffer.New(16, dm, rep, 0, nil, nil)

	a := New[int64, int64](bpm, "index-a", 4, 4, DefaultComparator[int64](), Int64Codec(), Int64Codec(), nil)
	require.NoError(t, a.Insert(1, 1))
	b := New[int64, int64](bpm, "index-b", 4, 4, DefaultComparator[int64](), Int64Codec(), Int64Codec(), nil)
	require.NoError(t, b.Insert(2, 2))

	records, err := HeaderDirectory(bpm)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byName := make(map[string]page.ID)
	for _, r := range records {
		byName[r.Name] = r.RootID
	}
	require.Contains(t, byName, "index-a")
	require.Contains(t, byName, "index-b")
}
