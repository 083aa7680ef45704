package directory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func identityHash(k int) uint64 { return uint64(k) }

// TestExtendibleHashGrowsUnderPressure is spec.md §8 scenario 2: enough
// distinct keys to force repeated bucket splits must still resolve every
// key correctly, and every bucket's local depth must never exceed the
// directory's global depth.
func TestExtendibleHashGrowsUnderPressure(t *testing.T) {
	d := New[int, string](2, identityHash)

	const n = 64
	for i := 0; i < n; i++ {
		d.Insert(i, string(rune('a'+i%26)))
	}

	for i := 0; i < n; i++ {
		got, ok := d.Find(i)
		require.Truef(t, ok, "key %d must be found after insert", i)
		require.Equal(t, string(rune('a'+i%26)), got)
	}

	global := d.GlobalDepth()
	require.Greater(t, global, 0, "inserting 64 keys at bucket size 2 must grow past depth 0")
	for idx := 0; idx < (1 << global); idx++ {
		require.LessOrEqualf(t, d.LocalDepth(idx), global, "bucket %d local depth exceeds global depth", idx)
	}
}

func TestInsertUpdatesExistingKeyInPlace(t *testing.T) {
	d := New[int, string](4, identityHash)
	d.Insert(1, "first")
	d.Insert(1, "second")

	got, ok := d.Find(1)
	require.True(t, ok)
	require.Equal(t, "second", got)
	require.Equal(t, 1, d.NumBuckets())
}

func TestRemoveDeletesKeyAndReportsPresence(t *testing.T) {
	d := New[int, string](4, identityHash)
	d.Insert(1, "x")

	require.True(t, d.Remove(1))
	_, ok := d.Find(1)
	require.False(t, ok)
	require.False(t, d.Remove(1), "removing an absent key reports false")
}

func TestSplitOnlyAffectsFullBucket(t *testing.T) {
	d := New[int, string](1, identityHash)
	d.Insert(0, "a")
	d.Insert(1, "b")

	require.Equal(t, 1, d.GlobalDepth())
	require.Equal(t, 2, d.NumBuckets())
	require.Equal(t, 1, d.LocalDepth(0))
	require.Equal(t, 1, d.LocalDepth(1))

	for _, k := range []int{0, 1} {
		got, ok := d.Find(k)
		require.True(t, ok)
		require.Equal(t, map[int]string{0: "a", 1: "b"}[k], got)
	}
}
