package page

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResetClearsStaleBytes(t *testing.T) {
	var p Page
	p.Reset(ID(5))
	copy(p.Data(), []byte("stale data that must not survive a reset"))
	p.SetDirty()
	p.Pin()

	p.Reset(ID(9))
	require.Equal(t, ID(9), p.ID())
	require.False(t, p.IsDirty())
	require.Zero(t, p.PinCount())
	for i, b := range p.Data() {
		require.Zerof(t, b, "data[%d] must be zeroed after reset", i)
	}
}

func TestPinUnpinCounting(t *testing.T) {
	var p Page
	p.Reset(ID(1))
	p.Pin()
	p.Pin()
	require.EqualValues(t, 2, p.PinCount())
	p.Unpin(false)
	require.EqualValues(t, 1, p.PinCount())
	p.Unpin(false)
	require.Zero(t, p.PinCount())
	// Unpinning below zero must not go negative.
	p.Unpin(false)
	require.Zero(t, p.PinCount())
}

func TestDirtyIsStickyUntilCleared(t *testing.T) {
	var p Page
	p.Reset(ID(1))
	p.Unpin(true)
	require.True(t, p.IsDirty())
	p.Unpin(false)
	require.True(t, p.IsDirty(), "Unpin(false) must not clear a dirty flag already set")
	p.ClearDirty()
	require.False(t, p.IsDirty())
}

func TestHeaderPageIDIsZero(t *testing.T) {
	require.EqualValues(t, 0, HeaderPageID)
	require.NotEqual(t, HeaderPageID, InvalidID)
}
