package lockmanager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relicdb/enginecore/core/catalog"
	"github.com/relicdb/enginecore/core/txn"
)

// registry backs a Lookup for tests: a trivial in-memory transaction table.
type registry struct {
	mu sync.Mutex
	m  map[txn.ID]*txn.Transaction
}

func newRegistry() *registry {
	return &registry{m: make(map[txn.ID]*txn.Transaction)}
}

func (r *registry) add(t *txn.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[t.ID()] = t
}

func (r *registry) lookup(id txn.ID) *txn.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[id]
}

func newManager(t *testing.T, reg *registry) *Manager {
	t.Helper()
	return New(reg.lookup, 20*time.Millisecond, nil, nil)
}

func newTxn(reg *registry, level txn.IsolationLevel) *txn.Transaction {
	tx := txn.New(level)
	reg.add(tx)
	return tx
}

func TestLockModeCompatibility(t *testing.T) {
	cases := []struct {
		held, want LockMode
		ok         bool
	}{
		{Shared, Shared, true},
		{Shared, IntentionShared, true},
		{Shared, IntentionExclusive, false},
		{Shared, Exclusive, false},
		{Exclusive, Shared, false},
		{Exclusive, IntentionShared, false},
		{IntentionExclusive, IntentionExclusive, true},
		{IntentionExclusive, IntentionShared, true},
		{IntentionExclusive, Shared, false},
		{SharedIntentionExclusive, IntentionShared, true},
		{SharedIntentionExclusive, Shared, false},
		{IntentionShared, IntentionShared, true},
		{IntentionShared, Shared, true},
		{IntentionShared, Exclusive, false},
	}
	for _, c := range cases {
		require.Equalf(t, c.ok, compatible(c.held, c.want), "held=%s want=%s", c.held, c.want)
	}
}

func TestUpgradePaths(t *testing.T) {
	cases := []struct {
		held, want LockMode
		ok         bool
	}{
		{IntentionShared, Shared, true},
		{IntentionShared, Exclusive, true},
		{IntentionShared, IntentionExclusive, true},
		{IntentionShared, SharedIntentionExclusive, true},
		{Shared, Exclusive, true},
		{Shared, SharedIntentionExclusive, true},
		{Shared, IntentionExclusive, false},
		{IntentionExclusive, Exclusive, true},
		{IntentionExclusive, SharedIntentionExclusive, true},
		{SharedIntentionExclusive, Exclusive, true},
		{SharedIntentionExclusive, Shared, false},
		{Exclusive, Exclusive, false},
	}
	for _, c := range cases {
		require.Equalf(t, c.ok, upgradeAllowed(c.held, c.want), "held=%s want=%s", c.held, c.want)
	}
}

// TestTwoPhaseLockingViolation is spec.md §8 scenario 4: under
// repeatable-read, any lock_table call after the first unlock must abort
// the transaction with lock_on_shrinking.
func TestTwoPhaseLockingViolation(t *testing.T) {
	reg := newRegistry()
	lm := newManager(t, reg)
	oid1 := catalog.TableOID(1)
	oid2 := catalog.TableOID(2)

	tx := newTxn(reg, txn.RepeatableRead)
	ok, err := lm.LockTable(tx, Shared, oid1)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lm.UnlockTable(tx, oid1))
	require.Equal(t, txn.Shrinking, tx.State())

	_, err = lm.LockTable(tx, Shared, oid2)
	require.ErrorIs(t, err, ErrLockOnShrinking)
	require.Equal(t, txn.Aborted, tx.State())
}

func TestReadUncommittedRejectsSharedLocks(t *testing.T) {
	reg := newRegistry()
	lm := newManager(t, reg)
	tx := newTxn(reg, txn.ReadUncommitted)

	_, err := lm.LockTable(tx, Shared, catalog.TableOID(1))
	require.ErrorIs(t, err, ErrLockSharedOnReadUncommitted)
	require.Equal(t, txn.Aborted, tx.State())
}

// TestUpgradePathScenario is spec.md §8 scenario 5: T1 and T2 both hold S
// on table X; T1's upgrade to X waits until T2 releases, and a third
// waiter T3 must wait until T1 in turn releases.
func TestUpgradePathScenario(t *testing.T) {
	reg := newRegistry()
	lm := newManager(t, reg)
	oid := catalog.TableOID(7)

	t1 := newTxn(reg, txn.ReadCommitted)
	t2 := newTxn(reg, txn.ReadCommitted)
	t3 := newTxn(reg, txn.ReadCommitted)

	ok, err := lm.LockTable(t1, Shared, oid)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = lm.LockTable(t2, Shared, oid)
	require.NoError(t, err)
	require.True(t, ok)

	upgradeDone := make(chan struct{})
	go func() {
		ok, err := lm.LockTable(t1, Exclusive, oid)
		require.NoError(t, err)
		require.True(t, ok)
		close(upgradeDone)
	}()

	select {
	case <-upgradeDone:
		t.Fatal("upgrade granted before T2 released its shared lock")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, lm.UnlockTable(t2, oid))
	select {
	case <-upgradeDone:
	case <-time.After(time.Second):
		t.Fatal("upgrade never granted after T2 released")
	}

	t3Done := make(chan struct{})
	go func() {
		ok, err := lm.LockTable(t3, Exclusive, oid)
		require.NoError(t, err)
		require.True(t, ok)
		close(t3Done)
	}()

	select {
	case <-t3Done:
		t.Fatal("T3 granted X while T1 still holds it")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, lm.UnlockTable(t1, oid))
	select {
	case <-t3Done:
	case <-time.After(time.Second):
		t.Fatal("T3 never granted after T1 released")
	}
}

func TestRowLockRequiresTableLock(t *testing.T) {
	reg := newRegistry()
	lm := newManager(t, reg)
	tx := newTxn(reg, txn.ReadCommitted)

	_, err := lm.LockRow(tx, Shared, catalog.TableOID(1), txn.RID{PageID: 1, SlotNum: 0})
	require.ErrorIs(t, err, ErrTableLockNotPresent)
}

func TestUnlockTableBeforeRowsAborts(t *testing.T) {
	reg := newRegistry()
	lm := newManager(t, reg)
	oid := catalog.TableOID(3)
	rid := txn.RID{PageID: 9, SlotNum: 0}
	tx := newTxn(reg, txn.ReadCommitted)

	_, err := lm.LockTable(tx, IntentionExclusive, oid)
	require.NoError(t, err)
	_, err = lm.LockRow(tx, Exclusive, oid, rid)
	require.NoError(t, err)

	err = lm.UnlockTable(tx, oid)
	require.ErrorIs(t, err, ErrTableUnlockedBeforeUnlockingRows)
	require.Equal(t, txn.Aborted, tx.State())
}

// TestDeadlockVictimSelection is spec.md §8 scenario 6: T1 holds X on row
// A, T2 holds X on row B; T1 requests B, T2 requests A. The detector picks
// the larger-id transaction, aborts it, and unblocks the survivor.
func TestDeadlockVictimSelection(t *testing.T) {
	reg := newRegistry()
	lm := newManager(t, reg)
	lm.Start()
	defer lm.Stop()

	oid := catalog.TableOID(1)
	rowA := txn.RID{PageID: 1, SlotNum: 0}
	rowB := txn.RID{PageID: 2, SlotNum: 0}

	t1 := newTxn(reg, txn.ReadCommitted)
	t2 := newTxn(reg, txn.ReadCommitted)

	_, err := lm.LockTable(t1, IntentionExclusive, oid)
	require.NoError(t, err)
	_, err = lm.LockTable(t2, IntentionExclusive, oid)
	require.NoError(t, err)

	_, err = lm.LockRow(t1, Exclusive, oid, rowA)
	require.NoError(t, err)
	_, err = lm.LockRow(t2, Exclusive, oid, rowB)
	require.NoError(t, err)

	type result struct {
		ok  bool
		err error
	}
	r1 := make(chan result, 1)
	r2 := make(chan result, 1)
	go func() {
		ok, err := lm.LockRow(t1, Exclusive, oid, rowB)
		r1 <- result{ok, err}
	}()
	go func() {
		ok, err := lm.LockRow(t2, Exclusive, oid, rowA)
		r2 <- result{ok, err}
	}()

	var got1, got2 result
	select {
	case got1 = <-r1:
	case <-time.After(2 * time.Second):
		t.Fatal("T1's request never returned")
	}
	select {
	case got2 = <-r2:
	case <-time.After(2 * time.Second):
		t.Fatal("T2's request never returned")
	}

	// exactly one of the two must have been aborted as the deadlock
	// victim; the larger transaction id is always the one selected.
	if t1.ID() > t2.ID() {
		require.ErrorIs(t, got1.err, ErrDeadlock)
		require.True(t, got2.ok)
	} else {
		require.ErrorIs(t, got2.err, ErrDeadlock)
		require.True(t, got1.ok)
	}
}

func TestWaitsForEdgesSnapshot(t *testing.T) {
	reg := newRegistry()
	lm := newManager(t, reg)
	oid := catalog.TableOID(1)

	t1 := newTxn(reg, txn.ReadCommitted)
	t2 := newTxn(reg, txn.ReadCommitted)

	_, err := lm.LockTable(t1, Exclusive, oid)
	require.NoError(t, err)

	waiting := make(chan struct{})
	go func() {
		close(waiting)
		_, _ = lm.LockTable(t2, Shared, oid)
	}()
	<-waiting
	require.Eventually(t, func() bool {
		q := lm.getOrCreateTableQueue(oid)
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.requests) == 2
	}, time.Second, time.Millisecond)

	lm.waitsForMu.Lock()
	lm.addEdge(t2.ID(), t1.ID())
	lm.waitsForMu.Unlock()

	edges := lm.WaitsForEdges()
	require.Len(t, edges, 1)
	require.Equal(t, Edge{From: t2.ID(), To: t1.ID()}, edges[0])

	require.NoError(t, lm.UnlockTable(t1, oid))
}
