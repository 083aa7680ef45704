// Package lockmanager implements a hierarchical lock manager: table- and
// row-granularity locks under strict two-phase locking, five lock modes
// with upgrade paths, FIFO-fair queueing per resource, and a background
// deadlock detector. Waiters block on a sync.Cond per resource queue.
package lockmanager

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relicdb/enginecore/core/catalog"
	"github.com/relicdb/enginecore/core/txn"
	"github.com/relicdb/enginecore/pkg/metrics"
)

// LockMode is one of the five hierarchical lock modes.
type LockMode int

const (
	Shared LockMode = iota
	Exclusive
	IntentionShared
	IntentionExclusive
	SharedIntentionExclusive
)

func (m LockMode) String() string {
	switch m {
	case Shared:
		return "S"
	case Exclusive:
		return "X"
	case IntentionShared:
		return "IS"
	case IntentionExclusive:
		return "IX"
	case SharedIntentionExclusive:
		return "SIX"
	default:
		return "?"
	}
}

// compatible reports whether a lock already held in mode `held` admits a
// concurrent grant of mode `want`, per the standard hierarchical lock
// compatibility matrix.
func compatible(held, want LockMode) bool {
	switch held {
	case Shared:
		return want == Shared || want == IntentionShared
	case Exclusive:
		return false
	case IntentionExclusive:
		return want == IntentionExclusive || want == IntentionShared
	case SharedIntentionExclusive:
		return want == IntentionShared
	case IntentionShared:
		return want != Exclusive
	}
	return false
}

// upgradeAllowed reports whether held -> want is one of the five allowed
// upgrade paths: IS -> {S,X,IX,SIX}; S -> {X,SIX}; IX -> {X,SIX};
// SIX -> {X}; X -> {}.
func upgradeAllowed(held, want LockMode) bool {
	switch held {
	case IntentionShared:
		return true
	case Shared, IntentionExclusive:
		return want == Exclusive || want == SharedIntentionExclusive
	case SharedIntentionExclusive:
		return want == Exclusive
	case Exclusive:
		return false
	}
	return false
}

// invalidTxnID is the "no upgrade pending" sentinel for a queue. A txn.ID
// of exactly zero would collide with it; txn.NewID draws from a random
// UUID's low 64 bits, so the collision probability is negligible and is
// accepted.
const invalidTxnID txn.ID = 0

// request is one entry in a resource's FIFO queue: (txn id, mode, resource
// id, granted flag). rid is the zero value for table-level requests.
type request struct {
	txnID   txn.ID
	mode    LockMode
	oid     catalog.TableOID
	rid     txn.RID
	isRow   bool
	granted bool
}

// queue is one resource's request queue plus the condition variable
// waiters block on.
type queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  []*request
	upgrading txn.ID
}

func newQueue() *queue {
	q := &queue{upgrading: invalidTxnID}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Lookup resolves a transaction id to its Transaction, so the deadlock
// detector can mark a victim aborted. The lock manager does not own
// transaction lifecycle; this is supplied by the embedding system.
type Lookup func(txn.ID) *txn.Transaction

// Manager grants and releases table and row locks under strict
// two-phase locking and runs a background deadlock detector.
type Manager struct {
	tableMapMu sync.Mutex
	tableMap   map[catalog.TableOID]*queue

	rowMapMu sync.Mutex
	rowMap   map[txn.RID]*queue

	waitsForMu      sync.Mutex
	waitsFor        map[txn.ID]map[txn.ID]struct{}
	tableRequesting map[txn.ID]catalog.TableOID
	rowRequesting   map[txn.ID]txn.RID

	lookup   Lookup
	interval time.Duration
	stop     chan struct{}
	stopped  chan struct{}

	log *zap.SugaredLogger
	m   *metrics.LockManager
}

// New constructs a lock manager. lookup resolves a transaction id to its
// handle for the deadlock detector; interval is the detector's tick
// period, a dedicated goroutine running at a fixed interval.
func New(lookup Lookup, interval time.Duration, log *zap.SugaredLogger, m *metrics.LockManager) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if m == nil {
		m = metrics.NewNopLockManager()
	}
	return &Manager{
		tableMap:        make(map[catalog.TableOID]*queue),
		rowMap:          make(map[txn.RID]*queue),
		waitsFor:        make(map[txn.ID]map[txn.ID]struct{}),
		tableRequesting: make(map[txn.ID]catalog.TableOID),
		rowRequesting:   make(map[txn.ID]txn.RID),
		lookup:          lookup,
		interval:        interval,
		log:             log,
		m:               m,
	}
}

// checkIsolation applies the isolation-level rules enforced on every lock
// acquisition.
func checkIsolation(t *txn.Transaction, mode LockMode) error {
	state := t.State()
	if state == txn.Committed || state == txn.Aborted {
		t.SetState(txn.Aborted)
		return ErrLockOnShrinking
	}
	if state == txn.Shrinking {
		switch t.IsolationLevel() {
		case txn.RepeatableRead:
			t.SetState(txn.Aborted)
			return ErrLockOnShrinking
		case txn.ReadCommitted:
			if mode != IntentionShared && mode != Shared {
				t.SetState(txn.Aborted)
				return ErrLockOnShrinking
			}
			return nil
		case txn.ReadUncommitted:
			t.SetState(txn.Aborted)
			if mode == IntentionExclusive || mode == Exclusive {
				return ErrLockOnShrinking
			}
			return ErrLockSharedOnReadUncommitted
		}
	}
	if t.IsolationLevel() == txn.ReadUncommitted {
		if mode != IntentionExclusive && mode != Exclusive {
			t.SetState(txn.Aborted)
			return ErrLockSharedOnReadUncommitted
		}
	}
	return nil
}

// updateTxnState applies the growing-to-shrinking transition on release.
func updateTxnState(t *txn.Transaction, mode LockMode) {
	if mode != Exclusive && mode != Shared {
		return
	}
	if t.State() != txn.Growing {
		return
	}
	switch t.IsolationLevel() {
	case txn.ReadCommitted:
		if mode == Exclusive {
			t.SetState(txn.Shrinking)
		}
	case txn.ReadUncommitted:
		if mode == Exclusive {
			t.SetState(txn.Shrinking)
		}
		// releasing S under read-uncommitted should never happen; no
		// such lock can be held (checkIsolation rejects the request).
	case txn.RepeatableRead:
		t.SetState(txn.Shrinking)
	}
}

// canGrant reports whether request r may be granted given every earlier
// entry in the queue is compatible with it.
func canGrant(q *queue, r *request) bool {
	idx := -1
	for i, e := range q.requests {
		if e == r {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return true
	}
	for _, e := range q.requests[:idx] {
		if !compatible(e.mode, r.mode) {
			return false
		}
	}
	return true
}

func removeRequest(q *queue, r *request) {
	for i, e := range q.requests {
		if e == r {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

func findGranted(q *queue, id txn.ID) *request {
	for _, e := range q.requests {
		if e.txnID == id && e.granted {
			return e
		}
	}
	return nil
}

// ----- table locks -----

func (m *Manager) getOrCreateTableQueue(oid catalog.TableOID) *queue {
	m.tableMapMu.Lock()
	q, ok := m.tableMap[oid]
	if !ok {
		q = newQueue()
		m.tableMap[oid] = q
	}
	m.tableMapMu.Unlock()
	return q
}

func tableLockSetMode(mode LockMode) txn.LockSetMode {
	switch mode {
	case Shared:
		return txn.LockSetShared
	case Exclusive:
		return txn.LockSetExclusive
	case IntentionShared:
		return txn.LockSetIntentionShared
	case IntentionExclusive:
		return txn.LockSetIntentionExclusive
	default:
		return txn.LockSetSharedIntentionExclusive
	}
}

func checkTableLock(t *txn.Transaction, oid catalog.TableOID) (bool, LockMode) {
	if t.IsTableLocked(oid, txn.LockSetExclusive) {
		return true, Exclusive
	}
	if t.IsTableLocked(oid, txn.LockSetIntentionExclusive) {
		return true, IntentionExclusive
	}
	if t.IsTableLocked(oid, txn.LockSetSharedIntentionExclusive) {
		return true, SharedIntentionExclusive
	}
	if t.IsTableLocked(oid, txn.LockSetIntentionShared) {
		return true, IntentionShared
	}
	if t.IsTableLocked(oid, txn.LockSetShared) {
		return true, Shared
	}
	return false, Shared
}

// LockTable acquires mode on oid for t.
func (m *Manager) LockTable(t *txn.Transaction, mode LockMode, oid catalog.TableOID) (bool, error) {
	if err := checkIsolation(t, mode); err != nil {
		return false, err
	}

	held, heldMode := checkTableLock(t, oid)
	needUpgrade := false
	if held {
		if heldMode == mode {
			return true, nil
		}
		if !upgradeAllowed(heldMode, mode) {
			t.SetState(txn.Aborted)
			return false, ErrIncompatibleUpgrade
		}
		needUpgrade = true
	}

	q := m.getOrCreateTableQueue(oid)
	q.mu.Lock()

	var r *request
	if needUpgrade {
		if q.upgrading != invalidTxnID {
			q.mu.Unlock()
			t.SetState(txn.Aborted)
			return false, ErrUpgradeConflict
		}
		q.upgrading = t.ID()
		prev := findGranted(q, t.ID())
		if prev != nil {
			removeRequest(q, prev)
		}
		t.SetTableLock(oid, tableLockSetMode(heldMode), false)

		insertAt := len(q.requests)
		for i, e := range q.requests {
			if !e.granted {
				insertAt = i
				break
			}
		}
		r = &request{txnID: t.ID(), mode: mode, oid: oid}
		q.requests = append(q.requests, nil)
		copy(q.requests[insertAt+1:], q.requests[insertAt:])
		q.requests[insertAt] = r
	} else {
		r = &request{txnID: t.ID(), mode: mode, oid: oid}
		q.requests = append(q.requests, r)
	}

	for !canGrant(q, r) {
		m.m.Waits.Inc()
		q.cond.Wait()
		if t.State() == txn.Aborted {
			removeRequest(q, r)
			if q.upgrading == t.ID() {
				q.upgrading = invalidTxnID
			}
			q.cond.Broadcast()
			q.mu.Unlock()
			return false, ErrDeadlock
		}
	}
	r.granted = true
	if q.upgrading == t.ID() {
		q.upgrading = invalidTxnID
	}
	q.mu.Unlock()

	t.SetTableLock(oid, tableLockSetMode(mode), true)
	m.m.Grants.Inc()
	m.log.Debugw("table lock granted", "txn", t.ID(), "oid", oid, "mode", mode)
	return true, nil
}

// UnlockTable releases t's lock on oid.
func (m *Manager) UnlockTable(t *txn.Transaction, oid catalog.TableOID) error {
	held, heldMode := checkTableLock(t, oid)
	if !held {
		t.SetState(txn.Aborted)
		return ErrAttemptedUnlockButNoLockHeld
	}
	if t.AnyRowLocksHeld(oid) {
		t.SetState(txn.Aborted)
		return ErrTableUnlockedBeforeUnlockingRows
	}

	m.tableMapMu.Lock()
	q := m.tableMap[oid]
	q.mu.Lock()
	m.tableMapMu.Unlock()

	r := findGranted(q, t.ID())
	if r == nil {
		q.mu.Unlock()
		return fmt.Errorf("lockmanager: unlock_table: no granted entry for txn %d on table %d", t.ID(), oid)
	}
	t.SetTableLock(oid, tableLockSetMode(heldMode), false)
	removeRequest(q, r)
	updateTxnState(t, heldMode)
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

// ----- row locks -----

func checkRowLock(t *txn.Transaction, oid catalog.TableOID, rid txn.RID) (bool, LockMode) {
	if t.IsRowLocked(oid, rid, false) {
		return true, Shared
	}
	if t.IsRowLocked(oid, rid, true) {
		return true, Exclusive
	}
	return false, Shared
}

func (m *Manager) getOrCreateRowQueue(rid txn.RID) *queue {
	m.rowMapMu.Lock()
	q, ok := m.rowMap[rid]
	if !ok {
		q = newQueue()
		m.rowMap[rid] = q
	}
	m.rowMapMu.Unlock()
	return q
}

// LockRow acquires mode (Shared or Exclusive only) on rid within oid for t.
func (m *Manager) LockRow(t *txn.Transaction, mode LockMode, oid catalog.TableOID, rid txn.RID) (bool, error) {
	if err := checkIsolation(t, mode); err != nil {
		return false, err
	}
	if mode != Shared && mode != Exclusive {
		t.SetState(txn.Aborted)
		return false, ErrAttemptedIntentionLockOnRow
	}

	tableHeld, tableMode := checkTableLock(t, oid)
	if !tableHeld {
		t.SetState(txn.Aborted)
		return false, ErrTableLockNotPresent
	}
	if mode == Exclusive {
		if tableMode == Shared || tableMode == IntentionShared {
			t.SetState(txn.Aborted)
			return false, ErrTableLockNotPresent
		}
	}

	held, heldMode := checkRowLock(t, oid, rid)
	needUpgrade := false
	if held {
		if heldMode == mode {
			return true, nil
		}
		if !upgradeAllowed(heldMode, mode) {
			t.SetState(txn.Aborted)
			return false, ErrIncompatibleUpgrade
		}
		needUpgrade = true
	}

	q := m.getOrCreateRowQueue(rid)
	q.mu.Lock()

	var r *request
	if needUpgrade {
		if q.upgrading != invalidTxnID {
			q.mu.Unlock()
			t.SetState(txn.Aborted)
			return false, ErrUpgradeConflict
		}
		q.upgrading = t.ID()
		prev := findGranted(q, t.ID())
		if prev != nil {
			removeRequest(q, prev)
		}
		t.SetRowLock(oid, rid, heldMode == Exclusive, false)

		insertAt := len(q.requests)
		for i, e := range q.requests {
			if !e.granted {
				insertAt = i
				break
			}
		}
		r = &request{txnID: t.ID(), mode: mode, oid: oid, rid: rid, isRow: true}
		q.requests = append(q.requests, nil)
		copy(q.requests[insertAt+1:], q.requests[insertAt:])
		q.requests[insertAt] = r
	} else {
		r = &request{txnID: t.ID(), mode: mode, oid: oid, rid: rid, isRow: true}
		q.requests = append(q.requests, r)
	}

	for !canGrant(q, r) {
		m.m.Waits.Inc()
		q.cond.Wait()
		if t.State() == txn.Aborted {
			removeRequest(q, r)
			if q.upgrading == t.ID() {
				q.upgrading = invalidTxnID
			}
			q.cond.Broadcast()
			q.mu.Unlock()
			return false, ErrDeadlock
		}
	}
	r.granted = true
	if q.upgrading == t.ID() {
		q.upgrading = invalidTxnID
	}
	q.mu.Unlock()

	t.SetRowLock(oid, rid, mode == Exclusive, true)
	m.m.Grants.Inc()
	m.log.Debugw("row lock granted", "txn", t.ID(), "oid", oid, "rid", rid, "mode", mode)
	return true, nil
}

// UnlockRow releases t's lock on rid within oid.
func (m *Manager) UnlockRow(t *txn.Transaction, oid catalog.TableOID, rid txn.RID) error {
	held, heldMode := checkRowLock(t, oid, rid)
	if !held {
		t.SetState(txn.Aborted)
		return ErrAttemptedUnlockButNoLockHeld
	}

	m.rowMapMu.Lock()
	q := m.rowMap[rid]
	q.mu.Lock()
	m.rowMapMu.Unlock()

	r := findGranted(q, t.ID())
	if r == nil {
		q.mu.Unlock()
		return fmt.Errorf("lockmanager: unlock_row: no granted entry for txn %d on row %+v", t.ID(), rid)
	}
	t.SetRowLock(oid, rid, heldMode == Exclusive, false)
	removeRequest(q, r)
	updateTxnState(t, heldMode)
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}
