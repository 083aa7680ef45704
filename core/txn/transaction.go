// Package txn defines the transaction handle the lock manager consumes.
// The engine does not own transaction lifecycle (no WAL, no commit
// protocol here); this package only carries the observable state and the
// five per-granularity lock sets the lock manager mutates.
package txn

import (
	"sync"

	"github.com/google/uuid"

	"github.com/relicdb/enginecore/core/catalog"
)

// IsolationLevel is one of the three standard transaction isolation levels.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "read-uncommitted"
	case ReadCommitted:
		return "read-committed"
	case RepeatableRead:
		return "repeatable-read"
	default:
		return "unknown"
	}
}

// State is a transaction's position in strict two-phase locking.
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "growing"
	case Shrinking:
		return "shrinking"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ID identifies a transaction. Generated from a uuid.UUID's low 64 bits so
// deadlock-cycle victim selection (largest transaction id on the cycle) has
// a total order to compare over.
type ID uint64

// NewID allocates a fresh transaction identifier.
func NewID() ID {
	u := uuid.New()
	hi := uint64(0)
	for _, b := range u[8:] {
		hi = hi<<8 | uint64(b)
	}
	return ID(hi)
}

// RID identifies a row: the page it lives on plus its slot within that
// page.
type RID struct {
	PageID  uint64
	SlotNum uint32
}

// Transaction is the lock manager's view of an in-flight transaction. The
// catalog, executor, and recovery subsystems are out of scope here; this
// type exposes just id, isolation level, state, and five lock sets
// addressable by reference.
type Transaction struct {
	mu sync.RWMutex

	id        ID
	isolation IsolationLevel
	state     State

	sharedTableLocks                   map[catalog.TableOID]struct{}
	exclusiveTableLocks                map[catalog.TableOID]struct{}
	intentionSharedTableLocks          map[catalog.TableOID]struct{}
	intentionExclusiveTableLocks       map[catalog.TableOID]struct{}
	sharedIntentionExclusiveTableLocks map[catalog.TableOID]struct{}

	sharedRowLocks    map[catalog.TableOID]map[RID]struct{}
	exclusiveRowLocks map[catalog.TableOID]map[RID]struct{}
}

// New creates a fresh transaction in the growing state.
func New(isolation IsolationLevel) *Transaction {
	return &Transaction{
		id:                                 NewID(),
		isolation:                          isolation,
		state:                              Growing,
		sharedTableLocks:                   make(map[catalog.TableOID]struct{}),
		exclusiveTableLocks:                make(map[catalog.TableOID]struct{}),
		intentionSharedTableLocks:          make(map[catalog.TableOID]struct{}),
		intentionExclusiveTableLocks:       make(map[catalog.TableOID]struct{}),
		sharedIntentionExclusiveTableLocks: make(map[catalog.TableOID]struct{}),
		sharedRowLocks:                     make(map[catalog.TableOID]map[RID]struct{}),
		exclusiveRowLocks:                  make(map[catalog.TableOID]map[RID]struct{}),
	}
}

func (t *Transaction) ID() ID { return t.id }

func (t *Transaction) IsolationLevel() IsolationLevel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isolation
}

func (t *Transaction) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Transaction) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// ----- table lock set bookkeeping -----

func (t *Transaction) setOf(mode LockSetMode) map[catalog.TableOID]struct{} {
	switch mode {
	case LockSetShared:
		return t.sharedTableLocks
	case LockSetExclusive:
		return t.exclusiveTableLocks
	case LockSetIntentionShared:
		return t.intentionSharedTableLocks
	case LockSetIntentionExclusive:
		return t.intentionExclusiveTableLocks
	case LockSetSharedIntentionExclusive:
		return t.sharedIntentionExclusiveTableLocks
	}
	return nil
}

// LockSetMode selects one of the transaction's five per-granularity table
// lock sets.
type LockSetMode int

const (
	LockSetShared LockSetMode = iota
	LockSetExclusive
	LockSetIntentionShared
	LockSetIntentionExclusive
	LockSetSharedIntentionExclusive
)

// IsTableLocked reports whether the transaction holds mode on oid.
func (t *Transaction) IsTableLocked(oid catalog.TableOID, mode LockSetMode) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.setOf(mode)[oid]
	return ok
}

// SetTableLock records or clears mode's membership on oid.
func (t *Transaction) SetTableLock(oid catalog.TableOID, mode LockSetMode, held bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.setOf(mode)
	if held {
		set[oid] = struct{}{}
	} else {
		delete(set, oid)
	}
}

// AnyRowLocksHeld reports whether the transaction holds any row lock
// (shared or exclusive) on the given table, used by unlock_table's
// table_unlocked_before_unlocking_rows check.
func (t *Transaction) AnyRowLocksHeld(oid catalog.TableOID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sharedRowLocks[oid]) > 0 || len(t.exclusiveRowLocks[oid]) > 0
}

// IsRowLocked reports whether the transaction holds a shared or exclusive
// lock on rid within oid.
func (t *Transaction) IsRowLocked(oid catalog.TableOID, rid RID, exclusive bool) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.sharedRowLocks
	if exclusive {
		set = t.exclusiveRowLocks
	}
	_, ok := set[oid][rid]
	return ok
}

// SetRowLock records or clears a row lock.
func (t *Transaction) SetRowLock(oid catalog.TableOID, rid RID, exclusive, held bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.sharedRowLocks
	if exclusive {
		set = t.exclusiveRowLocks
	}
	if held {
		if set[oid] == nil {
			set[oid] = make(map[RID]struct{})
		}
		set[oid][rid] = struct{}{}
	} else if set[oid] != nil {
		delete(set[oid], rid)
	}
}
