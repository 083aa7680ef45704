package lockmanager

import "errors"

// Abort-reason taxonomy, surfaced as Go sentinel errors.
var (
	ErrLockOnShrinking                  = errors.New("lockmanager: lock requested while transaction is shrinking")
	ErrLockSharedOnReadUncommitted      = errors.New("lockmanager: shared-family lock requested under read-uncommitted")
	ErrUpgradeConflict                  = errors.New("lockmanager: another upgrade is already pending on this resource")
	ErrIncompatibleUpgrade              = errors.New("lockmanager: requested mode is not a valid upgrade from the held mode")
	ErrAttemptedIntentionLockOnRow      = errors.New("lockmanager: row locks must be shared or exclusive")
	ErrTableLockNotPresent              = errors.New("lockmanager: no compatible table lock held for row lock request")
	ErrTableUnlockedBeforeUnlockingRows = errors.New("lockmanager: table unlocked while row locks remain held")
	ErrAttemptedUnlockButNoLockHeld     = errors.New("lockmanager: unlock requested but no lock is held")
	ErrDeadlock                         = errors.New("lockmanager: transaction aborted by deadlock detector")
)
