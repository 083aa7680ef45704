// Package metrics wraps prometheus/client_golang counters for the storage
// engine's hot paths.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// BufferPool holds the counters the buffer pool manager increments on every
// fetch/evict.
type BufferPool struct {
	Hits            prometheus.Counter
	Misses          prometheus.Counter
	Evictions       prometheus.Counter
	EvictionFlushed prometheus.Counter
}

// NewBufferPool registers and returns buffer pool counters under reg. Pass
// prometheus.NewRegistry() in production, or see NewNopBufferPool for tests.
func NewBufferPool(reg prometheus.Registerer) *BufferPool {
	m := &BufferPool{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "enginecore", Subsystem: "buffer_pool", Name: "hits_total",
			Help: "Number of FetchPage calls served without a disk read.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "enginecore", Subsystem: "buffer_pool", Name: "misses_total",
			Help: "Number of FetchPage calls that required a disk read.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "enginecore", Subsystem: "buffer_pool", Name: "evictions_total",
			Help: "Number of frames reclaimed via the LRU-K replacer.",
		}),
		EvictionFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "enginecore", Subsystem: "buffer_pool", Name: "eviction_flushes_total",
			Help: "Number of evictions that required writing a dirty victim back first.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Hits, m.Misses, m.Evictions, m.EvictionFlushed)
	}
	return m
}

// NewNopBufferPool returns unregistered counters for use in tests and as a
// safe default when callers pass nil to buffer.New.
func NewNopBufferPool() *BufferPool {
	return NewBufferPool(nil)
}

// LockManager holds counters for the hierarchical lock manager.
type LockManager struct {
	Grants    prometheus.Counter
	Waits     prometheus.Counter
	Deadlocks prometheus.Counter
	Aborts    prometheus.Counter
}

// NewLockManager registers and returns lock manager counters under reg.
func NewLockManager(reg prometheus.Registerer) *LockManager {
	m := &LockManager{
		Grants: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "enginecore", Subsystem: "lock_manager", Name: "grants_total",
			Help: "Number of lock requests granted.",
		}),
		Waits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "enginecore", Subsystem: "lock_manager", Name: "waits_total",
			Help: "Number of times a lock request waited on its queue's condition variable.",
		}),
		Deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "enginecore", Subsystem: "lock_manager", Name: "deadlocks_total",
			Help: "Number of deadlock cycles detected in the waits-for graph.",
		}),
		Aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "enginecore", Subsystem: "lock_manager", Name: "victim_aborts_total",
			Help: "Number of transactions aborted as deadlock victims.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Grants, m.Waits, m.Deadlocks, m.Aborts)
	}
	return m
}

// NewNopLockManager returns unregistered counters for tests.
func NewNopLockManager() *LockManager {
	return NewLockManager(nil)
}
