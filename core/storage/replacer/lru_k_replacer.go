// Package replacer implements the LRU-K frame-eviction policy: evict the
// resident frame whose k-th most recent access is furthest in the past,
// preferring frames that have not yet been accessed k times.
package replacer

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/relicdb/enginecore/core/storage/page"
)

// ErrNotEvictable is returned by Remove when the caller asks to remove a
// frame that has not been marked evictable.
var ErrNotEvictable = errors.New("replacer: frame is not evictable")

// record tracks recent-access history for one frame: a FIFO of the last (at
// most) k access timestamps, newest at the back.
type record struct {
	history   []uint64
	evictable bool
}

// backwardKDistance returns the gap between now and the k-th most recent
// access, or (0, false) when fewer than k accesses have been recorded --
// the caller treats "false" as +infinity.
func (r *record) backwardKDistance(now uint64, k int) (uint64, bool) {
	if len(r.history) < k {
		return 0, false
	}
	return now - r.history[0], true
}

func (r *record) earliestAccess() uint64 {
	return r.history[0]
}

// LRUKReplacer selects the resident frame with the largest backward
// k-distance for eviction, with under-sampled frames (fewer than k
// accesses) evicted first, ties broken by earliest access, then by the
// smallest frame id.
type LRUKReplacer struct {
	mu       sync.Mutex
	k        int
	size     int // capacity, informational only
	current  uint64
	evict    int // count of evictable frames
	records  map[page.FrameID]*record
	log      *zap.SugaredLogger
}

// New creates a replacer tracking up to numFrames frames with history depth
// k.
func New(numFrames, k int, log *zap.SugaredLogger) *LRUKReplacer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LRUKReplacer{
		k:       k,
		size:    numFrames,
		records: make(map[page.FrameID]*record),
		log:     log,
	}
}

// RecordAccess appends a timestamp to frame's history, creating a
// (non-evictable) record on first access.
func (r *LRUKReplacer) RecordAccess(frame page.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current++
	rec, ok := r.records[frame]
	if !ok {
		rec = &record{}
		r.records[frame] = rec
	}
	rec.history = append(rec.history, r.current)
	if len(rec.history) > r.k {
		rec.history = rec.history[1:]
	}
}

// SetEvictable toggles whether frame participates in eviction. Idempotent.
func (r *LRUKReplacer) SetEvictable(frame page.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[frame]
	if !ok {
		return
	}
	if evictable && !rec.evictable {
		r.evict++
	} else if !evictable && rec.evictable {
		r.evict--
	}
	rec.evictable = evictable
}

// Evict returns the victim frame per the backward-k-distance rule, removing
// its record. ok is false when there is no evictable frame.
func (r *LRUKReplacer) Evict() (frame page.FrameID, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		bestFrame     page.FrameID
		bestFound     bool
		bestInfinite  bool
		bestDistance  uint64
		bestEarliest  uint64
	)

	for f, rec := range r.records {
		if !rec.evictable {
			continue
		}
		dist, finite := rec.backwardKDistance(r.current, r.k)
		infinite := !finite
		earliest := rec.earliestAccess()

		switch {
		case !bestFound:
			bestFound, bestFrame, bestInfinite, bestDistance, bestEarliest = true, f, infinite, dist, earliest
		case infinite && !bestInfinite:
			bestFrame, bestInfinite, bestDistance, bestEarliest = f, infinite, dist, earliest
		case infinite == bestInfinite && infinite:
			// both under-sampled: earliest access wins, then smallest frame id
			if earliest < bestEarliest || (earliest == bestEarliest && f < bestFrame) {
				bestFrame, bestEarliest = f, earliest
			}
		case infinite == bestInfinite && !infinite:
			if dist > bestDistance || (dist == bestDistance && f < bestFrame) {
				bestFrame, bestDistance = f, dist
			}
		}
	}

	if !bestFound {
		return 0, false
	}
	delete(r.records, bestFrame)
	r.evict--
	r.log.Debugw("replacer evicted frame", "frame", bestFrame)
	return bestFrame, true
}

// Remove drops frame's history outright. frame must currently be evictable;
// removing a pinned (non-evictable) frame is a caller bug.
func (r *LRUKReplacer) Remove(frame page.FrameID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[frame]
	if !ok {
		return nil
	}
	if !rec.evictable {
		return ErrNotEvictable
	}
	delete(r.records, frame)
	r.evict--
	return nil
}

// Size returns the number of currently evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evict
}
