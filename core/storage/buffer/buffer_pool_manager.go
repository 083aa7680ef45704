// Package buffer implements the fixed-size buffer pool manager: a
// pinned-frame cache over a disk manager, backed by an LRU-K replacer and
// an extendible-hash page directory.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relicdb/enginecore/core/storage/directory"
	"github.com/relicdb/enginecore/core/storage/disk"
	"github.com/relicdb/enginecore/core/storage/page"
	"github.com/relicdb/enginecore/pkg/metrics"
)

// ErrNoFreeFrame is returned when every frame is pinned and no eviction is
// possible.
var ErrNoFreeFrame = errors.New("buffer: no free frame available (pool exhausted)")

// Manager owns the fixed frame array, free list, replacer, and directory,
// and mediates every access to the disk manager.
type Manager struct {
	mu sync.Mutex

	poolSize  int
	pages     []*page.Page
	frameOf   *directory.Directory[page.ID, page.FrameID]
	freeList  []page.FrameID
	replacer  evictor
	disk      disk.Manager
	flushRate *rate.Limiter

	log *zap.SugaredLogger
	m   *metrics.BufferPool
}

// evictor is the subset of replacer.LRUKReplacer the buffer pool needs;
// declared as an interface so tests can substitute a deterministic stub.
type evictor interface {
	RecordAccess(page.FrameID)
	SetEvictable(page.FrameID, bool)
	Evict() (page.FrameID, bool)
	Remove(page.FrameID) error
}

// New creates a buffer pool of poolSize frames over disk manager dm.
// flushBytesPerSec <= 0 disables flush throttling.
func New(poolSize int, dm disk.Manager, rep evictor, flushBytesPerSec int, log *zap.SugaredLogger, m *metrics.BufferPool) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if m == nil {
		m = metrics.NewNopBufferPool()
	}
	bpm := &Manager{
		poolSize: poolSize,
		pages:    make([]*page.Page, poolSize),
		frameOf:  directory.New[page.ID, page.FrameID](4, func(id page.ID) uint64 { return uint64(id) }),
		freeList: make([]page.FrameID, poolSize),
		replacer: rep,
		disk:     dm,
		log:      log,
		m:        m,
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = &page.Page{}
		bpm.freeList[i] = page.FrameID(poolSize - 1 - i)
	}
	if flushBytesPerSec > 0 {
		bpm.flushRate = rate.NewLimiter(rate.Limit(flushBytesPerSec), page.Size)
	}
	return bpm
}

// findFrame returns a frame to hold a page: the free list first, else an
// evicted frame. If the evicted frame was dirty it is flushed first.
func (bpm *Manager) findFrame() (page.FrameID, error) {
	if n := len(bpm.freeList); n > 0 {
		f := bpm.freeList[n-1]
		bpm.freeList = bpm.freeList[:n-1]
		return f, nil
	}
	frame, ok := bpm.replacer.Evict()
	if !ok {
		return page.InvalidFrameID, ErrNoFreeFrame
	}
	victim := bpm.pages[frame]
	if victim.IsDirty() && victim.ID() != page.InvalidID {
		if err := bpm.disk.WritePage(victim.ID(), victim.Data()); err != nil {
			return page.InvalidFrameID, fmt.Errorf("buffer: flush victim page %d: %w", victim.ID(), err)
		}
		victim.ClearDirty()
		bpm.m.EvictionFlushed.Inc()
	}
	if victim.ID() != page.InvalidID {
		bpm.frameOf.Remove(victim.ID())
	}
	bpm.m.Evictions.Inc()
	return frame, nil
}

// NewPage allocates a fresh page on disk, installs it pinned in a frame,
// and returns it with its id.
func (bpm *Manager) NewPage() (*page.Page, page.ID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	id, err := bpm.disk.AllocatePage()
	if err != nil {
		return nil, page.InvalidID, fmt.Errorf("buffer: allocate page: %w", err)
	}
	frame, err := bpm.findFrame()
	if err != nil {
		return nil, page.InvalidID, err
	}

	p := bpm.pages[frame]
	p.Reset(id)
	p.Pin()
	bpm.frameOf.Insert(id, frame)
	bpm.replacer.RecordAccess(frame)
	bpm.replacer.SetEvictable(frame, false)
	bpm.log.Debugw("buffer: new page", "page", id, "frame", frame)
	return p, id, nil
}

// FetchPage returns the page for id, reading it from disk on a miss.
func (bpm *Manager) FetchPage(id page.ID) (*page.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if frame, ok := bpm.frameOf.Find(id); ok {
		p := bpm.pages[frame]
		p.Pin()
		bpm.replacer.RecordAccess(frame)
		bpm.replacer.SetEvictable(frame, false)
		bpm.m.Hits.Inc()
		return p, nil
	}

	frame, err := bpm.findFrame()
	if err != nil {
		bpm.m.Misses.Inc()
		return nil, err
	}
	p := bpm.pages[frame]
	p.Reset(id)
	if err := bpm.disk.ReadPage(id, p.Data()); err != nil {
		return nil, fmt.Errorf("buffer: read page %d: %w", id, err)
	}
	p.Pin()
	bpm.frameOf.Insert(id, frame)
	bpm.replacer.RecordAccess(frame)
	bpm.replacer.SetEvictable(frame, false)
	bpm.m.Misses.Inc()
	bpm.log.Debugw("buffer: fetched page from disk", "page", id, "frame", frame)
	return p, nil
}

// UnpinPage decrements id's pin count, marking it evictable once the count
// reaches zero. dirty is OR-accumulated onto the page's dirty flag.
func (bpm *Manager) UnpinPage(id page.ID, dirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frame, ok := bpm.frameOf.Find(id)
	if !ok {
		return fmt.Errorf("buffer: page %d not resident", id)
	}
	p := bpm.pages[frame]
	if p.PinCount() == 0 {
		return fmt.Errorf("buffer: page %d already unpinned", id)
	}
	p.Unpin(dirty)
	if p.PinCount() == 0 {
		bpm.replacer.SetEvictable(frame, true)
	}
	return nil
}

// FlushPage synchronously writes id to disk if dirty.
func (bpm *Manager) FlushPage(id page.ID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frame, ok := bpm.frameOf.Find(id)
	if !ok {
		return fmt.Errorf("buffer: page %d not resident", id)
	}
	return bpm.flushFrame(frame)
}

func (bpm *Manager) flushFrame(frame page.FrameID) error {
	p := bpm.pages[frame]
	if !p.IsDirty() {
		return nil
	}
	if bpm.flushRate != nil {
		_ = bpm.flushRate.WaitN(context.Background(), page.Size)
	}
	if err := bpm.disk.WritePage(p.ID(), p.Data()); err != nil {
		return fmt.Errorf("buffer: flush page %d: %w", p.ID(), err)
	}
	p.ClearDirty()
	return nil
}

// FlushAllPages flushes every resident dirty page, then syncs the disk
// manager.
func (bpm *Manager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	var firstErr error
	for frame, p := range bpm.pages {
		if p.ID() == page.InvalidID {
			continue
		}
		if err := bpm.flushFrame(page.FrameID(frame)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := bpm.disk.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// DeletePage evicts id outright (it must be unpinned) and returns it to the
// allocator.
func (bpm *Manager) DeletePage(id page.ID) (bool, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frame, ok := bpm.frameOf.Find(id)
	if !ok {
		return true, nil
	}
	p := bpm.pages[frame]
	if p.PinCount() > 0 {
		return false, nil
	}
	if err := bpm.replacer.Remove(frame); err != nil {
		return false, fmt.Errorf("buffer: delete page %d: %w", id, err)
	}
	bpm.frameOf.Remove(id)
	p.Reset(page.InvalidID)
	bpm.freeList = append(bpm.freeList, frame)
	_ = bpm.disk.DeallocatePage(id)
	return true, nil
}

// PoolSize returns the number of frames the pool was configured with.
func (bpm *Manager) PoolSize() int { return bpm.poolSize }
