package bplustree

import "github.com/relicdb/enginecore/core/storage/page"

// stackFrame is one entry on the per-operation latch stack used during
// crab-descent. A frame with page == nil is the root-latch sentinel: its
// release unlocks the BTree's rootLatch instead of a page.
type stackFrame[K any, V any] struct {
	sentinel bool
	id       page.ID
	p        *page.Page
	n        *node[K, V]
	dirty    bool
}

// latchStack holds the ancestors (and the node itself) still W-latched
// during a crab-descent, in root-to-leaf (FIFO release) order.
type latchStack[K any, V any] struct {
	frames []*stackFrame[K, V]
	bt     *BTree[K, V]
}

func newLatchStack[K any, V any](bt *BTree[K, V]) *latchStack[K, V] {
	return &latchStack[K, V]{bt: bt}
}

func (s *latchStack[K, V]) pushSentinel() {
	s.frames = append(s.frames, &stackFrame[K, V]{sentinel: true})
}

func (s *latchStack[K, V]) push(id page.ID, p *page.Page, n *node[K, V]) *stackFrame[K, V] {
	f := &stackFrame[K, V]{id: id, p: p, n: n}
	s.frames = append(s.frames, f)
	return f
}

func (s *latchStack[K, V]) top() *stackFrame[K, V] {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// releaseAncestors releases and unpins every frame except the last
// (current) one, in FIFO (root-first) order, including the root latch
// sentinel.
func (s *latchStack[K, V]) releaseAncestors() error {
	if len(s.frames) <= 1 {
		return nil
	}
	ancestors := s.frames[:len(s.frames)-1]
	s.frames = s.frames[len(s.frames)-1:]
	return releaseFrames(s.bt, ancestors)
}

// popAndRelease removes frame f (expected to be the current top) from the
// stack and releases it immediately, independent of the rest of the stack.
func (s *latchStack[K, V]) popAndRelease(f *stackFrame[K, V]) error {
	for i, fr := range s.frames {
		if fr == f {
			s.frames = append(s.frames[:i], s.frames[i+1:]...)
			return releaseFrames(s.bt, []*stackFrame[K, V]{f})
		}
	}
	return nil
}

// releaseAll releases and unpins every remaining frame, in FIFO order.
func (s *latchStack[K, V]) releaseAll() error {
	frames := s.frames
	s.frames = nil
	return releaseFrames(s.bt, frames)
}

func releaseFrames[K any, V any](bt *BTree[K, V], frames []*stackFrame[K, V]) error {
	var firstErr error
	for _, f := range frames {
		if f.sentinel {
			bt.rootLatch.Unlock()
			continue
		}
		if f.dirty {
			if err := f.n.serialize(f.p, bt.keyCodec, bt.valCodec); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		f.p.Unlock()
		if err := bt.bpm.UnpinPage(f.id, f.dirty); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
