package bplustree

import "github.com/relicdb/enginecore/core/storage/page"

// Iterator is a lazy, forward, single-pass cursor over leaf entries. The
// zero value is not usable; construct via BTree.Iterator or
// BTree.IteratorFrom.
type Iterator[K any, V any] struct {
	bt       *BTree[K, V]
	leafID   page.ID
	index    int
	leafSize int
	nextLeaf page.ID
}

// End reports whether the iterator has advanced past the last entry.
func (it *Iterator[K, V]) End() bool {
	return it.leafID == page.InvalidID
}

// Iterator constructs a cursor positioned at the leftmost entry of the
// tree.
func (bt *BTree[K, V]) Iterator() (*Iterator[K, V], error) {
	bt.rootLatch.RLock()
	if bt.rootID == page.InvalidID {
		bt.rootLatch.RUnlock()
		return &Iterator[K, V]{bt: bt, leafID: page.InvalidID}, nil
	}
	curID := bt.rootID
	p, n, err := bt.fetch(curID)
	if err != nil {
		bt.rootLatch.RUnlock()
		return nil, err
	}
	p.RLock()
	bt.rootLatch.RUnlock()

	for !n.isLeaf {
		childID := n.children[0]
		cp, cn, err := bt.fetch(childID)
		if err != nil {
			p.RUnlock()
			bt.bpm.UnpinPage(curID, false)
			return nil, err
		}
		cp.RLock()
		p.RUnlock()
		bt.bpm.UnpinPage(curID, false)
		curID, p, n = childID, cp, cn
	}

	it := &Iterator[K, V]{bt: bt, leafID: curID, index: 0, leafSize: n.size(), nextLeaf: n.next}
	p.RUnlock()
	bt.bpm.UnpinPage(curID, false)
	return it, nil
}

// IteratorFrom constructs a cursor positioned at the first entry whose key
// is >= start.
func (bt *BTree[K, V]) IteratorFrom(start K) (*Iterator[K, V], error) {
	bt.rootLatch.RLock()
	if bt.rootID == page.InvalidID {
		bt.rootLatch.RUnlock()
		return &Iterator[K, V]{bt: bt, leafID: page.InvalidID}, nil
	}
	curID := bt.rootID
	p, n, err := bt.fetch(curID)
	if err != nil {
		bt.rootLatch.RUnlock()
		return nil, err
	}
	p.RLock()
	bt.rootLatch.RUnlock()

	for !n.isLeaf {
		childID := chooseChild(n, start, bt.cmp)
		cp, cn, err := bt.fetch(childID)
		if err != nil {
			p.RUnlock()
			bt.bpm.UnpinPage(curID, false)
			return nil, err
		}
		cp.RLock()
		p.RUnlock()
		bt.bpm.UnpinPage(curID, false)
		curID, p, n = childID, cp, cn
	}

	idx := 0
	for i, k := range n.keys {
		if bt.cmp(k, start) >= 0 {
			idx = i
			break
		}
		idx = i + 1
	}

	it := &Iterator[K, V]{bt: bt, leafID: curID, index: idx, leafSize: n.size(), nextLeaf: n.next}
	p.RUnlock()
	bt.bpm.UnpinPage(curID, false)
	if idx >= it.leafSize {
		it.advanceLeaf()
	}
	return it, nil
}

// advanceLeaf moves the cursor to the next leaf's first entry, fetching it
// under a read latch just long enough to cache its size and next pointer.
func (it *Iterator[K, V]) advanceLeaf() error {
	if it.nextLeaf == page.InvalidID {
		it.leafID = page.InvalidID
		return nil
	}
	p, n, err := it.bt.fetch(it.nextLeaf)
	if err != nil {
		return err
	}
	p.RLock()
	it.leafID = it.nextLeaf
	it.index = 0
	it.leafSize = n.size()
	it.nextLeaf = n.next
	p.RUnlock()
	it.bt.bpm.UnpinPage(it.leafID, false)
	return nil
}

// Next advances the cursor by one entry, crossing into the following leaf
// as needed.
func (it *Iterator[K, V]) Next() error {
	if it.End() {
		return nil
	}
	it.index++
	if it.index >= it.leafSize {
		return it.advanceLeaf()
	}
	return nil
}

// Deref copies the (key, value) pair the cursor currently points to,
// fetching the leaf under a read latch just long enough to copy it.
func (it *Iterator[K, V]) Deref() (K, V, error) {
	var zeroK K
	var zeroV V
	if it.End() {
		return zeroK, zeroV, ErrKeyNotFound
	}
	p, n, err := it.bt.fetch(it.leafID)
	if err != nil {
		return zeroK, zeroV, err
	}
	p.RLock()
	k, v := n.keys[it.index], n.values[it.index]
	p.RUnlock()
	it.bt.bpm.UnpinPage(it.leafID, false)
	return k, v, nil
}

// Equal compares two iterators by (tree, leaf id, index).
func (it *Iterator[K, V]) Equal(other *Iterator[K, V]) bool {
	return it.bt == other.bt && it.leafID == other.leafID && it.index == other.index
}
