package bplustree

import (
	"fmt"

	"github.com/relicdb/enginecore/core/storage/page"
)

// Delete removes key. Returns ErrKeyNotFound if absent. Descends under the
// delete-safety variant of latch-crabbing, merging or redistributing
// underfull nodes as needed.
func (bt *BTree[K, V]) Delete(key K) error {
	stack := newLatchStack(bt)
	bt.rootLatch.Lock()
	stack.pushSentinel()

	if bt.rootID == page.InvalidID {
		stack.releaseAll()
		return ErrKeyNotFound
	}

	p, n, err := bt.fetch(bt.rootID)
	if err != nil {
		stack.releaseAll()
		return err
	}
	p.Lock()
	cur := stack.push(bt.rootID, p, n)

	for !cur.n.isLeaf {
		childID := chooseChild(cur.n, key, bt.cmp)
		cp, cn, err := bt.fetch(childID)
		if err != nil {
			stack.releaseAll()
			return err
		}
		cp.Lock()
		child := stack.push(childID, cp, cn)
		if child.n.size() > bt.minSize(child.n) {
			if err := stack.releaseAncestors(); err != nil {
				return err
			}
		}
		cur = child
	}

	leaf := cur
	found := -1
	for i, k := range leaf.n.keys {
		if bt.cmp(k, key) == 0 {
			found = i
			break
		}
	}
	if found == -1 {
		stack.releaseAll()
		return ErrKeyNotFound
	}

	removeLeafEntry(leaf.n, found)
	leaf.dirty = true

	return bt.deleteEntry(stack, leaf)
}

func removeLeafEntry[K any, V any](n *node[K, V], idx int) {
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	n.values = append(n.values[:idx], n.values[idx+1:]...)
}

func removeInternalEntry[K any, V any](n *node[K, V], idx int) {
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	n.children = append(n.children[:idx], n.children[idx+1:]...)
}

// deleteEntry rebalances node (already stripped of its removed entry) if
// it is now underfull, merging or redistributing with a sibling, recursing
// into the parent when a merge propagates a deletion upward.
func (bt *BTree[K, V]) deleteEntry(stack *latchStack[K, V], f *stackFrame[K, V]) error {
	n := f.n

	if bt.isRoot(stack, f) {
		if n.isLeaf {
			if n.size() == 0 {
				bt.rootID = page.InvalidID
				if err := writeHeaderRootID(bt.bpm, bt.name, page.InvalidID); err != nil {
					return err
				}
				stack.popAndRelease(f)
				bt.bpm.DeletePage(f.id)
				return stack.releaseAll()
			}
			stack.popAndRelease(f)
			return stack.releaseAll()
		}
		if n.size() == 1 {
			newRootID := n.children[0]
			cp, cn, err := bt.fetch(newRootID)
			if err != nil {
				stack.popAndRelease(f)
				stack.releaseAll()
				return err
			}
			cp.Lock()
			cn.parent = page.InvalidID
			serr := cn.serialize(cp, bt.keyCodec, bt.valCodec)
			cp.Unlock()
			bt.bpm.UnpinPage(newRootID, true)
			if serr != nil {
				stack.popAndRelease(f)
				stack.releaseAll()
				return serr
			}
			bt.rootID = newRootID
			if err := writeHeaderRootID(bt.bpm, bt.name, newRootID); err != nil {
				stack.popAndRelease(f)
				stack.releaseAll()
				return err
			}
			stack.popAndRelease(f)
			bt.bpm.DeletePage(f.id)
			return stack.releaseAll()
		}
		stack.popAndRelease(f)
		return stack.releaseAll()
	}

	if n.size() >= bt.minSize(n) {
		stack.popAndRelease(f)
		return stack.releaseAll()
	}

	parent := stack.parentOf(f)
	if parent == nil {
		stack.popAndRelease(f)
		return fmt.Errorf("bplustree: deleteEntry: node %d is underfull with no parent on stack", f.id)
	}

	idx := -1
	for i, c := range parent.n.children {
		if c == f.id {
			idx = i
			break
		}
	}
	if idx == -1 {
		stack.popAndRelease(f)
		return fmt.Errorf("bplustree: deleteEntry: node %d not found in parent %d", f.id, parent.n.id)
	}

	var siblingIdx int
	preferLeft := idx > 0
	if preferLeft {
		siblingIdx = idx - 1
	} else {
		siblingIdx = idx + 1
	}
	siblingID := parent.n.children[siblingIdx]

	sp, sn, err := bt.fetch(siblingID)
	if err != nil {
		stack.popAndRelease(f)
		return err
	}
	sp.Lock()
	sibling := &stackFrame[K, V]{id: siblingID, p: sp, n: sn}

	// kIdx is the parent slot holding the separator between the sibling and
	// f, whichever of the two is on the right.
	kIdx := idx
	if preferLeft {
		// sibling is left of f; separator sits at f's own slot.
	} else {
		kIdx = siblingIdx // sibling is right of f; separator sits at sibling's slot.
	}
	k := parent.n.keys[kIdx]

	left, right := sibling, f
	if !preferLeft {
		left, right = f, sibling
	}

	if left.n.size()+right.n.size() <= bt.maxSize(left.n) {
		if err := bt.mergeNodes(left, right, k); err != nil {
			stack.popAndRelease(f)
			sp.Unlock()
			bt.bpm.UnpinPage(siblingID, true)
			return err
		}
		removeInternalEntry(parent.n, kIdx)
		parent.dirty = true

		stack.popAndRelease(f)
		if err := releaseFrames(bt, []*stackFrame[K, V]{sibling}); err != nil {
			stack.releaseAll()
			return err
		}
		bt.bpm.DeletePage(right.id)

		return bt.deleteEntry(stack, parent)
	}

	bt.redistribute(left, right, k, parent, kIdx, preferLeft)
	stack.popAndRelease(f)
	if err := releaseFrames(bt, []*stackFrame[K, V]{sibling}); err != nil {
		stack.releaseAll()
		return err
	}
	return stack.releaseAll()
}

// mergeNodes moves every entry of right into left (left is the lower-keyed
// node).
func (bt *BTree[K, V]) mergeNodes(left, right *stackFrame[K, V], k K) error {
	l, r := left.n, right.n
	if l.isLeaf {
		l.keys = append(l.keys, r.keys...)
		l.values = append(l.values, r.values...)
		l.next = r.next
	} else {
		r.keys[0] = k
		l.keys = append(l.keys, r.keys...)
		l.children = append(l.children, r.children...)
		for _, cid := range r.children {
			cp, cn, err := bt.fetch(cid)
			if err != nil {
				continue
			}
			cp.Lock()
			cn.parent = l.id
			serr := cn.serialize(cp, bt.keyCodec, bt.valCodec)
			cp.Unlock()
			bt.bpm.UnpinPage(cid, true)
			if serr != nil {
				return serr
			}
		}
	}
	left.dirty = true
	return nil
}

// redistribute moves exactly one entry across the left/right boundary,
// updating the parent separator at slot kIdx. fromLeft indicates whether
// the underfull node (right's counterpart originally named f) sits to the
// right of the donor sibling.
func (bt *BTree[K, V]) redistribute(left, right *stackFrame[K, V], k K, parent *stackFrame[K, V], kIdx int, fromLeft bool) {
	l, r := left.n, right.n
	if fromLeft {
		// donor is left; move its last entry to become right's first.
		if l.isLeaf {
			lastK, lastV := l.keys[len(l.keys)-1], l.values[len(l.values)-1]
			l.keys = l.keys[:len(l.keys)-1]
			l.values = l.values[:len(l.values)-1]
			r.keys = append([]K{lastK}, r.keys...)
			r.values = append([]V{lastV}, r.values...)
			parent.n.keys[kIdx] = lastK
		} else {
			lastK, lastC := l.keys[len(l.keys)-1], l.children[len(l.children)-1]
			l.keys = l.keys[:len(l.keys)-1]
			l.children = l.children[:len(l.children)-1]
			var zero K
			r.keys = append([]K{zero}, r.keys...)
			r.keys[1] = parent.n.keys[kIdx]
			r.children = append([]page.ID{lastC}, r.children...)
			parent.n.keys[kIdx] = lastK
			bt.reparentChild(lastC, r.id)
		}
	} else {
		// donor is right; move its first entry to become left's last.
		if l.isLeaf {
			firstK, firstV := r.keys[0], r.values[0]
			r.keys = r.keys[1:]
			r.values = r.values[1:]
			l.keys = append(l.keys, firstK)
			l.values = append(l.values, firstV)
			parent.n.keys[kIdx] = r.keys[0]
		} else {
			firstK, firstC := parent.n.keys[kIdx], r.children[0]
			newSep := r.keys[1]
			r.keys = r.keys[1:]
			r.children = r.children[1:]
			l.keys = append(l.keys, firstK)
			l.children = append(l.children, firstC)
			parent.n.keys[kIdx] = newSep
			bt.reparentChild(firstC, l.id)
		}
	}
	left.dirty = true
	right.dirty = true
	parent.dirty = true
}

func (bt *BTree[K, V]) reparentChild(childID, newParent page.ID) {
	cp, cn, err := bt.fetch(childID)
	if err != nil {
		return
	}
	cp.Lock()
	cn.parent = newParent
	_ = cn.serialize(cp, bt.keyCodec, bt.valCodec)
	cp.Unlock()
	bt.bpm.UnpinPage(childID, true)
}
