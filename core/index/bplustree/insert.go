package bplustree

import (
	"fmt"
	"sort"

	"github.com/relicdb/enginecore/core/storage/page"
)

// Insert adds (key, value). Returns ErrDuplicateKey if key is already
// present. Descends the tree under write-latch crabbing (ancestors are
// released once a child is proven safe), splitting leaves and internal
// nodes as needed.
func (bt *BTree[K, V]) Insert(key K, value V) error {
	stack := newLatchStack(bt)
	bt.rootLatch.Lock()
	stack.pushSentinel()

	if bt.rootID == page.InvalidID {
		p, id, err := bt.bpm.NewPage()
		if err != nil {
			stack.releaseAll()
			return fmt.Errorf("bplustree: allocate root: %w", err)
		}
		n := newLeaf[K, V](id)
		bt.rootID = id
		if err := writeHeaderRootID(bt.bpm, bt.name, id); err != nil {
			stack.releaseAll()
			return err
		}
		p.Lock()
		stack.push(id, p, n)
	} else {
		p, n, err := bt.fetch(bt.rootID)
		if err != nil {
			stack.releaseAll()
			return err
		}
		p.Lock()
		stack.push(bt.rootID, p, n)
	}

	cur := stack.top()
	for !cur.n.isLeaf {
		childID := chooseChild(cur.n, key, bt.cmp)
		cp, cn, err := bt.fetch(childID)
		if err != nil {
			stack.releaseAll()
			return err
		}
		cp.Lock()
		child := stack.push(childID, cp, cn)
		if child.n.size() < bt.maxSize(child.n) {
			if err := stack.releaseAncestors(); err != nil {
				return err
			}
		}
		cur = child
	}

	leaf := cur
	for _, k := range leaf.n.keys {
		if bt.cmp(k, key) == 0 {
			stack.releaseAll()
			return ErrDuplicateKey
		}
	}

	insertSorted(leaf.n, key, value, bt.cmp)
	leaf.dirty = true

	if leaf.n.size() < bt.leafMaxSize {
		return stack.releaseAll()
	}

	// leaf reached capacity: split.
	return bt.splitLeaf(stack, leaf)
}

// insertSorted inserts (key, value) into a leaf's parallel key/value
// slices, keeping them ordered.
func insertSorted[K any, V any](n *node[K, V], key K, value V, cmp Comparator[K]) {
	idx := sort.Search(len(n.keys), func(i int) bool { return cmp(n.keys[i], key) > 0 })
	n.keys = append(n.keys, key)
	copy(n.keys[idx+1:], n.keys[idx:len(n.keys)-1])
	n.keys[idx] = key

	n.values = append(n.values, value)
	copy(n.values[idx+1:], n.values[idx:len(n.values)-1])
	n.values[idx] = value
}

// splitLeaf splits an over-full leaf: a new right leaf takes the upper
// half, the leaf list is relinked, and the new separator is promoted via
// insertInParent.
func (bt *BTree[K, V]) splitLeaf(stack *latchStack[K, V], leaf *stackFrame[K, V]) error {
	rp, rid, err := bt.bpm.NewPage()
	if err != nil {
		stack.releaseAll()
		return fmt.Errorf("bplustree: allocate right leaf: %w", err)
	}
	right := newLeaf[K, V](rid)

	leftSize := (bt.leafMaxSize + 1) / 2
	left := leaf.n

	right.keys = append(right.keys, left.keys[leftSize:]...)
	right.values = append(right.values, left.values[leftSize:]...)
	left.keys = left.keys[:leftSize]
	left.values = left.values[:leftSize]

	right.next = left.next
	left.next = right.id
	right.parent = left.parent

	rp.Lock()
	rframe := &stackFrame[K, V]{id: rid, p: rp, n: right, dirty: true}

	sep := right.keys[0]
	return bt.insertInParent(stack, leaf, rframe, sep)
}

// insertInParent splices a newly split-off right sibling into left's
// parent. left is always the current top of stack. If left is the root, a
// new root is allocated; otherwise (sep, right) is spliced into left's
// parent (found by walking the stack), splitting the parent in turn if it
// overflows.
func (bt *BTree[K, V]) insertInParent(stack *latchStack[K, V], left, right *stackFrame[K, V], sep K) error {
	if bt.isRoot(stack, left) {
		rootPage, rootID, err := bt.bpm.NewPage()
		if err != nil {
			right.p.Unlock()
			bt.bpm.UnpinPage(right.id, true)
			stack.releaseAll()
			return fmt.Errorf("bplustree: allocate new root: %w", err)
		}
		var zeroKey K
		root := newInternal[K, V](rootID)
		root.keys = []K{zeroKey, sep} // slot 0 placeholder + separator at 1
		root.children = []page.ID{left.id, right.id}
		left.n.parent = rootID
		right.n.parent = rootID
		left.dirty = true
		right.dirty = true

		bt.rootID = rootID
		if err := writeHeaderRootID(bt.bpm, bt.name, rootID); err != nil {
			right.p.Unlock()
			bt.bpm.UnpinPage(right.id, true)
			bt.bpm.UnpinPage(rootID, false)
			stack.releaseAll()
			return err
		}
		if err := root.serialize(rootPage, bt.keyCodec, bt.valCodec); err != nil {
			right.p.Unlock()
			bt.bpm.UnpinPage(right.id, true)
			bt.bpm.UnpinPage(rootID, false)
			stack.releaseAll()
			return err
		}
		bt.bpm.UnpinPage(rootID, true)

		stack.popAndRelease(left)
		if err := releaseFrames(bt, []*stackFrame[K, V]{right}); err != nil {
			stack.releaseAll()
			return err
		}
		return stack.releaseAll() // releases the root-latch sentinel
	}

	parent := stack.parentOf(left)
	if parent == nil {
		right.p.Unlock()
		bt.bpm.UnpinPage(right.id, true)
		return fmt.Errorf("bplustree: insertInParent: left %d has no parent on stack", left.id)
	}

	idx := -1
	for i, c := range parent.n.children {
		if c == left.id {
			idx = i
			break
		}
	}
	if idx == -1 {
		right.p.Unlock()
		bt.bpm.UnpinPage(right.id, true)
		return fmt.Errorf("bplustree: insertInParent: left %d not found in parent %d", left.id, parent.n.id)
	}

	insertChildAt(parent.n, idx+1, sep, right.id)
	right.n.parent = parent.n.id
	parent.dirty = true
	right.dirty = true

	stack.popAndRelease(left)
	if err := releaseFrames(bt, []*stackFrame[K, V]{right}); err != nil {
		stack.releaseAll()
		return err
	}

	if parent.n.size() <= bt.internalMaxSize {
		return stack.releaseAll()
	}

	// parent overflowed: split it too, recursing with parent now at the top
	// of the stack.
	return bt.splitInternal(stack, parent)
}

// insertChildAt inserts (key, child) at position idx into an internal
// node's parallel keys/children slices.
func insertChildAt[K any, V any](n *node[K, V], idx int, key K, child page.ID) {
	n.keys = append(n.keys, key)
	copy(n.keys[idx+1:], n.keys[idx:len(n.keys)-1])
	n.keys[idx] = key

	n.children = append(n.children, child)
	copy(n.children[idx+1:], n.children[idx:len(n.children)-1])
	n.children[idx] = child
}

// splitInternal splits an over-full internal node, promoting the middle
// separator into its own parent via a recursive insertInParent call.
func (bt *BTree[K, V]) splitInternal(stack *latchStack[K, V], node *stackFrame[K, V]) error {
	rp, rid, err := bt.bpm.NewPage()
	if err != nil {
		stack.releaseAll()
		return fmt.Errorf("bplustree: allocate right internal: %w", err)
	}
	right := newInternal[K, V](rid)

	n := node.n
	total := len(n.keys)
	leftSize := (total + 1) / 2

	midSep := n.keys[leftSize]

	right.keys = append(right.keys, n.keys[leftSize:]...)
	right.children = append(right.children, n.children[leftSize:]...)
	n.keys = n.keys[:leftSize]
	n.children = n.children[:leftSize]

	right.parent = n.parent

	for _, cid := range right.children {
		cp, cn, err := bt.fetch(cid)
		if err != nil {
			continue
		}
		cp.Lock()
		cn.parent = rid
		err = cn.serialize(cp, bt.keyCodec, bt.valCodec)
		cp.Unlock()
		bt.bpm.UnpinPage(cid, true)
		if err != nil {
			return err
		}
	}

	rp.Lock()
	rframe := &stackFrame[K, V]{id: rid, p: rp, n: right, dirty: true}
	node.dirty = true

	return bt.insertInParent(stack, node, rframe, midSep)
}

// isRoot reports whether frame f is currently the root (its id equals the
// tree's rootID) with the root latch still ours.
func (bt *BTree[K, V]) isRoot(stack *latchStack[K, V], f *stackFrame[K, V]) bool {
	return f.id == bt.rootID && stackHasSentinel(stack)
}

func stackHasSentinel[K any, V any](stack *latchStack[K, V]) bool {
	return len(stack.frames) > 0 && stack.frames[0].sentinel
}

// parentOf returns the frame directly preceding f on the stack (its parent
// in the descent), or nil if f is the bottom-most non-sentinel frame.
func (s *latchStack[K, V]) parentOf(f *stackFrame[K, V]) *stackFrame[K, V] {
	for i, fr := range s.frames {
		if fr == f {
			if i == 0 {
				return nil
			}
			if s.frames[i-1].sentinel {
				return nil
			}
			return s.frames[i-1]
		}
	}
	return nil
}
