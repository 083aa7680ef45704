package bplustree

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/relicdb/enginecore/core/storage/buffer"
	"github.com/relicdb/enginecore/core/storage/page"
)

// ErrDuplicateKey is returned by Insert when the key already exists.
var ErrDuplicateKey = errors.New("bplustree: duplicate key")

// ErrKeyNotFound is returned by Delete when the key is absent.
var ErrKeyNotFound = errors.New("bplustree: key not found")

// BTree is a concurrent, disk-resident B+ tree index. Every node lives on
// exactly one page fetched through the injected buffer pool manager; keys
// must be unique, ordering supplied by Comparator.
type BTree[K any, V any] struct {
	// rootLatch is the single root_id latch, distinct from any individual
	// page's R/W latch.
	rootLatch sync.RWMutex
	rootID    page.ID

	name            string
	leafMaxSize     int
	internalMaxSize int
	cmp             Comparator[K]
	keyCodec        Codec[K]
	valCodec        Codec[V]
	bpm             *buffer.Manager
	log             *zap.SugaredLogger
}

// New constructs a fresh, empty index named name. leafMaxSize and
// internalMaxSize are node capacities (each must be >= 3 for splits/merges
// to have room to operate).
func New[K any, V any](bpm *buffer.Manager, name string, leafMaxSize, internalMaxSize int, cmp Comparator[K], keyCodec Codec[K], valCodec Codec[V], log *zap.SugaredLogger) *BTree[K, V] {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &BTree[K, V]{
		rootID:          page.InvalidID,
		name:            name,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
		cmp:             cmp,
		keyCodec:        keyCodec,
		valCodec:        valCodec,
		bpm:             bpm,
		log:             log,
	}
}

// OpenBTree reattaches to an index previously persisted under name, reading
// its root page id from the header page.
func OpenBTree[K any, V any](bpm *buffer.Manager, name string, leafMaxSize, internalMaxSize int, cmp Comparator[K], keyCodec Codec[K], valCodec Codec[V], log *zap.SugaredLogger) (*BTree[K, V], error) {
	bt := New[K, V](bpm, name, leafMaxSize, internalMaxSize, cmp, keyCodec, valCodec, log)
	rootID, ok, err := readHeaderRootID(bpm, name)
	if err != nil {
		return nil, err
	}
	if ok {
		bt.rootID = rootID
	}
	return bt, nil
}

func (bt *BTree[K, V]) maxSize(n *node[K, V]) int {
	if n.isLeaf {
		return bt.leafMaxSize - 1
	}
	return bt.internalMaxSize
}

func (bt *BTree[K, V]) minSize(n *node[K, V]) int {
	return (bt.maxSize(n) + 1) / 2
}

func (bt *BTree[K, V]) fetch(id page.ID) (*page.Page, *node[K, V], error) {
	p, err := bt.bpm.FetchPage(id)
	if err != nil {
		return nil, nil, fmt.Errorf("bplustree: fetch page %d: %w", id, err)
	}
	n, err := deserializeNode[K, V](p, bt.keyCodec, bt.valCodec)
	if err != nil {
		bt.bpm.UnpinPage(id, false)
		return nil, nil, err
	}
	return p, n, nil
}

func (bt *BTree[K, V]) flushAndUnpin(p *page.Page, n *node[K, V], dirty bool) error {
	if dirty {
		if err := n.serialize(p, bt.keyCodec, bt.valCodec); err != nil {
			return err
		}
	}
	return bt.bpm.UnpinPage(n.id, dirty)
}

// IsEmpty reports whether the index currently holds no root page.
func (bt *BTree[K, V]) IsEmpty() bool {
	bt.rootLatch.RLock()
	defer bt.rootLatch.RUnlock()
	return bt.rootID == page.InvalidID
}

// ----- Search (read side of the crab-descent protocol) -----

// Search returns the value for key, if present.
func (bt *BTree[K, V]) Search(key K) (V, bool, error) {
	var zero V
	bt.rootLatch.RLock()
	if bt.rootID == page.InvalidID {
		bt.rootLatch.RUnlock()
		return zero, false, nil
	}
	curID := bt.rootID
	curPage, curNode, err := bt.fetch(curID)
	if err != nil {
		bt.rootLatch.RUnlock()
		return zero, false, err
	}
	curPage.RLock()
	bt.rootLatch.RUnlock()

	for !curNode.isLeaf {
		childID := chooseChild(curNode, key, bt.cmp)
		childPage, childNode, err := bt.fetch(childID)
		if err != nil {
			curPage.RUnlock()
			bt.bpm.UnpinPage(curID, false)
			return zero, false, err
		}
		childPage.RLock()
		curPage.RUnlock()
		bt.bpm.UnpinPage(curID, false)
		curID, curPage, curNode = childID, childPage, childNode
	}

	for i, k := range curNode.keys {
		if bt.cmp(k, key) == 0 {
			v := curNode.values[i]
			curPage.RUnlock()
			bt.bpm.UnpinPage(curID, false)
			return v, true, nil
		}
	}
	curPage.RUnlock()
	bt.bpm.UnpinPage(curID, false)
	return zero, false, nil
}

// chooseChild finds the last key <= target in an internal node (entry 0's
// key is unused) and returns the corresponding child id.
func chooseChild[K any, V any](n *node[K, V], key K, cmp Comparator[K]) page.ID {
	idx := 0
	for i := 1; i < len(n.keys); i++ {
		if cmp(n.keys[i], key) <= 0 {
			idx = i
		} else {
			break
		}
	}
	return n.children[idx]
}
