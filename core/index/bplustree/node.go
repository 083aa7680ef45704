package bplustree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/relicdb/enginecore/core/storage/page"
)

// checksumSize is the trailing CRC32 footprint reserved on every node page.
const checksumSize = 4

// ErrChecksumMismatch indicates on-disk node bytes were corrupted or the
// page was never initialized as a node.
var ErrChecksumMismatch = errors.New("bplustree: node checksum mismatch")

const (
	flagLeaf byte = 1 << 0
)

// node is the in-memory form of one B+ tree page: either an internal node
// (keys[0] unused, children[i] reachable via keys[i] for i>0) or a leaf
// node (parallel keys/values plus a next-leaf link).
type node[K any, V any] struct {
	id     page.ID
	parent page.ID
	isLeaf bool

	keys     []K
	values   []V       // leaf only
	children []page.ID // internal only, len(children) == len(keys)
	next     page.ID   // leaf only; page.InvalidID if none
}

func newLeaf[K any, V any](id page.ID) *node[K, V] {
	return &node[K, V]{id: id, parent: page.InvalidID, isLeaf: true, next: page.InvalidID}
}

func newInternal[K any, V any](id page.ID) *node[K, V] {
	return &node[K, V]{id: id, parent: page.InvalidID, isLeaf: false}
}

func (n *node[K, V]) size() int { return len(n.keys) }

// serialize writes n into p's byte buffer as a
// flags+count+entries+trailing-CRC32 layout.
func (n *node[K, V]) serialize(p *page.Page, kc Codec[K], vc Codec[V]) error {
	buf := new(bytes.Buffer)

	var flags byte
	if n.isLeaf {
		flags |= flagLeaf
	}
	if err := binary.Write(buf, binary.LittleEndian, flags); err != nil {
		return fmt.Errorf("bplustree: write flags: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint64(n.parent)); err != nil {
		return fmt.Errorf("bplustree: write parent: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint64(n.next)); err != nil {
		return fmt.Errorf("bplustree: write next: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(n.keys))); err != nil {
		return fmt.Errorf("bplustree: write numKeys: %w", err)
	}

	for i, k := range n.keys {
		if !n.isLeaf && i == 0 {
			// entry 0's key is unused; still round-trip a zero-length
			// placeholder to keep slots aligned.
			if err := binary.Write(buf, binary.LittleEndian, uint16(0)); err != nil {
				return err
			}
			continue
		}
		kd, err := kc.Encode(k)
		if err != nil {
			return fmt.Errorf("bplustree: encode key %d: %w", i, err)
		}
		if err := binary.Write(buf, binary.LittleEndian, uint16(len(kd))); err != nil {
			return err
		}
		if _, err := buf.Write(kd); err != nil {
			return err
		}
	}

	if n.isLeaf {
		for i, v := range n.values {
			vd, err := vc.Encode(v)
			if err != nil {
				return fmt.Errorf("bplustree: encode value %d: %w", i, err)
			}
			if err := binary.Write(buf, binary.LittleEndian, uint16(len(vd))); err != nil {
				return err
			}
			if _, err := buf.Write(vd); err != nil {
				return err
			}
		}
	} else {
		for _, c := range n.children {
			if err := binary.Write(buf, binary.LittleEndian, uint64(c)); err != nil {
				return fmt.Errorf("bplustree: write child: %w", err)
			}
		}
	}

	data := buf.Bytes()
	if len(data)+checksumSize > page.Size {
		return fmt.Errorf("bplustree: node %d serialized to %d bytes, exceeds page capacity", n.id, len(data))
	}

	dst := p.Data()
	copy(dst, data)
	for i := len(data); i < page.Size-checksumSize; i++ {
		dst[i] = 0
	}
	checksum := crc32.ChecksumIEEE(dst[:page.Size-checksumSize])
	binary.LittleEndian.PutUint32(dst[page.Size-checksumSize:], checksum)
	p.SetDirty()
	return nil
}

// deserialize reconstructs n from p's byte buffer, verifying the trailing
// checksum first.
func deserializeNode[K any, V any](p *page.Page, kc Codec[K], vc Codec[V]) (*node[K, V], error) {
	data := p.Data()
	stored := binary.LittleEndian.Uint32(data[page.Size-checksumSize:])
	calculated := crc32.ChecksumIEEE(data[:page.Size-checksumSize])
	if stored != calculated {
		return nil, fmt.Errorf("%w: page %d stored=0x%x calculated=0x%x", ErrChecksumMismatch, p.ID(), stored, calculated)
	}

	r := bytes.NewReader(data[:page.Size-checksumSize])
	n := &node[K, V]{id: p.ID()}

	var flags byte
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return nil, fmt.Errorf("bplustree: read flags: %w", err)
	}
	n.isLeaf = flags&flagLeaf != 0

	var parent, next uint64
	if err := binary.Read(r, binary.LittleEndian, &parent); err != nil {
		return nil, fmt.Errorf("bplustree: read parent: %w", err)
	}
	n.parent = page.ID(parent)
	if err := binary.Read(r, binary.LittleEndian, &next); err != nil {
		return nil, fmt.Errorf("bplustree: read next: %w", err)
	}
	n.next = page.ID(next)

	var numKeys uint16
	if err := binary.Read(r, binary.LittleEndian, &numKeys); err != nil {
		return nil, fmt.Errorf("bplustree: read numKeys: %w", err)
	}
	n.keys = make([]K, numKeys)
	for i := uint16(0); i < numKeys; i++ {
		var kl uint16
		if err := binary.Read(r, binary.LittleEndian, &kl); err != nil {
			return nil, fmt.Errorf("bplustree: read key length %d: %w", i, err)
		}
		if kl == 0 {
			continue // entry 0's placeholder on an internal node
		}
		kd := make([]byte, kl)
		if _, err := r.Read(kd); err != nil {
			return nil, fmt.Errorf("bplustree: read key data %d: %w", i, err)
		}
		k, err := kc.Decode(kd)
		if err != nil {
			return nil, fmt.Errorf("bplustree: decode key %d: %w", i, err)
		}
		n.keys[i] = k
	}

	if n.isLeaf {
		n.values = make([]V, numKeys)
		for i := uint16(0); i < numKeys; i++ {
			var vl uint16
			if err := binary.Read(r, binary.LittleEndian, &vl); err != nil {
				return nil, fmt.Errorf("bplustree: read value length %d: %w", i, err)
			}
			vd := make([]byte, vl)
			if _, err := r.Read(vd); err != nil {
				return nil, fmt.Errorf("bplustree: read value data %d: %w", i, err)
			}
			v, err := vc.Decode(vd)
			if err != nil {
				return nil, fmt.Errorf("bplustree: decode value %d: %w", i, err)
			}
			n.values[i] = v
		}
	} else {
		n.children = make([]page.ID, numKeys)
		for i := uint16(0); i < numKeys; i++ {
			var c uint64
			if err := binary.Read(r, binary.LittleEndian, &c); err != nil {
				return nil, fmt.Errorf("bplustree: read child %d: %w", i, err)
			}
			n.children[i] = page.ID(c)
		}
	}

	return n, nil
}
