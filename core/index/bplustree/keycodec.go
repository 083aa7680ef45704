// Package bplustree implements a concurrent, disk-resident B+ tree index:
// generic key/value codecs, checksummed node serialization, and a
// leaf/internal split protocol built on top of buffer-pool latch-crabbing.
package bplustree

import (
	"cmp"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Comparator orders two keys: negative if a < b, zero if equal, positive if
// a > b.
type Comparator[K any] func(a, b K) int

// DefaultComparator builds a Comparator from any cmp.Ordered key type.
func DefaultComparator[K cmp.Ordered]() Comparator[K] {
	return func(a, b K) int { return cmp.Compare(a, b) }
}

// Codec encodes and decodes a single K or V for on-page storage.
type Codec[T any] struct {
	Encode func(T) ([]byte, error)
	Decode func([]byte) (T, error)
}

// MsgpackCodec builds a Codec backed by vmihailenco/msgpack, the engine's
// default wire/storage serialization.
func MsgpackCodec[T any]() Codec[T] {
	return Codec[T]{
		Encode: func(v T) ([]byte, error) {
			b, err := msgpack.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("bplustree: encode: %w", err)
			}
			return b, nil
		},
		Decode: func(b []byte) (T, error) {
			var v T
			if err := msgpack.Unmarshal(b, &v); err != nil {
				return v, fmt.Errorf("bplustree: decode: %w", err)
			}
			return v, nil
		},
	}
}

// Int64Codec is the common case of an integer-valued key.
func Int64Codec() Codec[int64] { return MsgpackCodec[int64]() }

// StringCodec is the common case of a string-valued key.
func StringCodec() Codec[string] { return MsgpackCodec[string]() }

// UUIDCodec is the common case of a google/uuid.UUID key or value.
func UUIDCodec() Codec[uuid.UUID] { return MsgpackCodec[uuid.UUID]() }
