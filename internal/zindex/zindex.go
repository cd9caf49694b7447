// Package zindex implements the sorted key -> row-id multimaps of a
// segment: the immutable store-backed index of read-only segments and the
// in-memory index of the tail writable segment.
package zindex

import (
	"errors"

	"github.com/colgrove/colgrove/internal/store"
)

var (
	// ErrKeyExists is returned when inserting a duplicate key into a
	// unique index.
	ErrKeyExists = errors.New("unique key already exists")
)

// Readable is a read-only index. It doubles as the colgroup store for its
// key columns: GetValueAppend returns the key of a physical row.
type Readable interface {
	store.Readable

	// SearchExactAppend appends all row ids whose key equals key.
	SearchExactAppend(key []byte, dst []uint32) []uint32

	NewIterForward() Iterator
	NewIterBackward() Iterator

	// IsUniqueInSchema shortcuts duplicate-key scans.
	IsUniqueInSchema() bool
}

// Iterator walks index entries in key order.
type Iterator interface {
	// SeekLowerBound positions at the first entry >= key (forward) or the
	// last entry <= key (backward). cmp is the comparison of the entry's
	// key against key; ok is false when no such entry exists.
	SeekLowerBound(key []byte) (cmp int, ok bool)

	// Increment yields the current entry and advances.
	Increment() (id uint32, key []byte, ok bool)

	// Reset positions before the first entry of the walk order.
	Reset()
}
