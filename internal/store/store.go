// Package store implements the column-group stores of a segment: the
// mmap-backed read-only stores produced by convert/purge, and the
// log-backed writable row store of the tail segment.
package store

import (
	"errors"
	"fmt"
)

// Kind identifies a read-only store implementation for segment metadata.
type Kind string

const (
	KindFixedLen  Kind = "fixlen"
	KindBlockZip  Kind = "blockzip"
	KindDictZip   Kind = "dictzip"
	KindMultiPart Kind = "multipart"
	KindEmpty     Kind = "empty"
	KindIndex     Kind = "zint"
)

var (
	// ErrOutOfRange is returned when a record id is outside a store's
	// row count.
	ErrOutOfRange = errors.New("record id out of range")

	// ErrCorrupt is returned when a store file fails validation.
	ErrCorrupt = errors.New("store corruption detected")
)

// Readable is the read contract shared by every store. Records are
// addressed by physical id.
type Readable interface {
	NumDataRows() int

	// GetValueAppend appends the record at phys to dst and returns the
	// extended slice.
	GetValueAppend(dst []byte, phys int) ([]byte, error)

	// DataSize is the inflated payload size; StorageSize is the on-disk
	// footprint.
	DataSize() int64
	StorageSize() int64

	Kind() Kind
	Close() error
}

// Ext returns the file extension for a store kind.
func Ext(k Kind) string {
	return "." + string(k)
}

// Open loads a read-only store of the given kind from path.
func Open(kind Kind, path string) (Readable, error) {
	switch kind {
	case KindFixedLen:
		return OpenFixedLen(path)
	case KindBlockZip:
		return OpenBlockZip(path)
	case KindDictZip:
		return OpenDictZip(path)
	case KindEmpty:
		return NewEmpty(), nil
	default:
		return nil, fmt.Errorf("%w: unknown store kind %q", ErrCorrupt, kind)
	}
}
