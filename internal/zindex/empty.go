package zindex

import (
	"fmt"

	"github.com/colgrove/colgrove/internal/store"
)

// EmptyIndexStore is the index of a fully purged colgroup: zero keys.
type EmptyIndexStore struct {
	unique bool
}

func NewEmptyIndexStore(unique bool) *EmptyIndexStore {
	return &EmptyIndexStore{unique: unique}
}

func (e *EmptyIndexStore) NumDataRows() int { return 0 }
func (e *EmptyIndexStore) GetValueAppend(dst []byte, phys int) ([]byte, error) {
	return dst, fmt.Errorf("%w: empty index", store.ErrOutOfRange)
}
func (e *EmptyIndexStore) DataSize() int64        { return 0 }
func (e *EmptyIndexStore) StorageSize() int64     { return 0 }
func (e *EmptyIndexStore) Kind() store.Kind       { return store.KindEmpty }
func (e *EmptyIndexStore) IsUniqueInSchema() bool { return e.unique }
func (e *EmptyIndexStore) Close() error           { return nil }

func (e *EmptyIndexStore) SearchExactAppend(key []byte, dst []uint32) []uint32 { return dst }

type emptyIter struct{}

func (e *EmptyIndexStore) NewIterForward() Iterator  { return emptyIter{} }
func (e *EmptyIndexStore) NewIterBackward() Iterator { return emptyIter{} }

func (emptyIter) SeekLowerBound(key []byte) (int, bool) { return 0, false }
func (emptyIter) Increment() (uint32, []byte, bool)     { return 0, nil, false }
func (emptyIter) Reset()                                {}
