// Package segment implements the two segment shapes of a composite
// table: the writable (tail or frozen) segment backed by an append log,
// and the read-only segment backed by compressed mmap stores.
package segment

import (
	"sync"
	"sync/atomic"

	"github.com/colgrove/colgrove/internal/bitvec"
	"github.com/colgrove/colgrove/internal/fs"
	"github.com/colgrove/colgrove/model"
	"github.com/colgrove/colgrove/schema"
)

// Segment is the surface the composite table uses uniformly across both
// shapes. Logical rows are addressed by segment-local SubID.
type Segment interface {
	Dir() string
	State() model.SegmentState
	SetState(model.SegmentState)

	// NumLogicRows is the is_del length: all rows ever appended,
	// including deleted ones.
	NumLogicRows() int
	DelCount() int
	IsDeleted(sub model.SubID) bool

	// GetValue appends the row encoding of a live row to dst.
	GetValue(dst []byte, sub model.SubID) ([]byte, error)

	// IndexSearchExactAppend appends the logical ids matching key on
	// index idx, already filtered by is_del.
	IndexSearchExactAppend(idx int, key []byte, dst []uint32) ([]uint32, error)

	DataStorageSize() int64
	TotalStorageSize() int64

	IncRef()
	DecRef()
	MarkToBeDel()

	Close() error
}

// base carries the state shared by both segment shapes.
type base struct {
	dir string
	sc  *schema.Schema
	fsy fs.FileSystem

	// mu guards isDel, delCnt, bookUpdates, journal and (on writable
	// segments) the in-place cell buffers. The table lock orders larger
	// critical sections; this one protects the tight read paths.
	mu sync.RWMutex

	state   atomic.Int32
	isDel   *bitvec.DelFile
	delCnt  int
	bookUpd bool
	journal Journal

	refs    atomic.Int64
	toBeDel atomic.Bool
}

func (b *base) Dir() string { return b.dir }

// SetDir rebinds the segment's directory after an on-disk rename (the
// purge pipeline moves the input to a .backup-N sibling). Open mappings
// stay valid across the rename.
func (b *base) SetDir(dir string) { b.dir = dir }

func (b *base) State() model.SegmentState {
	return model.SegmentState(b.state.Load())
}

func (b *base) SetState(s model.SegmentState) {
	b.state.Store(int32(s))
}

func (b *base) NumLogicRows() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isDel.Len()
}

func (b *base) DelCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.delCnt
}

func (b *base) IsDeleted(sub model.SubID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int(sub) < b.isDel.Len() && b.isDel.Get(int(sub))
}

// EnableBookUpdates switches the segment into journaling mode; every
// subsequent is_del or in-place cell mutation lands in the journal.
func (b *base) EnableBookUpdates() {
	b.mu.Lock()
	b.bookUpd = true
	b.mu.Unlock()
}

// DrainUpdates empties the journal and returns the pending ids sorted.
func (b *base) DrainUpdates() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.journal.Drain()
}

// DisableBookUpdates stops journaling (after the final drain).
func (b *base) DisableBookUpdates() {
	b.mu.Lock()
	b.bookUpd = false
	b.mu.Unlock()
}

// SnapshotIsDel copies the bitmap under the segment lock.
func (b *base) SnapshotIsDel() *bitvec.BitVec {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isDel.Snapshot()
}

// SetDeleted marks a logical row deleted, journaling when required.
// Reports whether the bit was newly set.
func (b *base) SetDeleted(sub model.SubID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isDel.Get(int(sub)) {
		return false
	}
	b.isDel.Set(int(sub))
	b.delCnt++
	if b.bookUpd {
		b.journal.Add(uint32(sub), b.isDel.Len())
	}
	return true
}

func (b *base) IncRef() { b.refs.Add(1) }

func (b *base) MarkToBeDel() { b.toBeDel.Store(true) }

// dropDir removes the segment directory once the last reference is gone.
func (b *base) dropDir() {
	if b.toBeDel.Load() {
		_ = b.fsy.RemoveAll(b.dir)
	}
}
