package table

import (
	"errors"

	"github.com/colgrove/colgrove/internal/segment"
	"github.com/colgrove/colgrove/internal/store"
	"github.com/colgrove/colgrove/model"
)

// StoreIter is a forward scan over every segment. While any StoreIter is
// live the table neither reuses deleted tail ids nor compacts, so
// observed LIDs stay stable.
type StoreIter struct {
	t      *Table
	segs   []segment.Segment
	bases  []uint64
	total  uint64
	cur    uint64
	closed bool
}

// CreateStoreIter snapshots the segment list under a reader lock and
// pins it with the scanning refcount.
func (t *Table) CreateStoreIter() *StoreIter {
	t.rw.RLock()
	defer t.rw.RUnlock()
	it := &StoreIter{
		t:     t,
		segs:  make([]segment.Segment, len(t.segs)),
		bases: make([]uint64, len(t.rowNumVec)),
		total: t.rowNumVec[len(t.rowNumVec)-1],
	}
	copy(it.segs, t.segs)
	copy(it.bases, t.rowNumVec)
	for _, seg := range it.segs {
		seg.IncRef()
	}
	t.scanning.Add(1)
	return it
}

// Next yields the next live row. ok is false at the end of the scan.
func (it *StoreIter) Next(dst []byte) (id model.LID, row []byte, ok bool, err error) {
	if it.closed {
		return 0, dst, false, errors.New("store iter closed")
	}
	for it.cur < it.total {
		cur := it.cur
		it.cur++
		j := upperBound0(it.bases, cur)
		seg := it.segs[j-1]
		sub := model.SubID(cur - it.bases[j-1])
		if int(sub) >= seg.NumLogicRows() || seg.IsDeleted(sub) {
			continue
		}
		row, err = seg.GetValue(dst, sub)
		if err != nil {
			// A row can vanish between the check and the read; skip it.
			if errors.Is(err, store.ErrOutOfRange) {
				continue
			}
			return 0, dst, false, err
		}
		return model.LID(cur), row, true, nil
	}
	return 0, dst, false, nil
}

// Close unpins the snapshot.
func (it *StoreIter) Close() {
	if it.closed {
		return
	}
	it.closed = true
	for _, seg := range it.segs {
		seg.DecRef()
	}
	it.t.scanning.Add(-1)
}
