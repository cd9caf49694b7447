package segment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/colgrove/colgrove/internal/bitvec"
	"github.com/colgrove/colgrove/internal/fs"
	"github.com/colgrove/colgrove/internal/store"
	"github.com/colgrove/colgrove/internal/zindex"
	"github.com/colgrove/colgrove/model"
	"github.com/colgrove/colgrove/schema"
)

// WrtStoreFileName is the writable segment's row log.
const WrtStoreFileName = "__wrtStore__"

// unusedBitsStableReads is the spare-capacity threshold above which the
// is_del mapping cannot be reallocated by concurrent appends, making
// unlocked combine reads safe.
const unusedBitsStableReads = 100

// Writable is a tail or frozen segment backed by the append log. Frozen
// segments stop accepting appends but still serve reads and in-place
// cell updates until converted.
type Writable struct {
	base

	wrt *store.WritableRowStore

	// cells holds the in-place updatable colgroup buffers, one packed
	// fixed-width cell per logical row.
	cells map[int][]byte

	indexes []*zindex.Writable

	// deletedIDs are removed tail rows whose ids may be reused while no
	// table scan is running.
	deletedIDs *roaring.Bitmap
}

// CreateWritable initializes an empty writable segment directory.
func CreateWritable(fsy fs.FileSystem, dir string, sc *schema.Schema) (*Writable, error) {
	if err := fsy.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	isDel, err := bitvec.CreateDelFile(bitvec.DelFileName(dir), 0)
	if err != nil {
		return nil, err
	}
	return openWritable(fsy, dir, sc, isDel)
}

// OpenWritable loads a writable segment, replaying its row log and
// rebuilding the in-memory indexes and cell buffers.
func OpenWritable(fsy fs.FileSystem, dir string, sc *schema.Schema) (*Writable, error) {
	isDel, err := bitvec.OpenDelFile(bitvec.DelFileName(dir))
	if err != nil {
		return nil, err
	}
	return openWritable(fsy, dir, sc, isDel)
}

func openWritable(fsy fs.FileSystem, dir string, sc *schema.Schema, isDel *bitvec.DelFile) (*Writable, error) {
	w := &Writable{
		cells:      make(map[int][]byte),
		deletedIDs: roaring.New(),
	}
	w.base = base{dir: dir, sc: sc, fsy: fsy, isDel: isDel}
	w.refs.Store(1)
	w.SetState(model.StateWritable)

	type cellOp struct {
		id   uint32
		cg   int
		cell []byte
	}
	var replayedCells []cellOp
	wrt, err := store.OpenWritableRowStore(filepath.Join(dir, WrtStoreFileName), func(id uint32, cg int, cell []byte) {
		cp := make([]byte, len(cell))
		copy(cp, cell)
		replayedCells = append(replayedCells, cellOp{id: id, cg: cg, cell: cp})
	})
	if err != nil {
		_ = isDel.Close()
		return nil, err
	}
	w.wrt = wrt

	// Reconcile is_del with the replayed log: appends that committed to
	// the log but not to the mapped bitmap are re-pushed.
	for isDel.Len() < wrt.NumRows() {
		if err := isDel.PushBack(false); err != nil {
			return nil, w.closeWith(err)
		}
	}
	if isDel.Len() > wrt.NumRows() {
		return nil, w.closeWith(fmt.Errorf("%w: segment %s IsDel has %d rows, log has %d",
			store.ErrCorrupt, dir, isDel.Len(), wrt.NumRows()))
	}

	for _, idx := range sc.Indexes {
		w.indexes = append(w.indexes, zindex.NewWritable(idx.Unique))
	}
	for _, cgID := range sc.UpdatableColgroups() {
		w.cells[cgID] = make([]byte, sc.Colgroups[cgID].FixedLen*wrt.NumRows())
	}

	// Holes in the log are dead rows; make the bitmap agree.
	for sub := 0; sub < wrt.NumRows(); sub++ {
		if wrt.Row(uint32(sub)) == nil && !isDel.Get(sub) {
			isDel.Set(sub)
		}
		if isDel.Get(sub) {
			w.deletedIDs.Add(uint32(sub))
		}
	}
	w.delCnt = isDel.PopCount()

	// Seed cell buffers and indexes from the surviving rows, then apply
	// the journaled cell updates in log order.
	var cv schema.ColumnVec
	for sub := 0; sub < wrt.NumRows(); sub++ {
		row := wrt.Row(uint32(sub))
		if row == nil {
			continue
		}
		if err := sc.ParseRow(row, &cv); err != nil {
			return nil, w.closeWith(err)
		}
		w.fillCells(uint32(sub), cv.Cols)
		if isDel.Get(sub) {
			continue
		}
		if err := w.insertIndexKeys(uint32(sub), cv.Cols); err != nil {
			return nil, w.closeWith(err)
		}
	}
	for _, op := range replayedCells {
		if buf, ok := w.cells[op.cg]; ok {
			width := sc.Colgroups[op.cg].FixedLen
			if end := (int(op.id) + 1) * width; end <= len(buf) {
				copy(buf[int(op.id)*width:end], op.cell)
			}
		}
	}
	return w, nil
}

func (w *Writable) closeWith(err error) error {
	_ = w.Close()
	return err
}

func (w *Writable) fillCells(sub uint32, cols [][]byte) {
	for cgID := range w.cells {
		cg := w.sc.Colgroups[cgID]
		need := (int(sub) + 1) * cg.FixedLen
		buf := w.cells[cgID]
		if len(buf) < need {
			grown := make([]byte, need)
			copy(grown, buf)
			buf = grown
		}
		cell := w.sc.ProjectColgroup(nil, cg, cols)
		copy(buf[int(sub)*cg.FixedLen:need], cell)
		w.cells[cgID] = buf
	}
}

func (w *Writable) insertIndexKeys(sub uint32, cols [][]byte) error {
	for i, idx := range w.sc.Indexes {
		key := w.sc.IndexKey(nil, idx, cols)
		if err := w.indexes[i].Insert(key, sub); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writable) removeIndexKeys(sub uint32, cols [][]byte) {
	for i, idx := range w.sc.Indexes {
		key := w.sc.IndexKey(nil, idx, cols)
		w.indexes[i].Remove(key, sub)
	}
}

// IsFreezed reports whether the segment stopped accepting appends.
func (w *Writable) IsFreezed() bool {
	s := w.State()
	return s != model.StateWritable
}

// Freeze transitions the segment out of the tail role.
func (w *Writable) Freeze() {
	w.SetState(model.StateFrozen)
}

// AppendRow appends an encoded row (cols already parsed from it) and
// returns the new segment-local id. Caller holds the table writer lock.
func (w *Writable) AppendRow(row []byte, cols [][]byte, syncIndex bool) (model.SubID, error) {
	sub, err := w.wrt.Append(row)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	err = w.isDel.PushBack(false)
	if err == nil {
		w.fillCells(sub, cols)
	}
	w.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if syncIndex {
		if err := w.insertIndexKeys(sub, cols); err != nil {
			// Unique violation after the row landed: physically undo the
			// append so the store and bitmap stay aligned.
			// TODO: roll back keys already inserted into earlier indexes
			// of the same row.
			_ = w.wrt.Remove(sub)
			w.mu.Lock()
			w.isDel.Set(int(sub))
			w.delCnt++
			w.mu.Unlock()
			w.deletedIDs.Add(uint32(sub))
			return 0, err
		}
	}
	return model.SubID(sub), nil
}

// ReuseRow overwrites a previously removed row slot.
func (w *Writable) ReuseRow(sub model.SubID, row []byte, cols [][]byte, syncIndex bool) error {
	if err := w.wrt.Replace(uint32(sub), row); err != nil {
		return err
	}
	w.mu.Lock()
	w.isDel.Clear(int(sub))
	w.delCnt--
	w.fillCells(uint32(sub), cols)
	if w.bookUpd {
		w.journal.Add(uint32(sub), w.isDel.Len())
	}
	w.mu.Unlock()
	w.deletedIDs.Remove(uint32(sub))
	if syncIndex {
		return w.insertIndexKeys(uint32(sub), cols)
	}
	return nil
}

// ReplaceRow rewrites a live tail row in place.
func (w *Writable) ReplaceRow(sub model.SubID, row []byte, cols [][]byte, syncIndex bool) error {
	if syncIndex {
		if old := w.wrt.Row(uint32(sub)); old != nil {
			var cv schema.ColumnVec
			if err := w.sc.ParseRow(old, &cv); err == nil {
				w.removeIndexKeys(uint32(sub), cv.Cols)
			}
		}
	}
	if err := w.wrt.Replace(uint32(sub), row); err != nil {
		return err
	}
	w.mu.Lock()
	w.fillCells(uint32(sub), cols)
	if w.bookUpd {
		w.journal.Add(uint32(sub), w.isDel.Len())
	}
	w.mu.Unlock()
	if syncIndex {
		return w.insertIndexKeys(uint32(sub), cols)
	}
	return nil
}

// RemoveRow physically removes a tail row and remembers its id for reuse.
func (w *Writable) RemoveRow(sub model.SubID, syncIndex bool) error {
	if syncIndex {
		if old := w.wrt.Row(uint32(sub)); old != nil {
			var cv schema.ColumnVec
			if err := w.sc.ParseRow(old, &cv); err == nil {
				w.removeIndexKeys(uint32(sub), cv.Cols)
			}
		}
	}
	if err := w.wrt.Remove(uint32(sub)); err != nil {
		return err
	}
	w.mu.Lock()
	if !w.isDel.Get(int(sub)) {
		w.isDel.Set(int(sub))
		w.delCnt++
	}
	if w.bookUpd {
		w.journal.Add(uint32(sub), w.isDel.Len())
	}
	w.mu.Unlock()
	w.deletedIDs.Add(uint32(sub))
	return nil
}

// TakeDeletedID pops the smallest reusable id, if any.
func (w *Writable) TakeDeletedID() (model.SubID, bool) {
	if w.deletedIDs.IsEmpty() {
		return 0, false
	}
	id := w.deletedIDs.Minimum()
	w.deletedIDs.Remove(id)
	return model.SubID(id), true
}

// HasDeletedIDs reports whether removed tail ids await reuse.
func (w *Writable) HasDeletedIDs() bool { return !w.deletedIDs.IsEmpty() }

// UpdateCell rewrites one in-place updatable colgroup cell.
func (w *Writable) UpdateCell(sub model.SubID, cgID int, cell []byte) error {
	buf, ok := w.cells[cgID]
	if !ok {
		return fmt.Errorf("%w: colgroup %d is not in-place updatable", store.ErrOutOfRange, cgID)
	}
	width := w.sc.Colgroups[cgID].FixedLen
	if len(cell) != width {
		return fmt.Errorf("%w: cell is %d bytes, want %d", store.ErrCorrupt, len(cell), width)
	}
	if err := w.wrt.LogCellUpdate(uint32(sub), cgID, cell); err != nil {
		return err
	}
	w.mu.Lock()
	copy(buf[int(sub)*width:], cell)
	if w.bookUpd {
		w.journal.Add(uint32(sub), w.isDel.Len())
	}
	w.mu.Unlock()
	return nil
}

// Cell returns the current in-place cell of a row.
func (w *Writable) Cell(sub model.SubID, cgID int) []byte {
	width := w.sc.Colgroups[cgID].FixedLen
	buf := w.cells[cgID]
	return buf[int(sub)*width : (int(sub)+1)*width]
}

// GetValue implements the combine read path: the base record from the
// row log overlaid with the latest in-place colgroup cells.
func (w *Writable) GetValue(dst []byte, sub model.SubID) ([]byte, error) {
	if len(w.cells) == 0 {
		return w.wrt.GetValueAppend(dst, uint32(sub))
	}
	// Frozen segments and segments with stable bitmap capacity can
	// combine without the segment lock.
	lock := !w.IsFreezed() && w.isDel.Unused() < unusedBitsStableReads
	if lock {
		w.mu.RLock()
		defer w.mu.RUnlock()
	}
	return w.combine(dst, sub)
}

func (w *Writable) combine(dst []byte, sub model.SubID) ([]byte, error) {
	row := w.wrt.Row(uint32(sub))
	if row == nil {
		return dst, fmt.Errorf("%w: row %d", store.ErrOutOfRange, sub)
	}
	var cv schema.ColumnVec
	if err := w.sc.ParseRow(row, &cv); err != nil {
		return dst, err
	}
	var cellCV schema.ColumnVec
	for cgID := range w.cells {
		cg := w.sc.Colgroups[cgID]
		if err := w.sc.ParseColgroup(w.Cell(sub, cgID), cg, &cellCV); err != nil {
			return dst, err
		}
		for j, pos := range cg.Columns {
			cv.Cols[pos] = cellCV.Cols[j]
		}
	}
	return w.sc.EncodeRow(dst, cv.Cols), nil
}

// IndexSearchExactAppend searches index idx and filters deleted rows.
func (w *Writable) IndexSearchExactAppend(idx int, key []byte, dst []uint32) ([]uint32, error) {
	if idx < 0 || idx >= len(w.indexes) {
		return dst, fmt.Errorf("%w: index %d", store.ErrOutOfRange, idx)
	}
	start := len(dst)
	dst = w.indexes[idx].SearchExactAppend(key, dst)
	out := dst[:start]
	w.mu.RLock()
	for _, id := range dst[start:] {
		if !w.isDel.Get(int(id)) {
			out = append(out, id)
		}
	}
	w.mu.RUnlock()
	return out, nil
}

// Index exposes the writable index for tail-only index maintenance.
func (w *Writable) Index(idx int) *zindex.Writable { return w.indexes[idx] }

// ForEachRow visits the rows the deletion snapshot believes live, in
// logical order, with their combined encoding. A row the store can no
// longer produce is reported with a nil encoding so the caller can
// reconcile the bitmap.
func (w *Writable) ForEachRow(skip *bitvec.BitVec, fn func(sub model.SubID, row []byte) error) error {
	n := w.wrt.NumRows()
	if skip != nil && skip.Len() < n {
		n = skip.Len()
	}
	var buf []byte
	for sub := 0; sub < n; sub++ {
		if skip != nil && skip.Get(sub) {
			continue
		}
		row, err := w.GetValue(buf[:0], model.SubID(sub))
		if err != nil {
			row = nil
		} else {
			buf = row
		}
		if err := fn(model.SubID(sub), row); err != nil {
			return err
		}
	}
	return nil
}

// NumRows counts row slots including holes; equals NumLogicRows.
func (w *Writable) NumRows() int { return w.wrt.NumRows() }

func (w *Writable) DataStorageSize() int64 {
	n := w.wrt.DataSize()
	for _, buf := range w.cells {
		n += int64(len(buf))
	}
	return n
}

func (w *Writable) TotalStorageSize() int64 {
	var isDelSize int64
	if fi, err := os.Stat(bitvec.DelFileName(w.dir)); err == nil {
		isDelSize = fi.Size()
	}
	return w.wrt.StorageSize() + isDelSize
}

// Sync makes the row log durable and flushes the bitmap.
func (w *Writable) Sync() error {
	if err := w.wrt.Sync(); err != nil {
		return err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.isDel.Flush()
}

func (w *Writable) Close() error {
	err := w.wrt.Close()
	if cerr := w.isDel.Close(); err == nil {
		err = cerr
	}
	return err
}

func (w *Writable) DecRef() {
	if w.refs.Add(-1) == 0 {
		_ = w.Close()
		w.dropDir()
	}
}
