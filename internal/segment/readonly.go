package segment

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/colgrove/colgrove/internal/bitvec"
	"github.com/colgrove/colgrove/internal/fs"
	"github.com/colgrove/colgrove/internal/store"
	"github.com/colgrove/colgrove/internal/zindex"
	"github.com/colgrove/colgrove/model"
	"github.com/colgrove/colgrove/schema"
)

// ReadOnly is a compressed immutable-data segment. Only is_del, the
// pending-update journal and the in-place updatable colgroup cells stay
// mutable; is_purged translates logical to physical ids.
type ReadOnly struct {
	base

	stores   []store.Readable // one per colgroup; index groups alias indexes
	indexes  []zindex.Readable
	isPurged *bitvec.PurgedBits

	purgeStatus atomic.Int32
}

// OpenReadOnly loads a read-only segment directory described by its
// segmeta.
func OpenReadOnly(fsy fs.FileSystem, dir string, sc *schema.Schema) (*ReadOnly, error) {
	meta, err := ReadSegMeta(dir)
	if err != nil {
		return nil, err
	}
	isDel, err := bitvec.OpenDelFile(bitvec.DelFileName(dir))
	if err != nil {
		return nil, err
	}
	r := &ReadOnly{}
	r.base = base{dir: dir, sc: sc, fsy: fsy, isDel: isDel}
	r.refs.Store(1)
	r.SetState(model.StateReadOnly)
	r.delCnt = isDel.PopCount()

	if _, err := os.Stat(bitvec.PurgedFileName(dir)); err == nil {
		r.isPurged, err = bitvec.ReadPurgedFile(bitvec.PurgedFileName(dir))
		if err != nil {
			_ = isDel.Close()
			return nil, err
		}
		if r.isPurged.Len() != isDel.Len() {
			_ = isDel.Close()
			return nil, fmt.Errorf("%w: segment %s IsPurged has %d bits, IsDel %d",
				store.ErrCorrupt, dir, r.isPurged.Len(), isDel.Len())
		}
	}

	if len(meta.Colgroups) != len(sc.Colgroups) {
		_ = isDel.Close()
		return nil, fmt.Errorf("%w: segment %s has %d colgroups, schema %d",
			store.ErrCorrupt, dir, len(meta.Colgroups), len(sc.Colgroups))
	}

	r.stores = make([]store.Readable, len(sc.Colgroups))
	r.indexes = make([]zindex.Readable, len(sc.Indexes))
	for i, cg := range sc.Colgroups {
		cm := meta.Colgroups[i]
		if cg.IndexID >= 0 {
			var idx zindex.Readable
			if cm.Kind == store.KindEmpty {
				idx = zindex.NewEmptyIndexStore(sc.Indexes[cg.IndexID].Unique)
			} else {
				idx, err = zindex.OpenZint(IndexFilePath(dir, cg.Name, cm.Kind))
			}
			if err != nil {
				_ = r.closeOpened()
				return nil, err
			}
			r.indexes[cg.IndexID] = idx
			r.stores[i] = idx
			continue
		}
		var st store.Readable
		switch {
		case cm.Parts > 1:
			parts := make([]store.Readable, cm.Parts)
			for p := range parts {
				parts[p], err = store.Open(cm.Kind, ColgroupFilePath(dir, cg.Name, cm.Kind, cm.Parts, p))
				if err != nil {
					break
				}
			}
			if err == nil {
				st = store.NewMultiPart(parts)
			}
		case cg.Updatable && cm.Kind == store.KindFixedLen:
			st, err = store.OpenFixedLenWritable(ColgroupFilePath(dir, cg.Name, cm.Kind, 1, 0))
		case cm.Kind == store.KindEmpty:
			st = store.NewEmpty()
		default:
			st, err = store.Open(cm.Kind, ColgroupFilePath(dir, cg.Name, cm.Kind, 1, 0))
		}
		if err != nil {
			_ = r.closeOpened()
			return nil, err
		}
		r.stores[i] = st
	}
	return r, nil
}

func (r *ReadOnly) closeOpened() error {
	for _, st := range r.stores {
		if st != nil {
			_ = st.Close()
		}
	}
	return r.isDel.Close()
}

// PurgeStatus returns the purge pipeline state.
func (r *ReadOnly) PurgeStatus() model.PurgeStatus {
	return model.PurgeStatus(r.purgeStatus.Load())
}

func (r *ReadOnly) SetPurgeStatus(s model.PurgeStatus) {
	r.purgeStatus.Store(int32(s))
}

// HasPurged reports whether the segment carries purge translation.
func (r *ReadOnly) HasPurged() bool { return r.isPurged != nil }

// PhysicalID translates a logical id to the dense store index.
func (r *ReadOnly) PhysicalID(sub model.SubID) (model.PhysicalID, bool) {
	if r.isPurged == nil {
		return model.PhysicalID(sub), true
	}
	if r.isPurged.Get(int(sub)) {
		return 0, false
	}
	return model.PhysicalID(r.isPurged.Rank0(int(sub))), true
}

// LogicalID translates a physical store index back to the logical id.
func (r *ReadOnly) LogicalID(phys model.PhysicalID) model.SubID {
	if r.isPurged == nil {
		return model.SubID(phys)
	}
	return model.SubID(r.isPurged.Select0(int(phys)))
}

// GetValue reassembles a row from its colgroup stores.
func (r *ReadOnly) GetValue(dst []byte, sub model.SubID) ([]byte, error) {
	phys, ok := r.PhysicalID(sub)
	if !ok {
		return dst, fmt.Errorf("%w: row %d purged", store.ErrOutOfRange, sub)
	}
	rowCols := make([][]byte, len(r.sc.Columns))
	var scratch []byte
	var cv schema.ColumnVec
	for i, cg := range r.sc.Colgroups {
		start := len(scratch)
		var err error
		scratch, err = r.stores[i].GetValueAppend(scratch, int(phys))
		if err != nil {
			return dst, err
		}
		if err := r.sc.ParseColgroup(scratch[start:], cg, &cv); err != nil {
			return dst, err
		}
		for j, pos := range cg.Columns {
			rowCols[pos] = cv.Cols[j]
		}
	}
	return r.sc.EncodeRow(dst, rowCols), nil
}

// SelectColumnsAppend projects a subset of columns, touching only the
// colgroups that contribute to the projection.
func (r *ReadOnly) SelectColumnsAppend(dst []byte, sub model.SubID, positions []int) ([]byte, error) {
	phys, ok := r.PhysicalID(sub)
	if !ok {
		return dst, fmt.Errorf("%w: row %d purged", store.ErrOutOfRange, sub)
	}
	needed := make(map[int]bool)
	for _, pos := range positions {
		cgID, _ := r.sc.ColgroupOf(pos)
		needed[cgID] = true
	}
	rowCols := make([][]byte, len(r.sc.Columns))
	var scratch []byte
	var cv schema.ColumnVec
	for i, cg := range r.sc.Colgroups {
		if !needed[i] {
			continue
		}
		start := len(scratch)
		var err error
		scratch, err = r.stores[i].GetValueAppend(scratch, int(phys))
		if err != nil {
			return dst, err
		}
		if err := r.sc.ParseColgroup(scratch[start:], cg, &cv); err != nil {
			return dst, err
		}
		for j, pos := range cg.Columns {
			rowCols[pos] = cv.Cols[j]
		}
	}
	for _, pos := range positions {
		dst = append(dst, rowCols[pos]...)
	}
	return dst, nil
}

// SelectOneColumnAppend projects a single column.
func (r *ReadOnly) SelectOneColumnAppend(dst []byte, sub model.SubID, pos int) ([]byte, error) {
	return r.SelectColumnsAppend(dst, sub, []int{pos})
}

// IndexSearchExactAppend searches index idx, translating physical hits to
// logical ids and filtering deleted rows.
func (r *ReadOnly) IndexSearchExactAppend(idx int, key []byte, dst []uint32) ([]uint32, error) {
	if idx < 0 || idx >= len(r.indexes) {
		return dst, fmt.Errorf("%w: index %d", store.ErrOutOfRange, idx)
	}
	start := len(dst)
	dst = r.indexes[idx].SearchExactAppend(key, dst)
	out := dst[:start]
	r.mu.RLock()
	for _, phys := range dst[start:] {
		sub := r.LogicalID(model.PhysicalID(phys))
		if !r.isDel.Get(int(sub)) {
			out = append(out, uint32(sub))
		}
	}
	r.mu.RUnlock()
	return out, nil
}

// Index exposes a readable index for iteration.
func (r *ReadOnly) Index(idx int) zindex.Readable { return r.indexes[idx] }

// Store exposes a colgroup store (purge rebuild input).
func (r *ReadOnly) Store(cgID int) store.Readable { return r.stores[cgID] }

// IsPurgedBits exposes the purge bitmap (may be nil).
func (r *ReadOnly) IsPurgedBits() *bitvec.PurgedBits { return r.isPurged }

// UpdateCell rewrites one in-place updatable colgroup cell at a logical
// id, journaling when book_updates is on.
func (r *ReadOnly) UpdateCell(sub model.SubID, cgID int, cell []byte) error {
	cg := r.sc.Colgroups[cgID]
	if !cg.Updatable {
		return fmt.Errorf("%w: colgroup %d is not in-place updatable", store.ErrOutOfRange, cgID)
	}
	fx, ok := r.stores[cgID].(*store.FixedLenStore)
	if !ok {
		return fmt.Errorf("%w: colgroup %d store is %s, want fixlen", store.ErrCorrupt, cgID, r.stores[cgID].Kind())
	}
	phys, live := r.PhysicalID(sub)
	if !live {
		return fmt.Errorf("%w: row %d purged", store.ErrOutOfRange, sub)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := fx.Set(int(phys), cell); err != nil {
		return err
	}
	if r.bookUpd {
		r.journal.Add(uint32(sub), r.isDel.Len())
	}
	return nil
}

// Cell reads one in-place updatable cell.
func (r *ReadOnly) Cell(sub model.SubID, cgID int) ([]byte, error) {
	phys, live := r.PhysicalID(sub)
	if !live {
		return nil, fmt.Errorf("%w: row %d purged", store.ErrOutOfRange, sub)
	}
	return r.stores[cgID].GetValueAppend(nil, int(phys))
}

func (r *ReadOnly) DataStorageSize() int64 {
	var n int64
	for _, st := range r.stores {
		n += st.DataSize()
	}
	return n
}

func (r *ReadOnly) TotalStorageSize() int64 {
	var n int64
	for _, st := range r.stores {
		n += st.StorageSize()
	}
	if fi, err := os.Stat(bitvec.DelFileName(r.dir)); err == nil {
		n += fi.Size()
	}
	if fi, err := os.Stat(bitvec.PurgedFileName(r.dir)); err == nil {
		n += fi.Size()
	}
	return n
}

func (r *ReadOnly) Close() error {
	// Index stores appear once in stores; closing stores covers both.
	var err error
	for _, st := range r.stores {
		if cerr := st.Close(); err == nil {
			err = cerr
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cerr := r.isDel.Flush(); err == nil {
		err = cerr
	}
	if cerr := r.isDel.Close(); err == nil {
		err = cerr
	}
	return err
}

func (r *ReadOnly) DecRef() {
	if r.refs.Add(-1) == 0 {
		_ = r.Close()
		r.dropDir()
	}
}
