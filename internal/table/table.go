// Package table implements the composite table: an ordered list of
// segments presenting one monotonically numbered logical row space, with
// background conversion of frozen writable segments into compressed
// read-only segments and purge of logically deleted rows.
package table

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/colgrove/colgrove/internal/fs"
	"github.com/colgrove/colgrove/internal/segment"
	"github.com/colgrove/colgrove/internal/zindex"
	"github.com/colgrove/colgrove/metrics"
	"github.com/colgrove/colgrove/model"
	"github.com/colgrove/colgrove/schema"
)

// Config tunes a composite table. Zero values fall back to defaults.
type Config struct {
	// MaxWrSegSize caps the tail segment's data size; crossing it
	// rotates the tail on the next insert.
	MaxWrSegSize int64

	// ReadonlyDataMemSize bounds resident read-only data (advisory,
	// persisted for operators).
	ReadonlyDataMemSize int64

	// CompressingWorkMemSize chunks colgroup data during convert/purge.
	CompressingWorkMemSize int64

	// MaxSegNum is the pre-reserved segment capacity.
	MaxSegNum int

	// PurgeDeleteThreshold makes a read-only segment purge-eligible when
	// delCnt/rows reaches it.
	PurgeDeleteThreshold float64

	// UseDictZip enables the dictionary-compressed store for long
	// records.
	UseDictZip bool

	// AutoConvert runs the background convert/purge driver.
	AutoConvert bool

	// CompactionRate throttles convert/purge write throughput in
	// bytes/sec. 0 means unlimited.
	CompactionRate rate.Limit

	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.MaxWrSegSize <= 0 {
		c.MaxWrSegSize = 64 << 20
	}
	if c.ReadonlyDataMemSize <= 0 {
		c.ReadonlyDataMemSize = 256 << 20
	}
	if c.CompressingWorkMemSize <= 0 {
		c.CompressingWorkMemSize = 16 << 20
	}
	if c.MaxSegNum <= 0 {
		c.MaxSegNum = 4096
	}
	if c.PurgeDeleteThreshold <= 0 {
		c.PurgeDeleteThreshold = 0.35
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Table is the composite table controller.
type Table struct {
	dir  string
	name string
	fsy  fs.FileSystem
	sc   *schema.Schema
	cfg  Config
	log  *slog.Logger

	// rw is the table's primary reader/writer lock. Readers cover the
	// row read paths and the snapshot phases of convert/purge; writers
	// cover tail rotation, the mutating critical sections and the final
	// convert/purge swap.
	rw sync.RWMutex

	segs      []segment.Segment
	rowNumVec []uint64
	tail      *segment.Writable

	scanning          atomic.Int64
	segArrayUpdateSeq atomic.Uint64

	limiter *rate.Limiter

	convertCh chan struct{}
	closeCh   chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// CreateTable initializes the on-disk layout under dir/name with an
// empty tail writable segment.
func CreateTable(dir, name string, sc *schema.Schema, cfg Config) (*Table, error) {
	cfg.withDefaults()
	t := &Table{
		dir:  dir + "/" + name,
		name: name,
		fsy:  fs.Default,
		sc:   sc,
		cfg:  cfg,
		log:  cfg.Logger.With("table", name),
	}
	if _, err := os.Stat(t.dir + "/" + DBMetaFileName); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, t.dir)
	}
	if err := t.fsy.MkdirAll(t.dir, 0o755); err != nil {
		return nil, err
	}
	if entries, err := t.fsy.ReadDir(t.dir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				return nil, fmt.Errorf("%w: %s has segment directories", ErrAlreadyInitialized, t.dir)
			}
		}
	}

	tail, err := segment.CreateWritable(t.fsy, segDirName(t.dir, false, 0), sc)
	if err != nil {
		return nil, err
	}
	t.segs = []segment.Segment{tail}
	t.tail = tail
	t.rowNumVec = []uint64{0, 0}
	if err := t.saveMetaLocked(); err != nil {
		tail.DecRef()
		return nil, err
	}
	t.start()
	return t, nil
}

// OpenTable loads a table from its persisted metadata.
func OpenTable(dir, name string, cfg Config) (*Table, error) {
	tableDir := dir + "/" + name
	meta, err := readDBMeta(tableDir)
	if err != nil {
		return nil, err
	}
	sc, err := parseSchemaMeta(meta)
	if err != nil {
		return nil, err
	}
	cfg.MaxWrSegSize = meta.MaxWrSegSize
	cfg.ReadonlyDataMemSize = meta.ReadonlyDataMemSize
	cfg.withDefaults()

	t := &Table{
		dir:  tableDir,
		name: name,
		fsy:  fs.Default,
		sc:   sc,
		cfg:  cfg,
		log:  cfg.Logger.With("table", name),
	}

	for i := 0; i < meta.TotalSegNum; i++ {
		var seg segment.Segment
		if i < meta.MinWrSeg {
			seg, err = segment.OpenReadOnly(t.fsy, segDirName(tableDir, true, i), sc)
		} else {
			seg, err = segment.OpenWritable(t.fsy, segDirName(tableDir, false, i), sc)
		}
		if err != nil {
			for _, s := range t.segs {
				s.DecRef()
			}
			return nil, err
		}
		t.segs = append(t.segs, seg)
	}

	t.rowNumVec = make([]uint64, 1, len(t.segs)+2)
	for _, seg := range t.segs {
		t.rowNumVec = append(t.rowNumVec, t.rowNumVec[len(t.rowNumVec)-1]+uint64(seg.NumLogicRows()))
	}

	// Adopt the last segment as the tail if it is writable and has room;
	// otherwise start a fresh tail and duplicate the prefix-sum entry so
	// it begins empty without disturbing earlier bounds.
	adopted := false
	if n := len(t.segs); n > 0 {
		if w, ok := t.segs[n-1].(*segment.Writable); ok && w.DataStorageSize() < cfg.MaxWrSegSize {
			t.tail = w
			w.SetState(model.StateWritable)
			adopted = true
		}
	}
	for i, seg := range t.segs {
		if w, ok := seg.(*segment.Writable); ok {
			if !adopted || i != len(t.segs)-1 {
				w.Freeze()
			}
		}
	}
	if !adopted {
		tail, err := segment.CreateWritable(t.fsy, segDirName(tableDir, false, len(t.segs)), sc)
		if err != nil {
			for _, s := range t.segs {
				s.DecRef()
			}
			return nil, err
		}
		t.segs = append(t.segs, tail)
		t.tail = tail
		t.rowNumVec = append(t.rowNumVec, t.rowNumVec[len(t.rowNumVec)-1])
		if err := t.saveMetaLocked(); err != nil {
			for _, s := range t.segs {
				s.DecRef()
			}
			return nil, err
		}
	}
	t.start()
	return t, nil
}

func (t *Table) start() {
	if t.cfg.CompactionRate > 0 {
		t.limiter = rate.NewLimiter(t.cfg.CompactionRate, int(t.cfg.CompactionRate))
	}
	t.convertCh = make(chan struct{}, 1)
	t.closeCh = make(chan struct{})
	if t.cfg.AutoConvert {
		t.wg.Add(1)
		go t.backgroundLoop()
	}
}

// Schema returns the table's row schema.
func (t *Table) Schema() *schema.Schema { return t.sc }

// Dir returns the table directory.
func (t *Table) Dir() string { return t.dir }

// saveMetaLocked persists dbmeta; caller holds the writer lock (or is
// single-threaded during open).
func (t *Table) saveMetaLocked() error {
	minWr := len(t.segs)
	for i, seg := range t.segs {
		if _, ok := seg.(*segment.Writable); ok {
			minWr = i
			break
		}
	}
	return writeDBMeta(t.fsy, t.dir, &dbMeta{
		TotalSegNum:         len(t.segs),
		MinWrSeg:            minWr,
		MaxWrSegSize:        t.cfg.MaxWrSegSize,
		ReadonlyDataMemSize: t.cfg.ReadonlyDataMemSize,
		RowSchema:           t.sc.MarshalTSV(),
		TableIndex:          t.sc.MarshalIndexTSV(),
	})
}

// upperBound0 returns the first index whose prefix sum exceeds id.
func upperBound0(vec []uint64, id uint64) int {
	return sort.Search(len(vec), func(i int) bool { return vec[i] > id })
}

// locateLocked resolves a LID to its owning segment. Caller holds rw.
func (t *Table) locateLocked(id model.LID) (segIdx int, sub model.SubID, err error) {
	total := t.rowNumVec[len(t.rowNumVec)-1]
	if uint64(id) >= total {
		return 0, 0, fmt.Errorf("%w: row id %d of %d", ErrInvalidArgument, id, total)
	}
	j := upperBound0(t.rowNumVec, uint64(id))
	if j == 0 || j > len(t.segs) {
		logicPanic("row_num_vec dispatch for id %d gave %d", id, j)
	}
	return j - 1, model.SubID(uint64(id) - t.rowNumVec[j-1]), nil
}

// NumDataRows counts live rows under a reader lock.
func (t *Table) NumDataRows() uint64 {
	t.rw.RLock()
	defer t.rw.RUnlock()
	total := t.rowNumVec[len(t.rowNumVec)-1]
	for _, seg := range t.segs {
		total -= uint64(seg.DelCount())
	}
	return total
}

// TotalStorageSize sums every segment's on-disk footprint.
func (t *Table) TotalStorageSize() int64 {
	t.rw.RLock()
	defer t.rw.RUnlock()
	var n int64
	for _, seg := range t.segs {
		n += seg.TotalStorageSize()
	}
	return n
}

// DataStorageSize sums inflated data sizes.
func (t *Table) DataStorageSize() int64 {
	t.rw.RLock()
	defer t.rw.RUnlock()
	var n int64
	for _, seg := range t.segs {
		n += seg.DataStorageSize()
	}
	return n
}

// SegmentCount returns the number of segments, tail included.
func (t *Table) SegmentCount() int {
	t.rw.RLock()
	defer t.rw.RUnlock()
	return len(t.segs)
}

// GetValue reads the row encoding of a live row.
func (t *Table) GetValue(id model.LID, dst []byte, ctx *Context) ([]byte, error) {
	if t.closed.Load() {
		return dst, ErrClosed
	}
	t.rw.RLock()
	defer t.rw.RUnlock()
	segIdx, sub, err := t.locateLocked(id)
	if err != nil {
		return dst, err
	}
	seg := t.segs[segIdx]
	if seg.IsDeleted(sub) {
		return dst, fmt.Errorf("%w: row %d", ErrNotFound, id)
	}
	return seg.GetValue(dst, sub)
}

// InsertRow appends a row to the tail, rotating it first if full, and
// returns the new LID.
func (t *Table) InsertRow(row []byte, syncIndex bool, ctx *Context) (model.LID, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}
	if ctx == nil {
		ctx = t.NewContext()
	}
	// Tail rotation check under the reader lock; upgrade on demand.
	t.rw.RLock()
	rotate := t.tail.DataStorageSize() >= t.cfg.MaxWrSegSize
	t.rw.RUnlock()
	if rotate {
		t.rw.Lock()
		if t.tail.DataStorageSize() >= t.cfg.MaxWrSegSize {
			if err := t.rotateTailLocked(); err != nil {
				t.rw.Unlock()
				return 0, err
			}
		}
		t.rw.Unlock()
	}

	ctx.reset()
	if err := t.sc.ParseRow(row, &ctx.cols1); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	t.rw.Lock()
	defer t.rw.Unlock()
	return t.insertRowLocked(row, ctx.cols1.Cols, syncIndex)
}

func (t *Table) insertRowLocked(row []byte, cols [][]byte, syncIndex bool) (model.LID, error) {
	tailBase := t.rowNumVec[len(t.rowNumVec)-2]

	// Reuse a removed tail id only while no scan could observe the
	// renumbering.
	if t.scanning.Load() == 0 && t.tail.HasDeletedIDs() {
		if sub, ok := t.tail.TakeDeletedID(); ok {
			if err := t.tail.ReuseRow(sub, row, cols, syncIndex); err != nil {
				return 0, err
			}
			return model.LID(tailBase + uint64(sub)), nil
		}
	}

	sub, err := t.tail.AppendRow(row, cols, syncIndex)
	// The logical slot exists even when the insert failed after landing
	// (unique-key rollback leaves a deleted hole), so the prefix sum
	// tracks the log's row count unconditionally.
	t.rowNumVec[len(t.rowNumVec)-1] = tailBase + uint64(t.tail.NumRows())
	if err != nil {
		return 0, err
	}
	return model.LID(tailBase + uint64(sub)), nil
}

// rotateTailLocked freezes the current tail and installs a fresh one.
func (t *Table) rotateTailLocked() error {
	if len(t.segs)+1 > t.cfg.MaxSegNum {
		return fmt.Errorf("%w: %d segments reserved", ErrTooManySegments, t.cfg.MaxSegNum)
	}
	tail, err := segment.CreateWritable(t.fsy, segDirName(t.dir, false, len(t.segs)), t.sc)
	if err != nil {
		return err
	}
	t.tail.Freeze()
	t.segs = append(t.segs, tail)
	t.tail = tail
	// Duplicate the last prefix-sum entry: the new tail starts empty and
	// readers that captured the old bounds stay consistent.
	t.rowNumVec = append(t.rowNumVec, t.rowNumVec[len(t.rowNumVec)-1])
	t.segArrayUpdateSeq.Add(1)
	metrics.TailRotations.Inc()
	if err := t.saveMetaLocked(); err != nil {
		return err
	}
	t.signalConvert()
	return nil
}

// ReplaceRow updates a row. A tail row is rewritten in place and keeps
// its LID; a frozen row is deleted and re-inserted into the tail,
// returning the new LID.
func (t *Table) ReplaceRow(id model.LID, row []byte, syncIndex bool, ctx *Context) (model.LID, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}
	if ctx == nil {
		ctx = t.NewContext()
	}
	ctx.reset()
	if err := t.sc.ParseRow(row, &ctx.cols1); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	t.rw.Lock()
	defer t.rw.Unlock()
	segIdx, sub, err := t.locateLocked(id)
	if err != nil {
		return 0, err
	}
	seg := t.segs[segIdx]
	if seg.IsDeleted(sub) {
		return 0, fmt.Errorf("%w: row %d", ErrNotFound, id)
	}
	if segIdx == len(t.segs)-1 {
		if err := t.tail.ReplaceRow(sub, row, ctx.cols1.Cols, syncIndex); err != nil {
			return 0, err
		}
		return id, nil
	}
	t.setDeletedLocked(seg, sub)
	return t.insertRowLocked(row, ctx.cols1.Cols, syncIndex)
}

// RemoveRow deletes a row: physically in the tail, logically elsewhere.
func (t *Table) RemoveRow(id model.LID, syncIndex bool, ctx *Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.rw.Lock()
	defer t.rw.Unlock()
	segIdx, sub, err := t.locateLocked(id)
	if err != nil {
		return err
	}
	seg := t.segs[segIdx]
	if seg.IsDeleted(sub) {
		return fmt.Errorf("%w: row %d", ErrNotFound, id)
	}
	if segIdx == len(t.segs)-1 {
		return t.tail.RemoveRow(sub, syncIndex)
	}
	t.setDeletedLocked(seg, sub)
	return nil
}

func (t *Table) setDeletedLocked(seg segment.Segment, sub model.SubID) {
	type deleter interface {
		SetDeleted(model.SubID) bool
	}
	if d, ok := seg.(deleter); ok {
		d.SetDeleted(sub)
		return
	}
	logicPanic("segment %s cannot mark deletions", seg.Dir())
}

// UpdateColumn rewrites one column of a row in place. The column must
// belong to an in-place updatable colgroup; rows in read-only and frozen
// segments are updated without rewriting the row.
func (t *Table) UpdateColumn(id model.LID, colName string, val []byte, ctx *Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	pos, ok := t.sc.ColPos(colName)
	if !ok {
		return fmt.Errorf("%w: unknown column %q", ErrInvalidArgument, colName)
	}
	cgID, subCol := t.sc.ColgroupOf(pos)
	cg := t.sc.Colgroups[cgID]
	if !cg.Updatable {
		return fmt.Errorf("%w: column %q is not in-place updatable", ErrInvalidArgument, colName)
	}
	if len(val) != t.sc.Columns[pos].FixedLen {
		return fmt.Errorf("%w: value for %q is %d bytes, want %d",
			ErrInvalidArgument, colName, len(val), t.sc.Columns[pos].FixedLen)
	}

	t.rw.Lock()
	defer t.rw.Unlock()
	segIdx, sub, err := t.locateLocked(id)
	if err != nil {
		return err
	}
	seg := t.segs[segIdx]
	if seg.IsDeleted(sub) {
		return fmt.Errorf("%w: row %d", ErrNotFound, id)
	}

	// Read-modify-write the whole cell.
	var cell []byte
	switch s := seg.(type) {
	case *segment.Writable:
		cell = append(cell, s.Cell(sub, cgID)...)
	case *segment.ReadOnly:
		cell, err = s.Cell(sub, cgID)
		if err != nil {
			return err
		}
	}
	// Patch the column's slice within the fixed cell.
	off := 0
	for j, p := range cg.Columns {
		if j == subCol {
			break
		}
		off += t.sc.Columns[p].FixedLen
	}
	copy(cell[off:off+len(val)], val)

	switch s := seg.(type) {
	case *segment.Writable:
		return s.UpdateCell(sub, cgID, cell)
	case *segment.ReadOnly:
		return s.UpdateCell(sub, cgID, cell)
	}
	return nil
}

// tailBaseLocked is the LID of the tail's first row slot.
func (t *Table) tailBaseLocked() uint64 {
	return t.rowNumVec[len(t.rowNumVec)-2]
}

// IndexInsert adds (key, id) to a tail index. Rows outside the tail are
// rejected; frozen index data is immutable until convert.
func (t *Table) IndexInsert(indexID int, key []byte, id model.LID, ctx *Context) error {
	return t.tailIndexOp(indexID, id, func(w *zindex.Writable, sub uint32) error {
		return w.Insert(key, sub)
	})
}

// IndexRemove drops (key, id) from a tail index.
func (t *Table) IndexRemove(indexID int, key []byte, id model.LID, ctx *Context) error {
	return t.tailIndexOp(indexID, id, func(w *zindex.Writable, sub uint32) error {
		w.Remove(key, sub)
		return nil
	})
}

// IndexReplace rebinds a key to a new tail row id.
func (t *Table) IndexReplace(indexID int, key []byte, oldID, newID model.LID, ctx *Context) error {
	return t.tailIndexOp(indexID, oldID, func(w *zindex.Writable, oldSub uint32) error {
		t2 := t.tailBaseLocked()
		if uint64(newID) < t2 {
			return fmt.Errorf("%w: row %d is not in the tail segment", ErrInvalidArgument, newID)
		}
		w.Replace(key, oldSub, uint32(uint64(newID)-t2))
		return nil
	})
}

func (t *Table) tailIndexOp(indexID int, id model.LID, op func(*zindex.Writable, uint32) error) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.rw.Lock()
	defer t.rw.Unlock()
	if indexID < 0 || indexID >= len(t.sc.Indexes) {
		return fmt.Errorf("%w: index %d", ErrInvalidArgument, indexID)
	}
	base := t.tailBaseLocked()
	if uint64(id) < base {
		return fmt.Errorf("%w: row %d is not in the tail segment", ErrInvalidArgument, id)
	}
	sub := uint64(id) - base
	if sub >= uint64(t.tail.NumRows()) {
		return fmt.Errorf("%w: row %d beyond tail", ErrInvalidArgument, id)
	}
	return op(t.tail.Index(indexID), uint32(sub))
}

// IndexSearchExact finds the LIDs matching key across every segment.
func (t *Table) IndexSearchExact(indexID int, key []byte, ctx *Context) ([]model.LID, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if indexID < 0 || indexID >= len(t.sc.Indexes) {
		return nil, fmt.Errorf("%w: index %d", ErrInvalidArgument, indexID)
	}
	if ctx == nil {
		ctx = t.NewContext()
	}
	t.rw.RLock()
	defer t.rw.RUnlock()
	var out []model.LID
	for i, seg := range t.segs {
		ctx.ids = ctx.ids[:0]
		ids, err := seg.IndexSearchExactAppend(indexID, key, ctx.ids)
		if err != nil {
			return nil, err
		}
		base := t.rowNumVec[i]
		for _, sub := range ids {
			out = append(out, model.LID(base+uint64(sub)))
		}
	}
	return out, nil
}

// signalConvert nudges the background driver.
func (t *Table) signalConvert() {
	if t.convertCh == nil {
		return
	}
	select {
	case t.convertCh <- struct{}{}:
	default:
	}
}

// Sync makes the tail durable, including the tail's is_del bitmap. The
// is_del bitmaps of other segments are not flushed here.
func (t *Table) Sync() error {
	t.rw.RLock()
	defer t.rw.RUnlock()
	return t.tail.Sync()
}

// Close stops background work and releases every segment.
func (t *Table) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.closeCh)
	t.wg.Wait()

	t.rw.Lock()
	defer t.rw.Unlock()
	err := t.tail.Sync()
	for _, seg := range t.segs {
		seg.DecRef()
	}
	t.segs = nil
	return err
}

// Drop closes the table and removes its directory.
func (t *Table) Drop() error {
	if !t.closed.CompareAndSwap(false, true) {
		return errors.New("table already closed")
	}
	close(t.closeCh)
	t.wg.Wait()

	t.rw.Lock()
	defer t.rw.Unlock()
	for _, seg := range t.segs {
		seg.MarkToBeDel()
		seg.DecRef()
	}
	t.segs = nil
	return t.fsy.RemoveAll(t.dir)
}
