package table

import (
	"context"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/colgrove/colgrove/internal/bitvec"
	"github.com/colgrove/colgrove/internal/segment"
	"github.com/colgrove/colgrove/internal/sortvec"
	"github.com/colgrove/colgrove/internal/store"
	"github.com/colgrove/colgrove/internal/zindex"
	"github.com/colgrove/colgrove/metrics"
	"github.com/colgrove/colgrove/model"
	"github.com/colgrove/colgrove/schema"
)

// dictZipAvgLenThreshold picks the dictionary store for colgroups whose
// mean record length exceeds it.
const dictZipAvgLenThreshold = 100

// Compact converts every non-tail writable segment into a read-only
// segment. It is a no-op returning false while a table scan is live or
// the table has fewer than two segments.
func (t *Table) Compact() bool {
	if t.scanning.Load() > 0 {
		return false
	}
	t.rw.RLock()
	if len(t.segs) < 2 {
		t.rw.RUnlock()
		return false
	}
	var targets []int
	for i, seg := range t.segs[:len(t.segs)-1] {
		if _, ok := seg.(*segment.Writable); ok {
			targets = append(targets, i)
		}
	}
	t.rw.RUnlock()

	for _, i := range targets {
		if err := t.convertSegment(i); err != nil {
			t.log.Error("segment convert failed", "segIdx", i, "err", err)
			return false
		}
	}
	return true
}

// convertSegment transforms the frozen writable segment at segIdx into a
// compressed read-only segment and swaps it into the table atomically.
// Concurrent mutations are caught by the triple-drain protocol: the
// journal is drained with no lock, under the reader lock, and finally
// under the writer lock that publishes the swap.
func (t *Table) convertSegment(segIdx int) (err error) {
	start := time.Now()
	defer func() {
		if err == nil {
			metrics.Converts.Inc()
			metrics.ConvertSeconds.Observe(time.Since(start).Seconds())
		}
	}()

	// Capture the input and start journaling before snapshotting, so no
	// update between snapshot and swap can be lost.
	t.rw.RLock()
	if segIdx >= len(t.segs)-1 {
		t.rw.RUnlock()
		return nil
	}
	input, ok := t.segs[segIdx].(*segment.Writable)
	if !ok {
		t.rw.RUnlock()
		return nil
	}
	input.IncRef()
	input.EnableBookUpdates()
	t.rw.RUnlock()
	defer input.DecRef()

	snapDel := input.SnapshotIsDel()
	newDel := snapDel.Clone()

	finalDir := segDirName(t.dir, true, segIdx)
	tmpDir := finalDir + ".tmp"
	_ = t.fsy.RemoveAll(tmpDir)
	if err := t.fsy.MkdirAll(tmpDir, 0o755); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = t.fsy.RemoveAll(tmpDir)
		}
	}()

	// First pass: materialize every colgroup projection of the live rows
	// in logical order. Physical id = position in this stream.
	fixedBuilders := make(map[int]*store.FixedLenBuilder)
	temps := make(map[int]*store.SeqReadAppendonlyStore)
	defer func() {
		for _, tmp := range temps {
			_ = tmp.Close()
		}
	}()
	for _, cg := range t.sc.Colgroups {
		if cg.IndexID < 0 && cg.IsFixed() {
			fixedBuilders[cg.ID] = store.NewFixedLenBuilder(
				segment.ColgroupFilePath(tmpDir, cg.Name, store.KindFixedLen, 1, 0), cg.FixedLen)
			continue
		}
		tmp, terr := store.NewSeqAppend(filepath.Join(tmpDir, "tmp-"+cg.Name))
		if terr != nil {
			return terr
		}
		temps[cg.ID] = tmp
	}

	newRowNum := 0
	var cv schema.ColumnVec
	var cgBuf []byte
	err = input.ForEachRow(snapDel, func(sub model.SubID, row []byte) error {
		if row == nil {
			// The store lost a row the bitmap believed live.
			t.log.Warn("some data have lost", "segDir", input.Dir(), "sub", sub)
			input.SetDeleted(sub)
			newDel.Set(int(sub))
			return nil
		}
		if perr := t.sc.ParseRow(row, &cv); perr != nil {
			return perr
		}
		for _, cg := range t.sc.Colgroups {
			cgBuf = t.sc.ProjectColgroup(cgBuf[:0], cg, cv.Cols)
			var aerr error
			if fb, ok := fixedBuilders[cg.ID]; ok {
				aerr = fb.Append(cgBuf)
			} else {
				aerr = temps[cg.ID].Append(cgBuf)
			}
			if aerr != nil {
				return aerr
			}
		}
		newRowNum++
		return nil
	})
	if err != nil {
		return err
	}

	// The filter bitmap becomes is_purged when any row was dropped.
	purged := newDel.Clone()

	segMeta := &segment.SegMeta{
		Rows:      newDel.Len(),
		Colgroups: make([]segment.ColgroupMeta, len(t.sc.Colgroups)),
	}

	// Second pass: build the indexes. The index store doubles as the
	// colgroup store for its key columns.
	for i, idx := range t.sc.Indexes {
		cg := t.sc.Colgroups[i]
		cm := segment.ColgroupMeta{Name: cg.Name, Index: true, Kind: store.KindIndex}
		if newRowNum == 0 {
			cm.Kind = store.KindEmpty
		} else {
			vec := sortvec.New(int(temps[cg.ID].DataSize()))
			if err = temps[cg.ID].Iterate(func(_ int, rec []byte) error {
				vec.Push(rec)
				return nil
			}); err != nil {
				return err
			}
			zi, zerr := zindex.BuildZint(segment.IndexFilePath(tmpDir, cg.Name, store.KindIndex), vec, idx.Unique)
			if zerr != nil {
				return zerr
			}
			t.throttle(int(zi.StorageSize()))
			_ = zi.Close()
		}
		segMeta.Colgroups[cg.ID] = cm
	}

	// Third pass: build the remaining colgroup stores, one goroutine per
	// colgroup.
	var g errgroup.Group
	g.SetLimit(4)
	for _, cg := range t.sc.Colgroups {
		if cg.IndexID >= 0 {
			continue
		}
		cg := cg
		g.Go(func() error {
			cm, berr := t.buildColgroupStore(tmpDir, cg, fixedBuilders[cg.ID], temps[cg.ID], newRowNum)
			if berr != nil {
				return berr
			}
			segMeta.Colgroups[cg.ID] = cm
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}

	// The temp colgroup files live inside the staged directory; drop
	// them before it is renamed into place.
	for id, tmp := range temps {
		_ = tmp.Close()
		delete(temps, id)
	}

	// Purge bits and bitmaps, then reload the segment mmap-backed.
	if err = bitvec.WriteDelFile(bitvec.DelFileName(tmpDir), newDel); err != nil {
		return err
	}
	if purged.PopCount() > 0 {
		if err = bitvec.WritePurgedFile(bitvec.PurgedFileName(tmpDir), purged); err != nil {
			return err
		}
	}
	if err = segment.WriteSegMeta(t.fsy, tmpDir, segMeta); err != nil {
		return err
	}
	newSeg, err := segment.OpenReadOnly(t.fsy, tmpDir, t.sc)
	if err != nil {
		return err
	}

	// Triple drain. Each round is tighter than the last; the final one
	// holds the writer lock that makes the swap, so updates are
	// linearized with it.
	t.drainInto(input, newSeg)

	t.rw.RLock()
	t.drainInto(input, newSeg)
	t.rw.RUnlock()

	t.rw.Lock()
	defer t.rw.Unlock()
	t.drainInto(input, newSeg)

	if cerr := newSeg.Close(); cerr != nil {
		return cerr
	}
	if err = t.fsy.Rename(tmpDir, finalDir); err != nil {
		return err
	}
	final, err := segment.OpenReadOnly(t.fsy, finalDir, t.sc)
	if err != nil {
		return err
	}
	t.segs[segIdx] = final
	t.segArrayUpdateSeq.Add(1)
	input.SetState(model.StateToBeDeleted)
	input.MarkToBeDel()
	input.DecRef() // the table list's reference
	metrics.RowsConverted.Add(float64(newRowNum))
	return t.saveMetaLocked()
}

// drainInto replays the input's pending-update journal onto the new
// segment: deletions propagate to is_del, in-place cell updates are
// copied record by record.
func (t *Table) drainInto(input *segment.Writable, newSeg *segment.ReadOnly) {
	for _, id := range input.DrainUpdates() {
		sub := model.SubID(id)
		if input.IsDeleted(sub) {
			newSeg.SetDeleted(sub)
			continue
		}
		t.syncUpdateRecord(input, newSeg, sub)
	}
}

// syncUpdateRecord copies the fixed-length in-place updatable colgroup
// cells of one row from the convert input to the replacement segment.
func (t *Table) syncUpdateRecord(input *segment.Writable, newSeg *segment.ReadOnly, sub model.SubID) {
	for _, cgID := range t.sc.UpdatableColgroups() {
		cell := input.Cell(sub, cgID)
		if err := newSeg.UpdateCell(sub, cgID, cell); err != nil {
			// A row updated then purged mid-convert has no new cell slot.
			t.log.Warn("skipped cell sync", "sub", sub, "cg", cgID, "err", err)
		}
	}
}

// buildColgroupStore writes the read-only store for one non-index
// colgroup, choosing fixed-length, dict-zip, or chunked block
// compression.
func (t *Table) buildColgroupStore(tmpDir string, cg schema.Colgroup, fb *store.FixedLenBuilder, tmp *store.SeqReadAppendonlyStore, newRowNum int) (segment.ColgroupMeta, error) {
	cm := segment.ColgroupMeta{Name: cg.Name}
	if newRowNum == 0 {
		cm.Kind = store.KindEmpty
		return cm, nil
	}
	if fb != nil {
		st, err := fb.Finish()
		if err != nil {
			return cm, err
		}
		t.throttle(int(st.StorageSize()))
		_ = st.Close()
		cm.Kind = store.KindFixedLen
		return cm, nil
	}

	if t.cfg.UseDictZip && tmp.AvgRecordLen() > dictZipAvgLenThreshold {
		db := store.NewDictZipBuilder(segment.ColgroupFilePath(tmpDir, cg.Name, store.KindDictZip, 1, 0))
		if err := tmp.Iterate(func(_ int, rec []byte) error {
			return db.Append(rec)
		}); err != nil {
			return cm, err
		}
		st, err := db.Finish()
		if err != nil {
			return cm, err
		}
		t.throttle(int(st.StorageSize()))
		_ = st.Close()
		cm.Kind = store.KindDictZip
		return cm, nil
	}

	// Chunk by the compressing work-mem budget, one sub-store per chunk,
	// combined through a MultiPartStore when more than one.
	workMem := int(t.cfg.CompressingWorkMemSize)
	part := 0
	vec := sortvec.New(0)
	flush := func() error {
		if vec.Len() == 0 {
			return nil
		}
		path := segment.ColgroupFilePath(tmpDir, cg.Name, store.KindBlockZip, 2, part)
		st, err := store.BuildBlockZip(path, vec)
		if err != nil {
			return err
		}
		t.throttle(int(st.StorageSize()))
		_ = st.Close()
		part++
		vec.Reset()
		return nil
	}
	if err := tmp.Iterate(func(_ int, rec []byte) error {
		vec.Push(rec)
		if vec.MemSize() >= workMem {
			return flush()
		}
		return nil
	}); err != nil {
		return cm, err
	}
	if err := flush(); err != nil {
		return cm, err
	}

	cm.Kind = store.KindBlockZip
	if part <= 1 {
		// Single chunk: collapse the numbered shard to the plain name.
		from := segment.ColgroupFilePath(tmpDir, cg.Name, store.KindBlockZip, 2, 0)
		to := segment.ColgroupFilePath(tmpDir, cg.Name, store.KindBlockZip, 1, 0)
		if err := t.fsy.Rename(from, to); err != nil {
			return cm, err
		}
	} else {
		cm.Parts = part
	}
	return cm, nil
}

// throttle applies the compaction rate limit to n written bytes.
func (t *Table) throttle(n int) {
	if t.limiter == nil || n <= 0 {
		return
	}
	burst := t.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		_ = t.limiter.WaitN(context.Background(), chunk)
		n -= chunk
	}
}
