package table

import (
	"fmt"
	"os"
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

// PurgeDeletedRows rewrites every read-only segment whose deleted-row
// fraction reached the purge threshold, compacting its physical and
// logical id spaces. No-op while a table scan is live (purge renumbers
// LIDs).
func (t *Table) PurgeDeletedRows() bool {
	if t.scanning.Load() > 0 {
		return false
	}
	t.rw.RLock()
	var targets []int
	for i, seg := range t.segs {
		r, ok := seg.(*segment.ReadOnly)
		if !ok || seg.NumLogicRows() == 0 {
			continue
		}
		if float64(r.DelCount())/float64(r.NumLogicRows()) >= t.cfg.PurgeDeleteThreshold {
			targets = append(targets, i)
		}
	}
	t.rw.RUnlock()

	for _, i := range targets {
		if err := t.purgeSegment(i); err != nil {
			t.log.Error("segment purge failed", "segIdx", i, "err", err)
			return false
		}
	}
	return len(targets) > 0
}

// purgeSegment rebuilds the read-only segment at segIdx without its
// logically deleted rows and swaps it in with the same triple-drain
// protocol as convert. The input directory is kept as a .backup-N
// sibling until the last reference drops.
func (t *Table) purgeSegment(segIdx int) (err error) {
	start := time.Now()
	defer func() {
		if err == nil {
			metrics.Purges.Inc()
			metrics.PurgeSeconds.Observe(time.Since(start).Seconds())
		}
	}()

	t.rw.Lock()
	if segIdx >= len(t.segs) {
		t.rw.Unlock()
		return nil
	}
	input, ok := t.segs[segIdx].(*segment.ReadOnly)
	if !ok {
		t.rw.Unlock()
		return nil
	}
	if input.PurgeStatus() == model.PurgePurging {
		t.rw.Unlock()
		return nil
	}
	input.SetPurgeStatus(model.PurgePurging)
	input.IncRef()
	input.EnableBookUpdates()
	t.rw.Unlock()
	defer input.DecRef()

	snapDel := input.SnapshotIsDel()
	delCnt := snapDel.PopCount()

	// dropSet marks the old logical ids absent from the new segment:
	// rows already purged plus rows deleted in the snapshot. The old ->
	// new logical id mapping is rank0 over it.
	dropSet := snapDel.Clone()
	oldPurged := input.IsPurgedBits()
	if oldPurged != nil {
		dropSet.Or(oldPurged.Bits())
	}
	remap := bitvec.BuildRankSelect0(dropSet)
	newRows := remap.MaxRank0()

	finalDir := input.Dir()
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

	segMeta := &segment.SegMeta{
		Rows:      newRows,
		Colgroups: make([]segment.ColgroupMeta, len(t.sc.Colgroups)),
	}

	// Rebuild each index by scanning the input's index store filtered by
	// the drop set; emit an empty store when everything died.
	for i, idx := range t.sc.Indexes {
		cg := t.sc.Colgroups[i]
		cm := segment.ColgroupMeta{Name: cg.Name, Index: true, Kind: store.KindIndex}
		if newRows == 0 {
			cm.Kind = store.KindEmpty
			segMeta.Colgroups[cg.ID] = cm
			continue
		}
		src := input.Store(cg.ID)
		vec := sortvec.New(int(src.DataSize()))
		var keyBuf []byte
		for phys := 0; phys < src.NumDataRows(); phys++ {
			oldSub := input.LogicalID(model.PhysicalID(phys))
			if snapDel.Get(int(oldSub)) {
				continue
			}
			keyBuf = keyBuf[:0]
			keyBuf, err = src.GetValueAppend(keyBuf, phys)
			if err != nil {
				return err
			}
			vec.Push(keyBuf)
		}
		zi, zerr := zindex.BuildZint(segment.IndexFilePath(tmpDir, cg.Name, store.KindIndex), vec, idx.Unique)
		if zerr != nil {
			return zerr
		}
		t.throttle(int(zi.StorageSize()))
		_ = zi.Close()
		segMeta.Colgroups[cg.ID] = cm
	}

	// Rebuild the remaining colgroups, walking rows in logical order and
	// skipping already-purged and newly dead rows.
	var g errgroup.Group
	g.SetLimit(4)
	for _, cg := range t.sc.Colgroups {
		if cg.IndexID >= 0 {
			continue
		}
		cg := cg
		g.Go(func() error {
			cm, berr := t.rebuildColgroup(tmpDir, input, cg, snapDel, newRows)
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

	// The new segment starts with a clean bitmap: deletions during the
	// purge arrive through the journal drains.
	newDel := bitvec.New(newRows)
	if err = bitvec.WriteDelFile(bitvec.DelFileName(tmpDir), newDel); err != nil {
		return err
	}
	if err = segment.WriteSegMeta(t.fsy, tmpDir, segMeta); err != nil {
		return err
	}
	newSeg, err := segment.OpenReadOnly(t.fsy, tmpDir, t.sc)
	if err != nil {
		return err
	}

	preSize := input.DataStorageSize()

	// Triple drain, remapping old logical ids through the drop set.
	t.drainPurged(input, newSeg, dropSet, remap)

	t.rw.RLock()
	t.drainPurged(input, newSeg, dropSet, remap)
	t.rw.RUnlock()

	t.rw.Lock()
	defer t.rw.Unlock()
	t.drainPurged(input, newSeg, dropSet, remap)

	if cerr := newSeg.Close(); cerr != nil {
		return cerr
	}

	// Move the input aside to the smallest free .backup-N, then publish
	// the replacement under its formal name.
	backupDir := ""
	for n := 0; ; n++ {
		candidate := fmt.Sprintf("%s.backup-%d", finalDir, n)
		if _, serr := os.Stat(candidate); os.IsNotExist(serr) {
			backupDir = candidate
			break
		}
	}
	if err = t.fsy.Rename(finalDir, backupDir); err != nil {
		return err
	}
	if err = t.fsy.Rename(tmpDir, finalDir); err != nil {
		// Restore the input under its formal name; a second failure is
		// unrecoverable.
		if rerr := t.fsy.Rename(backupDir, finalDir); rerr != nil {
			logicPanic("purge swap failed (%v) and restore failed (%v)", err, rerr)
		}
		return err
	}
	final, err := segment.OpenReadOnly(t.fsy, finalDir, t.sc)
	if err != nil {
		return err
	}

	t.segs[segIdx] = final
	t.rebuildRowNumVecLocked()
	t.segArrayUpdateSeq.Add(1)

	input.SetDir(backupDir)
	input.SetState(model.StateToBeDeleted)
	input.MarkToBeDel()
	input.DecRef() // the table list's reference

	metrics.RowsPurged.Add(float64(delCnt))
	if post := final.DataStorageSize(); post < preSize {
		metrics.BytesReclaimed.Add(float64(preSize - post))
	}
	return t.saveMetaLocked()
}

// drainPurged replays the input journal onto the purged replacement,
// translating old logical ids to the compacted space.
func (t *Table) drainPurged(input *segment.ReadOnly, newSeg *segment.ReadOnly, dropSet *bitvec.BitVec, remap *bitvec.RankSelect0) {
	for _, id := range input.DrainUpdates() {
		oldSub := model.SubID(id)
		if int(id) < dropSet.Len() && dropSet.Get(int(id)) {
			// The row did not survive into the new segment.
			continue
		}
		newSub := model.SubID(remap.Rank0(int(id)))
		if input.IsDeleted(oldSub) {
			newSeg.SetDeleted(newSub)
			continue
		}
		for _, cgID := range t.sc.UpdatableColgroups() {
			cell, cerr := input.Cell(oldSub, cgID)
			if cerr != nil {
				continue
			}
			if uerr := newSeg.UpdateCell(newSub, cgID, cell); uerr != nil {
				t.log.Warn("skipped cell sync during purge", "sub", oldSub, "cg", cgID, "err", uerr)
			}
		}
	}
}

// rebuildColgroup rewrites one non-index colgroup without the dropped
// rows.
func (t *Table) rebuildColgroup(tmpDir string, input *segment.ReadOnly, cg schema.Colgroup, snapDel *bitvec.BitVec, newRows int) (segment.ColgroupMeta, error) {
	cm := segment.ColgroupMeta{Name: cg.Name}
	if newRows == 0 {
		cm.Kind = store.KindEmpty
		return cm, nil
	}
	src := input.Store(cg.ID)

	// forEachLive walks surviving rows in logical order.
	forEachLive := func(fn func(rec []byte) error) error {
		var buf []byte
		for sub := 0; sub < snapDel.Len(); sub++ {
			phys, live := input.PhysicalID(model.SubID(sub))
			if !live || snapDel.Get(sub) {
				continue
			}
			buf = buf[:0]
			var gerr error
			buf, gerr = src.GetValueAppend(buf, int(phys))
			if gerr != nil {
				return gerr
			}
			if ferr := fn(buf); ferr != nil {
				return ferr
			}
		}
		return nil
	}

	if cg.IsFixed() {
		fb := store.NewFixedLenBuilder(
			segment.ColgroupFilePath(tmpDir, cg.Name, store.KindFixedLen, 1, 0), cg.FixedLen)
		if err := forEachLive(fb.Append); err != nil {
			return cm, err
		}
		st, err := fb.Finish()
		if err != nil {
			return cm, err
		}
		t.throttle(int(st.StorageSize()))
		_ = st.Close()
		cm.Kind = store.KindFixedLen
		return cm, nil
	}

	avgLen := 0.0
	if n := src.NumDataRows(); n > 0 {
		avgLen = float64(src.DataSize()) / float64(n)
	}
	if t.cfg.UseDictZip && avgLen > dictZipAvgLenThreshold {
		db := store.NewDictZipBuilder(segment.ColgroupFilePath(tmpDir, cg.Name, store.KindDictZip, 1, 0))
		if err := forEachLive(db.Append); err != nil {
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

	workMem := int(t.cfg.CompressingWorkMemSize)
	part := 0
	vec := sortvec.New(0)
	flush := func() error {
		if vec.Len() == 0 {
			return nil
		}
		st, err := store.BuildBlockZip(segment.ColgroupFilePath(tmpDir, cg.Name, store.KindBlockZip, 2, part), vec)
		if err != nil {
			return err
		}
		t.throttle(int(st.StorageSize()))
		_ = st.Close()
		part++
		vec.Reset()
		return nil
	}
	if err := forEachLive(func(rec []byte) error {
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

// rebuildRowNumVecLocked re-materializes the prefix sums after a
// structural change; caller holds the writer lock.
func (t *Table) rebuildRowNumVecLocked() {
	vec := make([]uint64, 1, len(t.segs)+1)
	for _, seg := range t.segs {
		vec = append(vec, vec[len(vec)-1]+uint64(seg.NumLogicRows()))
	}
	t.rowNumVec = vec
}
