package segment

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// Journal is the pending-update journal of a segment under conversion or
// purge. It starts as a sparse id list and promotes itself to a roaring
// bitmap once density crosses ~1/256 of the segment's rows.
//
// Guarded by the owning segment's mutex.
type Journal struct {
	sparse []uint32
	dense  *roaring.Bitmap
}

// Add records a mutated logical id. totalRows drives the promotion
// threshold.
func (j *Journal) Add(id uint32, totalRows int) {
	if j.dense != nil {
		j.dense.Add(id)
		return
	}
	j.sparse = append(j.sparse, id)
	if threshold := totalRows / 256; threshold > 0 && len(j.sparse) > threshold {
		j.dense = roaring.New()
		j.dense.AddMany(j.sparse)
		j.sparse = nil
	}
}

// Empty reports whether any update is pending.
func (j *Journal) Empty() bool {
	if j.dense != nil {
		return j.dense.IsEmpty()
	}
	return len(j.sparse) == 0
}

// Drain returns the pending ids sorted and deduplicated, and resets the
// journal to its sparse form.
func (j *Journal) Drain() []uint32 {
	if j.dense != nil {
		ids := j.dense.ToArray()
		j.dense = nil
		return ids
	}
	if len(j.sparse) == 0 {
		return nil
	}
	ids := j.sparse
	j.sparse = nil
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
