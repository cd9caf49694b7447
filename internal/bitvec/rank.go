package bitvec

import (
	"math/bits"
	"sort"
)

// RankSelect0 answers rank0/select0 queries over an immutable BitVec.
// rank0 is O(1); select0 is O(log n) by binary search over the rank cache.
//
// For a purged segment, physical_id = rank0(logical_id) and
// logical_id = select0(physical_id).
type RankSelect0 struct {
	bv *BitVec
	// cum0[i] = number of zero bits in words[0..i)
	cum0 []uint32
}

// BuildRankSelect0 builds the rank cache for bv. The caller must not mutate
// bv afterwards.
func BuildRankSelect0(bv *BitVec) *RankSelect0 {
	cum := make([]uint32, len(bv.words)+1)
	var z uint32
	for i, w := range bv.words {
		cum[i] = z
		n := 64
		if (i+1)<<6 > bv.n {
			n = bv.n - i<<6
		}
		z += uint32(n - bits.OnesCount64(w&mask(n)))
	}
	cum[len(bv.words)] = z
	return &RankSelect0{bv: bv, cum0: cum}
}

func mask(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return (1 << uint(n)) - 1
}

// MaxRank0 returns the total number of zero bits.
func (rs *RankSelect0) MaxRank0() int {
	return int(rs.cum0[len(rs.cum0)-1])
}

// Rank0 returns the number of zero bits in [0, i).
func (rs *RankSelect0) Rank0(i int) int {
	w := i >> 6
	r := int(rs.cum0[w])
	if rem := i & 63; rem != 0 {
		r += rem - bits.OnesCount64(rs.bv.words[w]&mask(rem))
	}
	return r
}

// Select0 returns the position of the k-th zero bit (0-based).
// k must be < MaxRank0().
func (rs *RankSelect0) Select0(k int) int {
	// Find the word holding the (k+1)-th zero.
	w := sort.Search(len(rs.bv.words), func(i int) bool {
		return int(rs.cum0[i+1]) > k
	})
	rem := k - int(rs.cum0[w])
	word := rs.bv.words[w]
	for i := 0; i < 64; i++ {
		if word&(1<<uint(i)) == 0 {
			if rem == 0 {
				return w<<6 + i
			}
			rem--
		}
	}
	panic("bitvec: select0 out of range")
}
