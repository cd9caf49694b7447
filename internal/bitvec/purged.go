package bitvec

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// PurgedBits is a read-only segment's IsPurged bitmap with rank/select
// caches. It is immutable after load; physical ids are computed as
// Rank0(logicalID) and translated back with Select0.
type PurgedBits struct {
	bv *BitVec
	rs *RankSelect0
}

// NewPurgedBits freezes bv into a PurgedBits with rank/select caches built.
func NewPurgedBits(bv *BitVec) *PurgedBits {
	return &PurgedBits{bv: bv, rs: BuildRankSelect0(bv)}
}

func (p *PurgedBits) Len() int          { return p.bv.Len() }
func (p *PurgedBits) Get(i int) bool    { return p.bv.Get(i) }
func (p *PurgedBits) PopCount() int     { return p.bv.PopCount() }
func (p *PurgedBits) Rank0(i int) int   { return p.rs.Rank0(i) }
func (p *PurgedBits) Select0(k int) int { return p.rs.Select0(k) }
func (p *PurgedBits) MaxRank0() int     { return p.rs.MaxRank0() }
func (p *PurgedBits) Bits() *BitVec     { return p.bv }

// PurgedFileName returns the IsPurged path inside a segment directory.
func PurgedFileName(segDir string) string {
	return filepath.Join(segDir, "IsPurged.rs")
}

// WritePurgedFile persists bv as an IsPurged.rs file: an 8-byte LE bit
// count followed by the packed bits. Rank/select caches are rebuilt on
// load rather than stored.
func WritePurgedFile(path string, bv *BitVec) error {
	buf := make([]byte, 8+(bv.Len()+7)/8)
	binary.LittleEndian.PutUint64(buf[:8], uint64(bv.Len()))
	packBits(buf[8:], bv)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// ReadPurgedFile loads an IsPurged.rs file and builds its caches.
func ReadPurgedFile(path string) (*PurgedBits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("ispurged %s: short file", path)
	}
	n := int(binary.LittleEndian.Uint64(data[:8]))
	if need := 8 + (n+7)/8; need > len(data) {
		return nil, fmt.Errorf("ispurged %s: bit count %d exceeds file size %d", path, n, len(data))
	}
	bv := New(n)
	bits := data[8:]
	for i := 0; i < n; i++ {
		if bits[i>>3]&(1<<(uint(i)&7)) != 0 {
			bv.Set(i)
		}
	}
	return NewPurgedBits(bv), nil
}
