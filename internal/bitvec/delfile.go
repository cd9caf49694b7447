package bitvec

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"

	"github.com/colgrove/colgrove/internal/mmap"
)

const delFileHeaderSize = 8

// DelFile is a segment's IsDel bitmap: an mmap-backed file holding an
// 8-byte little-endian logical row count followed by packed bits.
//
// The file is allocated with spare capacity so that PushBack normally
// mutates in place; Unused reports the spare bits, which the writable
// segment read path uses to decide whether the mapping is stable.
type DelFile struct {
	path string
	m    *mmap.File
	n    int // logical rows, mirrors the header
}

// CreateDelFile creates an IsDel file with zero rows and capacity for at
// least capBits rows, then opens it.
func CreateDelFile(path string, capBits int) (*DelFile, error) {
	if capBits < 256 {
		capBits = 256
	}
	buf := make([]byte, delFileHeaderSize+(capBits+7)/8)
	binary.LittleEndian.PutUint64(buf[:8], 0)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return nil, err
	}
	return OpenDelFile(path)
}

// OpenDelFile maps an existing IsDel file with write access.
func OpenDelFile(path string) (*DelFile, error) {
	m, err := mmap.OpenWritable(path)
	if err != nil {
		return nil, err
	}
	if len(m.Data) < delFileHeaderSize {
		_ = m.Close()
		return nil, fmt.Errorf("isdel %s: short file (%d bytes)", path, len(m.Data))
	}
	n := int(binary.LittleEndian.Uint64(m.Data[:8]))
	if need := delFileHeaderSize + (n+7)/8; need > len(m.Data) {
		_ = m.Close()
		return nil, fmt.Errorf("isdel %s: row count %d exceeds file size %d", path, n, len(m.Data))
	}
	return &DelFile{path: path, m: m, n: n}, nil
}

func (d *DelFile) bitsData() []byte { return d.m.Data[delFileHeaderSize:] }

func (d *DelFile) Len() int { return d.n }

// Capacity returns the number of bit slots backed by the file.
func (d *DelFile) Capacity() int { return len(d.bitsData()) * 8 }

// Unused returns the spare bit capacity beyond Len.
func (d *DelFile) Unused() int { return d.Capacity() - d.n }

func (d *DelFile) Get(i int) bool {
	return d.bitsData()[i>>3]&(1<<(uint(i)&7)) != 0
}

func (d *DelFile) Set(i int) {
	d.bitsData()[i>>3] |= 1 << (uint(i) & 7)
}

func (d *DelFile) Clear(i int) {
	d.bitsData()[i>>3] &^= 1 << (uint(i) & 7)
}

// PushBack appends one bit, growing and remapping the file when the spare
// capacity is exhausted.
func (d *DelFile) PushBack(v bool) error {
	if d.n >= d.Capacity() {
		if err := d.grow(2*d.Capacity() + 256); err != nil {
			return err
		}
	}
	if v {
		d.Set(d.n)
	} else {
		d.Clear(d.n)
	}
	d.n++
	binary.LittleEndian.PutUint64(d.m.Data[:8], uint64(d.n))
	return nil
}

// grow rewrites the file with a larger capacity and remaps it.
func (d *DelFile) grow(capBits int) error {
	buf := make([]byte, delFileHeaderSize+(capBits+7)/8)
	copy(buf, d.m.Data)
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, d.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := d.m.Close(); err != nil {
		return err
	}
	m, err := mmap.OpenWritable(d.path)
	if err != nil {
		return err
	}
	d.m = m
	return nil
}

// PopCount returns the number of set bits among the first Len bits.
func (d *DelFile) PopCount() int {
	data := d.bitsData()
	c := 0
	full := d.n >> 3
	for _, b := range data[:full] {
		c += bits.OnesCount8(b)
	}
	if rem := d.n & 7; rem != 0 {
		c += bits.OnesCount8(data[full] & byte((1<<uint(rem))-1))
	}
	return c
}

// Snapshot copies the current bits into an in-memory BitVec.
func (d *DelFile) Snapshot() *BitVec {
	bv := New(d.n)
	for i := 0; i < d.n; i++ {
		if d.Get(i) {
			bv.Set(i)
		}
	}
	return bv
}

// Flush syncs the mapping to disk.
func (d *DelFile) Flush() error { return d.m.Flush() }

func (d *DelFile) Close() error { return d.m.Close() }

// WriteDelFile persists bv as an IsDel file at path, staged atomically.
func WriteDelFile(path string, bv *BitVec) error {
	capBits := bv.Len()
	if capBits < 256 {
		capBits = 256
	}
	buf := make([]byte, delFileHeaderSize+(capBits+7)/8)
	binary.LittleEndian.PutUint64(buf[:8], uint64(bv.Len()))
	packBits(buf[delFileHeaderSize:], bv)
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

func packBits(dst []byte, bv *BitVec) {
	for i := 0; i < bv.Len(); i++ {
		if bv.Get(i) {
			dst[i>>3] |= 1 << (uint(i) & 7)
		}
	}
}

// DelFileName returns the IsDel path inside a segment directory.
func DelFileName(segDir string) string {
	return filepath.Join(segDir, "IsDel")
}
