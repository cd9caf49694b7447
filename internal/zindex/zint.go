package zindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/colgrove/colgrove/internal/mmap"
	"github.com/colgrove/colgrove/internal/sortvec"
	"github.com/colgrove/colgrove/internal/store"
)

const (
	zintMagic      = 0x43475A49 // "CGZI"
	zintVersion    = 1
	zintHeaderSize = 16
)

// ZintIndex is the immutable index of a read-only segment. Keys are kept
// in row order (so the index serves as the colgroup store) next to a
// sorted permutation for searching.
//
// Layout: magic u32 | version u32 | count u32 | unique u8 | pad[3] |
// keyOffsets (count+1)*u64 | sortedIdx count*u32 | key bytes.
type ZintIndex struct {
	m        *mmap.File
	count    int
	unique   bool
	dataSize int64
}

// BuildZint writes the index for vec (keys in row order, row id = vector
// position) to path and opens it.
func BuildZint(path string, vec *sortvec.SortableStrVec, unique bool) (*ZintIndex, error) {
	count := vec.Len()
	sorted := vec.SortedIdx()
	if unique {
		for i := 1; i < count; i++ {
			if bytes.Equal(vec.At(int(sorted[i-1])), vec.At(int(sorted[i]))) {
				return nil, fmt.Errorf("%w: building unique index %s", ErrKeyExists, path)
			}
		}
	}

	hdr := make([]byte, zintHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], zintMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], zintVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(count))
	if unique {
		hdr[12] = 1
	}

	out := make([]byte, 0, zintHeaderSize+8*(count+1)+4*count+vec.DataSize())
	out = append(out, hdr...)
	var off uint64
	for i := 0; i < count; i++ {
		out = binary.LittleEndian.AppendUint64(out, off)
		off += uint64(len(vec.At(i)))
	}
	out = binary.LittleEndian.AppendUint64(out, off)
	for _, idx := range sorted {
		out = binary.LittleEndian.AppendUint32(out, idx)
	}
	for i := 0; i < count; i++ {
		out = append(out, vec.At(i)...)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	return OpenZint(path)
}

// OpenZint maps an index file.
func OpenZint(path string) (*ZintIndex, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	if len(m.Data) < zintHeaderSize || binary.LittleEndian.Uint32(m.Data[0:4]) != zintMagic {
		_ = m.Close()
		return nil, fmt.Errorf("%w: zint %s bad header", store.ErrCorrupt, path)
	}
	count := int(binary.LittleEndian.Uint32(m.Data[8:12]))
	z := &ZintIndex{m: m, count: count, unique: m.Data[12] == 1}
	need := zintHeaderSize + 8*(count+1) + 4*count
	if need > len(m.Data) {
		_ = m.Close()
		return nil, fmt.Errorf("%w: zint %s truncated", store.ErrCorrupt, path)
	}
	z.dataSize = int64(z.keyOffset(count))
	return z, nil
}

func (z *ZintIndex) keyOffset(i int) uint64 {
	return binary.LittleEndian.Uint64(z.m.Data[zintHeaderSize+8*i:])
}

func (z *ZintIndex) sortedAt(pos int) uint32 {
	base := zintHeaderSize + 8*(z.count+1)
	return binary.LittleEndian.Uint32(z.m.Data[base+4*pos:])
}

// keyOf returns the key of row id (row order).
func (z *ZintIndex) keyOf(id int) []byte {
	base := uint64(zintHeaderSize + 8*(z.count+1) + 4*z.count)
	return z.m.Data[base+z.keyOffset(id) : base+z.keyOffset(id+1)]
}

func (z *ZintIndex) NumDataRows() int       { return z.count }
func (z *ZintIndex) DataSize() int64        { return z.dataSize }
func (z *ZintIndex) StorageSize() int64     { return int64(len(z.m.Data)) }
func (z *ZintIndex) Kind() store.Kind       { return store.KindIndex }
func (z *ZintIndex) IsUniqueInSchema() bool { return z.unique }
func (z *ZintIndex) Close() error           { return z.m.Close() }

func (z *ZintIndex) GetValueAppend(dst []byte, phys int) ([]byte, error) {
	if phys < 0 || phys >= z.count {
		return dst, fmt.Errorf("%w: zint phys %d of %d", store.ErrOutOfRange, phys, z.count)
	}
	return append(dst, z.keyOf(phys)...), nil
}

// lowerBound returns the first sorted position whose key >= key.
func (z *ZintIndex) lowerBound(key []byte) int {
	return sort.Search(z.count, func(pos int) bool {
		return bytes.Compare(z.keyOf(int(z.sortedAt(pos))), key) >= 0
	})
}

func (z *ZintIndex) SearchExactAppend(key []byte, dst []uint32) []uint32 {
	pos := z.lowerBound(key)
	for ; pos < z.count; pos++ {
		id := z.sortedAt(pos)
		if !bytes.Equal(z.keyOf(int(id)), key) {
			break
		}
		dst = append(dst, id)
		if z.unique {
			break
		}
	}
	return dst
}

type zintIter struct {
	z        *ZintIndex
	pos      int
	backward bool
}

func (z *ZintIndex) NewIterForward() Iterator  { return &zintIter{z: z, pos: 0} }
func (z *ZintIndex) NewIterBackward() Iterator { return &zintIter{z: z, pos: z.count - 1, backward: true} }

func (it *zintIter) Reset() {
	if it.backward {
		it.pos = it.z.count - 1
	} else {
		it.pos = 0
	}
}

func (it *zintIter) SeekLowerBound(key []byte) (int, bool) {
	if it.backward {
		// Last entry <= key: step back from the upper bound.
		up := sort.Search(it.z.count, func(pos int) bool {
			return bytes.Compare(it.z.keyOf(int(it.z.sortedAt(pos))), key) > 0
		})
		it.pos = up - 1
		if it.pos < 0 {
			return 0, false
		}
	} else {
		pos := it.z.lowerBound(key)
		if pos >= it.z.count {
			return 0, false
		}
		it.pos = pos
	}
	return bytes.Compare(it.z.keyOf(int(it.z.sortedAt(it.pos))), key), true
}

func (it *zintIter) Increment() (uint32, []byte, bool) {
	if it.pos < 0 || it.pos >= it.z.count {
		return 0, nil, false
	}
	id := it.z.sortedAt(it.pos)
	key := it.z.keyOf(int(id))
	if it.backward {
		it.pos--
	} else {
		it.pos++
	}
	return id, key, true
}
