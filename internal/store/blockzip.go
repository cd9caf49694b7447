package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/colgrove/colgrove/internal/mmap"
	"github.com/colgrove/colgrove/internal/sortvec"
)

const (
	blockZipMagic      = 0x43475A42 // "CGZB"
	blockZipVersion    = 1
	blockZipHeaderSize = 32
	recsPerBlock       = 256
)

// BlockZipStore holds variable-length records in lz4-compressed blocks of
// recsPerBlock records each. Random access inflates one block; the most
// recently inflated block is cached.
//
// Layout: magic u32 | version u32 | count u64 | dataSize u64 | blockCount
// u32 | pad u32 | blockOffsets (blockCount+1)*u64 | blocks. Each stored
// block is inflatedLen u32 + lz4 block. An inflated block is
// (recCount+1)*u32 record offsets followed by the record bytes.
type BlockZipStore struct {
	m          *mmap.File
	count      int
	dataSize   int64
	blockCount int

	mu        sync.Mutex
	cachedIdx int
	cached    []byte
}

// BuildBlockZip compresses vec (in insertion order) into a store file at
// path and opens it.
func BuildBlockZip(path string, vec *sortvec.SortableStrVec) (*BlockZipStore, error) {
	count := vec.Len()
	blockCount := (count + recsPerBlock - 1) / recsPerBlock

	var blocks []byte
	offsets := make([]uint64, 0, blockCount+1)
	offsets = append(offsets, 0)

	var inflated, compressed []byte
	for b := 0; b < blockCount; b++ {
		lo := b * recsPerBlock
		hi := lo + recsPerBlock
		if hi > count {
			hi = count
		}
		inflated = inflated[:0]
		// Record offset table, then bytes.
		n := hi - lo
		tableSize := 4 * (n + 1)
		inflated = append(inflated, make([]byte, tableSize)...)
		for i := lo; i < hi; i++ {
			binary.LittleEndian.PutUint32(inflated[4*(i-lo):], uint32(len(inflated)))
			inflated = append(inflated, vec.At(i)...)
		}
		binary.LittleEndian.PutUint32(inflated[4*n:], uint32(len(inflated)))

		bound := lz4.CompressBlockBound(len(inflated))
		if cap(compressed) < bound {
			compressed = make([]byte, bound)
		}
		zn, err := lz4.CompressBlock(inflated, compressed[:bound], nil)
		if err != nil {
			return nil, err
		}
		if zn == 0 {
			// Incompressible: lz4 signals this with 0; store raw.
			zn = len(inflated)
			copy(compressed[:zn], inflated)
		}
		blocks = binary.LittleEndian.AppendUint32(blocks, uint32(len(inflated)))
		blocks = append(blocks, compressed[:zn]...)
		offsets = append(offsets, uint64(len(blocks)))
	}

	hdr := make([]byte, blockZipHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], blockZipMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], blockZipVersion)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(count))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(vec.DataSize()))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(blockCount))

	out := make([]byte, 0, len(hdr)+8*len(offsets)+len(blocks))
	out = append(out, hdr...)
	for _, off := range offsets {
		out = binary.LittleEndian.AppendUint64(out, off)
	}
	out = append(out, blocks...)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	return OpenBlockZip(path)
}

// OpenBlockZip maps a block-zip store file.
func OpenBlockZip(path string) (*BlockZipStore, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	if len(m.Data) < blockZipHeaderSize {
		_ = m.Close()
		return nil, fmt.Errorf("%w: blockzip %s too short", ErrCorrupt, path)
	}
	if binary.LittleEndian.Uint32(m.Data[0:4]) != blockZipMagic {
		_ = m.Close()
		return nil, fmt.Errorf("%w: blockzip %s bad magic", ErrCorrupt, path)
	}
	s := &BlockZipStore{
		m:          m,
		count:      int(binary.LittleEndian.Uint64(m.Data[8:16])),
		dataSize:   int64(binary.LittleEndian.Uint64(m.Data[16:24])),
		blockCount: int(binary.LittleEndian.Uint32(m.Data[24:28])),
		cachedIdx:  -1,
	}
	if blockZipHeaderSize+8*(s.blockCount+1) > len(m.Data) {
		_ = m.Close()
		return nil, fmt.Errorf("%w: blockzip %s offset table truncated", ErrCorrupt, path)
	}
	return s, nil
}

func (s *BlockZipStore) NumDataRows() int   { return s.count }
func (s *BlockZipStore) DataSize() int64    { return s.dataSize }
func (s *BlockZipStore) StorageSize() int64 { return int64(len(s.m.Data)) }
func (s *BlockZipStore) Kind() Kind         { return KindBlockZip }
func (s *BlockZipStore) Close() error       { return s.m.Close() }

func (s *BlockZipStore) blockOffset(i int) uint64 {
	return binary.LittleEndian.Uint64(s.m.Data[blockZipHeaderSize+8*i:])
}

func (s *BlockZipStore) GetValueAppend(dst []byte, phys int) ([]byte, error) {
	if phys < 0 || phys >= s.count {
		return dst, fmt.Errorf("%w: blockzip phys %d of %d", ErrOutOfRange, phys, s.count)
	}
	blockIdx := phys / recsPerBlock
	sub := phys % recsPerBlock

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cachedIdx != blockIdx {
		inflated, err := s.inflateBlock(blockIdx)
		if err != nil {
			return dst, err
		}
		s.cached = inflated
		s.cachedIdx = blockIdx
	}
	block := s.cached

	n := s.count - blockIdx*recsPerBlock
	if n > recsPerBlock {
		n = recsPerBlock
	}
	if len(block) < 4*(n+1) {
		return dst, fmt.Errorf("%w: blockzip block %d offset table truncated", ErrCorrupt, blockIdx)
	}
	lo := binary.LittleEndian.Uint32(block[4*sub:])
	hi := binary.LittleEndian.Uint32(block[4*(sub+1):])
	if lo > hi || int(hi) > len(block) {
		return dst, fmt.Errorf("%w: blockzip block %d bad record bounds", ErrCorrupt, blockIdx)
	}
	return append(dst, block[lo:hi]...), nil
}

func (s *BlockZipStore) inflateBlock(blockIdx int) ([]byte, error) {
	base := blockZipHeaderSize + 8*(s.blockCount+1)
	lo := int(s.blockOffset(blockIdx)) + base
	hi := int(s.blockOffset(blockIdx+1)) + base
	if lo+4 > hi || hi > len(s.m.Data) {
		return nil, fmt.Errorf("%w: blockzip block %d extent", ErrCorrupt, blockIdx)
	}
	inflatedLen := int(binary.LittleEndian.Uint32(s.m.Data[lo:]))
	src := s.m.Data[lo+4 : hi]
	out := make([]byte, inflatedLen)
	if len(src) == inflatedLen {
		// Stored raw.
		copy(out, src)
		return out, nil
	}
	n, err := lz4.UncompressBlock(src, out)
	if err != nil {
		return nil, fmt.Errorf("%w: blockzip block %d: %v", ErrCorrupt, blockIdx, err)
	}
	return out[:n], nil
}
