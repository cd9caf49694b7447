package store

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/colgrove/colgrove/internal/mmap"
)

const (
	fixedLenMagic      = 0x43474658 // "CGFX"
	fixedLenHeaderSize = 16
)

// FixedLenStore is an mmap-backed store of fixed-width records. Stores
// backing an in-place updatable colgroup are mapped writable, allowing
// cells to be rewritten at a physical id.
//
// Layout: magic u32 | fixlen u32 | count u64 | records.
type FixedLenStore struct {
	m      *mmap.File
	fixlen int
	count  int
}

// OpenFixedLen maps a fixed-length store file read-only.
func OpenFixedLen(path string) (*FixedLenStore, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	return newFixedLen(m, path)
}

// OpenFixedLenWritable maps a fixed-length store with shared write
// access for in-place cell updates.
func OpenFixedLenWritable(path string) (*FixedLenStore, error) {
	m, err := mmap.OpenWritable(path)
	if err != nil {
		return nil, err
	}
	return newFixedLen(m, path)
}

func newFixedLen(m *mmap.File, path string) (*FixedLenStore, error) {
	if len(m.Data) < fixedLenHeaderSize {
		_ = m.Close()
		return nil, fmt.Errorf("%w: fixlen store %s too short", ErrCorrupt, path)
	}
	if binary.LittleEndian.Uint32(m.Data[0:4]) != fixedLenMagic {
		_ = m.Close()
		return nil, fmt.Errorf("%w: fixlen store %s bad magic", ErrCorrupt, path)
	}
	fixlen := int(binary.LittleEndian.Uint32(m.Data[4:8]))
	count := int(binary.LittleEndian.Uint64(m.Data[8:16]))
	if fixlen <= 0 || fixedLenHeaderSize+fixlen*count > len(m.Data) {
		_ = m.Close()
		return nil, fmt.Errorf("%w: fixlen store %s header mismatch", ErrCorrupt, path)
	}
	return &FixedLenStore{m: m, fixlen: fixlen, count: count}, nil
}

func (s *FixedLenStore) NumDataRows() int { return s.count }
func (s *FixedLenStore) Kind() Kind       { return KindFixedLen }

func (s *FixedLenStore) GetValueAppend(dst []byte, phys int) ([]byte, error) {
	if phys < 0 || phys >= s.count {
		return dst, fmt.Errorf("%w: fixlen phys %d of %d", ErrOutOfRange, phys, s.count)
	}
	off := fixedLenHeaderSize + phys*s.fixlen
	return append(dst, s.m.Data[off:off+s.fixlen]...), nil
}

// Set rewrites the record at phys in place. Valid only on writable
// mappings.
func (s *FixedLenStore) Set(phys int, rec []byte) error {
	if phys < 0 || phys >= s.count {
		return fmt.Errorf("%w: fixlen phys %d of %d", ErrOutOfRange, phys, s.count)
	}
	if len(rec) != s.fixlen {
		return fmt.Errorf("%w: fixlen record is %d bytes, want %d", ErrCorrupt, len(rec), s.fixlen)
	}
	off := fixedLenHeaderSize + phys*s.fixlen
	copy(s.m.Data[off:], rec)
	return nil
}

// FixLen returns the record width.
func (s *FixedLenStore) FixLen() int { return s.fixlen }

// Flush syncs a writable mapping.
func (s *FixedLenStore) Flush() error { return s.m.Flush() }

func (s *FixedLenStore) DataSize() int64    { return int64(s.fixlen) * int64(s.count) }
func (s *FixedLenStore) StorageSize() int64 { return int64(len(s.m.Data)) }
func (s *FixedLenStore) Close() error       { return s.m.Close() }

// FixedLenBuilder streams fixed-width records into a store file.
type FixedLenBuilder struct {
	path   string
	fixlen int
	buf    []byte
	count  int
}

// NewFixedLenBuilder creates a builder for records of fixlen bytes.
func NewFixedLenBuilder(path string, fixlen int) *FixedLenBuilder {
	return &FixedLenBuilder{path: path, fixlen: fixlen}
}

func (b *FixedLenBuilder) Append(rec []byte) error {
	if len(rec) != b.fixlen {
		return fmt.Errorf("%w: fixlen record is %d bytes, want %d", ErrCorrupt, len(rec), b.fixlen)
	}
	b.buf = append(b.buf, rec...)
	b.count++
	return nil
}

func (b *FixedLenBuilder) NumRows() int { return b.count }

// Finish writes the store file atomically and opens it.
func (b *FixedLenBuilder) Finish() (*FixedLenStore, error) {
	hdr := make([]byte, fixedLenHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], fixedLenMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(b.fixlen))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(b.count))
	tmp := b.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(hdr); err == nil {
		_, err = f.Write(b.buf)
		if err == nil {
			err = f.Sync()
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, b.path); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	return OpenFixedLen(b.path)
}
