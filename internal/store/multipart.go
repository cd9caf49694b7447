package store

import "fmt"

// MultiPartStore concatenates sub-stores logically; physical ids are
// partitioned across parts in order.
type MultiPartStore struct {
	parts []Readable
	// rowBase[i] = rows in parts[0..i); len = len(parts)+1.
	rowBase []int
}

// NewMultiPart wraps parts in order.
func NewMultiPart(parts []Readable) *MultiPartStore {
	base := make([]int, len(parts)+1)
	for i, p := range parts {
		base[i+1] = base[i] + p.NumDataRows()
	}
	return &MultiPartStore{parts: parts, rowBase: base}
}

func (s *MultiPartStore) NumParts() int       { return len(s.parts) }
func (s *MultiPartStore) Part(i int) Readable { return s.parts[i] }
func (s *MultiPartStore) NumDataRows() int    { return s.rowBase[len(s.parts)] }
func (s *MultiPartStore) Kind() Kind          { return KindMultiPart }

func (s *MultiPartStore) GetValueAppend(dst []byte, phys int) ([]byte, error) {
	if phys < 0 || phys >= s.NumDataRows() {
		return dst, fmt.Errorf("%w: multipart phys %d of %d", ErrOutOfRange, phys, s.NumDataRows())
	}
	// Linear scan: part counts are small (one per work-mem chunk).
	i := 0
	for s.rowBase[i+1] <= phys {
		i++
	}
	return s.parts[i].GetValueAppend(dst, phys-s.rowBase[i])
}

func (s *MultiPartStore) DataSize() int64 {
	var n int64
	for _, p := range s.parts {
		n += p.DataSize()
	}
	return n
}

func (s *MultiPartStore) StorageSize() int64 {
	var n int64
	for _, p := range s.parts {
		n += p.StorageSize()
	}
	return n
}

func (s *MultiPartStore) Close() error {
	var err error
	for _, p := range s.parts {
		if cerr := p.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Empty is a store with no rows, used for colgroups whose every row was
// purged.
type Empty struct{}

func NewEmpty() *Empty { return &Empty{} }

func (*Empty) NumDataRows() int { return 0 }
func (*Empty) GetValueAppend(dst []byte, phys int) ([]byte, error) {
	return dst, fmt.Errorf("%w: empty store", ErrOutOfRange)
}
func (*Empty) DataSize() int64    { return 0 }
func (*Empty) StorageSize() int64 { return 0 }
func (*Empty) Kind() Kind         { return KindEmpty }
func (*Empty) Close() error       { return nil }
