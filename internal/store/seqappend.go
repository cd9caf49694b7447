package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// SeqReadAppendonlyStore is the temporary colgroup file used during
// convert: records are appended once, then read back sequentially by the
// index and store builders. It is not a Readable store and its file is
// removed on Close.
type SeqReadAppendonlyStore struct {
	path     string
	f        *os.File
	w        *bufio.Writer
	count    int
	dataSize int64
	sealed   bool
}

// NewSeqAppend creates the temp file at path.
func NewSeqAppend(path string) (*SeqReadAppendonlyStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &SeqReadAppendonlyStore{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one record: uvarint length + bytes.
func (s *SeqReadAppendonlyStore) Append(rec []byte) error {
	if s.sealed {
		return fmt.Errorf("%w: append after seal", ErrCorrupt)
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(rec)))
	if _, err := s.w.Write(lenBuf[:n]); err != nil {
		return err
	}
	if _, err := s.w.Write(rec); err != nil {
		return err
	}
	s.count++
	s.dataSize += int64(len(rec))
	return nil
}

func (s *SeqReadAppendonlyStore) NumRows() int    { return s.count }
func (s *SeqReadAppendonlyStore) DataSize() int64 { return s.dataSize }

// AvgRecordLen returns the mean inflated record length.
func (s *SeqReadAppendonlyStore) AvgRecordLen() float64 {
	if s.count == 0 {
		return 0
	}
	return float64(s.dataSize) / float64(s.count)
}

// Iterate seals the store and replays every record in append order.
// It may be called multiple times.
func (s *SeqReadAppendonlyStore) Iterate(fn func(i int, rec []byte) error) error {
	if !s.sealed {
		if err := s.w.Flush(); err != nil {
			return err
		}
		s.sealed = true
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(s.f)
	var rec []byte
	for i := 0; i < s.count; i++ {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("%w: temp colgroup truncated at %d: %v", ErrCorrupt, i, err)
		}
		if uint64(cap(rec)) < n {
			rec = make([]byte, n)
		}
		rec = rec[:n]
		if _, err := io.ReadFull(r, rec); err != nil {
			return fmt.Errorf("%w: temp colgroup truncated at %d: %v", ErrCorrupt, i, err)
		}
		if err := fn(i, rec); err != nil {
			return err
		}
	}
	return nil
}

// Close removes the backing file.
func (s *SeqReadAppendonlyStore) Close() error {
	err := s.f.Close()
	if rmErr := os.Remove(s.path); err == nil {
		err = rmErr
	}
	return err
}
