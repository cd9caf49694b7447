// Package mmap provides memory-mapped file access for segment data.
package mmap

import (
	"errors"
	"os"
)

// File represents a memory-mapped file.
type File struct {
	Data     []byte
	f        *os.File
	writable bool
}

// Open maps the file at path into memory as read-only.
func Open(path string) (*File, error) {
	return open(path, false)
}

// OpenWritable maps the file at path into memory with shared write access.
// Stores through Data are visible to other mappings of the same file;
// Flush makes them durable.
func OpenWritable(path string) (*File, error) {
	return open(path, true)
}

func open(path string, writable bool) (*File, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	size := fi.Size()
	if size < 0 {
		_ = f.Close()
		return nil, errors.New("mmap: file size is negative")
	}
	if size == 0 {
		return &File{Data: nil, f: f, writable: writable}, nil
	}

	data, err := mapFile(f, int(size), writable)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &File{Data: data, f: f, writable: writable}, nil
}

// Flush syncs a writable mapping back to disk.
func (m *File) Flush() error {
	if m == nil || m.Data == nil || !m.writable {
		return nil
	}
	return msync(m.Data)
}

// Close unmaps the memory and closes the underlying file.
func (m *File) Close() error {
	if m == nil {
		return nil
	}
	var err error
	if m.Data != nil {
		err = unmap(m.Data)
		m.Data = nil
	}
	if m.f != nil {
		if closeErr := m.f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		m.f = nil
	}
	return err
}
