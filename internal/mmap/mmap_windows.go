//go:build windows

package mmap

import (
	"io"
	"os"
)

// Windows fallback: read the whole file into memory. Writable mappings are
// not supported here; Flush is a no-op and mutations stay process-local.
func mapFile(f *os.File, size int, writable bool) ([]byte, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, int64(size)), data); err != nil {
		return nil, err
	}
	return data, nil
}

func unmap(data []byte) error { return nil }

func msync(data []byte) error { return nil }
