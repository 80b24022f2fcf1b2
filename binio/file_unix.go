//go:build unix

package binio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileSource is a read-only, memory-mapped file.
type FileSource struct {
	ByteSource
	path string
}

// OpenFile maps the file at path into memory for reading.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("binio: failed to open file: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("binio: failed to stat file: %w", err)
	}

	size := stat.Size()
	if size == 0 {
		return &FileSource{path: path}, nil
	}
	if int64(int(size)) != size {
		return nil, fmt.Errorf("binio: file too large to map: %d bytes", size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("binio: failed to map file: %w", err)
	}

	return &FileSource{ByteSource: ByteSource{data: data}, path: path}, nil
}

// Path returns the path the source was opened from.
func (s *FileSource) Path() string { return s.path }

// Close unmaps the file. Readers forked from the source must not be used
// afterwards.
func (s *FileSource) Close() error {
	if s.data == nil {
		return nil
	}
	data := s.data
	s.data = nil
	return unix.Munmap(data)
}
