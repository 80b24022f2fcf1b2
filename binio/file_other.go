//go:build !unix

package binio

import (
	"fmt"
	"os"
)

// FileSource is a read-only file accessed through positioned reads.
type FileSource struct {
	f    *os.File
	size uint64
	path string
}

// OpenFile opens the file at path for reading.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("binio: failed to open file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("binio: failed to stat file: %w", err)
	}

	return &FileSource{f: f, size: uint64(stat.Size()), path: path}, nil
}

// Path returns the path the source was opened from.
func (s *FileSource) Path() string { return s.path }

// Len implements DataSource.
func (s *FileSource) Len() uint64 { return s.size }

// BaseAddress implements DataSource.
func (s *FileSource) BaseAddress() uint64 { return 0 }

// ReadAt implements io.ReaderAt.
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	if uint64(off) >= s.size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, ErrUnexpectedEOF
	}
	n, err := s.f.ReadAt(p, off)
	if n < len(p) {
		return n, ErrUnexpectedEOF
	}
	return n, err
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	return s.f.Close()
}
