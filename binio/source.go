// Package binio provides random-access data sources and bounds-checked
// binary readers and writers for PE and metadata parsing.
package binio

import (
	"fmt"
	"io"
)

// DataSource is an immutable, randomly addressable sequence of bytes.
// Reads at or past Len fail with ErrUnexpectedEOF.
type DataSource interface {
	io.ReaderAt

	// Len returns the total number of bytes in the source.
	Len() uint64

	// BaseAddress returns the address of the first byte. It is zero for
	// file-backed sources.
	BaseAddress() uint64
}

// ByteSource is a DataSource backed by a byte slice.
type ByteSource struct {
	data []byte
	base uint64
}

// NewByteSource creates a DataSource over data. The slice must not be
// modified afterwards.
func NewByteSource(data []byte) *ByteSource {
	return &ByteSource{data: data}
}

// NewByteSourceAt creates a DataSource over data whose first byte lives at
// the given base address.
func NewByteSourceAt(data []byte, base uint64) *ByteSource {
	return &ByteSource{data: data, base: base}
}

// Len implements DataSource.
func (s *ByteSource) Len() uint64 { return uint64(len(s.data)) }

// BaseAddress implements DataSource.
func (s *ByteSource) BaseAddress() uint64 { return s.base }

// Bytes returns the underlying slice.
func (s *ByteSource) Bytes() []byte { return s.data }

// ReadAt implements io.ReaderAt.
func (s *ByteSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	if off >= int64(len(s.data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, ErrUnexpectedEOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, ErrUnexpectedEOF
	}
	return n, nil
}

// SliceSource exposes a window of another DataSource as a source of its own.
type SliceSource struct {
	src    DataSource
	start  uint64
	length uint64
}

// NewSliceSource creates a window [start, start+length) over src.
func NewSliceSource(src DataSource, start, length uint64) (*SliceSource, error) {
	if start > src.Len() || length > src.Len()-start {
		return nil, &BoundsError{Offset: start, Want: length, Have: src.Len() - min(start, src.Len())}
	}
	return &SliceSource{src: src, start: start, length: length}, nil
}

// Len implements DataSource.
func (s *SliceSource) Len() uint64 { return s.length }

// BaseAddress implements DataSource.
func (s *SliceSource) BaseAddress() uint64 { return s.src.BaseAddress() + s.start }

// ReadAt implements io.ReaderAt.
func (s *SliceSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	if uint64(off) >= s.length {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, ErrUnexpectedEOF
	}
	short := false
	if rem := s.length - uint64(off); uint64(len(p)) > rem {
		p = p[:rem]
		short = true
	}
	n, err := s.src.ReadAt(p, int64(s.start)+off)
	if err == nil && short {
		err = ErrUnexpectedEOF
	}
	return n, err
}

// BlockSource reconstructs a logical stream from fixed-size blocks scattered
// across another DataSource, as used by the MSF container.
type BlockSource struct {
	src       DataSource
	blocks    []uint32
	blockSize uint32
	size      uint32
}

// NewBlockSource creates a stream of the given size made of the listed
// blocks of src.
func NewBlockSource(src DataSource, blocks []uint32, blockSize, size uint32) (*BlockSource, error) {
	if blockSize == 0 {
		return nil, fmt.Errorf("binio: zero block size")
	}
	if need := (uint64(size) + uint64(blockSize) - 1) / uint64(blockSize); uint64(len(blocks)) < need {
		return nil, fmt.Errorf("binio: stream of %d bytes needs %d blocks, got %d", size, need, len(blocks))
	}
	return &BlockSource{src: src, blocks: blocks, blockSize: blockSize, size: size}, nil
}

// Len implements DataSource.
func (s *BlockSource) Len() uint64 { return uint64(s.size) }

// BaseAddress implements DataSource.
func (s *BlockSource) BaseAddress() uint64 { return 0 }

// Blocks returns the block indices backing the stream.
func (s *BlockSource) Blocks() []uint32 { return s.blocks }

// ReadAt implements io.ReaderAt. It reads across block boundaries
// transparently.
func (s *BlockSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	if off >= int64(s.size) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, ErrUnexpectedEOF
	}

	pos := uint32(off)
	total := 0
	for len(p) > 0 && pos < s.size {
		blockIndex := pos / s.blockSize
		blockOffset := pos % s.blockSize

		fileOffset := int64(s.blocks[blockIndex])*int64(s.blockSize) + int64(blockOffset)

		toRead := uint32(len(p))
		toRead = min(toRead, s.blockSize-blockOffset, s.size-pos)

		n, err := s.src.ReadAt(p[:toRead], fileOffset)
		total += n
		p = p[n:]
		pos += uint32(n)
		if err != nil {
			return total, err
		}
	}

	if len(p) > 0 {
		return total, ErrUnexpectedEOF
	}
	return total, nil
}
