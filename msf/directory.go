package msf

import (
	"errors"
	"fmt"

	"github.com/skdltmxn/pe-go/binio"
)

// NilStreamSize marks a deleted stream in the directory.
const NilStreamSize = 0xFFFFFFFF

var (
	ErrTruncatedDirectory = errors.New("msf: truncated stream directory")
	ErrInvalidStreamIndex = errors.New("msf: invalid stream index")
	ErrInvalidBlockIndex  = errors.New("msf: invalid block index")
	ErrNilStream          = errors.New("msf: nil stream")
)

// Directory lists the size and blocks of every stream. Nil streams have
// size NilStreamSize and no blocks.
type Directory struct {
	Sizes  []uint32
	Blocks [][]uint32
}

// ReadDirectory parses a stream directory.
func ReadDirectory(r binio.Reader, blockSize uint32) (*Directory, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, ErrTruncatedDirectory
	}
	if uint64(n)*4 > r.Remaining() {
		return nil, fmt.Errorf("%w: %d streams", ErrTruncatedDirectory, n)
	}

	d := &Directory{Sizes: make([]uint32, n), Blocks: make([][]uint32, n)}
	for i := range d.Sizes {
		d.Sizes[i], _ = r.ReadU32()
	}
	for i, size := range d.Sizes {
		if size == NilStreamSize {
			continue
		}
		blocks := make([]uint32, blocksFor(size, blockSize))
		for j := range blocks {
			if blocks[j], err = r.ReadU32(); err != nil {
				return nil, fmt.Errorf("%w: blocks of stream %d", ErrTruncatedDirectory, i)
			}
		}
		d.Blocks[i] = blocks
	}
	return d, nil
}

// NumStreams returns the number of streams, nil streams included.
func (d *Directory) NumStreams() uint32 { return uint32(len(d.Sizes)) }

// StreamSize returns the size of stream i. Missing and nil streams have
// size 0.
func (d *Directory) StreamSize(i uint32) uint32 {
	if !d.StreamExists(i) {
		return 0
	}
	return d.Sizes[i]
}

// StreamExists reports whether stream i is present and not nil.
func (d *Directory) StreamExists(i uint32) bool {
	return i < d.NumStreams() && d.Sizes[i] != NilStreamSize
}

// Size returns the encoded size of the directory.
func (d *Directory) Size() uint32 {
	n := 4 + 4*len(d.Sizes)
	for _, b := range d.Blocks {
		n += 4 * len(b)
	}
	return uint32(n)
}

// Write encodes the directory.
func (d *Directory) Write(w *binio.Writer) {
	w.WriteU32(d.NumStreams())
	for _, s := range d.Sizes {
		w.WriteU32(s)
	}
	for _, blocks := range d.Blocks {
		for _, b := range blocks {
			w.WriteU32(b)
		}
	}
}
