// Package msf reads and writes the MSF (Multi-Stream File) container used
// by PDB files. An MSF file is an array of fixed-size blocks; each stream is
// a list of blocks named by the stream directory.
package msf

import (
	"errors"
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/skdltmxn/pe-go/binio"
)

// Magic opens every MSF 7.00 file.
const Magic = "Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00"

// SuperBlockSize is the size of the superblock at offset 0.
const SuperBlockSize = 56

// Block size limits.
const (
	MinBlockSize     uint32 = 512
	MaxBlockSize     uint32 = 65536
	DefaultBlockSize uint32 = 4096
)

var (
	ErrInvalidMagic     = errors.New("msf: invalid magic")
	ErrInvalidBlockSize = errors.New("msf: invalid block size")
	ErrInvalidFPMBlock  = errors.New("msf: free block map must be block 1 or 2")
	ErrTruncatedFile    = errors.New("msf: file is truncated")
)

// SuperBlock describes the block layout and locates the stream directory.
type SuperBlock struct {
	FileMagic         [32]byte
	BlockSize         uint32 `struc:"uint32,little"`
	FreeBlockMapBlock uint32 `struc:"uint32,little"`
	NumBlocks         uint32 `struc:"uint32,little"`
	NumDirectoryBytes uint32 `struc:"uint32,little"`
	Reserved          uint32 `struc:"uint32,little"`

	// BlockMapAddr is the first of the contiguous blocks listing the
	// directory's blocks.
	BlockMapAddr uint32 `struc:"uint32,little"`
}

// ReadSuperBlock parses and validates the superblock at the start of r.
func ReadSuperBlock(r binio.Reader) (*SuperBlock, error) {
	if r.Remaining() < SuperBlockSize {
		return nil, ErrTruncatedFile
	}
	sb := &SuperBlock{}
	if err := struc.Unpack(&r, sb); err != nil {
		return nil, fmt.Errorf("msf: reading superblock: %w", err)
	}
	if err := sb.Validate(); err != nil {
		return nil, err
	}
	return sb, nil
}

// Validate checks the magic, block size and free block map selector.
func (sb *SuperBlock) Validate() error {
	if string(sb.FileMagic[:]) != Magic {
		return ErrInvalidMagic
	}
	if !validBlockSize(sb.BlockSize) {
		return fmt.Errorf("%w: %d", ErrInvalidBlockSize, sb.BlockSize)
	}
	if sb.FreeBlockMapBlock != 1 && sb.FreeBlockMapBlock != 2 {
		return ErrInvalidFPMBlock
	}
	return nil
}

func validBlockSize(n uint32) bool {
	return n >= MinBlockSize && n <= MaxBlockSize && n&(n-1) == 0
}

// NumDirectoryBlocks returns the number of blocks holding the directory.
func (sb *SuperBlock) NumDirectoryBlocks() uint32 {
	return blocksFor(sb.NumDirectoryBytes, sb.BlockSize)
}

// FileSize returns NumBlocks * BlockSize.
func (sb *SuperBlock) FileSize() uint64 {
	return uint64(sb.NumBlocks) * uint64(sb.BlockSize)
}

// BlockOffset returns the file offset of block n.
func (sb *SuperBlock) BlockOffset(n uint32) uint64 {
	return uint64(n) * uint64(sb.BlockSize)
}

func blocksFor(size, blockSize uint32) uint32 {
	return uint32((uint64(size) + uint64(blockSize) - 1) / uint64(blockSize))
}
