package msf

import (
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/segment"
)

// Builder lays out a new container. Block 0 holds the superblock and the
// two free block maps occupy blocks 1 and 2 of every interval of BlockSize
// blocks. Streams follow in index order, then the directory, then the
// directory's block map.
type Builder struct {
	blockSize uint32
	streams   [][]byte
	deleted   []bool
}

// NewBuilder creates an empty container with the given block size.
func NewBuilder(blockSize uint32) (*Builder, error) {
	if !validBlockSize(blockSize) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlockSize, blockSize)
	}
	return &Builder{blockSize: blockSize}, nil
}

// AddStream appends a stream and returns its index.
func (b *Builder) AddStream(data []byte) uint32 {
	b.streams = append(b.streams, data)
	b.deleted = append(b.deleted, false)
	return uint32(len(b.streams) - 1)
}

// AddNilStream appends a deleted stream and returns its index.
func (b *Builder) AddNilStream() uint32 {
	b.streams = append(b.streams, nil)
	b.deleted = append(b.deleted, true)
	return uint32(len(b.streams) - 1)
}

// SetStream replaces the contents of stream i.
func (b *Builder) SetStream(i uint32, data []byte) error {
	if int(i) >= len(b.streams) {
		return fmt.Errorf("%w: %d", ErrInvalidStreamIndex, i)
	}
	b.streams[i], b.deleted[i] = data, false
	return nil
}

// allocator hands out blocks, skipping the free block map slots.
type allocator struct {
	blockSize uint32
	next      uint32
}

func (a *allocator) isFPM(n uint32) bool {
	r := n % a.blockSize
	return r == 1 || r == 2
}

func (a *allocator) alloc(n uint32) []uint32 {
	out := make([]uint32, 0, n)
	for uint32(len(out)) < n {
		if !a.isFPM(a.next) {
			out = append(out, a.next)
		}
		a.next++
	}
	return out
}

// allocContiguous returns n consecutive blocks clear of free block maps.
func (a *allocator) allocContiguous(n uint32) uint32 {
	for {
		start, ok := a.next, true
		for i := uint32(0); i < n; i++ {
			if a.isFPM(start + i) {
				a.next = start + i + 1
				ok = false
				break
			}
		}
		if ok {
			a.next = start + n
			return start
		}
	}
}

// Build lays the container out. The result is a segment of whole blocks,
// ready to be placed at offset 0.
func (b *Builder) Build() (*segment.Builder, error) {
	bs := b.blockSize
	a := &allocator{blockSize: bs, next: 3}
	blocks := map[uint32][]byte{}

	dir := &Directory{Sizes: make([]uint32, len(b.streams)), Blocks: make([][]uint32, len(b.streams))}
	for i, data := range b.streams {
		if b.deleted[i] {
			dir.Sizes[i] = NilStreamSize
			continue
		}
		if uint64(len(data)) >= NilStreamSize {
			return nil, fmt.Errorf("msf: stream %d of %d bytes is too large", i, len(data))
		}
		dir.Sizes[i] = uint32(len(data))
		dir.Blocks[i] = a.alloc(blocksFor(uint32(len(data)), bs))
		scatter(blocks, dir.Blocks[i], data, bs)
	}

	w := binio.NewWriter()
	dir.Write(w)
	dirBlocks := a.alloc(blocksFor(uint32(w.Len()), bs))
	scatter(blocks, dirBlocks, w.Bytes(), bs)

	mw := binio.NewWriter()
	for _, n := range dirBlocks {
		mw.WriteU32(n)
	}
	mapCount := blocksFor(uint32(mw.Len()), bs)
	mapAddr := a.allocContiguous(mapCount)
	scatter(blocks, consecutive(mapAddr, mapCount), mw.Bytes(), bs)

	// The file always covers both free block maps of its last interval.
	numBlocks := a.next
	if a.isFPM(numBlocks) {
		numBlocks += 3 - numBlocks%bs
	}
	sb := SuperBlock{
		BlockSize:         bs,
		FreeBlockMapBlock: 1,
		NumBlocks:         numBlocks,
		NumDirectoryBytes: uint32(w.Len()),
		BlockMapAddr:      mapAddr,
	}
	copy(sb.FileMagic[:], Magic)
	sw := binio.NewWriter()
	if err := sb.write(sw); err != nil {
		return nil, err
	}
	blocks[0] = sw.Bytes()

	// Every allocated block is in use. Free bits are set.
	fpm := make([]byte, (numBlocks+7)/8)
	for n := numBlocks; n < uint32(len(fpm))*8; n++ {
		fpm[n/8] |= 1 << (n % 8)
	}
	var intervals []uint32
	for base := uint32(0); base < numBlocks; base += bs {
		intervals = append(intervals, base+1)
	}
	scatter(blocks, intervals, fpm, bs)

	out := segment.NewBuilder()
	for n := uint32(0); n < numBlocks; n++ {
		page := make([]byte, bs)
		copy(page, blocks[n])
		out.AddAligned(segment.NewDataSegment(page), bs)
	}
	out.UpdateOffsets(segment.RelocationParameters{})
	return out, nil
}

// Bytes builds the container and serializes it.
func (b *Builder) Bytes() ([]byte, error) {
	seg, err := b.Build()
	if err != nil {
		return nil, err
	}
	return segment.ToBytes(seg)
}

func (sb *SuperBlock) write(w *binio.Writer) error {
	if err := struc.Pack(w, sb); err != nil {
		return fmt.Errorf("msf: writing superblock: %w", err)
	}
	return nil
}

func consecutive(start, n uint32) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = start + uint32(i)
	}
	return out
}

// scatter splits data into block-sized pieces stored at the given blocks.
func scatter(blocks map[uint32][]byte, at []uint32, data []byte, bs uint32) {
	for i, n := range at {
		lo := min(uint32(i)*bs, uint32(len(data)))
		hi := min(lo+bs, uint32(len(data)))
		blocks[n] = data[lo:hi]
	}
}
