// Package relocation reads and builds the base relocation directory.
package relocation

import (
	"fmt"
	"sort"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/pe"
	"github.com/skdltmxn/pe-go/segment"
)

// Type is the kind of a base relocation entry.
type Type uint8

// Relocation types.
const (
	Absolute Type = 0
	High     Type = 1
	Low      Type = 2
	HighLow  Type = 3
	HighAdj  Type = 4
	Dir64    Type = 10
)

func (t Type) String() string {
	switch t {
	case Absolute:
		return "Absolute"
	case High:
		return "High"
	case Low:
		return "Low"
	case HighLow:
		return "HighLow"
	case HighAdj:
		return "HighAdj"
	case Dir64:
		return "Dir64"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

const (
	pageSize   = 0x1000
	headerSize = 8
)

// Entry is a single 16-bit entry of a block.
type Entry struct {
	Type   Type
	Offset uint16 // Offset within the page
}

func (e Entry) raw() uint16 { return uint16(e.Type)<<12 | e.Offset&0xFFF }

// Block is one page worth of relocations as stored in the file.
type Block struct {
	PageRVA uint32
	Entries []Entry
}

// Relocation marks a location holding an absolute address.
type Relocation struct {
	Type     Type
	Location segment.Reference
}

// Read parses every block in r. Entries are returned as stored, padding
// included. A block with an impossible size is reported to the context's
// listener and ends the directory.
func Read(ctx *pe.ReaderContext, r binio.Reader) ([]Block, error) {
	var blocks []Block
	for r.Remaining() >= headerSize {
		start := r.Offset()
		page, _ := r.ReadU32()
		size, _ := r.ReadU32()
		if size < headerSize || uint64(size-headerSize) > r.Remaining() {
			if err := ctx.Reportf("base relocation block", start, nil,
				"block size 0x%x with 0x%x bytes remaining", size, r.Remaining()); err != nil {
				return nil, err
			}
			break
		}

		b := Block{PageRVA: page, Entries: make([]Entry, 0, (size-headerSize)/2)}
		for k := uint32(0); k < (size-headerSize)/2; k++ {
			v, err := r.ReadU16()
			if err != nil {
				return nil, err
			}
			b.Entries = append(b.Entries, Entry{Type: Type(v >> 12), Offset: v & 0xFFF})
		}
		if size%2 != 0 {
			_ = r.Skip(1)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// Relocations flattens blocks into relocations, dropping Absolute entries,
// which only pad blocks.
func Relocations(blocks []Block) []Relocation {
	var out []Relocation
	for _, b := range blocks {
		for _, e := range b.Entries {
			if e.Type == Absolute {
				continue
			}
			out = append(out, Relocation{Type: e.Type, Location: segment.RefRVA(b.PageRVA + uint32(e.Offset))})
		}
	}
	return out
}

// Buffer builds a base relocation directory. Blocks are derived from the
// final RVAs of the registered locations, so every location must be placed
// before the buffer is. In an image this means the buffer belongs in the
// last section.
type Buffer struct {
	segment.Base
	relocs []Relocation
	blocks []Block
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer { return &Buffer{} }

// Add registers a relocation.
func (b *Buffer) Add(r Relocation) {
	b.relocs = append(b.relocs, r)
	b.blocks = nil
}

// AddFixups registers a relocation for every absolute fixup of s.
func (b *Buffer) AddFixups(s *segment.PatchedSegment) {
	for _, f := range s.AbsoluteFixups() {
		t := HighLow
		if f.Type == segment.Absolute64 {
			t = Dir64
		}
		b.Add(Relocation{Type: t, Location: segment.RefAt(s, f.Offset)})
	}
}

// Len returns the number of registered relocations.
func (b *Buffer) Len() int { return len(b.relocs) }

// Blocks groups the relocations by page, pages ascending and entries in
// insertion order.
func (b *Buffer) Blocks() []Block {
	if b.blocks != nil || len(b.relocs) == 0 {
		return b.blocks
	}
	pages := make(map[uint32]*Block)
	for _, r := range b.relocs {
		rva := r.Location.RVA()
		page := rva &^ (pageSize - 1)
		blk, ok := pages[page]
		if !ok {
			blk = &Block{PageRVA: page}
			pages[page] = blk
		}
		blk.Entries = append(blk.Entries, Entry{Type: r.Type, Offset: uint16(rva - page)})
	}
	b.blocks = make([]Block, 0, len(pages))
	for _, blk := range pages {
		b.blocks = append(b.blocks, *blk)
	}
	sort.Slice(b.blocks, func(i, j int) bool { return b.blocks[i].PageRVA < b.blocks[j].PageRVA })
	return b.blocks
}

// blockSize counts the entries, the zero terminator and padding to a
// 32-bit boundary.
func blockSize(b Block) uint32 {
	return binio.AlignUp(headerSize+uint32(len(b.Entries)+1)*2, 4)
}

// UpdateOffsets implements segment.Segment.
func (b *Buffer) UpdateOffsets(p segment.RelocationParameters) {
	b.Place(p.Offset, p.RVA)
	b.blocks = nil
	b.Blocks()
}

// PhysicalSize implements segment.Segment.
func (b *Buffer) PhysicalSize() uint32 {
	var n uint32
	for _, blk := range b.Blocks() {
		n += blockSize(blk)
	}
	return n
}

// VirtualSize implements segment.Segment.
func (b *Buffer) VirtualSize() uint32 { return b.PhysicalSize() }

// Write implements segment.Segment.
func (b *Buffer) Write(w *binio.Writer) error {
	for _, blk := range b.Blocks() {
		size := blockSize(blk)
		w.WriteU32(blk.PageRVA)
		w.WriteU32(size)
		for _, e := range blk.Entries {
			w.WriteU16(e.raw())
		}
		w.WriteZeroes(uint64(size) - headerSize - uint64(len(blk.Entries))*2)
	}
	return nil
}
