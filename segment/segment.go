// Package segment provides the layout model shared by every PE and metadata
// writer: segments with a computable size, an assignable file offset and
// RVA, and the ability to emit their contents.
//
// Layout is two-phase. All sizes must be final before UpdateOffsets assigns
// addresses, and contents that depend on final addresses are resolved
// through Symbols when a segment is written.
package segment

import (
	"errors"
	"fmt"

	"github.com/skdltmxn/pe-go/binio"
)

// Contract violations. They are raised as panics because they indicate a
// bug in the caller, not malformed input.
var (
	ErrNotRelocated    = errors.New("segment: address queried before UpdateOffsets")
	ErrUndefinedSymbol = errors.New("segment: reference to undefined symbol")
	ErrSizeMismatch    = errors.New("segment: emitted size differs from declared size")
)

// Symbol is anything with a final relative virtual address.
type Symbol interface {
	RVA() uint32
}

// Segment is a unit of output.
type Segment interface {
	Symbol

	// Offset returns the file offset assigned by the last UpdateOffsets.
	Offset() uint64

	// PhysicalSize returns the number of bytes Write emits.
	PhysicalSize() uint32

	// VirtualSize returns the size of the segment once mapped into memory.
	VirtualSize() uint32

	// UpdateOffsets assigns the segment's final offset and RVA and
	// propagates them to any children. It is idempotent.
	UpdateOffsets(p RelocationParameters)

	// Write emits exactly PhysicalSize bytes.
	Write(w *binio.Writer) error
}

// RelocationParameters carries the image base and the current file offset
// and RVA through a layout pass.
type RelocationParameters struct {
	ImageBase uint64
	Offset    uint64
	RVA       uint32
	Is32Bit   bool
}

// NewRelocationParameters returns parameters positioned at offset and rva.
func NewRelocationParameters(imageBase, offset uint64, rva uint32, is32Bit bool) RelocationParameters {
	return RelocationParameters{ImageBase: imageBase, Offset: offset, RVA: rva, Is32Bit: is32Bit}
}

// Align rounds both the file offset and the RVA up to alignment.
func (p RelocationParameters) Align(alignment uint32) RelocationParameters {
	p.Offset = binio.AlignUp(p.Offset, uint64(alignment))
	p.RVA = binio.AlignUp(p.RVA, alignment)
	return p
}

// Advance moves the file offset by physical bytes and the RVA by virtual
// bytes.
func (p RelocationParameters) Advance(physical, virtual uint32) RelocationParameters {
	p.Offset += uint64(physical)
	p.RVA += virtual
	return p
}

// At returns a copy positioned at offset and rva.
func (p RelocationParameters) At(offset uint64, rva uint32) RelocationParameters {
	p.Offset = offset
	p.RVA = rva
	return p
}

// Base implements the offset bookkeeping of a Segment. Embed it and
// call Place from UpdateOffsets.
type Base struct {
	offset uint64
	rva    uint32
	placed bool
}

// Place records the segment's final location.
func (b *Base) Place(offset uint64, rva uint32) {
	b.offset = offset
	b.rva = rva
	b.placed = true
}

// Placed reports whether an address has been assigned.
func (b *Base) Placed() bool { return b.placed }

// Offset returns the assigned file offset. It panics if the segment was
// never placed.
func (b *Base) Offset() uint64 {
	if !b.placed {
		panic(ErrNotRelocated)
	}
	return b.offset
}

// RVA returns the assigned RVA. It panics if the segment was never placed.
func (b *Base) RVA() uint32 {
	if !b.placed {
		panic(ErrNotRelocated)
	}
	return b.rva
}

// UpdateOffsets places the segment at the parameters' position.
func (b *Base) UpdateOffsets(p RelocationParameters) {
	b.Place(p.Offset, p.RVA)
}

// WriteSegment writes seg and verifies that it emitted exactly its declared
// physical size.
func WriteSegment(w *binio.Writer, seg Segment) error {
	before := w.Offset()
	if err := seg.Write(w); err != nil {
		return err
	}
	if n, want := w.Offset()-before, uint64(seg.PhysicalSize()); n != want {
		panic(fmt.Errorf("%w: %T wrote %d bytes, declared %d", ErrSizeMismatch, seg, n, want))
	}
	return nil
}

// ToBytes serializes a placed segment.
func ToBytes(seg Segment) ([]byte, error) {
	w := binio.NewWriterAt(seg.Offset())
	if err := WriteSegment(w, seg); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Layout places seg at offset 0 and RVA rva and serializes it. It is a
// convenience for standalone structures.
func Layout(seg Segment, rva uint32) ([]byte, error) {
	seg.UpdateOffsets(RelocationParameters{RVA: rva})
	return ToBytes(seg)
}
