package segment

import (
	"fmt"

	"github.com/skdltmxn/pe-go/binio"
)

type builderItem struct {
	seg   Segment
	align uint32
}

// Builder is a composite segment that lays out its children one after
// another, padding before each child up to its declared alignment.
//
// A Builder is meant for a single writer; it is not safe for concurrent
// mutation.
type Builder struct {
	Base
	items []builderItem

	params       RelocationParameters
	physicalSize uint32
	virtualSize  uint32
	sizeValid    bool
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends seg without alignment requirements.
func (b *Builder) Add(seg Segment) {
	b.AddAligned(seg, 1)
}

// AddAligned appends seg, aligning its file offset and RVA to alignment.
func (b *Builder) AddAligned(seg Segment, alignment uint32) {
	if alignment == 0 {
		alignment = 1
	}
	b.items = append(b.items, builderItem{seg: seg, align: alignment})
	b.sizeValid = false
}

// Len returns the number of children.
func (b *Builder) Len() int { return len(b.items) }

// Segments returns the children in layout order.
func (b *Builder) Segments() []Segment {
	out := make([]Segment, len(b.items))
	for i, it := range b.items {
		out[i] = it.seg
	}
	return out
}

// UpdateOffsets implements Segment. Children are placed depth-first in
// insertion order.
func (b *Builder) UpdateOffsets(p RelocationParameters) {
	b.Place(p.Offset, p.RVA)
	b.params = p

	cur := p
	for _, it := range b.items {
		cur = cur.Align(it.align)
		it.seg.UpdateOffsets(cur)
		cur = cur.Advance(it.seg.PhysicalSize(), it.seg.VirtualSize())
	}

	b.physicalSize = uint32(cur.Offset - p.Offset)
	b.virtualSize = cur.RVA - p.RVA
	b.sizeValid = true
}

// measure computes the sizes the builder would have if placed at p,
// without placing anything.
func (b *Builder) measure(p RelocationParameters) (physical, virtual uint32) {
	cur := p
	for _, it := range b.items {
		cur = cur.Align(it.align)
		var ps, vs uint32
		if nested, ok := it.seg.(*Builder); ok {
			ps, vs = nested.measure(cur)
		} else {
			ps, vs = it.seg.PhysicalSize(), it.seg.VirtualSize()
		}
		cur = cur.Advance(ps, vs)
	}
	return uint32(cur.Offset - p.Offset), cur.RVA - p.RVA
}

func (b *Builder) sizes() (uint32, uint32) {
	if !b.sizeValid {
		b.physicalSize, b.virtualSize = b.measure(b.params)
		b.sizeValid = true
	}
	return b.physicalSize, b.virtualSize
}

// PhysicalSize implements Segment. Before the first UpdateOffsets the size
// is measured as if the builder started at offset 0.
func (b *Builder) PhysicalSize() uint32 {
	ps, _ := b.sizes()
	return ps
}

// VirtualSize implements Segment.
func (b *Builder) VirtualSize() uint32 {
	_, vs := b.sizes()
	return vs
}

// Write implements Segment.
func (b *Builder) Write(w *binio.Writer) error {
	start := w.Offset()
	for _, it := range b.items {
		rel := it.seg.Offset() - b.Offset()
		cur := w.Offset() - start
		if rel < cur {
			panic(fmt.Errorf("%w: child %T at relative offset 0x%x overlaps previous data ending at 0x%x",
				ErrSizeMismatch, it.seg, rel, cur))
		}
		w.WriteZeroes(rel - cur)
		if err := WriteSegment(w, it.seg); err != nil {
			return err
		}
	}
	return nil
}
