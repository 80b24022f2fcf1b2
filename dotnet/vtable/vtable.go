// Package vtable reads and builds the VTable fixup directory of mixed-mode
// .NET images. Each fixup is a table of method token slots that the runtime
// overwrites with callable addresses when the image is loaded.
package vtable

import (
	"fmt"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/metadata/tables"
	"github.com/skdltmxn/pe-go/pe"
	"github.com/skdltmxn/pe-go/segment"
)

// EntrySize is the size of a directory entry.
const EntrySize = 8

// Type holds the flags of a fixup.
type Type uint16

// Fixup flags.
const (
	Type32Bit                     Type = 0x01
	Type64Bit                     Type = 0x02
	TypeFromUnmanaged             Type = 0x04
	TypeFromUnmanagedRetainDomain Type = 0x08
	TypeCallMostDerived           Type = 0x10
)

// SlotSize returns the size of one token slot.
func (t Type) SlotSize() uint32 {
	if t&Type64Bit != 0 {
		return 8
	}
	return 4
}

// Fixup is one table of token slots.
type Fixup struct {
	Type   Type
	Tokens []tables.Token

	slots *slots
}

// Read parses the directory in r, following each entry to its token table.
// Tables that cannot be read are reported and returned empty.
func Read(ctx *pe.ReaderContext, r binio.Reader) ([]*Fixup, error) {
	var out []*Fixup
	for r.Remaining() >= EntrySize {
		at := r.Offset()
		rva, _ := r.ReadU32()
		count, _ := r.ReadU16()
		typ, _ := r.ReadU16()

		f := &Fixup{Type: Type(typ)}
		out = append(out, f)
		if count == 0 {
			continue
		}

		width := f.Type.SlotSize()
		tr, err := ctx.ReaderAtRVA(rva, uint32(count)*width)
		if err != nil {
			if err := ctx.Reportf("vtable fixups", at, err, "%d slots at 0x%x", count, rva); err != nil {
				return nil, err
			}
			continue
		}
		f.Tokens = make([]tables.Token, count)
		for i := range f.Tokens {
			v, err := tr.ReadNativeInt(width == 4)
			if err != nil {
				return nil, fmt.Errorf("vtable: slot %d at 0x%x: %w", i, rva, err)
			}
			f.Tokens[i] = tables.Token(uint32(v))
		}
	}
	return out, nil
}

type slots struct {
	segment.Base
	fixup *Fixup
}

func (s *slots) PhysicalSize() uint32 {
	return uint32(len(s.fixup.Tokens)) * s.fixup.Type.SlotSize()
}

func (s *slots) VirtualSize() uint32 { return s.PhysicalSize() }

func (s *slots) Write(w *binio.Writer) error {
	for _, tok := range s.fixup.Tokens {
		w.WriteNativeInt(uint64(tok), s.fixup.Type.SlotSize() == 4)
	}
	return nil
}

// Buffer builds the fixup directory. The token tables are collected in
// Data, which is usually placed in a writable section.
type Buffer struct {
	segment.Base
	fixups []*Fixup
	data   *segment.Builder
}

// NewBuffer creates an empty directory.
func NewBuffer() *Buffer {
	return &Buffer{data: segment.NewBuilder()}
}

// Add appends f.
func (b *Buffer) Add(f *Fixup) {
	f.slots = &slots{fixup: f}
	b.fixups = append(b.fixups, f)
	b.data.AddAligned(f.slots, f.Type.SlotSize())
}

// Fixups returns the directory entries.
func (b *Buffer) Fixups() []*Fixup { return b.fixups }

// Data returns the segment holding the token tables.
func (b *Buffer) Data() *segment.Builder { return b.data }

// TokenSlot references slot i of f, for example from an export thunk that
// jumps through it. f must have been added to a buffer.
func TokenSlot(f *Fixup, i int) segment.Reference {
	if f.slots == nil {
		panic(fmt.Errorf("vtable: fixup not added to a buffer"))
	}
	if i < 0 || i >= len(f.Tokens) {
		panic(fmt.Errorf("vtable: slot %d out of range [0, %d)", i, len(f.Tokens)))
	}
	return segment.RefAt(f.slots, uint32(i)*f.Type.SlotSize())
}

// PhysicalSize implements segment.Segment.
func (b *Buffer) PhysicalSize() uint32 { return uint32(len(b.fixups)) * EntrySize }

// VirtualSize implements segment.Segment.
func (b *Buffer) VirtualSize() uint32 { return b.PhysicalSize() }

// Write implements segment.Segment.
func (b *Buffer) Write(w *binio.Writer) error {
	for _, f := range b.fixups {
		if len(f.Tokens) > 0xFFFF {
			return fmt.Errorf("vtable: fixup with %d slots", len(f.Tokens))
		}
		w.WriteU32(f.slots.RVA())
		w.WriteU16(uint16(len(f.Tokens)))
		w.WriteU16(uint16(f.Type))
	}
	return nil
}
