package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/skdltmxn/pe-go/binio"
)

// FixupType selects how an address fixup encodes its target.
type FixupType uint8

const (
	// Absolute32 writes the 32-bit virtual address of the target.
	Absolute32 FixupType = iota + 1
	// Absolute64 writes the 64-bit virtual address of the target.
	Absolute64
	// Relative32 writes the 32-bit displacement from the end of the operand
	// to the target.
	Relative32
)

func (t FixupType) String() string {
	switch t {
	case Absolute32:
		return "Absolute32"
	case Absolute64:
		return "Absolute64"
	case Relative32:
		return "Relative32"
	default:
		return fmt.Sprintf("FixupType(%d)", uint8(t))
	}
}

// Size returns the number of bytes the fixup patches.
func (t FixupType) Size() uint32 {
	if t == Absolute64 {
		return 8
	}
	return 4
}

// AddressFixup is a deferred instruction to patch bytes at Offset within a
// segment with the final address of Symbol.
type AddressFixup struct {
	Offset uint32
	Type   FixupType
	Symbol Symbol
}

// Apply writes the fixup into buf, the contents of a segment located at
// segmentRVA in an image based at imageBase.
func (f AddressFixup) Apply(buf []byte, segmentRVA uint32, imageBase uint64) error {
	if uint64(f.Offset)+uint64(f.Type.Size()) > uint64(len(buf)) {
		return fmt.Errorf("segment: %s fixup at offset 0x%x exceeds segment of %d bytes", f.Type, f.Offset, len(buf))
	}

	target := f.Symbol.RVA()
	switch f.Type {
	case Absolute32:
		binary.LittleEndian.PutUint32(buf[f.Offset:], uint32(uint64(target)+imageBase))
	case Absolute64:
		binary.LittleEndian.PutUint64(buf[f.Offset:], uint64(target)+imageBase)
	case Relative32:
		next := segmentRVA + f.Offset + 4
		binary.LittleEndian.PutUint32(buf[f.Offset:], uint32(int32(target-next)))
	default:
		return fmt.Errorf("segment: unknown fixup type %d", f.Type)
	}
	return nil
}

// Patch overwrites raw bytes at Offset within a segment.
type Patch struct {
	Offset uint32
	Data   []byte
}

// PatchedSegment wraps a segment and rewrites parts of its output. Address
// fixups are evaluated in Write, not in UpdateOffsets, so a fixup may
// target a symbol placed after the segment itself. UpdateOffsets only
// records the image base the fixups are resolved against.
type PatchedSegment struct {
	Contents Segment

	patches   []Patch
	fixups    []AddressFixup
	imageBase uint64
}

// NewPatchedSegment wraps contents.
func NewPatchedSegment(contents Segment) *PatchedSegment {
	return &PatchedSegment{Contents: contents}
}

// Patch adds a raw byte patch.
func (s *PatchedSegment) Patch(offset uint32, data []byte) *PatchedSegment {
	s.patches = append(s.patches, Patch{Offset: offset, Data: data})
	return s
}

// AddFixup adds an address fixup.
func (s *PatchedSegment) AddFixup(f AddressFixup) *PatchedSegment {
	s.fixups = append(s.fixups, f)
	return s
}

// Fixups returns the registered address fixups.
func (s *PatchedSegment) Fixups() []AddressFixup { return s.fixups }

// AbsoluteFixups returns the fixups that embed absolute addresses and so
// need base relocations.
func (s *PatchedSegment) AbsoluteFixups() []AddressFixup {
	var out []AddressFixup
	for _, f := range s.fixups {
		if f.Type == Absolute32 || f.Type == Absolute64 {
			out = append(out, f)
		}
	}
	return out
}

// Offset implements Segment.
func (s *PatchedSegment) Offset() uint64 { return s.Contents.Offset() }

// RVA implements Symbol.
func (s *PatchedSegment) RVA() uint32 { return s.Contents.RVA() }

// PhysicalSize implements Segment.
func (s *PatchedSegment) PhysicalSize() uint32 { return s.Contents.PhysicalSize() }

// VirtualSize implements Segment.
func (s *PatchedSegment) VirtualSize() uint32 { return s.Contents.VirtualSize() }

// UpdateOffsets implements Segment.
func (s *PatchedSegment) UpdateOffsets(p RelocationParameters) {
	s.Contents.UpdateOffsets(p)
	s.imageBase = p.ImageBase
}

// Write implements Segment.
func (s *PatchedSegment) Write(w *binio.Writer) error {
	inner := binio.NewWriterAt(s.Offset())
	if err := WriteSegment(inner, s.Contents); err != nil {
		return err
	}
	buf := inner.Bytes()

	for _, p := range s.patches {
		if uint64(p.Offset)+uint64(len(p.Data)) > uint64(len(buf)) {
			return fmt.Errorf("segment: patch of %d bytes at offset 0x%x exceeds segment of %d bytes",
				len(p.Data), p.Offset, len(buf))
		}
		copy(buf[p.Offset:], p.Data)
	}

	rva := s.RVA()
	for _, f := range s.fixups {
		if err := f.Apply(buf, rva, s.imageBase); err != nil {
			return err
		}
	}

	w.WriteBytes(buf)
	return nil
}
