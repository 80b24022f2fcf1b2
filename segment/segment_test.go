package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/skdltmxn/pe-go/binio"
)

func TestBuilderLayout(t *testing.T) {
	a := NewDataSegment([]byte{1, 2, 3})
	b := NewDataSegment([]byte{4, 5})
	c := NewVirtualSegment(NewDataSegment([]byte{6}), 0x10)
	d := NewDataSegment([]byte{7})

	bld := NewBuilder()
	bld.Add(a)
	bld.AddAligned(b, 4)
	bld.Add(c)
	bld.AddAligned(d, 8)

	bld.UpdateOffsets(NewRelocationParameters(0x400000, 0x200, 0x1000, true))

	tests := []struct {
		name   string
		seg    Segment
		offset uint64
		rva    uint32
	}{
		{"a", a, 0x200, 0x1000},
		{"b", b, 0x204, 0x1004},
		{"c", c, 0x206, 0x1006},
		// c occupies 1 byte in the file but 0x10 in memory.
		{"d", d, 0x208, 0x1018},
	}
	for _, tt := range tests {
		if tt.seg.Offset() != tt.offset || tt.seg.RVA() != tt.rva {
			t.Errorf("%s: offset=0x%x rva=0x%x, want 0x%x 0x%x",
				tt.name, tt.seg.Offset(), tt.seg.RVA(), tt.offset, tt.rva)
		}
	}

	if got := bld.PhysicalSize(); got != 9 {
		t.Errorf("PhysicalSize = %d, want 9", got)
	}
	if got := bld.VirtualSize(); got != 0x19 {
		t.Errorf("VirtualSize = 0x%x, want 0x19", got)
	}

	out, err := ToBytes(bld)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 2, 3, 0, 4, 5, 6, 0, 7}
	if !bytes.Equal(out, want) {
		t.Errorf("got % x, want % x", out, want)
	}
}

func TestBuilderUpdateOffsetsIdempotent(t *testing.T) {
	inner := NewBuilder()
	inner.AddAligned(NewDataSegment([]byte{1}), 4)
	inner.AddAligned(NewDataSegment([]byte{2}), 4)

	outer := NewBuilder()
	outer.Add(NewDataSegment([]byte{9}))
	outer.Add(inner)

	p := NewRelocationParameters(0, 0, 0x2000, false)
	outer.UpdateOffsets(p)
	first, _ := ToBytes(outer)
	size := outer.PhysicalSize()

	outer.UpdateOffsets(p)
	second, _ := ToBytes(outer)
	if !bytes.Equal(first, second) || outer.PhysicalSize() != size {
		t.Errorf("second layout differs: % x vs % x", first, second)
	}
}

func TestBuilderSizeBeforeLayout(t *testing.T) {
	bld := NewBuilder()
	bld.Add(NewDataSegment([]byte{1}))
	bld.AddAligned(NewDataSegment([]byte{2, 3}), 4)
	if got := bld.PhysicalSize(); got != 6 {
		t.Errorf("measured size = %d, want 6", got)
	}

	bld.UpdateOffsets(RelocationParameters{})
	bld.Add(NewZeroesSegment(4))
	if got := bld.PhysicalSize(); got != 10 {
		t.Errorf("size after Add = %d, want 10", got)
	}
}

func TestRVABeforeLayoutPanics(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrNotRelocated) {
			t.Errorf("recovered %v, want ErrNotRelocated", r)
		}
	}()
	NewDataSegment([]byte{1}).RVA()
}

type lyingSegment struct {
	Base
}

func (s *lyingSegment) PhysicalSize() uint32 { return 4 }
func (s *lyingSegment) VirtualSize() uint32  { return 4 }
func (s *lyingSegment) Write(w *binio.Writer) error {
	w.WriteU16(0)
	return nil
}

func TestWriteSizeMismatchPanics(t *testing.T) {
	seg := &lyingSegment{}
	seg.UpdateOffsets(RelocationParameters{})
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrSizeMismatch) {
			t.Errorf("recovered %v, want ErrSizeMismatch", r)
		}
	}()
	_, _ = ToBytes(seg)
}

func TestAbsolute32Fixup(t *testing.T) {
	target := NewDataSegment(make([]byte, 4))
	code := NewPatchedSegment(NewDataSegment(make([]byte, 16)))
	code.AddFixup(AddressFixup{Offset: 10, Type: Absolute32, Symbol: target})

	const imageBase = 0x00400000
	code.UpdateOffsets(NewRelocationParameters(imageBase, 0x400, 0x1000, true))
	target.UpdateOffsets(NewRelocationParameters(imageBase, 0x600, 0x2000, true))

	out, err := ToBytes(code)
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(out[10:]); got != 0x00402000 {
		t.Errorf("patched value = 0x%08x, want 0x00402000", got)
	}
}

func TestFixupToLaterSegment(t *testing.T) {
	code := NewPatchedSegment(NewDataSegment(make([]byte, 8)))
	target := NewDataSegment([]byte{0xCC})
	code.AddFixup(AddressFixup{Offset: 1, Type: Relative32, Symbol: RefTo(target)})

	b := NewBuilder()
	b.Add(code)
	b.AddAligned(target, 16)
	out, err := Layout(b, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if got := int32(binary.LittleEndian.Uint32(out[1:])); got != 16-5 {
		t.Errorf("displacement = %d, want %d", got, 16-5)
	}
}

func le32(v int32) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(v))
}

func TestFixupKinds(t *testing.T) {
	tests := []struct {
		name   string
		fixup  FixupType
		target uint32
		want   []byte
	}{
		{"abs64", Absolute64, 0x3000, binary.LittleEndian.AppendUint64(nil, 0x140003000)},
		// Displacement is relative to the end of the operand at 0x1000+2+4.
		{"rel32 forward", Relative32, 0x2000, le32(0x2000 - 0x1006)},
		{"rel32 backward", Relative32, 0x800, le32(0x800 - 0x1006)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg := NewPatchedSegment(NewDataSegment(make([]byte, 12)))
			seg.AddFixup(AddressFixup{Offset: 2, Type: tt.fixup, Symbol: RefRVA(tt.target)})
			seg.UpdateOffsets(NewRelocationParameters(0x140000000, 0, 0x1000, false))

			out, err := ToBytes(seg)
			if err != nil {
				t.Fatal(err)
			}
			if got := out[2 : 2+len(tt.want)]; !bytes.Equal(got, tt.want) {
				t.Errorf("got % x, want % x", got, tt.want)
			}
		})
	}
}

func TestFixupOutOfBounds(t *testing.T) {
	seg := NewPatchedSegment(NewDataSegment(make([]byte, 4)))
	seg.AddFixup(AddressFixup{Offset: 2, Type: Absolute32, Symbol: RefRVA(0)})
	seg.UpdateOffsets(RelocationParameters{})
	if _, err := ToBytes(seg); err == nil {
		t.Error("out-of-bounds fixup accepted")
	}
}

func TestRawPatch(t *testing.T) {
	seg := NewPatchedSegment(NewDataSegment([]byte{0, 0, 0, 0}))
	seg.Patch(1, []byte{0xAA, 0xBB})
	seg.UpdateOffsets(RelocationParameters{})
	out, err := ToBytes(seg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, []byte{0, 0xAA, 0xBB, 0}) {
		t.Errorf("got % x", out)
	}
}

func TestSymbolTableDeferred(t *testing.T) {
	table := NewSymbolTable[string]()
	ref := table.Ref("stub")

	code := NewPatchedSegment(NewDataSegment(make([]byte, 8)))
	code.AddFixup(AddressFixup{Offset: 0, Type: Absolute32, Symbol: ref})

	stub := NewDataSegment([]byte{0xFF, 0x25})
	table.Define("stub", stub)

	bld := NewBuilder()
	bld.Add(code)
	bld.AddAligned(stub, 4)
	bld.UpdateOffsets(NewRelocationParameters(0x10000000, 0, 0x1000, true))

	if got := ref.RVA(); got != 0x1008 {
		t.Errorf("deferred RVA = 0x%x, want 0x1008", got)
	}
	out, err := ToBytes(bld)
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(out); got != 0x10001008 {
		t.Errorf("patched = 0x%x", got)
	}
}

func TestUndefinedSymbolPanics(t *testing.T) {
	table := NewSymbolTable[int]()
	ref := table.Ref(7)
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrUndefinedSymbol) {
			t.Errorf("recovered %v, want ErrUndefinedSymbol", r)
		}
	}()
	ref.RVA()
}

func TestReferences(t *testing.T) {
	seg := NewDataSegment(make([]byte, 0x20))
	seg.UpdateOffsets(RelocationParameters{Offset: 0x400, RVA: 0x3000})

	if r := RefAt(seg, 0x10); r.RVA() != 0x3010 || r.Offset() != 0x410 {
		t.Errorf("RefAt: rva=0x%x offset=0x%x", r.RVA(), r.Offset())
	}
	var nilRef Reference
	if !nilRef.IsNil() || nilRef.RVA() != 0 {
		t.Error("zero Reference is not nil")
	}
	if !RefTo(nil).IsNil() {
		t.Error("RefTo(nil) is not nil")
	}
}

func TestRunsConverter(t *testing.T) {
	runs := Runs{
		{RVA: 0x1000, VirtualSize: 0x1800, Offset: 0x400, Size: 0x1000},
		{RVA: 0x3000, VirtualSize: 0x100, Offset: 0x1400, Size: 0x200},
	}

	tests := []struct {
		rva    uint32
		offset uint64
		ok     bool
	}{
		{0x1000, 0x400, true},
		{0x1FFF, 0x13FF, true},
		{0x2000, 0, false}, // zero-fill tail of the first section
		{0x3010, 0x1410, true},
		{0x200, 0x200, true}, // headers
		{0x5000, 0, false},
	}
	for _, tt := range tests {
		off, ok := runs.RVAToOffset(tt.rva)
		if ok != tt.ok || off != tt.offset {
			t.Errorf("RVAToOffset(0x%x) = 0x%x, %v", tt.rva, off, ok)
		}
	}

	if rva, ok := runs.OffsetToRVA(0x1410); !ok || rva != 0x3010 {
		t.Errorf("OffsetToRVA(0x1410) = 0x%x, %v", rva, ok)
	}
}

func TestReaderSegment(t *testing.T) {
	src := binio.NewByteSource([]byte("..payload.."))
	r, err := binio.NewReaderAt(src, 2, 0x5002, 7)
	if err != nil {
		t.Fatal(err)
	}
	_ = r.Skip(3)

	seg := NewReaderSegment(r)
	if seg.Offset() != 2 || seg.RVA() != 0x5002 || seg.PhysicalSize() != 7 {
		t.Errorf("offset=%d rva=0x%x size=%d", seg.Offset(), seg.RVA(), seg.PhysicalSize())
	}
	out, err := ToBytes(seg)
	if err != nil || string(out) != "payload" {
		t.Errorf("got %q, %v", out, err)
	}
}
