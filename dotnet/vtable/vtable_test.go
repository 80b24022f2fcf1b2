package vtable

import (
	"encoding/binary"
	"testing"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/diag"
	"github.com/skdltmxn/pe-go/metadata/tables"
	"github.com/skdltmxn/pe-go/pe"
	"github.com/skdltmxn/pe-go/segment"
)

func TestBufferRoundTrip(t *testing.T) {
	f32 := &Fixup{
		Type:   Type32Bit,
		Tokens: []tables.Token{tables.NewToken(tables.MethodDef, 1), tables.NewToken(tables.MethodDef, 2)},
	}
	f64 := &Fixup{
		Type:   Type64Bit | TypeFromUnmanaged,
		Tokens: []tables.Token{tables.NewToken(tables.MethodDef, 3)},
	}
	dir := NewBuffer()
	dir.Add(f32)
	dir.Add(f64)

	// jmp [slot]
	thunk := segment.NewPatchedSegment(segment.NewDataSegment([]byte{0xFF, 0x25, 0, 0, 0, 0}))
	thunk.AddFixup(segment.AddressFixup{Offset: 2, Type: segment.Absolute32, Symbol: TokenSlot(f32, 1)})

	img := segment.NewBuilder()
	img.Add(thunk)
	img.AddAligned(dir, 4)
	img.AddAligned(dir.Data(), 8)
	img.UpdateOffsets(segment.NewRelocationParameters(0x10000000, 0, 0x1000, true))
	data, err := segment.ToBytes(img)
	if err != nil {
		t.Fatal(err)
	}

	slot := f32.slots.RVA() + 4
	if got := binary.LittleEndian.Uint32(data[2:]); got != 0x10000000+slot {
		t.Errorf("thunk target 0x%x, want 0x%x", got, 0x10000000+slot)
	}

	n := uint32(len(data))
	ctx := &pe.ReaderContext{
		Listener:  diag.Strict,
		Source:    binio.NewByteSource(data),
		Converter: segment.Runs{{RVA: 0x1000, VirtualSize: n, Offset: 0, Size: n}},
	}
	br := binio.NewBytesReader(data)
	r, _ := br.ForkRelativeLen(dir.Offset(), uint64(dir.PhysicalSize()))
	fixups, err := Read(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if len(fixups) != 2 {
		t.Fatalf("%d fixups", len(fixups))
	}
	for i, want := range []*Fixup{f32, f64} {
		got := fixups[i]
		if got.Type != want.Type || len(got.Tokens) != len(want.Tokens) {
			t.Errorf("fixup %d = %+v", i, got)
			continue
		}
		for j := range want.Tokens {
			if got.Tokens[j] != want.Tokens[j] {
				t.Errorf("fixup %d slot %d = %v, want %v", i, j, got.Tokens[j], want.Tokens[j])
			}
		}
	}
	if f64.slots.RVA()%8 != 0 {
		t.Errorf("64-bit slots at 0x%x", f64.slots.RVA())
	}
}

func TestReadUnmappedTable(t *testing.T) {
	w := binio.NewWriter()
	w.WriteU32(0x9000)
	w.WriteU16(4)
	w.WriteU16(uint16(Type32Bit))
	data := w.Bytes()

	bag := &diag.Bag{}
	ctx := &pe.ReaderContext{Listener: bag, Source: binio.NewByteSource(data), Converter: segment.Runs{}}
	fixups, err := Read(ctx, binio.NewBytesReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(fixups) != 1 || fixups[0].Tokens != nil || bag.Len() != 1 {
		t.Errorf("fixups %+v, %d diagnostics", fixups, bag.Len())
	}
}

func TestTokenSlotPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("TokenSlot on an unbuffered fixup did not panic")
		}
	}()
	TokenSlot(&Fixup{Type: Type32Bit, Tokens: []tables.Token{1}}, 0)
}
