package relocation

import (
	"encoding/binary"
	"testing"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/diag"
	"github.com/skdltmxn/pe-go/pe"
	"github.com/skdltmxn/pe-go/segment"
)

func TestBufferGroupsByPage(t *testing.T) {
	b := NewBuffer()
	b.Add(Relocation{Type: HighLow, Location: segment.RefRVA(0x2690)})
	b.Add(Relocation{Type: Absolute, Location: segment.RefRVA(0x2000)})

	data, err := segment.Layout(b, 0x4000)
	if err != nil {
		t.Fatal(err)
	}

	blocks := b.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("%d blocks, want 1", len(blocks))
	}
	if blocks[0].PageRVA != 0x2000 {
		t.Errorf("page = 0x%x", blocks[0].PageRVA)
	}
	want := []Entry{{HighLow, 0x690}, {Absolute, 0x000}}
	if len(blocks[0].Entries) != len(want) {
		t.Fatalf("entries = %v", blocks[0].Entries)
	}
	for i, e := range want {
		if blocks[0].Entries[i] != e {
			t.Errorf("entry %d = %+v, want %+v", i, blocks[0].Entries[i], e)
		}
	}

	if len(data) != 16 {
		t.Fatalf("directory is %d bytes", len(data))
	}
	if size := binary.LittleEndian.Uint32(data[4:]); size != 16 {
		t.Errorf("block size = %d", size)
	}
	if v := binary.LittleEndian.Uint16(data[8:]); v != 0x3690 {
		t.Errorf("first entry = 0x%04x", v)
	}
	if v := binary.LittleEndian.Uint16(data[12:]); v != 0 {
		t.Errorf("terminator = 0x%04x", v)
	}
}

func TestReadRoundTrip(t *testing.T) {
	b := NewBuffer()
	b.Add(Relocation{Type: Dir64, Location: segment.RefRVA(0x3008)})
	b.Add(Relocation{Type: HighLow, Location: segment.RefRVA(0x1010)})
	b.Add(Relocation{Type: HighLow, Location: segment.RefRVA(0x1004)})
	data, err := segment.Layout(b, 0)
	if err != nil {
		t.Fatal(err)
	}

	blocks, err := Read(&pe.ReaderContext{Listener: diag.Strict}, binio.NewBytesReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 2 || blocks[0].PageRVA != 0x1000 || blocks[1].PageRVA != 0x3000 {
		t.Fatalf("blocks = %+v", blocks)
	}

	relocs := Relocations(blocks)
	want := []struct {
		typ Type
		rva uint32
	}{
		{HighLow, 0x1010},
		{HighLow, 0x1004},
		{Dir64, 0x3008},
	}
	if len(relocs) != len(want) {
		t.Fatalf("relocations = %+v", relocs)
	}
	for i, w := range want {
		if relocs[i].Type != w.typ || relocs[i].Location.RVA() != w.rva {
			t.Errorf("relocation %d = %s@0x%x, want %s@0x%x",
				i, relocs[i].Type, relocs[i].Location.RVA(), w.typ, w.rva)
		}
	}
}

func TestAddFixups(t *testing.T) {
	target := segment.NewDataSegment(make([]byte, 4))
	code := segment.NewPatchedSegment(segment.NewDataSegment(make([]byte, 16)))
	code.AddFixup(segment.AddressFixup{Offset: 2, Type: segment.Absolute32, Symbol: target})
	code.AddFixup(segment.AddressFixup{Offset: 8, Type: segment.Relative32, Symbol: target})
	code.AddFixup(segment.AddressFixup{Offset: 8, Type: segment.Absolute64, Symbol: target})

	text := segment.NewBuilder()
	text.Add(code)
	text.Add(target)
	text.UpdateOffsets(segment.RelocationParameters{Offset: 0x400, RVA: 0x1000})

	b := NewBuffer()
	b.AddFixups(code)
	if b.Len() != 2 {
		t.Fatalf("%d relocations, want 2", b.Len())
	}
	blocks := b.Blocks()
	want := []Entry{{HighLow, 2}, {Dir64, 8}}
	for i, e := range want {
		if blocks[0].Entries[i] != e {
			t.Errorf("entry %d = %+v, want %+v", i, blocks[0].Entries[i], e)
		}
	}
}

func TestReadMalformed(t *testing.T) {
	w := binio.NewWriter()
	w.WriteU32(0x1000)
	w.WriteU32(0x100)
	w.WriteU16(0x3004)

	if _, err := Read(&pe.ReaderContext{Listener: diag.Strict}, binio.NewBytesReader(w.Bytes())); err == nil {
		t.Error("strict read accepted an oversized block")
	}

	bag := &diag.Bag{}
	blocks, err := Read(&pe.ReaderContext{Listener: bag}, binio.NewBytesReader(w.Bytes()))
	if err != nil || len(blocks) != 0 || bag.Len() != 1 {
		t.Errorf("lenient read: %v, %d blocks, %d diagnostics", err, len(blocks), bag.Len())
	}
}
