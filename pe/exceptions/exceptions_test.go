package exceptions

import (
	"testing"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/diag"
	"github.com/skdltmxn/pe-go/pe"
	"github.com/skdltmxn/pe-go/segment"
)

func identity(data []byte, l diag.ErrorListener) *pe.ReaderContext {
	n := uint32(len(data))
	return &pe.ReaderContext{
		Listener:  l,
		Source:    binio.NewByteSource(data),
		Converter: segment.Runs{{RVA: 0, VirtualSize: n, Offset: 0, Size: n}},
	}
}

func TestBufferRoundTrip(t *testing.T) {
	code := segment.NewDataSegment(make([]byte, 0x40))
	handler := segment.NewDataSegment([]byte{0xC3})

	outer := &UnwindInfo{
		Version:       1,
		Flags:         FlagExceptionHandler,
		SizeOfProlog:  4,
		FrameRegister: 5,
		FrameOffset:   2,
		Codes: []UnwindCode{
			{CodeOffset: 4, Op: OpAllocSmall, Info: 3},
		},
		Handler:     segment.RefTo(handler),
		HandlerData: []byte{0xAA, 0xBB, 0xCC, 0xDD},
	}
	first := NewRuntimeFunction(segment.RefAt(code, 0), segment.RefAt(code, 0x20), outer)
	inner := &UnwindInfo{
		Version: 1,
		Flags:   FlagChainInfo,
		Codes: []UnwindCode{
			{CodeOffset: 1, Op: OpPushNonVol, Info: 3},
			{CodeOffset: 2, Op: OpPushNonVol, Info: 6},
		},
		Chained: first,
	}
	second := NewRuntimeFunction(segment.RefAt(code, 0x20), segment.RefAt(code, 0x40), inner)

	table := NewBuffer()
	if err := table.Add(first); err != nil {
		t.Fatal(err)
	}
	if err := table.Add(second); err != nil {
		t.Fatal(err)
	}
	if n := table.Data().Len(); n != 2 {
		t.Fatalf("%d unwind blocks, want 2", n)
	}

	img := segment.NewBuilder()
	img.Add(code)
	img.Add(handler)
	img.AddAligned(table, 4)
	img.AddAligned(table.Data(), 4)
	data, err := segment.Layout(img, 0)
	if err != nil {
		t.Fatal(err)
	}

	ctx := identity(data, diag.Strict)
	br := binio.NewBytesReader(data)
	r, _ := br.ForkRelativeLen(uint64(table.Offset()), uint64(table.PhysicalSize()))
	funcs, err := Read(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if len(funcs) != 2 {
		t.Fatalf("%d functions", len(funcs))
	}
	if funcs[1].Begin.RVA() != 0x20 || funcs[1].End.RVA() != 0x40 {
		t.Errorf("second function [0x%x, 0x%x)", funcs[1].Begin.RVA(), funcs[1].End.RVA())
	}

	u, err := funcs[0].UnwindInfo()
	if err != nil {
		t.Fatal(err)
	}
	if u.Flags != FlagExceptionHandler || u.SizeOfProlog != 4 || u.FrameRegister != 5 || u.FrameOffset != 2 {
		t.Errorf("unwind info = %+v", u)
	}
	if len(u.Codes) != 1 || u.Codes[0] != outer.Codes[0] {
		t.Errorf("codes = %+v", u.Codes)
	}
	if u.Handler.RVA() != handler.RVA() {
		t.Errorf("handler at 0x%x, want 0x%x", u.Handler.RVA(), handler.RVA())
	}
	if off := u.HandlerDataRVA(); data[off] != 0xAA {
		t.Errorf("handler data at 0x%x = 0x%02x", off, data[off])
	}

	u2, err := funcs[1].UnwindInfo()
	if err != nil {
		t.Fatal(err)
	}
	if u2.Chained == nil || u2.Chained.Begin.RVA() != 0 || u2.Chained.UnwindInfoRVA() != outer.RVA() {
		t.Fatalf("chained = %+v", u2.Chained)
	}
	chained, err := u2.Chained.UnwindInfo()
	if err != nil || chained.RVA() != u.RVA() {
		t.Errorf("chained unwind info: %v", err)
	}
}

func TestMalformedUnwindInfo(t *testing.T) {
	w := binio.NewWriter()
	w.WriteU32(0x10)
	w.WriteU32(0x20)
	w.WriteU32(0x0C)
	w.WriteU8(7) // version 7
	w.WriteZeroes(3)
	data := w.Bytes()

	bag := &diag.Bag{}
	br := binio.NewBytesReader(data)
	r, _ := br.ForkRelativeLen(0, RuntimeFunctionSize)
	funcs, err := Read(identity(data, bag), r)
	if err != nil {
		t.Fatal(err)
	}
	u, err := funcs[0].UnwindInfo()
	if err != nil || u != nil || bag.Len() != 1 {
		t.Errorf("lenient: %v %v, %d diagnostics", u, err, bag.Len())
	}

	funcs, _ = Read(identity(data, diag.Strict), r)
	if _, err := funcs[0].UnwindInfo(); err == nil {
		t.Error("strict read accepted version 7")
	}
}
