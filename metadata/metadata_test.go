package metadata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/diag"
	"github.com/skdltmxn/pe-go/metadata/heap"
	"github.com/skdltmxn/pe-go/metadata/tables"
	"github.com/skdltmxn/pe-go/segment"
)

type sample struct {
	mvid      heap.GUID
	name      uint32
	typeToken tables.Token
	hello     tables.Token
	sig       uint32
}

func buildSample(t *testing.T, opts Options) ([]byte, sample) {
	t.Helper()
	b := NewBuilder(opts)

	var s sample
	var err error
	s.mvid = heap.GUID{0xAA, 1, 2, 3}
	if s.name, err = b.AddString("HelloWorld.dll"); err != nil {
		t.Fatal(err)
	}
	mvid := b.AddGUID(s.mvid)
	if _, err := b.AddRow(tables.Module, tables.Row{0, s.name, mvid, 0, 0}); err != nil {
		t.Fatal(err)
	}

	world, _ := b.AddString("World")
	ns, _ := b.AddString("HelloWorld")
	if _, err := b.AddRow(tables.TypeDef, tables.Row{0, 0, 0, 0, 1, 1}); err != nil {
		t.Fatal(err)
	}
	if s.typeToken, err = b.AddRow(tables.TypeDef, tables.Row{0x100001, world, ns, 0, 1, 1}); err != nil {
		t.Fatal(err)
	}

	s.sig = b.AddBlob([]byte{0x00, 0x00, 0x01})
	main, _ := b.AddString("Main")
	if _, err := b.AddRow(tables.MethodDef, tables.Row{0x2050, 0, 0x96, main, s.sig, 1}); err != nil {
		t.Fatal(err)
	}
	if s.hello, err = b.AddUserString("Hello, World!"); err != nil {
		t.Fatal(err)
	}

	dir, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	out, err := segment.Layout(dir, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	return out, s
}

func TestBuildAndRead(t *testing.T) {
	data, s := buildSample(t, Options{})

	m, err := Read(binio.NewBytesReader(data), diag.Strict)
	if err != nil {
		t.Fatal(err)
	}
	if m.VersionString != DefaultVersionString || m.MajorVersion != 1 || m.MinorVersion != 1 {
		t.Errorf("root = %q %d.%d", m.VersionString, m.MajorVersion, m.MinorVersion)
	}

	var names []string
	for _, h := range m.Headers {
		names = append(names, h.Name)
		if h.Offset%4 != 0 {
			t.Errorf("stream %s at unaligned offset 0x%x", h.Name, h.Offset)
		}
	}
	want := []string{"#~", "#Strings", "#US", "#GUID", "#Blob"}
	if len(names) != len(want) {
		t.Fatalf("streams = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("stream %d = %s, want %s", i, names[i], want[i])
		}
	}

	strs, ok := m.Strings()
	if !ok {
		t.Fatal("no #Strings")
	}
	if got, _ := strs.String(s.name); got != "HelloWorld.dll" {
		t.Errorf("module name = %q", got)
	}

	guids, _ := m.GUIDs()
	if guids.GUID(1) != s.mvid {
		t.Errorf("mvid = %s", guids.GUID(1))
	}
	blobs, _ := m.Blobs()
	if b, _ := blobs.Blob(s.sig); !bytes.Equal(b, []byte{0, 0, 1}) {
		t.Errorf("signature = % x", b)
	}
	us, _ := m.UserStrings()
	if got, _ := us.UserString(s.hello.RID()); got != "Hello, World!" {
		t.Errorf("user string = %q", got)
	}

	tbl, err := m.Tables()
	if err != nil {
		t.Fatal(err)
	}
	types, err := tbl.Table(tables.TypeDef)
	if err != nil {
		t.Fatal(err)
	}
	row, err := types.Row(s.typeToken.RID())
	if err != nil {
		t.Fatal(err)
	}
	name, _ := strs.String(row[1])
	ns, _ := strs.String(row[2])
	if ns+"."+name != "HelloWorld.World" {
		t.Errorf("type = %s.%s", ns, name)
	}
}

func TestBuildOptimizedStrings(t *testing.T) {
	plain, _ := buildSample(t, Options{})
	data, s := buildSample(t, Options{OptimizeStrings: true})

	m, err := Read(binio.NewBytesReader(data), nil)
	if err != nil {
		t.Fatal(err)
	}
	strs, _ := m.Strings()
	plainMeta, _ := Read(binio.NewBytesReader(plain), nil)
	plainStrs, _ := plainMeta.Strings()
	if strs.Size() > plainStrs.Size() {
		t.Errorf("optimized #Strings is %d bytes, plain %d", strs.Size(), plainStrs.Size())
	}

	tbl, _ := m.Tables()
	types, _ := tbl.Table(tables.TypeDef)
	row, _ := types.Row(s.typeToken.RID())
	if name, _ := strs.String(row[1]); name != "World" {
		t.Errorf("remapped type name = %q", name)
	}
	if ns, _ := strs.String(row[2]); ns != "HelloWorld" {
		t.Errorf("remapped namespace = %q", ns)
	}
	// "World" is a suffix of "HelloWorld" and shares its bytes.
	if row[1] != row[2]+5 {
		t.Errorf("World at %d, HelloWorld at %d", row[1], row[2])
	}
}

func TestOptimizeImportedStrings(t *testing.T) {
	b := NewBuilder(Options{OptimizeStrings: true})
	imported := heap.NewStringsHeap(binio.NewBytesReader([]byte("\x00FooBar\x00Aa\x00")))
	if err := b.Strings.Import(imported); err != nil {
		t.Fatal(err)
	}
	names := map[uint32]string{1: "FooBar", 4: "Bar", 8: "Aa"}
	order := []uint32{1, 4, 8}
	for _, i := range order {
		if _, err := b.AddRow(tables.ModuleRef, tables.Row{i}); err != nil {
			t.Fatal(err)
		}
	}
	dir, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	out, err := segment.Layout(dir, 0x2000)
	if err != nil {
		t.Fatal(err)
	}

	m, err := Read(binio.NewBytesReader(out), diag.Strict)
	if err != nil {
		t.Fatal(err)
	}
	strs, _ := m.Strings()
	tbl, _ := m.Tables()
	refs, err := tbl.Table(tables.ModuleRef)
	if err != nil {
		t.Fatal(err)
	}
	for rid, old := range order {
		row, err := refs.Row(uint32(rid + 1))
		if err != nil {
			t.Fatal(err)
		}
		if got, _ := strs.String(row[0]); got != names[old] {
			t.Errorf("ModuleRef %d name = %q, want %q", rid+1, got, names[old])
		}
	}
}

func TestReadErrors(t *testing.T) {
	if _, err := Read(binio.NewBytesReader([]byte("MZ\x00\x00")), nil); !errors.Is(err, ErrBadSignature) {
		t.Errorf("bad signature: %v", err)
	}

	// One stream header pointing past the end.
	w := binio.NewWriter()
	w.WriteU32(Signature)
	w.WriteU16(1)
	w.WriteU16(1)
	w.WriteU32(0)
	w.WriteU32(4)
	w.WriteBytes([]byte("v4\x00\x00"))
	w.WriteU16(0)
	w.WriteU16(1)
	w.WriteU32(0x1000)
	w.WriteU32(0x10)
	w.WriteCString("#Blob")
	w.Align(4)
	data := w.Bytes()

	if _, err := Read(binio.NewBytesReader(data), diag.Strict); !errors.Is(err, ErrStreamOutOfRange) {
		t.Errorf("strict: %v", err)
	}

	bag := &diag.Bag{}
	m, err := Read(binio.NewBytesReader(data), bag)
	if err != nil {
		t.Fatalf("lenient: %v", err)
	}
	if bag.Len() != 1 {
		t.Errorf("%d diagnostics", bag.Len())
	}
	if _, ok := m.Blobs(); ok {
		t.Error("out-of-range stream exposed")
	}
	if _, err := m.Tables(); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Tables: %v", err)
	}
}

func TestDirectoryHeaderLayout(t *testing.T) {
	s := heap.NewStream("#Blob", []byte{0, 1, 2})
	d := NewDirectory("v2.0.50727", s)
	data, err := segment.Layout(d, 0)
	if err != nil {
		t.Fatal(err)
	}
	// 16 + 12 (version) + 4 + 8 + 8 ("#Blob\0" padded).
	const root = 48
	if off := binary.LittleEndian.Uint32(data[32:]); off != root {
		t.Errorf("stream offset = %d, want %d", off, root)
	}
	if size := binary.LittleEndian.Uint32(data[36:]); size != 4 {
		t.Errorf("stream size = %d", size)
	}
	if len(data) != root+4 || s.Offset() != root {
		t.Errorf("directory size %d, stream at %d", len(data), s.Offset())
	}
}
