package resources

import (
	"errors"
	"testing"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/diag"
	"github.com/skdltmxn/pe-go/pe"
	"github.com/skdltmxn/pe-go/segment"
)

const sectionRVA = 0x3000

func layoutTree(t *testing.T, root *Directory) []byte {
	t.Helper()
	b, err := NewBuffer(root)
	if err != nil {
		t.Fatal(err)
	}
	data, err := segment.Layout(b, sectionRVA)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func readTree(t *testing.T, data []byte, l diag.ErrorListener) *Directory {
	t.Helper()
	n := uint32(len(data))
	ctx := &pe.ReaderContext{
		Listener:  l,
		Source:    binio.NewByteSource(data),
		Converter: segment.Runs{{RVA: sectionRVA, VirtualSize: n, Offset: 0, Size: n}},
	}
	root, err := Read(ctx, binio.NewBytesReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func mustAdd(t *testing.T, d *Directory, e Entry) {
	t.Helper()
	if err := d.Add(e); err != nil {
		t.Fatal(err)
	}
}

func TestRoundTrip(t *testing.T) {
	root := NewDirectory(Key{})
	icons := NewDirectory(ByID(3))
	icon := NewDirectory(ByID(1))
	mustAdd(t, icon, NewData(ByID(1033), 1252, segment.NewDataSegment([]byte("abc"))))
	mustAdd(t, icons, icon)

	custom := NewDirectory(ByName("MYTYPE"))
	item := NewDirectory(ByName("ITEMé"))
	mustAdd(t, item, NewData(ByID(0), 0, segment.NewDataSegment([]byte{1, 2, 3, 4, 5})))
	mustAdd(t, custom, item)

	// Added out of order; named entries must come first.
	mustAdd(t, root, icons)
	mustAdd(t, root, custom)

	data := layoutTree(t, root)
	got := readTree(t, data, diag.Strict)

	entries, err := got.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Key() != ByName("MYTYPE") || entries[1].Key() != ByID(3) {
		t.Fatalf("root entries = %v", entries)
	}
	if got.NamedEntries != 1 || got.IDEntries != 1 {
		t.Errorf("header counts %d/%d", got.NamedEntries, got.IDEntries)
	}

	type leaf struct {
		path     string
		codePage uint32
		contents string
	}
	var leaves []leaf
	err = got.Walk(func(path []Key, d *Data) error {
		b, err := d.Bytes()
		if err != nil {
			return err
		}
		var p string
		for _, k := range path {
			p += "/" + k.String()
		}
		if d.Contents.RVA()%DataAlignment != 0 {
			t.Errorf("%s: contents at unaligned RVA 0x%x", p, d.Contents.RVA())
		}
		leaves = append(leaves, leaf{p, d.CodePage, string(b)})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []leaf{
		{`/"MYTYPE"/"ITEMé"/#0`, 0, "\x01\x02\x03\x04\x05"},
		{"/#3/#1/#1033", 1252, "abc"},
	}
	if len(leaves) != len(want) {
		t.Fatalf("leaves = %+v", leaves)
	}
	for i := range want {
		if leaves[i] != want[i] {
			t.Errorf("leaf %d = %+v, want %+v", i, leaves[i], want[i])
		}
	}

	// The tree read back can be written again unchanged.
	if again := layoutTree(t, got); string(again) != string(data) {
		t.Error("rewritten tree differs")
	}
}

func TestLookup(t *testing.T) {
	root := NewDirectory(Key{})
	mustAdd(t, root, NewData(ByID(7), 0, segment.NewDataSegment([]byte{1})))
	got := readTree(t, layoutTree(t, root), diag.Strict)

	if _, ok := got.Lookup(ByID(7)); !ok {
		t.Error("entry 7 not found")
	}
	if _, ok := got.Lookup(ByName("7")); ok {
		t.Error("name matched an ID")
	}
}

func TestCycle(t *testing.T) {
	w := binio.NewWriter()
	w.WriteZeroes(12)
	w.WriteU16(0)
	w.WriteU16(1)
	w.WriteU32(5)
	w.WriteU32(highBit) // subdirectory at offset 0, the root itself
	data := w.Bytes()

	bag := &diag.Bag{}
	root := readTree(t, data, bag)
	entries, err := root.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 || !errors.Is(bag.Err(), ErrCycle) {
		t.Errorf("entries %v, diagnostics %v", entries, bag.Err())
	}

	root = readTree(t, data, diag.Strict)
	if _, err := root.Entries(); !errors.Is(err, ErrCycle) {
		t.Errorf("strict: %v", err)
	}
}

func TestDepthLimit(t *testing.T) {
	root := NewDirectory(Key{})
	d := root
	for i := 0; i < MaxDepth+8; i++ {
		child := NewDirectory(ByID(uint32(i)))
		mustAdd(t, d, child)
		d = child
	}
	mustAdd(t, d, NewData(ByID(0), 0, segment.NewDataSegment([]byte{1})))

	bag := &diag.Bag{}
	got := readTree(t, layoutTree(t, root), bag)
	var n int
	if err := got.Walk(func([]Key, *Data) error { n++; return nil }); err != nil {
		t.Fatal(err)
	}
	if n != 0 || bag.Len() != 1 || !errors.Is(bag.Err(), ErrTooDeep) {
		t.Errorf("%d leaves, diagnostics %v", n, bag.Err())
	}
}
