package tables

import (
	"errors"
	"slices"
	"testing"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/segment"
)

func keyedTable(keys ...uint32) *SortedTable {
	t := NewSortedTable(NestedClass, 0)
	for i, k := range keys {
		// Second column records insertion order.
		t.rows = append(t.rows, Row{k, uint32(i)})
	}
	return t
}

func keys(t *SortedTable) []uint32 {
	var out []uint32
	for _, r := range t.Rows() {
		out = append(out, r[0])
	}
	return out
}

func TestSortedInsert(t *testing.T) {
	tests := []struct {
		name    string
		initial []uint32
		insert  uint32
		pos     int
	}{
		{"middle", []uint32{10, 20, 30, 40, 50}, 25, 2},
		{"front", []uint32{10, 20, 30, 40, 50}, 1, 0},
		{"end", []uint32{10, 20, 30, 40, 50}, 60, 5},
		{"after duplicates", []uint32{10, 30, 30, 30, 30}, 60, 5},
		{"before duplicates", []uint32{30, 30, 30, 30, 60}, 10, 0},
		{"among equal keys", []uint32{10, 30, 30, 50}, 30, 3},
		{"empty", nil, 7, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := keyedTable(tt.initial...)
			if got := tbl.Insert(Row{tt.insert, 99}); got != tt.pos {
				t.Errorf("Insert(%d) = %d, want %d", tt.insert, got, tt.pos)
			}
			ks := keys(tbl)
			if !slices.IsSorted(ks) {
				t.Errorf("rows not sorted: %v", ks)
			}
			if row, _ := tbl.Get(uint32(tt.pos) + 1); row[1] != 99 {
				t.Errorf("row at %d is %v", tt.pos, row)
			}
		})
	}
}

func TestSortedInsertKeepsDuplicateOrder(t *testing.T) {
	tbl := NewSortedTable(CustomAttribute, 0)
	for i, k := range []uint32{5, 3, 5, 1, 5, 3} {
		tbl.Add(Row{k, uint32(i), 0})
	}
	var order []uint32
	for _, r := range tbl.Rows() {
		if r[0] == 5 {
			order = append(order, r[1])
		}
	}
	if !slices.Equal(order, []uint32{0, 2, 4}) {
		t.Errorf("equal keys reordered: %v", order)
	}

	if err := tbl.Set(1, Row{2, 0, 0}); !errors.Is(err, ErrSortKeyChanged) {
		t.Errorf("Set changing key: %v", err)
	}
	if err := tbl.Set(1, Row{1, 42, 0}); err != nil {
		t.Errorf("Set keeping key: %v", err)
	}
}

func TestCodedIndex(t *testing.T) {
	tests := []struct {
		kind  CodedIndexKind
		table TableIndex
		rid   uint32
		want  uint32
	}{
		{TypeDefOrRef, TypeRef, 3, 3<<2 | 1},
		{TypeDefOrRef, TypeSpec, 1, 1<<2 | 2},
		{HasCustomAttribute, Assembly, 1, 1<<5 | 14},
		{HasCustomAttribute, MethodSpec, 2, 2<<5 | 21},
		{CustomAttributeType, MemberRef, 9, 9<<3 | 3},
		{ResolutionScope, AssemblyRef, 1, 1<<2 | 2},
		{MemberRefParent, TypeSpec, 4, 4<<3 | 4},
		{HasSemantics, Property, 6, 6<<1 | 1},
	}
	for _, tt := range tests {
		got, err := tt.kind.Encode(tt.table, tt.rid)
		if err != nil {
			t.Fatalf("%s.Encode(%s, %d): %v", tt.kind, tt.table, tt.rid, err)
		}
		if got != tt.want {
			t.Errorf("%s.Encode(%s, %d) = 0x%x, want 0x%x", tt.kind, tt.table, tt.rid, got, tt.want)
		}
		tok, ok := tt.kind.Decode(got)
		if !ok || tok != NewToken(tt.table, tt.rid) {
			t.Errorf("%s.Decode(0x%x) = %v, %v", tt.kind, got, tok, ok)
		}
	}

	if _, err := TypeDefOrRef.Encode(MethodDef, 1); !errors.Is(err, ErrNotInCodedIndex) {
		t.Errorf("encoding MethodDef as TypeDefOrRef: %v", err)
	}
	if _, ok := CustomAttributeType.Decode(1<<3 | 0); ok {
		t.Error("unused CustomAttributeType tag decoded")
	}
}

func TestToken(t *testing.T) {
	tok := NewToken(MethodDef, 0x12)
	if tok != 0x06000012 || tok.Table() != MethodDef || tok.RID() != 0x12 {
		t.Errorf("token = %v", tok)
	}
	if tok.String() != "MethodDef[18] (0x06000012)" {
		t.Errorf("String = %s", tok)
	}
}

func TestColumnSizes(t *testing.T) {
	var ctx LayoutContext
	if got := ctx.Layout(TypeDef).RowSize; got != 4+2+2+2+2+2 {
		t.Errorf("small TypeDef row = %d", got)
	}

	ctx.HeapSizes = LargeStrings | LargeBlob
	ctx.RowCounts[Field] = 1 << 16
	// Extends stays 2 bytes; FieldList widens.
	if got := ctx.Layout(TypeDef).RowSize; got != 4+4+4+2+4+2 {
		t.Errorf("large TypeDef row = %d", got)
	}

	// HasCustomAttribute has 5 tag bits, so 2048 rows is the limit.
	ctx = LayoutContext{}
	ctx.RowCounts[Param] = 1<<11 - 1
	if ctx.ColumnSize(ColumnType{Kind: KindCoded, Coded: HasCustomAttribute}) != 2 {
		t.Error("coded index widened too early")
	}
	ctx.RowCounts[Param] = 1 << 11
	if ctx.ColumnSize(ColumnType{Kind: KindCoded, Coded: HasCustomAttribute}) != 4 {
		t.Error("coded index not widened")
	}
}

func TestSortedMask(t *testing.T) {
	if got := SortedMask(); got != 0x000016003301FA00 {
		t.Errorf("SortedMask = 0x%016x", got)
	}
}

func buildStream(t *testing.T, b *Buffer, sizes HeapSizes) *Stream {
	t.Helper()
	hs, err := b.Build(sizes)
	if err != nil {
		t.Fatal(err)
	}
	data, err := segment.Layout(hs, 0)
	if err != nil {
		t.Fatal(err)
	}
	s, err := Read(hs.Name, binio.NewBytesReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStreamRoundTrip(t *testing.T) {
	b := NewBuffer()
	mustAdd := func(ti TableIndex, row Row) Token {
		t.Helper()
		tok, err := b.Add(ti, row)
		if err != nil {
			t.Fatal(err)
		}
		return tok
	}

	mustAdd(Module, Row{0, 1, 1, 0, 0})
	scope, _ := ResolutionScope.Encode(AssemblyRef, 1)
	objRef := mustAdd(TypeRef, Row{scope, 10, 17})
	mustAdd(AssemblyRef, Row{4, 0, 0, 0, 0, 5, 30, 0, 0})
	extends, _ := TypeDefOrRef.EncodeToken(objRef)
	mustAdd(TypeDef, Row{0, 40, 0, 0, 1, 1})
	mustAdd(TypeDef, Row{0x100001, 45, 50, extends, 1, 1})
	mustAdd(MethodDef, Row{0x2050, 0, 0x96, 60, 7, 1})

	parent, _ := HasCustomAttribute.Encode(TypeDef, 2)
	other, _ := HasCustomAttribute.Encode(Module, 1)
	ctor, _ := CustomAttributeType.Encode(MethodDef, 1)
	mustAdd(CustomAttribute, Row{parent, ctor, 9})
	first := mustAdd(CustomAttribute, Row{other, ctor, 12})
	if first.RID() != 1 {
		t.Errorf("sorted insert placed row at %d", first.RID())
	}

	s := buildStream(t, b, HeapSizesFor(0x100, 0x10, 0x20000))

	if s.MajorVersion != 2 || s.MinorVersion != 0 || s.Reserved2 != 1 {
		t.Errorf("version %d.%d reserved %d", s.MajorVersion, s.MinorVersion, s.Reserved2)
	}
	if s.HeapSizes != LargeBlob {
		t.Errorf("heap sizes = 0x%x", s.HeapSizes)
	}
	wantValid := uint64(1)<<Module | 1<<TypeRef | 1<<TypeDef | 1<<MethodDef | 1<<CustomAttribute | 1<<AssemblyRef
	if s.Valid != wantValid {
		t.Errorf("valid = 0x%x, want 0x%x", s.Valid, wantValid)
	}
	if s.Sorted != SortedMask() {
		t.Errorf("sorted = 0x%x", s.Sorted)
	}

	for ti, want := range map[TableIndex]uint32{TypeDef: 2, CustomAttribute: 2, Field: 0, AssemblyRef: 1} {
		if got := s.RowCount(ti); got != want {
			t.Errorf("RowCount(%s) = %d, want %d", ti, got, want)
		}
	}

	types, err := s.Table(TypeDef)
	if err != nil {
		t.Fatal(err)
	}
	row, err := types.Row(2)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(row, Row{0x100001, 45, 50, extends, 1, 1}) {
		t.Errorf("TypeDef[2] = %v", row)
	}
	tok, ok := TypeDefOrRef.Decode(row[3])
	if !ok || tok != objRef {
		t.Errorf("Extends decoded to %v", tok)
	}

	cas, _ := s.Table(CustomAttribute)
	if v, _ := cas.Column(1, 2); v != 12 {
		t.Errorf("CustomAttribute[1].Value = %d", v)
	}
	if cas.Layout().RowSize != 2+2+4 {
		t.Errorf("CustomAttribute row size = %d", cas.Layout().RowSize)
	}
	if _, err := cas.Row(3); !errors.Is(err, ErrRowOutOfRange) {
		t.Errorf("Row(3): %v", err)
	}

	loaded, err := cas.Load()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := loaded.(*SortedTable); !ok || loaded.Count() != 2 {
		t.Errorf("Load = %T with %d rows", loaded, loaded.Count())
	}
}

func TestReadErrors(t *testing.T) {
	if _, err := Read("#~", binio.NewBytesReader(make([]byte, 10))); !errors.Is(err, binio.ErrUnexpectedEOF) {
		t.Errorf("short header: %v", err)
	}

	hdr := make([]byte, 24)
	hdr[4] = 2
	hdr[15] = 0x80 // bit 63 of Valid
	if _, err := Read("#~", binio.NewBytesReader(hdr)); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("unknown table: %v", err)
	}

	// TypeDef declares one row but no row data follows.
	b := NewBuffer()
	_, _ = b.Add(TypeDef, Row{0, 0, 0, 0, 0, 0})
	hs, _ := b.Build(0)
	data := hs.Data()[:24+4]
	s, err := Read("#~", binio.NewBytesReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Table(TypeDef); !errors.Is(err, ErrTruncatedTable) {
		t.Errorf("truncated table: %v", err)
	}
}

func TestAddWrongColumnCount(t *testing.T) {
	b := NewBuffer()
	if _, err := b.Add(Module, Row{1, 2}); !errors.Is(err, ErrColumnCount) {
		t.Errorf("Add: %v", err)
	}
}
