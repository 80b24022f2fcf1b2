package tables

import (
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/metadata/heap"
)

// Buffer collects the rows of every table and serializes the tables
// stream.
type Buffer struct {
	Name         string
	MajorVersion uint8
	MinorVersion uint8

	tables [NumTables]MutableTable
}

// NewBuffer creates an empty #~ buffer for metadata version 2.0.
func NewBuffer() *Buffer {
	return &Buffer{Name: CompressedStreamName, MajorVersion: 2}
}

// Table returns the table t, creating it on first use.
func (b *Buffer) Table(t TableIndex) MutableTable {
	if b.tables[t] == nil {
		b.tables[t] = New(t)
	}
	return b.tables[t]
}

// SetTable replaces table t.
func (b *Buffer) SetTable(t MutableTable) {
	b.tables[t.TableIndex()] = t
}

// Add adds row to table t and returns its token.
func (b *Buffer) Add(t TableIndex, row Row) (Token, error) {
	if len(row) != len(Schemas[t].Columns) {
		return 0, fmt.Errorf("%w: %s has %d columns, got %d", ErrColumnCount, t, len(Schemas[t].Columns), len(row))
	}
	return NewToken(t, b.Table(t).Add(row)), nil
}

// RowCounts returns the current row count of every table.
func (b *Buffer) RowCounts() [NumTables]uint32 {
	var counts [NumTables]uint32
	for i, t := range b.tables {
		if t != nil {
			counts[i] = t.Count()
		}
	}
	return counts
}

// Build serializes the stream. Row counts and heap sizes are final at this
// point, so column widths are computed once here.
func (b *Buffer) Build(sizes HeapSizes) (*heap.Stream, error) {
	ctx := LayoutContext{HeapSizes: sizes &^ ExtraData, RowCounts: b.RowCounts()}

	w := binio.NewWriter()
	hdr := Header{
		MajorVersion: b.MajorVersion,
		MinorVersion: b.MinorVersion,
		HeapSizes:    ctx.HeapSizes,
		Reserved2:    1,
		Valid:        ctx.ValidMask(),
		Sorted:       SortedMask(),
	}
	if err := struc.Pack(w, &hdr); err != nil {
		return nil, fmt.Errorf("tables: writing header: %w", err)
	}
	for _, n := range ctx.RowCounts {
		if n > 0 {
			w.WriteU32(n)
		}
	}

	for i, t := range b.tables {
		if t == nil || t.Count() == 0 {
			continue
		}
		l := ctx.Layout(TableIndex(i))
		for rid, row := range t.Rows() {
			if len(row) != len(l.Columns) {
				return nil, fmt.Errorf("%w: %s[%d]", ErrColumnCount, TableIndex(i), rid+1)
			}
			for c, col := range l.Columns {
				if err := writeColumn(w, row[c], col.Size); err != nil {
					return nil, fmt.Errorf("tables: %s[%d] column %s: %w",
						TableIndex(i), rid+1, Schemas[i].Columns[c].Name, err)
				}
			}
		}
	}

	return heap.NewStream(b.Name, w.Bytes()), nil
}

func writeColumn(w *binio.Writer, v, size uint32) error {
	switch size {
	case 1:
		if v > 0xFF {
			return fmt.Errorf("value 0x%x does not fit in 1 byte", v)
		}
		w.WriteU8(uint8(v))
	case 2:
		if v > 0xFFFF {
			return fmt.Errorf("value 0x%x does not fit in 2 bytes", v)
		}
		w.WriteU16(uint16(v))
	default:
		w.WriteU32(v)
	}
	return nil
}
