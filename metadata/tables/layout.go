package tables

// HeapSizes is the heap size bit vector of the tables stream header.
type HeapSizes uint8

// Heap size flags.
const (
	LargeStrings HeapSizes = 0x01
	LargeGUID    HeapSizes = 0x02
	LargeBlob    HeapSizes = 0x04
	ExtraData    HeapSizes = 0x40
)

// HeapSizesFor computes the flags for heaps of the given sizes.
func HeapSizesFor(strings, guids, blobs uint32) HeapSizes {
	var h HeapSizes
	if strings >= 1<<16 {
		h |= LargeStrings
	}
	if guids >= 1<<16 {
		h |= LargeGUID
	}
	if blobs >= 1<<16 {
		h |= LargeBlob
	}
	return h
}

// LayoutContext holds what determines column widths: heap sizes and the
// row count of every table.
type LayoutContext struct {
	HeapSizes HeapSizes
	RowCounts [NumTables]uint32
}

// ColumnLayout is the position of a column within a row.
type ColumnLayout struct {
	Offset uint32
	Size   uint32
}

// TableLayout is the computed row layout of one table.
type TableLayout struct {
	Columns []ColumnLayout
	RowSize uint32
}

// ColumnSize returns the width in bytes of a column of type c.
func (ctx *LayoutContext) ColumnSize(c ColumnType) uint32 {
	switch c.Kind {
	case KindU8:
		return 1
	case KindU16:
		return 2
	case KindU32:
		return 4
	case KindString:
		return wide(ctx.HeapSizes&LargeStrings != 0)
	case KindGUID:
		return wide(ctx.HeapSizes&LargeGUID != 0)
	case KindBlob:
		return wide(ctx.HeapSizes&LargeBlob != 0)
	case KindTable:
		return wide(ctx.RowCounts[c.Table] >= 1<<16)
	case KindCoded:
		limit := uint32(1) << (16 - c.Coded.TagBits())
		for _, t := range c.Coded.Tables() {
			if t != NoTable && ctx.RowCounts[t] >= limit {
				return 4
			}
		}
		return 2
	}
	return 0
}

func wide(large bool) uint32 {
	if large {
		return 4
	}
	return 2
}

// Layout computes the row layout of table t.
func (ctx *LayoutContext) Layout(t TableIndex) TableLayout {
	cols := Schemas[t].Columns
	l := TableLayout{Columns: make([]ColumnLayout, len(cols))}
	for i, c := range cols {
		size := ctx.ColumnSize(c.Type)
		l.Columns[i] = ColumnLayout{Offset: l.RowSize, Size: size}
		l.RowSize += size
	}
	return l
}

// ValidMask returns the bit vector of tables with at least one row.
func (ctx *LayoutContext) ValidMask() uint64 {
	var m uint64
	for i, n := range ctx.RowCounts {
		if n > 0 {
			m |= 1 << uint(i)
		}
	}
	return m
}
