package tables

import (
	"errors"
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/internal/lazy"
)

// Stream names.
const (
	CompressedStreamName   = "#~"
	UncompressedStreamName = "#-"
)

var (
	// ErrUnknownTable is returned when the valid mask names a table this
	// package does not know the schema of.
	ErrUnknownTable = errors.New("tables: unknown table present")

	// ErrTruncatedTable is returned when a table's rows extend beyond the
	// stream.
	ErrTruncatedTable = errors.New("tables: table data truncated")
)

// Header is the fixed part of the tables stream.
type Header struct {
	Reserved     uint32    `struc:"uint32,little"`
	MajorVersion uint8     `struc:"uint8"`
	MinorVersion uint8     `struc:"uint8"`
	HeapSizes    HeapSizes `struc:"uint8"`
	Reserved2    uint8     `struc:"uint8"`
	Valid        uint64    `struc:"uint64,little"`
	Sorted       uint64    `struc:"uint64,little"`
}

// Stream reads a tables stream. Rows are decoded on demand.
type Stream struct {
	Header
	ExtraData uint32 // present when HeapSizes has ExtraData
	Name      string
	Layout    LayoutContext

	r       binio.Reader
	offsets [NumTables]uint64
	views   [NumTables]lazy.Result[*View]
}

// Read parses the header of the tables stream in r.
func Read(name string, r binio.Reader) (*Stream, error) {
	s := &Stream{Name: name, r: r.Fork()}
	s.r.Rewind()

	hr := s.r.Fork()
	if !hr.CanRead(24) {
		return nil, fmt.Errorf("tables: reading header: %w", binio.ErrUnexpectedEOF)
	}
	if err := struc.Unpack(&hr, &s.Header); err != nil {
		return nil, fmt.Errorf("tables: reading header: %w", err)
	}

	if s.Valid>>NumTables != 0 {
		return nil, fmt.Errorf("%w: valid mask 0x%016x", ErrUnknownTable, s.Valid)
	}
	s.Layout.HeapSizes = s.HeapSizes
	for i := 0; i < NumTables; i++ {
		if s.Valid&(1<<uint(i)) == 0 {
			continue
		}
		n, err := hr.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("tables: reading row count of %s: %w", TableIndex(i), err)
		}
		s.Layout.RowCounts[i] = n
	}
	if s.HeapSizes&ExtraData != 0 {
		var err error
		if s.ExtraData, err = hr.ReadU32(); err != nil {
			return nil, fmt.Errorf("tables: reading extra data: %w", err)
		}
	}

	off := hr.RelativeOffset()
	for i := 0; i < NumTables; i++ {
		s.offsets[i] = off
		l := s.Layout.Layout(TableIndex(i))
		off += uint64(l.RowSize) * uint64(s.Layout.RowCounts[i])
	}
	return s, nil
}

// RowCount returns the number of rows in table t.
func (s *Stream) RowCount(t TableIndex) uint32 {
	if !t.Valid() {
		return 0
	}
	return s.Layout.RowCounts[t]
}

// Table returns a view of table t.
func (s *Stream) Table(t TableIndex) (*View, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, t)
	}
	return s.views[t].Get(func() (*View, error) {
		l := s.Layout.Layout(t)
		n := s.Layout.RowCounts[t]
		r, err := s.r.ForkRelativeLen(s.offsets[t], uint64(l.RowSize)*uint64(n))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrTruncatedTable, t, err)
		}
		return &View{index: t, layout: l, count: n, r: r}, nil
	})
}

// View gives access to the rows of one table of a stream.
type View struct {
	index  TableIndex
	layout TableLayout
	count  uint32
	r      binio.Reader
}

// TableIndex returns the table kind.
func (v *View) TableIndex() TableIndex { return v.index }

// Count returns the number of rows.
func (v *View) Count() uint32 { return v.count }

// Layout returns the row layout.
func (v *View) Layout() TableLayout { return v.layout }

// Row decodes the row with 1-based identifier rid.
func (v *View) Row(rid uint32) (Row, error) {
	if rid == 0 || rid > v.count {
		return nil, fmt.Errorf("%w: %s[%d]", ErrRowOutOfRange, v.index, rid)
	}
	r, err := v.r.ForkRelativeLen(uint64(rid-1)*uint64(v.layout.RowSize), uint64(v.layout.RowSize))
	if err != nil {
		return nil, err
	}
	row := make(Row, len(v.layout.Columns))
	for i, c := range v.layout.Columns {
		if row[i], err = readColumn(&r, c.Size); err != nil {
			return nil, err
		}
	}
	return row, nil
}

// Column decodes a single column of row rid.
func (v *View) Column(rid uint32, col int) (uint32, error) {
	if rid == 0 || rid > v.count {
		return 0, fmt.Errorf("%w: %s[%d]", ErrRowOutOfRange, v.index, rid)
	}
	if col < 0 || col >= len(v.layout.Columns) {
		return 0, fmt.Errorf("%w: %s column %d", ErrColumnCount, v.index, col)
	}
	c := v.layout.Columns[col]
	r, err := v.r.ForkRelativeLen(uint64(rid-1)*uint64(v.layout.RowSize)+uint64(c.Offset), uint64(c.Size))
	if err != nil {
		return 0, err
	}
	return readColumn(&r, c.Size)
}

// Load decodes every row into a mutable table.
func (v *View) Load() (MutableTable, error) {
	t := New(v.index)
	for rid := uint32(1); rid <= v.count; rid++ {
		row, err := v.Row(rid)
		if err != nil {
			return nil, err
		}
		// Rows of sorted tables are appended as stored so that row
		// identifiers survive even if the input was not sorted.
		if st, ok := t.(*SortedTable); ok {
			st.rows = append(st.rows, row)
			continue
		}
		t.Add(row)
	}
	return t, nil
}

func readColumn(r *binio.Reader, size uint32) (uint32, error) {
	switch size {
	case 1:
		v, err := r.ReadU8()
		return uint32(v), err
	case 2:
		v, err := r.ReadU16()
		return uint32(v), err
	default:
		return r.ReadU32()
	}
}
