package tables

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

var (
	// ErrRowOutOfRange is returned for row identifiers outside a table.
	ErrRowOutOfRange = errors.New("tables: row out of range")

	// ErrColumnCount is returned when a row has the wrong number of
	// columns for its table.
	ErrColumnCount = errors.New("tables: wrong number of columns")

	// ErrSortKeyChanged is returned when Set would move a row of a sorted
	// table.
	ErrSortKeyChanged = errors.New("tables: update changes the sort key")
)

// Row holds the raw column values of one row. Heap and table references
// are stored as indices; coded indices are stored encoded.
type Row []uint32

// MutableTable is a table being built.
type MutableTable interface {
	TableIndex() TableIndex
	Count() uint32
	Get(rid uint32) (Row, bool)
	Rows() []Row
	Add(row Row) uint32
	Set(rid uint32, row Row) error
}

// Table stores rows in insertion order.
type Table struct {
	index TableIndex
	rows  []Row
}

// NewTable creates an empty unsorted table.
func NewTable(index TableIndex) *Table {
	return &Table{index: index}
}

// TableIndex returns the table kind.
func (t *Table) TableIndex() TableIndex { return t.index }

// Count returns the number of rows.
func (t *Table) Count() uint32 { return uint32(len(t.rows)) }

// Get returns the row with 1-based identifier rid.
func (t *Table) Get(rid uint32) (Row, bool) {
	if rid == 0 || rid > t.Count() {
		return nil, false
	}
	return t.rows[rid-1], true
}

// Rows returns the rows in order. The slice must not be modified.
func (t *Table) Rows() []Row { return t.rows }

// Add appends row and returns its row identifier.
func (t *Table) Add(row Row) uint32 {
	t.rows = append(t.rows, row)
	return t.Count()
}

// Set replaces the row with identifier rid.
func (t *Table) Set(rid uint32, row Row) error {
	if rid == 0 || rid > t.Count() {
		return fmt.Errorf("%w: %s[%d]", ErrRowOutOfRange, t.index, rid)
	}
	t.rows[rid-1] = row
	return nil
}

// SortedTable keeps its rows in non-decreasing order of a key column.
// Rows with equal keys keep their insertion order.
type SortedTable struct {
	Table
	key int
}

// NewSortedTable creates an empty table ordered by column key.
func NewSortedTable(index TableIndex, key int) *SortedTable {
	return &SortedTable{Table: Table{index: index}, key: key}
}

// Key returns the sort column.
func (t *SortedTable) Key() int { return t.key }

// Insert places row after every existing row whose key is less than or
// equal to its own and returns the 0-based position it landed at. Rows at
// and after that position move up by one.
func (t *SortedTable) Insert(row Row) int {
	k := row[t.key]
	i := sort.Search(len(t.rows), func(i int) bool {
		return t.rows[i][t.key] > k
	})
	t.rows = slices.Insert(t.rows, i, row)
	return i
}

// Add inserts row in key order and returns its row identifier.
func (t *SortedTable) Add(row Row) uint32 {
	return uint32(t.Insert(row)) + 1
}

// Set replaces the row with identifier rid. The key column must not change.
func (t *SortedTable) Set(rid uint32, row Row) error {
	old, ok := t.Get(rid)
	if !ok {
		return fmt.Errorf("%w: %s[%d]", ErrRowOutOfRange, t.index, rid)
	}
	if old[t.key] != row[t.key] {
		return fmt.Errorf("%w: %s[%d]", ErrSortKeyChanged, t.index, rid)
	}
	t.rows[rid-1] = row
	return nil
}

// New creates the table appropriate for index: sorted when the schema
// defines a sort key.
func New(index TableIndex) MutableTable {
	if s := Schemas[index]; s.Sorted() {
		return NewSortedTable(index, s.SortKey)
	}
	return NewTable(index)
}
