package builder

import (
	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/segment"
)

const importDescriptorSize = 20

// ImportBuffer builds an import directory. The directory itself is the
// descriptor table; address tables go into IAT and lookup tables and names
// into Data.
type ImportBuffer struct {
	segment.Base
	is32Bit bool
	modules []*importModule
	byName  map[string]*importModule
	iat     *segment.Builder
	data    *segment.Builder
}

type importModule struct {
	name    *segment.DataSegment
	lookup  *thunkTable
	address *thunkTable
	symbols map[string]int
}

// thunkTable is a lookup or address table: one pointer-sized hint/name RVA
// per symbol and a null terminator.
type thunkTable struct {
	segment.Base
	is32Bit bool
	names   []segment.Segment
}

func (t *thunkTable) entrySize() uint32 {
	if t.is32Bit {
		return 4
	}
	return 8
}

func (t *thunkTable) PhysicalSize() uint32 { return uint32(len(t.names)+1) * t.entrySize() }

func (t *thunkTable) VirtualSize() uint32 { return t.PhysicalSize() }

func (t *thunkTable) Write(w *binio.Writer) error {
	for _, n := range t.names {
		w.WriteNativeInt(uint64(n.RVA()), t.is32Bit)
	}
	w.WriteNativeInt(0, t.is32Bit)
	return nil
}

// NewImportBuffer creates an empty import directory.
func NewImportBuffer(is32Bit bool) *ImportBuffer {
	return &ImportBuffer{
		is32Bit: is32Bit,
		byName:  make(map[string]*importModule),
		iat:     segment.NewBuilder(),
		data:    segment.NewBuilder(),
	}
}

// Add imports symbol from module and returns a reference to its address
// table slot. Importing the same symbol twice returns the same slot.
func (b *ImportBuffer) Add(module, symbol string) segment.Reference {
	m, ok := b.byName[module]
	if !ok {
		w := binio.NewWriter()
		w.WriteCString(module)
		m = &importModule{
			name:    segment.NewDataSegment(w.Bytes()),
			lookup:  &thunkTable{is32Bit: b.is32Bit},
			address: &thunkTable{is32Bit: b.is32Bit},
			symbols: make(map[string]int),
		}
		b.byName[module] = m
		b.modules = append(b.modules, m)
		align := m.address.entrySize()
		b.iat.AddAligned(m.address, align)
		b.data.AddAligned(m.lookup, align)
		b.data.Add(m.name)
	}

	i, ok := m.symbols[symbol]
	if !ok {
		w := binio.NewWriter()
		w.WriteU16(0) // hint
		w.WriteCString(symbol)
		w.Align(2)
		hint := segment.NewDataSegment(w.Bytes())
		b.data.AddAligned(hint, 2)

		i = len(m.address.names)
		m.symbols[symbol] = i
		m.lookup.names = append(m.lookup.names, hint)
		m.address.names = append(m.address.names, hint)
	}
	return segment.RefAt(m.address, uint32(i)*m.address.entrySize())
}

// IAT returns the import address tables.
func (b *ImportBuffer) IAT() *segment.Builder { return b.iat }

// Data returns the lookup tables and names.
func (b *ImportBuffer) Data() *segment.Builder { return b.data }

// PhysicalSize implements segment.Segment.
func (b *ImportBuffer) PhysicalSize() uint32 {
	return uint32(len(b.modules)+1) * importDescriptorSize
}

// VirtualSize implements segment.Segment.
func (b *ImportBuffer) VirtualSize() uint32 { return b.PhysicalSize() }

// Write implements segment.Segment.
func (b *ImportBuffer) Write(w *binio.Writer) error {
	for _, m := range b.modules {
		w.WriteU32(m.lookup.RVA())
		w.WriteU32(0) // TimeDateStamp
		w.WriteU32(0) // ForwarderChain
		w.WriteU32(m.name.RVA())
		w.WriteU32(m.address.RVA())
	}
	w.WriteZeroes(importDescriptorSize)
	return nil
}
