package segment

import "fmt"

// OffsetConverter translates between file offsets and RVAs, typically
// using a section table.
type OffsetConverter interface {
	RVAToOffset(rva uint32) (uint64, bool)
	OffsetToRVA(offset uint64) (uint32, bool)
}

// Run maps a range of RVAs onto a range of file offsets.
type Run struct {
	RVA         uint32
	VirtualSize uint32
	Offset      uint64
	Size        uint32 // Number of bytes present in the file
}

// Runs is an OffsetConverter over a list of runs, such as the sections of
// an image. Addresses outside every run map one to one, as PE headers do.
type Runs []Run

// RVAToOffset implements OffsetConverter.
func (rs Runs) RVAToOffset(rva uint32) (uint64, bool) {
	for _, r := range rs {
		if rva >= r.RVA && rva-r.RVA < max(r.VirtualSize, r.Size) {
			if rva-r.RVA >= r.Size {
				return 0, false
			}
			return r.Offset + uint64(rva-r.RVA), true
		}
	}
	if len(rs) > 0 && uint64(rva) < rs.firstOffset() {
		return uint64(rva), true
	}
	return 0, false
}

// OffsetToRVA implements OffsetConverter.
func (rs Runs) OffsetToRVA(offset uint64) (uint32, bool) {
	for _, r := range rs {
		if offset >= r.Offset && offset-r.Offset < uint64(r.Size) {
			return r.RVA + uint32(offset-r.Offset), true
		}
	}
	if len(rs) > 0 && offset < rs.firstOffset() {
		return uint32(offset), true
	}
	return 0, false
}

func (rs Runs) firstOffset() uint64 {
	var (
		first uint64
		found bool
	)
	for _, r := range rs {
		if r.Size != 0 && (!found || r.Offset < first) {
			first, found = r.Offset, true
		}
	}
	return first
}

type refKind uint8

const (
	refNil refKind = iota
	refSymbol
	refFixed
)

// Reference is a possibly deferred pointer to a location in the final
// image. The zero Reference is nil.
type Reference struct {
	kind   refKind
	sym    Symbol
	addend uint32
	rva    uint32
}

// RefTo references the start of sym.
func RefTo(sym Symbol) Reference {
	if sym == nil {
		return Reference{}
	}
	return Reference{kind: refSymbol, sym: sym}
}

// RefAt references the location addend bytes into sym.
func RefAt(sym Symbol, addend uint32) Reference {
	return Reference{kind: refSymbol, sym: sym, addend: addend}
}

// RefRVA references an address that is already known.
func RefRVA(rva uint32) Reference {
	return Reference{kind: refFixed, rva: rva}
}

// IsNil reports whether the reference points nowhere.
func (r Reference) IsNil() bool { return r.kind == refNil }

// Target returns the referenced symbol, or nil for fixed and nil
// references.
func (r Reference) Target() Symbol { return r.sym }

// RVA resolves the reference. A nil reference resolves to 0. Resolving a
// reference to a segment that was not yet placed panics.
func (r Reference) RVA() uint32 {
	switch r.kind {
	case refSymbol:
		return r.sym.RVA() + r.addend
	case refFixed:
		return r.rva
	default:
		return 0
	}
}

// Offset resolves the file offset of the reference. It requires the
// referenced symbol to be a placed segment.
func (r Reference) Offset() uint64 {
	if r.kind != refSymbol {
		return 0
	}
	seg, ok := r.sym.(interface{ Offset() uint64 })
	if !ok {
		panic(fmt.Errorf("segment: reference target %T has no file offset", r.sym))
	}
	return seg.Offset() + uint64(r.addend)
}

// SymbolTable resolves symbols by opaque keys. References handed out by
// Ref may be created before the key is defined; they are resolved when
// their RVA is first queried.
type SymbolTable[K comparable] struct {
	symbols map[K]Symbol
}

// NewSymbolTable creates an empty table.
func NewSymbolTable[K comparable]() *SymbolTable[K] {
	return &SymbolTable[K]{symbols: make(map[K]Symbol)}
}

// Define binds key to sym, replacing any previous binding.
func (t *SymbolTable[K]) Define(key K, sym Symbol) {
	t.symbols[key] = sym
}

// Lookup returns the symbol bound to key.
func (t *SymbolTable[K]) Lookup(key K) (Symbol, bool) {
	s, ok := t.symbols[key]
	return s, ok
}

// Ref returns a reference to key that is resolved lazily.
func (t *SymbolTable[K]) Ref(key K) Reference {
	return RefTo(&deferredSymbol[K]{table: t, key: key})
}

type deferredSymbol[K comparable] struct {
	table *SymbolTable[K]
	key   K
}

func (d *deferredSymbol[K]) RVA() uint32 {
	s, ok := d.table.symbols[d.key]
	if !ok {
		panic(fmt.Errorf("%w: %v", ErrUndefinedSymbol, d.key))
	}
	return s.RVA()
}

func (d *deferredSymbol[K]) Offset() uint64 {
	s, ok := d.table.symbols[d.key]
	if !ok {
		panic(fmt.Errorf("%w: %v", ErrUndefinedSymbol, d.key))
	}
	seg, ok := s.(interface{ Offset() uint64 })
	if !ok {
		panic(fmt.Errorf("segment: symbol %v has no file offset", d.key))
	}
	return seg.Offset()
}
