package heap

import "github.com/skdltmxn/pe-go/binio"

// GUIDHeap reads the #GUID heap. Indices are 1-based slot numbers.
type GUIDHeap struct {
	r binio.Reader
}

// NewGUIDHeap creates a heap over the bounded reader r.
func NewGUIDHeap(r binio.Reader) *GUIDHeap {
	r.Rewind()
	return &GUIDHeap{r: r}
}

// Size returns the size of the heap in bytes.
func (h *GUIDHeap) Size() uint32 { return uint32(h.r.Length()) }

// Count returns the number of complete GUIDs in the heap.
func (h *GUIDHeap) Count() uint32 { return uint32(h.r.Length() / 16) }

// GUID returns the GUID in slot index. Index 0 and out-of-range indices
// yield the zero GUID.
func (h *GUIDHeap) GUID(index uint32) GUID {
	if index == 0 || index > h.Count() {
		return GUID{}
	}
	r, err := h.r.ForkRelative(uint64(index-1) * 16)
	if err != nil {
		return GUID{}
	}
	g, err := r.ReadGUID()
	if err != nil {
		return GUID{}
	}
	return GUID(g)
}

// GUIDBuffer builds a #GUID heap.
type GUIDBuffer struct {
	guids []GUID
	index map[GUID]uint32
}

// NewGUIDBuffer creates an empty buffer.
func NewGUIDBuffer() *GUIDBuffer {
	return &GUIDBuffer{index: make(map[GUID]uint32)}
}

// Size returns the size of the heap built so far.
func (b *GUIDBuffer) Size() uint32 { return uint32(len(b.guids)) * 16 }

// Index returns the slot of g, appending it if needed. The zero GUID is
// always 0.
func (b *GUIDBuffer) Index(g GUID) uint32 {
	if g.IsZero() {
		return 0
	}
	if i, ok := b.index[g]; ok {
		return i
	}
	b.guids = append(b.guids, g)
	i := uint32(len(b.guids))
	b.index[g] = i
	return i
}

// Build returns the finished #GUID stream.
func (b *GUIDBuffer) Build() *Stream {
	data := make([]byte, 0, len(b.guids)*16)
	for _, g := range b.guids {
		data = append(data, g[:]...)
	}
	return NewStream(GUIDStreamName, data)
}
