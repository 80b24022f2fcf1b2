package heap

import (
	"bytes"
	"cmp"
	"slices"
	"strings"
	"sync"

	"github.com/skdltmxn/pe-go/binio"
)

// StringsHeap reads the #Strings heap.
type StringsHeap struct {
	r     binio.Reader
	cache sync.Map // uint32 -> string
}

// NewStringsHeap creates a heap over the bounded reader r.
func NewStringsHeap(r binio.Reader) *StringsHeap {
	r.Rewind()
	return &StringsHeap{r: r}
}

// Size returns the size of the heap in bytes.
func (h *StringsHeap) Size() uint32 { return uint32(h.r.Length()) }

// CreateReader returns a reader over the whole heap.
func (h *StringsHeap) CreateReader() binio.Reader { return h.r.Fork() }

// RawString returns the bytes of the string starting at index.
func (h *StringsHeap) RawString(index uint32) ([]byte, bool) {
	if index == 0 {
		return nil, false
	}
	r, err := h.r.ForkRelative(uint64(index))
	if err != nil {
		return nil, false
	}
	b, err := r.ReadBytesUntil(0)
	if err != nil {
		return nil, false
	}
	return b, true
}

// String returns the string starting at index. Index 0 and indices that do
// not point at a terminated string report false. Malformed UTF-8 is
// replaced with U+FFFD.
func (h *StringsHeap) String(index uint32) (string, bool) {
	if v, ok := h.cache.Load(index); ok {
		return v.(string), true
	}
	b, ok := h.RawString(index)
	if !ok {
		return "", false
	}
	v, _ := h.cache.LoadOrStore(index, strings.ToValidUTF8(string(b), "\uFFFD"))
	return v.(string), true
}

// Entries calls fn for every string stored in the heap, in order, with the
// index it starts at. Garbage after the last terminator is ignored.
func (h *StringsHeap) Entries(fn func(index uint32, s string) bool) {
	r := h.r.Fork()
	if err := r.Skip(1); err != nil {
		return
	}
	for r.Remaining() > 0 {
		index := uint32(r.RelativeOffset())
		b, err := r.ReadBytesUntil(0)
		if err != nil {
			return
		}
		if !fn(index, string(b)) {
			return
		}
	}
}

// StringsBuffer builds a #Strings heap.
type StringsBuffer struct {
	data  []byte
	index map[string]uint32
}

// NewStringsBuffer creates a buffer holding only the reserved empty string.
func NewStringsBuffer() *StringsBuffer {
	return &StringsBuffer{data: []byte{0}, index: make(map[string]uint32)}
}

// Import replaces the buffer contents with the bytes of h so that every
// index valid in h stays valid.
func (b *StringsBuffer) Import(h *StringsHeap) error {
	r := h.CreateReader()
	data, err := r.ReadToEnd()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		data = []byte{0}
	}
	b.data = slices.Clone(data)
	b.index = make(map[string]uint32)
	h.Entries(func(index uint32, s string) bool {
		if _, ok := b.index[s]; !ok && s != "" {
			b.index[s] = index
		}
		return true
	})
	return nil
}

// Size returns the unaligned size of the heap built so far.
func (b *StringsBuffer) Size() uint32 { return uint32(len(b.data)) }

// Index returns the index of s, appending it if it was not seen before.
// The empty string is always 0.
func (b *StringsBuffer) Index(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	if strings.IndexByte(s, 0) >= 0 {
		return 0, ErrNullInString
	}
	if i, ok := b.index[s]; ok {
		return i, nil
	}
	i := uint32(len(b.data))
	b.data = append(b.data, s...)
	b.data = append(b.data, 0)
	b.index[s] = i
	return i, nil
}

// Optimize rewrites the heap so that strings which are suffixes of longer
// strings share their bytes. The returned function maps any index into the
// previous heap, including suffix and duplicate indices of imported
// entries, to the index of the same string in the new heap.
func (b *StringsBuffer) Optimize() func(uint32) uint32 {
	all := make([]string, 0, len(b.index))
	for s := range b.index {
		all = append(all, s)
	}
	slices.SortFunc(all, compareReversed)

	data := []byte{0}
	index := make(map[string]uint32, len(all))

	var (
		last      string
		lastIndex uint32
	)
	for _, s := range all {
		var i uint32
		if last != "" && strings.HasSuffix(last, s) {
			i = lastIndex + uint32(len(last)-len(s))
		} else {
			i = uint32(len(data))
			data = append(data, s...)
			data = append(data, 0)
			last, lastIndex = s, i
		}
		index[s] = i
	}

	old := b.data
	b.data = data
	b.index = index
	return func(i uint32) uint32 {
		if i == 0 || int(i) >= len(old) {
			return i
		}
		end := bytes.IndexByte(old[i:], 0)
		switch {
		case end < 0:
			return i
		case end == 0:
			return 0
		}
		if n, ok := index[string(old[i:int(i)+end])]; ok {
			return n
		}
		// A suffix of an imported entry: keep its position within the
		// entry it was cut from.
		start := bytes.LastIndexByte(old[:i], 0) + 1
		whole, ok := index[string(old[start:int(i)+end])]
		if !ok {
			return i
		}
		return whole + i - uint32(start)
	}
}

// compareReversed orders strings by their bytes read from the end. When one
// is a suffix of the other the longer string sorts first.
func compareReversed(a, b string) int {
	i, j := len(a)-1, len(b)-1
	for ; i >= 0 && j >= 0; i, j = i-1, j-1 {
		if a[i] != b[j] {
			return cmp.Compare(a[i], b[j])
		}
	}
	return cmp.Compare(len(b), len(a))
}

// Build returns the finished #Strings stream.
func (b *StringsBuffer) Build() *Stream {
	return NewStream(StringsStreamName, b.data)
}
