package heap

import "github.com/skdltmxn/pe-go/binio"

// BlobHeap reads the #Blob heap.
type BlobHeap struct {
	r binio.Reader
}

// NewBlobHeap creates a heap over the bounded reader r.
func NewBlobHeap(r binio.Reader) *BlobHeap {
	r.Rewind()
	return &BlobHeap{r: r}
}

// Size returns the size of the heap in bytes.
func (h *BlobHeap) Size() uint32 { return uint32(h.r.Length()) }

// BlobReader returns a reader bounded to the blob at index. Index 0, an
// out-of-range index and a truncated blob report false.
func (h *BlobHeap) BlobReader(index uint32) (binio.Reader, bool) {
	if index == 0 {
		return binio.Reader{}, false
	}
	r, err := h.r.ForkRelative(uint64(index))
	if err != nil {
		return binio.Reader{}, false
	}
	n, ok := r.TryReadCompressedU32()
	if !ok {
		return binio.Reader{}, false
	}
	sub, err := r.SubReader(uint64(n))
	if err != nil {
		return binio.Reader{}, false
	}
	return sub, true
}

// Blob returns a copy of the blob at index.
func (h *BlobHeap) Blob(index uint32) ([]byte, bool) {
	r, ok := h.BlobReader(index)
	if !ok {
		return nil, false
	}
	b, err := r.ReadToEnd()
	if err != nil {
		return nil, false
	}
	return b, true
}

// BlobBuffer builds a #Blob heap.
type BlobBuffer struct {
	data  []byte
	index map[string]uint32
}

// NewBlobBuffer creates a buffer holding only the reserved empty blob.
func NewBlobBuffer() *BlobBuffer {
	return &BlobBuffer{data: []byte{0}, index: make(map[string]uint32)}
}

// Size returns the unaligned size of the heap built so far.
func (b *BlobBuffer) Size() uint32 { return uint32(len(b.data)) }

// Index returns the index of blob, appending it if its contents were not
// seen before. Empty blobs are always 0.
func (b *BlobBuffer) Index(blob []byte) uint32 {
	if len(blob) == 0 {
		return 0
	}
	if i, ok := b.index[string(blob)]; ok {
		return i
	}
	i := uint32(len(b.data))
	b.data = binio.AppendCompressedU32(b.data, uint32(len(blob)))
	b.data = append(b.data, blob...)
	b.index[string(blob)] = i
	return i
}

// Build returns the finished #Blob stream.
func (b *BlobBuffer) Build() *Stream {
	return NewStream(BlobStreamName, b.data)
}
