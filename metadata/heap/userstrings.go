package heap

import (
	"encoding/binary"
	"sync"

	"golang.org/x/text/encoding/unicode"

	"github.com/skdltmxn/pe-go/binio"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// UserStringsHeap reads the #US heap. Each entry is a compressed length
// followed by UTF-16LE text and a one-byte flag.
type UserStringsHeap struct {
	r     binio.Reader
	cache sync.Map // uint32 -> string
}

// NewUserStringsHeap creates a heap over the bounded reader r.
func NewUserStringsHeap(r binio.Reader) *UserStringsHeap {
	r.Rewind()
	return &UserStringsHeap{r: r}
}

// Size returns the size of the heap in bytes.
func (h *UserStringsHeap) Size() uint32 { return uint32(h.r.Length()) }

// UserString returns the string at index.
func (h *UserStringsHeap) UserString(index uint32) (string, bool) {
	if index == 0 {
		return "", false
	}
	if v, ok := h.cache.Load(index); ok {
		return v.(string), true
	}

	r, err := h.r.ForkRelative(uint64(index))
	if err != nil {
		return "", false
	}
	n, ok := r.TryReadCompressedU32()
	if !ok {
		return "", false
	}
	body, err := r.ReadBytes(uint64(n))
	if err != nil {
		return "", false
	}
	s, err := DecodeUTF16(body[:len(body)&^1])
	if err != nil {
		return "", false
	}
	v, _ := h.cache.LoadOrStore(index, s)
	return v.(string), true
}

// DecodeUTF16 decodes little-endian UTF-16 text.
func DecodeUTF16(b []byte) (string, error) {
	out, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// EncodeUTF16 encodes s as little-endian UTF-16 without a byte order mark.
func EncodeUTF16(s string) ([]byte, error) {
	return utf16le.NewEncoder().Bytes([]byte(s))
}

// UserStringsBuffer builds a #US heap.
type UserStringsBuffer struct {
	data  []byte
	index map[string]uint32
}

// NewUserStringsBuffer creates a buffer holding only the reserved empty
// entry.
func NewUserStringsBuffer() *UserStringsBuffer {
	return &UserStringsBuffer{data: []byte{0}, index: make(map[string]uint32)}
}

// Size returns the unaligned size of the heap built so far.
func (b *UserStringsBuffer) Size() uint32 { return uint32(len(b.data)) }

// Index returns the index of s, appending it if needed. The empty string
// is always 0.
func (b *UserStringsBuffer) Index(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	if i, ok := b.index[s]; ok {
		return i, nil
	}
	body, err := EncodeUTF16(s)
	if err != nil {
		return 0, err
	}

	i := uint32(len(b.data))
	b.data = binio.AppendCompressedU32(b.data, uint32(len(body)+1))
	b.data = append(b.data, body...)
	b.data = append(b.data, specialCharFlag(body))
	b.index[s] = i
	return i, nil
}

// specialCharFlag is 1 when any UTF-16 unit has a non-zero high byte or is
// one of the low characters ECMA-335 II.24.2.4 singles out.
func specialCharFlag(body []byte) byte {
	for i := 0; i+1 < len(body); i += 2 {
		c := binary.LittleEndian.Uint16(body[i:])
		switch {
		case c > 0xFF,
			c >= 0x01 && c <= 0x08,
			c >= 0x0E && c <= 0x1F,
			c == 0x27, c == 0x2D, c == 0x7F:
			return 1
		}
	}
	return 0
}

// Build returns the finished #US stream.
func (b *UserStringsBuffer) Build() *Stream {
	return NewStream(UserStringsStreamName, b.data)
}
