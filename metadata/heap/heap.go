// Package heap implements the metadata heaps: #Strings, #Blob, #GUID and
// #US.
//
// Read-side heaps answer lookups by seeking into a bounded reader over the
// stream and never materialize the whole heap. Write-side buffers
// deduplicate their contents and produce a 4-byte aligned stream segment.
// Index 0 is reserved in every heap and never refers to real content.
package heap

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/segment"
)

// Standard stream names.
const (
	StringsStreamName     = "#Strings"
	BlobStreamName        = "#Blob"
	GUIDStreamName        = "#GUID"
	UserStringsStreamName = "#US"
)

var (
	// ErrNullInString is returned when a string containing a NUL byte is
	// added to a #Strings buffer.
	ErrNullInString = errors.New("heap: string contains a null character")

	// ErrInvalidGUID is returned by ParseGUID.
	ErrInvalidGUID = errors.New("heap: invalid GUID")
)

// Stream is a finished metadata stream ready to be placed in a metadata
// directory.
type Stream struct {
	Name string
	*segment.DataSegment
}

// NewStream wraps data as a named stream, padding it to a multiple of four
// bytes.
func NewStream(name string, data []byte) *Stream {
	buf := make([]byte, binio.AlignUp(uint32(len(data)), 4))
	copy(buf, data)
	return &Stream{Name: name, DataSegment: segment.NewDataSegment(buf)}
}

// IsLarge reports whether indices into a heap of the given size need four
// bytes in the tables stream.
func IsLarge(size uint32) bool { return size >= 1<<16 }

// GUID is a 16-byte globally unique identifier in its on-disk byte order.
type GUID [16]byte

// IsZero reports whether g is the all-zero GUID.
func (g GUID) IsZero() bool { return g == GUID{} }

// String formats g in registry form, for example
// 6f2b0a4c-1d3e-4f5a-8b9c-0d1e2f3a4b5c.
func (g GUID) String() string {
	return fmt.Sprintf("%08x-%04x-%04x-%x-%x",
		binary.LittleEndian.Uint32(g[0:4]),
		binary.LittleEndian.Uint16(g[4:6]),
		binary.LittleEndian.Uint16(g[6:8]),
		g[8:10], g[10:16])
}

// ParseGUID parses the registry form produced by String. Surrounding braces
// are accepted.
func ParseGUID(s string) (GUID, error) {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "{"), "}")
	parts := strings.Split(s, "-")
	if len(parts) != 5 {
		return GUID{}, fmt.Errorf("%w: %q", ErrInvalidGUID, s)
	}

	var raw []byte
	for i, want := range []int{8, 4, 4, 4, 12} {
		if len(parts[i]) != want {
			return GUID{}, fmt.Errorf("%w: %q", ErrInvalidGUID, s)
		}
		b, err := hex.DecodeString(parts[i])
		if err != nil {
			return GUID{}, fmt.Errorf("%w: %q: %v", ErrInvalidGUID, s, err)
		}
		raw = append(raw, b...)
	}

	var g GUID
	// The first three groups are stored little-endian.
	binary.LittleEndian.PutUint32(g[0:], binary.BigEndian.Uint32(raw[0:4]))
	binary.LittleEndian.PutUint16(g[4:], binary.BigEndian.Uint16(raw[4:6]))
	binary.LittleEndian.PutUint16(g[6:], binary.BigEndian.Uint16(raw[6:8]))
	copy(g[8:], raw[8:])
	return g, nil
}
