// Package metadata reads and builds the .NET metadata directory: the BSJB
// root, its stream headers and the heaps and tables streams behind them.
package metadata

import (
	"errors"
	"fmt"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/diag"
	"github.com/skdltmxn/pe-go/internal/lazy"
	"github.com/skdltmxn/pe-go/metadata/heap"
	"github.com/skdltmxn/pe-go/metadata/tables"
)

// Signature is the magic value at the start of the metadata root ("BSJB").
const Signature = 0x424A5342

var (
	// ErrBadSignature indicates the data is not a metadata root.
	ErrBadSignature = errors.New("metadata: invalid signature")

	// ErrStreamNotFound is returned when a required stream is missing.
	ErrStreamNotFound = errors.New("metadata: stream not found")

	// ErrStreamOutOfRange is reported for stream headers pointing outside
	// the metadata directory.
	ErrStreamOutOfRange = errors.New("metadata: stream header out of range")
)

// StreamHeader locates a stream relative to the metadata root.
type StreamHeader struct {
	Offset uint32
	Size   uint32
	Name   string
}

// Metadata is a parsed metadata directory. Streams are opened lazily.
type Metadata struct {
	MajorVersion  uint16
	MinorVersion  uint16
	Reserved      uint32
	VersionString string
	Flags         uint16
	Headers       []StreamHeader

	r       binio.Reader
	streams map[string]binio.Reader

	strings     lazy.Value[*heap.StringsHeap]
	blobs       lazy.Value[*heap.BlobHeap]
	guids       lazy.Value[*heap.GUIDHeap]
	userStrings lazy.Value[*heap.UserStringsHeap]
	tables      lazy.Result[*tables.Stream]
}

// Read parses the metadata root at the start of r. Stream headers that
// point outside r are reported to l and skipped unless l aborts.
func Read(r binio.Reader, l diag.ErrorListener) (*Metadata, error) {
	m := &Metadata{r: r.Fork(), streams: make(map[string]binio.Reader)}
	m.r.Rewind()
	hr := m.r.Fork()

	sig, err := hr.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("metadata: reading signature: %w", err)
	}
	if sig != Signature {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadSignature, sig)
	}

	if m.MajorVersion, err = hr.ReadU16(); err != nil {
		return nil, fmt.Errorf("metadata: reading root: %w", err)
	}
	if m.MinorVersion, err = hr.ReadU16(); err != nil {
		return nil, fmt.Errorf("metadata: reading root: %w", err)
	}
	if m.Reserved, err = hr.ReadU32(); err != nil {
		return nil, fmt.Errorf("metadata: reading root: %w", err)
	}
	n, err := hr.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("metadata: reading root: %w", err)
	}
	vr, err := hr.SubReader(uint64(n))
	if err != nil {
		return nil, fmt.Errorf("metadata: reading version string: %w", err)
	}
	raw, _ := vr.ReadToEnd()
	m.VersionString = trimNull(raw)

	if m.Flags, err = hr.ReadU16(); err != nil {
		return nil, fmt.Errorf("metadata: reading root: %w", err)
	}
	count, err := hr.ReadU16()
	if err != nil {
		return nil, fmt.Errorf("metadata: reading root: %w", err)
	}

	for i := 0; i < int(count); i++ {
		h, err := readStreamHeader(&hr)
		if err != nil {
			return nil, fmt.Errorf("metadata: reading stream header %d: %w", i, err)
		}
		m.Headers = append(m.Headers, h)

		sr, err := m.r.ForkRelativeLen(uint64(h.Offset), uint64(h.Size))
		if err != nil {
			if err := diag.Report(l, fmt.Errorf("%w: %s at 0x%x+0x%x: %v",
				ErrStreamOutOfRange, h.Name, h.Offset, h.Size, err)); err != nil {
				return nil, err
			}
			continue
		}
		if _, dup := m.streams[h.Name]; !dup {
			m.streams[h.Name] = sr
		}
	}
	return m, nil
}

func readStreamHeader(r *binio.Reader) (StreamHeader, error) {
	var h StreamHeader
	var err error
	if h.Offset, err = r.ReadU32(); err != nil {
		return h, err
	}
	if h.Size, err = r.ReadU32(); err != nil {
		return h, err
	}
	if h.Name, err = r.ReadCString(); err != nil {
		return h, err
	}
	r.Align(4)
	return h, nil
}

func trimNull(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Stream returns a reader over the named stream.
func (m *Metadata) Stream(name string) (binio.Reader, bool) {
	r, ok := m.streams[name]
	return r, ok
}

// Strings returns the #Strings heap.
func (m *Metadata) Strings() (*heap.StringsHeap, bool) {
	r, ok := m.streams[heap.StringsStreamName]
	if !ok {
		return nil, false
	}
	return m.strings.Get(func() *heap.StringsHeap { return heap.NewStringsHeap(r) }), true
}

// Blobs returns the #Blob heap.
func (m *Metadata) Blobs() (*heap.BlobHeap, bool) {
	r, ok := m.streams[heap.BlobStreamName]
	if !ok {
		return nil, false
	}
	return m.blobs.Get(func() *heap.BlobHeap { return heap.NewBlobHeap(r) }), true
}

// GUIDs returns the #GUID heap.
func (m *Metadata) GUIDs() (*heap.GUIDHeap, bool) {
	r, ok := m.streams[heap.GUIDStreamName]
	if !ok {
		return nil, false
	}
	return m.guids.Get(func() *heap.GUIDHeap { return heap.NewGUIDHeap(r) }), true
}

// UserStrings returns the #US heap.
func (m *Metadata) UserStrings() (*heap.UserStringsHeap, bool) {
	r, ok := m.streams[heap.UserStringsStreamName]
	if !ok {
		return nil, false
	}
	return m.userStrings.Get(func() *heap.UserStringsHeap { return heap.NewUserStringsHeap(r) }), true
}

// Tables returns the tables stream, #~ or #-.
func (m *Metadata) Tables() (*tables.Stream, error) {
	return m.tables.Get(func() (*tables.Stream, error) {
		for _, name := range []string{tables.CompressedStreamName, tables.UncompressedStreamName} {
			if r, ok := m.streams[name]; ok {
				return tables.Read(name, r)
			}
		}
		return nil, fmt.Errorf("%w: tables", ErrStreamNotFound)
	})
}
