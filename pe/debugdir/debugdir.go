// Package debugdir reads and builds the debug directory and the CodeView
// records it usually points to.
package debugdir

import (
	"errors"
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/metadata/heap"
	"github.com/skdltmxn/pe-go/pe"
	"github.com/skdltmxn/pe-go/segment"
)

// Type identifies the format of a debug data payload.
type Type uint32

// Debug data types.
const (
	TypeUnknown     Type = 0
	TypeCOFF        Type = 1
	TypeCodeView    Type = 2
	TypeFPO         Type = 3
	TypeMisc        Type = 4
	TypeException   Type = 5
	TypeFixup       Type = 6
	TypeBorland     Type = 9
	TypeCLSID       Type = 11
	TypeRepro       Type = 16
	TypeEmbeddedPDB Type = 17
	TypePDBChecksum Type = 19
)

// EntrySize is the size of a directory entry.
const EntrySize = 28

// RSDSSignature starts a PDB 7.0 CodeView record.
const RSDSSignature = 0x53445352

// ErrNotCodeView is returned when a payload is not an RSDS record.
var ErrNotCodeView = errors.New("debugdir: not an RSDS CodeView record")

// Header is an IMAGE_DEBUG_DIRECTORY entry.
type Header struct {
	Characteristics  uint32 `struc:"uint32,little"`
	TimeDateStamp    uint32 `struc:"uint32,little"`
	MajorVersion     uint16 `struc:"uint16,little"`
	MinorVersion     uint16 `struc:"uint16,little"`
	Type             Type   `struc:"uint32,little"`
	SizeOfData       uint32 `struc:"uint32,little"`
	AddressOfRawData uint32 `struc:"uint32,little"`
	PointerToRawData uint32 `struc:"uint32,little"`
}

// Entry is a directory entry with its payload.
type Entry struct {
	Header
	Contents segment.Segment // nil when the entry has no data
}

// CodeView is an RSDS record linking an image to its PDB.
type CodeView struct {
	segment.Base
	GUID heap.GUID
	Age  uint32
	Path string
}

// ReadCodeView parses an RSDS record.
func ReadCodeView(r binio.Reader) (*CodeView, error) {
	offset, rva := r.Offset(), r.RVA()
	sig, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if sig != RSDSSignature {
		return nil, fmt.Errorf("%w: signature 0x%08x", ErrNotCodeView, sig)
	}
	cv := &CodeView{}
	if cv.GUID, err = r.ReadGUID(); err != nil {
		return nil, err
	}
	if cv.Age, err = r.ReadU32(); err != nil {
		return nil, err
	}
	if cv.Path, err = r.ReadCString(); err != nil {
		return nil, err
	}
	cv.Place(offset, rva)
	return cv, nil
}

// PhysicalSize implements segment.Segment.
func (cv *CodeView) PhysicalSize() uint32 { return 4 + 16 + 4 + uint32(len(cv.Path)) + 1 }

// VirtualSize implements segment.Segment.
func (cv *CodeView) VirtualSize() uint32 { return cv.PhysicalSize() }

// Write implements segment.Segment.
func (cv *CodeView) Write(w *binio.Writer) error {
	w.WriteU32(RSDSSignature)
	w.WriteBytes(cv.GUID[:])
	w.WriteU32(cv.Age)
	w.WriteCString(cv.Path)
	return nil
}

// Read parses the directory in r. Payloads that cannot be located are
// reported and left nil; unparsable CodeView records are kept as raw data.
func Read(ctx *pe.ReaderContext, r binio.Reader) ([]*Entry, error) {
	var entries []*Entry
	for r.Remaining() >= EntrySize {
		e := &Entry{}
		if err := struc.Unpack(&r, &e.Header); err != nil {
			return nil, fmt.Errorf("debugdir: reading entry: %w", err)
		}
		entries = append(entries, e)
		if e.SizeOfData == 0 {
			continue
		}

		pr, err := payloadReader(ctx, r, e.Header)
		if err != nil {
			if err := ctx.Reportf("debug directory", r.Offset()-EntrySize, err,
				"%d byte payload of type %d", e.SizeOfData, e.Type); err != nil {
				return nil, err
			}
			continue
		}

		if e.Type == TypeCodeView {
			if cv, err := ReadCodeView(pr.Fork()); err == nil {
				e.Contents = cv
				continue
			}
		}
		e.Contents = segment.NewReaderSegment(pr)
	}
	return entries, nil
}

func payloadReader(ctx *pe.ReaderContext, r binio.Reader, h Header) (binio.Reader, error) {
	if h.AddressOfRawData != 0 {
		return ctx.ReaderAtRVA(h.AddressOfRawData, h.SizeOfData)
	}
	pr, err := r.ForkAbsolute(uint64(h.PointerToRawData), uint64(h.SizeOfData))
	if err != nil {
		return binio.Reader{}, err
	}
	if ctx.Converter != nil {
		if rva, ok := ctx.Converter.OffsetToRVA(uint64(h.PointerToRawData)); ok {
			pr = pr.WithRVA(rva)
		}
	}
	return pr, nil
}

// Buffer is the directory table. Payloads go into Data, which must be
// placed in the same image.
type Buffer struct {
	segment.Base
	entries []*Entry
	data    *segment.Builder
}

// NewBuffer creates an empty directory.
func NewBuffer() *Buffer {
	return &Buffer{data: segment.NewBuilder()}
}

// Add appends an entry. Its payload is added to Data.
func (b *Buffer) Add(e *Entry) {
	b.entries = append(b.entries, e)
	if e.Contents != nil {
		b.data.AddAligned(e.Contents, 4)
	}
}

// AddCodeView is a shorthand for adding a CodeView entry.
func (b *Buffer) AddCodeView(cv *CodeView, timestamp uint32) {
	b.Add(&Entry{Header: Header{TimeDateStamp: timestamp, Type: TypeCodeView}, Contents: cv})
}

// Entries returns the directory entries.
func (b *Buffer) Entries() []*Entry { return b.entries }

// Data returns the segment holding every payload.
func (b *Buffer) Data() *segment.Builder { return b.data }

// PhysicalSize implements segment.Segment.
func (b *Buffer) PhysicalSize() uint32 { return uint32(len(b.entries)) * EntrySize }

// VirtualSize implements segment.Segment.
func (b *Buffer) VirtualSize() uint32 { return b.PhysicalSize() }

// Write implements segment.Segment. Payload addresses are taken from the
// placed contents.
func (b *Buffer) Write(w *binio.Writer) error {
	for _, e := range b.entries {
		h := e.Header
		if e.Contents != nil {
			h.SizeOfData = e.Contents.PhysicalSize()
			h.AddressOfRawData = e.Contents.RVA()
			h.PointerToRawData = uint32(e.Contents.Offset())
		}
		if err := struc.Pack(w, &h); err != nil {
			return fmt.Errorf("debugdir: writing entry: %w", err)
		}
	}
	return nil
}
