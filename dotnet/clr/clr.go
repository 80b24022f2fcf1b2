// Package clr reads and builds the CLR runtime header (IMAGE_COR20_HEADER)
// that links a PE image to its .NET metadata, and the managed resources
// blob it points to.
package clr

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/diag"
	"github.com/skdltmxn/pe-go/metadata"
	"github.com/skdltmxn/pe-go/metadata/tables"
	"github.com/skdltmxn/pe-go/pe"
	"github.com/skdltmxn/pe-go/segment"
)

// HeaderSize is the size of the runtime header.
const HeaderSize = 72

// ErrBadHeaderSize is returned when the header's cb field is too small.
var ErrBadHeaderSize = errors.New("clr: invalid header size")

// Flags are the runtime image flags.
type Flags uint32

// Runtime flags.
const (
	FlagILOnly           Flags = 0x00001
	Flag32BitRequired    Flags = 0x00002
	FlagILLibrary        Flags = 0x00004
	FlagStrongNameSigned Flags = 0x00008
	FlagNativeEntryPoint Flags = 0x00010
	FlagTrackDebugData   Flags = 0x10000
	Flag32BitPreferred   Flags = 0x20000
)

var structOptions = &struc.Options{Order: binary.LittleEndian}

// Header is the runtime header as stored.
type Header struct {
	Cb                      uint32
	MajorRuntimeVersion     uint16
	MinorRuntimeVersion     uint16
	Metadata                pe.DataDirectory
	Flags                   Flags `struc:"uint32"`
	EntryPoint              uint32 // Token, or RVA with FlagNativeEntryPoint
	Resources               pe.DataDirectory
	StrongNameSignature     pe.DataDirectory
	CodeManagerTable        pe.DataDirectory
	VTableFixups            pe.DataDirectory
	ExportAddressTableJumps pe.DataDirectory
	ManagedNativeHeader     pe.DataDirectory
}

// Read parses the runtime header at the start of r.
func Read(r binio.Reader) (*Header, error) {
	h := &Header{}
	if err := struc.UnpackWithOptions(&r, h, structOptions); err != nil {
		return nil, fmt.Errorf("clr: reading header: %w", err)
	}
	if h.Cb < HeaderSize {
		return nil, fmt.Errorf("%w: %d", ErrBadHeaderSize, h.Cb)
	}
	return h, nil
}

// ReadFile locates and parses the runtime header of f.
func ReadFile(f *pe.File) (*Header, error) {
	r, err := f.DirectoryReader(pe.DirCLR)
	if err != nil {
		return nil, fmt.Errorf("clr: %w", err)
	}
	return Read(r)
}

// EntryPointToken returns the managed entry point.
func (h *Header) EntryPointToken() (tables.Token, bool) {
	if h.Flags&FlagNativeEntryPoint != 0 || h.EntryPoint == 0 {
		return 0, false
	}
	return tables.Token(h.EntryPoint), true
}

// ReadMetadata parses the metadata directory the header points to.
func (h *Header) ReadMetadata(ctx *pe.ReaderContext) (*metadata.Metadata, error) {
	r, err := ctx.ReaderAtRVA(h.Metadata.VirtualAddress, h.Metadata.Size)
	if err != nil {
		return nil, fmt.Errorf("clr: metadata directory: %w", err)
	}
	return metadata.Read(r, ctx.Listener)
}

// ReadResources returns the managed resources blob.
func (h *Header) ReadResources(ctx *pe.ReaderContext) (*Resources, error) {
	if !h.Resources.IsPresent() {
		return &Resources{}, nil
	}
	r, err := ctx.ReaderAtRVA(h.Resources.VirtualAddress, h.Resources.Size)
	if err != nil {
		return nil, fmt.Errorf("clr: resources directory: %w", err)
	}
	return &Resources{r: r, listener: ctx.Listener}, nil
}

// Resources is the managed resources blob. Each resource is stored as a
// 32-bit length followed by its bytes, at an offset given by the
// ManifestResource table.
type Resources struct {
	r        binio.Reader
	listener diag.ErrorListener
}

// Resource returns the resource at offset.
func (rs *Resources) Resource(offset uint32) ([]byte, error) {
	r, err := rs.r.ForkRelative(uint64(offset))
	if err != nil {
		return nil, fmt.Errorf("clr: resource at 0x%x: %w", offset, err)
	}
	n, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("clr: resource at 0x%x: %w", offset, err)
	}
	data, err := r.ReadBytes(uint64(n))
	if err != nil {
		if rerr := diag.Report(rs.listener, &pe.FormatError{
			Directory: "managed resources", Offset: r.Offset(),
			Message: fmt.Sprintf("resource at 0x%x truncated", offset), Err: err,
		}); rerr != nil {
			return nil, rerr
		}
		data, _ = r.ReadToEnd()
	}
	return data, nil
}

// ResourcesBuffer builds the managed resources blob.
type ResourcesBuffer struct {
	segment.Base
	w *binio.Writer
}

// NewResourcesBuffer creates an empty blob.
func NewResourcesBuffer() *ResourcesBuffer {
	return &ResourcesBuffer{w: binio.NewWriter()}
}

// Add appends data and returns its offset for the ManifestResource table.
func (b *ResourcesBuffer) Add(data []byte) uint32 {
	b.w.Align(8)
	off := uint32(b.w.Len())
	b.w.WriteU32(uint32(len(data)))
	b.w.WriteBytes(data)
	return off
}

// PhysicalSize implements segment.Segment.
func (b *ResourcesBuffer) PhysicalSize() uint32 { return uint32(b.w.Len()) }

// VirtualSize implements segment.Segment.
func (b *ResourcesBuffer) VirtualSize() uint32 { return b.PhysicalSize() }

// Write implements segment.Segment.
func (b *ResourcesBuffer) Write(w *binio.Writer) error {
	w.WriteBytes(b.w.Bytes())
	return nil
}

// Buffer builds a runtime header whose directories point at segments.
type Buffer struct {
	segment.Base

	MajorRuntimeVersion uint16
	MinorRuntimeVersion uint16
	Flags               Flags

	Metadata            segment.Segment
	Resources           segment.Segment
	StrongNameSignature segment.Segment
	VTableFixups        segment.Segment
	ManagedNativeHeader segment.Segment

	// EntryPointToken is used unless NativeEntryPoint is set.
	EntryPointToken  tables.Token
	NativeEntryPoint segment.Reference
}

// NewBuffer creates a header for a runtime 2.5 IL-only image.
func NewBuffer(md segment.Segment) *Buffer {
	return &Buffer{
		MajorRuntimeVersion: 2,
		MinorRuntimeVersion: 5,
		Flags:               FlagILOnly,
		Metadata:            md,
	}
}

// PhysicalSize implements segment.Segment.
func (b *Buffer) PhysicalSize() uint32 { return HeaderSize }

// VirtualSize implements segment.Segment.
func (b *Buffer) VirtualSize() uint32 { return HeaderSize }

func directoryOf(s segment.Segment) pe.DataDirectory {
	if s == nil || s.PhysicalSize() == 0 {
		return pe.DataDirectory{}
	}
	return pe.DataDirectory{VirtualAddress: s.RVA(), Size: s.PhysicalSize()}
}

// Header returns the header as it will be written. The referenced
// segments must be placed.
func (b *Buffer) Header() Header {
	h := Header{
		Cb:                  HeaderSize,
		MajorRuntimeVersion: b.MajorRuntimeVersion,
		MinorRuntimeVersion: b.MinorRuntimeVersion,
		Metadata:            directoryOf(b.Metadata),
		Flags:               b.Flags,
		EntryPoint:          uint32(b.EntryPointToken),
		Resources:           directoryOf(b.Resources),
		StrongNameSignature: directoryOf(b.StrongNameSignature),
		VTableFixups:        directoryOf(b.VTableFixups),
		ManagedNativeHeader: directoryOf(b.ManagedNativeHeader),
	}
	if !b.NativeEntryPoint.IsNil() {
		h.Flags |= FlagNativeEntryPoint
		h.EntryPoint = b.NativeEntryPoint.RVA()
	}
	return h
}

// Write implements segment.Segment.
func (b *Buffer) Write(w *binio.Writer) error {
	h := b.Header()
	if err := struc.PackWithOptions(w, &h, structOptions); err != nil {
		return fmt.Errorf("clr: writing header: %w", err)
	}
	return nil
}
