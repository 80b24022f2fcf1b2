// Package pe gives directory readers access to a PE/COFF image: its section
// map, data directories and an RVA-addressable view of its bytes.
//
// Headers and the section table are parsed with github.com/Binject/debug/pe;
// everything below the data directories is left to the packages that
// understand it.
package pe

import (
	"errors"
	"fmt"
	"io"
	"strings"

	bpe "github.com/Binject/debug/pe"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/diag"
	"github.com/skdltmxn/pe-go/segment"
)

// Data directory indices.
const (
	DirExport = iota
	DirImport
	DirResource
	DirException
	DirSecurity
	DirBaseReloc
	DirDebug
	DirArchitecture
	DirGlobalPtr
	DirTLS
	DirLoadConfig
	DirBoundImport
	DirIAT
	DirDelayImport
	DirCLR
	DirReserved

	NumDirectories = 16
)

// ErrNoOptionalHeader is returned for COFF objects without an optional
// header.
var ErrNoOptionalHeader = errors.New("pe: image has no optional header")

// DataDirectory locates a directory by RVA.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// IsPresent reports whether the directory is set.
func (d DataDirectory) IsPresent() bool { return d.VirtualAddress != 0 && d.Size != 0 }

// Section is a section header in the form the offset converter uses.
type Section struct {
	Name            string
	Characteristics uint32
	segment.Run
}

// File is an opened PE image.
type File struct {
	Sections []Section

	raw       *bpe.File
	src       binio.DataSource
	runs      segment.Runs
	is32Bit   bool
	imageBase uint64
	dirs      [NumDirectories]DataDirectory
	closer    io.Closer
}

// Open memory-maps the file at path and parses it.
func Open(path string) (*File, error) {
	src, err := binio.OpenFile(path)
	if err != nil {
		return nil, err
	}
	f, err := NewFile(src)
	if err != nil {
		src.Close()
		return nil, err
	}
	f.closer = src
	return f, nil
}

// NewFile parses the image in src.
func NewFile(src binio.DataSource) (*File, error) {
	raw, err := bpe.NewFile(src)
	if err != nil {
		return nil, fmt.Errorf("pe: %w", err)
	}

	f := &File{raw: raw, src: src}
	switch oh := raw.OptionalHeader.(type) {
	case *bpe.OptionalHeader32:
		f.is32Bit = true
		f.imageBase = uint64(oh.ImageBase)
		for i := 0; i < NumDirectories && i < int(oh.NumberOfRvaAndSizes); i++ {
			f.dirs[i] = DataDirectory(oh.DataDirectory[i])
		}
	case *bpe.OptionalHeader64:
		f.imageBase = oh.ImageBase
		for i := 0; i < NumDirectories && i < int(oh.NumberOfRvaAndSizes); i++ {
			f.dirs[i] = DataDirectory(oh.DataDirectory[i])
		}
	default:
		return nil, ErrNoOptionalHeader
	}

	for _, s := range raw.Sections {
		sec := Section{
			Name:            strings.TrimRight(s.Name, "\x00"),
			Characteristics: s.Characteristics,
			Run: segment.Run{
				RVA:         s.VirtualAddress,
				VirtualSize: s.VirtualSize,
				Offset:      uint64(s.Offset),
				Size:        s.Size,
			},
		}
		f.Sections = append(f.Sections, sec)
		f.runs = append(f.runs, sec.Run)
	}
	return f, nil
}

// Close releases the underlying file if Open created it.
func (f *File) Close() error {
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

// Raw returns the parsed headers.
func (f *File) Raw() *bpe.File { return f.raw }

// Source returns the image bytes.
func (f *File) Source() binio.DataSource { return f.src }

// Is32Bit reports whether the image has a PE32 optional header.
func (f *File) Is32Bit() bool { return f.is32Bit }

// ImageBase returns the preferred load address.
func (f *File) ImageBase() uint64 { return f.imageBase }

// DataDirectory returns directory i.
func (f *File) DataDirectory(i int) DataDirectory {
	if i < 0 || i >= NumDirectories {
		return DataDirectory{}
	}
	return f.dirs[i]
}

// Section returns the section containing rva.
func (f *File) Section(rva uint32) (Section, bool) {
	for _, s := range f.Sections {
		if rva >= s.RVA && rva-s.RVA < max(s.VirtualSize, s.Size) {
			return s, true
		}
	}
	return Section{}, false
}

// RVAToOffset implements segment.OffsetConverter.
func (f *File) RVAToOffset(rva uint32) (uint64, bool) { return f.runs.RVAToOffset(rva) }

// OffsetToRVA implements segment.OffsetConverter.
func (f *File) OffsetToRVA(offset uint64) (uint32, bool) { return f.runs.OffsetToRVA(offset) }

// Context returns a reader context reporting to l.
func (f *File) Context(l diag.ErrorListener) *ReaderContext {
	return &ReaderContext{
		Listener:  l,
		Converter: f,
		Source:    f.src,
		Is32Bit:   f.is32Bit,
		ImageBase: f.imageBase,
	}
}

// ReaderAtRVA returns a reader over size bytes at rva.
func (f *File) ReaderAtRVA(rva, size uint32) (binio.Reader, error) {
	return f.Context(nil).ReaderAtRVA(rva, size)
}

// DirectoryReader returns a reader over directory i.
func (f *File) DirectoryReader(i int) (binio.Reader, error) {
	d := f.DataDirectory(i)
	if !d.IsPresent() {
		return binio.Reader{}, fmt.Errorf("pe: data directory %d is empty", i)
	}
	return f.ReaderAtRVA(d.VirtualAddress, d.Size)
}
