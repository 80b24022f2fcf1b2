// Package builder assembles PE images out of segments.
//
// Layout happens once, in Build: headers first, then each section at the
// next file and section alignment boundary. Segment sizes must therefore be
// final before Build is called; only addresses are resolved during it.
package builder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	bpe "github.com/Binject/debug/pe"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/internal/config"
	"github.com/skdltmxn/pe-go/pe"
	"github.com/skdltmxn/pe-go/segment"
)

// Section characteristics.
const (
	SectionCode              uint32 = 0x00000020
	SectionInitializedData   uint32 = 0x00000040
	SectionUninitializedData uint32 = 0x00000080
	SectionMemDiscardable    uint32 = 0x02000000
	SectionMemExecute        uint32 = 0x20000000
	SectionMemRead           uint32 = 0x40000000
	SectionMemWrite          uint32 = 0x80000000
)

// Machine types.
const (
	MachineI386  uint16 = 0x14C
	MachineAMD64 uint16 = 0x8664
)

// File header characteristics.
const (
	FileExecutableImage   uint16 = 0x0002
	FileLargeAddressAware uint16 = 0x0020
	File32BitMachine      uint16 = 0x0100
	FileDLL               uint16 = 0x2000
)

const (
	dosHeaderSize     = 0x40
	peHeaderOffset    = 0x80
	fileHeaderSize    = 20
	sectionHeaderSize = 40
	optionalSize32    = 224
	optionalSize64    = 240
)

// ErrNoSections is returned when building an image without sections.
var ErrNoSections = errors.New("builder: image has no sections")

var dosStub = []byte{
	0x0E, 0x1F, 0xBA, 0x0E, 0x00, 0xB4, 0x09, 0xCD, 0x21, 0xB8, 0x01, 0x4C, 0xCD, 0x21,
	'T', 'h', 'i', 's', ' ', 'p', 'r', 'o', 'g', 'r', 'a', 'm', ' ',
	'c', 'a', 'n', 'n', 'o', 't', ' ', 'b', 'e', ' ', 'r', 'u', 'n', ' ',
	'i', 'n', ' ', 'D', 'O', 'S', ' ', 'm', 'o', 'd', 'e', '.', '\r', '\r', '\n', '$',
}

// Options controls the headers of a built image.
type Options struct {
	Is32Bit            bool
	ImageBase          uint64
	FileAlignment      uint32
	SectionAlignment   uint32
	Machine            uint16
	Characteristics    uint16
	Subsystem          uint16
	DllCharacteristics uint16
	TimeDateStamp      uint32
	Logger             *slog.Logger
}

// DefaultOptions returns options for a 64-bit console executable, with
// alignments taken from the environment.
func DefaultOptions() Options {
	cfg := config.Load()
	return Options{
		ImageBase:          0x140000000,
		FileAlignment:      cfg.FileAlignment,
		SectionAlignment:   cfg.SectionAlignment,
		Machine:            MachineAMD64,
		Characteristics:    FileExecutableImage | FileLargeAddressAware,
		Subsystem:          3,
		DllCharacteristics: 0x8560,
		Logger:             cfg.Logger(),
	}
}

// Section is a section of the image under construction.
type Section struct {
	Name            string
	Characteristics uint32
	Contents        *segment.Builder

	rawSize uint32
}

// Offset returns the file offset of the section.
func (s *Section) Offset() uint64 { return s.Contents.Offset() }

// RVA returns the address of the section.
func (s *Section) RVA() uint32 { return s.Contents.RVA() }

// Image collects sections and data directories.
type Image struct {
	opts       Options
	Sections   []*Section
	EntryPoint segment.Reference

	dirs    [pe.NumDirectories]segment.Segment
	headers *headers
}

// NewImage creates an empty image.
func NewImage(opts Options) *Image {
	if opts.FileAlignment == 0 {
		opts.FileAlignment = 0x200
	}
	if opts.SectionAlignment == 0 {
		opts.SectionAlignment = 0x2000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	img := &Image{opts: opts}
	img.headers = &headers{img: img}
	return img
}

// Options returns the image options.
func (img *Image) Options() Options { return img.opts }

// AddSection appends an empty section.
func (img *Image) AddSection(name string, characteristics uint32) *Section {
	s := &Section{Name: name, Characteristics: characteristics, Contents: segment.NewBuilder()}
	img.Sections = append(img.Sections, s)
	return s
}

// SetDirectory points data directory i at seg. For the security directory
// the file offset is stored instead of the RVA.
func (img *Image) SetDirectory(i int, seg segment.Segment) {
	img.dirs[i] = seg
}

// Build lays the image out and returns its bytes.
func (img *Image) Build() ([]byte, error) {
	if len(img.Sections) == 0 {
		return nil, ErrNoSections
	}
	p := segment.NewRelocationParameters(img.opts.ImageBase, 0, 0, img.opts.Is32Bit)
	img.headers.UpdateOffsets(p)

	hsize := img.headers.PhysicalSize()
	p = p.At(uint64(binio.AlignUp(hsize, img.opts.FileAlignment)), binio.AlignUp(hsize, img.opts.SectionAlignment))
	for _, s := range img.Sections {
		s.Contents.UpdateOffsets(p)
		s.rawSize = binio.AlignUp(s.Contents.PhysicalSize(), img.opts.FileAlignment)
		vsize := max(s.Contents.VirtualSize(), 1)
		img.opts.Logger.Debug("placed section", "name", s.Name,
			"offset", s.Offset(), "rva", s.RVA(), "raw", s.rawSize, "virtual", vsize)
		p = p.At(p.Offset+uint64(s.rawSize), p.RVA+binio.AlignUp(vsize, img.opts.SectionAlignment))
	}
	img.headers.sizeOfImage = p.RVA

	w := binio.NewWriter()
	if err := segment.WriteSegment(w, img.headers); err != nil {
		return nil, err
	}
	for _, s := range img.Sections {
		w.WriteZeroes(s.Offset() - w.Offset())
		if err := segment.WriteSegment(w, s.Contents); err != nil {
			return nil, fmt.Errorf("builder: section %s: %w", s.Name, err)
		}
		w.WriteZeroes(s.Offset() + uint64(s.rawSize) - w.Offset())
	}
	return w.Bytes(), nil
}

// headers is the DOS header and stub, NT headers and section table.
type headers struct {
	segment.Base
	img         *Image
	sizeOfImage uint32
}

func (h *headers) optionalSize() uint32 {
	if h.img.opts.Is32Bit {
		return optionalSize32
	}
	return optionalSize64
}

func (h *headers) PhysicalSize() uint32 {
	return peHeaderOffset + 4 + fileHeaderSize + h.optionalSize() + uint32(len(h.img.Sections))*sectionHeaderSize
}

func (h *headers) VirtualSize() uint32 { return h.PhysicalSize() }

func (h *headers) sizeOfHeaders() uint32 {
	return binio.AlignUp(h.PhysicalSize(), h.img.opts.FileAlignment)
}

func (h *headers) Write(w *binio.Writer) error {
	img := h.img
	opts := img.opts

	// DOS header; only e_magic and e_lfanew matter to loaders.
	dos := make([]byte, dosHeaderSize)
	copy(dos, "MZ")
	binary.LittleEndian.PutUint16(dos[2:], 0x90)
	binary.LittleEndian.PutUint16(dos[4:], 3)
	binary.LittleEndian.PutUint16(dos[8:], 4)
	binary.LittleEndian.PutUint16(dos[12:], 0xFFFF)
	binary.LittleEndian.PutUint16(dos[16:], 0xB8)
	binary.LittleEndian.PutUint16(dos[24:], 0x40)
	binary.LittleEndian.PutUint32(dos[0x3C:], peHeaderOffset)
	w.WriteBytes(dos)
	w.WriteBytes(dosStub)
	w.WriteZeroes(peHeaderOffset - dosHeaderSize - uint64(len(dosStub)))

	w.WriteBytes([]byte("PE\x00\x00"))
	fh := bpe.FileHeader{
		Machine:              opts.Machine,
		NumberOfSections:     uint16(len(img.Sections)),
		TimeDateStamp:        opts.TimeDateStamp,
		SizeOfOptionalHeader: uint16(h.optionalSize()),
		Characteristics:      opts.Characteristics,
	}
	if err := binary.Write(w, binary.LittleEndian, &fh); err != nil {
		return err
	}

	var code, data, bss, baseOfCode, baseOfData uint32
	for _, s := range img.Sections {
		switch {
		case s.Characteristics&SectionCode != 0:
			code += s.rawSize
			if baseOfCode == 0 {
				baseOfCode = s.RVA()
			}
		case s.Characteristics&SectionUninitializedData != 0:
			bss += binio.AlignUp(s.Contents.VirtualSize(), opts.FileAlignment)
		case s.Characteristics&SectionInitializedData != 0:
			data += s.rawSize
			if baseOfData == 0 {
				baseOfData = s.RVA()
			}
		}
	}

	var dirs [16]bpe.DataDirectory
	for i, seg := range img.dirs {
		if seg == nil || seg.PhysicalSize() == 0 {
			continue
		}
		addr := seg.RVA()
		if i == pe.DirSecurity {
			addr = uint32(seg.Offset())
		}
		dirs[i] = bpe.DataDirectory{VirtualAddress: addr, Size: seg.PhysicalSize()}
	}

	var oh any
	if opts.Is32Bit {
		oh = &bpe.OptionalHeader32{
			Magic:                       0x10B,
			MajorLinkerVersion:          11,
			SizeOfCode:                  code,
			SizeOfInitializedData:       data,
			SizeOfUninitializedData:     bss,
			AddressOfEntryPoint:         img.EntryPoint.RVA(),
			BaseOfCode:                  baseOfCode,
			BaseOfData:                  baseOfData,
			ImageBase:                   uint32(opts.ImageBase),
			SectionAlignment:            opts.SectionAlignment,
			FileAlignment:               opts.FileAlignment,
			MajorOperatingSystemVersion: 4,
			MajorSubsystemVersion:       4,
			SizeOfImage:                 h.sizeOfImage,
			SizeOfHeaders:               h.sizeOfHeaders(),
			Subsystem:                   opts.Subsystem,
			DllCharacteristics:          opts.DllCharacteristics,
			SizeOfStackReserve:          0x100000,
			SizeOfStackCommit:           0x1000,
			SizeOfHeapReserve:           0x100000,
			SizeOfHeapCommit:            0x1000,
			NumberOfRvaAndSizes:         pe.NumDirectories,
			DataDirectory:               dirs,
		}
	} else {
		oh = &bpe.OptionalHeader64{
			Magic:                       0x20B,
			MajorLinkerVersion:          11,
			SizeOfCode:                  code,
			SizeOfInitializedData:       data,
			SizeOfUninitializedData:     bss,
			AddressOfEntryPoint:         img.EntryPoint.RVA(),
			BaseOfCode:                  baseOfCode,
			ImageBase:                   opts.ImageBase,
			SectionAlignment:            opts.SectionAlignment,
			FileAlignment:               opts.FileAlignment,
			MajorOperatingSystemVersion: 4,
			MajorSubsystemVersion:       4,
			SizeOfImage:                 h.sizeOfImage,
			SizeOfHeaders:               h.sizeOfHeaders(),
			Subsystem:                   opts.Subsystem,
			DllCharacteristics:          opts.DllCharacteristics,
			SizeOfStackReserve:          0x400000,
			SizeOfStackCommit:           0x4000,
			SizeOfHeapReserve:           0x100000,
			SizeOfHeapCommit:            0x2000,
			NumberOfRvaAndSizes:         pe.NumDirectories,
			DataDirectory:               dirs,
		}
	}
	if err := binary.Write(w, binary.LittleEndian, oh); err != nil {
		return err
	}

	for _, s := range img.Sections {
		sh := bpe.SectionHeader32{
			VirtualSize:     s.Contents.VirtualSize(),
			VirtualAddress:  s.RVA(),
			SizeOfRawData:   s.rawSize,
			Characteristics: s.Characteristics,
		}
		if s.rawSize != 0 {
			sh.PointerToRawData = uint32(s.Offset())
		}
		copy(sh.Name[:], s.Name)
		if err := binary.Write(w, binary.LittleEndian, &sh); err != nil {
			return err
		}
	}
	return nil
}
