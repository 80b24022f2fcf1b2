package builder

import (
	"github.com/skdltmxn/pe-go/dotnet/clr"
	"github.com/skdltmxn/pe-go/dotnet/vtable"
	"github.com/skdltmxn/pe-go/metadata/tables"
	"github.com/skdltmxn/pe-go/pe"
	"github.com/skdltmxn/pe-go/pe/debugdir"
	"github.com/skdltmxn/pe-go/pe/relocation"
	"github.com/skdltmxn/pe-go/pe/resources"
	"github.com/skdltmxn/pe-go/segment"
)

// Runtime entry points exported by mscoree.dll.
const (
	RuntimeModule = "mscoree.dll"
	ExeMain       = "_CorExeMain"
	DllMain       = "_CorDllMain"
)

// DotNetOptions describes a managed image.
type DotNetOptions struct {
	Options

	IsDLL      bool
	Flags      clr.Flags // defaults to FlagILOnly
	EntryPoint tables.Token

	// StrongNameSize reserves room for a strong-name signature.
	StrongNameSize uint32

	ManagedResources *clr.ResourcesBuffer
	VTableFixups     *vtable.Buffer
	Debug            *debugdir.Buffer
	Win32Resources   *resources.Buffer
}

// DefaultDotNetOptions returns options for an AnyCPU executable when
// is32Bit is set, or an x64 one otherwise.
func DefaultDotNetOptions(is32Bit bool) DotNetOptions {
	opts := DotNetOptions{Options: DefaultOptions()}
	if is32Bit {
		opts.Is32Bit = true
		opts.ImageBase = 0x400000
		opts.Machine = MachineI386
		opts.Characteristics = FileExecutableImage | File32BitMachine
	}
	return opts
}

// DotNetImage is an image with a runtime header, the classic mscoree
// import and entry stub, and base relocations for the stub.
type DotNetImage struct {
	*Image

	CLR                 *clr.Buffer
	Imports             *ImportBuffer
	Relocations         *relocation.Buffer
	StrongNameSignature *segment.ZeroesSegment
	EntryStub           *segment.PatchedSegment

	Text, Rsrc, Reloc *Section
}

// NewDotNetImage lays md out in a .text section together with the other
// managed directories in opts.
func NewDotNetImage(md segment.Segment, opts DotNetOptions) *DotNetImage {
	if opts.IsDLL {
		opts.Characteristics |= FileDLL
	}
	img := &DotNetImage{
		Image:       NewImage(opts.Options),
		CLR:         clr.NewBuffer(md),
		Imports:     NewImportBuffer(opts.Is32Bit),
		Relocations: relocation.NewBuffer(),
	}
	if opts.Flags != 0 {
		img.CLR.Flags = opts.Flags
	}
	img.CLR.EntryPointToken = opts.EntryPoint

	entry := ExeMain
	if opts.IsDLL {
		entry = DllMain
	}
	slot := img.Imports.Add(RuntimeModule, entry)
	img.EntryStub = entryStub(slot, opts.Is32Bit)
	img.Relocations.AddFixups(img.EntryStub)

	text := img.AddSection(".text", SectionCode|SectionMemExecute|SectionMemRead)
	c := text.Contents
	c.Add(img.Imports.IAT())
	c.AddAligned(img.CLR, 4)
	c.AddAligned(md, 4)
	if opts.ManagedResources != nil {
		c.AddAligned(opts.ManagedResources, 8)
		img.CLR.Resources = opts.ManagedResources
	}
	if opts.StrongNameSize != 0 {
		img.StrongNameSignature = segment.NewZeroesSegment(opts.StrongNameSize)
		c.AddAligned(img.StrongNameSignature, 8)
		img.CLR.StrongNameSignature = img.StrongNameSignature
	}
	if opts.VTableFixups != nil {
		c.AddAligned(opts.VTableFixups, 4)
		c.AddAligned(opts.VTableFixups.Data(), 8)
		img.CLR.VTableFixups = opts.VTableFixups
	}
	if opts.Debug != nil {
		c.AddAligned(opts.Debug, 4)
		c.AddAligned(opts.Debug.Data(), 4)
		img.SetDirectory(pe.DirDebug, opts.Debug)
	}
	c.AddAligned(img.Imports, 4)
	c.Add(img.Imports.Data())
	c.AddAligned(img.EntryStub, 4)
	img.Text = text

	if opts.Win32Resources != nil {
		img.Rsrc = img.AddSection(".rsrc", SectionInitializedData|SectionMemRead)
		img.Rsrc.Contents.Add(opts.Win32Resources)
		img.SetDirectory(pe.DirResource, opts.Win32Resources)
	}

	// Relocation blocks depend on final addresses, so .reloc goes last.
	img.Reloc = img.AddSection(".reloc", SectionInitializedData|SectionMemDiscardable|SectionMemRead)
	img.Reloc.Contents.Add(img.Relocations)

	img.SetDirectory(pe.DirImport, img.Imports)
	img.SetDirectory(pe.DirIAT, img.Imports.IAT())
	img.SetDirectory(pe.DirCLR, img.CLR)
	img.SetDirectory(pe.DirBaseReloc, img.Relocations)
	img.EntryPoint = segment.RefTo(img.EntryStub)
	return img
}

// entryStub jumps through the address table slot of the runtime entry
// point.
func entryStub(slot segment.Reference, is32Bit bool) *segment.PatchedSegment {
	if is32Bit {
		// jmp dword ptr [slot]
		s := segment.NewPatchedSegment(segment.NewDataSegment([]byte{0xFF, 0x25, 0, 0, 0, 0}))
		return s.AddFixup(segment.AddressFixup{Offset: 2, Type: segment.Absolute32, Symbol: slot})
	}
	// mov rax, [slot]; jmp rax
	s := segment.NewPatchedSegment(segment.NewDataSegment([]byte{0x48, 0xA1, 0, 0, 0, 0, 0, 0, 0, 0, 0xFF, 0xE0}))
	return s.AddFixup(segment.AddressFixup{Offset: 2, Type: segment.Absolute64, Symbol: slot})
}
