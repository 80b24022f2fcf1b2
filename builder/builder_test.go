package builder

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/diag"
	"github.com/skdltmxn/pe-go/dotnet/clr"
	"github.com/skdltmxn/pe-go/metadata"
	"github.com/skdltmxn/pe-go/metadata/heap"
	"github.com/skdltmxn/pe-go/metadata/tables"
	"github.com/skdltmxn/pe-go/pe"
	"github.com/skdltmxn/pe-go/pe/debugdir"
	"github.com/skdltmxn/pe-go/pe/relocation"
)

func buildMetadata(t *testing.T) (*metadata.Directory, tables.Token) {
	t.Helper()
	b := metadata.NewBuilder(metadata.Options{})
	name, err := b.AddString("Hello.exe")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.AddRow(tables.Module, tables.Row{0, name, b.AddGUID(heap.GUID{1, 2, 3}), 0, 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.AddRow(tables.TypeDef, tables.Row{0, 0, 0, 0, 1, 1}); err != nil {
		t.Fatal(err)
	}
	main, _ := b.AddString("Main")
	entry, err := b.AddRow(tables.MethodDef, tables.Row{0, 0, 0x96, main, b.AddBlob([]byte{0, 0, 1}), 1})
	if err != nil {
		t.Fatal(err)
	}
	md, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return md, entry
}

func TestDotNetImageRoundTrip(t *testing.T) {
	for _, is32 := range []bool{true, false} {
		md, entry := buildMetadata(t)
		opts := DefaultDotNetOptions(is32)
		opts.EntryPoint = entry
		opts.StrongNameSize = 128
		opts.ManagedResources = clr.NewResourcesBuffer()
		opts.ManagedResources.Add([]byte("resource"))
		opts.Debug = debugdir.NewBuffer()
		opts.Debug.AddCodeView(&debugdir.CodeView{Age: 1, Path: "Hello.pdb"}, 0)

		img := NewDotNetImage(md, opts)
		data, err := img.Build()
		if err != nil {
			t.Fatal(err)
		}
		f, err := pe.NewFile(binio.NewByteSource(data))
		if err != nil {
			t.Fatal(err)
		}

		if f.Is32Bit() != is32 || f.ImageBase() != opts.ImageBase {
			t.Errorf("32-bit=%v base=0x%x", f.Is32Bit(), f.ImageBase())
		}
		if len(f.Sections) != 2 || f.Sections[0].Name != ".text" || f.Sections[1].Name != ".reloc" {
			t.Fatalf("sections = %+v", f.Sections)
		}
		for _, s := range f.Sections {
			if s.Offset%uint64(opts.FileAlignment) != 0 || s.RVA%opts.SectionAlignment != 0 {
				t.Errorf("section %s at 0x%x/0x%x", s.Name, s.Offset, s.RVA)
			}
		}

		hdr, err := clr.ReadFile(f)
		if err != nil {
			t.Fatal(err)
		}
		if tok, ok := hdr.EntryPointToken(); !ok || tok != entry {
			t.Errorf("entry point = %v", tok)
		}
		if hdr.Flags != clr.FlagILOnly || hdr.StrongNameSignature.Size != 128 {
			t.Errorf("header = %+v", hdr)
		}

		ctx := f.Context(diag.Strict)
		m, err := hdr.ReadMetadata(ctx)
		if err != nil {
			t.Fatal(err)
		}
		strs, _ := m.Strings()
		if s, _ := strs.String(1); s != "Hello.exe" {
			t.Errorf("first string = %q", s)
		}

		res, err := hdr.ReadResources(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if r, err := res.Resource(0); err != nil || string(r) != "resource" {
			t.Errorf("resource = %q, %v", r, err)
		}

		dr, err := f.DirectoryReader(pe.DirDebug)
		if err != nil {
			t.Fatal(err)
		}
		entries, err := debugdir.Read(ctx, dr)
		if err != nil {
			t.Fatal(err)
		}
		if cv, ok := entries[0].Contents.(*debugdir.CodeView); !ok || cv.Path != "Hello.pdb" {
			t.Errorf("debug entry = %+v", entries[0])
		}

		// The entry stub must jump through the _CorExeMain slot and carry a
		// base relocation for its absolute operand.
		stub := img.EntryStub
		iat := f.DataDirectory(pe.DirIAT)
		operand := data[stub.Offset()+2:]
		var target uint64
		if is32 {
			target = uint64(binary.LittleEndian.Uint32(operand))
		} else {
			target = binary.LittleEndian.Uint64(operand)
		}
		if target != opts.ImageBase+uint64(iat.VirtualAddress) {
			t.Errorf("stub target 0x%x, want 0x%x", target, opts.ImageBase+uint64(iat.VirtualAddress))
		}

		rr, err := f.DirectoryReader(pe.DirBaseReloc)
		if err != nil {
			t.Fatal(err)
		}
		blocks, err := relocation.Read(ctx, rr)
		if err != nil {
			t.Fatal(err)
		}
		relocs := relocation.Relocations(blocks)
		want := relocation.Dir64
		if is32 {
			want = relocation.HighLow
		}
		if len(relocs) != 1 || relocs[0].Type != want || relocs[0].Location.RVA() != stub.RVA()+2 {
			t.Errorf("relocations = %+v", relocs)
		}

		imp, err := f.Raw().ImportedSymbols()
		if err != nil {
			t.Fatal(err)
		}
		if len(imp) != 1 || imp[0] != "_CorExeMain:mscoree.dll" {
			t.Errorf("imports = %v", imp)
		}
	}
}

func TestDLLImportsDllMain(t *testing.T) {
	md, _ := buildMetadata(t)
	opts := DefaultDotNetOptions(false)
	opts.IsDLL = true
	img := NewDotNetImage(md, opts)
	data, err := img.Build()
	if err != nil {
		t.Fatal(err)
	}
	f, err := pe.NewFile(binio.NewByteSource(data))
	if err != nil {
		t.Fatal(err)
	}
	if f.Raw().FileHeader.Characteristics&FileDLL == 0 {
		t.Error("DLL flag not set")
	}
	imp, _ := f.Raw().ImportedSymbols()
	if len(imp) != 1 || imp[0] != "_CorDllMain:mscoree.dll" {
		t.Errorf("imports = %v", imp)
	}
}

func TestImportBufferDedup(t *testing.T) {
	b := NewImportBuffer(false)
	a := b.Add("kernel32.dll", "ExitProcess")
	c := b.Add("kernel32.dll", "GetStdHandle")
	if again := b.Add("kernel32.dll", "ExitProcess"); again != a {
		t.Error("duplicate import got a new slot")
	}
	b.Add("user32.dll", "MessageBoxW")
	if b.PhysicalSize() != 3*importDescriptorSize {
		t.Errorf("directory size %d", b.PhysicalSize())
	}
	if a.Target() != c.Target() {
		t.Error("symbols of one module in different address tables")
	}
}

func TestBuildWithoutSections(t *testing.T) {
	if _, err := NewImage(DefaultOptions()).Build(); !errors.Is(err, ErrNoSections) {
		t.Errorf("err = %v", err)
	}
}
