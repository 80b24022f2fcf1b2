// Package bundle reads and writes the manifest that single-file .NET
// applications append to their native host executable.
//
// The host carries a 32-byte signature preceded by an 8-byte slot holding
// the file offset of the manifest header. An unbundled host has zero in
// that slot.
package bundle

import (
	"bytes"
	"compress/flate"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/skdltmxn/pe-go/binio"
)

// Signature marks the header offset slot inside the host.
var Signature = [32]byte{
	0x8b, 0x12, 0x02, 0xb9, 0x6a, 0x61, 0x20, 0x38,
	0x72, 0x7b, 0x93, 0x02, 0x14, 0xd7, 0xa0, 0x32,
	0x13, 0xf5, 0xb9, 0xe6, 0xef, 0xae, 0x33, 0x18,
	0xee, 0x3b, 0x2d, 0xce, 0x24, 0xb3, 0x6a, 0xae,
}

var (
	// ErrNoSignature is returned when the host has no bundle signature.
	ErrNoSignature = errors.New("bundle: signature not found")

	// ErrNotBundled is returned for a host whose header offset is zero.
	ErrNotBundled = errors.New("bundle: host has no manifest")

	// ErrUnsupportedVersion is returned for manifests newer than this
	// package understands.
	ErrUnsupportedVersion = errors.New("bundle: unsupported manifest version")
)

// FileType classifies a bundled file.
type FileType uint8

// File types.
const (
	TypeUnknown FileType = iota
	TypeAssembly
	TypeNativeBinary
	TypeDepsJSON
	TypeRuntimeConfigJSON
	TypeSymbols
)

func (t FileType) String() string {
	switch t {
	case TypeAssembly:
		return "Assembly"
	case TypeNativeBinary:
		return "NativeBinary"
	case TypeDepsJSON:
		return "DepsJson"
	case TypeRuntimeConfigJSON:
		return "RuntimeConfigJson"
	case TypeSymbols:
		return "Symbols"
	default:
		return fmt.Sprintf("FileType(%d)", uint8(t))
	}
}

// Flags are manifest flags, present from version 2.
type Flags uint64

// FlagNetCoreApp3CompatMode makes the host extract every file, as hosts
// for .NET Core 3 did.
const FlagNetCoreApp3CompatMode Flags = 1

// Version limits and defaults.
const (
	MaxMajorVersion = 6
	assemblyAlign   = 16
)

// File is an entry of the manifest.
type File struct {
	Type         FileType
	RelativePath string

	// Contents holds the bytes as stored in the bundle. When Compressed is
	// set they are deflate-compressed.
	Contents   []byte
	Compressed bool

	offset uint64
	size   uint64 // uncompressed size
}

// Data returns the uncompressed contents.
func (f *File) Data() ([]byte, error) {
	if !f.Compressed {
		return f.Contents, nil
	}
	r := flate.NewReader(bytes.NewReader(f.Contents))
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("bundle: inflating %s: %w", f.RelativePath, err)
	}
	return data, nil
}

// Compress replaces the contents with their deflate encoding.
func (f *File) Compress() error {
	if f.Compressed {
		return nil
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return err
	}
	if _, err := w.Write(f.Contents); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	f.Contents, f.Compressed = buf.Bytes(), true
	return nil
}

// Manifest describes the files of a bundle.
type Manifest struct {
	MajorVersion uint32
	MinorVersion uint32
	BundleID     string
	Flags        Flags
	Files        []*File
}

// NewManifest creates an empty manifest of the given major version.
func NewManifest(major uint32) *Manifest {
	return &Manifest{MajorVersion: major}
}

// FindManifest returns the offset of the manifest header.
func FindManifest(src binio.DataSource) (uint64, error) {
	sig, err := findSignature(src)
	if err != nil {
		return 0, err
	}
	r, err := binio.NewReaderAt(src, sig-8, 0, 8)
	if err != nil {
		return 0, err
	}
	off, _ := r.ReadU64()
	if off == 0 {
		return 0, ErrNotBundled
	}
	return off, nil
}

// findSignature returns the offset of the signature in src.
func findSignature(src binio.DataSource) (uint64, error) {
	const chunk = 1 << 20
	buf := make([]byte, chunk+len(Signature)-1)
	for base := uint64(0); base < src.Len(); base += chunk {
		n := min(uint64(len(buf)), src.Len()-base)
		if _, err := src.ReadAt(buf[:n], int64(base)); err != nil && err != io.EOF {
			return 0, err
		}
		if i := bytes.Index(buf[:n], Signature[:]); i >= 0 {
			if base+uint64(i) < 8 {
				return 0, fmt.Errorf("%w: no room for header offset", ErrNoSignature)
			}
			return base + uint64(i), nil
		}
	}
	return 0, ErrNoSignature
}

// Read parses the manifest of a bundled host.
func Read(src binio.DataSource) (*Manifest, error) {
	off, err := FindManifest(src)
	if err != nil {
		return nil, err
	}
	r := binio.NewReader(src)
	if err := r.SetOffset(off); err != nil {
		return nil, fmt.Errorf("bundle: header offset 0x%x: %w", off, err)
	}
	return readHeader(&r)
}

func readHeader(r *binio.Reader) (*Manifest, error) {
	m := &Manifest{}
	var err error
	if m.MajorVersion, err = r.ReadU32(); err != nil {
		return nil, fmt.Errorf("bundle: reading header: %w", err)
	}
	if m.MinorVersion, err = r.ReadU32(); err != nil {
		return nil, fmt.Errorf("bundle: reading header: %w", err)
	}
	if m.MajorVersion == 0 || m.MajorVersion > MaxMajorVersion {
		return nil, fmt.Errorf("%w: %d.%d", ErrUnsupportedVersion, m.MajorVersion, m.MinorVersion)
	}
	count, err := r.ReadI32()
	if err != nil {
		return nil, fmt.Errorf("bundle: reading header: %w", err)
	}
	if count < 0 {
		return nil, fmt.Errorf("bundle: negative file count %d", count)
	}
	if m.BundleID, err = r.ReadUTF8String(); err != nil {
		return nil, fmt.Errorf("bundle: reading bundle ID: %w", err)
	}

	if m.MajorVersion >= 2 {
		// Offsets and sizes of deps.json and runtimeconfig.json duplicate
		// their file entries.
		if err := r.Skip(4 * 8); err != nil {
			return nil, fmt.Errorf("bundle: reading header: %w", err)
		}
		flags, err := r.ReadU64()
		if err != nil {
			return nil, fmt.Errorf("bundle: reading header: %w", err)
		}
		m.Flags = Flags(flags)
	}

	for i := 0; i < int(count); i++ {
		f, err := m.readFile(r)
		if err != nil {
			return nil, fmt.Errorf("bundle: file entry %d: %w", i, err)
		}
		m.Files = append(m.Files, f)
	}
	return m, nil
}

func (m *Manifest) readFile(r *binio.Reader) (*File, error) {
	offset, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	size, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	var compressed uint64
	if m.MajorVersion >= 6 {
		if compressed, err = r.ReadU64(); err != nil {
			return nil, err
		}
	}
	typ, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	path, err := r.ReadUTF8String()
	if err != nil {
		return nil, err
	}

	f := &File{Type: FileType(typ), RelativePath: path, offset: offset, size: size}
	stored := size
	if compressed != 0 {
		stored, f.Compressed = compressed, true
	}
	cr, err := r.ForkAbsolute(offset, stored)
	if err != nil {
		return nil, fmt.Errorf("contents of %s: %w", path, err)
	}
	if f.Contents, err = cr.ReadToEnd(); err != nil {
		return nil, err
	}
	return f, nil
}

// Offset returns the file offset the contents were read from or written
// to.
func (f *File) Offset() uint64 { return f.offset }

// GenerateBundleID derives a deterministic ID from the file contents.
func (m *Manifest) GenerateBundleID() (string, error) {
	h := sha256.New()
	for _, f := range m.Files {
		data, err := f.Data()
		if err != nil {
			return "", err
		}
		sum := sha256.Sum256(data)
		h.Write(sum[:])
	}
	id := base64.StdEncoding.EncodeToString(h.Sum(nil))[12:]
	return strings.ReplaceAll(id, "/", "_"), nil
}

// Write appends the files and the manifest to host and stores the header
// offset in the host's signature slot. host must be an unbundled host
// executable; it is not modified.
func (m *Manifest) Write(w io.Writer, host []byte) error {
	if m.MajorVersion == 0 || m.MajorVersion > MaxMajorVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.MajorVersion)
	}
	sig := bytes.Index(host, Signature[:])
	if sig < 8 {
		return ErrNoSignature
	}

	out := binio.NewWriter()
	out.WriteBytes(host)
	for _, f := range m.Files {
		if f.Compressed && m.MajorVersion < 6 {
			return fmt.Errorf("bundle: %s is compressed but version %d cannot store compressed files",
				f.RelativePath, m.MajorVersion)
		}
		if f.Type == TypeAssembly {
			out.Align(assemblyAlign)
		}
		data, err := f.Data()
		if err != nil {
			return err
		}
		f.offset, f.size = out.Offset(), uint64(len(data))
		out.WriteBytes(f.Contents)
	}

	header := out.Offset()
	m.writeHeader(out)
	if err := out.PatchU64At(uint64(sig-8), header); err != nil {
		return err
	}
	_, err := out.WriteTo(w)
	return err
}

func (m *Manifest) writeHeader(w *binio.Writer) {
	w.WriteU32(m.MajorVersion)
	w.WriteU32(m.MinorVersion)
	w.WriteI32(int32(len(m.Files)))
	w.WriteUTF8String(m.BundleID)

	if m.MajorVersion >= 2 {
		for _, t := range []FileType{TypeDepsJSON, TypeRuntimeConfigJSON} {
			var off, size uint64
			for _, f := range m.Files {
				if f.Type == t {
					off, size = f.offset, f.size
					break
				}
			}
			w.WriteU64(off)
			w.WriteU64(size)
		}
		w.WriteU64(uint64(m.Flags))
	}

	for _, f := range m.Files {
		w.WriteU64(f.offset)
		if m.MajorVersion >= 6 {
			w.WriteU64(f.size)
			if f.Compressed {
				w.WriteU64(uint64(len(f.Contents)))
			} else {
				w.WriteU64(0)
			}
		} else {
			w.WriteU64(uint64(len(f.Contents)))
		}
		w.WriteU8(uint8(f.Type))
		w.WriteUTF8String(f.RelativePath)
	}
}
