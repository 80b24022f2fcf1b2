package pdb

import (
	"errors"
	"fmt"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/internal/lazy"
	"github.com/skdltmxn/pe-go/metadata/heap"
	"github.com/skdltmxn/pe-go/msf"
	"github.com/skdltmxn/pe-go/pe/debugdir"
)

// Fixed stream indices.
const (
	StreamOldDirectory = 0
	StreamInfo         = 1
)

// Info stream versions.
const (
	VersionVC70  = 20000404
	VersionVC140 = 20140508 // feature code marking a VC140 PDB
)

const infoHeaderSize = 28

// Info is the header of the info stream.
type Info struct {
	Version   uint32
	Signature uint32 // creation timestamp
	Age       uint32
	GUID      heap.GUID
}

// Matches reports whether cv refers to this PDB.
func (i *Info) Matches(cv *debugdir.CodeView) bool {
	return i.GUID == cv.GUID && i.Age == cv.Age
}

// ReadInfo parses the info stream header.
func ReadInfo(r binio.Reader) (*Info, error) {
	if r.Remaining() < infoHeaderSize {
		return nil, fmt.Errorf("%w: info stream of %d bytes", ErrInvalidStream, r.Remaining())
	}
	info := &Info{}
	info.Version, _ = r.ReadU32()
	info.Signature, _ = r.ReadU32()
	info.Age, _ = r.ReadU32()
	info.GUID, _ = r.ReadGUID()
	if info.Version < VersionVC70 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, info.Version)
	}
	return info, nil
}

// Write encodes the info stream with an empty named stream map and the
// VC140 feature code.
func (i *Info) Write(w *binio.Writer) {
	w.WriteU32(i.Version)
	w.WriteU32(i.Signature)
	w.WriteU32(i.Age)
	w.WriteBytes(i.GUID[:])

	w.WriteU32(0) // string buffer size
	w.WriteU32(0) // hash table size
	w.WriteU32(1) // hash table capacity
	w.WriteU32(0) // present bit vector words
	w.WriteU32(0) // deleted bit vector words
	w.WriteU32(0) // niMac
	w.WriteU32(VersionVC140)
}

// File is an opened PDB.
type File struct {
	msf  *msf.File
	info lazy.Result[*Info]
}

// Open opens the PDB at path.
func Open(path string) (*File, error) {
	m, err := msf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pdb: %w", err)
	}
	return &File{msf: m}, nil
}

// NewFile opens the PDB in src.
func NewFile(src binio.DataSource) (*File, error) {
	m, err := msf.NewFile(src)
	if err != nil {
		return nil, fmt.Errorf("pdb: %w", err)
	}
	return &File{msf: m}, nil
}

// Close releases the underlying file.
func (f *File) Close() error { return f.msf.Close() }

// MSF returns the container.
func (f *File) MSF() *msf.File { return f.msf }

// Info returns the info stream header.
func (f *File) Info() (*Info, error) {
	return f.info.Get(func() (*Info, error) {
		r, err := f.msf.StreamReader(StreamInfo)
		if err != nil {
			if errors.Is(err, msf.ErrInvalidStreamIndex) || errors.Is(err, msf.ErrNilStream) {
				return nil, fmt.Errorf("%w: %v", ErrNotPDB, err)
			}
			return nil, err
		}
		return ReadInfo(r)
	})
}

// NewStub builds a PDB holding only an info stream, enough for tools that
// match images to symbol files.
func NewStub(info *Info, blockSize uint32) ([]byte, error) {
	b, err := msf.NewBuilder(blockSize)
	if err != nil {
		return nil, err
	}
	w := binio.NewWriter()
	info.Write(w)
	b.AddStream(nil) // old directory
	b.AddStream(w.Bytes())
	return b.Bytes()
}
