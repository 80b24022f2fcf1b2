package metadata

import (
	"fmt"
	"log/slog"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/internal/config"
	"github.com/skdltmxn/pe-go/metadata/heap"
	"github.com/skdltmxn/pe-go/metadata/tables"
	"github.com/skdltmxn/pe-go/segment"
)

// DefaultVersionString is the runtime version written by default.
const DefaultVersionString = "v4.0.30319"

// Options controls metadata building.
type Options struct {
	VersionString   string
	OptimizeStrings bool
	Logger          *slog.Logger
}

// DefaultOptions returns options seeded from the environment.
func DefaultOptions() Options {
	cfg := config.Load()
	return Options{
		VersionString:   DefaultVersionString,
		OptimizeStrings: cfg.OptimizeStrings,
		Logger:          cfg.Logger(),
	}
}

// Builder accumulates heaps and tables and produces a metadata directory.
type Builder struct {
	opts Options

	Strings     *heap.StringsBuffer
	Blobs       *heap.BlobBuffer
	GUIDs       *heap.GUIDBuffer
	UserStrings *heap.UserStringsBuffer
	Tables      *tables.Buffer
}

// NewBuilder creates an empty builder.
func NewBuilder(opts Options) *Builder {
	if opts.VersionString == "" {
		opts.VersionString = DefaultVersionString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Builder{
		opts:        opts,
		Strings:     heap.NewStringsBuffer(),
		Blobs:       heap.NewBlobBuffer(),
		GUIDs:       heap.NewGUIDBuffer(),
		UserStrings: heap.NewUserStringsBuffer(),
		Tables:      tables.NewBuffer(),
	}
}

// AddString returns the #Strings index of s.
func (b *Builder) AddString(s string) (uint32, error) { return b.Strings.Index(s) }

// AddBlob returns the #Blob index of blob.
func (b *Builder) AddBlob(blob []byte) uint32 { return b.Blobs.Index(blob) }

// AddGUID returns the #GUID index of g.
func (b *Builder) AddGUID(g heap.GUID) uint32 { return b.GUIDs.Index(g) }

// AddUserString returns the token of s in the #US heap.
func (b *Builder) AddUserString(s string) (tables.Token, error) {
	i, err := b.UserStrings.Index(s)
	if err != nil {
		return 0, err
	}
	return tables.NewToken(tables.UserString, i), nil
}

// Table returns table t for direct editing.
func (b *Builder) Table(t tables.TableIndex) tables.MutableTable { return b.Tables.Table(t) }

// AddRow adds row to table t.
func (b *Builder) AddRow(t tables.TableIndex, row tables.Row) (tables.Token, error) {
	return b.Tables.Add(t, row)
}

// Build freezes the builder into a metadata directory segment.
func (b *Builder) Build() (*Directory, error) {
	if b.opts.OptimizeStrings {
		before := b.Strings.Size()
		b.remapStrings(b.Strings.Optimize())
		b.opts.Logger.Debug("optimized #Strings", "before", before, "after", b.Strings.Size())
	}

	strs := b.Strings.Build()
	blobs := b.Blobs.Build()
	guids := b.GUIDs.Build()
	sizes := tables.HeapSizesFor(strs.PhysicalSize(), guids.PhysicalSize(), blobs.PhysicalSize())

	tbl, err := b.Tables.Build(sizes)
	if err != nil {
		return nil, fmt.Errorf("metadata: building tables: %w", err)
	}

	d := NewDirectory(b.opts.VersionString,
		tbl, strs, b.UserStrings.Build(), guids, blobs)
	b.opts.Logger.Debug("built metadata", "size", d.PhysicalSize(), "heapSizes", uint8(sizes))
	return d, nil
}

func (b *Builder) remapStrings(remap func(uint32) uint32) {
	for i, s := range tables.Schemas {
		var cols []int
		for c, col := range s.Columns {
			if col.Type.Kind == tables.KindString {
				cols = append(cols, c)
			}
		}
		if len(cols) == 0 {
			continue
		}
		for _, row := range b.Tables.Table(tables.TableIndex(i)).Rows() {
			for _, c := range cols {
				row[c] = remap(row[c])
			}
		}
	}
}

// Directory is a metadata root followed by its streams.
type Directory struct {
	*segment.Builder

	MajorVersion  uint16
	MinorVersion  uint16
	VersionString string
	Flags         uint16
	Streams       []*heap.Stream
}

// NewDirectory lays out a metadata root over streams. The stream headers
// are computed immediately from the stream sizes.
func NewDirectory(version string, streams ...*heap.Stream) *Directory {
	d := &Directory{
		Builder:       segment.NewBuilder(),
		MajorVersion:  1,
		MinorVersion:  1,
		VersionString: version,
		Streams:       streams,
	}

	vlen := binio.AlignUp(uint32(len(version))+1, 4)
	rootSize := 16 + vlen + 4
	for _, s := range streams {
		rootSize += 8 + binio.AlignUp(uint32(len(s.Name))+1, 4)
	}

	w := binio.NewWriter()
	w.WriteU32(Signature)
	w.WriteU16(d.MajorVersion)
	w.WriteU16(d.MinorVersion)
	w.WriteU32(0)
	w.WriteU32(vlen)
	w.WriteBytes([]byte(version))
	w.WriteZeroes(uint64(vlen) - uint64(len(version)))
	w.WriteU16(d.Flags)
	w.WriteU16(uint16(len(streams)))

	off := rootSize
	for _, s := range streams {
		w.WriteU32(off)
		w.WriteU32(s.PhysicalSize())
		w.WriteCString(s.Name)
		w.Align(4)
		off += binio.AlignUp(s.PhysicalSize(), 4)
	}

	d.Add(segment.NewDataSegment(w.Bytes()))
	for _, s := range streams {
		d.AddAligned(s, 4)
	}
	return d
}
