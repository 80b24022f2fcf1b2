// Package resources reads and builds the resource directory tree.
//
// Directories read from an image decode their entries on first access.
// Malformed entries, cycles and trees deeper than MaxDepth are reported to
// the reader context's listener and skipped.
package resources

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/lunixbochs/struc"
	"golang.org/x/text/encoding/unicode"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/internal/lazy"
	"github.com/skdltmxn/pe-go/pe"
	"github.com/skdltmxn/pe-go/segment"
)

// MaxDepth bounds the nesting of directories accepted by the reader.
const MaxDepth = 32

const (
	directorySize = 16
	entrySize     = 8
	dataEntrySize = 16
	highBit       = 0x80000000
)

var (
	// ErrCycle is reported for a subdirectory that is one of its own
	// ancestors.
	ErrCycle = errors.New("resources: directory cycle")

	// ErrTooDeep is reported for directories nested deeper than MaxDepth.
	ErrTooDeep = errors.New("resources: directory nested too deeply")
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Key identifies an entry by name or by numeric ID. A non-empty Name takes
// precedence.
type Key struct {
	ID   uint32
	Name string
}

// ByID returns a numeric key.
func ByID(id uint32) Key { return Key{ID: id} }

// ByName returns a named key.
func ByName(name string) Key { return Key{Name: name} }

// IsNamed reports whether k is a name.
func (k Key) IsNamed() bool { return k.Name != "" }

func (k Key) String() string {
	if k.IsNamed() {
		return fmt.Sprintf("%q", k.Name)
	}
	return fmt.Sprintf("#%d", k.ID)
}

// compareKeys orders named entries first by name, then IDs ascending.
func compareKeys(a, b Key) int {
	switch {
	case a.IsNamed() && b.IsNamed():
		return strings.Compare(a.Name, b.Name)
	case a.IsNamed():
		return -1
	case b.IsNamed():
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// Entry is a Directory or a Data leaf.
type Entry interface {
	Key() Key
}

// Header is the fixed part of a directory table.
type Header struct {
	Characteristics uint32 `struc:"uint32,little"`
	TimeDateStamp   uint32 `struc:"uint32,little"`
	MajorVersion    uint16 `struc:"uint16,little"`
	MinorVersion    uint16 `struc:"uint16,little"`
	NamedEntries    uint16 `struc:"uint16,little"`
	IDEntries       uint16 `struc:"uint16,little"`
}

// Directory is an inner node of the tree.
type Directory struct {
	Header
	key Key

	load    func() ([]Entry, error)
	entries lazy.Result[[]Entry]
	list    []Entry
}

// NewDirectory creates an empty directory.
func NewDirectory(key Key) *Directory {
	return &Directory{key: key}
}

// Key implements Entry.
func (d *Directory) Key() Key { return d.key }

// Entries returns the children in stored order.
func (d *Directory) Entries() ([]Entry, error) {
	if d.load == nil {
		return d.list, nil
	}
	return d.entries.Get(d.load)
}

// Add appends e, loading the existing entries first if d was read from
// an image.
func (d *Directory) Add(e Entry) error {
	list, err := d.Entries()
	if err != nil {
		return err
	}
	d.list = append(slices.Clip(list), e)
	d.load = nil
	return nil
}

// Lookup returns the child with key k.
func (d *Directory) Lookup(k Key) (Entry, bool) {
	list, err := d.Entries()
	if err != nil {
		return nil, false
	}
	for _, e := range list {
		if e.Key() == k {
			return e, true
		}
	}
	return nil, false
}

// Walk calls fn for every leaf with the keys leading to it.
func (d *Directory) Walk(fn func(path []Key, data *Data) error) error {
	return d.walk(nil, fn)
}

func (d *Directory) walk(path []Key, fn func([]Key, *Data) error) error {
	list, err := d.Entries()
	if err != nil {
		return err
	}
	for _, e := range list {
		p := append(slices.Clip(path), e.Key())
		switch e := e.(type) {
		case *Directory:
			if err := e.walk(p, fn); err != nil {
				return err
			}
		case *Data:
			if err := fn(p, e); err != nil {
				return err
			}
		}
	}
	return nil
}

// Data is a leaf of the tree.
type Data struct {
	key      Key
	CodePage uint32
	Contents segment.Segment
}

// NewData creates a leaf holding contents.
func NewData(key Key, codePage uint32, contents segment.Segment) *Data {
	return &Data{key: key, CodePage: codePage, Contents: contents}
}

// Key implements Entry.
func (d *Data) Key() Key { return d.key }

// Bytes returns the contents of the leaf.
func (d *Data) Bytes() ([]byte, error) {
	switch c := d.Contents.(type) {
	case nil:
		return nil, nil
	case *segment.DataSegment:
		return c.Data(), nil
	case *segment.ReaderSegment:
		r := c.CreateReader()
		return r.ReadToEnd()
	default:
		w := binio.NewWriter()
		if err := segment.WriteSegment(w, c); err != nil {
			return nil, err
		}
		return w.Bytes(), nil
	}
}

// Read parses the root directory at the start of r. Offsets inside the
// tree are relative to r.
func Read(ctx *pe.ReaderContext, r binio.Reader) (*Directory, error) {
	tr := &treeReader{ctx: ctx, root: r.Fork()}
	tr.root.Rewind()
	return tr.directory(Key{}, 0, nil)
}

type treeReader struct {
	ctx  *pe.ReaderContext
	root binio.Reader
}

func (tr *treeReader) directory(key Key, offset uint32, ancestors []uint32) (*Directory, error) {
	r, err := tr.root.ForkRelative(uint64(offset))
	if err != nil {
		return nil, err
	}
	d := &Directory{key: key}
	if err := struc.Unpack(&r, &d.Header); err != nil {
		return nil, fmt.Errorf("resources: reading directory at 0x%x: %w", offset, err)
	}
	path := append(slices.Clip(ancestors), offset)
	d.load = func() ([]Entry, error) { return tr.entries(d, r, path) }
	return d, nil
}

func (tr *treeReader) report(offset uint64, cause error, format string, args ...any) error {
	return tr.ctx.Reportf("resource directory", offset, cause, format, args...)
}

func (tr *treeReader) entries(d *Directory, r binio.Reader, path []uint32) ([]Entry, error) {
	n := int(d.NamedEntries) + int(d.IDEntries)
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		at := r.Offset()
		nameField, err := r.ReadU32()
		if err != nil {
			return out, tr.report(at, err, "entry %d of %d", i, n)
		}
		dataField, err := r.ReadU32()
		if err != nil {
			return out, tr.report(at, err, "entry %d of %d", i, n)
		}

		key := Key{ID: nameField}
		if nameField&highBit != 0 {
			name, err := tr.name(nameField &^ highBit)
			if err != nil {
				if err := tr.report(at, err, "name of entry %d", i); err != nil {
					return nil, err
				}
				continue
			}
			key = Key{Name: name}
		}

		if dataField&highBit == 0 {
			data, err := tr.data(key, dataField)
			if err != nil {
				if err := tr.report(at, err, "data entry %s", key); err != nil {
					return nil, err
				}
				continue
			}
			out = append(out, data)
			continue
		}

		sub := dataField &^ highBit
		switch {
		case slices.Contains(path, sub):
			err = fmt.Errorf("%w: entry %s points back to 0x%x", ErrCycle, key, sub)
		case len(path) >= MaxDepth:
			err = fmt.Errorf("%w: entry %s at depth %d", ErrTooDeep, key, len(path))
		}
		if err != nil {
			if err := tr.report(at, err, "subdirectory"); err != nil {
				return nil, err
			}
			continue
		}
		child, err := tr.directory(key, sub, path)
		if err != nil {
			if err := tr.report(at, err, "subdirectory %s", key); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, child)
	}
	return out, nil
}

func (tr *treeReader) name(offset uint32) (string, error) {
	r, err := tr.root.ForkRelative(uint64(offset))
	if err != nil {
		return "", err
	}
	n, err := r.ReadU16()
	if err != nil {
		return "", err
	}
	raw, err := r.ReadBytes(uint64(n) * 2)
	if err != nil {
		return "", err
	}
	return utf16le.NewDecoder().String(string(raw))
}

func (tr *treeReader) data(key Key, offset uint32) (*Data, error) {
	r, err := tr.root.ForkRelativeLen(uint64(offset), dataEntrySize)
	if err != nil {
		return nil, err
	}
	rva, _ := r.ReadU32()
	size, _ := r.ReadU32()
	codePage, _ := r.ReadU32()

	d := &Data{key: key, CodePage: codePage}
	cr, err := tr.ctx.ReaderAtRVA(rva, size)
	if err != nil {
		return nil, err
	}
	d.Contents = segment.NewReaderSegment(cr)
	return d, nil
}
