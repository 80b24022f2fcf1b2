package resources

import (
	"fmt"
	"slices"

	"github.com/lunixbochs/struc"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/segment"
)

// DataAlignment is the alignment of each leaf's contents.
const DataAlignment = 8

// Buffer lays out a resource tree: directory tables breadth first, then
// data entries, then name strings, then the leaf contents. The tree must
// not change after the buffer is created.
type Buffer struct {
	segment.Base

	dirs   []*Directory
	sorted map[*Directory][]Entry
	leaves []*Data
	names  []string

	dirOffset   map[*Directory]uint32
	entryOffset map[*Data]uint32
	nameOffset  map[string]uint32
	dataOffset  map[*Data]uint32
	size        uint32
}

// NewBuffer prepares root for writing.
func NewBuffer(root *Directory) (*Buffer, error) {
	b := &Buffer{
		sorted:      make(map[*Directory][]Entry),
		dirOffset:   make(map[*Directory]uint32),
		entryOffset: make(map[*Data]uint32),
		nameOffset:  make(map[string]uint32),
		dataOffset:  make(map[*Data]uint32),
	}
	if err := b.collect(root); err != nil {
		return nil, err
	}
	b.layout()
	return b, nil
}

func (b *Buffer) collect(root *Directory) error {
	queue := []*Directory{root}
	seen := map[*Directory]bool{root: true}
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		b.dirs = append(b.dirs, d)

		list, err := d.Entries()
		if err != nil {
			return fmt.Errorf("resources: directory %s: %w", d.Key(), err)
		}
		list = slices.Clone(list)
		slices.SortStableFunc(list, func(x, y Entry) int { return compareKeys(x.Key(), y.Key()) })
		b.sorted[d] = list

		for _, e := range list {
			if k := e.Key(); k.IsNamed() {
				if _, ok := b.nameOffset[k.Name]; !ok {
					b.nameOffset[k.Name] = 0
					b.names = append(b.names, k.Name)
				}
			}
			switch e := e.(type) {
			case *Directory:
				if seen[e] {
					return fmt.Errorf("%w: directory %s appears twice", ErrCycle, e.Key())
				}
				seen[e] = true
				queue = append(queue, e)
			case *Data:
				b.leaves = append(b.leaves, e)
			}
		}
	}
	return nil
}

func (b *Buffer) layout() {
	var off uint32
	for _, d := range b.dirs {
		b.dirOffset[d] = off
		off += directorySize + uint32(len(b.sorted[d]))*entrySize
	}
	for _, l := range b.leaves {
		b.entryOffset[l] = off
		off += dataEntrySize
	}
	for _, n := range b.names {
		b.nameOffset[n] = off
		off += 2 + uint32(len(encodeName(n)))
	}
	for _, l := range b.leaves {
		off = binio.AlignUp(off, DataAlignment)
		b.dataOffset[l] = off
		if l.Contents != nil {
			off += l.Contents.PhysicalSize()
		}
	}
	b.size = off
}

func encodeName(s string) []byte {
	out, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		// The encoder replaces invalid input; it does not fail on strings.
		panic(err)
	}
	return out
}

// UpdateOffsets implements segment.Segment. Leaf contents are placed
// inside the buffer.
func (b *Buffer) UpdateOffsets(p segment.RelocationParameters) {
	b.Place(p.Offset, p.RVA)
	for _, l := range b.leaves {
		if l.Contents != nil {
			off := b.dataOffset[l]
			l.Contents.UpdateOffsets(p.At(p.Offset+uint64(off), p.RVA+off))
		}
	}
}

// PhysicalSize implements segment.Segment.
func (b *Buffer) PhysicalSize() uint32 { return b.size }

// VirtualSize implements segment.Segment.
func (b *Buffer) VirtualSize() uint32 { return b.size }

// Write implements segment.Segment.
func (b *Buffer) Write(w *binio.Writer) error {
	start := w.Offset()
	for _, d := range b.dirs {
		list := b.sorted[d]
		h := d.Header
		h.NamedEntries, h.IDEntries = 0, 0
		for _, e := range list {
			if e.Key().IsNamed() {
				h.NamedEntries++
			} else {
				h.IDEntries++
			}
		}
		if err := struc.Pack(w, &h); err != nil {
			return fmt.Errorf("resources: writing directory %s: %w", d.Key(), err)
		}
		for _, e := range list {
			if k := e.Key(); k.IsNamed() {
				w.WriteU32(highBit | b.nameOffset[k.Name])
			} else {
				w.WriteU32(k.ID)
			}
			switch e := e.(type) {
			case *Directory:
				w.WriteU32(highBit | b.dirOffset[e])
			case *Data:
				w.WriteU32(b.entryOffset[e])
			}
		}
	}

	for _, l := range b.leaves {
		if l.Contents != nil {
			w.WriteU32(l.Contents.RVA())
			w.WriteU32(l.Contents.PhysicalSize())
		} else {
			w.WriteU32(0)
			w.WriteU32(0)
		}
		w.WriteU32(l.CodePage)
		w.WriteU32(0)
	}

	for _, n := range b.names {
		enc := encodeName(n)
		w.WriteU16(uint16(len(enc) / 2))
		w.WriteBytes(enc)
	}

	for _, l := range b.leaves {
		w.WriteZeroes(uint64(b.dataOffset[l]) - (w.Offset() - start))
		if l.Contents != nil {
			if err := segment.WriteSegment(w, l.Contents); err != nil {
				return err
			}
		}
	}
	return nil
}
