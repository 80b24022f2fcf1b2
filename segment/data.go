package segment

import "github.com/skdltmxn/pe-go/binio"

// DataSegment is a segment of raw bytes.
type DataSegment struct {
	Base
	data []byte
}

// NewDataSegment wraps data. The slice is not copied.
func NewDataSegment(data []byte) *DataSegment {
	return &DataSegment{data: data}
}

// ReadDataSegment reads n bytes from r into a segment placed at the
// reader's current offset and RVA.
func ReadDataSegment(r *binio.Reader, n uint32) (*DataSegment, error) {
	offset, rva := r.Offset(), r.RVA()
	data, err := r.ReadBytes(uint64(n))
	if err != nil {
		return nil, err
	}
	s := &DataSegment{data: data}
	s.Place(offset, rva)
	return s, nil
}

// Data returns the segment contents.
func (s *DataSegment) Data() []byte { return s.data }

// PhysicalSize implements Segment.
func (s *DataSegment) PhysicalSize() uint32 { return uint32(len(s.data)) }

// VirtualSize implements Segment.
func (s *DataSegment) VirtualSize() uint32 { return uint32(len(s.data)) }

// Write implements Segment.
func (s *DataSegment) Write(w *binio.Writer) error {
	w.WriteBytes(s.data)
	return nil
}

// ReaderSegment exposes a window of a data source as a segment without
// copying it. Bytes are read only when the segment is written.
type ReaderSegment struct {
	Base
	r binio.Reader
}

// NewReaderSegment creates a segment over the window of r, placed at the
// window's start.
func NewReaderSegment(r binio.Reader) *ReaderSegment {
	s := &ReaderSegment{r: r}
	s.r.Rewind()
	s.Place(r.StartOffset(), r.StartRVA())
	return s
}

// CreateReader returns a fresh cursor over the segment contents.
func (s *ReaderSegment) CreateReader() binio.Reader { return s.r.Fork() }

// PhysicalSize implements Segment.
func (s *ReaderSegment) PhysicalSize() uint32 { return uint32(s.r.Length()) }

// VirtualSize implements Segment.
func (s *ReaderSegment) VirtualSize() uint32 { return uint32(s.r.Length()) }

// Write implements Segment.
func (s *ReaderSegment) Write(w *binio.Writer) error {
	r := s.r.Fork()
	data, err := r.ReadToEnd()
	if err != nil {
		return err
	}
	w.WriteBytes(data)
	return nil
}

// ZeroesSegment is a run of zero bytes.
type ZeroesSegment struct {
	Base
	size uint32
}

// NewZeroesSegment creates a segment of size zero bytes.
func NewZeroesSegment(size uint32) *ZeroesSegment {
	return &ZeroesSegment{size: size}
}

// PhysicalSize implements Segment.
func (s *ZeroesSegment) PhysicalSize() uint32 { return s.size }

// VirtualSize implements Segment.
func (s *ZeroesSegment) VirtualSize() uint32 { return s.size }

// Write implements Segment.
func (s *ZeroesSegment) Write(w *binio.Writer) error {
	w.WriteZeroes(uint64(s.size))
	return nil
}

// VirtualSegment wraps a physical segment and extends its in-memory size
// with zero fill, as for sections with uninitialized data.
type VirtualSegment struct {
	Physical    Segment
	virtualSize uint32
}

// NewVirtualSegment creates a segment occupying virtualSize bytes in memory
// of which the physical part is stored in the file. physical may be nil.
func NewVirtualSegment(physical Segment, virtualSize uint32) *VirtualSegment {
	if physical == nil {
		physical = NewZeroesSegment(0)
	}
	return &VirtualSegment{Physical: physical, virtualSize: virtualSize}
}

// Offset implements Segment.
func (s *VirtualSegment) Offset() uint64 { return s.Physical.Offset() }

// RVA implements Symbol.
func (s *VirtualSegment) RVA() uint32 { return s.Physical.RVA() }

// PhysicalSize implements Segment.
func (s *VirtualSegment) PhysicalSize() uint32 { return s.Physical.PhysicalSize() }

// VirtualSize implements Segment.
func (s *VirtualSegment) VirtualSize() uint32 {
	return max(s.virtualSize, s.Physical.VirtualSize())
}

// UpdateOffsets implements Segment.
func (s *VirtualSegment) UpdateOffsets(p RelocationParameters) {
	s.Physical.UpdateOffsets(p)
}

// Write implements Segment.
func (s *VirtualSegment) Write(w *binio.Writer) error {
	return WriteSegment(w, s.Physical)
}
