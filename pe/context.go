package pe

import (
	"errors"
	"fmt"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/diag"
	"github.com/skdltmxn/pe-go/segment"
)

// ErrUnmappedRVA is returned when an RVA has no file data behind it.
var ErrUnmappedRVA = errors.New("pe: RVA not backed by file data")

// FormatError describes malformed data inside a directory.
type FormatError struct {
	Directory string // Directory or structure being read
	Offset    uint64 // File offset of the offending data
	Message   string // Description of the error
	Err       error  // Underlying error, if any
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pe: malformed %s at offset 0x%x: %s: %v",
			e.Directory, e.Offset, e.Message, e.Err)
	}
	return fmt.Sprintf("pe: malformed %s at offset 0x%x: %s",
		e.Directory, e.Offset, e.Message)
}

func (e *FormatError) Unwrap() error { return e.Err }

// ReaderContext carries what directory readers need besides their own
// bytes: where to report malformed input and how to follow RVAs.
type ReaderContext struct {
	Listener  diag.ErrorListener
	Converter segment.OffsetConverter
	Source    binio.DataSource
	Is32Bit   bool
	ImageBase uint64
}

// Report forwards err to the listener. A nil result means the caller
// should continue with a fallback.
func (c *ReaderContext) Report(err error) error {
	return diag.Report(c.Listener, err)
}

// Reportf reports a FormatError built from its arguments.
func (c *ReaderContext) Reportf(dir string, offset uint64, cause error, format string, args ...any) error {
	return c.Report(&FormatError{Directory: dir, Offset: offset, Message: fmt.Sprintf(format, args...), Err: cause})
}

// ReaderAtRVA returns a reader over size bytes at rva.
func (c *ReaderContext) ReaderAtRVA(rva, size uint32) (binio.Reader, error) {
	if c.Converter == nil || c.Source == nil {
		return binio.Reader{}, fmt.Errorf("%w: 0x%x (no section map)", ErrUnmappedRVA, rva)
	}
	off, ok := c.Converter.RVAToOffset(rva)
	if !ok {
		return binio.Reader{}, fmt.Errorf("%w: 0x%x", ErrUnmappedRVA, rva)
	}
	return binio.NewReaderAt(c.Source, off, rva, uint64(size))
}

// ReaderFromRVA returns a reader from rva to the end of the data source.
func (c *ReaderContext) ReaderFromRVA(rva uint32) (binio.Reader, error) {
	if c.Converter == nil || c.Source == nil {
		return binio.Reader{}, fmt.Errorf("%w: 0x%x (no section map)", ErrUnmappedRVA, rva)
	}
	off, ok := c.Converter.RVAToOffset(rva)
	if !ok || off > c.Source.Len() {
		return binio.Reader{}, fmt.Errorf("%w: 0x%x", ErrUnmappedRVA, rva)
	}
	return binio.NewReaderAt(c.Source, off, rva, c.Source.Len()-off)
}
