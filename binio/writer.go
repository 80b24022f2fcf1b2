package binio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Writer accumulates little-endian binary output in memory. Its offset is
// the number of bytes written so far plus an optional starting offset.
type Writer struct {
	buf  []byte
	base uint64
}

// NewWriter creates an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// NewWriterAt creates an empty Writer whose first byte lives at the given
// absolute offset. Align uses absolute offsets.
func NewWriterAt(base uint64) *Writer {
	return &Writer{base: base}
}

// Offset returns the absolute offset of the next byte to be written.
func (w *Writer) Offset() uint64 { return w.base + uint64(len(w.buf)) }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the written bytes. The slice aliases the internal buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// WriteTo implements io.WriterTo.
func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	n, err := dst.Write(w.buf)
	return int64(n), err
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// WriteBytes appends raw bytes.
func (w *Writer) WriteBytes(p []byte) { w.buf = append(w.buf, p...) }

// WriteU8 writes an unsigned 8-bit integer.
func (w *Writer) WriteU8(v uint8) { w.buf = append(w.buf, v) }

// WriteU16 writes an unsigned 16-bit integer.
func (w *Writer) WriteU16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

// WriteU32 writes an unsigned 32-bit integer.
func (w *Writer) WriteU32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

// WriteU64 writes an unsigned 64-bit integer.
func (w *Writer) WriteU64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

// WriteI32 writes a signed 32-bit integer.
func (w *Writer) WriteI32(v int32) { w.WriteU32(uint32(v)) }

// WriteI64 writes a signed 64-bit integer.
func (w *Writer) WriteI64(v int64) { w.WriteU64(uint64(v)) }

// WriteNativeInt writes v as 32 bits if is32Bit is set, and as 64 bits
// otherwise.
func (w *Writer) WriteNativeInt(v uint64, is32Bit bool) {
	if is32Bit {
		w.WriteU32(uint32(v))
	} else {
		w.WriteU64(v)
	}
}

// WriteZeroes writes n zero bytes.
func (w *Writer) WriteZeroes(n uint64) {
	w.buf = append(w.buf, make([]byte, n)...)
}

// Align pads with zero bytes until the offset is a multiple of alignment.
func (w *Writer) Align(alignment uint64) {
	off := w.Offset()
	w.WriteZeroes(AlignUp(off, alignment) - off)
}

// WriteCompressedU32 writes an ECMA-335 compressed unsigned integer.
func (w *Writer) WriteCompressedU32(v uint32) { w.buf = AppendCompressedU32(w.buf, v) }

// WriteCompressedI32 writes an ECMA-335 compressed signed integer.
func (w *Writer) WriteCompressedI32(v int32) { w.buf = AppendCompressedI32(w.buf, v) }

// Write7BitEncodedInt writes v in little-endian base-128 form.
func (w *Writer) Write7BitEncodedInt(v uint32) { w.buf = Append7BitEncodedInt(w.buf, v) }

// WriteCString writes s followed by a NUL byte.
func (w *Writer) WriteCString(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// WriteUTF8String writes s prefixed with its byte length as a 7-bit
// encoded integer.
func (w *Writer) WriteUTF8String(s string) {
	w.Write7BitEncodedInt(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteSerString writes s as a SerString. A nil pointer writes the null
// string marker 0xFF.
func (w *Writer) WriteSerString(s *string) {
	if s == nil {
		w.WriteU8(0xFF)
		return
	}
	w.WriteCompressedU32(uint32(len(*s)))
	w.buf = append(w.buf, *s...)
}

// PatchU32At overwrites four bytes at the given absolute offset.
func (w *Writer) PatchU32At(offset uint64, v uint32) error {
	i, err := w.index(offset, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(w.buf[i:], v)
	return nil
}

// PatchU64At overwrites eight bytes at the given absolute offset.
func (w *Writer) PatchU64At(offset uint64, v uint64) error {
	i, err := w.index(offset, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(w.buf[i:], v)
	return nil
}

func (w *Writer) index(offset, n uint64) (uint64, error) {
	if offset < w.base || offset-w.base+n > uint64(len(w.buf)) {
		return 0, fmt.Errorf("binio: patch of %d bytes at offset 0x%x is outside written data", n, offset)
	}
	return offset - w.base, nil
}
