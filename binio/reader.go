package binio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode/utf8"
)

// Reader is a bounded cursor over a DataSource. It tracks the absolute file
// offset and the relative virtual address of the current position
// independently. Reader is a small value; copying it forks the cursor
// without copying any data.
// All multi-byte values are read in little-endian order.
type Reader struct {
	src      DataSource
	start    uint64 // absolute offset of the window
	startRVA uint32 // RVA of the window start
	length   uint64 // window length
	offset   uint64 // absolute current offset
}

// NewReader creates a Reader over the whole source with RVA 0 mapped to the
// first byte.
func NewReader(src DataSource) Reader {
	return Reader{src: src, length: src.Len()}
}

// NewBytesReader is a shorthand for NewReader(NewByteSource(data)).
func NewBytesReader(data []byte) Reader {
	return NewReader(NewByteSource(data))
}

// NewReaderAt creates a Reader over [offset, offset+length) of src, with the
// first byte of the window mapped to rva.
func NewReaderAt(src DataSource, offset uint64, rva uint32, length uint64) (Reader, error) {
	if offset > src.Len() || length > src.Len()-offset {
		return Reader{}, &BoundsError{Offset: offset, Want: length, Have: src.Len() - min(offset, src.Len())}
	}
	return Reader{src: src, start: offset, startRVA: rva, length: length, offset: offset}, nil
}

// Source returns the underlying data source.
func (r *Reader) Source() DataSource { return r.src }

// Offset returns the absolute file offset of the current position.
func (r *Reader) Offset() uint64 { return r.offset }

// RVA returns the relative virtual address of the current position.
func (r *Reader) RVA() uint32 { return r.startRVA + uint32(r.offset-r.start) }

// StartOffset returns the absolute offset of the start of the window.
func (r *Reader) StartOffset() uint64 { return r.start }

// StartRVA returns the RVA of the start of the window.
func (r *Reader) StartRVA() uint32 { return r.startRVA }

// Length returns the length of the window.
func (r *Reader) Length() uint64 { return r.length }

// RelativeOffset returns the current position relative to the window start.
func (r *Reader) RelativeOffset() uint64 { return r.offset - r.start }

// Remaining returns the number of bytes between the cursor and the end of
// the window.
func (r *Reader) Remaining() uint64 { return r.start + r.length - r.offset }

// CanRead reports whether n more bytes are available.
func (r *Reader) CanRead(n uint64) bool { return n <= r.Remaining() }

// SetOffset moves the cursor to an absolute offset inside the window. The
// end of the window is a valid position.
func (r *Reader) SetOffset(offset uint64) error {
	if offset < r.start || offset > r.start+r.length {
		return &BoundsError{Offset: offset, Want: 0, Have: r.length}
	}
	r.offset = offset
	return nil
}

// SetRelativeOffset moves the cursor to an offset relative to the window.
func (r *Reader) SetRelativeOffset(offset uint64) error {
	return r.SetOffset(r.start + offset)
}

// Rewind moves the cursor to the start of the window.
func (r *Reader) Rewind() { r.offset = r.start }

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n uint64) error {
	if !r.CanRead(n) {
		return r.boundsError(n)
	}
	r.offset += n
	return nil
}

// Align advances the cursor to the next multiple of alignment, measured
// from the start of the data source. It never moves past the window end.
func (r *Reader) Align(alignment uint64) {
	if alignment <= 1 {
		return
	}
	r.offset = min(AlignUp(r.offset, alignment), r.start+r.length)
}

// Fork returns an independent copy of the cursor.
func (r *Reader) Fork() Reader { return *r }

// ForkRelative returns a cursor over the window starting offset bytes after
// the start of r's window and extending to its end.
func (r *Reader) ForkRelative(offset uint64) (Reader, error) {
	if offset > r.length {
		return Reader{}, &BoundsError{Offset: r.start + offset, Want: 0, Have: r.length}
	}
	return r.ForkRelativeLen(offset, r.length-offset)
}

// ForkRelativeLen returns a cursor over [offset, offset+length) relative to
// the start of r's window. The fork never reads beyond that range.
func (r *Reader) ForkRelativeLen(offset, length uint64) (Reader, error) {
	if offset > r.length || length > r.length-offset {
		return Reader{}, &BoundsError{Offset: r.start + offset, Want: length, Have: r.length - min(offset, r.length)}
	}
	return Reader{
		src:      r.src,
		start:    r.start + offset,
		startRVA: r.startRVA + uint32(offset),
		length:   length,
		offset:   r.start + offset,
	}, nil
}

// ForkAbsolute returns a cursor over [offset, offset+length) of the
// underlying data source. The RVA mapping of r is preserved.
func (r *Reader) ForkAbsolute(offset, length uint64) (Reader, error) {
	size := r.src.Len()
	if offset > size || length > size-offset {
		return Reader{}, &BoundsError{Offset: offset, Want: length, Have: size - min(offset, size)}
	}
	return Reader{
		src:      r.src,
		start:    offset,
		startRVA: r.startRVA + uint32(offset-r.start),
		length:   length,
		offset:   offset,
	}, nil
}

// SubReader returns a cursor over the next length bytes and advances r past
// them.
func (r *Reader) SubReader(length uint64) (Reader, error) {
	sub, err := r.ForkRelativeLen(r.RelativeOffset(), length)
	if err != nil {
		return Reader{}, err
	}
	r.offset += length
	return sub, nil
}

// WithRVA returns a copy of r in which the current position maps to rva.
func (r *Reader) WithRVA(rva uint32) Reader {
	c := *r
	c.startRVA = rva - uint32(r.offset-r.start)
	return c
}

func (r *Reader) boundsError(n uint64) error {
	return &BoundsError{Offset: r.offset, Want: n, Have: r.Remaining()}
}

// fill reads exactly len(p) bytes and advances. On failure the cursor does
// not move.
func (r *Reader) fill(p []byte) error {
	n := uint64(len(p))
	if !r.CanRead(n) {
		return r.boundsError(n)
	}
	if _, err := r.src.ReadAt(p, int64(r.offset)); err != nil {
		return fmt.Errorf("binio: read at offset 0x%x: %w", r.offset, err)
	}
	r.offset += n
	return nil
}

// ReadU8 reads an unsigned 8-bit integer.
func (r *Reader) ReadU8() (uint8, error) {
	var b [1]byte
	if err := r.fill(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16 reads an unsigned 16-bit integer.
func (r *Reader) ReadU16() (uint16, error) {
	var b [2]byte
	if err := r.fill(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// ReadU32 reads an unsigned 32-bit integer.
func (r *Reader) ReadU32() (uint32, error) {
	var b [4]byte
	if err := r.fill(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadU64 reads an unsigned 64-bit integer.
func (r *Reader) ReadU64() (uint64, error) {
	var b [8]byte
	if err := r.fill(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// ReadI8 reads a signed 8-bit integer.
func (r *Reader) ReadI8() (int8, error) {
	v, err := r.ReadU8()
	return int8(v), err
}

// ReadI16 reads a signed 16-bit integer.
func (r *Reader) ReadI16() (int16, error) {
	v, err := r.ReadU16()
	return int16(v), err
}

// ReadI32 reads a signed 32-bit integer.
func (r *Reader) ReadI32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

// ReadI64 reads a signed 64-bit integer.
func (r *Reader) ReadI64() (int64, error) {
	v, err := r.ReadU64()
	return int64(v), err
}

// ReadFloat32 reads a 32-bit float.
func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadU32()
	return math.Float32frombits(v), err
}

// ReadFloat64 reads a 64-bit float.
func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadU64()
	return math.Float64frombits(v), err
}

// ReadNativeInt reads a 32-bit value if is32Bit is set, and a 64-bit value
// otherwise.
func (r *Reader) ReadNativeInt(is32Bit bool) (uint64, error) {
	if is32Bit {
		v, err := r.ReadU32()
		return uint64(v), err
	}
	return r.ReadU64()
}

// ReadBytes reads n bytes into a new slice.
func (r *Reader) ReadBytes(n uint64) ([]byte, error) {
	if !r.CanRead(n) {
		return nil, r.boundsError(n)
	}
	v := make([]byte, n)
	if err := r.fill(v); err != nil {
		return nil, err
	}
	return v, nil
}

// ReadFull reads exactly len(p) bytes into p.
func (r *Reader) ReadFull(p []byte) error {
	return r.fill(p)
}

// ReadToEnd reads all remaining bytes of the window.
func (r *Reader) ReadToEnd() ([]byte, error) {
	return r.ReadBytes(r.Remaining())
}

// ReadGUID reads a 16-byte GUID.
func (r *Reader) ReadGUID() ([16]byte, error) {
	var guid [16]byte
	err := r.fill(guid[:])
	return guid, err
}

// Peek returns a copy of the next n bytes without advancing.
func (r *Reader) Peek(n uint64) ([]byte, error) {
	c := *r
	return c.ReadBytes(n)
}

// PeekU8 returns the next byte without advancing.
func (r *Reader) PeekU8() (uint8, error) {
	c := *r
	return c.ReadU8()
}

// PeekU16 returns the next 16-bit integer without advancing.
func (r *Reader) PeekU16() (uint16, error) {
	c := *r
	return c.ReadU16()
}

// ReadCompressedU32 reads an ECMA-335 compressed unsigned integer. The cursor
// does not move if the value is truncated or malformed.
func (r *Reader) ReadCompressedU32() (uint32, error) {
	b0, err := r.PeekU8()
	if err != nil {
		return 0, err
	}

	switch {
	case b0&0x80 == 0:
		r.offset++
		return uint32(b0), nil
	case b0&0x40 == 0:
		var b [2]byte
		if err := r.fill(b[:]); err != nil {
			return 0, err
		}
		return uint32(b[0]&0x3F)<<8 | uint32(b[1]), nil
	case b0&0x20 == 0:
		var b [4]byte
		if err := r.fill(b[:]); err != nil {
			return 0, err
		}
		return uint32(b[0]&0x1F)<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
	default:
		return 0, ErrInvalidCompressedInt
	}
}

// TryReadCompressedU32 is ReadCompressedU32 for callers that only need to
// know whether a value was present.
func (r *Reader) TryReadCompressedU32() (uint32, bool) {
	v, err := r.ReadCompressedU32()
	return v, err == nil
}

// ReadCompressedI32 reads an ECMA-335 compressed signed integer.
func (r *Reader) ReadCompressedI32() (int32, error) {
	b0, err := r.PeekU8()
	if err != nil {
		return 0, err
	}
	u, err := r.ReadCompressedU32()
	if err != nil {
		return 0, err
	}

	v := int32(u >> 1)
	if u&1 == 0 {
		return v, nil
	}
	switch {
	case b0&0x80 == 0:
		return v - 0x40, nil
	case b0&0x40 == 0:
		return v - 0x2000, nil
	default:
		return v - 0x10000000, nil
	}
}

// Read7BitEncodedInt reads a little-endian base-128 integer of at most five
// bytes.
func (r *Reader) Read7BitEncodedInt() (uint32, error) {
	c := *r
	var v uint32
	for shift := 0; shift < 35; shift += 7 {
		b, err := c.ReadU8()
		if err != nil {
			return 0, err
		}
		v |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			r.offset = c.offset
			return v, nil
		}
	}
	return 0, ErrInvalidCompressedInt
}

// ReadBytesUntil reads up to, but excluding, the terminator byte and advances
// past the terminator. If no terminator occurs before the end of the window
// the cursor does not move.
func (r *Reader) ReadBytesUntil(terminator byte) ([]byte, error) {
	var (
		out   []byte
		chunk [64]byte
		pos   = r.offset
		end   = r.start + r.length
	)
	for pos < end {
		n := min(uint64(len(chunk)), end-pos)
		if _, err := r.src.ReadAt(chunk[:n], int64(pos)); err != nil {
			return nil, fmt.Errorf("binio: read at offset 0x%x: %w", pos, err)
		}
		for i := uint64(0); i < n; i++ {
			if chunk[i] == terminator {
				out = append(out, chunk[:i]...)
				r.offset = pos + i + 1
				return out, nil
			}
		}
		out = append(out, chunk[:n]...)
		pos += n
	}
	return nil, fmt.Errorf("%w at offset 0x%x", ErrMissingTerminator, r.offset)
}

// ReadCString reads a null-terminated string. Invalid UTF-8 sequences are
// replaced with U+FFFD.
func (r *Reader) ReadCString() (string, error) {
	b, err := r.ReadBytesUntil(0)
	if err != nil {
		return "", err
	}
	return toValidUTF8(b), nil
}

// ReadUTF8String reads a string prefixed with its byte length encoded as a
// 7-bit encoded integer.
func (r *Reader) ReadUTF8String() (string, error) {
	c := *r
	n, err := c.Read7BitEncodedInt()
	if err != nil {
		return "", err
	}
	b, err := c.ReadBytes(uint64(n))
	if err != nil {
		return "", err
	}
	*r = c
	return toValidUTF8(b), nil
}

// ReadSerString reads a SerString as used in custom attribute blobs: a
// compressed length followed by UTF-8 bytes, where a single 0xFF byte
// denotes a null string. ok is false for the null string.
func (r *Reader) ReadSerString() (s string, ok bool, err error) {
	b0, err := r.PeekU8()
	if err != nil {
		return "", false, err
	}
	if b0 == 0xFF {
		r.offset++
		return "", false, nil
	}
	c := *r
	n, err := c.ReadCompressedU32()
	if err != nil {
		return "", false, err
	}
	b, err := c.ReadBytes(uint64(n))
	if err != nil {
		return "", false, err
	}
	*r = c
	return toValidUTF8(b), true, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	rem := r.Remaining()
	if rem == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	if uint64(len(p)) > rem {
		p = p[:rem]
	}
	if err := r.fill(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
