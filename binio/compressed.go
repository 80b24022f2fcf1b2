package binio

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// Largest values representable by each compressed integer tier.
const (
	MaxCompressed1 = 0x7F
	MaxCompressed2 = 0x3FFF
	MaxCompressed4 = 0x1FFFFFFF
)

// CompressedSize returns the number of bytes used to encode v as an ECMA-335
// compressed unsigned integer.
func CompressedSize(v uint32) uint32 {
	switch {
	case v <= MaxCompressed1:
		return 1
	case v <= MaxCompressed2:
		return 2
	default:
		return 4
	}
}

// AppendCompressedU32 appends the compressed encoding of v to b. Values
// above MaxCompressed4 cannot be represented and cause a panic.
func AppendCompressedU32(b []byte, v uint32) []byte {
	switch {
	case v <= MaxCompressed1:
		return append(b, byte(v))
	case v <= MaxCompressed2:
		return append(b, byte(0x80|v>>8), byte(v))
	case v <= MaxCompressed4:
		return append(b, byte(0xC0|v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		panic(fmt.Sprintf("binio: value 0x%x is too large for a compressed integer", v))
	}
}

// AppendCompressedI32 appends the compressed encoding of the signed value v.
func AppendCompressedI32(b []byte, v int32) []byte {
	var sign uint32
	if v < 0 {
		sign = 1
	}
	switch {
	case v >= -0x40 && v < 0x40:
		return AppendCompressedU32(b, uint32(v)<<1&0x7E|sign)
	case v >= -0x2000 && v < 0x2000:
		return AppendCompressedU32(b, uint32(v)<<1&0x3FFE|sign)
	case v >= -0x10000000 && v < 0x10000000:
		return AppendCompressedU32(b, uint32(v)<<1&0x1FFFFFFE|sign)
	default:
		panic(fmt.Sprintf("binio: value %d is too large for a compressed integer", v))
	}
}

// Append7BitEncodedInt appends v in little-endian base-128 form.
func Append7BitEncodedInt(b []byte, v uint32) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

// AlignUp rounds v up to the next multiple of align. An alignment of 0 or 1
// leaves v unchanged.
func AlignUp[V constraints.Integer](v, align V) V {
	if align <= 1 {
		return v
	}
	if r := v % align; r != 0 {
		return v + align - r
	}
	return v
}
