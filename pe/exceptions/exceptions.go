// Package exceptions reads and builds the x64 exception directory: a table
// of RUNTIME_FUNCTION entries, each pointing at the unwind information of
// one function.
package exceptions

import (
	"errors"
	"fmt"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/internal/lazy"
	"github.com/skdltmxn/pe-go/pe"
	"github.com/skdltmxn/pe-go/segment"
)

// RuntimeFunctionSize is the size of a table entry.
const RuntimeFunctionSize = 12

// ErrUnsupportedVersion is returned for unwind info other than version 1
// or 2.
var ErrUnsupportedVersion = errors.New("exceptions: unsupported unwind info version")

// UnwindFlags are the flags of an unwind info block.
type UnwindFlags uint8

// Unwind flags.
const (
	FlagExceptionHandler   UnwindFlags = 0x1
	FlagTerminationHandler UnwindFlags = 0x2
	FlagChainInfo          UnwindFlags = 0x4
)

// UnwindOp is the operation of an unwind code.
type UnwindOp uint8

// Unwind operations.
const (
	OpPushNonVol UnwindOp = iota
	OpAllocLarge
	OpAllocSmall
	OpSetFPReg
	OpSaveNonVol
	OpSaveNonVolFar
	OpEpilog
	OpSpare
	OpSaveXMM128
	OpSaveXMM128Far
	OpPushMachFrame
)

// UnwindCode is one 16-bit slot of the unwind code array. Operations that
// take operands occupy more than one slot; the operand slots are kept as
// they are stored.
type UnwindCode struct {
	CodeOffset uint8
	Op         UnwindOp
	Info       uint8
}

func (c UnwindCode) raw() uint16 {
	return uint16(c.CodeOffset) | uint16(c.Op&0xF)<<8 | uint16(c.Info&0xF)<<12
}

// UnwindInfo describes how to unwind the frame of a function.
type UnwindInfo struct {
	segment.Base

	Version       uint8
	Flags         UnwindFlags
	SizeOfProlog  uint8
	FrameRegister uint8
	FrameOffset   uint8
	Codes         []UnwindCode

	// Chained is set when Flags has FlagChainInfo.
	Chained *RuntimeFunction

	// Handler is set when Flags has a handler flag. HandlerData is written
	// right after it; when reading, its extent is unknown and it stays nil.
	Handler     segment.Reference
	HandlerData []byte
}

// HandlerDataRVA returns the address of the language specific data that
// follows the handler.
func (u *UnwindInfo) HandlerDataRVA() uint32 {
	return u.RVA() + 4 + u.codesSize() + 4
}

func (u *UnwindInfo) codesSize() uint32 {
	return binio.AlignUp(uint32(len(u.Codes)), 2) * 2
}

// PhysicalSize implements segment.Segment.
func (u *UnwindInfo) PhysicalSize() uint32 {
	n := 4 + u.codesSize()
	switch {
	case u.Flags&FlagChainInfo != 0:
		n += RuntimeFunctionSize
	case u.Flags&(FlagExceptionHandler|FlagTerminationHandler) != 0:
		n += 4 + uint32(len(u.HandlerData))
	}
	return n
}

// VirtualSize implements segment.Segment.
func (u *UnwindInfo) VirtualSize() uint32 { return u.PhysicalSize() }

// Write implements segment.Segment.
func (u *UnwindInfo) Write(w *binio.Writer) error {
	w.WriteU8(u.Version&0x7 | uint8(u.Flags)<<3)
	w.WriteU8(u.SizeOfProlog)
	w.WriteU8(uint8(len(u.Codes)))
	w.WriteU8(u.FrameRegister&0xF | u.FrameOffset<<4)
	for _, c := range u.Codes {
		w.WriteU16(c.raw())
	}
	if len(u.Codes)%2 != 0 {
		w.WriteU16(0)
	}
	switch {
	case u.Flags&FlagChainInfo != 0:
		if u.Chained == nil {
			return fmt.Errorf("exceptions: chained unwind info at 0x%x has no chained function", u.RVA())
		}
		return u.Chained.write(w)
	case u.Flags&(FlagExceptionHandler|FlagTerminationHandler) != 0:
		w.WriteU32(u.Handler.RVA())
		w.WriteBytes(u.HandlerData)
	}
	return nil
}

// ReadUnwindInfo parses unwind info at the start of r.
func ReadUnwindInfo(ctx *pe.ReaderContext, r binio.Reader) (*UnwindInfo, error) {
	u := &UnwindInfo{}
	u.Place(r.Offset(), r.RVA())

	hdr, err := r.ReadBytes(4)
	if err != nil {
		return nil, err
	}
	u.Version = hdr[0] & 0x7
	u.Flags = UnwindFlags(hdr[0] >> 3)
	u.SizeOfProlog = hdr[1]
	u.FrameRegister = hdr[3] & 0xF
	u.FrameOffset = hdr[3] >> 4
	if u.Version != 1 && u.Version != 2 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, u.Version)
	}

	count := int(hdr[2])
	u.Codes = make([]UnwindCode, count)
	for i := range u.Codes {
		v, err := r.ReadU16()
		if err != nil {
			return nil, err
		}
		u.Codes[i] = UnwindCode{CodeOffset: uint8(v), Op: UnwindOp(v >> 8 & 0xF), Info: uint8(v >> 12)}
	}
	if count%2 != 0 {
		if err := r.Skip(2); err != nil {
			return nil, err
		}
	}

	switch {
	case u.Flags&FlagChainInfo != 0:
		if u.Chained, err = readRuntimeFunction(ctx, &r); err != nil {
			return nil, err
		}
	case u.Flags&(FlagExceptionHandler|FlagTerminationHandler) != 0:
		rva, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		u.Handler = segment.RefRVA(rva)
	}
	return u, nil
}

// RuntimeFunction is an entry of the exception table.
type RuntimeFunction struct {
	Begin segment.Reference
	End   segment.Reference

	unwindRVA uint32
	ctx       *pe.ReaderContext
	unwind    lazy.Result[*UnwindInfo]
}

// NewRuntimeFunction creates an entry for the code between begin and end.
func NewRuntimeFunction(begin, end segment.Reference, info *UnwindInfo) *RuntimeFunction {
	f := &RuntimeFunction{Begin: begin, End: end}
	f.unwind.Set(info)
	return f
}

// UnwindInfoRVA returns the address of the unwind info.
func (f *RuntimeFunction) UnwindInfoRVA() uint32 {
	if f.ctx == nil {
		if u, _ := f.UnwindInfo(); u != nil {
			return u.RVA()
		}
	}
	return f.unwindRVA
}

// UnwindInfo returns the unwind info, decoding it on first use.
func (f *RuntimeFunction) UnwindInfo() (*UnwindInfo, error) {
	return f.unwind.Get(func() (*UnwindInfo, error) {
		if f.ctx == nil {
			return nil, nil
		}
		r, err := f.ctx.ReaderFromRVA(f.unwindRVA)
		if err != nil {
			return nil, err
		}
		u, err := ReadUnwindInfo(f.ctx, r)
		if err != nil {
			if rerr := f.ctx.Reportf("unwind info", r.Offset(), err, "function at 0x%x", f.Begin.RVA()); rerr != nil {
				return nil, rerr
			}
			return nil, nil
		}
		return u, nil
	})
}

func (f *RuntimeFunction) write(w *binio.Writer) error {
	w.WriteU32(f.Begin.RVA())
	w.WriteU32(f.End.RVA())
	w.WriteU32(f.UnwindInfoRVA())
	return nil
}

func readRuntimeFunction(ctx *pe.ReaderContext, r *binio.Reader) (*RuntimeFunction, error) {
	var v [3]uint32
	for i := range v {
		var err error
		if v[i], err = r.ReadU32(); err != nil {
			return nil, err
		}
	}
	return &RuntimeFunction{
		Begin:     segment.RefRVA(v[0]),
		End:       segment.RefRVA(v[1]),
		unwindRVA: v[2],
		ctx:       ctx,
	}, nil
}

// Read parses the table in r. Unwind info is decoded lazily and reported
// to the context's listener when malformed.
func Read(ctx *pe.ReaderContext, r binio.Reader) ([]*RuntimeFunction, error) {
	if r.Length()%RuntimeFunctionSize != 0 {
		if err := ctx.Reportf("exception directory", r.Offset(), nil,
			"size 0x%x is not a multiple of %d", r.Length(), RuntimeFunctionSize); err != nil {
			return nil, err
		}
	}
	var out []*RuntimeFunction
	for r.Remaining() >= RuntimeFunctionSize {
		f, err := readRuntimeFunction(ctx, &r)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Buffer builds the exception table. Unwind info blocks are collected in
// Data.
type Buffer struct {
	segment.Base
	funcs []*RuntimeFunction
	data  *segment.Builder
	seen  map[*UnwindInfo]bool
}

// NewBuffer creates an empty table.
func NewBuffer() *Buffer {
	return &Buffer{data: segment.NewBuilder(), seen: make(map[*UnwindInfo]bool)}
}

// Add appends f. Its unwind info, and that of any function it chains to,
// is added to Data once.
func (b *Buffer) Add(f *RuntimeFunction) error {
	u, err := f.UnwindInfo()
	if err != nil {
		return err
	}
	b.funcs = append(b.funcs, f)
	for u != nil && !b.seen[u] {
		b.seen[u] = true
		b.data.AddAligned(u, 4)
		if u.Chained == nil {
			break
		}
		if u, err = u.Chained.UnwindInfo(); err != nil {
			return err
		}
	}
	return nil
}

// Functions returns the table entries.
func (b *Buffer) Functions() []*RuntimeFunction { return b.funcs }

// Data returns the segment holding the unwind info blocks.
func (b *Buffer) Data() *segment.Builder { return b.data }

// PhysicalSize implements segment.Segment.
func (b *Buffer) PhysicalSize() uint32 { return uint32(len(b.funcs)) * RuntimeFunctionSize }

// VirtualSize implements segment.Segment.
func (b *Buffer) VirtualSize() uint32 { return b.PhysicalSize() }

// Write implements segment.Segment.
func (b *Buffer) Write(w *binio.Writer) error {
	for _, f := range b.funcs {
		if err := f.write(w); err != nil {
			return err
		}
	}
	return nil
}
