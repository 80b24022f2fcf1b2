package binio

import (
	"errors"
	"fmt"
)

// Errors returned by readers and data sources.
var (
	ErrUnexpectedEOF        = errors.New("binio: unexpected end of data")
	ErrNegativeOffset       = errors.New("binio: negative offset")
	ErrInvalidCompressedInt = errors.New("binio: invalid compressed integer encoding")
	ErrMissingTerminator    = errors.New("binio: terminator not found")
)

// BoundsError reports a read that needed more bytes than were available.
// It matches ErrUnexpectedEOF under errors.Is.
type BoundsError struct {
	Offset uint64 // Absolute offset where the read started
	Want   uint64 // Number of bytes required
	Have   uint64 // Number of bytes available
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("binio: read of %d bytes at offset 0x%x exceeds bounds (%d available)",
		e.Want, e.Offset, e.Have)
}

func (e *BoundsError) Is(target error) bool { return target == ErrUnexpectedEOF }
