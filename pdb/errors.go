// Package pdb reads and writes the PDB info stream, which identifies a
// program database and lets an image's CodeView record be matched to it.
package pdb

import "errors"

var (
	// ErrNotPDB is returned for containers without an info stream.
	ErrNotPDB = errors.New("pdb: not a PDB file")

	// ErrUnsupportedVersion is returned for info streams older than VC70.
	ErrUnsupportedVersion = errors.New("pdb: unsupported PDB version")

	// ErrInvalidStream is returned for a truncated info stream.
	ErrInvalidStream = errors.New("pdb: invalid stream")
)
