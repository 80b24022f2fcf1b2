// Package strongname computes the hash a strong-name signature is made
// over. Producing the signature itself is left to the caller.
//
// The hash covers the PE headers with the checksum and the certificate
// table directory entry zeroed, followed by the raw data of every section
// in section table order, leaving out the strong-name signature blob and
// the certificate table.
package strongname

import (
	"crypto"
	_ "crypto/sha1"   // registers SHA-1
	_ "crypto/sha256" // registers SHA-256
	_ "crypto/sha512" // registers SHA-384 and SHA-512
	"errors"
	"fmt"
	"io"
	"slices"

	bpe "github.com/Binject/debug/pe"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/dotnet/clr"
	"github.com/skdltmxn/pe-go/pe"
)

var (
	// ErrUnsupportedHash is returned for algorithms other than SHA-1,
	// SHA-256, SHA-384 and SHA-512.
	ErrUnsupportedHash = errors.New("strongname: unsupported hash algorithm")

	// ErrNoSignatureSlot is returned for images without room for a
	// strong-name signature.
	ErrNoSignatureSlot = errors.New("strongname: image has no strong-name signature directory")
)

const (
	lfanewOffset       = 0x3C
	checksumOffset     = 64 // within the optional header
	dirOffset32        = 96
	dirOffset64        = 112
	optionalHeaderSkip = 4 + 20 // PE signature and file header
)

type span struct{ start, end uint64 }

// Hash computes the strong-name hash of f.
func Hash(f *pe.File, alg crypto.Hash) ([]byte, error) {
	switch alg {
	case crypto.SHA1, crypto.SHA256, crypto.SHA384, crypto.SHA512:
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedHash, alg)
	}

	hdr, err := clr.ReadFile(f)
	if err != nil {
		return nil, err
	}
	sig := hdr.StrongNameSignature
	if !sig.IsPresent() {
		return nil, ErrNoSignatureSlot
	}
	sigOffset, ok := f.RVAToOffset(sig.VirtualAddress)
	if !ok {
		return nil, fmt.Errorf("%w: signature at unmapped RVA 0x%x", pe.ErrUnmappedRVA, sig.VirtualAddress)
	}

	excluded := []span{{sigOffset, sigOffset + uint64(sig.Size)}}
	if cert := f.DataDirectory(pe.DirSecurity); cert.IsPresent() {
		// The certificate table is addressed by file offset.
		excluded = append(excluded, span{uint64(cert.VirtualAddress), uint64(cert.VirtualAddress) + uint64(cert.Size)})
	}

	headers, err := zeroedHeaders(f)
	if err != nil {
		return nil, err
	}

	h := alg.New()
	h.Write(headers)
	src := f.Source()
	for _, s := range f.Sections {
		for _, part := range subtract(span{s.Offset, s.Offset + uint64(s.Size)}, excluded) {
			if _, err := io.Copy(h, io.NewSectionReader(src, int64(part.start), int64(part.end-part.start))); err != nil {
				return nil, fmt.Errorf("strongname: hashing section %s: %w", s.Name, err)
			}
		}
	}
	return h.Sum(nil), nil
}

func zeroedHeaders(f *pe.File) ([]byte, error) {
	var size uint32
	switch oh := f.Raw().OptionalHeader.(type) {
	case *bpe.OptionalHeader32:
		size = oh.SizeOfHeaders
	case *bpe.OptionalHeader64:
		size = oh.SizeOfHeaders
	}

	r, err := binio.NewReaderAt(f.Source(), 0, 0, uint64(size))
	if err != nil {
		return nil, fmt.Errorf("strongname: reading headers: %w", err)
	}
	headers, err := r.ReadToEnd()
	if err != nil {
		return nil, fmt.Errorf("strongname: reading headers: %w", err)
	}
	headers = slices.Clone(headers)

	if len(headers) < lfanewOffset+4 {
		return nil, fmt.Errorf("strongname: headers of %d bytes", len(headers))
	}
	lr := binio.NewBytesReader(headers[lfanewOffset:])
	lfanew, _ := lr.ReadU32()
	opt := uint64(lfanew) + optionalHeaderSkip

	dirs := opt + dirOffset64
	if f.Is32Bit() {
		dirs = opt + dirOffset32
	}
	cert := dirs + pe.DirSecurity*8
	for _, z := range []span{{opt + checksumOffset, opt + checksumOffset + 4}, {cert, cert + 8}} {
		if z.end > uint64(len(headers)) {
			return nil, fmt.Errorf("strongname: header field at 0x%x beyond SizeOfHeaders", z.start)
		}
		clear(headers[z.start:z.end])
	}
	return headers, nil
}

// subtract returns the parts of s not covered by any of excl, in order.
func subtract(s span, excl []span) []span {
	out := []span{s}
	for _, x := range excl {
		var next []span
		for _, p := range out {
			if x.end <= p.start || x.start >= p.end {
				next = append(next, p)
				continue
			}
			if p.start < x.start {
				next = append(next, span{p.start, x.start})
			}
			if x.end < p.end {
				next = append(next, span{x.end, p.end})
			}
		}
		out = next
	}
	return out
}
