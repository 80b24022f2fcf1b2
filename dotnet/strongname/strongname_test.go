package strongname

import (
	"bytes"
	"crypto"
	"errors"
	"testing"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/builder"
	"github.com/skdltmxn/pe-go/metadata"
	"github.com/skdltmxn/pe-go/metadata/tables"
	"github.com/skdltmxn/pe-go/pe"
)

func buildImage(t *testing.T, signatureSize uint32) (*builder.DotNetImage, []byte) {
	t.Helper()
	b := metadata.NewBuilder(metadata.Options{})
	name, _ := b.AddString("Signed.dll")
	if _, err := b.AddRow(tables.Module, tables.Row{0, name, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	md, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	opts := builder.DefaultDotNetOptions(true)
	opts.IsDLL = true
	opts.StrongNameSize = signatureSize
	img := builder.NewDotNetImage(md, opts)
	data, err := img.Build()
	if err != nil {
		t.Fatal(err)
	}
	return img, data
}

func hash(t *testing.T, data []byte) []byte {
	t.Helper()
	f, err := pe.NewFile(binio.NewByteSource(data))
	if err != nil {
		t.Fatal(err)
	}
	h, err := Hash(f, crypto.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestHashIgnoresSignatureAndChecksum(t *testing.T) {
	img, data := buildImage(t, 128)
	base := hash(t, data)
	if len(base) != crypto.SHA256.Size() {
		t.Fatalf("hash of %d bytes", len(base))
	}

	signed := bytes.Clone(data)
	sig := img.StrongNameSignature
	for i := uint32(0); i < sig.PhysicalSize(); i++ {
		signed[sig.Offset()+uint64(i)] = 0xA5
	}
	if !bytes.Equal(hash(t, signed), base) {
		t.Error("signature bytes changed the hash")
	}

	// CheckSum sits 64 bytes into the optional header, which follows the
	// PE signature and file header at 0x80.
	checksummed := bytes.Clone(data)
	checksummed[0x80+4+20+64] = 0x12
	if !bytes.Equal(hash(t, checksummed), base) {
		t.Error("checksum changed the hash")
	}

	tampered := bytes.Clone(data)
	tampered[img.CLR.Metadata.Offset()+20] ^= 0xFF
	if bytes.Equal(hash(t, tampered), base) {
		t.Error("metadata change did not change the hash")
	}
}

func TestHashErrors(t *testing.T) {
	_, data := buildImage(t, 0)
	f, err := pe.NewFile(binio.NewByteSource(data))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Hash(f, crypto.SHA256); !errors.Is(err, ErrNoSignatureSlot) {
		t.Errorf("unsigned image: %v", err)
	}
	if _, err := Hash(f, crypto.MD5); !errors.Is(err, ErrUnsupportedHash) {
		t.Errorf("MD5: %v", err)
	}
}

func TestSubtract(t *testing.T) {
	got := subtract(span{0, 100}, []span{{10, 20}, {90, 120}, {200, 300}})
	want := []span{{0, 10}, {20, 90}}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("part %d = %v, want %v", i, got[i], want[i])
		}
	}
}
