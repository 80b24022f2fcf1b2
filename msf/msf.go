package msf

import (
	"fmt"
	"io"

	"github.com/skdltmxn/pe-go/binio"
	"github.com/skdltmxn/pe-go/internal/lazy"
)

// File is an opened MSF container. It is safe for concurrent use.
type File struct {
	src    binio.DataSource
	sb     *SuperBlock
	dir    lazy.Result[*Directory]
	closer io.Closer
}

// Open maps the file at path.
func Open(path string) (*File, error) {
	src, err := binio.OpenFile(path)
	if err != nil {
		return nil, err
	}
	f, err := NewFile(src)
	if err != nil {
		src.Close()
		return nil, err
	}
	f.closer = src
	return f, nil
}

// NewFile parses the superblock of the container in src. The directory is
// read on first use.
func NewFile(src binio.DataSource) (*File, error) {
	sb, err := ReadSuperBlock(binio.NewReader(src))
	if err != nil {
		return nil, err
	}
	if want := sb.FileSize(); src.Len() < want {
		return nil, fmt.Errorf("%w: %d bytes, superblock declares %d", ErrTruncatedFile, src.Len(), want)
	}
	return &File{src: src, sb: sb}, nil
}

// Close releases the file if Open mapped it.
func (f *File) Close() error {
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

// SuperBlock returns the parsed superblock.
func (f *File) SuperBlock() *SuperBlock { return f.sb }

// BlockSize returns the container's block size.
func (f *File) BlockSize() uint32 { return f.sb.BlockSize }

// NumBlocks returns the number of blocks in the container.
func (f *File) NumBlocks() uint32 { return f.sb.NumBlocks }

// Directory returns the stream directory.
func (f *File) Directory() (*Directory, error) {
	return f.dir.Get(f.readDirectory)
}

func (f *File) readDirectory() (*Directory, error) {
	sb := f.sb
	n := sb.NumDirectoryBlocks()

	mapBlocks := make([]uint32, blocksFor(n*4, sb.BlockSize))
	for i := range mapBlocks {
		mapBlocks[i] = sb.BlockMapAddr + uint32(i)
	}
	if err := f.checkBlocks(mapBlocks); err != nil {
		return nil, fmt.Errorf("msf: directory block map: %w", err)
	}
	ms, err := binio.NewBlockSource(f.src, mapBlocks, sb.BlockSize, n*4)
	if err != nil {
		return nil, err
	}
	mr := binio.NewReader(ms)
	dirBlocks := make([]uint32, n)
	for i := range dirBlocks {
		if dirBlocks[i], err = mr.ReadU32(); err != nil {
			return nil, fmt.Errorf("msf: directory block map: %w", err)
		}
	}
	if err := f.checkBlocks(dirBlocks); err != nil {
		return nil, fmt.Errorf("msf: directory: %w", err)
	}

	ds, err := binio.NewBlockSource(f.src, dirBlocks, sb.BlockSize, sb.NumDirectoryBytes)
	if err != nil {
		return nil, err
	}
	dir, err := ReadDirectory(binio.NewReader(ds), sb.BlockSize)
	if err != nil {
		return nil, err
	}
	for i, blocks := range dir.Blocks {
		if err := f.checkBlocks(blocks); err != nil {
			return nil, fmt.Errorf("msf: stream %d: %w", i, err)
		}
	}
	return dir, nil
}

func (f *File) checkBlocks(blocks []uint32) error {
	for _, b := range blocks {
		if b >= f.sb.NumBlocks {
			return fmt.Errorf("%w: %d of %d", ErrInvalidBlockIndex, b, f.sb.NumBlocks)
		}
	}
	return nil
}

// NumStreams returns the number of streams.
func (f *File) NumStreams() (uint32, error) {
	dir, err := f.Directory()
	if err != nil {
		return 0, err
	}
	return dir.NumStreams(), nil
}

// OpenStream returns stream i as a data source.
func (f *File) OpenStream(i uint32) (*binio.BlockSource, error) {
	dir, err := f.Directory()
	if err != nil {
		return nil, err
	}
	if i >= dir.NumStreams() {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidStreamIndex, i, dir.NumStreams())
	}
	if dir.Sizes[i] == NilStreamSize {
		return nil, fmt.Errorf("%w: %d", ErrNilStream, i)
	}
	return binio.NewBlockSource(f.src, dir.Blocks[i], f.sb.BlockSize, dir.Sizes[i])
}

// StreamReader returns a reader over stream i.
func (f *File) StreamReader(i uint32) (binio.Reader, error) {
	s, err := f.OpenStream(i)
	if err != nil {
		return binio.Reader{}, err
	}
	return binio.NewReader(s), nil
}

// ReadStream reads stream i into memory.
func (f *File) ReadStream(i uint32) ([]byte, error) {
	s, err := f.OpenStream(i)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, s.Len())
	if _, err := s.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("msf: reading stream %d: %w", i, err)
	}
	return buf, nil
}
