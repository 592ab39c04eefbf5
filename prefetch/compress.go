package prefetch

import (
	"compress/gzip"
	"errors"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Compressor handles compression and decompression of object streams.
type Compressor interface {
	// Name returns the compressor identifier ("gzip", "zstd", "noop").
	Name() string

	// Extension returns the file extension (".gz", ".zst", "").
	Extension() string

	// Compress wraps a writer with compression.
	Compress(w io.Writer) (io.WriteCloser, error)

	// Decompress wraps a reader with decompression.
	Decompress(r io.Reader) (io.ReadCloser, error)
}

// NewGzipCompressor returns the gzip Compressor.
func NewGzipCompressor() Compressor { return gzipCompressor{} }

// NewZstdCompressor returns the Zstandard Compressor.
func NewZstdCompressor() Compressor { return zstdCompressor{} }

// NewNoOpCompressor returns a Compressor that passes data through.
func NewNoOpCompressor() Compressor { return noopCompressor{} }

// CompressorForPath picks a Compressor from the path's extension.
// Paths without a known extension get the noop compressor.
func CompressorForPath(path string) Compressor {
	for _, c := range []Compressor{NewGzipCompressor(), NewZstdCompressor()} {
		if strings.HasSuffix(path, c.Extension()) {
			return c
		}
	}
	return NewNoOpCompressor()
}

// NewDecompressingReader streams the decompressed content of r.
// Closing the result closes both the decompressor and r.
func NewDecompressingReader(r *Reader, c Compressor) (io.ReadCloser, error) {
	if r == nil {
		return nil, errors.New("prefetch: reader is required")
	}
	if c == nil {
		c = NewNoOpCompressor()
	}

	dec, err := c.Decompress(r)
	if err != nil {
		return nil, err
	}
	return &decompressingReader{ReadCloser: dec, src: r}, nil
}

type decompressingReader struct {
	io.ReadCloser
	src *Reader
}

func (d *decompressingReader) Close() error {
	return errors.Join(d.ReadCloser.Close(), d.src.Close())
}

// -----------------------------------------------------------------------------
// Implementations
// -----------------------------------------------------------------------------

type gzipCompressor struct{}

func (gzipCompressor) Name() string      { return "gzip" }
func (gzipCompressor) Extension() string { return ".gz" }

func (gzipCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

func (gzipCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

type zstdCompressor struct{}

func (zstdCompressor) Name() string      { return "zstd" }
func (zstdCompressor) Extension() string { return ".zst" }

func (zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

func (zstdCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	// Synchronous decoding keeps all reads from r on the caller's
	// goroutine; Reader is not safe for concurrent use.
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

type noopCompressor struct{}

func (noopCompressor) Name() string      { return "noop" }
func (noopCompressor) Extension() string { return "" }

func (noopCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (noopCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
