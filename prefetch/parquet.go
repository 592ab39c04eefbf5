package prefetch

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/parquet-go/parquet-go"
)

// ErrInvalidFormat indicates the stream is not a valid Parquet file.
var ErrInvalidFormat = errors.New("prefetch: invalid parquet file")

// ReaderAt adapts a Reader to io.ReaderAt for consumers that address the
// stream by offset, such as columnar file readers.
//
// Each ReadAt seeks the Reader (when it is not already positioned at the
// requested offset) and reads sequentially, so consecutive reads reuse the
// working buffer and any pending prefetch. Calls are serialised.
type ReaderAt struct {
	mu   sync.Mutex
	r    *Reader
	size int64
}

// NewReaderAt returns an io.ReaderAt over a stream of the given size.
func NewReaderAt(r *Reader, size int64) *ReaderAt {
	return &ReaderAt{r: r, size: size}
}

// Size returns the stream size passed to NewReaderAt.
func (a *ReaderAt) Size() int64 {
	return a.size
}

// ReadAt implements io.ReaderAt.
func (a *ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	if off >= a.size {
		return 0, io.EOF
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.r.Position() != off {
		if _, err := a.r.Seek(off, io.SeekStart); err != nil {
			return 0, err
		}
	}

	want := p
	if remain := a.size - off; int64(len(want)) > remain {
		want = want[:remain]
	}

	n, err := io.ReadFull(a.r, want)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// OpenParquet opens the Parquet file carried by r. size is the total
// stream length, typically Gather.Size.
func OpenParquet(r *Reader, size int64, opts ...parquet.FileOption) (*parquet.File, error) {
	if size <= 0 {
		return nil, ErrInvalidFormat
	}

	file, err := parquet.OpenFile(NewReaderAt(r, size), size, opts...)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrInvalidFormat
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}
	return file, nil
}

var _ io.ReaderAt = (*ReaderAt)(nil)
