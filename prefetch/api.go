// Package prefetch provides a buffered, seekable reader over remote object
// storage that hides network latency by fetching the next chunk while the
// current one is consumed.
//
// A Reader owns two equally sized buffers. The working buffer holds the
// bytes exposed to the caller; the prefetch buffer is the destination of at
// most one in-flight read issued through an AsyncReader. When the caller
// exhausts the working buffer, the pending read is awaited and the two
// buffers swap roles without copying.
//
// Prefetch does not implement network protocols or retries. Transport work
// belongs to the AsyncReader and the RangeSource it reads from.
package prefetch

import (
	"context"
	"errors"
	"io"
)

// -----------------------------------------------------------------------------
// Async read service
// -----------------------------------------------------------------------------

// Request describes a single read submitted to an AsyncReader.
// A request is immutable once submitted.
type Request struct {
	// Source is the remote range the bytes are read from.
	Source RangeSource

	// Buf is the destination; len(Buf) is the requested size.
	Buf []byte

	// Offset is the logical byte offset in Source.
	Offset int64

	// Priority is a scheduling hint. Lower values run first.
	Priority int
}

// AsyncReader executes read requests off the caller's goroutine.
//
// Submit never blocks on I/O. Failures surface when the returned Future is
// awaited. A resolved size of zero with a nil error denotes end-of-stream.
type AsyncReader interface {
	Submit(ctx context.Context, req Request) *Future
}

// -----------------------------------------------------------------------------
// Remote range source
// -----------------------------------------------------------------------------

// RangeSource maps logical offsets onto remote objects and owns whatever
// cursor or connection state that mapping needs.
type RangeSource interface {
	// ReadAt fills p with bytes starting at off. It returns the number of
	// bytes read, which is less than len(p) only at the end of the source.
	// Reading at or past the end returns 0 and a nil error.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)

	// Reset drops cursor state so the next ReadAt starts a clean read.
	// Reset must not be called while a request referencing the source is
	// outstanding.
	Reset()
}

// -----------------------------------------------------------------------------
// Store interface
// -----------------------------------------------------------------------------

// Store abstracts the underlying object storage system.
//
// Implementations may target filesystems, S3, GCS, or other object stores.
// Range reads must be true range reads, not simulated full downloads.
type Store interface {
	// Put writes data to the given path.
	Put(ctx context.Context, path string, r io.Reader) error

	// Get retrieves data from the given path.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists checks whether a path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the path if it exists.
	Delete(ctx context.Context, path string) error

	// Stat returns the size of the object at path.
	Stat(ctx context.Context, path string) (int64, error)

	// ReadRange reads length bytes starting at offset.
	// Offsets beyond EOF return an empty slice; ranges extending past EOF
	// return the available bytes.
	ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error)
}

// RangeOpener is implemented by stores that can stream an object from an
// offset to its end. Gather prefers it over ReadRange so that sequential
// reads reuse a single connection.
type RangeOpener interface {
	OpenRange(ctx context.Context, path string, offset int64) (io.ReadCloser, error)
}

// StoreFactory creates a Store instance.
type StoreFactory func() (Store, error)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values for common conditions.
var (
	// ErrNotFound indicates a requested resource does not exist.
	ErrNotFound = errNotFound{}

	// ErrPathExists indicates an attempt to write to an existing path.
	ErrPathExists = errPathExists{}

	// ErrInvalidPath indicates a path that would escape the storage root,
	// or an invalid range.
	ErrInvalidPath = errors.New("invalid path: escapes storage root")

	// ErrUnsupportedSeekMode indicates a whence other than io.SeekStart or
	// io.SeekCurrent.
	ErrUnsupportedSeekMode = errors.New("prefetch: only io.SeekStart and io.SeekCurrent are supported")

	// ErrNegativeOffset indicates a seek to a position before the start.
	ErrNegativeOffset = errors.New("prefetch: negative position")

	// ErrClosed indicates use of a closed Reader or Pool.
	ErrClosed = errors.New("prefetch: closed")
)

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type errPathExists struct{}

func (errPathExists) Error() string { return "path exists" }
