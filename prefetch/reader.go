package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Reader is a seekable stream over a RangeSource that overlaps consumption
// of resident bytes with the fetch of the next chunk.
//
// absolutePosition is the logical offset immediately after the last byte of
// the working buffer. A prefetch always targets absolutePosition as it
// stood at issuance; seeks inside the working buffer only move the cursor
// and never change absolutePosition, so they cannot invalidate a pending
// prefetch.
//
// A Reader is driven by a single goroutine. It is not safe for concurrent
// use.
type Reader struct {
	ctx       context.Context
	service   AsyncReader
	source    RangeSource
	priority  int
	events    EventSink
	logger    *zap.Logger
	readAhead bool

	memory  []byte // storage backing working
	spare   []byte // destination of the pending prefetch
	working []byte // valid prefix of memory
	pos     int    // next unread byte in working

	absolutePosition int64
	pending          *Future
	closed           bool

	trace traceCounts
}

// traceCounts is the per-reader summary logged on Close.
type traceCounts struct {
	prefetches    int
	prefetchReads int
	directReads   int
	seeks         int
	resets        int
	bytes         int64
}

// NewReader returns a Reader with two buffers of bufSize bytes that reads
// source through service. Both buffers are allocated here and reused for
// the lifetime of the reader.
//
// ctx is attached to every submitted request. The caller must Close the
// reader so that an in-flight prefetch is drained before the buffers are
// released.
func NewReader(ctx context.Context, service AsyncReader, source RangeSource, bufSize int, opts ...Option) (*Reader, error) {
	if service == nil {
		return nil, errors.New("prefetch: async reader is required")
	}
	if source == nil {
		return nil, errors.New("prefetch: range source is required")
	}
	if bufSize <= 0 {
		return nil, fmt.Errorf("prefetch: buffer size must be positive, got %d", bufSize)
	}

	cfg := &readerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.events == nil {
		cfg.events = nopSink{}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	memory := make([]byte, bufSize)
	r := &Reader{
		ctx:       ctx,
		service:   service,
		source:    source,
		priority:  cfg.priority,
		events:    cfg.events,
		logger:    cfg.logger,
		readAhead: cfg.readAhead,
		memory:    memory,
		spare:     make([]byte, bufSize),
		working:   memory[:0],
	}
	r.events.Inc(EventBufferCreated)
	return r, nil
}

// readInto submits a read of len(dst) bytes at absolutePosition.
func (r *Reader) readInto(dst []byte) *Future {
	return r.service.Submit(r.ctx, Request{
		Source:   r.source,
		Buf:      dst,
		Offset:   r.absolutePosition,
		Priority: r.priority,
	})
}

// Prefetch submits a read of the chunk following the working buffer into
// the prefetch buffer. It does nothing if a prefetch is already pending or
// the reader is closed.
func (r *Reader) Prefetch() {
	if r.closed || r.pending != nil {
		return
	}

	r.pending = r.readInto(r.spare)
	r.events.Inc(EventPrefetch)
	r.trace.prefetches++

	if ce := r.logger.Check(zapcore.DebugLevel, "prefetch issued"); ce != nil {
		ce.Write(zap.Int64("offset", r.absolutePosition), zap.Int("size", len(r.spare)))
	}
}

// Next replaces the working buffer with the next chunk of the stream.
//
// If a prefetch is pending, Next waits for it and swaps the prefetch buffer
// into the working role. Otherwise it reads synchronously into the working
// buffer. Unread bytes of the previous working buffer are discarded.
//
// Next returns false with a nil error at end of stream. Errors from the
// read are returned unmodified. In both cases the working buffer is left
// empty and the stream position does not move.
func (r *Reader) Next() (bool, error) {
	if r.closed {
		return false, ErrClosed
	}
	r.events.Inc(EventBufferRead)

	var (
		n   int
		err error
	)
	r.events.AddWaiting(1)
	start := time.Now()
	if r.pending != nil {
		r.events.Inc(EventPrefetchRead)
		r.trace.prefetchReads++

		f := r.pending
		r.pending = nil
		n, err = f.Wait()
		if err == nil && n > 0 && n <= len(r.spare) {
			r.memory, r.spare = r.spare, r.memory
		}
	} else {
		r.events.Inc(EventReadWithoutPrefetch)
		r.trace.directReads++

		n, err = r.readInto(r.memory).Wait()
	}
	r.events.ObserveWait(time.Since(start))
	r.events.AddWaiting(-1)

	r.pos = 0
	switch {
	case err != nil:
		r.working = r.memory[:0]
		return false, err
	case n < 0 || n > len(r.memory):
		r.working = r.memory[:0]
		return false, fmt.Errorf("prefetch: read at %d returned %d bytes for a %d byte buffer",
			r.absolutePosition, n, len(r.memory))
	case n == 0:
		r.working = r.memory[:0]
		if ce := r.logger.Check(zapcore.DebugLevel, "end of stream"); ce != nil {
			ce.Write(zap.Int64("offset", r.absolutePosition))
		}
		return false, nil
	}

	r.working = r.memory[:n]
	r.absolutePosition += int64(n)
	r.trace.bytes += int64(n)
	return true, nil
}

// Seek sets the position of the next Read. whence must be io.SeekStart or
// io.SeekCurrent.
//
// A target inside the working buffer only moves the cursor. Any other
// target discards a pending prefetch, empties the working buffer, and
// resets the range source; the next Read fetches from the new position.
// Seek itself performs no reads.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	if r.closed {
		return 0, ErrClosed
	}
	r.events.Inc(EventSeek)
	r.trace.seeks++

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.Position() + offset
	default:
		return 0, ErrUnsupportedSeekMode
	}
	if target < 0 {
		return 0, ErrNegativeOffset
	}

	start := r.absolutePosition - int64(len(r.working))
	if len(r.working) > 0 && target >= start && target < r.absolutePosition {
		r.pos = int(target - start)
		if ce := r.logger.Check(zapcore.DebugLevel, "seek within buffer"); ce != nil {
			ce.Write(zap.Int64("target", target))
		}
		return target, nil
	}

	r.absolutePosition = target
	if r.pending != nil {
		r.events.Inc(EventSeekCancelledPrefetch)
		r.drain("seek")
	}

	r.working = r.memory[:0]
	r.pos = 0
	r.source.Reset()
	r.trace.resets++

	if ce := r.logger.Check(zapcore.DebugLevel, "seek outside buffer"); ce != nil {
		ce.Write(zap.Int64("target", target))
	}
	return target, nil
}

// Close waits for a pending prefetch, discards its result, and releases the
// buffers. Close is idempotent.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}

	if r.pending != nil {
		r.events.Inc(EventUnusedCancelledPrefetch)
		r.drain("close")
	}

	r.logger.Debug("reader closed",
		zap.Int("prefetches", r.trace.prefetches),
		zap.Int("prefetch_reads", r.trace.prefetchReads),
		zap.Int("direct_reads", r.trace.directReads),
		zap.Int("seeks", r.trace.seeks),
		zap.Int("resets", r.trace.resets),
		zap.Int64("bytes", r.trace.bytes),
	)

	r.closed = true
	r.memory, r.spare, r.working = nil, nil, nil
	r.pos = 0
	return nil
}

// drain waits for the pending prefetch and drops its result.
func (r *Reader) drain(reason string) {
	f := r.pending
	r.pending = nil

	n, err := f.Wait()
	if ce := r.logger.Check(zapcore.DebugLevel, "prefetch discarded"); ce != nil {
		ce.Write(zap.String("reason", reason), zap.Int("bytes", n), zap.Error(err))
	}
}

// Read implements io.Reader. It refills the working buffer when it is
// exhausted and returns io.EOF at end of stream.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	if r.pos >= len(r.working) {
		ok, err := r.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, io.EOF
		}
		if r.readAhead {
			r.Prefetch()
		}
	}

	n := copy(p, r.working[r.pos:])
	r.pos += n
	return n, nil
}

// Position returns the logical offset of the next byte Read returns.
func (r *Reader) Position() int64 {
	return r.absolutePosition - int64(len(r.working)-r.pos)
}

// Buffered returns the unread bytes of the working buffer. The slice is
// valid until the next call to Next, Read, Seek, or Close.
func (r *Reader) Buffered() []byte {
	return r.working[r.pos:]
}

// Pending reports whether a prefetch is in flight.
func (r *Reader) Pending() bool {
	return r.pending != nil
}

var (
	_ io.ReadSeekCloser = (*Reader)(nil)
)
