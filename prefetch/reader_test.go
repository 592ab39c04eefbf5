package prefetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestReader(t *testing.T, svc AsyncReader, src RangeSource, size int, opts ...Option) *Reader {
	t.Helper()
	r, err := NewReader(context.Background(), svc, src, size, opts...)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func mustNext(t *testing.T, r *Reader) {
	t.Helper()
	ok, err := r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if !ok {
		t.Fatal("Next reported end of stream")
	}
}

func TestNewReader_Validation(t *testing.T) {
	src := newByteSource(10)
	svc := &manualService{}

	if _, err := NewReader(context.Background(), nil, src, 8); err == nil {
		t.Error("expected error for nil service")
	}
	if _, err := NewReader(context.Background(), svc, nil, 8); err == nil {
		t.Error("expected error for nil source")
	}
	if _, err := NewReader(context.Background(), svc, src, 0); err == nil {
		t.Error("expected error for zero buffer size")
	}
}

// Buffer 4096 over a 10000 byte stream: sync read, prefetch, swap, seek
// inside the window, then seek outside it.
func TestReader_Walkthrough(t *testing.T) {
	src := newByteSource(10000)
	svc := &manualService{}
	counters := NewCounters()
	r := newTestReader(t, svc, src, 4096, WithEvents(counters))

	mustNext(t, r)
	if r.absolutePosition != 4096 {
		t.Fatalf("absolutePosition = %d, want 4096", r.absolutePosition)
	}
	if !bytes.Equal(r.Buffered(), src.data[:4096]) {
		t.Fatal("working buffer does not hold [0,4096)")
	}

	r.Prefetch()
	if got := svc.request(1).Offset; got != 4096 {
		t.Fatalf("prefetch offset = %d, want 4096", got)
	}

	mustNext(t, r)
	if r.absolutePosition != 8192 {
		t.Fatalf("absolutePosition = %d, want 8192", r.absolutePosition)
	}
	if !bytes.Equal(r.Buffered(), src.data[4096:8192]) {
		t.Fatal("working buffer does not hold [4096,8192)")
	}

	pos, err := r.Seek(6000, io.SeekStart)
	if err != nil || pos != 6000 {
		t.Fatalf("Seek(6000) = %d, %v", pos, err)
	}
	if src.resetCount() != 0 {
		t.Fatal("intra-buffer seek reset the source")
	}
	if r.Buffered()[0] != src.data[6000] {
		t.Fatal("cursor not at 6000")
	}

	pos, err = r.Seek(2000, io.SeekStart)
	if err != nil || pos != 2000 {
		t.Fatalf("Seek(2000) = %d, %v", pos, err)
	}
	if src.resetCount() != 1 {
		t.Fatalf("resets = %d, want 1", src.resetCount())
	}
	if r.absolutePosition != 2000 {
		t.Fatalf("absolutePosition = %d, want 2000", r.absolutePosition)
	}

	mustNext(t, r)
	if got := svc.request(2).Offset; got != 2000 {
		t.Fatalf("read after seek at %d, want 2000", got)
	}
	if !bytes.Equal(r.Buffered(), src.data[2000:6096]) {
		t.Fatal("working buffer does not hold [2000,6096)")
	}

	if got := counters.Get(EventPrefetchRead); got != 1 {
		t.Errorf("prefetch reads = %d, want 1", got)
	}
	if got := counters.Get(EventReadWithoutPrefetch); got != 2 {
		t.Errorf("reads without prefetch = %d, want 2", got)
	}
	if got := counters.Get(EventSeek); got != 2 {
		t.Errorf("seeks = %d, want 2", got)
	}
}

func TestReader_SequentialEquivalence(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		bufSize  int
		prefetch func(i int) bool
	}{
		{"never", 1000, 64, func(int) bool { return false }},
		{"always", 1000, 64, func(int) bool { return true }},
		{"alternate", 1000, 64, func(i int) bool { return i%2 == 0 }},
		{"exact multiple", 512, 64, func(i int) bool { return i%3 == 0 }},
		{"buffer larger than stream", 10, 64, func(int) bool { return true }},
		{"empty stream", 0, 64, func(int) bool { return true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newByteSource(tt.size)
			pool := NewPool(2)
			defer func() { _ = pool.Close() }()
			r := newTestReader(t, pool, src, tt.bufSize)

			var got []byte
			for i := 0; ; i++ {
				if tt.prefetch(i) {
					r.Prefetch()
				}
				ok, err := r.Next()
				if err != nil {
					t.Fatalf("Next failed: %v", err)
				}
				if !ok {
					break
				}
				got = append(got, r.Buffered()...)
			}
			if !bytes.Equal(got, src.data) {
				t.Fatalf("got %d bytes, want %d matching bytes", len(got), len(src.data))
			}
		})
	}
}

func TestReader_PrefetchIsIdempotent(t *testing.T) {
	src := newByteSource(100)
	svc := &manualService{}
	counters := NewCounters()
	r := newTestReader(t, svc, src, 10, WithEvents(counters))

	svc.setHold(true)
	r.Prefetch()
	r.Prefetch()
	if got := svc.submitted(); got != 1 {
		t.Fatalf("submitted = %d, want 1", got)
	}
	if got := counters.Get(EventPrefetch); got != 1 {
		t.Errorf("prefetch events = %d, want 1", got)
	}

	svc.complete(0)
	mustNext(t, r)
	if got := svc.submitted(); got != 1 {
		t.Fatalf("Next issued another request; submitted = %d", got)
	}
	if r.Pending() {
		t.Error("prefetch still pending after Next")
	}
}

func TestReader_IntraBufferSeekKeepsPrefetch(t *testing.T) {
	src := newByteSource(300)
	svc := &manualService{}
	counters := NewCounters()
	r := newTestReader(t, svc, src, 100, WithEvents(counters))

	mustNext(t, r) // [0,100)
	svc.setHold(true)
	r.Prefetch()

	for _, target := range []int64{0, 50, 99} {
		pos, err := r.Seek(target, io.SeekStart)
		if err != nil || pos != target {
			t.Fatalf("Seek(%d) = %d, %v", target, pos, err)
		}
		if !r.Pending() {
			t.Fatalf("Seek(%d) drained the prefetch", target)
		}
		if r.Position() != target {
			t.Fatalf("Position = %d, want %d", r.Position(), target)
		}
	}
	if src.resetCount() != 0 {
		t.Fatalf("resets = %d, want 0", src.resetCount())
	}
	if got := counters.Get(EventSeekCancelledPrefetch); got != 0 {
		t.Errorf("seek-cancelled = %d, want 0", got)
	}

	svc.complete(1)
	mustNext(t, r)
	if !bytes.Equal(r.Buffered(), src.data[100:200]) {
		t.Fatal("prefetched chunk does not follow the working buffer")
	}
}

func TestReader_OutOfWindowSeekDrainsPrefetch(t *testing.T) {
	src := newByteSource(1000)
	svc := &manualService{}
	counters := NewCounters()
	r := newTestReader(t, svc, src, 100, WithEvents(counters))

	mustNext(t, r) // [0,100)
	svc.setHold(true)
	r.Prefetch()

	pending := svc.future(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		svc.complete(1)
	}()

	pos, err := r.Seek(500, io.SeekStart)
	if err != nil || pos != 500 {
		t.Fatalf("Seek(500) = %d, %v", pos, err)
	}
	select {
	case <-pending.Done():
	default:
		t.Fatal("Seek returned before the prefetch resolved")
	}
	if r.Pending() {
		t.Error("prefetch still pending after seek")
	}
	if src.resetCount() != 1 {
		t.Errorf("resets = %d, want 1", src.resetCount())
	}
	if len(r.Buffered()) != 0 {
		t.Error("working buffer not emptied")
	}
	if got := counters.Get(EventSeekCancelledPrefetch); got != 1 {
		t.Errorf("seek-cancelled = %d, want 1", got)
	}
	if got := counters.Get(EventUnusedCancelledPrefetch); got != 0 {
		t.Errorf("unused-cancelled = %d, want 0", got)
	}

	svc.setHold(false)
	mustNext(t, r)
	if got := svc.request(2).Offset; got != 500 {
		t.Fatalf("next read at %d, want 500", got)
	}
	if !bytes.Equal(r.Buffered(), src.data[500:600]) {
		t.Fatal("working buffer does not hold [500,600)")
	}
}

func TestReader_WaitingGauge(t *testing.T) {
	src := newByteSource(1000)
	svc := &manualService{hold: true}
	counters := NewCounters()
	r := newTestReader(t, svc, src, 100, WithEvents(counters))

	r.Prefetch()
	done := make(chan error, 1)
	go func() {
		_, err := r.Next()
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for counters.Waiting() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("waiting = %d, want 1 while the refill is blocked", counters.Waiting())
		}
		time.Sleep(time.Millisecond)
	}

	svc.complete(0)
	if err := <-done; err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if got := counters.Waiting(); got != 0 {
		t.Errorf("waiting = %d after refill, want 0", got)
	}
}

// Seeking back into the previous window after an out-of-window seek must
// not expose stale bytes.
func TestReader_SeekAfterResetRefetches(t *testing.T) {
	src := newByteSource(1000)
	svc := &manualService{}
	r := newTestReader(t, svc, src, 100)

	mustNext(t, r) // [0,100)
	if _, err := r.Seek(500, io.SeekStart); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	if _, err := r.Seek(50, io.SeekStart); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	if src.resetCount() != 2 {
		t.Fatalf("resets = %d, want 2", src.resetCount())
	}

	mustNext(t, r)
	if !bytes.Equal(r.Buffered(), src.data[50:150]) {
		t.Fatal("working buffer does not hold [50,150)")
	}
}

func TestReader_SeekCurrent(t *testing.T) {
	src := newByteSource(1000)
	r := newTestReader(t, &manualService{}, src, 100)

	buf := make([]byte, 10)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}

	pos, err := r.Seek(5, io.SeekCurrent)
	if err != nil || pos != 15 {
		t.Fatalf("Seek(5, current) = %d, %v; want 15", pos, err)
	}
	if src.resetCount() != 0 {
		t.Error("relative seek inside the window reset the source")
	}

	pos, err = r.Seek(-15, io.SeekCurrent)
	if err != nil || pos != 0 {
		t.Fatalf("Seek(-15, current) = %d, %v; want 0", pos, err)
	}

	pos, err = r.Seek(300, io.SeekCurrent)
	if err != nil || pos != 300 {
		t.Fatalf("Seek(300, current) = %d, %v; want 300", pos, err)
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if !bytes.Equal(buf, src.data[300:310]) {
		t.Error("read after relative seek returned wrong bytes")
	}
}

func TestReader_SeekRejections(t *testing.T) {
	src := newByteSource(100)
	r := newTestReader(t, &manualService{}, src, 10)
	mustNext(t, r)
	r.pos = 3

	if _, err := r.Seek(0, io.SeekEnd); !errors.Is(err, ErrUnsupportedSeekMode) {
		t.Errorf("SeekEnd: expected ErrUnsupportedSeekMode, got %v", err)
	}
	if _, err := r.Seek(-1, io.SeekStart); !errors.Is(err, ErrNegativeOffset) {
		t.Errorf("negative: expected ErrNegativeOffset, got %v", err)
	}
	if _, err := r.Seek(-4, io.SeekCurrent); !errors.Is(err, ErrNegativeOffset) {
		t.Errorf("negative relative: expected ErrNegativeOffset, got %v", err)
	}

	if r.Position() != 3 || r.absolutePosition != 10 {
		t.Errorf("state changed: position %d, absolute %d", r.Position(), r.absolutePosition)
	}
	if src.resetCount() != 0 {
		t.Error("rejected seek reset the source")
	}
}

func TestReader_EndOfStream(t *testing.T) {
	src := newByteSource(100)
	r := newTestReader(t, &manualService{}, src, 64)

	mustNext(t, r)
	mustNext(t, r)
	if len(r.Buffered()) != 36 {
		t.Fatalf("second chunk = %d bytes, want 36", len(r.Buffered()))
	}

	ok, err := r.Next()
	if err != nil || ok {
		t.Fatalf("Next at end = %v, %v; want false, nil", ok, err)
	}
	if r.absolutePosition != 100 {
		t.Errorf("absolutePosition = %d, want 100", r.absolutePosition)
	}
	if len(r.Buffered()) != 0 {
		t.Error("working buffer not empty at end of stream")
	}

	// Prefetched end of stream behaves the same.
	r.Prefetch()
	ok, err = r.Next()
	if err != nil || ok {
		t.Fatalf("prefetched Next at end = %v, %v; want false, nil", ok, err)
	}
	if r.absolutePosition != 100 {
		t.Errorf("absolutePosition = %d, want 100", r.absolutePosition)
	}

	if n, err := r.Read(make([]byte, 4)); n != 0 || err != io.EOF {
		t.Errorf("Read at end = %d, %v; want 0, EOF", n, err)
	}
}

func TestReader_ErrorPropagatesUnmodified(t *testing.T) {
	boom := errors.New("connection reset")

	t.Run("direct", func(t *testing.T) {
		src := newByteSource(100)
		src.err = boom
		r := newTestReader(t, &manualService{}, src, 10)

		ok, err := r.Next()
		if ok || err != boom {
			t.Fatalf("Next = %v, %v; want false, boom", ok, err)
		}
		if r.absolutePosition != 0 {
			t.Errorf("absolutePosition = %d, want 0", r.absolutePosition)
		}
	})

	t.Run("prefetched", func(t *testing.T) {
		src := newByteSource(100)
		r := newTestReader(t, &manualService{}, src, 10)
		mustNext(t, r)

		src.err = boom
		r.Prefetch()
		ok, err := r.Next()
		if ok || err != boom {
			t.Fatalf("Next = %v, %v; want false, boom", ok, err)
		}
		if r.absolutePosition != 10 {
			t.Errorf("absolutePosition = %d, want 10", r.absolutePosition)
		}
		if len(r.Buffered()) != 0 {
			t.Error("working buffer not emptied after failure")
		}

		// The reader stays usable once the source recovers.
		src.err = nil
		mustNext(t, r)
		if !bytes.Equal(r.Buffered(), src.data[10:20]) {
			t.Error("retry after failure returned wrong bytes")
		}
	})

	t.Run("read", func(t *testing.T) {
		src := newByteSource(100)
		src.err = boom
		r := newTestReader(t, &manualService{}, src, 10)

		if _, err := r.Read(make([]byte, 4)); err != boom {
			t.Fatalf("Read error = %v, want boom", err)
		}
	})
}

type oversizedSource struct{ byteSource }

func (s *oversizedSource) ReadAt(_ context.Context, p []byte, _ int64) (int, error) {
	return len(p) + 1, nil
}

func TestReader_RejectsOversizedResult(t *testing.T) {
	r := newTestReader(t, &manualService{}, &oversizedSource{}, 10)

	ok, err := r.Next()
	if ok || err == nil {
		t.Fatalf("Next = %v, %v; want an error", ok, err)
	}
	if r.absolutePosition != 0 {
		t.Errorf("absolutePosition = %d, want 0", r.absolutePosition)
	}
}

func TestReader_CloseDrainsPrefetch(t *testing.T) {
	src := newByteSource(100)
	svc := &manualService{}
	counters := NewCounters()
	r, err := NewReader(context.Background(), svc, src, 10, WithEvents(counters))
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}

	svc.setHold(true)
	r.Prefetch()
	pending := svc.future(0)
	go func() {
		time.Sleep(10 * time.Millisecond)
		svc.complete(0)
	}()

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case <-pending.Done():
	default:
		t.Fatal("Close returned before the prefetch resolved")
	}
	if got := counters.Get(EventUnusedCancelledPrefetch); got != 1 {
		t.Errorf("unused-cancelled = %d, want 1", got)
	}
	if got := counters.Get(EventSeekCancelledPrefetch); got != 0 {
		t.Errorf("seek-cancelled = %d, want 0", got)
	}

	if err := r.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if got := counters.Get(EventUnusedCancelledPrefetch); got != 1 {
		t.Errorf("second Close recorded another cancellation")
	}
}

func TestReader_UseAfterClose(t *testing.T) {
	r, err := NewReader(context.Background(), &manualService{}, newByteSource(10), 4)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	_ = r.Close()

	if _, err := r.Next(); !errors.Is(err, ErrClosed) {
		t.Errorf("Next: expected ErrClosed, got %v", err)
	}
	if _, err := r.Seek(0, io.SeekStart); !errors.Is(err, ErrClosed) {
		t.Errorf("Seek: expected ErrClosed, got %v", err)
	}
	if _, err := r.Read(make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Read: expected ErrClosed, got %v", err)
	}
	r.Prefetch()
	if r.Pending() {
		t.Error("Prefetch on closed reader submitted a request")
	}
}

func TestReader_ReadAheadWithPool(t *testing.T) {
	src := newByteSource(64 * 1024)
	pool := NewPool(4)
	defer func() { _ = pool.Close() }()

	counters := NewCounters()
	r := newTestReader(t, pool, src, 1000, WithReadAhead(), WithEvents(counters))

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, src.data) {
		t.Fatal("read-ahead stream does not match source")
	}

	if got := counters.Get(EventReadWithoutPrefetch); got != 1 {
		t.Errorf("reads without prefetch = %d, want 1", got)
	}
	if counters.Get(EventPrefetchRead) == 0 {
		t.Error("expected refills to consume prefetches")
	}
	if waits, _ := counters.Waits(); waits != counters.Get(EventBufferRead) {
		t.Errorf("waits = %d, buffer reads = %d", waits, counters.Get(EventBufferRead))
	}
}

func TestReader_PriorityAndContextReachRequests(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")
	svc := &manualService{}

	r, err := NewReader(ctx, svc, newByteSource(10), 4, WithPriority(7))
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer func() { _ = r.Close() }()

	mustNext(t, r)
	if got := svc.request(0).Priority; got != 7 {
		t.Errorf("priority = %d, want 7", got)
	}
	if svc.ctxs[0].Value(key{}) != "v" {
		t.Error("reader context not passed to Submit")
	}
}

func TestReader_TraceLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	src := newByteSource(100)
	r, err := NewReader(context.Background(), &manualService{}, src, 40, WithLogger(zap.New(core)))
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}

	mustNext(t, r)
	r.Prefetch()
	mustNext(t, r)
	if _, err := r.Seek(90, io.SeekStart); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	_ = r.Close()

	if n := logs.FilterMessage("prefetch issued").Len(); n != 1 {
		t.Errorf("prefetch issued logged %d times, want 1", n)
	}
	if n := logs.FilterMessage("seek outside buffer").Len(); n != 1 {
		t.Errorf("seek outside buffer logged %d times, want 1", n)
	}

	closed := logs.FilterMessage("reader closed").All()
	if len(closed) != 1 {
		t.Fatalf("reader closed logged %d times, want 1", len(closed))
	}
	fields := closed[0].ContextMap()
	want := map[string]int64{
		"prefetches":     1,
		"prefetch_reads": 1,
		"direct_reads":   1,
		"seeks":          1,
		"resets":         1,
		"bytes":          80,
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %v, want %d", k, fields[k], v)
		}
	}
}

func TestReader_SilentWithoutLogger(t *testing.T) {
	r := newTestReader(t, &manualService{}, newByteSource(10), 4)
	if r.logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("default logger should discard debug output")
	}
}
