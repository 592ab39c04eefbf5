package prefetch

import (
	"context"
	"sync"
)

// byteSource is a RangeSource over an in-memory byte slice that records
// every read and reset.
type byteSource struct {
	mu      sync.Mutex
	data    []byte
	err     error // returned by ReadAt when set
	offsets []int64
	resets  int
}

func newByteSource(size int) *byteSource {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return &byteSource{data: data}
}

func (s *byteSource) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.offsets = append(s.offsets, off)
	if s.err != nil {
		return 0, s.err
	}
	if off >= int64(len(s.data)) {
		return 0, nil
	}
	return copy(p, s.data[off:]), nil
}

func (s *byteSource) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *byteSource) reads() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.offsets...)
}

func (s *byteSource) resetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// manualService is an AsyncReader that executes requests immediately
// unless hold is set, in which case their futures stay unresolved until
// the test calls complete.
type manualService struct {
	mu       sync.Mutex
	hold     bool
	requests []Request
	futures  []*Future
	ctxs     []context.Context
}

func (m *manualService) Submit(ctx context.Context, req Request) *Future {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := NewFuture()
	m.requests = append(m.requests, req)
	m.futures = append(m.futures, f)
	m.ctxs = append(m.ctxs, ctx)
	if !m.hold {
		f.Resolve(execute(ctx, req))
	}
	return f
}

func (m *manualService) setHold(hold bool) {
	m.mu.Lock()
	m.hold = hold
	m.mu.Unlock()
}

func (m *manualService) future(i int) *Future {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.futures[i]
}

// complete executes request i against its source and resolves its future.
func (m *manualService) complete(i int) {
	m.mu.Lock()
	req, f, ctx := m.requests[i], m.futures[i], m.ctxs[i]
	m.mu.Unlock()

	f.Resolve(execute(ctx, req))
}

func (m *manualService) submitted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *manualService) request(i int) Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}
