package prefetch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the worker count used when a Pool is created with a
// non-positive size.
const DefaultWorkers = 16

// -----------------------------------------------------------------------------
// Pool
// -----------------------------------------------------------------------------

// Pool is an AsyncReader backed by a fixed set of worker goroutines.
//
// Queued requests are ordered by priority (lower first) and then by
// submission order. Pool is safe for concurrent use and may be shared by
// many Readers.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  requestQueue
	seq    uint64
	closed bool

	group  *errgroup.Group
	logger *zap.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the logger used for worker diagnostics.
func WithPoolLogger(l *zap.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPool starts a pool with the given number of workers.
func NewPool(workers int, opts ...PoolOption) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	p := &Pool{
		group:  &errgroup.Group{},
		logger: zap.NewNop(),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}

	p.logger.Debug("read pool started", zap.Int("workers", workers))
	return p
}

// Submit queues req and returns its Future.
// Submitting to a closed pool returns a future resolved with ErrClosed.
func (p *Pool) Submit(ctx context.Context, req Request) *Future {
	f := NewFuture()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		f.Resolve(0, ErrClosed)
		return f
	}
	p.seq++
	heap.Push(&p.queue, &queuedRequest{
		ctx:    ctx,
		req:    req,
		future: f,
		seq:    p.seq,
	})
	p.mu.Unlock()
	p.cond.Signal()

	return f
}

// Close stops the workers after their current request and resolves any
// queued requests with ErrClosed. Close waits for the workers to exit.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()
	p.cond.Broadcast()

	for _, q := range queued {
		q.future.Resolve(0, ErrClosed)
	}

	return p.group.Wait()
}

func (p *Pool) work() error {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return nil
		}
		q := heap.Pop(&p.queue).(*queuedRequest)
		p.mu.Unlock()

		q.future.Resolve(execute(q.ctx, q.req))
	}
}

// execute performs req on the calling goroutine.
func execute(ctx context.Context, req Request) (n int, err error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if req.Source == nil {
		return 0, errors.New("prefetch: request has no source")
	}

	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("prefetch: read at %d panicked: %v", req.Offset, r)
		}
	}()

	return req.Source.ReadAt(ctx, req.Buf, req.Offset)
}

// -----------------------------------------------------------------------------
// InlineReader
// -----------------------------------------------------------------------------

// InlineReader is an AsyncReader that performs each read on the submitting
// goroutine and returns an already resolved Future. Prefetches issued
// through it do not overlap with consumption.
type InlineReader struct{}

// Submit executes req immediately.
func (InlineReader) Submit(ctx context.Context, req Request) *Future {
	return Resolved(execute(ctx, req))
}

// -----------------------------------------------------------------------------
// Priority queue
// -----------------------------------------------------------------------------

type queuedRequest struct {
	ctx    context.Context
	req    Request
	future *Future
	seq    uint64
}

// requestQueue implements heap.Interface.
type requestQueue []*queuedRequest

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority < q[j].req.Priority
	}
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *requestQueue) Push(x any) { *q = append(*q, x.(*queuedRequest)) }

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

var (
	_ AsyncReader = (*Pool)(nil)
	_ AsyncReader = InlineReader{}
)
