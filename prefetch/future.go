package prefetch

import "sync"

// Future is the single-resolution result of an asynchronous read.
//
// It resolves exactly once to the number of bytes read or an error. Waiting
// on a resolved future returns the same values every time, so a result may
// be discarded after Wait without any further cleanup.
type Future struct {
	once sync.Once
	done chan struct{}
	n    int
	err  error
}

// NewFuture returns an unresolved Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a Future already resolved to (n, err).
func Resolved(n int, err error) *Future {
	f := NewFuture()
	f.Resolve(n, err)
	return f
}

// Resolve sets the result. Only the first call has an effect.
func (f *Future) Resolve(n int, err error) {
	f.once.Do(func() {
		f.n = n
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed once the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves and returns its result.
func (f *Future) Wait() (int, error) {
	<-f.done
	return f.n, f.err
}
