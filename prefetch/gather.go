package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Object is one part of a gathered stream.
type Object struct {
	// Path is the object's path within the store.
	Path string

	// Size is the object size in bytes.
	Size int64
}

// Gather is a RangeSource that presents an ordered list of objects as one
// contiguous byte stream.
//
// Gather keeps a cursor: the object currently being streamed and the
// logical offset its open body is positioned at. A read that continues
// where the previous one stopped reuses the open body; any other read
// reopens at the requested offset. Reset closes the body.
type Gather struct {
	store   Store
	opener  RangeOpener // nil when the store only supports ReadRange
	objects []Object
	starts  []int64
	size    int64

	mu     sync.Mutex
	body   io.ReadCloser
	index  int
	cursor int64
	resets int
}

// NewGather stats each path in order and returns a Gather over them.
func NewGather(ctx context.Context, store Store, paths ...string) (*Gather, error) {
	if store == nil {
		return nil, errors.New("prefetch: store is required")
	}

	objects := make([]Object, 0, len(paths))
	for _, p := range paths {
		size, err := store.Stat(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("prefetch: stat %s: %w", p, err)
		}
		objects = append(objects, Object{Path: p, Size: size})
	}
	return NewGatherObjects(store, objects...)
}

// NewGatherObjects returns a Gather over objects with known sizes.
func NewGatherObjects(store Store, objects ...Object) (*Gather, error) {
	if store == nil {
		return nil, errors.New("prefetch: store is required")
	}

	g := &Gather{
		store:   store,
		objects: objects,
		starts:  make([]int64, len(objects)),
	}
	if o, ok := store.(RangeOpener); ok {
		g.opener = o
	}

	for i, obj := range objects {
		if obj.Size < 0 {
			return nil, fmt.Errorf("prefetch: object %s has negative size %d", obj.Path, obj.Size)
		}
		g.starts[i] = g.size
		g.size += obj.Size
	}
	return g, nil
}

// Size returns the total length of the gathered stream.
func (g *Gather) Size() int64 {
	return g.size
}

// Objects returns the gathered objects in stream order.
func (g *Gather) Objects() []Object {
	return g.objects
}

// Resets returns how many times Reset has been called.
func (g *Gather) Resets() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resets
}

// ReadAt implements RangeSource.
func (g *Gather) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for n < len(p) && off+int64(n) < g.size {
		pos := off + int64(n)
		idx := g.locate(pos)
		obj := g.objects[idx]
		within := pos - g.starts[idx]

		want := len(p) - n
		if remain := obj.Size - within; remain < int64(want) {
			want = int(remain)
		}

		m, err := g.readObject(ctx, idx, pos, within, p[n:n+want])
		n += m
		if err != nil {
			return n, err
		}
		if m < want {
			// The object is shorter than its recorded size.
			break
		}
	}
	return n, nil
}

// Reset implements RangeSource.
func (g *Gather) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closeBody()
	g.resets++
}

// Close releases the open body, if any.
func (g *Gather) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.body == nil {
		return nil
	}
	err := g.body.Close()
	g.body = nil
	return err
}

// locate returns the index of the object containing pos. pos must be below
// g.size.
func (g *Gather) locate(pos int64) int {
	return sort.Search(len(g.objects), func(i int) bool {
		return g.starts[i]+g.objects[i].Size > pos
	})
}

func (g *Gather) readObject(ctx context.Context, idx int, pos, within int64, buf []byte) (int, error) {
	path := g.objects[idx].Path

	if g.opener == nil {
		data, err := g.store.ReadRange(ctx, path, within, int64(len(buf)))
		if err != nil {
			return 0, fmt.Errorf("prefetch: read %s at %d: %w", path, within, err)
		}
		return copy(buf, data), nil
	}

	if g.body == nil || g.index != idx || g.cursor != pos {
		g.closeBody()
		body, err := g.opener.OpenRange(ctx, path, within)
		if err != nil {
			return 0, fmt.Errorf("prefetch: open %s at %d: %w", path, within, err)
		}
		g.body = body
		g.index = idx
		g.cursor = pos
	}

	n, err := io.ReadFull(g.body, buf)
	g.cursor += int64(n)
	if err != nil {
		g.closeBody()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return n, nil
		}
		return n, fmt.Errorf("prefetch: read %s at %d: %w", path, within, err)
	}
	return n, nil
}

func (g *Gather) closeBody() {
	if g.body != nil {
		_ = g.body.Close()
		g.body = nil
	}
}

var _ RangeSource = (*Gather)(nil)
