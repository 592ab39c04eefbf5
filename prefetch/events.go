package prefetch

import (
	"sync/atomic"
	"time"
)

// Event identifies an observable Reader occurrence.
type Event int

// Reader events.
const (
	// EventBufferCreated is recorded once per NewReader.
	EventBufferCreated Event = iota
	// EventBufferRead is recorded on every refill attempt.
	EventBufferRead
	// EventSeek is recorded on every Seek call.
	EventSeek
	// EventPrefetch is recorded when a prefetch is submitted.
	EventPrefetch
	// EventPrefetchRead is recorded when a refill consumes a pending prefetch.
	EventPrefetchRead
	// EventReadWithoutPrefetch is recorded when a refill reads synchronously.
	EventReadWithoutPrefetch
	// EventSeekCancelledPrefetch is recorded when a seek outside the
	// resident window discards a pending prefetch.
	EventSeekCancelledPrefetch
	// EventUnusedCancelledPrefetch is recorded when Close discards a
	// pending prefetch.
	EventUnusedCancelledPrefetch
	eventMax // sentinel for validation
)

var eventNames = [eventMax]string{
	EventBufferCreated:           "buffer_created",
	EventBufferRead:              "buffer_read",
	EventSeek:                    "seek",
	EventPrefetch:                "prefetch",
	EventPrefetchRead:            "prefetch_read",
	EventReadWithoutPrefetch:     "read_without_prefetch",
	EventSeekCancelledPrefetch:   "seek_cancelled_prefetch",
	EventUnusedCancelledPrefetch: "unused_cancelled_prefetch",
}

// String returns the event's metric label.
func (e Event) String() string {
	if e < 0 || e >= eventMax {
		return "unknown"
	}
	return eventNames[e]
}

// Events returns all defined events in declaration order.
func Events() []Event {
	out := make([]Event, 0, eventMax)
	for e := Event(0); e < eventMax; e++ {
		out = append(out, e)
	}
	return out
}

// EventSink receives Reader observations. Implementations must be safe for
// concurrent use when shared across readers.
type EventSink interface {
	// Inc records one occurrence of e.
	Inc(e Event)

	// ObserveWait records how long a refill blocked on a pending read.
	ObserveWait(d time.Duration)

	// AddWaiting adjusts the number of refills currently blocked on a read.
	AddWaiting(delta int)
}

type nopSink struct{}

func (nopSink) Inc(Event)                 {}
func (nopSink) ObserveWait(time.Duration) {}
func (nopSink) AddWaiting(int)            {}

// -----------------------------------------------------------------------------
// Counters
// -----------------------------------------------------------------------------

// Counters is an in-process EventSink backed by atomic counters.
type Counters struct {
	counts    [eventMax]atomic.Int64
	waits     atomic.Int64
	waitNanos atomic.Int64
	waiting   atomic.Int64
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{}
}

// Inc implements EventSink.
func (c *Counters) Inc(e Event) {
	if e < 0 || e >= eventMax {
		return
	}
	c.counts[e].Add(1)
}

// ObserveWait implements EventSink.
func (c *Counters) ObserveWait(d time.Duration) {
	c.waits.Add(1)
	c.waitNanos.Add(int64(d))
}

// AddWaiting implements EventSink.
func (c *Counters) AddWaiting(delta int) {
	c.waiting.Add(int64(delta))
}

// Waiting returns the number of refills currently blocked on a read.
func (c *Counters) Waiting() int64 {
	return c.waiting.Load()
}

// Get returns the number of times e was recorded.
func (c *Counters) Get(e Event) int64 {
	if e < 0 || e >= eventMax {
		return 0
	}
	return c.counts[e].Load()
}

// Waits returns the number of observed waits and their total duration.
func (c *Counters) Waits() (int64, time.Duration) {
	return c.waits.Load(), time.Duration(c.waitNanos.Load())
}

// Tee returns a sink that forwards to every given sink.
func Tee(sinks ...EventSink) EventSink {
	return teeSink(sinks)
}

type teeSink []EventSink

func (t teeSink) Inc(e Event) {
	for _, s := range t {
		s.Inc(e)
	}
}

func (t teeSink) ObserveWait(d time.Duration) {
	for _, s := range t {
		s.ObserveWait(d)
	}
}

func (t teeSink) AddWaiting(delta int) {
	for _, s := range t {
		s.AddWaiting(delta)
	}
}

var (
	_ EventSink = (*Counters)(nil)
	_ EventSink = nopSink{}
)
