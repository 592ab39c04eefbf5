package prefetch

import "go.uber.org/zap"

// DefaultBufferSize is the buffer size used by Open when none is configured.
const DefaultBufferSize = 1 << 20 // 1MiB

// readerConfig holds the resolved configuration for a Reader.
type readerConfig struct {
	priority  int
	events    EventSink
	logger    *zap.Logger
	readAhead bool
}

// Option configures Reader construction.
type Option func(*readerConfig)

// WithPriority sets the scheduling priority attached to every request the
// reader submits. Lower values run first. Default: 0.
func WithPriority(priority int) Option {
	return func(c *readerConfig) {
		c.priority = priority
	}
}

// WithEvents sets the sink receiving reader events. Default: discard.
func WithEvents(sink EventSink) Option {
	return func(c *readerConfig) {
		c.events = sink
	}
}

// WithLogger sets the logger used for debug tracing. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(c *readerConfig) {
		c.logger = l
	}
}

// WithReadAhead makes Read issue a prefetch after every refill, so the next
// chunk is fetched while the current one is consumed.
// Default: disabled; callers drive Prefetch explicitly.
func WithReadAhead() Option {
	return func(c *readerConfig) {
		c.readAhead = true
	}
}
