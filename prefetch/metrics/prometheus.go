// Package metrics exports Reader events to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pithecene-io/prefetch/prefetch"
)

// readerMetrics is the Prometheus implementation of prefetch.EventSink.
type readerMetrics struct {
	events   *prometheus.CounterVec
	waitTime prometheus.Histogram
	waiting  prometheus.Gauge

	// Resolved per event so Inc does not hash label values.
	counters []prometheus.Counter
}

// NewEventSink registers the reader collectors with reg and returns a sink
// feeding them. A nil reg registers with prometheus.DefaultRegisterer.
//
// One sink should be shared by all readers of a process; registering twice
// with the same registerer panics.
func NewEventSink(reg prometheus.Registerer) prefetch.EventSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &readerMetrics{
		events: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "prefetch_reader_events_total",
				Help: "Total number of prefetching reader events by type",
			},
			[]string{"event"},
		),
		waitTime: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "prefetch_reader_wait_seconds",
				Help: "Time a buffer refill blocked on its read",
				Buckets: []float64{
					0.0001, // 100µs - prefetch already resolved
					0.001,  // 1ms
					0.005,  // 5ms
					0.01,   // 10ms - local network round trip
					0.05,   // 50ms
					0.1,    // 100ms - object store first byte
					0.5,    // 500ms
					1,      // 1s
					5,      // 5s - large chunk on slow link
				},
			},
		),
		waiting: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "prefetch_reader_waiting",
				Help: "Number of buffer refills currently blocked on a read",
			},
		),
	}

	for _, e := range prefetch.Events() {
		m.counters = append(m.counters, m.events.WithLabelValues(e.String()))
	}
	return m
}

func (m *readerMetrics) Inc(e prefetch.Event) {
	if e < 0 || int(e) >= len(m.counters) {
		return
	}
	m.counters[e].Inc()
}

func (m *readerMetrics) ObserveWait(d time.Duration) {
	m.waitTime.Observe(d.Seconds())
}

func (m *readerMetrics) AddWaiting(delta int) {
	m.waiting.Add(float64(delta))
}
