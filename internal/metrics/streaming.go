package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stream end reasons.
const (
	StreamEndIdle       = "idle"
	StreamEndClient     = "client_gone"
	StreamEndError      = "error"
	StreamEndOpenFailed = "open_failed"
)

var (
	// StreamsActive counts HTTP clients currently following a timeshift buffer.
	StreamsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xg2g_timeshift_streams_active",
		Help: "HTTP clients currently following a timeshift buffer",
	}, []string{"stream"})

	// StreamFirstByteLatency tracks the time from request to the first byte served.
	StreamFirstByteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xg2g_timeshift_stream_first_byte_seconds",
		Help:    "Time from stream request to the first byte written to the client",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"from"})

	// StreamEndTotal tracks why served streams ended.
	StreamEndTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xg2g_timeshift_stream_end_total",
		Help: "Served timeshift streams by end reason",
	}, []string{"reason"})
)

// StreamStarted marks a client as following stream and returns the matching
// end hook.
func StreamStarted(stream string) func(reason string) {
	g := StreamsActive.WithLabelValues(stream)
	g.Inc()
	return func(reason string) {
		g.Dec()
		StreamEndTotal.WithLabelValues(reason).Inc()
	}
}

// ObserveStreamFirstByte records the first-byte latency for a start position.
func ObserveStreamFirstByte(from string, d time.Duration) {
	StreamFirstByteLatency.WithLabelValues(from).Observe(d.Seconds())
}
