package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manifest refresh outcomes.
const (
	RefreshUnchanged  = "unchanged"
	RefreshChanged    = "changed"
	RefreshTorn       = "torn"
	RefreshMismatch   = "mismatch"
	RefreshOpenFailed = "open_failed"
	RefreshStopping   = "stopping"
	RefreshUnknown    = "unknown"
	ReadAheadOK       = "ok"
	ReadAheadError    = "error"
	ReadAheadSkipped  = "skipped"
)

var (
	manifestRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xg2g_timeshift_manifest_refresh_total",
		Help: "Manifest refresh cycles by outcome",
	}, []string{"result"})

	manifestRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xg2g_timeshift_manifest_retries_total",
		Help: "Manifest read attempts rejected by the double-read self-check",
	})

	segmentOpenRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xg2g_timeshift_segment_open_retries_total",
		Help: "Segment/manifest open attempts that failed and were retried",
	})

	membershipChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xg2g_timeshift_membership_segments_total",
		Help: "Segments appended or evicted during manifest reconciliation",
	}, []string{"op"})

	readBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xg2g_timeshift_read_bytes_total",
		Help: "Bytes served from the virtual timeshift stream",
	})

	liveEdgeReadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xg2g_timeshift_live_edge_reads_total",
		Help: "Reads that returned no data because the cursor sits at the live edge",
	})

	segmentSwitchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xg2g_timeshift_segment_switches_total",
		Help: "Cursor handle switches between physical segments",
	})

	readAheadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xg2g_timeshift_readahead_total",
		Help: "Cache-defeat reads against the upcoming segment by result",
	}, []string{"result"})
)

// IncManifestRefresh records one refresh cycle outcome.
// result ∈ {unchanged,changed,torn,mismatch,open_failed,stopping,unknown}
func IncManifestRefresh(result string) {
	manifestRefreshTotal.WithLabelValues(normalizeRefreshResult(result)).Inc()
}

// IncManifestRetry records one rejected manifest attempt.
func IncManifestRetry() {
	manifestRetriesTotal.Inc()
}

// IncSegmentOpenRetry records one failed open attempt that will be retried.
func IncSegmentOpenRetry() {
	segmentOpenRetriesTotal.Inc()
}

// AddMembershipChange records appended and evicted segment counts.
func AddMembershipChange(appended, evicted int) {
	if appended > 0 {
		membershipChangesTotal.WithLabelValues("appended").Add(float64(appended))
	}
	if evicted > 0 {
		membershipChangesTotal.WithLabelValues("evicted").Add(float64(evicted))
	}
}

// AddReadBytes records bytes handed to the consumer.
func AddReadBytes(n int) {
	if n > 0 {
		readBytesTotal.Add(float64(n))
	}
}

// IncLiveEdgeRead records a read that found no data beyond the cursor.
func IncLiveEdgeRead() {
	liveEdgeReadsTotal.Inc()
}

// IncSegmentSwitch records a cursor handle switch.
func IncSegmentSwitch() {
	segmentSwitchesTotal.Inc()
}

// IncReadAhead records one read-ahead outcome.
// result ∈ {ok,error,skipped}
func IncReadAhead(result string) {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case ReadAheadOK, ReadAheadError, ReadAheadSkipped:
		readAheadTotal.WithLabelValues(strings.ToLower(strings.TrimSpace(result))).Inc()
	default:
		readAheadTotal.WithLabelValues(ReadAheadError).Inc()
	}
}

func normalizeRefreshResult(result string) string {
	switch r := strings.ToLower(strings.TrimSpace(result)); r {
	case RefreshUnchanged, RefreshChanged, RefreshTorn, RefreshMismatch, RefreshOpenFailed, RefreshStopping:
		return r
	default:
		return RefreshUnknown
	}
}
