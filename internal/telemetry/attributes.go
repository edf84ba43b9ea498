// SPDX-License-Identifier: MIT

package telemetry

import (
	"errors"

	"github.com/ManuGH/xg2g-timeshift/internal/timeshift"
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for refresh and read spans.
const (
	ManifestPathKey     = "timeshift.manifest"
	ReaderIDKey         = "timeshift.reader_id"
	VersionAddedKey     = "timeshift.added"
	VersionRemovedKey   = "timeshift.removed"
	WatermarkKey        = "timeshift.watermark"
	SegmentsEvictedKey  = "timeshift.segments.evicted"
	SegmentsAppendedKey = "timeshift.segments.appended"
	SegmentCountKey     = "timeshift.segments.count"
	AttemptsKey         = "timeshift.attempts"
	ResetKey            = "timeshift.reset"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// ReaderAttributes identifies the reader a span belongs to.
func ReaderAttributes(manifestPath, readerID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if manifestPath != "" {
		attrs = append(attrs, attribute.String(ManifestPathKey, manifestPath))
	}
	if readerID != "" {
		attrs = append(attrs, attribute.String(ReaderIDKey, readerID))
	}
	return attrs
}

// RefreshAttributes describes an accepted membership change.
func RefreshAttributes(added, removed int32, watermark int64, attempts int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(VersionAddedKey, int(added)),
		attribute.Int(VersionRemovedKey, int(removed)),
		attribute.Int64(WatermarkKey, watermark),
		attribute.Int(AttemptsKey, attempts),
	}
}

// MembershipAttributes describes the effect of a reconcile on the segment list.
func MembershipAttributes(evicted, appended, count int, reset bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(SegmentsEvictedKey, evicted),
		attribute.Int(SegmentsAppendedKey, appended),
		attribute.Int(SegmentCountKey, count),
		attribute.Bool(ResetKey, reset),
	}
}

// ErrorAttributes classifies err by its timeshift sentinel.
func ErrorAttributes(err error) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, ErrorType(err)),
	}
}

// ErrorType returns a bounded label for err.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, timeshift.ErrStopping):
		return "stopping"
	case errors.Is(err, timeshift.ErrMembershipMismatch):
		return "membership_mismatch"
	case errors.Is(err, timeshift.ErrTorn):
		return "torn"
	case errors.Is(err, timeshift.ErrOpenFailed):
		return "open_failed"
	case errors.Is(err, timeshift.ErrInvalidHandle):
		return "invalid_handle"
	default:
		return "unknown"
	}
}
