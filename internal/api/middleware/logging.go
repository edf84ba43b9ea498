package middleware

import (
	"net/http"
	"time"

	"github.com/ManuGH/xg2g-timeshift/internal/log"
)

// AccessLog writes one structured line per finished request. Streaming
// requests are logged when the client goes away.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)
		annotateSpan(r)

		logger := log.WithComponentFromContext(r.Context(), "http")
		ev := logger.Info()
		if sw.statusCode >= 500 {
			ev = logger.Error()
		}
		ev.Str(log.FieldEvent, "http.request").
			Str("method", r.Method).
			Str(log.FieldPath, r.URL.Path).
			Int("status", sw.statusCode).
			Int64("bytes", sw.bytesWritten).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr)
		if traceID, spanID := traceIDs(r); traceID != "" {
			ev.Str("trace_id", traceID).Str("span_id", spanID)
		}
		ev.Msg("request completed")
	})
}
