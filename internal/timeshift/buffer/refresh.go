package buffer

import (
	"context"
	"errors"
	"time"

	xglog "github.com/ManuGH/xg2g-timeshift/internal/log"
	"github.com/ManuGH/xg2g-timeshift/internal/metrics"
	"github.com/ManuGH/xg2g-timeshift/internal/telemetry"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/manifest"
	"go.opentelemetry.io/otel/trace"
)

// refreshLocked brings the segment list up to date with the manifest. Failures
// leave the previous list in effect and mark the reader stale; only
// timeshift.ErrStopping is meaningful to callers.
func (r *Reader) refreshLocked() error {
	var (
		res     manifest.Result
		err     error
		changed bool
	)
	for attempt := 1; ; attempt++ {
		res, err = r.manifest.Refresh(r.ctx, r.list.Version())
		if err != nil {
			break
		}
		if !res.Changed {
			r.list.SetWatermark(res.Snapshot.Watermark)
			break
		}
		err = r.reconcileLocked(res)
		if err == nil {
			changed = true
			break
		}
		if !errors.Is(err, timeshift.ErrMembershipMismatch) || attempt >= r.opts.ReconcileAttempts {
			break
		}
		r.log.Debug().Err(err).Int(xglog.FieldAttempt, attempt).Msg("snapshot does not match segment list, refreshing again")
	}
	if err != nil && (r.stopping.Load() || errors.Is(err, context.Canceled)) {
		err = timeshift.ErrStopping
	}
	r.recordRefresh(changed, err)
	return err
}

func (r *Reader) reconcileLocked(res manifest.Result) error {
	snap := res.Snapshot
	ctx, span := r.tracer.Start(r.ctx, "timeshift.reconcile",
		trace.WithAttributes(telemetry.ReaderAttributes(r.path, r.id)...),
		trace.WithAttributes(telemetry.RefreshAttributes(snap.Added, snap.Removed, snap.Watermark, res.Attempts)...),
	)
	defer span.End()

	change, err := r.list.Reconcile(ctx, snap)
	if err != nil {
		spanError(span, err)
		return err
	}
	if change.Reset {
		// The open file belongs to the previous recording.
		r.dropHandleLocked()
	}
	span.SetAttributes(telemetry.MembershipAttributes(change.Evicted, change.Appended, r.list.Len(), change.Reset)...)
	metrics.AddMembershipChange(change.Appended, change.Evicted)

	r.log.Debug().
		Int32(xglog.FieldAdded, snap.Added).
		Int32(xglog.FieldRemoved, snap.Removed).
		Int64(xglog.FieldWatermark, snap.Watermark).
		Int(xglog.FieldFileCount, r.list.Len()).
		Int("evicted", change.Evicted).
		Int("appended", change.Appended).
		Int64(xglog.FieldStart, r.list.Start()).
		Int64(xglog.FieldEnd, r.list.End()).
		Msg("segment list reconciled")
	return nil
}

func (r *Reader) recordRefresh(changed bool, err error) {
	if err == nil {
		if changed {
			metrics.IncManifestRefresh(metrics.RefreshChanged)
		} else {
			metrics.IncManifestRefresh(metrics.RefreshUnchanged)
		}
		if r.stale {
			r.log.Info().
				Str(xglog.FieldEvent, "buffer.recovered").
				Int("failures", r.failures).
				Msg("manifest refresh recovered")
		}
		r.stale = false
		r.failures = 0
		r.lastErr = nil
		r.lastRefresh = time.Now()
		return
	}

	metrics.IncManifestRefresh(refreshResult(err))
	if errors.Is(err, timeshift.ErrStopping) {
		return
	}
	r.failures++
	r.lastErr = err
	if !r.stale {
		r.stale = true
		r.log.Warn().
			Err(err).
			Str(xglog.FieldEvent, "buffer.stale").
			Str(xglog.FieldReasonCode, refreshResult(err)).
			Msg("manifest refresh failed, serving previous snapshot")
		return
	}
	r.log.Debug().Err(err).Int("failures", r.failures).Msg("manifest refresh still failing")
}

func refreshResult(err error) string {
	switch {
	case errors.Is(err, timeshift.ErrStopping):
		return metrics.RefreshStopping
	case errors.Is(err, timeshift.ErrMembershipMismatch):
		return metrics.RefreshMismatch
	case errors.Is(err, timeshift.ErrTorn):
		return metrics.RefreshTorn
	case errors.Is(err, timeshift.ErrOpenFailed):
		return metrics.RefreshOpenFailed
	default:
		return metrics.RefreshUnknown
	}
}
