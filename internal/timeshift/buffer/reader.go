// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package buffer presents a producer's rolling segment files as one seekable,
// continuously growing byte stream.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	xglog "github.com/ManuGH/xg2g-timeshift/internal/log"
	"github.com/ManuGH/xg2g-timeshift/internal/metrics"
	"github.com/ManuGH/xg2g-timeshift/internal/telemetry"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/manifest"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/segfile"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/segments"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Reader is a virtual stream over the segments listed in a manifest. It is meant
// for a single consumer goroutine; Close and Status may be called concurrently.
type Reader struct {
	id     string
	path   string
	opts   Options
	log    zerolog.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	stopping atomic.Bool
	// cur is the handle of the segment under the cursor. Written under mu,
	// loaded lock-free by Close.
	cur atomic.Pointer[segfile.Handle]

	mu       sync.Mutex
	closed   bool
	manifest *manifest.Reader
	list     *segments.List
	cursor   int64
	state    cursorState
	curSeq   int64
	curPos   int64

	readAheadEnabled bool
	// ra is started under mu and loaded lock-free by Close.
	ra atomic.Pointer[readAhead]

	stale       bool
	failures    int
	lastErr     error
	lastRefresh time.Time
}

// Open opens the manifest and performs the initial refresh. Only a manifest that
// cannot be opened at all is fatal; a torn first refresh leaves the reader empty
// and stale until a later refresh succeeds.
func Open(ctx context.Context, manifestPath string, opts Options) (*Reader, error) {
	opts = opts.withDefaults()
	id := uuid.NewString()

	base := xglog.WithComponentFromContext(ctx, "buffer")
	if opts.Logger != nil {
		base = *opts.Logger
	}
	logger := base.With().
		Str(xglog.FieldReaderID, id).
		Str(xglog.FieldManifest, manifestPath).
		Logger()

	if opts.WaitForManifest > 0 {
		if err := WaitForManifest(ctx, logger, manifestPath, opts.WaitForManifest); err != nil {
			return nil, &timeshift.Error{Sentinel: timeshift.ErrOpenFailed, Op: "wait", Path: manifestPath, Attempts: 1, Err: err}
		}
	}

	mopts := opts.Manifest
	if mopts.Logger == nil {
		mopts.Logger = &logger
	}
	if opts.Segment.Logger == nil {
		opts.Segment.Logger = &logger
	}
	mr := manifest.NewReader(manifestPath, mopts)
	if err := mr.Open(ctx); err != nil {
		return nil, err
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Reader{
		id:               id,
		path:             manifestPath,
		opts:             opts,
		log:              logger,
		tracer:           telemetry.Tracer(),
		ctx:              rctx,
		cancel:           cancel,
		manifest:         mr,
		list:             segments.NewList(mr.Dir(), opts.Resolver, opts.Prober, &logger),
		curSeq:           -1,
		readAheadEnabled: opts.ReadAhead,
	}

	r.mu.Lock()
	err := r.refreshLocked()
	if err == nil {
		r.cursor = r.list.Start()
	}
	if r.readAheadEnabled {
		r.startReadAheadLocked()
	}
	r.mu.Unlock()

	r.log.Info().
		Str(xglog.FieldEvent, "buffer.open").
		Int(xglog.FieldFileCount, r.list.Len()).
		Int64(xglog.FieldStart, r.list.Start()).
		Int64(xglog.FieldEnd, r.list.End()).
		Bool("stale", err != nil).
		Msg("timeshift reader opened")
	return r, nil
}

// ID returns the reader's instance id.
func (r *Reader) ID() string { return r.id }

// Path returns the manifest path.
func (r *Reader) Path() string { return r.path }

func (r *Reader) lockLive() error {
	if r.stopping.Load() {
		return timeshift.ErrStopping
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return timeshift.ErrClosed
	}
	return nil
}

// Seek moves the cursor and returns the new virtual position. The target is
// clamped into [start, end]; io.SeekEnd is relative to the freshly refreshed end.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	if err := r.lockLive(); err != nil {
		return 0, err
	}
	defer r.mu.Unlock()

	if err := r.refreshLocked(); errors.Is(err, timeshift.ErrStopping) {
		return 0, err
	}
	start, end := r.list.Start(), r.list.End()
	r.cursor = clamp(r.cursor, start, end)

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = r.cursor
	case io.SeekEnd:
		base = end
	default:
		return r.cursor, fmt.Errorf("seek: invalid whence %d", whence)
	}
	requested := addSaturated(base, offset)
	target := clamp(requested, start, end)
	if target != requested {
		r.log.Debug().
			Int64("requested", requested).
			Int64(xglog.FieldOffset, target).
			Msg("seek clamped")
	}
	r.cursor = target
	r.maybeReadAheadLocked()
	return target, nil
}

// Read reads from the cursor, crossing into following segments as needed. At the
// live edge it returns 0 and timeshift.ErrPartialRead; callers retry later.
func (r *Reader) Read(p []byte) (int, error) {
	if err := r.lockLive(); err != nil {
		return 0, err
	}
	defer r.mu.Unlock()
	if len(p) == 0 {
		return 0, nil
	}

	if err := r.refreshLocked(); errors.Is(err, timeshift.ErrStopping) {
		return 0, err
	}
	n, err := r.readLocked(p)
	metrics.AddReadBytes(n)
	r.maybeReadAheadLocked()
	if n == 0 && err == nil {
		metrics.IncLiveEdgeRead()
		return 0, timeshift.ErrPartialRead
	}
	return n, err
}

func (r *Reader) readLocked(p []byte) (int, error) {
	start, end := r.list.Start(), r.list.End()
	if r.cursor < start {
		r.log.Debug().
			Int64(xglog.FieldCursor, r.cursor).
			Int64(xglog.FieldStart, start).
			Msg("cursor segment evicted, skipping forward")
		r.cursor = start
	}
	if r.cursor > end {
		r.cursor = end
	}

	total := 0
	for total < len(p) {
		idx, ok := r.list.Locate(r.cursor)
		if !ok {
			break
		}
		seg := r.list.At(idx)
		h, err := r.switchLocked(seg)
		if err != nil {
			return r.partial(total, err)
		}

		local := r.cursor - seg.StartOffset
		if r.curPos != local {
			if _, err := h.Seek(local, io.SeekStart); err != nil {
				r.dropHandleLocked()
				return r.partial(total, err)
			}
			r.curPos = local
		}

		want := min(int64(len(p)-total), seg.End()-r.cursor)
		n, err := h.Read(p[total : total+int(want)])
		total += n
		r.cursor += int64(n)
		r.curPos += int64(n)
		if err != nil {
			if errors.Is(err, timeshift.ErrPastEnd) {
				// The watermark is ahead of what this client can see yet.
				break
			}
			r.dropHandleLocked()
			return r.partial(total, err)
		}
		if int64(n) < want {
			break
		}
	}
	return total, nil
}

// partial returns bytes already copied without an error; the failure resurfaces
// on the next call.
func (r *Reader) partial(n int, err error) (int, error) {
	if n > 0 && !errors.Is(err, timeshift.ErrStopping) {
		r.log.Debug().Err(err).Int(xglog.FieldLength, n).Msg("read interrupted, returning partial data")
		return n, nil
	}
	return n, err
}

// switchLocked makes seg the current segment, reopening only when it changed.
func (r *Reader) switchLocked(seg segments.Segment) (*segfile.Handle, error) {
	if h := r.cur.Load(); r.state == stateCurrent && h != nil && r.curSeq == seg.SequenceID {
		return h, nil
	}
	old := r.state
	r.dropHandleLocked()
	r.state = stateSwitching

	h := segfile.New(seg.Path, r.opts.Segment)
	r.cur.Store(h)
	if r.stopping.Load() {
		h.SetCancelling(true)
	}
	if err := h.Open(r.ctx); err != nil {
		r.cur.Store(nil)
		r.state = stateNone
		return nil, err
	}
	r.curSeq = seg.SequenceID
	r.curPos = 0
	r.state = stateCurrent
	metrics.IncSegmentSwitch()
	r.log.Debug().
		Str(xglog.FieldOldState, old.String()).
		Str(xglog.FieldNewState, r.state.String()).
		Str(xglog.FieldSegment, seg.Filename).
		Int64(xglog.FieldSequenceID, seg.SequenceID).
		Msg("cursor switched segment")
	return h, nil
}

func (r *Reader) dropHandleLocked() {
	if h := r.cur.Swap(nil); h != nil {
		if err := h.Close(); err != nil {
			r.log.Debug().Err(err).Str(xglog.FieldPath, h.Path()).Msg("close segment handle")
		}
	}
	r.curSeq = -1
	r.curPos = 0
	r.state = stateNone
}

// Length refreshes and returns the virtual end position.
func (r *Reader) Length() (int64, error) {
	_, end, err := r.Bounds()
	return end, err
}

// Bounds refreshes and returns the reachable range [start, end).
func (r *Reader) Bounds() (int64, int64, error) {
	if err := r.lockLive(); err != nil {
		return 0, 0, err
	}
	defer r.mu.Unlock()
	if err := r.refreshLocked(); errors.Is(err, timeshift.ErrStopping) {
		return 0, 0, err
	}
	return r.list.Start(), r.list.End(), nil
}

// Position returns the cursor without refreshing.
func (r *Reader) Position() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Segments returns a copy of the current segment list.
func (r *Reader) Segments() []segments.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list.Segments()
}

// Status reports the reader's view without refreshing.
func (r *Reader) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.list.Version()
	st := Status{
		ReaderID:            r.id,
		Manifest:            r.path,
		Added:               v.Added,
		Removed:             v.Removed,
		Start:               r.list.Start(),
		End:                 r.list.End(),
		Position:            r.cursor,
		Segments:            r.list.Len(),
		Cursor:              r.state.String(),
		Stale:               r.stale,
		ConsecutiveFailures: r.failures,
		LastError:           r.lastErr,
		LastRefresh:         r.lastRefresh,
		ReadAheadEnabled:    r.readAheadEnabled,
		Closed:              r.closed,
	}
	if r.lastErr != nil {
		st.LastErrorMessage = r.lastErr.Error()
	}
	return st
}

// SetReadAheadEnabled toggles the cache-defeat task, starting it on first use.
func (r *Reader) SetReadAheadEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.readAheadEnabled == enabled {
		return
	}
	r.readAheadEnabled = enabled
	if enabled {
		r.startReadAheadLocked()
		r.maybeReadAheadLocked()
	}
	r.log.Debug().Bool("enabled", enabled).Msg("read-ahead toggled")
}

func (r *Reader) startReadAheadLocked() {
	if r.ra.Load() != nil || r.stopping.Load() {
		return
	}
	ra := newReadAhead(r.opts.ReadAheadSize, r.opts.ReadAheadCooldown, r.opts.Segment,
		r.log.With().Str(xglog.FieldComponent, "readahead").Logger())
	r.ra.Store(ra)
	go ra.run(r.ctx)
}

// maybeReadAheadLocked queues a job for the segment after the cursor's when it
// is newly known or the cooldown allows another pass.
func (r *Reader) maybeReadAheadLocked() {
	ra := r.ra.Load()
	if !r.readAheadEnabled || ra == nil {
		return
	}
	idx, ok := r.list.Locate(r.cursor)
	if !ok || idx+1 >= r.list.Len() {
		return
	}
	next := r.list.At(idx + 1)
	allowed := ra.limiter.Allow()
	if next.SequenceID == ra.lastSeq && !allowed {
		return
	}
	ra.lastSeq = next.SequenceID
	ra.submit(readAheadJob{
		Path:   next.Path,
		Length: next.Length,
		Offset: ra.offset(next.Length),
		SeqID:  next.SequenceID,
	})
}

// Close stops the reader. In-flight physical reads are cancelled before the
// mutex is taken, so Close does not wait out a stalled network read.
func (r *Reader) Close() error {
	if !r.stopping.CompareAndSwap(false, true) {
		return nil
	}
	r.manifest.SetCancelling(true)
	if h := r.cur.Load(); h != nil {
		h.SetCancelling(true)
	}
	if ra := r.ra.Load(); ra != nil {
		ra.stop()
	}
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropHandleLocked()
	var errs []error
	if err := r.manifest.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close manifest: %w", err))
	}
	// No read-ahead can start once stopping is set and mu is held.
	if ra := r.ra.Load(); ra != nil {
		ra.stop()
		ra.wait()
	}
	r.closed = true
	r.log.Info().Str(xglog.FieldEvent, "buffer.close").Int64(xglog.FieldCursor, r.cursor).Msg("timeshift reader closed")
	return errors.Join(errs...)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func addSaturated(a, b int64) int64 {
	switch {
	case b > 0 && a > math.MaxInt64-b:
		return math.MaxInt64
	case b < 0 && a < math.MinInt64-b:
		return math.MinInt64
	}
	return a + b
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(telemetry.ErrorAttributes(err)...)
}
