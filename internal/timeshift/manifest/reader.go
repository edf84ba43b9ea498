// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	xglog "github.com/ManuGH/xg2g-timeshift/internal/log"
	"github.com/ManuGH/xg2g-timeshift/internal/metrics"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/segfile"
	"github.com/rs/zerolog"
)

const (
	DefaultAttempts    = 10
	DefaultRetryPause  = 5 * time.Millisecond
	DefaultReopenAfter = 2
)

// Options tunes the refresh protocol.
type Options struct {
	// Attempts is the retry budget of one refresh cycle.
	Attempts int
	// RetryPause separates attempts.
	RetryPause time.Duration
	// ReopenAfter is the number of failed attempts after which every further
	// attempt closes and reopens the manifest to drop stale cached content.
	ReopenAfter int
	MaxSize     int
	Handle      segfile.Options
	Logger      *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.RetryPause <= 0 {
		o.RetryPause = DefaultRetryPause
	}
	if o.ReopenAfter < 0 {
		o.ReopenAfter = 0
	} else if o.ReopenAfter == 0 {
		o.ReopenAfter = DefaultReopenAfter
	}
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	return o
}

// Result is the outcome of one accepted refresh.
type Result struct {
	// Snapshot carries the watermark and counters; Filenames is only set when Changed.
	Snapshot Snapshot
	// Changed reports a membership version different from the one passed to Refresh.
	Changed  bool
	Attempts int
}

// Reader reads the manifest file. It holds one handle for the lifetime of the
// timeshift reader and is not safe for concurrent use.
type Reader struct {
	path   string
	opts   Options
	handle *segfile.Handle
	log    zerolog.Logger
}

// NewReader prepares a reader for the manifest at path.
func NewReader(path string, opts Options) *Reader {
	opts = opts.withDefaults()
	logger := xglog.WithComponent("manifest")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	hopts := opts.Handle
	if hopts.Logger == nil {
		hopts.Logger = &logger
	}
	return &Reader{
		path:   path,
		opts:   opts,
		handle: segfile.New(path, hopts),
		log:    logger.With().Str(xglog.FieldManifest, path).Logger(),
	}
}

// Path returns the manifest path.
func (r *Reader) Path() string { return r.path }

// Dir returns the directory stored filenames are resolved against.
func (r *Reader) Dir() string { return filepath.Dir(r.path) }

// Open opens the manifest with the handle's retry budget.
func (r *Reader) Open(ctx context.Context) error {
	return r.handle.Open(ctx)
}

// SetCancelling propagates cooperative cancellation to the manifest handle.
func (r *Reader) SetCancelling(v bool) { r.handle.SetCancelling(v) }

// Close releases the manifest handle.
func (r *Reader) Close() error { return r.handle.Close() }

// Refresh runs one refresh cycle against the last accepted version. Torn reads are
// retried from scratch up to the attempt budget; exceeding it returns an error
// wrapping timeshift.ErrTorn and the caller keeps its previous snapshot.
func (r *Reader) Refresh(ctx context.Context, known Version) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.Attempts; attempt++ {
		if attempt > 1 {
			metrics.IncManifestRetry()
			if err := r.pause(ctx); err != nil {
				return Result{}, err
			}
		}
		if r.handle.Cancelling() {
			return Result{}, timeshift.ErrStopping
		}
		if attempt > r.opts.ReopenAfter || !r.handle.IsOpen() {
			if err := r.handle.Reopen(ctx); err != nil {
				if errors.Is(err, timeshift.ErrStopping) || ctx.Err() != nil {
					return Result{}, err
				}
				lastErr = err
				r.log.Debug().Err(err).Int(xglog.FieldAttempt, attempt).Msg("manifest reopen failed")
				continue
			}
		}

		res, err := r.attempt(known)
		if err == nil {
			res.Attempts = attempt
			if attempt > 1 {
				r.log.Debug().Int(xglog.FieldAttempt, attempt).Msg("manifest accepted after retry")
			}
			return res, nil
		}
		if errors.Is(err, timeshift.ErrStopping) {
			return Result{}, err
		}
		lastErr = err
		r.log.Debug().Err(err).Int(xglog.FieldAttempt, attempt).Msg("manifest rejected")
	}

	sentinel := timeshift.ErrTorn
	switch {
	case errors.Is(lastErr, timeshift.ErrMembershipMismatch):
		sentinel = timeshift.ErrMembershipMismatch
	case errors.Is(lastErr, timeshift.ErrOpenFailed):
		sentinel = timeshift.ErrOpenFailed
	}
	return Result{}, &timeshift.Error{
		Sentinel: sentinel,
		Op:       "manifest refresh",
		Path:     r.path,
		Attempts: r.opts.Attempts,
		Err:      lastErr,
	}
}

func (r *Reader) pause(ctx context.Context) error {
	t := time.NewTimer(r.opts.RetryPause)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attempt performs one pass of the protocol: two prefix reads, and on a
// membership change two full reads that must agree byte for byte.
func (r *Reader) attempt(known Version) (Result, error) {
	size, err := r.handle.Length()
	if err != nil {
		return Result{}, err
	}
	if err := CheckSize(size, r.opts.MaxSize); err != nil {
		return Result{}, err
	}

	p1, err := r.readAt(HeaderSize)
	if err != nil {
		return Result{}, err
	}
	p2, err := r.readAt(HeaderSize)
	if err != nil {
		return Result{}, err
	}
	h1, _ := ParseHeader(p1)
	h2, _ := ParseHeader(p2)
	if h1.Version() != h2.Version() {
		return Result{}, fmt.Errorf("prefix %s vs %s: %w", h1.Version(), h2.Version(), ErrDisagree)
	}
	watermark := min(h1.Watermark, h2.Watermark)

	if h1.Version() == known {
		return Result{Snapshot: Snapshot{Watermark: watermark, Added: h1.Added, Removed: h1.Removed}}, nil
	}

	a, err := r.readAt(int(size))
	if err != nil {
		return Result{}, err
	}
	b, err := r.readAt(int(size))
	if err != nil {
		return Result{}, err
	}
	if err := Agree(a, b); err != nil {
		return Result{}, err
	}
	snap, err := Parse(a, r.opts.MaxSize)
	if err != nil {
		return Result{}, err
	}
	if snap.Version() != h1.Version() {
		return Result{}, fmt.Errorf("body %s vs prefix %s: %w", snap.Version(), h1.Version(), ErrDisagree)
	}
	snap.Watermark = min(watermark, snap.Watermark)
	return Result{Snapshot: snap, Changed: true}, nil
}

// readAt reads exactly n bytes from the start of the manifest in an independent read call.
func (r *Reader) readAt(n int) ([]byte, error) {
	if _, err := r.handle.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	got, err := r.handle.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read %d of %d bytes: %w", got, n, ErrTooShort)
		}
		return nil, err
	}
	if got != n {
		return nil, fmt.Errorf("read %d of %d bytes: %w", got, n, ErrTooShort)
	}
	return buf, nil
}
