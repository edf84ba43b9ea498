// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package segfile wraps one backing file of the timeshift buffer: retrying open,
// seek, bounded read, length query and cooperative cancellation.
package segfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	xglog "github.com/ManuGH/xg2g-timeshift/internal/log"
	"github.com/ManuGH/xg2g-timeshift/internal/metrics"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift"
	"github.com/rs/zerolog"
)

const (
	DefaultOpenAttempts   = 5
	DefaultOpenRetryDelay = 25 * time.Millisecond
	DefaultChunkSize      = 256 * 1024
)

// File is the subset of *os.File a Handle needs.
type File interface {
	io.Reader
	io.Seeker
	io.Closer
	Stat() (fs.FileInfo, error)
}

// OpenFunc opens a backing file read-only.
type OpenFunc func(path string) (File, error)

// Options tunes a Handle. Zero values fall back to the defaults above.
type Options struct {
	OpenAttempts   int
	OpenRetryDelay time.Duration
	// ChunkSize bounds a single physical read; cancellation is observed between chunks.
	ChunkSize int
	OpenFunc  OpenFunc
	Logger    *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.OpenAttempts <= 0 {
		o.OpenAttempts = DefaultOpenAttempts
	}
	if o.OpenRetryDelay < 0 {
		o.OpenRetryDelay = 0
	} else if o.OpenRetryDelay == 0 {
		o.OpenRetryDelay = DefaultOpenRetryDelay
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.OpenFunc == nil {
		o.OpenFunc = OpenOS
	}
	return o
}

// OpenOS opens path read-only from the local filesystem.
func OpenOS(path string) (File, error) {
	// #nosec G304 -- segment paths come from the producer manifest after resolution
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return f, nil
}

type readResult struct {
	n   int
	err error
}

// Handle is a reusable wrapper around one opened backing file. Every accessor is
// serialized by mu; SetCancelling is lock-free so it can interrupt a blocked call.
type Handle struct {
	path string
	opts Options
	log  zerolog.Logger

	mu sync.Mutex
	f  File

	cancelling atomic.Bool
	cancelMu   sync.Mutex
	cancelCh   chan struct{}

	bufPool sync.Pool
}

// New returns an unopened handle for path.
func New(path string, opts Options) *Handle {
	opts = opts.withDefaults()
	logger := xglog.WithComponent("segfile")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	h := &Handle{
		path:     path,
		opts:     opts,
		log:      logger.With().Str(xglog.FieldPath, path).Logger(),
		cancelCh: make(chan struct{}),
	}
	chunk := opts.ChunkSize
	h.bufPool.New = func() any {
		b := make([]byte, chunk)
		return &b
	}
	return h
}

// Path returns the backing file path.
func (h *Handle) Path() string { return h.path }

// IsOpen reports whether a backing file is currently open.
func (h *Handle) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f != nil
}

// SetCancelling toggles cooperative cancellation. While set, every operation
// fails fast with timeshift.ErrStopping and blocked reads are released.
func (h *Handle) SetCancelling(v bool) {
	h.cancelMu.Lock()
	defer h.cancelMu.Unlock()
	was := h.cancelling.Swap(v)
	switch {
	case v && !was:
		close(h.cancelCh)
	case !v && was:
		h.cancelCh = make(chan struct{})
	}
}

// Cancelling reports the cancellation flag.
func (h *Handle) Cancelling() bool { return h.cancelling.Load() }

func (h *Handle) cancelled() <-chan struct{} {
	h.cancelMu.Lock()
	defer h.cancelMu.Unlock()
	return h.cancelCh
}

// Open opens the backing file, retrying with a short delay: the producer may not
// have created it yet. A handle that is already open is left as is.
func (h *Handle) Open(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.openLocked(ctx)
}

func (h *Handle) openLocked(ctx context.Context) error {
	if h.f != nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= h.opts.OpenAttempts; attempt++ {
		if h.cancelling.Load() {
			return timeshift.ErrStopping
		}
		f, err := h.opts.OpenFunc(h.path)
		if err == nil {
			h.f = f
			if attempt > 1 {
				h.log.Debug().Int(xglog.FieldAttempt, attempt).Msg("opened after retry")
			}
			return nil
		}
		lastErr = err
		if attempt == h.opts.OpenAttempts {
			break
		}
		metrics.IncSegmentOpenRetry()
		h.log.Debug().Err(err).Int(xglog.FieldAttempt, attempt).Msg("open failed, retrying")

		t := time.NewTimer(h.opts.OpenRetryDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-h.cancelled():
			t.Stop()
			return timeshift.ErrStopping
		}
	}
	return &timeshift.Error{
		Sentinel: timeshift.ErrOpenFailed,
		Op:       "open",
		Path:     h.path,
		Attempts: h.opts.OpenAttempts,
		Err:      lastErr,
	}
}

// Reopen closes and reopens the backing file. On some network filesystems this is
// the only way to drop stale cached content.
func (h *Handle) Reopen(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f != nil {
		if err := h.f.Close(); err != nil {
			h.log.Debug().Err(err).Msg("close before reopen")
		}
		h.f = nil
	}
	return h.openLocked(ctx)
}

func (h *Handle) checkLocked() error {
	if h.cancelling.Load() {
		return timeshift.ErrStopping
	}
	if h.f == nil {
		return timeshift.ErrInvalidHandle
	}
	return nil
}

// Seek moves the physical file offset.
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkLocked(); err != nil {
		return 0, err
	}
	pos, err := h.f.Seek(offset, whence)
	if err != nil {
		return 0, fmt.Errorf("seek %s: %w", h.path, err)
	}
	return pos, nil
}

// Read reads up to len(p) bytes in chunks of at most Options.ChunkSize. A short
// read returns what was read without error; a read at the physical end returns
// timeshift.ErrPastEnd.
func (h *Handle) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkLocked(); err != nil {
		return 0, err
	}
	total := 0
	for total < len(p) {
		want := len(p) - total
		if want > h.opts.ChunkSize {
			want = h.opts.ChunkSize
		}
		n, err := h.readChunk(p[total : total+want])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				if total == 0 {
					return 0, timeshift.ErrPastEnd
				}
				return total, nil
			}
			return total, err
		}
		if n < want {
			break
		}
	}
	return total, nil
}

// readChunk performs one physical read on a helper goroutine into a pooled buffer
// so a stalled read (network share) can be abandoned on cancellation.
func (h *Handle) readChunk(dst []byte) (int, error) {
	bufp := h.bufPool.Get().(*[]byte)
	buf := (*bufp)[:len(dst)]
	f := h.f
	done := make(chan readResult, 1)
	go func() {
		n, err := f.Read(buf)
		done <- readResult{n: n, err: err}
	}()

	select {
	case r := <-done:
		copy(dst, buf[:r.n])
		h.bufPool.Put(bufp)
		if r.err != nil && !errors.Is(r.err, io.EOF) {
			return r.n, fmt.Errorf("read %s: %w", h.path, r.err)
		}
		return r.n, r.err
	case <-h.cancelled():
		// The helper still owns buf; it is left to the GC.
		return 0, timeshift.ErrStopping
	}
}

// Length returns the current size of the backing file.
func (h *Handle) Length() (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkLocked(); err != nil {
		return 0, err
	}
	fi, err := h.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", h.path, err)
	}
	return fi.Size(), nil
}

// Close releases the backing file. Closing an unopened handle is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	return err
}
