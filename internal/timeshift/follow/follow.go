// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package follow turns a timeshift reader into a blocking io.Reader that waits
// at the live edge for the producer to publish more data.
package follow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	xglog "github.com/ManuGH/xg2g-timeshift/internal/log"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ErrIdle is returned when no new data arrived within Options.IdleTimeout.
var ErrIdle = errors.New("follow: no new data within idle timeout")

const DefaultPollInterval = 250 * time.Millisecond

// Source is the non-blocking stream being followed; *buffer.Reader satisfies it.
type Source interface {
	Read(p []byte) (int, error)
	Path() string
}

// Options tunes the wait loop.
type Options struct {
	// PollInterval re-checks the source even without a filesystem event; network
	// shares usually deliver none.
	PollInterval time.Duration
	// IdleTimeout ends a Read with ErrIdle after this long without data. Zero waits forever.
	IdleTimeout time.Duration
	Logger      *zerolog.Logger
}

// Reader blocks at the live edge until data appears, ctx is done or the idle
// timeout elapses.
type Reader struct {
	ctx  context.Context
	src  Source
	opts Options
	log  zerolog.Logger

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	watcher  *fsnotify.Watcher
	lastData time.Time
	once     sync.Once
}

// New starts watching the manifest directory of src. When no watch can be set
// up the reader falls back to polling.
func New(ctx context.Context, src Source, opts Options) *Reader {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := xglog.WithComponentFromContext(ctx, "follow")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	f := &Reader{
		ctx:      ctx,
		src:      src,
		opts:     opts,
		log:      logger,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		lastData: time.Now(),
	}

	w, err := fsnotify.NewWatcher()
	if err == nil {
		if err = w.Add(filepath.Dir(src.Path())); err != nil {
			_ = w.Close()
		}
	}
	if err != nil {
		f.log.Debug().Err(err).Msg("fsnotify unavailable, polling only")
		close(f.done)
		return f
	}
	f.watcher = w
	go f.watch(filepath.Base(src.Path()))
	return f
}

func (f *Reader) watch(target string) {
	defer close(f.done)
	for {
		select {
		case <-f.quit:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				continue
			}
			select {
			case f.wake <- struct{}{}:
			default:
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn().Err(err).Msg("fsnotify watcher error")
		}
	}
}

// Read implements io.Reader.
func (f *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var ticker *time.Ticker
	var idle <-chan time.Time
	for {
		n, err := f.src.Read(p)
		if n > 0 {
			f.lastData = time.Now()
			return n, nil
		}
		switch {
		case err == nil, errors.Is(err, timeshift.ErrPartialRead):
		case timeshift.Retryable(err):
			// The buffer is not ready yet, e.g. a segment is listed but not created.
			f.log.Debug().Err(err).Msg("source not ready, waiting")
		default:
			return 0, err
		}

		if ticker == nil {
			ticker = time.NewTicker(f.opts.PollInterval)
			defer ticker.Stop()
			if f.opts.IdleTimeout > 0 {
				t := time.NewTimer(time.Until(f.lastData.Add(f.opts.IdleTimeout)))
				defer t.Stop()
				idle = t.C
			}
		}
		select {
		case <-f.ctx.Done():
			return 0, f.ctx.Err()
		case <-f.quit:
			return 0, timeshift.ErrClosed
		case <-idle:
			return 0, ErrIdle
		case <-f.wake:
		case <-ticker.C:
		}
	}
}

// Close stops the watcher. The source is left open.
func (f *Reader) Close() error {
	var err error
	f.once.Do(func() {
		close(f.quit)
		if f.watcher != nil {
			err = f.watcher.Close()
		}
		<-f.done
	})
	return err
}
