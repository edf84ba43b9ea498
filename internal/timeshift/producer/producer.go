// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package producer simulates a receiver's timeshift engine: it writes rolling
// segment files inside a bounded window and republishes the manifest after every
// write, without any coordination with readers.
package producer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	xglog "github.com/ManuGH/xg2g-timeshift/internal/log"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/manifest"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// ManifestMode selects how the manifest is rewritten.
type ManifestMode string

const (
	// ModeInPlace overwrites the manifest in place like real receivers do.
	ModeInPlace ManifestMode = "inplace"
	// ModeAtomic replaces the manifest through a renamed temp file.
	ModeAtomic ManifestMode = "atomic"
)

const (
	DefaultManifestName = "live.tsbuffer"
	DefaultPrefix       = "live"
	DefaultSegmentSize  = 1 << 20
	DefaultWindow       = 6
	DefaultChunkSize    = 188 * 64
	DefaultInterval     = 20 * time.Millisecond
)

// Options configures a Producer.
type Options struct {
	Dir          string
	ManifestName string
	Prefix       string
	SegmentSize  int64
	// Window is the number of segments kept before the oldest is evicted.
	Window int
	Mode   ManifestMode
	// StoredRoot, if set, makes the manifest carry absolute names under this
	// producer-side root (e.g. `C:\Timeshift`) instead of bare file names.
	StoredRoot string
	// TornPause, if positive, splits every in-place manifest rewrite into a
	// prefix and a body write separated by this pause.
	TornPause time.Duration

	// ChunkSize and Interval drive Run.
	ChunkSize int
	Interval  time.Duration

	Logger *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.ManifestName == "" {
		o.ManifestName = DefaultManifestName
	}
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.SegmentSize <= 0 {
		o.SegmentSize = DefaultSegmentSize
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Mode == "" {
		o.Mode = ModeInPlace
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	return o
}

// Pattern is the byte the producer writes at virtual offset off, counted from the
// first byte it ever wrote. Consumers use it to verify what they read.
func Pattern(off int64) byte { return byte(off*31 + off/251) }

// Producer owns the segment files and the manifest.
type Producer struct {
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	cur     *os.File
	curLen  int64
	names   []string
	added   int32
	removed int32
	total   int64
	closed  bool
}

// New creates the directory and an empty manifest.
func New(opts Options) (*Producer, error) {
	opts = opts.withDefaults()
	if opts.Dir == "" {
		return nil, errors.New("producer: dir is required")
	}
	if opts.Mode != ModeInPlace && opts.Mode != ModeAtomic {
		return nil, fmt.Errorf("producer: unknown manifest mode %q", opts.Mode)
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create %s: %w", opts.Dir, err)
	}
	logger := xglog.WithComponent("producer")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	p := &Producer{opts: opts, log: logger.With().Str(xglog.FieldManifest, opts.ManifestName).Logger()}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.publishLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// ManifestPath returns the manifest location.
func (p *Producer) ManifestPath() string { return filepath.Join(p.opts.Dir, p.opts.ManifestName) }

// Snapshot returns what the next publish would write.
func (p *Producer) Snapshot() manifest.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Total returns the number of bytes written so far.
func (p *Producer) Total() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

func (p *Producer) snapshotLocked() manifest.Snapshot {
	s := manifest.Snapshot{Watermark: p.curLen, Added: p.added, Removed: p.removed}
	for _, n := range p.names {
		s.Filenames = append(s.Filenames, p.stored(n))
	}
	return s
}

func (p *Producer) stored(name string) string {
	if p.opts.StoredRoot == "" {
		return name
	}
	sep := "/"
	if strings.Contains(p.opts.StoredRoot, `\`) {
		sep = `\`
	}
	return strings.TrimRight(p.opts.StoredRoot, `\/`) + sep + name
}

// Write appends b to the stream, rolling segments as they fill, and publishes
// the manifest once the bytes are on disk.
func (p *Producer) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, os.ErrClosed
	}

	var evicted []string
	written := 0
	for written < len(b) {
		if p.cur == nil || p.curLen >= p.opts.SegmentSize {
			gone, err := p.rollLocked()
			if err != nil {
				return written, err
			}
			evicted = append(evicted, gone...)
		}
		n := int(min(int64(len(b)-written), p.opts.SegmentSize-p.curLen))
		m, err := p.cur.Write(b[written : written+n])
		written += m
		p.curLen += int64(m)
		p.total += int64(m)
		if err != nil {
			return written, fmt.Errorf("write segment: %w", err)
		}
	}
	if err := p.publishLocked(); err != nil {
		return written, err
	}
	// Files go only after the manifest stopped listing them.
	for _, name := range evicted {
		if err := os.Remove(filepath.Join(p.opts.Dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.log.Warn().Err(err).Str(xglog.FieldSegment, name).Msg("remove evicted segment")
		}
	}
	return written, nil
}

func (p *Producer) rollLocked() ([]string, error) {
	if p.cur != nil {
		if err := p.cur.Close(); err != nil {
			return nil, fmt.Errorf("close segment: %w", err)
		}
		p.cur = nil
	}
	name := fmt.Sprintf("%s-%d.ts", p.opts.Prefix, p.added)
	path := filepath.Join(p.opts.Dir, name)
	// #nosec G304 -- simulator writes inside its own directory
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}
	p.cur = f
	p.curLen = 0
	p.names = append(p.names, name)
	p.added++

	var evicted []string
	for len(p.names) > p.opts.Window {
		evicted = append(evicted, p.names[0])
		p.names = p.names[1:]
		p.removed++
	}
	p.log.Debug().
		Str(xglog.FieldSegment, name).
		Int32(xglog.FieldAdded, p.added).
		Int32(xglog.FieldRemoved, p.removed).
		Msg("segment rolled")
	return evicted, nil
}

func (p *Producer) publishLocked() error {
	b, err := manifest.Encode(p.snapshotLocked())
	if err != nil {
		return err
	}
	path := p.ManifestPath()
	if p.opts.Mode == ModeAtomic {
		if err := renameio.WriteFile(path, b, 0o644); err != nil {
			return fmt.Errorf("replace manifest: %w", err)
		}
		return nil
	}
	return p.writeInPlace(path, b)
}

// writeInPlace rewrites the manifest without truncating first, so a concurrent
// reader can observe a mix of old and new content.
func (p *Producer) writeInPlace(path string, b []byte) error {
	// #nosec G304 -- simulator writes inside its own directory
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	if p.opts.TornPause > 0 && len(b) > manifest.HeaderSize {
		if _, err := f.WriteAt(b[:manifest.HeaderSize], 0); err != nil {
			return fmt.Errorf("write manifest prefix: %w", err)
		}
		time.Sleep(p.opts.TornPause)
		if _, err := f.WriteAt(b[manifest.HeaderSize:], manifest.HeaderSize); err != nil {
			return fmt.Errorf("write manifest body: %w", err)
		}
	} else if _, err := f.WriteAt(b, 0); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := f.Truncate(int64(len(b))); err != nil {
		return fmt.Errorf("truncate manifest: %w", err)
	}
	return nil
}

// Run writes Pattern bytes every Interval until ctx is done or limit bytes were
// written (limit <= 0 means no limit).
func (p *Producer) Run(ctx context.Context, limit int64) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	buf := make([]byte, p.opts.ChunkSize)
	for {
		total := p.Total()
		if limit > 0 && total >= limit {
			return nil
		}
		n := int64(len(buf))
		if limit > 0 {
			n = min(n, limit-total)
		}
		for i := int64(0); i < n; i++ {
			buf[i] = Pattern(total + i)
		}
		if _, err := p.Write(buf[:n]); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close finishes the current segment. The manifest and segment files stay.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.cur == nil {
		return nil
	}
	err := p.cur.Close()
	p.cur = nil
	return err
}
