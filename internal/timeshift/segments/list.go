// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package segments reconciles manifest snapshots into an ordered, contiguous list
// of segment descriptors covering the virtual stream.
package segments

import (
	"context"
	"fmt"

	xglog "github.com/ManuGH/xg2g-timeshift/internal/log"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/manifest"
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/pathmap"
	"github.com/rs/zerolog"
)

// Segment describes one physical file covering [StartOffset, StartOffset+Length).
type Segment struct {
	Filename    string `json:"filename"`
	Path        string `json:"path"`
	StartOffset int64  `json:"start_offset"`
	Length      int64  `json:"length"`
	SequenceID  int64  `json:"sequence_id"`
}

// End returns the virtual offset one past the segment's last byte.
func (s Segment) End() int64 { return s.StartOffset + s.Length }

// Change summarizes one accepted reconciliation.
type Change struct {
	Evicted  int
	Appended int
	// Reset is set when the producer's counters went backwards and the list was rebuilt.
	Reset bool
	// Gap is set when segments were added and evicted between two refreshes and
	// their lengths could never be observed.
	Gap bool
}

// List owns the segment descriptors. It is not safe for concurrent use; the
// buffer reader guards it with its state mutex.
type List struct {
	dir      string
	resolver pathmap.Resolver
	prober   LengthProber
	log      zerolog.Logger

	segs    []Segment
	version manifest.Version
	// seqBase is added to the producer's removed counter to form sequence IDs.
	// It moves forward on a reset so IDs never repeat.
	seqBase int64
	nextSeq int64
}

// NewList creates an empty list whose filenames resolve against dir.
func NewList(dir string, resolver pathmap.Resolver, prober LengthProber, logger *zerolog.Logger) *List {
	l := xglog.WithComponent("segments")
	if logger != nil {
		l = *logger
	}
	if resolver == nil {
		resolver = pathmap.New(nil)
	}
	if prober == nil {
		prober = StableProber{}
	}
	return &List{
		dir:      dir,
		resolver: resolver,
		prober:   prober,
		log:      l,
		version:  manifest.NoVersion,
	}
}

// Version returns the membership version of the last accepted snapshot.
func (l *List) Version() manifest.Version { return l.version }

// Len returns the number of live segments.
func (l *List) Len() int { return len(l.segs) }

// At returns the i-th segment.
func (l *List) At(i int) Segment { return l.segs[i] }

// Segments returns a copy of the descriptors.
func (l *List) Segments() []Segment {
	out := make([]Segment, len(l.segs))
	copy(out, l.segs)
	return out
}

// Start returns the virtual offset of the oldest reachable byte.
func (l *List) Start() int64 {
	if len(l.segs) == 0 {
		return 0
	}
	return l.segs[0].StartOffset
}

// End returns the virtual offset one past the newest valid byte.
func (l *List) End() int64 {
	if len(l.segs) == 0 {
		return 0
	}
	return l.segs[len(l.segs)-1].End()
}

// Locate returns the index of the segment containing off. Segments are few, so a
// linear scan is enough.
func (l *List) Locate(off int64) (int, bool) {
	for i := range l.segs {
		if off >= l.segs[i].StartOffset && off < l.segs[i].End() {
			return i, true
		}
	}
	return -1, false
}

// seq returns the sequence ID of the i-th listed file under base.
func seq(base int64, snap manifest.Snapshot, i int) int64 {
	return base + int64(snap.Removed) + int64(i)
}

// SetWatermark updates the trailing segment, the only one the producer extends.
func (l *List) SetWatermark(w int64) {
	if len(l.segs) == 0 || w < 0 {
		return
	}
	l.segs[len(l.segs)-1].Length = w
}

// Reconcile applies a membership change. Work happens on a copy: on any error the
// list is left exactly as it was.
func (l *List) Reconcile(ctx context.Context, snap manifest.Snapshot) (Change, error) {
	if snap.Count() != len(snap.Filenames) {
		return Change{}, fmt.Errorf("counters %s vs %d files: %w", snap.Version(), len(snap.Filenames), timeshift.ErrMembershipMismatch)
	}

	old := l.version
	initial := old == manifest.NoVersion
	var change Change
	segs := make([]Segment, len(l.segs))
	copy(segs, l.segs)
	next := l.End()

	if !initial && (snap.Added < old.Added || snap.Removed < old.Removed) {
		change.Reset = true
		change.Evicted = len(segs)
		segs = segs[:0]
	}
	if initial || change.Reset {
		old = manifest.Version{}
	}
	base := l.seqBase
	if (initial || change.Reset) && seq(base, snap, 0) < l.nextSeq {
		base = l.nextSeq - int64(snap.Removed)
	}

	toRemove := int(snap.Removed) - int(old.Removed)
	toAdd := int(snap.Added) - int(old.Added)

	if !change.Reset {
		evict := min(toRemove, len(segs))
		segs = segs[evict:]
		change.Evicted = evict
	}
	kept := len(segs)
	if kept > len(snap.Filenames) {
		return Change{}, fmt.Errorf("%d known segments survive but manifest lists %d: %w", kept, len(snap.Filenames), timeshift.ErrMembershipMismatch)
	}
	for i := 0; i < kept; i++ {
		wantSeq := seq(base, snap, i)
		if segs[i].Filename != snap.Filenames[i] || segs[i].SequenceID != wantSeq {
			return Change{}, fmt.Errorf("segment %d is %q#%d, manifest has %q#%d: %w",
				i, segs[i].Filename, segs[i].SequenceID, snap.Filenames[i], wantSeq, timeshift.ErrMembershipMismatch)
		}
	}

	appendCount := len(snap.Filenames) - kept
	if toRemove > len(l.segs) || change.Reset {
		change.Gap = !initial && !change.Reset && appendCount > 0
		if appendCount > toAdd {
			return Change{}, fmt.Errorf("%d new files but counters add %d: %w", appendCount, toAdd, timeshift.ErrMembershipMismatch)
		}
	} else if appendCount != toAdd {
		return Change{}, fmt.Errorf("%d new files but counters add %d: %w", appendCount, toAdd, timeshift.ErrMembershipMismatch)
	}

	if kept > 0 {
		if appendCount > 0 {
			// The previous tail is finished now; its real length replaces the watermark.
			tail := &segs[kept-1]
			n, err := l.prober.Probe(ctx, tail.Path)
			if err != nil {
				return Change{}, fmt.Errorf("length of %s: %w", tail.Path, err)
			}
			tail.Length = n
		}
		next = segs[kept-1].End()
	} else if initial {
		next = 0
	}

	for i := kept; i < len(snap.Filenames); i++ {
		name := snap.Filenames[i]
		p, err := l.resolver.Resolve(l.dir, name)
		if err != nil {
			return Change{}, fmt.Errorf("resolve %q: %w", name, err)
		}
		seg := Segment{
			Filename:    name,
			Path:        p,
			StartOffset: next,
			SequenceID:  seq(base, snap, i),
		}
		if i < len(snap.Filenames)-1 {
			n, err := l.prober.Probe(ctx, p)
			if err != nil {
				return Change{}, fmt.Errorf("length of %s: %w", p, err)
			}
			seg.Length = n
		}
		next = seg.End()
		segs = append(segs, seg)
		change.Appended++
	}

	if len(segs) > 0 && snap.Watermark >= 0 {
		segs[len(segs)-1].Length = snap.Watermark
	}

	if change.Gap {
		l.log.Warn().
			Str(xglog.FieldEvent, "segments.gap").
			Str("from", l.version.String()).
			Str("to", snap.Version().String()).
			Msg("segments added and evicted between refreshes; continuing after previous end")
	}
	if change.Reset {
		l.log.Info().
			Str(xglog.FieldEvent, "segments.reset").
			Str("from", l.version.String()).
			Str("to", snap.Version().String()).
			Msg("producer counters regressed; segment list rebuilt")
	}

	l.segs = segs
	l.version = snap.Version()
	l.seqBase = base
	if len(segs) > 0 {
		l.nextSeq = max(l.nextSeq, segs[len(segs)-1].SequenceID+1)
	}
	return change, nil
}

// Reset drops all descriptors. Sequence IDs issued later still follow the
// ones issued before.
func (l *List) Reset() {
	l.segs = nil
	l.version = manifest.NoVersion
}
