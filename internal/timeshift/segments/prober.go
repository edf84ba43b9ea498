// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package segments

import (
	"context"
	"time"

	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/segfile"
)

const (
	DefaultProbePause  = 10 * time.Millisecond
	DefaultProbeRounds = 3
)

// LengthProber reports the physical length of a segment file.
type LengthProber interface {
	Probe(ctx context.Context, path string) (int64, error)
}

// StableProber opens a dedicated handle and samples the length until two
// consecutive samples taken Pause apart agree, so a segment still being populated
// is not measured mid-growth. After Rounds disagreements the latest sample wins.
type StableProber struct {
	Handle segfile.Options
	Pause  time.Duration
	Rounds int
}

// Probe implements LengthProber.
func (p StableProber) Probe(ctx context.Context, path string) (int64, error) {
	pause := p.Pause
	if pause <= 0 {
		pause = DefaultProbePause
	}
	rounds := p.Rounds
	if rounds <= 0 {
		rounds = DefaultProbeRounds
	}

	h := segfile.New(path, p.Handle)
	if err := h.Open(ctx); err != nil {
		return 0, err
	}
	defer func() { _ = h.Close() }()

	prev, err := h.Length()
	if err != nil {
		return 0, err
	}
	for round := 0; round < rounds; round++ {
		t := time.NewTimer(pause)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		}
		cur, err := h.Length()
		if err != nil {
			return 0, err
		}
		if cur == prev {
			return cur, nil
		}
		prev = cur
	}
	return prev, nil
}
