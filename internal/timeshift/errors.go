// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package timeshift holds the error taxonomy shared by the segmented live buffer
// reader packages (segfile, manifest, segments, buffer).
package timeshift

import (
	"errors"
	"fmt"
	"io"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrOpenFailed         = errors.New("timeshift: file unavailable after retries")
	ErrTorn               = errors.New("timeshift: manifest self-check failed")
	ErrMembershipMismatch = fmt.Errorf("timeshift: manifest membership mismatch: %w", ErrTorn)
	ErrPartialRead        = errors.New("timeshift: live edge reached")
	ErrStopping           = errors.New("timeshift: cancellation in progress")
	ErrInvalidHandle      = errors.New("timeshift: handle not open")
	ErrPastEnd            = fmt.Errorf("timeshift: offset past physical end: %w", io.EOF)
	ErrClosed             = errors.New("timeshift: reader closed")
)

// Error wraps a sentinel with the operation and file that produced it.
type Error struct {
	Sentinel error
	Op       string
	Path     string
	Attempts int
	Err      error // lower-level cause (e.g. *fs.PathError)
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Sentinel)
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Retryable reports whether err describes a condition the caller should retry
// later rather than treat as fatal: the producer may simply be lagging.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrOpenFailed),
		errors.Is(err, ErrTorn),
		errors.Is(err, ErrPartialRead),
		errors.Is(err, ErrInvalidHandle):
		return true
	default:
		return false
	}
}
