// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package manifest parses and validates the control file a timeshift producer
// rewrites in place, and reads it with a double-read/compare protocol.
//
// Layout (little-endian):
//
//	0   int64  watermark (write position inside the last segment)
//	8   int32  added count
//	12  int32  removed count
//	16  UTF-16LE filenames, each terminated by a NUL code unit
//	n-8 int32  added count (repeated)
//	n-4 int32  removed count (repeated)
package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ManuGH/xg2g-timeshift/internal/timeshift"
	"golang.org/x/text/encoding/unicode"
)

const (
	HeaderSize  = 16
	TrailerSize = 8
	// MinSize is a manifest with an empty filename list.
	MinSize = HeaderSize + TrailerSize
	// DefaultMaxSize caps a plausible manifest; anything larger is a torn or foreign file.
	DefaultMaxSize = 100000

	watermarkSize = 8
)

var (
	ErrTooShort        = fmt.Errorf("manifest too short: %w", timeshift.ErrTorn)
	ErrImplausibleSize = fmt.Errorf("manifest size implausible: %w", timeshift.ErrTorn)
	ErrDisagree        = fmt.Errorf("manifest reads disagree: %w", timeshift.ErrTorn)
	ErrTrailerMismatch = fmt.Errorf("manifest trailer counters mismatch: %w", timeshift.ErrTorn)
	ErrMalformed       = fmt.Errorf("manifest filename list malformed: %w", timeshift.ErrTorn)
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Version identifies a membership generation by its monotonically increasing counters.
type Version struct {
	Added   int32
	Removed int32
}

// NoVersion is never produced by a producer; it forces a full read.
var NoVersion = Version{Added: -1, Removed: -1}

func (v Version) String() string {
	return fmt.Sprintf("+%d/-%d", v.Added, v.Removed)
}

// Header is the fixed-size prefix of the manifest.
type Header struct {
	Watermark int64
	Added     int32
	Removed   int32
}

// Version returns the membership counters of the header.
func (h Header) Version() Version {
	return Version{Added: h.Added, Removed: h.Removed}
}

// Snapshot is one internally consistent view of the manifest.
type Snapshot struct {
	Watermark int64
	Added     int32
	Removed   int32
	Filenames []string
}

// Version returns the membership counters of the snapshot.
func (s Snapshot) Version() Version {
	return Version{Added: s.Added, Removed: s.Removed}
}

// Count is the number of live segments implied by the counters.
func (s Snapshot) Count() int {
	return int(s.Added) - int(s.Removed)
}

// ParseHeader decodes the fixed prefix.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrTooShort
	}
	return Header{
		Watermark: int64(binary.LittleEndian.Uint64(b[0:8])),
		Added:     int32(binary.LittleEndian.Uint32(b[8:12])),
		Removed:   int32(binary.LittleEndian.Uint32(b[12:16])),
	}, nil
}

// CheckSize rejects sizes no consistent manifest can have.
func CheckSize(size int64, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	switch {
	case size < MinSize:
		return ErrTooShort
	case size > int64(maxSize):
		return fmt.Errorf("%d bytes above %d: %w", size, maxSize, ErrImplausibleSize)
	case size%2 != 0:
		return fmt.Errorf("odd length %d: %w", size, ErrImplausibleSize)
	}
	return nil
}

// Agree compares two full reads of the manifest, ignoring the watermark, which
// the producer updates continuously.
func Agree(a, b []byte) error {
	if len(a) != len(b) {
		return fmt.Errorf("lengths %d vs %d: %w", len(a), len(b), ErrDisagree)
	}
	if len(a) < watermarkSize {
		return ErrTooShort
	}
	if !bytes.Equal(a[watermarkSize:], b[watermarkSize:]) {
		return ErrDisagree
	}
	return nil
}

// Parse decodes and validates a full manifest. It trusts nothing: size bounds,
// trailer counters and the filename count must all agree.
func Parse(b []byte, maxSize int) (Snapshot, error) {
	if err := CheckSize(int64(len(b)), maxSize); err != nil {
		return Snapshot{}, err
	}
	h, err := ParseHeader(b)
	if err != nil {
		return Snapshot{}, err
	}
	tail := b[len(b)-TrailerSize:]
	tailAdded := int32(binary.LittleEndian.Uint32(tail[0:4]))
	tailRemoved := int32(binary.LittleEndian.Uint32(tail[4:8]))
	if tailAdded != h.Added || tailRemoved != h.Removed {
		return Snapshot{}, fmt.Errorf("header %s trailer %s: %w",
			h.Version(), Version{Added: tailAdded, Removed: tailRemoved}, ErrTrailerMismatch)
	}
	if h.Added < 0 || h.Removed < 0 || h.Removed > h.Added {
		return Snapshot{}, fmt.Errorf("counters %s: %w", h.Version(), ErrImplausibleSize)
	}
	if h.Watermark < 0 {
		return Snapshot{}, fmt.Errorf("negative watermark %d: %w", h.Watermark, ErrMalformed)
	}

	names, err := decodeNames(b[HeaderSize : len(b)-TrailerSize])
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Watermark: h.Watermark,
		Added:     h.Added,
		Removed:   h.Removed,
		Filenames: names,
	}
	if len(names) != snap.Count() {
		return Snapshot{}, fmt.Errorf("counters %s imply %d files, list has %d: %w",
			h.Version(), snap.Count(), len(names), timeshift.ErrMembershipMismatch)
	}
	return snap, nil
}

func decodeNames(body []byte) ([]string, error) {
	if len(body) == 0 {
		return nil, nil
	}
	if len(body) < 2 || body[len(body)-2] != 0 || body[len(body)-1] != 0 {
		return nil, fmt.Errorf("missing terminator: %w", ErrMalformed)
	}
	decoded, err := utf16le.NewDecoder().Bytes(body[:len(body)-2])
	if err != nil {
		return nil, fmt.Errorf("decode utf-16: %v: %w", err, ErrMalformed)
	}
	names := strings.Split(string(decoded), "\x00")
	for i, n := range names {
		if n == "" {
			return nil, fmt.Errorf("empty filename at %d: %w", i, ErrMalformed)
		}
	}
	return names, nil
}

// Encode renders a snapshot in the producer's wire layout.
func Encode(s Snapshot) ([]byte, error) {
	enc := utf16le.NewEncoder()
	var body bytes.Buffer
	for _, name := range s.Filenames {
		if name == "" || strings.ContainsRune(name, 0) {
			return nil, fmt.Errorf("invalid filename %q", name)
		}
		u, err := enc.Bytes([]byte(name))
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", name, err)
		}
		body.Write(u)
		body.Write([]byte{0, 0})
	}

	out := make([]byte, HeaderSize, HeaderSize+body.Len()+TrailerSize)
	binary.LittleEndian.PutUint64(out[0:8], uint64(s.Watermark))
	binary.LittleEndian.PutUint32(out[8:12], uint32(s.Added))
	binary.LittleEndian.PutUint32(out[12:16], uint32(s.Removed))
	out = append(out, body.Bytes()...)
	out = binary.LittleEndian.AppendUint32(out, uint32(s.Added))
	out = binary.LittleEndian.AppendUint32(out, uint32(s.Removed))
	return out, nil
}
