package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/ManuGH/xg2g-timeshift/internal/timeshift"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEncode(t *testing.T, s Snapshot) []byte {
	t.Helper()
	b, err := Encode(s)
	require.NoError(t, err)
	return b
}

func TestParse_AcceptedSnapshotsSatisfyMembershipCount(t *testing.T) {
	for removed := int32(0); removed < 6; removed++ {
		for live := 0; live < 5; live++ {
			names := make([]string, live)
			for i := range names {
				names[i] = fmt.Sprintf(`C:\Timeshift\live1-%d.ts.tsbuffer`, int(removed)+i)
			}
			in := Snapshot{Watermark: int64(live) * 188, Added: removed + int32(live), Removed: removed, Filenames: names}

			snap, err := Parse(mustEncode(t, in), 0)
			require.NoError(t, err)
			assert.Equal(t, int(snap.Added-snap.Removed), len(snap.Filenames))
			assert.Equal(t, in.Watermark, snap.Watermark)
			assert.Equal(t, in.Version(), snap.Version())
		}
	}
}

func TestParse_NonASCIIFilenames(t *testing.T) {
	in := Snapshot{Watermark: 42, Added: 2, Removed: 0, Filenames: []string{"Zeitversatz-ä.ts", "録画-𝄞.ts"}}
	snap, err := Parse(mustEncode(t, in), 0)
	require.NoError(t, err)
	assert.Equal(t, in.Filenames, snap.Filenames)
}

func TestParse_EmptyList(t *testing.T) {
	b := mustEncode(t, Snapshot{Watermark: 0, Added: 3, Removed: 3})
	assert.Len(t, b, MinSize)
	snap, err := Parse(b, 0)
	require.NoError(t, err)
	assert.Empty(t, snap.Filenames)
}

func TestParse_Rejects(t *testing.T) {
	valid := mustEncode(t, Snapshot{Watermark: 10, Added: 2, Removed: 1, Filenames: []string{"a.ts"}})

	trailer := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(trailer[len(trailer)-8:], 99)

	countMismatch := mustEncode(t, Snapshot{Watermark: 10, Added: 3, Removed: 1, Filenames: []string{"a.ts"}})

	noTerminator := append([]byte(nil), valid...)
	// overwrite the NUL terminator of "a.ts" with 'x'
	noTerminator[HeaderSize+8] = 'x'

	emptyName := mustEncode(t, Snapshot{Added: 1, Removed: 0, Filenames: []string{"a.ts"}})
	emptyName = append(emptyName[:HeaderSize+10], append([]byte{0, 0}, emptyName[HeaderSize+10:]...)...)

	reversed := mustEncode(t, Snapshot{Added: 1, Removed: 2})

	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"too short", valid[:MinSize-2], ErrTooShort},
		{"odd length", append(append([]byte(nil), valid...), 0), ErrImplausibleSize},
		{"trailer mismatch", trailer, ErrTrailerMismatch},
		{"count mismatch", countMismatch, timeshift.ErrMembershipMismatch},
		{"missing terminator", noTerminator, ErrMalformed},
		{"empty filename", emptyName, ErrMalformed},
		{"removed above added", reversed, ErrImplausibleSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.buf, 0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.True(t, errors.Is(err, timeshift.ErrTorn), "every rejection is a torn manifest: %v", err)
		})
	}
}

func TestParse_RespectsMaxSize(t *testing.T) {
	b := mustEncode(t, Snapshot{Added: 1, Filenames: []string{"a-rather-long-segment-name.ts"}})
	_, err := Parse(b, MinSize+4)
	assert.ErrorIs(t, err, ErrImplausibleSize)
}

func TestAgree_IgnoresWatermark(t *testing.T) {
	a := mustEncode(t, Snapshot{Watermark: 100, Added: 1, Filenames: []string{"a.ts"}})
	b := mustEncode(t, Snapshot{Watermark: 500, Added: 1, Filenames: []string{"a.ts"}})
	c := mustEncode(t, Snapshot{Watermark: 100, Added: 1, Filenames: []string{"b.ts"}})

	assert.NoError(t, Agree(a, b))
	assert.ErrorIs(t, Agree(a, c), ErrDisagree)
	assert.ErrorIs(t, Agree(a, a[:len(a)-2]), ErrDisagree)
}

func TestEncode_RejectsInvalidNames(t *testing.T) {
	_, err := Encode(Snapshot{Added: 1, Filenames: []string{""}})
	assert.Error(t, err)
	_, err = Encode(Snapshot{Added: 1, Filenames: []string{"a\x00b"}})
	assert.Error(t, err)
}
