package resume

import (
	"testing"

	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/segments"
	"github.com/stretchr/testify/assert"
)

func window() []segments.Segment {
	return []segments.Segment{
		{Filename: "live-0005.ts", StartOffset: 5000, Length: 1000, SequenceID: 5},
		{Filename: "live-0006.ts", StartOffset: 6000, Length: 1000, SequenceID: 6},
		{Filename: "live-0007.ts", StartOffset: 7000, Length: 400, SequenceID: 7},
	}
}

func TestAnchor(t *testing.T) {
	tests := []struct {
		name   string
		offset int64
		want   State
	}{
		{"first byte", 5000, State{SequenceID: 5, SegmentOffset: 0}},
		{"inside second", 6123, State{SequenceID: 6, SegmentOffset: 123}},
		{"boundary belongs to next", 7000, State{SequenceID: 7, SegmentOffset: 0}},
		{"before start clamps", 10, State{SequenceID: 5, SegmentOffset: 0}},
		{"live edge", 7400, State{SequenceID: 7, SegmentOffset: 400}},
		{"past edge", 9000, State{SequenceID: 7, SegmentOffset: 400}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Anchor(window(), tt.offset)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := Anchor(nil, 0)
	assert.False(t, ok)
}

func TestOffset(t *testing.T) {
	tests := []struct {
		name      string
		state     State
		want      int64
		placement Placement
	}{
		{"exact", State{SequenceID: 6, SegmentOffset: 10}, 6010, Exact},
		{"tail grows later", State{SequenceID: 7, SegmentOffset: 900}, 7400, Exact},
		{"evicted", State{SequenceID: 2, SegmentOffset: 10}, 5000, Evicted},
		{"not yet written", State{SequenceID: 8}, 7400, Ahead},
		{"negative offset", State{SequenceID: 5, SegmentOffset: -3}, 5000, Exact},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, placement := Offset(window(), tt.state)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.placement, placement, placement.String())
		})
	}

	off, placement := Offset(nil, State{SequenceID: 1})
	assert.Equal(t, int64(0), off)
	assert.Equal(t, Ahead, placement)
}

func TestAnchorOffsetRoundTrip(t *testing.T) {
	segs := window()
	for off := segs[0].StartOffset; off <= segs[len(segs)-1].End(); off += 37 {
		st, ok := Anchor(segs, off)
		assert.True(t, ok)
		got, placement := Offset(segs, st)
		assert.Equal(t, Exact, placement)
		assert.Equal(t, off, got)
	}
}
