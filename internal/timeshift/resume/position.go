package resume

import (
	"github.com/ManuGH/xg2g-timeshift/internal/timeshift/segments"
)

// Placement describes how a stored position mapped onto the current segments.
type Placement int

const (
	// Exact means the stored byte is still in the buffer.
	Exact Placement = iota
	// Evicted means the stored segment is gone; the offset is the buffer start.
	Evicted
	// Ahead means the stored segment is not known yet (or the producer
	// restarted); the offset is the live edge.
	Ahead
)

func (p Placement) String() string {
	switch p {
	case Exact:
		return "exact"
	case Evicted:
		return "evicted"
	case Ahead:
		return "ahead"
	default:
		return "unknown"
	}
}

// Anchor converts a virtual offset into a restart-safe position. It reports
// false when segs is empty.
func Anchor(segs []segments.Segment, offset int64) (State, bool) {
	if len(segs) == 0 {
		return State{}, false
	}
	for _, s := range segs {
		if offset < s.End() {
			if offset < s.StartOffset {
				offset = s.StartOffset
			}
			return State{SequenceID: s.SequenceID, SegmentOffset: offset - s.StartOffset}, true
		}
	}
	last := segs[len(segs)-1]
	return State{SequenceID: last.SequenceID, SegmentOffset: last.Length}, true
}

// Offset maps st back into the virtual range of segs.
func Offset(segs []segments.Segment, st State) (int64, Placement) {
	if len(segs) == 0 {
		return 0, Ahead
	}
	first, last := segs[0], segs[len(segs)-1]
	switch {
	case st.SequenceID < first.SequenceID:
		return first.StartOffset, Evicted
	case st.SequenceID > last.SequenceID:
		return last.End(), Ahead
	}
	for _, s := range segs {
		if s.SequenceID != st.SequenceID {
			continue
		}
		off := st.SegmentOffset
		if off < 0 {
			off = 0
		}
		if off > s.Length {
			off = s.Length
		}
		return s.StartOffset + off, Exact
	}
	return last.End(), Ahead
}
