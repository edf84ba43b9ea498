package buffer

import "time"

type cursorState int

const (
	stateNone cursorState = iota
	stateCurrent
	stateSwitching
)

func (s cursorState) String() string {
	switch s {
	case stateNone:
		return "none"
	case stateCurrent:
		return "current"
	case stateSwitching:
		return "switching"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of a Reader. A stale reader keeps serving the
// last accepted snapshot while refreshes fail.
type Status struct {
	ReaderID string `json:"reader_id"`
	Manifest string `json:"manifest"`
	Added    int32  `json:"added"`
	Removed  int32  `json:"removed"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Position int64  `json:"position"`
	Segments int    `json:"segments"`
	Cursor   string `json:"cursor"`

	Stale               bool      `json:"stale"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           error     `json:"-"`
	LastErrorMessage    string    `json:"last_error,omitempty"`
	LastRefresh         time.Time `json:"last_refresh"`

	ReadAheadEnabled bool `json:"read_ahead_enabled"`
	Closed           bool `json:"closed"`
}
