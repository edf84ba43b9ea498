// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldReaderID  = "reader_id"
	FieldRequestID = "request_id"
	FieldStream    = "stream"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Manifest fields
	FieldManifest   = "manifest"
	FieldAttempt    = "attempt"
	FieldAdded      = "added"
	FieldRemoved    = "removed"
	FieldWatermark  = "watermark"
	FieldFileCount  = "file_count"
	FieldReasonCode = "reason"

	// Segment / cursor fields
	FieldSegment    = "segment"
	FieldSequenceID = "sequence_id"
	FieldOffset     = "offset"
	FieldLength     = "length"
	FieldStart      = "start"
	FieldEnd        = "end"
	FieldCursor     = "cursor"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath = "path"
)
