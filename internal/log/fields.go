// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldCorrelationID = "correlation_id"
	FieldRequestID      = "request_id"
	FieldJobID          = "job_id"
	FieldProjectID      = "project_id"
	FieldWorkerID       = "worker_id"
	FieldSceneID        = "scene_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Job fields
	FieldJobType  = "job_type"
	FieldAttempt  = "attempt"
	FieldUniqueKey = "unique_key"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
