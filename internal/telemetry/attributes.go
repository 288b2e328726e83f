// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the orchestrator and worker.
const (
	JobIDKey     = "job.id"
	JobTypeKey   = "job.type"
	JobStatusKey = "job.status"
	JobAttemptKey = "job.attempt"
	JobDurationKey = "job.duration_ms"

	ProjectIDKey = "project.id"
	SceneIDKey   = "scene.id"
	WorkerIDKey  = "worker.id"

	LockNameKey = "lock.name"
	LockOwnerKey = "lock.owner"

	AssetKeyKey     = "asset.key"
	AssetVersionKey = "asset.version"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// JobAttributes creates job-related span attributes.
func JobAttributes(jobID, jobType, status string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobIDKey, jobID),
		attribute.String(JobTypeKey, jobType),
		attribute.String(JobStatusKey, status),
		attribute.Int(JobAttemptKey, attempt),
	}
}

// ProjectAttributes creates project-scoped span attributes.
func ProjectAttributes(projectID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ProjectIDKey, projectID),
	}
}

// LockAttributes creates lock-related span attributes.
func LockAttributes(name, owner string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(LockNameKey, name),
		attribute.String(LockOwnerKey, owner),
	}
}

// AssetAttributes creates ledger-related span attributes.
func AssetAttributes(assetKey string, version int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AssetKeyKey, assetKey),
		attribute.Int(AssetVersionKey, version),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
