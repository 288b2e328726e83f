// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy (kinds, not concrete types): sentinel values wrapped with
// fmt.Errorf("...: %w", ...) at each layer and tested with errors.Is.
var (
	// ErrTransient covers network, pool-acquisition-timeout, and broker
	// retryable failures. Retried with exponential backoff up to maxRetries.
	ErrTransient = errors.New("transient error")

	// ErrRateLimited covers vendor-signaled throttling (e.g. HTTP 429).
	// Backed off but does not count against maxRetries below a small cap.
	ErrRateLimited = errors.New("rate limited")

	// ErrSafetyFiltered covers a content-policy rejection on an agent call.
	// Retried (sanitized) up to safetyRetries, then FATAL.
	ErrSafetyFiltered = errors.New("safety filtered")

	// ErrValidation covers malformed agent output. Always terminal (FATAL);
	// requires an operator RESOLVE_INTERVENTION.
	ErrValidation = errors.New("validation error")

	// ErrStaleWrite signals a lost compare-and-swap race, not a failure:
	// the caller should re-read and retry the control-plane operation.
	ErrStaleWrite = errors.New("stale write")

	// ErrBreakerOpen signals the connection-pool circuit breaker is open;
	// callers should treat this identically to ErrTransient.
	ErrBreakerOpen = errors.New("breaker open")

	// ErrCancelled is not a failure; it propagates a CANCELLED job/project state.
	ErrCancelled = errors.New("cancelled")

	// ErrNotFound is returned by read operations when no row matches.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a requested job state transition
	// is not present in the job DAG.
	ErrInvalidTransition = errors.New("invalid job transition")

	// ErrLockHeld is returned by lock renewal when the named lease is not
	// held by the renewing owner.
	ErrLockHeld = errors.New("lock held by another owner")

	// ErrUnknownCommand is returned when a command's type does not match
	// the command handler's exhaustive table.
	ErrUnknownCommand = errors.New("unknown command type")
)

// ErrValidationf wraps ErrValidation with a formatted message.
func ErrValidationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// ErrUnknownCommandf wraps ErrUnknownCommand with the offending command type.
func ErrUnknownCommandf(commandType string) error {
	return fmt.Errorf("%w: %s", ErrUnknownCommand, commandType)
}
