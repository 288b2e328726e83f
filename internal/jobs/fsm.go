// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package jobs

import (
	"context"
	"fmt"

	"github.com/ManuGH/reelctl/internal/domain"
	"github.com/ManuGH/reelctl/internal/fsm"
)

// transitions is the authoritative job state graph. Every CAS write this
// package performs derives its target state from this table rather than
// hardcoding it at the call site, so the graph has exactly one definition.
var transitions = []fsm.Transition[domain.JobState, domain.JobTransitionEvent]{
	{From: domain.JobCreated, Event: domain.EventDispatch, To: domain.JobDispatched},
	{From: domain.JobDispatched, Event: domain.EventClaim, To: domain.JobRunning},
	{From: domain.JobFailed, Event: domain.EventClaim, To: domain.JobRunning},
	{From: domain.JobRunning, Event: domain.EventComplete, To: domain.JobCompleted},
	{From: domain.JobRunning, Event: domain.EventFail, To: domain.JobFailed},
	{From: domain.JobFailed, Event: domain.EventExhaust, To: domain.JobFatal},
	{From: domain.JobRunning, Event: domain.EventExhaust, To: domain.JobFatal},
	{From: domain.JobFailed, Event: domain.EventRetry, To: domain.JobDispatched},
	{From: domain.JobRunning, Event: domain.EventReclaim, To: domain.JobDispatched},
	{From: domain.JobCreated, Event: domain.EventCancel, To: domain.JobCancelled},
	{From: domain.JobDispatched, Event: domain.EventCancel, To: domain.JobCancelled},
	{From: domain.JobRunning, Event: domain.EventCancel, To: domain.JobCancelled},
	{From: domain.JobFatal, Event: domain.EventCancel, To: domain.JobCancelled},
	{From: domain.JobFatal, Event: domain.EventRetry, To: domain.JobDispatched},
}

// validateTransition seeds a throwaway Machine at from and fires event,
// returning the authoritative target state for a (from, event) pair. Used
// where the caller's own WHERE clause already pins the source state, so the
// only question the fsm needs to answer is what it transitions to.
func validateTransition(from domain.JobState, event domain.JobTransitionEvent) (domain.JobState, error) {
	m, err := fsm.New(from, transitions)
	if err != nil {
		return "", fmt.Errorf("jobs: build fsm: %w", err)
	}
	return m.Fire(context.Background(), event)
}

// validateEventTarget reports whether some state reachable via event
// arrives at target, used by updateSafe, which knows the event it is
// applying and the target it is writing but not (without an extra read)
// which row state it is applying it from.
func validateEventTarget(event domain.JobTransitionEvent, target domain.JobState) error {
	for _, t := range transitions {
		if t.Event != event {
			continue
		}
		to, err := validateTransition(t.From, event)
		if err == nil && to == target {
			return nil
		}
	}
	return fmt.Errorf("%w: no transition reaches %s via %s", fsm.ErrInvalidTransition, target, event)
}
