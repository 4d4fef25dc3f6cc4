package models

import (
	"fmt"
)

// validTransitions maps from-state to allowed to-states. States only
// advance along the pipeline, except that failed is reachable from
// every non-terminal state.
var validTransitions = map[JobState]map[JobState]bool{
	JobStateQueued: {
		JobStatePreparing: true, // claim
		JobStateFailed:    true,
	},
	JobStatePreparing: {
		JobStateDownloading: true,
		JobStateFailed:      true,
	},
	JobStateDownloading: {
		JobStateEncoding: true,
		JobStateFailed:   true,
	},
	JobStateEncoding: {
		JobStateFinalizing: true,
		JobStateFailed:     true,
	},
	JobStateFinalizing: {
		JobStateDone:   true,
		JobStateFailed: true,
	},
	// Terminal states admit no transitions.
	JobStateDone:   {},
	JobStateFailed: {},
}

// ValidateTransition checks whether moving from one state to another
// is legal. Re-asserting the current state is allowed (idempotent
// advance).
func ValidateTransition(from, to JobState) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if from == to {
		return nil
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState reports whether no further transitions are possible.
func IsTerminalState(state JobState) bool {
	return state == JobStateDone || state == JobStateFailed
}

// IsClaimedState reports whether a worker holds the job: non-terminal
// and past queued. Rows in these states after a restart are orphans.
func IsClaimedState(state JobState) bool {
	return !IsTerminalState(state) && state != JobStateQueued
}
