package model

import "fmt"

// TaskState is the lifecycle state of a TaskRecord.
type TaskState string

const (
	StateOpen      TaskState = "open"
	StateOffered   TaskState = "offered"
	StateAssigned  TaskState = "assigned"
	StateWithdrawn TaskState = "withdrawn"
	StateExpired   TaskState = "expired"
)

var terminalStates = map[TaskState]bool{
	StateWithdrawn: true,
	StateExpired:   true,
}

// Task state transitions:
//
//	open ↔ offered → assigned
//	assigned → open (re-queue after abandonment; created_at preserved)
//	open|offered → withdrawn|expired (terminal)
//
// A record never re-enters open from assigned except through the
// explicit re-queue path, and never leaves a terminal state.
var validTaskTransitions = map[TaskState]map[TaskState]bool{
	StateOpen: {
		StateOffered:   true,
		StateAssigned:  true,
		StateWithdrawn: true,
		StateExpired:   true,
	},
	StateOffered: {
		StateOpen:      true, // offer carries no reservation
		StateAssigned:  true,
		StateWithdrawn: true,
		StateExpired:   true,
	},
	StateAssigned: {
		StateOpen:      true, // abandonment re-queue
		StateWithdrawn: true,
	},
}

// Claimable reports whether an Accept may still win the task.
func (s TaskState) Claimable() bool {
	return s == StateOpen || s == StateOffered
}

func IsTerminal(s TaskState) bool {
	return terminalStates[s]
}

func ValidateTaskTransition(from, to TaskState) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal state %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
