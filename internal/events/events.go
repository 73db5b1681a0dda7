// Package events fans task lifecycle events out to connected mentor
// sessions.
package events

import (
	"time"

	"github.com/havenline/dispatch/internal/model"
)

// EventType represents the kind of task lifecycle event.
type EventType string

const (
	// EventTaskCreated is published when the intake collaborator opens
	// a new escalation.
	EventTaskCreated EventType = "task_created"
	// EventTaskAssigned is published when a mentor wins the accept race.
	EventTaskAssigned EventType = "task_assigned"
	// EventTaskWithdrawn is published when intake cancels a task.
	EventTaskWithdrawn EventType = "task_withdrawn"
	// EventTaskRequeued is published when an abandoned assignment
	// returns to the queue.
	EventTaskRequeued EventType = "task_requeued"
	// EventTaskExpired is published when a task ages past the waiting
	// ceiling; the intake side escalates it outside this core.
	EventTaskExpired EventType = "task_expired"
)

// Event is one task lifecycle notification. Task is a detached copy:
// the store stays the source of truth and duplicate delivery is
// harmless to clients that re-read state.
type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Task      *model.TaskRecord `json:"task,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, task *model.TaskRecord, reason string) Event {
	var copied *model.TaskRecord
	if task != nil {
		copied = task.Clone()
	}
	return Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Task:      copied,
		Reason:    reason,
	}
}
