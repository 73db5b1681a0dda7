package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/havenline/dispatch/internal/uds"
)

// AcceptParams is a mentor's claim on a task. The dialog-confirmed UI
// flow collapses to this single atomic call; there is no pending
// confirmation state in the core.
type AcceptParams struct {
	TaskID   string `json:"task_id"`
	MentorID string `json:"mentor_id"`
	Notes    string `json:"notes,omitempty"`
}

type AcceptResult struct {
	TaskID   string `json:"task_id"`
	MentorID string `json:"mentor_id"`
	Assigned bool   `json:"assigned"`
}

func (d *Daemon) handleAccept(req *uds.Request) *uds.Response {
	var p AcceptParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("unmarshal params: %v", err))
	}
	if p.TaskID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "task_id is required")
	}
	if p.MentorID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "mentor_id is required")
	}

	task, err := d.coordinator.Accept(p.TaskID, p.MentorID, p.Notes)
	if err != nil {
		// Losing the race is the common case under contention; only the
		// caller hears about it, there is no global broadcast.
		return uds.ErrorResponse(errorCode(err), err.Error())
	}

	return uds.SuccessResponse(&AcceptResult{
		TaskID:   task.ID,
		MentorID: p.MentorID,
		Assigned: true,
	})
}
