package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/havenline/dispatch/internal/model"
	"github.com/havenline/dispatch/internal/uds"
)

// TaskCreateResult is returned to the intake collaborator.
type TaskCreateResult struct {
	TaskID string          `json:"task_id"`
	State  model.TaskState `json:"state"`
}

func (d *Daemon) handleTaskCreate(req *uds.Request) *uds.Response {
	var p model.IntakeRequest
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("unmarshal params: %v", err))
	}
	if p.ExternalSessionID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "external_session_id is required")
	}
	if !p.SessionType.IsValid() {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid session_type: %q", p.SessionType))
	}
	if !p.RiskLevel.IsValid() {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid risk_level: %q", p.RiskLevel))
	}
	if max := d.config.Limits.MaxContextEntryBytes; max > 0 {
		for k, v := range p.Context {
			if len(v) > max {
				return uds.ErrorResponse(uds.ErrCodeValidation,
					fmt.Sprintf("context entry %q exceeds %d bytes", k, max))
			}
		}
	}

	task, err := d.coordinator.Create(p)
	if err != nil {
		return uds.ErrorResponse(errorCode(err), err.Error())
	}
	return uds.SuccessResponse(&TaskCreateResult{TaskID: task.ID, State: task.State})
}

// TaskWithdrawParams cancels an escalation, e.g. the user's session
// ended before a mentor picked it up.
type TaskWithdrawParams struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

func (d *Daemon) handleTaskWithdraw(req *uds.Request) *uds.Response {
	var p TaskWithdrawParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("unmarshal params: %v", err))
	}
	if p.TaskID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "task_id is required")
	}

	task, err := d.coordinator.Withdraw(p.TaskID, p.Reason)
	if err != nil {
		return uds.ErrorResponse(errorCode(err), err.Error())
	}
	return uds.SuccessResponse(map[string]any{"task_id": task.ID, "state": task.State})
}

// TaskListResult is the active_sessions listing the dashboard renders.
type TaskListResult struct {
	ActiveSessions []TaskView `json:"active_sessions"`
	TotalCount     int        `json:"total_count"`
}

func (d *Daemon) handleTaskList(req *uds.Request) *uds.Response {
	views := d.coordinator.ListOpen()
	return uds.SuccessResponse(&TaskListResult{
		ActiveSessions: views,
		TotalCount:     len(views),
	})
}
