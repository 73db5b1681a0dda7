package daemon

import (
	"github.com/havenline/dispatch/internal/uds"
)

// StatsResult feeds the dashboard's counter panel. Both numbers are
// derived from the store on each call; no materialized view exists.
type StatsResult struct {
	ActiveTasks  int `json:"active_tasks"`
	CrisisAlerts int `json:"crisis_alerts"`
}

func (d *Daemon) handleStats(req *uds.Request) *uds.Response {
	active, crisis := d.coordinator.Stats()
	return uds.SuccessResponse(&StatsResult{
		ActiveTasks:  active,
		CrisisAlerts: crisis,
	})
}
