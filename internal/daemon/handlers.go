package daemon

import (
	"errors"

	"github.com/havenline/dispatch/internal/store"
	"github.com/havenline/dispatch/internal/uds"
)

// registerHandlers binds the serving surface. One command per
// coordinator operation; the transport stays a thin mapping layer.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle("scan", func(req *uds.Request) *uds.Response {
		d.periodicScan()
		return uds.SuccessResponse(map[string]string{"status": "scanned"})
	})

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle("task_create", d.handleTaskCreate)
	d.server.Handle("task_withdraw", d.handleTaskWithdraw)
	d.server.Handle("task_accept", d.handleAccept)
	d.server.Handle("task_list", d.handleTaskList)
	d.server.Handle("stats", d.handleStats)
	d.server.Handle("heartbeat", d.handleHeartbeat)
	d.server.HandleStream("subscribe", d.handleSubscribe)
}

// errorCode maps coordinator error kinds to protocol codes. Everything
// here is a normal negative result for the caller, not a fault.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyTaken):
		return uds.ErrCodeAlreadyTaken
	case errors.Is(err, ErrMentorBusy):
		return uds.ErrCodeMentorBusy
	case errors.Is(err, ErrIneligible):
		return uds.ErrCodeIneligible
	case errors.Is(err, ErrExpired):
		return uds.ErrCodeExpired
	case errors.Is(err, ErrNotFound):
		return uds.ErrCodeNotFound
	case errors.Is(err, ErrQueueFull):
		return uds.ErrCodeQueueFull
	case errors.Is(err, store.ErrDuplicateSession):
		return uds.ErrCodeDuplicate
	default:
		return uds.ErrCodeInternal
	}
}
