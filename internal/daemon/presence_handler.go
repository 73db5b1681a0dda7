package daemon

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/havenline/dispatch/internal/uds"
)

// HeartbeatParams keeps a mentor's presence fresh between events.
type HeartbeatParams struct {
	MentorID string `json:"mentor_id"`
}

func (d *Daemon) handleHeartbeat(req *uds.Request) *uds.Response {
	var p HeartbeatParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("unmarshal params: %v", err))
	}
	if p.MentorID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "mentor_id is required")
	}

	d.tracker.Heartbeat(p.MentorID)
	return uds.SuccessResponse(map[string]string{"status": "ok"})
}

// SubscribeParams opens a mentor's event stream. Subscribing is what
// connects the mentor; the stream closing is the disconnect that
// starts the abandonment grace period.
type SubscribeParams struct {
	MentorID string `json:"mentor_id"`
}

func (d *Daemon) handleSubscribe(req *uds.Request, conn net.Conn) {
	var p SubscribeParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = uds.WriteFrame(conn, uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("unmarshal params: %v", err)))
		return
	}
	if p.MentorID == "" {
		_ = uds.WriteFrame(conn, uds.ErrorResponse(uds.ErrCodeValidation, "mentor_id is required"))
		return
	}

	ch, unregister := d.broadcaster.Register(p.MentorID)
	d.tracker.Connect(p.MentorID)
	d.log(LogLevelInfo, "mentor_connected mentor=%s sessions=%d", p.MentorID, d.broadcaster.SessionCount())

	defer func() {
		unregister()
		d.tracker.Disconnect(p.MentorID)
		d.log(LogLevelInfo, "mentor_disconnected mentor=%s", p.MentorID)
	}()

	if err := uds.WriteFrame(conn, uds.SuccessResponse(map[string]string{"status": "subscribed"})); err != nil {
		return
	}

	// Detect the client hanging up: mentors send nothing after the
	// subscribe frame, so any read completion means the peer is gone.
	connClosed := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
		close(connClosed)
	}()

	for {
		select {
		case <-d.server.Done():
			return
		case <-connClosed:
			return
		case evt, ok := <-ch:
			if !ok {
				// Evicted: the session stopped draining its buffer.
				return
			}
			if err := uds.WriteFrame(conn, uds.SuccessResponse(evt)); err != nil {
				return
			}
		}
	}
}
