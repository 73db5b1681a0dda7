// Package presence tracks which mentors are connected and recovers
// assignments abandoned by a disconnect.
package presence

import (
	"errors"
	"sync"
	"time"

	"github.com/havenline/dispatch/internal/model"
)

const (
	defaultGrace            = 15 * time.Second
	defaultHeartbeatTimeout = 60 * time.Second
)

// ErrMentorBusy means the mentor already holds an assignment. A mentor
// is a capacity-1 resource.
var ErrMentorBusy = errors.New("mentor already holds an assignment")

// AbandonFunc is invoked when an assigned mentor stays disconnected
// past the grace period. The coordinator re-queues the task.
type AbandonFunc func(taskID, mentorID string)

// Tracker is the in-memory presence table. Mentor records are created
// on first contact and only ever marked disconnected, never deleted.
type Tracker struct {
	mu      sync.Mutex
	mentors map[string]*model.MentorPresence
	timers  map[string]*time.Timer // mentorID -> pending grace timer

	grace            time.Duration
	heartbeatTimeout time.Duration
	onAbandon        AbandonFunc
	now              func() time.Time
}

func NewTracker(cfg model.AssignmentConfig, onAbandon AbandonFunc) *Tracker {
	grace := time.Duration(cfg.DisconnectGraceSec) * time.Second
	if grace <= 0 {
		grace = defaultGrace
	}
	hbTimeout := time.Duration(cfg.HeartbeatTimeoutSec) * time.Second
	if hbTimeout <= 0 {
		hbTimeout = defaultHeartbeatTimeout
	}
	if onAbandon == nil {
		onAbandon = func(string, string) {}
	}
	return &Tracker{
		mentors:          make(map[string]*model.MentorPresence),
		timers:           make(map[string]*time.Timer),
		grace:            grace,
		heartbeatTimeout: hbTimeout,
		onAbandon:        onAbandon,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Connect marks a mentor connected and cancels any pending grace
// timer, so a reconnect inside the window keeps the assignment.
func (tr *Tracker) Connect(mentorID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	m := tr.getLocked(mentorID)
	m.Connected = true
	m.LastSeenAt = tr.now().Format(time.RFC3339)

	if timer, ok := tr.timers[mentorID]; ok {
		timer.Stop()
		delete(tr.timers, mentorID)
	}
}

// Disconnect marks a mentor disconnected. If they hold an assignment,
// a grace timer is armed; only when it fires without a reconnect does
// the task get abandoned.
func (tr *Tracker) Disconnect(mentorID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.disconnectLocked(mentorID)
}

func (tr *Tracker) disconnectLocked(mentorID string) {
	m := tr.getLocked(mentorID)
	m.Connected = false
	m.LastSeenAt = tr.now().Format(time.RFC3339)

	if m.CurrentAssignment == nil {
		return
	}
	if _, armed := tr.timers[mentorID]; armed {
		return
	}
	taskID := *m.CurrentAssignment
	tr.timers[mentorID] = time.AfterFunc(tr.grace, func() {
		tr.fireAbandon(mentorID, taskID)
	})
}

func (tr *Tracker) fireAbandon(mentorID, taskID string) {
	tr.mu.Lock()
	delete(tr.timers, mentorID)
	m, ok := tr.mentors[mentorID]
	stillGone := ok && !m.Connected && m.CurrentAssignment != nil && *m.CurrentAssignment == taskID
	tr.mu.Unlock()

	// Callback runs outside the lock: it re-enters the tracker via
	// ClearAssignment on the coordinator's re-queue path.
	if stillGone {
		tr.onAbandon(taskID, mentorID)
	}
}

// Heartbeat refreshes last-seen. A heartbeat from a mentor we thought
// disconnected counts as a reconnect.
func (tr *Tracker) Heartbeat(mentorID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	m := tr.getLocked(mentorID)
	m.LastSeenAt = tr.now().Format(time.RFC3339)
	if !m.Connected {
		m.Connected = true
		if timer, ok := tr.timers[mentorID]; ok {
			timer.Stop()
			delete(tr.timers, mentorID)
		}
	}
}

// SetAssignment records the mentor's single active assignment.
func (tr *Tracker) SetAssignment(mentorID, taskID string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	m := tr.getLocked(mentorID)
	if m.CurrentAssignment != nil && *m.CurrentAssignment != taskID {
		return ErrMentorBusy
	}
	m.CurrentAssignment = &taskID
	return nil
}

// ClearAssignment releases the mentor's assignment if it matches.
func (tr *Tracker) ClearAssignment(mentorID, taskID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	m, ok := tr.mentors[mentorID]
	if !ok || m.CurrentAssignment == nil || *m.CurrentAssignment != taskID {
		return
	}
	m.CurrentAssignment = nil
	if timer, armed := tr.timers[mentorID]; armed {
		timer.Stop()
		delete(tr.timers, mentorID)
	}
}

// Assignment returns the mentor's active task id, if any.
func (tr *Tracker) Assignment(mentorID string) (string, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	m, ok := tr.mentors[mentorID]
	if !ok || m.CurrentAssignment == nil {
		return "", false
	}
	return *m.CurrentAssignment, true
}

func (tr *Tracker) IsConnected(mentorID string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	m, ok := tr.mentors[mentorID]
	return ok && m.Connected
}

// Snapshot returns a copy of every presence record.
func (tr *Tracker) Snapshot() []model.MentorPresence {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	out := make([]model.MentorPresence, 0, len(tr.mentors))
	for _, m := range tr.mentors {
		c := *m
		if m.CurrentAssignment != nil {
			v := *m.CurrentAssignment
			c.CurrentAssignment = &v
		}
		out = append(out, c)
	}
	return out
}

// StaleSweep disconnects mentors whose heartbeats stopped. Run from
// the daemon's periodic scan.
func (tr *Tracker) StaleSweep(now time.Time) []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	var stale []string
	for id, m := range tr.mentors {
		if !m.Connected {
			continue
		}
		lastSeen, err := time.Parse(time.RFC3339, m.LastSeenAt)
		if err != nil || now.Sub(lastSeen) >= tr.heartbeatTimeout {
			stale = append(stale, id)
			tr.disconnectLocked(id)
		}
	}
	return stale
}

// AdoptAssignment seeds an assignment recovered from the snapshot on
// restart and arms the grace timer unless the mentor already
// reconnected. The reconciliation pass uses it so in-flight work from
// before a crash is never silently stranded.
func (tr *Tracker) AdoptAssignment(mentorID, taskID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	m := tr.getLocked(mentorID)
	m.CurrentAssignment = &taskID
	if m.Connected {
		return
	}
	if _, armed := tr.timers[mentorID]; armed {
		return
	}
	tr.timers[mentorID] = time.AfterFunc(tr.grace, func() {
		tr.fireAbandon(mentorID, taskID)
	})
}

// Close stops all pending timers.
func (tr *Tracker) Close() {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for id, timer := range tr.timers {
		timer.Stop()
		delete(tr.timers, id)
	}
}

func (tr *Tracker) getLocked(mentorID string) *model.MentorPresence {
	if m, ok := tr.mentors[mentorID]; ok {
		return m
	}
	m := &model.MentorPresence{
		MentorID:   mentorID,
		LastSeenAt: tr.now().Format(time.RFC3339),
	}
	tr.mentors[mentorID] = m
	return m
}
