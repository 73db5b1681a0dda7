package presence

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/havenline/dispatch/internal/model"
)

// shortGrace gives the grace timer tests room without slowing the suite.
func shortGraceTracker(onAbandon AbandonFunc) *Tracker {
	tr := NewTracker(model.AssignmentConfig{DisconnectGraceSec: 60}, onAbandon)
	tr.grace = 50 * time.Millisecond
	return tr
}

type abandonRecorder struct {
	mu    sync.Mutex
	calls []string
	ch    chan struct{}
}

func newAbandonRecorder() *abandonRecorder {
	return &abandonRecorder{ch: make(chan struct{}, 10)}
}

func (r *abandonRecorder) fn(taskID, mentorID string) {
	r.mu.Lock()
	r.calls = append(r.calls, taskID+"/"+mentorID)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *abandonRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestSetAssignment_CapacityOne(t *testing.T) {
	tr := NewTracker(model.AssignmentConfig{}, nil)
	defer tr.Close()

	if err := tr.SetAssignment("mentor_a", "task_1"); err != nil {
		t.Fatalf("first SetAssignment failed: %v", err)
	}
	// Re-asserting the same assignment is fine.
	if err := tr.SetAssignment("mentor_a", "task_1"); err != nil {
		t.Fatalf("idempotent SetAssignment failed: %v", err)
	}
	if err := tr.SetAssignment("mentor_a", "task_2"); !errors.Is(err, ErrMentorBusy) {
		t.Fatalf("expected ErrMentorBusy, got %v", err)
	}

	tr.ClearAssignment("mentor_a", "task_1")
	if err := tr.SetAssignment("mentor_a", "task_2"); err != nil {
		t.Fatalf("SetAssignment after clear failed: %v", err)
	}
}

func TestClearAssignment_IgnoresMismatch(t *testing.T) {
	tr := NewTracker(model.AssignmentConfig{}, nil)
	defer tr.Close()

	_ = tr.SetAssignment("mentor_a", "task_1")
	tr.ClearAssignment("mentor_a", "task_other")

	if got, ok := tr.Assignment("mentor_a"); !ok || got != "task_1" {
		t.Errorf("Assignment = %q,%v; mismatched clear must not release", got, ok)
	}
}

func TestDisconnect_AbandonsAfterGrace(t *testing.T) {
	rec := newAbandonRecorder()
	tr := shortGraceTracker(rec.fn)
	defer tr.Close()

	tr.Connect("mentor_a")
	_ = tr.SetAssignment("mentor_a", "task_1")
	tr.Disconnect("mentor_a")

	select {
	case <-rec.ch:
	case <-time.After(time.Second):
		t.Fatal("abandonment callback never fired")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.calls) != 1 || rec.calls[0] != "task_1/mentor_a" {
		t.Errorf("calls = %v", rec.calls)
	}
}

func TestDisconnect_ReconnectCancelsGrace(t *testing.T) {
	rec := newAbandonRecorder()
	tr := shortGraceTracker(rec.fn)
	defer tr.Close()

	tr.Connect("mentor_a")
	_ = tr.SetAssignment("mentor_a", "task_1")
	tr.Disconnect("mentor_a")
	tr.Connect("mentor_a") // back within the grace window

	time.Sleep(150 * time.Millisecond)
	if rec.count() != 0 {
		t.Error("abandonment fired despite reconnect")
	}
	if got, ok := tr.Assignment("mentor_a"); !ok || got != "task_1" {
		t.Errorf("assignment lost on reconnect: %q,%v", got, ok)
	}
}

func TestDisconnect_NoAssignmentNoTimer(t *testing.T) {
	rec := newAbandonRecorder()
	tr := shortGraceTracker(rec.fn)
	defer tr.Close()

	tr.Connect("mentor_a")
	tr.Disconnect("mentor_a")

	time.Sleep(150 * time.Millisecond)
	if rec.count() != 0 {
		t.Error("abandonment fired for an unassigned mentor")
	}
}

func TestHeartbeat_CountsAsReconnect(t *testing.T) {
	rec := newAbandonRecorder()
	tr := shortGraceTracker(rec.fn)
	defer tr.Close()

	tr.Connect("mentor_a")
	_ = tr.SetAssignment("mentor_a", "task_1")
	tr.Disconnect("mentor_a")
	tr.Heartbeat("mentor_a")

	time.Sleep(150 * time.Millisecond)
	if rec.count() != 0 {
		t.Error("abandonment fired despite heartbeat reconnect")
	}
	if !tr.IsConnected("mentor_a") {
		t.Error("heartbeat should mark mentor connected")
	}
}

func TestStaleSweep(t *testing.T) {
	tr := NewTracker(model.AssignmentConfig{HeartbeatTimeoutSec: 60}, nil)
	defer tr.Close()

	tr.Connect("mentor_fresh")
	tr.Connect("mentor_stale")

	// Sweep from 2 minutes in the future: only mentor_stale's heartbeat
	// is refreshed before then.
	future := time.Now().UTC().Add(2 * time.Minute)
	tr.now = func() time.Time { return future }
	tr.Heartbeat("mentor_fresh")

	stale := tr.StaleSweep(future)
	if len(stale) != 1 || stale[0] != "mentor_stale" {
		t.Errorf("StaleSweep = %v, want [mentor_stale]", stale)
	}
	if tr.IsConnected("mentor_stale") {
		t.Error("stale mentor should be disconnected")
	}
	if !tr.IsConnected("mentor_fresh") {
		t.Error("fresh mentor should stay connected")
	}
}

func TestAdoptAssignment_ArmsTimerWhenDisconnected(t *testing.T) {
	rec := newAbandonRecorder()
	tr := shortGraceTracker(rec.fn)
	defer tr.Close()

	// Restart recovery: mentor not (yet) reconnected.
	tr.AdoptAssignment("mentor_a", "task_1")

	select {
	case <-rec.ch:
	case <-time.After(time.Second):
		t.Fatal("adopted assignment never abandoned")
	}
}

func TestAdoptAssignment_ConnectedMentorKeepsTask(t *testing.T) {
	rec := newAbandonRecorder()
	tr := shortGraceTracker(rec.fn)
	defer tr.Close()

	tr.Connect("mentor_a")
	tr.AdoptAssignment("mentor_a", "task_1")

	time.Sleep(150 * time.Millisecond)
	if rec.count() != 0 {
		t.Error("abandonment fired for a connected mentor")
	}
	if got, ok := tr.Assignment("mentor_a"); !ok || got != "task_1" {
		t.Errorf("assignment not adopted: %q,%v", got, ok)
	}
}

func TestSnapshot(t *testing.T) {
	tr := NewTracker(model.AssignmentConfig{}, nil)
	defer tr.Close()

	tr.Connect("mentor_a")
	_ = tr.SetAssignment("mentor_a", "task_1")
	tr.Connect("mentor_b")

	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot has %d records, want 2", len(snap))
	}
	for i := range snap {
		if snap[i].MentorID == "mentor_a" {
			// Mutating the snapshot must not leak into the tracker.
			*snap[i].CurrentAssignment = "task_other"
		}
	}
	if got, _ := tr.Assignment("mentor_a"); got != "task_1" {
		t.Error("snapshot shares assignment pointer with tracker")
	}
}
