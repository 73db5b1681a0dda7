package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/havenline/dispatch/internal/model"
)

func newTask(id, session string, risk model.RiskLevel, state model.TaskState) *model.TaskRecord {
	now := time.Now().UTC().Format(time.RFC3339)
	return &model.TaskRecord{
		ID:                id,
		ExternalSessionID: session,
		UserAlias:         "anon",
		SessionType:       model.SessionChat,
		RiskLevel:         risk,
		Priority:          5,
		State:             state,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := New("")

	task := newTask("task_1700000000_aaaaaaaa", "sess-1", model.RiskHigh, model.StateOpen)
	id, err := s.Create(task)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if id != task.ID {
		t.Errorf("Create returned %s, want %s", id, task.ID)
	}

	got, err := s.Get(task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ExternalSessionID != "sess-1" || got.RiskLevel != model.RiskHigh {
		t.Errorf("Get returned wrong record: %+v", got)
	}

	// Returned record is a copy.
	got.RiskLevel = model.RiskLow
	again, _ := s.Get(task.ID)
	if again.RiskLevel != model.RiskHigh {
		t.Error("mutating a returned record changed store state")
	}
}

func TestCreate_DuplicateSession(t *testing.T) {
	s := New("")

	first := newTask("task_1700000000_aaaaaaaa", "sess-1", model.RiskLow, model.StateOpen)
	if _, err := s.Create(first); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	second := newTask("task_1700000001_bbbbbbbb", "sess-1", model.RiskHigh, model.StateOpen)
	existing, err := s.Create(second)
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
	if existing != first.ID {
		t.Errorf("duplicate error should carry existing id %s, got %s", first.ID, existing)
	}
}

func TestCreate_SessionFreedByTerminalState(t *testing.T) {
	s := New("")

	first := newTask("task_1700000000_aaaaaaaa", "sess-1", model.RiskLow, model.StateOpen)
	if _, err := s.Create(first); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := s.Update(first.ID, func(rec *model.TaskRecord) error {
		rec.State = model.StateWithdrawn
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Same session may escalate again once the old task is terminal.
	second := newTask("task_1700000001_bbbbbbbb", "sess-1", model.RiskHigh, model.StateOpen)
	if _, err := s.Create(second); err != nil {
		t.Fatalf("Create after terminal failed: %v", err)
	}
}

func TestUpdate(t *testing.T) {
	s := New("")

	task := newTask("task_1700000000_aaaaaaaa", "sess-1", model.RiskMedium, model.StateOpen)
	if _, err := s.Create(task); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	mentor := "mentor_a"
	updated, err := s.Update(task.ID, func(rec *model.TaskRecord) error {
		rec.State = model.StateAssigned
		rec.AssignedMentorID = &mentor
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.State != model.StateAssigned || *updated.AssignedMentorID != "mentor_a" {
		t.Errorf("updated record wrong: %+v", updated)
	}

	if _, err := s.Update("task_0000000000_00000000", func(*model.TaskRecord) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdate_MutateErrorLeavesRecord(t *testing.T) {
	s := New("")

	task := newTask("task_1700000000_aaaaaaaa", "sess-1", model.RiskMedium, model.StateOpen)
	if _, err := s.Create(task); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	boom := errors.New("boom")
	if _, err := s.Update(task.ID, func(rec *model.TaskRecord) error {
		rec.State = model.StateAssigned
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected mutate error, got %v", err)
	}

	got, _ := s.Get(task.ID)
	if got.State != model.StateOpen {
		t.Errorf("record state = %s after failed mutate, want open", got.State)
	}
}

func TestListOpen(t *testing.T) {
	s := New("")

	states := map[string]model.TaskState{
		"task_1700000000_aaaaaaaa": model.StateOpen,
		"task_1700000001_bbbbbbbb": model.StateOffered,
		"task_1700000002_cccccccc": model.StateAssigned,
		"task_1700000003_dddddddd": model.StateWithdrawn,
	}
	for id, state := range states {
		task := newTask(id, "sess-"+id, model.RiskLow, model.StateOpen)
		if _, err := s.Create(task); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if state != model.StateOpen {
			if _, err := s.Update(id, func(rec *model.TaskRecord) error {
				rec.State = state
				return nil
			}); err != nil {
				t.Fatalf("Update failed: %v", err)
			}
		}
	}

	open := s.ListOpen()
	if len(open) != 2 {
		t.Fatalf("ListOpen returned %d records, want 2", len(open))
	}
	for _, rec := range open {
		if !rec.State.Claimable() {
			t.Errorf("ListOpen returned non-claimable task %s (%s)", rec.ID, rec.State)
		}
	}
}

func TestCounts(t *testing.T) {
	s := New("")

	mentor := "mentor_a"
	setup := []struct {
		id    string
		risk  model.RiskLevel
		state model.TaskState
	}{
		{"task_1700000000_aaaaaaaa", model.RiskCritical, model.StateOpen},
		{"task_1700000001_bbbbbbbb", model.RiskCritical, model.StateAssigned},
		{"task_1700000002_cccccccc", model.RiskLow, model.StateOffered},
		{"task_1700000003_dddddddd", model.RiskCritical, model.StateExpired},
	}
	for _, tt := range setup {
		task := newTask(tt.id, "sess-"+tt.id, tt.risk, model.StateOpen)
		if _, err := s.Create(task); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if tt.state != model.StateOpen {
			if _, err := s.Update(tt.id, func(rec *model.TaskRecord) error {
				rec.State = tt.state
				if tt.state == model.StateAssigned {
					rec.AssignedMentorID = &mentor
				}
				return nil
			}); err != nil {
				t.Fatalf("Update failed: %v", err)
			}
		}
	}

	active, crisis := s.Counts()
	if active != 3 {
		t.Errorf("active = %d, want 3", active)
	}
	// Assigned critical task is no longer an unanswered alert.
	if crisis != 1 {
		t.Errorf("crisis = %d, want 1", crisis)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")

	s1 := New(path)
	mentor := "mentor_a"
	open := newTask("task_1700000000_aaaaaaaa", "sess-1", model.RiskHigh, model.StateOpen)
	assigned := newTask("task_1700000001_bbbbbbbb", "sess-2", model.RiskCritical, model.StateOpen)

	if _, err := s1.Create(open); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s1.Create(assigned); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s1.Update(assigned.ID, func(rec *model.TaskRecord) error {
		rec.State = model.StateAssigned
		rec.AssignedMentorID = &mentor
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Fresh store over the same file sees everything, assignment included.
	s2 := New(path)
	if err := s2.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	got, err := s2.Get(assigned.ID)
	if err != nil {
		t.Fatalf("Get after Load failed: %v", err)
	}
	if got.State != model.StateAssigned || got.AssignedMentorID == nil || *got.AssignedMentorID != "mentor_a" {
		t.Errorf("assignment not restored: %+v", got)
	}

	// Session index restored too: sess-1 still blocked.
	dup := newTask("task_1700000002_cccccccc", "sess-1", model.RiskLow, model.StateOpen)
	if _, err := s2.Create(dup); !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("expected ErrDuplicateSession after Load, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "tasks.yaml"))
	if err := s.Load(); err != nil {
		t.Errorf("Load of missing file should succeed, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := New("")

	task := newTask("task_1700000000_aaaaaaaa", "sess-1", model.RiskLow, model.StateOpen)
	if _, err := s.Create(task); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Delete(task.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for second delete, got %v", err)
	}
}
