// Package store holds the canonical state of every escalation task.
//
// Mutations are atomic per record and persisted as a full YAML
// snapshot so assigned work survives a restart of the serving node.
// Cross-record consistency (exactly one assignee, capacity limits) is
// the coordinator's job, not the store's.
package store

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/havenline/dispatch/internal/model"
	yamlutil "github.com/havenline/dispatch/internal/yaml"
)

var (
	// ErrNotFound means the task id is unknown to the store.
	ErrNotFound = errors.New("task not found")
	// ErrDuplicateSession means the external session already has an
	// open escalation; at most one may exist at a time.
	ErrDuplicateSession = errors.New("session already has an open escalation")
)

const schemaVersion = 1

// Store is an in-memory task table with a snapshot file behind it.
// An empty path disables persistence (used by tests).
type Store struct {
	mu        sync.RWMutex
	tasks     map[string]*model.TaskRecord
	bySession map[string]string // externalSessionID -> open task id
	path      string
}

func New(path string) *Store {
	return &Store{
		tasks:     make(map[string]*model.TaskRecord),
		bySession: make(map[string]string),
		path:      path,
	}
}

// Load restores the snapshot written by a previous run. A missing file
// is a fresh start, not an error.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}

	var tf model.TaskFile
	if err := yamlutil.ReadInto(s.path, &tf); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load task snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range tf.Tasks {
		t := tf.Tasks[i]
		s.tasks[t.ID] = &t
		if !model.IsTerminal(t.State) {
			s.bySession[t.ExternalSessionID] = t.ID
		}
	}
	return nil
}

// Create inserts a new record. The caller supplies a fully populated
// record including its id; the store only enforces the one-open-task-
// per-session invariant.
func (s *Store) Create(t *model.TaskRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.bySession[t.ExternalSessionID]; ok {
		return existing, fmt.Errorf("%w: session=%s task=%s", ErrDuplicateSession, t.ExternalSessionID, existing)
	}
	if _, ok := s.tasks[t.ID]; ok {
		return "", fmt.Errorf("duplicate task id %s", t.ID)
	}

	s.tasks[t.ID] = t.Clone()
	s.bySession[t.ExternalSessionID] = t.ID
	if err := s.persistLocked(); err != nil {
		delete(s.tasks, t.ID)
		delete(s.bySession, t.ExternalSessionID)
		return "", err
	}
	return t.ID, nil
}

func (s *Store) Get(id string) (*model.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// Update applies mutate to the record under the store lock and
// persists the result. If mutate returns an error the record is left
// untouched. The returned record is a copy.
func (s *Store) Update(id string, mutate func(*model.TaskRecord) error) (*model.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := t.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	s.tasks[id] = next
	if model.IsTerminal(next.State) {
		// Terminal records no longer block the session from escalating again.
		if s.bySession[next.ExternalSessionID] == id {
			delete(s.bySession, next.ExternalSessionID)
		}
	} else {
		s.bySession[next.ExternalSessionID] = id
	}

	if err := s.persistLocked(); err != nil {
		s.tasks[id] = t
		return nil, err
	}
	return next.Clone(), nil
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.tasks, id)
	if s.bySession[t.ExternalSessionID] == id {
		delete(s.bySession, t.ExternalSessionID)
	}
	return s.persistLocked()
}

// ListOpen returns a snapshot of all records still claimable
// (open or offered). Order is unspecified.
func (s *Store) ListOpen() []*model.TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.TaskRecord
	for _, t := range s.tasks {
		if t.State.Claimable() {
			out = append(out, t.Clone())
		}
	}
	return out
}

// List returns every record in the store, terminal ones included.
func (s *Store) List() []*model.TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.TaskRecord, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Counts returns the aggregate numbers the dashboard renders:
// active tasks (open/offered/assigned) and crisis alerts (critical
// risk still waiting for a mentor).
func (s *Store) Counts() (activeTasks, crisisAlerts int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tasks {
		if model.IsTerminal(t.State) {
			continue
		}
		activeTasks++
		if t.RiskLevel == model.RiskCritical && t.State.Claimable() {
			crisisAlerts++
		}
	}
	return activeTasks, crisisAlerts
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}

	tf := model.TaskFile{
		SchemaVersion: schemaVersion,
		FileType:      "task_store",
		Tasks:         make([]model.TaskRecord, 0, len(s.tasks)),
	}
	for _, t := range s.tasks {
		tf.Tasks = append(tf.Tasks, *t.Clone())
	}
	// Stable file order keeps snapshot diffs readable
	sort.Slice(tf.Tasks, func(i, j int) bool { return tf.Tasks[i].ID < tf.Tasks[j].ID })

	if err := yamlutil.AtomicWrite(s.path, &tf); err != nil {
		return fmt.Errorf("persist task snapshot: %w", err)
	}
	return nil
}
