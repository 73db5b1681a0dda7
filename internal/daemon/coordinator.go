package daemon

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/havenline/dispatch/internal/estimate"
	"github.com/havenline/dispatch/internal/events"
	"github.com/havenline/dispatch/internal/lock"
	"github.com/havenline/dispatch/internal/model"
	"github.com/havenline/dispatch/internal/presence"
	"github.com/havenline/dispatch/internal/queue"
	"github.com/havenline/dispatch/internal/store"
)

var (
	// ErrAlreadyTaken means the caller lost the accept race. Expected
	// under contention, not exceptional: the transport maps it to a
	// normal negative response.
	ErrAlreadyTaken = errors.New("task already taken")
	// ErrIneligible means the authorization predicate rejected the
	// mentor for this task.
	ErrIneligible = errors.New("mentor not eligible for task")
	// ErrExpired means the task aged past the waiting ceiling before
	// anyone accepted it.
	ErrExpired = errors.New("task expired before acceptance")
	// ErrQueueFull means the open-task limit was reached.
	ErrQueueFull = errors.New("open task limit reached")

	// ErrNotFound and ErrMentorBusy are surfaced from the store and
	// presence tracker unchanged.
	ErrNotFound   = store.ErrNotFound
	ErrMentorBusy = presence.ErrMentorBusy
)

// EligibilityFunc asks the external authorization collaborator whether
// a mentor may see or accept a task.
type EligibilityFunc = events.EligibilityFunc

// Coordinator owns every task state transition. The accept protocol's
// check-and-set runs inside a per-task critical section (lock.MutexMap
// keyed by task id), and the priority index is refreshed inside that
// same section, so the index never holds a non-claimable task and
// concurrent Accept calls resolve first-committed-wins.
type Coordinator struct {
	store       *store.Store
	index       *queue.Index
	tracker     *presence.Tracker
	estimator   *estimate.Estimator
	broadcaster *events.Broadcaster
	eligible    EligibilityFunc
	locks       *lock.MutexMap

	cfg      model.Config
	logger   *log.Logger
	logLevel LogLevel
	counters *counterSet
	now      func() time.Time
}

// NewCoordinator wires the coordinator. eligible may be nil, which
// admits every mentor (the authorization collaborator is optional in
// single-team deployments).
func NewCoordinator(
	st *store.Store,
	idx *queue.Index,
	tracker *presence.Tracker,
	est *estimate.Estimator,
	bc *events.Broadcaster,
	eligible EligibilityFunc,
	cfg model.Config,
	logger *log.Logger,
	logLevel LogLevel,
) *Coordinator {
	if eligible == nil {
		eligible = func(string, *model.TaskRecord) bool { return true }
	}
	return &Coordinator{
		store:       st,
		index:       idx,
		tracker:     tracker,
		estimator:   est,
		broadcaster: bc,
		eligible:    eligible,
		locks:       lock.NewMutexMap(),
		cfg:         cfg,
		logger:      logger,
		logLevel:    logLevel,
		counters:    newCounterSet(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Create opens a new escalation task from an intake request, indexes
// it, and notifies eligible mentors. A session with an open escalation
// cannot open a second one; the existing task id is returned alongside
// the duplicate error.
func (c *Coordinator) Create(req model.IntakeRequest) (*model.TaskRecord, error) {
	if req.ExternalSessionID == "" {
		return nil, fmt.Errorf("external_session_id is required")
	}
	if !req.SessionType.IsValid() {
		return nil, fmt.Errorf("invalid session_type: %q", req.SessionType)
	}
	if !req.RiskLevel.IsValid() {
		return nil, fmt.Errorf("invalid risk_level: %q", req.RiskLevel)
	}
	if max := c.cfg.Limits.MaxOpenTasks; max > 0 && c.index.Len() >= max {
		return nil, fmt.Errorf("%w: %d open tasks", ErrQueueFull, c.index.Len())
	}

	id, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}

	now := c.now().Format(time.RFC3339)
	task := &model.TaskRecord{
		ID:                id,
		ExternalSessionID: req.ExternalSessionID,
		UserAlias:         req.UserAlias,
		UserID:            req.UserID,
		SessionType:       req.SessionType,
		RiskLevel:         req.RiskLevel,
		Priority:          req.Priority,
		Context:           req.Context,
		State:             model.StateOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if _, err := c.store.Create(task); err != nil {
		return nil, err
	}
	c.index.Push(task)
	c.counters.inc(counterCreated)
	c.log(LogLevelInfo, "task_created id=%s session=%s risk=%s priority=%d type=%s",
		task.ID, task.ExternalSessionID, task.RiskLevel, task.Priority, task.SessionType)

	c.broadcaster.Publish(events.NewEvent(events.EventTaskCreated, task, ""))

	// The broadcast is the offer. It confers no claim; the state flip
	// is informational for the dashboard.
	if c.broadcaster.EligibleSessionCount(task) > 0 {
		if offered, err := c.markOffered(task.ID); err == nil {
			return offered, nil
		}
	}
	return task, nil
}

func (c *Coordinator) markOffered(taskID string) (*model.TaskRecord, error) {
	var out *model.TaskRecord
	err := c.locks.WithLock(taskID, func() error {
		updated, err := c.store.Update(taskID, func(t *model.TaskRecord) error {
			if t.State != model.StateOpen {
				return fmt.Errorf("task %s is %s, not open", taskID, t.State)
			}
			t.State = model.StateOffered
			t.UpdatedAt = c.now().Format(time.RFC3339)
			return nil
		})
		out = updated
		return err
	})
	return out, err
}

// Accept is the race-resolving claim. Exactly one concurrent caller
// wins; the rest observe ErrAlreadyTaken. The capacity-1 check comes
// first so a busy mentor is rejected without touching the task.
func (c *Coordinator) Accept(taskID, mentorID, notes string) (*model.TaskRecord, error) {
	if taskID == "" || mentorID == "" {
		return nil, fmt.Errorf("task_id and mentor_id are required")
	}

	if held, ok := c.tracker.Assignment(mentorID); ok {
		c.counters.inc(counterRejected)
		return nil, fmt.Errorf("%w: mentor=%s holds %s", ErrMentorBusy, mentorID, held)
	}

	current, err := c.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if !c.eligible(mentorID, current) {
		c.counters.inc(counterRejected)
		return nil, fmt.Errorf("%w: mentor=%s task=%s", ErrIneligible, mentorID, taskID)
	}

	var assigned *model.TaskRecord
	err = c.locks.WithLock(taskID, func() error {
		// Reserve the mentor before committing the task so two
		// simultaneous accepts by the same mentor on different tasks
		// cannot both land.
		if err := c.tracker.SetAssignment(mentorID, taskID); err != nil {
			return err
		}

		updated, err := c.store.Update(taskID, func(t *model.TaskRecord) error {
			if !t.State.Claimable() {
				if t.State == model.StateExpired {
					return fmt.Errorf("%w: %s", ErrExpired, taskID)
				}
				return fmt.Errorf("%w: %s is %s", ErrAlreadyTaken, taskID, t.State)
			}
			if err := model.ValidateTaskTransition(t.State, model.StateAssigned); err != nil {
				return err
			}
			t.State = model.StateAssigned
			t.AssignedMentorID = &mentorID
			if notes != "" {
				t.AcceptNotes = &notes
			}
			t.UpdatedAt = c.now().Format(time.RFC3339)
			return nil
		})
		if err != nil {
			c.tracker.ClearAssignment(mentorID, taskID)
			return err
		}

		// Index removal happens inside the critical section so PeekTop
		// can never hand out an assigned task.
		c.index.Remove(taskID)
		assigned = updated
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyTaken) || errors.Is(err, ErrExpired) || errors.Is(err, ErrMentorBusy) {
			c.counters.inc(counterRejected)
		}
		return nil, err
	}

	if createdAt, perr := time.Parse(time.RFC3339, assigned.CreatedAt); perr == nil {
		c.estimator.RecordAccept(assigned.RiskLevel, c.now().Sub(createdAt))
	}
	c.counters.inc(counterAssigned)
	c.log(LogLevelInfo, "task_assigned id=%s mentor=%s risk=%s", taskID, mentorID, assigned.RiskLevel)

	c.broadcaster.Publish(events.NewEvent(events.EventTaskAssigned, assigned, ""))
	return assigned, nil
}

// Withdraw cancels a task on behalf of the intake collaborator, e.g.
// when the user's session ended. Withdrawing an assigned task releases
// the mentor.
func (c *Coordinator) Withdraw(taskID, reason string) (*model.TaskRecord, error) {
	var withdrawn *model.TaskRecord
	err := c.locks.WithLock(taskID, func() error {
		updated, err := c.store.Update(taskID, func(t *model.TaskRecord) error {
			if err := model.ValidateTaskTransition(t.State, model.StateWithdrawn); err != nil {
				return err
			}
			t.State = model.StateWithdrawn
			if reason != "" {
				t.WithdrawReason = &reason
			}
			t.UpdatedAt = c.now().Format(time.RFC3339)
			return nil
		})
		if err != nil {
			return err
		}
		c.index.Remove(taskID)
		withdrawn = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	if withdrawn.AssignedMentorID != nil {
		c.tracker.ClearAssignment(*withdrawn.AssignedMentorID, taskID)
	}
	c.counters.inc(counterWithdrawn)
	c.log(LogLevelInfo, "task_withdrawn id=%s reason=%q", taskID, reason)

	c.broadcaster.Publish(events.NewEvent(events.EventTaskWithdrawn, withdrawn, reason))
	return withdrawn, nil
}

// Requeue returns an abandoned assignment to the open queue with its
// original created_at, so the task keeps its place in the starvation
// ordering. Called by the presence tracker after the grace period and
// by the startup reconciliation pass.
func (c *Coordinator) Requeue(taskID, mentorID string) (*model.TaskRecord, error) {
	var requeued *model.TaskRecord
	err := c.locks.WithLock(taskID, func() error {
		updated, err := c.store.Update(taskID, func(t *model.TaskRecord) error {
			if t.State != model.StateAssigned {
				return fmt.Errorf("task %s is %s, not assigned", taskID, t.State)
			}
			if t.AssignedMentorID == nil || *t.AssignedMentorID != mentorID {
				return fmt.Errorf("task %s is not assigned to %s", taskID, mentorID)
			}
			if err := model.ValidateTaskTransition(t.State, model.StateOpen); err != nil {
				return err
			}
			t.State = model.StateOpen
			t.AssignedMentorID = nil
			t.AcceptNotes = nil
			t.UpdatedAt = c.now().Format(time.RFC3339)
			return nil
		})
		if err != nil {
			return err
		}
		c.index.Push(updated)
		requeued = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.tracker.ClearAssignment(mentorID, taskID)
	c.counters.inc(counterRequeued)
	c.log(LogLevelWarn, "task_requeued id=%s mentor=%s (assignment abandoned)", taskID, mentorID)

	c.broadcaster.Publish(events.NewEvent(events.EventTaskRequeued, requeued, "mentor disconnected"))
	return requeued, nil
}

// ExpireSweep ages out claimable tasks past the waiting ceiling.
// Expiry is terminal; the broadcast tells the intake side to escalate
// outside this core (page a supervisor). Returns how many expired.
func (c *Coordinator) ExpireSweep(now time.Time) int {
	ceiling := time.Duration(c.cfg.Assignment.WaitCeilingMin) * time.Minute
	if ceiling <= 0 {
		return 0
	}

	expired := 0
	for _, t := range c.store.ListOpen() {
		createdAt, err := time.Parse(time.RFC3339, t.CreatedAt)
		if err != nil || now.Sub(createdAt) < ceiling {
			continue
		}

		taskID := t.ID
		var out *model.TaskRecord
		err = c.locks.WithLock(taskID, func() error {
			updated, uerr := c.store.Update(taskID, func(rec *model.TaskRecord) error {
				// Re-check under the lock: an accept may have won since
				// the snapshot was taken.
				if !rec.State.Claimable() {
					return fmt.Errorf("task %s is %s", taskID, rec.State)
				}
				if verr := model.ValidateTaskTransition(rec.State, model.StateExpired); verr != nil {
					return verr
				}
				rec.State = model.StateExpired
				rec.UpdatedAt = c.now().Format(time.RFC3339)
				return nil
			})
			if uerr != nil {
				return uerr
			}
			c.index.Remove(taskID)
			out = updated
			return nil
		})
		if err != nil {
			continue
		}

		expired++
		c.counters.inc(counterExpired)
		c.log(LogLevelWarn, "task_expired id=%s waited=%s ceiling=%s", taskID, now.Sub(createdAt), ceiling)
		c.broadcaster.Publish(events.NewEvent(events.EventTaskExpired, out, "wait ceiling exceeded"))
	}
	return expired
}

// PurgeTerminal deletes withdrawn/expired records older than the
// retention window. Completed-assignment history belongs to an
// external collaborator, not this store.
func (c *Coordinator) PurgeTerminal(now time.Time) int {
	retain := time.Duration(c.cfg.Assignment.RetainTerminalMin) * time.Minute
	if retain <= 0 {
		retain = 30 * time.Minute
	}

	purged := 0
	for _, t := range c.store.List() {
		if !model.IsTerminal(t.State) {
			continue
		}
		updatedAt, err := time.Parse(time.RFC3339, t.UpdatedAt)
		if err != nil || now.Sub(updatedAt) < retain {
			continue
		}
		if err := c.store.Delete(t.ID); err == nil {
			purged++
		}
	}
	return purged
}

// TaskView is the wire shape the dashboard's active_sessions listing
// expects.
type TaskView struct {
	ID                string            `json:"id"`
	TaskSID           string            `json:"task_sid"`
	UserAlias         string            `json:"user_alias"`
	UserID            string            `json:"user_id"`
	SessionType       model.SessionType `json:"session_type"`
	RiskLevel         model.RiskLevel   `json:"risk_level"`
	Priority          int               `json:"priority"`
	State             model.TaskState   `json:"state"`
	CreatedAt         string            `json:"created_at"`
	Context           map[string]string `json:"context,omitempty"`
	EstimatedWaitMin  int               `json:"estimated_wait_time"`
	AssignedMentorID  *string           `json:"assigned_mentor_id,omitempty"`
}

// ListOpen returns the claimable queue in priority order with lazily
// computed wait estimates.
func (c *Coordinator) ListOpen() []TaskView {
	ordered := c.orderedOpen()
	estimates := c.estimator.EstimateOpen(func() []*model.TaskRecord { return ordered })

	views := make([]TaskView, 0, len(ordered))
	for _, t := range ordered {
		views = append(views, TaskView{
			ID:               t.ID,
			TaskSID:          t.ExternalSessionID,
			UserAlias:        t.UserAlias,
			UserID:           t.UserID,
			SessionType:      t.SessionType,
			RiskLevel:        t.RiskLevel,
			Priority:         t.Priority,
			State:            t.State,
			CreatedAt:        t.CreatedAt,
			Context:          t.Context,
			EstimatedWaitMin: estimates[t.ID],
		})
	}
	return views
}

// orderedOpen resolves the index order against the store snapshot.
func (c *Coordinator) orderedOpen() []*model.TaskRecord {
	open := c.store.ListOpen()
	byID := make(map[string]*model.TaskRecord, len(open))
	for _, t := range open {
		byID[t.ID] = t
	}

	var ordered []*model.TaskRecord
	for _, id := range c.index.Ordered() {
		if t, ok := byID[id]; ok {
			ordered = append(ordered, t)
		}
	}
	return ordered
}

// PeekTop returns the most urgent claimable task.
func (c *Coordinator) PeekTop() (*model.TaskRecord, bool) {
	for {
		id, ok := c.index.PeekTop()
		if !ok {
			return nil, false
		}
		t, err := c.store.Get(id)
		if err != nil {
			// Store and index drifted (deleted record); self-heal.
			c.index.Remove(id)
			continue
		}
		return t, true
	}
}

// Stats returns the aggregate counts the dashboard renders.
func (c *Coordinator) Stats() (activeTasks, crisisAlerts int) {
	return c.store.Counts()
}

func (c *Coordinator) log(level LogLevel, format string, args ...any) {
	if level < c.logLevel || c.logger == nil {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s coordinator: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
