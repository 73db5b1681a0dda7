package daemon

import (
	"fmt"

	"github.com/havenline/dispatch/internal/model"
)

// ReconcileRepair describes one repair made by the startup
// reconciliation pass.
type ReconcileRepair struct {
	Pattern string // "R1", "R2", "R3"
	TaskID  string
	Detail  string
}

// Reconcile repairs the restored snapshot after a restart. Patterns:
//
//	R1: claimable task missing from the index → re-index.
//	R2: assigned task whose mentor is unreachable → adopt the
//	    assignment into the presence tracker, which re-queues it if
//	    the mentor does not reconnect within the grace period.
//	R3: assigned task with no assignee recorded → corrupt pairing,
//	    reopened immediately.
//
// The only fatal loss is the store itself; everything recoverable is
// folded back into normal operation rather than assumed abandoned.
func (d *Daemon) Reconcile() []ReconcileRepair {
	var repairs []ReconcileRepair

	for _, t := range d.store.List() {
		switch {
		case t.State.Claimable():
			if !d.index.Contains(t.ID) {
				d.index.Push(t)
				repairs = append(repairs, ReconcileRepair{
					Pattern: "R1",
					TaskID:  t.ID,
					Detail:  fmt.Sprintf("re-indexed %s task", t.State),
				})
			}

		case t.State == model.StateAssigned:
			if t.AssignedMentorID == nil {
				if _, err := d.store.Update(t.ID, func(rec *model.TaskRecord) error {
					rec.State = model.StateOpen
					rec.AssignedMentorID = nil
					return nil
				}); err == nil {
					if reopened, gerr := d.store.Get(t.ID); gerr == nil {
						d.index.Push(reopened)
					}
					repairs = append(repairs, ReconcileRepair{
						Pattern: "R3",
						TaskID:  t.ID,
						Detail:  "assigned with no assignee, reopened",
					})
				}
				continue
			}

			mentorID := *t.AssignedMentorID
			d.tracker.AdoptAssignment(mentorID, t.ID)
			repairs = append(repairs, ReconcileRepair{
				Pattern: "R2",
				TaskID:  t.ID,
				Detail:  fmt.Sprintf("assignment to %s adopted, grace timer armed", mentorID),
			})
		}
	}

	return repairs
}
