package protocol

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/kthwaite/tak/internal/errs"
	"github.com/kthwaite/tak/internal/lock"
	"github.com/kthwaite/tak/internal/model"
	"github.com/kthwaite/tak/internal/repo"
	"github.com/kthwaite/tak/internal/sidecar"
	"github.com/kthwaite/tak/internal/taskid"
)

func takeoverLockPath(f *repo.Facade, id taskid.ID) string {
	return filepath.Join(f.Store.Root(), "takeover", id.String()+".lock")
}

// Takeover reassigns an in_progress task away from its current owner.
// Unless force is true, it first checks the owner's agent registration:
// if the registration's updated_at is within staleAfterSecs of now, the
// owner is still considered active and takeover fails with Locked. A
// per-task lock serializes concurrent takeover attempts so exactly one
// contender wins a race.
func Takeover(f *repo.Facade, id taskid.ID, newAssignee string, staleAfterSecs int64, force bool) (model.Task, error) {
	lockPath := takeoverLockPath(f, id)
	if err := ensureDir(filepath.Dir(lockPath)); err != nil {
		return model.Task{}, err
	}

	var result model.Task

	err := lock.WithLock(lockPath, func() error {
		task, err := f.Store.Read(id)
		if err != nil {
			return err
		}
		if task.Status != model.StatusInProgress {
			return errs.InvalidTransitionErr(string(task.Status), string(model.StatusInProgress))
		}

		oldOwner := ""
		if task.Assignee != nil {
			oldOwner = *task.Assignee
		}

		if !force && oldOwner != "" && ownerIsActive(f, oldOwner, staleAfterSecs) {
			return errs.LockedErr(fmt.Sprintf("owner '%s' is active", oldOwner))
		}

		task.Assignee = &newAssignee
		task.UpdatedAt = time.Now().UTC()

		if err := f.Store.Write(task); err != nil {
			return err
		}
		if err := f.Index.Upsert(task); err != nil {
			return err
		}

		agent := newAssignee
		if err := f.Sidecars.AppendHistory(task.ID, sidecar.HistoryEntry{
			Timestamp: task.UpdatedAt,
			Event:     "takeover",
			Agent:     &agent,
			Detail:    map[string]any{"old_owner": oldOwner},
		}); err != nil {
			return err
		}

		result = task
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	return result, nil
}

// ownerIsActive reports whether owner's last registered heartbeat is
// recent enough to still be considered active. An owner with no
// registration at all is never active.
func ownerIsActive(f *repo.Facade, owner string, staleAfterSecs int64) bool {
	agent, err := f.Coordination.GetAgent(owner)
	if err != nil {
		return false
	}
	age := time.Since(agent.UpdatedAt)
	return age < time.Duration(staleAfterSecs)*time.Second
}
