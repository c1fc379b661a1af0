// Package protocol implements the multi-step coordination protocols that
// tie FileStore, GraphIndex, Sidecars, LockManager, and CoordinationDB
// together: Claim, Wait, Takeover, and Scoped Verify.
package protocol

import (
	"path/filepath"
	"time"

	"github.com/kthwaite/tak/internal/errs"
	"github.com/kthwaite/tak/internal/gitinfo"
	"github.com/kthwaite/tak/internal/lock"
	"github.com/kthwaite/tak/internal/model"
	"github.com/kthwaite/tak/internal/repo"
	"github.com/kthwaite/tak/internal/sidecar"
	"github.com/kthwaite/tak/internal/taskid"
)

func claimLockPath(f *repo.Facade) string {
	return filepath.Join(f.Store.Root(), "claim.lock")
}

// Claim acquires the repo-wide claim lock, selects the first available
// task (optionally restricted to one carrying tag), transitions it
// pending -> in_progress, assigns it, records git HEAD on first start, and
// emits a "claim" history event. Fails with NoAvailableTask if nothing
// matches.
func Claim(f *repo.Facade, assignee string, tag *string) (model.Task, error) {
	var claimed model.Task

	err := lock.WithLock(claimLockPath(f), func() error {
		available, err := f.Index.Available(&assignee)
		if err != nil {
			return err
		}

		id, found, err := selectCandidate(f, available, tag)
		if err != nil {
			return err
		}
		if !found {
			return errs.NoAvailableTaskErr()
		}

		task, err := f.Store.Read(id)
		if err != nil {
			return err
		}

		task.Status = model.StatusInProgress
		task.Assignee = &assignee

		if task.Git.StartCommit == "" {
			if info, ok := gitinfo.Current(f.Root); ok {
				task.Git.Branch = info.Branch
				task.Git.StartCommit = info.SHA
			}
		}

		task.UpdatedAt = time.Now().UTC()

		if err := f.Store.Write(task); err != nil {
			return err
		}
		if err := f.Index.Upsert(task); err != nil {
			return err
		}

		agent := assignee
		if err := f.Sidecars.AppendHistory(task.ID, sidecar.HistoryEntry{
			Timestamp: task.UpdatedAt,
			Event:     "claim",
			Agent:     &agent,
		}); err != nil {
			return err
		}

		claimed = task
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	return claimed, nil
}

// selectCandidate scans available in order for the first task whose tags
// contain tag; with no tag it takes the first available task.
func selectCandidate(f *repo.Facade, available []taskid.ID, tag *string) (taskid.ID, bool, error) {
	if tag == nil {
		if len(available) == 0 {
			return 0, false, nil
		}
		return available[0], true, nil
	}
	for _, id := range available {
		task, err := f.Store.Read(id)
		if err != nil {
			continue
		}
		for _, t := range task.Tags {
			if t == *tag {
				return id, true, nil
			}
		}
	}
	return 0, false, nil
}
