package protocol

import (
	"time"

	"github.com/kthwaite/tak/internal/errs"
	"github.com/kthwaite/tak/internal/repo"
	"github.com/kthwaite/tak/internal/taskid"
)

// Delete removes a task. Without force, it fails with TaskInUse if the
// task has children or dependents. With force, it orphans every child
// (clearing parent), removes incoming dependency edges from every
// dependent, updates their timestamps, removes the task from the index,
// deletes its file, and best-effort cleans up its sidecars. The
// index-first, file-second order is deliberate: a raced file delete is
// self-healed by the next fingerprint-driven rebuild.
func Delete(f *repo.Facade, id taskid.ID, force bool) error {
	if _, err := f.Store.Read(id); err != nil {
		return err
	}

	children, err := f.Index.ChildrenOf(id)
	if err != nil {
		return err
	}
	dependents, err := f.Index.DependentsOf(id)
	if err != nil {
		return err
	}

	if !force && (len(children) > 0 || len(dependents) > 0) {
		return errs.TaskInUseErr(id.String())
	}

	now := time.Now().UTC()

	for _, childID := range children {
		child, err := f.Store.Read(childID)
		if err != nil {
			return err
		}
		child.Parent = nil
		child.UpdatedAt = now
		if err := f.Store.Write(child); err != nil {
			return err
		}
		if err := f.Index.Upsert(child); err != nil {
			return err
		}
	}

	for _, depID := range dependents {
		dep, err := f.Store.Read(depID)
		if err != nil {
			return err
		}
		filtered := dep.DependsOn[:0]
		for _, d := range dep.DependsOn {
			if d.ID != id {
				filtered = append(filtered, d)
			}
		}
		dep.DependsOn = filtered
		dep.UpdatedAt = now
		if err := f.Store.Write(dep); err != nil {
			return err
		}
		if err := f.Index.Upsert(dep); err != nil {
			return err
		}
	}

	if err := f.Index.Remove(id); err != nil {
		return err
	}
	if err := f.Store.Delete(id); err != nil {
		return err
	}

	_ = f.Sidecars.Delete(id)

	return nil
}
