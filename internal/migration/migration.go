// Package migration implements the one operation allowed to touch every
// task file at once: renumbering every task id (e.g. legacy decimal ids
// to fresh random hex ids) while keeping the repository internally
// consistent, with a rollback path if the directory swap fails partway.
package migration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kthwaite/tak/internal/errs"
	"github.com/kthwaite/tak/internal/lock"
	"github.com/kthwaite/tak/internal/model"
	"github.com/kthwaite/tak/internal/repo"
	"github.com/kthwaite/tak/internal/taskid"
)

// Audit is the record written under .tak/migrations/ describing one
// completed renumbering run.
type Audit struct {
	Nonce string            `json:"nonce"`
	RanAt time.Time         `json:"ran_at"`
	IDMap map[string]string `json:"id_map"`
	Count int               `json:"count"`
}

// Renumber reassigns a fresh id to every task on disk, per spec.md §4.I:
// acquire the store's global lock, read every task, compute a 1:1 id map,
// rewrite each task in memory, stage the rewritten set into a sibling
// directory, swap it in with two directory renames (rolling back on
// failure), rewrite sidecar/learning references in place, and write an
// audit file. Returns the completed Audit on success.
func Renumber(f *repo.Facade) (Audit, error) {
	var audit Audit

	err := lock.WithLock(filepath.Join(f.Store.Root(), "task-id.lock"), func() error {
		tasks, err := f.Store.ListAll()
		if err != nil {
			return err
		}

		idMap, err := computeIDMap(tasks)
		if err != nil {
			return err
		}

		rewritten := make([]model.Task, len(tasks))
		for i, t := range tasks {
			rewritten[i] = rewriteTask(t, idMap)
		}

		nonce := uuid.NewString()
		tasksDir := filepath.Join(f.Store.Root(), "tasks")
		stagingDir := filepath.Join(f.Store.Root(), fmt.Sprintf("tasks.migrate.%s.staging", nonce))
		backupDir := filepath.Join(f.Store.Root(), fmt.Sprintf("tasks.migrate.%s.backup", nonce))

		if err := stageTasks(stagingDir, rewritten); err != nil {
			os.RemoveAll(stagingDir)
			return err
		}

		if err := os.Rename(tasksDir, backupDir); err != nil {
			os.RemoveAll(stagingDir)
			return errs.IOErr(err)
		}

		if err := os.Rename(stagingDir, tasksDir); err != nil {
			if rollbackErr := os.Rename(backupDir, tasksDir); rollbackErr != nil {
				return errs.IOErr(fmt.Errorf(
					"migration failed and rollback failed; original tasks preserved at %s: %w",
					backupDir, rollbackErr,
				))
			}
			return errs.IOErr(fmt.Errorf("migration failed, rolled back: %w", err))
		}

		os.RemoveAll(backupDir)

		if err := rewriteSidecars(f.Store.Root(), idMap); err != nil {
			return err
		}
		if err := rewriteLearnings(f.Store.Root(), idMap); err != nil {
			return err
		}

		for _, t := range rewritten {
			if err := f.Index.Upsert(t); err != nil {
				return err
			}
		}

		audit = Audit{
			Nonce: nonce,
			RanAt: time.Now().UTC(),
			IDMap: stringifyIDMap(idMap),
			Count: len(rewritten),
		}
		return writeAudit(f.Store.Root(), audit)
	})
	if err != nil {
		return Audit{}, err
	}
	return audit, nil
}

func computeIDMap(tasks []model.Task) (map[taskid.ID]taskid.ID, error) {
	idMap := make(map[taskid.ID]taskid.ID, len(tasks))
	seen := make(map[taskid.ID]bool, len(tasks))

	for _, t := range tasks {
		newID, err := taskid.Generate()
		if err != nil {
			return nil, err
		}
		for seen[newID] {
			newID, err = taskid.Generate()
			if err != nil {
				return nil, err
			}
		}
		seen[newID] = true
		idMap[t.ID] = newID
	}
	return idMap, nil
}

func rewriteTask(t model.Task, idMap map[taskid.ID]taskid.ID) model.Task {
	t.ID = idMap[t.ID]
	if t.Parent != nil {
		if mapped, ok := idMap[*t.Parent]; ok {
			p := mapped
			t.Parent = &p
		}
	}
	for i, dep := range t.DependsOn {
		if mapped, ok := idMap[dep.ID]; ok {
			t.DependsOn[i].ID = mapped
		}
	}
	t.Normalize()
	return t
}

func stageTasks(stagingDir string, tasks []model.Task) error {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return errs.IOErr(err)
	}
	for _, t := range tasks {
		b, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return errs.JSONErr(err)
		}
		path := filepath.Join(stagingDir, t.ID.String()+".json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			return errs.IOErr(err)
		}
	}
	return nil
}

// rewriteSidecars renames every per-task sidecar file (context note,
// history log plus its lock, verification snapshot, artifacts directory)
// from its old id to its new one. Missing files are skipped; a task with
// no sidecar history is the common case, not an error.
func rewriteSidecars(takRoot string, idMap map[taskid.ID]taskid.ID) error {
	renames := []struct {
		dir, suffix string
	}{
		{"context", ".md"},
		{"history", ".jsonl"},
		{"history", ".jsonl.lock"},
		{"verification_results", ".json"},
	}

	for oldID, newID := range idMap {
		for _, r := range renames {
			oldPath := filepath.Join(takRoot, r.dir, oldID.String()+r.suffix)
			newPath := filepath.Join(takRoot, r.dir, newID.String()+r.suffix)
			if err := renameIfExists(oldPath, newPath); err != nil {
				return err
			}
		}

		oldArtifacts := filepath.Join(takRoot, "artifacts", oldID.String())
		newArtifacts := filepath.Join(takRoot, "artifacts", newID.String())
		if err := renameIfExists(oldArtifacts, newArtifacts); err != nil {
			return err
		}
	}
	return nil
}

func renameIfExists(oldPath, newPath string) error {
	if _, err := os.Stat(oldPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.IOErr(err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return errs.IOErr(err)
	}
	return nil
}

// rewriteLearnings rewrites every learning record's task_ids in place to
// reference new ids. Learning ids themselves are a separate namespace and
// are never touched by a task renumbering.
func rewriteLearnings(takRoot string, idMap map[taskid.ID]taskid.ID) error {
	dir := filepath.Join(takRoot, "learnings")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.IOErr(err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return errs.IOErr(err)
		}

		var l model.Learning
		if err := json.Unmarshal(data, &l); err != nil {
			return errs.JSONErr(err)
		}

		changed := false
		for i, id := range l.TaskIDs {
			if mapped, ok := idMap[id]; ok {
				l.TaskIDs[i] = mapped
				changed = true
			}
		}
		if !changed {
			continue
		}

		b, err := json.MarshalIndent(l, "", "  ")
		if err != nil {
			return errs.JSONErr(err)
		}
		if err := os.WriteFile(path, b, 0o644); err != nil {
			return errs.IOErr(err)
		}
	}
	return nil
}

func writeAudit(takRoot string, audit Audit) error {
	dir := filepath.Join(takRoot, "migrations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.IOErr(err)
	}
	b, err := json.MarshalIndent(audit, "", "  ")
	if err != nil {
		return errs.JSONErr(err)
	}
	name := fmt.Sprintf("%s-renumber.json", audit.RanAt.Format("20060102T150405Z"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errs.IOErr(err)
	}
	return nil
}

func stringifyIDMap(idMap map[taskid.ID]taskid.ID) map[string]string {
	out := make(map[string]string, len(idMap))
	for k, v := range idMap {
		out[k.String()] = v.String()
	}
	return out
}
