// Package store implements FileStore: the authoritative, file-per-task
// durable record store under a repository's .tak/ directory, including
// directory-tree initialization, random 64-bit id allocation, atomic
// read/write/delete, and cheap metadata fingerprinting.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kthwaite/tak/internal/errs"
	"github.com/kthwaite/tak/internal/lock"
	"github.com/kthwaite/tak/internal/model"
	"github.com/kthwaite/tak/internal/taskid"
)

// ConfigVersion is the current .tak/config.json schema version.
const ConfigVersion = 1

// Config is the persisted .tak/config.json document.
type Config struct {
	Version int `json:"version"`
}

// FileStore owns every task record under a repository's .tak/tasks/
// directory. It is the sole writer of task file bytes; the graphindex
// package is a derived, rebuildable view over it.
type FileStore struct {
	root string // path to .tak
}

func (s *FileStore) tasksDir() string      { return filepath.Join(s.root, "tasks") }
func (s *FileStore) configPath() string    { return filepath.Join(s.root, "config.json") }
func (s *FileStore) idLockPath() string    { return filepath.Join(s.root, "task-id.lock") }
func (s *FileStore) taskPath(id taskid.ID) string {
	return filepath.Join(s.tasksDir(), id.String()+".json")
}

// Root returns the .tak directory path this store is rooted at.
func (s *FileStore) Root() string { return s.root }

// Init creates a fresh .tak/ directory tree rooted at repoRoot/.tak.
// Fails with errs.AlreadyInitialized if a config file already exists.
func Init(repoRoot string) (*FileStore, error) {
	root := filepath.Join(repoRoot, ".tak")
	s := &FileStore{root: root}

	if _, err := os.Stat(s.configPath()); err == nil {
		return nil, errs.AlreadyInitializedErr()
	}

	dirs := []string{
		"tasks", "context", "history", "artifacts",
		"verification_results", "learnings", "therapist",
		filepath.Join("runtime", "work", "states"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, errs.IOErr(err)
		}
	}

	if err := writeFileAtomic(filepath.Join(root, "therapist", "observations.jsonl"), nil); err != nil {
		return nil, err
	}

	gitignore := "index.db\n*.lock\nartifacts/\nverification_results/\nruntime/\n"
	if err := writeFileAtomic(filepath.Join(root, ".gitignore"), []byte(gitignore)); err != nil {
		return nil, err
	}

	cfg := Config{Version: ConfigVersion}
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, errs.JSONErr(err)
	}
	if err := writeFileAtomic(s.configPath(), b); err != nil {
		return nil, err
	}

	return s, nil
}

// Open opens an existing .tak/ directory. Fails with errs.NotInitialized if
// no config file is present.
func Open(repoRoot string) (*FileStore, error) {
	root := filepath.Join(repoRoot, ".tak")
	s := &FileStore{root: root}
	if _, err := os.Stat(s.configPath()); err != nil {
		return nil, errs.NotInitializedErr()
	}
	return s, nil
}

// CreateParams are the normalized inputs to Create.
type CreateParams struct {
	Title       string
	Kind        model.Kind
	Description *string
	Parent      *taskid.ID
	DependsOn   []model.Dependency
	Tags        []string
	Contract    model.Contract
	Planning    model.Planning
}

// Create validates references, allocates a fresh random id, normalizes
// tags/dependencies, and durably writes the new task.
func (s *FileStore) Create(p CreateParams) (model.Task, error) {
	if p.Parent != nil {
		if _, err := s.Read(*p.Parent); err != nil {
			return model.Task{}, err
		}
	}
	for _, dep := range p.DependsOn {
		if _, err := s.Read(dep.ID); err != nil {
			return model.Task{}, err
		}
	}

	now := time.Now().UTC()
	task := model.Task{
		Title:       p.Title,
		Description: p.Description,
		Status:      model.StatusPending,
		Kind:        p.Kind,
		Parent:      p.Parent,
		DependsOn:   p.DependsOn,
		Tags:        p.Tags,
		Contract:    p.Contract,
		Planning:    p.Planning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	task.Normalize()
	if err := task.Validate(); err != nil {
		return model.Task{}, errs.New(errs.InvalidTaskID, err.Error())
	}

	id, err := s.allocateID()
	if err != nil {
		return model.Task{}, err
	}
	task.ID = id

	if err := s.writeTask(task); err != nil {
		return model.Task{}, err
	}
	return task, nil
}

// allocateID serializes concurrent id allocation through task-id.lock,
// drawing a fresh random 64-bit value and confirming no existing task file
// already occupies it before returning, retrying on the extremely rare
// collision.
func (s *FileStore) allocateID() (taskid.ID, error) {
	var id taskid.ID
	err := lock.WithLock(s.idLockPath(), func() error {
		for attempt := 0; attempt < 8; attempt++ {
			candidate, err := taskid.Generate()
			if err != nil {
				return errs.IOErr(err)
			}
			if _, statErr := os.Stat(s.taskPath(candidate)); os.IsNotExist(statErr) {
				id = candidate
				return nil
			}
		}
		return errs.New(errs.IO, "failed to allocate a unique task id after repeated collisions")
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Read loads the task with the given id, also accepting a legacy decimal
// filename as a fallback for migration compatibility.
func (s *FileStore) Read(id taskid.ID) (model.Task, error) {
	data, err := os.ReadFile(s.taskPath(id))
	if os.IsNotExist(err) {
		legacy := filepath.Join(s.tasksDir(), fmt.Sprintf("%d.json", uint64(id)))
		data, err = os.ReadFile(legacy)
	}
	if err != nil {
		return model.Task{}, errs.TaskNotFoundErr(id.String())
	}
	var task model.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return model.Task{}, errs.JSONErr(err)
	}
	return task, nil
}

// Write overwrites a task atomically, preserving whatever Extensions the
// caller has set. Fails with errs.TaskNotFound if the task does not exist.
func (s *FileStore) Write(task model.Task) error {
	if _, err := os.Stat(s.taskPath(task.ID)); err != nil {
		return errs.TaskNotFoundErr(task.ID.String())
	}
	task.Normalize()
	return s.writeTask(task)
}

func (s *FileStore) writeTask(task model.Task) error {
	b, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return errs.JSONErr(err)
	}
	if err := os.MkdirAll(s.tasksDir(), 0o755); err != nil {
		return errs.IOErr(err)
	}
	return writeFileAtomic(s.taskPath(task.ID), b)
}

// Delete removes a task's file. Fails with errs.TaskNotFound if absent.
func (s *FileStore) Delete(id taskid.ID) error {
	path := s.taskPath(id)
	if _, err := os.Stat(path); err != nil {
		return errs.TaskNotFoundErr(id.String())
	}
	if err := os.Remove(path); err != nil {
		return errs.IOErr(err)
	}
	return nil
}

// ListIDs enumerates every task id present in the tasks directory (both
// canonical-hex and legacy-decimal filenames), sorted ascending.
func (s *FileStore) ListIDs() ([]taskid.ID, error) {
	entries, err := os.ReadDir(s.tasksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.IOErr(err)
	}
	ids := make([]taskid.ID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".json")
		if stem == e.Name() {
			continue
		}
		id, err := taskid.ParseCLI(stem)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ListAll reads every task in the store, sorted by ascending id.
func (s *FileStore) ListAll() ([]model.Task, error) {
	ids, err := s.ListIDs()
	if err != nil {
		return nil, err
	}
	tasks := make([]model.Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.Read(id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// ReadMany reads a specific set of ids, in the given order.
func (s *FileStore) ReadMany(ids []taskid.ID) ([]model.Task, error) {
	tasks := make([]model.Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.Read(id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Fingerprint returns a cheap, metadata-only digest of the tasks
// directory: the sorted sequence of (id, size, mtime_nanos) for every task
// file, joined into a single comparable string. It detects additions,
// deletions, and in-place edits, including same-size edits via nanosecond
// mtime resolution.
func (s *FileStore) Fingerprint() (string, error) {
	entries, err := os.ReadDir(s.tasksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errs.IOErr(err)
	}

	type row struct {
		id    taskid.ID
		size  int64
		mtime int64
	}
	rows := make([]row, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".json")
		if stem == e.Name() {
			continue
		}
		id, err := taskid.ParseCLI(stem)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return "", errs.IOErr(err)
		}
		rows = append(rows, row{id: id, size: info.Size(), mtime: info.ModTime().UnixNano()})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })

	parts := make([]string, 0, len(rows))
	for _, r := range rows {
		parts = append(parts, fmt.Sprintf("%s:%d:%d", r.id, r.size, r.mtime))
	}
	return strings.Join(parts, ","), nil
}

// writeFileAtomic writes data to a temp file in the same directory as path
// and renames it into place, so readers never observe a partial write.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errs.IOErr(err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.IOErr(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.IOErr(err)
	}
	if err := tmp.Close(); err != nil {
		return errs.IOErr(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errs.IOErr(err)
	}
	return nil
}
