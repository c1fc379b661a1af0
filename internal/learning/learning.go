// Package learning implements LearningStore: a file-per-record durable
// store for Learning records, mirroring internal/store's FileStore in
// shape (random id allocation, atomic write, metadata fingerprint) but
// over a distinct id space and directory.
package learning

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

// TaskChecker reports whether a task id exists, so Store can enforce that
// every task_ids entry references a real task at write time.
type TaskChecker interface {
	Read(id taskid.ID) (model.Task, error)
}

// Store owns every learning record under a repository's .tak/learnings/
// directory.
type Store struct {
	root  string // path to .tak
	tasks TaskChecker
}

// New returns a learning Store rooted at the given .tak directory, using
// tasks to validate task_ids references at write time.
func New(takRoot string, tasks TaskChecker) *Store {
	return &Store{root: takRoot, tasks: tasks}
}

func (s *Store) learningsDir() string { return filepath.Join(s.root, "learnings") }
func (s *Store) idLockPath() string   { return filepath.Join(s.root, "learning-id.lock") }
func (s *Store) learningPath(id model.LearningID) string {
	return filepath.Join(s.learningsDir(), id.String()+".json")
}

// CreateParams are the normalized inputs to Create.
type CreateParams struct {
	Title       string
	Description *string
	Category    model.LearningCategory
	Tags        []string
	TaskIDs     []taskid.ID
}

// Create validates every task_ids reference, allocates a fresh random id,
// normalizes tags/task_ids, and durably writes the new learning.
func (s *Store) Create(p CreateParams) (model.Learning, error) {
	for _, id := range p.TaskIDs {
		if _, err := s.tasks.Read(id); err != nil {
			return model.Learning{}, err
		}
	}

	now := time.Now().UTC()
	l := model.Learning{
		Title:       p.Title,
		Description: p.Description,
		Category:    p.Category,
		Tags:        p.Tags,
		TaskIDs:     p.TaskIDs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	l.Normalize()
	if err := l.Validate(); err != nil {
		return model.Learning{}, errs.New(errs.JSON, err.Error())
	}

	id, err := s.allocateID()
	if err != nil {
		return model.Learning{}, err
	}
	l.ID = id

	if err := s.writeLearning(l); err != nil {
		return model.Learning{}, err
	}
	return l, nil
}

func (s *Store) allocateID() (model.LearningID, error) {
	var id model.LearningID
	err := lock.WithLock(s.idLockPath(), func() error {
		for attempt := 0; attempt < 8; attempt++ {
			candidate, err := model.GenerateLearningID()
			if err != nil {
				return errs.IOErr(err)
			}
			if _, statErr := os.Stat(s.learningPath(candidate)); os.IsNotExist(statErr) {
				id = candidate
				return nil
			}
		}
		return errs.New(errs.IO, "failed to allocate a unique learning id after repeated collisions")
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Read loads the learning with the given id, also accepting a legacy
// decimal filename as a fallback.
func (s *Store) Read(id model.LearningID) (model.Learning, error) {
	data, err := os.ReadFile(s.learningPath(id))
	if os.IsNotExist(err) {
		legacy := filepath.Join(s.learningsDir(), fmt.Sprintf("%d.json", uint64(id)))
		data, err = os.ReadFile(legacy)
	}
	if err != nil {
		return model.Learning{}, errs.LearningNotFoundErr(id.String())
	}
	var l model.Learning
	if err := json.Unmarshal(data, &l); err != nil {
		return model.Learning{}, errs.JSONErr(err)
	}
	return l, nil
}

// Write overwrites a learning atomically after re-validating task_ids and
// normalizing. Fails with errs.LearningNotFound if absent.
func (s *Store) Write(l model.Learning) error {
	if _, err := os.Stat(s.learningPath(l.ID)); err != nil {
		return errs.LearningNotFoundErr(l.ID.String())
	}
	for _, id := range l.TaskIDs {
		if _, err := s.tasks.Read(id); err != nil {
			return err
		}
	}
	l.Normalize()
	return s.writeLearning(l)
}

func (s *Store) writeLearning(l model.Learning) error {
	b, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return errs.JSONErr(err)
	}
	if err := os.MkdirAll(s.learningsDir(), 0o755); err != nil {
		return errs.IOErr(err)
	}
	return writeFileAtomic(s.learningPath(l.ID), b)
}

// Delete removes a learning's file. Fails with errs.LearningNotFound if
// absent.
func (s *Store) Delete(id model.LearningID) error {
	path := s.learningPath(id)
	if _, err := os.Stat(path); err != nil {
		return errs.LearningNotFoundErr(id.String())
	}
	if err := os.Remove(path); err != nil {
		return errs.IOErr(err)
	}
	return nil
}

// ListIDs enumerates every learning id present, sorted ascending.
func (s *Store) ListIDs() ([]model.LearningID, error) {
	entries, err := os.ReadDir(s.learningsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.IOErr(err)
	}
	ids := make([]model.LearningID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".json")
		if stem == e.Name() {
			continue
		}
		v, err := taskid.ParseCLI(stem)
		if err != nil {
			continue
		}
		ids = append(ids, model.LearningID(v))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ListAll reads every learning in the store, sorted by ascending id.
func (s *Store) ListAll() ([]model.Learning, error) {
	ids, err := s.ListIDs()
	if err != nil {
		return nil, err
	}
	learnings := make([]model.Learning, 0, len(ids))
	for _, id := range ids {
		l, err := s.Read(id)
		if err != nil {
			return nil, err
		}
		learnings = append(learnings, l)
	}
	return learnings, nil
}

// Fingerprint returns a cheap, metadata-only digest of the learnings
// directory, in the same (id, size, mtime_nanos) shape as
// internal/store.FileStore.Fingerprint.
func (s *Store) Fingerprint() (string, error) {
	entries, err := os.ReadDir(s.learningsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errs.IOErr(err)
	}

	type row struct {
		id    model.LearningID
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
		v, err := taskid.ParseCLI(stem)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return "", errs.IOErr(err)
		}
		rows = append(rows, row{id: model.LearningID(v), size: info.Size(), mtime: info.ModTime().UnixNano()})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })

	parts := make([]string, 0, len(rows))
	for _, r := range rows {
		parts = append(parts, fmt.Sprintf("%s:%d:%d", r.id, r.size, r.mtime))
	}
	return strings.Join(parts, ","), nil
}

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
