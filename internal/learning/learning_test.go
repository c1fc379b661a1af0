package learning

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kthwaite/tak/internal/errs"
	"github.com/kthwaite/tak/internal/model"
	"github.com/kthwaite/tak/internal/taskid"
)

type fakeTasks struct {
	existing map[taskid.ID]bool
}

func (f *fakeTasks) Read(id taskid.ID) (model.Task, error) {
	if f.existing[id] {
		return model.Task{ID: id}, nil
	}
	return model.Task{}, errs.TaskNotFoundErr(id.String())
}

func newTestStore(t *testing.T, existing ...taskid.ID) *Store {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "learnings"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	m := map[taskid.ID]bool{}
	for _, id := range existing {
		m[id] = true
	}
	return New(dir, &fakeTasks{existing: m})
}

func TestCreateAndReadLearning(t *testing.T) {
	s := newTestStore(t, 1)
	l, err := s.Create(CreateParams{
		Title: "watch out for flaky retries", Category: model.LearningInsight, TaskIDs: []taskid.ID{1},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if l.ID == 0 {
		t.Fatalf("expected non-zero id")
	}
	read, err := s.Read(l.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if read.Title != l.Title {
		t.Fatalf("got %q", read.Title)
	}
}

func TestCreateRejectsUnknownTaskID(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create(CreateParams{Title: "x", Category: model.LearningInsight, TaskIDs: []taskid.ID{99}}); errs.CodeOf(err) != errs.TaskNotFound {
		t.Fatalf("expected task_not_found, got %v", err)
	}
}

func TestCreateDeduplicatesTagsAndTaskIDs(t *testing.T) {
	s := newTestStore(t, 1, 2)
	l, err := s.Create(CreateParams{
		Title:    "x",
		Category: model.LearningPattern,
		Tags:     []string{"a", "b", "a"},
		TaskIDs:  []taskid.ID{1, 2, 1},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(l.Tags) != 2 {
		t.Fatalf("tags = %v, want 2 entries", l.Tags)
	}
	if len(l.TaskIDs) != 2 {
		t.Fatalf("task_ids = %v, want 2 entries", l.TaskIDs)
	}
}

func TestDeleteLearning(t *testing.T) {
	s := newTestStore(t)
	l, _ := s.Create(CreateParams{Title: "x", Category: model.LearningTool})
	if err := s.Delete(l.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read(l.ID); errs.CodeOf(err) != errs.LearningNotFound {
		t.Fatalf("expected learning_not_found, got %v", err)
	}
}

func TestListAllSortedByID(t *testing.T) {
	s := newTestStore(t)
	s.Create(CreateParams{Title: "A", Category: model.LearningInsight})
	s.Create(CreateParams{Title: "B", Category: model.LearningPitfall})
	all, err := s.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d, want 2", len(all))
	}
	if all[0].ID > all[1].ID {
		t.Fatalf("expected ascending order: %v", all)
	}
}

func TestFingerprintChangesOnCreateAndDelete(t *testing.T) {
	s := newTestStore(t)
	fp0, _ := s.Fingerprint()
	l, err := s.Create(CreateParams{Title: "x", Category: model.LearningInsight})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fp1, _ := s.Fingerprint()
	if fp0 == fp1 {
		t.Fatalf("fingerprint did not change after create")
	}
	s.Delete(l.ID)
	fp2, _ := s.Fingerprint()
	if fp2 != fp0 {
		t.Fatalf("fingerprint after delete = %q, want %q", fp2, fp0)
	}
}

func TestWriteRevalidatesTaskIDs(t *testing.T) {
	s := newTestStore(t, 1)
	l, err := s.Create(CreateParams{Title: "x", Category: model.LearningInsight, TaskIDs: []taskid.ID{1}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	l.TaskIDs = append(l.TaskIDs, 99)
	if err := s.Write(l); errs.CodeOf(err) != errs.TaskNotFound {
		t.Fatalf("expected task_not_found on write with unknown task id, got %v", err)
	}
}
