package protocol

import (
	"testing"

	"github.com/kthwaite/tak/internal/model"
	"github.com/kthwaite/tak/internal/repo"
	"github.com/kthwaite/tak/internal/store"
)

func openTestRepo(t *testing.T) *repo.Facade {
	t.Helper()
	dir := t.TempDir()
	if _, err := store.Init(dir); err != nil {
		t.Fatalf("Init: %v", err)
	}
	f, err := repo.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func createTask(t *testing.T, f *repo.Facade, p store.CreateParams) model.Task {
	t.Helper()
	task, err := f.Store.Create(p)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.Index.Upsert(task); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return task
}
