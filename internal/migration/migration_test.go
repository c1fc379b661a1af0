package migration

import (
	"testing"
	"time"

	"github.com/kthwaite/tak/internal/model"
	"github.com/kthwaite/tak/internal/repo"
	"github.com/kthwaite/tak/internal/sidecar"
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

func TestRenumberPreservesParentAndDependencyLinks(t *testing.T) {
	f := openTestRepo(t)

	parent, err := f.Store.Create(store.CreateParams{Title: "parent", Kind: model.KindTask})
	if err != nil {
		t.Fatalf("Create parent: %v", err)
	}
	if err := f.Index.Upsert(parent); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	child, err := f.Store.Create(store.CreateParams{
		Title:     "child",
		Kind:      model.KindTask,
		Parent:    &parent.ID,
		DependsOn: []model.Dependency{{ID: parent.ID}},
	})
	if err != nil {
		t.Fatalf("Create child: %v", err)
	}
	if err := f.Index.Upsert(child); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	audit, err := Renumber(f)
	if err != nil {
		t.Fatalf("Renumber: %v", err)
	}
	if audit.Count != 2 {
		t.Fatalf("got count %d, want 2", audit.Count)
	}

	ids, err := f.Store.ListIDs()
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}

	var newParentID, newChildID *model.Task
	for _, id := range ids {
		task, err := f.Store.Read(id)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		tCopy := task
		if task.Title == "parent" {
			newParentID = &tCopy
		} else {
			newChildID = &tCopy
		}
	}
	if newParentID == nil || newChildID == nil {
		t.Fatalf("missing rewritten tasks")
	}
	if newChildID.Parent == nil || *newChildID.Parent != newParentID.ID {
		t.Fatalf("child parent link not rewritten: %+v", newChildID.Parent)
	}
	if len(newChildID.DependsOn) != 1 || newChildID.DependsOn[0].ID != newParentID.ID {
		t.Fatalf("child dependency link not rewritten: %+v", newChildID.DependsOn)
	}

	if newParentID.ID == parent.ID || newChildID.ID == child.ID {
		t.Fatalf("ids were not actually renumbered")
	}
}

func TestRenumberRewritesSidecarHistory(t *testing.T) {
	f := openTestRepo(t)
	task, err := f.Store.Create(store.CreateParams{Title: "t", Kind: model.KindTask})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.Index.Upsert(task); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	agent := "agent-1"
	entry := sidecar.HistoryEntry{Timestamp: time.Now().UTC(), Event: "claim", Agent: &agent}
	if err := f.Sidecars.AppendHistory(task.ID, entry); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	_, err = Renumber(f)
	if err != nil {
		t.Fatalf("Renumber: %v", err)
	}

	ids, err := f.Store.ListIDs()
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("got %d ids, want 1", len(ids))
	}

	entries, err := f.Sidecars.ReadHistory(ids[0])
	if err != nil {
		t.Fatalf("ReadHistory: %v", err)
	}
	if len(entries) != 1 || entries[0].Event != "claim" {
		t.Fatalf("history was not carried over: %+v", entries)
	}
}
