package protocol

import (
	"testing"

	"github.com/kthwaite/tak/internal/errs"
	"github.com/kthwaite/tak/internal/model"
	"github.com/kthwaite/tak/internal/store"
)

func TestWaitForPathReturnsImmediatelyWhenClear(t *testing.T) {
	f := openTestRepo(t)

	elapsed, err := WaitForPath(f, "src/foo.go", nil)
	if err != nil {
		t.Fatalf("WaitForPath: %v", err)
	}
	if elapsed < 0 {
		t.Fatalf("got negative elapsed %v", elapsed)
	}
}

func TestWaitForPathTimesOutWithBlockerDetail(t *testing.T) {
	f := openTestRepo(t)

	if _, err := f.Coordination.Join("holder", "sess-1", "/repo", nil, nil); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := f.Coordination.Reserve("holder", []string{"src/foo.go"}, "editing", nil); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	timeout := int64(0)
	_, err := WaitForPath(f, "src/foo.go", &timeout)
	if errs.CodeOf(err) != errs.WaitTimeout {
		t.Fatalf("got %v, want wait_timeout", err)
	}
	msg := err.Error()
	if !contains(msg, "holder") || !contains(msg, "src/foo.go") {
		t.Fatalf("message missing blocker detail: %q", msg)
	}
}

func TestWaitForTaskReturnsImmediatelyWhenUnblocked(t *testing.T) {
	f := openTestRepo(t)
	task := createTask(t, f, store.CreateParams{Title: "solo", Kind: model.KindTask})

	if _, err := WaitForTask(f, task.ID, nil); err != nil {
		t.Fatalf("WaitForTask: %v", err)
	}
}

func TestWaitForTaskTimesOutListingUnresolvedDependencies(t *testing.T) {
	f := openTestRepo(t)
	dep := createTask(t, f, store.CreateParams{Title: "dep", Kind: model.KindTask})
	blocked := createTask(t, f, store.CreateParams{
		Title:     "blocked",
		Kind:      model.KindTask,
		DependsOn: []model.Dependency{{ID: dep.ID}},
	})
	if err := f.Index.Upsert(blocked); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	timeout := int64(0)
	_, err := WaitForTask(f, blocked.ID, &timeout)
	if errs.CodeOf(err) != errs.WaitTimeout {
		t.Fatalf("got %v, want wait_timeout", err)
	}
	if !contains(err.Error(), dep.ID.String()) {
		t.Fatalf("message missing dependency id: %q", err.Error())
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
