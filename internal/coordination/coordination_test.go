package coordination

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/kthwaite/tak/internal/errs"
	"github.com/kthwaite/tak/internal/model"
	"github.com/kthwaite/tak/internal/sidecar"
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

func newTestDB(t *testing.T, existing ...taskid.ID) (*DB, *sidecar.Store) {
	t.Helper()
	dir := t.TempDir()
	m := map[taskid.ID]bool{}
	for _, id := range existing {
		m[id] = true
	}
	sc := sidecar.New(dir)
	db, err := Open(filepath.Join(dir, "coordination.db"), &fakeTasks{existing: m}, sc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, sc
}

func TestJoinThenGetAgentRoundTrips(t *testing.T) {
	db, _ := newTestDB(t)
	if _, err := db.Join("alice", "sid-1", "/repo", nil, nil); err != nil {
		t.Fatalf("Join: %v", err)
	}
	a, err := db.GetAgent("alice")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if a.SessionID != "sid-1" {
		t.Fatalf("got %q", a.SessionID)
	}
}

func TestJoinTwiceRefreshesWithoutResettingCreatedAt(t *testing.T) {
	db, _ := newTestDB(t)
	first, _ := db.Join("alice", "sid-1", "/repo", nil, nil)
	time.Sleep(10 * time.Millisecond)
	second, err := db.Join("alice", "sid-2", "/repo2", nil, nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if second.SessionID != "sid-2" {
		t.Fatalf("session_id not refreshed: %q", second.SessionID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed on refresh: %v vs %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestHeartbeatUnknownAgentFails(t *testing.T) {
	db, _ := newTestDB(t)
	if err := db.Heartbeat("ghost"); err == nil {
		t.Fatalf("expected error for unknown agent")
	}
}

func TestLeaveRemovesAgent(t *testing.T) {
	db, _ := newTestDB(t)
	db.Join("alice", "sid-1", "/repo", nil, nil)
	if err := db.Leave("alice"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if _, err := db.GetAgent("alice"); err == nil {
		t.Fatalf("expected agent gone after leave")
	}
}

func TestSendAndInboxRoundTrips(t *testing.T) {
	db, _ := newTestDB(t)
	db.Join("alice", "sid-a", "/repo", nil, nil)
	db.Join("helper", "sid-h", "/repo", nil, nil)
	if _, err := db.Send("alice", "helper", "hello", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs, err := db.Inbox("helper", InboxFilters{}, false)
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(msgs) != 1 || msgs[0].FromAgent != "alice" {
		t.Fatalf("got %+v", msgs)
	}
}

func TestBroadcastFansOutToEveryOtherAgent(t *testing.T) {
	db, _ := newTestDB(t)
	db.Join("alice", "sid-a", "/repo", nil, nil)
	db.Join("bob", "sid-b", "/repo", nil, nil)
	db.Join("helper", "sid-h", "/repo", nil, nil)
	sent, err := db.Broadcast("alice", "all hands")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("got %d recipients, want 2", len(sent))
	}
}

func TestInboxFiltersDoNotChangeAckSemantics(t *testing.T) {
	db, _ := newTestDB(t)
	db.Join("alice", "sid-a", "/repo", nil, nil)
	db.Join("bob", "sid-b", "/repo", nil, nil)
	db.Join("helper", "sid-h", "/repo", nil, nil)
	db.Send("alice", "helper", "old ping", nil)
	db.Send("bob", "helper", "fresh ping", nil)

	if _, err := db.Inbox("helper", InboxFilters{FromAgent: "alice"}, true); err != nil {
		t.Fatalf("Inbox ack: %v", err)
	}

	after, err := db.Inbox("helper", InboxFilters{}, false)
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("expected ack to clear entire inbox regardless of filter, got %d remaining", len(after))
	}
}

func TestInboxRecentSecsExcludesStaleMessages(t *testing.T) {
	db, _ := newTestDB(t)
	db.Join("alice", "sid-a", "/repo", nil, nil)
	db.Join("helper", "sid-h", "/repo", nil, nil)
	db.Send("alice", "helper", "ping", nil)
	db.db.Exec(`UPDATE messages SET created_at = ? WHERE to_agent = 'helper'`, time.Now().UTC().Add(-10*time.Minute).Format(time.RFC3339))

	recent, err := db.Inbox("helper", InboxFilters{RecentSecs: 60}, false)
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("expected stale message excluded, got %d", len(recent))
	}
}

func TestPostTemplateStatusSetsNoteType(t *testing.T) {
	db, _ := newTestDB(t)
	n, err := db.Post(PostParams{From: "agent-1", Message: "working", Template: TemplateStatus})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if n.NoteType != TemplateStatus {
		t.Fatalf("got note_type %q", n.NoteType)
	}
}

func TestPostCompletionTagSetsNoteType(t *testing.T) {
	db, _ := newTestDB(t)
	n, err := db.Post(PostParams{From: "agent-1", Message: "done", Tags: []string{TemplateCompletion}})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if n.NoteType != TemplateCompletion {
		t.Fatalf("got note_type %q", n.NoteType)
	}
}

func TestPostRejectsConflictingNoteTypeHints(t *testing.T) {
	db, _ := newTestDB(t)
	_, err := db.Post(PostParams{From: "agent-1", Message: "conflict", Template: TemplateStatus, Tags: []string{TemplateBlocker}})
	if errs.CodeOf(err) != errs.BlackboardInvalidMsg {
		t.Fatalf("expected blackboard_invalid_message, got %v", err)
	}
}

func TestPostRejectsUnknownTaskID(t *testing.T) {
	db, _ := newTestDB(t)
	_, err := db.Post(PostParams{From: "agent-1", Message: "x", TaskIDs: []taskid.ID{99}})
	if errs.CodeOf(err) != errs.TaskNotFound {
		t.Fatalf("expected task_not_found, got %v", err)
	}
}

func TestStatusPostsAutoSupersedeLatestOpenStatusForSameTask(t *testing.T) {
	db, _ := newTestDB(t, 1)
	first, err := db.Post(PostParams{From: "agent-1", Message: "initial status", Template: TemplateStatus, TaskIDs: []taskid.ID{1}})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	second, err := db.Post(PostParams{From: "agent-1", Message: "follow-up status", Template: TemplateStatus, TaskIDs: []taskid.ID{1}})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if second.SupersedesNoteID == nil || *second.SupersedesNoteID != first.ID {
		t.Fatalf("expected second to supersede first, got %+v", second)
	}

	reread, err := db.GetNote(first.ID)
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if reread.Status != "closed" {
		t.Fatalf("expected first note closed, got %q", reread.Status)
	}
	if reread.SupersededByNoteID == nil || *reread.SupersededByNoteID != second.ID {
		t.Fatalf("expected superseded_by_note_id = %d, got %+v", second.ID, reread.SupersededByNoteID)
	}
	wantReason := "superseded by B" + strconv.FormatInt(second.ID, 10)
	if reread.ClosedReason != wantReason {
		t.Fatalf("got closed_reason %q, want %q", reread.ClosedReason, wantReason)
	}
}

func TestCompletionSinceNoteSupersedesThreadlessStatusNote(t *testing.T) {
	db, _ := newTestDB(t)
	first, _ := db.Post(PostParams{From: "agent-1", Message: "initial status", Template: TemplateStatus})
	id := first.ID
	completion, err := db.Post(PostParams{From: "agent-1", Message: "done", Tags: []string{TemplateCompletion}, SinceNoteID: &id})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if completion.SupersedesNoteID == nil || *completion.SupersedesNoteID != first.ID {
		t.Fatalf("expected completion to supersede first, got %+v", completion)
	}
	reread, _ := db.GetNote(first.ID)
	if reread.Status != "closed" {
		t.Fatalf("expected first note closed")
	}
}

func TestListFiltersByStatusTagTaskAndFromAgent(t *testing.T) {
	db, _ := newTestDB(t, 1)
	db.Post(PostParams{From: "alice", Message: "old status", Tags: []string{"coordination"}, TaskIDs: []taskid.ID{1}})
	db.Post(PostParams{From: "bob", Message: "fresh status", Tags: []string{"coordination"}, TaskIDs: []taskid.ID{1}})

	db.db.Exec(`UPDATE notes SET created_at = ?, updated_at = ? WHERE id = 1`, time.Now().UTC().Add(-10*time.Minute).Format(time.RFC3339), time.Now().UTC().Add(-10*time.Minute).Format(time.RFC3339))

	taskOne := taskid.ID(1)
	byAuthor, err := db.List(ListFilters{Status: "open", Tag: "coordination", TaskID: &taskOne, FromAgent: "alice"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byAuthor) != 1 || byAuthor[0].FromAgent != "alice" {
		t.Fatalf("got %+v", byAuthor)
	}

	recentAuthor, err := db.List(ListFilters{Status: "open", Tag: "coordination", TaskID: &taskOne, FromAgent: "alice", RecentSecs: 60})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recentAuthor) != 0 {
		t.Fatalf("expected stale author note excluded, got %d", len(recentAuthor))
	}

	recentAny, err := db.List(ListFilters{Status: "open", Tag: "coordination", TaskID: &taskOne, RecentSecs: 60})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recentAny) != 1 || recentAny[0].FromAgent != "bob" {
		t.Fatalf("got %+v", recentAny)
	}
}

func TestCloseAndReopenNote(t *testing.T) {
	db, _ := newTestDB(t)
	n, _ := db.Post(PostParams{From: "agent-1", Message: "x"})
	if err := db.Close(n.ID, "agent-1", "done"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reread, _ := db.GetNote(n.ID)
	if reread.Status != "closed" || reread.ClosedReason != "done" {
		t.Fatalf("got %+v", reread)
	}
	if err := db.Reopen(n.ID, "agent-1"); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	reread, _ = db.GetNote(n.ID)
	if reread.Status != "open" || reread.ClosedReason != "" {
		t.Fatalf("got %+v", reread)
	}
}

func TestReserveListAndSnapshotIncludeAgeAndExpiry(t *testing.T) {
	db, _ := newTestDB(t)
	db.Join("owner-agent", "sid-owner", "/repo", nil, nil)
	if _, err := db.Reserve("owner-agent", []string{"src/store"}, "task-verify-owner", nil); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	all, err := db.ListReservations("")
	if err != nil {
		t.Fatalf("ListReservations: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d reservations, want 1", len(all))
	}

	filtered, err := db.ListReservations("src/store/mesh.go")
	if err != nil {
		t.Fatalf("ListReservations filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Path != "src/store" {
		t.Fatalf("got %+v", filtered)
	}

	snap, err := db.Snapshot("")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 1 {
		t.Fatalf("got %d snapshot rows, want 1", len(snap))
	}
	if snap[0].AgeSecs < 0 {
		t.Fatalf("age_secs negative: %d", snap[0].AgeSecs)
	}
}

func TestReleaseAllRemovesEveryReservationForAgent(t *testing.T) {
	db, _ := newTestDB(t)
	db.Reserve("owner-agent", []string{"src/store", "src/model"}, "", nil)
	n, err := db.Release("owner-agent", nil, true)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if n != 2 {
		t.Fatalf("got %d removed, want 2", n)
	}
	remaining, _ := db.ListReservations("")
	if len(remaining) != 0 {
		t.Fatalf("expected no reservations left, got %d", len(remaining))
	}
}

func TestPathsConflictMatchesReferenceCases(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"src/store/", "src/store/mesh.rs", true},
		{"src/store/mesh.rs", "src/store/", true},
		{"src/store", "src/store/", true},
		{"src/store/", "src/model.rs", false},
		{"./src/store/", "src/store/mesh.rs", true},
	}
	for _, c := range cases {
		if got := PathsConflict(c.a, c.b); got != c.want {
			t.Fatalf("PathsConflict(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestNormalizePathCases(t *testing.T) {
	cases := map[string]string{
		"src/./lib.rs":     "src/lib.rs",
		"src/../src/lib.rs": "src/lib.rs",
		"src//lib.rs":      "src/lib.rs",
		"./src/store/":     "src/store/",
		"src/store":        "src/store",
	}
	for in, want := range cases {
		if got := NormalizePath(in); got != want {
			t.Fatalf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFeedHidesHeartbeatByDefaultAndAllowsOptIn(t *testing.T) {
	db, _ := newTestDB(t)
	db.Join("agent-a", "sid-a", "/repo", nil, nil)
	db.Join("agent-b", "sid-b", "/repo", nil, nil)
	db.Heartbeat("agent-a")
	db.Send("agent-a", "agent-b", "ping", nil)

	defaultFeed, err := db.Feed(FeedFilters{Limit: 20})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	for _, e := range defaultFeed {
		if e.EventType == "mesh.heartbeat" {
			t.Fatalf("expected heartbeat excluded by default")
		}
	}

	withHeartbeat, err := db.Feed(FeedFilters{Limit: 20, IncludeHeartbeat: true})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	found := false
	for _, e := range withHeartbeat {
		if e.EventType == "mesh.heartbeat" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected heartbeat present when opted in")
	}
}

func TestFeedEventTypeAndRecentFiltersCompose(t *testing.T) {
	db, _ := newTestDB(t)
	db.Join("agent-a", "sid-a", "/repo", nil, nil)
	db.Join("agent-b", "sid-b", "/repo", nil, nil)
	db.Send("agent-a", "agent-b", "stale ping", nil)
	db.db.Exec(`UPDATE events SET created_at = ? WHERE event_type = 'mesh.send'`, time.Now().UTC().Add(-10*time.Minute).Format(time.RFC3339))

	stale, err := db.Feed(FeedFilters{EventType: "mesh.send", RecentSecs: 60, IncludeHeartbeat: true})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected stale mesh.send excluded, got %d", len(stale))
	}

	joins, err := db.Feed(FeedFilters{EventType: "mesh.join", RecentSecs: 60, Limit: 1})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(joins) != 1 || joins[0].EventType != "mesh.join" {
		t.Fatalf("got %+v", joins)
	}
}

func TestDeriveLinksCombinesExtractors(t *testing.T) {
	links := DeriveLinks("handoff refs: B8 mesh=550e8400-e29b-41d4-a716-446655440000")
	if len(links.BlackboardNoteIDs) != 1 || links.BlackboardNoteIDs[0] != "8" {
		t.Fatalf("got %+v", links.BlackboardNoteIDs)
	}
	if len(links.MeshMessageIDs) != 1 || links.MeshMessageIDs[0] != "550e8400-e29b-41d4-a716-446655440000" {
		t.Fatalf("got %+v", links.MeshMessageIDs)
	}
	if len(links.HistoryEventIDs) != 0 {
		t.Fatalf("expected no history_event_ids, got %+v", links.HistoryEventIDs)
	}
}

func TestExtractBlackboardNoteIDsFindsBPrefixTokens(t *testing.T) {
	ids := extractBlackboardNoteIDs("see B12, B7 and b42; ignore AB8 and Bx")
	want := []string{"12", "42", "7"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	for _, w := range want {
		if !seen[w] {
			t.Fatalf("missing %q in %v", w, ids)
		}
	}
}

func TestPostAppendsTaskHistoryWithDerivedLinks(t *testing.T) {
	db, sc := newTestDB(t, 1)
	n, err := db.Post(PostParams{From: "agent-1", Message: "see B3 for context", TaskIDs: []taskid.ID{1}})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	entries, err := sc.ReadHistory(1)
	if err != nil {
		t.Fatalf("ReadHistory: %v", err)
	}
	if len(entries) != 1 || entries[0].Event != "blackboard.post" {
		t.Fatalf("got %+v", entries)
	}
	if len(entries[0].Links.BlackboardNoteIDs) != 1 || entries[0].Links.BlackboardNoteIDs[0] != "3" {
		t.Fatalf("expected derived link to B3, got %+v", entries[0].Links)
	}
	_ = n
}
