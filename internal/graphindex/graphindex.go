// Package graphindex implements the derived, rebuildable SQLite index over
// the FileStore's tasks: availability/blocking computation, parent/child
// and dependency lookups, cycle detection, a best-effort learnings text
// search, and the two fingerprint rows that drive the staleness-rebuild
// protocol in RepoFacade.
package graphindex

import (
	_ "embed"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kthwaite/tak/internal/errs"
	"github.com/kthwaite/tak/internal/model"
	"github.com/kthwaite/tak/internal/taskid"
)

//go:embed schema.sql
var schemaSQL string

// Index is the derived, SQLite-backed view over the task graph. It is
// never the source of truth; FileStore owns that, and Index can be
// rebuilt from it at any time.
type Index struct {
	db *sql.DB
}

// Open creates (if necessary) and opens the index database at path.
func Open(path string) (*Index, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.IOErr(err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errs.DBErr(err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errs.DBErr(err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	if idx.db == nil {
		return nil
	}
	return idx.db.Close()
}

// UsesTextTaskIDSchema reports whether the tasks table's id column is the
// current TEXT-keyed (canonical hex) schema. A legacy integer-keyed schema
// forces the caller (RepoFacade's staleness protocol) to delete the index
// file and re-open.
func (idx *Index) UsesTextTaskIDSchema() (bool, error) {
	rows, err := idx.db.Query(`PRAGMA table_info(tasks)`)
	if err != nil {
		return true, errs.DBErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return true, errs.DBErr(err)
		}
		if name == "id" {
			return strings.EqualFold(ctype, "TEXT"), nil
		}
	}
	// No tasks table yet: a freshly-opened index is current by definition.
	return true, nil
}

// Upsert inserts or replaces a single task's metadata, dependency edges,
// and tag associations.
func (idx *Index) Upsert(task model.Task) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return errs.DBErr(err)
	}
	if err := upsertTx(tx, task); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.DBErr(err)
	}
	return nil
}

func upsertTx(tx *sql.Tx, task model.Task) error {
	var parent sql.NullString
	if task.Parent != nil {
		parent = sql.NullString{String: task.Parent.String(), Valid: true}
	}
	var assignee sql.NullString
	if task.Assignee != nil {
		assignee = sql.NullString{String: *task.Assignee, Valid: true}
	}

	if _, err := tx.Exec(`
		INSERT INTO tasks (id, kind, status, assignee, parent) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind, status=excluded.status,
			assignee=excluded.assignee, parent=excluded.parent
	`, task.ID.String(), string(task.Kind), string(task.Status), assignee, parent); err != nil {
		return errs.DBErr(err)
	}

	if _, err := tx.Exec(`DELETE FROM dependency_edges WHERE task_id = ?`, task.ID.String()); err != nil {
		return errs.DBErr(err)
	}
	for _, dep := range task.DependsOn {
		if _, err := tx.Exec(`INSERT INTO dependency_edges (task_id, dep_id) VALUES (?, ?)`,
			task.ID.String(), dep.ID.String()); err != nil {
			return errs.DBErr(err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM tags WHERE task_id = ?`, task.ID.String()); err != nil {
		return errs.DBErr(err)
	}
	for _, tag := range task.Tags {
		if _, err := tx.Exec(`INSERT INTO tags (task_id, tag) VALUES (?, ?)`, task.ID.String(), tag); err != nil {
			return errs.DBErr(err)
		}
	}
	return nil
}

// Remove deletes a task's metadata, dependency edges (incoming and
// outgoing), and tag associations, orphaning any children's parent link in
// the index (the FileStore itself decides whether to orphan or cascade).
func (idx *Index) Remove(id taskid.ID) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return errs.DBErr(err)
	}
	idStr := id.String()
	stmts := []struct {
		query string
		args  []any
	}{
		{`UPDATE tasks SET parent = NULL WHERE parent = ?`, []any{idStr}},
		{`DELETE FROM dependency_edges WHERE task_id = ? OR dep_id = ?`, []any{idStr, idStr}},
		{`DELETE FROM tags WHERE task_id = ?`, []any{idStr}},
		{`DELETE FROM tasks WHERE id = ?`, []any{idStr}},
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s.query, s.args...); err != nil {
			tx.Rollback()
			return errs.DBErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.DBErr(err)
	}
	return nil
}

// Rebuild truncates and repopulates the task-derived tables from the given
// authoritative task list.
func (idx *Index) Rebuild(tasks []model.Task) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return errs.DBErr(err)
	}
	for _, table := range []string{"tasks", "dependency_edges", "tags"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			tx.Rollback()
			return errs.DBErr(err)
		}
	}
	for _, task := range tasks {
		if err := upsertTx(tx, task); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.DBErr(err)
	}
	return nil
}

var wordRegex = regexp.MustCompile(`[a-zA-Z0-9_]+`)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"is": true, "in": true, "to": true, "of": true, "for": true,
	"it": true, "on": true, "at": true, "by": true, "this": true,
	"that": true, "with": true, "from": true, "as": true, "be": true,
	"was": true, "are": true, "been": true, "being": true, "have": true,
	"has": true, "had": true, "do": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true,
	"i": true, "you": true, "we": true, "they": true, "he": true, "she": true,
}

// tokenize lowercases, word-splits, and strips stopwords/very-short terms,
// the same normalization applied to both indexed and queried text so
// SuggestLearnings matches on meaningful terms only.
func tokenize(text string) []string {
	matches := wordRegex.FindAllString(strings.ToLower(text), -1)
	terms := make([]string, 0, len(matches))
	for _, term := range matches {
		if len(term) >= 2 && !stopwords[term] {
			terms = append(terms, term)
		}
	}
	return terms
}

// RebuildLearnings truncates and repopulates the learnings text-search
// table from the given authoritative learning list.
func (idx *Index) RebuildLearnings(learnings []model.Learning) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return errs.DBErr(err)
	}
	if _, err := tx.Exec(`DELETE FROM learnings`); err != nil {
		tx.Rollback()
		return errs.DBErr(err)
	}
	for _, l := range learnings {
		terms := append(tokenize(l.Title), tokenize(strings.Join(l.Tags, " "))...)
		if _, err := tx.Exec(`INSERT INTO learnings (id, title, terms) VALUES (?, ?, ?)`,
			l.ID.String(), l.Title, strings.Join(terms, " ")); err != nil {
			tx.Rollback()
			return errs.DBErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.DBErr(err)
	}
	return nil
}

type taskRow struct {
	id       taskid.ID
	status   model.Status
	assignee *string
	parent   *taskid.ID
}

func (idx *Index) loadTasks() (map[taskid.ID]taskRow, error) {
	rows, err := idx.db.Query(`SELECT id, status, assignee, parent FROM tasks`)
	if err != nil {
		return nil, errs.DBErr(err)
	}
	defer rows.Close()

	out := make(map[taskid.ID]taskRow)
	for rows.Next() {
		var idStr, status string
		var assignee, parent sql.NullString
		if err := rows.Scan(&idStr, &status, &assignee, &parent); err != nil {
			return nil, errs.DBErr(err)
		}
		id, err := taskid.ParseCLI(idStr)
		if err != nil {
			return nil, errs.DBErr(err)
		}
		row := taskRow{id: id, status: model.Status(status)}
		if assignee.Valid {
			v := assignee.String
			row.assignee = &v
		}
		if parent.Valid {
			pid, err := taskid.ParseCLI(parent.String)
			if err != nil {
				return nil, errs.DBErr(err)
			}
			row.parent = &pid
		}
		out[id] = row
	}
	return out, nil
}

func (idx *Index) loadDependencyEdges() (map[taskid.ID][]taskid.ID, map[taskid.ID][]taskid.ID, error) {
	rows, err := idx.db.Query(`SELECT task_id, dep_id FROM dependency_edges`)
	if err != nil {
		return nil, nil, errs.DBErr(err)
	}
	defer rows.Close()

	deps := make(map[taskid.ID][]taskid.ID)
	dependents := make(map[taskid.ID][]taskid.ID)
	for rows.Next() {
		var taskStr, depStr string
		if err := rows.Scan(&taskStr, &depStr); err != nil {
			return nil, nil, errs.DBErr(err)
		}
		taskID, err := taskid.ParseCLI(taskStr)
		if err != nil {
			return nil, nil, errs.DBErr(err)
		}
		depID, err := taskid.ParseCLI(depStr)
		if err != nil {
			return nil, nil, errs.DBErr(err)
		}
		deps[taskID] = append(deps[taskID], depID)
		dependents[depID] = append(dependents[depID], taskID)
	}
	return deps, dependents, nil
}

// hasTerminalAncestor reports whether any ancestor in id's parent chain has
// a terminal (done/cancelled) status.
func hasTerminalAncestor(id taskid.ID, tasks map[taskid.ID]taskRow) bool {
	cur, ok := tasks[id]
	if !ok {
		return false
	}
	seen := map[taskid.ID]bool{id: true}
	for cur.parent != nil {
		pid := *cur.parent
		if seen[pid] {
			break // malformed cycle in parent chain; do not loop forever
		}
		seen[pid] = true
		parentRow, ok := tasks[pid]
		if !ok {
			break
		}
		if parentRow.status.IsTerminal() {
			return true
		}
		cur = parentRow
	}
	return false
}

// Available returns the sorted ids of tasks satisfying the §3 availability
// invariant: pending, every dependency terminal, no terminal ancestor.
// When assignee is non-nil, results are scoped to that agent's tasks plus
// unassigned tasks.
func (idx *Index) Available(assignee *string) ([]taskid.ID, error) {
	tasks, err := idx.loadTasks()
	if err != nil {
		return nil, err
	}
	deps, _, err := idx.loadDependencyEdges()
	if err != nil {
		return nil, err
	}

	var out []taskid.ID
	for id, row := range tasks {
		if row.status != model.StatusPending {
			continue
		}
		if assignee != nil && row.assignee != nil && *row.assignee != *assignee {
			continue
		}
		blocked := false
		for _, dep := range deps[id] {
			depRow, ok := tasks[dep]
			if !ok || !depRow.status.IsTerminal() {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		if hasTerminalAncestor(id, tasks) {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Blocked returns the sorted ids of tasks that are pending and have at
// least one non-terminal dependency.
func (idx *Index) Blocked() ([]taskid.ID, error) {
	tasks, err := idx.loadTasks()
	if err != nil {
		return nil, err
	}
	deps, _, err := idx.loadDependencyEdges()
	if err != nil {
		return nil, err
	}

	var out []taskid.ID
	for id, row := range tasks {
		if row.status != model.StatusPending {
			continue
		}
		for _, dep := range deps[id] {
			depRow, ok := tasks[dep]
			if !ok || !depRow.status.IsTerminal() {
				out = append(out, id)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// IsBlocked reports whether a single task is blocked, per the same rule as
// Blocked.
func (idx *Index) IsBlocked(id taskid.ID) (bool, error) {
	tasks, err := idx.loadTasks()
	if err != nil {
		return false, err
	}
	row, ok := tasks[id]
	if !ok || row.status != model.StatusPending {
		return false, nil
	}
	deps, _, err := idx.loadDependencyEdges()
	if err != nil {
		return false, err
	}
	for _, dep := range deps[id] {
		depRow, ok := tasks[dep]
		if !ok || !depRow.status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// ChildrenOf returns the sorted ids of tasks whose parent is id.
func (idx *Index) ChildrenOf(id taskid.ID) ([]taskid.ID, error) {
	return idx.queryIDs(`SELECT id FROM tasks WHERE parent = ? ORDER BY id ASC`, id.String())
}

// Roots returns the sorted ids of tasks with no parent.
func (idx *Index) Roots() ([]taskid.ID, error) {
	return idx.queryIDs(`SELECT id FROM tasks WHERE parent IS NULL ORDER BY id ASC`)
}

// DependentsOf returns the sorted ids of tasks that declare a dependency on id.
func (idx *Index) DependentsOf(id taskid.ID) ([]taskid.ID, error) {
	return idx.queryIDs(`SELECT task_id FROM dependency_edges WHERE dep_id = ? ORDER BY task_id ASC`, id.String())
}

func (idx *Index) queryIDs(query string, args ...any) ([]taskid.ID, error) {
	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, errs.DBErr(err)
	}
	defer rows.Close()

	var out []taskid.ID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, errs.DBErr(err)
		}
		id, err := taskid.ParseCLI(idStr)
		if err != nil {
			return nil, errs.DBErr(err)
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// WouldCycle reports whether adding a dependency edge id -> newDepID would
// create a cycle: true if id == newDepID, or if newDepID can already reach
// id via existing dependency edges.
func (idx *Index) WouldCycle(id, newDepID taskid.ID) (bool, error) {
	if id == newDepID {
		return true, nil
	}
	deps, _, err := idx.loadDependencyEdges()
	if err != nil {
		return false, err
	}
	visited := map[taskid.ID]bool{newDepID: true}
	queue := []taskid.ID{newDepID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == id {
			return true, nil
		}
		for _, next := range deps[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false, nil
}

// SuggestLearnings returns up to limit learning ids whose title or tags
// share at least one tokenized term with text, best matches first (most
// shared terms, then lexicographically by id for determinism).
func (idx *Index) SuggestLearnings(text string, limit int) ([]string, error) {
	queryTerms := tokenize(text)
	if len(queryTerms) == 0 {
		return nil, nil
	}
	rows, err := idx.db.Query(`SELECT id, terms FROM learnings`)
	if err != nil {
		return nil, errs.DBErr(err)
	}
	defer rows.Close()

	type scored struct {
		id    string
		score int
	}
	var candidates []scored
	for rows.Next() {
		var id, terms string
		if err := rows.Scan(&id, &terms); err != nil {
			return nil, errs.DBErr(err)
		}
		present := map[string]bool{}
		for _, t := range strings.Fields(terms) {
			present[t] = true
		}
		score := 0
		for _, qt := range queryTerms {
			if present[qt] {
				score++
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{id: id, score: score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out, nil
}

// GetFingerprint reads a named singleton fingerprint row ("tasks" or
// "learnings"). ok is false if no fingerprint has been set yet.
func (idx *Index) GetFingerprint(key string) (value string, ok bool, err error) {
	row := idx.db.QueryRow(`SELECT value FROM fingerprints WHERE key = ?`, key)
	if scanErr := row.Scan(&value); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, errs.DBErr(scanErr)
	}
	return value, true, nil
}

// SetFingerprint writes a named singleton fingerprint row.
func (idx *Index) SetFingerprint(key, value string) error {
	_, err := idx.db.Exec(`
		INSERT INTO fingerprints (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return errs.DBErr(err)
	}
	return nil
}

const (
	// FingerprintKeyTasks and FingerprintKeyLearnings name the two
	// singleton fingerprint rows described in spec.md §4.B.
	FingerprintKeyTasks     = "tasks"
	FingerprintKeyLearnings = "learnings"
)
