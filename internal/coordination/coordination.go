// Package coordination implements CoordinationDB: the SQLite-backed agent
// registry, point-to-point/broadcast messaging, blackboard notes with
// typed templates and auto-supersession, path reservations with conflict
// detection, and the append-only event feed. Unlike GraphIndex, this
// database is the authority for its own records — nothing rebuilds it
// from elsewhere.
package coordination

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kthwaite/tak/internal/errs"
	"github.com/kthwaite/tak/internal/model"
	"github.com/kthwaite/tak/internal/sidecar"
	"github.com/kthwaite/tak/internal/taskid"
)

//go:embed schema.sql
var schemaSQL string

// TaskChecker reports whether a task id exists, so Post can enforce that
// every task_ids entry references a real task, mirroring the precedent
// set by internal/learning.TaskChecker.
type TaskChecker interface {
	Read(id taskid.ID) (model.Task, error)
}

// HistoryAppender writes a history-sidecar entry for a task. A narrower
// view of *sidecar.Store, injected so this package never depends on the
// full sidecar surface.
type HistoryAppender interface {
	AppendHistory(id taskid.ID, entry sidecar.HistoryEntry) error
}

// DB is the CoordinationDB handle for one repository.
type DB struct {
	db      *sql.DB
	tasks   TaskChecker
	history HistoryAppender
}

// Open creates (if necessary) and opens the coordination database at path.
// tasks validates blackboard task_ids references; history receives the
// derived-links history entries that Post appends to referenced tasks.
// Both may be nil, in which case task_ids validation and history
// side-effects are skipped (useful for standalone mesh/blackboard use
// without a FileStore present).
func Open(path string, tasks TaskChecker, history HistoryAppender) (*DB, error) {
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
	return &DB{db: db, tasks: tasks, history: history}, nil
}

// Close releases the underlying database handle.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ---------------------------------------------------------------------
// Agent registry
// ---------------------------------------------------------------------

// Agent is one row of the agent registry.
type Agent struct {
	Name      string          `json:"name"`
	SessionID string          `json:"session_id"`
	CWD       string          `json:"cwd"`
	PID       *int            `json:"pid,omitempty"`
	Extra     json.RawMessage `json:"extra,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Join registers an agent, or refreshes an existing registration's
// session_id/cwd/pid/extra and updated_at while preserving created_at.
func (d *DB) Join(name, sessionID, cwd string, pid *int, extra json.RawMessage) (Agent, error) {
	now := nowRFC3339()
	var extraStr sql.NullString
	if len(extra) > 0 {
		extraStr = sql.NullString{String: string(extra), Valid: true}
	}
	var pidVal sql.NullInt64
	if pid != nil {
		pidVal = sql.NullInt64{Int64: int64(*pid), Valid: true}
	}
	_, err := d.db.Exec(`
		INSERT INTO agents (name, session_id, cwd, pid, extra, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			session_id = excluded.session_id,
			cwd = excluded.cwd,
			pid = excluded.pid,
			extra = excluded.extra,
			updated_at = excluded.updated_at
	`, name, sessionID, cwd, pidVal, extraStr, now, now)
	if err != nil {
		return Agent{}, errs.DBErr(err)
	}
	if err := d.appendEvent("mesh.join", &name, nil, &cwd); err != nil {
		return Agent{}, err
	}
	return d.GetAgent(name)
}

// Leave removes an agent's registration.
func (d *DB) Leave(name string) error {
	res, err := d.db.Exec(`DELETE FROM agents WHERE name = ?`, name)
	if err != nil {
		return errs.DBErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.DB, fmt.Sprintf("agent %q not found", name))
	}
	return d.appendEvent("mesh.leave", &name, nil, nil)
}

// Heartbeat refreshes an agent's updated_at timestamp.
func (d *DB) Heartbeat(name string) error {
	res, err := d.db.Exec(`UPDATE agents SET updated_at = ? WHERE name = ?`, nowRFC3339(), name)
	if err != nil {
		return errs.DBErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.DB, fmt.Sprintf("agent %q not found", name))
	}
	return d.appendEvent("mesh.heartbeat", &name, nil, nil)
}

// ListAgents returns every registered agent, ordered by name.
func (d *DB) ListAgents() ([]Agent, error) {
	rows, err := d.db.Query(`SELECT name, session_id, cwd, pid, extra, created_at, updated_at FROM agents ORDER BY name ASC`)
	if err != nil {
		return nil, errs.DBErr(err)
	}
	defer rows.Close()
	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// GetAgent reads a single agent's registration.
func (d *DB) GetAgent(name string) (Agent, error) {
	row := d.db.QueryRow(`SELECT name, session_id, cwd, pid, extra, created_at, updated_at FROM agents WHERE name = ?`, name)
	a, err := scanAgent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Agent{}, errs.New(errs.DB, fmt.Sprintf("agent %q not found", name))
		}
		return Agent{}, err
	}
	return a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (Agent, error) {
	var a Agent
	var pid sql.NullInt64
	var extra sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&a.Name, &a.SessionID, &a.CWD, &pid, &extra, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Agent{}, sql.ErrNoRows
		}
		return Agent{}, errs.DBErr(err)
	}
	if pid.Valid {
		v := int(pid.Int64)
		a.PID = &v
	}
	if extra.Valid {
		a.Extra = json.RawMessage(extra.String)
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

// ---------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------

// Message is one row of the mesh message log.
type Message struct {
	ID         string         `json:"id"`
	FromAgent  string         `json:"from_agent"`
	ToAgent    string         `json:"to_agent"`
	Body       string         `json:"body"`
	InReplyTo  *string        `json:"in_reply_to,omitempty"`
	Links      sidecar.Links  `json:"links,omitempty"`
	Acked      bool           `json:"acked"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Send delivers a point-to-point message and returns the stored row.
func (d *DB) Send(from, to, text string, inReplyTo *string) (Message, error) {
	id := uuid.NewString()
	links := DeriveLinks(text)
	msg := Message{ID: id, FromAgent: from, ToAgent: to, Body: text, InReplyTo: inReplyTo, Links: links, CreatedAt: time.Now().UTC()}
	if err := d.insertMessage(msg); err != nil {
		return Message{}, err
	}
	if err := d.appendEvent("mesh.send", &from, &to, previewOf(text)); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Broadcast delivers text to every agent other than the sender and
// returns one Message row per recipient.
func (d *DB) Broadcast(from, text string) ([]Message, error) {
	agents, err := d.ListAgents()
	if err != nil {
		return nil, err
	}
	links := DeriveLinks(text)
	now := time.Now().UTC()
	var sent []Message
	for _, a := range agents {
		if a.Name == from {
			continue
		}
		msg := Message{ID: uuid.NewString(), FromAgent: from, ToAgent: a.Name, Body: text, Links: links, CreatedAt: now}
		if err := d.insertMessage(msg); err != nil {
			return nil, err
		}
		sent = append(sent, msg)
	}
	target := "*"
	if err := d.appendEvent("mesh.broadcast", &from, &target, previewOf(text)); err != nil {
		return nil, err
	}
	return sent, nil
}

func (d *DB) insertMessage(msg Message) error {
	var linksStr sql.NullString
	if b, _ := json.Marshal(msg.Links); string(b) != "{}" {
		linksStr = sql.NullString{String: string(b), Valid: true}
	}
	var inReplyTo sql.NullString
	if msg.InReplyTo != nil {
		inReplyTo = sql.NullString{String: *msg.InReplyTo, Valid: true}
	}
	_, err := d.db.Exec(`
		INSERT INTO messages (id, from_agent, to_agent, body, in_reply_to, links, acked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, msg.ID, msg.FromAgent, msg.ToAgent, msg.Body, inReplyTo, linksStr, msg.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return errs.DBErr(err)
	}
	return nil
}

// InboxFilters narrow an Inbox read. Zero values mean "no filter".
type InboxFilters struct {
	FromAgent  string
	RecentSecs int64
}

// Inbox returns messages addressed to `to`, most-recent first, applying
// filters to the returned rows. When ack is true, every currently unacked
// message addressed to `to` is then marked acknowledged by one UPDATE,
// regardless of the filters used to select the returned rows: filters
// narrow what is displayed, not what is acknowledged. The read and the
// UPDATE are separate statements, not one transaction, so a message that
// arrives between them is acknowledged without being returned.
func (d *DB) Inbox(to string, filters InboxFilters, ack bool) ([]Message, error) {
	query := `SELECT id, from_agent, to_agent, body, in_reply_to, links, acked, created_at FROM messages WHERE to_agent = ?`
	args := []any{to}
	if filters.FromAgent != "" {
		query += ` AND from_agent = ?`
		args = append(args, filters.FromAgent)
	}
	if filters.RecentSecs > 0 {
		cutoff := time.Now().UTC().Add(-time.Duration(filters.RecentSecs) * time.Second).Format(time.RFC3339)
		query += ` AND created_at >= ?`
		args = append(args, cutoff)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, errs.DBErr(err)
	}
	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		messages = append(messages, m)
	}
	rows.Close()

	if ack {
		res, err := d.db.Exec(`UPDATE messages SET acked = 1 WHERE to_agent = ? AND acked = 0`, to)
		if err != nil {
			return nil, errs.DBErr(err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if err := d.appendEvent("mesh.ack", &to, nil, nil); err != nil {
				return nil, err
			}
		}
	}
	return messages, nil
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var inReplyTo, links sql.NullString
	var acked int
	var createdAt string
	if err := rows.Scan(&m.ID, &m.FromAgent, &m.ToAgent, &m.Body, &inReplyTo, &links, &acked, &createdAt); err != nil {
		return Message{}, errs.DBErr(err)
	}
	if inReplyTo.Valid {
		m.InReplyTo = &inReplyTo.String
	}
	if links.Valid {
		json.Unmarshal([]byte(links.String), &m.Links)
	}
	m.Acked = acked != 0
	m.CreatedAt = parseTime(createdAt)
	return m, nil
}

func previewOf(text string) *string {
	const maxLen = 120
	t := strings.TrimSpace(text)
	if len(t) > maxLen {
		t = t[:maxLen]
	}
	return &t
}

// ---------------------------------------------------------------------
// Blackboard
// ---------------------------------------------------------------------

// Known note templates. "status" is only settable explicitly; "completion"
// and "blocker" double as tag hints (spec.md's named open question:
// precedence between these hint tags and an explicit --template flag).
const (
	TemplateStatus     = "status"
	TemplateCompletion = "completion"
	TemplateBlocker    = "blocker"
)

var templateHintTags = map[string]string{
	TemplateCompletion: TemplateCompletion,
	TemplateBlocker:    TemplateBlocker,
}

// Note is one row of the blackboard.
type Note struct {
	ID                 int64         `json:"id"`
	FromAgent          string        `json:"from_agent"`
	Message            string        `json:"message"`
	NoteType           string        `json:"note_type,omitempty"`
	Tags               []string      `json:"tags,omitempty"`
	TaskIDs            []taskid.ID   `json:"task_ids,omitempty"`
	Links              sidecar.Links `json:"links,omitempty"`
	Status             string        `json:"status"`
	ClosedBy           string        `json:"closed_by,omitempty"`
	ClosedReason       string        `json:"closed_reason,omitempty"`
	SupersedesNoteID   *int64        `json:"supersedes_note_id,omitempty"`
	SupersededByNoteID *int64        `json:"superseded_by_note_id,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// PostParams are the inputs to Post.
type PostParams struct {
	From             string
	Message          string
	Tags             []string
	TaskIDs          []taskid.ID
	Template         string // explicit --template value, "" if absent
	SinceNoteID      *int64
	SupersedesNoteID *int64
}

// resolveNoteType applies spec.md's template-hint-vs-explicit-flag
// conflict rule: an explicit template and a recognized hint tag
// (completion, blocker) must agree, or Post fails validation. Multiple
// disagreeing hint tags are likewise a conflict. "status" is never
// derived from a tag, only set explicitly.
func resolveNoteType(explicit string, tags []string) (string, error) {
	hint := ""
	for _, tag := range tags {
		if derived, ok := templateHintTags[strings.ToLower(strings.TrimSpace(tag))]; ok {
			if hint != "" && hint != derived {
				return "", errs.New(errs.BlackboardInvalidMsg, fmt.Sprintf("conflicting note-type hint tags %q and %q", hint, derived))
			}
			hint = derived
		}
	}
	if explicit != "" && hint != "" && explicit != hint {
		return "", errs.New(errs.BlackboardInvalidMsg, fmt.Sprintf("explicit template %q conflicts with hint tag %q", explicit, hint))
	}
	if explicit != "" {
		return explicit, nil
	}
	return hint, nil
}

// Post inserts a blackboard note, resolving its note type, validating
// task_ids, applying auto-supersession, and appending a matching history
// entry for each referenced task.
func (d *DB) Post(p PostParams) (Note, error) {
	noteType, err := resolveNoteType(p.Template, p.Tags)
	if err != nil {
		return Note{}, err
	}
	if d.tasks != nil {
		for _, id := range p.TaskIDs {
			if _, err := d.tasks.Read(id); err != nil {
				return Note{}, err
			}
		}
	}

	tags := normalizeTags(p.Tags)
	taskIDs := normalizeTaskIDList(p.TaskIDs)
	links := DeriveLinks(p.Message)
	now := nowRFC3339()

	var tagsStr, linksStr sql.NullString
	if len(tags) > 0 {
		b, _ := json.Marshal(tags)
		tagsStr = sql.NullString{String: string(b), Valid: true}
	}
	if b, _ := json.Marshal(links); string(b) != "{}" {
		linksStr = sql.NullString{String: string(b), Valid: true}
	}
	var noteTypeVal sql.NullString
	if noteType != "" {
		noteTypeVal = sql.NullString{String: noteType, Valid: true}
	}

	res, err := d.db.Exec(`
		INSERT INTO notes (from_agent, message, note_type, tags, links, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'open', ?, ?)
	`, p.From, p.Message, noteTypeVal, tagsStr, linksStr, now, now)
	if err != nil {
		return Note{}, errs.DBErr(err)
	}
	noteID, err := res.LastInsertId()
	if err != nil {
		return Note{}, errs.DBErr(err)
	}
	for _, id := range taskIDs {
		if _, err := d.db.Exec(`INSERT INTO note_task_ids (note_id, task_id) VALUES (?, ?)`, noteID, id.String()); err != nil {
			return Note{}, errs.DBErr(err)
		}
	}

	if err := d.applySupersession(noteID, noteType, p.From, taskIDs, p.SinceNoteID, p.SupersedesNoteID); err != nil {
		return Note{}, err
	}

	if d.history != nil {
		for _, id := range taskIDs {
			entry := sidecar.HistoryEntry{
				Timestamp: time.Now().UTC(),
				Event:     "blackboard.post",
				Agent:     &p.From,
				Detail:    map[string]any{"note_id": noteID, "message": p.Message},
				Links:     links,
			}
			if err := d.history.AppendHistory(id, entry); err != nil {
				return Note{}, err
			}
		}
	}

	from := p.From
	if err := d.appendEvent("blackboard.post", &from, nil, previewOf(p.Message)); err != nil {
		return Note{}, err
	}
	return d.GetNote(noteID)
}

// applySupersession implements spec.md's two auto-supersession rules:
// status-templated posts supersede the latest open status note by the
// same (agent, task) pair; completion-templated posts with an explicit
// since_note_id supersede that note regardless of agent.
func (d *DB) applySupersession(newID int64, noteType, from string, taskIDs []taskid.ID, sinceNoteID, explicitSupersedes *int64) error {
	var target int64
	found := false

	if explicitSupersedes != nil {
		target, found = *explicitSupersedes, true
	} else if noteType == TemplateCompletion && sinceNoteID != nil {
		target, found = *sinceNoteID, true
	} else if noteType == TemplateStatus {
		for _, taskID := range taskIDs {
			row := d.db.QueryRow(`
				SELECT n.id FROM notes n
				JOIN note_task_ids t ON t.note_id = n.id
				WHERE n.from_agent = ? AND t.task_id = ? AND n.note_type = 'status' AND n.status = 'open' AND n.id != ?
				ORDER BY n.id DESC LIMIT 1
			`, from, taskID.String(), newID)
			var id int64
			if err := row.Scan(&id); err == nil {
				target, found = id, true
				break
			} else if err != sql.ErrNoRows {
				return errs.DBErr(err)
			}
		}
	}

	if !found {
		return nil
	}

	now := nowRFC3339()
	reason := fmt.Sprintf("superseded by B%d", newID)
	res, err := d.db.Exec(`
		UPDATE notes SET status = 'closed', closed_by = ?, closed_reason = ?, superseded_by_note_id = ?, updated_at = ?
		WHERE id = ? AND status = 'open'
	`, from, reason, newID, now, target)
	if err != nil {
		return errs.DBErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if _, err := d.db.Exec(`UPDATE notes SET supersedes_note_id = ?, updated_at = ? WHERE id = ?`, target, now, newID); err != nil {
		return errs.DBErr(err)
	}
	return nil
}

// ListFilters narrow a blackboard List read. Zero values mean "no filter".
type ListFilters struct {
	Status     string
	Tag        string
	TaskID     *taskid.ID
	FromAgent  string
	RecentSecs int64
	Limit      int64
}

// List returns blackboard notes matching the given filters, most-recent
// first.
func (d *DB) List(f ListFilters) ([]Note, error) {
	query := `SELECT DISTINCT n.id FROM notes n`
	var args []any
	var where []string
	if f.TaskID != nil {
		query += ` JOIN note_task_ids t ON t.note_id = n.id`
		where = append(where, `t.task_id = ?`)
		args = append(args, f.TaskID.String())
	}
	if f.Status != "" {
		where = append(where, `n.status = ?`)
		args = append(args, f.Status)
	}
	if f.FromAgent != "" {
		where = append(where, `n.from_agent = ?`)
		args = append(args, f.FromAgent)
	}
	if f.RecentSecs > 0 {
		cutoff := time.Now().UTC().Add(-time.Duration(f.RecentSecs) * time.Second).Format(time.RFC3339)
		where = append(where, `n.created_at >= ?`)
		args = append(args, cutoff)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY n.id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, errs.DBErr(err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errs.DBErr(err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	var notes []Note
	for _, id := range ids {
		n, err := d.GetNote(id)
		if err != nil {
			return nil, err
		}
		if f.Tag != "" && !containsTag(n.Tags, f.Tag) {
			continue
		}
		notes = append(notes, n)
	}
	return notes, nil
}

func containsTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

// GetNote reads a single blackboard note, including its task_ids.
func (d *DB) GetNote(id int64) (Note, error) {
	row := d.db.QueryRow(`
		SELECT id, from_agent, message, note_type, tags, links, status, closed_by, closed_reason,
		       supersedes_note_id, superseded_by_note_id, created_at, updated_at
		FROM notes WHERE id = ?
	`, id)
	var n Note
	var noteType, tags, links, closedBy, closedReason sql.NullString
	var supersedes, supersededBy sql.NullInt64
	var createdAt, updatedAt string
	if err := row.Scan(&n.ID, &n.FromAgent, &n.Message, &noteType, &tags, &links, &n.Status, &closedBy, &closedReason,
		&supersedes, &supersededBy, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Note{}, errs.New(errs.DB, fmt.Sprintf("blackboard note %d not found", id))
		}
		return Note{}, errs.DBErr(err)
	}
	n.NoteType = noteType.String
	if tags.Valid {
		json.Unmarshal([]byte(tags.String), &n.Tags)
	}
	if links.Valid {
		json.Unmarshal([]byte(links.String), &n.Links)
	}
	n.ClosedBy = closedBy.String
	n.ClosedReason = closedReason.String
	if supersedes.Valid {
		n.SupersedesNoteID = &supersedes.Int64
	}
	if supersededBy.Valid {
		n.SupersededByNoteID = &supersededBy.Int64
	}
	n.CreatedAt = parseTime(createdAt)
	n.UpdatedAt = parseTime(updatedAt)

	taskRows, err := d.db.Query(`SELECT task_id FROM note_task_ids WHERE note_id = ? ORDER BY task_id ASC`, id)
	if err != nil {
		return Note{}, errs.DBErr(err)
	}
	defer taskRows.Close()
	for taskRows.Next() {
		var raw string
		if err := taskRows.Scan(&raw); err != nil {
			return Note{}, errs.DBErr(err)
		}
		v, err := taskid.ParseCLI(raw)
		if err == nil {
			n.TaskIDs = append(n.TaskIDs, v)
		}
	}
	return n, nil
}

// Close marks a note closed.
func (d *DB) Close(id int64, by string, reason string) error {
	var reasonVal sql.NullString
	if reason != "" {
		reasonVal = sql.NullString{String: reason, Valid: true}
	}
	res, err := d.db.Exec(`UPDATE notes SET status = 'closed', closed_by = ?, closed_reason = ?, updated_at = ? WHERE id = ?`,
		by, reasonVal, nowRFC3339(), id)
	if err != nil {
		return errs.DBErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.DB, fmt.Sprintf("blackboard note %d not found", id))
	}
	return nil
}

// Reopen reverts a closed note to open, clearing closed_by and
// closed_reason. Supersession links (supersedes_note_id,
// superseded_by_note_id) are left as they are.
func (d *DB) Reopen(id int64, by string) error {
	res, err := d.db.Exec(`
		UPDATE notes SET status = 'open', closed_by = NULL, closed_reason = NULL, updated_at = ?
		WHERE id = ?
	`, nowRFC3339(), id)
	if err != nil {
		return errs.DBErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.DB, fmt.Sprintf("blackboard note %d not found", id))
	}
	_ = by
	return nil
}

func normalizeTags(tags []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func normalizeTaskIDList(ids []taskid.ID) []taskid.ID {
	seen := map[taskid.ID]bool{}
	var out []taskid.ID
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ---------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------

// Reservation is one held path.
type Reservation struct {
	Agent           string     `json:"agent"`
	Path            string     `json:"path"`
	Reason          string     `json:"reason,omitempty"`
	TTLSecs         *int64     `json:"ttl_secs,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ReservationSnapshot adds the derived age/expiry fields that `snapshot()`
// returns on top of the raw Reservation row.
type ReservationSnapshot struct {
	Reservation
	AgeSecs   int64      `json:"age_secs"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Reserve inserts one row per (normalized) path for agent.
func (d *DB) Reserve(agent string, paths []string, reason string, ttlSecs *int64) ([]Reservation, error) {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)
	var reasonVal sql.NullString
	if reason != "" {
		reasonVal = sql.NullString{String: reason, Valid: true}
	}
	var ttlVal sql.NullInt64
	if ttlSecs != nil {
		ttlVal = sql.NullInt64{Int64: *ttlSecs, Valid: true}
	}

	var out []Reservation
	for _, raw := range paths {
		p := NormalizePath(raw)
		if _, err := d.db.Exec(`
			INSERT INTO reservations (agent, path, reason, ttl_secs, last_heartbeat_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, agent, p, reasonVal, ttlVal, nowStr, nowStr); err != nil {
			return nil, errs.DBErr(err)
		}
		out = append(out, Reservation{Agent: agent, Path: p, Reason: reason, TTLSecs: ttlSecs, LastHeartbeatAt: &now, CreatedAt: now})
	}

	target := strings.Join(paths, ",")
	if err := d.appendEvent("mesh.reserve", &agent, &target, previewOf(reason)); err != nil {
		return nil, err
	}
	return out, nil
}

// Release removes reservations held by agent. If all is true, every
// reservation held by agent is removed regardless of paths.
func (d *DB) Release(agent string, paths []string, all bool) (int64, error) {
	var res sql.Result
	var err error
	if all {
		res, err = d.db.Exec(`DELETE FROM reservations WHERE agent = ?`, agent)
	} else {
		normalized := make([]string, len(paths))
		for i, p := range paths {
			normalized[i] = NormalizePath(p)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(normalized)), ",")
		args := make([]any, 0, len(normalized)+1)
		args = append(args, agent)
		for _, p := range normalized {
			args = append(args, p)
		}
		res, err = d.db.Exec(`DELETE FROM reservations WHERE agent = ? AND path IN (`+placeholders+`)`, args...)
	}
	if err != nil {
		return 0, errs.DBErr(err)
	}
	n, _ := res.RowsAffected()
	target := "all"
	if !all {
		target = strings.Join(paths, ",")
	}
	if err := d.appendEvent("mesh.release", &agent, &target, nil); err != nil {
		return 0, err
	}
	return n, nil
}

// ListReservations returns every reservation, or those whose path
// conflicts with pathFilter when non-empty.
func (d *DB) ListReservations(pathFilter string) ([]Reservation, error) {
	rows, err := d.db.Query(`SELECT agent, path, reason, ttl_secs, last_heartbeat_at, created_at FROM reservations ORDER BY agent ASC, path ASC`)
	if err != nil {
		return nil, errs.DBErr(err)
	}
	defer rows.Close()

	var target string
	if pathFilter != "" {
		target = NormalizePath(pathFilter)
	}

	var out []Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		if target != "" && !PathsConflict(target, r.Path) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Snapshot is ListReservations enriched with age_secs and expires_at,
// computed relative to now.
func (d *DB) Snapshot(pathFilter string) ([]ReservationSnapshot, error) {
	reservations, err := d.ListReservations(pathFilter)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]ReservationSnapshot, 0, len(reservations))
	for _, r := range reservations {
		snap := ReservationSnapshot{Reservation: r, AgeSecs: int64(now.Sub(r.CreatedAt).Seconds())}
		if snap.AgeSecs < 0 {
			snap.AgeSecs = 0
		}
		if r.TTLSecs != nil {
			exp := r.CreatedAt.Add(time.Duration(*r.TTLSecs) * time.Second)
			snap.ExpiresAt = &exp
		}
		out = append(out, snap)
	}
	return out, nil
}

func scanReservation(rows *sql.Rows) (Reservation, error) {
	var r Reservation
	var reason, lastHeartbeat sql.NullString
	var ttl sql.NullInt64
	var createdAt string
	if err := rows.Scan(&r.Agent, &r.Path, &reason, &ttl, &lastHeartbeat, &createdAt); err != nil {
		return Reservation{}, errs.DBErr(err)
	}
	r.Reason = reason.String
	if ttl.Valid {
		r.TTLSecs = &ttl.Int64
	}
	if lastHeartbeat.Valid {
		t := parseTime(lastHeartbeat.String)
		r.LastHeartbeatAt = &t
	}
	r.CreatedAt = parseTime(createdAt)
	return r, nil
}

// NormalizePath lexically resolves "."/".." components and collapses
// duplicate separators, preserving a trailing slash as a directory
// indicator. Ported from the reference wait-protocol's path handling.
func NormalizePath(path string) string {
	var components []string
	for _, c := range strings.Split(path, "/") {
		switch c {
		case "", ".":
		case "..":
			if len(components) > 0 {
				components = components[:len(components)-1]
			}
		default:
			components = append(components, c)
		}
	}
	normalized := strings.Join(components, "/")
	if strings.HasSuffix(path, "/") && normalized != "" {
		return normalized + "/"
	}
	return normalized
}

// PathsConflict reports whether two paths conflict: equal after
// normalization, or one is a parent directory of the other.
func PathsConflict(a, b string) bool {
	na, nb := NormalizePath(a), NormalizePath(b)
	if na == nb {
		return true
	}
	aTrim := strings.TrimSuffix(na, "/")
	bTrim := strings.TrimSuffix(nb, "/")
	if aTrim == bTrim {
		return true
	}
	return strings.HasPrefix(bTrim, aTrim+"/") || strings.HasPrefix(aTrim, bTrim+"/")
}

// ---------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------

// Event is one append-only row in the coordination feed.
type Event struct {
	ID        int64     `json:"id"`
	EventType string    `json:"event_type"`
	Agent     string    `json:"agent,omitempty"`
	Target    string    `json:"target,omitempty"`
	Preview   string    `json:"preview,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (d *DB) appendEvent(eventType string, agent, target, preview *string) error {
	var agentVal, targetVal, previewVal sql.NullString
	if agent != nil {
		agentVal = sql.NullString{String: *agent, Valid: true}
	}
	if target != nil {
		targetVal = sql.NullString{String: *target, Valid: true}
	}
	if preview != nil {
		previewVal = sql.NullString{String: *preview, Valid: true}
	}
	_, err := d.db.Exec(`INSERT INTO events (event_type, agent, target, preview, created_at) VALUES (?, ?, ?, ?, ?)`,
		eventType, agentVal, targetVal, previewVal, nowRFC3339())
	if err != nil {
		return errs.DBErr(err)
	}
	return nil
}

// FeedFilters narrow a Feed read. IncludeHeartbeat defaults false, per
// spec.md: mesh.heartbeat events are excluded from the default feed.
type FeedFilters struct {
	EventType        string
	RecentSecs       int64
	Limit            int64
	IncludeHeartbeat bool
}

// Feed reads recent events, most-recent first.
func (d *DB) Feed(f FeedFilters) ([]Event, error) {
	query := `SELECT id, event_type, agent, target, preview, created_at FROM events`
	var where []string
	var args []any
	if f.EventType != "" {
		where = append(where, `event_type = ?`)
		args = append(args, f.EventType)
	}
	if !f.IncludeHeartbeat && f.EventType != "mesh.heartbeat" {
		where = append(where, `event_type != 'mesh.heartbeat'`)
	}
	if f.RecentSecs > 0 {
		cutoff := time.Now().UTC().Add(-time.Duration(f.RecentSecs) * time.Second).Format(time.RFC3339)
		where = append(where, `created_at >= ?`)
		args = append(args, cutoff)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, errs.DBErr(err)
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var e Event
		var agent, target, preview sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.EventType, &agent, &target, &preview, &createdAt); err != nil {
			return nil, errs.DBErr(err)
		}
		e.Agent = agent.String
		e.Target = target.String
		e.Preview = preview.String
		e.CreatedAt = parseTime(createdAt)
		events = append(events, e)
	}
	return events, nil
}

// ---------------------------------------------------------------------
// Cross-channel linkage
// ---------------------------------------------------------------------

var uuidTokenSplit = regexp.MustCompile(`[^0-9a-fA-F-]+`)

// DeriveLinks scans free text for B<digits> blackboard references and
// UUID-like mesh-message/history-event tokens, ported verbatim in
// semantics from the reference coordination linkage extractor.
func DeriveLinks(text string) sidecar.Links {
	return sidecar.Links{
		MeshMessageIDs:    extractUUIDLikeIDs(text),
		BlackboardNoteIDs: extractBlackboardNoteIDs(text),
	}
}

func extractBlackboardNoteIDs(text string) []string {
	var ids []string
	seen := map[string]bool{}
	i := 0
	for i < len(text) {
		ch := text[i]
		if ch == 'B' || ch == 'b' {
			prevIsBoundary := i == 0 || !isAlphaNumeric(text[i-1])
			if prevIsBoundary {
				j := i + 1
				for j < len(text) && text[j] >= '0' && text[j] <= '9' {
					j++
				}
				if j > i+1 {
					digits := text[i+1 : j]
					if _, err := strconv.ParseUint(digits, 10, 64); err == nil && !seen[digits] {
						seen[digits] = true
						ids = append(ids, digits)
					}
					i = j
					continue
				}
			}
		}
		i++
	}
	sort.Strings(ids)
	return ids
}

func isAlphaNumeric(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func extractUUIDLikeIDs(text string) []string {
	tokens := uuidTokenSplit.Split(text, -1)
	seen := map[string]bool{}
	var out []string
	for _, tok := range tokens {
		if norm, ok := normalizeUUIDLike(tok); ok && !seen[norm] {
			seen[norm] = true
			out = append(out, norm)
		}
	}
	sort.Strings(out)
	return out
}

func normalizeUUIDLike(token string) (string, bool) {
	if len(token) != 36 {
		return "", false
	}
	for _, idx := range []int{8, 13, 18, 23} {
		if token[idx] != '-' {
			return "", false
		}
	}
	for i := 0; i < len(token); i++ {
		switch i {
		case 8, 13, 18, 23:
			continue
		default:
			c := token[i]
			isHexDigit := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
			if !isHexDigit {
				return "", false
			}
		}
	}
	return strings.ToLower(token), true
}
