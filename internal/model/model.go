// Package model defines the task and learning record shapes shared by the
// store, index, and protocol packages: status/kind enums, the allowed
// status-transition table, and the normalization rules applied on every
// write (sorted/deduped tags, dependencies, and learnings).
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kthwaite/tak/internal/taskid"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether a status invalidates descendants in the parent
// chain and satisfies dependency edges (done, cancelled).
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// validTransitions enumerates the only allowed status -> status edges.
var validTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusInProgress: true, StatusCancelled: true},
	StatusInProgress: {StatusDone: true, StatusCancelled: true, StatusPending: true},
	StatusDone:       {StatusPending: true},
	StatusCancelled:  {StatusPending: true},
}

// CanTransition reports whether from -> to is an allowed status edge.
func CanTransition(from, to Status) bool {
	next, ok := validTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Kind is the task classification. The full set is a superset of every
// kind a legacy store may contain, so older files always parse.
type Kind string

const (
	KindIdea    Kind = "idea"
	KindMeta    Kind = "meta"
	KindEpic    Kind = "epic"
	KindFeature Kind = "feature"
	KindTask    Kind = "task"
	KindBug     Kind = "bug"
)

func (k Kind) valid() bool {
	switch k {
	case KindIdea, KindMeta, KindEpic, KindFeature, KindTask, KindBug:
		return true
	}
	return false
}

// LearningCategory classifies a Learning record.
type LearningCategory string

const (
	LearningInsight LearningCategory = "insight"
	LearningPitfall LearningCategory = "pitfall"
	LearningPattern LearningCategory = "pattern"
	LearningTool    LearningCategory = "tool"
)

// LearningID is a 64-bit learning identifier with the same canonical
// 16-lowercase-hex external representation as taskid.ID, drawn from an
// independent id space.
type LearningID uint64

// GenerateLearningID draws a fresh random, non-zero learning id.
func GenerateLearningID() (LearningID, error) {
	id, err := taskid.Generate()
	if err != nil {
		return 0, err
	}
	return LearningID(id), nil
}

func (id LearningID) String() string { return taskid.Format(uint64(id)) }

func (id LearningID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

func (id *LearningID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := taskid.ParseCLI(s)
	if err != nil {
		return err
	}
	*id = LearningID(v)
	return nil
}

// Dependency is one edge in a task's depends_on set.
type Dependency struct {
	ID      taskid.ID `json:"id"`
	DepType string    `json:"dep_type,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// Contract captures the acceptance/verification substructure of a task.
type Contract struct {
	Verification       []string `json:"verification,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

// Planning captures planning-time metadata for a task.
type Planning struct {
	Notes    string `json:"notes,omitempty"`
	Estimate string `json:"estimate,omitempty"`
}

// GitInfo captures the git state captured at claim time.
type GitInfo struct {
	Branch      string `json:"branch,omitempty"`
	StartCommit string `json:"start_commit,omitempty"`
}

// Execution captures runtime requirements for the agent executing a task.
type Execution struct {
	SkillsRequired   []string `json:"skills_required,omitempty"`
	WorkingDirectory string   `json:"working_directory,omitempty"`
}

// Reserved extension keys carrying origin-idea traceability.
const (
	ExtOriginIdeaID      = "origin_idea_id"
	ExtRefinementTaskIDs = "refinement_task_ids"
)

// Task is the authoritative, one-file-per-task record.
type Task struct {
	ID          taskid.ID              `json:"id"`
	Title       string                 `json:"title"`
	Description *string                `json:"description,omitempty"`
	Status      Status                 `json:"status"`
	Kind        Kind                   `json:"kind"`
	Parent      *taskid.ID             `json:"parent,omitempty"`
	DependsOn   []Dependency           `json:"depends_on,omitempty"`
	Assignee    *string                `json:"assignee,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Contract    Contract               `json:"contract"`
	Planning    Planning               `json:"planning"`
	Git         GitInfo                `json:"git"`
	Execution   Execution              `json:"execution"`
	Learnings   []LearningID           `json:"learnings,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Extensions  map[string]json.RawMessage `json:"extensions,omitempty"`
}

// taskAlias breaks the recursive MarshalJSON call below.
type taskAlias Task

// MarshalJSON rewrites the two reserved traceability extension keys to
// their canonical hex form regardless of how they were stored on disk, so
// every task id ever emitted — typed field or free-form extension — uses
// the same 16-hex representation.
func (t Task) MarshalJSON() ([]byte, error) {
	alias := taskAlias(t)
	if len(t.Extensions) > 0 {
		alias.Extensions = canonicalizeExtensions(t.Extensions)
	}
	return json.Marshal(alias)
}

func canonicalizeExtensions(ext map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(ext))
	for k, v := range ext {
		switch k {
		case ExtOriginIdeaID:
			if id, ok := parseRawTaskID(v); ok {
				b, _ := json.Marshal(id)
				out[k] = b
				continue
			}
		case ExtRefinementTaskIDs:
			if ids, ok := parseRawTaskIDList(v); ok {
				b, _ := json.Marshal(ids)
				out[k] = b
				continue
			}
		}
		out[k] = v
	}
	return out
}

func parseRawTaskID(raw json.RawMessage) (taskid.ID, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		id, err := taskid.ParseCLI(s)
		return id, err == nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		v, err := strconv.ParseUint(n.String(), 10, 64)
		return taskid.ID(v), err == nil
	}
	return 0, false
}

func parseRawTaskIDList(raw json.RawMessage) ([]taskid.ID, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	ids := make([]taskid.ID, 0, len(items))
	for _, item := range items {
		id, ok := parseRawTaskID(item)
		if !ok {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

// OriginIdeaID returns the task's origin-idea traceability link, if set.
func (t *Task) OriginIdeaID() (taskid.ID, bool) {
	raw, ok := t.Extensions[ExtOriginIdeaID]
	if !ok {
		return 0, false
	}
	return parseRawTaskID(raw)
}

// SetOriginIdeaID records the origin-idea traceability link.
func (t *Task) SetOriginIdeaID(id taskid.ID) {
	if t.Extensions == nil {
		t.Extensions = map[string]json.RawMessage{}
	}
	b, _ := json.Marshal(id)
	t.Extensions[ExtOriginIdeaID] = b
}

// RefinementTaskIDs returns the task's recorded refinement-task links.
func (t *Task) RefinementTaskIDs() ([]taskid.ID, bool) {
	raw, ok := t.Extensions[ExtRefinementTaskIDs]
	if !ok {
		return nil, false
	}
	return parseRawTaskIDList(raw)
}

// SetRefinementTaskIDs records the task's refinement-task links.
func (t *Task) SetRefinementTaskIDs(ids []taskid.ID) {
	if t.Extensions == nil {
		t.Extensions = map[string]json.RawMessage{}
	}
	b, _ := json.Marshal(ids)
	t.Extensions[ExtRefinementTaskIDs] = b
}

// Validate checks field-level invariants that do not require store access
// (non-empty title, known status/kind). Reference existence (parent,
// depends_on, learnings) is the store's responsibility since it requires
// looking at other records.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("task title must not be empty")
	}
	if !t.Status.valid() {
		return fmt.Errorf("invalid task status %q", t.Status)
	}
	if !t.Kind.valid() {
		return fmt.Errorf("invalid task kind %q", t.Kind)
	}
	return nil
}

// TransitionTo validates and applies a status change, updating UpdatedAt.
func (t *Task) TransitionTo(to Status, now time.Time) error {
	if !to.valid() {
		return fmt.Errorf("invalid task status %q", to)
	}
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("invalid status transition: %s -> %s", t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// Normalize applies the write-time canonicalization rules from the data
// model: tags trimmed/sorted/deduped/non-empty, dependencies sorted and
// deduped by id, learnings sorted and deduped.
func (t *Task) Normalize() {
	t.Tags = normalizeTags(t.Tags)
	t.DependsOn = normalizeDependencies(t.DependsOn)
	t.Learnings = normalizeLearningIDs(t.Learnings)
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func normalizeDependencies(deps []Dependency) []Dependency {
	sort.SliceStable(deps, func(i, j int) bool { return deps[i].ID < deps[j].ID })
	out := deps[:0]
	var prev taskid.ID
	havePrev := false
	for _, d := range deps {
		if havePrev && d.ID == prev {
			continue
		}
		out = append(out, d)
		prev = d.ID
		havePrev = true
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeLearningIDs(ids []LearningID) []LearningID {
	sort.SliceStable(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:0]
	var prev LearningID
	havePrev := false
	for _, id := range ids {
		if havePrev && id == prev {
			continue
		}
		out = append(out, id)
		prev = id
		havePrev = true
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeTaskIDs(ids []taskid.ID) []taskid.ID {
	sort.SliceStable(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:0]
	var prev taskid.ID
	havePrev := false
	for _, id := range ids {
		if havePrev && id == prev {
			continue
		}
		out = append(out, id)
		prev = id
		havePrev = true
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Learning is a durable, task-linked learning record.
type Learning struct {
	ID          LearningID                 `json:"id"`
	Title       string                     `json:"title"`
	Description *string                    `json:"description,omitempty"`
	Category    LearningCategory           `json:"category"`
	Tags        []string                   `json:"tags,omitempty"`
	TaskIDs     []taskid.ID                `json:"task_ids,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
	Extensions  map[string]json.RawMessage `json:"extensions,omitempty"`
}

func (c LearningCategory) valid() bool {
	switch c {
	case LearningInsight, LearningPitfall, LearningPattern, LearningTool:
		return true
	}
	return false
}

// Validate checks field-level invariants for a Learning record.
func (l *Learning) Validate() error {
	if strings.TrimSpace(l.Title) == "" {
		return fmt.Errorf("learning title must not be empty")
	}
	if !l.Category.valid() {
		return fmt.Errorf("invalid learning category %q", l.Category)
	}
	return nil
}

// Normalize applies the write-time canonicalization rules: tags and
// task_ids sorted and deduped.
func (l *Learning) Normalize() {
	l.Tags = normalizeTags(l.Tags)
	l.TaskIDs = normalizeTaskIDs(l.TaskIDs)
}

// Equal reports deep equality, primarily useful in tests that round-trip a
// task through JSON and want a value comparison.
func (t Task) Equal(other Task) bool {
	a, errA := json.Marshal(t)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}
