// Package sidecar implements the four per-task sidecar record kinds: a
// single overwritten context note, an append-only history log, a single
// verification-result snapshot, and an artifacts directory.
package sidecar

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kthwaite/tak/internal/errs"
	"github.com/kthwaite/tak/internal/lock"
	"github.com/kthwaite/tak/internal/taskid"
)

// Links records cross-channel references derived from free text attached
// to a history entry: blackboard note ids and mesh-message/history-event
// UUID-like tokens found in it.
type Links struct {
	MeshMessageIDs    []string `json:"mesh_message_ids,omitempty"`
	BlackboardNoteIDs []string `json:"blackboard_note_ids,omitempty"`
	HistoryEventIDs   []string `json:"history_event_ids,omitempty"`
}

// HistoryEntry is one append-only record in a task's history.jsonl.
type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Agent     *string        `json:"agent,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Links     Links          `json:"links,omitempty"`
}

// CommandResult is one verification command's outcome.
type CommandResult struct {
	Command  string `json:"command"`
	Passed   bool   `json:"passed"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// VerificationResult is the single JSON snapshot written per task by the
// scoped-verify protocol: the aggregate pass/fail plus every command's
// individual outcome. It deliberately carries no scope information (the
// paths checked for reservation conflicts) so the sidecar's shape stays
// stable regardless of how a given run was scoped.
type VerificationResult struct {
	Passed  bool            `json:"passed"`
	Results []CommandResult `json:"results"`
	RanAt   time.Time       `json:"ran_at"`
}

// Store owns all sidecar records under a .tak root.
type Store struct {
	root string
}

// New returns a sidecar Store rooted at the given .tak directory.
func New(takRoot string) *Store {
	return &Store{root: takRoot}
}

func (s *Store) contextPath(id taskid.ID) string {
	return filepath.Join(s.root, "context", id.String()+".md")
}

func (s *Store) historyPath(id taskid.ID) string {
	return filepath.Join(s.root, "history", id.String()+".jsonl")
}

func (s *Store) historyLockPath(id taskid.ID) string {
	return filepath.Join(s.root, "history", id.String()+".jsonl.lock")
}

func (s *Store) verificationPath(id taskid.ID) string {
	return filepath.Join(s.root, "verification_results", id.String()+".json")
}

func (s *Store) artifactsDir(id taskid.ID) string {
	return filepath.Join(s.root, "artifacts", id.String())
}

func legacyPath(dir string, id taskid.ID, ext string) string {
	return filepath.Join(dir, legacyStem(id)+ext)
}

func legacyStem(id taskid.ID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// WriteContext atomically overwrites the task's context note.
func (s *Store) WriteContext(id taskid.ID, text string) error {
	dir := filepath.Join(s.root, "context")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.IOErr(err)
	}
	return writeFileAtomic(s.contextPath(id), []byte(text))
}

// ReadContext reads the task's context note, falling back to a legacy
// decimal filename. Fails with errs.NoContext if neither exists.
func (s *Store) ReadContext(id taskid.ID) (string, error) {
	data, err := os.ReadFile(s.contextPath(id))
	if os.IsNotExist(err) {
		data, err = os.ReadFile(legacyPath(filepath.Join(s.root, "context"), id, ".md"))
	}
	if err != nil {
		return "", errs.New(errs.NoContext, "no context recorded for task "+id.String())
	}
	return string(data), nil
}

// AppendHistory appends one entry to the task's history.jsonl, serialized
// by a per-task lock file and followed by an fsync.
func (s *Store) AppendHistory(id taskid.ID, entry HistoryEntry) error {
	dir := filepath.Join(s.root, "history")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.IOErr(err)
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return errs.JSONErr(err)
	}
	return lock.WithLock(s.historyLockPath(id), func() error {
		f, err := os.OpenFile(s.historyPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return errs.IOErr(err)
		}
		defer f.Close()
		if _, err := f.Write(append(b, '\n')); err != nil {
			return errs.IOErr(err)
		}
		if err := f.Sync(); err != nil {
			return errs.IOErr(err)
		}
		return nil
	})
}

// ReadHistory reads every history entry for a task in append order,
// falling back to a legacy decimal filename. Fails with errs.NoHistory if
// neither file exists.
func (s *Store) ReadHistory(id taskid.ID) ([]HistoryEntry, error) {
	path := s.historyPath(id)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		f, err = os.Open(legacyPath(filepath.Join(s.root, "history"), id, ".jsonl"))
	}
	if err != nil {
		return nil, errs.New(errs.NoHistory, "no history recorded for task "+id.String())
	}
	defer f.Close()

	var entries []HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var entry HistoryEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, errs.JSONErr(err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.IOErr(err)
	}
	return entries, nil
}

// WriteVerificationResult atomically overwrites the task's verification
// snapshot.
func (s *Store) WriteVerificationResult(id taskid.ID, result VerificationResult) error {
	dir := filepath.Join(s.root, "verification_results")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.IOErr(err)
	}
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errs.JSONErr(err)
	}
	return writeFileAtomic(s.verificationPath(id), b)
}

// ReadVerificationResult reads the task's verification snapshot. ok is
// false if none has been recorded.
func (s *Store) ReadVerificationResult(id taskid.ID) (result VerificationResult, ok bool, err error) {
	data, readErr := os.ReadFile(s.verificationPath(id))
	if os.IsNotExist(readErr) {
		return VerificationResult{}, false, nil
	}
	if readErr != nil {
		return VerificationResult{}, false, errs.IOErr(readErr)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return VerificationResult{}, false, errs.JSONErr(err)
	}
	return result, true, nil
}

// ArtifactsDir ensures and returns the task's artifacts directory path.
func (s *Store) ArtifactsDir(id taskid.ID) (string, error) {
	dir := s.artifactsDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.IOErr(err)
	}
	return dir, nil
}

// Delete best-effort removes all four sidecar categories for a task.
func (s *Store) Delete(id taskid.ID) error {
	paths := []string{
		s.contextPath(id),
		s.historyPath(id),
		s.historyLockPath(id),
		s.verificationPath(id),
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errs.IOErr(err)
		}
	}
	if err := os.RemoveAll(s.artifactsDir(id)); err != nil {
		return errs.IOErr(err)
	}
	return nil
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
