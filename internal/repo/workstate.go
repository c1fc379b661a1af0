package repo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kthwaite/tak/internal/errs"
)

// Verbosity is a per-agent coordination-chatter preference: how much
// incidental mesh/blackboard context an agent's own messages and tags
// should carry.
type Verbosity string

const (
	VerbosityLow    Verbosity = "low"
	VerbosityMedium Verbosity = "medium"
	VerbosityHigh   Verbosity = "high"
)

// DefaultVerbosity is used for agents with no saved work state and no
// explicit override.
const DefaultVerbosity = VerbosityMedium

func (v Verbosity) valid() bool {
	switch v {
	case VerbosityLow, VerbosityMedium, VerbosityHigh:
		return true
	default:
		return false
	}
}

// WorkState is the persisted per-agent record under
// runtime/work/states/<agent>.json. Only the coordination-verbosity
// preference is carried here; the work-loop state (current task, resume
// policy) this was read alongside in the original implementation is out
// of this module's scope.
type WorkState struct {
	Agent                 string    `json:"agent"`
	CoordinationVerbosity Verbosity `json:"coordination_verbosity"`
}

func workStatePath(root string, agent string) string {
	return filepath.Join(root, "runtime", "work", "states", agent+".json")
}

// LoadWorkState reads an agent's saved work state. ok is false if no state
// file exists yet, in which case the caller should treat the agent as
// having the default verbosity.
func LoadWorkState(takRoot, agent string) (state WorkState, ok bool, err error) {
	data, readErr := os.ReadFile(workStatePath(takRoot, agent))
	if os.IsNotExist(readErr) {
		return WorkState{}, false, nil
	}
	if readErr != nil {
		return WorkState{}, false, errs.IOErr(readErr)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return WorkState{}, false, errs.JSONErr(err)
	}
	return state, true, nil
}

// SaveWorkState atomically persists an agent's work state.
func SaveWorkState(takRoot string, state WorkState) error {
	if !state.CoordinationVerbosity.valid() {
		return errs.New(errs.InvalidTaskID, fmt.Sprintf("invalid coordination verbosity %q", state.CoordinationVerbosity))
	}
	data, err := json.Marshal(state)
	if err != nil {
		return errs.JSONErr(err)
	}
	path := workStatePath(takRoot, state.Agent)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.IOErr(err)
	}
	return writeFileAtomic(path, data)
}

// EffectiveVerbosity resolves the verbosity level that should govern an
// agent's current operation: an explicit override always wins; absent
// that, the agent's saved work state; absent that, DefaultVerbosity.
func (f *Facade) EffectiveVerbosity(agent string, override *Verbosity) Verbosity {
	if override != nil {
		return *override
	}
	if agent == "" {
		return DefaultVerbosity
	}
	state, ok, err := LoadWorkState(f.Store.Root(), agent)
	if err != nil || !ok {
		return DefaultVerbosity
	}
	return state.CoordinationVerbosity
}

// ApplyVerbosityLabel prefixes message with a "[verbosity=<level>]" marker
// unless the level is the silent default (medium with no explicit
// override), in which case the message passes through unchanged.
func ApplyVerbosityLabel(message string, level Verbosity, explicitOverride bool) string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return ""
	}
	if !explicitOverride && level == VerbosityMedium {
		return trimmed
	}
	return fmt.Sprintf("[verbosity=%s] %s", level, trimmed)
}

// MaybeAddVerbosityTag appends a "verbosity-<level>" tag unless the level
// is the silent default (medium with no explicit override).
func MaybeAddVerbosityTag(tags []string, level Verbosity, explicitOverride bool) []string {
	if !explicitOverride && level == VerbosityMedium {
		return tags
	}
	return append(tags, fmt.Sprintf("verbosity-%s", level))
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errs.IOErr(err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

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
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.IOErr(err)
	}
	return nil
}
