// Package repo implements RepoFacade: discovery of a repository's .tak/
// root, the index/learnings staleness protocol run on every open, and
// task-id input resolution. It wires together FileStore, GraphIndex,
// Sidecars, LearningStore, and CoordinationDB into a single handle that
// the rest of the module's protocols operate against.
package repo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/kthwaite/tak/internal/coordination"
	"github.com/kthwaite/tak/internal/errs"
	"github.com/kthwaite/tak/internal/graphindex"
	"github.com/kthwaite/tak/internal/learning"
	"github.com/kthwaite/tak/internal/sidecar"
	"github.com/kthwaite/tak/internal/store"
	"github.com/kthwaite/tak/internal/taskid"
)

// Facade bundles every store opened against a single .tak/ root.
type Facade struct {
	Root         string
	Store        *store.FileStore
	Index        *graphindex.Index
	Sidecars     *sidecar.Store
	Learnings    *learning.Store
	Coordination *coordination.DB
}

// Open opens an existing .tak/ repository rooted at repoRoot, running the
// index and learnings staleness protocols described in spec §4.B/4.G:
//  1. missing index file → needs rebuild,
//  2. legacy (non-text-task-id) schema → drop and recreate → needs rebuild,
//  3. fingerprint mismatch → needs rebuild,
//  4. persist the fresh fingerprint,
//  5. repeat the fingerprint check for the learnings index.
func Open(repoRoot string) (*Facade, error) {
	fileStore, err := store.Open(repoRoot)
	if err != nil {
		return nil, err
	}

	indexPath := filepath.Join(fileStore.Root(), "index.db")
	_, statErr := os.Stat(indexPath)
	needsRebuild := os.IsNotExist(statErr)

	idx, err := graphindex.Open(indexPath)
	if err != nil {
		return nil, err
	}

	usesTextSchema, err := idx.UsesTextTaskIDSchema()
	if err != nil {
		return nil, err
	}
	if !usesTextSchema {
		if err := idx.Close(); err != nil {
			return nil, err
		}
		if err := os.Remove(indexPath); err != nil && !os.IsNotExist(err) {
			return nil, errs.IOErr(err)
		}
		idx, err = graphindex.Open(indexPath)
		if err != nil {
			return nil, err
		}
		needsRebuild = true
	}

	currentFP, err := fileStore.Fingerprint()
	if err != nil {
		return nil, err
	}

	if !needsRebuild {
		storedFP, ok, err := idx.GetFingerprint("tasks")
		if err != nil {
			return nil, err
		}
		needsRebuild = !ok || storedFP != currentFP
	}

	if needsRebuild {
		tasks, err := fileStore.ListAll()
		if err != nil {
			return nil, err
		}
		if err := idx.Rebuild(tasks); err != nil {
			return nil, err
		}
	}

	if err := idx.SetFingerprint("tasks", currentFP); err != nil {
		return nil, err
	}

	sidecars := sidecar.New(fileStore.Root())
	learnings := learning.New(fileStore.Root(), fileStore)

	currentLFP, err := learnings.Fingerprint()
	if err != nil {
		return nil, err
	}
	storedLFP, ok, err := idx.GetFingerprint("learnings")
	if err != nil {
		return nil, err
	}
	if !ok || storedLFP != currentLFP {
		all, err := learnings.ListAll()
		if err != nil {
			return nil, err
		}
		if err := idx.RebuildLearnings(all); err != nil {
			return nil, err
		}
		if err := idx.SetFingerprint("learnings", currentLFP); err != nil {
			return nil, err
		}
	}

	coordPath := filepath.Join(fileStore.Root(), "runtime", "coordination.db")
	coord, err := coordination.Open(coordPath, fileStore, sidecars)
	if err != nil {
		return nil, err
	}

	return &Facade{
		Root:         repoRoot,
		Store:        fileStore,
		Index:        idx,
		Sidecars:     sidecars,
		Learnings:    learnings,
		Coordination: coord,
	}, nil
}

// Close releases the handles opened by Open.
func (f *Facade) Close() error {
	if err := f.Coordination.Close(); err != nil {
		return err
	}
	return f.Index.Close()
}

// FindRoot walks up from startDir looking for a parent containing .tak/.
func FindRoot(startDir string) (string, error) {
	dir := startDir
	for {
		if info, err := os.Stat(filepath.Join(dir, ".tak")); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errs.NotInitializedErr()
		}
		dir = parent
	}
}

// Discover walks up from the process's current working directory and
// opens the repository it finds.
func Discover() (*Facade, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, errs.IOErr(err)
	}
	root, err := FindRoot(cwd)
	if err != nil {
		return nil, err
	}
	return Open(root)
}

// ResolveTaskID resolves a user-supplied task id string against every id
// currently on disk: exact match (canonical hex or legacy decimal), else a
// unique hex-prefix match, else a not-found/ambiguous/invalid error.
func (f *Facade) ResolveTaskID(input string) (taskid.ID, error) {
	existing, err := f.Store.ListIDs()
	if err != nil {
		return 0, err
	}
	id, kind, matches, err := taskid.ResolveInput(input, existing)
	if err != nil {
		trimmed := strings.TrimSpace(input)
		switch kind {
		case "not_found":
			return 0, errs.TaskIDNotFoundErr(trimmed)
		case "ambiguous":
			strs := make([]string, len(matches))
			for i, m := range matches {
				strs[i] = m.String()
			}
			return 0, errs.TaskIDAmbiguousErr(trimmed, strs)
		default:
			return 0, errs.InvalidTaskIDErr(trimmed, err.Error())
		}
	}
	return id, nil
}

// RenderErrorMessage renders an error as the spec's JSON error envelope, or
// as a plain "error: <message>" string when asJSON is false. It mirrors the
// original implementation's render_error_message, kept here as a
// convenience for thin CLI clients even though CLI rendering itself is out
// of this module's scope.
func RenderErrorMessage(err error, asJSON bool) (string, error) {
	if !asJSON {
		return "error: " + err.Error(), nil
	}
	b, marshalErr := json.Marshal(errs.ToEnvelope(err))
	if marshalErr != nil {
		return "", errs.JSONErr(marshalErr)
	}
	return string(b), nil
}
