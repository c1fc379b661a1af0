// Package gitinfo captures the current HEAD's branch and commit sha for
// recording on a claimed task. Git history extraction (commit ranges,
// changed-file diffs) is out of this module's scope.
package gitinfo

import (
	"fmt"
	"os/exec"
	"strings"
)

// HeadInfo is the current HEAD's branch name (empty if detached) and
// commit sha.
type HeadInfo struct {
	Branch string
	SHA    string
}

// Current reads the current HEAD's branch and sha by shelling out to git
// in repoRoot. ok is false if repoRoot is not inside a git repository (or
// has no commits yet), in which case callers should proceed without git
// metadata rather than fail the calling operation.
func Current(repoRoot string) (info HeadInfo, ok bool) {
	sha, err := run(repoRoot, "rev-parse", "HEAD")
	if err != nil {
		return HeadInfo{}, false
	}
	branch, err := run(repoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil || branch == "HEAD" {
		branch = ""
	}
	return HeadInfo{Branch: branch, SHA: sha}, true
}

func run(repoRoot string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = repoRoot
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(string(output)), nil
}
