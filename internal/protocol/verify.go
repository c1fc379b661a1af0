package protocol

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kthwaite/tak/internal/coordination"
	"github.com/kthwaite/tak/internal/errs"
	"github.com/kthwaite/tak/internal/repo"
	"github.com/kthwaite/tak/internal/sidecar"
	"github.com/kthwaite/tak/internal/taskid"
)

// defaultScope is used when no explicit paths are given and the task's
// contract carries no path hints to derive a narrower scope from.
var defaultScope = []string{"."}

// VerifyScoped runs a task's contract verification commands after
// confirming the requested scope does not conflict with another agent's
// path reservation. Scope is the caller's explicit paths, or defaultScope
// if none are given (the contract carries no dedicated path field to
// derive a narrower scope from). On a reservation conflict it returns
// VerifyScopeBlocked without running any command or writing a sidecar.
func VerifyScoped(f *repo.Facade, id taskid.ID, agent string, explicitPaths []string) (sidecar.VerificationResult, error) {
	task, err := f.Store.Read(id)
	if err != nil {
		return sidecar.VerificationResult{}, err
	}

	scope := explicitPaths
	if len(scope) == 0 {
		scope = defaultScope
	}

	if err := checkScopeConflicts(f, agent, scope); err != nil {
		return sidecar.VerificationResult{}, err
	}

	results := make([]sidecar.CommandResult, 0, len(task.Contract.Verification))
	allPassed := true
	for _, cmd := range task.Contract.Verification {
		cr := runVerificationCommand(f.Root, cmd)
		if !cr.Passed {
			allPassed = false
		}
		results = append(results, cr)
	}

	result := sidecar.VerificationResult{
		Passed:  allPassed,
		Results: results,
		RanAt:   time.Now().UTC(),
	}

	if err := f.Sidecars.WriteVerificationResult(id, result); err != nil {
		return sidecar.VerificationResult{}, err
	}

	return result, nil
}

func runVerificationCommand(repoRoot, command string) sidecar.CommandResult {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = repoRoot

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	err := cmd.Run()
	passed := err == nil
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	return sidecar.CommandResult{
		Command:  command,
		Passed:   passed,
		ExitCode: exitCode,
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
	}
}

// checkScopeConflicts fails with VerifyScopeBlocked if any scope path
// conflicts with a reservation held by an agent other than the caller.
func checkScopeConflicts(f *repo.Facade, agent string, scope []string) error {
	reservations, err := f.Coordination.ListReservations("")
	if err != nil {
		return err
	}

	for _, path := range scope {
		for _, r := range reservations {
			if r.Agent == agent {
				continue
			}
			if coordination.PathsConflict(path, r.Path) {
				return errs.VerifyScopeBlockedErr(formatScopeBlocked(agent, path, r))
			}
		}
	}
	return nil
}

func formatScopeBlocked(callerAgent, scopePath string, r coordination.Reservation) string {
	reason := r.Reason
	if reason == "" {
		reason = "none"
	}
	return fmt.Sprintf(
		"scope path '%s' is blocked by agent '%s' via '%s' (reason: %s); try: "+
			"`tak mesh blockers --path %s`, `tak wait --path %s --timeout 120`, "+
			"`tak mesh reserve --name %s --path %s`",
		scopePath, r.Agent, r.Path, reason,
		r.Path, r.Path, callerAgent, scopePath,
	)
}
