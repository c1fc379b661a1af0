package protocol

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kthwaite/tak/internal/coordination"
	"github.com/kthwaite/tak/internal/errs"
	"github.com/kthwaite/tak/internal/repo"
	"github.com/kthwaite/tak/internal/taskid"
)

const waitPollInterval = 200 * time.Millisecond

// PathBlocker describes one reservation currently conflicting with a
// waited-on path.
type PathBlocker struct {
	Agent    string
	HeldPath string
	Reason   string
	AgeSecs  int64
}

// WaitForPath polls every 200ms until no reservation conflicts with path
// (via the §4.E conflict predicate), or timeoutSecs elapses. Returns the
// elapsed wait duration on success.
func WaitForPath(f *repo.Facade, path string, timeoutSecs *int64) (time.Duration, error) {
	target := coordination.NormalizePath(path)
	started := time.Now()

	for {
		reservations, err := f.Coordination.ListReservations("")
		if err != nil {
			return 0, err
		}
		blockers := findPathBlockers(target, reservations)

		if len(blockers) == 0 {
			return time.Since(started), nil
		}

		if timedOut(started, timeoutSecs) {
			return 0, errs.WaitTimeoutErr(formatPathTimeout(target, time.Since(started), blockers))
		}

		time.Sleep(waitPollInterval)
	}
}

// WaitForTask polls every 200ms until task id is no longer blocked (per
// GraphIndex.IsBlocked), or timeoutSecs elapses.
func WaitForTask(f *repo.Facade, id taskid.ID, timeoutSecs *int64) (time.Duration, error) {
	if _, err := f.Store.Read(id); err != nil {
		return 0, err
	}

	started := time.Now()

	for {
		blocked, err := f.Index.IsBlocked(id)
		if err != nil {
			return 0, err
		}
		if !blocked {
			return time.Since(started), nil
		}

		if timedOut(started, timeoutSecs) {
			blockers, err := unresolvedDependencyIDs(f, id)
			if err != nil {
				return 0, err
			}
			return 0, errs.WaitTimeoutErr(formatTaskTimeout(id, time.Since(started), blockers))
		}

		time.Sleep(waitPollInterval)
	}
}

func unresolvedDependencyIDs(f *repo.Facade, id taskid.ID) ([]taskid.ID, error) {
	task, err := f.Store.Read(id)
	if err != nil {
		return nil, err
	}

	var blockers []taskid.ID
	for _, dep := range task.DependsOn {
		depTask, err := f.Store.Read(dep.ID)
		if err != nil {
			return nil, err
		}
		if !depTask.Status.IsTerminal() {
			blockers = append(blockers, dep.ID)
		}
	}

	sort.Slice(blockers, func(i, j int) bool { return blockers[i] < blockers[j] })
	return blockers, nil
}

func findPathBlockers(target string, reservations []coordination.Reservation) []PathBlocker {
	now := time.Now().UTC()
	var blockers []PathBlocker

	for _, r := range reservations {
		if coordination.PathsConflict(target, r.Path) {
			blockers = append(blockers, PathBlocker{
				Agent:    r.Agent,
				HeldPath: r.Path,
				Reason:   r.Reason,
				AgeSecs:  ageSeconds(now, r.CreatedAt),
			})
		}
	}

	sort.Slice(blockers, func(i, j int) bool {
		if blockers[i].Agent != blockers[j].Agent {
			return blockers[i].Agent < blockers[j].Agent
		}
		return blockers[i].HeldPath < blockers[j].HeldPath
	})
	return blockers
}

func ageSeconds(now, since time.Time) int64 {
	age := int64(now.Sub(since).Seconds())
	if age < 0 {
		return 0
	}
	return age
}

func formatPathTimeout(path string, waited time.Duration, blockers []PathBlocker) string {
	waitedMs := waited.Milliseconds()
	if len(blockers) == 0 {
		return fmt.Sprintf("path '%s' is still blocked after %dms", path, waitedMs)
	}
	b := blockers[0]
	reason := b.Reason
	if reason == "" {
		reason = "none"
	}
	return fmt.Sprintf(
		"path '%s' is still blocked by agent '%s' via '%s' (reason: %s, age: %ds) after %dms",
		path, b.Agent, b.HeldPath, reason, b.AgeSecs, waitedMs,
	)
}

func formatTaskTimeout(id taskid.ID, waited time.Duration, blockers []taskid.ID) string {
	waitedMs := waited.Milliseconds()
	if len(blockers) == 0 {
		return fmt.Sprintf("task %s is still blocked after %dms", id, waitedMs)
	}
	strs := make([]string, len(blockers))
	for i, b := range blockers {
		strs[i] = b.String()
	}
	return fmt.Sprintf(
		"task %s is still blocked by unfinished dependencies [%s] after %dms",
		id, strings.Join(strs, ","), waitedMs,
	)
}

func timedOut(started time.Time, timeoutSecs *int64) bool {
	if timeoutSecs == nil {
		return false
	}
	return time.Since(started) >= time.Duration(*timeoutSecs)*time.Second
}
