package bisect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"
)

// A Runner is a prepared bisection: range resolved, session created or loaded,
// workspace manager and driver wired up. Create one with Job.Prepare.
type Runner struct {
	job *Job
	git *Git

	rng      *Range
	session  *Session
	store    *StateStore
	manager  *WorktreeManager
	driver   *Driver
	resuming bool

	log *logrus.Entry
}

// Prepare validates the job's configuration, resolves the bisection range (or
// loads a persisted session when resuming) and wires up the orchestration. No
// workspace is created and no state is mutated before this succeeds.
func (j *Job) Prepare(ctx context.Context) (*Runner, error) {
	if j.Log == nil {
		// Mute logger
		j.Log = logrus.New()
		j.Log.SetOutput(io.Discard)
	}
	log := j.Log.WithField("prefix", "bisect")

	repoPath, err := filepath.Abs(j.Repository)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(filepath.Join(repoPath, ".git")); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s is not a git repository", repoPath)
	}

	testScript, err := filepath.Abs(j.TestScript)
	if err != nil {
		return nil, err
	}
	if err := ensureExecutable(testScript, log); err != nil {
		return nil, err
	}
	scriptDigest, err := ScriptDigest(testScript)
	if err != nil {
		return nil, err
	}

	git := NewGit(repoPath, log)

	branch := j.Branch
	if branch == "" {
		if branch, err = git.CurrentBranch(ctx); err != nil {
			return nil, err
		}
	}

	runner := &Runner{
		job: j,
		git: git,

		log: log,
	}

	if j.ResumeFrom != "" {
		runner.store = NewStateStore(j.ResumeFrom)
		session, err := runner.store.Load()
		if err != nil {
			return nil, err
		}
		if session.Status == StatusConverged {
			return nil, fmt.Errorf("session %s already converged on %s, nothing to resume", session.ID, session.Culprit)
		}
		if session.TestScriptDigest != scriptDigest {
			return nil, fmt.Errorf("test procedure %s changed since session %s was persisted, refusing to resume", testScript, session.ID)
		}
		runner.session = session
		runner.rng = &Range{Good: session.GoodRef, Bad: session.BadRef, Commits: session.RangeCommits}
		runner.resuming = true
		log.Infof("Resuming session %s with %d recorded steps", session.ID, len(session.VerdictHistory))
	} else {
		log.Info("Validating bisection range...")
		rng, err := ResolveRange(ctx, git, j.GoodRef, j.BadRef)
		if err != nil {
			return nil, err
		}
		runner.rng = rng
		runner.session = NewSession(repoPath, branch, rng, testScript, scriptDigest)
		if j.StateFile != "" {
			statePath, err := filepath.Abs(j.StateFile)
			if err != nil {
				return nil, err
			}
			runner.store = NewStateStore(statePath)
		}
	}

	runner.manager, err = NewWorktreeManager(ctx, git, j.Mode, j.CleanBetweenSteps, j.WorkspaceRetry, log)
	if err != nil {
		return nil, errors.Join(errors.New("failed to create workspace manager"), err)
	}

	invoker := NewTestInvoker(testScript, j.Timeout, j.TestOutput, log)
	searcher := NewGitSearcher(git, log)

	runner.driver = NewDriver(runner.session, runner.store, searcher, runner.manager, invoker, DriverConfig{
		SkipThreshold:         j.SkipThreshold,
		WorkspaceFailureLimit: j.WorkspaceFailureLimit,
	}, log)

	return runner, nil
}

// Run drives the prepared session to a terminal state. Workspace resources are
// torn down before it returns, also on cancellation.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	defer func() {
		if err := r.manager.Close(); err != nil {
			r.log.Warnf("Failed to tear down workspaces - %v", err)
		}
	}()

	return r.driver.Run(ctx)
}

// Snapshot returns a copy of the session, safe to read while Run is in progress.
func (r *Runner) Snapshot() Session {
	return r.driver.Snapshot()
}

// Resuming reports whether this runner continues a previously persisted session.
func (r *Runner) Resuming() bool {
	return r.resuming
}

// Range returns the normalized bisection boundary.
func (r *Runner) Range() *Range {
	return r.rng
}

// Git returns the runner's git runner, usable for presenting commit details.
func (r *Runner) Git() *Git {
	return r.git
}

var estimateRegex = regexp.MustCompile(`roughly (\d+) steps?`)

// EstimateSteps asks the search collaborator for its step estimate without moving
// HEAD or running any test. It returns -1 when no estimate is available.
func (r *Runner) EstimateSteps(ctx context.Context) int {
	out, _, err := r.git.runCombined(ctx, "", "bisect", "start", "--no-checkout", r.rng.Bad, r.rng.Good)
	defer r.git.runCombined(context.Background(), "", "bisect", "reset")
	if err != nil {
		return -1
	}
	if match := estimateRegex.FindStringSubmatch(out); match != nil {
		if steps, err := strconv.Atoi(match[1]); err == nil {
			return steps
		}
	}
	return -1
}

// ensureExecutable verifies the test procedure exists, attempting to set the
// executable bit when it is merely missing.
func ensureExecutable(path string, log *logrus.Entry) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("test procedure not found: %s", path)
	}
	if info.Mode()&0o111 == 0 {
		log.Warnf("Test procedure %s is not executable, attempting to make it so", path)
		if err := os.Chmod(path, info.Mode()|0o755); err != nil {
			return errors.Join(fmt.Errorf("test procedure %s is not executable", path), err)
		}
	}
	return nil
}
