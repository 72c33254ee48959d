package bisect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// A WorkspaceProvider materializes and tears down candidate workspaces.
// *WorktreeManager is the production implementation.
type WorkspaceProvider interface {
	Acquire(ctx context.Context, revision string) (*Worktree, error)
	Release(wt *Worktree) error
}

// An Invoker runs the test procedure against a workspace. *TestInvoker is the
// production implementation.
type Invoker interface {
	Run(ctx context.Context, wt *Worktree) (*InvocationResult, error)
}

// A DriverConfig bounds the driver's tolerance for inconclusive progress.
type DriverConfig struct {
	// SkipThreshold is the number of skip verdicts after which the search is
	// considered inconclusive and aborted.
	SkipThreshold int

	// WorkspaceFailureLimit is the number of consecutive workspace materialization
	// failures after which the search is aborted.
	WorkspaceFailureLimit int
}

// A Result summarizes a finished session for the caller.
type Result struct {
	Status      Status
	Culprit     string
	AbortReason string

	Steps []Step
}

// A Driver is the state machine tying range, workspaces, test invocations and the
// search collaborator together. It mutates the session exclusively and persists it
// after every recorded verdict, so at most one invocation's result can be lost to
// an interruption.
type Driver struct {
	mu      sync.Mutex
	session *Session

	store      *StateStore // nil disables persistence
	searcher   Searcher
	workspaces WorkspaceProvider
	invoker    Invoker

	cfg DriverConfig

	log *logrus.Entry
}

func NewDriver(session *Session, store *StateStore, searcher Searcher, workspaces WorkspaceProvider, invoker Invoker, cfg DriverConfig, log *logrus.Entry) *Driver {
	if log == nil {
		muted := logrus.New()
		muted.SetOutput(io.Discard)
		log = logrus.NewEntry(muted)
	}
	return &Driver{
		session: session,

		store:      store,
		searcher:   searcher,
		workspaces: workspaces,
		invoker:    invoker,

		cfg: cfg,

		log: log,
	}
}

// Snapshot returns a copy of the current session, safe to read while Run is in
// progress.
func (d *Driver) Snapshot() Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session.clone()
}

// Run drives the session to a terminal state and returns the result. A session
// loaded from a previous interruption continues from its last recorded verdict;
// an already converged session returns its result without testing anything.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	if d.session.Status == StatusConverged {
		return d.result(), nil
	}

	defer func() {
		if err := d.searcher.Reset(context.Background()); err != nil {
			d.log.Warnf("Failed to reset search collaborator - %v", err)
		}
	}()

	// A range of one revision has nothing to search, the bad boundary is the only
	// possible culprit. Test it directly.
	if d.session.RangeCommits == 1 && len(d.session.VerdictHistory) == 0 {
		return d.runSingleCandidate(ctx)
	}

	d.setStatus(StatusRunning)
	if err := d.persist(); err != nil {
		return nil, err
	}

	step, err := d.searcher.Start(ctx, d.session.GoodRef, d.session.BadRef)
	if err != nil {
		return d.abort(fmt.Sprintf("search collaborator failed to start: %v", err)), err
	}

	if len(d.session.VerdictHistory) > 0 {
		step, err = d.replay(ctx)
		if err != nil {
			return d.abort(fmt.Sprintf("replaying recorded verdicts failed: %v", err)), err
		}
	}

	skips := d.session.SkipCount()
	workspaceFailures := 0

	for {
		if step.Culprit != "" {
			return d.converge(step.Culprit)
		}
		if step.Inconclusive || step.Candidate == "" {
			return d.abort("inconclusive range: only skipped revisions remain between the boundaries"), nil
		}

		// Cancellation is observed here, before the next workspace is acquired,
		// and inside the invoker for an in-flight test.
		if ctx.Err() != nil {
			return d.abort("canceled by operator"), nil
		}

		candidate := step.Candidate
		d.setCandidate(candidate)
		if err := d.persist(); err != nil {
			return nil, err
		}

		verdict, infra, err := d.testCandidate(ctx, candidate)
		if err != nil {
			reason := fmt.Sprintf("test invocation failed: %v", err)
			return d.abort(reason), err
		}

		switch verdict {
		case VerdictAbort:
			if ctx.Err() != nil {
				return d.abort("canceled by operator"), nil
			}
			return d.abort("test procedure requested abort"), nil

		case VerdictSkip:
			if infra {
				workspaceFailures++
				if workspaceFailures > d.cfg.WorkspaceFailureLimit {
					return d.abort(fmt.Sprintf("workspace materialization failed %d times in a row", workspaceFailures)), nil
				}
			} else {
				skips++
				if skips > d.cfg.SkipThreshold {
					return d.abort(fmt.Sprintf("inconclusive range: %d revisions could not be judged", skips)), nil
				}
			}

		default:
			workspaceFailures = 0
		}

		step, err = d.searcher.Report(ctx, candidate, verdict)
		if err != nil {
			return d.abort(fmt.Sprintf("search collaborator rejected verdict: %v", err)), err
		}
	}
}

// testCandidate acquires a workspace for the candidate, runs the test procedure,
// records the classified verdict and persists the session. The infra return is
// true when the verdict is a skip caused by workspace materialization rather than
// by the test procedure.
func (d *Driver) testCandidate(ctx context.Context, candidate string) (Verdict, bool, error) {
	wt, err := d.workspaces.Acquire(ctx, candidate)
	if err != nil {
		var wtErr *WorktreeError
		if !errors.As(err, &wtErr) {
			return "", false, err
		}
		if ctx.Err() != nil {
			return VerdictAbort, false, nil
		}
		d.log.Warnf("Workspace for %s could not be materialized, counting as skip - %v", candidate, err)
		d.recordStep(Step{
			Commit:   candidate,
			Verdict:  VerdictSkip,
			ExitCode: -1,

			Timestamp: time.Now(),
		})
		return VerdictSkip, true, d.persist()
	}

	result, err := d.invoker.Run(ctx, wt)
	if releaseErr := d.workspaces.Release(wt); releaseErr != nil {
		d.log.Warnf("Failed to release workspace %s - %v", wt.Path, releaseErr)
	}
	if err != nil {
		return "", false, err
	}

	d.recordStep(Step{
		Commit:   candidate,
		Verdict:  result.Verdict,
		ExitCode: result.ExitCode,

		Timestamp:       time.Now(),
		DurationSeconds: result.Duration.Seconds(),
	})
	return result.Verdict, false, d.persist()
}

// replay feeds the recorded good/bad verdicts back into a fresh search so the
// collaborator reaches the state it had before the interruption. Skip verdicts are
// not replayed, they never narrowed the range.
func (d *Driver) replay(ctx context.Context) (*SearchStep, error) {
	d.log.Infof("Replaying %d recorded steps...", len(d.session.VerdictHistory))

	var step *SearchStep
	var err error
	for _, recorded := range d.session.VerdictHistory {
		if recorded.Verdict != VerdictGood && recorded.Verdict != VerdictBad {
			continue
		}
		step, err = d.searcher.Report(ctx, recorded.Commit, recorded.Verdict)
		if err != nil {
			return nil, err
		}
	}
	if step == nil {
		// Only skips were recorded, restart from the collaborator's first pick.
		return d.searcher.Start(ctx, d.session.GoodRef, d.session.BadRef)
	}

	d.log.Info("Replay complete, continuing search")
	return step, nil
}

// runSingleCandidate handles the edge case of a range with exactly one revision:
// the driver tests it directly and converges without delegating to the search
// collaborator.
func (d *Driver) runSingleCandidate(ctx context.Context) (*Result, error) {
	d.setStatus(StatusRunning)
	candidate := d.session.BadRef
	d.setCandidate(candidate)
	if err := d.persist(); err != nil {
		return nil, err
	}

	verdict, _, err := d.testCandidate(ctx, candidate)
	if err != nil {
		return d.abort(fmt.Sprintf("test invocation failed: %v", err)), err
	}

	switch verdict {
	case VerdictBad:
		return d.converge(candidate)
	case VerdictGood:
		return d.abort("the only revision in range tested good, the bad boundary does not reproduce"), nil
	case VerdictSkip:
		return d.abort("inconclusive range: the only revision in range could not be judged"), nil
	default:
		if ctx.Err() != nil {
			return d.abort("canceled by operator"), nil
		}
		return d.abort("test procedure requested abort"), nil
	}
}

func (d *Driver) converge(culprit string) (*Result, error) {
	d.mu.Lock()
	d.session.Status = StatusConverged
	d.session.Culprit = culprit
	d.session.CandidateRef = ""
	d.mu.Unlock()

	d.log.Infof("Converged on culprit %s after %d steps", culprit, len(d.session.VerdictHistory))
	return d.result(), d.persist()
}

func (d *Driver) abort(reason string) *Result {
	d.mu.Lock()
	d.session.Status = StatusAborted
	d.session.AbortReason = reason
	d.session.CandidateRef = ""
	d.mu.Unlock()

	d.log.Warnf("Search aborted: %s", reason)
	if err := d.persist(); err != nil {
		d.log.Errorf("Failed to persist aborted session - %v", err)
	}
	return d.result()
}

func (d *Driver) setStatus(status Status) {
	d.mu.Lock()
	d.session.Status = status
	if status == StatusRunning {
		// A resumed session may carry the reason of a previous interruption.
		d.session.AbortReason = ""
	}
	d.mu.Unlock()
}

func (d *Driver) setCandidate(rev string) {
	d.mu.Lock()
	d.session.CandidateRef = rev
	d.mu.Unlock()
}

func (d *Driver) recordStep(step Step) {
	d.mu.Lock()
	d.session.AddStep(step)
	d.session.CandidateRef = ""
	d.mu.Unlock()
}

func (d *Driver) persist() error {
	if d.store == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.Save(d.session); err != nil {
		return errors.Join(errors.New("persisting session state failed"), err)
	}
	return nil
}

func (d *Driver) result() *Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &Result{
		Status:      d.session.Status,
		Culprit:     d.session.Culprit,
		AbortReason: d.session.AbortReason,

		Steps: append([]Step(nil), d.session.VerdictHistory...),
	}
}
