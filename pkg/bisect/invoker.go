package bisect

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

// A TestInvoker executes the external test procedure against a prepared workspace
// and classifies its exit status under a fixed contract:
//
//	0       -> good
//	1-124   -> bad
//	125     -> skip
//	126-127 -> bad
//	>=128   -> abort
//
// The procedure is invoked with two positional arguments, the revision under test
// and the absolute workspace path, and its stdout/stderr content is never
// interpreted. A test exceeding Timeout is killed and counted as a skip; a test
// killed by session-level cancellation is an abort.
type TestInvoker struct {
	Script  string        // Path of the test procedure.
	Timeout time.Duration // Per-invocation timeout, or 0 for none.

	Output io.Writer // Where to forward the procedure's output, or nil to discard it.

	log *logrus.Entry
}

func NewTestInvoker(script string, timeout time.Duration, output io.Writer, log *logrus.Entry) *TestInvoker {
	if output == nil {
		output = io.Discard
	}
	if log == nil {
		muted := logrus.New()
		muted.SetOutput(io.Discard)
		log = logrus.NewEntry(muted)
	}
	return &TestInvoker{
		Script:  script,
		Timeout: timeout,

		Output: output,

		log: log,
	}
}

// An InvocationResult is the recorded outcome of one test invocation. ExitCode is
// -1 when the process was killed before exiting on its own.
type InvocationResult struct {
	Verdict  Verdict
	ExitCode int
	Duration time.Duration
}

// Run invokes the test procedure against the passed workspace. An error is only
// returned when the procedure could not be started at all; every completed
// invocation yields a verdict.
func (inv *TestInvoker) Run(ctx context.Context, wt *Worktree) (*InvocationResult, error) {
	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, inv.Script, wt.Revision, wt.Path)
	cmd.Dir = wt.Path
	cmd.Stdout = inv.Output
	cmd.Stderr = inv.Output

	inv.log.Infof("Testing revision %s in %s", wt.Revision, wt.Path)

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := &InvocationResult{ExitCode: -1, Duration: duration}
	switch {
	case ctx.Err() != nil:
		// Caller-initiated cancellation at the session level propagates as abort.
		result.Verdict = VerdictAbort
	case runCtx.Err() != nil:
		inv.log.Warnf("Test of %s timed out after %v, counting as skip", wt.Revision, inv.Timeout)
		result.Verdict = VerdictSkip
	case err == nil:
		result.ExitCode = 0
		result.Verdict = VerdictGood
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, errors.Join(errors.New("test procedure could not be run"), err)
		}
		result.ExitCode = exitErr.ExitCode()
		if result.ExitCode < 0 {
			// Killed by an external signal while running.
			result.Verdict = VerdictSkip
		} else {
			result.Verdict = classifyExitCode(result.ExitCode)
		}
	}

	inv.log.Infof("Test of %s finished: %s (exit code %d, duration %.1fs)", wt.Revision, result.Verdict, result.ExitCode, duration.Seconds())
	return result, nil
}

// classifyExitCode maps a test procedure exit status to its verdict. This mapping
// is applied uniformly regardless of which test procedure is configured, the
// driver's termination guarantee depends on it.
func classifyExitCode(code int) Verdict {
	switch {
	case code == 0:
		return VerdictGood
	case code == 125:
		return VerdictSkip
	case code >= 128:
		return VerdictAbort
	default:
		return VerdictBad
	}
}
