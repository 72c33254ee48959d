package bisect

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// A Verdict is the classified outcome of testing one candidate revision.
type Verdict string

const (
	VerdictGood  Verdict = "good"
	VerdictBad   Verdict = "bad"
	VerdictSkip  Verdict = "skip"
	VerdictAbort Verdict = "abort"
)

// A SearchStep is the search collaborator's answer after consuming a verdict:
// either the next candidate to test, the converged culprit, or the statement that
// the remaining range cannot be narrowed further.
type SearchStep struct {
	Candidate string // The next revision to test. Empty once the search ended.
	Culprit   string // The first bad commit, set when the search converged.

	Inconclusive bool // Set when only skipped revisions remain between the boundaries.

	EstimatedSteps int // The collaborator's rough estimate of remaining steps, or -1 if unknown.
}

// A Searcher is the commit-selection collaborator of the bisection driver. It owns
// the binary search over the commit graph; the driver only feeds it verdicts.
//
// Implementations do not have to be safe for concurrent use, the driver calls them
// sequentially.
type Searcher interface {
	// Start opens a search over the passed good/bad boundary and returns the first step.
	Start(ctx context.Context, good, bad string) (*SearchStep, error)

	// Report consumes the verdict for a revision and returns the next step.
	// Abort verdicts are never reported, the driver stops instead.
	Report(ctx context.Context, rev string, verdict Verdict) (*SearchStep, error)

	// Reset tears down any search state. Safe to call when no search is running.
	Reset(ctx context.Context) error
}

var (
	firstBadRegex  = regexp.MustCompile(`([0-9a-f]{40}) is the first bad commit`)
	stepCountRegex = regexp.MustCompile(`roughly (\d+) steps?`)
)

// gitSearcher delegates commit selection to git's native bisect machinery, run in
// no-checkout mode so the repository's HEAD is never moved.
type gitSearcher struct {
	git *Git

	log *logrus.Entry
}

// NewGitSearcher returns a Searcher backed by git bisect in the passed repository.
func NewGitSearcher(git *Git, log *logrus.Entry) Searcher {
	if log == nil {
		muted := logrus.New()
		muted.SetOutput(io.Discard)
		log = logrus.NewEntry(muted)
	}
	return &gitSearcher{git: git, log: log}
}

func (s *gitSearcher) Start(ctx context.Context, good, bad string) (*SearchStep, error) {
	out, code, err := s.git.runCombined(ctx, "", "bisect", "start", "--no-checkout", bad, good)
	if err != nil {
		return nil, err
	}
	if code != 0 && !strings.Contains(out, "first bad commit") {
		return nil, fmt.Errorf("git bisect start failed (exit %d): %s", code, strings.TrimSpace(out))
	}
	return s.parseStep(ctx, out)
}

func (s *gitSearcher) Report(ctx context.Context, rev string, verdict Verdict) (*SearchStep, error) {
	var subcommand string
	switch verdict {
	case VerdictGood:
		subcommand = "good"
	case VerdictBad:
		subcommand = "bad"
	case VerdictSkip:
		subcommand = "skip"
	default:
		return nil, fmt.Errorf("verdict %q cannot be reported to git bisect", verdict)
	}

	out, code, err := s.git.runCombined(ctx, "", "bisect", subcommand, rev)
	if err != nil {
		return nil, err
	}
	// git exits non-zero both on convergence and on skip exhaustion, so the exit
	// code alone is not conclusive here.
	step, perr := s.parseStep(ctx, out)
	if perr != nil && code != 0 {
		return nil, fmt.Errorf("git bisect %s %s failed (exit %d): %s", subcommand, rev, code, strings.TrimSpace(out))
	}
	return step, perr
}

func (s *gitSearcher) Reset(ctx context.Context) error {
	_, _, err := s.git.runCombined(ctx, "", "bisect", "reset")
	return err
}

// parseStep classifies the output of a bisect command into the next search step.
func (s *gitSearcher) parseStep(ctx context.Context, out string) (*SearchStep, error) {
	step := &SearchStep{EstimatedSteps: -1}

	if match := firstBadRegex.FindStringSubmatch(out); match != nil {
		step.Culprit = match[1]
		return step, nil
	}

	if strings.Contains(out, "skip'ped commits") {
		step.Inconclusive = true
		return step, nil
	}

	if match := stepCountRegex.FindStringSubmatch(out); match != nil {
		step.EstimatedSteps, _ = strconv.Atoi(match[1])
	}

	candidate, err := s.git.run(ctx, "", "rev-parse", "BISECT_HEAD")
	if err != nil {
		return nil, fmt.Errorf("no candidate after bisect step: %w", err)
	}
	step.Candidate = candidate

	s.log.Debugf("Next bisect candidate: %s (~%d steps left)", candidate, step.EstimatedSteps)
	return step, nil
}
