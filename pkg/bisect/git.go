package bisect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrInvalidRange is returned when a revision of the bisection range cannot be
// resolved, or when the good revision is not an ancestor of the bad one.
var ErrInvalidRange = errors.New("invalid bisection range")

// ErrDegenerateRange is returned when the good and bad revisions refer to the same
// commit, leaving nothing to search.
var ErrDegenerateRange = errors.New("degenerate bisection range")

// A GitError wraps a failed git invocation together with its captured stderr.
type GitError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s failed: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += " - " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *GitError) Unwrap() error {
	return e.Err
}

// Git runs git commands against one repository.
// The zero value is not usable, create instances with NewGit.
type Git struct {
	repoPath string

	log *logrus.Entry
}

func NewGit(repoPath string, log *logrus.Entry) *Git {
	if log == nil {
		muted := logrus.New()
		muted.SetOutput(io.Discard)
		log = logrus.NewEntry(muted)
	}
	return &Git{repoPath: repoPath, log: log}
}

// RepoPath returns the path of the repository this runner operates on.
func (g *Git) RepoPath() string {
	return g.repoPath
}

// run executes a git command in dir (or the repository when dir is empty) and
// returns its trimmed stdout. Non-zero exits are returned as a *GitError.
func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	if dir == "" {
		dir = g.repoPath
	}
	fullArgs := append([]string{"-C", dir}, args...)
	g.log.Debugf("Running git %s", strings.Join(fullArgs, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &GitError{Args: fullArgs, Stderr: stderr.String(), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// runCombined executes a git command and returns its combined output and exit code.
// An error is only returned when the command could not be run at all.
func (g *Git) runCombined(ctx context.Context, dir string, args ...string) (string, int, error) {
	if dir == "" {
		dir = g.repoPath
	}
	fullArgs := append([]string{"-C", dir}, args...)
	g.log.Debugf("Running git %s", strings.Join(fullArgs, " "))

	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), exitErr.ExitCode(), nil
		}
		return "", 0, &GitError{Args: fullArgs, Err: err}
	}
	return string(out), 0, nil
}

// RevParse resolves a revision reference to its full commit hash.
func (g *Git) RevParse(ctx context.Context, ref string) (string, error) {
	return g.run(ctx, "", "rev-parse", "--verify", ref+"^{commit}")
}

// ShortHash returns the abbreviated hash of a revision.
func (g *Git) ShortHash(ctx context.Context, ref string) (string, error) {
	return g.run(ctx, "", "rev-parse", "--short", ref)
}

// CurrentBranch returns the name of the currently checked out branch, or the full
// commit hash when HEAD is detached.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	branch, err := g.run(ctx, "", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if branch == "HEAD" {
		return g.run(ctx, "", "rev-parse", "HEAD")
	}
	return branch, nil
}

// CommitInfo holds the details of a single commit as shown to the user.
type CommitInfo struct {
	Hash        string
	ShortHash   string
	Subject     string
	AuthorName  string
	AuthorEmail string
	AuthorDate  string
}

// CommitInfo returns the details of the passed revision.
func (g *Git) CommitInfo(ctx context.Context, ref string) (*CommitInfo, error) {
	out, err := g.run(ctx, "", "log", "-1", "--format=%H%n%h%n%s%n%an%n%ae%n%ai", ref)
	if err != nil {
		return nil, err
	}
	lines := strings.SplitN(out, "\n", 6)
	if len(lines) < 6 {
		return nil, fmt.Errorf("unexpected git log output for %s: %q", ref, out)
	}
	return &CommitInfo{
		Hash:        lines[0],
		ShortHash:   lines[1],
		Subject:     lines[2],
		AuthorName:  lines[3],
		AuthorEmail: lines[4],
		AuthorDate:  lines[5],
	}, nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (g *Git) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, code, err := g.runCombined(ctx, "", "merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

// CountCommits returns the number of commits in good..bad.
func (g *Git) CountCommits(ctx context.Context, good, bad string) (int, error) {
	out, err := g.run(ctx, "", "rev-list", "--count", good+".."+bad)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(out)
}

// AddWorktree materializes a detached worktree of the passed revision at path.
func (g *Git) AddWorktree(ctx context.Context, path, rev string) error {
	_, err := g.run(ctx, "", "worktree", "add", "--detach", path, rev)
	return err
}

// RemoveWorktree removes the worktree at path. Removal failures of already deleted
// worktrees are ignored.
func (g *Git) RemoveWorktree(ctx context.Context, path string) error {
	_, _, err := g.runCombined(ctx, "", "worktree", "remove", "--force", path)
	return err
}

// Checkout checks out a revision with a detached HEAD in the passed directory.
func (g *Git) Checkout(ctx context.Context, dir, rev string) error {
	_, err := g.run(ctx, dir, "checkout", "--detach", rev)
	return err
}

// CheckoutBranch checks out a branch by name in the repository.
func (g *Git) CheckoutBranch(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "", "checkout", branch)
	return err
}

// ResetHard resets the directory to the passed revision, discarding local changes.
func (g *Git) ResetHard(ctx context.Context, dir, rev string) error {
	_, err := g.run(ctx, dir, "reset", "--hard", rev)
	return err
}

// Clean removes untracked files and directories from dir, including ignored build
// artifacts left behind by a previous revision.
func (g *Git) Clean(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "clean", "-fdx")
	return err
}

// A MergeHop is one merge commit on the path a commit took into a branch.
type MergeHop struct {
	MergeCommit  string
	Subject      string
	SourceBranch string
}

var sourceBranchRegex = regexp.MustCompile(`Merge (?:branch |pull request .* from )['"]?([^'"\s]+)`)

// MergeAncestry returns the merge commits through which the passed commit reached
// the target branch, oldest first. An empty result means the commit landed on the
// branch directly.
func (g *Git) MergeAncestry(ctx context.Context, commit, branch string) ([]MergeHop, error) {
	out, err := g.run(ctx, "", "log", "--ancestry-path", "--merges", "--reverse", "--format=%h %s", commit+".."+branch)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	var hops []MergeHop
	for _, line := range strings.Split(out, "\n") {
		hash, subject, _ := strings.Cut(line, " ")
		hop := MergeHop{MergeCommit: hash, Subject: subject}
		if match := sourceBranchRegex.FindStringSubmatch(subject); match != nil {
			hop.SourceBranch = match[1]
		}
		hops = append(hops, hop)
	}
	return hops, nil
}

// A Range is a validated, normalized bisection boundary. Good and Bad are full
// commit hashes and Commits is the number of revisions in good..bad.
type Range struct {
	Good string
	Bad  string

	Commits int
}

// ResolveRange validates the passed good and bad references and normalizes them to
// full commit hashes. It fails with ErrInvalidRange if either reference does not
// resolve or the good revision is not an ancestor of the bad one, and with
// ErrDegenerateRange if both resolve to the same commit.
func ResolveRange(ctx context.Context, g *Git, goodRef, badRef string) (*Range, error) {
	good, err := g.RevParse(ctx, goodRef)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot resolve good revision %q: %v", ErrInvalidRange, goodRef, err)
	}
	bad, err := g.RevParse(ctx, badRef)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot resolve bad revision %q: %v", ErrInvalidRange, badRef, err)
	}

	if good == bad {
		return nil, fmt.Errorf("%w: good and bad both refer to %s", ErrDegenerateRange, good)
	}

	isAncestor, err := g.IsAncestor(ctx, good, bad)
	if err != nil {
		return nil, err
	}
	if !isAncestor {
		return nil, fmt.Errorf("%w: good revision %s is not an ancestor of bad revision %s", ErrInvalidRange, good, bad)
	}

	count, err := g.CountCommits(ctx, good, bad)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: no revisions between %s and %s", ErrDegenerateRange, good, bad)
	}

	return &Range{Good: good, Bad: bad, Commits: count}, nil
}
