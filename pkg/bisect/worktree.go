package bisect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dchest/uniuri"
	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
)

// An IsolationMode selects how candidate workspaces are materialized.
type IsolationMode string

const (
	// ModeWorktree materializes a fresh detached git worktree per candidate.
	ModeWorktree IsolationMode = "worktree"
	// ModeCopy materializes a full copy of the repository per candidate. Stronger
	// isolation than a worktree at a higher cost per step.
	ModeCopy IsolationMode = "copy"
	// ModeInPlace reuses the repository directory itself, switching its checked out
	// revision between steps. Stale build artifacts of a prior revision may leak
	// into the next test unless CleanBetweenSteps is set or the test procedure
	// cleans up itself.
	ModeInPlace IsolationMode = "inplace"
)

// A WorktreeError marks a workspace materialization failure unrelated to the code
// under test. The driver maps it to a skip verdict instead of a bad one.
type WorktreeError struct {
	Revision string
	Err      error
}

func (e *WorktreeError) Error() string {
	return fmt.Sprintf("workspace materialization for %s failed: %v", e.Revision, e.Err)
}

func (e *WorktreeError) Unwrap() error {
	return e.Err
}

// A Worktree is an ephemeral workspace bound to one revision. It is valid for at
// most one test invocation at a time and must be released exactly once.
type Worktree struct {
	Path     string // The filesystem location of the workspace, exclusively owned by its creator.
	Revision string // The revision checked out in the workspace.

	mode     IsolationMode
	released bool
}

// A RetryConfig bounds the retries of workspace acquisition, with a backoff that
// grows by BackoffIncrement per attempt up to MaxBackoff.
type RetryConfig struct {
	Retries int

	Backoff          time.Duration
	BackoffIncrement time.Duration
	MaxBackoff       time.Duration
}

// A WorktreeManager materializes isolated, disposable workspaces bound to candidate
// revisions and guarantees their removal.
type WorktreeManager struct {
	git  *Git
	mode IsolationMode

	cleanBetweenSteps bool
	retry             RetryConfig

	baseDir     string // Parent directory of all workspaces created by this manager.
	originalRef string // What was checked out in the repository before the first in-place acquisition.

	log *logrus.Entry
}

// NewWorktreeManager creates a manager producing workspaces of the passed mode.
func NewWorktreeManager(ctx context.Context, git *Git, mode IsolationMode, cleanBetweenSteps bool, retry RetryConfig, log *logrus.Entry) (*WorktreeManager, error) {
	if log == nil {
		muted := logrus.New()
		muted.SetOutput(io.Discard)
		log = logrus.NewEntry(muted)
	}

	baseDir, err := os.MkdirTemp("", "culprit-")
	if err != nil {
		return nil, err
	}

	m := &WorktreeManager{
		git:  git,
		mode: mode,

		cleanBetweenSteps: cleanBetweenSteps,
		retry:             retry,

		baseDir: baseDir,

		log: log,
	}

	if mode == ModeInPlace {
		m.originalRef, err = git.CurrentBranch(ctx)
		if err != nil {
			os.RemoveAll(baseDir)
			return nil, err
		}
	}

	return m, nil
}

// Acquire materializes a workspace bound to the passed revision, retrying with
// backoff on infrastructure failures. The returned handle must be passed to
// Release exactly once, also when the test invocation fails.
func (m *WorktreeManager) Acquire(ctx context.Context, revision string) (*Worktree, error) {
	var lastErr error

	backoff := m.retry.Backoff
	for attempt := 0; attempt <= m.retry.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &WorktreeError{Revision: revision, Err: err}
		}

		wt, err := m.acquireOnce(ctx, revision)
		if err == nil {
			return wt, nil
		}
		lastErr = err
		m.log.Warnf("Acquiring workspace for %s failed (attempt %d/%d) - %v", revision, attempt+1, m.retry.Retries+1, err)

		if attempt != m.retry.Retries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &WorktreeError{Revision: revision, Err: ctx.Err()}
			}
			backoff += m.retry.BackoffIncrement
			if backoff > m.retry.MaxBackoff {
				backoff = m.retry.MaxBackoff
			}
		}
	}

	return nil, &WorktreeError{Revision: revision, Err: lastErr}
}

func (m *WorktreeManager) acquireOnce(ctx context.Context, revision string) (*Worktree, error) {
	switch m.mode {
	case ModeWorktree:
		path := filepath.Join(m.baseDir, "wt-"+uniuri.New())
		if err := m.git.AddWorktree(ctx, path, revision); err != nil {
			// A partially created worktree must not orphan resources.
			os.RemoveAll(path)
			return nil, err
		}
		return &Worktree{Path: path, Revision: revision, mode: m.mode}, nil

	case ModeCopy:
		path := filepath.Join(m.baseDir, "copy-"+uniuri.New())
		if err := copy.Copy(m.git.RepoPath(), path, copy.Options{Specials: true}); err != nil {
			os.RemoveAll(path)
			return nil, err
		}
		if err := m.git.ResetHard(ctx, path, revision); err != nil {
			os.RemoveAll(path)
			return nil, err
		}
		return &Worktree{Path: path, Revision: revision, mode: m.mode}, nil

	case ModeInPlace:
		if err := m.git.Checkout(ctx, "", revision); err != nil {
			return nil, err
		}
		if m.cleanBetweenSteps {
			if err := m.git.Clean(ctx, ""); err != nil {
				return nil, err
			}
		}
		return &Worktree{Path: m.git.RepoPath(), Revision: revision, mode: m.mode}, nil

	default:
		return nil, fmt.Errorf("unknown isolation mode %q", m.mode)
	}
}

// Release removes all resources associated with the handle. Releasing an already
// released handle is a no-op. Removal deliberately ignores the caller's context so
// cleanup still happens when the session was canceled.
func (m *WorktreeManager) Release(wt *Worktree) error {
	if wt == nil || wt.released {
		return nil
	}
	wt.released = true

	switch wt.mode {
	case ModeWorktree:
		err := m.git.RemoveWorktree(context.Background(), wt.Path)
		return errors.Join(err, os.RemoveAll(wt.Path))
	case ModeCopy:
		return os.RemoveAll(wt.Path)
	default:
		// The in-place workspace is the repository itself, restored on Close.
		return nil
	}
}

// Close removes the manager's base directory and, for in-place mode, restores the
// originally checked out revision.
func (m *WorktreeManager) Close() error {
	var restoreErr error
	if m.mode == ModeInPlace && m.originalRef != "" {
		restoreErr = m.git.CheckoutBranch(context.Background(), m.originalRef)
	}
	return errors.Join(restoreErr, os.RemoveAll(m.baseDir))
}
