package bisect

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{Retries: 0}
}

func readCounter(t *testing.T, dir string) string {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(dir, "counter.txt"))
	require.NoError(t, err)
	return string(content)
}

func TestWorktreeManagerWorktreeMode(t *testing.T) {
	dir, hashes := newTestRepo(t, 5)
	git := NewGit(dir, nil)
	ctx := context.Background()

	manager, err := NewWorktreeManager(ctx, git, ModeWorktree, false, fastRetry(), nil)
	require.NoError(t, err)
	defer manager.Close()

	wt, err := manager.Acquire(ctx, hashes[2])
	require.NoError(t, err)

	assert.Equal(t, hashes[2], wt.Revision)
	assert.NotEqual(t, dir, wt.Path, "a worktree workspace must not be the repository itself")
	assert.Equal(t, "2\n", readCounter(t, wt.Path))
	assert.Equal(t, "4\n", readCounter(t, dir), "the repository itself must stay untouched")

	require.NoError(t, manager.Release(wt))
	assert.NoDirExists(t, wt.Path)

	require.NoError(t, manager.Release(wt), "releasing twice must be a no-op")
}

func TestWorktreeManagerConcurrentWorktrees(t *testing.T) {
	dir, hashes := newTestRepo(t, 5)
	git := NewGit(dir, nil)
	ctx := context.Background()

	manager, err := NewWorktreeManager(ctx, git, ModeWorktree, false, fastRetry(), nil)
	require.NoError(t, err)
	defer manager.Close()

	first, err := manager.Acquire(ctx, hashes[1])
	require.NoError(t, err)
	second, err := manager.Acquire(ctx, hashes[3])
	require.NoError(t, err)

	assert.NotEqual(t, first.Path, second.Path)
	assert.Equal(t, "1\n", readCounter(t, first.Path))
	assert.Equal(t, "3\n", readCounter(t, second.Path))

	require.NoError(t, manager.Release(first))
	require.NoError(t, manager.Release(second))
}

func TestWorktreeManagerCopyMode(t *testing.T) {
	dir, hashes := newTestRepo(t, 5)
	git := NewGit(dir, nil)
	ctx := context.Background()

	manager, err := NewWorktreeManager(ctx, git, ModeCopy, false, fastRetry(), nil)
	require.NoError(t, err)
	defer manager.Close()

	wt, err := manager.Acquire(ctx, hashes[3])
	require.NoError(t, err)

	assert.Equal(t, "3\n", readCounter(t, wt.Path))

	// Mutations inside the copy never reach the repository.
	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "scratch.txt"), []byte("x"), 0o644))
	assert.NoFileExists(t, filepath.Join(dir, "scratch.txt"))

	require.NoError(t, manager.Release(wt))
	assert.NoDirExists(t, wt.Path)
}

func TestWorktreeManagerInPlaceMode(t *testing.T) {
	dir, hashes := newTestRepo(t, 5)
	git := NewGit(dir, nil)
	ctx := context.Background()

	manager, err := NewWorktreeManager(ctx, git, ModeInPlace, false, fastRetry(), nil)
	require.NoError(t, err)

	wt, err := manager.Acquire(ctx, hashes[2])
	require.NoError(t, err)

	assert.Equal(t, dir, wt.Path, "in-place mode reuses the repository directory")
	assert.Equal(t, "2\n", readCounter(t, dir))

	require.NoError(t, manager.Release(wt))
	assert.DirExists(t, dir, "releasing an in-place workspace must not remove the repository")

	// Close restores what was checked out before the first acquisition.
	require.NoError(t, manager.Close())
	branch, err := git.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
	assert.Equal(t, "4\n", readCounter(t, dir))
}

func TestWorktreeManagerInPlaceClean(t *testing.T) {
	dir, hashes := newTestRepo(t, 3)
	git := NewGit(dir, nil)
	ctx := context.Background()

	manager, err := NewWorktreeManager(ctx, git, ModeInPlace, true, fastRetry(), nil)
	require.NoError(t, err)
	defer manager.Close()

	// An untracked artifact of a previous step is swept before the next test.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build-artifact.o"), []byte("x"), 0o644))

	wt, err := manager.Acquire(ctx, hashes[1])
	require.NoError(t, err)
	defer manager.Release(wt)

	assert.NoFileExists(t, filepath.Join(dir, "build-artifact.o"))
}

func TestWorktreeManagerUnknownRevision(t *testing.T) {
	dir, _ := newTestRepo(t, 3)
	git := NewGit(dir, nil)
	ctx := context.Background()

	for _, mode := range []IsolationMode{ModeWorktree, ModeCopy, ModeInPlace} {
		t.Run(string(mode), func(t *testing.T) {
			manager, err := NewWorktreeManager(ctx, git, mode, false, fastRetry(), nil)
			require.NoError(t, err)
			defer manager.Close()

			_, err = manager.Acquire(ctx, "0000000000000000000000000000000000000000")

			var wtErr *WorktreeError
			require.ErrorAs(t, err, &wtErr)
			assert.Equal(t, "0000000000000000000000000000000000000000", wtErr.Revision)
		})
	}
}

func TestWorktreeManagerAcquireCanceled(t *testing.T) {
	dir, hashes := newTestRepo(t, 3)
	git := NewGit(dir, nil)

	manager, err := NewWorktreeManager(context.Background(), git, ModeWorktree, false, fastRetry(), nil)
	require.NoError(t, err)
	defer manager.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = manager.Acquire(ctx, hashes[1])

	var wtErr *WorktreeError
	require.ErrorAs(t, err, &wtErr)
	assert.ErrorIs(t, wtErr.Err, context.Canceled)
}
