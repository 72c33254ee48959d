package bisect

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	fullArgs := append([]string{
		"-C", dir,
		"-c", "user.name=tester",
		"-c", "user.email=tester@example.com",
	}, args...)
	out, err := exec.Command("git", fullArgs...).CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

// newTestRepo creates a repository with n linear commits on main, each writing its
// index into counter.txt, and returns the repository path together with the commit
// hashes, oldest first.
func newTestRepo(t *testing.T, n int) (string, []string) {
	t.Helper()
	requireGit(t)

	dir := t.TempDir()
	gitCmd(t, dir, "init", "-q", "-b", "main")

	hashes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "counter.txt"), []byte(strconv.Itoa(i)+"\n"), 0o644))
		gitCmd(t, dir, "add", "counter.txt")
		gitCmd(t, dir, "commit", "-q", "-m", fmt.Sprintf("commit %d", i))
		hash, err := NewGit(dir, nil).RevParse(context.Background(), "HEAD")
		require.NoError(t, err)
		hashes = append(hashes, hash)
	}
	return dir, hashes
}

func TestResolveRange(t *testing.T) {
	dir, hashes := newTestRepo(t, 10)
	git := NewGit(dir, nil)
	ctx := context.Background()

	t.Run("valid range", func(t *testing.T) {
		rng, err := ResolveRange(ctx, git, hashes[2], hashes[8])

		require.NoError(t, err)
		assert.Equal(t, hashes[2], rng.Good)
		assert.Equal(t, hashes[8], rng.Bad)
		assert.Equal(t, 6, rng.Commits)
	})

	t.Run("symbolic references resolve", func(t *testing.T) {
		rng, err := ResolveRange(ctx, git, "HEAD~3", "HEAD")

		require.NoError(t, err)
		assert.Equal(t, hashes[6], rng.Good)
		assert.Equal(t, hashes[9], rng.Bad)
		assert.Equal(t, 3, rng.Commits)
	})

	t.Run("unknown reference", func(t *testing.T) {
		_, err := ResolveRange(ctx, git, "no-such-tag", hashes[8])

		assert.ErrorIs(t, err, ErrInvalidRange)
	})

	t.Run("identical boundaries", func(t *testing.T) {
		_, err := ResolveRange(ctx, git, hashes[4], hashes[4])

		assert.ErrorIs(t, err, ErrDegenerateRange)
	})

	t.Run("reversed boundaries", func(t *testing.T) {
		_, err := ResolveRange(ctx, git, hashes[8], hashes[2])

		assert.ErrorIs(t, err, ErrInvalidRange)
	})
}

func TestCommitInfo(t *testing.T) {
	dir, hashes := newTestRepo(t, 3)
	git := NewGit(dir, nil)

	info, err := git.CommitInfo(context.Background(), hashes[1])

	require.NoError(t, err)
	assert.Equal(t, hashes[1], info.Hash)
	assert.NotEmpty(t, info.ShortHash)
	assert.Equal(t, "commit 1", info.Subject)
	assert.Equal(t, "tester", info.AuthorName)
	assert.Equal(t, "tester@example.com", info.AuthorEmail)
	assert.NotEmpty(t, info.AuthorDate)
}

func TestCurrentBranch(t *testing.T) {
	dir, hashes := newTestRepo(t, 3)
	git := NewGit(dir, nil)
	ctx := context.Background()

	branch, err := git.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	// Detached HEAD resolves to the commit hash instead.
	require.NoError(t, git.Checkout(ctx, "", hashes[1]))
	detached, err := git.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, hashes[1], detached)
}

func TestMergeAncestry(t *testing.T) {
	dir, _ := newTestRepo(t, 2)
	git := NewGit(dir, nil)
	ctx := context.Background()

	gitCmd(t, dir, "checkout", "-q", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "feature.txt"), []byte("x\n"), 0o644))
	gitCmd(t, dir, "add", "feature.txt")
	gitCmd(t, dir, "commit", "-q", "-m", "add feature")
	featureCommit, err := git.RevParse(ctx, "HEAD")
	require.NoError(t, err)
	gitCmd(t, dir, "checkout", "-q", "main")
	gitCmd(t, dir, "merge", "-q", "--no-ff", "-m", "Merge branch 'feature'", "feature")

	hops, err := git.MergeAncestry(ctx, featureCommit, "main")

	require.NoError(t, err)
	require.Len(t, hops, 1)
	assert.Equal(t, "Merge branch 'feature'", hops[0].Subject)
	assert.Equal(t, "feature", hops[0].SourceBranch)

	// A commit made on the branch itself has no merge ancestry.
	direct, err := git.MergeAncestry(ctx, "HEAD", "main")
	require.NoError(t, err)
	assert.Empty(t, direct)
}

func TestGitError(t *testing.T) {
	dir, _ := newTestRepo(t, 1)
	git := NewGit(dir, nil)

	_, err := git.RevParse(context.Background(), "does-not-exist")

	var gitErr *GitError
	require.ErrorAs(t, err, &gitErr)
	assert.Contains(t, gitErr.Args, "rev-parse")
}

func TestGitSearcherConverges(t *testing.T) {
	dir, hashes := newTestRepo(t, 12)
	git := NewGit(dir, nil)
	searcher := NewGitSearcher(git, nil)
	ctx := context.Background()

	culpritIdx := 7
	indexOf := map[string]int{}
	for i, hash := range hashes {
		indexOf[hash] = i
	}

	step, err := searcher.Start(ctx, hashes[0], hashes[len(hashes)-1])
	require.NoError(t, err)

	for i := 0; step.Culprit == ""; i++ {
		require.Less(t, i, len(hashes), "search did not converge")
		require.NotEmpty(t, step.Candidate)
		require.False(t, step.Inconclusive)

		verdict := VerdictGood
		if indexOf[step.Candidate] >= culpritIdx {
			verdict = VerdictBad
		}
		step, err = searcher.Report(ctx, step.Candidate, verdict)
		require.NoError(t, err)
	}

	assert.Equal(t, hashes[culpritIdx], step.Culprit)
	require.NoError(t, searcher.Reset(ctx))

	// The repository is left on the original branch, no-checkout mode never moved HEAD.
	branch, err := git.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}

func TestGitSearcherSkipExhaustion(t *testing.T) {
	dir, hashes := newTestRepo(t, 6)
	searcher := NewGitSearcher(NewGit(dir, nil), nil)
	ctx := context.Background()

	step, err := searcher.Start(ctx, hashes[0], hashes[len(hashes)-1])
	require.NoError(t, err)

	for i := 0; !step.Inconclusive; i++ {
		require.Less(t, i, len(hashes), "skipping every candidate must end the search")
		require.NotEmpty(t, step.Candidate)
		step, err = searcher.Report(ctx, step.Candidate, VerdictSkip)
		require.NoError(t, err)
	}

	assert.Empty(t, step.Culprit)
	require.NoError(t, searcher.Reset(ctx))
}
