package bisect

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSession() *Session {
	rng := &Range{
		Good:    "1111111111111111111111111111111111111111",
		Bad:     "2222222222222222222222222222222222222222",
		Commits: 12,
	}
	return NewSession("/repo", "main", rng, "/repo/test.sh", "sha256:abc")
}

func TestStateStoreRoundtrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStateStore(filepath.Join(dir, "state.json"))

	session := sampleSession()
	session.Status = StatusRunning
	session.AddStep(Step{
		Commit:   "3333333333333333333333333333333333333333",
		Verdict:  VerdictGood,
		ExitCode: 0,

		Timestamp:       time.Now(),
		DurationSeconds: 1.5,
	})
	session.AddStep(Step{
		Commit:   "4444444444444444444444444444444444444444",
		Verdict:  VerdictSkip,
		ExitCode: 125,

		Timestamp: time.Now(),
	})
	require.NoError(t, store.Save(session))

	loaded, err := store.Load()
	require.NoError(t, err)

	assert.Equal(t, session.ID, loaded.ID)
	assert.Equal(t, session.GoodRef, loaded.GoodRef)
	assert.Equal(t, session.BadRef, loaded.BadRef)
	assert.Equal(t, session.RangeCommits, loaded.RangeCommits)
	assert.Equal(t, session.TestScriptDigest, loaded.TestScriptDigest)
	assert.Equal(t, StatusRunning, loaded.Status)
	require.Len(t, loaded.VerdictHistory, 2)
	assert.Equal(t, session.VerdictHistory[0].Commit, loaded.VerdictHistory[0].Commit)
	assert.Equal(t, VerdictSkip, loaded.VerdictHistory[1].Verdict)
	assert.Equal(t, []string{"4444444444444444444444444444444444444444"}, loaded.SkipSet)
}

func TestStateStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStateStore(filepath.Join(dir, "state.json"))

	session := sampleSession()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Save(session))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestStateStoreLoadMissing(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "state.json"))

	_, err := store.Load()

	assert.ErrorIs(t, err, ErrNoSession)
}

func TestStateStoreLoadCorrupt(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "this is not json{"},
		{"missing fields", "{}"},
		{"truncated write", `{"id": "01H", "goodRef": "aaa"`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.json")
			require.NoError(t, os.WriteFile(path, []byte(test.content), 0o644))

			_, err := NewStateStore(path).Load()

			assert.ErrorIs(t, err, ErrCorruptState)
		})
	}
}

func TestSessionAddStepDedupesSkips(t *testing.T) {
	session := sampleSession()

	skip := Step{Commit: "aaaa", Verdict: VerdictSkip, ExitCode: 125, Timestamp: time.Now()}
	session.AddStep(skip)
	session.AddStep(skip)
	session.AddStep(Step{Commit: "bbbb", Verdict: VerdictGood, Timestamp: time.Now()})

	assert.Equal(t, []string{"aaaa"}, session.SkipSet)
	assert.Equal(t, 2, session.SkipCount())
	assert.True(t, session.Skipped("aaaa"))
	assert.False(t, session.Skipped("bbbb"))
}

func TestSessionTotalDuration(t *testing.T) {
	session := sampleSession()
	session.AddStep(Step{Commit: "aaaa", Verdict: VerdictGood, DurationSeconds: 1.5})
	session.AddStep(Step{Commit: "bbbb", Verdict: VerdictBad, DurationSeconds: 0.5})

	assert.Equal(t, 2*time.Second, session.TotalDuration())
}

func TestSessionIDsAreUnique(t *testing.T) {
	first := sampleSession()
	second := sampleSession()

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusInitialized.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusConverged.Terminal())
	assert.True(t, StatusAborted.Terminal())
}

func TestScriptDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	first, err := ScriptDigest(path)
	require.NoError(t, err)
	assert.Contains(t, first, "sha256:")

	same, err := ScriptDigest(path)
	require.NoError(t, err)
	assert.Equal(t, first, same)

	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 1\n"), 0o755))
	changed, err := ScriptDigest(path)
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}
