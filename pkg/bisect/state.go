package bisect

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	_ "crypto/sha256"

	"github.com/oklog/ulid/v2"
	"github.com/opencontainers/go-digest"
)

// ErrNoSession is returned by Load when no persisted session exists.
var ErrNoSession = errors.New("no persisted session")

// ErrCorruptState is returned by Load when the persisted form cannot be parsed.
var ErrCorruptState = errors.New("corrupt session state")

// A Status is the lifecycle state of a bisection session. Converged and Aborted
// are terminal.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusConverged   Status = "converged"
	StatusAborted     Status = "aborted"
)

// Terminal reports whether no further candidates may be requested in this status.
func (s Status) Terminal() bool {
	return s == StatusConverged || s == StatusAborted
}

// A Step records one test invocation: which revision was tested, how its exit
// status was classified and how long it took.
type Step struct {
	Commit   string  `json:"commit"`
	Verdict  Verdict `json:"verdict"`
	ExitCode int     `json:"exitCode"`

	Timestamp       time.Time `json:"timestamp"`
	DurationSeconds float64   `json:"durationSeconds"`
}

// A Session is the unit of persisted state for one bisection search. It is mutated
// only by the driver, each mutation immediately followed by a store write, so a
// later load resumes from the last recorded verdict.
type Session struct {
	ID string `json:"id"`

	RepoPath string `json:"repoPath"`
	Branch   string `json:"branch"`

	GoodRef      string `json:"goodRef"`
	BadRef       string `json:"badRef"`
	RangeCommits int    `json:"rangeCommits"`

	TestScript       string `json:"testScript"`
	TestScriptDigest string `json:"testScriptDigest"`

	CandidateRef string `json:"candidateRef,omitempty"`

	// VerdictHistory is append-only, its order is the causal order of test execution.
	VerdictHistory []Step   `json:"verdictHistory"`
	SkipSet        []string `json:"skipSet"`

	Status      Status `json:"status"`
	Culprit     string `json:"culprit,omitempty"`
	AbortReason string `json:"abortReason,omitempty"`

	StartedAt time.Time `json:"startedAt"`
}

// NewSession creates a fresh session over a resolved range.
func NewSession(repoPath, branch string, rng *Range, testScript, scriptDigest string) *Session {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Session{
		ID: ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String(),

		RepoPath: repoPath,
		Branch:   branch,

		GoodRef:      rng.Good,
		BadRef:       rng.Bad,
		RangeCommits: rng.Commits,

		TestScript:       testScript,
		TestScriptDigest: scriptDigest,

		Status: StatusInitialized,

		StartedAt: time.Now(),
	}
}

// AddStep appends a step to the verdict history and tracks skipped revisions.
func (s *Session) AddStep(step Step) {
	s.VerdictHistory = append(s.VerdictHistory, step)
	if step.Verdict == VerdictSkip && !s.Skipped(step.Commit) {
		s.SkipSet = append(s.SkipSet, step.Commit)
	}
}

// Skipped reports whether the passed revision was excluded from consideration.
func (s *Session) Skipped(rev string) bool {
	for _, skipped := range s.SkipSet {
		if skipped == rev {
			return true
		}
	}
	return false
}

// SkipCount returns how many skip verdicts were recorded so far.
func (s *Session) SkipCount() int {
	count := 0
	for _, step := range s.VerdictHistory {
		if step.Verdict == VerdictSkip {
			count++
		}
	}
	return count
}

// TotalDuration returns the summed duration of all recorded test invocations.
func (s *Session) TotalDuration() time.Duration {
	var total float64
	for _, step := range s.VerdictHistory {
		total += step.DurationSeconds
	}
	return time.Duration(total * float64(time.Second))
}

// clone returns a deep copy of the session for concurrent readers.
func (s *Session) clone() Session {
	copied := *s
	copied.VerdictHistory = append([]Step(nil), s.VerdictHistory...)
	copied.SkipSet = append([]string(nil), s.SkipSet...)
	return copied
}

// ScriptDigest returns the content digest of the configured test procedure, used
// to refuse resuming a session whose test procedure changed in the meantime.
func ScriptDigest(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return digest.FromBytes(content).String(), nil
}

// A StateStore durably persists a session to a single file, replaced atomically on
// every write so a reader never observes a half-written record.
type StateStore struct {
	Path string
}

func NewStateStore(path string) *StateStore {
	return &StateStore{Path: path}
}

// Save writes the full session to the store's file via write-to-temp-then-rename.
func (st *StateStore) Save(session *Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(st.Path)
	tmp, err := os.CreateTemp(dir, ".culprit-state-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), st.Path)
}

// Load reconstructs the persisted session. It fails with ErrNoSession when the
// file does not exist and with ErrCorruptState when it cannot be parsed.
func (st *StateStore) Load() (*Session, error) {
	data, err := os.ReadFile(st.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrNoSession, st.Path)
		}
		return nil, err
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("%w at %s: %v", ErrCorruptState, st.Path, err)
	}
	if session.GoodRef == "" || session.BadRef == "" || session.Status == "" {
		return nil, fmt.Errorf("%w at %s: missing required fields", ErrCorruptState, st.Path)
	}
	return &session, nil
}
