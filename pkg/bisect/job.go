package bisect

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type jobYaml struct {
	Repository string `yaml:"repository" default:"."`
	Branch     string `yaml:"branch"`

	GoodRef string `yaml:"goodRef"`
	BadRef  string `yaml:"badRef" default:"HEAD"`

	TestScript string `yaml:"testScript"`

	Mode              string `yaml:"mode" default:"worktree"`
	CleanBetweenSteps bool   `yaml:"cleanBetweenSteps"`

	Timeout int `yaml:"timeout"`

	StateFile string `yaml:"stateFile"`

	SkipThreshold         int `yaml:"skipThreshold" default:"5"`
	WorkspaceFailureLimit int `yaml:"workspaceFailureLimit" default:"3"`

	WorkspaceRetries int `yaml:"workspaceRetries" default:"3"`
	Backoff          int `yaml:"backoff" default:"500"`
	BackoffIncrement int `yaml:"backoffIncrement" default:"250"`
	MaxBackoff       int `yaml:"maxBackoff" default:"5000"`

	ShowAncestry bool `yaml:"showAncestry"`
}

// GetJobFromConfig reads in a job config in yaml format from a reader and
// initializes the corresponding job struct. Durations in the config are given in
// milliseconds, with the exception of timeout, which is given in seconds.
func GetJobFromConfig(r io.Reader) (*Job, error) {
	var config jobYaml

	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}
	if err := defaults.Set(&config); err != nil {
		return nil, err
	}

	modes := map[string]IsolationMode{
		"worktree": ModeWorktree,
		"copy":     ModeCopy,
		"inplace":  ModeInPlace,
	}
	mode, ok := modes[strings.ToLower(config.Mode)]
	if !ok {
		return nil, fmt.Errorf("invalid isolation mode supplied: %s", config.Mode)
	}

	return &Job{
		Repository: config.Repository,
		Branch:     config.Branch,

		GoodRef: config.GoodRef,
		BadRef:  config.BadRef,

		TestScript: config.TestScript,

		Mode:              mode,
		CleanBetweenSteps: config.CleanBetweenSteps,

		Timeout: time.Duration(config.Timeout) * time.Second,

		StateFile: config.StateFile,

		SkipThreshold:         config.SkipThreshold,
		WorkspaceFailureLimit: config.WorkspaceFailureLimit,

		WorkspaceRetry: RetryConfig{
			Retries: config.WorkspaceRetries,

			Backoff: time.Duration(config.Backoff) * time.Millisecond,

			BackoffIncrement: time.Duration(config.BackoffIncrement) * time.Millisecond,
			MaxBackoff:       time.Duration(config.MaxBackoff) * time.Millisecond,
		},

		ShowAncestry: config.ShowAncestry,
	}, nil
}

// A Job is the blueprint of one bisection search: the repository and range to
// search, the test procedure judging candidates, and the knobs bounding the run.
type Job struct {
	Repository string // Path of the git repository under search
	Branch     string // The branch being bisected. Defaults to the currently checked out one.

	GoodRef string // A revision known to not exhibit the regression
	BadRef  string // A revision known to exhibit the regression

	TestScript string // Path of the test procedure judging candidates

	Mode              IsolationMode // How candidate workspaces are materialized
	CleanBetweenSteps bool          // Whether in-place workspaces are cleaned between revisions

	Timeout time.Duration // Per-test timeout, or 0 for none

	StateFile  string // Where to persist the session, or empty to disable persistence
	ResumeFrom string // A state file to resume an interrupted session from

	SkipThreshold         int // How many skip verdicts until the range counts as inconclusive
	WorkspaceFailureLimit int // How many consecutive workspace failures until the search aborts

	WorkspaceRetry RetryConfig // Retry policy for workspace materialization

	ShowAncestry bool // Whether the report includes the culprit's merge ancestry

	TestOutput io.Writer // Where the test procedure's output is forwarded, or nil to discard it

	Log *logrus.Logger // The log to which information gets printed to
}
