package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fkupper/culprit/internal/server"
	"github.com/fkupper/culprit/pkg/bisect"
	"github.com/phayes/freeport"
	"github.com/spf13/cobra"
)

var (
	runRepo       string
	runBranch     string
	runGood       string
	runBad        string
	runTest       string
	runMode       string
	runStateFile  string
	runResumeFrom string

	runTimeout time.Duration

	runDryRun       bool
	runShowAncestry bool
	runCleanSteps   bool

	runProgressPort int
)

var runCmd = &cobra.Command{
	Use:   "run [job.yml]",
	Short: "Run an automated bisection over a good/bad revision range",
	Long: `Run an automated bisection over a good/bad revision range.
The search can be configured either through a job.yml passed as the only argument, or
entirely through flags. Flags override values from the job.yml.

The configured test procedure is invoked once per candidate with two arguments, the
revision under test and the absolute path of a prepared workspace, and reports its
verdict through its exit status: 0 good, 125 skip, 128 and above abort, anything
else bad.

The process exits 0 when a culprit was found, 1 when the search aborted and 2 on a
configuration error.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := newLogger()

		job, err := jobFromArgs(cmd, args)
		if err != nil {
			log.Errorf("Invalid configuration - %v", err)
			os.Exit(2)
		}
		job.Log = log
		if verbosity >= 1 {
			job.TestOutput = os.Stdout
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runner, err := job.Prepare(ctx)
		if err != nil {
			if errors.Is(err, bisect.ErrInvalidRange) || errors.Is(err, bisect.ErrDegenerateRange) {
				log.Errorf("Invalid bisection range - %v", err)
			} else {
				log.Errorf("Failed to prepare bisection - %v", err)
			}
			os.Exit(2)
		}

		reporter := bisect.NewReporter(runner.Git(), job.ShowAncestry)
		reporter.PrintBanner()
		reporter.PrintConfig(ctx, job, runner.Snapshot(), runner.Resuming())
		reporter.PrintEstimate(runner.EstimateSteps(ctx))

		if runDryRun {
			log.Warn("Dry run, not executing any tests")
			return
		}

		if cmd.Flags().Changed("progress-port") {
			port := runProgressPort
			if port == 0 {
				if port, err = freeport.GetFreePort(); err != nil {
					log.Fatalf("Failed to find a free port for the progress server - %v", err)
				}
			}
			if _, err := server.NewServer(server.HTTP, ctx, port, runner.Snapshot); err != nil {
				log.Fatalf("Failed to start progress server - %v", err)
			}
			log.Infof("Progress served on http://localhost:%d/session", port)
		}

		result, err := runner.Run(ctx)
		if err != nil {
			log.Errorf("Bisection failed - %v", err)
			os.Exit(1)
		}

		if result.Status == bisect.StatusConverged {
			reporter.PrintResult(ctx, runner.Snapshot())
			return
		}

		reporter.PrintAbort(runner.Snapshot())
		if job.StateFile != "" {
			log.Infof("Session state preserved, resume with: culprit run --resume-from %s --test %s", job.StateFile, job.TestScript)
		}
		os.Exit(1)
	},
}

// jobFromArgs builds the job from an optional job.yml and the run flags, flags
// taking precedence.
func jobFromArgs(cmd *cobra.Command, args []string) (*bisect.Job, error) {
	var job *bisect.Job

	if len(args) == 1 {
		file, err := os.Open(args[0])
		if err != nil {
			return nil, err
		}
		defer file.Close()
		if job, err = bisect.GetJobFromConfig(file); err != nil {
			return nil, err
		}
	} else {
		// Flag-only invocation still goes through the config defaults.
		var err error
		if job, err = bisect.GetJobFromConfig(strings.NewReader("{}")); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("repo") {
		job.Repository = runRepo
	}
	if flags.Changed("branch") {
		job.Branch = runBranch
	}
	if flags.Changed("good") {
		job.GoodRef = runGood
	}
	if flags.Changed("bad") {
		job.BadRef = runBad
	}
	if flags.Changed("test") {
		job.TestScript = runTest
	}
	if flags.Changed("mode") {
		modes := map[string]bisect.IsolationMode{
			"worktree": bisect.ModeWorktree,
			"copy":     bisect.ModeCopy,
			"inplace":  bisect.ModeInPlace,
		}
		mode, ok := modes[runMode]
		if !ok {
			return nil, fmt.Errorf("invalid isolation mode supplied: %s", runMode)
		}
		job.Mode = mode
	}
	if flags.Changed("state-file") {
		job.StateFile = runStateFile
	}
	if flags.Changed("resume-from") {
		job.ResumeFrom = runResumeFrom
	}
	if flags.Changed("timeout") {
		job.Timeout = runTimeout
	}
	if flags.Changed("show-ancestry") {
		job.ShowAncestry = runShowAncestry
	}
	if flags.Changed("clean-between-steps") {
		job.CleanBetweenSteps = runCleanSteps
	}

	if job.GoodRef == "" && job.ResumeFrom == "" {
		return nil, errors.New("no good revision supplied")
	}
	if job.TestScript == "" {
		return nil, errors.New("no test procedure supplied")
	}

	return job, nil
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runRepo, "repo", "r", ".", "Path to the git repository under search")
	runCmd.Flags().StringVarP(&runBranch, "branch", "b", "", "Branch to bisect (default: current branch)")
	runCmd.Flags().StringVarP(&runGood, "good", "g", "", "A revision known to be good")
	runCmd.Flags().StringVar(&runBad, "bad", "HEAD", "A revision known to be bad")
	runCmd.Flags().StringVarP(&runTest, "test", "t", "", "Path of the test procedure")
	runCmd.Flags().StringVarP(&runMode, "mode", "m", "worktree", "Workspace isolation mode: worktree, copy or inplace")
	runCmd.Flags().StringVarP(&runStateFile, "state-file", "s", "", "Persist the session to this file after every verdict")
	runCmd.Flags().StringVar(&runResumeFrom, "resume-from", "", "Resume an interrupted session from this state file")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Per-test timeout after which a candidate counts as skipped")
	runCmd.Flags().BoolVarP(&runDryRun, "dry-run", "n", false, "Validate the configuration and estimate steps without executing tests")
	runCmd.Flags().BoolVarP(&runShowAncestry, "show-ancestry", "a", false, "Show the merge ancestry of the found culprit")
	runCmd.Flags().BoolVar(&runCleanSteps, "clean-between-steps", false, "Clean in-place workspaces between revisions")
	runCmd.Flags().IntVarP(&runProgressPort, "progress-port", "p", 0, "Serve read-only progress over HTTP on this port, 0 picks a free one")

	runCmd.MarkFlagsMutuallyExclusive("state-file", "resume-from")
}
