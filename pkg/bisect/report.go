package bisect

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

var (
	bold    = color.New(color.Bold).SprintFunc()
	cyan    = color.New(color.FgCyan).SprintFunc()
	green   = color.New(color.FgGreen).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	red     = color.New(color.FgRed).SprintFunc()
	magenta = color.New(color.FgMagenta).SprintFunc()
	dim     = color.New(color.Faint).SprintFunc()
)

// A Reporter renders human-readable projections of a session: configuration,
// progress estimate and the final result.
type Reporter struct {
	Out io.Writer

	git          *Git
	showAncestry bool
}

func NewReporter(git *Git, showAncestry bool) *Reporter {
	return &Reporter{
		Out: os.Stdout,

		git:          git,
		showAncestry: showAncestry,
	}
}

func (r *Reporter) PrintBanner() {
	fmt.Fprintf(r.Out, "\n%s\n\n", bold(cyan("culprit - automated regression bisection")))
}

// PrintConfig renders the validated configuration of a prepared runner.
func (r *Reporter) PrintConfig(ctx context.Context, job *Job, session Session, resuming bool) {
	if resuming {
		fmt.Fprintf(r.Out, "%s\n", bold(yellow("Resuming interrupted session...")))
		fmt.Fprintf(r.Out, "  Recorded steps: %s\n\n", cyan(fmt.Sprint(len(session.VerdictHistory))))
	}

	fmt.Fprintf(r.Out, "%s\n", bold("Configuration:"))
	fmt.Fprintf(r.Out, "  Repository:  %s\n", session.RepoPath)
	fmt.Fprintf(r.Out, "  Branch:      %s\n", magenta(session.Branch))
	fmt.Fprintf(r.Out, "  Good:        %s%s\n", green(shorten(session.GoodRef)), r.subjectSuffix(ctx, session.GoodRef))
	fmt.Fprintf(r.Out, "  Bad:         %s%s\n", red(shorten(session.BadRef)), r.subjectSuffix(ctx, session.BadRef))
	fmt.Fprintf(r.Out, "  Test:        %s\n", session.TestScript)
	fmt.Fprintf(r.Out, "  Isolation:   %s\n", yellow(string(job.Mode)))
	if job.StateFile != "" {
		fmt.Fprintf(r.Out, "  State file:  %s\n", job.StateFile)
	}
	fmt.Fprintln(r.Out)
}

// PrintEstimate renders the search collaborator's step estimate, or "unknown"
// when steps is negative.
func (r *Reporter) PrintEstimate(steps int) {
	estimate := "unknown"
	if steps >= 0 {
		estimate = fmt.Sprintf("~%d", steps)
	}
	fmt.Fprintf(r.Out, "%s %s\n\n", bold("Estimated steps:"), cyan(estimate))
}

// PrintResult renders the converged culprit with its details, the optional merge
// ancestry and a summary of all steps taken.
func (r *Reporter) PrintResult(ctx context.Context, session Session) {
	fmt.Fprintf(r.Out, "\n%s\n\n", bold(red("Culprit found")))

	info, err := r.git.CommitInfo(ctx, session.Culprit)
	if err != nil {
		fmt.Fprintf(r.Out, "  %s\n\n", red(session.Culprit))
	} else {
		fmt.Fprintf(r.Out, "  Hash:    %s\n", red(info.Hash))
		fmt.Fprintf(r.Out, "  Subject: %s\n", info.Subject)
		fmt.Fprintf(r.Out, "  Author:  %s <%s>\n", info.AuthorName, info.AuthorEmail)
		fmt.Fprintf(r.Out, "  Date:    %s\n\n", info.AuthorDate)
	}

	if r.showAncestry {
		r.printAncestry(ctx, session.Culprit, session.Branch)
	}

	r.printSummary(session)
}

// PrintAbort renders the terminal condition of an aborted session.
func (r *Reporter) PrintAbort(session Session) {
	fmt.Fprintf(r.Out, "\n%s %s\n", bold(red("Search aborted:")), session.AbortReason)
	if len(session.VerdictHistory) > 0 {
		fmt.Fprintln(r.Out)
		r.printSummary(session)
	}
}

func (r *Reporter) printAncestry(ctx context.Context, culprit, branch string) {
	fmt.Fprintf(r.Out, "%s\n", bold("Merge ancestry:"))

	hops, err := r.git.MergeAncestry(ctx, culprit, branch)
	if err != nil {
		fmt.Fprintf(r.Out, "  %s\n\n", dim(fmt.Sprintf("(unavailable - %v)", err)))
		return
	}
	if len(hops) == 0 {
		fmt.Fprintf(r.Out, "  %s\n\n", dim(fmt.Sprintf("(direct commit to %s)", branch)))
		return
	}

	fmt.Fprintf(r.Out, "  %s\n", dim(fmt.Sprintf("This commit reached %s through:", branch)))
	for _, hop := range hops {
		suffix := ""
		if hop.SourceBranch != "" {
			suffix = fmt.Sprintf(" (from %s)", hop.SourceBranch)
		}
		fmt.Fprintf(r.Out, "  - %s%s %s\n", magenta(hop.MergeCommit), suffix, dim(hop.Subject))
	}
	fmt.Fprintln(r.Out)
}

func (r *Reporter) printSummary(session Session) {
	fmt.Fprintf(r.Out, "%s\n", bold("Summary:"))

	table := tablewriter.NewTable(r.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "  ", Right: "  "}),
	)
	table.Header([]string{"#", "Commit", "Verdict", "Exit", "Duration"})
	for i, step := range session.VerdictHistory {
		table.Append([]string{
			fmt.Sprint(i + 1),
			shorten(step.Commit),
			verdictColor(step.Verdict),
			fmt.Sprint(step.ExitCode),
			fmt.Sprintf("%.1fs", step.DurationSeconds),
		})
	}
	table.Render()

	fmt.Fprintf(r.Out, "\n  Total steps: %d\n", len(session.VerdictHistory))
	if total := session.TotalDuration(); total > 0 {
		fmt.Fprintf(r.Out, "  Total time:  %.1fs\n", total.Seconds())
	}
	fmt.Fprintln(r.Out)
}

func (r *Reporter) subjectSuffix(ctx context.Context, rev string) string {
	info, err := r.git.CommitInfo(ctx, rev)
	if err != nil {
		return ""
	}
	subject := info.Subject
	if len(subject) > 50 {
		subject = subject[:50]
	}
	return dim(" - " + subject)
}

func verdictColor(v Verdict) string {
	switch v {
	case VerdictGood:
		return green(string(v))
	case VerdictBad:
		return red(string(v))
	case VerdictSkip:
		return yellow(string(v))
	default:
		return red(strings.ToUpper(string(v)))
	}
}

func shorten(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
