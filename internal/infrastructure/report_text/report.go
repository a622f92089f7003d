// Package report_text renders a run result for terminals and logs.
package report_text

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/davarch/ci-orchestrator/internal/domain"
)

func Render(w io.Writer, r domain.RunResult) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "%s #%s: %s\n", r.Definition, shortID(r.RunID), r.Status)

	trigger := string(r.Trigger) + " " + r.Ref
	if r.SHA != "" {
		trigger += " @ " + shortSHA(r.SHA)
	}
	fmt.Fprintf(bw, "  trigger: %s\n", trigger)
	fmt.Fprintf(bw, "  group:   %s\n", r.GroupKey)
	fmt.Fprintf(bw, "  took:    %s\n", r.Duration().Round(time.Second))
	if r.SupersededBy != "" {
		fmt.Fprintf(bw, "  superseded by #%s\n", shortID(r.SupersededBy))
	}

	for _, j := range r.Jobs {
		line := fmt.Sprintf("  [%s] %s: %s", mark(j.Status), j.Name, j.Status)
		if j.TimedOut {
			line += " (timed out)"
		}
		fmt.Fprintln(bw, line)

		for _, s := range j.Steps {
			suffix := ""
			if s.Error != "" {
				suffix = fmt.Sprintf(" (exit %d)", s.ExitCode)
			}
			fmt.Fprintf(bw, "      %d. %s%s\n", s.Index+1, s.Name, suffix)
		}
	}

	if f := r.Failure; f != nil {
		fmt.Fprintln(bw)
		if f.Phase == "assemble" {
			fmt.Fprintf(bw, "failed while assembling the workspace\n")
		} else {
			fmt.Fprintf(bw, "failed at %s, step %d: %s\n", f.Job, f.StepIndex+1, f.StepName)
		}
		if f.Error != "" {
			fmt.Fprintf(bw, "  %s\n", f.Error)
		}
		for _, l := range strings.Split(strings.TrimRight(f.Output, "\n"), "\n") {
			if l != "" {
				fmt.Fprintf(bw, "  | %s\n", l)
			}
		}
	}

	return bw.Flush()
}

func mark(s domain.RunStatus) string {
	switch s {
	case domain.StatusSucceeded:
		return "ok"
	case domain.StatusFailed:
		return "!!"
	case domain.StatusCancelled:
		return "--"
	default:
		return ".."
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
