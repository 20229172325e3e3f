package ui

import (
	"fmt"
	"io"
)

// Reporter prints per-stage progress and the final verdict to the
// console. CI parses the result files, not this output; it exists for
// the human tailing the job log.
type Reporter struct {
	out io.Writer
}

func NewReporter(out io.Writer) *Reporter {
	return &Reporter{out: out}
}

// Start announces the run.
func (r *Reporter) Start(runID, target string) {
	fmt.Fprintln(r.out, TitleStyle.Render("ats-node run ")+DimStyle.Render(runID)+DimStyle.Render(" target=")+DimStyle.Render(target))
}

// Stage prints one stage outcome line.
func (r *Reporter) Stage(name string, ok bool, detail string) {
	mark := SuccessStyle.Render("✓")
	if !ok {
		mark = ErrorStyle.Render("✗")
	}
	line := fmt.Sprintf("%s %-8s", mark, name)
	if detail != "" {
		line += " " + DimStyle.Render(detail)
	}
	fmt.Fprintln(r.out, line)
}

// Skipped prints a stage that never ran.
func (r *Reporter) Skipped(name string) {
	fmt.Fprintln(r.out, DimStyle.Render(fmt.Sprintf("- %-8s not-run", name)))
}

// Verdict prints the final line.
func (r *Reporter) Verdict(verdict, reason string, exitCode int) {
	if verdict == "pass" {
		fmt.Fprintln(r.out, SuccessStyle.Render("PASS"))
		return
	}
	line := ErrorStyle.Render("FAIL")
	if reason != "" {
		line += " " + reason
	}
	fmt.Fprintln(r.out, line)
	fmt.Fprintln(r.out, DimStyle.Render(fmt.Sprintf("exit code %d", exitCode)))
}
