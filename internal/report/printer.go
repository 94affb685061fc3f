package report

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/asynkron/modpatch/internal/metrics"
	"github.com/asynkron/modpatch/internal/pipeline"
	"github.com/asynkron/modpatch/pkg/patch"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// ColorEnabled reports whether output to f should be styled.
func ColorEnabled(f *os.File, noColor bool) bool {
	if noColor || f == nil || termenv.EnvNoColor() {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type styles struct {
	patched  lipgloss.Style
	skipped  lipgloss.Style
	failed   lipgloss.Style
	dim      lipgloss.Style
	label    lipgloss.Style
	expected lipgloss.Style
	actual   lipgloss.Style
}

func newStyles(w io.Writer, color bool) styles {
	r := lipgloss.NewRenderer(w)
	if color {
		r.SetColorProfile(termenv.ANSI256)
	} else {
		r.SetColorProfile(termenv.Ascii)
	}
	return styles{
		patched:  r.NewStyle().Foreground(lipgloss.Color("70")),
		skipped:  r.NewStyle().Foreground(lipgloss.Color("244")),
		failed:   r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		dim:      r.NewStyle().Foreground(lipgloss.Color("240")),
		label:    r.NewStyle().Foreground(lipgloss.Color("63")).Bold(true),
		expected: r.NewStyle().Foreground(lipgloss.Color("196")),
		actual:   r.NewStyle().Foreground(lipgloss.Color("70")),
	}
}

// Printer writes run results for humans: progress lines to out, diagnostics to errOut.
type Printer struct {
	out    io.Writer
	errOut io.Writer
	st     styles
	errSt  styles
}

// NewPrinter returns a Printer; color enables ANSI styling.
func NewPrinter(out, errOut io.Writer, color bool) *Printer {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	return &Printer{out: out, errOut: errOut, st: newStyles(out, color), errSt: newStyles(errOut, color)}
}

// NoPatches reports an empty manifest.
func (p *Printer) NoPatches() {
	fmt.Fprintln(p.out, "No patches found")
}

// Result prints one line per applied file patch, skipped dependencies, pruned working copies
// and a diagnostic for each failure.
func (p *Printer) Result(res *pipeline.Result) {
	if res == nil {
		return
	}
	for _, dep := range res.Dependencies {
		switch dep.Status {
		case pipeline.StatusPatched:
			for _, msg := range dep.Messages {
				p.patchedLine(msg)
			}
		case pipeline.StatusSkipped:
			fmt.Fprintf(p.out, "%s %s: %s\n", p.st.skipped.Render("Unchanged"), dep.Name, dep.WorkingCopy)
		}
	}
	for _, path := range res.Pruned {
		fmt.Fprintf(p.out, "%s %s\n", p.st.dim.Render("Pruned"), path)
	}
	for _, dep := range res.Failed() {
		p.Failure(dep)
	}
}

func (p *Printer) patchedLine(msg string) {
	word, rest, ok := strings.Cut(msg, " ")
	if !ok {
		fmt.Fprintln(p.out, msg)
		return
	}
	fmt.Fprintln(p.out, p.st.patched.Render(word)+" "+rest)
}

// Failure prints the diagnostic of a failed dependency: the error chain and, for hunks that
// did not apply, the expected lines diffed against what the file contains.
func (p *Printer) Failure(dep *pipeline.DependencyResult) {
	if dep == nil || dep.Err == nil {
		return
	}
	fmt.Fprintf(p.errOut, "%s %s\n", p.errSt.failed.Render("error:"), dep.Err)

	var applyErr *patch.ApplyError
	if !errors.As(dep.Err, &applyErr) {
		return
	}
	for _, line := range strings.Split(patch.FormatError(applyErr), "\n")[1:] {
		fmt.Fprintln(p.errOut, "  "+line)
	}
	if applyErr.Failed == nil || len(applyErr.Context) == 0 {
		return
	}
	fmt.Fprintln(p.errOut, "  "+p.errSt.label.Render("Expected vs actual:"))
	for _, line := range ContextDiff(applyErr.Failed.Before(), applyErr.Context) {
		style := p.errSt.dim
		switch line.Op {
		case DiffExpected:
			style = p.errSt.expected
		case DiffActual:
			style = p.errSt.actual
		}
		fmt.Fprintln(p.errOut, "  "+style.Render(line.String()))
	}
}

// Stats prints the counters collected during a run.
func (p *Printer) Stats(snap metrics.Snapshot) {
	label := p.st.label.Render
	fmt.Fprintf(p.out, "%s %d total, %d failed, %s\n", label("downloads:"),
		snap.Downloads.Total, snap.Downloads.Failed, snap.Downloads.TotalTime)
	fmt.Fprintf(p.out, "%s %d total, %d failed, %s\n", label("extractions:"),
		snap.Extractions.Total, snap.Extractions.Failed, snap.Extractions.TotalTime)
	fmt.Fprintf(p.out, "%s %d\n", label("cache hits:"), snap.CacheHits)
	fmt.Fprintf(p.out, "%s %d\n", label("hunks applied:"), snap.HunksApplied)

	statuses := make([]string, 0, len(snap.Dependencies))
	for status := range snap.Dependencies {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	parts := make([]string, 0, len(statuses))
	for _, status := range statuses {
		parts = append(parts, fmt.Sprintf("%s %d", status, snap.Dependencies[status]))
	}
	if len(parts) == 0 {
		parts = append(parts, "none")
	}
	fmt.Fprintf(p.out, "%s %s\n", label("dependencies:"), strings.Join(parts, ", "))
}
