package patch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Reason classifies why a hunk or file patch could not be applied.
type Reason string

const (
	// ReasonNoMatch means no position within the tolerance window matched the hunk.
	ReasonNoMatch Reason = "NoMatch"
	// ReasonAmbiguous means two positions at the same distance matched.
	ReasonAmbiguous Reason = "Ambiguous"
	// ReasonConflict means the tree is in a state the file patch cannot describe
	// (creating an existing file, deleting a missing one, ...).
	ReasonConflict Reason = "Conflict"
	// ReasonEscape means a path points outside the tree root.
	ReasonEscape Reason = "Escape"
)

// ApplyError represents a structured failure while applying a patch.
type ApplyError struct {
	File   string
	Hunk   int // 1-based, zero when the failure is not tied to a hunk
	Reason Reason
	// Line is the 1-based line where the hunk was expected.
	Line    int
	Message string
	// Context holds the actual file lines around Line, starting at ContextStart (1-based).
	Context      []string
	ContextStart int
	Applied      []int
	Failed       *Hunk
	Err          error
}

func (e *ApplyError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Hunk > 0 {
		fmt.Fprintf(&b, "failed to apply hunk %d of %s", e.Hunk, e.File)
	} else {
		fmt.Fprintf(&b, "failed to patch %s", e.File)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " (%s)", e.Reason)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " near line %d", e.Line)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ApplyError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func conflictf(file, format string, args ...any) *ApplyError {
	return &ApplyError{File: file, Reason: ReasonConflict, Message: fmt.Sprintf(format, args...)}
}

func describeApplied(applied []int, failed int) string {
	parts := make([]string, 0, 2)
	if len(applied) > 0 {
		numbers := make([]string, len(applied))
		for i, n := range applied {
			numbers[i] = strconv.Itoa(n)
		}
		parts = append(parts, fmt.Sprintf("Hunks applied: %s.", strings.Join(numbers, ", ")))
	}
	if failed > 0 {
		parts = append(parts, fmt.Sprintf("No match for hunk %d.", failed))
	}
	return strings.Join(parts, "\n")
}

// FormatError renders parse and apply failures into a human readable message. Other errors
// are returned as their Error() text.
func FormatError(err error) string {
	if err == nil {
		return "Unknown error occurred."
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Error()
	}
	var ae *ApplyError
	if !errors.As(err, &ae) {
		return err.Error()
	}

	parts := []string{ae.Error()}
	failed := 0
	if ae.Reason == ReasonNoMatch {
		failed = ae.Hunk
	}
	if summary := describeApplied(ae.Applied, failed); summary != "" {
		parts = append(parts, "", summary)
	}
	if ae.Failed != nil {
		parts = append(parts, "", "Offending hunk:")
		parts = append(parts, strings.Join(ae.Failed.RawLines(), "\n"))
	}
	if len(ae.Context) > 0 {
		display := ae.File
		if !strings.HasPrefix(display, "./") {
			display = "./" + display
		}
		last := ae.ContextStart + len(ae.Context) - 1
		parts = append(parts, "", fmt.Sprintf("Lines %d-%d of %s:", ae.ContextStart, last, display))
		width := len(strconv.Itoa(last))
		for i, line := range ae.Context {
			parts = append(parts, fmt.Sprintf("%*d | %s", width, ae.ContextStart+i, line))
		}
	}
	return strings.Join(parts, "\n")
}
