package report

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffOp marks a line of a context diff.
type DiffOp byte

const (
	DiffEqual    DiffOp = ' '
	DiffExpected DiffOp = '-'
	DiffActual   DiffOp = '+'
)

// DiffLine is one line of a context diff.
type DiffLine struct {
	Op   DiffOp
	Text string
}

func (l DiffLine) String() string {
	return string(l.Op) + l.Text
}

// ContextDiff compares the lines a hunk expected with the lines actually found, line by line.
func ContextDiff(expected, actual []string) []DiffLine {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(joinLines(expected), joinLines(actual))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out []DiffLine
	for _, d := range diffs {
		op := DiffEqual
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			op = DiffExpected
		case diffmatchpatch.DiffInsert:
			op = DiffActual
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out = append(out, DiffLine{Op: op, Text: strings.TrimSuffix(line, "\n")})
		}
	}
	return out
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
