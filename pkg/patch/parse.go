package patch

import (
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"strings"
)

// SourceKind selects the header dialect used to read a patch file.
type SourceKind string

const (
	// SourceDefault detects the dialect: GitDiff when a "diff --git" line is present,
	// Unified otherwise.
	SourceDefault SourceKind = "Default"
	// SourceUnified reads plain "--- path" / "+++ path" headers with bare paths.
	SourceUnified SourceKind = "Unified"
	// SourceGitDiff requires a "diff --git a/<p> b/<p>" line for every file section.
	SourceGitDiff SourceKind = "GitDiff"
	// SourceGithubPrDiff accepts the output of github.com/<owner>/<repo>/pull/<n>.diff
	// (and .patch), where metadata lines may be missing and mail headers may be present.
	SourceGithubPrDiff SourceKind = "GithubPrDiff"
)

// ParseSourceKind maps a manifest value onto a SourceKind. The empty string selects
// SourceDefault; unknown names report false.
func ParseSourceKind(value string) (SourceKind, bool) {
	switch strings.TrimSpace(value) {
	case "", string(SourceDefault):
		return SourceDefault, true
	case string(SourceUnified):
		return SourceUnified, true
	case string(SourceGitDiff):
		return SourceGitDiff, true
	case string(SourceGithubPrDiff):
		return SourceGithubPrDiff, true
	}
	return SourceDefault, false
}

// LineKind classifies a line of a hunk body.
type LineKind int

const (
	LineContext LineKind = iota
	LineAdded
	LineRemoved
)

func (k LineKind) prefix() string {
	switch k {
	case LineAdded:
		return "+"
	case LineRemoved:
		return "-"
	}
	return " "
}

// Line is a single hunk body line without its prefix character.
type Line struct {
	Kind LineKind
	Text string
}

// Hunk captures one "@@ -a,b +c,d @@" block.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	// Section is the optional text after the closing "@@" (usually the enclosing function).
	Section string
	Lines   []Line
	// OldNoNewline and NewNoNewline record "\ No newline at end of file" markers.
	OldNoNewline bool
	NewNoNewline bool
}

// Header renders the hunk header line.
func (h Hunk) Header() string {
	header := fmt.Sprintf("@@ -%s +%s @@", formatRange(h.OldStart, h.OldCount), formatRange(h.NewStart, h.NewCount))
	if h.Section != "" {
		header += " " + h.Section
	}
	return header
}

func formatRange(start, count int) string {
	if count == 1 {
		return strconv.Itoa(start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}

// Before returns the context and removed lines, i.e. what the hunk expects to find.
func (h Hunk) Before() []string {
	out := make([]string, 0, h.OldCount)
	for _, line := range h.Lines {
		if line.Kind != LineAdded {
			out = append(out, line.Text)
		}
	}
	return out
}

// After returns the context and added lines, i.e. what the hunk leaves behind.
func (h Hunk) After() []string {
	out := make([]string, 0, h.NewCount)
	for _, line := range h.Lines {
		if line.Kind != LineRemoved {
			out = append(out, line.Text)
		}
	}
	return out
}

// Added returns only the added lines.
func (h Hunk) Added() []string {
	var out []string
	for _, line := range h.Lines {
		if line.Kind == LineAdded {
			out = append(out, line.Text)
		}
	}
	return out
}

// RawLines renders the hunk back to diff text, header included.
func (h Hunk) RawLines() []string {
	out := make([]string, 0, len(h.Lines)+1)
	out = append(out, h.Header())
	for _, line := range h.Lines {
		out = append(out, line.Kind.prefix()+line.Text)
	}
	return out
}

// oldSpan returns the zero-based [begin, end) range the hunk covers in the old file.
func (h Hunk) oldSpan() (int, int) {
	begin := h.OldStart - 1
	if h.OldCount == 0 {
		begin = h.OldStart
	}
	return begin, begin + h.OldCount
}

// FilePatch groups the hunks targeting one file.
type FilePatch struct {
	// OldPath and NewPath are empty when the diff side is /dev/null.
	OldPath  string
	NewPath  string
	IsNew    bool
	IsDelete bool
	IsRename bool
	// NewMode is the permission requested by git mode headers, zero when absent.
	NewMode fs.FileMode
	Hunks   []Hunk
}

// Path returns the path the patch writes to, or the deleted path for deletions.
func (fp FilePatch) Path() string {
	if fp.IsDelete || fp.NewPath == "" {
		return fp.OldPath
	}
	return fp.NewPath
}

// Document is the parsed form of one patch file.
type Document struct {
	Name  string
	Kind  SourceKind
	Files []FilePatch
}

// ParseError reports malformed patch text.
type ParseError struct {
	Descriptor string
	Line       int
	Reason     string
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}
	if e.Line > 0 {
		return fmt.Sprintf("parse %s: line %d: %s", e.Descriptor, e.Line, e.Reason)
	}
	return fmt.Sprintf("parse %s: %s", e.Descriptor, e.Reason)
}

const devNull = "/dev/null"

var (
	hunkHeaderPattern = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@ ?(.*)$`)
	// Timestamps written by diff(1) after the path, separated by a tab or a run of spaces.
	headerTimestampPattern = regexp.MustCompile(`\s+\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?(?: [+-]\d{4})?$`)
	mboxFromPattern        = regexp.MustCompile(`^From [0-9a-f]{7,40} `)
)

// Parse converts patch text into a Document. name identifies the patch in errors.
func Parse(name, input string, kind SourceKind) (*Document, error) {
	lines := splitLines(input)
	if kind == "" || kind == SourceDefault {
		kind = detectKind(lines)
	}
	p := &parser{
		name:  name,
		kind:  kind,
		lines: lines,
		end:   len(lines),
	}
	if kind == SourceGithubPrDiff {
		p.pos, p.end = githubBounds(lines)
	}
	if err := p.parse(); err != nil {
		return nil, err
	}
	return &Document{Name: name, Kind: kind, Files: p.files}, nil
}

func detectKind(lines []string) SourceKind {
	for _, line := range lines {
		if strings.HasPrefix(line, "diff --git ") {
			return SourceGitDiff
		}
	}
	return SourceUnified
}

// githubBounds skips the mail decoration GitHub wraps around .patch downloads: everything
// before the first file section and the trailing "-- " signature.
func githubBounds(lines []string) (int, int) {
	start := 0
	for i := range lines {
		if strings.HasPrefix(lines[i], "diff --git ") || isHeaderPair(lines, i, len(lines)) {
			start = i
			break
		}
	}
	end := len(lines)
	if start < len(lines) && len(lines) > 0 && mboxFromPattern.MatchString(firstNonEmpty(lines)) {
		for i := len(lines) - 1; i > start; i-- {
			if lines[i] == "-- " {
				end = i
				break
			}
		}
	}
	return start, end
}

func firstNonEmpty(lines []string) string {
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			return line
		}
	}
	return ""
}

func isHeaderPair(lines []string, i, end int) bool {
	return i+1 < end && strings.HasPrefix(lines[i], "--- ") && strings.HasPrefix(lines[i+1], "+++ ")
}

type parser struct {
	name  string
	kind  SourceKind
	lines []string
	pos   int
	end   int
	files []FilePatch
}

func (p *parser) errorf(line int, format string, args ...any) error {
	return &ParseError{Descriptor: p.name, Line: line, Reason: fmt.Sprintf(format, args...)}
}

func (p *parser) parse() error {
	for p.pos < p.end {
		line := p.lines[p.pos]
		switch {
		case strings.HasPrefix(line, "diff --git ") && p.kind != SourceUnified:
			if err := p.parseGitSection(); err != nil {
				return err
			}
		case isHeaderPair(p.lines, p.pos, p.end):
			if p.kind == SourceGitDiff {
				return p.errorf(p.pos+1, "file header %q is not preceded by a \"diff --git\" line", line)
			}
			start := p.pos + 1
			fp, err := p.parseHeaderPair(FilePatch{})
			if err != nil {
				return err
			}
			if err := p.parseHunks(&fp); err != nil {
				return err
			}
			if len(fp.Hunks) == 0 {
				return p.errorf(start, "no hunks provided for %s", fp.Path())
			}
			p.files = append(p.files, fp)
		case strings.HasPrefix(line, "Binary files ") || line == "GIT binary patch":
			return p.errorf(p.pos+1, "binary patches are not supported")
		case strings.HasPrefix(line, "@@ "):
			return p.errorf(p.pos+1, "hunk encountered before a file header")
		default:
			p.pos++
		}
	}
	if len(p.files) == 0 {
		return p.errorf(0, "no file sections found")
	}
	return nil
}

func (p *parser) parseGitSection() error {
	start := p.pos + 1
	oldPath, newPath, ok := splitGitHeader(strings.TrimPrefix(p.lines[p.pos], "diff --git "))
	if !ok {
		return p.errorf(start, "malformed diff --git line %q", p.lines[p.pos])
	}
	fp := FilePatch{OldPath: p.stripPrefix(oldPath, "a/"), NewPath: p.stripPrefix(newPath, "b/")}
	p.pos++

extended:
	for p.pos < p.end {
		line := p.lines[p.pos]
		switch {
		case strings.HasPrefix(line, "index "),
			strings.HasPrefix(line, "similarity index "),
			strings.HasPrefix(line, "dissimilarity index "),
			strings.HasPrefix(line, "old mode "):
		case strings.HasPrefix(line, "new mode "):
			mode, err := parseMode(strings.TrimPrefix(line, "new mode "))
			if err != nil {
				return p.errorf(p.pos+1, "%v", err)
			}
			fp.NewMode = mode
		case strings.HasPrefix(line, "new file mode "):
			mode, err := parseMode(strings.TrimPrefix(line, "new file mode "))
			if err != nil {
				return p.errorf(p.pos+1, "%v", err)
			}
			fp.IsNew = true
			fp.NewMode = mode
		case strings.HasPrefix(line, "deleted file mode "):
			fp.IsDelete = true
		case strings.HasPrefix(line, "rename from "):
			fp.OldPath = unquotePath(strings.TrimPrefix(line, "rename from "))
			fp.IsRename = true
		case strings.HasPrefix(line, "rename to "):
			fp.NewPath = unquotePath(strings.TrimPrefix(line, "rename to "))
			fp.IsRename = true
		case strings.HasPrefix(line, "copy from "), strings.HasPrefix(line, "copy to "):
			return p.errorf(p.pos+1, "copy patches are not supported")
		case strings.HasPrefix(line, "Binary files ") || line == "GIT binary patch":
			return p.errorf(p.pos+1, "binary patches are not supported")
		default:
			break extended
		}
		p.pos++
	}

	if isHeaderPair(p.lines, p.pos, p.end) {
		var err error
		fp, err = p.parseHeaderPair(fp)
		if err != nil {
			return err
		}
		if err := p.parseHunks(&fp); err != nil {
			return err
		}
	}

	if fp.IsNew {
		fp.OldPath = ""
	}
	if fp.IsDelete {
		fp.NewPath = ""
	}
	if len(fp.Hunks) == 0 && !fp.IsRename && !fp.IsNew && !fp.IsDelete && fp.NewMode == 0 {
		return p.errorf(start, "no hunks provided for %s", fp.Path())
	}
	p.files = append(p.files, fp)
	return nil
}

// parseHeaderPair consumes the "---"/"+++" lines, refining fp.
func (p *parser) parseHeaderPair(fp FilePatch) (FilePatch, error) {
	lineNo := p.pos + 1
	oldPath, oldPrefixed := p.headerPath(strings.TrimPrefix(p.lines[p.pos], "--- "), "a/")
	newPath, newPrefixed := p.headerPath(strings.TrimPrefix(p.lines[p.pos+1], "+++ "), "b/")
	p.pos += 2

	if oldPath == devNull && newPath == devNull {
		return fp, p.errorf(lineNo, "Both old and new file are all empty")
	}
	if p.kind == SourceGitDiff && (!oldPrefixed || !newPrefixed) {
		return fp, p.errorf(lineNo, "git diff paths must carry a/ and b/ prefixes")
	}
	switch {
	case oldPath == devNull:
		fp.IsNew = true
		fp.OldPath = ""
		fp.NewPath = newPath
	case newPath == devNull:
		fp.IsDelete = true
		fp.OldPath = oldPath
		fp.NewPath = ""
	case !fp.IsRename:
		// Without git rename metadata differing names mean "read old, write new".
		fp.OldPath = oldPath
		fp.NewPath = newPath
	}
	if fp.Path() == "" {
		return fp, p.errorf(lineNo, "missing file path")
	}
	return fp, nil
}

// headerPath extracts the path from a ---/+++ header. It reports whether the git prefix
// was present (or the path is /dev/null).
func (p *parser) headerPath(raw, prefix string) (string, bool) {
	path := raw
	if idx := strings.IndexByte(path, '\t'); idx >= 0 {
		path = path[:idx]
	} else {
		path = headerTimestampPattern.ReplaceAllString(path, "")
	}
	path = unquotePath(strings.TrimRight(path, " "))
	if path == devNull {
		return path, true
	}
	if p.kind == SourceUnified {
		return path, false
	}
	if strings.HasPrefix(path, prefix) {
		return path[len(prefix):], true
	}
	return path, false
}

func (p *parser) stripPrefix(path, prefix string) string {
	if p.kind != SourceUnified && strings.HasPrefix(path, prefix) {
		return path[len(prefix):]
	}
	return path
}

func (p *parser) parseHunks(fp *FilePatch) error {
	lastEnd := 0
	for p.pos < p.end && strings.HasPrefix(p.lines[p.pos], "@@ ") {
		headerLine := p.pos + 1
		hunk, err := p.parseHunk()
		if err != nil {
			return err
		}
		begin, end := hunk.oldSpan()
		if len(fp.Hunks) > 0 && begin < lastEnd {
			return p.errorf(headerLine, "hunk %d overlaps or precedes hunk %d", len(fp.Hunks)+1, len(fp.Hunks))
		}
		lastEnd = end
		fp.Hunks = append(fp.Hunks, hunk)
	}
	return nil
}

func (p *parser) parseHunk() (Hunk, error) {
	headerLine := p.pos + 1
	match := hunkHeaderPattern.FindStringSubmatch(p.lines[p.pos])
	if match == nil {
		return Hunk{}, p.errorf(headerLine, "malformed hunk header %q", p.lines[p.pos])
	}
	hunk := Hunk{
		OldStart: atoiDefault(match[1], 0),
		OldCount: atoiDefault(match[2], 1),
		NewStart: atoiDefault(match[3], 0),
		NewCount: atoiDefault(match[4], 1),
		Section:  strings.TrimSpace(match[5]),
	}
	if hunk.OldCount > 0 && hunk.OldStart == 0 {
		return Hunk{}, p.errorf(headerLine, "hunk header %q starts at line 0", p.lines[p.pos])
	}
	p.pos++

	oldLeft, newLeft := hunk.OldCount, hunk.NewCount
	for oldLeft > 0 || newLeft > 0 {
		if p.pos >= p.end {
			return Hunk{}, p.errorf(headerLine, "hunk truncated: %d old and %d new lines missing", oldLeft, newLeft)
		}
		raw := p.lines[p.pos]
		kind := LineContext
		text := ""
		switch {
		case raw == "":
		case raw[0] == ' ':
			text = raw[1:]
		case raw[0] == '-':
			kind, text = LineRemoved, raw[1:]
		case raw[0] == '+':
			kind, text = LineAdded, raw[1:]
		case raw[0] == '\\':
			p.markNoNewline(&hunk)
			p.pos++
			continue
		default:
			return Hunk{}, p.errorf(p.pos+1, "hunk ended early: %d old and %d new lines missing", oldLeft, newLeft)
		}
		switch kind {
		case LineContext:
			oldLeft--
			newLeft--
		case LineRemoved:
			oldLeft--
		case LineAdded:
			newLeft--
		}
		if oldLeft < 0 || newLeft < 0 {
			return Hunk{}, p.errorf(p.pos+1, "hunk body does not match header %q", hunk.Header())
		}
		hunk.Lines = append(hunk.Lines, Line{Kind: kind, Text: text})
		p.pos++
	}
	if p.pos < p.end && strings.HasPrefix(p.lines[p.pos], "\\") {
		p.markNoNewline(&hunk)
		p.pos++
	}
	return hunk, nil
}

func (p *parser) markNoNewline(h *Hunk) {
	if len(h.Lines) == 0 {
		return
	}
	switch h.Lines[len(h.Lines)-1].Kind {
	case LineRemoved:
		h.OldNoNewline = true
	case LineAdded:
		h.NewNoNewline = true
	default:
		h.OldNoNewline = true
		h.NewNoNewline = true
	}
}

// splitGitHeader splits "a/x b/y". Quoted paths are honoured; for unquoted paths containing
// spaces the symmetric split is preferred.
func splitGitHeader(rest string) (string, string, bool) {
	if strings.HasPrefix(rest, `"`) {
		oldPath, remainder, ok := cutQuoted(rest)
		if !ok {
			return "", "", false
		}
		newPath := strings.TrimSpace(remainder)
		return oldPath, unquotePath(newPath), newPath != ""
	}
	if strings.HasSuffix(rest, `"`) {
		if idx := strings.Index(rest, ` "`); idx > 0 {
			return rest[:idx], unquotePath(rest[idx+1:]), true
		}
	}
	if len(rest)%2 == 1 {
		mid := len(rest) / 2
		oldPath, newPath := rest[:mid], rest[mid+1:]
		if rest[mid] == ' ' && trimGitPrefix(oldPath) == trimGitPrefix(newPath) {
			return oldPath, newPath, true
		}
	}
	if idx := strings.LastIndex(rest, " b/"); idx > 0 {
		return rest[:idx], rest[idx+1:], true
	}
	oldPath, newPath, ok := strings.Cut(rest, " ")
	return oldPath, newPath, ok && oldPath != "" && newPath != ""
}

func trimGitPrefix(path string) string {
	if len(path) > 2 && path[1] == '/' {
		return path[2:]
	}
	return path
}

func cutQuoted(s string) (string, string, bool) {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			value, err := strconv.Unquote(s[:i+1])
			if err != nil {
				return "", "", false
			}
			return value, s[i+1:], true
		}
	}
	return "", "", false
}

func unquotePath(path string) string {
	if len(path) >= 2 && strings.HasPrefix(path, `"`) && strings.HasSuffix(path, `"`) {
		if value, err := strconv.Unquote(path); err == nil {
			return value
		}
	}
	return path
}

func parseMode(value string) (fs.FileMode, error) {
	mode, err := strconv.ParseUint(strings.TrimSpace(value), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %q", value)
	}
	return fs.FileMode(mode) & fs.ModePerm, nil
}

func atoiDefault(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func splitLines(input string) []string {
	normalized := strings.ReplaceAll(input, "\r\n", "\n")
	normalized = strings.TrimSuffix(normalized, "\n")
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, "\n")
}
