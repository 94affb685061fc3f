package patch

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"strings"
	"unicode"
)

// DefaultTolerance is how many lines away from its recorded position a hunk may be found.
const DefaultTolerance = 100

// Result status codes.
const (
	StatusAdded    = "A"
	StatusModified = "M"
	StatusDeleted  = "D"
	StatusRenamed  = "R"
)

// Options configure how the patch application behaves for both filesystem and
// in-memory operations.
type Options struct {
	// Tolerance bounds the outward search around a hunk's expected position. Zero selects
	// DefaultTolerance, a negative value only accepts exact positions.
	Tolerance        int
	IgnoreWhitespace bool
}

func (o Options) tolerance() int {
	switch {
	case o.Tolerance == 0:
		return DefaultTolerance
	case o.Tolerance < 0:
		return 0
	}
	return o.Tolerance
}

// FilesystemOptions augments Options with the directory patch paths are resolved against.
// Paths never escape it.
type FilesystemOptions struct {
	Options
	WorkingDir string
}

// Result describes the outcome for a single file when applying a patch.
type Result struct {
	Status  string
	Path    string
	OldPath string
}

// backend is the storage a workspace stages changes for.
type backend interface {
	// resolve validates a patch path and returns the key used by the other methods.
	resolve(path string) (string, error)
	read(key string) (content []byte, mode fs.FileMode, exists bool, err error)
	write(key string, content []byte, mode fs.FileMode) error
	remove(key string) error
}

type workspace struct {
	backend backend
	options Options
	states  map[string]*state
}

func newWorkspace(b backend, opts Options) *workspace {
	return &workspace{backend: b, options: opts, states: make(map[string]*state)}
}

type state struct {
	key             string
	relativePath    string
	lines           []string
	normalizedLines []string
	eol             string
	endsWithNewline bool
	mode            fs.FileMode
	existed         bool
	exists          bool
	touched         bool
	renamedFrom     string
	movedTo         string
	cursor          int
	delta           int
	options         Options
}

func (st *state) load(content []byte) {
	text := string(content)
	st.eol = "\n"
	if strings.Contains(text, "\r\n") {
		st.eol = "\r\n"
		text = strings.ReplaceAll(text, "\r\n", "\n")
	}
	st.endsWithNewline = strings.HasSuffix(text, "\n")
	text = strings.TrimSuffix(text, "\n")
	st.lines = nil
	if text != "" || st.endsWithNewline {
		st.lines = strings.Split(text, "\n")
	}
	st.normalizedLines = nil
}

func (st *state) render() string {
	if len(st.lines) == 0 {
		return ""
	}
	eol := st.eol
	if eol == "" {
		eol = "\n"
	}
	out := strings.Join(st.lines, eol)
	if st.endsWithNewline {
		out += eol
	}
	return out
}

func (st *state) copyFrom(src *state) {
	st.lines = append([]string(nil), src.lines...)
	st.normalizedLines = nil
	st.eol = src.eol
	st.endsWithNewline = src.endsWithNewline
	st.mode = src.mode
	st.exists = true
}

// create writes the added lines of a new-file patch.
func (st *state) create(fp FilePatch) {
	if st.movedTo != "" {
		// The original file was renamed away earlier in this document.
		st.existed = false
		st.movedTo = ""
	}
	var lines []string
	for _, hunk := range fp.Hunks {
		lines = append(lines, hunk.Added()...)
	}
	st.lines = lines
	st.normalizedLines = nil
	st.eol = "\n"
	st.endsWithNewline = len(lines) > 0
	if n := len(fp.Hunks); n > 0 && fp.Hunks[n-1].NewNoNewline {
		st.endsWithNewline = false
	}
	st.mode = fp.NewMode
	st.exists = true
	st.touched = true
}

func (ws *workspace) ensure(path string) (*state, error) {
	key, err := ws.backend.resolve(path)
	if err != nil {
		return nil, err
	}
	if st, ok := ws.states[key]; ok {
		return st, nil
	}
	content, mode, exists, err := ws.backend.read(key)
	if err != nil {
		return nil, &ApplyError{File: path, Message: "cannot read file", Err: err}
	}
	st := &state{
		key:          key,
		relativePath: path,
		mode:         mode,
		existed:      exists,
		exists:       exists,
		options:      ws.options,
	}
	if exists {
		st.load(content)
	}
	ws.states[key] = st
	return st, nil
}

func apply(ctx context.Context, doc *Document, ws *workspace) ([]Result, error) {
	if ws == nil {
		return nil, errors.New("nil workspace")
	}
	if doc == nil {
		return nil, errors.New("nil document")
	}
	for _, fp := range doc.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := ws.applyFilePatch(fp); err != nil {
			return nil, err
		}
	}
	return ws.commit()
}

func (ws *workspace) applyFilePatch(fp FilePatch) error {
	switch {
	case fp.IsNew && fp.IsDelete:
		return conflictf(fp.Path(), "Both old and new file are all empty")
	case fp.IsDelete:
		st, err := ws.ensure(fp.OldPath)
		if err != nil {
			return err
		}
		if !st.exists {
			return conflictf(fp.OldPath, "cannot delete a file that does not exist")
		}
		if err := st.applyHunks(fp.Hunks); err != nil {
			return err
		}
		if len(st.lines) > 0 {
			return conflictf(fp.OldPath, "deletion would leave %d lines behind", len(st.lines))
		}
		st.exists = false
		st.touched = true
		return nil
	case fp.IsNew:
		st, err := ws.ensure(fp.NewPath)
		if err != nil {
			return err
		}
		if st.exists {
			return conflictf(fp.NewPath, "cannot create a file that already exists")
		}
		st.create(fp)
		return nil
	}

	target := fp.NewPath
	source := fp.OldPath
	if source == "" {
		source = target
	}
	st, err := ws.ensure(target)
	if err != nil {
		return err
	}
	if source != target {
		src, err := ws.ensure(source)
		if err != nil {
			return err
		}
		switch {
		case src.exists && fp.IsRename:
			if st.exists {
				return conflictf(target, "rename target already exists")
			}
			st.copyFrom(src)
			st.renamedFrom = source
			src.exists = false
			src.touched = true
			src.movedTo = target
		case src.exists && !st.exists:
			st.copyFrom(src)
		case fp.IsRename:
			return conflictf(source, "rename source does not exist")
		}
	}
	if !st.exists {
		st.create(fp)
		return nil
	}
	if err := st.applyHunks(fp.Hunks); err != nil {
		return err
	}
	if fp.NewMode != 0 {
		st.mode = fp.NewMode
	}
	st.touched = true
	return nil
}

func (st *state) applyHunks(hunks []Hunk) error {
	st.cursor = 0
	st.delta = 0
	applied := make([]int, 0, len(hunks))
	for index, hunk := range hunks {
		number := index + 1
		if err := st.applyHunk(hunk); err != nil {
			err.File = st.relativePath
			err.Hunk = number
			err.Applied = applied
			failed := hunk
			err.Failed = &failed
			return err
		}
		applied = append(applied, number)
	}
	return nil
}

func (st *state) applyHunk(hunk Hunk) *ApplyError {
	before := hunk.Before()
	after := hunk.After()

	nominal, _ := hunk.oldSpan()
	expected := max(nominal+st.delta, st.cursor)

	index := min(expected, len(st.lines))
	if len(before) > 0 {
		var reason Reason
		index, reason = st.locate(before, expected)
		if index < 0 {
			err := &ApplyError{Reason: reason, Line: expected + 1}
			if reason == ReasonAmbiguous {
				err.Message = "hunk matches equally well above and below its expected position"
			}
			err.ContextStart, err.Context = st.window(expected, len(before))
			return err
		}
	}

	st.lines = splice(st.lines, index, len(before), after)
	updateNormalizedLines(st, index, len(before), after)
	end := index + len(after)
	if end == len(st.lines) && end > 0 {
		switch {
		case hunk.NewNoNewline:
			st.endsWithNewline = false
		case hunk.OldNoNewline:
			st.endsWithNewline = true
		}
	}
	st.cursor = end
	st.delta = end - (nominal + len(before))
	return nil
}

// locate finds where before occurs, trying the expected offset first and then moving
// outward one line at a time in both directions.
func (st *state) locate(before []string, expected int) (int, Reason) {
	index, reason := st.search(st.lines, before, expected)
	if index < 0 && reason == ReasonNoMatch && st.options.IgnoreWhitespace {
		normalizedBefore := make([]string, len(before))
		for i, line := range before {
			normalizedBefore[i] = normalizeLine(line)
		}
		index, reason = st.search(ensureNormalizedLines(st), normalizedBefore, expected)
	}
	return index, reason
}

func (st *state) search(haystack, needle []string, expected int) (int, Reason) {
	matches := func(i int) bool {
		return i >= st.cursor && matchesAt(haystack, needle, i)
	}
	if matches(expected) {
		return expected, ""
	}
	tolerance := st.options.tolerance()
	for d := 1; d <= tolerance; d++ {
		above, below := expected-d, expected+d
		if above < st.cursor && below+len(needle) > len(haystack) {
			break
		}
		up, down := matches(above), matches(below)
		switch {
		case up && down:
			return -1, ReasonAmbiguous
		case up:
			return above, ""
		case down:
			return below, ""
		}
	}
	return -1, ReasonNoMatch
}

func matchesAt(haystack, needle []string, index int) bool {
	if index < 0 || index+len(needle) > len(haystack) {
		return false
	}
	for j := range needle {
		if haystack[index+j] != needle[j] {
			return false
		}
	}
	return true
}

// window returns up to three lines of surrounding text for diagnostics.
func (st *state) window(expected, length int) (int, []string) {
	lo := max(expected-3, 0)
	hi := min(expected+length+3, len(st.lines))
	if lo >= hi {
		return 0, nil
	}
	return lo + 1, append([]string(nil), st.lines[lo:hi]...)
}

func (ws *workspace) commit() ([]Result, error) {
	keys := make([]string, 0, len(ws.states))
	for key, st := range ws.states {
		if st.touched {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var results []Result
	for _, key := range keys {
		st := ws.states[key]
		switch {
		case st.exists:
			mode := st.mode
			if mode == 0 {
				mode = 0o644
			}
			if err := ws.backend.write(key, []byte(st.render()), mode); err != nil {
				return nil, &ApplyError{File: st.relativePath, Message: "cannot write file", Err: err}
			}
			switch {
			case st.renamedFrom != "":
				results = append(results, Result{Status: StatusRenamed, Path: st.relativePath, OldPath: st.renamedFrom})
			case st.existed:
				results = append(results, Result{Status: StatusModified, Path: st.relativePath})
			default:
				results = append(results, Result{Status: StatusAdded, Path: st.relativePath})
			}
		case st.existed:
			if err := ws.backend.remove(key); err != nil {
				return nil, &ApplyError{File: st.relativePath, Message: "cannot remove file", Err: err}
			}
			if st.movedTo == "" {
				results = append(results, Result{Status: StatusDeleted, Path: st.relativePath})
			}
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return results, nil
}

func splice(target []string, index, deleteCount int, replacement []string) []string {
	if deleteCount == 0 && len(replacement) == 0 {
		return target
	}
	result := make([]string, 0, len(target)-deleteCount+len(replacement))
	result = append(result, target[:index]...)
	result = append(result, replacement...)
	result = append(result, target[index+deleteCount:]...)
	return result
}

func ensureNormalizedLines(state *state) []string {
	if state == nil {
		return nil
	}
	if !state.options.IgnoreWhitespace {
		return state.lines
	}
	if state.normalizedLines != nil {
		return state.normalizedLines
	}
	normalized := make([]string, len(state.lines))
	for i, line := range state.lines {
		normalized[i] = normalizeLine(line)
	}
	state.normalizedLines = normalized
	return normalized
}

func updateNormalizedLines(state *state, index, deleteCount int, replacement []string) {
	if state == nil || !state.options.IgnoreWhitespace || state.normalizedLines == nil {
		return
	}
	replacementNormalized := make([]string, len(replacement))
	for i, line := range replacement {
		replacementNormalized[i] = normalizeLine(line)
	}
	state.normalizedLines = splice(state.normalizedLines, index, deleteCount, replacementNormalized)
}

func normalizeLine(line string) string {
	if line == "" {
		return ""
	}
	var builder strings.Builder
	builder.Grow(len(line))
	for _, r := range line {
		if unicode.IsSpace(r) {
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}
