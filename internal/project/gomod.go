package project

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"
)

const (
	goModFile = "go.mod"
	goSumFile = "go.sum"
)

// Replace points a module at a local directory.
type Replace struct {
	Module string
	// Dir is the replacement directory, absolute or relative to the project root.
	Dir string
}

// Pins returns the versions go.mod requires, keyed by module path. A project without go.mod has
// no pins.
func (p *Project) Pins() (map[string]string, error) {
	f, err := p.goMod()
	if err != nil || f == nil {
		return map[string]string{}, err
	}
	pins := make(map[string]string, len(f.Require))
	for _, req := range f.Require {
		pins[req.Mod.Path] = req.Mod.Version
	}
	return pins, nil
}

// Checksums returns the h1 hashes go.sum records for module zips, keyed by "module@version".
// go.mod-only lines are skipped.
func (p *Project) Checksums() (map[string]string, error) {
	data, err := p.ReadFile(goSumFile)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	sums := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s:%d: malformed line", goSumFile, lineNo)
		}
		if strings.HasSuffix(fields[1], "/go.mod") {
			continue
		}
		sums[fields[0]+"@"+fields[1]] = fields[2]
	}
	return sums, scanner.Err()
}

// ReplaceDirective renders r as a go.mod replace line relative to the project root.
func (p *Project) ReplaceDirective(r Replace) string {
	return fmt.Sprintf("replace %s => %s", r.Module, p.relativeDir(r.Dir))
}

// AddReplaces adds or updates replace directives in go.mod and reports whether the file
// changed. Existing replacements of the same modules, versioned or not, are dropped first.
func (p *Project) AddReplaces(replaces []Replace) (bool, error) {
	f, err := p.goMod()
	if err != nil {
		return false, err
	}
	if f == nil {
		return false, fmt.Errorf("%s not found in %s", goModFile, p.root)
	}
	before, err := f.Format()
	if err != nil {
		return false, err
	}

	sorted := append([]Replace(nil), replaces...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Module < sorted[j].Module })
	for _, r := range sorted {
		dir := p.relativeDir(r.Dir)
		if hasReplace(f, r.Module, dir) {
			continue
		}
		for _, existing := range append([]*modfile.Replace(nil), f.Replace...) {
			if existing.Old.Path == r.Module {
				if err := f.DropReplace(existing.Old.Path, existing.Old.Version); err != nil {
					return false, err
				}
			}
		}
		if err := f.AddReplace(r.Module, "", dir, ""); err != nil {
			return false, fmt.Errorf("replace %s: %w", r.Module, err)
		}
	}
	f.Cleanup()

	after, err := f.Format()
	if err != nil {
		return false, err
	}
	if bytes.Equal(before, after) {
		return false, nil
	}
	info, err := os.Stat(p.Abs(goModFile))
	if err != nil {
		return false, err
	}
	return true, os.WriteFile(p.Abs(goModFile), after, info.Mode().Perm())
}

func hasReplace(f *modfile.File, modPath, dir string) bool {
	matches := 0
	exact := false
	for _, r := range f.Replace {
		if r.Old.Path != modPath {
			continue
		}
		matches++
		exact = r.Old.Version == "" && r.New.Path == dir && r.New.Version == ""
	}
	return matches == 1 && exact
}

func (p *Project) goMod() (*modfile.File, error) {
	data, err := p.ReadFile(goModFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f, err := modfile.Parse(p.Abs(goModFile), data, nil)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// relativeDir makes dir a "./"-prefixed slash path when it lies under the root, so go.mod
// treats it as a directory replacement.
func (p *Project) relativeDir(dir string) string {
	abs := p.Abs(dir)
	rel, err := filepath.Rel(p.root, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") {
		return rel
	}
	return "./" + rel
}
