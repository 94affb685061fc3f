// Package project inspects the project that declares patches: the directory holding the
// manifest, its go.mod pins and go.sum checksums, and the replace directives pointing at
// patched working copies.
package project

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ManifestNames lists the manifest file names in lookup order.
var ManifestNames = []string{"modpatch.toml", "modpatch.yaml", "modpatch.yml"}

// ErrNoManifest is returned by Discover when no ancestor holds a manifest.
var ErrNoManifest = errors.New("no modpatch manifest found")

// Project provides helpers for inspecting the project root. Tests supply fixture directories
// and a custom command lookup implementation.
type Project struct {
	root     string
	lookPath func(string) (string, error)
}

// New constructs a Project rooted at root. Commands are resolved using exec.LookPath.
func New(root string) *Project {
	return &Project{root: root, lookPath: exec.LookPath}
}

// NewWithLookPath allows tests to override the command lookup.
func NewWithLookPath(root string, lookPath func(string) (string, error)) *Project {
	p := New(root)
	if lookPath != nil {
		p.lookPath = lookPath
	}
	return p
}

// Discover walks up from start to the first directory containing a manifest.
func Discover(start string) (*Project, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return nil, err
	}
	for {
		p := New(dir)
		if _, ok := p.Manifest(); ok {
			return p, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, fmt.Errorf("%w in %s or any parent directory", ErrNoManifest, start)
		}
		dir = parent
	}
}

// Root returns the project directory.
func (p *Project) Root() string {
	return p.root
}

// Abs resolves rel against the project root; absolute paths are returned cleaned.
func (p *Project) Abs(rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(p.root, filepath.FromSlash(rel))
}

// HasFile reports whether a regular file exists relative to the project root.
func (p *Project) HasFile(relPath string) bool {
	if relPath == "" {
		return false
	}
	info, err := os.Stat(p.Abs(relPath))
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// ReadFile loads a project file relative to the root.
func (p *Project) ReadFile(relPath string) ([]byte, error) {
	if relPath == "" {
		return nil, errors.New("path must be provided")
	}
	return os.ReadFile(p.Abs(relPath))
}

// Manifest returns the path of the first manifest present in the root.
func (p *Project) Manifest() (string, bool) {
	for _, name := range ManifestNames {
		if p.HasFile(name) {
			return p.Abs(name), true
		}
	}
	return "", false
}

// GoEnv runs `go env name` and returns the trimmed value.
func (p *Project) GoEnv(name string) (string, error) {
	if name == "" {
		return "", errors.New("variable name must be provided")
	}
	path, err := p.lookPath("go")
	if err != nil {
		return "", err
	}
	cmd := exec.Command(path, "env", name)
	cmd.Dir = p.root
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("go env %s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}
