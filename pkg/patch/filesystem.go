package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ApplyFilesystem applies a parsed document to the tree rooted at opts.WorkingDir.
func ApplyFilesystem(ctx context.Context, doc *Document, opts FilesystemOptions) ([]Result, error) {
	b, err := newFilesystemBackend(opts.WorkingDir)
	if err != nil {
		return nil, err
	}
	return apply(ctx, doc, newWorkspace(b, opts.Options))
}

// ApplyFilesystemPatch parses a raw patch payload and applies it to the filesystem.
func ApplyFilesystemPatch(ctx context.Context, name, patchBody string, kind SourceKind, opts FilesystemOptions) ([]Result, error) {
	doc, err := Parse(name, patchBody, kind)
	if err != nil {
		return nil, err
	}
	return ApplyFilesystem(ctx, doc, opts)
}

type filesystemBackend struct {
	root     string
	realRoot string
}

func newFilesystemBackend(workingDir string) (*filesystemBackend, error) {
	workingDir = strings.TrimSpace(workingDir)
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine working directory: %w", err)
		}
		workingDir = wd
	}
	abs, err := filepath.Abs(workingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", workingDir, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", workingDir, err)
	}
	return &filesystemBackend{root: abs, realRoot: resolved}, nil
}

func (b *filesystemBackend) resolve(path string) (string, error) {
	cleaned, err := cleanRelative(path)
	if err != nil {
		return "", err
	}
	abs := filepath.Join(b.root, filepath.FromSlash(cleaned))

	// Walk up to the deepest existing ancestor and make sure symlinks keep it in the tree.
	probe := abs
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if !within(b.realRoot, resolved) {
				return "", escapeError(path)
			}
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe || !within(b.root, parent) {
			break
		}
		probe = parent
	}
	return abs, nil
}

func (b *filesystemBackend) read(key string) ([]byte, fs.FileMode, bool, error) {
	info, err := os.Stat(key)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, 0, false, nil
	case err != nil:
		return nil, 0, false, err
	case info.IsDir():
		return nil, 0, false, fmt.Errorf("%s is a directory", key)
	}
	content, err := os.ReadFile(key)
	if err != nil {
		return nil, 0, false, err
	}
	return content, info.Mode() & fs.ModePerm, true, nil
}

func (b *filesystemBackend) write(key string, content []byte, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(key), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(key, content, mode); err != nil {
		return err
	}
	// WriteFile leaves the mode of existing files alone and is subject to the umask.
	info, err := os.Stat(key)
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModePerm != mode {
		return os.Chmod(key, mode)
	}
	return nil
}

func (b *filesystemBackend) remove(key string) error {
	if err := os.Remove(key); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// cleanRelative normalizes a slash-separated patch path and rejects paths leaving the tree.
func cleanRelative(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", &ApplyError{File: path, Reason: ReasonEscape, Message: "empty path"}
	}
	slashed := filepath.ToSlash(trimmed)
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(trimmed) || filepath.VolumeName(trimmed) != "" {
		return "", escapeError(path)
	}
	cleaned := cleanSlash(slashed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", escapeError(path)
	}
	return cleaned, nil
}

func escapeError(path string) *ApplyError {
	return &ApplyError{File: path, Reason: ReasonEscape, Message: "Patch file tried to escape dependency folder"}
}
