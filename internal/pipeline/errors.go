package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

const opReadPatch = "read patch"

// IOError reports a filesystem fault while preparing a working copy.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == opReadPatch && errors.Is(e.Err, fs.ErrNotExist) {
		return fmt.Sprintf("Unable to find patch file with path: %q", e.Path)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DependencyError wraps the failure of one dependency pipeline.
type DependencyError struct {
	Dependency string
	// Descriptor is the patch file being applied, empty when the failure happened earlier.
	Descriptor string
	Err        error
}

func (e *DependencyError) Error() string {
	if e == nil {
		return ""
	}
	if e.Descriptor != "" {
		return fmt.Sprintf("%s: %s: %v", e.Dependency, e.Descriptor, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RunError aggregates the failed dependencies of a run.
type RunError struct {
	Failures []*DependencyError
}

func (e *RunError) Error() string {
	if e == nil || len(e.Failures) == 0 {
		return "patch run failed"
	}
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Dependency)
	}
	noun := "dependencies"
	if len(names) == 1 {
		noun = "dependency"
	}
	return fmt.Sprintf("failed to patch %d %s: %s", len(names), noun, strings.Join(names, ", "))
}

func (e *RunError) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f)
	}
	return out
}
