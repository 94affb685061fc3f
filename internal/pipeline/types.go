// Package pipeline drives the fetch-and-patch pipeline: for every dependency it resolves a
// version, obtains the pristine tree from the cache, rebuilds the working copy from it and
// applies the declared patch files in order.
package pipeline

import (
	"time"

	"github.com/asynkron/modpatch/pkg/patch"
)

// Descriptor names one patch file, relative to the patches root.
type Descriptor struct {
	Path string
	Kind patch.SourceKind
}

// Spec declares the patches of one dependency.
type Spec struct {
	// Name identifies the dependency and names its working copy.
	Name string
	// Module is the module path to fetch; it defaults to Name.
	Module string
	// Version is a requirement; empty selects the latest resolvable version.
	Version string
	// Archive optionally overrides where the module source is downloaded from.
	Archive string
	Patches []Descriptor
}

// ModulePath returns Module, or Name when Module is empty.
func (s Spec) ModulePath() string {
	if s.Module != "" {
		return s.Module
	}
	return s.Name
}

// ResolvedSpec is a Spec with a concrete version.
type ResolvedSpec struct {
	Spec
	Resolved string
}

// Status is the outcome of one dependency.
type Status string

const (
	StatusPatched Status = "patched"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Change is one file touched in a working copy.
type Change struct {
	Descriptor string `json:"descriptor" yaml:"descriptor"`
	Status     string `json:"status" yaml:"status"`
	Path       string `json:"path" yaml:"path"`
	OldPath    string `json:"old_path,omitempty" yaml:"old_path,omitempty"`
}

// DependencyResult is the outcome of one dependency pipeline.
type DependencyResult struct {
	Name        string
	Module      string
	Version     string
	Status      Status
	WorkingCopy string
	Pristine    string
	Fingerprint string
	// Messages holds one "Patched <dep>: <path>" line per file patch, in application order.
	Messages []string
	Changes  []Change
	Hunks    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a run.
type Result struct {
	// Dependencies is sorted by name.
	Dependencies []*DependencyResult
	// Pruned lists working copies of dependencies no longer declared.
	Pruned []string
}

// Failed returns the failed dependencies.
func (r *Result) Failed() []*DependencyResult {
	if r == nil {
		return nil
	}
	var out []*DependencyResult
	for _, d := range r.Dependencies {
		if d.Status == StatusFailed {
			out = append(out, d)
		}
	}
	return out
}

// Messages returns the messages of every dependency, in name order.
func (r *Result) Messages() []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, d := range r.Dependencies {
		out = append(out, d.Messages...)
	}
	return out
}
