// Package report renders the outcome of a patch run: styled console lines and failure
// diagnostics for humans, YAML or JSON documents for tools.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/asynkron/modpatch/internal/pipeline"
	"gopkg.in/yaml.v3"
)

// Format selects the machine-readable encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat accepts "yaml", "yml" and "json", case-insensitively.
func ParseFormat(value string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown report format %q (want yaml or json)", value)
}

// Report is the serialisable form of a pipeline.Result.
type Report struct {
	Dependencies []Dependency `json:"dependencies" yaml:"dependencies"`
	Pruned       []string     `json:"pruned,omitempty" yaml:"pruned,omitempty"`
	Failed       int          `json:"failed" yaml:"failed"`
}

// Dependency is the outcome of one dependency.
type Dependency struct {
	Name        string            `json:"name" yaml:"name"`
	Module      string            `json:"module" yaml:"module"`
	Version     string            `json:"version,omitempty" yaml:"version,omitempty"`
	Status      string            `json:"status" yaml:"status"`
	WorkingCopy string            `json:"working_copy,omitempty" yaml:"working_copy,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
	Hunks       int               `json:"hunks" yaml:"hunks"`
	DurationMS  int64             `json:"duration_ms" yaml:"duration_ms"`
	Changes     []pipeline.Change `json:"changes,omitempty" yaml:"changes,omitempty"`
	Error       string            `json:"error,omitempty" yaml:"error,omitempty"`
}

// Build converts res into a Report.
func Build(res *pipeline.Result) Report {
	out := Report{Dependencies: []Dependency{}}
	if res == nil {
		return out
	}
	out.Pruned = res.Pruned
	for _, d := range res.Dependencies {
		dep := Dependency{
			Name:        d.Name,
			Module:      d.Module,
			Version:     d.Version,
			Status:      string(d.Status),
			WorkingCopy: d.WorkingCopy,
			Fingerprint: d.Fingerprint,
			Hunks:       d.Hunks,
			DurationMS:  d.Duration.Milliseconds(),
			Changes:     d.Changes,
		}
		if d.Err != nil {
			dep.Error = d.Err.Error()
			out.Failed++
		}
		out.Dependencies = append(out.Dependencies, dep)
	}
	return out
}

// Write encodes the report of res to w.
func Write(w io.Writer, format Format, res *pipeline.Result) error {
	rep := Build(res)
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown report format %q", format)
}
