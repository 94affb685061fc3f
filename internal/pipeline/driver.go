package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/asynkron/modpatch/internal/metrics"
	"github.com/asynkron/modpatch/pkg/patch"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Resolver turns a requirement into a concrete version.
type Resolver interface {
	Resolve(ctx context.Context, modPath, requirement string) (string, error)
}

// PristineCache provides pristine module trees.
type PristineCache interface {
	EnsurePristine(ctx context.Context, modPath, version string) (string, error)
	Invalidate(modPath, version string) error
	// Checksum identifies the content of an ensured pristine tree.
	Checksum(modPath, version string) (string, error)
}

// DriverOptions configures a Driver.
type DriverOptions struct {
	Resolver    Resolver
	Cache       PristineCache
	PatchesRoot string
	OutputDir   string
	Apply       patch.Options
	// Concurrency bounds parallel dependency pipelines; zero selects runtime.NumCPU().
	Concurrency int
	// Refresh discards cached pristine trees before use.
	Refresh bool
	// SkipUnchanged keeps working copies whose inputs did not change since the last run.
	SkipUnchanged bool
	Logger        zerolog.Logger
	Metrics       metrics.Metrics
}

// Driver runs the pipeline of every dependency.
type Driver struct {
	opts         DriverOptions
	orchestrator *Orchestrator
	metrics      metrics.Metrics
}

// NewDriver validates opts and returns a Driver.
func NewDriver(opts DriverOptions) (*Driver, error) {
	if opts.Resolver == nil {
		return nil, errors.New("pipeline: resolver is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("pipeline: cache is required")
	}
	if opts.OutputDir == "" {
		return nil, errors.New("pipeline: output directory is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	m := metrics.OrNoOp(opts.Metrics)
	return &Driver{
		opts:    opts,
		metrics: m,
		orchestrator: &Orchestrator{
			PatchesRoot: opts.PatchesRoot,
			OutputDir:   opts.OutputDir,
			Options:     opts.Apply,
			Logger:      opts.Logger,
			Metrics:     m,
		},
	}, nil
}

// Run patches every spec. Failures of one dependency never stop the others; when any failed
// the returned error is a *RunError and the Result still lists every outcome.
func (d *Driver) Run(ctx context.Context, specs []Spec) (*Result, error) {
	if err := checkNames(specs); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(d.opts.OutputDir, 0o755); err != nil {
		return nil, &IOError{Op: "create output directory", Path: d.opts.OutputDir, Err: err}
	}
	previous, err := readIndex(d.opts.OutputDir)
	if err != nil {
		return nil, err
	}

	results := make([]*DependencyResult, len(specs))
	resolved := make([]*ResolvedSpec, len(specs))

	d.forEach(specs, func(i int, spec Spec) {
		version, err := d.opts.Resolver.Resolve(ctx, spec.ModulePath(), spec.Version)
		if err != nil {
			results[i] = d.failed(spec, "", &DependencyError{Dependency: spec.Name, Err: err}, 0)
			return
		}
		resolved[i] = &ResolvedSpec{Spec: spec, Resolved: version}
	})

	if d.opts.Refresh {
		seen := map[string]bool{}
		for i, rs := range resolved {
			if rs == nil {
				continue
			}
			key := rs.ModulePath() + "@" + rs.Resolved
			if seen[key] {
				continue
			}
			seen[key] = true
			if err := d.opts.Cache.Invalidate(rs.ModulePath(), rs.Resolved); err != nil {
				results[i] = d.failed(rs.Spec, rs.Resolved, &DependencyError{Dependency: rs.Name, Err: err}, 0)
				resolved[i] = nil
			}
		}
	}

	d.forEach(specs, func(i int, _ Spec) {
		if resolved[i] == nil {
			return
		}
		results[i] = d.runOne(ctx, *resolved[i], previous)
	})

	res := &Result{Dependencies: results}
	sort.Slice(res.Dependencies, func(i, j int) bool { return res.Dependencies[i].Name < res.Dependencies[j].Name })

	pruned, err := d.updateIndex(previous, res.Dependencies)
	res.Pruned = pruned
	if err != nil {
		return res, err
	}

	var failures []*DependencyError
	for _, dep := range res.Dependencies {
		var depErr *DependencyError
		if dep.Status == StatusFailed && errors.As(dep.Err, &depErr) {
			failures = append(failures, depErr)
		}
	}
	if len(failures) > 0 {
		return res, &RunError{Failures: failures}
	}
	return res, nil
}

// forEach runs fn for every spec on a pool bounded by Concurrency.
func (d *Driver) forEach(specs []Spec, fn func(i int, spec Spec)) {
	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			fn(i, spec)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Driver) runOne(ctx context.Context, spec ResolvedSpec, previous *outputIndex) *DependencyResult {
	start := time.Now()
	log := d.opts.Logger.With().Str("dependency", spec.Name).Str("module", spec.ModulePath()).Str("version", spec.Resolved).Logger()

	pristine, err := d.opts.Cache.EnsurePristine(ctx, spec.ModulePath(), spec.Resolved)
	if err != nil {
		return d.failed(spec.Spec, spec.Resolved, &DependencyError{Dependency: spec.Name, Err: err}, time.Since(start))
	}

	fp := ""
	if checksum, err := d.opts.Cache.Checksum(spec.ModulePath(), spec.Resolved); err == nil {
		// An unreadable patch file leaves fp empty; the orchestrator reports it.
		fp, _ = fingerprint(spec, checksum, d.opts.PatchesRoot, fingerprintOptions{
			tolerance:        d.opts.Apply.Tolerance,
			ignoreWhitespace: d.opts.Apply.IgnoreWhitespace,
		})
	}

	if d.opts.SkipUnchanged && fp != "" {
		if wc, ok := d.unchanged(spec, fp, previous); ok {
			log.Info().Str("path", wc).Msg("inputs unchanged, skipping")
			d.metrics.RecordDependency(spec.Name, time.Since(start), string(StatusSkipped))
			return &DependencyResult{
				Name:        spec.Name,
				Module:      spec.ModulePath(),
				Version:     spec.Resolved,
				Status:      StatusSkipped,
				WorkingCopy: wc,
				Pristine:    pristine,
				Fingerprint: fp,
				Duration:    time.Since(start),
			}
		}
	}

	res, err := d.orchestrator.Run(ctx, spec, pristine)
	res.Fingerprint = fp
	res.Duration = time.Since(start)
	if err != nil {
		log.Error().Err(err).Msg("dependency failed")
	} else {
		log.Info().Str("path", res.WorkingCopy).Int("hunks", res.Hunks).Dur("duration", res.Duration).Msg("dependency patched")
	}
	d.metrics.RecordDependency(spec.Name, res.Duration, string(res.Status))
	return res
}

func (d *Driver) unchanged(spec ResolvedSpec, fp string, previous *outputIndex) (string, bool) {
	entry, ok := previous.Dependencies[spec.Name]
	if !ok || entry.Fingerprint != fp {
		return "", false
	}
	wc, err := d.orchestrator.WorkingCopyPath(spec.Name, spec.Resolved)
	if err != nil || filepath.Join(d.opts.OutputDir, filepath.FromSlash(entry.Path)) != wc {
		return "", false
	}
	info, err := os.Stat(wc)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return wc, true
}

func (d *Driver) failed(spec Spec, version string, err error, duration time.Duration) *DependencyResult {
	d.metrics.RecordDependency(spec.Name, duration, string(StatusFailed))
	return &DependencyResult{
		Name:     spec.Name,
		Module:   spec.ModulePath(),
		Version:  version,
		Status:   StatusFailed,
		Duration: duration,
		Err:      err,
	}
}

// updateIndex prunes working copies recorded by the previous run that this run did not
// produce, then records the successful dependencies.
func (d *Driver) updateIndex(previous *outputIndex, deps []*DependencyResult) ([]string, error) {
	produced := map[string]bool{}
	next := &outputIndex{Version: indexVersion, Dependencies: map[string]indexEntry{}}
	for _, dep := range deps {
		if dep.WorkingCopy == "" {
			continue
		}
		rel, err := filepath.Rel(d.opts.OutputDir, dep.WorkingCopy)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		produced[rel] = true
		if dep.Status != StatusFailed && dep.Fingerprint != "" {
			next.Dependencies[dep.Name] = indexEntry{
				Module:      dep.Module,
				Version:     dep.Version,
				Path:        rel,
				Fingerprint: dep.Fingerprint,
			}
		}
	}
	// A dependency that failed before reaching its working copy keeps the previous one.
	for _, dep := range deps {
		if dep.Status != StatusFailed || dep.WorkingCopy != "" {
			continue
		}
		if entry, ok := previous.Dependencies[dep.Name]; ok {
			produced[entry.Path] = true
			next.Dependencies[dep.Name] = entry
		}
	}

	var pruned []string
	for name, entry := range previous.Dependencies {
		if produced[entry.Path] {
			continue
		}
		local := filepath.FromSlash(entry.Path)
		if !filepath.IsLocal(local) || strings.HasPrefix(entry.Path, ".") {
			continue
		}
		path := filepath.Join(d.opts.OutputDir, local)
		if err := os.RemoveAll(path); err != nil {
			return pruned, &IOError{Op: "prune working copy", Path: path, Err: err}
		}
		d.opts.Logger.Info().Str("dependency", name).Str("path", path).Msg("pruned stale working copy")
		pruned = append(pruned, path)
	}
	sort.Strings(pruned)
	return pruned, writeIndex(d.opts.OutputDir, next)
}

func checkNames(specs []Spec) error {
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if strings.TrimSpace(spec.Name) == "" {
			return errors.New("pipeline: dependency name must not be empty")
		}
		if seen[spec.Name] {
			return fmt.Errorf("pipeline: duplicate dependency name %q", spec.Name)
		}
		seen[spec.Name] = true
	}
	return nil
}
