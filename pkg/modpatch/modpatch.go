// Package modpatch is the programmatic entry point: it loads a project's manifest, wires the
// resolver, cache and pipeline, and patches every declared dependency. Build scripts call Run
// and use Inputs to learn which files should trigger a rerun.
package modpatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/asynkron/modpatch/internal/cache"
	"github.com/asynkron/modpatch/internal/fetch"
	"github.com/asynkron/modpatch/internal/logging"
	"github.com/asynkron/modpatch/internal/manifest"
	"github.com/asynkron/modpatch/internal/metrics"
	"github.com/asynkron/modpatch/internal/pipeline"
	"github.com/asynkron/modpatch/internal/project"
	"github.com/asynkron/modpatch/internal/resolve"
	"github.com/asynkron/modpatch/pkg/patch"
	"github.com/rs/zerolog"
)

// Options configures a run. Zero values defer to the manifest settings.
type Options struct {
	// Dir is where manifest discovery starts; empty means the current directory.
	Dir string
	// Manifest names the manifest explicitly and disables discovery.
	Manifest string
	Logger   zerolog.Logger
	Metrics  metrics.Metrics

	// Refresh discards cached pristine trees before use.
	Refresh bool
	// SkipUnchanged forces unchanged-input skipping on.
	SkipUnchanged bool
	// IgnoreWhitespace forces whitespace-insensitive matching on.
	IgnoreWhitespace bool
	Concurrency      int
	Tolerance        int
	// CacheDir overrides the cache root.
	CacheDir string
}

// Session is a loaded project ready to be patched.
type Session struct {
	Project  *project.Project
	Manifest *manifest.Manifest
	Cache    *cache.Cache

	driver *pipeline.Driver
	logger zerolog.Logger
}

// ManifestPath returns the manifest opts refers to: opts.Manifest when set, otherwise the
// first manifest found walking up from opts.Dir.
func ManifestPath(opts Options) (string, error) {
	if opts.Manifest != "" {
		if opts.Dir != "" && !filepath.IsAbs(opts.Manifest) {
			return filepath.Abs(filepath.Join(opts.Dir, opts.Manifest))
		}
		return filepath.Abs(opts.Manifest)
	}
	start := opts.Dir
	if start == "" {
		start = "."
	}
	p, err := project.Discover(start)
	if err != nil {
		return "", err
	}
	path, _ := p.Manifest()
	return path, nil
}

// Open loads the manifest and wires the pipeline without running it.
func Open(opts Options) (*Session, error) {
	path, err := ManifestPath(opts)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Load(path, logging.Component(opts.Logger, "manifest"))
	if err != nil {
		return nil, err
	}
	proj := project.New(m.Dir())
	settings := m.Settings

	pins, err := proj.Pins()
	if err != nil {
		return nil, err
	}
	checksums, err := proj.Checksums()
	if err != nil {
		return nil, err
	}

	retry := fetch.DefaultRetryConfig()
	retry.MaxRetries = settings.Retries
	fetchOpts := []fetch.Option{
		fetch.WithRetry(retry),
		fetch.WithTimeout(settings.Timeout),
		fetch.WithLogger(logging.Component(opts.Logger, "fetch")),
		fetch.WithMetrics(opts.Metrics),
	}
	proxy, err := fetch.NewProxySource(proxyURL(proj, settings.Proxy, opts.Logger), fetchOpts...)
	if err != nil {
		return nil, err
	}
	router, err := routes(m.Specs, proxy, fetchOpts)
	if err != nil {
		return nil, err
	}
	// Archives are not module zips; go.sum hashes cannot describe them.
	for _, spec := range m.Specs {
		if spec.Archive == "" {
			continue
		}
		for key := range checksums {
			if strings.HasPrefix(key, spec.ModulePath()+"@") {
				delete(checksums, key)
			}
		}
	}

	resolver, err := resolve.New(router,
		resolve.WithPins(pins),
		resolve.WithLogger(logging.Component(opts.Logger, "resolve")),
	)
	if err != nil {
		return nil, err
	}

	cacheRoot := opts.CacheDir
	if cacheRoot == "" {
		cacheRoot = m.CacheDir()
	}
	c, err := cache.New(cacheRoot, router,
		cache.WithChecksums(checksums),
		cache.WithLogger(logging.Component(opts.Logger, "cache")),
		cache.WithMetrics(opts.Metrics),
	)
	if err != nil {
		return nil, err
	}

	apply := patch.Options{Tolerance: settings.Tolerance, IgnoreWhitespace: settings.IgnoreWhitespace || opts.IgnoreWhitespace}
	if opts.Tolerance != 0 {
		apply.Tolerance = opts.Tolerance
	}
	concurrency := settings.Concurrency
	if opts.Concurrency > 0 {
		concurrency = opts.Concurrency
	}
	driver, err := pipeline.NewDriver(pipeline.DriverOptions{
		Resolver:      resolver,
		Cache:         c,
		PatchesRoot:   m.PatchesRoot(),
		OutputDir:     m.OutputDir(),
		Apply:         apply,
		Concurrency:   concurrency,
		Refresh:       opts.Refresh,
		SkipUnchanged: settings.SkipUnchanged || opts.SkipUnchanged,
		Logger:        logging.Component(opts.Logger, "pipeline"),
		Metrics:       opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Session{Project: proj, Manifest: m, Cache: c, driver: driver, logger: opts.Logger}, nil
}

// Run patches every dependency the manifest declares.
func (s *Session) Run(ctx context.Context) (*pipeline.Result, error) {
	if len(s.Manifest.Specs) == 0 {
		return &pipeline.Result{}, nil
	}
	return s.driver.Run(ctx, s.Manifest.Specs)
}

// Replaces returns one replace per module whose working copy res produced. When several
// dependencies patch the same module the first by name wins.
func (s *Session) Replaces(res *pipeline.Result) []project.Replace {
	if res == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []project.Replace
	for _, dep := range res.Dependencies {
		if dep.Status == pipeline.StatusFailed || dep.WorkingCopy == "" || seen[dep.Module] {
			continue
		}
		seen[dep.Module] = true
		out = append(out, project.Replace{Module: dep.Module, Dir: dep.WorkingCopy})
	}
	return out
}

// Run opens the project described by opts and patches it.
func Run(ctx context.Context, opts Options) (*pipeline.Result, error) {
	s, err := Open(opts)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx)
}

// Inputs returns the manifest path followed by every declared patch file: the files whose
// change should trigger a rerun. manifestPath may be empty to discover it from dir.
func Inputs(dir, manifestPath string) ([]string, error) {
	path, err := ManifestPath(Options{Dir: dir, Manifest: manifestPath})
	if err != nil {
		return nil, err
	}
	m, err := manifest.Load(path, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	return append([]string{m.Path}, m.PatchFiles()...), nil
}

func routes(specs []pipeline.Spec, proxy fetch.Source, opts []fetch.Option) (*fetch.Router, error) {
	router := fetch.NewRouter(proxy)
	templates := map[string]string{}
	for _, spec := range specs {
		if spec.Archive == "" {
			continue
		}
		mod := spec.ModulePath()
		if prev, ok := templates[mod]; ok {
			if prev != spec.Archive {
				return nil, fmt.Errorf("dependency %s: module %s already uses archive %q", spec.Name, mod, prev)
			}
			continue
		}
		src, err := fetch.NewArchiveSource(spec.Archive, proxy, opts...)
		if err != nil {
			return nil, fmt.Errorf("dependency %s: %w", spec.Name, err)
		}
		templates[mod] = spec.Archive
		router.Route(mod, src)
	}
	return router, nil
}

// proxyURL picks the module proxy: the manifest setting, then GOPROXY from the environment,
// then `go env GOPROXY`.
func proxyURL(p *project.Project, configured string, logger zerolog.Logger) string {
	if configured != "" {
		return fetch.ProxyFromEnv(configured)
	}
	if v := os.Getenv("GOPROXY"); v != "" {
		return fetch.ProxyFromEnv(v)
	}
	v, err := p.GoEnv("GOPROXY")
	if err != nil {
		logger.Debug().Err(err).Msg("go env GOPROXY unavailable")
		return fetch.DefaultProxy
	}
	return fetch.ProxyFromEnv(v)
}
