// Package resolve turns a version requirement into a concrete module version, preferring the
// version the project's go.mod already pins.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/asynkron/modpatch/internal/fetch"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/mod/module"
	xsemver "golang.org/x/mod/semver"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize bounds the number of modules whose version list is kept.
const DefaultCacheSize = 256

// Error reports a requirement that no available version satisfies.
type Error struct {
	Module      string
	Requirement string
	Reason      string
	Err         error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	req := e.Requirement
	if req == "" {
		req = "latest"
	}
	msg := fmt.Sprintf("resolve %s (%s): %s", e.Module, req, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Resolver resolves requirements against go.mod pins and a Source's version lists.
type Resolver struct {
	src    fetch.Source
	pins   map[string]string
	lists  *lru.Cache[string, []string]
	group  singleflight.Group
	logger zerolog.Logger
	size   int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPins sets the module versions the project already requires.
func WithPins(pins map[string]string) Option {
	return func(r *Resolver) { r.pins = pins }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithCacheSize bounds the version list cache.
func WithCacheSize(n int) Option {
	return func(r *Resolver) { r.size = n }
}

// New returns a Resolver listing versions from src.
func New(src fetch.Source, opts ...Option) (*Resolver, error) {
	if src == nil {
		return nil, errors.New("resolve: source is required")
	}
	r := &Resolver{src: src, logger: zerolog.Nop(), size: DefaultCacheSize}
	for _, opt := range opts {
		opt(r)
	}
	if r.size <= 0 {
		r.size = DefaultCacheSize
	}
	lists, err := lru.New[string, []string](r.size)
	if err != nil {
		return nil, err
	}
	r.lists = lists
	return r, nil
}

// Resolve returns the version of modPath to patch.
//
// An empty requirement (or "latest") selects the go.mod pin, else the highest release. A
// complete version ("v1.2.0" or "1.2.0") is used as is, after checking the source lists it.
// Anything else is a constraint ("^1.2", ">=1.0, <2", "1.2.x"); a satisfying pin wins over
// the highest satisfying listed version.
func (r *Resolver) Resolve(ctx context.Context, modPath, requirement string) (string, error) {
	requirement = strings.TrimSpace(requirement)
	pin := r.pins[modPath]
	log := r.logger.With().Str("module", modPath).Str("requirement", requirement).Logger()

	if requirement == "" || requirement == "latest" {
		if pin != "" {
			log.Debug().Str("version", pin).Msg("using go.mod pin")
			return pin, nil
		}
		versions, err := r.versions(ctx, modPath)
		if err != nil {
			return "", r.listError(modPath, requirement, err)
		}
		if v := highest(versions); v != "" {
			return v, nil
		}
		return "", &Error{Module: modPath, Requirement: requirement, Reason: "Unable to find package " + modPath}
	}

	if exact, ok := exactVersion(requirement); ok {
		if module.IsPseudoVersion(exact) {
			return exact, nil
		}
		versions, err := r.versions(ctx, modPath)
		if errors.Is(err, fetch.ErrNoVersionList) {
			return exact, nil
		}
		if err != nil {
			return "", r.listError(modPath, requirement, err)
		}
		for _, v := range versions {
			if v == exact {
				return exact, nil
			}
		}
		return "", &Error{Module: modPath, Requirement: requirement, Reason: fmt.Sprintf("version %s not found", exact)}
	}

	constraint, err := semver.NewConstraint(requirement)
	if err != nil {
		return "", &Error{Module: modPath, Requirement: requirement, Reason: "invalid version requirement", Err: err}
	}
	if pin != "" && satisfies(constraint, pin) {
		log.Debug().Str("version", pin).Msg("using go.mod pin")
		return pin, nil
	}
	versions, err := r.versions(ctx, modPath)
	if err != nil {
		return "", r.listError(modPath, requirement, err)
	}
	best := ""
	for _, v := range versions {
		if satisfies(constraint, v) && (best == "" || xsemver.Compare(v, best) > 0) {
			best = v
		}
	}
	if best == "" {
		return "", &Error{Module: modPath, Requirement: requirement, Reason: "no version matches the requirement"}
	}
	return best, nil
}

func (r *Resolver) versions(ctx context.Context, modPath string) ([]string, error) {
	if cached, ok := r.lists.Get(modPath); ok {
		return cached, nil
	}
	v, err, _ := r.group.Do(modPath, func() (any, error) {
		versions, err := r.src.Versions(ctx, modPath)
		if err != nil {
			return nil, err
		}
		r.lists.Add(modPath, versions)
		return versions, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (r *Resolver) listError(modPath, requirement string, err error) error {
	var de *fetch.DownloadError
	if errors.As(err, &de) && de.NotFound() {
		return &Error{Module: modPath, Requirement: requirement, Reason: "Unable to find package " + modPath, Err: err}
	}
	if errors.Is(err, fetch.ErrNoVersionList) {
		return &Error{Module: modPath, Requirement: requirement, Reason: "an exact version is required for this source", Err: err}
	}
	return &Error{Module: modPath, Requirement: requirement, Reason: "cannot list versions", Err: err}
}

// exactVersion reports whether requirement names one complete version and returns it in
// canonical "v" form.
func exactVersion(requirement string) (string, bool) {
	v := strings.TrimPrefix(requirement, "=")
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !xsemver.IsValid(v) {
		return "", false
	}
	if xsemver.Canonical(v) == v || xsemver.Build(v) == "+incompatible" {
		return v, true
	}
	return "", false
}

func satisfies(c *semver.Constraints, version string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return c.Check(v)
}

// highest returns the highest release, or the highest prerelease when there is no release.
func highest(versions []string) string {
	best, bestPre := "", ""
	for _, v := range versions {
		if !xsemver.IsValid(v) {
			continue
		}
		if xsemver.Prerelease(v) != "" {
			if bestPre == "" || xsemver.Compare(v, bestPre) > 0 {
				bestPre = v
			}
			continue
		}
		if best == "" || xsemver.Compare(v, best) > 0 {
			best = v
		}
	}
	if best == "" {
		return bestPre
	}
	return best
}
