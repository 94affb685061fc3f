package fetch

import (
	"context"
	"sync"
)

// Router sends each module to its own Source, falling back to a default one.
type Router struct {
	mu        sync.RWMutex
	fallback  Source
	overrides map[string]Source
}

// NewRouter returns a Router using fallback for modules without an override.
func NewRouter(fallback Source) *Router {
	return &Router{fallback: fallback, overrides: make(map[string]Source)}
}

// Route sends modPath to src.
func (r *Router) Route(modPath string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[modPath] = src
}

func (r *Router) source(modPath string) Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if src, ok := r.overrides[modPath]; ok {
		return src
	}
	return r.fallback
}

// Versions implements Source.
func (r *Router) Versions(ctx context.Context, modPath string) ([]string, error) {
	return r.source(modPath).Versions(ctx, modPath)
}

// Fetch implements Source.
func (r *Router) Fetch(ctx context.Context, modPath, version, dst string) (Format, error) {
	return r.source(modPath).Fetch(ctx, modPath, version, dst)
}
