package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/asynkron/modpatch/internal/cache"
	"github.com/asynkron/modpatch/internal/fetch"
	"github.com/asynkron/modpatch/internal/metrics"
	"github.com/asynkron/modpatch/internal/resolve"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	"golang.org/x/mod/semver"
)

// memSource serves module zips built from in-memory file maps.
type memSource struct {
	mu      sync.Mutex
	modules map[string]map[string]map[string]string
	fetches map[string]int
}

func newMemSource() *memSource {
	return &memSource{modules: map[string]map[string]map[string]string{}, fetches: map[string]int{}}
}

func (s *memSource) add(modPath, version string, files map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modules[modPath] == nil {
		s.modules[modPath] = map[string]map[string]string{}
	}
	s.modules[modPath][version] = files
}

func (s *memSource) fetchCount(modPath, version string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[modPath+"@"+version]
}

func (s *memSource) Versions(_ context.Context, modPath string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.modules[modPath]
	if !ok {
		return nil, &fetch.DownloadError{URL: modPath, StatusCode: http.StatusNotFound}
	}
	var out []string
	for v := range versions {
		out = append(out, v)
	}
	semver.Sort(out)
	return out, nil
}

func (s *memSource) Fetch(_ context.Context, modPath, version, dst string) (fetch.Format, error) {
	s.mu.Lock()
	s.fetches[modPath+"@"+version]++
	files, ok := s.modules[modPath][version]
	s.mu.Unlock()
	if !ok {
		return "", &fetch.DownloadError{URL: modPath, StatusCode: http.StatusNotFound}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(modPath + "@" + version + "/" + name)
		if err != nil {
			return "", err
		}
		if _, err := w.Write([]byte(body)); err != nil {
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return fetch.FormatModuleZip, os.WriteFile(dst, buf.Bytes(), 0o644)
}

type harness struct {
	t        *testing.T
	patches  string
	output   string
	src      *memSource
	cache    *cache.Cache
	resolver *resolve.Resolver
	metrics  *metrics.InMemory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	src := newMemSource()
	c, err := cache.New(filepath.Join(root, "cache"), src)
	require.NoError(t, err)
	r, err := resolve.New(src)
	require.NoError(t, err)
	return &harness{
		t:        t,
		patches:  filepath.Join(root, "patches"),
		output:   filepath.Join(root, "out"),
		src:      src,
		cache:    c,
		resolver: r,
		metrics:  metrics.NewInMemory(),
	}
}

func (h *harness) writePatch(name, body string) {
	h.t.Helper()
	path := filepath.Join(h.patches, filepath.FromSlash(name))
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(h.t, os.WriteFile(path, []byte(body), 0o644))
}

func (h *harness) driver(configure ...func(*DriverOptions)) *Driver {
	h.t.Helper()
	opts := DriverOptions{
		Resolver:    h.resolver,
		Cache:       h.cache,
		PatchesRoot: h.patches,
		OutputDir:   h.output,
		Concurrency: 4,
		Metrics:     h.metrics,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	d, err := NewDriver(opts)
	require.NoError(h.t, err)
	return d
}

func (h *harness) read(path ...string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(path...))
	require.NoError(h.t, err)
	return string(data)
}

// snapshot returns every file of a tree keyed by slash path.
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func numbered(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return b.String()
}

func replaceLine(file string, lineNo int, old, new string) string {
	return fmt.Sprintf("--- %s\n+++ %s\n@@ -%d,3 +%d,3 @@\n line %d\n-%s\n+%s\n line %d\n",
		file, file, lineNo-1, lineNo-1, lineNo-1, old, new, lineNo+1)
}
