package modpatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/asynkron/modpatch/internal/cache"
	"github.com/asynkron/modpatch/internal/metrics"
	"github.com/asynkron/modpatch/internal/pipeline"
	"github.com/asynkron/modpatch/internal/project"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/mod/sumdb/dirhash"
)

const libBody = "package foo\n\nfunc A() int { return 1 }\n\nfunc B() int { return 2 }\n"

type fixture struct {
	dir   string
	proxy string
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

// publish writes a module zip and version list in GOPROXY layout and returns the zip's h1 hash.
func publish(t *testing.T, root, modPath string, versions []string, files map[string]string) string {
	t.Helper()
	var sum string
	for _, version := range versions {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		for name, body := range files {
			w, err := zw.Create(modPath + "@" + version + "/" + name)
			require.NoError(t, err)
			_, err = w.Write([]byte(body))
			require.NoError(t, err)
		}
		require.NoError(t, zw.Close())
		zipPath := filepath.Join(root, filepath.FromSlash(modPath), "@v", version+".zip")
		writeFile(t, zipPath, buf.String())
		h, err := dirhash.HashZip(zipPath, dirhash.Hash1)
		require.NoError(t, err)
		if version == "v1.2.0" {
			sum = h
		}
	}
	writeFile(t, filepath.Join(root, filepath.FromSlash(modPath), "@v", "list"), strings.Join(versions, "\n")+"\n")
	return sum
}

func newFixture(t *testing.T, goSum func(sum string) string) *fixture {
	t.Helper()
	proxyDir := t.TempDir()
	sum := publish(t, proxyDir, "example.com/foo", []string{"v1.0.0", "v1.2.0", "v1.3.0"}, map[string]string{
		"go.mod": "module example.com/foo\n",
		"foo.go": libBody,
	})
	srv := httptest.NewServer(http.FileServer(http.Dir(proxyDir)))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), "module example.com/app\n\ngo 1.25\n\nrequire example.com/foo v1.2.0\n")
	if goSum != nil {
		writeFile(t, filepath.Join(dir, "go.sum"), goSum(sum))
	}
	writeFile(t, filepath.Join(dir, "patches", "foo.patch"),
		"--- foo.go\n+++ foo.go\n@@ -3,3 +3,3 @@\n-func A() int { return 1 }\n+func A() int { return 10 }\n \n func B() int { return 2 }\n")
	writeFile(t, filepath.Join(dir, "modpatch.toml"), fmt.Sprintf(`[settings]
proxy = %q
cache_dir = "cache"
output_dir = "out"
retries = 0

[patch.foo]
module = "example.com/foo"
patches = ["patches/foo.patch"]

[patch.empty]
module = "example.com/empty"
`, srv.URL))
	return &fixture{dir: dir, proxy: srv.URL}
}

func TestRunPatchesDeclaredDependencies(t *testing.T) {
	f := newFixture(t, func(sum string) string {
		return "example.com/foo v1.2.0 " + sum + "\nexample.com/foo v1.2.0/go.mod h1:ignored=\n"
	})
	m := metrics.NewInMemory()

	res, err := Run(context.Background(), Options{Dir: filepath.Join(f.dir, "patches"), Metrics: m})
	require.NoError(t, err)
	require.Len(t, res.Dependencies, 1)

	dep := res.Dependencies[0]
	assert.Equal(t, "v1.2.0", dep.Version, "go.mod pin wins over the newest release")
	assert.Equal(t, filepath.Join(f.dir, "out", "foo@v1.2.0"), dep.WorkingCopy)
	assert.Equal(t, []string{"Patched foo: foo.go"}, dep.Messages)

	data, err := os.ReadFile(filepath.Join(dep.WorkingCopy, "foo.go"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "return 10")
	assert.DirExists(t, filepath.Join(f.dir, "cache", "pristine", "example.com", "foo@v1.2.0"))
	assert.Equal(t, int64(1), m.Snapshot().Extractions.Success)

	_, err = Run(context.Background(), Options{Dir: f.dir, Metrics: m, SkipUnchanged: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Snapshot().Dependencies[string(pipeline.StatusSkipped)])
}

func TestRunRejectsChecksumMismatch(t *testing.T) {
	f := newFixture(t, func(string) string {
		return "example.com/foo v1.2.0 h1:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=\n"
	})

	res, err := Run(context.Background(), Options{Dir: f.dir})
	var runErr *pipeline.RunError
	require.True(t, errors.As(err, &runErr), "got %v", err)
	var extractErr *cache.ExtractionError
	require.True(t, errors.As(err, &extractErr))
	assert.Contains(t, extractErr.Reason, "checksum mismatch")
	assert.Equal(t, pipeline.StatusFailed, res.Dependencies[0].Status)
}

func TestOpenAppliesOverrides(t *testing.T) {
	f := newFixture(t, nil)
	cacheDir := filepath.Join(t.TempDir(), "elsewhere")

	s, err := Open(Options{Manifest: filepath.Join(f.dir, "modpatch.toml"), CacheDir: cacheDir})
	require.NoError(t, err)
	assert.Equal(t, cacheDir, s.Cache.Root())
	assert.Equal(t, f.dir, s.Project.Root())
	assert.Equal(t, []string{"empty has no patches, skipping"}, s.Manifest.Notices)

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []project.Replace{{Module: "example.com/foo", Dir: filepath.Join(f.dir, "out", "foo@v1.2.0")}}, s.Replaces(res))
}

func TestInputs(t *testing.T) {
	f := newFixture(t, nil)

	inputs, err := Inputs(f.dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(f.dir, "modpatch.toml"),
		filepath.Join(f.dir, "patches", "foo.patch"),
	}, inputs)

	_, err = Inputs(t.TempDir(), "")
	assert.ErrorIs(t, err, project.ErrNoManifest)
}

func TestRoutesRejectConflictingArchives(t *testing.T) {
	specs := []pipeline.Spec{
		{Name: "a", Module: "example.com/x", Archive: "https://example.com/x-{version}.tar.gz"},
		{Name: "b", Module: "example.com/x", Archive: "https://example.com/x-{version}.zip"},
	}
	_, err := routes(specs, nil, nil)
	require.ErrorContains(t, err, "already uses archive")

	_, err = routes(specs[:1], nil, nil)
	require.NoError(t, err)
}

func TestProxyURLPrefersConfiguredValue(t *testing.T) {
	p := project.NewWithLookPath(t.TempDir(), func(string) (string, error) { return "", errors.New("no go") })
	assert.Equal(t, "https://goproxy.example", proxyURL(p, "https://goproxy.example", zerolog.Nop()))
	assert.Equal(t, "https://goproxy.example", proxyURL(p, "https://goproxy.example,direct", zerolog.Nop()))
	assert.Equal(t, "https://proxy.golang.org", proxyURL(p, "direct", zerolog.Nop()))

	t.Setenv("GOPROXY", "off,https://mirror.example|direct")
	assert.Equal(t, "https://mirror.example", proxyURL(p, "", zerolog.Nop()))

	t.Setenv("GOPROXY", "")
	assert.Equal(t, "https://proxy.golang.org", proxyURL(p, "", zerolog.Nop()))
}
