package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticVersions []string

func (s staticVersions) Versions(context.Context, string) ([]string, error) { return s, nil }
func (s staticVersions) Fetch(context.Context, string, string, string) (Format, error) {
	return FormatZip, nil
}

func TestArchiveSourceExpandsTemplate(t *testing.T) {
	src, err := NewArchiveSource("https://example.com/{escaped_module}/{name}-{version_no_v}.tar.gz?ref={version}", nil)
	require.NoError(t, err)

	got, err := src.URL("github.com/Foo/bar", "v1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/github.com/!foo/bar/bar-1.2.3.tar.gz?ref=v1.2.3", got)
}

func TestNewArchiveSourceValidatesTemplate(t *testing.T) {
	_, err := NewArchiveSource("https://example.com/latest.tar.gz", nil)
	require.Error(t, err)
	_, err = NewArchiveSource("https://example.com/{version}.rar", nil)
	require.Error(t, err)
}

func TestArchiveSourceFetchDetectsFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bar/v1.0.0.tar.zst", r.URL.Path)
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	src, err := NewArchiveSource(srv.URL+"/{name}/{version}.tar.zst", nil)
	require.NoError(t, err)

	format, err := src.Fetch(context.Background(), "example.com/bar", "v1.0.0", filepath.Join(t.TempDir(), "a"))
	require.NoError(t, err)
	assert.Equal(t, FormatTarZst, format)
}

func TestArchiveSourceVersions(t *testing.T) {
	src, err := NewArchiveSource("https://example.com/{version}.zip", nil)
	require.NoError(t, err)
	_, err = src.Versions(context.Background(), "example.com/bar")
	require.ErrorIs(t, err, ErrNoVersionList)

	src, err = NewArchiveSource("https://example.com/{version}.zip", staticVersions{"v1.0.0"})
	require.NoError(t, err)
	versions, err := src.Versions(context.Background(), "example.com/bar")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1.0.0"}, versions)
}

func TestFormatFromName(t *testing.T) {
	cases := map[string]Format{
		"a.zip":                 FormatZip,
		"a.TAR.GZ":              FormatTarGz,
		"a.tgz":                 FormatTarGz,
		"a.tar.zst":             FormatTarZst,
		"a.tzst":                FormatTarZst,
		"https://x/a.zip?raw=1": FormatZip,
	}
	for name, want := range cases {
		got, ok := FormatFromName(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	_, ok := FormatFromName("a.rar")
	assert.False(t, ok)
}

func TestRouterDispatchesByModule(t *testing.T) {
	router := NewRouter(staticVersions{"v1.0.0"})
	router.Route("example.com/special", staticVersions{"v2.0.0"})

	got, err := router.Versions(context.Background(), "example.com/other")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1.0.0"}, got)

	got, err = router.Versions(context.Background(), "example.com/special")
	require.NoError(t, err)
	assert.Equal(t, []string{"v2.0.0"}, got)
}
