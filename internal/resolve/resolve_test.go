package resolve

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/asynkron/modpatch/internal/fetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	versions map[string][]string
	err      error
	calls    int
}

func (f *fakeSource) Versions(_ context.Context, modPath string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.versions[modPath]
	if !ok {
		return nil, &fetch.DownloadError{URL: modPath, StatusCode: http.StatusNotFound}
	}
	return v, nil
}

func (f *fakeSource) Fetch(context.Context, string, string, string) (fetch.Format, error) {
	return "", errors.New("not implemented")
}

func newFake() *fakeSource {
	return &fakeSource{versions: map[string][]string{
		"example.com/foo": {"v1.0.0", "v1.2.0", "v1.3.0-rc.1", "v1.10.0", "v2.0.0+incompatible"},
		"example.com/pre": {"v0.1.0-alpha", "v0.1.0-beta"},
	}}
}

func TestResolveRequirements(t *testing.T) {
	cases := []struct {
		requirement string
		want        string
	}{
		{"", "v2.0.0+incompatible"},
		{"latest", "v2.0.0+incompatible"},
		{"v1.2.0", "v1.2.0"},
		{"1.2.0", "v1.2.0"},
		{"v1.3.0-rc.1", "v1.3.0-rc.1"},
		{"^1.2", "v1.10.0"},
		{">=1.0, <1.5", "v1.2.0"},
		{"~1.0.0", "v1.0.0"},
	}
	r, err := New(newFake())
	require.NoError(t, err)
	for _, tc := range cases {
		got, err := r.Resolve(context.Background(), "example.com/foo", tc.requirement)
		require.NoError(t, err, tc.requirement)
		assert.Equal(t, tc.want, got, tc.requirement)
	}
}

func TestResolvePrefersPins(t *testing.T) {
	r, err := New(newFake(), WithPins(map[string]string{"example.com/foo": "v1.0.0"}))
	require.NoError(t, err)

	got, err := r.Resolve(context.Background(), "example.com/foo", "")
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0", got)

	got, err = r.Resolve(context.Background(), "example.com/foo", "^1.0")
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0", got)

	got, err = r.Resolve(context.Background(), "example.com/foo", "^1.2")
	require.NoError(t, err)
	assert.Equal(t, "v1.10.0", got, "a pin outside the constraint is ignored")

	got, err = r.Resolve(context.Background(), "example.com/foo", "v1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", got, "an exact requirement wins over the pin")
}

func TestResolveOnlyPrereleases(t *testing.T) {
	r, err := New(newFake())
	require.NoError(t, err)
	got, err := r.Resolve(context.Background(), "example.com/pre", "")
	require.NoError(t, err)
	assert.Equal(t, "v0.1.0-beta", got)
}

func TestResolveFailures(t *testing.T) {
	r, err := New(newFake())
	require.NoError(t, err)

	cases := map[string]struct {
		module      string
		requirement string
		reason      string
	}{
		"unknown module":  {"example.com/missing", "", "Unable to find package example.com/missing"},
		"missing version": {"example.com/foo", "v1.1.0", "version v1.1.0 not found"},
		"no match":        {"example.com/foo", "^3", "no version matches the requirement"},
		"bad constraint":  {"example.com/foo", "not a version", "invalid version requirement"},
	}
	for name, tc := range cases {
		_, err := r.Resolve(context.Background(), tc.module, tc.requirement)
		var re *Error
		require.True(t, errors.As(err, &re), "%s: got %v", name, err)
		assert.Equal(t, tc.reason, re.Reason, name)
		assert.Equal(t, tc.module, re.Module, name)
	}
}

func TestResolveCachesVersionLists(t *testing.T) {
	src := newFake()
	r, err := New(src)
	require.NoError(t, err)

	for _, req := range []string{"", "^1.0", "v1.2.0"} {
		_, err := r.Resolve(context.Background(), "example.com/foo", req)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, src.calls)
}

func TestResolveWithoutVersionList(t *testing.T) {
	r, err := New(&fakeSource{err: fetch.ErrNoVersionList})
	require.NoError(t, err)

	got, err := r.Resolve(context.Background(), "example.com/foo", "1.4.0")
	require.NoError(t, err)
	assert.Equal(t, "v1.4.0", got)

	_, err = r.Resolve(context.Background(), "example.com/foo", "^1.4")
	require.ErrorIs(t, err, fetch.ErrNoVersionList)

	got, err = r.Resolve(context.Background(), "example.com/foo", "v0.0.0-20240101000000-abcdefabcdef")
	require.NoError(t, err)
	assert.Equal(t, "v0.0.0-20240101000000-abcdefabcdef", got)
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Module: "example.com/foo", Reason: "cannot list versions", Err: errors.New("boom")}
	assert.Equal(t, "resolve example.com/foo (latest): cannot list versions: boom", err.Error())
}
