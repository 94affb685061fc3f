// Package fetch downloads module versions: version lists and source archives, from a GOPROXY
// compatible server (http, https or file URLs) or from an archive URL template.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/asynkron/modpatch/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultProxy is used when GOPROXY names no usable proxy.
const DefaultProxy = "https://proxy.golang.org"

// DefaultTimeout bounds a single request, body included.
const DefaultTimeout = 60 * time.Second

// ErrNoVersionList is returned by sources that cannot enumerate versions.
var ErrNoVersionList = errors.New("source cannot list versions")

// Format identifies how an archive is packed.
type Format string

const (
	// FormatModuleZip is a module proxy zip: every entry lives under "<module>@<version>/".
	FormatModuleZip Format = "modzip"
	FormatZip       Format = "zip"
	FormatTarGz     Format = "tar.gz"
	FormatTarZst    Format = "tar.zst"
)

// FormatFromName guesses the archive format from a file name or URL.
func FormatFromName(name string) (Format, bool) {
	if idx := strings.IndexAny(name, "?#"); idx >= 0 {
		name = name[:idx]
	}
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, true
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz, true
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return FormatTarZst, true
	}
	return "", false
}

// Source fetches module versions and archives.
type Source interface {
	// Versions lists the known release versions of a module, in ascending semver order.
	Versions(ctx context.Context, modPath string) ([]string, error)
	// Fetch downloads the archive of modPath@version into the file dst.
	Fetch(ctx context.Context, modPath, version, dst string) (Format, error)
}

// DownloadError reports a failed request.
type DownloadError struct {
	URL        string
	StatusCode int
	// Temporary marks failures worth retrying: timeouts, 5xx and 429 responses.
	Temporary bool
	Err       error
}

func (e *DownloadError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.StatusCode > 0 && e.Err != nil:
		return fmt.Sprintf("download %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("download %s: status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	case e.Err != nil:
		return fmt.Sprintf("download %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("download %s failed", e.URL)
}

func (e *DownloadError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NotFound reports whether the server (or file system) has no such resource.
func (e *DownloadError) NotFound() bool {
	if e == nil {
		return false
	}
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone || errors.Is(e.Err, fs.ErrNotExist)
}

// ProxyFromEnv picks the first usable proxy URL of a GOPROXY value.
func ProxyFromEnv(value string) string {
	for _, entry := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == '|' }) {
		entry = strings.TrimSpace(entry)
		if entry == "" || entry == "direct" || entry == "off" {
			continue
		}
		return entry
	}
	return DefaultProxy
}

// DefaultProxyURL reads GOPROXY from the environment.
func DefaultProxyURL() string {
	return ProxyFromEnv(os.Getenv("GOPROXY"))
}

type options struct {
	client  *http.Client
	retry   *RetryConfig
	timeout time.Duration
	logger  zerolog.Logger
	metrics metrics.Metrics
}

// Option configures a Source.
type Option func(*options)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithRetry sets the retry policy; nil disables retries.
func WithRetry(cfg *RetryConfig) Option {
	return func(o *options) { o.retry = cfg }
}

// WithTimeout bounds a single request.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records every request.
func WithMetrics(m metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func newOptions(opts []Option) options {
	o := options{
		client:  http.DefaultClient,
		retry:   DefaultRetryConfig(),
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = http.DefaultClient
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}
	o.metrics = metrics.OrNoOp(o.metrics)
	return o
}
