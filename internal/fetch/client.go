package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// client performs GET requests against http(s) and file URLs with retries and metrics.
type client struct {
	options
}

func (c *client) getBytes(ctx context.Context, rawURL string) ([]byte, error) {
	var buf bytes.Buffer
	err := executeWithRetry(ctx, c.retry, func() error {
		buf.Reset()
		return c.get(ctx, rawURL, &buf)
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *client) getFile(ctx context.Context, rawURL, dst string) error {
	return executeWithRetry(ctx, c.retry, func() error {
		f, err := os.Create(dst)
		if err != nil {
			return err
		}
		err = c.get(ctx, rawURL, f)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		return err
	})
}

func (c *client) get(ctx context.Context, rawURL string, w io.Writer) error {
	start := time.Now()
	err := c.do(ctx, rawURL, w)
	c.metrics.RecordDownload(rawURL, time.Since(start), err == nil)
	if err != nil {
		c.logger.Debug().Err(err).Str("url", rawURL).Msg("request failed")
		return err
	}
	c.logger.Debug().Str("url", rawURL).Dur("duration", time.Since(start)).Msg("fetched")
	return nil
}

func (c *client) do(ctx context.Context, rawURL string, w io.Writer) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &DownloadError{URL: rawURL, Err: err}
	}
	if u.Scheme == "file" {
		return copyLocal(rawURL, filepath.FromSlash(u.Path), w)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &DownloadError{URL: rawURL, Err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return c.transportError(ctx, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &DownloadError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Temporary:  isRetryableStatusCode(resp.StatusCode),
		}
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return c.transportError(ctx, rawURL, err)
	}
	return nil
}

// transportError classifies err; cancellation of the caller's context is never retried.
func (c *client) transportError(ctx context.Context, rawURL string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &DownloadError{URL: rawURL, Err: ctxErr}
	}
	return &DownloadError{URL: rawURL, Err: err, Temporary: isRetryableError(err)}
}

func copyLocal(rawURL, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return &DownloadError{URL: rawURL, Err: err}
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return &DownloadError{URL: rawURL, Err: err}
	}
	return nil
}

func isNotFound(err error) bool {
	var de *DownloadError
	return errors.As(err, &de) && de.NotFound()
}
