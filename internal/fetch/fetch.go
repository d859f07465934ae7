package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/clipvault/ingest/pkg/logger"
)

var log = logger.Get("Fetcher")

type (
	Config struct {
		TempDir      string        `yaml:"temp_dir" env:"FETCH_TEMP_DIR"`
		Timeout      time.Duration `yaml:"timeout" env:"FETCH_TIMEOUT" env-default:"2h"`
		MaxRedirects int           `yaml:"max_redirects" env:"FETCH_MAX_REDIRECTS" env-default:"10"`
	}

	// ProgressFunc is called as the body is written to disk. Total is -1 when
	// the server did not advertise a content length.
	ProgressFunc func(written int64, total int64)

	// NetworkError wraps every failure to retrieve a source: transport
	// errors, timeouts, redirect loops and non-2xx responses.
	NetworkError struct {
		URL        string
		StatusCode int
		Err        error
	}

	Fetcher struct {
		config     Config
		httpClient *http.Client
	}
)

var errTooManyRedirects = errors.New("too many redirects")

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch of %s failed with status %d: %v", e.URL, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("fetch of %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt at the same fetch could succeed.
// Client errors (other than timeouts and rate limiting) and redirect loops
// are permanent.
func (e *NetworkError) Retryable() bool {
	if errors.Is(e.Err, errTooManyRedirects) {
		return false
	}

	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}

	return false
}

func New(config Config) *Fetcher {
	maxRedirects := config.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 10
	}

	return &Fetcher{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("%w (limit %d)", errTooManyRedirects, maxRedirects)
				}
				return nil
			},
		},
	}
}

// Fetch streams the resource at the URL provided to a new temporary file and
// returns its path. The auth header, if non-empty, is sent verbatim as the
// Authorization header. On error any partially written file is removed; on
// success the caller owns the returned file and is responsible for removing it.
func (fetcher *Fetcher) Fetch(ctx context.Context, sourceURL string, authHeader string, progress ProgressFunc) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", &NetworkError{URL: sourceURL, Err: err}
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := fetcher.httpClient.Do(req)
	if err != nil {
		return "", &NetworkError{URL: sourceURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &NetworkError{URL: sourceURL, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	out, err := os.CreateTemp(fetcher.config.TempDir, "fetch-*"+extensionOf(resp.Request.URL))
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file for %s: %w", sourceURL, err)
	}

	written, err := io.Copy(out, &progressReader{reader: resp.Body, total: resp.ContentLength, fn: progress})
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if rmErr := os.Remove(out.Name()); rmErr != nil {
			log.Warnf("Failed to remove partial download %s: %v\n", out.Name(), rmErr)
		}
		return "", &NetworkError{URL: sourceURL, Err: err}
	}

	log.Emit(logger.DEBUG, "Fetched %s (%d bytes) to %s\n", sourceURL, written, out.Name())
	return out.Name(), nil
}

type progressReader struct {
	reader  io.Reader
	written int64
	total   int64
	fn      ProgressFunc
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.written += int64(n)
		if r.fn != nil {
			r.fn(r.written, r.total)
		}
	}

	return n, err
}

// extensionOf returns the file extension of the final URL path, if it
// looks like a plausible media extension.
func extensionOf(u *url.URL) string {
	ext := strings.ToLower(path.Ext(u.Path))
	if len(ext) < 2 || len(ext) > 6 || strings.ContainsAny(ext, `\/*`) {
		return ""
	}

	return ext
}
