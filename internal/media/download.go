package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	downloadTimeout = 10 * time.Second
	maxRedirects    = 5
)

// FetchFailure describes one image that could not be downloaded. It is
// always soft: callers log it and move on.
type FetchFailure struct {
	URL         string
	StatusCode  int
	ContentType string
	Err         error
}

func (e *FetchFailure) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	case e.StatusCode != http.StatusOK:
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("fetch %s: not an image (%s)", e.URL, e.ContentType)
	}
}

func (e *FetchFailure) Unwrap() error { return e.Err }

var errTooManyRedirects = errors.New("stopped after 5 redirects")

// NewHTTPClient returns the client used for image downloads.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: downloadTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errTooManyRedirects
			}
			return nil
		},
	}
}

// Download fetches rawURL into dest. The body is written only when the
// response is a 200 with an image content type.
func Download(ctx context.Context, client *http.Client, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &FetchFailure{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; sitebuilder/1.0)")

	resp, err := client.Do(req)
	if err != nil {
		return &FetchFailure{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if resp.StatusCode != http.StatusOK {
		return &FetchFailure{URL: rawURL, StatusCode: resp.StatusCode, ContentType: ct}
	}
	if !strings.Contains(ct, "image") && !strings.Contains(ct, "svg") {
		return &FetchFailure{URL: rawURL, StatusCode: resp.StatusCode, ContentType: ct}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return &FetchFailure{URL: rawURL, StatusCode: resp.StatusCode, Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return &FetchFailure{URL: rawURL, StatusCode: resp.StatusCode, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &FetchFailure{URL: rawURL, StatusCode: resp.StatusCode, Err: err}
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return &FetchFailure{URL: rawURL, StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}
