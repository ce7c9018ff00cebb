// Package browser exposes headless browser automation as an injectable
// capability. Components receive a ScreenshotCapability; a nil capability
// means screenshots are not available on this host.
package browser

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// Viewport sizes used across the pipeline.
var (
	Desktop = Viewport{Width: 1920, Height: 1080}
	Mobile  = Viewport{Width: 375, Height: 812, Mobile: true}
)

// Viewport is a device emulation size.
type Viewport struct {
	Width  int
	Height int
	Mobile bool
}

// Session is one browser tab. Sessions are not safe for concurrent use.
type Session interface {
	SetViewport(ctx context.Context, vp Viewport) error
	// Navigate loads url and waits for the load event, bounded by timeout.
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	// Screenshot writes a PNG to path. fullPage captures beyond the viewport.
	Screenshot(ctx context.Context, path string, fullPage bool) error
	HTML(ctx context.Context) (string, error)
	ScrollHeight(ctx context.Context) (int, error)
	ScrollTo(ctx context.Context, y int) error
	// Evaluate runs a JavaScript expression and decodes its JSON result into out.
	Evaluate(ctx context.Context, expr string, out any) error
	Close() error
}

// ScreenshotCapability opens browser sessions.
type ScreenshotCapability interface {
	NewSession(ctx context.Context) (Session, error)
}

// IsHTTPURL reports whether s is an absolute http(s) URL with a host.
func IsHTTPURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
