package validation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"sitebuilder/internal/browser"
	"sitebuilder/internal/logging"
)

// ScreenshotsDir holds the validation screenshots of a project.
const ScreenshotsDir = "validation-screenshots"

// ErrNoBrowser is returned when no screenshot capability is configured.
var ErrNoBrowser = errors.New("no screenshot capability configured")

// Screenshot is one captured viewport-sized slice of the page.
type Screenshot struct {
	Path     string `json:"path"`
	Viewport string `json:"viewport"`
	Section  int    `json:"section"`
}

// Capturer scrolls through a page and screenshots it slice by slice.
type Capturer struct {
	browser browser.ScreenshotCapability
	log     *zap.Logger

	NavTimeout        time.Duration
	DesktopSettle     time.Duration
	MobileSettle      time.Duration
	ScrollDelay       time.Duration
	MaxMobileSections int
}

func NewCapturer(capability browser.ScreenshotCapability, log *zap.Logger) *Capturer {
	return &Capturer{
		browser:           capability,
		log:               logging.OrNop(log).With(zap.String("component", "validation")),
		NavTimeout:        30 * time.Second,
		DesktopSettle:     2 * time.Second,
		MobileSettle:      1500 * time.Millisecond,
		ScrollDelay:       500 * time.Millisecond,
		MaxMobileSections: 5,
	}
}

// SectionCount is the number of viewport slices needed to cover a page.
func SectionCount(pageHeight, viewportHeight, limit int) int {
	if viewportHeight <= 0 {
		return 0
	}
	n := (pageHeight + viewportHeight - 1) / viewportHeight
	if n < 1 {
		n = 1
	}
	if limit > 0 && n > limit {
		n = limit
	}
	return n
}

// Capture screenshots the page at url on desktop then mobile. The previous
// screenshot set is removed first. Any browser error aborts the capture.
func (c *Capturer) Capture(ctx context.Context, url, projectDir string) ([]Screenshot, error) {
	if c.browser == nil {
		return nil, ErrNoBrowser
	}
	dir := filepath.Join(projectDir, ScreenshotsDir)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clear screenshots: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create screenshots dir: %w", err)
	}

	sess, err := c.browser.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open browser session: %w", err)
	}
	defer sess.Close()

	desktop, err := c.slices(ctx, sess, url, dir, "desktop", browser.Desktop, c.DesktopSettle, 0)
	if err != nil {
		return nil, err
	}
	mobile, err := c.slices(ctx, sess, url, dir, "mobile", browser.Mobile, c.MobileSettle, c.MaxMobileSections)
	if err != nil {
		return nil, err
	}
	shots := append(desktop, mobile...)
	c.log.Info("validation screenshots captured", zap.Int("desktop", len(desktop)), zap.Int("mobile", len(mobile)))
	return shots, nil
}

func (c *Capturer) slices(ctx context.Context, sess browser.Session, url, dir, name string, vp browser.Viewport, settle time.Duration, limit int) ([]Screenshot, error) {
	if err := sess.SetViewport(ctx, vp); err != nil {
		return nil, fmt.Errorf("%s viewport: %w", name, err)
	}
	if err := sess.Navigate(ctx, url, c.NavTimeout); err != nil {
		return nil, fmt.Errorf("%s navigation: %w", name, err)
	}
	if err := browser.Sleep(ctx, settle); err != nil {
		return nil, err
	}
	height, err := sess.ScrollHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s page height: %w", name, err)
	}

	n := SectionCount(height, vp.Height, limit)
	c.log.Debug("capturing page", zap.String("viewport", name), zap.Int("height", height), zap.Int("sections", n))
	shots := make([]Screenshot, 0, n)
	for i := 0; i < n; i++ {
		if err := sess.ScrollTo(ctx, i*vp.Height); err != nil {
			return nil, fmt.Errorf("%s scroll: %w", name, err)
		}
		if err := browser.Sleep(ctx, c.ScrollDelay); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, fmt.Sprintf("%s-section-%d.png", name, i+1))
		if err := sess.Screenshot(ctx, path, false); err != nil {
			return nil, fmt.Errorf("%s screenshot %d: %w", name, i+1, err)
		}
		shots = append(shots, Screenshot{Path: path, Viewport: name, Section: i + 1})
	}
	return shots, nil
}
