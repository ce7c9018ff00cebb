// Package media pulls the logo, hero and significant images out of a live
// source site.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sitebuilder/internal/browser"
	"sitebuilder/internal/logging"
	"sitebuilder/internal/metrics"
)

// Output locations relative to the project directory.
const (
	ExtractedDir = "public/images/extracted"
	WebPrefix    = "/images/extracted/"
	ManifestFile = "manifest.json"
	maxExtras    = 5
)

// Result lists the web paths of the files written. Empty fields mean nothing
// was extracted.
type Result struct {
	Logo   string   `json:"logo"`
	Hero   string   `json:"hero"`
	Images []string `json:"images"`
}

// Empty reports whether nothing was extracted.
func (r Result) Empty() bool {
	return r.Logo == "" && r.Hero == "" && len(r.Images) == 0
}

// Extractor downloads media from a source site.
type Extractor struct {
	browser browser.ScreenshotCapability
	client  *http.Client
	log     *zap.Logger

	Settle     time.Duration
	NavTimeout time.Duration
}

// NewExtractor creates an extractor. A nil client gets the default download
// client; a nil capability disables extraction.
func NewExtractor(capability browser.ScreenshotCapability, client *http.Client, log *zap.Logger) *Extractor {
	if client == nil {
		client = NewHTTPClient()
	}
	return &Extractor{
		browser:    capability,
		client:     client,
		log:        logging.OrNop(log).With(zap.String("component", "media")),
		Settle:     2 * time.Second,
		NavTimeout: 30 * time.Second,
	}
}

// Extract writes the source site's media under outputDir and returns their
// web paths. Non-URL input returns an empty result without touching the
// network.
func (e *Extractor) Extract(ctx context.Context, sourceURL, outputDir string) Result {
	res := Result{Images: []string{}}
	if !browser.IsHTTPURL(sourceURL) {
		return res
	}
	if e.browser == nil {
		e.log.Warn("no browser capability configured, skipping media extraction")
		return res
	}

	dir := filepath.Join(outputDir, filepath.FromSlash(ExtractedDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.log.Warn("create media dir", zap.Error(err))
		return res
	}

	found, err := e.scan(ctx, sourceURL)
	if err != nil {
		e.log.Warn("media scan failed", zap.String("url", sourceURL), zap.Error(err))
	} else {
		res = e.collect(ctx, sourceURL, dir, found)
	}

	if err := writeManifest(filepath.Join(dir, ManifestFile), res); err != nil {
		e.log.Warn("write media manifest", zap.Error(err))
	}
	return res
}

func (e *Extractor) scan(ctx context.Context, sourceURL string) (*PageScan, error) {
	sess, err := e.browser.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if err := sess.SetViewport(ctx, browser.Desktop); err != nil {
		return nil, err
	}
	if err := sess.Navigate(ctx, sourceURL, e.NavTimeout); err != nil {
		return nil, err
	}
	if err := browser.Sleep(ctx, e.Settle); err != nil {
		return nil, err
	}
	var p PageScan
	if err := sess.Evaluate(ctx, scanScript, &p); err != nil {
		return nil, fmt.Errorf("evaluate page scan: %w", err)
	}
	return &p, nil
}

func (e *Extractor) collect(ctx context.Context, base, dir string, p *PageScan) Result {
	res := Result{Images: []string{}}

	var logoURL string
	if logo, ok := SelectLogo(p.Logos); ok {
		if logo.SVG != "" {
			if err := os.WriteFile(filepath.Join(dir, "logo.svg"), []byte(logo.SVG), 0o644); err != nil {
				e.log.Warn("write svg logo", zap.Error(err))
			} else {
				res.Logo = WebPrefix + "logo.svg"
				e.log.Info("logo extracted", zap.String("type", "svg"), zap.String("selector", logo.Selector))
			}
		} else {
			logoURL = resolve(base, logo.Src)
			name := "logo" + Ext(logoURL, ".png")
			if e.fetch(ctx, "logo", logoURL, filepath.Join(dir, name)) {
				res.Logo = WebPrefix + name
			}
		}
	} else {
		e.log.Info("no logo found")
	}

	heroURL, ok := SelectHero(p.HeroImages, p.Backgrounds)
	if ok {
		heroURL = resolve(base, heroURL)
		name := "hero" + Ext(heroURL, ".jpg")
		if e.fetch(ctx, "hero", heroURL, filepath.Join(dir, name)) {
			res.Hero = WebPrefix + name
		}
	} else {
		e.log.Info("no hero image found")
	}

	extras := SignificantImages(p.Images)
	if len(extras) > maxExtras {
		extras = extras[:maxExtras]
	}
	paths := make([]string, len(extras))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for i, img := range extras {
		src := resolve(base, img.Src)
		if src == heroURL || src == logoURL {
			continue
		}
		name := fmt.Sprintf("image-%d%s", i+1, Ext(src, ".jpg"))
		g.Go(func() error {
			if e.fetch(gctx, "extra", src, filepath.Join(dir, name)) {
				paths[i] = WebPrefix + name
			}
			return nil
		})
	}
	_ = g.Wait()
	for _, wp := range paths {
		if wp != "" {
			res.Images = append(res.Images, wp)
		}
	}
	if n := len(res.Images); n > 0 {
		e.log.Info("additional images downloaded", zap.Int("count", n))
	}
	return res
}

func (e *Extractor) fetch(ctx context.Context, origin, src, dest string) bool {
	err := Download(ctx, e.client, src, dest)
	metrics.Get().RecordImageDownload(origin, err == nil)
	if err != nil {
		e.log.Warn("image download skipped", zap.String("origin", origin), zap.Error(err))
		return false
	}
	e.log.Info("image downloaded", zap.String("origin", origin), zap.String("file", filepath.Base(dest)))
	return true
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func writeManifest(path string, res Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
