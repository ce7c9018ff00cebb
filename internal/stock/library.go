package stock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"sitebuilder/internal/cache"
	"sitebuilder/internal/logging"
	"sitebuilder/internal/metrics"
)

// LibraryDir is where downloaded stock photos go, relative to the project.
const (
	LibraryDir     = "public/images/library"
	LibraryWebPath = "/images/library/"
)

// Library searches the providers in order, the later ones filling the
// shortfall of the earlier ones.
type Library struct {
	providers []Provider
	cache     *cache.Cache
	client    *http.Client
	log       *zap.Logger
}

// NewLibrary creates a library. Providers are tried in order; c may be nil.
func NewLibrary(providers []Provider, c *cache.Cache, log *zap.Logger) *Library {
	return &Library{
		providers: providers,
		cache:     c,
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       logging.OrNop(log).With(zap.String("component", "stock")),
	}
}

// Search returns up to count photos for keywords. Provider failures are
// logged and skipped.
func (l *Library) Search(ctx context.Context, keywords string, count int) []Photo {
	if count <= 0 {
		count = 5
	}
	var photos []Photo
	for _, p := range l.providers {
		need := count - len(photos)
		if need <= 0 {
			break
		}
		found, err := l.searchProvider(ctx, p, keywords, need)
		if err != nil {
			l.log.Warn("stock search failed", zap.String("provider", p.Name()), zap.Error(err))
			continue
		}
		if len(found) > need {
			found = found[:need]
		}
		photos = append(photos, found...)
	}
	l.log.Info("stock search", zap.String("keywords", keywords), zap.Int("found", len(photos)))
	return photos
}

func (l *Library) searchProvider(ctx context.Context, p Provider, keywords string, count int) ([]Photo, error) {
	key := cache.StockSearchKey(p.Name(), keywords, count)
	if l.cache != nil {
		var cached []Photo
		if err := l.cache.GetJSON(ctx, key, &cached); err == nil {
			metrics.Get().RecordStockSearch(p.Name(), "cached")
			return cached, nil
		}
	}

	photos, err := p.Search(ctx, keywords, count)
	switch {
	case errors.Is(err, ErrRateLimited):
		metrics.Get().RecordStockSearch(p.Name(), "rate_limited")
		return nil, err
	case err != nil:
		metrics.Get().RecordStockSearch(p.Name(), "error")
		return nil, err
	}
	metrics.Get().RecordStockSearch(p.Name(), "ok")

	if l.cache != nil && len(photos) > 0 {
		if err := l.cache.SetJSON(ctx, key, photos, 0); err != nil {
			l.log.Debug("cache stock search", zap.Error(err))
		}
	}
	return photos, nil
}

// FetchOptions tunes FetchForSite.
type FetchOptions struct {
	Count    int
	Category string
}

// Downloaded is a stock photo saved into the project.
type Downloaded struct {
	Photo
	Filename  string `json:"filename"`
	LocalPath string `json:"localPath"`
}

// FetchResult lists what FetchForSite saved.
type FetchResult struct {
	Images       []Downloaded  `json:"images"`
	Attributions []Attribution `json:"attributions"`
}

// FetchForSite searches keywords and downloads the results as
// <category>-N.jpg under the project's library dir, then writes the
// attribution files next to them.
func (l *Library) FetchForSite(ctx context.Context, keywords, outputDir string, opts FetchOptions) (*FetchResult, error) {
	if opts.Count <= 0 {
		opts.Count = 5
	}
	if opts.Category == "" {
		opts.Category = "general"
	}
	dir := filepath.Join(outputDir, filepath.FromSlash(LibraryDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create library dir: %w", err)
	}

	res := &FetchResult{Images: []Downloaded{}, Attributions: []Attribution{}}
	photos := l.Search(ctx, keywords, opts.Count)
	if len(photos) == 0 {
		l.log.Warn("no stock images found", zap.String("keywords", keywords))
		return res, nil
	}

	for i, p := range photos {
		name := fmt.Sprintf("%s-%d.jpg", opts.Category, i+1)
		err := l.download(ctx, p.URL, filepath.Join(dir, name))
		metrics.Get().RecordImageDownload("stock", err == nil)
		if err != nil {
			l.log.Warn("stock download failed", zap.String("file", name), zap.Error(err))
			continue
		}
		res.Images = append(res.Images, Downloaded{Photo: p, Filename: name, LocalPath: LibraryWebPath + name})
	}

	attrs, err := SaveAttributions(res.Images, dir)
	if err != nil {
		return res, err
	}
	res.Attributions = attrs
	return res, nil
}

func (l *Library) download(ctx context.Context, src, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return err
	}
	return f.Close()
}

// Configured reports whether at least one provider is set up.
func (l *Library) Configured() bool {
	return l != nil && len(l.providers) > 0
}
