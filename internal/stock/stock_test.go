package stock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitebuilder/internal/cache"
)

type fakeAPI struct {
	srv      *httptest.Server
	requests atomic.Int32
	status   atomic.Int32
	results  int
	lastAuth atomic.Value
}

func newUnsplashAPI(t *testing.T, results int) *fakeAPI {
	f := &fakeAPI{results: results}
	f.status.Store(http.StatusOK)
	mux := http.NewServeMux()
	mux.HandleFunc("/search/photos", func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		f.lastAuth.Store(r.Header.Get("Authorization"))
		if st := int(f.status.Load()); st != http.StatusOK {
			w.WriteHeader(st)
			return
		}
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
		n := min(perPage, f.results)
		var items []map[string]any
		for i := 0; i < n; i++ {
			items = append(items, map[string]any{
				"id": fmt.Sprintf("u%d", i), "width": 4000, "height": 3000, "alt_description": "",
				"urls":  map[string]string{"regular": f.srv.URL + "/img/u" + strconv.Itoa(i), "thumb": "t"},
				"links": map[string]string{"html": "https://unsplash.com/photos/u" + strconv.Itoa(i)},
				"user":  map[string]any{"name": "Ana", "links": map[string]string{"html": "https://unsplash.com/@ana"}},
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"results": items})
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg"))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newPexelsAPI(t *testing.T, results int) *fakeAPI {
	f := &fakeAPI{results: results}
	f.status.Store(http.StatusOK)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		f.lastAuth.Store(r.Header.Get("Authorization"))
		if st := int(f.status.Load()); st != http.StatusOK {
			w.WriteHeader(st)
			return
		}
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
		n := min(perPage, f.results)
		var items []map[string]any
		for i := 0; i < n; i++ {
			items = append(items, map[string]any{
				"id": 100 + i, "width": 3000, "height": 2000, "url": "https://pexels.com/photo/" + strconv.Itoa(i),
				"alt": "bread", "photographer": "Bo", "photographer_url": "https://pexels.com/@bo",
				"src": map[string]string{"large": f.srv.URL + "/img/p" + strconv.Itoa(i), "tiny": "t"},
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"photos": items})
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/img/p1" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("jpeg"))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func TestUnsplashSearch(t *testing.T) {
	api := newUnsplashAPI(t, 3)
	u := NewUnsplash("key-1", nil).WithBaseURL(api.srv.URL)

	photos, err := u.Search(context.Background(), "boulangerie", 2)
	require.NoError(t, err)
	require.Len(t, photos, 2)
	assert.Equal(t, "Client-ID key-1", api.lastAuth.Load())
	assert.Equal(t, "unsplash", photos[0].Source)
	assert.Equal(t, "boulangerie", photos[0].AltDescription)
	assert.Equal(t, "Ana", photos[0].Photographer)

	api.status.Store(http.StatusForbidden)
	_, err = u.Search(context.Background(), "boulangerie", 2)
	assert.ErrorIs(t, err, ErrRateLimited)

	api.status.Store(http.StatusInternalServerError)
	_, err = u.Search(context.Background(), "boulangerie", 2)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 500, apiErr.StatusCode)
}

func TestPexelsSearch(t *testing.T) {
	api := newPexelsAPI(t, 5)
	p := NewPexels("pk", nil).WithBaseURL(api.srv.URL)

	photos, err := p.Search(context.Background(), "pain", 3)
	require.NoError(t, err)
	require.Len(t, photos, 3)
	assert.Equal(t, "pk", api.lastAuth.Load())
	assert.Equal(t, "100", photos[0].ID)
	assert.Equal(t, "bread", photos[0].AltDescription)

	api.status.Store(http.StatusTooManyRequests)
	_, err = p.Search(context.Background(), "pain", 3)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestProviderWithoutKey(t *testing.T) {
	_, err := NewUnsplash("", nil).Search(context.Background(), "x", 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestLibraryFallbackFillsShortfall(t *testing.T) {
	un := newUnsplashAPI(t, 2)
	px := newPexelsAPI(t, 10)
	lib := NewLibrary([]Provider{
		NewUnsplash("u", nil).WithBaseURL(un.srv.URL),
		NewPexels("p", nil).WithBaseURL(px.srv.URL),
	}, nil, nil)

	photos := lib.Search(context.Background(), "boulangerie", 5)
	require.Len(t, photos, 5)
	assert.Equal(t, "unsplash", photos[0].Source)
	assert.Equal(t, "unsplash", photos[1].Source)
	assert.Equal(t, "pexels", photos[2].Source)
}

func TestLibraryPrimaryRateLimited(t *testing.T) {
	un := newUnsplashAPI(t, 5)
	un.status.Store(http.StatusForbidden)
	px := newPexelsAPI(t, 5)
	lib := NewLibrary([]Provider{
		NewUnsplash("u", nil).WithBaseURL(un.srv.URL),
		NewPexels("p", nil).WithBaseURL(px.srv.URL),
	}, nil, nil)

	photos := lib.Search(context.Background(), "coiffure", 4)
	require.Len(t, photos, 4)
	for _, p := range photos {
		assert.Equal(t, "pexels", p.Source)
	}
}

func TestLibraryCachesSearches(t *testing.T) {
	un := newUnsplashAPI(t, 5)
	c := cache.New(cache.DefaultConfig(), nil)
	defer c.Close()
	lib := NewLibrary([]Provider{NewUnsplash("u", nil).WithBaseURL(un.srv.URL)}, c, nil)

	first := lib.Search(context.Background(), "yoga", 3)
	second := lib.Search(context.Background(), "Yoga ", 3)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), un.requests.Load())
}

func TestFetchForSite(t *testing.T) {
	px := newPexelsAPI(t, 3)
	lib := NewLibrary([]Provider{NewPexels("p", nil).WithBaseURL(px.srv.URL)}, nil, nil)
	dir := t.TempDir()

	res, err := lib.FetchForSite(context.Background(), "boulangerie", dir, FetchOptions{Count: 3, Category: "hero"})
	require.NoError(t, err)

	// the second download answers 404 and is skipped
	require.Len(t, res.Images, 2)
	assert.Equal(t, "hero-1.jpg", res.Images[0].Filename)
	assert.Equal(t, "/images/library/hero-3.jpg", res.Images[1].LocalPath)
	require.Len(t, res.Attributions, 2)
	assert.Equal(t, "Pexels License", res.Attributions[0].License)

	lib1 := filepath.Join(dir, "public", "images", "library")
	assert.FileExists(t, filepath.Join(lib1, "hero-1.jpg"))
	assert.NoFileExists(t, filepath.Join(lib1, "hero-2.jpg"))
	md, err := os.ReadFile(filepath.Join(lib1, CreditsMarkdown))
	require.NoError(t, err)
	assert.Contains(t, string(md), "- **hero-1.jpg**: Photo by [Bo](https://pexels.com/@bo) on [Pexels]")

	var credits []Attribution
	data, err := os.ReadFile(filepath.Join(lib1, CreditsJSON))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &credits))
	assert.Len(t, credits, 2)
}

func TestFetchForSiteNoResults(t *testing.T) {
	lib := NewLibrary(nil, nil, nil)
	assert.False(t, lib.Configured())

	res, err := lib.FetchForSite(context.Background(), "x", t.TempDir(), FetchOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Images)
}

func TestPlaceholders(t *testing.T) {
	svg := PlaceholderSVG("Café <Lyon>", 0, 0)
	assert.Contains(t, svg, `width="800" height="600"`)
	assert.Contains(t, svg, `fill="#f3f4f6"`)
	assert.Contains(t, svg, "Café &lt;Lyon&gt;")

	dir := t.TempDir()
	paths, err := CreatePlaceholders(dir, DefaultPlaceholders("Maison Dupont"))
	require.NoError(t, err)
	assert.Len(t, paths, 5)
	assert.Equal(t, "/images/placeholders/hero.svg", paths[0])
	assert.FileExists(t, filepath.Join(dir, "public", "images", "placeholders", "about.svg"))
}
