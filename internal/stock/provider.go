// Package stock searches free stock photo providers and downloads the
// results with their attribution.
package stock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a provider refuses the request for quota
// reasons.
var ErrRateLimited = errors.New("provider rate limit reached")

// ErrNotConfigured is returned by providers without an API key.
var ErrNotConfigured = errors.New("provider api key not set")

// Photo is a provider result normalized across providers.
type Photo struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	Thumb           string `json:"thumb"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	Photographer    string `json:"photographer"`
	PhotographerURL string `json:"photographerUrl"`
	Source          string `json:"source"`
	SourceURL       string `json:"sourceUrl"`
	AltDescription  string `json:"altDescription"`
}

// Provider is one image search API.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, count int) ([]Photo, error)
}

// APIError is a non-success HTTP answer from a provider.
type APIError struct {
	Provider   string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error: HTTP %d", e.Provider, e.StatusCode)
}

type httpProvider struct {
	name    string
	key     string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPProvider(name, key, baseURL string, client *http.Client) httpProvider {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return httpProvider{
		name:    name,
		key:     key,
		baseURL: baseURL,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// getJSON waits for the limiter, performs the request and decodes a 200
// answer into out. limitedStatus maps to ErrRateLimited.
func (p *httpProvider) getJSON(ctx context.Context, path string, q url.Values, auth string, limitedStatus int, out any) error {
	if p.key == "" {
		return ErrNotConfigured
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", auth)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", p.name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == limitedStatus:
		return fmt.Errorf("%s: %w", p.name, ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		return &APIError{Provider: p.name, StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: invalid json response: %w", p.name, err)
	}
	return nil
}

// Unsplash is the primary provider.
type Unsplash struct {
	httpProvider
}

// NewUnsplash creates the Unsplash provider. client may be nil.
func NewUnsplash(accessKey string, client *http.Client) *Unsplash {
	return &Unsplash{newHTTPProvider("unsplash", accessKey, "https://api.unsplash.com", client)}
}

// WithBaseURL points the provider at another host.
func (u *Unsplash) WithBaseURL(base string) *Unsplash {
	u.baseURL = base
	return u
}

func (u *Unsplash) Name() string { return u.name }

type unsplashResponse struct {
	Results []struct {
		ID     string `json:"id"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
		Alt    string `json:"alt_description"`
		URLs   struct {
			Regular string `json:"regular"`
			Thumb   string `json:"thumb"`
		} `json:"urls"`
		Links struct {
			HTML string `json:"html"`
		} `json:"links"`
		User struct {
			Name  string `json:"name"`
			Links struct {
				HTML string `json:"html"`
			} `json:"links"`
		} `json:"user"`
	} `json:"results"`
}

// Search queries landscape photos. Unsplash answers 403 when the hourly
// quota is exhausted.
func (u *Unsplash) Search(ctx context.Context, query string, count int) ([]Photo, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("per_page", strconv.Itoa(count))
	q.Set("orientation", "landscape")

	var body unsplashResponse
	if err := u.getJSON(ctx, "/search/photos", q, "Client-ID "+u.key, http.StatusForbidden, &body); err != nil {
		return nil, err
	}
	photos := make([]Photo, 0, len(body.Results))
	for _, r := range body.Results {
		photos = append(photos, Photo{
			ID:              r.ID,
			URL:             r.URLs.Regular,
			Thumb:           r.URLs.Thumb,
			Width:           r.Width,
			Height:          r.Height,
			Photographer:    r.User.Name,
			PhotographerURL: r.User.Links.HTML,
			Source:          u.name,
			SourceURL:       r.Links.HTML,
			AltDescription:  orQuery(r.Alt, query),
		})
	}
	return photos, nil
}

// Pexels is the fallback provider.
type Pexels struct {
	httpProvider
}

// NewPexels creates the Pexels provider. client may be nil.
func NewPexels(apiKey string, client *http.Client) *Pexels {
	return &Pexels{newHTTPProvider("pexels", apiKey, "https://api.pexels.com", client)}
}

// WithBaseURL points the provider at another host.
func (p *Pexels) WithBaseURL(base string) *Pexels {
	p.baseURL = base
	return p
}

func (p *Pexels) Name() string { return p.name }

type pexelsResponse struct {
	Photos []struct {
		ID              int64  `json:"id"`
		Width           int    `json:"width"`
		Height          int    `json:"height"`
		URL             string `json:"url"`
		Alt             string `json:"alt"`
		Photographer    string `json:"photographer"`
		PhotographerURL string `json:"photographer_url"`
		Src             struct {
			Large string `json:"large"`
			Tiny  string `json:"tiny"`
		} `json:"src"`
	} `json:"photos"`
}

// Search queries landscape photos. Pexels answers 429 over quota.
func (p *Pexels) Search(ctx context.Context, query string, count int) ([]Photo, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("per_page", strconv.Itoa(count))
	q.Set("orientation", "landscape")

	var body pexelsResponse
	if err := p.getJSON(ctx, "/v1/search", q, p.key, http.StatusTooManyRequests, &body); err != nil {
		return nil, err
	}
	photos := make([]Photo, 0, len(body.Photos))
	for _, r := range body.Photos {
		photos = append(photos, Photo{
			ID:              strconv.FormatInt(r.ID, 10),
			URL:             r.Src.Large,
			Thumb:           r.Src.Tiny,
			Width:           r.Width,
			Height:          r.Height,
			Photographer:    r.Photographer,
			PhotographerURL: r.PhotographerURL,
			Source:          p.name,
			SourceURL:       r.URL,
			AltDescription:  orQuery(r.Alt, query),
		})
	}
	return photos, nil
}

func orQuery(alt, query string) string {
	if alt == "" {
		return query
	}
	return alt
}
