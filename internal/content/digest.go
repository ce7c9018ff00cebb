package content

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
)

const (
	maxPageBytes    = 2 << 20
	maxDigestRunes  = 6000
	digestUserAgent = "Mozilla/5.0 (compatible; sitebuilder/1.0)"
)

var blankLinesRe = regexp.MustCompile(`\n{3,}`)

// Digest is a compact text rendition of the client's current site, given to
// the content agent as reference material.
type Digest struct {
	Title       string
	Description string
	Markdown    string
}

// Digester fetches a page and converts its main content to markdown.
type Digester struct {
	client    *http.Client
	converter *md.Converter
}

// NewDigester creates a digester. client may be nil.
func NewDigester(client *http.Client) *Digester {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	return &Digester{client: client, converter: conv}
}

// Fetch downloads pageURL and digests it.
func (d *Digester) Fetch(ctx context.Context, pageURL string) (*Digest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", digestUserAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch source page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch source page: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read source page: %w", err)
	}
	return d.Convert(string(body))
}

// Convert digests an HTML document.
func (d *Digester) Convert(page string) (*Digest, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, err
	}

	dg := &Digest{
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Description: strings.TrimSpace(doc.Find(`meta[name="description"]`).AttrOr("content", "")),
	}

	doc.Find("script, style, noscript, iframe, svg, form, nav, footer").Remove()
	main := doc.Find("main, article, [role=main]").First()
	if main.Length() == 0 {
		main = doc.Find("body")
	}
	inner, err := goquery.OuterHtml(main)
	if err != nil {
		return nil, err
	}
	markdown, err := d.converter.ConvertString(inner)
	if err != nil {
		return nil, fmt.Errorf("convert to markdown: %w", err)
	}
	dg.Markdown = truncateRunes(strings.TrimSpace(blankLinesRe.ReplaceAllString(markdown, "\n\n")), maxDigestRunes)
	return dg, nil
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "\n..."
}
