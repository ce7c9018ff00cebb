package media

import (
	_ "embed"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
)

// Ordered candidate selectors. The first selector that yields something wins.
var (
	LogoSelectors = []string{
		`header img[src*="logo"]`,
		`header img[alt*="logo"]`,
		`header img[class*="logo"]`,
		`img[id*="logo"]`,
		`img[class*="logo"]`,
		`.logo img`,
		`#logo img`,
		`[class*="brand"] img`,
		`nav img:first-of-type`,
		`header a:first-of-type img`,
		`header svg`,
		`.logo svg`,
		`a[href="/"] img`,
		`a[href="./"] img`,
	}
	HeroSelectors = []string{
		`[class*="hero"] img`,
		`[id*="hero"] img`,
		`section:first-of-type img`,
		`main img:first-of-type`,
		`.banner img`,
		`[class*="banner"] img`,
		`[class*="jumbotron"] img`,
	}
	BackgroundSelectors = []string{
		`[class*="hero"]`,
		`[id*="hero"]`,
		`section:first-of-type`,
	}
)

//go:embed scan.js
var scanSource string

// scanScript is evaluated once in the loaded page.
var scanScript = strings.NewReplacer(
	"LOGO_SELECTORS", jsonList(LogoSelectors),
	"HERO_SELECTORS", jsonList(HeroSelectors),
	"BACKGROUND_SELECTORS", jsonList(BackgroundSelectors),
).Replace(scanSource)

func jsonList(v []string) string {
	data, _ := json.Marshal(v)
	return string(data)
}

// PageScan is what the page script reports. Each selector list keeps its order.
type PageScan struct {
	Logos       []LogoCandidate  `json:"logos"`
	HeroImages  []ImageCandidate `json:"heroImages"`
	Backgrounds []Background     `json:"backgrounds"`
	Images      []ImageCandidate `json:"images"`
}

type LogoCandidate struct {
	Selector string `json:"selector"`
	SVG      string `json:"svg,omitempty"`
	Src      string `json:"src,omitempty"`
}

type ImageCandidate struct {
	Selector string `json:"selector,omitempty"`
	Src      string `json:"src"`
	Alt      string `json:"alt,omitempty"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type Background struct {
	Selector string `json:"selector"`
	CSS      string `json:"css,omitempty"`
}

// SelectLogo returns the first candidate carrying inline SVG or an image src.
func SelectLogo(cands []LogoCandidate) (LogoCandidate, bool) {
	for _, c := range cands {
		if c.SVG != "" || usableSrc(c.Src) {
			return c, true
		}
	}
	return LogoCandidate{}, false
}

var bgURLRe = regexp.MustCompile(`url\(\s*['"]?([^'")]+)['"]?\s*\)`)

// SelectHero returns the first hero image rendered larger than 200 wide or
// 100 high, else the first background image url.
func SelectHero(imgs []ImageCandidate, bgs []Background) (string, bool) {
	for _, img := range imgs {
		if usableSrc(img.Src) && (img.Width > 200 || img.Height > 100) {
			return img.Src, true
		}
	}
	for _, bg := range bgs {
		m := bgURLRe.FindStringSubmatch(bg.CSS)
		if m != nil && usableSrc(m[1]) {
			return m[1], true
		}
	}
	return "", false
}

// SignificantImages keeps images rendered larger than 100 in either
// dimension, at most 10.
func SignificantImages(imgs []ImageCandidate) []ImageCandidate {
	var out []ImageCandidate
	for _, img := range imgs {
		if !usableSrc(img.Src) || (img.Width <= 100 && img.Height <= 100) {
			continue
		}
		out = append(out, img)
		if len(out) == 10 {
			break
		}
	}
	return out
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".svg": true, ".avif": true,
}

// Ext returns the lowercase extension of the url path when it is a known
// image extension, else def.
func Ext(rawURL, def string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return def
	}
	p := strings.ToLower(u.Path)
	if i := strings.LastIndex(p, "."); i >= 0 && !strings.Contains(p[i:], "/") {
		if ext := p[i:]; imageExts[ext] {
			return ext
		}
	}
	return def
}

// usableSrc rejects empty and inline data sources.
func usableSrc(src string) bool {
	return src != "" && !strings.HasPrefix(src, "data:")
}
