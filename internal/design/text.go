package design

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// VisibleText returns the text content of an HTML document, skipping
// scripts, styles and other non-rendered elements.
func VisibleText(doc string) string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return ""
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template", "svg", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				b.WriteString(t)
				b.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return strings.TrimSpace(b.String())
}

// normalize lowercases s and replaces every run of non letter/digit runes
// by a single space, with a leading and trailing space so that whole words
// can be matched with strings.Contains(" word ").
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

// containsTerm reports whether the normalized text holds term as whole words.
func containsTerm(normalized, term string) bool {
	t := strings.TrimSpace(normalize(term))
	if t == "" {
		return false
	}
	return strings.Contains(normalized, " "+t+" ")
}

func containsAny(normalized string, terms []string) bool {
	for _, t := range terms {
		if containsTerm(normalized, t) {
			return true
		}
	}
	return false
}
