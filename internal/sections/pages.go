package sections

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// PagesDir holds the page templates of a generated project.
const PagesDir = "src/pages"

// HideComponent comments out every use of component in the page templates
// under projectDir: each element is wrapped in a JSX comment, then the import
// line gets a // prefix. A page whose elements cannot be delimited is left
// untouched and reported as an error. It returns the pages that changed.
func HideComponent(projectDir, component string) ([]string, error) {
	pagesDir := filepath.Join(projectDir, filepath.FromSlash(PagesDir))
	if _, err := os.Stat(pagesDir); os.IsNotExist(err) {
		return nil, nil
	}

	matches, err := doublestar.Glob(os.DirFS(pagesDir), "**/*.astro")
	if err != nil {
		return nil, fmt.Errorf("glob pages: %w", err)
	}

	h := newHider(component)
	var changed []string
	for _, rel := range matches {
		path := filepath.Join(pagesDir, filepath.FromSlash(rel))
		data, err := os.ReadFile(path)
		if err != nil {
			return changed, fmt.Errorf("read page %s: %w", rel, err)
		}
		out, err := h.page(string(data))
		if err != nil {
			return changed, fmt.Errorf("hide %s in page %s: %w", h.name, rel, err)
		}
		if out == string(data) {
			continue
		}
		if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
			return changed, fmt.Errorf("write page %s: %w", rel, err)
		}
		changed = append(changed, rel)
	}
	return changed, nil
}

// hider comments out one component. Props may hold arbitrary expressions,
// so tags are delimited by scanning with brace depth and quotes tracked.
type hider struct {
	name     string
	open     string
	importRe *regexp.Regexp
	closeRe  *regexp.Regexp
}

func newHider(component string) *hider {
	name := strings.TrimSuffix(component, filepath.Ext(component))
	q := regexp.QuoteMeta(name)
	return &hider{
		name:     name,
		open:     "<" + name,
		importRe: regexp.MustCompile(`(?m)^([ \t]*)(import\s+` + q + `\s+from\s+['"][^'"]*` + regexp.QuoteMeta(component) + `['"];?)`),
		closeRe:  regexp.MustCompile(`</` + q + `\s*>`),
	}
}

func (h *hider) page(src string) (string, error) {
	var b strings.Builder
	pos := 0
	for {
		start := h.nextTag(src, pos)
		if start < 0 {
			b.WriteString(src[pos:])
			break
		}
		end, err := h.elementEnd(src, start)
		if err != nil {
			return "", err
		}
		b.WriteString(src[pos:start])
		if commented(src, start) {
			b.WriteString(src[start:end])
		} else {
			b.WriteString("{/* ")
			b.WriteString(src[start:end])
			b.WriteString(" */}")
		}
		pos = end
	}
	return h.importRe.ReplaceAllString(b.String(), "$1// $2"), nil
}

// nextTag finds the next opening tag of the component at or after pos.
// Longer names sharing the prefix do not count.
func (h *hider) nextTag(src string, pos int) int {
	for pos < len(src) {
		i := strings.Index(src[pos:], h.open)
		if i < 0 {
			return -1
		}
		i += pos
		k := i + len(h.open)
		if k == len(src) || strings.IndexByte(" \t\r\n/>", src[k]) >= 0 {
			return i
		}
		pos = k
	}
	return -1
}

// elementEnd returns the offset just past the element opened at start.
func (h *hider) elementEnd(src string, start int) (int, error) {
	end, selfClosing, err := tagEnd(src, start+len(h.open))
	if err != nil {
		return 0, err
	}
	if selfClosing {
		return end, nil
	}
	loc := h.closeRe.FindStringIndex(src[end:])
	if loc == nil {
		return 0, fmt.Errorf("no closing </%s> after offset %d", h.name, start)
	}
	return end + loc[1], nil
}

// tagEnd scans the attributes of a tag from i to its closing > or />.
func tagEnd(src string, i int) (int, bool, error) {
	depth := 0
	for ; i < len(src); i++ {
		switch c := src[i]; {
		case c == '"' || c == '\'' || c == '`':
			j := closingQuote(src, i)
			if j < 0 {
				return 0, false, fmt.Errorf("unterminated string at offset %d", i)
			}
			i = j
		case c == '{':
			depth++
		case c == '}':
			if depth > 0 {
				depth--
			}
		case depth == 0 && c == '/' && i+1 < len(src) && src[i+1] == '>':
			return i + 2, true, nil
		case depth == 0 && c == '>':
			return i + 1, false, nil
		}
	}
	return 0, false, errors.New("unterminated tag")
}

func closingQuote(src string, i int) int {
	q := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case q:
			return j
		}
	}
	return -1
}

func commented(src string, at int) bool {
	prefix := strings.TrimRight(src[:at], " \t")
	return strings.HasSuffix(prefix, "{/*")
}
