package content

import (
	"fmt"
	"sort"
	"strings"
)

// The four documents of a content bundle, relative to the project.
const (
	DataDir        = "data"
	SiteFile       = "site.json"
	NavigationFile = "navigation.json"
	ContentFile    = "content.json"
	MediaFile      = "media.json"
)

// Files lists the bundle documents in the order they are checked.
var Files = []string{SiteFile, NavigationFile, ContentFile, MediaFile}

// DefaultLangs is used when site.json does not declare its languages.
var DefaultLangs = []string{"fr", "en"}

// MinItems is the minimum length of each content section's item list.
var MinItems = map[string]int{
	"services":     4,
	"testimonials": 3,
	"pricing":      3,
	"faq":          5,
}

var (
	requiredSiteKeys       = []string{"name", "defaultLang", "langs", "contact", "theme"}
	requiredNavigationKeys = []string{"header", "footer"}
	requiredMediaKeys      = []string{"logo", "hero"}
	requiredSections       = []string{"nav", "hero", "services", "testimonials", "pricing", "faq", "cta", "contact", "footer"}
)

// Violation is one structural defect of a bundle document.
type Violation struct {
	File    string `json:"file"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.File + ": " + v.Message
	}
	return v.File + ": " + v.Path + ": " + v.Message
}

// Validate checks the parsed bundle documents against the content contract:
// required keys, minimum item counts and that every localized object carries
// every language.
func Validate(b *Bundle) []Violation {
	var out []Violation
	add := func(file, path, format string, args ...any) {
		out = append(out, Violation{File: file, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	for _, k := range requiredSiteKeys {
		if _, ok := b.Site[k]; !ok {
			add(SiteFile, k, "missing required key")
		}
	}
	for _, k := range requiredNavigationKeys {
		if _, ok := b.Navigation[k]; !ok {
			add(NavigationFile, k, "missing required key")
		}
	}
	if header, ok := b.Navigation["header"].(map[string]any); ok {
		if _, ok := header["links"].([]any); !ok {
			add(NavigationFile, "header.links", "must be an array")
		}
	}
	for _, k := range requiredMediaKeys {
		if _, ok := b.Media[k]; !ok {
			add(MediaFile, k, "missing required key")
		}
	}

	langs := b.Langs()
	for _, name := range requiredSections {
		raw, ok := b.Content[name]
		if !ok {
			add(ContentFile, name, "missing section")
			continue
		}
		section, ok := raw.(map[string]any)
		if !ok {
			add(ContentFile, name, "must be an object")
			continue
		}
		for _, l := range langs {
			if _, ok := section[l].(map[string]any); !ok {
				add(ContentFile, name+"."+l, "missing localized block")
			}
		}
		if want, ok := MinItems[name]; ok {
			items, _ := section["items"].([]any)
			if len(items) < want {
				add(ContentFile, name+".items", "need at least %d items, got %d", want, len(items))
			}
		}
	}

	for _, doc := range []struct {
		file string
		v    map[string]any
	}{{ContentFile, b.Content}, {MediaFile, b.Media}} {
		walkLocalized(doc.v, "", langs, func(path string, missing []string) {
			add(doc.file, path, "missing languages %s", strings.Join(missing, ", "))
		})
	}
	return out
}

// walkLocalized reports every object that has at least one language key but
// not all of them.
func walkLocalized(v any, path string, langs []string, report func(path string, missing []string)) {
	switch t := v.(type) {
	case map[string]any:
		var present, missing []string
		for _, l := range langs {
			if _, ok := t[l]; ok {
				present = append(present, l)
			} else {
				missing = append(missing, l)
			}
		}
		if len(present) > 0 && len(missing) > 0 {
			report(path, missing)
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkLocalized(t[k], join(path, k), langs, report)
		}
	case []any:
		for i, item := range t {
			walkLocalized(item, fmt.Sprintf("%s[%d]", path, i), langs, report)
		}
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
