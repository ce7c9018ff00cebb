package stock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Attribution files written next to the downloaded photos.
const (
	CreditsJSON     = "image-credits.json"
	CreditsMarkdown = "IMAGE-CREDITS.md"
)

type Attribution struct {
	Filename        string `json:"filename"`
	Photographer    string `json:"photographer"`
	PhotographerURL string `json:"photographerUrl"`
	Source          string `json:"source"`
	SourceURL       string `json:"sourceUrl"`
	License         string `json:"license"`
}

var providerLabels = map[string]string{"unsplash": "Unsplash", "pexels": "Pexels"}

// SaveAttributions writes the credits of images to dir in JSON and
// markdown form.
func SaveAttributions(images []Downloaded, dir string) ([]Attribution, error) {
	attrs := make([]Attribution, 0, len(images))
	for _, img := range images {
		attrs = append(attrs, Attribution{
			Filename:        img.Filename,
			Photographer:    img.Photographer,
			PhotographerURL: img.PhotographerURL,
			Source:          img.Source,
			SourceURL:       img.SourceURL,
			License:         label(img.Source) + " License",
		})
	}

	data, err := json.MarshalIndent(attrs, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, CreditsJSON), data, 0o644); err != nil {
		return nil, fmt.Errorf("write credits: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Image Credits\n\nThis site uses images from free stock photo services. Attribution:\n\n")
	for _, a := range attrs {
		fmt.Fprintf(&b, "- **%s**: Photo by [%s](%s) on [%s](%s)\n", a.Filename, a.Photographer, a.PhotographerURL, label(a.Source), a.SourceURL)
	}
	b.WriteString("\n## Licenses\n\n")
	b.WriteString("- Unsplash images are free to use under the [Unsplash License](https://unsplash.com/license)\n")
	b.WriteString("- Pexels images are free to use under the [Pexels License](https://www.pexels.com/license/)\n")
	if err := os.WriteFile(filepath.Join(dir, CreditsMarkdown), []byte(b.String()), 0o644); err != nil {
		return nil, fmt.Errorf("write credits: %w", err)
	}
	return attrs, nil
}

func label(source string) string {
	if l, ok := providerLabels[source]; ok {
		return l
	}
	return source
}
