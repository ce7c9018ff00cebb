package stock

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
)

// PlaceholderDir holds generated placeholder images, relative to the project.
const PlaceholderDir = "public/images/placeholders"

// Placeholder describes one generated image. Zero sizes default to 800x600.
type Placeholder struct {
	Name   string
	Text   string
	Width  int
	Height int
}

// PlaceholderSVG renders a neutral gray image with a centered label.
func PlaceholderSVG(text string, width, height int) string {
	if width <= 0 {
		width = 800
	}
	if height <= 0 {
		height = 600
	}
	if text == "" {
		text = "Image"
	}
	return fmt.Sprintf(`<svg width="%d" height="%d" xmlns="http://www.w3.org/2000/svg">
  <rect width="100%%" height="100%%" fill="#f3f4f6"/>
  <rect x="10%%" y="10%%" width="80%%" height="80%%" fill="#e5e7eb" rx="8"/>
  <text x="50%%" y="50%%" font-family="system-ui, sans-serif" font-size="24" fill="#9ca3af" text-anchor="middle" dominant-baseline="middle">%s</text>
</svg>`, width, height, html.EscapeString(text))
}

// CreatePlaceholders writes one <name>.svg per placeholder and returns
// their web paths.
func CreatePlaceholders(outputDir string, placeholders []Placeholder) ([]string, error) {
	dir := filepath.Join(outputDir, filepath.FromSlash(PlaceholderDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(placeholders))
	for _, p := range placeholders {
		svg := PlaceholderSVG(p.Text, p.Width, p.Height)
		if err := os.WriteFile(filepath.Join(dir, p.Name+".svg"), []byte(svg), 0o644); err != nil {
			return paths, err
		}
		paths = append(paths, "/images/placeholders/"+p.Name+".svg")
	}
	return paths, nil
}

// DefaultPlaceholders covers the images a generated page refers to.
func DefaultPlaceholders(business string) []Placeholder {
	return []Placeholder{
		{Name: "hero", Text: business, Width: 1920, Height: 1080},
		{Name: "service-1", Text: "Service 1"},
		{Name: "service-2", Text: "Service 2"},
		{Name: "service-3", Text: "Service 3"},
		{Name: "about", Text: business},
	}
}
