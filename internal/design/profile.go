package design

import (
	"strings"

	"sitebuilder/internal/config"
)

// Fallback colors used when nothing better is known.
const (
	DefaultPrimary   = "#3b82f6"
	DefaultSecondary = "#8b5cf6"
	DefaultRadius    = "0.5rem"
	DefaultFont      = "font-sans"
)

type Colors struct {
	Primary    string `json:"primary"`
	Secondary  string `json:"secondary"`
	Background string `json:"background,omitempty"`
	Text       string `json:"text,omitempty"`
	Accent     string `json:"accent,omitempty"`
}

type Style struct {
	Type string `json:"type"`
	Mood string `json:"mood"`
}

type UI struct {
	BorderRadius string `json:"borderRadius"`
	Shadows      string `json:"shadows"`
	Spacing      string `json:"spacing,omitempty"`
	FontStyle    string `json:"fontStyle,omitempty"`
}

// Tailwind holds the values substituted into the site's Tailwind config.
type Tailwind struct {
	PrimaryColor   string `json:"primaryColor"`
	SecondaryColor string `json:"secondaryColor"`
	BorderRadius   string `json:"borderRadius"`
	FontFamily     string `json:"fontFamily"`
}

// Config is the design system extracted by the agent from screenshots
// (design-config.json).
type Config struct {
	Colors   Colors    `json:"colors"`
	Style    Style     `json:"style"`
	UI       UI        `json:"ui"`
	Industry *Industry `json:"industry,omitempty"`
	Sections *Sections `json:"sections,omitempty"`
	Tailwind *Tailwind `json:"tailwind,omitempty"`
	Notes    string    `json:"notes,omitempty"`
}

// Profile is the result of design analysis. Config is nil when the agent
// produced nothing usable; the heuristic signals are always present.
type Profile struct {
	Config      *Config  `json:"config"`
	Industry    Industry `json:"industry"`
	Sections    Sections `json:"sections"`
	Tailwind    Tailwind `json:"tailwind"`
	Screenshots []string `json:"screenshots,omitempty"`
	// Source is "analysis" or "fallback".
	Source string `json:"source"`
}

// Effective returns the agent design when present, else the palette of the
// detected industry, else the generic defaults.
func (p *Profile) Effective(rules *config.Rules) Config {
	if p != nil && p.Config != nil {
		cfg := *p.Config
		if cfg.Colors.Primary == "" {
			cfg.Colors.Primary = DefaultPrimary
		}
		if cfg.Colors.Secondary == "" {
			cfg.Colors.Secondary = DefaultSecondary
		}
		return cfg
	}
	industry := DefaultIndustry
	if p != nil {
		industry = p.Industry.Detected
	}
	return paletteConfig(industry, rules)
}

// Fallback builds a profile without a source site, from the industry
// detected in the client's own description.
func Fallback(industry Industry, rules *config.Rules) *Profile {
	cfg := paletteConfig(industry.Detected, rules)
	return &Profile{
		Config:   &cfg,
		Industry: industry,
		Tailwind: TailwindFor(&cfg),
		Source:   "fallback",
	}
}

func paletteConfig(industry string, rules *config.Rules) Config {
	cfg := Config{
		Colors: Colors{Primary: DefaultPrimary, Secondary: DefaultSecondary},
		Style:  Style{Type: "modern", Mood: "professional"},
		UI:     UI{BorderRadius: "medium", Shadows: "subtle", Spacing: "normal", FontStyle: "sans"},
	}
	if rules == nil {
		return cfg
	}
	ind, ok := rules.Industry(industry)
	if !ok {
		return cfg
	}
	p := ind.Palette
	cfg.Colors = Colors{
		Primary:    orDefault(p.Primary, DefaultPrimary),
		Secondary:  orDefault(p.Secondary, DefaultSecondary),
		Background: p.Background,
		Text:       p.Text,
		Accent:     p.Accent,
	}
	cfg.Style = Style{Type: orDefault(p.Style, "modern"), Mood: orDefault(p.Mood, "professional")}
	return cfg
}

var radiusMap = map[string]string{
	"none":   "0",
	"small":  "0.25rem",
	"medium": "0.5rem",
	"large":  "1rem",
	"full":   "9999px",
}

// TailwindFor maps a design config to Tailwind values. A nil config gives
// the defaults.
func TailwindFor(cfg *Config) Tailwind {
	if cfg == nil {
		return Tailwind{
			PrimaryColor:   DefaultPrimary,
			SecondaryColor: DefaultSecondary,
			BorderRadius:   DefaultRadius,
			FontFamily:     DefaultFont,
		}
	}
	radius, ok := radiusMap[strings.ToLower(cfg.UI.BorderRadius)]
	if !ok {
		radius = DefaultRadius
	}
	font := DefaultFont
	if cfg.UI.FontStyle != "" {
		font = "font-" + strings.ToLower(cfg.UI.FontStyle)
	}
	return Tailwind{
		PrimaryColor:   orDefault(cfg.Colors.Primary, DefaultPrimary),
		SecondaryColor: orDefault(cfg.Colors.Secondary, DefaultSecondary),
		BorderRadius:   radius,
		FontFamily:     font,
	}
}

// merge folds the DOM heuristics into the agent output. The agent wins
// unless it omitted a signal or was less confident.
func merge(cfg *Config, industry Industry, sections Sections) (Industry, Sections) {
	if cfg == nil {
		return industry, sections
	}

	outIndustry := industry
	if cfg.Industry != nil && cfg.Industry.Detected != "" && cfg.Industry.Confidence >= industry.Confidence {
		outIndustry = *cfg.Industry
	}

	outSections := sections
	if cfg.Sections != nil && cfg.Sections.HasPricing != nil {
		outSections.HasPricing = cfg.Sections.HasPricing
		outSections.PricingType = cfg.Sections.PricingType
		if outSections.PricingType == "" {
			outSections.PricingType = sections.PricingType
		}
		if *outSections.HasPricing && (outSections.PricingType == "" || outSections.PricingType == PricingNone) {
			outSections.PricingType = PricingSimple
		}
	}
	return outIndustry, outSections
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
