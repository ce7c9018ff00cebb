// Package creative picks the visual style and per-section layout variants
// of a generated site.
package creative

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"sitebuilder/internal/agents"
	"sitebuilder/internal/config"
	"sitebuilder/internal/design"
	"sitebuilder/internal/logging"
)

const (
	// AgentName identifies the creative agent in the invocation log.
	AgentName = "creative-direction"
	// DirectionFile is written by the agent in the project directory.
	DirectionFile = "creative-direction.json"
	// TokensFile is the optional design token catalogue of the template.
	TokensFile = "data/design-tokens.json"

	fallbackStyle = "modern"
)

//go:embed prompts/creative-direction.tmpl
var promptFS embed.FS

var promptTmpl = template.Must(template.New("creative-direction.tmpl").
	Funcs(template.FuncMap{"join": strings.Join}).
	ParseFS(promptFS, "prompts/creative-direction.tmpl"))

type Palette struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary"`
	Usage     string `json:"usage,omitempty"`
}

type Typography struct {
	Headings string `json:"headings,omitempty"`
	Body     string `json:"body,omitempty"`
}

type Effects struct {
	Recommended []string `json:"recommended,omitempty"`
	Avoid       []string `json:"avoid,omitempty"`
}

// Direction is the creative brief shared by every section agent.
type Direction struct {
	Style      string            `json:"style"`
	Direction  string            `json:"direction"`
	Palette    Palette           `json:"palette"`
	Typography Typography        `json:"typography"`
	Components map[string]string `json:"components,omitempty"`
	Effects    Effects           `json:"effects"`
	Variants   map[string]string `json:"variants"`

	// Fallback is set when the agent output was not usable.
	Fallback bool `json:"-"`
}

// Variant returns the layout variant chosen for section.
func (d Direction) Variant(section string) string {
	return d.Variants[section]
}

// Director runs the creative agent.
type Director struct {
	agent agents.Runner
	rules *config.Rules
	log   *zap.Logger
}

func NewDirector(agent agents.Runner, rules *config.Rules, log *zap.Logger) *Director {
	if rules == nil {
		rules = config.DefaultRules()
	}
	return &Director{
		agent: agent,
		rules: rules,
		log:   logging.OrNop(log).With(zap.String("component", "creative")),
	}
}

// Fallback is the direction used when the agent gives nothing usable.
func Fallback(rules *config.Rules, profile *design.Profile) Direction {
	if rules == nil {
		rules = config.DefaultRules()
	}
	eff := profile.Effective(rules)
	d := Direction{
		Style:     fallbackStyle,
		Direction: "Modern and professional style",
		Palette:   Palette{Primary: eff.Colors.Primary, Secondary: eff.Colors.Secondary},
		Variants:  make(map[string]string, len(rules.Sections)),
		Fallback:  true,
	}
	for _, s := range rules.Sections {
		if s.DefaultVariant != "" {
			d.Variants[s.Name] = s.DefaultVariant
		}
	}
	return d
}

// Choose never fails: an absent or unusable answer gives the fallback
// direction, and unknown variants are replaced section by section.
func (d *Director) Choose(ctx context.Context, profile *design.Profile, outputDir string) Direction {
	out := filepath.Join(outputDir, DirectionFile)
	if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.log.Warn("remove stale creative direction", zap.Error(err))
	}

	prompt, err := d.prompt(profile, outputDir, out)
	if err != nil {
		d.log.Error("render creative prompt", zap.Error(err))
		return Fallback(d.rules, profile)
	}
	if _, err := d.agent.Run(ctx, AgentName, prompt, outputDir); err != nil {
		d.log.Warn("creative agent failed", zap.Error(err))
	}

	dir, err := read(out)
	if err != nil {
		d.log.Warn("creative direction unavailable, using fallback", zap.Error(err))
		return Fallback(d.rules, profile)
	}
	if !d.rules.HasStyle(dir.Style) {
		d.log.Warn("unknown creative style, using fallback", zap.String("style", dir.Style))
		return Fallback(d.rules, profile)
	}
	d.normalize(&dir, profile)
	d.log.Info("creative direction chosen", zap.String("style", dir.Style), zap.Any("variants", dir.Variants))
	return dir
}

func (d *Director) normalize(dir *Direction, profile *design.Profile) {
	if dir.Variants == nil {
		dir.Variants = make(map[string]string)
	}
	for _, s := range d.rules.Sections {
		v, ok := dir.Variants[s.Name]
		if ok && contains(s.Variants, v) {
			continue
		}
		if ok {
			d.log.Warn("unknown variant replaced", zap.String("section", s.Name), zap.String("variant", v))
		}
		if s.DefaultVariant == "" {
			delete(dir.Variants, s.Name)
			continue
		}
		dir.Variants[s.Name] = s.DefaultVariant
	}
	eff := profile.Effective(d.rules)
	if dir.Palette.Primary == "" {
		dir.Palette.Primary = eff.Colors.Primary
	}
	if dir.Palette.Secondary == "" {
		dir.Palette.Secondary = eff.Colors.Secondary
	}
}

type promptData struct {
	Design     string
	Tokens     string
	Styles     []string
	Sections   []config.SectionRule
	Primary    string
	Secondary  string
	OutputFile string
}

func (d *Director) prompt(profile *design.Profile, outputDir, out string) (string, error) {
	eff := profile.Effective(d.rules)
	cfg, err := json.MarshalIndent(eff, "", "  ")
	if err != nil {
		return "", err
	}
	var tokens string
	if data, err := os.ReadFile(filepath.Join(outputDir, filepath.FromSlash(TokensFile))); err == nil {
		tokens = strings.TrimSpace(string(data))
	}
	var sections []config.SectionRule
	for _, s := range d.rules.Sections {
		if len(s.Variants) > 0 {
			sections = append(sections, s)
		}
	}

	var buf bytes.Buffer
	err = promptTmpl.Execute(&buf, promptData{
		Design:     string(cfg),
		Tokens:     tokens,
		Styles:     d.rules.Styles,
		Sections:   sections,
		Primary:    eff.Colors.Primary,
		Secondary:  eff.Colors.Secondary,
		OutputFile: out,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func read(path string) (Direction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Direction{}, err
	}
	var dir Direction
	if err := json.Unmarshal(data, &dir); err != nil {
		return Direction{}, fmt.Errorf("parse %s: %w", DirectionFile, err)
	}
	dir.Style = strings.ToLower(strings.TrimSpace(dir.Style))
	return dir, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
