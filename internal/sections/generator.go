// Package sections generates the page section components of a site, one
// agent call per section, and guarantees that every section slot ends up
// with a renderable component.
package sections

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"sitebuilder/internal/agents"
	"sitebuilder/internal/config"
	"sitebuilder/internal/creative"
	"sitebuilder/internal/design"
	"sitebuilder/internal/logging"
)

// ComponentsDir is where section components are written.
const ComponentsDir = "src/components"

//go:embed defaults/*.astro
var defaultsFS embed.FS

// Outcome says how a section got its component.
type Outcome string

const (
	OutcomeGenerated Outcome = "generated"
	OutcomeFallback  Outcome = "fallback"
	OutcomeDefault   Outcome = "default"
	OutcomeExcluded  Outcome = "excluded"
)

// SectionResult is the result for one section.
type SectionResult struct {
	Name      string  `json:"name"`
	Component string  `json:"component"`
	Included  bool    `json:"included"`
	Required  bool    `json:"required"`
	Outcome   Outcome `json:"outcome"`
	Error     string  `json:"error,omitempty"`
}

// Report summarizes a generation pass.
type Report struct {
	Sections []SectionResult `json:"sections"`
	// HiddenIn lists the page templates edited to hide excluded sections.
	HiddenIn []string `json:"hiddenIn,omitempty"`
	// Missing lists components still absent after the pass.
	Missing []string `json:"missing,omitempty"`
}

// Result returns the entry for a section.
func (r *Report) Result(name string) (SectionResult, bool) {
	for _, s := range r.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return SectionResult{}, false
}

// Context is the live data handed to every section agent.
type Context struct {
	ProjectDir string
	Profile    *design.Profile
	Direction  creative.Direction
	Content    map[string]any
	// OnSection is called before each section with its 1-based index.
	OnSection func(i, total int, name string)
}

// MissingComponentsError is returned when a section still has no component
// file after generation.
type MissingComponentsError struct {
	Components []string
}

func (e *MissingComponentsError) Error() string {
	return "missing section components: " + strings.Join(e.Components, ", ")
}

// Generator runs the section agents.
type Generator struct {
	agent       agents.Runner
	rules       *config.Rules
	templateDir string
	promptsDir  string
	log         *zap.Logger
}

// NewGenerator creates a generator. templateDir provides the default
// components (embedded ones are used when it has none); promptsDir holds the
// <section>-agent.md prompts.
func NewGenerator(agent agents.Runner, rules *config.Rules, templateDir, promptsDir string, log *zap.Logger) *Generator {
	if rules == nil {
		rules = config.DefaultRules()
	}
	return &Generator{
		agent:       agent,
		rules:       rules,
		templateDir: templateDir,
		promptsDir:  promptsDir,
		log:         logging.OrNop(log).With(zap.String("component", "sections")),
	}
}

// Generate processes the sections in rule order, one at a time. Agent
// failures never fail the pass; only a fatal agent error or a component
// that could not be put in place is returned.
func (g *Generator) Generate(ctx context.Context, c Context) (*Report, error) {
	compDir := filepath.Join(c.ProjectDir, filepath.FromSlash(ComponentsDir))
	if err := os.MkdirAll(compDir, 0o755); err != nil {
		return nil, fmt.Errorf("create components dir: %w", err)
	}

	report := &Report{}
	total := len(g.rules.Sections)
	for i, rule := range g.rules.Sections {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if c.OnSection != nil {
			c.OnSection(i+1, total, rule.Name)
		}

		res, err := g.section(ctx, c, rule, compDir)
		if err != nil {
			return report, err
		}
		report.Sections = append(report.Sections, res)

		if !res.Included {
			pages, err := HideComponent(c.ProjectDir, rule.Component)
			if err != nil {
				g.log.Warn("hide excluded section", zap.String("section", rule.Name), zap.Error(err))
			}
			report.HiddenIn = append(report.HiddenIn, pages...)
		}
	}

	for _, name := range g.rules.StaticComponents {
		if err := g.copyDefault(name, compDir, false); err != nil {
			g.log.Warn("static component unavailable", zap.String("component_file", name), zap.Error(err))
		}
	}

	for _, rule := range g.rules.Sections {
		if !exists(filepath.Join(compDir, rule.Component)) {
			report.Missing = append(report.Missing, rule.Component)
		}
	}
	if len(report.Missing) > 0 {
		return report, &MissingComponentsError{Components: report.Missing}
	}
	return report, nil
}

func (g *Generator) section(ctx context.Context, c Context, rule config.SectionRule, compDir string) (SectionResult, error) {
	res := SectionResult{Name: rule.Name, Component: rule.Component, Included: Included(rule, c.Profile), Required: rule.Required}
	log := g.log.With(zap.String("section", rule.Name))

	if !res.Included {
		log.Info("section excluded")
		res.Outcome = OutcomeExcluded
		g.place(rule, compDir, &res)
		return res, nil
	}

	prompt, err := g.prompt(rule, c, compDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn("load section prompt", zap.Error(err))
		}
		res.Outcome = OutcomeDefault
		g.place(rule, compDir, &res)
		return res, nil
	}

	_, runErr := g.agent.Run(ctx, rule.Name, prompt, c.ProjectDir)
	if agents.IsFatal(runErr) {
		return res, runErr
	}
	if runErr != nil {
		res.Error = runErr.Error()
		if rule.Required {
			log.Warn("section agent failed, using default component", zap.Error(runErr))
		} else {
			log.Debug("optional section agent failed", zap.Error(runErr))
		}
		res.Outcome = OutcomeFallback
		g.place(rule, compDir, &res)
		return res, nil
	}
	if !exists(filepath.Join(compDir, rule.Component)) {
		if rule.Required {
			log.Warn("section agent wrote no component, using default")
		} else {
			log.Debug("optional section agent wrote no component")
		}
		res.Outcome = OutcomeFallback
		g.place(rule, compDir, &res)
		return res, nil
	}
	res.Outcome = OutcomeGenerated
	log.Info("section generated")
	return res, nil
}

// place copies the default component over whatever is there. A failure
// shows up in the missing component check.
func (g *Generator) place(rule config.SectionRule, compDir string, res *SectionResult) {
	if err := g.copyDefault(rule.Component, compDir, true); err != nil {
		if res.Error == "" {
			res.Error = err.Error()
		}
		g.log.Error("copy default component", zap.String("section", rule.Name), zap.Error(err))
	}
}

func (g *Generator) copyDefault(name, compDir string, overwrite bool) error {
	dest := filepath.Join(compDir, name)
	if !overwrite && exists(dest) {
		return nil
	}
	data, err := g.defaultComponent(name)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

// defaultComponent reads the template's component, else the embedded one.
func (g *Generator) defaultComponent(name string) ([]byte, error) {
	if g.templateDir != "" {
		data, err := os.ReadFile(filepath.Join(g.templateDir, filepath.FromSlash(ComponentsDir), name))
		if err == nil {
			return data, nil
		}
	}
	data, err := defaultsFS.ReadFile("defaults/" + name)
	if err != nil {
		return nil, fmt.Errorf("no default for %s: %w", name, err)
	}
	return data, nil
}

// DefaultComponents lists the embedded default components.
func DefaultComponents() []string {
	entries, _ := defaultsFS.ReadDir("defaults")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (g *Generator) prompt(rule config.SectionRule, c Context, compDir string) (string, error) {
	if g.promptsDir == "" {
		return "", fs.ErrNotExist
	}
	base, err := os.ReadFile(filepath.Join(g.promptsDir, rule.Name+"-agent.md"))
	if err != nil {
		return "", err
	}

	eff := c.Profile.Effective(g.rules)
	designBlock := struct {
		design.Config
		Industry design.Industry `json:"industry"`
		Sections design.Sections `json:"sections"`
	}{Config: eff}
	if c.Profile != nil {
		designBlock.Industry = c.Profile.Industry
		designBlock.Sections = c.Profile.Sections
	}

	var b strings.Builder
	b.Write(base)
	b.WriteString("\n\n---\n\n## Generation context\n\n")
	for _, block := range []struct {
		title string
		value any
	}{
		{"Design Config", designBlock},
		{"Creative Direction", c.Direction},
		{"Content", c.Content},
	} {
		data, err := json.MarshalIndent(block.value, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal %s: %w", block.title, err)
		}
		fmt.Fprintf(&b, "### %s\n```json\n%s\n```\n\n", block.title, data)
	}
	if v := c.Direction.Variant(rule.Name); v != "" {
		fmt.Fprintf(&b, "### Variant: %s\n\n", v)
	}
	fmt.Fprintf(&b, "### Output file: %s\n", filepath.Join(compDir, rule.Component))
	return b.String(), nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
