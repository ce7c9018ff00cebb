package design

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"go.uber.org/zap"

	"sitebuilder/internal/agents"
	"sitebuilder/internal/browser"
	"sitebuilder/internal/config"
	"sitebuilder/internal/logging"
)

// ConfigFile is written by the design agent in the output directory.
const ConfigFile = "design-config.json"

// AgentName identifies the design agent in the invocation log.
const AgentName = "design-analysis"

//go:embed prompts/design-analysis.tmpl
var promptFS embed.FS

var promptTmpl = template.Must(template.ParseFS(promptFS, "prompts/design-analysis.tmpl"))

// Analyzer captures a source site and extracts its design profile.
type Analyzer struct {
	rules   *config.Rules
	browser browser.ScreenshotCapability
	agent   agents.Runner
	log     *zap.Logger

	// Settle delays after navigation, per viewport.
	DesktopSettle time.Duration
	MobileSettle  time.Duration
	NavTimeout    time.Duration
}

// NewAnalyzer creates an analyzer. capability may be nil when no browser is
// installed; Analyze then returns nil for every input.
func NewAnalyzer(rules *config.Rules, capability browser.ScreenshotCapability, agent agents.Runner, log *zap.Logger) *Analyzer {
	if rules == nil {
		rules = config.DefaultRules()
	}
	return &Analyzer{
		rules:         rules,
		browser:       capability,
		agent:         agent,
		log:           logging.OrNop(log).With(zap.String("component", "design")),
		DesktopSettle: 1500 * time.Millisecond,
		MobileSettle:  time.Second,
		NavTimeout:    30 * time.Second,
	}
}

// Analyze returns nil when sourceURL is not an absolute http(s) URL, when no
// browser is available or when no screenshot could be taken. Agent failures
// leave Config nil but still return the heuristic signals.
func (a *Analyzer) Analyze(ctx context.Context, sourceURL, outputDir string) *Profile {
	if !browser.IsHTTPURL(sourceURL) {
		return nil
	}
	if a.browser == nil {
		a.log.Warn("no screenshot capability configured, skipping design analysis")
		return nil
	}

	shots, doc := a.capture(ctx, sourceURL, outputDir)
	if len(shots) == 0 {
		a.log.Warn("no screenshot captured", zap.String("url", sourceURL))
		return nil
	}

	heuristicSections := DetectPricing(doc)
	heuristicIndustry := DetectIndustry(VisibleText(doc), a.rules.Industries)
	a.log.Info("dom heuristics",
		zap.String("industry", heuristicIndustry.Detected),
		zap.Float64("confidence", heuristicIndustry.Confidence),
		zap.Boolp("has_pricing", heuristicSections.HasPricing),
		zap.String("pricing_type", string(heuristicSections.PricingType)),
	)

	cfg := a.extract(ctx, sourceURL, outputDir, shots, heuristicIndustry, heuristicSections)
	industry, sections := merge(cfg, heuristicIndustry, heuristicSections)

	return &Profile{
		Config:      cfg,
		Industry:    industry,
		Sections:    sections,
		Tailwind:    TailwindFor(cfg),
		Screenshots: shots,
		Source:      "analysis",
	}
}

func (a *Analyzer) capture(ctx context.Context, sourceURL, outputDir string) ([]string, string) {
	dir := filepath.Join(outputDir, "screenshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.log.Warn("create screenshot dir", zap.Error(err))
		return nil, ""
	}

	sess, err := a.browser.NewSession(ctx)
	if err != nil {
		a.log.Warn("open browser session", zap.Error(err))
		return nil, ""
	}
	defer sess.Close()

	var shots []string
	var doc string
	shoot := func(name string, full bool) {
		path := filepath.Join(dir, name)
		if err := sess.Screenshot(ctx, path, full); err != nil {
			a.log.Warn("screenshot failed", zap.String("file", name), zap.Error(err))
			return
		}
		shots = append(shots, path)
	}

	if a.load(ctx, sess, browser.Desktop, sourceURL, a.DesktopSettle) {
		shoot("hero-desktop.png", false)
		shoot("full-desktop.png", true)
		if html, err := sess.HTML(ctx); err == nil {
			doc = html
		} else {
			a.log.Warn("read page html", zap.Error(err))
		}
	}
	if a.load(ctx, sess, browser.Mobile, sourceURL, a.MobileSettle) {
		shoot("hero-mobile.png", false)
	}
	return shots, doc
}

func (a *Analyzer) load(ctx context.Context, sess browser.Session, vp browser.Viewport, url string, settle time.Duration) bool {
	if err := sess.SetViewport(ctx, vp); err != nil {
		a.log.Warn("set viewport", zap.Int("width", vp.Width), zap.Error(err))
		return false
	}
	if err := sess.Navigate(ctx, url, a.NavTimeout); err != nil {
		a.log.Warn("navigate", zap.String("url", url), zap.Int("width", vp.Width), zap.Error(err))
		return false
	}
	return browser.Sleep(ctx, settle) == nil
}

type promptData struct {
	URL         string
	Screenshots []string
	Industry    Industry
	HasPricing  bool
	PricingType PricingType
	OutputFile  string
}

func (a *Analyzer) extract(ctx context.Context, sourceURL, outputDir string, shots []string, ind Industry, sec Sections) *Config {
	if a.agent == nil {
		return nil
	}
	out := filepath.Join(outputDir, ConfigFile)
	if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.log.Warn("remove stale design config", zap.Error(err))
	}

	var prompt bytes.Buffer
	err := promptTmpl.Execute(&prompt, promptData{
		URL:         sourceURL,
		Screenshots: shots,
		Industry:    ind,
		HasPricing:  sec.HasPricing != nil && *sec.HasPricing,
		PricingType: sec.PricingType,
		OutputFile:  out,
	})
	if err != nil {
		a.log.Error("render design prompt", zap.Error(err))
		return nil
	}

	if _, err := a.agent.Run(ctx, AgentName, prompt.String(), outputDir); err != nil {
		a.log.Warn("design agent failed", zap.Error(err))
	}

	cfg, err := ReadConfig(out)
	if err != nil {
		a.log.Warn("design config unavailable", zap.Error(err))
		return nil
	}
	return cfg
}

// ReadConfig parses a design-config.json file.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return &cfg, nil
}
