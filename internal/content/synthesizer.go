// Package content has the content agent write the four JSON documents that
// describe a site, then checks them.
package content

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

// AgentName identifies the content agent in the invocation log.
const AgentName = "content-generator"

//go:embed prompts/content.tmpl
var promptFS embed.FS

var promptTmpl = template.Must(template.New("content.tmpl").
	Funcs(template.FuncMap{"join": strings.Join}).
	ParseFS(promptFS, "prompts/content.tmpl"))

// ContentSchemaError means the agent did not leave a usable bundle. It
// fails the job.
type ContentSchemaError struct {
	Missing    []string
	Unparsable []string
	Violations []Violation
}

func (e *ContentSchemaError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing files: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unparsable) > 0 {
		parts = append(parts, "unparsable files: "+strings.Join(e.Unparsable, ", "))
	}
	if n := len(e.Violations); n > 0 {
		parts = append(parts, fmt.Sprintf("%d schema violations (first: %s)", n, e.Violations[0]))
	}
	return "content bundle invalid: " + strings.Join(parts, "; ")
}

// Bundle is the parsed content of the four data documents.
type Bundle struct {
	Site       map[string]any `json:"site"`
	Navigation map[string]any `json:"navigation"`
	Content    map[string]any `json:"content"`
	Media      map[string]any `json:"media"`
	// Violations lists the structural defects found after parsing.
	Violations []Violation `json:"violations,omitempty"`
}

// Langs returns the languages declared in site.json.
func (b *Bundle) Langs() []string {
	raw, _ := b.Site["langs"].([]any)
	var langs []string
	for _, l := range raw {
		if s, ok := l.(string); ok && s != "" {
			langs = append(langs, s)
		}
	}
	if len(langs) == 0 {
		return DefaultLangs
	}
	return langs
}

// Source describes what the site is generated from.
type Source struct {
	// Input is the source URL or the free-text description.
	Input      string
	ClientInfo map[string]any
	Digest     *Digest
	// Media holds the web paths of extracted images.
	Media MediaRefs
	// Credits lists downloaded stock photo paths.
	Credits []string
}

// MediaRefs are the images already present in the project.
type MediaRefs struct {
	Logo   string
	Hero   string
	Images []string
}

// Synthesizer runs the content agent.
type Synthesizer struct {
	agent  agents.Runner
	rules  *config.Rules
	log    *zap.Logger
	strict bool
}

// NewSynthesizer creates a synthesizer. When strict is set, structural
// violations fail synthesis instead of being reported on the bundle.
func NewSynthesizer(agent agents.Runner, rules *config.Rules, strict bool, log *zap.Logger) *Synthesizer {
	if rules == nil {
		rules = config.DefaultRules()
	}
	return &Synthesizer{
		agent:  agent,
		rules:  rules,
		strict: strict,
		log:    logging.OrNop(log).With(zap.String("component", "content")),
	}
}

type promptData struct {
	Source     string
	ClientInfo string
	Digest     *Digest
	Design     design.Config
	Industry   string
	DataDir    string
	Langs      []string
	Min        map[string]int
	Media      MediaRefs
	Credits    []string
}

// Synthesize invokes the agent once and loads the four documents it wrote
// under outputDir/data. A missing agent executable is returned as is; any
// other agent failure is left to the file check.
func (s *Synthesizer) Synthesize(ctx context.Context, src Source, profile *design.Profile, outputDir string) (*Bundle, error) {
	dataDir := filepath.Join(outputDir, DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	for _, f := range Files {
		if err := os.Remove(filepath.Join(dataDir, f)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale %s: %w", f, err)
		}
	}

	prompt, err := s.prompt(src, profile, dataDir)
	if err != nil {
		return nil, err
	}

	if _, err := s.agent.Run(ctx, AgentName, prompt, outputDir); err != nil {
		if agents.IsFatal(err) {
			return nil, err
		}
		s.log.Warn("content agent failed", zap.Error(err))
	}

	bundle, err := Load(dataDir)
	if err != nil {
		return nil, err
	}

	bundle.Violations = Validate(bundle)
	for _, v := range bundle.Violations {
		s.log.Warn("content schema violation", zap.String("violation", v.String()))
	}
	if s.strict && len(bundle.Violations) > 0 {
		return bundle, &ContentSchemaError{Violations: bundle.Violations}
	}
	return bundle, nil
}

func (s *Synthesizer) prompt(src Source, profile *design.Profile, dataDir string) (string, error) {
	industry := design.DefaultIndustry
	if profile != nil {
		industry = profile.Industry.Detected
	}
	var info string
	if len(src.ClientInfo) > 0 {
		data, err := json.MarshalIndent(src.ClientInfo, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode client info: %w", err)
		}
		info = string(data)
	}

	var buf bytes.Buffer
	err := promptTmpl.Execute(&buf, promptData{
		Source:     src.Input,
		ClientInfo: info,
		Digest:     src.Digest,
		Design:     profile.Effective(s.rules),
		Industry:   industry,
		DataDir:    dataDir,
		Langs:      DefaultLangs,
		Min:        MinItems,
		Media:      src.Media,
		Credits:    src.Credits,
	})
	if err != nil {
		return "", fmt.Errorf("render content prompt: %w", err)
	}
	return buf.String(), nil
}

// Load reads and parses the four documents of dataDir. Every document must
// exist and be a JSON object.
func Load(dataDir string) (*Bundle, error) {
	var schemaErr ContentSchemaError
	docs := make(map[string]map[string]any, len(Files))
	for _, f := range Files {
		data, err := os.ReadFile(filepath.Join(dataDir, f))
		if err != nil {
			schemaErr.Missing = append(schemaErr.Missing, f)
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
			schemaErr.Unparsable = append(schemaErr.Unparsable, f)
			continue
		}
		docs[f] = doc
	}
	if len(schemaErr.Missing) > 0 || len(schemaErr.Unparsable) > 0 {
		return nil, &schemaErr
	}
	return &Bundle{
		Site:       docs[SiteFile],
		Navigation: docs[NavigationFile],
		Content:    docs[ContentFile],
		Media:      docs[MediaFile],
	}, nil
}
