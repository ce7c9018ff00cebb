package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Palette is the default visual identity of an industry.
type Palette struct {
	Primary    string `yaml:"primary" json:"primary"`
	Secondary  string `yaml:"secondary" json:"secondary"`
	Background string `yaml:"background" json:"background"`
	Text       string `yaml:"text" json:"text"`
	Accent     string `yaml:"accent" json:"accent"`
	Style      string `yaml:"style" json:"style"`
	Mood       string `yaml:"mood" json:"mood"`
}

// IndustryRule maps an industry to the keywords that identify it.
type IndustryRule struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Palette  Palette  `yaml:"palette"`
}

// IncludeRule makes a section conditional. An explicit detection of Signal
// on the design profile decides; otherwise the section is included only for
// the listed industries.
type IncludeRule struct {
	Signal     string   `yaml:"signal"`
	Industries []string `yaml:"industries"`
}

// SectionRule describes one generated page section.
type SectionRule struct {
	Name           string       `yaml:"name"`
	Component      string       `yaml:"component"`
	Required       bool         `yaml:"required"`
	Variants       []string     `yaml:"variants"`
	DefaultVariant string       `yaml:"default_variant"`
	Include        *IncludeRule `yaml:"include,omitempty"`
}

// Rules is the data-driven part of the pipeline.
type Rules struct {
	Industries       []IndustryRule `yaml:"industries"`
	Styles           []string       `yaml:"styles"`
	Sections         []SectionRule  `yaml:"sections"`
	StaticComponents []string       `yaml:"static_components"`
}

// DefaultRules returns the built-in rule tables.
func DefaultRules() *Rules {
	rules, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("config: embedded rules are invalid: %v", err))
	}
	return rules
}

// LoadRules reads a rule file. An empty path returns the built-in rules.
// Tables missing from the file fall back to the built-in ones.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, err
	}

	defaults := DefaultRules()
	if len(rules.Industries) == 0 {
		rules.Industries = defaults.Industries
	}
	if len(rules.Styles) == 0 {
		rules.Styles = defaults.Styles
	}
	if len(rules.Sections) == 0 {
		rules.Sections = defaults.Sections
	}
	if len(rules.StaticComponents) == 0 {
		rules.StaticComponents = defaults.StaticComponents
	}
	return rules, nil
}

// ParseRules decodes and validates a YAML rule document.
func ParseRules(data []byte) (*Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	seen := make(map[string]bool)
	for i, s := range rules.Sections {
		if s.Name == "" || s.Component == "" {
			return nil, fmt.Errorf("section %d: name and component are required", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("section %q declared twice", s.Name)
		}
		seen[s.Name] = true
	}
	for i, ind := range rules.Industries {
		if ind.Name == "" || len(ind.Keywords) == 0 {
			return nil, fmt.Errorf("industry %d: name and keywords are required", i)
		}
	}
	return &rules, nil
}

// Section returns the rule for a section name.
func (r *Rules) Section(name string) (SectionRule, bool) {
	for _, s := range r.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return SectionRule{}, false
}

// Industry returns the rule for an industry name.
func (r *Rules) Industry(name string) (IndustryRule, bool) {
	for _, ind := range r.Industries {
		if ind.Name == name {
			return ind, true
		}
	}
	return IndustryRule{}, false
}

// HasStyle reports whether style is in the creative vocabulary.
func (r *Rules) HasStyle(style string) bool {
	for _, s := range r.Styles {
		if s == style {
			return true
		}
	}
	return false
}
