package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	for _, k := range []string{"DATABASE_URL", "DATABASE_TYPE", "MAX_FIX_CYCLES", "AGENT_BIN", "AGENT_TIMEOUT", "PREVIEW_PORT", "MAX_CONCURRENT_JOBS", "CORS_ALLOWED_ORIGINS"} {
		t.Setenv(k, "")
	}

	cfg := Load()

	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 1, cfg.Validation.MaxFixCycles)
	assert.Equal(t, 4322, cfg.Validation.PreviewPort)
	assert.Equal(t, "claude", cfg.Agent.Binary)
	assert.Equal(t, time.Duration(0), cfg.Agent.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.Stock.CacheTTL)
	assert.Equal(t, filepath.Join(cfg.ClientsDir, "acme"), cfg.ClientDir("acme"))
	assert.Equal(t, 2, cfg.MaxConcurrentJobs)
	assert.Contains(t, cfg.AllowedOrigins, "http://localhost:3000")
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/sites")
	t.Setenv("DATABASE_TYPE", "")
	t.Setenv("MAX_FIX_CYCLES", "-3")
	t.Setenv("AGENT_TIMEOUT", "15m")
	t.Setenv("NO_FIX", "true")
	t.Setenv("MAX_CONCURRENT_JOBS", "0")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.test, ,https://b.test")
	t.Setenv("CHROME_PATH", "/usr/bin/chromium")

	cfg := Load()

	assert.Equal(t, 1, cfg.MaxConcurrentJobs)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.AllowedOrigins)

	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, 0, cfg.Validation.MaxFixCycles)
	assert.Equal(t, 15*time.Minute, cfg.Agent.Timeout)
	assert.True(t, cfg.Validation.NoFix)
	assert.Equal(t, "/usr/bin/chromium", cfg.ChromePath)
}

func TestDefaultRules(t *testing.T) {
	rules := DefaultRules()

	require.NotEmpty(t, rules.Industries)
	assert.Equal(t, "bakery", rules.Industries[0].Name)
	assert.Contains(t, rules.Industries[0].Keywords, "boulangerie")
	assert.Contains(t, rules.Industries[0].Keywords, "pain")

	names := make([]string, 0, len(rules.Sections))
	for _, s := range rules.Sections {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"hero", "services", "testimonials", "pricing", "faq"}, names)

	pricing, ok := rules.Section("pricing")
	require.True(t, ok)
	require.NotNil(t, pricing.Include)
	assert.Equal(t, "pricing", pricing.Include.Signal)

	faq, _ := rules.Section("faq")
	assert.False(t, faq.Required)
	assert.Equal(t, "FAQ.astro", faq.Component)

	assert.True(t, rules.HasStyle("dark-tech"))
	assert.False(t, rules.HasStyle("vaporwave"))
}

func TestLoadRules_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	doc := `
industries:
  - name: winery
    keywords: [vin, vignoble, domaine]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)

	require.Len(t, rules.Industries, 1)
	assert.Equal(t, "winery", rules.Industries[0].Name)
	assert.Len(t, rules.Sections, 5)
	assert.NotEmpty(t, rules.StaticComponents)
}

func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"duplicate section", "sections:\n  - {name: hero, component: Hero.astro}\n  - {name: hero, component: Hero.astro}\n"},
		{"section without component", "sections:\n  - {name: hero}\n"},
		{"industry without keywords", "industries:\n  - {name: bakery}\n"},
		{"not yaml", "sections: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRules([]byte(tt.doc)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
