package content

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitebuilder/internal/agents"
	"sitebuilder/internal/agents/agenttest"
	"sitebuilder/internal/design"
)

func loc(fr, en string) map[string]any { return map[string]any{"fr": fr, "en": en} }

func items(n int, mk func(i int) map[string]any) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = mk(i)
	}
	return out
}

func validDocs() map[string]any {
	block := func() map[string]any {
		return map[string]any{"fr": map[string]any{"title": "t"}, "en": map[string]any{"title": "t"}}
	}
	withItems := func(n int, mk func(i int) map[string]any) map[string]any {
		b := block()
		b["items"] = items(n, mk)
		return b
	}
	return map[string]any{
		SiteFile: map[string]any{
			"name": "Maison Dupont", "defaultLang": "fr", "langs": []any{"fr", "en"},
			"contact": map[string]any{"email": "contact@dupont.fr"},
			"theme":   map[string]any{"primaryColor": "#b45309", "secondaryColor": "#f59e0b"},
		},
		NavigationFile: map[string]any{
			"header": map[string]any{"links": []any{map[string]any{"id": "services", "href": "#services"}}},
			"footer": map[string]any{"links": []any{}},
		},
		ContentFile: map[string]any{
			"nav":  block(),
			"hero": block(),
			"services": withItems(4, func(i int) map[string]any {
				return map[string]any{"icon": "rocket", "title": loc("Pain", "Bread"), "description": loc("d", "d")}
			}),
			"testimonials": withItems(3, func(i int) map[string]any {
				return map[string]any{"content": loc("Super", "Great"), "author": "Léa", "rating": 5}
			}),
			"pricing": withItems(3, func(i int) map[string]any {
				return map[string]any{"name": "Formule", "price": "12€", "features": map[string]any{"fr": []any{"a"}, "en": []any{"a"}}}
			}),
			"faq": withItems(5, func(i int) map[string]any {
				return map[string]any{"question": loc("q", "q"), "answer": loc("a", "a")}
			}),
			"cta":     block(),
			"contact": block(),
			"footer":  block(),
		},
		MediaFile: map[string]any{
			"logo": map[string]any{"default": "/images/logo.svg"},
			"hero": map[string]any{"image": "", "alt": loc("Vitrine", "Shop front")},
		},
	}
}

// writeBundle returns a handler writing docs, skipping the named files.
func writeBundle(docs map[string]any, skip ...string) agenttest.Handler {
	return func(call agenttest.Call) (string, error) {
		dir := filepath.Join(call.WorkDir, DataDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	next:
		for name, doc := range docs {
			for _, s := range skip {
				if s == name {
					continue next
				}
			}
			data, err := json.Marshal(doc)
			if err != nil {
				return "", err
			}
			if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
				return "", err
			}
		}
		return "done", nil
	}
}

func source() Source {
	return Source{Input: "Boulangerie artisanale à Lyon", ClientInfo: map[string]any{"phone": "04 72 00 00 00"}}
}

func TestSynthesizeValidBundle(t *testing.T) {
	dir := t.TempDir()
	runner := agenttest.New().On(AgentName, writeBundle(validDocs()))
	s := NewSynthesizer(runner, nil, true, nil)

	b, err := s.Synthesize(context.Background(), source(), nil, dir)
	require.NoError(t, err)
	assert.Empty(t, b.Violations)
	assert.Equal(t, "Maison Dupont", b.Site["name"])
	assert.Equal(t, []string{"fr", "en"}, b.Langs())

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, dir, calls[0].WorkDir)
	assert.Contains(t, calls[0].Prompt, "Boulangerie artisanale à Lyon")
	assert.Contains(t, calls[0].Prompt, "04 72 00 00 00")
	assert.Contains(t, calls[0].Prompt, filepath.Join(dir, DataDir, "content.json"))
	assert.Contains(t, calls[0].Prompt, "Generate 4 services, 3 testimonials, 3 pricing plans and 5 FAQ items.")
}

func TestSynthesizeUsesProfileColors(t *testing.T) {
	runner := agenttest.New().On(AgentName, writeBundle(validDocs()))
	profile := &design.Profile{Config: &design.Config{Colors: design.Colors{Primary: "#123456", Secondary: "#654321"}}}

	_, err := NewSynthesizer(runner, nil, false, nil).Synthesize(context.Background(), source(), profile, t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, runner.Calls()[0].Prompt, `"primaryColor": "#123456"`)
}

func TestSynthesizeFourFilePostCondition(t *testing.T) {
	tests := []struct {
		name       string
		handler    agenttest.Handler
		missing    []string
		unparsable []string
	}{
		{
			name:    "agent writes nothing",
			handler: func(agenttest.Call) (string, error) { return "", nil },
			missing: []string{SiteFile, NavigationFile, ContentFile, MediaFile},
		},
		{
			name:    "media missing",
			handler: writeBundle(validDocs(), MediaFile),
			missing: []string{MediaFile},
		},
		{
			name: "agent exits non zero after partial write",
			handler: func(call agenttest.Call) (string, error) {
				_, _ = writeBundle(validDocs(), NavigationFile)(call)
				return "", &agents.AgentExecutionError{Agent: AgentName, ExitCode: 1}
			},
			missing: []string{NavigationFile},
		},
		{
			name: "unparsable content",
			handler: func(call agenttest.Call) (string, error) {
				_, _ = writeBundle(validDocs())(call)
				return "", os.WriteFile(filepath.Join(call.WorkDir, DataDir, ContentFile), []byte(`{"nav": `), 0o644)
			},
			unparsable: []string{ContentFile},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := agenttest.New().On(AgentName, tt.handler)
			_, err := NewSynthesizer(runner, nil, false, nil).Synthesize(context.Background(), source(), nil, t.TempDir())

			var schemaErr *ContentSchemaError
			require.True(t, errors.As(err, &schemaErr), "got %v", err)
			assert.Equal(t, tt.missing, schemaErr.Missing)
			assert.Equal(t, tt.unparsable, schemaErr.Unparsable)
		})
	}
}

func TestSynthesizeAgentExecutionErrorWithFiles(t *testing.T) {
	runner := agenttest.New().On(AgentName, func(call agenttest.Call) (string, error) {
		_, _ = writeBundle(validDocs())(call)
		return "", &agents.AgentExecutionError{Agent: AgentName, ExitCode: 2}
	})
	b, err := NewSynthesizer(runner, nil, false, nil).Synthesize(context.Background(), source(), nil, t.TempDir())
	require.NoError(t, err)
	assert.NotNil(t, b.Content)
}

func TestSynthesizeAgentNotFound(t *testing.T) {
	notFound := &agents.AgentNotFoundError{Executable: "claude"}
	runner := agenttest.New().On(AgentName, agenttest.Fail(notFound))

	_, err := NewSynthesizer(runner, nil, false, nil).Synthesize(context.Background(), source(), nil, t.TempDir())
	var nf *agents.AgentNotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestSynthesizeRemovesStaleFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := writeBundle(validDocs())(agenttest.Call{WorkDir: dir})
	require.NoError(t, err)

	runner := agenttest.New()
	_, err = NewSynthesizer(runner, nil, false, nil).Synthesize(context.Background(), source(), nil, dir)

	var schemaErr *ContentSchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Len(t, schemaErr.Missing, 4)
}

func TestSynthesizeRepeatedRunsHoldPostCondition(t *testing.T) {
	dir := t.TempDir()
	runner := agenttest.New().On(AgentName, writeBundle(validDocs()))
	s := NewSynthesizer(runner, nil, true, nil)

	for i := 0; i < 2; i++ {
		_, err := s.Synthesize(context.Background(), source(), nil, dir)
		require.NoError(t, err)
		for _, f := range Files {
			assert.FileExists(t, filepath.Join(dir, DataDir, f))
		}
	}
	assert.Equal(t, 2, runner.Count(AgentName))
}

func TestStructuralViolations(t *testing.T) {
	docs := validDocs()
	content := docs[ContentFile].(map[string]any)
	services := content["services"].(map[string]any)
	services["items"] = services["items"].([]any)[:2]
	services["items"].([]any)[1].(map[string]any)["title"] = map[string]any{"fr": "Pain"}
	delete(content["faq"].(map[string]any), "en")
	delete(content, "cta")
	delete(docs[SiteFile].(map[string]any), "theme")

	t.Run("lenient", func(t *testing.T) {
		runner := agenttest.New().On(AgentName, writeBundle(docs))
		b, err := NewSynthesizer(runner, nil, false, nil).Synthesize(context.Background(), source(), nil, t.TempDir())
		require.NoError(t, err)

		var got []string
		for _, v := range b.Violations {
			got = append(got, v.String())
		}
		assert.ElementsMatch(t, []string{
			"site.json: theme: missing required key",
			"content.json: services.items: need at least 4 items, got 2",
			"content.json: services.items[1].title: missing languages en",
			"content.json: faq.en: missing localized block",
			"content.json: faq: missing languages en",
			"content.json: cta: missing section",
		}, got)
	})

	t.Run("strict", func(t *testing.T) {
		runner := agenttest.New().On(AgentName, writeBundle(docs))
		_, err := NewSynthesizer(runner, nil, true, nil).Synthesize(context.Background(), source(), nil, t.TempDir())
		var schemaErr *ContentSchemaError
		require.True(t, errors.As(err, &schemaErr))
		assert.Len(t, schemaErr.Violations, 6)
		assert.Contains(t, err.Error(), "6 schema violations")
	})
}

func TestDigestConvert(t *testing.T) {
	page := `<html><head><title>Maison Dupont</title><meta name="description" content="Boulangerie à Lyon"></head>
<body><nav><a href="/">Accueil</a></nav><main><h1>Nos pains</h1><p>Levain <strong>naturel</strong>.</p><script>track()</script></main><footer>©</footer></body></html>`

	d, err := NewDigester(nil).Convert(page)
	require.NoError(t, err)
	assert.Equal(t, "Maison Dupont", d.Title)
	assert.Equal(t, "Boulangerie à Lyon", d.Description)
	assert.Contains(t, d.Markdown, "# Nos pains")
	assert.Contains(t, d.Markdown, "**naturel**")
	assert.NotContains(t, d.Markdown, "track()")
	assert.NotContains(t, d.Markdown, "Accueil")
}
