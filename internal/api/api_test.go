package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitebuilder/internal/agents"
	"sitebuilder/internal/auth"
	"sitebuilder/internal/config"
	"sitebuilder/internal/db"
	"sitebuilder/internal/pipeline"
	"sitebuilder/internal/storage"
	"sitebuilder/internal/websocket"
	"sitebuilder/pkg/models"
)

const adminPassword = "correct-horse"

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []websocket.Message
}

func (p *recordingPublisher) Publish(siteID string, msg websocket.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg.SiteID = siteID
	p.msgs = append(p.msgs, msg)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		out = append(out, m.Type)
	}
	return out
}

// fakeRunner reports some progress through the dashboard sink, then blocks
// until released.
type fakeRunner struct {
	sink     *DashboardSink
	started  chan *pipeline.Job
	release  chan struct{}
	score    *int
	artifact string
	err      error
}

func (r *fakeRunner) Run(ctx context.Context, job *pipeline.Job) (*pipeline.Result, error) {
	r.started <- job
	r.sink.Progress(job, 40)
	r.sink.Log(job, pipeline.LevelInfo, "Design system ready")
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return &pipeline.Result{Score: r.score, ArtifactKey: r.artifact}, nil
}

type fakeChecker struct{ status agents.Status }

func (f fakeChecker) CheckStatus(context.Context) agents.Status { return f.status }

type testEnv struct {
	t      *testing.T
	router *gin.Engine
	db     *db.Database
	pub    *recordingPublisher
	runner *fakeRunner
	gen    *Generator
	store  *storage.Local
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.OpenSQLite(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	cfg := &config.Config{AdminPassword: adminPassword, MaxConcurrentJobs: 1}
	pub := &recordingPublisher{}
	runner := &fakeRunner{
		sink:    NewDashboardSink(database, pub, nil),
		started: make(chan *pipeline.Job, 4),
		release: make(chan struct{}),
	}
	gen := NewGenerator(database, runner, cfg, pub, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		gen.Shutdown(ctx)
	})

	hub := websocket.NewHub(nil, true, nil)
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	srv := NewServer(Options{
		Config:    cfg,
		DB:        database,
		Auth:      auth.NewService("test-secret-that-is-long-enough", time.Hour),
		Hub:       hub,
		Generator: gen,
		Store:     store,
		Agent:     fakeChecker{agents.Status{Installed: true, Version: "1.0.0", Authenticated: true}},
	})
	r := gin.New()
	srv.Routes(r)

	env := &testEnv{t: t, router: r, db: database, pub: pub, runner: runner, gen: gen, store: store}
	w := env.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"password": adminPassword})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))
	env.token = login.Token
	return env
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]any](t, w)["code"].(string)
}

func (e *testEnv) createSite(displayName, sourceURL string) models.Site {
	e.t.Helper()
	w := e.do(http.MethodPost, "/api/v1/sites", map[string]any{"displayName": displayName, "sourceUrl": sourceURL})
	require.Equal(e.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Site](e.t, w)
}

func (e *testEnv) waitSiteStatus(id string, want models.SiteStatus) *models.Site {
	e.t.Helper()
	var site *models.Site
	require.Eventually(e.t, func() bool {
		s, err := e.db.GetSite(context.Background(), id)
		if err != nil {
			return false
		}
		site = s
		return s.Status == want
	}, 3*time.Second, 10*time.Millisecond)
	return site
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	env.token = ""

	tests := []struct {
		name     string
		body     any
		wantCode int
	}{
		{"wrong password", map[string]string{"password": "nope"}, http.StatusUnauthorized},
		{"missing password", map[string]string{}, http.StatusBadRequest},
		{"correct password", map[string]string{"password": adminPassword}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/v1/auth/login", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode == http.StatusOK {
				assert.Contains(t, w.Header().Get("Set-Cookie"), auth.SessionCookie+"=")
				assert.NotEmpty(t, decode[map[string]any](t, w)["token"])
			}
		})
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	env.token = ""

	for _, path := range []string{"/api/v1/sites", "/api/v1/agent/status", "/api/v1/jobs/x"} {
		w := env.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	env.token = "garbage"
	w := env.do(http.MethodGet, "/api/v1/sites", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errorCode(t, w))

	w = env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginWithCookie(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sites", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: env.token})
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPut, "/api/v1/settings/password", map[string]string{"currentPassword": "wrong", "newPassword": "a-new-password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPut, "/api/v1/settings/password", map[string]string{"currentPassword": adminPassword, "newPassword": "short"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "WEAK_PASSWORD", errorCode(t, w))

	w = env.do(http.MethodPut, "/api/v1/settings/password", map[string]string{"currentPassword": adminPassword, "newPassword": "a-new-password"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"password": adminPassword})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = env.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"password": "a-new-password"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateSite(t *testing.T) {
	env := newTestEnv(t)

	site := env.createSite("Boulangerie Dupont & Fils", "https://dupont.test")
	assert.Equal(t, "boulangerie-dupont-and-fils", site.Name)
	assert.Equal(t, models.SiteDraft, site.Status)
	require.NotNil(t, site.SourceURL)
	assert.Equal(t, "https://dupont.test", *site.SourceURL)

	tests := []struct {
		name     string
		body     map[string]any
		wantCode int
		wantErr  string
	}{
		{"duplicate name", map[string]any{"displayName": "Boulangerie Dupont & Fils"}, http.StatusConflict, "SITE_EXISTS"},
		{"bad explicit name", map[string]any{"displayName": "X", "name": "Not A Slug"}, http.StatusBadRequest, "INVALID_NAME"},
		{"name from symbols only", map[string]any{"displayName": "!!!"}, http.StatusBadRequest, "INVALID_NAME"},
		{"non http url", map[string]any{"displayName": "Acme", "sourceUrl": "ftp://acme.test"}, http.StatusBadRequest, "INVALID_URL"},
		{"missing display name", map[string]any{"name": "acme"}, http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/v1/sites", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantErr, errorCode(t, w))
		})
	}
}

func TestListSites(t *testing.T) {
	env := newTestEnv(t)
	a := env.createSite("Alpha Bakery", "")
	env.createSite("Beta Plumbing", "")
	_, _, err := env.db.BeginGeneration(context.Background(), a.ID)
	require.NoError(t, err)

	tests := []struct {
		query    string
		wantCode int
		want     []string
	}{
		{"", http.StatusOK, []string{"alpha-bakery", "beta-plumbing"}},
		{"?status=all", http.StatusOK, []string{"alpha-bakery", "beta-plumbing"}},
		{"?status=generating", http.StatusOK, []string{"alpha-bakery"}},
		{"?status=DRAFT", http.StatusOK, []string{"beta-plumbing"}},
		{"?search=plumb", http.StatusOK, []string{"beta-plumbing"}},
		{"?status=bogus", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := env.do(http.MethodGet, "/api/v1/sites"+tt.query, nil)
			require.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode != http.StatusOK {
				return
			}
			var names []string
			for _, s := range decode[[]models.Site](t, w) {
				names = append(names, s.Name)
			}
			assert.ElementsMatch(t, tt.want, names)
		})
	}
}

func TestUpdateAndDeleteSite(t *testing.T) {
	env := newTestEnv(t)
	site := env.createSite("Acme", "https://acme.test")

	w := env.do(http.MethodPut, "/api/v1/sites/"+site.ID, map[string]any{
		"displayName": "Acme Corp",
		"sourceUrl":   "",
		"clientInfo":  map[string]any{"description": "Industrial widgets", "generationMode": "creative"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[models.Site](t, w)
	assert.Equal(t, "Acme Corp", updated.DisplayName)
	assert.Nil(t, updated.SourceURL)
	assert.Equal(t, "Industrial widgets", updated.Source())
	assert.True(t, updated.CreativeMode())

	w = env.do(http.MethodPut, "/api/v1/sites/"+site.ID, map[string]any{"sourceUrl": "javascript:alert(1)"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/api/v1/sites/"+site.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodDelete, "/api/v1/sites/"+site.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(http.MethodGet, "/api/v1/sites/"+site.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(http.MethodDelete, "/api/v1/sites/"+site.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGenerateLifecycle(t *testing.T) {
	env := newTestEnv(t)
	site := env.createSite("Acme", "https://acme.test")
	score := 87
	env.runner.score = &score
	env.runner.artifact = "acme/build.zip"
	require.NoError(t, env.store.Upload(context.Background(), "acme/build.zip", strings.NewReader("PK-zip"), 6))

	w := env.do(http.MethodPost, "/api/v1/sites/"+site.ID+"/generate", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[map[string]any](t, w)
	jobID := accepted["jobId"].(string)
	assert.Equal(t, string(models.SiteGenerating), accepted["status"])

	var job *pipeline.Job
	select {
	case job = <-env.runner.started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, "https://acme.test", job.Source)
	assert.True(t, job.Options.Force)

	// While running, the site is locked.
	w = env.do(http.MethodPost, "/api/v1/sites/"+site.ID+"/generate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SITE_BUSY", errorCode(t, w))
	w = env.do(http.MethodDelete, "/api/v1/sites/"+site.ID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	require.Eventually(t, func() bool {
		j, err := env.db.GetJob(context.Background(), jobID)
		return err == nil && j.Progress == 40
	}, 3*time.Second, 10*time.Millisecond)

	w = env.do(http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode[map[string]any](t, w), "live")

	close(env.runner.release)
	got := env.waitSiteStatus(site.ID, models.SiteGenerated)
	require.NotNil(t, got.ValidationScore)
	assert.Equal(t, 87, *got.ValidationScore)
	require.NotNil(t, got.ArtifactKey)
	assert.Equal(t, "acme/build.zip", *got.ArtifactKey)

	require.Eventually(t, func() bool {
		_, running := env.gen.Active(jobID)
		return !running
	}, 3*time.Second, 10*time.Millisecond)

	w = env.do(http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Job models.Job `json:"job"`
	}](t, w)
	assert.Equal(t, models.JobCompleted, body.Job.Status)
	assert.Equal(t, 100, body.Job.Progress)

	w = env.do(http.MethodGet, "/api/v1/sites/"+site.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	logs := decode[[]models.Log](t, w)
	require.Len(t, logs, 1)
	assert.Equal(t, "Design system ready", logs[0].Message)
	assert.Equal(t, models.LogInfo, logs[0].Level)

	w = env.do(http.MethodGet, "/api/v1/sites/"+site.ID+"/artifact", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Equal(t, "PK-zip", w.Body.String())

	types := env.pub.types()
	assert.Contains(t, types, websocket.MessageTypeProgress)
	assert.Contains(t, types, websocket.MessageTypeLog)
	assert.Equal(t, websocket.MessageTypeStatus, types[len(types)-1])
}

func TestGenerateFailure(t *testing.T) {
	env := newTestEnv(t)
	site := env.createSite("Acme", "")
	env.runner.err = errors.New("build failed after fixes")
	close(env.runner.release)

	w := env.do(http.MethodPost, "/api/v1/sites/"+site.ID+"/generate", map[string]any{"skipValidation": true, "maxFixCycles": 0})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	jobID := decode[map[string]any](t, w)["jobId"].(string)

	job := <-env.runner.started
	assert.True(t, job.Options.SkipValidation)
	assert.Equal(t, 0, job.Options.MaxFixCycles)
	assert.Equal(t, "Acme", job.Source, "display name is the source without url or description")

	env.waitSiteStatus(site.ID, models.SiteError)
	record, err := env.db.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, record.Status)
	assert.Equal(t, 0, record.Progress)
	require.NotNil(t, record.Error)
	assert.Equal(t, "build failed after fixes", *record.Error)

	w = env.do(http.MethodGet, "/api/v1/sites/"+site.ID+"/artifact", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NO_ARTIFACT", errorCode(t, w))

	// An errored site can be generated again.
	w = env.do(http.MethodPost, "/api/v1/sites/"+site.ID+"/generate", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	<-env.runner.started
	env.waitSiteStatus(site.ID, models.SiteError)
}

func TestGenerateUnknownSite(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodPost, "/api/v1/sites/missing/generate", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/api/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/api/v1/sites/missing/logs", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGeneratorOptions(t *testing.T) {
	cfg := &config.Config{}
	cfg.Validation.MaxFixCycles = 2
	g := NewGenerator(nil, nil, cfg, &recordingPublisher{}, nil)
	defer g.Shutdown(context.Background())

	yes, no, three := true, false, 3
	creativeSite := &models.Site{ClientInfo: map[string]any{"generationMode": "creative"}}
	tests := []struct {
		name string
		site *models.Site
		in   GenerateOptions
		want pipeline.Options
	}{
		{"defaults", &models.Site{}, GenerateOptions{}, pipeline.Options{Force: true, MaxFixCycles: 2}},
		{"creative site", creativeSite, GenerateOptions{}, pipeline.Options{Force: true, Creative: true, MaxFixCycles: 2}},
		{"request overrides site", creativeSite, GenerateOptions{Creative: &no}, pipeline.Options{Force: true, MaxFixCycles: 2}},
		{"all overrides", &models.Site{}, GenerateOptions{SkipValidation: &yes, NoFix: &yes, MaxFixCycles: &three},
			pipeline.Options{Force: true, SkipValidation: true, NoFix: true, MaxFixCycles: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.Options(tt.site, tt.in))
		})
	}
}

func TestAgentStatus(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/api/v1/agent/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[agents.Status](t, w)
	assert.True(t, status.Installed)
	assert.True(t, status.Authenticated)
	assert.Equal(t, "1.0.0", status.Version)
}

func TestDeepHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/health/deep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, w)["status"])
}
