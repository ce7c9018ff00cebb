package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitebuilder/internal/agents"
	"sitebuilder/internal/agents/agenttest"
	"sitebuilder/internal/browser/browsertest"
	"sitebuilder/internal/build"
)

type fakeServer struct {
	mu      sync.Mutex
	stopped int
}

func (s *fakeServer) URL() string { return "http://localhost:4322" }

func (s *fakeServer) Stop() {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
}

type fakeStarter struct {
	err     error
	servers []*fakeServer
}

func (f *fakeStarter) start(ctx context.Context, dir string) (Server, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeServer{}
	f.servers = append(f.servers, s)
	return s, nil
}

type fakeBuilder struct {
	calls int
	err   error
}

func (b *fakeBuilder) Build(ctx context.Context, dir string) (*build.Result, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return &build.Result{OutputDir: filepath.Join(dir, "dist")}, nil
}

func reportJSON(t *testing.T, score int, severities ...Severity) string {
	t.Helper()
	r := Report{Status: "warning", Score: score, Issues: []Issue{}}
	for i, s := range severities {
		r.Issues = append(r.Issues, Issue{
			Severity:    s,
			Category:    "text",
			Viewport:    "mobile",
			Section:     "hero",
			Description: "title overflows " + string(rune('a'+i)),
			Suggestion:  "add break-words",
		})
	}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	return string(data)
}

// sequence writes the given reports on successive calls.
func sequence(reports ...string) agenttest.Handler {
	var mu sync.Mutex
	n := 0
	return func(call agenttest.Call) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		r := reports[len(reports)-1]
		if n < len(reports) {
			r = reports[n]
		}
		n++
		return "ok", os.WriteFile(filepath.Join(call.WorkDir, ReportFile), []byte(r), 0o644)
	}
}

func quickCapturer(bc *browsertest.Capability) *Capturer {
	c := NewCapturer(bc, nil)
	c.DesktopSettle, c.MobileSettle, c.ScrollDelay = 0, 0, 0
	return c
}

type harness struct {
	runner  *agenttest.Runner
	builder *fakeBuilder
	starter *fakeStarter
	browser *browsertest.Capability
	v       *Validator
}

func newHarness(opts Options) *harness {
	h := &harness{
		runner:  agenttest.New(),
		builder: &fakeBuilder{},
		starter: &fakeStarter{},
		browser: &browsertest.Capability{ScrollHeight: 3000},
	}
	h.v = NewValidator(h.runner, quickCapturer(h.browser), h.builder, h.starter.start, opts, nil)
	return h
}

func states(ts []Transition) []State {
	out := make([]State, 0, len(ts)+1)
	if len(ts) > 0 {
		out = append(out, ts[0].From)
	}
	for _, t := range ts {
		out = append(out, t.To)
	}
	return out
}

func TestSectionCount(t *testing.T) {
	tests := []struct {
		height, viewport, limit, want int
	}{
		{3000, 1080, 0, 3},
		{1080, 1080, 0, 1},
		{1081, 1080, 0, 2},
		{0, 1080, 0, 1},
		{10000, 812, 5, 5},
		{1600, 812, 5, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SectionCount(tt.height, tt.viewport, tt.limit))
	}
}

func TestCapture(t *testing.T) {
	bc := &browsertest.Capability{ScrollHeight: 5000}
	dir := t.TempDir()
	stale := filepath.Join(dir, ScreenshotsDir, "desktop-section-9.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	shots, err := quickCapturer(bc).Capture(context.Background(), "http://localhost:4322", dir)
	require.NoError(t, err)

	// 5000/1080 -> 5 desktop slices; 5000/812 -> 7, capped at 5.
	require.Len(t, shots, 10)
	assert.Equal(t, "desktop", shots[0].Viewport)
	assert.Equal(t, 1, shots[0].Section)
	assert.Equal(t, filepath.Join(dir, ScreenshotsDir, "mobile-section-5.png"), shots[9].Path)
	assert.Equal(t, []int{0, 1080, 2160, 3240, 4320, 0, 812, 1624, 2436, 3248}, bc.Scrolls)
	assert.NoFileExists(t, stale)
	for _, s := range shots {
		assert.FileExists(t, s.Path)
	}
}

func TestCaptureErrors(t *testing.T) {
	_, err := NewCapturer(nil, nil).Capture(context.Background(), "http://localhost:4322", t.TempDir())
	assert.ErrorIs(t, err, ErrNoBrowser)

	bc := &browsertest.Capability{ScrollHeight: 2000, NavigateErr: errors.New("net::ERR_CONNECTION_REFUSED")}
	_, err = quickCapturer(bc).Capture(context.Background(), "http://localhost:4322", t.TempDir())
	assert.ErrorContains(t, err, "desktop navigation")

	bc = &browsertest.Capability{ScrollHeight: 2000, FailShots: map[string]bool{"mobile-section-1.png": true}}
	_, err = quickCapturer(bc).Capture(context.Background(), "http://localhost:4322", t.TempDir())
	assert.ErrorContains(t, err, "mobile screenshot 1")
}

func TestRunPassesWithMinorIssues(t *testing.T) {
	h := newHarness(Options{AutoFix: true, MaxFixCycles: 1})
	h.runner.On(AnalysisAgent, sequence(reportJSON(t, 85, SeverityMinor, SeverityMinor)))

	m := h.v.NewMachine("job-1")
	out := h.v.Run(context.Background(), t.TempDir(), m)

	assert.False(t, out.Skipped())
	assert.Nil(t, out.Final)
	assert.Equal(t, 85, out.Report().Score)
	assert.True(t, out.Report().Validated())
	assert.Zero(t, h.runner.Count(FixAgent))
	assert.Zero(t, h.builder.calls)
	assert.Equal(t, StateDone, m.State())
	assert.Equal(t, []State{StateIdle, StateServerStarting, StateCapturing, StateAnalyzing, StatePassed, StateDone}, states(out.Transitions))
	require.Len(t, h.starter.servers, 1)
	assert.Equal(t, 1, h.starter.servers[0].stopped)
}

func TestRunFixesBlockingIssuesOnce(t *testing.T) {
	h := newHarness(Options{AutoFix: true, MaxFixCycles: 1})
	// The final report still has a critical issue; it must not be fixed again.
	h.runner.On(AnalysisAgent, sequence(
		reportJSON(t, 55, SeverityCritical, SeverityMinor),
		reportJSON(t, 60, SeverityCritical),
	))
	dir := t.TempDir()

	m := h.v.NewMachine("job-2")
	out := h.v.Run(context.Background(), dir, m)

	assert.False(t, out.Skipped())
	assert.Equal(t, 1, out.FixCycles)
	assert.Equal(t, 1, h.runner.Count(FixAgent))
	assert.Equal(t, 2, h.runner.Count(AnalysisAgent))
	assert.Equal(t, 1, h.builder.calls)
	assert.Equal(t, 55, out.Initial.Score)
	require.NotNil(t, out.Final)
	assert.Equal(t, 60, out.Report().Score)
	assert.Equal(t, StateDone, m.State())
	assert.Equal(t, []State{
		StateIdle, StateServerStarting, StateCapturing, StateAnalyzing, StateNeedsFix,
		StateFixing, StateRebuilding, StateFinalAnalyzing, StateDone,
	}, states(out.Transitions))
	assert.Equal(t, EventBudgetExhausted, out.Transitions[len(out.Transitions)-1].Event)

	// Preview restarted on the rebuilt site; both servers stopped.
	require.Len(t, h.starter.servers, 2)
	for _, s := range h.starter.servers {
		assert.Equal(t, 1, s.stopped)
	}

	var fixPrompt string
	for _, c := range h.runner.Calls() {
		if c.Agent == FixAgent {
			fixPrompt = c.Prompt
		}
	}
	assert.Contains(t, fixPrompt, "1. [CRITICAL] hero: title overflows a\n   Suggestion: add break-words")
	assert.NotContains(t, fixPrompt, "[MINOR]")
	assert.Contains(t, fixPrompt, dir)
}

func TestRunAutofixDisabled(t *testing.T) {
	h := newHarness(Options{AutoFix: false, MaxFixCycles: 1})
	h.runner.On(AnalysisAgent, sequence(reportJSON(t, 40, SeverityCritical, SeverityMajor)))

	m := h.v.NewMachine("job-3")
	out := h.v.Run(context.Background(), t.TempDir(), m)

	assert.False(t, out.Skipped())
	assert.Zero(t, h.runner.Count(FixAgent))
	assert.False(t, out.Report().Validated())
	assert.Equal(t, StateDone, m.State())
}

func TestRunZeroFixBudget(t *testing.T) {
	h := newHarness(Options{AutoFix: true, MaxFixCycles: 0})
	h.runner.On(AnalysisAgent, sequence(reportJSON(t, 40, SeverityMajor)))

	m := h.v.NewMachine("job-4")
	out := h.v.Run(context.Background(), t.TempDir(), m)

	assert.Zero(t, h.runner.Count(FixAgent))
	assert.Equal(t, StateDone, m.State())
	assert.Equal(t, []State{StateIdle, StateServerStarting, StateCapturing, StateAnalyzing, StatePassed, StateDone}, states(out.Transitions))
}

func TestRunTwoFixCycles(t *testing.T) {
	h := newHarness(Options{AutoFix: true, MaxFixCycles: 2})
	h.runner.On(AnalysisAgent, sequence(
		reportJSON(t, 30, SeverityCritical),
		reportJSON(t, 50, SeverityMajor),
		reportJSON(t, 70, SeverityMajor),
	))

	out := h.v.Run(context.Background(), t.TempDir(), h.v.NewMachine("job-5"))
	assert.Equal(t, 2, out.FixCycles)
	assert.Equal(t, 2, h.runner.Count(FixAgent))
	assert.Equal(t, 3, h.runner.Count(AnalysisAgent))
	assert.Equal(t, 70, out.Report().Score)
}

func TestRunRebuildFailureKeepsReport(t *testing.T) {
	h := newHarness(Options{AutoFix: true, MaxFixCycles: 1})
	h.builder.err = &build.BuildError{Step: build.StepBuild, ExitCode: 1, Output: "boom"}
	h.runner.On(AnalysisAgent, sequence(reportJSON(t, 45, SeverityCritical)))

	m := h.v.NewMachine("job-6")
	out := h.v.Run(context.Background(), t.TempDir(), m)

	assert.False(t, out.Skipped())
	var be *build.BuildError
	assert.ErrorAs(t, out.RebuildErr, &be)
	assert.Nil(t, out.Final)
	assert.Equal(t, 45, out.Report().Score)
	assert.Equal(t, 1, h.runner.Count(AnalysisAgent))
	assert.Equal(t, StateDone, m.State())
}

func TestRunSkipped(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(h *harness)
		wantStage State
	}{
		{
			name:      "server does not start",
			setup:     func(h *harness) { h.starter.err = errors.New("exited before becoming ready") },
			wantStage: StateServerStarting,
		},
		{
			name:      "browser fails",
			setup:     func(h *harness) { h.browser.NewSessionErr = errors.New("chrome not found") },
			wantStage: StateCapturing,
		},
		{
			name:      "no report written",
			setup:     func(h *harness) {},
			wantStage: StateAnalyzing,
		},
		{
			name: "unparsable report",
			setup: func(h *harness) {
				h.runner.On(AnalysisAgent, agenttest.WriteFile(ReportFile, "score: 80"))
			},
			wantStage: StateAnalyzing,
		},
		{
			name: "agent missing",
			setup: func(h *harness) {
				h.runner.On(AnalysisAgent, agenttest.Fail(&agents.AgentNotFoundError{Executable: "claude", Err: errors.New("not found")}))
			},
			wantStage: StateAnalyzing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(Options{AutoFix: true, MaxFixCycles: 1})
			tt.setup(h)
			m := h.v.NewMachine("job")

			out := h.v.Run(context.Background(), t.TempDir(), m)
			require.True(t, out.Skipped())
			assert.Equal(t, tt.wantStage, out.Skip.Stage)
			assert.Contains(t, out.Skip.Error(), "validation skipped")
			assert.Equal(t, StateSkipped, m.State())
			assert.Nil(t, out.Report())
			for _, s := range h.starter.servers {
				assert.Equal(t, 1, s.stopped)
			}
		})
	}
}

func TestRunFinalAnalysisFailureSkips(t *testing.T) {
	h := newHarness(Options{AutoFix: true, MaxFixCycles: 1})
	n := 0
	h.runner.On(AnalysisAgent, func(call agenttest.Call) (string, error) {
		n++
		if n > 1 {
			return "", &agents.AgentExecutionError{Agent: AnalysisAgent, ExitCode: 1}
		}
		return "ok", os.WriteFile(filepath.Join(call.WorkDir, ReportFile), []byte(reportJSON(t, 20, SeverityCritical)), 0o644)
	})

	out := h.v.Run(context.Background(), t.TempDir(), h.v.NewMachine("job"))
	require.True(t, out.Skipped())
	assert.Equal(t, StateFinalAnalyzing, out.Skip.Stage)
	assert.Equal(t, 20, out.Initial.Score)
	assert.Equal(t, 1, out.FixCycles)
	assert.Equal(t, 1, h.runner.Count(FixAgent))
}

func TestAnalysisPrompt(t *testing.T) {
	h := newHarness(Options{})
	h.runner.On(AnalysisAgent, sequence(reportJSON(t, 90)))
	dir := t.TempDir()

	h.v.Run(context.Background(), dir, h.v.NewMachine("job"))
	calls := h.runner.Calls()
	require.Len(t, calls, 1)
	p := calls[0].Prompt
	assert.Contains(t, p, filepath.Join(dir, ScreenshotsDir, "desktop-section-1.png")+" (desktop, section 1)")
	assert.Contains(t, p, "(mobile, section 4)")
	assert.Contains(t, p, filepath.Join(dir, ReportFile))
	for _, category := range []string{"Text and legibility", "Layout and spacing", "Images and media", "UI components", "Responsive", "Consistency"} {
		assert.Contains(t, p, category)
	}
	assert.Contains(t, p, strings.Join(reportSections, "|"))
}

func TestMachine(t *testing.T) {
	m := NewMachine("job", 1)
	sub := m.Subscribe(8)

	for _, e := range []Event{EventStart, EventServerReady, EventCaptured} {
		_, err := m.Fire(e, "")
		require.NoError(t, err)
	}
	_, err := m.Fire(EventFixed, "")
	assert.ErrorContains(t, err, "invalid transition: state=analyzing event=fixed")
	assert.Equal(t, StateAnalyzing, m.State())

	tr, err := m.Fire(EventIssuesFound, "1 critical")
	require.NoError(t, err)
	assert.Equal(t, StateNeedsFix, tr.To)
	assert.Equal(t, "job", tr.JobID)
	assert.NotEmpty(t, tr.ID)

	_, err = m.Fire(EventFix, "")
	require.NoError(t, err)
	assert.Equal(t, 1, m.FixCycles())
	assert.False(t, m.IsTerminal())

	got := 0
	for len(sub) > 0 {
		<-sub
		got++
	}
	assert.Equal(t, 5, got)
	assert.Len(t, m.History(), 5)

	m.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
}

func TestMachineObservers(t *testing.T) {
	m := NewMachine("job", 0)
	var seen []string
	m.OnTransition(func(tr Transition) {
		// The machine is unlocked while observers run.
		seen = append(seen, fmt.Sprintf("%s:%s", tr.Event, m.State()))
	})

	_, err := m.Fire(EventStart, "")
	require.NoError(t, err)
	_, err = m.Fire(EventFixed, "")
	require.Error(t, err)
	_, err = m.Fire(EventServerReady, "")
	require.NoError(t, err)

	assert.Equal(t, []string{
		fmt.Sprintf("%s:%s", EventStart, StateServerStarting),
		fmt.Sprintf("%s:%s", EventServerReady, StateCapturing),
	}, seen)
}

func TestReportBlocking(t *testing.T) {
	r := &Report{Issues: []Issue{
		{Severity: SeverityMinor, Description: "m"},
		{Severity: SeverityMajor, Description: "M1"},
		{Severity: SeverityCritical, Description: "C"},
		{Severity: SeverityMajor, Description: "M2"},
	}}
	var got []string
	for _, i := range r.Blocking() {
		got = append(got, i.Description)
	}
	assert.Equal(t, []string{"C", "M1", "M2"}, got)
	assert.Equal(t, map[Severity]int{SeverityMinor: 1, SeverityMajor: 2, SeverityCritical: 1}, r.Counts())

	var nilReport *Report
	assert.Empty(t, nilReport.Blocking())
	assert.False(t, nilReport.Validated())
}

func TestReadReportNormalizesSeverity(t *testing.T) {
	tests := []struct {
		raw      string
		want     Severity
		blocking bool
	}{
		{"Critical", SeverityCritical, true},
		{"MAJOR", SeverityMajor, true},
		{" major ", SeverityMajor, true},
		{"Minor", SeverityMinor, false},
		{"cosmetic", Severity("cosmetic"), false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), ReportFile)
			doc := fmt.Sprintf(`{"status":"issues","score":60,"issues":[{"severity":%q,"description":"x"}]}`, tt.raw)
			require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

			r, err := ReadReport(path)
			require.NoError(t, err)
			require.Len(t, r.Issues, 1)
			assert.Equal(t, tt.want, r.Issues[0].Severity)
			assert.Equal(t, tt.blocking, r.Issues[0].Blocking())
		})
	}
}
