package pipeline

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"sitebuilder/internal/agentlog"
	"sitebuilder/internal/agents"
	"sitebuilder/internal/browser"
	"sitebuilder/internal/build"
	"sitebuilder/internal/config"
	"sitebuilder/internal/content"
	"sitebuilder/internal/creative"
	"sitebuilder/internal/design"
	"sitebuilder/internal/logging"
	"sitebuilder/internal/media"
	"sitebuilder/internal/metrics"
	"sitebuilder/internal/sections"
	"sitebuilder/internal/stock"
	"sitebuilder/internal/storage"
	"sitebuilder/internal/validation"
)

// BuildFixAgent repairs a failed build.
const BuildFixAgent = "build-fix"

// buildFixTail is the number of build output lines handed to the fix agent.
const buildFixTail = 60

//go:embed prompts/build-fix.tmpl
var buildFixTmpl string

var buildFixPrompt = template.Must(template.New("build-fix").Parse(buildFixTmpl))

// AgentFactory returns a runner bound to the session log of one job.
type AgentFactory func(recorder agents.Recorder) agents.Runner

// CLIAgents shares one CLI invoker between jobs, each with its own log.
func CLIAgents(inv *agents.CLIInvoker) AgentFactory {
	return func(recorder agents.Recorder) agents.Runner {
		return inv.WithRecorder(recorder)
	}
}

// Deps are the collaborators of a pipeline. Browser, Stock, Digester,
// Preview and Store are optional.
type Deps struct {
	Config   *config.Config
	Rules    *config.Rules
	Agents   AgentFactory
	Browser  browser.ScreenshotCapability
	Stock    *stock.Library
	HTTP     *http.Client
	Digester *content.Digester
	Builder  validation.Builder
	Preview  validation.ServerStarter
	Store    storage.Store
	Sink     ProgressSink
	Log      *zap.Logger
}

// Result is what a completed job produced.
type Result struct {
	OutputDir        string              `json:"outputDir"`
	Profile          *design.Profile     `json:"profile,omitempty"`
	Direction        creative.Direction  `json:"direction"`
	Sections         *sections.Report    `json:"sections,omitempty"`
	Build            *build.Result       `json:"build,omitempty"`
	Validation       *validation.Outcome `json:"validation,omitempty"`
	Score            *int                `json:"score,omitempty"`
	ArtifactKey      string              `json:"artifactKey,omitempty"`
	ArtifactLocation string              `json:"artifactLocation,omitempty"`
	Violations       []content.Violation `json:"violations,omitempty"`
}

// Pipeline runs generation jobs. It holds no per-job state and may run
// several jobs at once.
type Pipeline struct {
	cfg      *config.Config
	rules    *config.Rules
	agents   AgentFactory
	browser  browser.ScreenshotCapability
	stock    *stock.Library
	http     *http.Client
	digester *content.Digester
	builder  validation.Builder
	preview  validation.ServerStarter
	store    storage.Store
	sink     ProgressSink
	log      *zap.Logger
}

func New(d Deps) *Pipeline {
	p := &Pipeline{
		cfg:      d.Config,
		rules:    d.Rules,
		agents:   d.Agents,
		browser:  d.Browser,
		stock:    d.Stock,
		http:     d.HTTP,
		digester: d.Digester,
		builder:  d.Builder,
		preview:  d.Preview,
		store:    d.Store,
		sink:     d.Sink,
		log:      logging.OrNop(d.Log).With(zap.String("component", "pipeline")),
	}
	if p.rules == nil {
		p.rules = config.DefaultRules()
	}
	if p.sink == nil {
		p.sink = NopSink{}
	}
	if p.http == nil {
		p.http = media.NewHTTPClient()
	}
	if p.builder == nil {
		p.builder = build.NewRunner("", p.log)
	}
	if p.agents == nil {
		p.agents = CLIAgents(agents.NewCLIInvoker(agents.Config{}, nil, p.log))
	}
	return p
}

// DefaultOptions returns the job options implied by the configuration.
func DefaultOptions(cfg *config.Config) Options {
	return Options{
		SkipValidation: cfg.Validation.Skip,
		NoFix:          cfg.Validation.NoFix,
		Creative:       cfg.CreativeByDefault,
		MaxFixCycles:   cfg.Validation.MaxFixCycles,
	}
}

// run carries the state of one job between phases.
type run struct {
	p     *Pipeline
	job   *Job
	dir   string
	log   *zap.Logger
	alog  *agentlog.Logger
	agent agents.Runner
	res   *Result

	extracted media.Result
	extra     []string
	credits   []string
	bundle    *content.Bundle

	// unpublishable is why the build output must not be archived.
	unpublishable string
}

// Run executes job to completion. The returned error is the one that failed
// the job: a content schema error, a missing agent, an unrecovered build
// error, or a setup failure. Everything else is logged and absorbed.
func (p *Pipeline) Run(ctx context.Context, job *Job) (*Result, error) {
	r := &run{
		p:   p,
		job: job,
		dir: p.cfg.ClientDir(job.SiteName),
		log: p.log.With(zap.String("job", job.ID), zap.String("site", job.SiteName)),
	}
	r.res = &Result{OutputDir: r.dir}

	start := time.Now()
	job.start()
	p.sink.Status(job)
	r.info(fmt.Sprintf("Generating %s from %s", job.SiteName, job.Source))

	phases := []struct {
		phase Phase
		fn    func(context.Context) error
	}{
		{PhaseSetup, r.setup},
		{PhaseDesign, r.design},
		{PhaseMedia, r.media},
		{PhaseContent, r.content},
		{PhaseCreative, r.creative},
		{PhaseSections, r.sections},
		{PhaseBuild, r.build},
		{PhaseValidation, r.validate},
		{PhasePublish, r.publish},
	}
	for _, ph := range phases {
		if err := r.phase(ctx, ph.phase, ph.fn); err != nil {
			r.fail(ph.phase, err)
			return r.res, err
		}
	}

	job.complete()
	p.sink.Progress(job, 100)
	p.sink.Status(job)
	metrics.Get().RecordJob(string(StatusCompleted))
	r.info(fmt.Sprintf("Site generated in %s", time.Since(start).Round(time.Second)))
	r.log.Info("job completed", zap.Duration("duration", time.Since(start)))
	return r.res, nil
}

func (r *run) phase(ctx context.Context, phase Phase, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	started := time.Now()
	r.log.Debug("phase started", zap.String("phase", string(phase)))
	err := fn(ctx)
	d := time.Since(started)
	metrics.Get().RecordPhase(string(phase), d)

	entry := PhaseEntry{Phase: phase, Status: "completed", StartedAt: started, DurationMs: d.Milliseconds()}
	if err != nil {
		entry.Status, entry.Message = "failed", err.Error()
	}
	r.job.record(entry)
	if err == nil {
		if p, ok := checkpoints[phase]; ok {
			r.progress(p)
		}
	}
	return err
}

func (r *run) progress(p int) {
	if r.job.SetProgress(p) {
		r.p.sink.Progress(r.job, r.job.Progress())
	}
}

func (r *run) logLine(level Level, msg string) {
	r.p.sink.Log(r.job, level, msg)
	if r.alog == nil {
		return
	}
	switch level {
	case LevelError:
		r.alog.Error(msg)
	case LevelWarn:
		r.alog.Warn(msg)
	case LevelInfo:
		r.alog.Info(msg)
	}
}

func (r *run) info(msg string) { r.logLine(LevelInfo, msg) }
func (r *run) warn(msg string) { r.logLine(LevelWarn, msg) }

func (r *run) fail(phase Phase, err error) {
	msg := fmt.Sprintf("%s failed: %v", phase, err)
	r.job.fail(msg)
	r.logLine(LevelError, msg)
	r.p.sink.Status(r.job)
	metrics.Get().RecordJob(string(StatusFailed))
	r.log.Error("job failed", zap.String("phase", string(phase)), zap.Error(err))
}

func (r *run) setup(ctx context.Context) error {
	copied, err := Setup(r.p.cfg.TemplateDir, r.dir, r.job)
	if err != nil {
		return err
	}
	r.alog = agentlog.New(r.dir, r.log)
	r.agent = r.p.agents(r.alog)
	if len(copied) == 0 {
		r.warn(fmt.Sprintf("No template found in %s", r.p.cfg.TemplateDir))
	}
	r.info(fmt.Sprintf("Project created in %s", r.dir))
	return nil
}

func (r *run) design(ctx context.Context) error {
	var profile *design.Profile
	if browser.IsHTTPURL(r.job.Source) {
		profile = design.NewAnalyzer(r.p.rules, r.p.browser, r.agent, r.log).Analyze(ctx, r.job.Source, r.dir)
	}
	if profile == nil {
		industry := design.DetectIndustry(r.describe(), r.p.rules.Industries)
		profile = design.Fallback(industry, r.p.rules)
		r.info(fmt.Sprintf("Using the %s palette (no design analysis)", industry.Detected))
	} else {
		r.info(fmt.Sprintf("Design analyzed: industry %s (%.0f%%), %d screenshots",
			profile.Industry.Detected, profile.Industry.Confidence*100, len(profile.Screenshots)))
	}
	r.res.Profile = profile
	return nil
}

// describe is the text used for industry detection without a source site.
func (r *run) describe() string {
	parts := []string{r.job.Source, r.job.SiteName}
	for _, k := range []string{"description", "activity", "businessType", "industry"} {
		if s, ok := r.job.ClientInfo[k].(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func (r *run) media(ctx context.Context) error {
	r.extracted = media.NewExtractor(r.p.browser, r.p.http, r.log).Extract(ctx, r.job.Source, r.dir)
	if !r.extracted.Empty() {
		r.info(fmt.Sprintf("Media extracted: logo=%t hero=%t images=%d", r.extracted.Logo != "", r.extracted.Hero != "", len(r.extracted.Images)))
	}

	industry := r.res.Profile.Industry.Detected
	if r.p.stock != nil && r.p.stock.Configured() {
		keywords := industry
		if industry == design.DefaultIndustry {
			keywords = r.job.SiteName
		}
		fr, err := r.p.stock.FetchForSite(ctx, keywords, r.dir, stock.FetchOptions{Count: 5, Category: industry})
		if err != nil {
			r.warn(fmt.Sprintf("Stock images: %v", err))
		}
		if fr != nil {
			for _, img := range fr.Images {
				r.credits = append(r.credits, img.LocalPath)
			}
			r.info(fmt.Sprintf("%d stock images downloaded", len(fr.Images)))
		}
		return nil
	}

	paths, err := stock.CreatePlaceholders(r.dir, stock.DefaultPlaceholders(r.job.SiteName))
	if err != nil {
		r.warn(fmt.Sprintf("Placeholders: %v", err))
	}
	r.extra = paths
	r.info(fmt.Sprintf("No stock provider configured, %d placeholders created", len(paths)))
	return nil
}

func (r *run) content(ctx context.Context) error {
	src := content.Source{
		Input:      r.job.Source,
		ClientInfo: r.job.ClientInfo,
		Media: content.MediaRefs{
			Logo:   r.extracted.Logo,
			Hero:   r.extracted.Hero,
			Images: append(append([]string{}, r.extracted.Images...), r.extra...),
		},
		Credits: r.credits,
	}
	if browser.IsHTTPURL(r.job.Source) && r.p.digester != nil {
		d, err := r.p.digester.Fetch(ctx, r.job.Source)
		if err != nil {
			r.log.Warn("source digest failed", zap.Error(err))
		} else {
			src.Digest = d
		}
	}

	bundle, err := content.NewSynthesizer(r.agent, r.p.rules, r.p.cfg.StrictContentSchema, r.log).
		Synthesize(ctx, src, r.res.Profile, r.dir)
	if err != nil {
		return err
	}
	r.bundle = bundle
	r.res.Violations = bundle.Violations
	if n := len(bundle.Violations); n > 0 {
		r.warn(fmt.Sprintf("Content generated with %d schema warnings (first: %s)", n, bundle.Violations[0]))
	} else {
		r.info("Content generated")
	}
	return nil
}

func (r *run) creative(ctx context.Context) error {
	if r.job.Options.Creative {
		r.res.Direction = creative.NewDirector(r.agent, r.p.rules, r.log).Choose(ctx, r.res.Profile, r.dir)
	} else {
		r.res.Direction = creative.Fallback(r.p.rules, r.res.Profile)
	}
	r.info(fmt.Sprintf("Creative direction: %s", r.res.Direction.Style))
	return nil
}

func (r *run) sections(ctx context.Context) error {
	gen := sections.NewGenerator(r.agent, r.p.rules, r.p.cfg.TemplateDir, r.p.cfg.PromptsDir, r.log)
	report, err := gen.Generate(ctx, sections.Context{
		ProjectDir: r.dir,
		Profile:    r.res.Profile,
		Direction:  r.res.Direction,
		Content: map[string]any{
			"site":       r.bundle.Site,
			"navigation": r.bundle.Navigation,
			"content":    r.bundle.Content,
			"media":      r.bundle.Media,
		},
		OnSection: func(i, total int, name string) {
			r.progress(SectionProgress(i, total))
			r.info(fmt.Sprintf("Section %d/%d: %s", i, total, name))
		},
	})
	r.res.Sections = report
	if err != nil {
		var missing *sections.MissingComponentsError
		if !errors.As(err, &missing) {
			return err
		}
		r.warn(err.Error())
	}
	if report != nil {
		for _, s := range report.Sections {
			if s.Outcome != sections.OutcomeFallback {
				continue
			}
			msg := fmt.Sprintf("Section %s uses the default component: %s", s.Name, s.Error)
			if s.Required {
				r.warn(msg)
			} else {
				r.logLine(LevelDebug, msg)
			}
		}
	}
	return nil
}

func (r *run) build(ctx context.Context) error {
	res, err := r.p.builder.Build(ctx, r.dir)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		r.warn(fmt.Sprintf("Build failed, trying an automatic fix: %v", err))
		if ferr := r.fixBuild(ctx, err); ferr != nil {
			return ferr
		}
		res, err = r.p.builder.Build(ctx, r.dir)
		if err != nil {
			return err
		}
		r.info("Build fixed")
	}
	r.res.Build = res
	r.info(fmt.Sprintf("Build completed in %s", res.Duration.Round(time.Millisecond)))
	return nil
}

type buildFixData struct {
	ProjectDir string
	Step       string
	ExitCode   int
	Output     string
}

// BuildFixPrompt renders the repair request for a failed build.
func BuildFixPrompt(projectDir string, err error) (string, error) {
	data := buildFixData{ProjectDir: projectDir, Output: err.Error()}
	var be *build.BuildError
	if errors.As(err, &be) {
		data.Step = be.Step
		data.ExitCode = be.ExitCode
		if tail := be.Tail(buildFixTail); tail != "" {
			data.Output = tail
		}
	}
	var b bytes.Buffer
	if err := buildFixPrompt.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render build-fix prompt: %w", err)
	}
	return b.String(), nil
}

// fixBuild makes the single repair attempt. Only a missing agent is an
// error; the retry decides the rest.
func (r *run) fixBuild(ctx context.Context, cause error) error {
	prompt, err := BuildFixPrompt(r.dir, cause)
	if err != nil {
		return err
	}
	if _, err := r.agent.Run(ctx, BuildFixAgent, prompt, r.dir); err != nil {
		if agents.IsFatal(err) {
			return err
		}
		r.warn(fmt.Sprintf("Build fix agent failed: %v", err))
	}
	return nil
}

func (r *run) validate(ctx context.Context) error {
	if r.job.Options.SkipValidation {
		r.info("Visual validation skipped")
		return nil
	}
	if r.p.preview == nil {
		r.warn("Visual validation skipped: no preview server configured")
		return nil
	}

	v := validation.NewValidator(
		r.agent,
		validation.NewCapturer(r.p.browser, r.log),
		r.p.builder,
		r.p.preview,
		validation.Options{AutoFix: !r.job.Options.NoFix, MaxFixCycles: r.job.Options.MaxFixCycles},
		r.log,
	)
	m := v.NewMachine(r.job.ID)
	m.OnTransition(func(t validation.Transition) {
		r.logLine(LevelDebug, fmt.Sprintf("Validation %s -> %s (%s)", t.From, t.To, t.Event))
	})
	snapshot := r.snapshotBuild()
	out := v.Run(ctx, r.dir, m)

	r.res.Validation = out
	if out.Skipped() {
		r.warn(out.Skip.Error())
		return nil
	}
	if out.RebuildErr != nil {
		r.restoreBuild(snapshot, out.RebuildErr)
	}
	rep := out.Report()
	if rep == nil {
		return nil
	}
	score := rep.Score
	r.res.Score = &score
	metrics.Get().RecordValidationScore(score)
	c := rep.Counts()
	msg := fmt.Sprintf("Validation score %d/100 (%d critical, %d major, %d minor, %d fix cycles)",
		score, c[validation.SeverityCritical], c[validation.SeverityMajor], c[validation.SeverityMinor], out.FixCycles)
	if rep.Validated() {
		r.info(msg + ": site validated")
	} else {
		r.warn(msg)
	}
	return nil
}

// snapshotBuild zips the build output when a visual fix may rebuild over
// it. It returns nil when no fix can run or the output cannot be read.
func (r *run) snapshotBuild() []byte {
	if r.res.Build == nil || r.job.Options.NoFix || r.job.Options.MaxFixCycles <= 0 {
		return nil
	}
	data, err := build.ArchiveBytes(r.res.Build.OutputDir)
	if err != nil {
		r.log.Warn("snapshot build output", zap.Error(err))
		return nil
	}
	return data
}

// restoreBuild puts back the output of the last good build after a failed
// rebuild, which may have left the output directory half written. Without a
// snapshot the output is withheld from publishing.
func (r *run) restoreBuild(snapshot []byte, cause error) {
	if snapshot == nil {
		r.unpublishable = "the rebuild after a visual fix failed and no previous build was kept"
		r.warn(fmt.Sprintf("Rebuild after visual fix failed: %v", cause))
		return
	}
	if err := build.Restore(snapshot, r.res.Build.OutputDir); err != nil {
		r.unpublishable = fmt.Sprintf("restoring the previous build failed: %v", err)
		r.warn(fmt.Sprintf("Rebuild after visual fix failed: %v", cause))
		return
	}
	r.warn(fmt.Sprintf("Rebuild after visual fix failed, previous build restored: %v", cause))
}

// publish stores the zipped build output. A failure is only a warning.
func (r *run) publish(ctx context.Context) error {
	if r.p.store == nil || r.res.Build == nil {
		return nil
	}
	if r.unpublishable != "" {
		r.warn("Build archive not published: " + r.unpublishable)
		return nil
	}
	data, err := build.ArchiveBytes(r.res.Build.OutputDir)
	if err != nil {
		r.warn(fmt.Sprintf("Archive build output: %v", err))
		return nil
	}
	key := storage.ArtifactKey(r.job.SiteName, r.job.ID)
	if err := r.p.store.Upload(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		r.warn(fmt.Sprintf("Store build archive: %v", err))
		return nil
	}
	r.res.ArtifactKey = key
	r.res.ArtifactLocation = r.p.store.Location(key)
	r.info(fmt.Sprintf("Build archive stored at %s (%d bytes)", r.res.ArtifactLocation, len(data)))
	return nil
}
