package validation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"sitebuilder/internal/agents"
	"sitebuilder/internal/build"
	"sitebuilder/internal/logging"
	"sitebuilder/internal/preview"
)

// Builder rebuilds the project after a fix.
type Builder interface {
	Build(ctx context.Context, projectDir string) (*build.Result, error)
}

// Server is a running preview of the built site.
type Server interface {
	URL() string
	Stop()
}

// ServerStarter launches the preview server of a project.
type ServerStarter func(ctx context.Context, projectDir string) (Server, error)

// PreviewStarter starts the npm preview server with opts.
func PreviewStarter(opts preview.Options, log *zap.Logger) ServerStarter {
	return func(ctx context.Context, projectDir string) (Server, error) {
		s, err := preview.Start(ctx, projectDir, opts, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Options controls the fix policy.
type Options struct {
	AutoFix      bool
	MaxFixCycles int
}

// SkippedError means validation could not complete. It never fails a job.
type SkippedError struct {
	Stage State
	Err   error
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("validation skipped during %s: %v", e.Stage, e.Err)
}

func (e *SkippedError) Unwrap() error { return e.Err }

// Outcome is the result of a validation run.
type Outcome struct {
	Initial   *Report
	Final     *Report
	FixCycles int
	// RebuildErr is set when the rebuild after a fix failed; the last
	// report is then kept.
	RebuildErr  error
	Skip        *SkippedError
	Transitions []Transition
}

// Report returns the last report produced.
func (o *Outcome) Report() *Report {
	if o.Final != nil {
		return o.Final
	}
	return o.Initial
}

func (o *Outcome) Skipped() bool { return o.Skip != nil }

// Validator runs the validation loop.
type Validator struct {
	agent    agents.Runner
	capturer *Capturer
	builder  Builder
	start    ServerStarter
	opts     Options
	log      *zap.Logger
}

func NewValidator(agent agents.Runner, capturer *Capturer, builder Builder, start ServerStarter, opts Options, log *zap.Logger) *Validator {
	if opts.MaxFixCycles < 0 {
		opts.MaxFixCycles = 0
	}
	return &Validator{
		agent:    agent,
		capturer: capturer,
		builder:  builder,
		start:    start,
		opts:     opts,
		log:      logging.OrNop(log).With(zap.String("component", "validation")),
	}
}

// NewMachine returns a state machine sized to the validator's fix budget.
func (v *Validator) NewMachine(jobID string) *Machine {
	budget := v.opts.MaxFixCycles
	if !v.opts.AutoFix {
		budget = 0
	}
	return NewMachine(jobID, budget)
}

// Run validates the built project. m must be fresh; callers subscribe to it
// before calling Run to follow the transitions. Run never returns an error:
// failures end in a skipped outcome.
func (v *Validator) Run(ctx context.Context, projectDir string, m *Machine) *Outcome {
	out := &Outcome{}
	defer func() { out.Transitions = m.History() }()

	fire := func(e Event, detail string) {
		if _, err := m.Fire(e, detail); err != nil {
			v.log.Error("validation state machine", zap.Error(err))
		}
	}
	skip := func(err error) *Outcome {
		stage := m.State()
		out.Skip = &SkippedError{Stage: stage, Err: err}
		fire(EventFail, err.Error())
		v.log.Warn("validation skipped", zap.String("stage", string(stage)), zap.Error(err))
		return out
	}

	var server Server
	defer func() {
		if server != nil {
			server.Stop()
		}
	}()

	fire(EventStart, projectDir)
	server, err := v.start(ctx, projectDir)
	if err != nil {
		return skip(err)
	}
	fire(EventServerReady, server.URL())

	report, err := v.review(ctx, server.URL(), projectDir, func() { fire(EventCaptured, "") })
	if err != nil {
		return skip(err)
	}
	out.Initial = report

	for {
		if !v.needsFix(report) {
			if m.State() == StateAnalyzing {
				fire(EventPass, summary(report))
				fire(EventFinish, "")
			} else {
				fire(EventPass, summary(report))
			}
			return out
		}

		tr, _ := m.Fire(EventIssuesFound, summary(report))
		if tr.Event == EventBudgetExhausted {
			if tr.To == StatePassed {
				fire(EventFinish, "")
			}
			return out
		}

		fire(EventFix, fmt.Sprintf("%d blocking issues", len(report.Blocking())))
		v.fix(ctx, report, projectDir)
		fire(EventFixed, "")

		if _, err := v.builder.Build(ctx, projectDir); err != nil {
			out.RebuildErr = err
			fire(EventRebuildFailed, err.Error())
			v.log.Warn("rebuild after fix failed, keeping the last report", zap.Error(err))
			return out
		}

		// The preview serves the previous build; restart it on the new one.
		server.Stop()
		server, err = v.start(ctx, projectDir)
		fire(EventRebuilt, "")
		if err != nil {
			server = nil
			out.FixCycles = m.FixCycles()
			return skip(err)
		}

		report, err = v.review(ctx, server.URL(), projectDir, nil)
		out.FixCycles = m.FixCycles()
		if err != nil {
			return skip(err)
		}
		out.Final = report
	}
}

func (v *Validator) review(ctx context.Context, url, projectDir string, captured func()) (*Report, error) {
	shots, err := v.capturer.Capture(ctx, url, projectDir)
	if err != nil {
		return nil, err
	}
	if captured != nil {
		captured()
	}
	report, err := v.analyze(ctx, shots, projectDir)
	if err != nil {
		return nil, err
	}
	c := report.Counts()
	v.log.Info("validation report",
		zap.Int("score", report.Score),
		zap.String("status", report.Status),
		zap.Int("critical", c[SeverityCritical]),
		zap.Int("major", c[SeverityMajor]),
		zap.Int("minor", c[SeverityMinor]))
	return report, nil
}

func (v *Validator) needsFix(r *Report) bool {
	return v.opts.AutoFix && len(r.Blocking()) > 0
}

func summary(r *Report) string {
	c := r.Counts()
	return fmt.Sprintf("score %d, %d critical, %d major, %d minor", r.Score, c[SeverityCritical], c[SeverityMajor], c[SeverityMinor])
}
