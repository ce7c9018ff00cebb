package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"sitebuilder/internal/logging"
)

// Build steps.
const (
	StepDetect  = "detect"
	StepInstall = "install"
	StepBuild   = "build"
)

const maxOutput = 1 << 20

// BuildError is a failed dependency install or build command. It is kept
// apart from agent errors: it needs a code fix, not fallback content.
type BuildError struct {
	Step     string
	ExitCode int
	Output   string
	Err      error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Step)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" with code %d", e.ExitCode)
	}
	if tail := e.Tail(5); tail != "" {
		msg += ": " + tail
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BuildError) Unwrap() error { return e.Err }

// Tail returns the last n non-empty lines of the command output.
func (e *BuildError) Tail(n int) string {
	return lastLines(e.Output, n)
}

// Result describes a successful build.
type Result struct {
	Config    *Config
	OutputDir string
	Duration  time.Duration
	Output    string
}

// Runner runs npm in a project directory.
type Runner struct {
	npm     string
	env     []string
	timeout time.Duration
	log     *zap.Logger
}

// NewRunner creates a runner. An empty npm means "npm" from PATH.
func NewRunner(npm string, log *zap.Logger) *Runner {
	if npm == "" {
		npm = "npm"
	}
	return &Runner{
		npm:     npm,
		timeout: 10 * time.Minute,
		log:     logging.OrNop(log).With(zap.String("component", "build")),
	}
}

// WithEnv adds environment variables to every command.
func (r *Runner) WithEnv(env ...string) *Runner {
	r.env = append(r.env, env...)
	return r
}

// NPM returns the npm executable used by the runner.
func (r *Runner) NPM() string { return r.npm }

// Build installs the dependencies and runs the build command. Any failure
// is a *BuildError.
func (r *Runner) Build(ctx context.Context, projectDir string) (*Result, error) {
	start := time.Now()
	cfg, err := Detect(projectDir)
	if err != nil {
		return nil, &BuildError{Step: StepDetect, Err: err}
	}

	var out strings.Builder
	if len(cfg.InstallArgs) > 0 {
		r.log.Info("installing dependencies", zap.String("dir", projectDir))
		o, err := r.run(ctx, projectDir, StepInstall, cfg.InstallArgs)
		out.WriteString(o)
		if err != nil {
			return nil, err
		}
	}
	if len(cfg.BuildArgs) > 0 {
		r.log.Info("building site", zap.String("framework", cfg.Framework))
		o, err := r.run(ctx, projectDir, StepBuild, cfg.BuildArgs)
		out.WriteString(o)
		if err != nil {
			return nil, err
		}
	}

	dist := filepath.Join(projectDir, cfg.OutputDir)
	if _, err := os.Stat(dist); err != nil {
		return nil, &BuildError{Step: StepBuild, Output: out.String(), Err: fmt.Errorf("output directory %s missing: %w", cfg.OutputDir, err)}
	}

	res := &Result{Config: cfg, OutputDir: dist, Duration: time.Since(start), Output: out.String()}
	r.log.Info("build completed", zap.Duration("duration", res.Duration))
	return res, nil
}

func (r *Runner) run(ctx context.Context, dir, step string, args []string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.npm, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.env...)
	buf := &limitedBuffer{max: maxOutput}
	cmd.Stdout = buf
	cmd.Stderr = buf

	err := cmd.Run()
	output := buf.String()
	if err == nil {
		return output, nil
	}

	be := &BuildError{Step: step, Output: output, Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		be.ExitCode = exitErr.ExitCode()
	}
	r.log.Warn("build step failed", zap.String("step", step), zap.Int("exit_code", be.ExitCode), zap.Error(err))
	return output, be
}

// limitedBuffer keeps the last half of its data once max is exceeded.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.buf.Write(p)
	if b.buf.Len() > b.max {
		data := b.buf.Bytes()
		keep := append([]byte(nil), data[len(data)-b.max/2:]...)
		b.buf.Reset()
		b.buf.Write(keep)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	var kept []string
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			kept = append([]string{l}, kept...)
		}
	}
	return strings.Join(kept, "\n")
}
