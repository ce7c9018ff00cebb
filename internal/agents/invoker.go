// Package agents runs prompts through the external coding agent CLI.
package agents

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"sitebuilder/internal/agentlog"
	"sitebuilder/internal/logging"
	"sitebuilder/internal/metrics"
)

// DefaultHome is used for HOME when the environment does not define one.
const DefaultHome = "/home/claude"

// Runner runs one prompt through the coding agent and returns its stdout.
// Implementations must not retry.
type Runner interface {
	Run(ctx context.Context, agent, prompt, workDir string) (string, error)
}

// Recorder brackets an invocation in the session audit log.
type Recorder interface {
	Start(agent, prompt string) *agentlog.Invocation
	End(inv *agentlog.Invocation, exitCode int, err error) agentlog.Entry
}

// Config describes how the agent executable is launched.
type Config struct {
	Binary      string
	WrapperPath string
	Home        string
	Timeout     time.Duration
}

// CLIInvoker launches the agent CLI as a subprocess.
type CLIInvoker struct {
	cfg      Config
	recorder Recorder
	log      *zap.Logger

	isRoot     func() bool
	fileExists func(string) bool
}

// NewCLIInvoker creates an invoker. recorder may be nil.
func NewCLIInvoker(cfg Config, recorder Recorder, log *zap.Logger) *CLIInvoker {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	return &CLIInvoker{
		cfg:      cfg,
		recorder: recorder,
		log:      logging.OrNop(log).With(zap.String("component", "agent")),
		isRoot:   func() bool { return os.Geteuid() == 0 },
		fileExists: func(p string) bool {
			info, err := os.Stat(p)
			return err == nil && !info.IsDir()
		},
	}
}

// WithRecorder returns a copy of the invoker bound to another session log.
func (i *CLIInvoker) WithRecorder(r Recorder) *CLIInvoker {
	cp := *i
	cp.recorder = r
	return &cp
}

// Command returns the executable and arguments used for prompt. Root
// processes go through the user-switching wrapper when it is installed.
func (i *CLIInvoker) Command(prompt string) (string, []string) {
	args := []string{"--dangerously-skip-permissions", "--print", prompt}
	if i.cfg.WrapperPath != "" && i.isRoot() && i.fileExists(i.cfg.WrapperPath) {
		return i.cfg.WrapperPath, args
	}
	return i.cfg.Binary, args
}

// Run executes the agent in workDir and blocks until it exits.
func (i *CLIInvoker) Run(ctx context.Context, agent, prompt, workDir string) (string, error) {
	var inv *agentlog.Invocation
	if i.recorder != nil {
		inv = i.recorder.Start(agent, prompt)
	}

	if i.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.Timeout)
		defer cancel()
	}

	name, args := i.Command(prompt)
	if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
		result := &AgentExecutionError{Agent: agent, ExitCode: -1, Stderr: "working directory " + workDir + " is not available"}
		if inv != nil {
			i.recorder.End(inv, -1, result)
		}
		return "", result
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "HOME="+i.home())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	i.log.Info("agent started", zap.String("agent", agent), zap.String("exec", name), zap.String("dir", workDir))

	runErr := cmd.Run()
	exitCode := 0
	var result error

	switch {
	case runErr == nil:
	case isNotFound(runErr):
		exitCode = -1
		result = &AgentNotFoundError{Executable: name, Err: runErr}
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
		result = &AgentExecutionError{Agent: agent, ExitCode: exitCode, Stderr: stderr.String()}
	}

	if inv != nil {
		inv.Stdout = stdout.String()
		inv.Stderr = stderr.String()
		i.recorder.End(inv, exitCode, runErrOrNil(result, runErr))
	}

	status := "success"
	if result != nil {
		status = "error"
	}
	metrics.Get().RecordAgentInvocation(agent, status, time.Since(started))
	i.log.Info("agent finished",
		zap.String("agent", agent),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", time.Since(started)),
	)

	if result != nil {
		return stdout.String(), result
	}
	return stdout.String(), nil
}

func (i *CLIInvoker) home() string {
	if i.cfg.Home != "" {
		return i.cfg.Home
	}
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return DefaultHome
}

func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

// runErrOrNil keeps successful runs free of an error in the audit entry.
func runErrOrNil(result, runErr error) error {
	if result == nil {
		return nil
	}
	return runErr
}

// IsFatal reports whether err must abort the generation job rather than be
// absorbed by a fallback.
func IsFatal(err error) bool {
	var nf *AgentNotFoundError
	return errors.As(err, &nf)
}
