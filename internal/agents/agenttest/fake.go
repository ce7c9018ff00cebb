// Package agenttest provides a scriptable agents.Runner for tests.
package agenttest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
)

// Call is one recorded invocation.
type Call struct {
	Agent   string
	Prompt  string
	WorkDir string
}

// Handler simulates one agent. It may write files into workDir.
type Handler func(call Call) (string, error)

// Runner dispatches invocations to per-agent handlers. Agents without a
// handler succeed with empty output and write nothing.
type Runner struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
}

// New creates an empty runner.
func New() *Runner {
	return &Runner{handlers: make(map[string]Handler)}
}

// On registers the handler for agent, replacing any previous one.
func (r *Runner) On(agent string, h Handler) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[agent] = h
	return r
}

// Run implements agents.Runner.
func (r *Runner) Run(ctx context.Context, agent, prompt, workDir string) (string, error) {
	call := Call{Agent: agent, Prompt: prompt, WorkDir: workDir}
	r.mu.Lock()
	r.calls = append(r.calls, call)
	h := r.handlers[agent]
	r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if h == nil {
		return "", nil
	}
	return h(call)
}

// Calls returns the recorded invocations in order.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns how many times agent was invoked.
func (r *Runner) Count(agent string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Agent == agent {
			n++
		}
	}
	return n
}

// WriteFile returns a handler that writes content to rel under the working
// directory.
func WriteFile(rel, content string) Handler {
	return func(call Call) (string, error) {
		path := filepath.Join(call.WorkDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return "ok", os.WriteFile(path, []byte(content), 0o644)
	}
}

// Fail returns a handler that always fails with err.
func Fail(err error) Handler {
	return func(Call) (string, error) { return "", err }
}
