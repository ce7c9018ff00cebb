package agents

import "fmt"

// AgentExecutionError is returned when the agent process exits non-zero.
type AgentExecutionError struct {
	Agent    string
	ExitCode int
	Stderr   string
}

func (e *AgentExecutionError) Error() string {
	msg := fmt.Sprintf("agent %s failed with code %d", e.Agent, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + firstLine(e.Stderr)
	}
	return msg
}

// AgentNotFoundError is returned when the agent executable cannot be found.
// It is fatal for a generation job.
type AgentNotFoundError struct {
	Executable string
	Err        error
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("agent executable %q not found: %v", e.Executable, e.Err)
}

func (e *AgentNotFoundError) Unwrap() error { return e.Err }

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
