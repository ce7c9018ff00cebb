package agents

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	versionTimeout = 10 * time.Second
	authTimeout    = 15 * time.Second
)

// Status describes whether the agent CLI is usable on this host.
type Status struct {
	Installed     bool   `json:"installed"`
	Version       string `json:"version,omitempty"`
	Authenticated bool   `json:"authenticated"`
	Error         string `json:"error,omitempty"`
}

// CheckStatus checks the agent CLI: first its version, then a short prompt
// that fails with a login hint when no credentials are configured.
func (i *CLIInvoker) CheckStatus(ctx context.Context) Status {
	var st Status

	out, err := i.quickRun(ctx, versionTimeout, "--version")
	if err != nil {
		if isNotFound(err) {
			st.Error = "agent CLI is not installed"
		} else {
			st.Error = strings.TrimSpace(out)
			if st.Error == "" {
				st.Error = err.Error()
			}
		}
		return st
	}
	st.Installed = true
	st.Version = strings.TrimSpace(out)

	out, err = i.quickRun(ctx, authTimeout, "--print", "Reply with OK")
	if NeedsLogin(out) {
		st.Error = "not logged in"
		return st
	}
	if err != nil {
		st.Error = strings.TrimSpace(firstLine(out))
		if st.Error == "" {
			st.Error = err.Error()
		}
		return st
	}
	st.Authenticated = true
	return st
}

// NeedsLogin reports whether CLI output asks the user to log in.
func NeedsLogin(output string) bool {
	return strings.Contains(output, "Not logged in") || strings.Contains(output, "/login")
}

func (i *CLIInvoker) quickRun(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := i.cfg.Binary
	if i.cfg.WrapperPath != "" && i.isRoot() && i.fileExists(i.cfg.WrapperPath) {
		name = i.cfg.WrapperPath
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), "HOME="+i.home())
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}
