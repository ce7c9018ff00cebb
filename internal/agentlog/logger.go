// Package agentlog keeps the audit trail of coding agent invocations for one
// generation session: a human-readable transcript and a JSON array of
// entries under <outputDir>/logs.
package agentlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sitebuilder/internal/logging"
)

const (
	TextFile     = "claude-cli.log"
	JSONFile     = "claude-cli.json"
	FallbackFile = "claude-cli.jsonl"

	promptLimit = 1000
	stdoutLimit = 2000
)

var separator = strings.Repeat("═", 80)

// Entry is one completed agent invocation.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	AgentName  string    `json:"agentName"`
	Prompt     string    `json:"prompt"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	ExitCode   int       `json:"exitCode"`
	DurationMs int64     `json:"durationMs"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// Invocation is an in-flight call opened by Start. The invoker fills Stdout
// and Stderr before handing it back to End.
type Invocation struct {
	ID        string
	Agent     string
	Prompt    string
	StartedAt time.Time
	Stdout    string
	Stderr    string
}

// Logger is session scoped: one per generation job. Files are created on the
// first write. No method returns an error.
type Logger struct {
	dir string
	log *zap.Logger
	now func() time.Time

	mu       sync.Mutex
	initOnce sync.Once
	initErr  error
}

// New returns a logger writing under <outputDir>/logs.
func New(outputDir string, log *zap.Logger) *Logger {
	return &Logger{
		dir: filepath.Join(outputDir, "logs"),
		log: logging.OrNop(log).With(zap.String("component", "agentlog")),
		now: time.Now,
	}
}

// Dir returns the directory holding the log files.
func (l *Logger) Dir() string { return l.dir }

func (l *Logger) ensureFiles() error {
	l.initOnce.Do(func() {
		if err := os.MkdirAll(l.dir, 0o755); err != nil {
			l.initErr = err
			return
		}
		jsonPath := filepath.Join(l.dir, JSONFile)
		if _, err := os.Stat(jsonPath); os.IsNotExist(err) {
			l.initErr = os.WriteFile(jsonPath, []byte("[]"), 0o644)
		}
	})
	return l.initErr
}

// Start records the beginning of an agent call.
func (l *Logger) Start(agent, prompt string) *Invocation {
	now := l.now()
	inv := &Invocation{
		ID:        fmt.Sprintf("%d-%s", now.UnixMilli(), agent),
		Agent:     agent,
		Prompt:    prompt,
		StartedAt: now,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendText(fmt.Sprintf("\n[%s] Starting agent: %s\n", now.Format(time.RFC3339), agent))
	return inv
}

// End closes an invocation and persists its entry. exitCode is -1 when the
// process never started.
func (l *Logger) End(inv *Invocation, exitCode int, cause error) Entry {
	end := l.now()
	status := "success"
	if exitCode != 0 || cause != nil {
		status = "error"
	}

	entry := Entry{
		ID:         inv.ID,
		Timestamp:  inv.StartedAt,
		AgentName:  inv.Agent,
		Prompt:     inv.Prompt,
		Stdout:     inv.Stdout,
		Stderr:     inv.Stderr,
		ExitCode:   exitCode,
		DurationMs: end.Sub(inv.StartedAt).Milliseconds(),
		Status:     status,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendText(formatEntry(entry, end))
	l.appendJSON(entry)
	return entry
}

// Info appends a free-form line to the transcript.
func (l *Logger) Info(msg string) { l.line("INFO", msg) }

// Warn appends a warning line to the transcript.
func (l *Logger) Warn(msg string) { l.line("WARN", msg) }

// Error appends an error line to the transcript.
func (l *Logger) Error(msg string) { l.line("ERROR", msg) }

func (l *Logger) line(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendText(fmt.Sprintf("[%s] [%s] %s\n", l.now().Format(time.RFC3339), level, msg))
}

func (l *Logger) appendText(s string) {
	if err := l.ensureFiles(); err != nil {
		l.log.Warn("agent log unavailable", zap.Error(err))
		return
	}
	f, err := os.OpenFile(filepath.Join(l.dir, TextFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.log.Warn("open agent transcript", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(s); err != nil {
		l.log.Warn("write agent transcript", zap.Error(err))
	}
}

// appendJSON rewrites the JSON array with the new entry. Any failure falls
// back to appending a single line to the JSONL file.
func (l *Logger) appendJSON(entry Entry) {
	if err := l.ensureFiles(); err != nil {
		return
	}
	jsonPath := filepath.Join(l.dir, JSONFile)

	err := func() error {
		data, err := os.ReadFile(jsonPath)
		if err != nil {
			return err
		}
		var entries []Entry
		if err := json.Unmarshal(data, &entries); err != nil {
			return err
		}
		entries = append(entries, entry)
		out, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(jsonPath, out, 0o644)
	}()
	if err == nil {
		return
	}

	l.log.Debug("structured agent log rewrite failed, using jsonl", zap.Error(err))
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(l.dir, FallbackFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.log.Warn("agent log fallback failed", zap.Error(err))
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}

func formatEntry(e Entry, end time.Time) string {
	var b strings.Builder
	b.WriteString("\n" + separator + "\n")
	fmt.Fprintf(&b, "[%s] Agent: %s\n", end.Format(time.RFC3339), e.AgentName)
	fmt.Fprintf(&b, "Status: %s | Code: %d | Duration: %dms\n", e.Status, e.ExitCode, e.DurationMs)
	b.WriteString(separator + "\n")
	fmt.Fprintf(&b, "\nPROMPT:\n%s\n", Truncate(e.Prompt, promptLimit))
	if e.Stdout != "" {
		fmt.Fprintf(&b, "\nSTDOUT:\n%s\n", Truncate(e.Stdout, stdoutLimit))
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, "\nSTDERR:\n%s\n", e.Stderr)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, "\nERROR:\n%s\n", e.Error)
	}
	return b.String()
}

// Truncate shortens s to at most limit runes and notes the original size.
func Truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return fmt.Sprintf("%s\n... [truncated, %d chars total]", string(r[:limit]), len(r))
}
