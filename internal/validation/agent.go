package validation

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"sitebuilder/internal/agents"
)

// Agent names in the invocation log.
const (
	AnalysisAgent = "visual-validation"
	FixAgent      = "visual-fix"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var prompts = template.Must(template.New("validation").
	Funcs(template.FuncMap{"join": strings.Join}).
	ParseFS(promptFS, "prompts/*.tmpl"))

// reportSections is the section vocabulary offered to the reviewer.
var reportSections = []string{"hero", "services", "testimonials", "pricing", "faq", "contact", "footer", "header"}

type analysisData struct {
	Screenshots []Screenshot
	Sections    []string
	OutputFile  string
}

// analyze asks the agent to review the screenshots. A missing or
// unparsable report is an error; so is a fatal agent error.
func (v *Validator) analyze(ctx context.Context, shots []Screenshot, projectDir string) (*Report, error) {
	out := filepath.Join(projectDir, ReportFile)
	if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale report: %w", err)
	}

	var prompt bytes.Buffer
	if err := prompts.ExecuteTemplate(&prompt, "visual-validation.tmpl", analysisData{
		Screenshots: shots,
		Sections:    reportSections,
		OutputFile:  out,
	}); err != nil {
		return nil, fmt.Errorf("render validation prompt: %w", err)
	}

	if _, err := v.agent.Run(ctx, AnalysisAgent, prompt.String(), projectDir); err != nil {
		if agents.IsFatal(err) {
			return nil, err
		}
		v.log.Warn("validation agent failed", zap.Error(err))
	}

	report, err := ReadReport(out)
	if err != nil {
		return nil, fmt.Errorf("validation report unavailable: %w", err)
	}
	return report, nil
}

type fixItem struct {
	N           int
	Severity    string
	Section     string
	Description string
	Suggestion  string
}

type fixData struct {
	ProjectDir string
	Issues     []fixItem
}

// FixPrompt renders the correction request for the blocking issues.
func FixPrompt(projectDir string, issues []Issue) (string, error) {
	data := fixData{ProjectDir: projectDir}
	for i, is := range issues {
		data.Issues = append(data.Issues, fixItem{
			N:           i + 1,
			Severity:    strings.ToUpper(string(is.Severity)),
			Section:     is.Section,
			Description: is.Description,
			Suggestion:  is.Suggestion,
		})
	}
	var b bytes.Buffer
	if err := prompts.ExecuteTemplate(&b, "visual-fix.tmpl", data); err != nil {
		return "", fmt.Errorf("render fix prompt: %w", err)
	}
	return b.String(), nil
}

// fix runs the correction agent. Its failure is logged only: the rebuild
// and final review still show whether anything changed.
func (v *Validator) fix(ctx context.Context, report *Report, projectDir string) {
	prompt, err := FixPrompt(projectDir, report.Blocking())
	if err != nil {
		v.log.Error("render fix prompt", zap.Error(err))
		return
	}
	if _, err := v.agent.Run(ctx, FixAgent, prompt, projectDir); err != nil {
		v.log.Warn("fix agent failed", zap.Error(err))
	}
}
