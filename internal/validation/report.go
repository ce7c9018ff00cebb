package validation

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// ReportFile is written by the validation agent in the project directory.
const ReportFile = "validation-report.json"

// ValidatedScore is the score from which a site is reported as validated.
// It does not change the job status.
const ValidatedScore = 80

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// UnmarshalJSON accepts any casing and surrounding spaces, so "Critical"
// and " MAJOR" still block.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = Severity(strings.ToLower(strings.TrimSpace(v)))
	return nil
}

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityMajor:
		return 1
	default:
		return 2
	}
}

// Issue is one visual problem reported by the agent.
type Issue struct {
	Severity    Severity `json:"severity"`
	Category    string   `json:"category"`
	Viewport    string   `json:"viewport"`
	Section     string   `json:"section"`
	Description string   `json:"description"`
	Location    string   `json:"location,omitempty"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

// Blocking reports whether the issue calls for a fix.
func (i Issue) Blocking() bool {
	return i.Severity == SeverityCritical || i.Severity == SeverityMajor
}

// Report is the agent's review of a set of screenshots. Score and issues
// are taken as returned.
type Report struct {
	Status          string   `json:"status"`
	Summary         string   `json:"summary,omitempty"`
	Score           int      `json:"score"`
	Issues          []Issue  `json:"issues"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Blocking returns the critical then major issues, keeping report order
// within a severity.
func (r *Report) Blocking() []Issue {
	if r == nil {
		return nil
	}
	var out []Issue
	for _, i := range r.Issues {
		if i.Blocking() {
			out = append(out, i)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Severity.rank() < out[b].Severity.rank() })
	return out
}

// Counts returns the number of issues per severity.
func (r *Report) Counts() map[Severity]int {
	counts := make(map[Severity]int)
	if r == nil {
		return counts
	}
	for _, i := range r.Issues {
		counts[i.Severity]++
	}
	return counts
}

// Validated reports whether the score reaches ValidatedScore.
func (r *Report) Validated() bool {
	return r != nil && r.Score >= ValidatedScore
}

// ReadReport parses a validation-report.json file.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &r, nil
}
