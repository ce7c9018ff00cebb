// Package pipeline runs a site generation job: setup, design analysis,
// media, content, creative direction, sections, build, validation and
// artifact publishing, in that order.
package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Phase names a pipeline step.
type Phase string

const (
	PhaseSetup      Phase = "setup"
	PhaseDesign     Phase = "design"
	PhaseMedia      Phase = "media"
	PhaseContent    Phase = "content"
	PhaseCreative   Phase = "creative"
	PhaseSections   Phase = "sections"
	PhaseBuild      Phase = "build"
	PhaseValidation Phase = "validation"
	PhasePublish    Phase = "publish"
)

// Progress checkpoints reached when a phase completes.
var checkpoints = map[Phase]int{
	PhaseSetup:      5,
	PhaseDesign:     15,
	PhaseMedia:      25,
	PhaseContent:    40,
	PhaseCreative:   50,
	PhaseSections:   80,
	PhaseBuild:      85,
	PhaseValidation: 95,
}

const (
	sectionsStart = 55
	sectionsEnd   = 80
)

// SectionProgress spreads the sections evenly over 55..80. i is 1-based.
func SectionProgress(i, total int) int {
	if total <= 0 {
		return sectionsStart
	}
	return sectionsStart + (i-1)*(sectionsEnd-sectionsStart)/total
}

// PhaseEntry records one finished phase.
type PhaseEntry struct {
	Phase      Phase     `json:"phase"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
	Message    string    `json:"message,omitempty"`
}

// Options are the per-job switches.
type Options struct {
	// Force replaces an existing output directory.
	Force          bool `json:"force"`
	SkipValidation bool `json:"skipValidation"`
	NoFix          bool `json:"noFix"`
	Creative       bool `json:"creative"`
	MaxFixCycles   int  `json:"maxFixCycles"`
}

// Job is one generation run. Identity fields are fixed at creation; the
// rest is guarded and read through accessors.
type Job struct {
	ID       string
	SiteID   string
	SiteName string
	// Source is the source site URL or a free-text business description.
	Source     string
	ClientInfo map[string]any
	Options    Options

	mu          sync.RWMutex
	status      Status
	progress    int
	phases      []PhaseEntry
	failure     string
	startedAt   time.Time
	completedAt time.Time
}

func NewJob(siteID, siteName, source string, clientInfo map[string]any, opts Options) *Job {
	if clientInfo == nil {
		clientInfo = map[string]any{}
	}
	return &Job{
		ID:         uuid.New().String(),
		SiteID:     siteID,
		SiteName:   siteName,
		Source:     source,
		ClientInfo: clientInfo,
		Options:    opts,
		status:     StatusPending,
	}
}

// SetProgress raises the progress to p. Lower values are ignored; the
// result reports whether the progress changed.
func (j *Job) SetProgress(p int) bool {
	if p > 100 {
		p = 100
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if p <= j.progress {
		return false
	}
	j.progress = p
	return true
}

func (j *Job) Progress() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.progress
}

func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Failure returns the failure message of a failed job.
func (j *Job) Failure() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.failure
}

func (j *Job) Phases() []PhaseEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]PhaseEntry(nil), j.phases...)
}

func (j *Job) start() {
	j.mu.Lock()
	j.status = StatusRunning
	j.startedAt = time.Now()
	j.mu.Unlock()
}

func (j *Job) record(e PhaseEntry) {
	j.mu.Lock()
	j.phases = append(j.phases, e)
	j.mu.Unlock()
}

func (j *Job) complete() {
	j.mu.Lock()
	j.status = StatusCompleted
	j.progress = 100
	j.completedAt = time.Now()
	j.mu.Unlock()
}

// fail resets the progress: a failed job shows 0.
func (j *Job) fail(msg string) {
	j.mu.Lock()
	j.status = StatusFailed
	j.progress = 0
	j.failure = msg
	j.completedAt = time.Now()
	j.mu.Unlock()
}

// Snapshot is a JSON friendly copy of a job.
type Snapshot struct {
	ID          string       `json:"id"`
	SiteID      string       `json:"siteId"`
	SiteName    string       `json:"siteName"`
	Source      string       `json:"source"`
	Status      Status       `json:"status"`
	Progress    int          `json:"progress"`
	Phases      []PhaseEntry `json:"phases"`
	Error       string       `json:"error,omitempty"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	s := Snapshot{
		ID:       j.ID,
		SiteID:   j.SiteID,
		SiteName: j.SiteName,
		Source:   j.Source,
		Status:   j.status,
		Progress: j.progress,
		Phases:   append([]PhaseEntry{}, j.phases...),
		Error:    j.failure,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		s.StartedAt = &t
	}
	if !j.completedAt.IsZero() {
		t := j.completedAt
		s.CompletedAt = &t
	}
	return s
}
