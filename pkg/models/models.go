package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

// SiteStatus is the lifecycle state of a site.
type SiteStatus string

const (
	SiteDraft      SiteStatus = "DRAFT"
	SiteGenerating SiteStatus = "GENERATING"
	SiteGenerated  SiteStatus = "GENERATED"
	SiteDeploying  SiteStatus = "DEPLOYING"
	SiteDeployed   SiteStatus = "DEPLOYED"
	SiteError      SiteStatus = "ERROR"
)

// Valid reports whether s is a known site status.
func (s SiteStatus) Valid() bool {
	switch s {
	case SiteDraft, SiteGenerating, SiteGenerated, SiteDeploying, SiteDeployed, SiteError:
		return true
	}
	return false
}

// Busy reports whether an operation is running on the site.
func (s SiteStatus) Busy() bool {
	return s == SiteGenerating || s == SiteDeploying
}

type JobType string

const (
	JobGenerate JobType = "GENERATE"
	JobDeploy   JobType = "DEPLOY"
)

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Active reports whether the job has not finished yet.
func (s JobStatus) Active() bool {
	return s == JobPending || s == JobRunning
}

type LogLevel string

const (
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
	LogDebug LogLevel = "DEBUG"
)

// Site is a client website managed by the dashboard.
type Site struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Name is the URL safe slug; it also names the output directory.
	Name        string         `json:"name" gorm:"uniqueIndex;not null"`
	DisplayName string         `json:"displayName" gorm:"not null"`
	SourceURL   *string        `json:"sourceUrl"`
	ClientInfo  map[string]any `json:"clientInfo" gorm:"serializer:json"`
	Status      SiteStatus     `json:"status" gorm:"index;not null;default:DRAFT"`

	ValidationScore *int       `json:"validationScore"`
	DeployedURL     *string    `json:"deployedUrl"`
	ArtifactKey     *string    `json:"artifactKey"`
	DeployedAt      *time.Time `json:"deployedAt"`

	Jobs []Job `json:"jobs,omitempty" gorm:"foreignKey:SiteID;constraint:OnDelete:CASCADE"`
	Logs []Log `json:"logs,omitempty" gorm:"foreignKey:SiteID;constraint:OnDelete:CASCADE"`
}

func (s *Site) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = SiteDraft
	}
	if s.ClientInfo == nil {
		s.ClientInfo = map[string]any{}
	}
	return nil
}

// Source returns the source URL or, without one, the business description
// from the client info.
func (s *Site) Source() string {
	if s.SourceURL != nil && *s.SourceURL != "" {
		return *s.SourceURL
	}
	if d, ok := s.ClientInfo["description"].(string); ok && strings.TrimSpace(d) != "" {
		return d
	}
	return s.DisplayName
}

// CreativeMode reports whether the client asked for creative generation.
func (s *Site) CreativeMode() bool {
	mode, _ := s.ClientInfo["generationMode"].(string)
	return mode == "creative"
}

// Job tracks one generation or deployment run of a site.
type Job struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	SiteID   string    `json:"siteId" gorm:"index;not null;size:36"`
	Type     JobType   `json:"type" gorm:"not null"`
	Status   JobStatus `json:"status" gorm:"index;not null;default:PENDING"`
	Progress int       `json:"progress" gorm:"not null;default:0"`
	Error    *string   `json:"error"`
}

func (j *Job) BeforeCreate(*gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	return nil
}

// Log is a site log line shown in the dashboard.
type Log struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"createdAt" gorm:"index"`

	SiteID  string   `json:"siteId" gorm:"index;not null;size:36"`
	Level   LogLevel `json:"level" gorm:"not null"`
	Message string   `json:"message" gorm:"type:text;not null"`
}

// SettingsID is the key of the single settings row.
const SettingsID = "global"

// Settings holds the dashboard wide configuration.
type Settings struct {
	ID            string    `json:"id" gorm:"primaryKey;size:36"`
	UpdatedAt     time.Time `json:"updatedAt"`
	AdminPassword string    `json:"-" gorm:"not null"`
}

// Slugify turns a display name into a site name: transliterated lower case
// ASCII separated by single dashes.
func Slugify(text string) string {
	return slug.Make(text)
}

// ValidSlug reports whether name is already in slug form.
func ValidSlug(name string) bool {
	return name != "" && Slugify(name) == name
}
