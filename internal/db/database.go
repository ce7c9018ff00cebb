// Package db is the gorm backed store for sites, jobs, logs and settings.
package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sitebuilder/internal/config"
	"sitebuilder/internal/database"
	"sitebuilder/internal/logging"
	"sitebuilder/pkg/models"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrSiteExists = errors.New("a site with this name already exists")
	ErrSiteBusy   = errors.New("an operation is already running on this site")
)

// Database wraps the GORM database instance.
type Database struct {
	DB  *gorm.DB
	log *zap.Logger
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Open connects to the configured backend. PostgreSQL schemas are managed
// by the versioned migrations; SQLite is auto migrated from the models.
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*Database, error) {
	log = logging.OrNop(log).With(zap.String("component", "db"))
	switch cfg.Type {
	case "postgres", "postgresql":
		if err := database.MigrateUp(cfg.URL, log); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		gdb, err := gorm.Open(postgres.Open(cfg.URL), gormConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetConnMaxLifetime(time.Hour)
		log.Info("database connected", zap.String("type", "postgres"))
		return &Database{DB: gdb, log: log}, nil
	case "sqlite", "":
		return OpenSQLite(cfg.SQLitePath, log)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

// OpenSQLite opens (creating if needed) a SQLite database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(path string, log *zap.Logger) (*Database, error) {
	log = logging.OrNop(log)
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	gdb, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// One connection: writes serialize anyway and :memory: is per connection.
	sqlDB.SetMaxOpenConns(1)

	d := &Database{DB: gdb, log: log}
	if err := d.AutoMigrate(); err != nil {
		return nil, err
	}
	log.Info("database connected", zap.String("type", "sqlite"), zap.String("path", path))
	return d, nil
}

// AutoMigrate creates or updates the tables from the models.
func (d *Database) AutoMigrate() error {
	if err := d.DB.AutoMigrate(&models.Site{}, &models.Job{}, &models.Log{}, &models.Settings{}); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Health checks database connectivity.
func (d *Database) Health(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Stats returns connection pool statistics.
func (d *Database) Stats() map[string]any {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	stats := sqlDB.Stats()
	return map[string]any{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// SiteFilter narrows ListSites. Empty fields match everything.
type SiteFilter struct {
	Status models.SiteStatus
	Search string
}

// ListSites returns sites newest first, each with its active job if any.
func (d *Database) ListSites(ctx context.Context, f SiteFilter) ([]models.Site, error) {
	q := d.DB.WithContext(ctx).Model(&models.Site{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		q = q.Where("LOWER(name) LIKE ? OR LOWER(display_name) LIKE ?", like, like)
	}
	var sites []models.Site
	err := q.Preload("Jobs", "status IN ?", []models.JobStatus{models.JobPending, models.JobRunning}).
		Order("created_at DESC").
		Find(&sites).Error
	return sites, err
}

func (d *Database) CreateSite(ctx context.Context, site *models.Site) error {
	var count int64
	if err := d.DB.WithContext(ctx).Model(&models.Site{}).Where("name = ?", site.Name).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrSiteExists
	}
	err := d.DB.WithContext(ctx).Create(site).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrSiteExists
	}
	return err
}

func (d *Database) GetSite(ctx context.Context, id string) (*models.Site, error) {
	var site models.Site
	if err := d.DB.WithContext(ctx).First(&site, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &site, nil
}

// GetSiteDetail loads a site with its 10 latest jobs and 100 latest logs.
func (d *Database) GetSiteDetail(ctx context.Context, id string) (*models.Site, error) {
	var site models.Site
	err := d.DB.WithContext(ctx).
		Preload("Jobs", func(tx *gorm.DB) *gorm.DB { return tx.Order("created_at DESC").Limit(10) }).
		Preload("Logs", func(tx *gorm.DB) *gorm.DB { return tx.Order("id DESC").Limit(100) }).
		First(&site, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &site, nil
}

// SiteUpdate holds the editable site fields. Nil fields are left unchanged.
type SiteUpdate struct {
	DisplayName *string
	SourceURL   *string
	ClientInfo  map[string]any
}

func (d *Database) UpdateSite(ctx context.Context, id string, u SiteUpdate) (*models.Site, error) {
	site, err := d.GetSite(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.DisplayName != nil {
		site.DisplayName = *u.DisplayName
	}
	if u.SourceURL != nil {
		if *u.SourceURL == "" {
			site.SourceURL = nil
		} else {
			site.SourceURL = u.SourceURL
		}
	}
	if u.ClientInfo != nil {
		site.ClientInfo = u.ClientInfo
	}
	if err := d.DB.WithContext(ctx).Save(site).Error; err != nil {
		return nil, err
	}
	return site, nil
}

// DeleteSite removes a site with its jobs and logs.
func (d *Database) DeleteSite(ctx context.Context, id string) error {
	return d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Site{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Delete(&models.Job{}, "site_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Log{}, "site_id = ?", id).Error
	})
}

// BeginGeneration atomically moves an idle site to GENERATING and creates
// its running job. A site that is generating or deploying yields
// ErrSiteBusy.
func (d *Database) BeginGeneration(ctx context.Context, siteID string) (*models.Site, *models.Job, error) {
	var (
		site models.Site
		job  *models.Job
	)
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Site{}).
			Where("id = ? AND status NOT IN ?", siteID, []models.SiteStatus{models.SiteGenerating, models.SiteDeploying}).
			Update("status", models.SiteGenerating)
		if res.Error != nil {
			return res.Error
		}
		if err := tx.First(&site, "id = ?", siteID).Error; err != nil {
			return notFound(err)
		}
		if res.RowsAffected == 0 {
			return ErrSiteBusy
		}
		job = &models.Job{SiteID: siteID, Type: models.JobGenerate, Status: models.JobRunning}
		return tx.Create(job).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return &site, job, nil
}

// GenerationResult is written to the site when a generation succeeds.
type GenerationResult struct {
	ValidationScore *int
	ArtifactKey     string
}

// CompleteGeneration marks the job completed and the site GENERATED.
func (d *Database) CompleteGeneration(ctx context.Context, siteID, jobID string, r GenerationResult) error {
	return d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Job{}).Where("id = ?", jobID).
			Updates(map[string]any{"status": models.JobCompleted, "progress": 100}).Error; err != nil {
			return err
		}
		updates := map[string]any{"status": models.SiteGenerated}
		if r.ValidationScore != nil {
			updates["validation_score"] = *r.ValidationScore
		}
		if r.ArtifactKey != "" {
			updates["artifact_key"] = r.ArtifactKey
		}
		return tx.Model(&models.Site{}).Where("id = ?", siteID).Updates(updates).Error
	})
}

// FailGeneration marks the job failed with progress 0 and the site ERROR.
func (d *Database) FailGeneration(ctx context.Context, siteID, jobID, message string) error {
	return d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Job{}).Where("id = ?", jobID).
			Updates(map[string]any{"status": models.JobFailed, "progress": 0, "error": message}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Site{}).Where("id = ?", siteID).Update("status", models.SiteError).Error
	})
}

// RecoverInterrupted fails jobs left running by a previous process and
// puts their sites in ERROR. It returns the number of jobs recovered.
func (d *Database) RecoverInterrupted(ctx context.Context) (int, error) {
	var jobs []models.Job
	if err := d.DB.WithContext(ctx).Where("status IN ?", []models.JobStatus{models.JobPending, models.JobRunning}).Find(&jobs).Error; err != nil {
		return 0, err
	}
	for _, j := range jobs {
		if err := d.FailGeneration(ctx, j.SiteID, j.ID, "interrupted by server restart"); err != nil {
			return 0, err
		}
	}
	if len(jobs) > 0 {
		d.log.Warn("recovered interrupted jobs", zap.Int("count", len(jobs)))
	}
	return len(jobs), nil
}

func (d *Database) UpdateJobProgress(ctx context.Context, jobID string, progress int) error {
	return d.DB.WithContext(ctx).Model(&models.Job{}).Where("id = ?", jobID).Update("progress", progress).Error
}

func (d *Database) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := d.DB.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (d *Database) AddLog(ctx context.Context, siteID string, level models.LogLevel, message string) (*models.Log, error) {
	entry := &models.Log{SiteID: siteID, Level: level, Message: message}
	if err := d.DB.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// ListLogs returns up to limit logs of a site with an ID above afterID,
// oldest first. Without afterID the most recent logs are returned.
func (d *Database) ListLogs(ctx context.Context, siteID string, afterID uint, limit int) ([]models.Log, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var logs []models.Log
	q := d.DB.WithContext(ctx).Where("site_id = ?", siteID)
	if afterID > 0 {
		err := q.Where("id > ?", afterID).Order("id ASC").Limit(limit).Find(&logs).Error
		return logs, err
	}
	if err := q.Order("id DESC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}
