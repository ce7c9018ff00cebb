package api

import (
	"context"
	"time"

	"go.uber.org/zap"

	"sitebuilder/internal/db"
	"sitebuilder/internal/logging"
	"sitebuilder/internal/pipeline"
	"sitebuilder/internal/websocket"
	"sitebuilder/pkg/models"
)

// DashboardSink persists job progress and logs and pushes them to the
// site's websocket clients.
type DashboardSink struct {
	db  *db.Database
	pub Publisher
	log *zap.Logger
}

func NewDashboardSink(database *db.Database, pub Publisher, log *zap.Logger) *DashboardSink {
	return &DashboardSink{db: database, pub: pub, log: logging.OrNop(log).With(zap.String("component", "dashboard-sink"))}
}

func (s *DashboardSink) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (s *DashboardSink) Status(job *pipeline.Job) {
	data := map[string]any{"jobStatus": job.Status(), "progress": job.Progress()}
	if f := job.Failure(); f != "" {
		data["error"] = f
	}
	s.pub.Publish(job.SiteID, websocket.Message{Type: websocket.MessageTypeStatus, JobID: job.ID, Data: data})
}

func (s *DashboardSink) Progress(job *pipeline.Job, progress int) {
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.db.UpdateJobProgress(ctx, job.ID, progress); err != nil {
		s.log.Warn("update job progress", zap.String("job", job.ID), zap.Error(err))
	}
	s.pub.Publish(job.SiteID, websocket.Message{
		Type:  websocket.MessageTypeProgress,
		JobID: job.ID,
		Data:  map[string]any{"progress": progress},
	})
}

func (s *DashboardSink) Log(job *pipeline.Job, level pipeline.Level, message string) {
	ctx, cancel := s.ctx()
	defer cancel()
	entry, err := s.db.AddLog(ctx, job.SiteID, models.LogLevel(level), message)
	if err != nil {
		s.log.Warn("store job log", zap.String("job", job.ID), zap.Error(err))
		entry = &models.Log{SiteID: job.SiteID, Level: models.LogLevel(level), Message: message, CreatedAt: time.Now().UTC()}
	}
	s.pub.Publish(job.SiteID, websocket.Message{Type: websocket.MessageTypeLog, JobID: job.ID, Data: entry})
}
