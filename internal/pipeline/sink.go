package pipeline

import (
	"go.uber.org/zap"

	"sitebuilder/internal/logging"
)

// Level of a job log line.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ProgressSink receives the live state of a job. Calls are synchronous and
// made from the job goroutine.
type ProgressSink interface {
	Status(job *Job)
	Progress(job *Job, progress int)
	Log(job *Job, level Level, message string)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Status(*Job) {}

func (NopSink) Progress(*Job, int) {}

func (NopSink) Log(*Job, Level, string) {}

// LogSink writes job events to a zap logger; the CLI uses it.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: logging.OrNop(log)}
}

func (s *LogSink) Status(job *Job) {
	fields := []zap.Field{zap.String("job", job.ID), zap.String("status", string(job.Status()))}
	if f := job.Failure(); f != "" {
		fields = append(fields, zap.String("error", f))
	}
	s.log.Info("job status", fields...)
}

func (s *LogSink) Progress(job *Job, progress int) {
	s.log.Debug("job progress", zap.String("job", job.ID), zap.Int("progress", progress))
}

func (s *LogSink) Log(job *Job, level Level, message string) {
	l := s.log.With(zap.String("job", job.ID))
	switch level {
	case LevelError:
		l.Error(message)
	case LevelWarn:
		l.Warn(message)
	case LevelDebug:
		l.Debug(message)
	default:
		l.Info(message)
	}
}

// MultiSink fans out to several sinks in order.
type MultiSink []ProgressSink

func (m MultiSink) Status(job *Job) {
	for _, s := range m {
		s.Status(job)
	}
}

func (m MultiSink) Progress(job *Job, progress int) {
	for _, s := range m {
		s.Progress(job, progress)
	}
}

func (m MultiSink) Log(job *Job, level Level, message string) {
	for _, s := range m {
		s.Log(job, level, message)
	}
}
