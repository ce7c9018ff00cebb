package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"sitebuilder/internal/config"
	"sitebuilder/internal/db"
	"sitebuilder/internal/logging"
	"sitebuilder/internal/pipeline"
	"sitebuilder/internal/websocket"
	"sitebuilder/pkg/models"
)

// JobRunner runs one generation job to completion.
type JobRunner interface {
	Run(ctx context.Context, job *pipeline.Job) (*pipeline.Result, error)
}

// Publisher pushes live events to the dashboard clients of a site.
type Publisher interface {
	Publish(siteID string, msg websocket.Message)
}

// GenerateOptions override the configured job options. Nil fields keep the
// default.
type GenerateOptions struct {
	SkipValidation *bool `json:"skipValidation"`
	NoFix          *bool `json:"noFix"`
	Creative       *bool `json:"creative"`
	MaxFixCycles   *int  `json:"maxFixCycles"`
}

// Generator starts generation jobs in the background and records their
// outcome on the site. At most MaxConcurrentJobs run at once; the others
// wait for a slot.
type Generator struct {
	db     *db.Database
	jobs   JobRunner
	cfg    *config.Config
	pub    Publisher
	sem    *semaphore.Weighted
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	active map[string]*pipeline.Job
}

func NewGenerator(database *db.Database, jobs JobRunner, cfg *config.Config, pub Publisher, log *zap.Logger) *Generator {
	ctx, cancel := context.WithCancel(context.Background())
	n := int64(cfg.MaxConcurrentJobs)
	if n < 1 {
		n = 1
	}
	return &Generator{
		db:     database,
		jobs:   jobs,
		cfg:    cfg,
		pub:    pub,
		sem:    semaphore.NewWeighted(n),
		log:    logging.OrNop(log).With(zap.String("component", "generator")),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]*pipeline.Job),
	}
}

// Options returns the job options for site with o applied. Dashboard jobs
// always replace the previous output.
func (g *Generator) Options(site *models.Site, o GenerateOptions) pipeline.Options {
	opts := pipeline.DefaultOptions(g.cfg)
	opts.Force = true
	opts.Creative = opts.Creative || site.CreativeMode()
	if o.SkipValidation != nil {
		opts.SkipValidation = *o.SkipValidation
	}
	if o.NoFix != nil {
		opts.NoFix = *o.NoFix
	}
	if o.Creative != nil {
		opts.Creative = *o.Creative
	}
	if o.MaxFixCycles != nil && *o.MaxFixCycles >= 0 {
		opts.MaxFixCycles = *o.MaxFixCycles
	}
	return opts
}

// Start moves the site to GENERATING and runs the job in the background.
// It fails with db.ErrSiteBusy while another operation runs on the site.
func (g *Generator) Start(ctx context.Context, siteID string, o GenerateOptions) (*models.Job, error) {
	if g.ctx.Err() != nil {
		return nil, errors.New("generator is shutting down")
	}
	site, record, err := g.db.BeginGeneration(ctx, siteID)
	if err != nil {
		return nil, err
	}

	job := pipeline.NewJob(site.ID, site.Name, site.Source(), site.ClientInfo, g.Options(site, o))
	job.ID = record.ID

	g.mu.Lock()
	g.active[job.ID] = job
	g.mu.Unlock()

	g.pub.Publish(site.ID, websocket.Message{
		Type:  websocket.MessageTypeStatus,
		JobID: job.ID,
		Data:  map[string]any{"status": models.SiteGenerating},
	})

	g.wg.Add(1)
	go g.run(job)
	return record, nil
}

func (g *Generator) run(job *pipeline.Job) {
	defer g.wg.Done()
	defer func() {
		g.mu.Lock()
		delete(g.active, job.ID)
		g.mu.Unlock()
	}()
	log := g.log.With(zap.String("job", job.ID), zap.String("site", job.SiteName))

	var (
		res *pipeline.Result
		err error
	)
	if err = g.sem.Acquire(g.ctx, 1); err == nil {
		log.Info("generation started")
		res, err = g.jobs.Run(g.ctx, job)
		g.sem.Release(1)
	}

	// The outcome is recorded even when the generator is shutting down.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := models.SiteGenerated
	data := map[string]any{}
	if err != nil {
		status = models.SiteError
		data["error"] = err.Error()
		log.Warn("generation failed", zap.Error(err))
		if ferr := g.db.FailGeneration(ctx, job.SiteID, job.ID, err.Error()); ferr != nil {
			log.Error("record failure", zap.Error(ferr))
		}
	} else {
		result := db.GenerationResult{ValidationScore: res.Score, ArtifactKey: res.ArtifactKey}
		if res.Score != nil {
			data["validationScore"] = *res.Score
		}
		log.Info("generation completed")
		if cerr := g.db.CompleteGeneration(ctx, job.SiteID, job.ID, result); cerr != nil {
			log.Error("record completion", zap.Error(cerr))
		}
	}
	data["status"] = status
	g.pub.Publish(job.SiteID, websocket.Message{Type: websocket.MessageTypeStatus, JobID: job.ID, Data: data})
}

// Active returns the in-memory job while it runs.
func (g *Generator) Active(jobID string) (*pipeline.Job, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	job, ok := g.active[jobID]
	return job, ok
}

// Shutdown cancels the running jobs and waits for them to record their
// outcome, or for ctx to expire.
func (g *Generator) Shutdown(ctx context.Context) error {
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
