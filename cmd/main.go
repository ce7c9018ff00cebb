package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sitebuilder/internal/api"
	"sitebuilder/internal/app"
	"sitebuilder/internal/auth"
	"sitebuilder/internal/config"
	"sitebuilder/internal/db"
	"sitebuilder/internal/logging"
	"sitebuilder/internal/metrics"
	"sitebuilder/internal/middleware"
	"sitebuilder/internal/pipeline"
	"sitebuilder/internal/websocket"
)

func main() {
	config.LoadDotEnv()
	logging.Init()
	defer logging.Sync()
	log := logging.Component("server")

	if err := run(log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg := config.Load()
	// Validate secrets before opening anything.
	if err := config.ValidateSecrets(cfg); err != nil {
		return err
	}
	log.Info("starting site builder",
		zap.String("environment", cfg.Environment),
		zap.String("port", cfg.Port),
		zap.String("database", cfg.Database.Type),
		zap.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer database.Close()

	if n, err := database.RecoverInterrupted(ctx); err != nil {
		return err
	} else if n > 0 {
		log.Warn("jobs interrupted by the previous shutdown were marked failed", zap.Int("count", n))
	}
	if _, err := database.EnsureSettings(ctx, cfg.AdminPassword); err != nil {
		return err
	}

	comps, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer comps.Close()

	hub := websocket.NewHub(cfg.AllowedOrigins, !cfg.IsProduction(), log)
	sink := pipeline.MultiSink{
		pipeline.NewLogSink(log),
		api.NewDashboardSink(database, hub, log),
	}
	gen := api.NewGenerator(database, comps.Pipeline(sink), cfg, hub, log)

	server := api.NewServer(api.Options{
		Config:    cfg,
		DB:        database,
		Auth:      auth.NewService(cfg.JWTSecret, auth.DefaultTokenExpiry),
		Hub:       hub,
		Generator: gen,
		Store:     comps.Store,
		Agent:     comps.Agent,
		Log:       log,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.Logger(log),
		middleware.CORS(cfg.AllowedOrigins),
		middleware.SecurityHeaders(),
		metrics.PrometheusMiddleware(),
		middleware.RateLimit(middleware.NewIPRateLimiter(300, 60)),
	)
	router.GET("/metrics", metrics.PrometheusHandler())
	server.Routes(router)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown", zap.Error(err))
		}
		// Running jobs are cancelled and record their failure before the
		// database closes.
		if err := gen.Shutdown(shutdownCtx); err != nil {
			log.Warn("generator shutdown", zap.Error(err))
		}
		hub.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
