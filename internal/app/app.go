// Package app assembles the generation pipeline and its collaborators from
// the configuration. The API server and the CLI share it.
package app

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"sitebuilder/internal/agents"
	"sitebuilder/internal/browser"
	"sitebuilder/internal/build"
	"sitebuilder/internal/cache"
	"sitebuilder/internal/config"
	"sitebuilder/internal/content"
	"sitebuilder/internal/logging"
	"sitebuilder/internal/media"
	"sitebuilder/internal/pipeline"
	"sitebuilder/internal/preview"
	"sitebuilder/internal/stock"
	"sitebuilder/internal/storage"
	"sitebuilder/internal/validation"
)

// Components are the long-lived collaborators of the pipeline.
type Components struct {
	Config  *config.Config
	Rules   *config.Rules
	Agent   *agents.CLIInvoker
	Browser *browser.Chrome
	HTTP    *http.Client
	Cache   *cache.Cache
	Stock   *stock.Library
	Builder *build.Runner
	Store   storage.Store

	redis cache.RedisClient
	log   *zap.Logger
}

// New builds the components. A Redis server that cannot be reached only
// disables the shared cache tier; a broken rules file or artifact store is
// an error.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Components, error) {
	log = logging.OrNop(log)
	rules, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}

	c := &Components{
		Config:  cfg,
		Rules:   rules,
		Browser: browser.NewChrome(cfg.ChromePath),
		HTTP:    media.NewHTTPClient(),
		Builder: build.NewRunner("", log),
		log:     log,
	}
	c.Agent = agents.NewCLIInvoker(agents.Config{
		Binary:      cfg.Agent.Binary,
		WrapperPath: cfg.Agent.WrapperPath,
		Home:        cfg.Agent.Home,
		Timeout:     cfg.Agent.Timeout,
	}, nil, log)

	if cfg.RedisURL != "" {
		r, err := cache.Dial(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn("redis unavailable, using the in-memory cache", zap.Error(err))
		} else {
			c.redis = r
		}
	}
	cc := cache.DefaultConfig()
	cc.DefaultTTL = cfg.Stock.CacheTTL
	c.Cache = cache.New(cc, c.redis)

	var providers []stock.Provider
	if cfg.Stock.UnsplashAccessKey != "" {
		providers = append(providers, stock.NewUnsplash(cfg.Stock.UnsplashAccessKey, c.HTTP))
	}
	if cfg.Stock.PexelsAPIKey != "" {
		providers = append(providers, stock.NewPexels(cfg.Stock.PexelsAPIKey, c.HTTP))
	}
	c.Stock = stock.NewLibrary(providers, c.Cache, log)

	c.Store, err = storage.New(ctx, cfg, log)
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// PreviewStarter starts the project preview server on the configured port.
func (c *Components) PreviewStarter() validation.ServerStarter {
	return validation.PreviewStarter(preview.Options{Port: c.Config.Validation.PreviewPort}, c.log)
}

// Pipeline returns a pipeline reporting to sink.
func (c *Components) Pipeline(sink pipeline.ProgressSink) *pipeline.Pipeline {
	return pipeline.New(pipeline.Deps{
		Config:   c.Config,
		Rules:    c.Rules,
		Agents:   pipeline.CLIAgents(c.Agent),
		Browser:  c.Browser,
		Stock:    c.Stock,
		HTTP:     c.HTTP,
		Digester: content.NewDigester(c.HTTP),
		Builder:  c.Builder,
		Preview:  c.PreviewStarter(),
		Store:    c.Store,
		Sink:     sink,
		Log:      c.log,
	})
}

// Close releases the cache and its Redis connection.
func (c *Components) Close() error {
	if c.Cache != nil {
		return c.Cache.Close()
	}
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}
