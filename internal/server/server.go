// Package server wires the HTTP layer: routing, dependency setup, and
// the request handlers for analysis, post generation, and administration.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nimblecart/ghostwriter/config"
	"github.com/nimblecart/ghostwriter/internal/agentcfg"
	"github.com/nimblecart/ghostwriter/internal/cache"
	"github.com/nimblecart/ghostwriter/internal/catalog"
	"github.com/nimblecart/ghostwriter/internal/llm"
	"github.com/nimblecart/ghostwriter/internal/metrics"
	"github.com/nimblecart/ghostwriter/internal/scrape"
	"github.com/nimblecart/ghostwriter/internal/scrape/session"
	"github.com/nimblecart/ghostwriter/internal/store"
	"github.com/nimblecart/ghostwriter/internal/stream"
	"github.com/nimblecart/ghostwriter/internal/trace"
)

// Deps bundles everything the handlers need.
type Deps struct {
	Cfg           *config.Config
	Store         *store.Store
	Resolver      *agentcfg.Resolver
	Crawler       *scrape.Crawler
	Sessions      session.Store
	Catalog       *catalog.Client
	Products      *catalog.Index
	AnalysisCache *cache.TTL
	CatalogCache  *cache.Durable
	Trace         *trace.Recorder
	Logger        *log.Logger
}

// newInvoker builds a per-request invoker. The gateway API key lives in
// settings and may change between requests, so clients are not shared.
func (d *Deps) newInvoker(apiKey string, tools map[string]llm.Tool) *llm.Invoker {
	return &llm.Invoker{
		Client:        llm.NewClient(d.Cfg.LLM.BaseURL, apiKey, d.Cfg.LLM.Timeout),
		Tools:         tools,
		MaxToolRounds: d.Cfg.Agents.MaxToolRounds,
		Logger:        d.Logger,
	}
}

// Run builds the dependency graph from cfg and serves until the listener
// fails.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return err
	}
	if err := cfg.LLM.Validate(); err != nil {
		return err
	}
	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return err
	}

	fetcher, err := scrape.NewFetcher(cfg.Scrape)
	if err != nil {
		return err
	}
	var sessions session.Store
	if redisAddr := cfg.Storage.Redis.Addr(); redisAddr != "" {
		sessions = session.NewRedisStore(redisAddr, cfg.Storage.Redis.Password, cfg.Storage.Redis.DB)
	} else {
		sessions = session.NewMemoryStore()
	}
	products, err := catalog.NewIndex()
	if err != nil {
		return err
	}

	deps := &Deps{
		Cfg:      cfg,
		Store:    st,
		Resolver: agentcfg.NewResolver(st, cfg.LLM, cfg.Agents.MaxRetries),
		Crawler: &scrape.Crawler{
			Fetcher:      fetcher,
			MaxPages:     cfg.Scrape.MaxPages,
			Concurrency:  cfg.Scrape.Concurrency,
			FetchTimeout: cfg.Scrape.FetchTimeout,
			Logger:       log.New(log.Writer(), "[SCRAPE] ", log.LstdFlags),
		},
		Sessions:      sessions,
		Catalog:       catalog.NewClient(cfg.Catalog),
		Products:      products,
		AnalysisCache: cache.NewTTL(st, cache.PrefixAnalysis, cache.AnalysisTTL),
		CatalogCache:  cache.NewDurable(st, cache.PrefixCatalog),
		Trace:         trace.NewRecorder(st, log.New(log.Writer(), "[TRACE] ", log.LstdFlags)),
		Logger:        log.New(log.Writer(), "[AGENT] ", log.LstdFlags),
	}

	api := e.Group("/api")
	api.POST("/storefront/analyze", deps.handleAnalyze)
	api.POST("/posts/generate", deps.handleGenerate)
	api.GET("/agents", deps.handleListAgents)
	api.GET("/agents/:id", deps.handleGetAgent)
	api.PUT("/agents/:id", deps.handlePutAgent)
	api.PUT("/settings/apikey", deps.handlePutAPIKey)
	api.POST("/cache/purge", deps.handlePurgeCache)
	api.GET("/sessions/:id/traces", deps.handleListTraces)

	if cfg.Janitor.Enabled {
		j := &Janitor{
			Store:    st,
			CronSpec: cfg.Janitor.CronSpec,
			KeepDays: cfg.Janitor.KeepDays,
			Logger:   log.New(log.Writer(), "[JANITOR] ", log.LstdFlags),
			Stop:     make(chan struct{}),
		}
		if err := j.Start(); err != nil {
			return err
		}
		defer j.Close()
	}

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// openStream upgrades the request to an SSE stream and tracks it in the
// open-streams gauge. The caller must invoke the returned closer.
func (d *Deps) openStream(c echo.Context) (*stream.SSE, func(), error) {
	sse, err := stream.NewSSE(c.Response(), d.Cfg.Telemetry.DebugEvents)
	if err != nil {
		return nil, nil, echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}
	metrics.StreamsOpen.Inc()
	return sse, func() {
		sse.Close()
		metrics.StreamsOpen.Dec()
	}, nil
}

// requestTimeout bounds the whole analyze/generate operation.
func (d *Deps) requestTimeout() time.Duration {
	if d.Cfg.General.DefaultTimeout > 0 {
		return d.Cfg.General.DefaultTimeout
	}
	return 90 * time.Second
}
