package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	_ "go.uber.org/automaxprocs"

	"wanderer-kills/internal/api"
	"wanderer-kills/internal/api/routes"
	"wanderer-kills/internal/broadcast"
	"wanderer-kills/internal/cache"
	"wanderer-kills/internal/coalesce"
	"wanderer-kills/internal/esi"
	"wanderer-kills/internal/fetch"
	"wanderer-kills/internal/ingest"
	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/preload"
	"wanderer-kills/internal/ratelimit"
	"wanderer-kills/internal/store"
	"wanderer-kills/internal/subscription"
	"wanderer-kills/internal/webhook"
	"wanderer-kills/internal/ws"
	"wanderer-kills/pkg/clock"
	"wanderer-kills/pkg/config"
	"wanderer-kills/pkg/logging"
	"wanderer-kills/pkg/version"
)

// quietLoggerMiddleware logs requests but excludes the ops endpoints
// that monitoring hits every few seconds.
func quietLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/status", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		middleware.Logger(next).ServeHTTP(w, r)
	})
}

func main() {
	config.LoadDotEnv()
	cfg := config.Load()

	telemetry := logging.NewTelemetryManager()
	if err := telemetry.Initialize(context.Background()); err != nil {
		slog.Warn("Telemetry initialization failed", "error", err)
	}

	slog.Info("Starting wanderer-kills",
		slog.String("version", version.String()),
		slog.Int("cpus", runtime.NumCPU()),
		slog.Int("gomaxprocs", runtime.GOMAXPROCS(0)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.NewSystem()

	// Shared infrastructure: cache, event store, rate limiter, upstream
	// HTTP client.
	c := cache.New(clk, cache.WithLoaderTimeout(cfg.LoaderTimeout))
	st := store.New(clk, cfg.StoreMaxEventsPerSystem, 2*cfg.CacheSystemTTL)

	limiter := ratelimit.New(clk)
	limiter.Register(fetch.ServiceESI, ratelimit.ServiceConfig{
		Capacity:         cfg.ESIBucketCapacity,
		RefillPerSecond:  cfg.ESIRefillPerSecond,
		FailureThreshold: cfg.ESIFailureThreshold,
		Cooldown:         cfg.ESICooldown,
		MaxQueue:         cfg.ESIMaxQueue,
		QueueTimeout:     cfg.QueueTimeout,
	})
	limiter.Register(fetch.ServiceZKB, ratelimit.ServiceConfig{
		Capacity:         cfg.ZkbBucketCapacity,
		RefillPerSecond:  cfg.ZkbRefillPerSecond,
		FailureThreshold: cfg.ZkbFailureThreshold,
		Cooldown:         cfg.ZkbCooldown,
		MaxQueue:         cfg.ZkbMaxQueue,
		QueueTimeout:     cfg.QueueTimeout,
	})

	fetcher := fetch.New(limiter, coalesce.New(cfg.CoalesceTimeout), fetch.Options{
		UserAgent:  cfg.UserAgent,
		MaxRetries: cfg.RetryHTTPMaxRetries,
		BaseDelay:  cfg.RetryHTTPBaseDelay,
		MaxDelay:   cfg.RetryHTTPMaxDelay,
		ESITimeout: cfg.ESITimeout,
		ZKBTimeout: cfg.ZkbTimeout,
	})

	resolver := esi.NewClient(fetcher, c, esi.Options{
		BaseURL:        cfg.ESIBaseURL,
		EntityTTL:      cfg.CacheESITTL,
		KillmailTTL:    cfg.CacheESIKillmailTTL,
		MaxConcurrency: cfg.ESIMaxConcurrency,
	})
	if err := resolver.BootstrapShipCatalogue(ctx, cfg.ShipTypesCSV); err != nil {
		slog.Warn("Ship catalogue bootstrap incomplete, falling back to per-type lookups", "error", err)
	}

	// Killmail processing: parse, enrich, store, fan out.
	parser := killmail.NewParser(resolver, clk, time.Duration(cfg.ParserCutoffSeconds)*time.Second)
	enricher := killmail.NewEnricher(resolver, killmail.EnricherOptions{
		MinParallel: cfg.EnricherMinAttackersParallel,
	})
	pipeline := killmail.NewPipeline(enricher, c, st, killmail.PipelineOptions{
		KillmailTTL: cfg.CacheKillmailTTL,
		SystemTTL:   cfg.CacheSystemTTL,
		Concurrency: cfg.EnricherMaxConcurrency,
	})

	manager := subscription.NewManager(clk, subscription.ManagerOptions{})
	broadcaster := broadcast.New(st, clk, 0)
	pipeline.AddSink(manager)
	pipeline.AddSink(broadcaster)

	notifier := webhook.New(webhook.Options{
		Timeout:   cfg.WebhookTimeout,
		UserAgent: cfg.UserAgent,
	}, func(subID string) {
		manager.Unsubscribe(subID)
	})

	zkb := ingest.NewZkbFetcher(fetcher, parser, pipeline, cfg.ZkbBaseURL)
	preloader := preload.New(st, pipeline, zkb, clk, cfg.PreloadRealtimePriority)

	ingester := ingest.NewRedisQIngester(parser, pipeline, ingest.RedisQOptions{
		URL:            cfg.RedisQURL,
		UserAgent:      cfg.UserAgent,
		PollTimeout:    cfg.PollTimeout,
		FastInterval:   cfg.RedisQFastInterval,
		IdleInterval:   cfg.RedisQIdleInterval,
		InitialBackoff: cfg.RedisQInitialBackoff,
		MaxBackoff:     cfg.RedisQMaxBackoff,
		BackoffFactor:  cfg.RedisQBackoffFactor,
		EmptyThreshold: cfg.RedisQEmptyThreshold,
	})
	ingester.Start(ctx)

	// Periodic maintenance.
	maintenance := cron.New()
	_, _ = maintenance.AddFunc(fmt.Sprintf("@every %s", cfg.CacheSweepInterval), func() {
		if n := c.Sweep(); n > 0 {
			slog.Debug("Cache sweep", "expired", n)
		}
	})
	_, _ = maintenance.AddFunc(fmt.Sprintf("@every %s", cfg.StoreGCInterval), func() {
		if n := st.GC(); n > 0 {
			slog.Debug("Event store GC", "systems_dropped", n)
		}
		if n := manager.Sweep(); n > 0 {
			slog.Warn("Removed dead subscription workers", "count", n)
		}
	})
	maintenance.Start()

	// HTTP surface.
	r := chi.NewRouter()
	r.Use(quietLoggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	ops := api.NewOps(clk, ingester, parser, enricher, pipeline, limiter, st, c, manager, notifier, broadcaster)
	ops.Mount(r)

	humaConfig := huma.DefaultConfig("WandererKills API", version.Version)
	humaConfig.Info.Description = "Real-time EVE Online killmail distribution service"
	unifiedAPI := humachi.New(r, humaConfig)
	routes.NewModule(st, pipeline, zkb, manager, notifier, broadcaster, c).
		RegisterUnifiedRoutes(unifiedAPI, "/api/v1")

	r.Handle("/ws/killmails", ws.NewHandler(manager, preloader, st, clk))

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.OriginHost, cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Starting API server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Received shutdown signal, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Stop producing before stopping consumers.
	ingester.Stop()
	maintenance.Stop()
	cancel()
	manager.Close()
	notifier.Wait()
	limiter.Stop()
	telemetry.Shutdown(shutdownCtx)

	slog.Info("Shutdown complete")
}
