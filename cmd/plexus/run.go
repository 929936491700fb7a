package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/a2a"
	"github.com/plexushq/plexus/internal/auth"
	"github.com/plexushq/plexus/internal/config"
	"github.com/plexushq/plexus/internal/cooldown"
	"github.com/plexushq/plexus/internal/dispatch"
	"github.com/plexushq/plexus/internal/ratelimit"
	"github.com/plexushq/plexus/internal/router"
	"github.com/plexushq/plexus/internal/server"
	"github.com/plexushq/plexus/internal/storage/sqlite"
	"github.com/plexushq/plexus/internal/telemetry"
	"github.com/plexushq/plexus/internal/tokencount"
	"github.com/plexushq/plexus/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(log)
	log.Info("starting plexus", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, version, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}
	var metrics *telemetry.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		gatherer = reg
	}

	cd := cooldown.NewManager(store, cfg.Cooldown.Default, log)
	if err := cd.Load(ctx); err != nil {
		return err
	}

	var creds dispatch.CredentialStore
	if needsOAuth(cfg) {
		dir := os.Getenv("OAUTH_CREDENTIALS_DIR")
		if dir == "" {
			dir = "oauth"
		}
		fs, err := dispatch.NewFileCredentialStore(dir)
		if err != nil {
			return err
		}
		creds = fs
	}

	resolver := &dnscache.Resolver{}
	client := dispatch.NewHTTPClient(resolver)
	d := dispatch.New(client, cfg.Providers, cd, creds, log)
	rt := router.New(cfg.Providers, cfg.Models, cd, log)

	cipher, err := a2a.NewCipher(cfg.A2A.PushEncryptionKey, cfg.Auth.AdminKey, log)
	if err != nil {
		return err
	}
	deliverer := a2a.NewDeliverer(store, cipher, cfg.A2A, log)
	tasks := a2a.NewService(store, cfg.A2A, cipher, deliverer, log)

	authn, err := auth.New(cfg.Auth)
	if err != nil {
		return err
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			Window:     cfg.RateLimit.Window,
			Max:        cfg.RateLimit.MaxRequests,
			MaxStream:  cfg.RateLimit.MaxStreamRequests,
			MaxBuckets: cfg.RateLimit.MaxBuckets,
		})
	}

	usage := worker.NewUsageRecorder(store)

	handler := server.New(server.Deps{
		Auth:       authn,
		Router:     rt,
		Dispatcher: d,
		Tasks:      tasks,
		Limiter:    limiter,
		Usage:      usage,
		Counter:    tokencount.NewCounter(),
		Metrics:    metrics,
		Gatherer:   gatherer,
		ReadyCheck: store.Ping,
		Log:        log,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	workers := []worker.Worker{
		usage,
		deliverer,
		worker.NewCooldownJanitor(store, 10*time.Minute),
	}
	if metrics != nil {
		tasks.OnTransition(func(state plexus.TaskState) {
			metrics.TasksTotal.WithLabelValues(string(state)).Inc()
		})
		workers = append(workers, worker.NewGaugeSampler(15*time.Second, func() {
			metrics.CooldownsActive.Set(float64(cd.ActiveCount()))
			metrics.PushQueueDepth.Set(float64(deliverer.QueueLen()))
			metrics.UsageQueueLength.Set(float64(usage.QueueLen()))
		}))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.NewRunner(workers...).Run(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("plexus ready", "addr", cfg.Server.Addr)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("plexus stopped")
	return nil
}

// needsOAuth reports whether any configured provider authenticates via an
// OAuth account pool.
func needsOAuth(cfg *config.Config) bool {
	for _, p := range cfg.Providers {
		if p.OAuthProvider != "" {
			return true
		}
	}
	return false
}

// logLevel reads LOG_LEVEL, defaulting to info.
func logLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
