package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/platformbridge/internal/bridge"
	"github.com/agentworkforce/platformbridge/internal/config"
	"github.com/agentworkforce/platformbridge/internal/httpapi"
	"github.com/agentworkforce/platformbridge/internal/metrics"
	"github.com/agentworkforce/platformbridge/internal/platform"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", envOrDefault(config.PathEnv, ""), "YAML config file")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, *configPath, level, logger); err != nil {
		logger.Error("platformbridge stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, configPath string, level *slog.LevelVar, logger *slog.Logger) error {
	m := metrics.New()

	backend, err := bridge.BuildTaskStoreFromDSN(cfg.TaskStoreDSN)
	if err != nil {
		return err
	}
	if closer, ok := backend.(io.Closer); ok {
		defer closer.Close()
	}
	hub := bridge.NewTaskEventHub(0)
	tasks := bridge.NewNotifyingTaskStore(bridge.NewCachedTaskStore(backend), hub)

	local, err := openCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}
	cursor, err := openCursor(cfg.CursorFile)
	if err != nil {
		return err
	}

	credentials := platform.NewStaticCredentials(cfg.Credentials())
	client := platform.NewClient(cfg.ClientOptions(credentials, logger.With("component", "platform"), m))

	pipeline := bridge.NewPipeline(bridge.PipelineOptions{
		Tasks:    tasks,
		Local:    local,
		Platform: client,
		Logger:   logger.With("component", "pipeline"),
		Metrics:  m,
	})
	reconciler := bridge.NewReconciler(bridge.ReconcilerOptions{
		Tasks:    tasks,
		Platform: client,
		Handlers: bridge.DefaultHandlers(local),
		Logger:   logger.With("component", "reconciler"),
		Metrics:  m,
	})
	replicator := bridge.NewReplicator(bridge.ReplicatorOptions{
		Platform:   client,
		Local:      local,
		Cursor:     cursor,
		Top:        cfg.Changelog.Top,
		ObjectType: cfg.Changelog.ObjectType,
		Logger:     logger.With("component", "replicator"),
		Metrics:    m,
	})
	server := httpapi.NewServer(httpapi.Dependencies{
		Tasks:      pipeline,
		Reconciler: reconciler,
		Changelog:  replicator,
		Events:     hub,
	}, httpapi.ServerConfig{
		JWTSecret: cfg.JWTSecret,
		Logger:    logger.With("component", "httpapi"),
		Metrics:   m,
	})

	if configPath != "" {
		err := config.Watch(ctx, configPath, logger, func(next config.Config) {
			credentials.Set(next.Credentials())
			level.Set(next.SlogLevel())
		})
		if err != nil {
			logger.Warn("config reload disabled", "path", configPath, "error", err)
		}
	}

	go every(ctx, logger, "reconcile", cfg.Reconcile.Interval, func(ctx context.Context) error {
		report, err := reconciler.ReconcileOpen(ctx)
		if report.Changed > 0 || report.Failed > 0 {
			logger.Info("reconcile cycle completed", "checked", report.Checked, "changed", report.Changed, "finished", report.Finished, "failed", report.Failed)
		}
		return err
	})
	go every(ctx, logger, "changelog", cfg.Changelog.Interval, func(ctx context.Context) error {
		report, err := replicator.SyncOnce(ctx)
		if report.Fetched > 0 {
			logger.Info("changelog cycle completed", "applied", report.Applied, "skipped", report.Skipped, "failed", report.Failed, "cursor", report.Cursor)
		}
		return err
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("platformbridge listening", "addr", cfg.ListenAddr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("platformbridge stopping", "reason", context.Cause(ctx))
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// every runs fn on each tick until ctx is done. A non-positive interval
// disables the loop.
func every(ctx context.Context, logger *slog.Logger, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		logger.Info("background loop disabled", "loop", name)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("background cycle failed", "loop", name, "error", err)
			}
		}
	}
}

func openCatalog(path string) (bridge.LocalStore, error) {
	if strings.TrimSpace(path) == "" {
		return bridge.NewMemoryLocalStore(), nil
	}
	return bridge.NewFileLocalStore(path)
}

func openCursor(path string) (bridge.CursorStore, error) {
	if strings.TrimSpace(path) == "" {
		return bridge.NewMemoryCursorStore(0), nil
	}
	return bridge.NewFileCursorStore(path)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
