package main

import (
	"context"
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/platformbridge/internal/bridge"
	"github.com/agentworkforce/platformbridge/internal/config"
	"github.com/agentworkforce/platformbridge/internal/harvest"
	"github.com/agentworkforce/platformbridge/internal/metrics"
	"github.com/agentworkforce/platformbridge/internal/platform"
)

func main() {
	configPath := flag.String("config", envOrDefault(config.PathEnv, ""), "YAML config file")
	once := flag.Bool("once", false, "run one harvest job and exit")
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
	interval := cfg.Harvest.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	timeout := cfg.Harvest.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	jitter := clampJitterRatio(cfg.Harvest.Jitter)

	coordinator, err := newCoordinator(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize harvester", "error", err)
		os.Exit(1)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() bool {
		ctx, cancel := context.WithTimeout(rootCtx, timeout)
		defer cancel()
		report, err := coordinator.Run(ctx)
		if err != nil {
			logger.Error("harvest job failed", "job_id", report.JobID, "error", err)
			return false
		}
		logger.Info("harvest job completed",
			"job_id", report.JobID,
			"imported", report.Imported,
			"failed", report.Failed,
			"warnings", len(report.Warnings),
		)
		return true
	}

	ok := run()
	if *once {
		if !ok {
			os.Exit(1)
		}
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info("harvester stopping", "reason", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func newCoordinator(cfg config.Config, logger *slog.Logger) (*harvest.Coordinator, error) {
	var store harvest.Store = harvest.NewMemoryStore()
	if path := strings.TrimSpace(cfg.Harvest.StateFile); path != "" {
		fileStore, err := harvest.NewFileStore(path)
		if err != nil {
			return nil, err
		}
		store = fileStore
	}
	var local bridge.LocalStore = bridge.NewMemoryLocalStore()
	if path := strings.TrimSpace(cfg.CatalogFile); path != "" {
		fileLocal, err := bridge.NewFileLocalStore(path)
		if err != nil {
			return nil, err
		}
		local = fileLocal
	} else {
		logger.Warn("no catalog file configured, harvested records are kept in memory only")
	}
	m := metrics.New()
	credentials := platform.NewStaticCredentials(cfg.Credentials())
	client := platform.NewClient(cfg.ClientOptions(credentials, logger.With("component", "platform"), m))
	return harvest.NewCoordinator(harvest.Options{
		Platform: client,
		Local:    local,
		Store:    store,
		Logger:   logger.With("component", "harvest"),
		Metrics:  m,
	})
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
