package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/argus-obs/argus/internal/config"
	"github.com/argus-obs/argus/internal/correlate"
	"github.com/argus-obs/argus/internal/hub"
	"github.com/argus-obs/argus/internal/retention"
	"github.com/argus-obs/argus/internal/server"
	"github.com/argus-obs/argus/internal/storage"
	"github.com/argus-obs/argus/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("ARGUS_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("argus starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the event store. Schema creation and additive migrations run here.
	store, err := storage.Open(cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	mode, err := store.JournalMode()
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	slog.Info("event store ready", "path", cfg.DatabasePath, "journal_mode", mode)

	h := hub.New(logger)
	correlator := correlate.New(store, logger)

	// Daily retention cleanup.
	cleanupHour, cleanupMinute, err := config.ParseClockTime(cfg.CleanupTime)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	scheduler := retention.NewScheduler(store, logger,
		cfg.RetentionDays, cleanupHour, cleanupMinute, cfg.VacuumAfterCleanup)

	srv := server.New(server.ServerConfig{
		Store:                store,
		Correlator:           correlator,
		Hub:                  h,
		Logger:               logger,
		Host:                 cfg.Host,
		Port:                 cfg.Port,
		ReadTimeout:          cfg.ReadTimeout,
		APIKeys:              cfg.APIKeys,
		SessionIdleThreshold: cfg.SessionIdleThreshold,
		MaxRequestBodyBytes:  cfg.MaxRequestBodyBytes,
		Version:              version,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Stop accepting requests once the signal arrives; in-flight requests get
	// a bounded drain window.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("argus stopped")
	return nil
}
