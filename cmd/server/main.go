package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"secure-exec/internal/api"
	"secure-exec/internal/config"
	"secure-exec/internal/monitor"
	"secure-exec/internal/ratelimit"
	"secure-exec/internal/runtime"
	"secure-exec/internal/sandbox"
	"secure-exec/internal/storage"
	"secure-exec/pkg/seccomp"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults and environment")
		cfg, err = config.FromEnv()
		if err != nil {
			log.Fatal().Err(err).Msg("invalid configuration")
		}
	}

	configureLogging(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	languages := runtime.NewRegistry()

	if cfg.Sandbox.StagingDir != "" {
		if err := os.MkdirAll(cfg.Sandbox.StagingDir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.Sandbox.StagingDir).Msg("failed to create staging directory")
		}
	}

	if cfg.Sandbox.SeccompProfile == "" {
		dir := cfg.Sandbox.StagingDir
		if dir == "" {
			dir = os.TempDir()
		}
		path := filepath.Join(dir, "secure-exec-seccomp.json")
		if err := seccomp.WriteDockerProfile(path); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("failed to write seccomp profile")
		}
		cfg.Sandbox.SeccompProfile = path
		log.Info().Str("path", path).Msg("generated default seccomp profile")
	}

	// Execution log. Without it no attempt could be recorded, so it is required.
	store, err := storage.Open(ctx, storage.Options{
		Driver:   cfg.LogStore.Driver,
		Path:     cfg.LogStore.Path,
		DSN:      cfg.LogStore.DSN,
		PoolSize: cfg.LogStore.PoolSize,
	})
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.LogStore.Driver).Msg("failed to open execution log")
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize execution log schema")
	}

	// Container runtime (auto-detects containerd vs Docker)
	launcher, err := sandbox.NewLauncher(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("no container runtime available")
	}

	opts := []sandbox.Option{
		sandbox.WithMetrics(metrics),
		sandbox.WithScanner(monitor.NewScanner()),
		sandbox.WithLanguages(languages),
	}
	if cfg.Tracing.Enabled {
		opts = append(opts, sandbox.WithTracer(monitor.NewTracer()))
	}

	orchestrator, err := sandbox.NewOrchestrator(launcher, store, sandbox.Options{
		Image:          cfg.Sandbox.Image,
		SeccompProfile: cfg.Sandbox.SeccompProfile,
		Timeout:        cfg.Sandbox.Timeout,
		MaxFileSize:    cfg.Sandbox.MaxFileSize,
		StagingRoot:    cfg.Sandbox.StagingDir,
		MaxConcurrent:  cfg.Sandbox.MaxConcurrent,
		QueueTimeout:   cfg.Sandbox.QueueTimeout,
		User:           cfg.Sandbox.User,
		Limits: sandbox.ResourceLimits{
			CPUShares: cfg.Sandbox.Limits.CPUShares,
			MemoryMB:  cfg.Sandbox.Limits.MemoryMB,
			PidsLimit: cfg.Sandbox.Limits.PidsLimit,
		},
	}, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid sandbox configuration")
	}

	limiter := ratelimit.New(cfg.RateLimit.MaxCalls, cfg.RateLimit.Period)
	limiter.StartSweeper(ctx, cfg.RateLimit.SweepInterval)

	server := api.NewServer(cfg, orchestrator, limiter, store, languages, metrics)

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		// In-flight executions finish and are logged before the runtime goes away.
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		if err := launcher.Close(); err != nil {
			log.Error().Err(err).Msg("launcher close error")
		}

		cancel()
	}()

	policy := orchestrator.Policy()
	log.Info().
		Str("addr", cfg.Address()).
		Str("image", policy.Image).
		Str("seccomp", policy.SeccompProfile).
		Dur("timeout", cfg.Sandbox.Timeout).
		Int64("max_file_size", cfg.Sandbox.MaxFileSize).
		Int("rate_max", cfg.RateLimit.MaxCalls).
		Dur("rate_period", cfg.RateLimit.Period).
		Str("log_store", cfg.LogStore.Driver).
		Strs("extensions", languages.Extensions()).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
	<-stopped

	log.Info().Msg("server stopped")
}

func configureLogging(cfg config.LoggingConfig) {
	switch cfg.Format {
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	case "console":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
