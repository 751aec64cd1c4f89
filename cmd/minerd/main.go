package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/polarmesh/veriduct/internal/allocator"
	"github.com/polarmesh/veriduct/internal/auth"
	"github.com/polarmesh/veriduct/internal/capacity"
	"github.com/polarmesh/veriduct/internal/challenge"
	"github.com/polarmesh/veriduct/internal/config"
	"github.com/polarmesh/veriduct/internal/janitor"
	"github.com/polarmesh/veriduct/internal/rest"
	"github.com/polarmesh/veriduct/internal/sandbox"
	"github.com/polarmesh/veriduct/internal/state"
	"github.com/polarmesh/veriduct/internal/telemetry"
)

func main() {
	// Load .env if present (no error if missing - production uses real env vars)
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		home, _ := os.UserHomeDir()
		cfgPath = filepath.Join(home, ".veriduct", "minerd.yaml")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	// Ensure miner ID
	if cfg.MinerID == "" {
		cfg.MinerID = uuid.NewString()
		_ = config.Save(cfgPath, cfg)
		logger.Info("generated miner ID", "miner_id", cfg.MinerID)
	}

	totalMem, err := config.ParseMemory(cfg.Capacity.TotalMemory)
	if err != nil {
		return err
	}

	logger.Info("minerd starting",
		"miner_id", cfg.MinerID,
		"addr", cfg.HTTP.Addr,
		"total_cpu", cfg.Capacity.TotalCPU,
		"total_memory", cfg.Capacity.TotalMemory,
		"config", cfgPath,
	)

	st, err := state.NewStore(cfg.State.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("state store initialized", "db_path", cfg.State.DBPath)

	runtime, err := sandbox.NewDockerRuntime(cfg.Sandbox.DockerBinary, logger)
	if err != nil {
		return err
	}

	pool := capacity.NewPool(cfg.Capacity.TotalCPU, totalMem)
	manager := sandbox.NewManager(runtime, cfg.Sandbox.SampleTimeout, logger)
	alloc := allocator.New(pool, manager, st, cfg.Sandbox, cfg.HTTP.AdvertiseHost, logger)
	executor := challenge.NewExecutor(manager, cfg.Challenge.SampleInterval, logger)
	authMgr := auth.NewManager(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if !authMgr.Enabled() {
		logger.Warn("auth secret not configured; mutating routes are unprotected")
	}

	tel := telemetry.New(cfg.Telemetry.PostHogAPIKey, cfg.Telemetry.PostHogEndpoint)
	defer tel.Close()

	jan := janitor.New(st, manager, func(ctx context.Context, sandboxID string) error {
		return alloc.Terminate(ctx, sandboxID)
	}, cfg.Janitor.IdleTTL, logger)
	go jan.Start(ctx, cfg.Janitor.Interval)

	srv := rest.NewServer(cfg, pool, alloc, manager, executor, st, authMgr, tel)

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		logger.Error("HTTP server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server graceful shutdown failed", "error", err)
		_ = httpSrv.Close()
	} else {
		logger.Info("HTTP server shut down gracefully")
	}

	return nil
}

func setupLogger(levelStr, format string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
