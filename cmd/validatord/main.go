package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/polarmesh/veriduct/internal/challenge"
	"github.com/polarmesh/veriduct/internal/config"
	"github.com/polarmesh/veriduct/internal/ledger"
	"github.com/polarmesh/veriduct/internal/sandbox"
	"github.com/polarmesh/veriduct/internal/vclient"
	"github.com/polarmesh/veriduct/internal/verify"
)

func main() {
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
		cfgPath = filepath.Join(home, ".veriduct", "validatord.yaml")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if len(cfg.Validator.Miners) == 0 {
		return fmt.Errorf("no miners configured under validator.miners")
	}

	led, err := ledger.Open(cfg.Validator.LedgerPath)
	if err != nil {
		return err
	}
	defer led.Close()

	v := &validator{
		cfg:       cfg,
		generator: challenge.NewGenerator(cfg.Challenge, logger),
		engine:    verify.NewEngine(),
		scorer:    verify.NewScorer(cfg.Scoring),
		ledger:    led,
		logger:    logger.With("component", "validator"),
	}

	logger.Info("validatord starting",
		"miners", len(cfg.Validator.Miners),
		"probe_interval", cfg.Validator.ProbeInterval,
		"ledger", cfg.Validator.LedgerPath,
	)

	v.probeAll(ctx)

	ticker := time.NewTicker(cfg.Validator.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("validatord shutting down")
			return nil
		case <-ticker.C:
			v.probeAll(ctx)
		}
	}
}

type validator struct {
	cfg       *config.Config
	generator *challenge.Generator
	engine    *verify.Engine
	scorer    *verify.Scorer
	ledger    *ledger.Ledger
	logger    *slog.Logger

	// round counter alternates challenge types across probes
	round int
}

// probeAll runs one probe round against every configured miner
// concurrently.
func (v *validator) probeAll(ctx context.Context) {
	v.round++
	challengeType := challenge.TypeCompute
	if v.round%2 == 0 {
		challengeType = challenge.TypeMemory
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range v.cfg.Validator.Miners {
		miner := m
		g.Go(func() error {
			if err := v.probe(gctx, miner, challengeType); err != nil {
				v.logger.Error("probe failed", "miner_id", miner.MinerID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// probe runs the allocate, challenge, verify, record, terminate cycle
// against one miner.
func (v *validator) probe(ctx context.Context, miner config.MinerEndpoint, challengeType challenge.Type) error {
	client := vclient.New(miner.BaseURL, miner.Token, v.cfg.Validator.RequestTimeout)

	alloc, err := client.Allocate(ctx, vclient.AllocateRequest{})
	if err != nil {
		return fmt.Errorf("allocate: %w", err)
	}
	// The sandbox never outlives the probe.
	defer func() {
		termCtx, cancel := context.WithTimeout(context.Background(), v.cfg.Validator.RequestTimeout)
		defer cancel()
		if err := client.Terminate(termCtx, alloc.ContainerID); err != nil {
			v.logger.Error("terminate failed", "miner_id", miner.MinerID, "sandbox_id", alloc.ContainerID, "error", err)
		}
	}()

	ch, err := v.generator.Generate(challengeType, challenge.Target{
		SandboxID: alloc.ContainerID,
		CPU:       alloc.CPU,
		MemBytes:  alloc.MemoryBytes,
	})
	if err != nil {
		return fmt.Errorf("generate challenge: %w", err)
	}
	defer v.generator.Complete(alloc.ContainerID)

	wire, err := client.Challenge(ctx, alloc.ContainerID, vclient.ChallengePayload{
		Type: string(ch.Type),
		Data: vclient.ChallengeData{
			ChallengeID:     ch.ID,
			Command:         ch.Command,
			DurationSeconds: int(ch.Duration / time.Second),
			ExpectedCPU:     ch.ExpectedCPUPercent,
			ExpectedMemory:  ch.ExpectedMemoryBytes,
		},
	})
	if err != nil {
		return fmt.Errorf("challenge: %w", err)
	}

	// Completion is timestamped validator-side; the miner's clock is not
	// trusted for deadline checks.
	res := &challenge.Result{
		ChallengeID: ch.ID,
		SandboxID:   alloc.ContainerID,
		Status:      sandbox.ExecutionStatus(wire.CommandResult.Status),
		ExitCode:    wire.CommandResult.ExitCode,
		Output:      wire.CommandResult.Output,
		StartedAt:   ch.IssuedAt,
		CompletedAt: time.Now().UTC(),
		Samples:     wire.Samples,
		Metrics: challenge.Metrics{
			CPUUsagePercent:  wire.Metrics.CPUUsage,
			MemoryUsageBytes: wire.Metrics.MemoryUsage,
			MemoryLimitBytes: wire.Metrics.MemoryLimit,
			MemoryPercent:    wire.Metrics.MemoryPercent,
		},
	}

	var score verify.Score
	if err := v.engine.Verify(ch, res, alloc.CPU); err != nil {
		v.logger.Warn("result rejected",
			"miner_id", miner.MinerID,
			"challenge_id", ch.ID,
			"reason", err,
		)
		score = verify.Score{Verdict: verify.VerdictRejected}
	} else {
		score = v.scorer.Calculate(ch, res)
	}

	if err := v.ledger.Append(ctx, &ledger.Record{
		MinerID:        miner.MinerID,
		SandboxID:      alloc.ContainerID,
		ChallengeID:    ch.ID,
		Type:           string(ch.Type),
		CPUScore:       score.CPU,
		MemoryScore:    score.Memory,
		DurationScore:  score.Duration,
		CompositeScore: score.Composite,
		Verdict:        string(score.Verdict),
	}); err != nil {
		return fmt.Errorf("record score: %w", err)
	}

	trust, err := v.ledger.TrustScore(ctx, miner.MinerID, v.cfg.Validator.TrustWindow)
	if err != nil {
		return fmt.Errorf("trust score: %w", err)
	}

	v.logger.Info("probe complete",
		"miner_id", miner.MinerID,
		"challenge_id", ch.ID,
		"type", ch.Type,
		"verdict", score.Verdict,
		"composite", score.Composite,
		"trust", trust,
	)
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
