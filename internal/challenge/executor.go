package challenge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/polarmesh/veriduct/internal/sandbox"
)

// Metrics is the resource usage observed while a challenge ran.
type Metrics struct {
	CPUUsagePercent  float64
	MemoryUsageBytes int64
	MemoryLimitBytes int64
	MemoryPercent    float64
}

// Result is the miner-side outcome of one challenge execution.
type Result struct {
	ChallengeID string
	SandboxID   string
	Status      sandbox.ExecutionStatus
	ExitCode    int
	Output      string
	StartedAt   time.Time
	CompletedAt time.Time
	Samples     int
	Metrics     Metrics
}

const maxOutputBytes = 16 << 10

// sandboxAPI is the slice of the sandbox manager the executor needs.
type sandboxAPI interface {
	Execute(ctx context.Context, id, command string, timeout time.Duration) (sandbox.ExecutionOutcome, error)
	Sample(ctx context.Context, id string) (sandbox.Stats, error)
}

// Executor runs challenges inside sandboxes while sampling resource
// usage at a fixed cadence.
type Executor struct {
	sandboxes      sandboxAPI
	sampleInterval time.Duration
	logger         *slog.Logger
}

// NewExecutor creates a challenge executor.
func NewExecutor(sandboxes sandboxAPI, sampleInterval time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if sampleInterval <= 0 {
		sampleInterval = 2 * time.Second
	}
	return &Executor{
		sandboxes:      sandboxes,
		sampleInterval: sampleInterval,
		logger:         logger.With("component", "executor"),
	}
}

// Run executes the challenge to completion. Workload faults and
// timeouts are reported in the result status; the returned error is
// reserved for sandbox-level refusals (unknown id, busy sandbox).
func (e *Executor) Run(ctx context.Context, ch Challenge) (*Result, error) {
	// Duration plus grace, as encoded in the deadline.
	timeout := ch.Deadline.Sub(ch.IssuedAt)
	if timeout <= 0 {
		timeout = ch.Duration
	}

	started := time.Now().UTC()
	samples := e.startSampling(ctx, ch.SandboxID)

	outcome, err := e.sandboxes.Execute(ctx, ch.SandboxID, ch.Command, timeout)
	agg := samples.stop()

	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) || errors.Is(err, sandbox.ErrChallengeInFlight) {
			return nil, err
		}
		e.logger.Error("challenge execution failed",
			"challenge_id", ch.ID,
			"sandbox_id", ch.SandboxID,
			"error", err,
		)
		outcome = sandbox.ExecutionOutcome{Status: sandbox.StatusError, ExitCode: -1}
	}

	output := outcome.Output
	if len(output) > maxOutputBytes {
		output = output[:maxOutputBytes]
	}

	res := &Result{
		ChallengeID: ch.ID,
		SandboxID:   ch.SandboxID,
		Status:      outcome.Status,
		ExitCode:    outcome.ExitCode,
		Output:      output,
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
		Samples:     agg.count,
		Metrics:     agg.metrics(),
	}

	e.logger.Info("challenge executed",
		"challenge_id", ch.ID,
		"sandbox_id", ch.SandboxID,
		"status", res.Status,
		"samples", res.Samples,
		"cpu_percent", res.Metrics.CPUUsagePercent,
		"memory_percent", res.Metrics.MemoryPercent,
	)
	return res, nil
}

// aggregate accumulates stats samples. CPU is averaged over samples;
// memory reports the peak so short allocation spikes still count.
type aggregate struct {
	mu       sync.Mutex
	count    int
	cpuSum   float64
	memPeak  int64
	memLimit int64
	pctPeak  float64
	done     chan struct{}
	finished chan struct{}
}

func (a *aggregate) add(s sandbox.Stats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	a.cpuSum += s.CPUUsagePercent
	if s.MemoryUsageBytes > a.memPeak {
		a.memPeak = s.MemoryUsageBytes
	}
	if s.MemoryPercent > a.pctPeak {
		a.pctPeak = s.MemoryPercent
	}
	if s.MemoryLimitBytes > 0 {
		a.memLimit = s.MemoryLimitBytes
	}
}

func (a *aggregate) stop() *aggregate {
	close(a.done)
	<-a.finished
	return a
}

func (a *aggregate) metrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := Metrics{
		MemoryUsageBytes: a.memPeak,
		MemoryLimitBytes: a.memLimit,
		MemoryPercent:    a.pctPeak,
	}
	if a.count > 0 {
		m.CPUUsagePercent = a.cpuSum / float64(a.count)
	}
	return m
}

func (e *Executor) startSampling(ctx context.Context, sandboxID string) *aggregate {
	agg := &aggregate{
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	go func() {
		defer close(agg.finished)
		ticker := time.NewTicker(e.sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-agg.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, err := e.sandboxes.Sample(ctx, sandboxID)
				if err != nil {
					// Sampling faults are tolerated; verification treats a
					// sample-free result as implausible.
					continue
				}
				agg.add(stats)
			}
		}
	}()

	return agg
}
