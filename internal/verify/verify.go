// Package verify checks challenge results for plausibility and turns
// them into scores. Everything here is deterministic: the same result
// always verifies and scores the same way.
package verify

import (
	"errors"
	"fmt"

	"github.com/polarmesh/veriduct/internal/challenge"
	"github.com/polarmesh/veriduct/internal/sandbox"
)

// ErrRejected wraps all verification rejections. The wrapped message
// names the failed check.
var ErrRejected = errors.New("result rejected")

// Engine validates challenge results before scoring. A result that
// fails any check scores zero and never reaches the scorer.
type Engine struct{}

// NewEngine creates a verification engine.
func NewEngine() *Engine { return &Engine{} }

// Verify checks a result against its challenge. cpuCores is the
// sandbox's granted core count, bounding plausible CPU readings.
func (e *Engine) Verify(ch challenge.Challenge, res *challenge.Result, cpuCores int) error {
	if res.ChallengeID != ch.ID {
		return fmt.Errorf("%w: result for challenge %s, want %s", ErrRejected, res.ChallengeID, ch.ID)
	}
	if res.SandboxID != ch.SandboxID {
		return fmt.Errorf("%w: result from sandbox %s, want %s", ErrRejected, res.SandboxID, ch.SandboxID)
	}

	if res.Status != sandbox.StatusCompleted {
		return fmt.Errorf("%w: execution status %s", ErrRejected, res.Status)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: workload exited with code %d", ErrRejected, res.ExitCode)
	}
	if res.CompletedAt.After(ch.Deadline) {
		return fmt.Errorf("%w: completed %s after deadline %s", ErrRejected,
			res.CompletedAt.Format("15:04:05"), ch.Deadline.Format("15:04:05"))
	}
	if res.Samples == 0 {
		return fmt.Errorf("%w: no resource samples collected", ErrRejected)
	}

	return e.checkPlausibility(res.Metrics, cpuCores)
}

// checkPlausibility rejects metrics no real sandbox could report.
func (e *Engine) checkPlausibility(m challenge.Metrics, cpuCores int) error {
	if cpuCores < 1 {
		cpuCores = 1
	}

	if m.CPUUsagePercent < 0 || m.CPUUsagePercent > float64(cpuCores)*100 {
		return fmt.Errorf("%w: cpu %.1f%% implausible for %d cores", ErrRejected, m.CPUUsagePercent, cpuCores)
	}
	if m.MemoryUsageBytes < 0 {
		return fmt.Errorf("%w: negative memory usage", ErrRejected)
	}
	if m.MemoryLimitBytes > 0 && m.MemoryUsageBytes > m.MemoryLimitBytes {
		return fmt.Errorf("%w: memory usage %d exceeds limit %d", ErrRejected, m.MemoryUsageBytes, m.MemoryLimitBytes)
	}
	if m.MemoryPercent < 0 || m.MemoryPercent > 100 {
		return fmt.Errorf("%w: memory percent %.1f out of range", ErrRejected, m.MemoryPercent)
	}

	return nil
}
