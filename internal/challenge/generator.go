package challenge

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polarmesh/veriduct/internal/config"
)

// ErrChallengeInFlight is returned when a challenge is generated for a
// sandbox whose previous challenge has not completed.
var ErrChallengeInFlight = errors.New("challenge already in flight")

// Target describes the sandbox a challenge is generated for. The limits
// bound the drawn parameters.
type Target struct {
	SandboxID string
	CPU       int
	MemBytes  int64
}

// Generator draws challenge parameters from crypto/rand within the
// configured ranges and tracks in-flight challenges per sandbox.
type Generator struct {
	cfg    config.ChallengeConfig
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]string // sandbox id -> challenge id
}

// NewGenerator creates a challenge generator.
func NewGenerator(cfg config.ChallengeConfig, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		cfg:      cfg,
		logger:   logger.With("component", "challenge"),
		inFlight: make(map[string]string),
	}
}

// Generate draws parameters and issues a challenge against the target.
// One challenge may be outstanding per sandbox until Complete is called.
func (g *Generator) Generate(t Type, target Target) (Challenge, error) {
	if !t.Valid() {
		return Challenge{}, fmt.Errorf("unknown challenge type %q", t)
	}

	g.mu.Lock()
	if prev, ok := g.inFlight[target.SandboxID]; ok {
		g.mu.Unlock()
		return Challenge{}, fmt.Errorf("%w: sandbox %s challenge %s", ErrChallengeInFlight, target.SandboxID, prev)
	}
	// Reserve the slot before drawing so concurrent generates can't both
	// issue.
	g.inFlight[target.SandboxID] = ""
	g.mu.Unlock()

	ch, err := g.draw(t, target)
	g.mu.Lock()
	if err != nil {
		delete(g.inFlight, target.SandboxID)
	} else {
		g.inFlight[target.SandboxID] = ch.ID
	}
	g.mu.Unlock()
	if err != nil {
		return Challenge{}, err
	}

	g.logger.Info("challenge issued",
		"challenge_id", ch.ID,
		"sandbox_id", ch.SandboxID,
		"type", ch.Type,
		"duration", ch.Duration,
		"expected_cpu_percent", ch.ExpectedCPUPercent,
		"expected_memory_bytes", ch.ExpectedMemoryBytes,
		"deadline", ch.Deadline,
	)
	return ch, nil
}

// Complete releases the in-flight slot for a sandbox.
func (g *Generator) Complete(sandboxID string) {
	g.mu.Lock()
	delete(g.inFlight, sandboxID)
	g.mu.Unlock()
}

func (g *Generator) draw(t Type, target Target) (Challenge, error) {
	duration, err := randDuration(g.cfg.MinDuration, g.cfg.MaxDuration)
	if err != nil {
		return Challenge{}, fmt.Errorf("draw duration: %w", err)
	}

	workers := target.CPU
	if workers < 1 {
		workers = 1
	}

	// Each type carries only the target its workload is told to hit.
	var cpuLoad float64
	var perWorkerBytes, memBytes int64
	switch t {
	case TypeMemory:
		// Target between half and nine tenths of the sandbox's limit so
		// the workload is observable without tripping the OOM killer.
		// vm-bytes is per worker, so the draw is split across workers.
		frac, err := randFloat(0.5, 0.9)
		if err != nil {
			return Challenge{}, fmt.Errorf("draw memory fraction: %w", err)
		}
		perWorkerBytes = int64(frac*float64(target.MemBytes)) / int64(workers)
		memBytes = perWorkerBytes * int64(workers)
	default:
		cpuLoad, err = randFloat(g.cfg.MinExpectedCPU, g.cfg.MaxExpectedCPU)
		if err != nil {
			return Challenge{}, fmt.Errorf("draw cpu load: %w", err)
		}
	}

	now := time.Now().UTC()
	ch := Challenge{
		ID:                  uuid.NewString(),
		SandboxID:           target.SandboxID,
		Type:                t,
		Duration:            duration,
		ExpectedCPUPercent:  cpuLoad * float64(workers),
		ExpectedMemoryBytes: memBytes,
		IssuedAt:            now,
		Deadline:            now.Add(duration + g.cfg.Grace),
	}
	ch.Command = buildCommand(t, workers, cpuLoad, perWorkerBytes, duration)
	return ch, nil
}

// randFloat draws a uniform float in [min, max] from crypto/rand.
func randFloat(min, max float64) (float64, error) {
	if max <= min {
		return min, nil
	}
	const granularity = 1 << 20
	n, err := rand.Int(rand.Reader, big.NewInt(granularity))
	if err != nil {
		return 0, err
	}
	return min + (max-min)*float64(n.Int64())/granularity, nil
}

// randDuration draws a uniform duration in [min, max] at second
// granularity.
func randDuration(min, max time.Duration) (time.Duration, error) {
	minS := int64(min / time.Second)
	maxS := int64(max / time.Second)
	if maxS <= minS {
		return min, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxS-minS+1))
	if err != nil {
		return 0, err
	}
	return time.Duration(minS+n.Int64()) * time.Second, nil
}
