// Package janitor evicts sandboxes that outlived their requested
// duration or sat idle past the configured TTL.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/polarmesh/veriduct/internal/state"
)

// DestroyFunc tears down one sandbox and releases its capacity.
type DestroyFunc func(ctx context.Context, sandboxID string) error

// IdleLister reports sandboxes with no challenge activity since cutoff.
type IdleLister interface {
	IdleSince(cutoff time.Time) []string
}

// Janitor periodically sweeps for expired and idle sandboxes.
type Janitor struct {
	store   *state.Store
	idle    IdleLister
	destroy DestroyFunc
	idleTTL time.Duration
	logger  *slog.Logger
}

// New creates a janitor. idleTTL zero disables idle eviction.
func New(store *state.Store, idle IdleLister, destroy DestroyFunc, idleTTL time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:   store,
		idle:    idle,
		destroy: destroy,
		idleTTL: idleTTL,
		logger:  logger.With("component", "janitor"),
	}
}

// Start runs the sweep loop until ctx is cancelled. The first sweep
// runs immediately.
func (j *Janitor) Start(ctx context.Context, interval time.Duration) {
	j.sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	expired, err := j.store.ListExpiredSandboxes(ctx)
	if err != nil {
		j.logger.Error("list expired sandboxes", "error", err)
	}
	for _, sb := range expired {
		j.evict(ctx, sb.ID, "duration_elapsed")
	}

	if j.idleTTL <= 0 || j.idle == nil {
		return
	}
	cutoff := time.Now().UTC().Add(-j.idleTTL)
	for _, id := range j.idle.IdleSince(cutoff) {
		j.evict(ctx, id, "idle")
	}
}

func (j *Janitor) evict(ctx context.Context, sandboxID, reason string) {
	if err := j.destroy(ctx, sandboxID); err != nil {
		j.logger.Error("evict sandbox", "sandbox_id", sandboxID, "reason", reason, "error", err)
		return
	}
	j.logger.Info("sandbox evicted", "sandbox_id", sandboxID, "reason", reason)
}
