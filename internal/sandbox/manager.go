package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for operations on unknown or terminated
	// sandboxes. Terminated is absorbing.
	ErrNotFound = errors.New("sandbox not found")

	// ErrChallengeInFlight is returned when a second challenge targets a
	// sandbox that is already executing one. Challenges are serialized
	// per sandbox so measurements stay attributable to a single workload.
	ErrChallengeInFlight = errors.New("challenge already in flight")

	// ErrCreateFailed wraps runtime-layer creation faults.
	ErrCreateFailed = errors.New("sandbox create failed")
)

// State is the lifecycle state of a sandbox.
type State string

const (
	StateCreated            State = "created"
	StateRunning            State = "running"
	StateChallengeExecuting State = "challenge_executing"
	StateIdle               State = "idle"
	StateTerminated         State = "terminated"
)

// Limits mirrors the granted resource request.
type Limits struct {
	CPU      int
	MemBytes int64
	Devices  []string
}

// Credentials grant SSH access to a sandbox. The password is the
// plaintext one-time credential; it is delivered once and stored only
// as a hash.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Sandbox is an isolated execution environment owned by the Manager.
// Callers outside this package hold only its ID.
type Sandbox struct {
	ID        string
	Name      string
	RuntimeID string
	SSHPort   int
	Limits    Limits
	State     State
	CreatedAt time.Time
	// LastActive is bumped on every challenge execution; the janitor
	// uses it for idle eviction.
	LastActive time.Time
}

// ExecutionStatus classifies the outcome of an in-sandbox command.
type ExecutionStatus string

const (
	StatusCompleted ExecutionStatus = "completed"
	StatusTimedOut  ExecutionStatus = "timed_out"
	StatusError     ExecutionStatus = "error"
)

// ExecutionOutcome is the result of Execute.
type ExecutionOutcome struct {
	Status   ExecutionStatus
	ExitCode int
	Output   string
	Duration time.Duration
}

// exit code produced by coreutils timeout when it kills the workload.
const timeoutExitCode = 124

// Manager owns sandbox lifecycle. All state transitions happen under the
// manager lock; runtime calls never do.
type Manager struct {
	mu        sync.Mutex
	sandboxes map[string]*Sandbox

	runtime       Runtime
	sampleTimeout time.Duration
	logger        *slog.Logger
}

// NewManager creates a sandbox manager on top of a runtime.
func NewManager(rt Runtime, sampleTimeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if sampleTimeout <= 0 {
		sampleTimeout = 2 * time.Second
	}
	return &Manager{
		sandboxes:     make(map[string]*Sandbox),
		runtime:       rt,
		sampleTimeout: sampleTimeout,
		logger:        logger.With("component", "sandbox"),
	}
}

// Create materializes a sandbox with the given limits.
func (m *Manager) Create(ctx context.Context, id, name, image string, limits Limits) (*Sandbox, error) {
	created, err := m.runtime.Create(ctx, CreateSpec{
		Name:     name,
		Image:    image,
		CPU:      limits.CPU,
		MemBytes: limits.MemBytes,
		Devices:  limits.Devices,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}

	now := time.Now().UTC()
	sb := &Sandbox{
		ID:         id,
		Name:       name,
		RuntimeID:  created.RuntimeID,
		SSHPort:    created.SSHPort,
		Limits:     limits,
		State:      StateRunning,
		CreatedAt:  now,
		LastActive: now,
	}

	m.mu.Lock()
	m.sandboxes[id] = sb
	m.mu.Unlock()

	m.logger.Info("sandbox created",
		"sandbox_id", id,
		"name", name,
		"cpu", limits.CPU,
		"mem_bytes", limits.MemBytes,
	)

	sbCopy := *sb
	return &sbCopy, nil
}

// Execute runs a command inside the sandbox, cancellable at timeout.
// Exactly one execution may be active per sandbox; a second concurrent
// call fails with ErrChallengeInFlight.
func (m *Manager) Execute(ctx context.Context, id, command string, timeout time.Duration) (ExecutionOutcome, error) {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if !ok || sb.State == StateTerminated {
		m.mu.Unlock()
		return ExecutionOutcome{}, ErrNotFound
	}
	if sb.State == StateChallengeExecuting {
		m.mu.Unlock()
		return ExecutionOutcome{}, ErrChallengeInFlight
	}
	sb.State = StateChallengeExecuting
	sb.LastActive = time.Now().UTC()
	runtimeID := sb.RuntimeID
	m.mu.Unlock()

	// The sandbox returns to Idle on every exit path so later challenges
	// and terminate calls are never stuck behind a dead execution.
	defer func() {
		m.mu.Lock()
		if cur, ok := m.sandboxes[id]; ok && cur.State == StateChallengeExecuting {
			cur.State = StateIdle
			cur.LastActive = time.Now().UTC()
		}
		m.mu.Unlock()
	}()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := m.runtime.Exec(execCtx, runtimeID, command)
	elapsed := time.Since(start)

	switch {
	case err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return ExecutionOutcome{Status: StatusTimedOut, ExitCode: -1, Duration: elapsed}, nil
	case err != nil:
		return ExecutionOutcome{}, fmt.Errorf("execute in sandbox %s: %w", id, err)
	case res.ExitCode == timeoutExitCode:
		return ExecutionOutcome{Status: StatusTimedOut, ExitCode: res.ExitCode, Output: res.Output, Duration: elapsed}, nil
	default:
		return ExecutionOutcome{
			Status:   StatusCompleted,
			ExitCode: res.ExitCode,
			Output:   res.Output,
			Duration: elapsed,
		}, nil
	}
}

// Sample takes a point-in-time resource snapshot. The call is bounded by
// the configured sample timeout regardless of the caller's context.
func (m *Manager) Sample(ctx context.Context, id string) (Stats, error) {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if !ok || sb.State == StateTerminated {
		m.mu.Unlock()
		return Stats{}, ErrNotFound
	}
	runtimeID := sb.RuntimeID
	m.mu.Unlock()

	sampleCtx, cancel := context.WithTimeout(ctx, m.sampleTimeout)
	defer cancel()

	stats, err := m.runtime.Stats(sampleCtx, runtimeID)
	if err != nil {
		return Stats{}, fmt.Errorf("sample sandbox %s: %w", id, err)
	}
	return stats, nil
}

// Destroy tears down a sandbox. It is idempotent: destroying an unknown
// or already-terminated id is a no-op.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	runtimeID := sb.RuntimeID
	sb.State = StateTerminated
	delete(m.sandboxes, id)
	m.mu.Unlock()

	if err := m.runtime.Remove(ctx, runtimeID); err != nil {
		// The reservation is already released by the caller; surface the
		// fault but do not resurrect the sandbox.
		m.logger.Error("runtime remove failed", "sandbox_id", id, "error", err)
		return fmt.Errorf("destroy sandbox %s: %w", id, err)
	}

	m.logger.Info("sandbox destroyed", "sandbox_id", id)
	return nil
}

// Logs returns recent output from the sandbox's container.
func (m *Manager) Logs(ctx context.Context, id string, tail int) (string, error) {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if !ok || sb.State == StateTerminated {
		m.mu.Unlock()
		return "", ErrNotFound
	}
	runtimeID := sb.RuntimeID
	m.mu.Unlock()

	return m.runtime.Logs(ctx, runtimeID, tail)
}

// Get returns a value copy of a sandbox.
func (m *Manager) Get(id string) (Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok {
		return Sandbox{}, ErrNotFound
	}
	return *sb, nil
}

// List returns value copies of all live sandboxes.
func (m *Manager) List() []Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		out = append(out, *sb)
	}
	return out
}

// IdleSince returns ids of sandboxes whose last activity is before cutoff.
func (m *Manager) IdleSince(cutoff time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, sb := range m.sandboxes {
		if sb.State != StateChallengeExecuting && sb.LastActive.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
