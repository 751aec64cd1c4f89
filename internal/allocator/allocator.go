// Package allocator ties capacity reservation, sandbox creation and
// credential issuance into the allocation pipeline.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polarmesh/veriduct/internal/auth"
	"github.com/polarmesh/veriduct/internal/capacity"
	"github.com/polarmesh/veriduct/internal/config"
	"github.com/polarmesh/veriduct/internal/id"
	"github.com/polarmesh/veriduct/internal/sandbox"
	"github.com/polarmesh/veriduct/internal/state"
)

// ErrInvalidRequest is returned when an allocation request fails
// validation. The wrapped message is safe to show to clients.
var ErrInvalidRequest = errors.New("invalid request")

const passwordLength = 24

// Request is a validated-on-entry allocation request. Zero values are
// filled from configured defaults.
type Request struct {
	CPU             int
	Memory          string
	DurationSeconds int
	Devices         []string
}

// Allocation is the result handed back to the requester. Password is
// plaintext here and nowhere else.
type Allocation struct {
	SandboxID  string
	Name       string
	Host       string
	SSHPort    int
	Username   string
	Password   string
	SSHCommand string
	CPU        int
	MemBytes   int64
	ExpiresAt  *time.Time
}

// Allocator owns the reserve-create-credential pipeline and the reverse
// terminate pipeline.
type Allocator struct {
	pool    *capacity.Pool
	manager *sandbox.Manager
	store   *state.Store
	cfg     config.SandboxConfig
	host    string
	logger  *slog.Logger

	mu           sync.Mutex
	reservations map[string]*capacity.Reservation
}

// New creates an allocator.
func New(pool *capacity.Pool, manager *sandbox.Manager, store *state.Store, cfg config.SandboxConfig, advertiseHost string, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		pool:         pool,
		manager:      manager,
		store:        store,
		cfg:          cfg,
		host:         advertiseHost,
		logger:       logger.With("component", "allocator"),
		reservations: make(map[string]*capacity.Reservation),
	}
}

// validate fills defaults and checks the request against configured
// bounds. Returns the resolved cpu count and memory bytes.
func (a *Allocator) validate(req *Request) (int, int64, error) {
	if req.CPU == 0 {
		req.CPU = a.cfg.DefaultCPU
	}
	if req.Memory == "" {
		req.Memory = a.cfg.DefaultMemory
	}

	if req.CPU < a.cfg.MinCPU || req.CPU > a.cfg.MaxCPU {
		return 0, 0, fmt.Errorf("%w: cpu %d outside [%d, %d]", ErrInvalidRequest, req.CPU, a.cfg.MinCPU, a.cfg.MaxCPU)
	}

	memBytes, err := config.ParseMemory(req.Memory)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: memory %q: %v", ErrInvalidRequest, req.Memory, err)
	}
	minMem, _ := config.ParseMemory(a.cfg.MinMemory)
	maxMem, _ := config.ParseMemory(a.cfg.MaxMemory)
	if memBytes < minMem || memBytes > maxMem {
		return 0, 0, fmt.Errorf("%w: memory %q outside [%s, %s]", ErrInvalidRequest, req.Memory, a.cfg.MinMemory, a.cfg.MaxMemory)
	}

	if req.DurationSeconds < 0 {
		return 0, 0, fmt.Errorf("%w: duration must not be negative", ErrInvalidRequest)
	}

	return req.CPU, memBytes, nil
}

// Allocate reserves capacity, creates a sandbox and issues one-time SSH
// credentials. On any downstream failure the reservation is rolled back
// so advertised capacity never leaks.
func (a *Allocator) Allocate(ctx context.Context, req Request) (*Allocation, error) {
	cpu, memBytes, err := a.validate(&req)
	if err != nil {
		return nil, err
	}

	res, err := a.pool.Reserve(cpu, memBytes)
	if err != nil {
		return nil, err
	}

	sandboxID, err := id.Generate("sbx-")
	if err != nil {
		a.rollback(res)
		return nil, fmt.Errorf("generate sandbox id: %w", err)
	}
	name := a.cfg.NamePrefix + "-" + sandboxID[len("sbx-"):]

	createCtx := ctx
	if a.cfg.CreateTimeout > 0 {
		var cancel context.CancelFunc
		createCtx, cancel = context.WithTimeout(ctx, a.cfg.CreateTimeout)
		defer cancel()
	}

	sb, err := a.manager.Create(createCtx, sandboxID, name, a.cfg.BaseImage, sandbox.Limits{
		CPU:      cpu,
		MemBytes: memBytes,
		Devices:  req.Devices,
	})
	if err != nil {
		a.rollback(res)
		return nil, err
	}

	password, err := id.Password(passwordLength)
	if err != nil {
		a.teardown(ctx, sandboxID, res)
		return nil, fmt.Errorf("generate password: %w", err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		a.teardown(ctx, sandboxID, res)
		return nil, fmt.Errorf("hash password: %w", err)
	}

	record := &state.Sandbox{
		ID:              sandboxID,
		Name:            name,
		RuntimeID:       sb.RuntimeID,
		Image:           a.cfg.BaseImage,
		Host:            a.host,
		SSHPort:         sb.SSHPort,
		Username:        a.cfg.Username,
		PasswordHash:    hash,
		State:           string(sb.State),
		CPU:             cpu,
		MemoryBytes:     memBytes,
		DurationSeconds: req.DurationSeconds,
		LastActiveAt:    time.Now().UTC(),
	}
	if err := a.store.CreateSandbox(ctx, record); err != nil {
		a.teardown(ctx, sandboxID, res)
		return nil, fmt.Errorf("persist sandbox: %w", err)
	}

	a.mu.Lock()
	a.reservations[sandboxID] = res
	a.mu.Unlock()

	var expiresAt *time.Time
	if req.DurationSeconds > 0 {
		t := time.Now().UTC().Add(time.Duration(req.DurationSeconds) * time.Second)
		expiresAt = &t
	}

	a.logger.Info("sandbox allocated",
		"sandbox_id", sandboxID,
		"cpu", cpu,
		"mem_bytes", memBytes,
		"ssh_port", sb.SSHPort,
		"duration_seconds", req.DurationSeconds,
	)

	return &Allocation{
		SandboxID:  sandboxID,
		Name:       name,
		Host:       a.host,
		SSHPort:    sb.SSHPort,
		Username:   a.cfg.Username,
		Password:   password,
		SSHCommand: fmt.Sprintf("ssh %s@%s -p %d", a.cfg.Username, a.host, sb.SSHPort),
		CPU:        cpu,
		MemBytes:   memBytes,
		ExpiresAt:  expiresAt,
	}, nil
}

// Terminate destroys a sandbox and releases its reservation. Unknown
// ids are a no-op so retried deletes stay safe.
func (a *Allocator) Terminate(ctx context.Context, sandboxID string) error {
	a.mu.Lock()
	res, held := a.reservations[sandboxID]
	delete(a.reservations, sandboxID)
	a.mu.Unlock()

	destroyErr := a.manager.Destroy(ctx, sandboxID)

	if held {
		if err := a.pool.Release(res); err != nil && !errors.Is(err, capacity.ErrDoubleRelease) {
			a.logger.Error("release reservation", "sandbox_id", sandboxID, "error", err)
		}
	}

	if err := a.store.DeleteSandbox(ctx, sandboxID); err != nil {
		a.logger.Error("mark sandbox deleted", "sandbox_id", sandboxID, "error", err)
	}

	if destroyErr != nil {
		return destroyErr
	}
	if held {
		a.logger.Info("sandbox terminated", "sandbox_id", sandboxID)
	}
	return nil
}

// Get returns the live sandbox with the given id.
func (a *Allocator) Get(sandboxID string) (sandbox.Sandbox, error) {
	return a.manager.Get(sandboxID)
}

// List returns all live sandboxes.
func (a *Allocator) List() []sandbox.Sandbox {
	return a.manager.List()
}

// Available reports unreserved capacity.
func (a *Allocator) Available() (cpu int, memBytes int64) {
	return a.pool.TotalCPU() - a.pool.ReservedCPU(), a.pool.TotalMemBytes() - a.pool.ReservedMemBytes()
}

// rollback releases a reservation that never got a sandbox.
func (a *Allocator) rollback(res *capacity.Reservation) {
	if err := a.pool.Release(res); err != nil {
		a.logger.Error("rollback reservation", "error", err)
	}
}

// teardown removes a half-built sandbox and its reservation.
func (a *Allocator) teardown(ctx context.Context, sandboxID string, res *capacity.Reservation) {
	if err := a.manager.Destroy(ctx, sandboxID); err != nil {
		a.logger.Error("teardown sandbox", "sandbox_id", sandboxID, "error", err)
	}
	a.rollback(res)
}
