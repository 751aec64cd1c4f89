// Package sandbox manages isolated execution environments with enforced
// CPU and memory limits. The container runtime itself is abstracted as a
// capability: start, stop, execute-in, and sample an isolated sandbox.
package sandbox

import (
	"context"
	"time"
)

// CreateSpec describes a container to be created by the runtime.
type CreateSpec struct {
	Name     string
	Image    string
	CPU      int
	MemBytes int64
	Devices  []string
}

// Created reports the runtime identity and SSH reachability of a new
// container.
type Created struct {
	RuntimeID string
	SSHPort   int
}

// ExecResult is the raw outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Output   string
}

// Stats is a point-in-time resource snapshot of a running container.
type Stats struct {
	CPUUsagePercent  float64
	MemoryUsageBytes int64
	MemoryLimitBytes int64
	MemoryPercent    float64
	SampledAt        time.Time
}

// Runtime is the container runtime capability. Implementations must honor
// context cancellation on every call; Exec in particular must terminate
// the in-container process when ctx is done.
type Runtime interface {
	Create(ctx context.Context, spec CreateSpec) (Created, error)
	Exec(ctx context.Context, runtimeID, command string) (ExecResult, error)
	Stats(ctx context.Context, runtimeID string) (Stats, error)
	Remove(ctx context.Context, runtimeID string) error
	Logs(ctx context.Context, runtimeID string, tail int) (string, error)
}
