// Package challenge generates and executes compute verification
// workloads. A challenge's parameters are drawn from a cryptographic
// source so a miner cannot precompute results.
package challenge

import (
	"fmt"
	"time"
)

// Type identifies the workload family of a challenge.
type Type string

const (
	TypeCompute Type = "compute"
	TypeMemory  Type = "memory"
)

// Valid reports whether t names a known challenge type.
func (t Type) Valid() bool {
	return t == TypeCompute || t == TypeMemory
}

// Challenge is an immutable workload issued against one sandbox.
type Challenge struct {
	ID        string
	SandboxID string
	Type      Type

	// Command is the exact shell command executed in the sandbox.
	Command string

	// Duration is the requested workload run time.
	Duration time.Duration

	// ExpectedCPUPercent is the drawn CPU utilization target for compute
	// challenges, in percent of one core times the worker count. Zero for
	// memory challenges.
	ExpectedCPUPercent float64

	// ExpectedMemoryBytes is the drawn allocation target for memory
	// challenges, summed across workers. Zero for compute challenges.
	ExpectedMemoryBytes int64

	IssuedAt time.Time

	// Deadline is IssuedAt + Duration + grace. Results arriving after it
	// are rejected during verification.
	Deadline time.Time
}

// buildCommand renders the stress-ng invocation for the drawn
// parameters. stress-ng is part of the sandbox base image. vmBytes is
// the per-worker allocation; stress-ng multiplies it by the worker
// count.
func buildCommand(t Type, workers int, cpuLoad float64, vmBytes int64, d time.Duration) string {
	secs := int(d / time.Second)
	switch t {
	case TypeMemory:
		return fmt.Sprintf("stress-ng --vm %d --vm-bytes %d --vm-keep --timeout %ds --metrics-brief",
			workers, vmBytes, secs)
	default:
		return fmt.Sprintf("stress-ng --cpu %d --cpu-load %d --timeout %ds --metrics-brief",
			workers, int(cpuLoad), secs)
	}
}
