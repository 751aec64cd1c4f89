// Package capacity tracks reserved CPU and memory for the local host.
// All reservations against a pool share one critical section so that two
// requests which individually fit but jointly overcommit can never both
// succeed.
package capacity

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInsufficientCapacity is returned when a reservation does not fit
	// in the pool's free capacity. Callers may retry later or target
	// another host.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrDoubleRelease indicates a reservation token was released twice.
	// This is an allocator bug, not a recoverable runtime condition.
	ErrDoubleRelease = errors.New("reservation already released")
)

// Reservation is a capacity hold against the pool. It is released exactly
// once, when its owning sandbox is destroyed.
type Reservation struct {
	CPU      int
	MemBytes int64

	pool     *Pool
	released bool
}

// Pool tracks total and reserved CPU cores and memory bytes for one host.
type Pool struct {
	mu sync.Mutex

	totalCPU int
	totalMem int64

	reservedCPU int
	reservedMem int64
}

// NewPool creates a pool with the given totals.
func NewPool(totalCPU int, totalMemBytes int64) *Pool {
	return &Pool{
		totalCPU: totalCPU,
		totalMem: totalMemBytes,
	}
}

// Reserve atomically checks and reserves cpu cores and memBytes of memory.
// The check and the reservation are one step under the pool lock.
func (p *Pool) Reserve(cpu int, memBytes int64) (*Reservation, error) {
	if cpu <= 0 || memBytes <= 0 {
		return nil, fmt.Errorf("reserve %d cpu / %d bytes: non-positive request", cpu, memBytes)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.reservedCPU+cpu > p.totalCPU || p.reservedMem+memBytes > p.totalMem {
		return nil, fmt.Errorf("reserve %d cpu / %d bytes (free %d cpu / %d bytes): %w",
			cpu, memBytes, p.totalCPU-p.reservedCPU, p.totalMem-p.reservedMem, ErrInsufficientCapacity)
	}

	p.reservedCPU += cpu
	p.reservedMem += memBytes

	return &Reservation{CPU: cpu, MemBytes: memBytes, pool: p}, nil
}

// Release returns a reservation's capacity to the pool. Releasing the same
// token twice returns ErrDoubleRelease and leaves the counters untouched.
func (p *Pool) Release(r *Reservation) error {
	if r == nil {
		return fmt.Errorf("release nil reservation")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if r.pool != p {
		return fmt.Errorf("release reservation from another pool")
	}
	if r.released {
		return ErrDoubleRelease
	}
	r.released = true

	p.reservedCPU -= r.CPU
	p.reservedMem -= r.MemBytes
	return nil
}

// TotalCPU returns the pool's total CPU cores.
func (p *Pool) TotalCPU() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalCPU
}

// TotalMemBytes returns the pool's total memory in bytes.
func (p *Pool) TotalMemBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalMem
}

// ReservedCPU returns the currently reserved CPU cores.
func (p *Pool) ReservedCPU() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reservedCPU
}

// ReservedMemBytes returns the currently reserved memory in bytes.
func (p *Pool) ReservedMemBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reservedMem
}
