package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DockerRuntime drives a local docker daemon through the CLI.
type DockerRuntime struct {
	binary string
	logger *slog.Logger
}

// NewDockerRuntime resolves the docker binary and returns a runtime.
func NewDockerRuntime(binary string, logger *slog.Logger) (*DockerRuntime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	bin, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}

	return &DockerRuntime{
		binary: bin,
		logger: logger.With("component", "docker"),
	}, nil
}

// Create starts a detached container with enforced limits and container
// port 22 published on a random host port.
func (d *DockerRuntime) Create(ctx context.Context, spec CreateSpec) (Created, error) {
	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"--memory", strconv.FormatInt(spec.MemBytes, 10),
		"--cpus", strconv.Itoa(spec.CPU),
		"--publish", "0:22",
	}
	for _, dev := range spec.Devices {
		args = append(args, "--device", dev)
	}
	args = append(args, spec.Image)

	out, err := d.run(ctx, args...)
	if err != nil {
		return Created{}, fmt.Errorf("docker run: %w", err)
	}
	runtimeID := strings.TrimSpace(out)

	port, err := d.sshPort(ctx, runtimeID)
	if err != nil {
		// The container is up but unreachable; remove it so the caller
		// does not leak it.
		_ = d.Remove(ctx, runtimeID)
		return Created{}, fmt.Errorf("resolve ssh port: %w", err)
	}

	d.logger.Info("container started", "runtime_id", runtimeID[:12], "name", spec.Name, "ssh_port", port)
	return Created{RuntimeID: runtimeID, SSHPort: port}, nil
}

// Exec runs a shell command inside the container. The in-container
// process is bounded by coreutils timeout derived from the context
// deadline, so cancellation does not strand the workload.
func (d *DockerRuntime) Exec(ctx context.Context, runtimeID, command string) (ExecResult, error) {
	wrapped := command
	if deadline, ok := ctx.Deadline(); ok {
		secs := int(math.Ceil(time.Until(deadline).Seconds()))
		if secs < 1 {
			secs = 1
		}
		wrapped = fmt.Sprintf("timeout -k 2 %d sh -c %s", secs, shellQuote(command))
	}

	out, err := d.run(ctx, "exec", runtimeID, "sh", "-c", wrapped)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ExecResult{ExitCode: exitErr.ExitCode(), Output: out}, nil
		}
		return ExecResult{}, fmt.Errorf("docker exec: %w", err)
	}
	return ExecResult{ExitCode: 0, Output: out}, nil
}

// dockerStats is the wire shape of `docker stats --format json`.
type dockerStats struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	MemPerc  string `json:"MemPerc"`
}

// Stats samples the container once via `docker stats --no-stream`.
func (d *DockerRuntime) Stats(ctx context.Context, runtimeID string) (Stats, error) {
	out, err := d.run(ctx, "stats", "--no-stream", "--format", "{{json .}}", runtimeID)
	if err != nil {
		return Stats{}, fmt.Errorf("docker stats: %w", err)
	}

	var raw dockerStats
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &raw); err != nil {
		return Stats{}, fmt.Errorf("parse docker stats: %w", err)
	}

	cpu, err := parsePercent(raw.CPUPerc)
	if err != nil {
		return Stats{}, fmt.Errorf("parse cpu %q: %w", raw.CPUPerc, err)
	}

	usage, limit, err := parseMemUsage(raw.MemUsage)
	if err != nil {
		return Stats{}, fmt.Errorf("parse memory %q: %w", raw.MemUsage, err)
	}

	memPct := 0.0
	if limit > 0 {
		memPct = float64(usage) / float64(limit) * 100
	}

	return Stats{
		CPUUsagePercent:  cpu,
		MemoryUsageBytes: usage,
		MemoryLimitBytes: limit,
		MemoryPercent:    memPct,
		SampledAt:        time.Now().UTC(),
	}, nil
}

// Remove force-removes the container. Missing containers are not an error.
func (d *DockerRuntime) Remove(ctx context.Context, runtimeID string) error {
	out, err := d.run(ctx, "rm", "-f", runtimeID)
	if err != nil {
		if strings.Contains(out, "No such container") {
			return nil
		}
		return fmt.Errorf("docker rm: %w", err)
	}
	return nil
}

// Logs returns the last tail lines of the container's output.
func (d *DockerRuntime) Logs(ctx context.Context, runtimeID string, tail int) (string, error) {
	args := []string{"logs"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	args = append(args, runtimeID)

	out, err := d.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("docker logs: %w", err)
	}
	return out, nil
}

// sshPort resolves the host port published for container port 22.
func (d *DockerRuntime) sshPort(ctx context.Context, runtimeID string) (int, error) {
	out, err := d.run(ctx, "port", runtimeID, "22/tcp")
	if err != nil {
		return 0, err
	}

	// Output like "0.0.0.0:32768" (possibly one line per address family).
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	idx := strings.LastIndex(line, ":")
	if idx < 0 {
		return 0, fmt.Errorf("unexpected port output %q", line)
	}
	port, err := strconv.Atoi(line[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("unexpected port output %q", line)
	}
	return port, nil
}

func (d *DockerRuntime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", "docker", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// parsePercent parses strings like "78.42%".
func parsePercent(s string) (float64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	return strconv.ParseFloat(s, 64)
}

// parseMemUsage parses strings like "512MiB / 2GiB" into bytes.
func parseMemUsage(s string) (usage, limit int64, err error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected 'usage / limit'")
	}
	if usage, err = parseByteSize(strings.TrimSpace(parts[0])); err != nil {
		return 0, 0, err
	}
	if limit, err = parseByteSize(strings.TrimSpace(parts[1])); err != nil {
		return 0, 0, err
	}
	return usage, limit, nil
}

var byteUnits = []struct {
	suffix string
	mult   float64
}{
	{"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10},
	{"GB", 1e9}, {"MB", 1e6}, {"kB", 1e3}, {"B", 1},
}

func parseByteSize(s string) (int64, error) {
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q", s)
			}
			return int64(v * u.mult), nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(v), nil
}
