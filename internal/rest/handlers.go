package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/polarmesh/veriduct/internal/allocator"
	"github.com/polarmesh/veriduct/internal/apierror"
	"github.com/polarmesh/veriduct/internal/capacity"
	"github.com/polarmesh/veriduct/internal/challenge"
	serverJSON "github.com/polarmesh/veriduct/internal/json"
	"github.com/polarmesh/veriduct/internal/sandbox"
	"github.com/polarmesh/veriduct/internal/state"
)

type allocateRequest struct {
	CPU             int      `json:"cpu"`
	Memory          string   `json:"memory"`
	DurationSeconds int      `json:"duration_seconds"`
	Devices         []string `json:"devices"`
}

type allocateResponse struct {
	Status        string     `json:"status"`
	ContainerID   string     `json:"container_id"`
	ContainerName string     `json:"container_name"`
	Host          string     `json:"host"`
	SSHPort       int        `json:"ssh_port"`
	Username      string     `json:"username"`
	Password      string     `json:"password"`
	SSHCommand    string     `json:"ssh_command"`
	CPU           int        `json:"cpu"`
	MemoryBytes   int64      `json:"memory_bytes"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := serverJSON.DecodeJSON(r.Context(), r, &req); err != nil {
		apierror.Respond(w, apierror.KindInvalidRequest, err.Error(), nil)
		return
	}

	alloc, err := s.alloc.Allocate(r.Context(), allocator.Request{
		CPU:             req.CPU,
		Memory:          req.Memory,
		DurationSeconds: req.DurationSeconds,
		Devices:         req.Devices,
	})
	if err != nil {
		switch {
		case errors.Is(err, allocator.ErrInvalidRequest):
			apierror.Respond(w, apierror.KindInvalidRequest, err.Error(), nil)
		case errors.Is(err, capacity.ErrInsufficientCapacity):
			apierror.Respond(w, apierror.KindInsufficientCapacity, "insufficient capacity", nil)
		case errors.Is(err, sandbox.ErrCreateFailed):
			apierror.Respond(w, apierror.KindSandboxCreateError, "failed to create sandbox", err)
		default:
			apierror.Respond(w, apierror.KindInternal, "allocation failed", err)
		}
		return
	}

	s.telemetry.Track(s.minerID, "sandbox_allocated", map[string]any{
		"cpu":       alloc.CPU,
		"mem_bytes": alloc.MemBytes,
	})

	_ = serverJSON.RespondJSON(w, http.StatusOK, allocateResponse{
		Status:        "success",
		ContainerID:   alloc.SandboxID,
		ContainerName: alloc.Name,
		Host:          alloc.Host,
		SSHPort:       alloc.SSHPort,
		Username:      alloc.Username,
		Password:      alloc.Password,
		SSHCommand:    alloc.SSHCommand,
		CPU:           alloc.CPU,
		MemoryBytes:   alloc.MemBytes,
		ExpiresAt:     alloc.ExpiresAt,
	})
}

type challengeRequest struct {
	Type string        `json:"type"`
	Data challengeData `json:"data"`
}

type challengeData struct {
	ChallengeID     string  `json:"challenge_id"`
	Command         string  `json:"command"`
	DurationSeconds int     `json:"duration"`
	ExpectedCPU     float64 `json:"expected_cpu"`
	ExpectedMemory  int64   `json:"expected_memory"`
}

type commandResult struct {
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

type metricsPayload struct {
	CPUUsage      float64 `json:"cpu_usage"`
	MemoryUsage   int64   `json:"memory_usage"`
	MemoryLimit   int64   `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
}

type challengeResponse struct {
	Status        string         `json:"status"`
	Type          string         `json:"type"`
	ChallengeID   string         `json:"challenge_id"`
	CommandResult commandResult  `json:"command_result"`
	Metrics       metricsPayload `json:"metrics"`
	Samples       int            `json:"samples"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")

	var req challengeRequest
	if err := serverJSON.DecodeJSON(r.Context(), r, &req); err != nil {
		apierror.Respond(w, apierror.KindInvalidRequest, err.Error(), nil)
		return
	}
	if !challenge.Type(req.Type).Valid() {
		apierror.Respond(w, apierror.KindInvalidRequest, "unknown challenge type "+req.Type, nil)
		return
	}
	if req.Data.Command == "" {
		apierror.Respond(w, apierror.KindInvalidRequest, "data.command is required", nil)
		return
	}
	if req.Data.DurationSeconds <= 0 {
		apierror.Respond(w, apierror.KindInvalidRequest, "data.duration must be positive", nil)
		return
	}

	challengeID := req.Data.ChallengeID
	if challengeID == "" {
		challengeID = uuid.NewString()
	}

	now := time.Now().UTC()
	duration := time.Duration(req.Data.DurationSeconds) * time.Second
	ch := challenge.Challenge{
		ID:                  challengeID,
		SandboxID:           sandboxID,
		Type:                challenge.Type(req.Type),
		Command:             req.Data.Command,
		Duration:            duration,
		ExpectedCPUPercent:  req.Data.ExpectedCPU,
		ExpectedMemoryBytes: req.Data.ExpectedMemory,
		IssuedAt:            now,
		Deadline:            now.Add(duration + s.cfg.Challenge.Grace),
	}

	res, err := s.executor.Run(r.Context(), ch)
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrNotFound):
			apierror.Respond(w, apierror.KindSandboxNotFound, "sandbox not found", nil)
		case errors.Is(err, sandbox.ErrChallengeInFlight):
			apierror.Respond(w, apierror.KindChallengeInFlight, "a challenge is already executing", nil)
		default:
			apierror.Respond(w, apierror.KindInternal, "challenge execution failed", err)
		}
		return
	}

	s.recordExecution(r, ch, res)

	_ = serverJSON.RespondJSON(w, http.StatusOK, challengeResponse{
		Status:      "success",
		Type:        string(ch.Type),
		ChallengeID: ch.ID,
		CommandResult: commandResult{
			Status:   string(res.Status),
			ExitCode: res.ExitCode,
			Output:   res.Output,
		},
		Metrics: metricsPayload{
			CPUUsage:      res.Metrics.CPUUsagePercent,
			MemoryUsage:   res.Metrics.MemoryUsageBytes,
			MemoryLimit:   res.Metrics.MemoryLimitBytes,
			MemoryPercent: res.Metrics.MemoryPercent,
		},
		Samples: res.Samples,
	})
}

// recordExecution persists the execution outcome for later audit. A
// persistence fault never fails the challenge response.
func (s *Server) recordExecution(r *http.Request, ch challenge.Challenge, res *challenge.Result) {
	rec := &state.Execution{
		ID:          uuid.NewString(),
		SandboxID:   ch.SandboxID,
		ChallengeID: ch.ID,
		Command:     ch.Command,
		Status:      string(res.Status),
		ExitCode:    res.ExitCode,
		Output:      res.Output,
		DurationMS:  res.CompletedAt.Sub(res.StartedAt).Milliseconds(),
		StartedAt:   res.StartedAt,
		EndedAt:     res.CompletedAt,
	}
	if err := s.store.CreateExecution(r.Context(), rec); err != nil {
		s.logger.Error("persist execution", "challenge_id", ch.ID, "error", err)
	}

	s.telemetry.Track(s.minerID, "challenge_executed", map[string]any{
		"type":   string(ch.Type),
		"status": string(res.Status),
	})
}

type containerInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	State       string    `json:"state"`
	CPU         int       `json:"cpu"`
	MemoryBytes int64     `json:"memory_bytes"`
	SSHPort     int       `json:"ssh_port"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
}

type capacityInfo struct {
	TotalCPU       int   `json:"total_cpu"`
	TotalMemory    int64 `json:"total_memory"`
	ReservedCPU    int   `json:"reserved_cpu"`
	ReservedMemory int64 `json:"reserved_memory"`
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	live := s.alloc.List()
	containers := make([]containerInfo, 0, len(live))
	for _, sb := range live {
		containers = append(containers, containerInfo{
			ID:          sb.ID,
			Name:        sb.Name,
			State:       string(sb.State),
			CPU:         sb.Limits.CPU,
			MemoryBytes: sb.Limits.MemBytes,
			SSHPort:     sb.SSHPort,
			CreatedAt:   sb.CreatedAt,
			LastActive:  sb.LastActive,
		})
	}

	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"containers": containers,
		"capacity": capacityInfo{
			TotalCPU:       s.pool.TotalCPU(),
			TotalMemory:    s.pool.TotalMemBytes(),
			ReservedCPU:    s.pool.ReservedCPU(),
			ReservedMemory: s.pool.ReservedMemBytes(),
		},
	})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")

	if err := s.alloc.Terminate(r.Context(), sandboxID); err != nil {
		// The sandbox is gone from inventory either way; report the
		// runtime fault but keep the delete idempotent at the surface.
		s.logger.Error("terminate", "sandbox_id", sandboxID, "error", err)
	}

	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"container_id": sandboxID,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")

	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			apierror.Respond(w, apierror.KindInvalidRequest, "tail must be a non-negative integer", nil)
			return
		}
		tail = n
	}

	logs, err := s.manager.Logs(r.Context(), sandboxID, tail)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			apierror.Respond(w, apierror.KindSandboxNotFound, "sandbox not found", nil)
			return
		}
		apierror.Respond(w, apierror.KindInternal, "failed to fetch logs", err)
		return
	}

	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"container_id": sandboxID,
		"logs":         logs,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = serverJSON.RespondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"miner_id":       s.minerID,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"capacity": capacityInfo{
			TotalCPU:       s.pool.TotalCPU(),
			TotalMemory:    s.pool.TotalMemBytes(),
			ReservedCPU:    s.pool.ReservedCPU(),
			ReservedMemory: s.pool.ReservedMemBytes(),
		},
	})
}
