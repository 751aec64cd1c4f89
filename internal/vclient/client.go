// Package vclient is the validator-side HTTP client for the miner wire
// contract.
package vclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one miner daemon.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the miner at baseURL. token may be empty
// when the miner runs without auth.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response from the miner.
type APIError struct {
	StatusCode int
	Kind       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("miner returned %d %s: %s", e.StatusCode, e.Kind, e.Message)
}

// AllocateRequest mirrors POST /allocate.
type AllocateRequest struct {
	CPU             int    `json:"cpu"`
	Memory          string `json:"memory"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// Allocation mirrors the POST /allocate success response.
type Allocation struct {
	Status        string `json:"status"`
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	Host          string `json:"host"`
	SSHPort       int    `json:"ssh_port"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	SSHCommand    string `json:"ssh_command"`
	CPU           int    `json:"cpu"`
	MemoryBytes   int64  `json:"memory_bytes"`
}

// Allocate requests a sandbox from the miner.
func (c *Client) Allocate(ctx context.Context, req AllocateRequest) (*Allocation, error) {
	var out Allocation
	if err := c.do(ctx, http.MethodPost, "/allocate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChallengePayload mirrors the PUT /challenge/{id} request body.
type ChallengePayload struct {
	Type string        `json:"type"`
	Data ChallengeData `json:"data"`
}

// ChallengeData carries the drawn workload parameters.
type ChallengeData struct {
	ChallengeID     string  `json:"challenge_id"`
	Command         string  `json:"command"`
	DurationSeconds int     `json:"duration"`
	ExpectedCPU     float64 `json:"expected_cpu"`
	ExpectedMemory  int64   `json:"expected_memory"`
}

// CommandResult mirrors the miner's reported execution outcome.
type CommandResult struct {
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// Metrics mirrors the miner's reported resource usage.
type Metrics struct {
	CPUUsage      float64 `json:"cpu_usage"`
	MemoryUsage   int64   `json:"memory_usage"`
	MemoryLimit   int64   `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
}

// ChallengeResult mirrors the PUT /challenge/{id} success response.
type ChallengeResult struct {
	Status        string        `json:"status"`
	Type          string        `json:"type"`
	ChallengeID   string        `json:"challenge_id"`
	CommandResult CommandResult `json:"command_result"`
	Metrics       Metrics       `json:"metrics"`
	Samples       int           `json:"samples"`
}

// Challenge submits a challenge against a sandbox and waits for the
// execution result.
func (c *Client) Challenge(ctx context.Context, sandboxID string, payload ChallengePayload) (*ChallengeResult, error) {
	var out ChallengeResult
	if err := c.do(ctx, http.MethodPut, "/challenge/"+sandboxID, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Terminate destroys a sandbox. Safe to retry.
func (c *Client) Terminate(ctx context.Context, sandboxID string) error {
	return c.do(ctx, http.MethodDelete, "/terminate/"+sandboxID, nil, nil)
}

// Health probes the miner's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(raw, apiErr); err != nil {
			apiErr.Message = string(raw)
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
