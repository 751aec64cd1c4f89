package verify

import (
	"errors"
	"testing"
	"time"

	"github.com/polarmesh/veriduct/internal/challenge"
	"github.com/polarmesh/veriduct/internal/sandbox"
)

func baseChallenge() challenge.Challenge {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return challenge.Challenge{
		ID:                 "ch-1",
		SandboxID:          "sbx-a",
		Type:               challenge.TypeCompute,
		Duration:           30 * time.Second,
		ExpectedCPUPercent: 140,
		IssuedAt:           issued,
		Deadline:           issued.Add(40 * time.Second),
	}
}

func baseResult() *challenge.Result {
	ch := baseChallenge()
	return &challenge.Result{
		ChallengeID: ch.ID,
		SandboxID:   ch.SandboxID,
		Status:      sandbox.StatusCompleted,
		StartedAt:   ch.IssuedAt,
		CompletedAt: ch.IssuedAt.Add(30 * time.Second),
		Samples:     14,
		Metrics: challenge.Metrics{
			CPUUsagePercent:  145,
			MemoryUsageBytes: 256 << 20,
			MemoryLimitBytes: 2 << 30,
			MemoryPercent:    12.5,
		},
	}
}

func TestVerifyAcceptsPlausibleResult(t *testing.T) {
	e := NewEngine()
	if err := e.Verify(baseChallenge(), baseResult(), 2); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*challenge.Result)
	}{
		{"wrong challenge id", func(r *challenge.Result) { r.ChallengeID = "ch-other" }},
		{"wrong sandbox id", func(r *challenge.Result) { r.SandboxID = "sbx-other" }},
		{"timed out", func(r *challenge.Result) { r.Status = sandbox.StatusTimedOut }},
		{"errored", func(r *challenge.Result) { r.Status = sandbox.StatusError }},
		{"nonzero exit", func(r *challenge.Result) { r.ExitCode = 127 }},
		{"past deadline", func(r *challenge.Result) { r.CompletedAt = r.CompletedAt.Add(time.Minute) }},
		{"no samples", func(r *challenge.Result) { r.Samples = 0 }},
		{"cpu above core ceiling", func(r *challenge.Result) { r.Metrics.CPUUsagePercent = 250 }},
		{"negative cpu", func(r *challenge.Result) { r.Metrics.CPUUsagePercent = -1 }},
		{"usage above limit", func(r *challenge.Result) { r.Metrics.MemoryUsageBytes = 3 << 30 }},
		{"memory percent above 100", func(r *challenge.Result) { r.Metrics.MemoryPercent = 101 }},
		{"negative memory percent", func(r *challenge.Result) { r.Metrics.MemoryPercent = -0.5 }},
	}

	e := NewEngine()
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res := baseResult()
			c.mutate(res)
			if err := e.Verify(baseChallenge(), res, 2); !errors.Is(err, ErrRejected) {
				t.Fatalf("err = %v, want ErrRejected", err)
			}
		})
	}
}

func TestVerifyCPUBoundScalesWithCores(t *testing.T) {
	e := NewEngine()
	res := baseResult()
	res.Metrics.CPUUsagePercent = 350

	if err := e.Verify(baseChallenge(), res, 2); !errors.Is(err, ErrRejected) {
		t.Fatal("350% on 2 cores should be rejected")
	}
	if err := e.Verify(baseChallenge(), res, 4); err != nil {
		t.Fatalf("350%% on 4 cores should pass: %v", err)
	}
}
