package verify

import (
	"testing"
	"time"

	"github.com/polarmesh/veriduct/internal/challenge"
	"github.com/polarmesh/veriduct/internal/config"
)

func testScorer() *Scorer {
	return NewScorer(config.DefaultConfig().Scoring)
}

func TestCalculateFullMarks(t *testing.T) {
	s := testScorer()
	sc := s.Calculate(baseChallenge(), baseResult())

	if sc.CPU != 100 || sc.Memory != 100 || sc.Duration != 100 {
		t.Fatalf("components = %+v, want all 100", sc)
	}
	if sc.Composite != 100 {
		t.Fatalf("composite = %v, want 100", sc.Composite)
	}
	if sc.Verdict != VerdictAccepted {
		t.Fatalf("verdict = %q, want accepted", sc.Verdict)
	}
}

func TestCalculateDeterministic(t *testing.T) {
	s := testScorer()
	ch := baseChallenge()
	res := baseResult()
	res.Metrics.CPUUsagePercent = 97.3

	first := s.Calculate(ch, res)
	for i := 0; i < 10; i++ {
		if got := s.Calculate(ch, res); got != first {
			t.Fatalf("score varied across calls: %+v vs %+v", got, first)
		}
	}
}

func TestCPUScoreProportionalBelowTarget(t *testing.T) {
	s := testScorer()
	ch := baseChallenge() // expects 140
	res := baseResult()
	res.Metrics.CPUUsagePercent = 70

	sc := s.Calculate(ch, res)
	if sc.CPU != 50 {
		t.Fatalf("cpu score = %v, want 50", sc.CPU)
	}
}

func TestCPUScoreSkippedForMemoryChallenge(t *testing.T) {
	s := testScorer()
	ch := baseChallenge()
	ch.Type = challenge.TypeMemory
	ch.ExpectedCPUPercent = 0
	ch.ExpectedMemoryBytes = 1 << 30

	// A memory workload pins allocation, not CPU. Low utilization must
	// not drag the score down.
	res := baseResult()
	res.Metrics.CPUUsagePercent = 12
	res.Metrics.MemoryUsageBytes = 1 << 30

	sc := s.Calculate(ch, res)
	if sc.CPU != 100 {
		t.Fatalf("cpu score = %v, want 100", sc.CPU)
	}
	if sc.Verdict != VerdictAccepted {
		t.Fatalf("verdict = %q, want accepted", sc.Verdict)
	}
}

func TestMemoryScoreForMemoryChallenge(t *testing.T) {
	s := testScorer()
	ch := baseChallenge()
	ch.Type = challenge.TypeMemory
	ch.ExpectedMemoryBytes = 1 << 30

	res := baseResult()
	res.Metrics.MemoryUsageBytes = 512 << 20
	if sc := s.Calculate(ch, res); sc.Memory != 50 {
		t.Fatalf("memory score = %v, want 50", sc.Memory)
	}

	res.Metrics.MemoryUsageBytes = 1 << 30
	if sc := s.Calculate(ch, res); sc.Memory != 100 {
		t.Fatalf("memory score = %v, want 100", sc.Memory)
	}
}

func TestDurationScoreDeviation(t *testing.T) {
	s := testScorer()
	ch := baseChallenge() // 30s requested

	// Within 10% tolerance.
	res := baseResult()
	res.CompletedAt = res.StartedAt.Add(32 * time.Second)
	if sc := s.Calculate(ch, res); sc.Duration != 100 {
		t.Fatalf("duration score = %v, want 100", sc.Duration)
	}

	// Finishing in half the time is penalized.
	res.CompletedAt = res.StartedAt.Add(15 * time.Second)
	sc := s.Calculate(ch, res)
	if sc.Duration >= 100 || sc.Duration <= 0 {
		t.Fatalf("duration score = %v, want in (0, 100)", sc.Duration)
	}

	// Double the time scores zero.
	res.CompletedAt = res.StartedAt.Add(60 * time.Second)
	if sc := s.Calculate(ch, res); sc.Duration != 0 {
		t.Fatalf("duration score = %v, want 0", sc.Duration)
	}
}

func TestVerdictThreshold(t *testing.T) {
	s := testScorer() // threshold 70

	ch := baseChallenge()
	res := baseResult()
	res.Metrics.CPUUsagePercent = 10 // cpu component ~7.1

	sc := s.Calculate(ch, res)
	if sc.Composite >= 70 {
		t.Fatalf("composite = %v, expected below threshold", sc.Composite)
	}
	if sc.Verdict != VerdictRejected {
		t.Fatalf("verdict = %q, want rejected", sc.Verdict)
	}
}

func TestCompositeClamped(t *testing.T) {
	s := NewScorer(config.ScoringConfig{
		CPUWeight:       1,
		MemoryWeight:    1,
		DurationWeight:  1,
		AcceptThreshold: 70,
	})
	sc := s.Calculate(baseChallenge(), baseResult())
	if sc.Composite < 0 || sc.Composite > 100 {
		t.Fatalf("composite %v outside [0, 100]", sc.Composite)
	}
}
