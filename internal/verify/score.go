package verify

import (
	"github.com/polarmesh/veriduct/internal/challenge"
	"github.com/polarmesh/veriduct/internal/config"
)

// Verdict is the accept/reject decision on a scored result.
type Verdict string

const (
	VerdictAccepted Verdict = "accepted"
	VerdictRejected Verdict = "rejected"
)

// Score is the component and composite scoring of one challenge result.
// All values are on a 0 to 100 scale.
type Score struct {
	CPU       float64
	Memory    float64
	Duration  float64
	Composite float64
	Verdict   Verdict
}

// Scorer computes scores under a configured policy. Calculate is pure;
// two calls with the same inputs yield the same score.
type Scorer struct {
	cfg config.ScoringConfig
}

// NewScorer creates a scorer with the given policy.
func NewScorer(cfg config.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Calculate scores a verified result against its challenge.
func (s *Scorer) Calculate(ch challenge.Challenge, res *challenge.Result) Score {
	sc := Score{
		CPU:      s.cpuScore(ch, res.Metrics),
		Memory:   s.memoryScore(ch, res.Metrics),
		Duration: s.durationScore(ch, res),
	}

	total := s.cfg.CPUWeight + s.cfg.MemoryWeight + s.cfg.DurationWeight
	if total <= 0 {
		total = 1
	}
	sc.Composite = clamp((sc.CPU*s.cfg.CPUWeight + sc.Memory*s.cfg.MemoryWeight + sc.Duration*s.cfg.DurationWeight) / total)

	sc.Verdict = VerdictRejected
	if sc.Composite >= s.cfg.AcceptThreshold {
		sc.Verdict = VerdictAccepted
	}
	return sc
}

// cpuScore rewards delivering the drawn utilization target. Meeting or
// exceeding the target is full marks; below target the score falls
// proportionally. Memory challenges carry no CPU target and score full.
func (s *Scorer) cpuScore(ch challenge.Challenge, m challenge.Metrics) float64 {
	if ch.Type == challenge.TypeMemory || ch.ExpectedCPUPercent <= 0 {
		return 100
	}
	if m.CPUUsagePercent >= ch.ExpectedCPUPercent {
		return 100
	}
	return clamp(m.CPUUsagePercent / ch.ExpectedCPUPercent * 100)
}

// memoryScore checks delivery of the drawn allocation target for memory
// challenges. Compute challenges carry no memory target and score full.
func (s *Scorer) memoryScore(ch challenge.Challenge, m challenge.Metrics) float64 {
	if ch.Type != challenge.TypeMemory || ch.ExpectedMemoryBytes <= 0 {
		return 100
	}
	if m.MemoryUsageBytes >= ch.ExpectedMemoryBytes {
		return 100
	}
	return clamp(float64(m.MemoryUsageBytes) / float64(ch.ExpectedMemoryBytes) * 100)
}

// durationScore penalizes wall-clock deviation from the requested run
// time in either direction. Finishing far too fast is as suspicious as
// running long.
func (s *Scorer) durationScore(ch challenge.Challenge, res *challenge.Result) float64 {
	if ch.Duration <= 0 {
		return 100
	}
	actual := res.CompletedAt.Sub(res.StartedAt)
	deviation := actual - ch.Duration
	if deviation < 0 {
		deviation = -deviation
	}
	// Full marks within 10% of the target, falling linearly to zero at
	// 100% deviation.
	ratio := float64(deviation) / float64(ch.Duration)
	if ratio <= 0.1 {
		return 100
	}
	return clamp((1 - ratio) / 0.9 * 100)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
