package biz

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	healthyScore  = 80
	criticalScore = 50

	penaltyOpenCircuit       = 30
	penaltyExtraOpenCircuit  = 5
	penaltySuccessRateWeight = 40
	penaltyValidationFailing = 20
)

// HealthSnapshot is the unified health signal. It is derived on demand
// and never stored.
type HealthSnapshot struct {
	Score           int       `json:"score"`
	Issues          []string  `json:"issues"`
	Recommendations []string  `json:"recommendations"`
	Healthy         bool      `json:"healthy"`
	NeedsAttention  bool      `json:"needs_attention"`
	Critical        bool      `json:"critical"`
	ComputedAt      time.Time `json:"computed_at"`
}

// HealthInput is the state the score is computed from.
type HealthInput struct {
	Circuits    []CircuitSnapshot
	Performance PerformanceOverview
	Session     SessionStatus
}

// ComputeHealth scores in.
//
//	100
//	- 30 when any circuit is Open, and 5 more per additional Open circuit
//	- round(40 * (1 - overall success rate))
//	- 20 when the session has consecutive validation failures
//
// clamped to [0, 100].
func ComputeHealth(in HealthInput, now time.Time) HealthSnapshot {
	score := 100
	issues := []string{}
	recs := []string{}

	var open []string
	for _, c := range in.Circuits {
		if c.State == CircuitOpen {
			open = append(open, c.Category)
		}
	}
	if len(open) > 0 {
		score -= penaltyOpenCircuit + penaltyExtraOpenCircuit*(len(open)-1)
		issues = append(issues, fmt.Sprintf("circuit open for %s", strings.Join(open, ", ")))
		recs = append(recs, "Investigate the auth provider: calls are failing fast until the circuit recovers")
	}

	rate := in.Performance.OverallSuccessRate
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	if penalty := int(math.Round(penaltySuccessRateWeight * (1 - rate))); penalty > 0 {
		score -= penalty
		issues = append(issues, fmt.Sprintf("overall success rate %.1f%%", rate*100))
	}
	for _, op := range in.Performance.CriticalOperations {
		recs = append(recs, fmt.Sprintf("Review operation %s: success rate below threshold", op))
	}

	if n := in.Session.ConsecutiveValidationFailures; n > 0 {
		score -= penaltyValidationFailing
		issues = append(issues, fmt.Sprintf("session %s (%d consecutive failures)", describeCause(in.Session.LastCause), n))
		switch in.Session.LastCause {
		case CauseDependencyUnavailable:
			recs = append(recs, "Session is running degraded while the auth provider is unavailable")
		default:
			recs = append(recs, "Session is running degraded: check connectivity to the auth provider")
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return HealthSnapshot{
		Score:           score,
		Issues:          issues,
		Recommendations: recs,
		Healthy:         score >= healthyScore,
		NeedsAttention:  score < healthyScore,
		Critical:        score < criticalScore,
		ComputedAt:      now,
	}
}

func describeCause(c FailureCause) string {
	switch c {
	case CauseDependencyUnavailable:
		return "dependency unavailable"
	default:
		return "validation failing"
	}
}
