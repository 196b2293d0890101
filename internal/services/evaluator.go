package services

import (
	"fmt"
	"math"
	"time"

	"github.com/flakeguard/flakeguard/internal/database"
)

// DecisionAction is the outcome kind of a quarantine evaluation
type DecisionAction string

const (
	ActionNone         DecisionAction = "none"
	ActionQuarantine   DecisionAction = "quarantine"
	ActionUnquarantine DecisionAction = "unquarantine"
)

// TriggeredByAuto tags decisions produced by scheduled or API-triggered
// automated evaluation. Manual decisions carry "manual-<userID>".
const TriggeredByAuto = "auto"

// Decision is the result of evaluating one pattern against one policy.
// Decisions are ephemeral: produced fresh on each evaluation and consumed
// immediately by the state machine, never persisted standalone.
type Decision struct {
	Action      DecisionAction
	Reason      string
	Confidence  float64
	ImpactScore float64
	TriggeredBy string
}

// NoAction is the empty decision.
var NoAction = Decision{Action: ActionNone, TriggeredBy: TriggeredByAuto}

// WindowStats carries the time-windowed rates the evaluator cannot derive
// from the aggregate pattern alone. The caller computes them from run
// records before invoking Evaluate, keeping Evaluate itself pure.
type WindowStats struct {
	// RecentFailureRate is the failure rate over the short recent window.
	RecentFailureRate float64
	// RecentRuns is the number of runs in the short recent window.
	RecentRuns int
	// RecentSuccessRate is the success rate over the stability window.
	RecentSuccessRate float64
	// ProjectedQuarantineRatio is the project's quarantined-test ratio if
	// this test were quarantined now.
	ProjectedQuarantineRatio float64
}

// Heuristic constants. The contract is monotonicity (more runs and more
// extreme rates never lower confidence or eligibility); the magnitudes were
// calibrated against historical flake data.
const (
	// rapidDegradationMultiplier: recent failure rate must exceed the
	// historical rate by this factor to count as rapid degradation.
	rapidDegradationMultiplier = 2.0
	// rapidDegradationMinRate: recent failure rate floor for the rule,
	// so a jump from 0.01 to 0.02 does not fire it.
	rapidDegradationMinRate = 0.3
	// rapidDegradationMinRuns: minimum recent runs before the rule applies.
	rapidDegradationMinRuns = 5
	// criticalPathConfidenceBoost is added to the confidence threshold for
	// tests under critical-path protection, capped at 1.0.
	criticalPathConfidenceBoost = 0.15
	// confidenceRunsSaturation: confidence from run volume saturates at
	// this multiple of the policy's min_runs_required.
	confidenceRunsSaturation = 2
	// confidenceRateCeiling: failure rates at or above this map to full
	// rate confidence.
	confidenceRateCeiling = 0.5
)

// ConfidenceScore is the [0,1] statistical certainty that a pattern's
// failures are not noise. Monotonic increasing in totalRuns and in the
// failure rate's distance from the stable (all-pass) baseline.
func ConfidenceScore(totalRuns int, failureRate float64, minRunsRequired int) float64 {
	if totalRuns <= 0 || minRunsRequired <= 0 {
		return 0
	}
	runsFactor := float64(totalRuns) / float64(confidenceRunsSaturation*minRunsRequired)
	if runsFactor > 1 {
		runsFactor = 1
	}
	rateFactor := failureRate / confidenceRateCeiling
	if rateFactor > 1 {
		rateFactor = 1
	}
	return clamp01(runsFactor * rateFactor)
}

// Evaluate applies the active policy to a pattern and returns the resulting
// decision. It is pure: no I/O, no mutation of its inputs. An active pattern
// is checked for quarantine-worthiness, a quarantined one for restoration.
func Evaluate(pattern *database.FlakyTestPattern, policy *database.QuarantinePolicy, stats WindowStats, now time.Time) (Decision, error) {
	if err := checkPattern(pattern); err != nil {
		return NoAction, err
	}
	if err := checkPolicy(policy); err != nil {
		return NoAction, err
	}

	switch pattern.CurrentStatus {
	case database.TestStatusActive:
		return evaluateQuarantine(pattern, policy, stats), nil
	case database.TestStatusQuarantined:
		return evaluateUnquarantine(pattern, policy, stats, now), nil
	default:
		return NoAction, &DataIntegrityError{Detail: fmt.Sprintf("pattern %s has unknown status %q", pattern.Key(), pattern.CurrentStatus)}
	}
}

// evaluateQuarantine decides whether an active test should be quarantined.
func evaluateQuarantine(pattern *database.FlakyTestPattern, policy *database.QuarantinePolicy, stats WindowStats) Decision {
	if pattern.TotalRuns < policy.MinRunsRequired {
		return NoAction
	}

	failureRate := pattern.FailureRate()
	confidence := ConfidenceScore(pattern.TotalRuns, failureRate, policy.MinRunsRequired)
	impact := impactScore(pattern, failureRate)

	protected := policy.EnableCriticalPathProtection &&
		(policy.HighImpactSuites.Contains(pattern.TestSuite) || policy.PriorityTests.Contains(pattern.TestName))

	confidenceThreshold := policy.ConfidenceThreshold
	if protected {
		confidenceThreshold = math.Min(1.0, confidenceThreshold+criticalPathConfidenceBoost)
	}

	var reason string
	switch {
	case failureRate >= policy.FailureRateThreshold && confidence >= confidenceThreshold:
		reason = fmt.Sprintf("failure rate %.2f over threshold %.2f with confidence %.2f",
			failureRate, policy.FailureRateThreshold, confidence)
	case pattern.ConsecutiveFailures >= policy.ConsecutiveFailures:
		// Protected tests must additionally clear the raised confidence bar.
		if protected && confidence < confidenceThreshold {
			return NoAction
		}
		reason = fmt.Sprintf("%d consecutive failures (threshold %d)",
			pattern.ConsecutiveFailures, policy.ConsecutiveFailures)
	case policy.EnableRapidDegradation && isRapidDegradation(failureRate, stats):
		if protected && confidence < confidenceThreshold {
			return NoAction
		}
		reason = fmt.Sprintf("rapid degradation: recent failure rate %.2f vs historical %.2f",
			stats.RecentFailureRate, failureRate)
	default:
		return NoAction
	}

	// Mass-quarantine guard: suppress the decision when it would push the
	// project past its quarantined-test cap.
	if policy.MaxQuarantinePercentage != nil && stats.ProjectedQuarantineRatio > *policy.MaxQuarantinePercentage {
		return NoAction
	}

	return Decision{
		Action:      ActionQuarantine,
		Reason:      reason,
		Confidence:  confidence,
		ImpactScore: impact,
		TriggeredBy: TriggeredByAuto,
	}
}

// evaluateUnquarantine decides whether a quarantined test has stabilized
// enough to restore, or has hit the maximum quarantine period.
func evaluateUnquarantine(pattern *database.FlakyTestPattern, policy *database.QuarantinePolicy, stats WindowStats, now time.Time) Decision {
	if pattern.QuarantinedAt == nil {
		// Quarantined without a start timestamp: cannot compute the
		// stability window, treat as not yet eligible.
		return NoAction
	}

	quarantinedFor := now.Sub(*pattern.QuarantinedAt)

	// Escape hatch: a hard cap on quarantine duration overrides stability.
	if policy.EnableTimeBasedRules && policy.MaxQuarantinePeriodDays != nil {
		maxPeriod := time.Duration(*policy.MaxQuarantinePeriodDays) * 24 * time.Hour
		if quarantinedFor >= maxPeriod {
			return Decision{
				Action:      ActionUnquarantine,
				Reason:      fmt.Sprintf("maximum quarantine period of %d days exceeded", *policy.MaxQuarantinePeriodDays),
				Confidence:  1.0,
				TriggeredBy: TriggeredByAuto,
			}
		}
	}

	stability := time.Duration(policy.StabilityPeriodDays) * 24 * time.Hour
	if quarantinedFor < stability {
		return NoAction
	}
	if pattern.ConsecutiveSuccesses < policy.MinSuccessfulRuns {
		return NoAction
	}
	if stats.RecentSuccessRate < policy.SuccessRateRequired {
		return NoAction
	}

	return Decision{
		Action: ActionUnquarantine,
		Reason: fmt.Sprintf("stable for %d days with %d consecutive successes (success rate %.2f)",
			policy.StabilityPeriodDays, pattern.ConsecutiveSuccesses, stats.RecentSuccessRate),
		Confidence:  clamp01(stats.RecentSuccessRate),
		TriggeredBy: TriggeredByAuto,
	}
}

// ManualQuarantine builds an operator-invoked quarantine decision. Manual
// decisions bypass all policy thresholds; only the state machine's status
// invariants apply.
func ManualQuarantine(userID, reason string) Decision {
	if reason == "" {
		reason = "manually quarantined"
	}
	return Decision{
		Action:      ActionQuarantine,
		Reason:      reason,
		Confidence:  1.0,
		ImpactScore: 1.0,
		TriggeredBy: "manual-" + userID,
	}
}

// ManualUnquarantine builds an operator-invoked unquarantine decision.
func ManualUnquarantine(userID, reason string) Decision {
	if reason == "" {
		reason = "manually unquarantined"
	}
	return Decision{
		Action:      ActionUnquarantine,
		Reason:      reason,
		Confidence:  1.0,
		TriggeredBy: "manual-" + userID,
	}
}

// isRapidDegradation reports a sudden spike of the recent failure rate over
// the lifetime rate, signaling onset rather than stable flakiness.
func isRapidDegradation(historicalRate float64, stats WindowStats) bool {
	if stats.RecentRuns < rapidDegradationMinRuns {
		return false
	}
	if stats.RecentFailureRate < rapidDegradationMinRate {
		return false
	}
	return stats.RecentFailureRate >= rapidDegradationMultiplier*historicalRate
}

// impactScore estimates how much CI disruption this pattern causes, scaled
// by observation volume so thin evidence scores low.
func impactScore(pattern *database.FlakyTestPattern, failureRate float64) float64 {
	volume := math.Log1p(float64(pattern.TotalRuns)) / math.Log1p(100)
	if volume > 1 {
		volume = 1
	}
	return clamp01(failureRate * volume)
}

func checkPattern(p *database.FlakyTestPattern) error {
	if p == nil {
		return &DataIntegrityError{Detail: "nil pattern"}
	}
	if p.TotalRuns < 0 || p.FailureCount < 0 {
		return &DataIntegrityError{Detail: fmt.Sprintf("pattern %s has negative counters", p.Key())}
	}
	if p.FailureCount > p.TotalRuns {
		return &DataIntegrityError{Detail: fmt.Sprintf("pattern %s has failure_count %d > total_runs %d", p.Key(), p.FailureCount, p.TotalRuns)}
	}
	if p.ConsecutiveFailures > 0 && p.ConsecutiveSuccesses > 0 {
		return &DataIntegrityError{Detail: fmt.Sprintf("pattern %s has both failure and success streaks", p.Key())}
	}
	return nil
}

func checkPolicy(p *database.QuarantinePolicy) error {
	if p == nil {
		return &DataIntegrityError{Detail: "nil policy"}
	}
	switch {
	case p.FailureRateThreshold < 0 || p.FailureRateThreshold > 1:
		return &DataIntegrityError{Detail: fmt.Sprintf("policy %q failure_rate_threshold out of range", p.Name)}
	case p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1:
		return &DataIntegrityError{Detail: fmt.Sprintf("policy %q confidence_threshold out of range", p.Name)}
	case p.SuccessRateRequired < 0 || p.SuccessRateRequired > 1:
		return &DataIntegrityError{Detail: fmt.Sprintf("policy %q success_rate_required out of range", p.Name)}
	case p.ConsecutiveFailures < 1 || p.MinRunsRequired < 1 || p.StabilityPeriodDays < 1 || p.MinSuccessfulRuns < 1:
		return &DataIntegrityError{Detail: fmt.Sprintf("policy %q has a threshold below its minimum", p.Name)}
	case p.MaxQuarantinePercentage != nil && (*p.MaxQuarantinePercentage < 0 || *p.MaxQuarantinePercentage > 1):
		return &DataIntegrityError{Detail: fmt.Sprintf("policy %q max_quarantine_percentage out of range", p.Name)}
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
