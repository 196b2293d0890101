// Package testhelpers provides additional data builders for testing
package testhelpers

import (
	"time"

	"github.com/google/uuid"

	"github.com/flakeguard/flakeguard/internal/database"
)

// ========================================
// Pattern Builder
// ========================================

// PatternBuilder builds FlakyTestPattern instances for testing
type PatternBuilder struct {
	pattern database.FlakyTestPattern
}

// NewPatternBuilder creates a new pattern builder with defaults
func NewPatternBuilder() *PatternBuilder {
	now := time.Now()
	return &PatternBuilder{
		pattern: database.FlakyTestPattern{
			UUID:          uuid.NewString(),
			ProjectID:     "test-project",
			TestName:      "TestExample",
			TestSuite:     "unit",
			CurrentStatus: database.TestStatusActive,
			FirstSeenAt:   now,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}
}

// WithProject sets the project ID
func (b *PatternBuilder) WithProject(projectID string) *PatternBuilder {
	b.pattern.ProjectID = projectID
	return b
}

// WithTest sets the test name
func (b *PatternBuilder) WithTest(name string) *PatternBuilder {
	b.pattern.TestName = name
	return b
}

// WithSuite sets the test suite
func (b *PatternBuilder) WithSuite(suite string) *PatternBuilder {
	b.pattern.TestSuite = suite
	return b
}

// WithRuns sets total runs and failure count
func (b *PatternBuilder) WithRuns(total, failures int) *PatternBuilder {
	b.pattern.TotalRuns = total
	b.pattern.FailureCount = failures
	return b
}

// WithConsecutiveFailures sets the failure streak
func (b *PatternBuilder) WithConsecutiveFailures(n int) *PatternBuilder {
	b.pattern.ConsecutiveFailures = n
	if n > 0 {
		b.pattern.ConsecutiveSuccesses = 0
	}
	return b
}

// WithConsecutiveSuccesses sets the success streak
func (b *PatternBuilder) WithConsecutiveSuccesses(n int) *PatternBuilder {
	b.pattern.ConsecutiveSuccesses = n
	if n > 0 {
		b.pattern.ConsecutiveFailures = 0
	}
	return b
}

// Quarantined marks the pattern as quarantined since the given time
func (b *PatternBuilder) Quarantined(since time.Time) *PatternBuilder {
	b.pattern.CurrentStatus = database.TestStatusQuarantined
	b.pattern.QuarantinedAt = &since
	return b
}

// WithConfidence sets the stored confidence score
func (b *PatternBuilder) WithConfidence(score float64) *PatternBuilder {
	b.pattern.ConfidenceScore = score
	return b
}

// Build returns the constructed pattern
func (b *PatternBuilder) Build() database.FlakyTestPattern {
	return b.pattern
}

// ========================================
// Policy Builder
// ========================================

// PolicyBuilder builds QuarantinePolicy instances for testing
type PolicyBuilder struct {
	policy database.QuarantinePolicy
}

// NewPolicyBuilder creates a new policy builder with defaults
func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{
		policy: database.QuarantinePolicy{
			ProjectID:            "test-project",
			Name:                 "default",
			IsActive:             true,
			FailureRateThreshold: 0.3,
			ConfidenceThreshold:  0.7,
			ConsecutiveFailures:  3,
			MinRunsRequired:      10,
			StabilityPeriodDays:  7,
			SuccessRateRequired:  0.9,
			MinSuccessfulRuns:    5,
		},
	}
}

// WithProject sets the project ID
func (b *PolicyBuilder) WithProject(projectID string) *PolicyBuilder {
	b.policy.ProjectID = projectID
	return b
}

// WithName sets the policy name
func (b *PolicyBuilder) WithName(name string) *PolicyBuilder {
	b.policy.Name = name
	return b
}

// Inactive marks the policy as inactive
func (b *PolicyBuilder) Inactive() *PolicyBuilder {
	b.policy.IsActive = false
	return b
}

// WithThresholds sets failure rate and confidence thresholds
func (b *PolicyBuilder) WithThresholds(failureRate, confidence float64) *PolicyBuilder {
	b.policy.FailureRateThreshold = failureRate
	b.policy.ConfidenceThreshold = confidence
	return b
}

// WithMinRuns sets the minimum runs gate
func (b *PolicyBuilder) WithMinRuns(n int) *PolicyBuilder {
	b.policy.MinRunsRequired = n
	return b
}

// WithConsecutiveFailures sets the streak trigger
func (b *PolicyBuilder) WithConsecutiveFailures(n int) *PolicyBuilder {
	b.policy.ConsecutiveFailures = n
	return b
}

// WithStability sets the unquarantine stability requirements
func (b *PolicyBuilder) WithStability(days int, successRate float64, minSuccessful int) *PolicyBuilder {
	b.policy.StabilityPeriodDays = days
	b.policy.SuccessRateRequired = successRate
	b.policy.MinSuccessfulRuns = minSuccessful
	return b
}

// WithRapidDegradation enables the rapid degradation heuristic
func (b *PolicyBuilder) WithRapidDegradation() *PolicyBuilder {
	b.policy.EnableRapidDegradation = true
	return b
}

// WithCriticalPathProtection enables protection for the given suites and tests
func (b *PolicyBuilder) WithCriticalPathProtection(suites, tests []string) *PolicyBuilder {
	b.policy.EnableCriticalPathProtection = true
	b.policy.HighImpactSuites = suites
	b.policy.PriorityTests = tests
	return b
}

// WithMaxQuarantinePeriod sets the time-based escape hatch
func (b *PolicyBuilder) WithMaxQuarantinePeriod(days int) *PolicyBuilder {
	b.policy.EnableTimeBasedRules = true
	b.policy.MaxQuarantinePeriodDays = &days
	return b
}

// WithMaxQuarantinePercentage sets the cascade guard
func (b *PolicyBuilder) WithMaxQuarantinePercentage(ratio float64) *PolicyBuilder {
	b.policy.MaxQuarantinePercentage = &ratio
	return b
}

// Build returns the constructed policy
func (b *PolicyBuilder) Build() database.QuarantinePolicy {
	return b.policy
}
