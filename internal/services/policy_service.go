package services

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/flakeguard/flakeguard/internal/database"
)

// DefaultPolicyName is the name given to bootstrapped fallback policies.
const DefaultPolicyName = "default"

// estimatedCIMinutesPerFailure is the assumed CI cost of one blocked build,
// used for projected-savings estimates in simulation.
const estimatedCIMinutesPerFailure = 15

// DefaultPolicy returns the built-in policy used when a project has no
// active policy. Evaluation falls back to it rather than blocking.
func DefaultPolicy(projectID string) *database.QuarantinePolicy {
	return &database.QuarantinePolicy{
		ProjectID:            projectID,
		Name:                 DefaultPolicyName,
		Description:          "Built-in default quarantine policy",
		FailureRateThreshold: 0.3,
		ConfidenceThreshold:  0.7,
		ConsecutiveFailures:  3,
		MinRunsRequired:      10,
		StabilityPeriodDays:  7,
		SuccessRateRequired:  0.9,
		MinSuccessfulRuns:    5,
	}
}

// PolicyService manages the per-project quarantine policies.
type PolicyService struct {
	db    *gorm.DB
	clock Clock
}

// NewPolicyService creates a new policy service
func NewPolicyService(db *gorm.DB, clock Clock) *PolicyService {
	return &PolicyService{db: db, clock: clock}
}

// Upsert creates or replaces a policy by (project, name). Replacing keeps
// the row identity so the active flag survives a config update.
func (s *PolicyService) Upsert(policy *database.QuarantinePolicy) (*database.QuarantinePolicy, error) {
	if err := checkPolicy(policy); err != nil {
		return nil, err
	}

	var existing database.QuarantinePolicy
	err := s.db.Where("project_id = ? AND name = ?", policy.ProjectID, policy.Name).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := s.db.Create(policy).Error; err != nil {
			return nil, fmt.Errorf("failed to create policy: %w", err)
		}
		return policy, nil
	}
	if err != nil {
		return nil, err
	}

	policy.ID = existing.ID
	policy.IsActive = existing.IsActive
	policy.CreatedAt = existing.CreatedAt
	if err := s.db.Save(policy).Error; err != nil {
		return nil, fmt.Errorf("failed to update policy: %w", err)
	}
	return policy, nil
}

// Activate marks a policy active, atomically deactivating any sibling that
// was active for the same project. Exactly one policy per project can be
// active at a time.
func (s *PolicyService) Activate(projectID, name string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var policy database.QuarantinePolicy
		err := tx.Where("project_id = ? AND name = ?", projectID, name).First(&policy).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &NotFoundError{Resource: "policy", Key: projectID + "/" + name}
		}
		if err != nil {
			return err
		}
		if err := tx.Model(&database.QuarantinePolicy{}).
			Where("project_id = ? AND is_active = ?", projectID, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Model(&policy).Update("is_active", true).Error
	})
}

// Deactivate clears the active flag on a policy.
func (s *PolicyService) Deactivate(projectID, name string) error {
	res := s.db.Model(&database.QuarantinePolicy{}).
		Where("project_id = ? AND name = ?", projectID, name).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Resource: "policy", Key: projectID + "/" + name}
	}
	return nil
}

// Delete removes a policy. The active policy cannot be deleted; it must be
// deactivated first.
func (s *PolicyService) Delete(projectID, name string) error {
	var policy database.QuarantinePolicy
	err := s.db.Where("project_id = ? AND name = ?", projectID, name).First(&policy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &NotFoundError{Resource: "policy", Key: projectID + "/" + name}
	}
	if err != nil {
		return err
	}
	if policy.IsActive {
		return &PolicyInUseError{ProjectID: projectID, Name: name}
	}
	return s.db.Delete(&policy).Error
}

// Get returns a policy by (project, name).
func (s *PolicyService) Get(projectID, name string) (*database.QuarantinePolicy, error) {
	var policy database.QuarantinePolicy
	err := s.db.Where("project_id = ? AND name = ?", projectID, name).First(&policy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Resource: "policy", Key: projectID + "/" + name}
	}
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

// List returns all policies for a project.
func (s *PolicyService) List(projectID string) ([]database.QuarantinePolicy, error) {
	var policies []database.QuarantinePolicy
	err := s.db.Where("project_id = ?", projectID).Order("name ASC").Find(&policies).Error
	return policies, err
}

// GetActive returns the project's active policy. When none exists it
// returns the built-in default together with a PolicyMissingError so the
// caller can log the fallback; evaluation proceeds either way.
func (s *PolicyService) GetActive(projectID string) (*database.QuarantinePolicy, error) {
	var policy database.QuarantinePolicy
	err := s.db.Where("project_id = ? AND is_active = ?", projectID, true).First(&policy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DefaultPolicy(projectID), &PolicyMissingError{ProjectID: projectID}
	}
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

// EnsureDefault provisions the built-in default policy for a project if it
// has no policies at all, activating it. Idempotent.
func (s *PolicyService) EnsureDefault(projectID string) error {
	var count int64
	if err := s.db.Model(&database.QuarantinePolicy{}).
		Where("project_id = ?", projectID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	policy := DefaultPolicy(projectID)
	policy.IsActive = true
	if err := s.db.Create(policy).Error; err != nil {
		return fmt.Errorf("failed to bootstrap default policy: %w", err)
	}
	log.Printf("Bootstrapped default quarantine policy for project %s", projectID)
	return nil
}

// SimulatedQuarantine is one projected quarantine from a simulation run.
type SimulatedQuarantine struct {
	TestName   string  `json:"test_name"`
	TestSuite  string  `json:"test_suite"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// SimulationResult summarizes a dry-run of a policy over a project's
// historical patterns. Nothing is persisted.
type SimulationResult struct {
	ProjectID          string                `json:"project_id"`
	PolicyName         string                `json:"policy_name"`
	PatternsEvaluated  int                   `json:"patterns_evaluated"`
	WouldQuarantine    []SimulatedQuarantine `json:"would_quarantine"`
	ProjectedSavedMins int                   `json:"projected_ci_minutes_saved"`
}

// Simulate runs the evaluator over every active pattern in the project with
// the named policy, without applying any decisions.
func (s *PolicyService) Simulate(projectID, name string, patterns *PatternService) (*SimulationResult, error) {
	policy, err := s.Get(projectID, name)
	if err != nil {
		return nil, err
	}

	var candidates []database.FlakyTestPattern
	if err := s.db.Where("project_id = ? AND current_status = ?",
		projectID, database.TestStatusActive).Find(&candidates).Error; err != nil {
		return nil, err
	}

	result := &SimulationResult{
		ProjectID:         projectID,
		PolicyName:        name,
		PatternsEvaluated: len(candidates),
	}

	now := s.clock.Now()
	for i := range candidates {
		p := &candidates[i]
		stats, err := patterns.WindowStats(p, policy)
		if err != nil {
			return nil, err
		}
		decision, err := Evaluate(p, policy, stats, now)
		if err != nil {
			log.Printf("Simulation skipped pattern %s: %v", p.Key(), err)
			continue
		}
		if decision.Action == ActionQuarantine {
			result.WouldQuarantine = append(result.WouldQuarantine, SimulatedQuarantine{
				TestName:   p.TestName,
				TestSuite:  p.TestSuite,
				Reason:     decision.Reason,
				Confidence: decision.Confidence,
			})
			result.ProjectedSavedMins += p.FailureCount * estimatedCIMinutesPerFailure
		}
	}

	return result, nil
}

// Recommend derives a suggested policy from the project's historical
// failure-rate distribution. The failure-rate threshold lands near the 80th
// percentile so roughly the worst fifth of flaky tests would qualify. A high
// observed false-positive rate nudges every bar upward. The result is a
// starting point for an administrator, never auto-applied.
func (s *PolicyService) Recommend(projectID string) (*database.QuarantinePolicy, error) {
	var patterns []database.FlakyTestPattern
	if err := s.db.Where("project_id = ? AND total_runs >= ?", projectID, 10).Find(&patterns).Error; err != nil {
		return nil, err
	}

	rec := DefaultPolicy(projectID)
	rec.Name = "recommended"
	rec.Description = "Derived from historical failure-rate distribution"

	if len(patterns) == 0 {
		return rec, nil
	}

	rates := make([]float64, 0, len(patterns))
	for i := range patterns {
		rates = append(rates, patterns[i].FailureRate())
	}
	sort.Float64s(rates)

	threshold := percentile(rates, 0.8)
	if threshold < 0.1 {
		threshold = 0.1
	}
	if threshold > 0.9 {
		threshold = 0.9
	}
	rec.FailureRateThreshold = threshold

	fpRate, err := s.falsePositiveRate(projectID)
	if err != nil {
		return nil, err
	}
	// Past false positives argue for a higher evidentiary bar.
	if fpRate > 0.3 {
		rec.ConfidenceThreshold = clamp01(rec.ConfidenceThreshold + 0.1)
		if rec.MinRunsRequired < 20 {
			rec.MinRunsRequired = 20
		}
	}

	return rec, nil
}

// falsePositiveRate is the share of this project's impact records marked as
// false positives. Zero when no impact has been tracked yet.
func (s *PolicyService) falsePositiveRate(projectID string) (float64, error) {
	var total, fp int64
	base := s.db.Model(&database.ImpactRecord{}).
		Joins("JOIN flaky_test_patterns ON flaky_test_patterns.id = impact_records.pattern_id").
		Where("flaky_test_patterns.project_id = ?", projectID)
	if err := base.Count(&total).Error; err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	if err := base.Where("impact_records.false_positive = ?", true).Count(&fp).Error; err != nil {
		return 0, err
	}
	return float64(fp) / float64(total), nil
}

// percentile returns the p-th percentile of sorted values (nearest-rank).
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// policySeedFile is the YAML shape of a policy-as-code seed file.
type policySeedFile struct {
	Policies []policySeedEntry `yaml:"policies"`
}

type policySeedEntry struct {
	ProjectID   string `yaml:"project_id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Activate    bool   `yaml:"activate"`

	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
	ConfidenceThreshold  float64 `yaml:"confidence_threshold"`
	ConsecutiveFailures  int     `yaml:"consecutive_failures"`
	MinRunsRequired      int     `yaml:"min_runs_required"`
	StabilityPeriodDays  int     `yaml:"stability_period_days"`
	SuccessRateRequired  float64 `yaml:"success_rate_required"`
	MinSuccessfulRuns    int     `yaml:"min_successful_runs"`

	HighImpactSuites []string `yaml:"high_impact_suites"`
	PriorityTests    []string `yaml:"priority_tests"`

	EnableRapidDegradation       bool `yaml:"enable_rapid_degradation"`
	EnableCriticalPathProtection bool `yaml:"enable_critical_path_protection"`
	EnableTimeBasedRules         bool `yaml:"enable_time_based_rules"`

	MaxQuarantinePeriodDays *int     `yaml:"max_quarantine_period_days"`
	MaxQuarantinePercentage *float64 `yaml:"max_quarantine_percentage"`
}

// LoadSeedFile upserts policies from a YAML seed file. Missing numeric
// fields inherit the built-in defaults so seed files can stay short.
func (s *PolicyService) LoadSeedFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read policy seed file: %w", err)
	}

	var seed policySeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("failed to parse policy seed file: %w", err)
	}

	loaded := 0
	for _, entry := range seed.Policies {
		policy := seedToPolicy(entry)
		if _, err := s.Upsert(policy); err != nil {
			return loaded, fmt.Errorf("failed to load policy %s/%s: %w", entry.ProjectID, entry.Name, err)
		}
		if entry.Activate {
			if err := s.Activate(entry.ProjectID, entry.Name); err != nil {
				return loaded, err
			}
		}
		loaded++
	}
	return loaded, nil
}

// ExportYAML renders a project's policies as a seed-file document.
func (s *PolicyService) ExportYAML(projectID string) ([]byte, error) {
	policies, err := s.List(projectID)
	if err != nil {
		return nil, err
	}
	seed := policySeedFile{}
	for i := range policies {
		p := &policies[i]
		seed.Policies = append(seed.Policies, policySeedEntry{
			ProjectID:                    p.ProjectID,
			Name:                         p.Name,
			Description:                  p.Description,
			Activate:                     p.IsActive,
			FailureRateThreshold:         p.FailureRateThreshold,
			ConfidenceThreshold:          p.ConfidenceThreshold,
			ConsecutiveFailures:          p.ConsecutiveFailures,
			MinRunsRequired:              p.MinRunsRequired,
			StabilityPeriodDays:          p.StabilityPeriodDays,
			SuccessRateRequired:          p.SuccessRateRequired,
			MinSuccessfulRuns:            p.MinSuccessfulRuns,
			HighImpactSuites:             p.HighImpactSuites,
			PriorityTests:                p.PriorityTests,
			EnableRapidDegradation:       p.EnableRapidDegradation,
			EnableCriticalPathProtection: p.EnableCriticalPathProtection,
			EnableTimeBasedRules:         p.EnableTimeBasedRules,
			MaxQuarantinePeriodDays:      p.MaxQuarantinePeriodDays,
			MaxQuarantinePercentage:      p.MaxQuarantinePercentage,
		})
	}
	return yaml.Marshal(&seed)
}

func seedToPolicy(entry policySeedEntry) *database.QuarantinePolicy {
	policy := DefaultPolicy(entry.ProjectID)
	policy.Name = entry.Name
	policy.Description = entry.Description

	if entry.FailureRateThreshold > 0 {
		policy.FailureRateThreshold = entry.FailureRateThreshold
	}
	if entry.ConfidenceThreshold > 0 {
		policy.ConfidenceThreshold = entry.ConfidenceThreshold
	}
	if entry.ConsecutiveFailures > 0 {
		policy.ConsecutiveFailures = entry.ConsecutiveFailures
	}
	if entry.MinRunsRequired > 0 {
		policy.MinRunsRequired = entry.MinRunsRequired
	}
	if entry.StabilityPeriodDays > 0 {
		policy.StabilityPeriodDays = entry.StabilityPeriodDays
	}
	if entry.SuccessRateRequired > 0 {
		policy.SuccessRateRequired = entry.SuccessRateRequired
	}
	if entry.MinSuccessfulRuns > 0 {
		policy.MinSuccessfulRuns = entry.MinSuccessfulRuns
	}
	policy.HighImpactSuites = entry.HighImpactSuites
	policy.PriorityTests = entry.PriorityTests
	policy.EnableRapidDegradation = entry.EnableRapidDegradation
	policy.EnableCriticalPathProtection = entry.EnableCriticalPathProtection
	policy.EnableTimeBasedRules = entry.EnableTimeBasedRules
	policy.MaxQuarantinePeriodDays = entry.MaxQuarantinePeriodDays
	policy.MaxQuarantinePercentage = entry.MaxQuarantinePercentage
	return policy
}
