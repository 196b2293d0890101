package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/flakeguard/flakeguard/internal/database"
)

// recentWindow is the short lookback used for the rapid-degradation rate.
const recentWindow = 24 * time.Hour

// runRetention is how long individual run records are kept before the daily
// sweep prunes them. Must cover the longest plausible stability period.
const runRetention = 90 * 24 * time.Hour

// TestRunResult is a normalized test execution received from the ingestion
// boundary. CI-provider payload parsing happens upstream; the engine only
// folds these into patterns.
type TestRunResult struct {
	ProjectID string             `json:"project_id"`
	TestName  string             `json:"test_name"`
	TestSuite string             `json:"test_suite"`
	Status    database.RunStatus `json:"status"`
	Timestamp time.Time          `json:"timestamp"`
}

// PatternService maintains per-test aggregated statistics and the run
// records backing windowed rate queries.
type PatternService struct {
	db    *gorm.DB
	clock Clock
}

// NewPatternService creates a new pattern service
func NewPatternService(db *gorm.DB, clock Clock) *PatternService {
	return &PatternService{db: db, clock: clock}
}

// Ingest folds one normalized test result into its pattern, creating the
// pattern on first sight. Skipped runs are recorded but do not move the
// counters or streaks.
func (s *PatternService) Ingest(result TestRunResult) (*database.FlakyTestPattern, error) {
	if result.ProjectID == "" || result.TestName == "" {
		return nil, &DataIntegrityError{Detail: "result missing project_id or test_name"}
	}
	switch result.Status {
	case database.RunStatusPassed, database.RunStatusFailed, database.RunStatusSkipped:
	default:
		return nil, &DataIntegrityError{Detail: fmt.Sprintf("unknown run status %q", result.Status)}
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = s.clock.Now()
	}

	var pattern database.FlakyTestPattern
	err := s.db.Transaction(func(tx *gorm.DB) error {
		query := tx
		// Lock the row for the read-modify-write so two CI runs reporting
		// the same test cannot both load the old counters. SQLite has no
		// FOR UPDATE; its writer lock covers the transaction instead.
		if tx.Dialector.Name() == "postgres" {
			query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		err := query.Where("project_id = ? AND test_name = ? AND test_suite = ?",
			result.ProjectID, result.TestName, result.TestSuite).First(&pattern).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			pattern = database.FlakyTestPattern{
				UUID:          uuid.NewString(),
				ProjectID:     result.ProjectID,
				TestName:      result.TestName,
				TestSuite:     result.TestSuite,
				CurrentStatus: database.TestStatusActive,
				FirstSeenAt:   result.Timestamp,
			}
			if err := tx.Create(&pattern).Error; err != nil {
				return fmt.Errorf("failed to create pattern: %w", err)
			}
		} else if err != nil {
			return err
		}

		applyResult(&pattern, result)

		if pattern.FailureCount > pattern.TotalRuns {
			return &DataIntegrityError{Detail: fmt.Sprintf("pattern %s has failure_count %d > total_runs %d",
				pattern.Key(), pattern.FailureCount, pattern.TotalRuns)}
		}

		if err := tx.Save(&pattern).Error; err != nil {
			return fmt.Errorf("failed to update pattern: %w", err)
		}

		record := database.TestRunRecord{
			PatternID:  pattern.ID,
			Status:     result.Status,
			ExecutedAt: result.Timestamp,
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return nil, err
	}
	return &pattern, nil
}

// IngestBatch folds a batch of results, stopping at the first error.
func (s *PatternService) IngestBatch(results []TestRunResult) (int, error) {
	for i, r := range results {
		if _, err := s.Ingest(r); err != nil {
			return i, err
		}
	}
	return len(results), nil
}

// applyResult updates the aggregate counters and streaks for one result.
// A success resets the failure streak and vice versa.
func applyResult(p *database.FlakyTestPattern, result TestRunResult) {
	ts := result.Timestamp
	switch result.Status {
	case database.RunStatusFailed:
		p.TotalRuns++
		p.FailureCount++
		p.ConsecutiveFailures++
		p.ConsecutiveSuccesses = 0
		p.LastFailureAt = &ts
	case database.RunStatusPassed:
		p.TotalRuns++
		p.ConsecutiveSuccesses++
		p.ConsecutiveFailures = 0
		p.LastSuccessAt = &ts
	case database.RunStatusSkipped:
		// Tracked for audit but neutral for statistics.
	}
}

// Get returns the pattern for a (project, test, suite) key.
func (s *PatternService) Get(projectID, testName, testSuite string) (*database.FlakyTestPattern, error) {
	var pattern database.FlakyTestPattern
	err := s.db.Where("project_id = ? AND test_name = ? AND test_suite = ?",
		projectID, testName, testSuite).First(&pattern).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Resource: "pattern", Key: projectID + "/" + testName}
	}
	if err != nil {
		return nil, err
	}
	return &pattern, nil
}

// GetByUUID returns the pattern with the given UUID.
func (s *PatternService) GetByUUID(id string) (*database.FlakyTestPattern, error) {
	var pattern database.FlakyTestPattern
	err := s.db.Where("uuid = ?", id).First(&pattern).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Resource: "pattern", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &pattern, nil
}

// ListByProject returns patterns for a project, optionally filtered by status.
func (s *PatternService) ListByProject(projectID string, status database.TestStatus, offset, limit int) ([]database.FlakyTestPattern, int64, error) {
	q := s.db.Model(&database.FlakyTestPattern{}).Where("project_id = ?", projectID)
	if status != "" {
		q = q.Where("current_status = ?", status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var patterns []database.FlakyTestPattern
	err := q.Order("failure_count DESC, test_name ASC").Offset(offset).Limit(limit).Find(&patterns).Error
	return patterns, total, err
}

// WindowStats computes the time-windowed rates the evaluator consumes.
func (s *PatternService) WindowStats(pattern *database.FlakyTestPattern, policy *database.QuarantinePolicy) (WindowStats, error) {
	now := s.clock.Now()
	stats := WindowStats{}

	recentPassed, recentFailed, err := s.countRuns(pattern.ID, now.Add(-recentWindow))
	if err != nil {
		return stats, err
	}
	stats.RecentRuns = recentPassed + recentFailed
	if stats.RecentRuns > 0 {
		stats.RecentFailureRate = float64(recentFailed) / float64(stats.RecentRuns)
	}

	stabilityCutoff := now.Add(-time.Duration(policy.StabilityPeriodDays) * 24 * time.Hour)
	stabPassed, stabFailed, err := s.countRuns(pattern.ID, stabilityCutoff)
	if err != nil {
		return stats, err
	}
	if stabPassed+stabFailed > 0 {
		stats.RecentSuccessRate = float64(stabPassed) / float64(stabPassed+stabFailed)
	}

	ratio, err := s.projectedQuarantineRatio(pattern)
	if err != nil {
		return stats, err
	}
	stats.ProjectedQuarantineRatio = ratio

	return stats, nil
}

// countRuns returns (passed, failed) run counts for a pattern since the cutoff.
func (s *PatternService) countRuns(patternID uint, since time.Time) (int, int, error) {
	type row struct {
		Status database.RunStatus
		N      int64
	}
	var rows []row
	err := s.db.Model(&database.TestRunRecord{}).
		Select("status, count(*) as n").
		Where("pattern_id = ? AND executed_at >= ?", patternID, since).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return 0, 0, err
	}
	var passed, failed int
	for _, r := range rows {
		switch r.Status {
		case database.RunStatusPassed:
			passed = int(r.N)
		case database.RunStatusFailed:
			failed = int(r.N)
		}
	}
	return passed, failed, nil
}

// projectedQuarantineRatio is the project's quarantined ratio if this
// pattern were quarantined now.
func (s *PatternService) projectedQuarantineRatio(pattern *database.FlakyTestPattern) (float64, error) {
	var total, quarantined int64
	if err := s.db.Model(&database.FlakyTestPattern{}).
		Where("project_id = ?", pattern.ProjectID).Count(&total).Error; err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	if err := s.db.Model(&database.FlakyTestPattern{}).
		Where("project_id = ? AND current_status = ?", pattern.ProjectID, database.TestStatusQuarantined).
		Count(&quarantined).Error; err != nil {
		return 0, err
	}
	if pattern.CurrentStatus == database.TestStatusActive {
		quarantined++
	}
	return float64(quarantined) / float64(total), nil
}

// PruneRunRecords deletes run records older than the retention horizon.
// Called by the daily sweep.
func (s *PatternService) PruneRunRecords() (int64, error) {
	cutoff := s.clock.Now().Add(-runRetention)
	res := s.db.Where("executed_at < ?", cutoff).Delete(&database.TestRunRecord{})
	return res.RowsAffected, res.Error
}
