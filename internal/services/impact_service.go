package services

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/flakeguard/flakeguard/internal/database"
)

// stabilityWindow is the trailing window compared on each side of a
// quarantine episode when measuring CI stability delta.
const stabilityWindow = 7 * 24 * time.Hour

// AnalyticsRange selects the lookback for project analytics
type AnalyticsRange string

const (
	RangeWeek    AnalyticsRange = "week"
	RangeMonth   AnalyticsRange = "month"
	RangeQuarter AnalyticsRange = "quarter"
)

// Duration returns the lookback window for the range.
func (r AnalyticsRange) Duration() (time.Duration, error) {
	switch r {
	case RangeWeek:
		return 7 * 24 * time.Hour, nil
	case RangeMonth:
		return 30 * 24 * time.Hour, nil
	case RangeQuarter:
		return 90 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown analytics range %q", r)
	}
}

// ImpactService accumulates per-episode outcome metrics and computes the
// effectiveness feedback consumed by policy recommendation.
type ImpactService struct {
	db    *gorm.DB
	clock Clock
}

// NewImpactService creates a new impact service
func NewImpactService(db *gorm.DB, clock Clock) *ImpactService {
	return &ImpactService{db: db, clock: clock}
}

// ImpactUpdate is one increment of outcome metrics for an episode.
type ImpactUpdate struct {
	BuildsBlocked   int     `json:"builds_blocked"`
	CITimeSavedSecs int     `json:"ci_time_saved_secs"`
	DeveloperHours  float64 `json:"developer_hours"`
}

// Track accumulates outcome metrics against the pattern's most recent
// quarantine episode, creating the record on first report.
func (s *ImpactService) Track(patternID uint, update ImpactUpdate) (*database.ImpactRecord, error) {
	episode, err := s.latestEpisode(patternID)
	if err != nil {
		return nil, err
	}

	var record database.ImpactRecord
	err = s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("pattern_id = ? AND episode_uuid = ?", patternID, episode).First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			record = database.ImpactRecord{PatternID: patternID, EpisodeUUID: episode}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		record.BuildsBlocked += update.BuildsBlocked
		record.CITimeSavedSecs += update.CITimeSavedSecs
		record.DeveloperHours += update.DeveloperHours
		return tx.Save(&record).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// MarkFalsePositive flags an episode's quarantine as a false positive. Set
// by a human after the fact; feeds the recommendation loop.
func (s *ImpactService) MarkFalsePositive(patternID uint, falsePositive bool) (*database.ImpactRecord, error) {
	episode, err := s.latestEpisode(patternID)
	if err != nil {
		return nil, err
	}

	var record database.ImpactRecord
	err = s.db.Where("pattern_id = ? AND episode_uuid = ?", patternID, episode).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = database.ImpactRecord{PatternID: patternID, EpisodeUUID: episode, FalsePositive: falsePositive}
		if err := s.db.Create(&record).Error; err != nil {
			return nil, err
		}
		return &record, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.db.Model(&record).Update("false_positive", falsePositive).Error; err != nil {
		return nil, err
	}
	record.FalsePositive = falsePositive
	return &record, nil
}

// latestEpisode finds the episode UUID of a pattern's most recent
// quarantine transition.
func (s *ImpactService) latestEpisode(patternID uint) (string, error) {
	var last database.QuarantineHistory
	err := s.db.Where("pattern_id = ? AND action = ?", patternID, database.HistoryActionQuarantined).
		Order("id DESC").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", &NotFoundError{Resource: "quarantine episode", Key: fmt.Sprintf("pattern %d", patternID)}
	}
	if err != nil {
		return "", err
	}
	return last.EpisodeUUID, nil
}

// ProjectAnalytics is the per-project impact summary over a time range.
type ProjectAnalytics struct {
	ProjectID         string         `json:"project_id"`
	Range             AnalyticsRange `json:"range"`
	Episodes          int            `json:"episodes"`
	BuildsUnblocked   int            `json:"builds_unblocked"`
	CITimeSavedSecs   int            `json:"ci_time_saved_secs"`
	DeveloperHours    float64        `json:"developer_hours"`
	FalsePositives    int            `json:"false_positives"`
	FalsePositiveRate float64        `json:"false_positive_rate"`
}

// Analytics summarizes tracked impact for a project over the given range.
func (s *ImpactService) Analytics(projectID string, rng AnalyticsRange) (*ProjectAnalytics, error) {
	window, err := rng.Duration()
	if err != nil {
		return nil, err
	}
	cutoff := s.clock.Now().Add(-window)

	var records []database.ImpactRecord
	err = s.db.Joins("JOIN flaky_test_patterns ON flaky_test_patterns.id = impact_records.pattern_id").
		Where("flaky_test_patterns.project_id = ? AND impact_records.created_at >= ?", projectID, cutoff).
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	out := &ProjectAnalytics{ProjectID: projectID, Range: rng, Episodes: len(records)}
	for _, r := range records {
		out.BuildsUnblocked += r.BuildsBlocked
		out.CITimeSavedSecs += r.CITimeSavedSecs
		out.DeveloperHours += r.DeveloperHours
		if r.FalsePositive {
			out.FalsePositives++
		}
	}
	if out.Episodes > 0 {
		out.FalsePositiveRate = float64(out.FalsePositives) / float64(out.Episodes)
	}
	return out, nil
}

// EpisodeEffectiveness compares CI stability around one quarantine episode.
type EpisodeEffectiveness struct {
	TestName        string    `json:"test_name"`
	TestSuite       string    `json:"test_suite"`
	QuarantinedAt   time.Time `json:"quarantined_at"`
	StabilityBefore float64   `json:"stability_before"`
	StabilityAfter  float64   `json:"stability_after"`
	StabilityDelta  float64   `json:"stability_delta"`
	FalsePositive   bool      `json:"false_positive"`
}

// EffectivenessReport aggregates per-episode stability deltas for a
// project. A low average delta or a high false-positive rate is the signal
// surfaced to policy recommendation; nothing here mutates policies.
type EffectivenessReport struct {
	ProjectID         string                 `json:"project_id"`
	Episodes          []EpisodeEffectiveness `json:"episodes"`
	AvgStabilityDelta float64                `json:"avg_stability_delta"`
	FalsePositiveRate float64                `json:"false_positive_rate"`
	Advisory          string                 `json:"advisory,omitempty"`
}

// Effectiveness builds the before/after stability report for a project.
// Stability is the pass rate of the project's other tests over the trailing
// window on each side of a quarantine start.
func (s *ImpactService) Effectiveness(projectID string) (*EffectivenessReport, error) {
	type episodeRow struct {
		PatternID   uint
		EpisodeUUID string
		TestName    string
		TestSuite   string
		CreatedAt   time.Time
	}
	var episodes []episodeRow
	err := s.db.Model(&database.QuarantineHistory{}).
		Select("quarantine_histories.pattern_id, quarantine_histories.episode_uuid, flaky_test_patterns.test_name, flaky_test_patterns.test_suite, quarantine_histories.created_at").
		Joins("JOIN flaky_test_patterns ON flaky_test_patterns.id = quarantine_histories.pattern_id").
		Where("flaky_test_patterns.project_id = ? AND quarantine_histories.action = ?",
			projectID, database.HistoryActionQuarantined).
		Order("quarantine_histories.id ASC").
		Scan(&episodes).Error
	if err != nil {
		return nil, err
	}

	report := &EffectivenessReport{ProjectID: projectID}
	var deltaSum float64
	var fpCount int

	for _, ep := range episodes {
		before, err := s.projectPassRate(projectID, ep.PatternID, ep.CreatedAt.Add(-stabilityWindow), ep.CreatedAt)
		if err != nil {
			return nil, err
		}
		after, err := s.projectPassRate(projectID, ep.PatternID, ep.CreatedAt, ep.CreatedAt.Add(stabilityWindow))
		if err != nil {
			return nil, err
		}

		// The false-positive flag belongs to this episode's record, not the
		// pattern's newest one.
		fp := false
		var record database.ImpactRecord
		if err := s.db.Where("pattern_id = ? AND episode_uuid = ?", ep.PatternID, ep.EpisodeUUID).
			First(&record).Error; err == nil {
			fp = record.FalsePositive
		}
		if fp {
			fpCount++
		}

		entry := EpisodeEffectiveness{
			TestName:        ep.TestName,
			TestSuite:       ep.TestSuite,
			QuarantinedAt:   ep.CreatedAt,
			StabilityBefore: before,
			StabilityAfter:  after,
			StabilityDelta:  after - before,
			FalsePositive:   fp,
		}
		report.Episodes = append(report.Episodes, entry)
		deltaSum += entry.StabilityDelta
	}

	if len(report.Episodes) > 0 {
		report.AvgStabilityDelta = deltaSum / float64(len(report.Episodes))
		report.FalsePositiveRate = float64(fpCount) / float64(len(report.Episodes))
	}

	switch {
	case report.FalsePositiveRate > 0.3:
		report.Advisory = "high false-positive rate; consider raising thresholds"
	case len(report.Episodes) > 0 && report.AvgStabilityDelta < 0:
		report.Advisory = "quarantines are not improving CI stability; review the active policy"
	}

	return report, nil
}

// projectPassRate is the pass rate of the project's runs in [from, to),
// excluding the quarantined pattern itself.
func (s *ImpactService) projectPassRate(projectID string, excludePatternID uint, from, to time.Time) (float64, error) {
	type row struct {
		Status database.RunStatus
		N      int64
	}
	var rows []row
	err := s.db.Model(&database.TestRunRecord{}).
		Select("test_run_records.status, count(*) as n").
		Joins("JOIN flaky_test_patterns ON flaky_test_patterns.id = test_run_records.pattern_id").
		Where("flaky_test_patterns.project_id = ? AND test_run_records.pattern_id != ?", projectID, excludePatternID).
		Where("test_run_records.executed_at >= ? AND test_run_records.executed_at < ?", from, to).
		Group("test_run_records.status").
		Scan(&rows).Error
	if err != nil {
		return 0, err
	}
	var passed, failed int64
	for _, r := range rows {
		switch r.Status {
		case database.RunStatusPassed:
			passed = r.N
		case database.RunStatusFailed:
			failed = r.N
		}
	}
	if passed+failed == 0 {
		return 1, nil
	}
	return float64(passed) / float64(passed+failed), nil
}
