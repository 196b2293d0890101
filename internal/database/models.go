package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// StringList is a custom type storing a list of strings as a JSON column.
// Used for policy suite/test name sets so they work on both postgres and sqlite.
type StringList []string

// Scan implements the sql.Scanner interface
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	if len(bytes) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(bytes, l)
}

// Value implements the driver.Valuer interface
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Contains reports whether name is present in the list.
func (l StringList) Contains(name string) bool {
	for _, s := range l {
		if s == name {
			return true
		}
	}
	return false
}

// TestStatus represents the lifecycle status of a tracked test
type TestStatus string

const (
	TestStatusActive      TestStatus = "active"
	TestStatusQuarantined TestStatus = "quarantined"
)

// RunStatus is the normalized outcome of a single test execution
type RunStatus string

const (
	RunStatusPassed  RunStatus = "passed"
	RunStatusFailed  RunStatus = "failed"
	RunStatusSkipped RunStatus = "skipped"
)

// FlakyTestPattern holds the aggregated execution statistics for one test
// within one project. One row per (project_id, test_name, test_suite).
// Rows are created on the first observed result and updated on every
// subsequent result; they are never deleted.
type FlakyTestPattern struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	UUID                 string     `gorm:"uniqueIndex;not null" json:"uuid"`
	ProjectID            string     `gorm:"size:64;not null;index;uniqueIndex:idx_pattern_key" json:"project_id"`
	TestName             string     `gorm:"size:512;not null;uniqueIndex:idx_pattern_key" json:"test_name"`
	TestSuite            string     `gorm:"size:255;uniqueIndex:idx_pattern_key" json:"test_suite"`
	TotalRuns            int        `gorm:"default:0" json:"total_runs"`
	FailureCount         int        `gorm:"default:0" json:"failure_count"`
	ConsecutiveFailures  int        `gorm:"default:0" json:"consecutive_failures"`
	ConsecutiveSuccesses int        `gorm:"default:0" json:"consecutive_successes"`
	LastFailureAt        *time.Time `json:"last_failure_at"`
	LastSuccessAt        *time.Time `json:"last_success_at"`
	FirstSeenAt          time.Time  `json:"first_seen_at"`
	CurrentStatus        TestStatus `gorm:"type:varchar(20);not null;default:'active';index" json:"current_status"`
	ConfidenceScore      float64    `gorm:"type:decimal(4,3);default:0" json:"confidence_score"`
	QuarantinedAt        *time.Time `json:"quarantined_at"`
	LastEvaluatedAt      *time.Time `json:"last_evaluated_at"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// FailureRate returns failure_count / total_runs, or 0 for an empty pattern.
func (p *FlakyTestPattern) FailureRate() float64 {
	if p.TotalRuns == 0 {
		return 0
	}
	return float64(p.FailureCount) / float64(p.TotalRuns)
}

// Key returns the (project, test, suite) identity used for transition locking.
func (p *FlakyTestPattern) Key() string {
	return p.ProjectID + "|" + p.TestName + "|" + p.TestSuite
}

// TestRunRecord is a single ingested test execution. Kept for a bounded
// retention horizon so the evaluator can compute windowed rates (rapid
// degradation, stability-period success rate).
type TestRunRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	PatternID  uint      `gorm:"not null;index:idx_run_pattern_time" json:"pattern_id"`
	Status     RunStatus `gorm:"type:varchar(20);not null" json:"status"`
	ExecutedAt time.Time `gorm:"not null;index:idx_run_pattern_time" json:"executed_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// QuarantinePolicy is a named, per-project set of quarantine thresholds.
// At most one policy per project is active for automated evaluation;
// inactive policies exist for drafting and simulation.
type QuarantinePolicy struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	ProjectID   string `gorm:"size:64;not null;index;uniqueIndex:idx_policy_key" json:"project_id"`
	Name        string `gorm:"size:255;not null;uniqueIndex:idx_policy_key" json:"name"`
	Description string `gorm:"size:1024" json:"description"`
	IsActive    bool   `gorm:"default:false;index" json:"is_active"`

	FailureRateThreshold float64 `gorm:"type:decimal(4,3);default:0.3" json:"failure_rate_threshold"`
	ConfidenceThreshold  float64 `gorm:"type:decimal(4,3);default:0.7" json:"confidence_threshold"`
	ConsecutiveFailures  int     `gorm:"default:3" json:"consecutive_failures"`
	MinRunsRequired      int     `gorm:"default:10" json:"min_runs_required"`

	StabilityPeriodDays int     `gorm:"default:7" json:"stability_period_days"`
	SuccessRateRequired float64 `gorm:"type:decimal(4,3);default:0.9" json:"success_rate_required"`
	MinSuccessfulRuns   int     `gorm:"default:5" json:"min_successful_runs"`

	HighImpactSuites StringList `gorm:"type:text" json:"high_impact_suites"`
	PriorityTests    StringList `gorm:"type:text" json:"priority_tests"`

	EnableRapidDegradation       bool `gorm:"default:false" json:"enable_rapid_degradation"`
	EnableCriticalPathProtection bool `gorm:"default:false" json:"enable_critical_path_protection"`
	EnableTimeBasedRules         bool `gorm:"default:false" json:"enable_time_based_rules"`

	MaxQuarantinePeriodDays *int     `json:"max_quarantine_period_days"`
	MaxQuarantinePercentage *float64 `gorm:"type:decimal(4,3)" json:"max_quarantine_percentage"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryAction is the kind of transition recorded in the quarantine ledger
type HistoryAction string

const (
	HistoryActionQuarantined   HistoryAction = "quarantined"
	HistoryActionUnquarantined HistoryAction = "unquarantined"
)

// QuarantineHistory is the append-only transition ledger. Entries are never
// mutated or deleted; the pair of entries sharing an episode UUID delimits
// one quarantine episode.
type QuarantineHistory struct {
	ID          uint          `gorm:"primaryKey" json:"id"`
	PatternID   uint          `gorm:"not null;index" json:"pattern_id"`
	EpisodeUUID string        `gorm:"size:36;not null;index" json:"episode_uuid"`
	Action      HistoryAction `gorm:"type:varchar(20);not null" json:"action"`
	Reason      string        `gorm:"size:1024" json:"reason"`
	Confidence  float64       `gorm:"type:decimal(4,3)" json:"confidence"`
	TriggeredBy string        `gorm:"size:128;not null" json:"triggered_by"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ImpactRecord accumulates the measured cost/benefit of one quarantine
// episode. FalsePositive is set by a human after the fact and feeds the
// policy recommendation loop.
type ImpactRecord struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	PatternID       uint      `gorm:"not null;index" json:"pattern_id"`
	EpisodeUUID     string    `gorm:"size:36;not null;index" json:"episode_uuid"`
	BuildsBlocked   int       `gorm:"default:0" json:"builds_blocked"`
	CITimeSavedSecs int       `gorm:"default:0" json:"ci_time_saved_secs"`
	DeveloperHours  float64   `gorm:"type:decimal(8,2);default:0" json:"developer_hours"`
	FalsePositive   bool      `gorm:"default:false" json:"false_positive"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ProjectAutomation is the per-project toggle for scheduled evaluation.
type ProjectAutomation struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ProjectID string    `gorm:"size:64;not null;uniqueIndex" json:"project_id"`
	Enabled   bool      `gorm:"default:false" json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NotifySettings stores Slack notification configuration (singleton row).
type NotifySettings struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	BotToken  string    `gorm:"type:text" json:"bot_token"`
	Channel   string    `gorm:"size:255" json:"channel"`
	Enabled   bool      `gorm:"default:false" json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsConfigured returns true if a bot token and channel are set
func (s *NotifySettings) IsConfigured() bool {
	return s.BotToken != "" && s.Channel != ""
}

// IsActive returns true if notifications are enabled and configured
func (s *NotifySettings) IsActive() bool {
	return s.Enabled && s.IsConfigured()
}

// IngestKey is an API key accepted on the result-ingest endpoint.
type IngestKey struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Name       string     `gorm:"size:255;not null" json:"name"`
	Key        string     `gorm:"size:128;not null;uniqueIndex" json:"key"`
	Enabled    bool       `gorm:"default:true" json:"enabled"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at"`
}
