package api

import "time"

// ========== Ingest Types ==========

// IngestResult is one normalized test execution in an ingest batch.
type IngestResult struct {
	TestName  string    `json:"test_name" validate:"required,min=1,max=512"`
	TestSuite string    `json:"test_suite" validate:"omitempty,max=255"`
	Status    string    `json:"status" validate:"required,oneof=passed failed skipped"`
	Timestamp time.Time `json:"timestamp"`
}

// IngestRequest is the request body for POST /ingest/results.
type IngestRequest struct {
	ProjectID string         `json:"project_id" validate:"required,min=1,max=64"`
	Results   []IngestResult `json:"results" validate:"required,min=1,dive"`
}

// IngestResponse is the response body for POST /ingest/results.
type IngestResponse struct {
	Accepted int `json:"accepted"`
}

// ========== Policy Types ==========

// UpsertPolicyRequest is the request body for PUT /api/projects/{project}/policies/{name}.
type UpsertPolicyRequest struct {
	Description string `json:"description" validate:"omitempty,max=1024"`

	FailureRateThreshold float64 `json:"failure_rate_threshold" validate:"gte=0,lte=1"`
	ConfidenceThreshold  float64 `json:"confidence_threshold" validate:"gte=0,lte=1"`
	ConsecutiveFailures  int     `json:"consecutive_failures" validate:"gte=1"`
	MinRunsRequired      int     `json:"min_runs_required" validate:"gte=1"`

	StabilityPeriodDays int     `json:"stability_period_days" validate:"gte=1"`
	SuccessRateRequired float64 `json:"success_rate_required" validate:"gte=0,lte=1"`
	MinSuccessfulRuns   int     `json:"min_successful_runs" validate:"gte=1"`

	HighImpactSuites []string `json:"high_impact_suites"`
	PriorityTests    []string `json:"priority_tests"`

	EnableRapidDegradation       bool `json:"enable_rapid_degradation"`
	EnableCriticalPathProtection bool `json:"enable_critical_path_protection"`
	EnableTimeBasedRules         bool `json:"enable_time_based_rules"`

	MaxQuarantinePeriodDays *int     `json:"max_quarantine_period_days" validate:"omitempty,gte=1"`
	MaxQuarantinePercentage *float64 `json:"max_quarantine_percentage" validate:"omitempty,gte=0,lte=1"`
}

// ========== Quarantine Types ==========

// ManualActionRequest is the request body for manual quarantine/unquarantine.
type ManualActionRequest struct {
	TestName  string `json:"test_name" validate:"required,min=1,max=512"`
	TestSuite string `json:"test_suite" validate:"omitempty,max=255"`
	Reason    string `json:"reason" validate:"omitempty,max=1024"`
}

// ========== Impact Types ==========

// TrackImpactRequest is the request body for POST /api/patterns/{uuid}/impact.
type TrackImpactRequest struct {
	BuildsBlocked   int     `json:"builds_blocked" validate:"gte=0"`
	CITimeSavedSecs int     `json:"ci_time_saved_secs" validate:"gte=0"`
	DeveloperHours  float64 `json:"developer_hours" validate:"gte=0"`
}

// FalsePositiveRequest is the request body for PUT /api/patterns/{uuid}/false-positive.
type FalsePositiveRequest struct {
	FalsePositive bool `json:"false_positive"`
}

// ========== Settings Types ==========

// UpdateNotifySettingsRequest is the request body for PUT /api/settings/notify.
type UpdateNotifySettingsRequest struct {
	BotToken *string `json:"bot_token"`
	Channel  *string `json:"channel"`
	Enabled  *bool   `json:"enabled"`
}

// CreateIngestKeyRequest is the request body for POST /api/settings/ingest-keys.
type CreateIngestKeyRequest struct {
	Name string `json:"name" validate:"required,min=1,max=255"`
}

// ========== Auth Types ==========

// LoginRequest is the request body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse is the response body for POST /auth/login.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
