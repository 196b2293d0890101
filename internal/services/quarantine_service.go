package services

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flakeguard/flakeguard/internal/database"
)

// transitionRetryBackoff is the pause before the single retry after lock
// contention on a test key.
const transitionRetryBackoff = 50 * time.Millisecond

// TransitionEvent describes one applied state-machine transition, delivered
// to notifiers after the transaction commits.
type TransitionEvent struct {
	ProjectID   string                 `json:"project_id"`
	TestName    string                 `json:"test_name"`
	TestSuite   string                 `json:"test_suite"`
	Action      database.HistoryAction `json:"action"`
	Reason      string                 `json:"reason"`
	TriggeredBy string                 `json:"triggered_by"`
	At          time.Time              `json:"at"`
}

// TransitionNotifier receives transition events. Implementations must not
// block; delivery failures must never fail the transition.
type TransitionNotifier interface {
	NotifyTransition(event TransitionEvent)
}

// QuarantineService is the state machine applying decisions to test
// lifecycles. Transitions for the same (project, test, suite) key are
// serialized through a per-key lock; applying a decision a second time is a
// no-op.
type QuarantineService struct {
	db        *gorm.DB
	patterns  *PatternService
	policies  *PolicyService
	clock     Clock
	notifiers []TransitionNotifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewQuarantineService creates a new quarantine service
func NewQuarantineService(db *gorm.DB, patterns *PatternService, policies *PolicyService, clock Clock) *QuarantineService {
	return &QuarantineService{
		db:       db,
		patterns: patterns,
		policies: policies,
		clock:    clock,
		locks:    make(map[string]*sync.Mutex),
	}
}

// AddNotifier registers a transition notifier.
func (s *QuarantineService) AddNotifier(n TransitionNotifier) {
	s.notifiers = append(s.notifiers, n)
}

// keyLock returns the mutex guarding a test key, creating it on first use.
func (s *QuarantineService) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Apply commits a decision to the pattern's lifecycle. The no-op cases
// (quarantining an already-quarantined test and vice versa) return success
// without touching History. Returns ConcurrentTransitionError when another
// transition holds the key.
func (s *QuarantineService) Apply(pattern *database.FlakyTestPattern, decision Decision) error {
	if decision.Action == ActionNone {
		return nil
	}

	lock := s.keyLock(pattern.Key())
	if !lock.TryLock() {
		return &ConcurrentTransitionError{Key: pattern.Key()}
	}
	defer lock.Unlock()

	// Re-read inside the lock so the idempotence check sees committed state.
	var current database.FlakyTestPattern
	err := s.db.First(&current, pattern.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &NotFoundError{Resource: "pattern", Key: pattern.Key()}
	}
	if err != nil {
		return err
	}

	var event *TransitionEvent
	switch decision.Action {
	case ActionQuarantine:
		if current.CurrentStatus == database.TestStatusQuarantined {
			return nil
		}
		event, err = s.quarantine(&current, decision)
	case ActionUnquarantine:
		if current.CurrentStatus == database.TestStatusActive {
			return nil
		}
		event, err = s.unquarantine(&current, decision)
	default:
		return &DataIntegrityError{Detail: "unknown decision action " + string(decision.Action)}
	}
	if err != nil {
		return err
	}

	*pattern = current
	for _, n := range s.notifiers {
		n.NotifyTransition(*event)
	}
	return nil
}

// ApplyWithRetry retries Apply once with a short backoff after lock
// contention. Used on the scheduled path; manual calls surface contention
// to the caller directly.
func (s *QuarantineService) ApplyWithRetry(pattern *database.FlakyTestPattern, decision Decision) error {
	err := s.Apply(pattern, decision)
	var contention *ConcurrentTransitionError
	if errors.As(err, &contention) {
		time.Sleep(transitionRetryBackoff)
		return s.Apply(pattern, decision)
	}
	return err
}

// quarantine flips active → quarantined and appends the ledger entry in one
// transaction.
func (s *QuarantineService) quarantine(pattern *database.FlakyTestPattern, decision Decision) (*TransitionEvent, error) {
	now := s.clock.Now()
	episode := uuid.NewString()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(pattern).Updates(map[string]interface{}{
			"current_status":   database.TestStatusQuarantined,
			"quarantined_at":   now,
			"confidence_score": decision.Confidence,
		}).Error; err != nil {
			return err
		}
		return tx.Create(&database.QuarantineHistory{
			PatternID:   pattern.ID,
			EpisodeUUID: episode,
			Action:      database.HistoryActionQuarantined,
			Reason:      decision.Reason,
			Confidence:  decision.Confidence,
			TriggeredBy: decision.TriggeredBy,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	pattern.CurrentStatus = database.TestStatusQuarantined
	pattern.QuarantinedAt = &now
	pattern.ConfidenceScore = decision.Confidence

	return &TransitionEvent{
		ProjectID:   pattern.ProjectID,
		TestName:    pattern.TestName,
		TestSuite:   pattern.TestSuite,
		Action:      database.HistoryActionQuarantined,
		Reason:      decision.Reason,
		TriggeredBy: decision.TriggeredBy,
		At:          now,
	}, nil
}

// unquarantine flips quarantined → active, closing the open episode.
func (s *QuarantineService) unquarantine(pattern *database.FlakyTestPattern, decision Decision) (*TransitionEvent, error) {
	now := s.clock.Now()

	episode, err := s.openEpisode(pattern.ID)
	if err != nil {
		return nil, err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(pattern).Updates(map[string]interface{}{
			"current_status": database.TestStatusActive,
			"quarantined_at": nil,
		}).Error; err != nil {
			return err
		}
		return tx.Create(&database.QuarantineHistory{
			PatternID:   pattern.ID,
			EpisodeUUID: episode,
			Action:      database.HistoryActionUnquarantined,
			Reason:      decision.Reason,
			Confidence:  decision.Confidence,
			TriggeredBy: decision.TriggeredBy,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	pattern.CurrentStatus = database.TestStatusActive
	pattern.QuarantinedAt = nil

	return &TransitionEvent{
		ProjectID:   pattern.ProjectID,
		TestName:    pattern.TestName,
		TestSuite:   pattern.TestSuite,
		Action:      database.HistoryActionUnquarantined,
		Reason:      decision.Reason,
		TriggeredBy: decision.TriggeredBy,
		At:          now,
	}, nil
}

// openEpisode returns the episode UUID of the latest quarantined entry for
// a pattern. Falls back to a fresh UUID for legacy rows without one.
func (s *QuarantineService) openEpisode(patternID uint) (string, error) {
	var last database.QuarantineHistory
	err := s.db.Where("pattern_id = ? AND action = ?", patternID, database.HistoryActionQuarantined).
		Order("id DESC").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.NewString(), nil
	}
	if err != nil {
		return "", err
	}
	return last.EpisodeUUID, nil
}

// EvaluateAndApply runs one automated evaluation of a pattern under the
// project's active policy and commits the outcome. This is the single path
// behind the daily sweep, the hourly sweep and the immediate trigger.
func (s *QuarantineService) EvaluateAndApply(pattern *database.FlakyTestPattern) (Decision, error) {
	policy, err := s.policies.GetActive(pattern.ProjectID)
	if err != nil {
		var missing *PolicyMissingError
		if !errors.As(err, &missing) {
			return NoAction, err
		}
		log.Printf("Warning: %v, using built-in default policy", err)
	}

	stats, err := s.patterns.WindowStats(pattern, policy)
	if err != nil {
		return NoAction, err
	}

	now := s.clock.Now()
	decision, err := Evaluate(pattern, policy, stats, now)
	if err != nil {
		return NoAction, err
	}

	if err := s.ApplyWithRetry(pattern, decision); err != nil {
		return decision, err
	}

	// Track evaluation recency and the latest confidence even on NoAction.
	updates := map[string]interface{}{"last_evaluated_at": now}
	if pattern.CurrentStatus == database.TestStatusActive {
		updates["confidence_score"] = ConfidenceScore(pattern.TotalRuns, pattern.FailureRate(), policy.MinRunsRequired)
	}
	if err := s.db.Model(pattern).Updates(updates).Error; err != nil {
		return decision, err
	}
	return decision, nil
}

// EvaluateAndApplySnapshot is EvaluateAndApply with a pre-resolved policy,
// used by sweeps so one sweep never sees two policy versions for a project.
func (s *QuarantineService) EvaluateAndApplySnapshot(pattern *database.FlakyTestPattern, policy *database.QuarantinePolicy) (Decision, error) {
	stats, err := s.patterns.WindowStats(pattern, policy)
	if err != nil {
		return NoAction, err
	}

	now := s.clock.Now()
	decision, err := Evaluate(pattern, policy, stats, now)
	if err != nil {
		return NoAction, err
	}

	if err := s.ApplyWithRetry(pattern, decision); err != nil {
		return decision, err
	}

	updates := map[string]interface{}{"last_evaluated_at": now}
	if pattern.CurrentStatus == database.TestStatusActive {
		updates["confidence_score"] = ConfidenceScore(pattern.TotalRuns, pattern.FailureRate(), policy.MinRunsRequired)
	}
	if err := s.db.Model(pattern).Updates(updates).Error; err != nil {
		return decision, err
	}
	return decision, nil
}

// Quarantine applies a manual quarantine to a test key. Bypasses all policy
// thresholds; only the status invariants apply.
func (s *QuarantineService) Quarantine(projectID, testName, testSuite, userID, reason string) error {
	pattern, err := s.patterns.Get(projectID, testName, testSuite)
	if err != nil {
		return err
	}
	return s.Apply(pattern, ManualQuarantine(userID, reason))
}

// Unquarantine applies a manual unquarantine to a test key.
func (s *QuarantineService) Unquarantine(projectID, testName, testSuite, userID, reason string) error {
	pattern, err := s.patterns.Get(projectID, testName, testSuite)
	if err != nil {
		return err
	}
	return s.Apply(pattern, ManualUnquarantine(userID, reason))
}

// History returns the transition ledger for a pattern, newest first.
func (s *QuarantineService) History(patternID uint, offset, limit int) ([]database.QuarantineHistory, int64, error) {
	q := s.db.Model(&database.QuarantineHistory{}).Where("pattern_id = ?", patternID)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var entries []database.QuarantineHistory
	err := q.Order("id DESC").Offset(offset).Limit(limit).Find(&entries).Error
	return entries, total, err
}

// ProjectStats summarizes a project's quarantine posture.
type ProjectStats struct {
	ProjectID       string  `json:"project_id"`
	TotalTests      int64   `json:"total_tests"`
	Quarantined     int64   `json:"quarantined"`
	QuarantineRatio float64 `json:"quarantine_ratio"`
	LongestDays     int     `json:"longest_quarantine_days"`
	LongestTestName string  `json:"longest_quarantine_test,omitempty"`
}

// Stats computes the quarantine stats for a project.
func (s *QuarantineService) Stats(projectID string) (*ProjectStats, error) {
	stats := &ProjectStats{ProjectID: projectID}

	if err := s.db.Model(&database.FlakyTestPattern{}).
		Where("project_id = ?", projectID).Count(&stats.TotalTests).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&database.FlakyTestPattern{}).
		Where("project_id = ? AND current_status = ?", projectID, database.TestStatusQuarantined).
		Count(&stats.Quarantined).Error; err != nil {
		return nil, err
	}
	if stats.TotalTests > 0 {
		stats.QuarantineRatio = float64(stats.Quarantined) / float64(stats.TotalTests)
	}

	var oldest database.FlakyTestPattern
	err := s.db.Where("project_id = ? AND current_status = ? AND quarantined_at IS NOT NULL",
		projectID, database.TestStatusQuarantined).
		Order("quarantined_at ASC").First(&oldest).Error
	if err == nil && oldest.QuarantinedAt != nil {
		stats.LongestDays = int(s.clock.Now().Sub(*oldest.QuarantinedAt).Hours() / 24)
		stats.LongestTestName = oldest.TestName
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return stats, nil
}
