package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/flakeguard/flakeguard/internal/database"
	"github.com/flakeguard/flakeguard/internal/services"
	"github.com/flakeguard/flakeguard/internal/utils"
)

// Scheduler owns the two periodic evaluation cadences plus the manual
// trigger. The daily sweep checks active tests for quarantine-worthiness,
// the hourly sweep checks quarantined tests for restoration; all three
// entry points run through the same evaluation path.
type Scheduler struct {
	db         *gorm.DB
	patterns   *services.PatternService
	policies   *services.PolicyService
	quarantine *services.QuarantineService

	dailyInterval  time.Duration
	hourlyInterval time.Duration
	workers        int
	evalTimeout    time.Duration
}

// Options tunes the scheduler cadences and worker bounds.
type Options struct {
	DailyInterval  time.Duration
	HourlyInterval time.Duration
	Workers        int
	EvalTimeout    time.Duration
}

// NewScheduler creates a new scheduler
func NewScheduler(db *gorm.DB, patterns *services.PatternService, policies *services.PolicyService, quarantine *services.QuarantineService, opts Options) *Scheduler {
	if opts.DailyInterval <= 0 {
		opts.DailyInterval = 24 * time.Hour
	}
	if opts.HourlyInterval <= 0 {
		opts.HourlyInterval = time.Hour
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = 30 * time.Second
	}
	return &Scheduler{
		db:             db,
		patterns:       patterns,
		policies:       policies,
		quarantine:     quarantine,
		dailyInterval:  opts.DailyInterval,
		hourlyInterval: opts.HourlyInterval,
		workers:        opts.Workers,
		evalTimeout:    opts.EvalTimeout,
	}
}

// Start runs both timer loops until the context is cancelled. Sweeps run
// detached from any request; completion is reported via logs.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx, s.dailyInterval, "quarantine sweep", func(ctx context.Context) {
		started := time.Now()
		result := s.RunQuarantineSweep(ctx)
		log.Printf("Quarantine sweep: %s in %s", result, utils.FormatDuration(time.Since(started)))
		if pruned, err := s.patterns.PruneRunRecords(); err != nil {
			log.Printf("Run record pruning failed: %v", err)
		} else if pruned > 0 {
			log.Printf("Pruned %d expired run records", pruned)
		}
	})
	go s.loop(ctx, s.hourlyInterval, "unquarantine sweep", func(ctx context.Context) {
		started := time.Now()
		result := s.RunUnquarantineSweep(ctx)
		log.Printf("Unquarantine sweep: %s in %s", result, utils.FormatDuration(time.Since(started)))
	})
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, name string, run func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			run(ctx)
		case <-ctx.Done():
			log.Printf("Scheduler %s stopped", name)
			return
		}
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Projects    int
	Evaluated   int
	Transitions int
	Errors      int
}

func (r SweepResult) String() string {
	return fmt.Sprintf("%d projects, %d evaluated, %d transitions, %d errors",
		r.Projects, r.Evaluated, r.Transitions, r.Errors)
}

// RunQuarantineSweep evaluates every active test in every automation-enabled
// project. A failure in one project is logged and does not abort the others.
func (s *Scheduler) RunQuarantineSweep(ctx context.Context) SweepResult {
	return s.sweep(ctx, database.TestStatusActive)
}

// RunUnquarantineSweep evaluates every quarantined test in every
// automation-enabled project for restoration.
func (s *Scheduler) RunUnquarantineSweep(ctx context.Context) SweepResult {
	return s.sweep(ctx, database.TestStatusQuarantined)
}

func (s *Scheduler) sweep(ctx context.Context, status database.TestStatus) SweepResult {
	var result SweepResult

	projects, err := s.enabledProjects()
	if err != nil {
		log.Printf("Sweep aborted, could not list automation-enabled projects: %v", err)
		result.Errors++
		return result
	}

	for _, projectID := range projects {
		if ctx.Err() != nil {
			log.Printf("Sweep cancelled after %d projects", result.Projects)
			return result
		}
		evaluated, transitions, err := s.sweepProject(ctx, projectID, status)
		result.Projects++
		result.Evaluated += evaluated
		result.Transitions += transitions
		if err != nil {
			// Partial-failure isolation: one project's error never stops the rest.
			log.Printf("Sweep failed for project %s: %v", projectID, err)
			result.Errors++
		}
	}
	return result
}

// sweepProject evaluates one project's patterns of the given status under a
// single policy snapshot, fanning out across a bounded worker pool.
func (s *Scheduler) sweepProject(ctx context.Context, projectID string, status database.TestStatus) (int, int, error) {
	policy, err := s.policies.GetActive(projectID)
	if err != nil {
		var missing *services.PolicyMissingError
		if !errors.As(err, &missing) {
			return 0, 0, err
		}
		log.Printf("Warning: %v, using built-in default policy", err)
	}

	var patterns []database.FlakyTestPattern
	if err := s.db.Where("project_id = ? AND current_status = ?", projectID, status).
		Find(&patterns).Error; err != nil {
		return 0, 0, err
	}

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		evaluated   int
		transitions int
	)
	sem := make(chan struct{}, s.workers)

	for i := range patterns {
		if ctx.Err() != nil {
			break
		}
		pattern := patterns[i]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			decision, err := s.evaluateWithTimeout(&pattern, policy)
			mu.Lock()
			defer mu.Unlock()
			evaluated++
			if err != nil {
				log.Printf("Evaluation failed for %s: %v", pattern.Key(), err)
				return
			}
			if decision.Action != services.ActionNone {
				transitions++
				log.Printf("Applied %s to %s: %s", decision.Action, pattern.Key(), decision.Reason)
			}
		}()
	}
	wg.Wait()

	return evaluated, transitions, nil
}

// evaluateWithTimeout abandons a stuck evaluation after the configured
// bound so one bad I/O dependency cannot stall a sweep. The abandoned
// goroutine's eventual transition, if any, still commits independently.
func (s *Scheduler) evaluateWithTimeout(pattern *database.FlakyTestPattern, policy *database.QuarantinePolicy) (services.Decision, error) {
	type outcome struct {
		decision services.Decision
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		d, err := s.quarantine.EvaluateAndApplySnapshot(pattern, policy)
		done <- outcome{d, err}
	}()

	select {
	case o := <-done:
		return o.decision, o.err
	case <-time.After(s.evalTimeout):
		return services.NoAction, fmt.Errorf("evaluation timed out after %s", s.evalTimeout)
	}
}

// EvaluateProject is the manual, synchronous trigger: it evaluates all of a
// project's tests in both directions immediately, through the same path the
// timed sweeps use.
func (s *Scheduler) EvaluateProject(ctx context.Context, projectID string) (SweepResult, error) {
	var result SweepResult
	for _, status := range []database.TestStatus{database.TestStatusActive, database.TestStatusQuarantined} {
		evaluated, transitions, err := s.sweepProject(ctx, projectID, status)
		result.Evaluated += evaluated
		result.Transitions += transitions
		if err != nil {
			result.Errors++
			return result, err
		}
	}
	result.Projects = 1
	return result, nil
}

// enabledProjects lists projects with automation switched on.
func (s *Scheduler) enabledProjects() ([]string, error) {
	var ids []string
	err := s.db.Model(&database.ProjectAutomation{}).
		Where("enabled = ?", true).Pluck("project_id", &ids).Error
	return ids, err
}

// EnableAutomation switches on scheduled evaluation for a project,
// provisioning the default policy if the project has none. Idempotent.
func (s *Scheduler) EnableAutomation(projectID string) error {
	if err := s.policies.EnsureDefault(projectID); err != nil {
		return err
	}
	var auto database.ProjectAutomation
	err := s.db.Where("project_id = ?", projectID).First(&auto).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&database.ProjectAutomation{ProjectID: projectID, Enabled: true}).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&auto).Update("enabled", true).Error
}

// DisableAutomation switches off scheduled evaluation for a project.
// Existing quarantines stay in place.
func (s *Scheduler) DisableAutomation(projectID string) error {
	var auto database.ProjectAutomation
	err := s.db.Where("project_id = ?", projectID).First(&auto).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&database.ProjectAutomation{ProjectID: projectID, Enabled: false}).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&auto).Update("enabled", false).Error
}

// AutomationStatus reports whether scheduled evaluation is on for a project.
func (s *Scheduler) AutomationStatus(projectID string) (bool, error) {
	var auto database.ProjectAutomation
	err := s.db.Where("project_id = ?", projectID).First(&auto).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return auto.Enabled, nil
}
