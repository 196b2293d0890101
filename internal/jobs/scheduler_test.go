package jobs

import (
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/flakeguard/flakeguard/internal/database"
	"github.com/flakeguard/flakeguard/internal/services"
	"github.com/flakeguard/flakeguard/internal/testhelpers"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	err = db.AutoMigrate(
		&database.FlakyTestPattern{},
		&database.TestRunRecord{},
		&database.QuarantinePolicy{},
		&database.QuarantineHistory{},
		&database.ImpactRecord{},
		&database.ProjectAutomation{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

func newScheduler(t *testing.T, db *gorm.DB, opts Options) (*Scheduler, *services.PatternService, *services.PolicyService) {
	t.Helper()
	clock := services.SystemClock()
	patterns := services.NewPatternService(db, clock)
	policies := services.NewPolicyService(db, clock)
	quarantine := services.NewQuarantineService(db, patterns, policies, clock)
	return NewScheduler(db, patterns, policies, quarantine, opts), patterns, policies
}

func ingestFailures(t *testing.T, patterns *services.PatternService, project, test string, failures int) {
	t.Helper()
	for i := 0; i < failures; i++ {
		_, err := patterns.Ingest(services.TestRunResult{
			ProjectID: project,
			TestName:  test,
			TestSuite: "unit",
			Status:    database.RunStatusFailed,
			Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatalf("failed to ingest: %v", err)
		}
	}
}

func TestScheduler_QuarantineSweep(t *testing.T) {
	db := setupTestDB(t)
	sched, patterns, _ := newScheduler(t, db, Options{})

	testhelpers.AssertNoError(t, sched.EnableAutomation("proj"), "enable automation")
	ingestFailures(t, patterns, "proj", "TestAlwaysFails", 20)

	result := sched.RunQuarantineSweep(context.Background())
	if result.Projects != 1 || result.Evaluated != 1 {
		t.Errorf("unexpected sweep result: %s", result)
	}
	if result.Transitions != 1 {
		t.Errorf("expected 1 transition, got %d", result.Transitions)
	}
	if result.Errors != 0 {
		t.Errorf("expected no errors, got %d", result.Errors)
	}

	pattern, err := patterns.Get("proj", "TestAlwaysFails", "unit")
	testhelpers.AssertNoError(t, err, "get pattern")
	if pattern.CurrentStatus != database.TestStatusQuarantined {
		t.Errorf("expected quarantined after sweep, got %s", pattern.CurrentStatus)
	}
}

func TestScheduler_SweepSkipsDisabledProjects(t *testing.T) {
	db := setupTestDB(t)
	sched, patterns, _ := newScheduler(t, db, Options{})

	ingestFailures(t, patterns, "unmanaged", "TestAlwaysFails", 20)

	result := sched.RunQuarantineSweep(context.Background())
	if result.Projects != 0 || result.Evaluated != 0 {
		t.Errorf("expected nothing swept without automation, got %s", result)
	}

	pattern, err := patterns.Get("unmanaged", "TestAlwaysFails", "unit")
	testhelpers.AssertNoError(t, err, "get pattern")
	if pattern.CurrentStatus != database.TestStatusActive {
		t.Errorf("disabled project was swept: %s", pattern.CurrentStatus)
	}
}

func TestScheduler_PartialFailureIsolation(t *testing.T) {
	db := setupTestDB(t)
	sched, patterns, _ := newScheduler(t, db, Options{})

	testhelpers.AssertNoError(t, sched.EnableAutomation("good"), "enable good")
	testhelpers.AssertNoError(t, sched.EnableAutomation("bad"), "enable bad")

	ingestFailures(t, patterns, "good", "TestFlaky", 20)

	// Corrupt one pattern in the bad project so its evaluation errors.
	corrupt := testhelpers.NewPatternBuilder().WithProject("bad").WithTest("TestCorrupt").Build()
	corrupt.TotalRuns = 10
	corrupt.FailureCount = 99
	if err := db.Create(&corrupt).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result := sched.RunQuarantineSweep(context.Background())
	if result.Projects != 2 {
		t.Errorf("expected both projects swept, got %d", result.Projects)
	}

	// The good project's transition still happened.
	pattern, err := patterns.Get("good", "TestFlaky", "unit")
	testhelpers.AssertNoError(t, err, "get pattern")
	if pattern.CurrentStatus != database.TestStatusQuarantined {
		t.Errorf("expected good project transition despite bad project, got %s", pattern.CurrentStatus)
	}
}

func TestScheduler_SweepRespectsCancellation(t *testing.T) {
	db := setupTestDB(t)
	sched, _, _ := newScheduler(t, db, Options{})

	testhelpers.AssertNoError(t, sched.EnableAutomation("proj"), "enable")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := sched.sweep(ctx, database.TestStatusActive)
	if result.Projects != 0 {
		t.Errorf("expected cancelled sweep to stop immediately, got %s", result)
	}
}

func TestScheduler_EvaluateProject(t *testing.T) {
	db := setupTestDB(t)
	sched, patterns, _ := newScheduler(t, db, Options{})

	ingestFailures(t, patterns, "proj", "TestImmediate", 20)

	// The manual trigger works without automation being enabled.
	result, err := sched.EvaluateProject(context.Background(), "proj")
	testhelpers.AssertNoError(t, err, "evaluate project")
	if result.Evaluated != 1 || result.Transitions != 1 {
		t.Errorf("unexpected result: %s", result)
	}
}

func TestScheduler_AutomationLifecycle(t *testing.T) {
	db := setupTestDB(t)
	sched, _, policies := newScheduler(t, db, Options{})

	enabled, err := sched.AutomationStatus("proj")
	testhelpers.AssertNoError(t, err, "status before")
	if enabled {
		t.Error("expected automation off by default")
	}

	testhelpers.AssertNoError(t, sched.EnableAutomation("proj"), "enable")
	testhelpers.AssertNoError(t, sched.EnableAutomation("proj"), "enable again")

	enabled, _ = sched.AutomationStatus("proj")
	if !enabled {
		t.Error("expected automation on")
	}

	// Enabling bootstraps an active default policy exactly once.
	list, err := policies.List("proj")
	testhelpers.AssertNoError(t, err, "list policies")
	if len(list) != 1 || !list[0].IsActive {
		t.Errorf("expected one active bootstrapped policy, got %+v", list)
	}

	testhelpers.AssertNoError(t, sched.DisableAutomation("proj"), "disable")
	enabled, _ = sched.AutomationStatus("proj")
	if enabled {
		t.Error("expected automation off after disable")
	}
}

func TestScheduler_EvaluationTimeout(t *testing.T) {
	db := setupTestDB(t)
	sched, patterns, _ := newScheduler(t, db, Options{EvalTimeout: time.Nanosecond})

	testhelpers.AssertNoError(t, sched.EnableAutomation("proj"), "enable")
	ingestFailures(t, patterns, "proj", "TestSlow", 20)

	// With a nanosecond budget every evaluation times out; the sweep still
	// completes and reports the evaluations.
	result := sched.RunQuarantineSweep(context.Background())
	if result.Evaluated != 1 {
		t.Errorf("expected 1 evaluation, got %d", result.Evaluated)
	}
	if result.Transitions != 0 {
		t.Errorf("expected timed-out evaluation to report no transition, got %d", result.Transitions)
	}
}
