package handlers

import (
	"testing"
	"time"

	"github.com/flakeguard/flakeguard/internal/database"
	"github.com/flakeguard/flakeguard/internal/jobs"
	"github.com/flakeguard/flakeguard/internal/middleware"
	"github.com/flakeguard/flakeguard/internal/notify"
	"github.com/flakeguard/flakeguard/internal/services"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testStack bundles the handlers and services wired against one test database.
type testStack struct {
	db         *gorm.DB
	patterns   *services.PatternService
	policies   *services.PolicyService
	quarantine *services.QuarantineService
	impact     *services.ImpactService
	api        *APIHandler
	ingest     *IngestHandler
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	err = db.AutoMigrate(
		&database.FlakyTestPattern{},
		&database.TestRunRecord{},
		&database.QuarantinePolicy{},
		&database.QuarantineHistory{},
		&database.ImpactRecord{},
		&database.ProjectAutomation{},
		&database.NotifySettings{},
		&database.IngestKey{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	db := setupTestDB(t)
	clock := services.SystemClock()

	patterns := services.NewPatternService(db, clock)
	policies := services.NewPolicyService(db, clock)
	quarantine := services.NewQuarantineService(db, patterns, policies, clock)
	impact := services.NewImpactService(db, clock)
	scheduler := jobs.NewScheduler(db, patterns, policies, quarantine, jobs.Options{
		Workers:     1,
		EvalTimeout: 5 * time.Second,
	})
	notifier := notify.NewSlackNotifier(db)

	return &testStack{
		db:         db,
		patterns:   patterns,
		policies:   policies,
		quarantine: quarantine,
		impact:     impact,
		api:        NewAPIHandler(db, patterns, policies, quarantine, impact, scheduler, notifier),
		ingest:     NewIngestHandler(patterns),
	}
}

func newTestJWTAuth(t *testing.T) *middleware.JWTAuthMiddleware {
	t.Helper()

	hash, err := middleware.HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	return middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		Enabled:           true,
		AdminUsername:     "admin",
		AdminPasswordHash: hash,
		JWTSecret:         "test-secret",
		JWTExpiryHours:    1,
	})
}

func seedPattern(t *testing.T, stack *testStack, project, test string, totalRuns, failures int) *database.FlakyTestPattern {
	t.Helper()

	now := time.Now()
	for i := 0; i < totalRuns; i++ {
		status := database.RunStatusPassed
		if i < failures {
			status = database.RunStatusFailed
		}
		_, err := stack.patterns.Ingest(services.TestRunResult{
			ProjectID: project,
			TestName:  test,
			TestSuite: "unit",
			Status:    status,
			Timestamp: now.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("failed to seed pattern: %v", err)
		}
	}

	pattern, err := stack.patterns.Get(project, test, "unit")
	if err != nil {
		t.Fatalf("failed to fetch seeded pattern: %v", err)
	}
	return pattern
}
