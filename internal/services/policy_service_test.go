package services

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flakeguard/flakeguard/internal/database"
	"github.com/flakeguard/flakeguard/internal/testhelpers"
)

func TestPolicyService_UpsertCreatesAndReplaces(t *testing.T) {
	db := setupTestDB(t)
	svc := NewPolicyService(db, SystemClock())

	policy := testhelpers.NewPolicyBuilder().WithName("strict").Inactive().Build()
	created, err := svc.Upsert(&policy)
	testhelpers.AssertNoError(t, err, "create policy")
	if created.ID == 0 {
		t.Fatal("expected a persisted policy ID")
	}

	// Activate, then replace: the active flag must survive the update.
	testhelpers.AssertNoError(t, svc.Activate("test-project", "strict"), "activate")

	replacement := testhelpers.NewPolicyBuilder().WithName("strict").WithMinRuns(25).Inactive().Build()
	updated, err := svc.Upsert(&replacement)
	testhelpers.AssertNoError(t, err, "replace policy")
	if updated.ID != created.ID {
		t.Errorf("expected row identity to survive replace: %d != %d", updated.ID, created.ID)
	}
	if !updated.IsActive {
		t.Error("expected active flag to survive replace")
	}
	if updated.MinRunsRequired != 25 {
		t.Errorf("expected updated min runs, got %d", updated.MinRunsRequired)
	}
}

func TestPolicyService_UpsertRejectsInvalid(t *testing.T) {
	db := setupTestDB(t)
	svc := NewPolicyService(db, SystemClock())

	policy := testhelpers.NewPolicyBuilder().Build()
	policy.ConfidenceThreshold = 2.0

	var integrity *DataIntegrityError
	_, err := svc.Upsert(&policy)
	if !errors.As(err, &integrity) {
		t.Errorf("expected DataIntegrityError, got %v", err)
	}
}

func TestPolicyService_ActivateDeactivatesSiblings(t *testing.T) {
	db := setupTestDB(t)
	svc := NewPolicyService(db, SystemClock())

	first := testhelpers.NewPolicyBuilder().WithName("first").Inactive().Build()
	second := testhelpers.NewPolicyBuilder().WithName("second").Inactive().Build()
	if _, err := svc.Upsert(&first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Upsert(&second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	testhelpers.AssertNoError(t, svc.Activate("test-project", "first"), "activate first")
	testhelpers.AssertNoError(t, svc.Activate("test-project", "second"), "activate second")

	var active []database.QuarantinePolicy
	if err := db.Where("project_id = ? AND is_active = ?", "test-project", true).Find(&active).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 1 || active[0].Name != "second" {
		t.Errorf("expected exactly one active policy (second), got %+v", active)
	}
}

func TestPolicyService_DeleteActiveFails(t *testing.T) {
	db := setupTestDB(t)
	svc := NewPolicyService(db, SystemClock())

	policy := testhelpers.NewPolicyBuilder().WithName("locked").Inactive().Build()
	if _, err := svc.Upsert(&policy); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	testhelpers.AssertNoError(t, svc.Activate("test-project", "locked"), "activate")

	var inUse *PolicyInUseError
	err := svc.Delete("test-project", "locked")
	if !errors.As(err, &inUse) {
		t.Fatalf("expected PolicyInUseError, got %v", err)
	}

	// After deactivation the delete succeeds.
	testhelpers.AssertNoError(t, svc.Deactivate("test-project", "locked"), "deactivate")
	testhelpers.AssertNoError(t, svc.Delete("test-project", "locked"), "delete")

	var notFound *NotFoundError
	_, err = svc.Get("test-project", "locked")
	if !errors.As(err, &notFound) {
		t.Errorf("expected NotFoundError after delete, got %v", err)
	}
}

func TestPolicyService_GetActiveFallsBackToDefault(t *testing.T) {
	db := setupTestDB(t)
	svc := NewPolicyService(db, SystemClock())

	policy, err := svc.GetActive("fresh-project")
	var missing *PolicyMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected PolicyMissingError, got %v", err)
	}
	if policy == nil {
		t.Fatal("expected the built-in default policy alongside the error")
	}
	if policy.FailureRateThreshold != 0.3 || policy.ConfidenceThreshold != 0.7 {
		t.Errorf("unexpected default thresholds: %+v", policy)
	}
	if policy.ConsecutiveFailures != 3 || policy.MinRunsRequired != 10 {
		t.Errorf("unexpected default gates: %+v", policy)
	}
	if policy.StabilityPeriodDays != 7 || policy.SuccessRateRequired != 0.9 || policy.MinSuccessfulRuns != 5 {
		t.Errorf("unexpected default stability settings: %+v", policy)
	}
}

func TestPolicyService_EnsureDefaultIdempotent(t *testing.T) {
	db := setupTestDB(t)
	svc := NewPolicyService(db, SystemClock())

	testhelpers.AssertNoError(t, svc.EnsureDefault("proj"), "first ensure")
	testhelpers.AssertNoError(t, svc.EnsureDefault("proj"), "second ensure")

	policies, err := svc.List("proj")
	testhelpers.AssertNoError(t, err, "list")
	if len(policies) != 1 {
		t.Fatalf("expected one bootstrapped policy, got %d", len(policies))
	}
	if !policies[0].IsActive {
		t.Error("expected bootstrapped policy to be active")
	}

	// An existing policy means EnsureDefault leaves the project alone.
	custom := testhelpers.NewPolicyBuilder().WithProject("other").WithName("custom").Inactive().Build()
	if _, err := svc.Upsert(&custom); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	testhelpers.AssertNoError(t, svc.EnsureDefault("other"), "ensure with existing")
	policies, _ = svc.List("other")
	if len(policies) != 1 || policies[0].Name != "custom" {
		t.Errorf("expected only the custom policy, got %+v", policies)
	}
}

func TestPolicyService_Simulate(t *testing.T) {
	db := setupTestDB(t)
	clock := &FixedClock{T: time.Now()}
	patterns := NewPatternService(db, clock)
	svc := NewPolicyService(db, clock)

	// One clearly flaky pattern, one healthy.
	flaky := testhelpers.NewPatternBuilder().WithProject("proj").WithTest("TestFlaky").WithRuns(20, 8).Build()
	healthy := testhelpers.NewPatternBuilder().WithProject("proj").WithTest("TestHealthy").WithRuns(20, 0).Build()
	if err := db.Create(&flaky).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.Create(&healthy).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	policy := testhelpers.NewPolicyBuilder().WithProject("proj").WithName("sim").
		WithThresholds(0.3, 0.5).WithMinRuns(10).Inactive().Build()
	if _, err := svc.Upsert(&policy); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := svc.Simulate("proj", "sim", patterns)
	testhelpers.AssertNoError(t, err, "simulate")

	if result.PatternsEvaluated != 2 {
		t.Errorf("expected 2 evaluated patterns, got %d", result.PatternsEvaluated)
	}
	if len(result.WouldQuarantine) != 1 || result.WouldQuarantine[0].TestName != "TestFlaky" {
		t.Errorf("unexpected simulation outcome: %+v", result.WouldQuarantine)
	}
	if result.ProjectedSavedMins != 8*estimatedCIMinutesPerFailure {
		t.Errorf("unexpected projected savings: %d", result.ProjectedSavedMins)
	}

	// Nothing was actually quarantined.
	var quarantined int64
	db.Model(&database.FlakyTestPattern{}).
		Where("current_status = ?", database.TestStatusQuarantined).Count(&quarantined)
	if quarantined != 0 {
		t.Errorf("simulation must not persist transitions, found %d quarantined", quarantined)
	}
}

func TestPolicyService_Recommend(t *testing.T) {
	db := setupTestDB(t)
	svc := NewPolicyService(db, SystemClock())

	// Failure rates 0.0 .. 0.9 across ten patterns; the 80th percentile
	// lands on 0.8.
	for i := 0; i < 10; i++ {
		p := testhelpers.NewPatternBuilder().
			WithProject("proj").
			WithTest(string(rune('A'+i))).
			WithRuns(10, i).
			Build()
		if err := db.Create(&p).Error; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	rec, err := svc.Recommend("proj")
	testhelpers.AssertNoError(t, err, "recommend")
	if rec.Name != "recommended" {
		t.Errorf("unexpected name %q", rec.Name)
	}
	if rec.FailureRateThreshold != 0.8 {
		t.Errorf("expected 80th percentile threshold 0.8, got %v", rec.FailureRateThreshold)
	}
}

func TestPolicyService_RecommendRaisesBarOnFalsePositives(t *testing.T) {
	db := setupTestDB(t)
	svc := NewPolicyService(db, SystemClock())

	pattern := testhelpers.NewPatternBuilder().WithProject("proj").WithRuns(20, 4).Build()
	if err := db.Create(&pattern).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Two impact records, both marked false positive.
	for i := 0; i < 2; i++ {
		rec := database.ImpactRecord{PatternID: pattern.ID, EpisodeUUID: "ep", FalsePositive: true}
		if err := db.Create(&rec).Error; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	rec, err := svc.Recommend("proj")
	testhelpers.AssertNoError(t, err, "recommend")
	if rec.ConfidenceThreshold <= 0.7 {
		t.Errorf("expected raised confidence threshold, got %v", rec.ConfidenceThreshold)
	}
	if rec.MinRunsRequired < 20 {
		t.Errorf("expected raised min runs, got %d", rec.MinRunsRequired)
	}
}

func TestPolicyService_RecommendEmptyProject(t *testing.T) {
	db := setupTestDB(t)
	svc := NewPolicyService(db, SystemClock())

	rec, err := svc.Recommend("empty")
	testhelpers.AssertNoError(t, err, "recommend")
	// Falls back to the built-in defaults.
	if rec.FailureRateThreshold != 0.3 {
		t.Errorf("expected default threshold for empty project, got %v", rec.FailureRateThreshold)
	}
}

func TestPolicyService_SeedFileRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	svc := NewPolicyService(db, SystemClock())

	seed := `policies:
  - project_id: proj
    name: strict
    description: tightened for release branches
    activate: true
    failure_rate_threshold: 0.2
    min_runs_required: 20
  - project_id: proj
    name: relaxed
`
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(seed), 0644); err != nil {
		t.Fatalf("failed to write seed file: %v", err)
	}

	loaded, err := svc.LoadSeedFile(path)
	testhelpers.AssertNoError(t, err, "load seed file")
	if loaded != 2 {
		t.Fatalf("expected 2 loaded policies, got %d", loaded)
	}

	strict, err := svc.Get("proj", "strict")
	testhelpers.AssertNoError(t, err, "get strict")
	if strict.FailureRateThreshold != 0.2 || strict.MinRunsRequired != 20 {
		t.Errorf("seed values not applied: %+v", strict)
	}
	// Unset fields inherit the defaults.
	if strict.ConfidenceThreshold != 0.7 || strict.StabilityPeriodDays != 7 {
		t.Errorf("defaults not inherited: %+v", strict)
	}
	if !strict.IsActive {
		t.Error("expected strict policy to be activated by the seed")
	}

	relaxed, err := svc.Get("proj", "relaxed")
	testhelpers.AssertNoError(t, err, "get relaxed")
	if relaxed.IsActive {
		t.Error("expected relaxed policy to stay inactive")
	}

	out, err := svc.ExportYAML("proj")
	testhelpers.AssertNoError(t, err, "export")
	testhelpers.AssertContains(t, string(out), "strict", "export contains strict")
	testhelpers.AssertContains(t, string(out), "relaxed", "export contains relaxed")
}
