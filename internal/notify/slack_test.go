package notify

import (
	"strings"
	"testing"

	"github.com/flakeguard/flakeguard/internal/database"
	"github.com/flakeguard/flakeguard/internal/services"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&database.NotifySettings{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func TestFormatTransition_Quarantine(t *testing.T) {
	msg := formatTransition(services.TransitionEvent{
		ProjectID:   "backend",
		TestName:    "TestCheckout",
		TestSuite:   "integration",
		Action:      database.HistoryActionQuarantined,
		Reason:      "failure rate 42.0% over 20 runs",
		TriggeredBy: "auto",
	})

	for _, want := range []string{":no_entry:", "Quarantined", "integration / TestCheckout", "`backend`", "42.0%", "triggered by auto"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q: %s", want, msg)
		}
	}
}

func TestFormatTransition_Restore(t *testing.T) {
	msg := formatTransition(services.TransitionEvent{
		ProjectID:   "backend",
		TestName:    "TestCheckout",
		Action:      database.HistoryActionUnquarantined,
		Reason:      "stable for 7 days",
		TriggeredBy: "manual:alice",
	})

	if !strings.Contains(msg, ":white_check_mark:") || !strings.Contains(msg, "Restored") {
		t.Errorf("unexpected restore message: %s", msg)
	}
	// No suite prefix when the suite is empty.
	if strings.Contains(msg, "/ TestCheckout") {
		t.Errorf("did not expect suite separator: %s", msg)
	}
}

func TestFormatTransition_TruncatesLongReason(t *testing.T) {
	msg := formatTransition(services.TransitionEvent{
		ProjectID:   "backend",
		TestName:    "TestCheckout",
		Action:      database.HistoryActionQuarantined,
		Reason:      strings.Repeat("x", 500),
		TriggeredBy: "auto",
	})

	if !strings.Contains(msg, "...") {
		t.Errorf("expected truncated reason: %s", msg)
	}
	if strings.Contains(msg, strings.Repeat("x", 400)) {
		t.Error("reason was not truncated")
	}
}

func TestNotifier_DisabledWithoutSettings(t *testing.T) {
	db := setupTestDB(t)
	if err := database.InitializeDefaults(db); err != nil {
		t.Fatalf("failed to initialize defaults: %v", err)
	}

	n := NewSlackNotifier(db)

	// Must be a no-op, not a panic, when Slack is not configured.
	n.NotifyTransition(services.TransitionEvent{
		ProjectID: "backend",
		TestName:  "TestCheckout",
		Action:    database.HistoryActionQuarantined,
	})
}

func TestNotifier_ReloadPicksUpSettings(t *testing.T) {
	db := setupTestDB(t)
	if err := database.InitializeDefaults(db); err != nil {
		t.Fatalf("failed to initialize defaults: %v", err)
	}

	n := NewSlackNotifier(db)
	if n.enabled {
		t.Fatal("expected notifier to start disabled")
	}

	settings, err := database.GetNotifySettings(db)
	if err != nil {
		t.Fatalf("failed to load settings: %v", err)
	}
	settings.BotToken = "xoxb-test"
	settings.Channel = "#ci-flakes"
	settings.Enabled = true
	if err := database.UpdateNotifySettings(db, settings); err != nil {
		t.Fatalf("failed to update settings: %v", err)
	}

	if err := n.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !n.enabled || n.channel != "#ci-flakes" || n.client == nil {
		t.Errorf("notifier did not pick up settings: enabled=%v channel=%q", n.enabled, n.channel)
	}
}
