package handlers

import (
	"errors"
	"net/http"

	"github.com/flakeguard/flakeguard/internal/api"
	"github.com/flakeguard/flakeguard/internal/jobs"
	"github.com/flakeguard/flakeguard/internal/notify"
	"github.com/flakeguard/flakeguard/internal/services"
	"gorm.io/gorm"
)

// APIHandler handles the admin API consumed by operators and the UI
type APIHandler struct {
	db         *gorm.DB
	patterns   *services.PatternService
	policies   *services.PolicyService
	quarantine *services.QuarantineService
	impact     *services.ImpactService
	scheduler  *jobs.Scheduler
	notifier   *notify.SlackNotifier
	keysReload func() // called after ingest-key changes to reload the auth middleware
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(db *gorm.DB, patterns *services.PatternService, policies *services.PolicyService, quarantine *services.QuarantineService, impact *services.ImpactService, scheduler *jobs.Scheduler, notifier *notify.SlackNotifier) *APIHandler {
	return &APIHandler{
		db:         db,
		patterns:   patterns,
		policies:   policies,
		quarantine: quarantine,
		impact:     impact,
		scheduler:  scheduler,
		notifier:   notifier,
	}
}

// SetKeysReloader sets the callback invoked after ingest-key create/delete
// so the auth middleware picks up the change without a restart.
func (h *APIHandler) SetKeysReloader(fn func()) {
	h.keysReload = fn
}

// SetupRoutes sets up all API routes
func (h *APIHandler) SetupRoutes(mux *http.ServeMux) {
	// Policies
	mux.HandleFunc("GET /api/projects/{project}/policies", h.handleListPolicies)
	mux.HandleFunc("GET /api/projects/{project}/policies/export", h.handleExportPolicies)
	mux.HandleFunc("GET /api/projects/{project}/policies/recommended", h.handleRecommendPolicy)
	mux.HandleFunc("GET /api/projects/{project}/policies/{name}", h.handleGetPolicy)
	mux.HandleFunc("PUT /api/projects/{project}/policies/{name}", h.handleUpsertPolicy)
	mux.HandleFunc("DELETE /api/projects/{project}/policies/{name}", h.handleDeletePolicy)
	mux.HandleFunc("POST /api/projects/{project}/policies/{name}/activate", h.handleActivatePolicy)
	mux.HandleFunc("POST /api/projects/{project}/policies/{name}/deactivate", h.handleDeactivatePolicy)
	mux.HandleFunc("POST /api/projects/{project}/policies/{name}/simulate", h.handleSimulatePolicy)

	// Quarantine lifecycle
	mux.HandleFunc("POST /api/projects/{project}/quarantine", h.handleManualQuarantine)
	mux.HandleFunc("POST /api/projects/{project}/unquarantine", h.handleManualUnquarantine)
	mux.HandleFunc("GET /api/projects/{project}/status", h.handleQuarantineStatus)
	mux.HandleFunc("GET /api/projects/{project}/stats", h.handleQuarantineStats)
	mux.HandleFunc("GET /api/projects/{project}/patterns", h.handleListPatterns)
	mux.HandleFunc("GET /api/patterns/{uuid}/history", h.handlePatternHistory)
	mux.HandleFunc("POST /api/projects/{project}/evaluate", h.handleEvaluateProject)

	// Automation
	mux.HandleFunc("GET /api/projects/{project}/automation", h.handleAutomationStatus)
	mux.HandleFunc("POST /api/projects/{project}/automation/enable", h.handleEnableAutomation)
	mux.HandleFunc("POST /api/projects/{project}/automation/disable", h.handleDisableAutomation)

	// Impact and effectiveness
	mux.HandleFunc("GET /api/projects/{project}/analytics", h.handleAnalytics)
	mux.HandleFunc("GET /api/projects/{project}/effectiveness", h.handleEffectiveness)
	mux.HandleFunc("POST /api/patterns/{uuid}/impact", h.handleTrackImpact)
	mux.HandleFunc("PUT /api/patterns/{uuid}/false-positive", h.handleFalsePositive)

	// Settings
	mux.HandleFunc("GET /api/settings/notify", h.handleGetNotifySettings)
	mux.HandleFunc("PUT /api/settings/notify", h.handleUpdateNotifySettings)
	mux.HandleFunc("GET /api/settings/ingest-keys", h.handleListIngestKeys)
	mux.HandleFunc("POST /api/settings/ingest-keys", h.handleCreateIngestKey)
	mux.HandleFunc("DELETE /api/settings/ingest-keys/{id}", h.handleDeleteIngestKey)
}

// respondServiceError maps the service error taxonomy onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	var (
		notFound   *services.NotFoundError
		inUse      *services.PolicyInUseError
		integrity  *services.DataIntegrityError
		contention *services.ConcurrentTransitionError
	)
	switch {
	case errors.As(err, &notFound):
		api.RespondErrorWithCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &inUse):
		api.RespondErrorWithCode(w, http.StatusConflict, "policy_in_use", err.Error())
	case errors.As(err, &contention):
		api.RespondErrorWithCode(w, http.StatusConflict, "concurrent_transition", err.Error())
	case errors.As(err, &integrity):
		api.RespondErrorWithCode(w, http.StatusUnprocessableEntity, "data_integrity", err.Error())
	default:
		api.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}
