package handlers

import (
	"net/http"

	"github.com/flakeguard/flakeguard/internal/api"
	"github.com/flakeguard/flakeguard/internal/services"
)

// handleAutomationStatus handles GET /api/projects/{project}/automation
func (h *APIHandler) handleAutomationStatus(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	enabled, err := h.scheduler.AutomationStatus(project)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": project,
		"enabled":    enabled,
	})
}

// handleEnableAutomation handles POST /api/projects/{project}/automation/enable
func (h *APIHandler) handleEnableAutomation(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.EnableAutomation(r.PathValue("project")); err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

// handleDisableAutomation handles POST /api/projects/{project}/automation/disable
func (h *APIHandler) handleDisableAutomation(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.DisableAutomation(r.PathValue("project")); err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

// handleAnalytics handles GET /api/projects/{project}/analytics?range=week|month|quarter
func (h *APIHandler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	rng := services.AnalyticsRange(r.URL.Query().Get("range"))
	if rng == "" {
		rng = services.RangeMonth
	}

	analytics, err := h.impact.Analytics(r.PathValue("project"), rng)
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	api.RespondJSON(w, http.StatusOK, analytics)
}

// handleEffectiveness handles GET /api/projects/{project}/effectiveness
func (h *APIHandler) handleEffectiveness(w http.ResponseWriter, r *http.Request) {
	report, err := h.impact.Effectiveness(r.PathValue("project"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, report)
}

// handleTrackImpact handles POST /api/patterns/{uuid}/impact
func (h *APIHandler) handleTrackImpact(w http.ResponseWriter, r *http.Request) {
	var req api.TrackImpactRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	pattern, err := h.patterns.GetByUUID(r.PathValue("uuid"))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	record, err := h.impact.Track(pattern.ID, services.ImpactUpdate{
		BuildsBlocked:   req.BuildsBlocked,
		CITimeSavedSecs: req.CITimeSavedSecs,
		DeveloperHours:  req.DeveloperHours,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, record)
}

// handleFalsePositive handles PUT /api/patterns/{uuid}/false-positive
func (h *APIHandler) handleFalsePositive(w http.ResponseWriter, r *http.Request) {
	var req api.FalsePositiveRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	pattern, err := h.patterns.GetByUUID(r.PathValue("uuid"))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	record, err := h.impact.MarkFalsePositive(pattern.ID, req.FalsePositive)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, record)
}
