package handlers

import (
	"net/http"

	"github.com/flakeguard/flakeguard/internal/api"
	"github.com/flakeguard/flakeguard/internal/database"
	"github.com/flakeguard/flakeguard/internal/middleware"
)

// handleManualQuarantine handles POST /api/projects/{project}/quarantine
func (h *APIHandler) handleManualQuarantine(w http.ResponseWriter, r *http.Request) {
	var req api.ManualActionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	user := middleware.UserFromContext(r.Context())
	err := h.quarantine.Quarantine(r.PathValue("project"), req.TestName, req.TestSuite, user, req.Reason)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{"status": "quarantined"})
}

// handleManualUnquarantine handles POST /api/projects/{project}/unquarantine
func (h *APIHandler) handleManualUnquarantine(w http.ResponseWriter, r *http.Request) {
	var req api.ManualActionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	user := middleware.UserFromContext(r.Context())
	err := h.quarantine.Unquarantine(r.PathValue("project"), req.TestName, req.TestSuite, user, req.Reason)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{"status": "unquarantined"})
}

// handleQuarantineStatus handles GET /api/projects/{project}/status?test_name=&test_suite=
func (h *APIHandler) handleQuarantineStatus(w http.ResponseWriter, r *http.Request) {
	testName := r.URL.Query().Get("test_name")
	if testName == "" {
		api.RespondError(w, http.StatusBadRequest, "test_name query parameter is required")
		return
	}

	pattern, err := h.patterns.Get(r.PathValue("project"), testName, r.URL.Query().Get("test_suite"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, pattern)
}

// handleQuarantineStats handles GET /api/projects/{project}/stats
func (h *APIHandler) handleQuarantineStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.quarantine.Stats(r.PathValue("project"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, stats)
}

// handleListPatterns handles GET /api/projects/{project}/patterns?status=
func (h *APIHandler) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	p := api.ParsePagination(r)
	status := database.TestStatus(r.URL.Query().Get("status"))

	patterns, total, err := h.patterns.ListByProject(r.PathValue("project"), status, p.Offset(), p.PerPage)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.NewPaginated(patterns, p, total))
}

// handlePatternHistory handles GET /api/patterns/{uuid}/history
func (h *APIHandler) handlePatternHistory(w http.ResponseWriter, r *http.Request) {
	pattern, err := h.patterns.GetByUUID(r.PathValue("uuid"))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	p := api.ParsePagination(r)
	entries, total, err := h.quarantine.History(pattern.ID, p.Offset(), p.PerPage)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.NewPaginated(entries, p, total))
}

// handleEvaluateProject handles POST /api/projects/{project}/evaluate.
// This is the synchronous immediate-evaluation trigger; it runs the same
// path as the scheduled sweeps.
func (h *APIHandler) handleEvaluateProject(w http.ResponseWriter, r *http.Request) {
	result, err := h.scheduler.EvaluateProject(r.Context(), r.PathValue("project"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"evaluated":   result.Evaluated,
		"transitions": result.Transitions,
	})
}
