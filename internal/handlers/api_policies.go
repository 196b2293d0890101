package handlers

import (
	"net/http"

	"github.com/flakeguard/flakeguard/internal/api"
	"github.com/flakeguard/flakeguard/internal/database"
)

// handleListPolicies handles GET /api/projects/{project}/policies
func (h *APIHandler) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	policies, err := h.policies.List(project)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, policies)
}

// handleGetPolicy handles GET /api/projects/{project}/policies/{name}
func (h *APIHandler) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.policies.Get(r.PathValue("project"), r.PathValue("name"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, policy)
}

// handleUpsertPolicy handles PUT /api/projects/{project}/policies/{name}
func (h *APIHandler) handleUpsertPolicy(w http.ResponseWriter, r *http.Request) {
	var req api.UpsertPolicyRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	policy := &database.QuarantinePolicy{
		ProjectID:                    r.PathValue("project"),
		Name:                         r.PathValue("name"),
		Description:                  req.Description,
		FailureRateThreshold:         req.FailureRateThreshold,
		ConfidenceThreshold:          req.ConfidenceThreshold,
		ConsecutiveFailures:          req.ConsecutiveFailures,
		MinRunsRequired:              req.MinRunsRequired,
		StabilityPeriodDays:          req.StabilityPeriodDays,
		SuccessRateRequired:          req.SuccessRateRequired,
		MinSuccessfulRuns:            req.MinSuccessfulRuns,
		HighImpactSuites:             req.HighImpactSuites,
		PriorityTests:                req.PriorityTests,
		EnableRapidDegradation:       req.EnableRapidDegradation,
		EnableCriticalPathProtection: req.EnableCriticalPathProtection,
		EnableTimeBasedRules:         req.EnableTimeBasedRules,
		MaxQuarantinePeriodDays:      req.MaxQuarantinePeriodDays,
		MaxQuarantinePercentage:      req.MaxQuarantinePercentage,
	}

	saved, err := h.policies.Upsert(policy)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, saved)
}

// handleDeletePolicy handles DELETE /api/projects/{project}/policies/{name}
func (h *APIHandler) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.policies.Delete(r.PathValue("project"), r.PathValue("name")); err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondNoContent(w)
}

// handleActivatePolicy handles POST /api/projects/{project}/policies/{name}/activate
func (h *APIHandler) handleActivatePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.policies.Activate(r.PathValue("project"), r.PathValue("name")); err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

// handleDeactivatePolicy handles POST /api/projects/{project}/policies/{name}/deactivate
func (h *APIHandler) handleDeactivatePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.policies.Deactivate(r.PathValue("project"), r.PathValue("name")); err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// handleSimulatePolicy handles POST /api/projects/{project}/policies/{name}/simulate
func (h *APIHandler) handleSimulatePolicy(w http.ResponseWriter, r *http.Request) {
	result, err := h.policies.Simulate(r.PathValue("project"), r.PathValue("name"), h.patterns)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, result)
}

// handleRecommendPolicy handles GET /api/projects/{project}/policies/recommended
func (h *APIHandler) handleRecommendPolicy(w http.ResponseWriter, r *http.Request) {
	rec, err := h.policies.Recommend(r.PathValue("project"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, rec)
}

// handleExportPolicies handles GET /api/projects/{project}/policies/export
func (h *APIHandler) handleExportPolicies(w http.ResponseWriter, r *http.Request) {
	data, err := h.policies.ExportYAML(r.PathValue("project"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
