package handlers

import (
	"log"
	"net/http"

	"github.com/flakeguard/flakeguard/internal/api"
	"github.com/flakeguard/flakeguard/internal/database"
	"github.com/flakeguard/flakeguard/internal/middleware"
	"github.com/flakeguard/flakeguard/internal/services"
)

// IngestHandler receives normalized test-run results from CI pipelines.
// Payload parsing for specific CI providers happens upstream; this endpoint
// only folds already-normalized results into patterns.
type IngestHandler struct {
	patterns *services.PatternService
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(patterns *services.PatternService) *IngestHandler {
	return &IngestHandler{patterns: patterns}
}

// SetupRoutes sets up the ingest routes behind API-key authentication
func (h *IngestHandler) SetupRoutes(mux *http.ServeMux, auth *middleware.IngestAuthMiddleware) {
	mux.Handle("POST /ingest/results", auth.Wrap(http.HandlerFunc(h.handleIngest)))
}

// handleIngest handles POST /ingest/results
func (h *IngestHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req api.IngestRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	results := make([]services.TestRunResult, 0, len(req.Results))
	for _, res := range req.Results {
		results = append(results, services.TestRunResult{
			ProjectID: req.ProjectID,
			TestName:  res.TestName,
			TestSuite: res.TestSuite,
			Status:    database.RunStatus(res.Status),
			Timestamp: res.Timestamp,
		})
	}

	accepted, err := h.patterns.IngestBatch(results)
	if err != nil {
		log.Printf("Ingest batch for project %s failed after %d results: %v", req.ProjectID, accepted, err)
		respondServiceError(w, err)
		return
	}

	api.RespondJSON(w, http.StatusAccepted, api.IngestResponse{Accepted: accepted})
}
