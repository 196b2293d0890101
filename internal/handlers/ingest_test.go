package handlers

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/flakeguard/flakeguard/internal/api"
	"github.com/flakeguard/flakeguard/internal/middleware"
	"github.com/flakeguard/flakeguard/internal/testhelpers"
)

func ingestMux(stack *testStack, auth *middleware.IngestAuthMiddleware) *http.ServeMux {
	mux := http.NewServeMux()
	stack.ingest.SetupRoutes(mux, auth)
	return mux
}

func TestIngest_AcceptsBatch(t *testing.T) {
	stack := newTestStack(t)
	mux := ingestMux(stack, middleware.NewIngestAuthMiddleware())

	now := time.Now()
	req := api.IngestRequest{
		ProjectID: "backend",
		Results: []api.IngestResult{
			{TestName: "TestCheckout", TestSuite: "unit", Status: "passed", Timestamp: now},
			{TestName: "TestCheckout", TestSuite: "unit", Status: "failed", Timestamp: now.Add(time.Minute)},
			{TestName: "TestLogin", TestSuite: "unit", Status: "passed", Timestamp: now},
		},
	}

	var resp api.IngestResponse
	testhelpers.NewHTTPTestContext(t, http.MethodPost, "/ingest/results", nil).
		WithJSONBody(req).
		Execute(mux).
		AssertStatus(http.StatusAccepted).
		DecodeJSON(&resp)

	testhelpers.AssertEqual(t, 3, resp.Accepted, "accepted count")

	pattern, err := stack.patterns.Get("backend", "TestCheckout", "unit")
	testhelpers.AssertNoError(t, err, "fetch ingested pattern")
	testhelpers.AssertEqual(t, 2, pattern.TotalRuns, "total runs")
	testhelpers.AssertEqual(t, 1, pattern.FailureCount, "failure count")
}

func TestIngest_RejectsMalformedBody(t *testing.T) {
	stack := newTestStack(t)
	mux := ingestMux(stack, middleware.NewIngestAuthMiddleware())

	testhelpers.NewHTTPTestContext(t, http.MethodPost, "/ingest/results",
		strings.NewReader(`{"project_id":}`)).
		WithHeader("Content-Type", "application/json").
		Execute(mux).
		AssertStatus(http.StatusBadRequest)
}

func TestIngest_RejectsInvalidStatus(t *testing.T) {
	stack := newTestStack(t)
	mux := ingestMux(stack, middleware.NewIngestAuthMiddleware())

	req := api.IngestRequest{
		ProjectID: "backend",
		Results: []api.IngestResult{
			{TestName: "TestCheckout", Status: "exploded", Timestamp: time.Now()},
		},
	}

	testhelpers.NewHTTPTestContext(t, http.MethodPost, "/ingest/results", nil).
		WithJSONBody(req).
		Execute(mux).
		AssertStatus(http.StatusUnprocessableEntity).
		AssertBodyContains("validation_error")
}

func TestIngest_RejectsEmptyBatch(t *testing.T) {
	stack := newTestStack(t)
	mux := ingestMux(stack, middleware.NewIngestAuthMiddleware())

	req := api.IngestRequest{ProjectID: "backend", Results: []api.IngestResult{}}

	testhelpers.NewHTTPTestContext(t, http.MethodPost, "/ingest/results", nil).
		WithJSONBody(req).
		Execute(mux).
		AssertStatus(http.StatusUnprocessableEntity)
}

func TestIngest_EnforcesAPIKey(t *testing.T) {
	stack := newTestStack(t)
	auth := middleware.NewIngestAuthMiddleware()
	auth.SetKeys([]string{"fgk_valid"})
	mux := ingestMux(stack, auth)

	req := api.IngestRequest{
		ProjectID: "backend",
		Results: []api.IngestResult{
			{TestName: "TestCheckout", Status: "passed", Timestamp: time.Now()},
		},
	}

	testhelpers.NewHTTPTestContext(t, http.MethodPost, "/ingest/results", nil).
		WithJSONBody(req).
		Execute(mux).
		AssertStatus(http.StatusUnauthorized)

	testhelpers.NewHTTPTestContext(t, http.MethodPost, "/ingest/results", nil).
		WithJSONBody(req).
		WithAPIKey("fgk_valid").
		Execute(mux).
		AssertStatus(http.StatusAccepted)
}
