package handlers

import (
	"net/http"
	"testing"

	"github.com/flakeguard/flakeguard/internal/testhelpers"
)

func TestHealthEndpoint(t *testing.T) {
	stack := newTestStack(t)
	mux := http.NewServeMux()
	NewHTTPHandler(stack.db).SetupRoutes(mux)

	var resp map[string]string
	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/health", nil).
		Execute(mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&resp)

	testhelpers.AssertEqual(t, "ok", resp["status"], "health status")
	if resp["version"] == "" {
		t.Error("expected a version in the health response")
	}
}
