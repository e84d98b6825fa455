package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/marquee/marquee/backend/pkg/testutil"
)

func readinessBody(t *testing.T, h *HealthHandler) (int, map[string]interface{}) {
	t.Helper()

	app := fiber.New()
	app.Get("/health/ready", h.Readiness)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health/ready", nil), -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode readiness body: %v", err)
	}
	return resp.StatusCode, body
}

func TestHealth_ReadyDegradedWhenLedgerDirUnwritable(t *testing.T) {
	db, paths, cleanup := testutil.SetupTest(t)
	defer cleanup()

	// A regular file where the ledger directory should be cannot be
	// created or written, whatever the process privileges.
	blocker := filepath.Join(filepath.Dir(paths.LedgerPath), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	status, body := readinessBody(t, NewHealthHandler(db, filepath.Join(blocker, "guest-requests.json")))
	if status != fiber.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", status)
	}
	if body["status"] != "degraded" {
		t.Fatalf("status field=%v, want degraded", body["status"])
	}
	checks, _ := body["checks"].(map[string]interface{})
	ledger, _ := checks["guest_ledger"].(map[string]interface{})
	if ledger["status"] != "unhealthy" || ledger["error"] == nil {
		t.Fatalf("unexpected guest_ledger check: %v", checks["guest_ledger"])
	}
	database, _ := checks["database"].(map[string]interface{})
	if database["status"] != "healthy" {
		t.Fatalf("unexpected database check: %v", checks["database"])
	}
}

func TestHealth_ReadyDegradedWithoutDatabase(t *testing.T) {
	status, body := readinessBody(t, NewHealthHandler(nil, filepath.Join(t.TempDir(), "guest-requests.json")))
	if status != fiber.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("status=%d body=%v", status, body)
	}
}
