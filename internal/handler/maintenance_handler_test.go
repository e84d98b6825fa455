package handler

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/marquee/marquee/backend/internal/models"
)

func dataMap(t *testing.T, resp testResponse) map[string]interface{} {
	t.Helper()
	data, ok := resp.decode(t)["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected object data, got %s", resp.raw)
	}
	return data
}

func dataList(t *testing.T, resp testResponse) []interface{} {
	t.Helper()
	body := resp.decode(t)
	if body["data"] == nil {
		return nil
	}
	data, ok := body["data"].([]interface{})
	if !ok {
		t.Fatalf("expected list data, got %s", resp.raw)
	}
	return data
}

func TestMaintenanceGate_BlocksNonAdmins(t *testing.T) {
	s := newTestServer(t)
	_, adminToken := s.createUser("root", models.RoleAdmin)
	_, userToken := s.createUser("alice", models.RoleUser)
	enableMaintenance(t, s, "Back soon")

	xhr := s.do(testRequest{method: http.MethodGet, path: "/api/v1/chat/history", xhr: true, headers: guestHeaders})
	if xhr.status != http.StatusServiceUnavailable {
		t.Fatalf("xhr status=%d body=%s", xhr.status, xhr.raw)
	}
	if xhr.header.Get("Retry-After") != "60" {
		t.Fatalf("Retry-After=%q", xhr.header.Get("Retry-After"))
	}
	body := xhr.decode(t)
	if body["status"] != "maintenance" || body["message"] != "Back soon" || body["reason"] != "database upgrade" {
		t.Fatalf("unexpected body: %v", body)
	}

	browser := s.do(testRequest{method: http.MethodGet, path: "/api/v1/chat/history", headers: guestHeaders})
	if browser.status != http.StatusFound || browser.header.Get("Location") != "/maintenance" {
		t.Fatalf("browser status=%d location=%q", browser.status, browser.header.Get("Location"))
	}

	user := s.do(testRequest{method: http.MethodGet, path: "/api/v1/chat/history", token: userToken, xhr: true})
	if user.status != http.StatusServiceUnavailable {
		t.Fatalf("regular user status=%d", user.status)
	}

	admin := s.do(testRequest{method: http.MethodGet, path: "/api/v1/chat/history", token: adminToken, xhr: true})
	if admin.status != http.StatusOK {
		t.Fatalf("admin status=%d body=%s", admin.status, admin.raw)
	}

	// The admin prefix is never gated; authorization still applies.
	anon := s.do(testRequest{method: http.MethodGet, path: "/api/v1/admin/stats", xhr: true})
	if anon.status != http.StatusUnauthorized {
		t.Fatalf("anonymous admin route status=%d", anon.status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, err := s.maintenance.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.TotalVisits >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 blocked visits to be recorded, got %d", stats.TotalVisits)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMaintenanceHandler_OperatorLifecycle(t *testing.T) {
	s := newTestServer(t)
	_, token := s.createUser("root", models.RoleAdmin)

	noCSRF := s.do(testRequest{
		method: http.MethodPost,
		path:   "/api/v1/admin/maintenance",
		token:  token,
		body:   map[string]interface{}{"message": "Upgrading"},
	})
	if noCSRF.status != http.StatusForbidden {
		t.Fatalf("enable without csrf status=%d", noCSRF.status)
	}

	invalid := s.do(testRequest{
		method: http.MethodPost,
		path:   "/api/v1/admin/maintenance",
		token:  token,
		csrf:   true,
		body:   map[string]interface{}{"durationValue": -1},
	})
	if invalid.status != http.StatusBadRequest {
		t.Fatalf("negative duration status=%d", invalid.status)
	}

	created := s.do(testRequest{
		method: http.MethodPost,
		path:   "/api/v1/admin/maintenance",
		token:  token,
		csrf:   true,
		body: map[string]interface{}{
			"message":       "Upgrading",
			"reason":        "schema migration",
			"durationValue": 2,
			"durationUnit":  "hours",
		},
	})
	if created.status != http.StatusCreated {
		t.Fatalf("enable status=%d body=%s", created.status, created.raw)
	}
	record := dataMap(t, created)
	id, _ := record["id"].(string)
	if id == "" || record["enabled"] != true || record["created_by"] == nil {
		t.Fatalf("unexpected record: %v", record)
	}

	current := dataMap(t, s.do(testRequest{method: http.MethodGet, path: "/api/v1/admin/maintenance", token: token}))
	if current["active"] != true || current["duration"] != "2h 0m" {
		t.Fatalf("unexpected current: %v", current)
	}
	if secs, _ := current["remainingSeconds"].(float64); secs <= 7000 || secs > 7200 {
		t.Fatalf("remainingSeconds=%v", current["remainingSeconds"])
	}

	updated := s.do(testRequest{
		method: http.MethodPut,
		path:   "/api/v1/admin/maintenance/" + id,
		token:  token,
		csrf:   true,
		body:   map[string]interface{}{"message": "Almost done"},
	})
	if updated.status != http.StatusOK {
		t.Fatalf("update status=%d body=%s", updated.status, updated.raw)
	}
	if rec := dataMap(t, updated); rec["message"] != "Almost done" || rec["reason"] != "schema migration" {
		t.Fatalf("unexpected updated record: %v", rec)
	}

	missing := s.do(testRequest{
		method: http.MethodPut,
		path:   "/api/v1/admin/maintenance/does-not-exist",
		token:  token,
		csrf:   true,
		body:   map[string]interface{}{"message": "x"},
	})
	if missing.status != http.StatusNotFound {
		t.Fatalf("update unknown id status=%d", missing.status)
	}

	stopped := s.do(testRequest{method: http.MethodPost, path: "/api/v1/admin/maintenance/stop", token: token, csrf: true})
	if stopped.status != http.StatusOK {
		t.Fatalf("stop status=%d body=%s", stopped.status, stopped.raw)
	}
	again := s.do(testRequest{method: http.MethodPost, path: "/api/v1/admin/maintenance/stop", token: token, csrf: true})
	if again.status != http.StatusNotFound {
		t.Fatalf("second stop status=%d", again.status)
	}

	current = dataMap(t, s.do(testRequest{method: http.MethodGet, path: "/api/v1/admin/maintenance", token: token}))
	if current["active"] != false {
		t.Fatalf("expected maintenance to be off, got %v", current)
	}

	history := dataList(t, s.do(testRequest{method: http.MethodGet, path: "/api/v1/admin/maintenance/history", token: token}))
	if len(history) != 1 {
		t.Fatalf("expected one history record, got %d", len(history))
	}

	stats := dataMap(t, s.do(testRequest{method: http.MethodGet, path: "/api/v1/admin/maintenance/stats", token: token}))
	if stats["total_records"] != float64(1) || stats["active"] != false {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

func TestMaintenanceHandler_LoginAttemptFilters(t *testing.T) {
	s := newTestServer(t)
	_, token := s.createUser("root", models.RoleAdmin)
	s.createUser("alice", models.RoleUser)
	enableMaintenance(t, s, "Back soon")

	for _, name := range []string{"alice", "mallory"} {
		resp := s.do(testRequest{
			method:  http.MethodPost,
			path:    "/api/v1/auth/login",
			body:    LoginRequest{Username: name, Password: "securePassword123"},
			headers: map[string]string{"X-Forwarded-For": "198.51.100.4"},
		})
		if resp.status != http.StatusForbidden {
			t.Fatalf("login %s status=%d", name, resp.status)
		}
	}

	all := dataList(t, s.do(testRequest{method: http.MethodGet, path: "/api/v1/admin/maintenance/login-attempts", token: token}))
	if len(all) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(all))
	}

	byName := dataList(t, s.do(testRequest{method: http.MethodGet, path: "/api/v1/admin/maintenance/login-attempts?username=mall", token: token}))
	if len(byName) != 1 {
		t.Fatalf("expected 1 attempt for mallory, got %d", len(byName))
	}
	if a, _ := byName[0].(map[string]interface{}); a["role"] != "Unknown" || a["ip"] != "198.51.100.4" {
		t.Fatalf("unexpected attempt: %v", a)
	}

	future := dataList(t, s.do(testRequest{method: http.MethodGet, path: "/api/v1/admin/maintenance/login-attempts?from=2999-01-01", token: token}))
	if len(future) != 0 {
		t.Fatalf("expected no attempts after 2999, got %d", len(future))
	}

	bad := s.do(testRequest{method: http.MethodGet, path: "/api/v1/admin/maintenance/login-attempts?to=yesterday", token: token})
	if bad.status != http.StatusBadRequest {
		t.Fatalf("invalid date status=%d", bad.status)
	}
}

func TestMaintenanceHandler_NoticePage(t *testing.T) {
	s := newTestServer(t)

	home := s.do(testRequest{method: http.MethodGet, path: "/maintenance"})
	if home.status != http.StatusFound || home.header.Get("Location") != "/" {
		t.Fatalf("inactive notice status=%d location=%q", home.status, home.header.Get("Location"))
	}
	if body := s.do(testRequest{method: http.MethodGet, path: "/maintenance", xhr: true}).decode(t); body["inMaintenance"] != false {
		t.Fatalf("inactive notice json: %v", body)
	}

	enableMaintenance(t, s, "Back <soon>")

	page := s.do(testRequest{method: http.MethodGet, path: "/maintenance", headers: map[string]string{"Accept": "text/html"}})
	if page.status != http.StatusServiceUnavailable {
		t.Fatalf("notice status=%d", page.status)
	}
	if ct := page.header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("Content-Type=%q", ct)
	}
	html := string(page.raw)
	for _, want := range []string{"Back &lt;soon&gt;", "database upgrade", "5 minutes", `http-equiv="refresh"`} {
		if !strings.Contains(html, want) {
			t.Fatalf("notice page missing %q:\n%s", want, html)
		}
	}

	status := s.do(testRequest{method: http.MethodGet, path: "/maintenance", xhr: true})
	if status.status != http.StatusOK {
		t.Fatalf("notice json status=%d", status.status)
	}
	if body := status.decode(t); body["inMaintenance"] != true || body["message"] != "Back <soon>" {
		t.Fatalf("unexpected notice json: %v", body)
	}
}
