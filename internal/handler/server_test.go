package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/marquee/marquee/backend/internal/config"
	"github.com/marquee/marquee/backend/internal/gate"
	"github.com/marquee/marquee/backend/internal/models"
	"github.com/marquee/marquee/backend/internal/quota"
	"github.com/marquee/marquee/backend/internal/repository"
	"github.com/marquee/marquee/backend/internal/service"
	"github.com/marquee/marquee/backend/pkg/testutil"
)

const testCSRFToken = "test-csrf-token"

// testServer is the full route table over a temp database, an in-memory
// rate window store and a stub chat provider.
type testServer struct {
	t           *testing.T
	app         *fiber.App
	cfg         *config.Config
	auth        *service.AuthService
	admin       *service.AdminService
	maintenance *service.MaintenanceService
	ledger      *quota.FileLedger
	users       *repository.UserRepository
	provider    *stubProvider
}

type stubProvider struct {
	status atomic.Int32
	body   atomic.Value
	calls  atomic.Int32
}

func (p *stubProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.calls.Add(1)
	_, _ = io.Copy(io.Discard, r.Body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(int(p.status.Load()))
	_, _ = w.Write([]byte(p.body.Load().(string)))
}

func (p *stubProvider) reply(status int, body string) {
	p.status.Store(int32(status))
	p.body.Store(body)
}

func stubCompletion(text string) string {
	raw, _ := json.Marshal(text)
	return `{"id":"cmpl-1","object":"chat.completion","model":"command-r","choices":[{"index":0,"message":{"role":"assistant","content":` +
		string(raw) + `},"finish_reason":"stop"}]}`
}

type testServerOption func(*config.Config)

func withoutChatKey() testServerOption {
	return func(cfg *config.Config) { cfg.Chat.APIKey = "" }
}

func withLoginLimit(n int) testServerOption {
	return func(cfg *config.Config) { cfg.Quota.LoginPerMinute = n }
}

func newTestServer(t *testing.T, opts ...testServerOption) *testServer {
	t.Helper()

	db, paths, cleanup := testutil.SetupTest(t)

	provider := &stubProvider{}
	provider.reply(http.StatusOK, stubCompletion("Hello from the assistant"))
	providerSrv := httptest.NewServer(provider)

	cfg := config.Defaults()
	cfg.Auth.JWTSecret = "test-secret-key-for-handler-tests-0123456789"
	cfg.Auth.BcryptCost = 4
	cfg.Quota.LedgerPath = paths.LedgerPath
	cfg.Quota.LoginPerMinute = 100
	cfg.Chat.APIKey = "test-key"
	cfg.Chat.BaseURL = providerSrv.URL
	cfg.Chat.Timeout = 2 * time.Second
	cfg.Observability.MetricsEnabled = true
	for _, opt := range opts {
		opt(cfg)
	}

	userRepo := repository.NewUserRepository(db)
	maintenanceRepo := repository.NewMaintenanceRepository(db)
	maintenanceSvc := service.NewMaintenanceService(maintenanceRepo)

	limits := quota.Limits{Window: cfg.Quota.Window, MaxLogged: cfg.Quota.MaxLogged, MaxGuest: cfg.Quota.MaxGuest}
	adminSvc := service.NewAdminService(repository.NewSettingsRepository(db), userRepo, limits)
	adminSvc.SetMaintenanceService(maintenanceSvc)

	authSvc := service.NewAuthService(userRepo, cfg)
	authSvc.SetSettingsProvider(adminSvc)
	authSvc.SetMaintenanceService(maintenanceSvc)

	ledger, err := quota.OpenFileLedger(cfg.Quota.LedgerPath)
	if err != nil {
		providerSrv.Close()
		cleanup()
		t.Fatalf("OpenFileLedger failed: %v", err)
	}
	adminSvc.SetLedger(ledger)

	windows := quota.NewMemoryWindowStore(time.Minute)
	tracker := quota.NewTracker(windows, ledger, adminSvc, quota.Config{Retention: cfg.Quota.Retention})
	g := gate.New(maintenanceRepo, gate.Config{
		LookupTimeout:   cfg.Maintenance.LookupTimeout,
		AdminPathPrefix: cfg.Maintenance.AdminPathPrefix,
		NoticePath:      cfg.Maintenance.NoticePath,
	}).WithVisitRecorder(maintenanceRepo)

	app := fiber.New()
	RegisterRoutes(app, Deps{
		DB:             db,
		Config:         cfg,
		AuthSvc:        authSvc,
		AdminSvc:       adminSvc,
		MaintenanceSvc: maintenanceSvc,
		ChatSvc:        service.NewChatService(cfg.Chat),
		CleanupSvc:     service.NewCleanupService(maintenanceSvc, windows, ledger, cfg.Quota.Retention),
		Tracker:        tracker,
		Gate:           g,
		Windows:        quota.NewMemoryWindowStore(time.Minute),
	})

	t.Cleanup(func() {
		_ = ledger.Close()
		providerSrv.Close()
		cleanup()
	})

	return &testServer{
		t:           t,
		app:         app,
		cfg:         cfg,
		auth:        authSvc,
		admin:       adminSvc,
		maintenance: maintenanceSvc,
		ledger:      ledger,
		users:       userRepo,
		provider:    provider,
	}
}

// createUser stores an account and returns a session token for it.
func (s *testServer) createUser(username string, role models.Role) (*models.User, string) {
	s.t.Helper()
	user, err := s.auth.CreateUser(username, username+"@example.com", "securePassword123", role)
	if err != nil {
		s.t.Fatalf("CreateUser %s: %v", username, err)
	}
	token, err := s.auth.GenerateToken(user)
	if err != nil {
		s.t.Fatalf("GenerateToken %s: %v", username, err)
	}
	return user, token
}

type testRequest struct {
	method  string
	path    string
	body    interface{}
	token   string
	csrf    bool
	xhr     bool
	headers map[string]string
}

type testResponse struct {
	status int
	header http.Header
	raw    []byte
}

func (r testResponse) decode(t *testing.T) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(r.raw, &out); err != nil {
		t.Fatalf("decode response %q: %v", string(r.raw), err)
	}
	return out
}

func (s *testServer) do(req testRequest) testResponse {
	s.t.Helper()

	var body io.Reader = http.NoBody
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		if err != nil {
			s.t.Fatalf("marshal request body: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq := httptest.NewRequest(req.method, req.path, body)
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}
	if req.csrf {
		httpReq.Header.Set("X-CSRF-Token", testCSRFToken)
		httpReq.AddCookie(&http.Cookie{Name: csrfCookieName, Value: testCSRFToken})
	}
	if req.xhr {
		httpReq.Header.Set("X-Requested-With", "XMLHttpRequest")
		httpReq.Header.Set("Accept", "application/json")
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := s.app.Test(httpReq, -1)
	if err != nil {
		s.t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		s.t.Fatalf("read response body: %v", err)
	}
	return testResponse{status: resp.StatusCode, header: resp.Header, raw: raw}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}
