package handler

import (
	"errors"
	"html/template"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/marquee/marquee/backend/internal/identity"
	"github.com/marquee/marquee/backend/internal/repository"
	"github.com/marquee/marquee/backend/internal/service"
	"github.com/marquee/marquee/backend/pkg/logger"
	"github.com/marquee/marquee/backend/pkg/response"
)

const (
	defaultHistoryLimit      = 50
	defaultLoginAttemptLimit = 100
)

type MaintenanceHandler struct {
	maintenanceSvc *service.MaintenanceService
	clock          func() time.Time
}

func NewMaintenanceHandler(maintenanceSvc *service.MaintenanceService) *MaintenanceHandler {
	return &MaintenanceHandler{maintenanceSvc: maintenanceSvc, clock: time.Now}
}

// Current handles GET /admin/maintenance.
func (h *MaintenanceHandler) Current(c *fiber.Ctx) error {
	m, err := h.maintenanceSvc.Active(c.UserContext())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load active maintenance")
		return response.InternalError(c, "failed to load maintenance")
	}
	if m == nil {
		return response.Success(c, fiber.Map{"active": false})
	}
	now := h.clock()
	return response.Success(c, fiber.Map{
		"active":           true,
		"maintenance":      m,
		"endTime":          m.ExpiresAt(),
		"duration":         m.FormatDuration(),
		"remainingSeconds": int(m.Remaining(now).Seconds()),
	})
}

// Enable handles POST /admin/maintenance.
func (h *MaintenanceHandler) Enable(c *fiber.Ctx) error {
	var req service.EnableInput
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}

	m, err := h.maintenanceSvc.Enable(c.UserContext(), req, localUserID(c))
	if err != nil {
		return maintenanceError(c, err, "failed to enable maintenance")
	}
	return c.Status(fiber.StatusCreated).JSON(response.APIResponse{Success: true, Data: m})
}

// Update handles PUT /admin/maintenance/:id.
func (h *MaintenanceHandler) Update(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return response.BadRequest(c, "maintenance ID is required")
	}

	var req service.UpdateInput
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}

	m, err := h.maintenanceSvc.Update(c.UserContext(), id, req, localUserID(c))
	if err != nil {
		return maintenanceError(c, err, "failed to update maintenance")
	}
	return response.Success(c, m)
}

// Stop handles POST /admin/maintenance/stop.
func (h *MaintenanceHandler) Stop(c *fiber.Ctx) error {
	m, err := h.maintenanceSvc.Stop(c.UserContext(), localUserID(c))
	if err != nil {
		return maintenanceError(c, err, "failed to stop maintenance")
	}
	return response.Success(c, m)
}

func (h *MaintenanceHandler) History(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 || limit > 500 {
		limit = defaultHistoryLimit
	}
	records, err := h.maintenanceSvc.History(c.UserContext(), limit)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load maintenance history")
		return response.InternalError(c, "failed to load maintenance history")
	}
	return response.Success(c, records)
}

// LoginAttempts handles GET /admin/maintenance/login-attempts. Dates are
// accepted as RFC 3339 or YYYY-MM-DD.
func (h *MaintenanceHandler) LoginAttempts(c *fiber.Ctx) error {
	f := repository.LoginAttemptFilter{
		MaintenanceID: strings.TrimSpace(c.Query("maintenance_id")),
		Username:      strings.TrimSpace(c.Query("username")),
		IP:            strings.TrimSpace(c.Query("ip")),
		Limit:         c.QueryInt("limit", defaultLoginAttemptLimit),
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = defaultLoginAttemptLimit
	}

	var err error
	if f.From, err = parseDateQuery(c.Query("from"), false); err != nil {
		return response.BadRequest(c, "invalid from date")
	}
	if f.To, err = parseDateQuery(c.Query("to"), true); err != nil {
		return response.BadRequest(c, "invalid to date")
	}

	attempts, err := h.maintenanceSvc.LoginAttempts(c.UserContext(), f)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load maintenance login attempts")
		return response.InternalError(c, "failed to load login attempts")
	}
	return response.Success(c, attempts)
}

// parseDateQuery treats a bare date as the start of that day, or its end when endOfDay is set.
func parseDateQuery(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func (h *MaintenanceHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.maintenanceSvc.Stats(c.UserContext())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load maintenance stats")
		return response.InternalError(c, "failed to load maintenance stats")
	}
	return response.Success(c, stats)
}

func maintenanceError(c *fiber.Ctx, err error, fallback string) error {
	switch {
	case errors.Is(err, service.ErrInvalidMaintenance):
		return response.BadRequest(c, err.Error())
	case errors.Is(err, service.ErrNoActiveMaintenance):
		return response.NotFound(c, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		return response.NotFound(c, "maintenance record not found")
	}
	logger.Error().Err(err).Msg(fallback)
	return response.InternalError(c, fallback)
}

var noticeTemplate = template.Must(template.New("notice").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="{{.Refresh}}">
<title>Under maintenance</title>
<style>
body{font-family:system-ui,sans-serif;background:#f6f7f9;color:#1f2933;display:flex;min-height:100vh;align-items:center;justify-content:center;margin:0}
main{background:#fff;border-radius:12px;box-shadow:0 2px 12px rgba(0,0,0,.08);padding:2.5rem;max-width:32rem}
h1{margin-top:0;font-size:1.5rem}
dl{display:grid;grid-template-columns:max-content 1fr;gap:.4rem 1rem}
dt{font-weight:600}
</style>
</head>
<body>
<main>
<h1>We'll be right back</h1>
<p>{{.Message}}</p>
<dl>
{{if .Reason}}<dt>Reason</dt><dd>{{.Reason}}</dd>{{end}}
<dt>Planned duration</dt><dd>{{.Duration}}</dd>
<dt>Time remaining</dt><dd>{{.Remaining}}</dd>
<dt>Expected back</dt><dd>{{.EndTime}}</dd>
</dl>
</main>
</body>
</html>
`))

type noticeView struct {
	Message   string
	Reason    string
	Duration  string
	Remaining string
	EndTime   string
	Refresh   int
}

// Notice handles GET /maintenance. Browsers get an HTML page, XHR callers
// JSON. With no active window the caller is sent home.
func (h *MaintenanceHandler) Notice(c *fiber.Ctx) error {
	m, err := h.maintenanceSvc.Active(c.UserContext())
	if err != nil {
		logger.Warn().Err(err).Msg("Maintenance lookup failed on notice page")
		m = nil
	}

	rc := identity.FromFiber(c)
	if m == nil {
		if rc.WantsJSON() {
			return c.JSON(service.StatusView{})
		}
		return c.Redirect("/", fiber.StatusFound)
	}

	now := h.clock()
	remaining := m.Remaining(now)
	end := m.ExpiresAt()

	if rc.WantsJSON() {
		return c.JSON(service.StatusView{
			InMaintenance:    true,
			EndTime:          &end,
			Message:          m.Message,
			Reason:           m.Reason,
			Duration:         m.FormatDuration(),
			RemainingSeconds: int(remaining.Seconds()),
		})
	}

	refresh := 60
	if secs := int(remaining.Seconds()) + 1; secs < refresh {
		refresh = secs
	}

	var b strings.Builder
	if err := noticeTemplate.Execute(&b, noticeView{
		Message:   m.Message,
		Reason:    m.Reason,
		Duration:  m.FormatDuration(),
		Remaining: formatRemaining(remaining),
		EndTime:   end.UTC().Format("Jan 2, 2006 15:04 MST"),
		Refresh:   refresh,
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to render maintenance page")
		return response.ServiceUnavailable(c, m.Message)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Status(fiber.StatusServiceUnavailable).SendString(b.String())
}

func formatRemaining(d time.Duration) string {
	d = d.Round(time.Minute)
	if d < time.Minute {
		return "less than a minute"
	}
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	if hours > 0 {
		return strings.TrimSpace(pluralize(hours, "hour") + " " + pluralize(minutes, "minute"))
	}
	return pluralize(minutes, "minute")
}

func pluralize(n int, unit string) string {
	switch n {
	case 0:
		return ""
	case 1:
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}
