package handler

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/marquee/marquee/backend/internal/identity"
	"github.com/marquee/marquee/backend/internal/service"
	"github.com/marquee/marquee/backend/pkg/logger"
	"github.com/marquee/marquee/backend/pkg/response"
)

// emailRegex provides additional validation beyond net/mail
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

const (
	maintenanceLoginMessage = "System is under maintenance. Only administrators can access."
	maintenanceRedirectURL  = "/maintenance"
	maintenanceCountdown    = 5
)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isValidEmail(email string) bool {
	if len(email) > 254 {
		return false
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return false
	}
	return emailRegex.MatchString(email)
}

type AuthHandler struct {
	authSvc        *service.AuthService
	maintenanceSvc *service.MaintenanceService
	secureCookies  bool
}

func NewAuthHandler(authSvc *service.AuthService, maintenanceSvc *service.MaintenanceService, secureCookies bool) *AuthHandler {
	return &AuthHandler{authSvc: authSvc, maintenanceSvc: maintenanceSvc, secureCookies: secureCookies}
}

// setCSRFCookie generates and sets a CSRF token cookie on the response.
func (h *AuthHandler) setCSRFCookie(c *fiber.Ctx) string {
	token := GenerateCSRFToken()
	c.Cookie(&fiber.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		HTTPOnly: false, // Must be readable by JS
		Secure:   h.secureCookies,
		SameSite: "Strict",
		Path:     "/",
		MaxAge:   86400, // 24 hours
	})
	return token
}

func (h *AuthHandler) setAuthCookie(c *fiber.Ctx, token string) {
	c.Cookie(&fiber.Cookie{
		Name:     authTokenCookieName,
		Value:    token,
		HTTPOnly: true,
		Secure:   h.secureCookies,
		SameSite: "Strict",
		Path:     "/",
		MaxAge:   86400,
	})
}

func (h *AuthHandler) clearAuthCookie(c *fiber.Ctx) {
	for _, name := range []string{authTokenCookieName, csrfCookieName} {
		c.Cookie(&fiber.Cookie{
			Name:     name,
			Value:    "",
			HTTPOnly: name == authTokenCookieName,
			Secure:   h.secureCookies,
			SameSite: "Strict",
			Path:     "/",
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
		})
	}
}

type AuthResponse struct {
	Token     string      `json:"token"`
	CSRFToken string      `json:"csrf_token,omitempty"`
	User      interface{} `json:"user,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// MaintenanceLoginResponse tells the login form to show the countdown and
// send the browser to the notice page.
type MaintenanceLoginResponse struct {
	Success     bool   `json:"success"`
	Error       string `json:"error"`
	Maintenance bool   `json:"maintenance"`
	Countdown   int    `json:"countdown"`
	RedirectURL string `json:"redirectUrl"`
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		return response.BadRequest(c, "username and password are required")
	}
	if len(req.Password) > 128 {
		return response.BadRequest(c, "password is too long")
	}

	rc := identity.FromFiber(c)
	user, token, err := h.authSvc.Login(c.UserContext(), req.Username, req.Password, rc)
	switch {
	case errors.Is(err, service.ErrMaintenanceActive):
		RecordAuthFailure("maintenance")
		return response.Raw(c, fiber.StatusForbidden, MaintenanceLoginResponse{
			Success:     false,
			Error:       maintenanceLoginMessage,
			Maintenance: true,
			Countdown:   maintenanceCountdown,
			RedirectURL: maintenanceRedirectURL,
		})
	case errors.Is(err, service.ErrInvalidCredentials):
		RecordAuthFailure("invalid_credentials")
		logger.Audit("login_failed", "", map[string]string{
			"ip": identity.AuditIP(rc),
		})
		return response.Unauthorized(c, "invalid credentials")
	case err != nil:
		logger.Error().Err(err).Msg("Login failed")
		return response.InternalError(c, "login failed")
	}

	logger.Audit("login_success", user.ID, map[string]string{
		"username": user.Username,
		"role":     string(user.Role),
	})

	h.setAuthCookie(c, token)
	csrfToken := h.setCSRFCookie(c)

	return response.Success(c, AuthResponse{
		Token:     token,
		CSRFToken: csrfToken,
		User:      user,
	})
}

// Register handles POST /auth/register. Accounts created here always get the User role.
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}

	req.Email = normalizeEmail(req.Email)
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		return response.BadRequest(c, "username and password are required")
	}
	if req.Email != "" && !isValidEmail(req.Email) {
		return response.BadRequest(c, "invalid email format")
	}

	user, token, err := h.authSvc.Register(c.UserContext(), req.Username, req.Email, req.Password)
	if err != nil {
		return registrationError(c, err)
	}

	logger.Audit("user_registered", user.ID, map[string]string{
		"username": user.Username,
	})

	h.setAuthCookie(c, token)
	csrfToken := h.setCSRFCookie(c)

	return response.Success(c, AuthResponse{
		Token:     token,
		CSRFToken: csrfToken,
		User:      user,
	})
}

func registrationError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrMaintenanceActive):
		return response.Raw(c, fiber.StatusServiceUnavailable, fiber.Map{
			"success": false,
			"message": "Registration is disabled during maintenance",
		})
	case errors.Is(err, service.ErrUsernameTaken):
		return response.Conflict(c, err.Error())
	case errors.Is(err, service.ErrInvalidUsername), errors.Is(err, service.ErrWeakPassword):
		return response.BadRequest(c, err.Error())
	case errors.Is(err, service.ErrSetupCompleted):
		return response.Forbidden(c, err.Error())
	}
	logger.Error().Err(err).Msg("Registration failed")
	return response.InternalError(c, "registration failed")
}

func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	h.clearAuthCookie(c)
	if userID := localUserID(c); userID != "" {
		logger.Audit("logout", userID, nil)
	}
	return response.Success(c, map[string]string{"message": "logged out"})
}

func (h *AuthHandler) GetMe(c *fiber.Ctx) error {
	userID := localUserID(c)
	if userID == "" {
		return response.Unauthorized(c, "authentication required")
	}

	user, err := h.authSvc.GetUserByID(userID)
	if err != nil {
		return response.NotFound(c, "user not found")
	}

	return response.Success(c, user)
}

// Ping is a cheap authenticated-or-not reachability check that the gate
// always lets through.
func (h *AuthHandler) Ping(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success":   true,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// MaintenanceStatus handles GET /auth/maintenance/status. An expired window
// is closed before the status is reported.
func (h *AuthHandler) MaintenanceStatus(c *fiber.Ctx) error {
	view, err := h.maintenanceSvc.Status(c.UserContext())
	if err != nil {
		logger.Warn().Err(err).Msg("Maintenance status lookup failed")
		return response.Raw(c, fiber.StatusOK, service.StatusView{})
	}
	return response.Raw(c, fiber.StatusOK, view)
}
