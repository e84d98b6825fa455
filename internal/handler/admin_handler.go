package handler

import (
	"errors"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/marquee/marquee/backend/internal/repository"
	"github.com/marquee/marquee/backend/internal/service"
	"github.com/marquee/marquee/backend/pkg/logger"
	"github.com/marquee/marquee/backend/pkg/response"
)

type AdminHandler struct {
	adminSvc   *service.AdminService
	authSvc    *service.AuthService
	cleanupSvc *service.CleanupService
	auth       *AuthHandler
}

func NewAdminHandler(
	adminSvc *service.AdminService,
	authSvc *service.AuthService,
	cleanupSvc *service.CleanupService,
	auth *AuthHandler,
) *AdminHandler {
	return &AdminHandler{
		adminSvc:   adminSvc,
		authSvc:    authSvc,
		cleanupSvc: cleanupSvc,
		auth:       auth,
	}
}

// CheckSetupStatus returns whether setup has been completed.
func (h *AdminHandler) CheckSetupStatus(c *fiber.Ctx) error {
	return response.Success(c, map[string]bool{
		"setup_completed": h.adminSvc.IsSetupCompleted(),
	})
}

// CompleteSetup creates the first admin account. Self-disabling after first use.
func (h *AdminHandler) CompleteSetup(c *fiber.Ctx) error {
	if h.adminSvc.IsSetupCompleted() {
		return response.Forbidden(c, "setup already completed")
	}

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

	user, token, err := h.authSvc.CompleteSetup(req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrSetupCompleted) {
			return response.Forbidden(c, "setup already completed")
		}
		return registrationError(c, err)
	}

	h.auth.setAuthCookie(c, token)
	csrfToken := h.auth.setCSRFCookie(c)

	logger.Audit("setup_completed", user.ID, map[string]string{
		"username": user.Username,
	})

	return response.Success(c, AuthResponse{
		Token:     token,
		CSRFToken: csrfToken,
		User:      user,
	})
}

// GetSettings returns the stored overrides and the limits currently in force.
func (h *AdminHandler) GetSettings(c *fiber.Ctx) error {
	settings, err := h.adminSvc.GetAllSettings()
	if err != nil {
		return response.InternalError(c, "failed to load settings")
	}
	return response.Success(c, fiber.Map{
		"stored":    settings,
		"effective": h.adminSvc.EffectiveSettings(c.UserContext()),
	})
}

// UpdateSettings modifies app settings.
func (h *AdminHandler) UpdateSettings(c *fiber.Ctx) error {
	var req struct {
		Settings map[string]string `json:"settings"`
	}
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}
	if len(req.Settings) == 0 {
		return response.BadRequest(c, "no settings provided")
	}

	if err := h.adminSvc.UpdateSettings(req.Settings, localUserID(c)); err != nil {
		if errors.Is(err, service.ErrInvalidSetting) {
			return response.BadRequest(c, err.Error())
		}
		logger.Error().Err(err).Msg("Failed to update settings")
		return response.InternalError(c, "failed to update settings")
	}

	return response.Success(c, fiber.Map{
		"message":   "settings updated",
		"effective": h.adminSvc.EffectiveSettings(c.UserContext()),
	})
}

// GetStats returns dashboard counters.
func (h *AdminHandler) GetStats(c *fiber.Ctx) error {
	stats, err := h.adminSvc.Stats(c.UserContext())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load admin stats")
		return response.InternalError(c, "failed to load stats")
	}
	return response.Success(c, stats)
}

func (h *AdminHandler) ListUsers(c *fiber.Ctx) error {
	users, err := h.adminSvc.ListUsers()
	if err != nil {
		return response.InternalError(c, "failed to list users")
	}
	return response.Success(c, users)
}

// SetUserRole handles PUT /admin/users/:id/role.
func (h *AdminHandler) SetUserRole(c *fiber.Ctx) error {
	targetID := c.Params("id")
	if targetID == "" {
		return response.BadRequest(c, "user ID is required")
	}

	var req struct {
		Role string `json:"role"`
	}
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}

	user, err := h.adminSvc.SetUserRole(targetID, req.Role, localUserID(c))
	if err != nil {
		return userMutationError(c, err, "failed to change role")
	}
	return response.Success(c, user)
}

// DeleteUser removes a user account.
func (h *AdminHandler) DeleteUser(c *fiber.Ctx) error {
	targetID := c.Params("id")
	if targetID == "" {
		return response.BadRequest(c, "user ID is required")
	}

	if err := h.adminSvc.DeleteUser(targetID, localUserID(c)); err != nil {
		return userMutationError(c, err, "failed to delete user")
	}

	return response.Success(c, map[string]string{"message": "user deleted"})
}

func userMutationError(c *fiber.Ctx, err error, fallback string) error {
	switch {
	case errors.Is(err, service.ErrCannotModifySelf),
		errors.Is(err, service.ErrLastAdmin),
		errors.Is(err, service.ErrInvalidRole):
		return response.BadRequest(c, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		return response.NotFound(c, "user not found")
	}
	logger.Error().Err(err).Msg(fallback)
	return response.InternalError(c, fallback)
}

// GetLedger returns every guest identity in the ledger.
func (h *AdminHandler) GetLedger(c *fiber.Ctx) error {
	snapshot, err := h.adminSvc.LedgerSnapshot()
	if err != nil {
		return response.ServiceUnavailable(c, err.Error())
	}
	UpdateGuestLedgerSize(len(snapshot))
	return response.Success(c, snapshot)
}

// ResetLedger clears every guest identity.
func (h *AdminHandler) ResetLedger(c *fiber.Ctx) error {
	n, err := h.adminSvc.ResetAllGuests(localUserID(c))
	if err != nil {
		if errors.Is(err, service.ErrLedgerUnavailable) {
			return response.ServiceUnavailable(c, err.Error())
		}
		logger.Error().Err(err).Msg("Failed to persist guest ledger reset")
		return response.InternalError(c, "failed to reset guest ledger")
	}
	UpdateGuestLedgerSize(0)
	return response.Success(c, fiber.Map{"removed": n})
}

// ResetLedgerEntry clears one guest identity.
func (h *AdminHandler) ResetLedgerEntry(c *fiber.Ctx) error {
	key, err := url.PathUnescape(c.Params("identity"))
	key = strings.TrimSpace(key)
	if err != nil || key == "" {
		return response.BadRequest(c, "identity is required")
	}

	removed, err := h.adminSvc.ResetGuest(key, localUserID(c))
	if err != nil {
		if errors.Is(err, service.ErrLedgerUnavailable) {
			return response.ServiceUnavailable(c, err.Error())
		}
		logger.Error().Err(err).Str("identity", key).Msg("Failed to persist guest ledger reset")
		return response.InternalError(c, "failed to reset guest identity")
	}
	if !removed {
		return response.NotFound(c, "identity not found")
	}
	return response.Success(c, fiber.Map{"removed": 1})
}

// GetChatUsage returns the ledger summary.
func (h *AdminHandler) GetChatUsage(c *fiber.Ctx) error {
	summary, err := h.adminSvc.LedgerSummary(c.UserContext())
	if err != nil {
		return response.ServiceUnavailable(c, err.Error())
	}
	UpdateGuestLedgerSize(summary.Identities)
	return response.Success(c, fiber.Map{
		"summary": summary,
		"limits":  h.adminSvc.EffectiveSettings(c.UserContext()),
	})
}

// TriggerCleanup runs the same housekeeping as the background job.
func (h *AdminHandler) TriggerCleanup(c *fiber.Ctx) error {
	results := h.cleanupSvc.Run(c.UserContext())
	logger.Audit("manual_cleanup", localUserID(c), nil)
	return response.Success(c, results)
}
