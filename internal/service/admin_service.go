package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marquee/marquee/backend/internal/models"
	"github.com/marquee/marquee/backend/internal/quota"
	"github.com/marquee/marquee/backend/internal/repository"
	"github.com/marquee/marquee/backend/pkg/logger"
)

const (
	SettingChatMaxLogged     = "chat_max_logged"
	SettingChatMaxGuest      = "chat_max_guest"
	SettingChatWindowSeconds = "chat_window_seconds"
	settingSetupCompleted    = "setup_completed"
)

var (
	ErrCannotModifySelf  = errors.New("cannot change your own account")
	ErrLastAdmin         = errors.New("cannot remove the last admin")
	ErrInvalidRole       = errors.New("invalid role")
	ErrLedgerUnavailable = errors.New("guest ledger is not configured")
	ErrInvalidSetting    = errors.New("invalid setting")
)

// settingLimits bounds every editable setting. Anything not listed here is
// rejected by UpdateSettings.
var settingLimits = map[string]struct{ min, max int }{
	SettingChatMaxLogged:     {1, 10000},
	SettingChatMaxGuest:      {1, 10000},
	SettingChatWindowSeconds: {1, 86400},
}

type AdminService struct {
	settingsRepo *repository.SettingsRepository
	userRepo     *repository.UserRepository
	maintenance  *MaintenanceService
	ledger       quota.Ledger
	defaults     quota.Limits
	cache        map[string]string
	mu           sync.RWMutex
}

// NewAdminService loads the settings cache. defaults are the configured quota
// limits used for any chat setting an operator has not overridden.
func NewAdminService(settingsRepo *repository.SettingsRepository, userRepo *repository.UserRepository, defaults quota.Limits) *AdminService {
	svc := &AdminService{
		settingsRepo: settingsRepo,
		userRepo:     userRepo,
		defaults:     defaults,
		cache:        make(map[string]string),
	}
	svc.RefreshCache()
	return svc
}

func (s *AdminService) SetLedger(l quota.Ledger) {
	s.ledger = l
}

func (s *AdminService) SetMaintenanceService(m *MaintenanceService) {
	s.maintenance = m
}

func (s *AdminService) RefreshCache() {
	settings, err := s.settingsRepo.GetAll()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to refresh settings cache")
		return
	}

	fresh := make(map[string]string, len(settings))
	for _, setting := range settings {
		fresh[setting.Key] = setting.Value
	}

	s.mu.Lock()
	s.cache = fresh
	s.mu.Unlock()
}

func (s *AdminService) GetCachedSetting(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[key]
}

func (s *AdminService) GetCachedSettingInt(key string, fallback int) int {
	val := s.GetCachedSetting(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// Limits implements quota.Policy.
func (s *AdminService) Limits(context.Context) quota.Limits {
	windowSeconds := s.GetCachedSettingInt(SettingChatWindowSeconds, int(s.defaults.Window/time.Second))
	return quota.Limits{
		Window:    time.Duration(windowSeconds) * time.Second,
		MaxLogged: s.GetCachedSettingInt(SettingChatMaxLogged, s.defaults.MaxLogged),
		MaxGuest:  s.GetCachedSettingInt(SettingChatMaxGuest, s.defaults.MaxGuest),
	}
}

// SettingsProvider implementation

func (s *AdminService) IsSetupCompleted() bool {
	return s.GetCachedSetting(settingSetupCompleted) == "true"
}

func (s *AdminService) MarkSetupCompleted() error {
	if err := s.settingsRepo.Set(settingSetupCompleted, "true"); err != nil {
		return err
	}
	s.RefreshCache()
	return nil
}

// Admin operations

func (s *AdminService) GetAllSettings() ([]*models.AppSetting, error) {
	return s.settingsRepo.GetAll()
}

// EffectiveSettings reports the chat limits in force, including config defaults.
func (s *AdminService) EffectiveSettings(ctx context.Context) map[string]int {
	l := s.Limits(ctx)
	return map[string]int{
		SettingChatMaxLogged:     l.MaxLogged,
		SettingChatMaxGuest:      l.MaxGuest,
		SettingChatWindowSeconds: int(l.Window / time.Second),
	}
}

// UpdateSettings validates every key before writing any of them.
func (s *AdminService) UpdateSettings(updates map[string]string, actorID string) error {
	if len(updates) == 0 {
		return fmt.Errorf("%w: no settings provided", ErrInvalidSetting)
	}

	normalized := make(map[string]string, len(updates))
	for key, raw := range updates {
		bounds, ok := settingLimits[key]
		if !ok {
			return fmt.Errorf("%w: unknown setting key %q", ErrInvalidSetting, key)
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < bounds.min || n > bounds.max {
			return fmt.Errorf("%w: %s must be an integer between %d and %d", ErrInvalidSetting, key, bounds.min, bounds.max)
		}
		normalized[key] = strconv.Itoa(n)
	}

	if err := s.settingsRepo.SetMany(normalized); err != nil {
		return err
	}
	s.RefreshCache()

	logger.Audit("settings_updated", actorID, normalized)
	return nil
}

func (s *AdminService) ListUsers() ([]*models.User, error) {
	return s.userRepo.ListAll()
}

// SetUserRole changes a user's role. Admins cannot change their own role, and
// the last admin cannot be demoted.
func (s *AdminService) SetUserRole(userID, role, actorID string) (*models.User, error) {
	newRole, ok := models.ParseRole(role)
	if !ok {
		return nil, ErrInvalidRole
	}
	if userID == actorID {
		return nil, ErrCannotModifySelf
	}

	target, err := s.userRepo.GetByID(userID)
	if err != nil {
		return nil, err
	}
	if target.Role == newRole {
		return target, nil
	}
	if target.IsAdmin() {
		if err := s.ensureAnotherAdmin(); err != nil {
			return nil, err
		}
	}

	if err := s.userRepo.SetRole(userID, newRole); err != nil {
		return nil, err
	}
	logger.Audit("user_role_changed", actorID, map[string]string{
		"target_user_id": userID,
		"from":           string(target.Role),
		"to":             string(newRole),
	})
	target.Role = newRole
	return target, nil
}

func (s *AdminService) DeleteUser(userID, actorID string) error {
	if userID == actorID {
		return ErrCannotModifySelf
	}

	target, err := s.userRepo.GetByID(userID)
	if err != nil {
		return err
	}
	if target.IsAdmin() {
		if err := s.ensureAnotherAdmin(); err != nil {
			return err
		}
	}

	if err := s.userRepo.Delete(userID); err != nil {
		return err
	}
	logger.Audit("user_deleted", actorID, map[string]string{
		"target_user_id": userID,
		"username":       target.Username,
	})
	return nil
}

func (s *AdminService) ensureAnotherAdmin() error {
	count, err := s.userRepo.CountByRole(models.RoleAdmin)
	if err != nil {
		return err
	}
	if count <= 1 {
		return ErrLastAdmin
	}
	return nil
}

// Guest ledger

func (s *AdminService) LedgerSnapshot() (map[string]models.GuestQuotaRecord, error) {
	if s.ledger == nil {
		return nil, ErrLedgerUnavailable
	}
	return s.ledger.Snapshot(), nil
}

func (s *AdminService) LedgerSummary(ctx context.Context) (quota.Summary, error) {
	if s.ledger == nil {
		return quota.Summary{}, ErrLedgerUnavailable
	}
	return s.ledger.Summarize(s.Limits(ctx).MaxGuest), nil
}

// ResetGuest clears one guest identity. It reports whether the identity existed.
func (s *AdminService) ResetGuest(identityKey, actorID string) (bool, error) {
	if s.ledger == nil {
		return false, ErrLedgerUnavailable
	}
	removed, err := s.ledger.Reset(identityKey)
	if err != nil {
		return removed, err
	}
	if removed {
		logger.Audit("guest_ledger_reset", actorID, map[string]string{"identity": identityKey})
	}
	return removed, nil
}

func (s *AdminService) ResetAllGuests(actorID string) (int, error) {
	if s.ledger == nil {
		return 0, ErrLedgerUnavailable
	}
	n, err := s.ledger.ResetAll()
	if err != nil {
		return n, err
	}
	logger.Audit("guest_ledger_cleared", actorID, map[string]string{"identities": strconv.Itoa(n)})
	return n, nil
}

// Stats gathers the dashboard counters. Sections whose backing store is not
// wired are left at zero.
func (s *AdminService) Stats(ctx context.Context) (*models.AdminStats, error) {
	stats := &models.AdminStats{}

	var err error
	if stats.TotalUsers, err = s.userRepo.Count(); err != nil {
		return nil, err
	}
	if stats.Admins, err = s.userRepo.CountByRole(models.RoleAdmin); err != nil {
		return nil, err
	}
	if stats.Moderators, err = s.userRepo.CountByRole(models.RoleModerator); err != nil {
		return nil, err
	}

	if s.maintenance != nil {
		ms, err := s.maintenance.Stats(ctx)
		if err != nil {
			return nil, err
		}
		stats.MaintenanceRecords = ms.TotalRecords
		stats.AutoDisabledRecords = ms.AutoDisabledRecords
	}

	if s.ledger != nil {
		summary := s.ledger.Summarize(s.Limits(ctx).MaxGuest)
		stats.GuestIdentities = summary.Identities
		stats.ExhaustedGuests = summary.Exhausted
	}
	return stats, nil
}
