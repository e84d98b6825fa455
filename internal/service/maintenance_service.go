package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marquee/marquee/backend/internal/gate"
	"github.com/marquee/marquee/backend/internal/models"
	"github.com/marquee/marquee/backend/internal/repository"
	"github.com/marquee/marquee/backend/pkg/logger"
	"github.com/marquee/marquee/backend/pkg/sanitize"
)

var (
	ErrNoActiveMaintenance = errors.New("maintenance is not active")
	ErrInvalidMaintenance  = errors.New("invalid maintenance parameters")
)

const (
	defaultMaintenanceMessage = "The site is currently undergoing scheduled maintenance. Please check back soon."
	maxMaintenanceText        = 1000
)

type EnableInput struct {
	Message       string `json:"message"`
	Reason        string `json:"reason"`
	DurationValue int    `json:"durationValue"`
	DurationUnit  string `json:"durationUnit"`
}

// UpdateInput changes only the fields that are set.
type UpdateInput struct {
	Message       *string `json:"message"`
	Reason        *string `json:"reason"`
	DurationValue *int    `json:"durationValue"`
	DurationUnit  *string `json:"durationUnit"`
}

// StatusView is the public maintenance status shape.
type StatusView struct {
	InMaintenance    bool       `json:"inMaintenance"`
	EndTime          *time.Time `json:"endTime"`
	Message          string     `json:"message"`
	Reason           string     `json:"reason"`
	Duration         string     `json:"duration,omitempty"`
	RemainingSeconds int        `json:"remainingSeconds,omitempty"`
}

type MaintenanceService struct {
	repo  *repository.MaintenanceRepository
	clock func() time.Time
	log   zerolog.Logger
}

func NewMaintenanceService(repo *repository.MaintenanceRepository) *MaintenanceService {
	return &MaintenanceService{
		repo:  repo,
		clock: time.Now,
		log:   logger.Component("maintenance"),
	}
}

// SetClock overrides the time source.
func (s *MaintenanceService) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

func normalizeText(s string, fallback string) string {
	s = sanitize.Text(s, maxMaintenanceText)
	if s == "" {
		return fallback
	}
	return s
}

func normalizeDuration(value int, unit string) (int, models.DurationUnit, error) {
	if value < 0 {
		return 0, "", fmt.Errorf("%w: duration must be positive", ErrInvalidMaintenance)
	}
	if value == 0 {
		value = 1
	}
	return value, models.ParseDurationUnit(unit), nil
}

// Enable starts a new maintenance window. Any window still enabled is
// completed first, in the same transaction.
func (s *MaintenanceService) Enable(ctx context.Context, in EnableInput, actor string) (*models.MaintenanceState, error) {
	value, unit, err := normalizeDuration(in.DurationValue, in.DurationUnit)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	m := &models.MaintenanceState{
		ID:            uuid.New().String(),
		Message:       normalizeText(in.Message, defaultMaintenanceMessage),
		Reason:        normalizeText(in.Reason, ""),
		StartedAt:     now,
		DurationValue: value,
		DurationUnit:  unit,
		Status:        models.StatusInProgress,
		CreatedBy:     actor,
	}

	superseded, err := s.repo.Enable(ctx, m, now)
	if err != nil {
		return nil, err
	}

	logger.Audit("maintenance_enabled", actor, map[string]string{
		"maintenance_id": m.ID,
		"duration":       m.FormatDuration(),
		"superseded":     fmt.Sprint(superseded),
	})
	return m, nil
}

// Update edits the active window's message, reason or duration.
func (s *MaintenanceService) Update(ctx context.Context, id string, in UpdateInput, actor string) (*models.MaintenanceState, error) {
	m, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Message != nil {
		m.Message = normalizeText(*in.Message, defaultMaintenanceMessage)
	}
	if in.Reason != nil {
		m.Reason = normalizeText(*in.Reason, "")
	}
	if in.DurationValue != nil || in.DurationUnit != nil {
		value, unit := m.DurationValue, string(m.DurationUnit)
		if in.DurationValue != nil {
			value = *in.DurationValue
		}
		if in.DurationUnit != nil {
			unit = *in.DurationUnit
		}
		v, u, err := normalizeDuration(value, unit)
		if err != nil {
			return nil, err
		}
		m.DurationValue, m.DurationUnit = v, u
	}

	now := s.clock()
	if err := s.repo.Update(ctx, m, now); err != nil {
		return nil, err
	}
	m.UpdatedAt = now

	logger.Audit("maintenance_updated", actor, map[string]string{
		"maintenance_id": m.ID,
		"duration":       m.FormatDuration(),
	})
	return m, nil
}

// Stop ends the active window by operator action.
func (s *MaintenanceService) Stop(ctx context.Context, actor string) (*models.MaintenanceState, error) {
	m, err := s.repo.FindActive(ctx)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNoActiveMaintenance
	}

	now := s.clock()
	stopped, err := s.repo.Stop(ctx, m.ID, now)
	if err != nil {
		return nil, err
	}
	if !stopped {
		return nil, ErrNoActiveMaintenance
	}

	m.Enabled = false
	m.Status = models.StatusCompleted
	m.EndedAt = &now
	logger.Audit("maintenance_stopped", actor, map[string]string{"maintenance_id": m.ID})
	return m, nil
}

// Active returns the enabled window, ending it first if it has expired.
func (s *MaintenanceService) Active(ctx context.Context) (*models.MaintenanceState, error) {
	m, err := s.repo.FindActive(ctx)
	if err != nil || m == nil {
		return nil, err
	}
	now := s.clock()
	if m.IsExpired(now) {
		if _, err := s.autoDisable(ctx, m, now); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return m, nil
}

func (s *MaintenanceService) Status(ctx context.Context) (StatusView, error) {
	m, err := s.Active(ctx)
	if err != nil {
		return StatusView{}, err
	}
	if m == nil {
		return StatusView{}, nil
	}
	end := m.ExpiresAt()
	return StatusView{
		InMaintenance:    true,
		EndTime:          &end,
		Message:          m.Message,
		Reason:           m.Reason,
		Duration:         m.FormatDuration(),
		RemainingSeconds: int(m.Remaining(s.clock()).Seconds()),
	}, nil
}

// SweepExpired applies the auto-disable transition when the active window has
// run out. It reports whether this call ended it.
func (s *MaintenanceService) SweepExpired(ctx context.Context) (bool, error) {
	m, err := s.repo.FindActive(ctx)
	if err != nil || m == nil {
		return false, err
	}
	now := s.clock()
	if !m.IsExpired(now) {
		return false, nil
	}
	return s.autoDisable(ctx, m, now)
}

func (s *MaintenanceService) autoDisable(ctx context.Context, m *models.MaintenanceState, now time.Time) (bool, error) {
	return gate.Expire(ctx, s.repo, m, now, s.log)
}

// RunSweeper calls SweepExpired every interval until ctx is cancelled.
func (s *MaintenanceService) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if _, err := s.SweepExpired(sweepCtx); err != nil {
				s.log.Warn().Err(err).Msg("Maintenance sweep failed")
			}
			cancel()
		}
	}
}

func (s *MaintenanceService) RecordLoginAttempt(ctx context.Context, a *models.MaintenanceLoginAttempt) error {
	return s.repo.RecordLoginAttempt(ctx, a)
}

func (s *MaintenanceService) History(ctx context.Context, limit int) ([]*models.MaintenanceState, error) {
	return s.repo.History(ctx, limit)
}

func (s *MaintenanceService) LoginAttempts(ctx context.Context, f repository.LoginAttemptFilter) ([]*models.MaintenanceLoginAttempt, error) {
	return s.repo.LoginAttempts(ctx, f)
}

func (s *MaintenanceService) Stats(ctx context.Context) (*models.MaintenanceStats, error) {
	return s.repo.Stats(ctx)
}
