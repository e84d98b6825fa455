package models

import (
	"fmt"
	"time"
)

type DurationUnit string

const (
	UnitMinutes DurationUnit = "minutes"
	UnitHours   DurationUnit = "hours"
	UnitDays    DurationUnit = "days"
)

// ParseDurationUnit falls back to hours for anything it does not recognise.
func ParseDurationUnit(s string) DurationUnit {
	switch DurationUnit(s) {
	case UnitMinutes, UnitHours, UnitDays:
		return DurationUnit(s)
	}
	return UnitHours
}

func (u DurationUnit) Duration() time.Duration {
	switch u {
	case UnitMinutes:
		return time.Minute
	case UnitDays:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

func (u DurationUnit) minutes() int {
	switch u {
	case UnitMinutes:
		return 1
	case UnitDays:
		return 1440
	default:
		return 60
	}
}

type MaintenanceStatus string

const (
	StatusScheduled  MaintenanceStatus = "Scheduled"
	StatusInProgress MaintenanceStatus = "In Progress"
	StatusCompleted  MaintenanceStatus = "Completed"
	StatusCancelled  MaintenanceStatus = "Cancelled"
)

type MaintenanceState struct {
	ID            string            `json:"id"`
	Enabled       bool              `json:"enabled"`
	Message       string            `json:"message"`
	Reason        string            `json:"reason"`
	StartedAt     time.Time         `json:"started_at"`
	DurationValue int               `json:"duration_value"`
	DurationUnit  DurationUnit      `json:"duration_unit"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
	AutoDisabled  bool              `json:"auto_disabled"`
	Status        MaintenanceStatus `json:"status"`
	Visits        int               `json:"visits"`
	LoginAttempts int               `json:"login_attempts"`
	CreatedBy     string            `json:"created_by,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (m *MaintenanceState) Duration() time.Duration {
	return time.Duration(m.DurationValue) * m.DurationUnit.Duration()
}

func (m *MaintenanceState) ExpiresAt() time.Time {
	return m.StartedAt.Add(m.Duration())
}

// IsExpired is strict: a record is still active at exactly its expiry instant.
func (m *MaintenanceState) IsExpired(now time.Time) bool {
	return now.After(m.ExpiresAt())
}

func (m *MaintenanceState) Remaining(now time.Time) time.Duration {
	left := m.ExpiresAt().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// FormatDuration renders the configured duration as "1h 30m" or "45 minutes".
func (m *MaintenanceState) FormatDuration() string {
	if m.DurationValue <= 0 {
		return "0 minutes"
	}
	total := m.DurationValue * m.DurationUnit.minutes()
	hours, minutes := total/60, total%60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%d minutes", minutes)
}

// MaintenanceLoginAttempt audits a login made while maintenance was active.
type MaintenanceLoginAttempt struct {
	ID            int64     `json:"id"`
	MaintenanceID string    `json:"maintenance_id"`
	UserID        string    `json:"user_id,omitempty"`
	Username      string    `json:"username"`
	Role          string    `json:"role,omitempty"`
	IP            string    `json:"ip"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Success       bool      `json:"success"`
	CreatedAt     time.Time `json:"created_at"`
}

type MaintenanceStats struct {
	TotalRecords        int  `json:"total_records"`
	AutoDisabledRecords int  `json:"auto_disabled_records"`
	TotalVisits         int  `json:"total_visits"`
	TotalLoginAttempts  int  `json:"total_login_attempts"`
	Active              bool `json:"active"`
}
