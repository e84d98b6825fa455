package models

import (
	"testing"
	"time"
)

func TestMaintenanceState_ExpiresAtAndRemaining(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	m := &MaintenanceState{StartedAt: start, DurationValue: 90, DurationUnit: UnitMinutes}

	if got, want := m.ExpiresAt(), start.Add(90*time.Minute); !got.Equal(want) {
		t.Fatalf("ExpiresAt=%v, want %v", got, want)
	}
	if m.IsExpired(start.Add(90 * time.Minute)) {
		t.Fatal("record must not be expired at exactly its expiry instant")
	}
	if !m.IsExpired(start.Add(90*time.Minute + time.Millisecond)) {
		t.Fatal("record must be expired after its expiry instant")
	}
	if got := m.Remaining(start.Add(30 * time.Minute)); got != time.Hour {
		t.Fatalf("Remaining=%v, want 1h", got)
	}
	if got := m.Remaining(start.Add(3 * time.Hour)); got != 0 {
		t.Fatalf("Remaining after expiry=%v, want 0", got)
	}
}

func TestMaintenanceState_FormatDuration(t *testing.T) {
	tests := []struct {
		value int
		unit  DurationUnit
		want  string
	}{
		{45, UnitMinutes, "45 minutes"},
		{90, UnitMinutes, "1h 30m"},
		{2, UnitHours, "2h 0m"},
		{1, UnitDays, "24h 0m"},
		{0, UnitHours, "0 minutes"},
	}
	for _, tt := range tests {
		m := &MaintenanceState{DurationValue: tt.value, DurationUnit: tt.unit}
		if got := m.FormatDuration(); got != tt.want {
			t.Errorf("FormatDuration(%d %s)=%q, want %q", tt.value, tt.unit, got, tt.want)
		}
	}
}

func TestParseDurationUnit_DefaultsToHours(t *testing.T) {
	if got := ParseDurationUnit("weeks"); got != UnitHours {
		t.Fatalf("ParseDurationUnit(weeks)=%q, want hours", got)
	}
	if got := ParseDurationUnit("days"); got != UnitDays {
		t.Fatalf("ParseDurationUnit(days)=%q, want days", got)
	}
}

func TestParseRole(t *testing.T) {
	if r, ok := ParseRole("moderator"); !ok || r != RoleModerator {
		t.Fatalf("ParseRole(moderator)=%q,%v", r, ok)
	}
	if _, ok := ParseRole("root"); ok {
		t.Fatal("unexpected role accepted")
	}
}
