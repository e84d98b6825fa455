package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marquee/marquee/backend/internal/models"
	"github.com/marquee/marquee/backend/internal/repository"
	"github.com/marquee/marquee/backend/pkg/testutil"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// historyRecord finds a record by id through the operator history.
func historyRecord(ctx context.Context, svc *MaintenanceService, id string) (*models.MaintenanceState, error) {
	records, err := svc.History(ctx, 0)
	if err != nil {
		return nil, err
	}
	for _, m := range records {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, repository.ErrNotFound
}

func newMaintenanceServiceForTest(t *testing.T) (*MaintenanceService, *testClock, func()) {
	t.Helper()
	db, _, cleanup := testutil.SetupTest(t)
	clock := &testClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	svc := NewMaintenanceService(repository.NewMaintenanceRepository(db))
	svc.SetClock(clock.Now)
	return svc, clock, cleanup
}

func TestMaintenanceService_EnableDefaultsAndSupersedes(t *testing.T) {
	svc, clock, cleanup := newMaintenanceServiceForTest(t)
	defer cleanup()
	ctx := context.Background()

	first, err := svc.Enable(ctx, EnableInput{DurationUnit: "fortnights"}, "admin-1")
	if err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if first.Message != defaultMaintenanceMessage {
		t.Fatalf("expected default message, got %q", first.Message)
	}
	if first.DurationValue != 1 || first.DurationUnit != models.UnitHours {
		t.Fatalf("expected 1 hours, got %d %s", first.DurationValue, first.DurationUnit)
	}

	clock.Advance(time.Minute)
	second, err := svc.Enable(ctx, EnableInput{Message: "Upgrading storage", DurationValue: 15, DurationUnit: "minutes"}, "admin-1")
	if err != nil {
		t.Fatalf("second Enable failed: %v", err)
	}

	active, err := svc.Active(ctx)
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active == nil || active.ID != second.ID {
		t.Fatal("expected the newest record to be the only active one")
	}

	old, err := historyRecord(ctx, svc, first.ID)
	if err != nil {
		t.Fatalf("history lookup failed: %v", err)
	}
	if old.Enabled || old.Status != models.StatusCompleted || old.AutoDisabled {
		t.Fatalf("superseded record not completed manually: %+v", old)
	}
}

func TestMaintenanceService_EnableRejectsNegativeDuration(t *testing.T) {
	svc, _, cleanup := newMaintenanceServiceForTest(t)
	defer cleanup()

	_, err := svc.Enable(context.Background(), EnableInput{DurationValue: -5}, "admin-1")
	if !errors.Is(err, ErrInvalidMaintenance) {
		t.Fatalf("expected ErrInvalidMaintenance, got %v", err)
	}
}

func TestMaintenanceService_StatusAutoStopsExpiredRecord(t *testing.T) {
	svc, clock, cleanup := newMaintenanceServiceForTest(t)
	defer cleanup()
	ctx := context.Background()

	m, err := svc.Enable(ctx, EnableInput{Reason: "db migration", DurationValue: 30, DurationUnit: "minutes"}, "admin-1")
	if err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	clock.Advance(10 * time.Minute)
	status, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.InMaintenance || status.Reason != "db migration" || status.RemainingSeconds != 1200 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.Duration != "30 minutes" {
		t.Fatalf("unexpected duration %q", status.Duration)
	}

	clock.Advance(21 * time.Minute)
	status, err = svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.InMaintenance {
		t.Fatal("expected expired maintenance to be reported inactive")
	}

	stored, err := historyRecord(ctx, svc, m.ID)
	if err != nil {
		t.Fatalf("history lookup failed: %v", err)
	}
	if stored.Enabled || !stored.AutoDisabled || stored.Status != models.StatusCompleted || stored.EndedAt == nil {
		t.Fatalf("record not auto-disabled: %+v", stored)
	}
}

func TestMaintenanceService_SweepExpiredAppliesOnce(t *testing.T) {
	svc, clock, cleanup := newMaintenanceServiceForTest(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := svc.Enable(ctx, EnableInput{DurationValue: 1, DurationUnit: "minutes"}, "admin-1"); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	if swept, err := svc.SweepExpired(ctx); err != nil || swept {
		t.Fatalf("sweep before expiry: swept=%v err=%v", swept, err)
	}

	clock.Advance(2 * time.Minute)
	if swept, err := svc.SweepExpired(ctx); err != nil || !swept {
		t.Fatalf("sweep after expiry: swept=%v err=%v", swept, err)
	}
	if swept, err := svc.SweepExpired(ctx); err != nil || swept {
		t.Fatalf("second sweep must be a no-op: swept=%v err=%v", swept, err)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.AutoDisabledRecords != 1 || stats.Active {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMaintenanceService_UpdateAndStop(t *testing.T) {
	svc, _, cleanup := newMaintenanceServiceForTest(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := svc.Stop(ctx, "admin-1"); !errors.Is(err, ErrNoActiveMaintenance) {
		t.Fatalf("expected ErrNoActiveMaintenance, got %v", err)
	}

	m, err := svc.Enable(ctx, EnableInput{DurationValue: 2, DurationUnit: "hours"}, "admin-1")
	if err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	msg := "  Extended <b>window</b>  "
	days := "days"
	updated, err := svc.Update(ctx, m.ID, UpdateInput{Message: &msg, DurationUnit: &days}, "admin-1")
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.DurationValue != 2 || updated.DurationUnit != models.UnitDays {
		t.Fatalf("unexpected duration after update: %d %s", updated.DurationValue, updated.DurationUnit)
	}
	if updated.Message != "Extended <b>window</b>" {
		t.Fatalf("expected trimmed message, got %q", updated.Message)
	}

	stopped, err := svc.Stop(ctx, "admin-1")
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stopped.Enabled || stopped.EndedAt == nil || stopped.AutoDisabled {
		t.Fatalf("unexpected stopped record: %+v", stopped)
	}

	history, err := svc.History(ctx, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(history))
	}
}

func TestMaintenanceService_RunSweeperStopsOnCancel(t *testing.T) {
	svc, _, cleanup := newMaintenanceServiceForTest(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
