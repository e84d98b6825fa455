package service

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/marquee/marquee/backend/internal/quota"
	"github.com/marquee/marquee/backend/pkg/logger"
)

// CleanupService runs the periodic housekeeping shared by the background job
// and the admin "cleanup now" endpoint.
type CleanupService struct {
	maintenance *MaintenanceService
	windows     quota.WindowStore
	ledger      quota.Ledger
	retention   time.Duration
	clock       func() time.Time
	log         zerolog.Logger
}

func NewCleanupService(maintenance *MaintenanceService, windows quota.WindowStore, ledger quota.Ledger, retention time.Duration) *CleanupService {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &CleanupService{
		maintenance: maintenance,
		windows:     windows,
		ledger:      ledger,
		retention:   retention,
		clock:       time.Now,
		log:         logger.Component("cleanup"),
	}
}

// Run executes every step and reports each one. A failing step does not stop
// the others.
func (s *CleanupService) Run(ctx context.Context) map[string]string {
	now := s.clock()
	results := map[string]string{}

	if s.maintenance != nil {
		ended, err := s.maintenance.SweepExpired(ctx)
		switch {
		case err != nil:
			s.log.Error().Err(err).Msg("Failed to sweep expired maintenance")
			results["maintenance"] = "error: " + err.Error()
		case ended:
			results["maintenance"] = "expired window closed"
		default:
			results["maintenance"] = "ok"
		}
	}

	if s.windows != nil {
		n, err := s.windows.DeleteExpired(ctx, now)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to delete expired rate windows")
			results["rate_windows"] = "error: " + err.Error()
		} else {
			results["rate_windows"] = strconv.Itoa(n) + " removed"
		}
	}

	if s.ledger != nil {
		n := s.ledger.Prune(now, s.retention)
		if n > 0 {
			if err := s.ledger.Save(); err != nil {
				s.log.Error().Err(err).Msg("Failed to persist pruned guest ledger")
				results["guest_ledger"] = "error: " + err.Error()
			} else {
				results["guest_ledger"] = strconv.Itoa(n) + " pruned"
			}
		} else {
			results["guest_ledger"] = "0 pruned"
		}
	}

	return results
}

// RunEvery calls Run on interval until ctx is cancelled.
func (s *CleanupService) RunEvery(ctx context.Context, interval time.Duration, after func(map[string]string)) {
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
			runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			results := s.Run(runCtx)
			cancel()
			s.log.Debug().Interface("results", results).Msg("Housekeeping completed")
			if after != nil {
				after(results)
			}
		}
	}
}
