package handler

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db        *sql.DB
	ledgerDir string
}

// NewHealthHandler creates a new health handler. ledgerPath is the guest
// ledger file; readiness checks that its directory is writable.
func NewHealthHandler(db *sql.DB, ledgerPath string) *HealthHandler {
	return &HealthHandler{
		db:        db,
		ledgerDir: filepath.Dir(ledgerPath),
	}
}

// Liveness returns basic liveness status (is the server running?)
func (h *HealthHandler) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
	})
}

// Readiness returns readiness status (can the server handle requests?)
func (h *HealthHandler) Readiness(c *fiber.Ctx) error {
	checks := make(map[string]interface{})
	allHealthy := true

	// Check database connection
	if err := h.checkDatabase(c); err != nil {
		checks["database"] = fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		}
		allHealthy = false
	} else {
		checks["database"] = fiber.Map{
			"status": "healthy",
		}
	}

	// Check the guest ledger can be persisted
	if err := h.checkLedgerDir(); err != nil {
		checks["guest_ledger"] = fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		}
		allHealthy = false
	} else {
		checks["guest_ledger"] = fiber.Map{
			"status": "healthy",
		}
	}

	status := "ok"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status": status,
		"checks": checks,
	})
}

// checkDatabase verifies database connectivity
func (h *HealthHandler) checkDatabase(c *fiber.Ctx) error {
	if h.db == nil {
		return ErrDatabaseNotInitialized
	}
	return h.db.PingContext(c.UserContext())
}

// checkLedgerDir verifies the ledger directory exists and is writable
func (h *HealthHandler) checkLedgerDir() error {
	if err := os.MkdirAll(h.ledgerDir, 0750); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerDirNotWritable, err)
	}

	// Try to create a test file to verify write permissions
	testFile := filepath.Join(h.ledgerDir, ".healthcheck")
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerDirNotWritable, err)
	}
	f.Close()

	// Clean up the test file
	os.Remove(testFile)
	return nil
}
