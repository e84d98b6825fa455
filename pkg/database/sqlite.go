package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func Initialize(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	// SQLite handles concurrency differently, but we still set reasonable limits
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	const maxPingAttempts = 5
	pingDelay := 200 * time.Millisecond
	var pingErr error
	for attempt := 1; attempt <= maxPingAttempts; attempt++ {
		pingErr = db.Ping()
		if pingErr == nil {
			break
		}
		if attempt < maxPingAttempts {
			time.Sleep(pingDelay)
			if pingDelay < 2*time.Second {
				pingDelay *= 2
			}
		}
	}
	if pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database after %d attempts: %w", maxPingAttempts, pingErr)
	}

	// Enable foreign key enforcement (SQLite has this off by default)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait up to 5 seconds when the database is locked by another writer
	// instead of failing immediately with SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	return db, nil
}

// InitSchema creates all tables and indexes. Safe to call on every startup
// because every statement uses IF NOT EXISTS.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL COLLATE NOCASE,
			email TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'User',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS maintenance_states (
			id TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			duration_value INTEGER NOT NULL DEFAULT 1,
			duration_unit TEXT NOT NULL DEFAULT 'hours',
			ended_at DATETIME,
			auto_disabled INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'Scheduled',
			visits INTEGER NOT NULL DEFAULT 0,
			login_attempts INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS maintenance_login_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			maintenance_id TEXT NOT NULL,
			user_id TEXT,
			username TEXT NOT NULL DEFAULT '',
			role TEXT,
			ip TEXT NOT NULL,
			user_agent TEXT,
			success INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (maintenance_id) REFERENCES maintenance_states(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS maintenance_visits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			maintenance_id TEXT NOT NULL,
			ip TEXT NOT NULL,
			user_agent TEXT,
			path TEXT NOT NULL,
			referrer TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (maintenance_id) REFERENCES maintenance_states(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS rate_limit_counters (
			scope_key TEXT PRIMARY KEY,
			count INTEGER NOT NULL,
			window_start DATETIME NOT NULL,
			window_end DATETIME NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS app_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		-- At most one maintenance record may be enabled at a time.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_maintenance_states_single_enabled
			ON maintenance_states(enabled) WHERE enabled = 1;
		CREATE INDEX IF NOT EXISTS idx_maintenance_states_started_at ON maintenance_states(started_at);
		CREATE INDEX IF NOT EXISTS idx_maintenance_login_attempts_created_at ON maintenance_login_attempts(created_at);
		CREATE INDEX IF NOT EXISTS idx_maintenance_login_attempts_username ON maintenance_login_attempts(username);
		CREATE INDEX IF NOT EXISTS idx_maintenance_visits_maintenance_id ON maintenance_visits(maintenance_id);
		CREATE INDEX IF NOT EXISTS idx_rate_limit_counters_window_end ON rate_limit_counters(window_end);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := addColumnIfNotExists(db, "maintenance_states", "created_by", "TEXT"); err != nil {
		return fmt.Errorf("failed to add created_by column: %w", err)
	}

	// Seed default settings. Chat quota keys are only written once an admin
	// overrides them; until then the configured limits apply.
	defaults := map[string]string{
		"setup_completed": "false",
	}
	for k, v := range defaults {
		if _, err := db.Exec(`INSERT OR IGNORE INTO app_settings (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("failed to seed default setting %s: %w", k, err)
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table only if it doesn't already exist.
func addColumnIfNotExists(db *sql.DB, table, column, colDef string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, typ string
		var notnull int
		var dfltValue *string
		var pk int
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil // column already exists
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, colDef))
	return err
}
