package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marquee/marquee/backend/internal/identity"
	"github.com/marquee/marquee/backend/internal/models"
)

// LoginAttemptFilter narrows the login attempt audit log. Zero values are ignored.
type LoginAttemptFilter struct {
	MaintenanceID string
	Username      string
	IP            string
	From          time.Time
	To            time.Time
	Limit         int
}

type MaintenanceRepository struct {
	db *sql.DB
}

func NewMaintenanceRepository(db *sql.DB) *MaintenanceRepository {
	return &MaintenanceRepository{db: db}
}

const maintenanceColumns = `id, enabled, message, reason, started_at, duration_value, duration_unit,
	ended_at, auto_disabled, status, visits, login_attempts, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMaintenance(row rowScanner) (*models.MaintenanceState, error) {
	m := &models.MaintenanceState{}
	var enabled, autoDisabled int
	var unit, status string
	var endedAt sql.NullTime
	var createdBy sql.NullString
	if err := row.Scan(
		&m.ID, &enabled, &m.Message, &m.Reason, &m.StartedAt, &m.DurationValue, &unit,
		&endedAt, &autoDisabled, &status, &m.Visits, &m.LoginAttempts, &createdBy, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.Enabled = enabled == 1
	m.AutoDisabled = autoDisabled == 1
	m.DurationUnit = models.ParseDurationUnit(unit)
	m.Status = models.MaintenanceStatus(status)
	if endedAt.Valid {
		t := endedAt.Time
		m.EndedAt = &t
	}
	m.CreatedBy = createdBy.String
	return m, nil
}

// FindActive returns the enabled record, or nil when maintenance is off.
func (r *MaintenanceRepository) FindActive(ctx context.Context) (*models.MaintenanceState, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+maintenanceColumns+` FROM maintenance_states WHERE enabled = 1 LIMIT 1`)
	m, err := scanMaintenance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active maintenance: %w", err)
	}
	return m, nil
}

func (r *MaintenanceRepository) GetByID(ctx context.Context, id string) (*models.MaintenanceState, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+maintenanceColumns+` FROM maintenance_states WHERE id = ?`, id)
	m, err := scanMaintenance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// Enable inserts m as the enabled record. Any record that is still enabled is
// completed in the same transaction, so exactly one stays enabled. It returns
// how many records were superseded.
func (r *MaintenanceRepository) Enable(ctx context.Context, m *models.MaintenanceState, now time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op after Commit

	res, err := tx.ExecContext(ctx, `
		UPDATE maintenance_states
		SET enabled = 0, status = ?, ended_at = ?, updated_at = ?
		WHERE enabled = 1
	`, string(models.StatusCompleted), utc(now), utc(now))
	if err != nil {
		return 0, fmt.Errorf("failed to disable previous maintenance: %w", err)
	}
	superseded, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO maintenance_states (
			id, enabled, message, reason, started_at, duration_value, duration_unit,
			auto_disabled, status, visits, login_attempts, created_by, created_at, updated_at
		) VALUES (?, 1, ?, ?, ?, ?, ?, 0, ?, 0, 0, ?, ?, ?)
	`, m.ID, m.Message, m.Reason, utc(m.StartedAt), m.DurationValue, string(m.DurationUnit),
		string(m.Status), nullString(m.CreatedBy), utc(now), utc(now)); err != nil {
		return 0, fmt.Errorf("failed to insert maintenance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit maintenance: %w", err)
	}
	m.Enabled = true
	m.CreatedAt = now
	m.UpdatedAt = now
	return superseded, nil
}

// Update rewrites the operator-editable fields of a record.
func (r *MaintenanceRepository) Update(ctx context.Context, m *models.MaintenanceState, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE maintenance_states
		SET message = ?, reason = ?, duration_value = ?, duration_unit = ?, updated_at = ?
		WHERE id = ?
	`, m.Message, m.Reason, m.DurationValue, string(m.DurationUnit), utc(now), m.ID)
	if err != nil {
		return fmt.Errorf("failed to update maintenance: %w", err)
	}
	return requireAffected(res)
}

// Stop ends the enabled record by operator action. It reports false when no
// record was enabled.
func (r *MaintenanceRepository) Stop(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.disable(ctx, id, now, false)
}

// AutoDisable ends an expired record. Only the first of several concurrent
// callers observes true.
func (r *MaintenanceRepository) AutoDisable(ctx context.Context, id string, endedAt time.Time) (bool, error) {
	return r.disable(ctx, id, endedAt, true)
}

func (r *MaintenanceRepository) disable(ctx context.Context, id string, endedAt time.Time, auto bool) (bool, error) {
	autoDisabled := 0
	if auto {
		autoDisabled = 1
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE maintenance_states
		SET enabled = 0, auto_disabled = ?, status = ?, ended_at = ?, updated_at = ?
		WHERE id = ? AND enabled = 1
	`, autoDisabled, string(models.StatusCompleted), utc(endedAt), utc(endedAt), id)
	if err != nil {
		return false, fmt.Errorf("failed to disable maintenance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordVisit logs a request that was turned away and bumps the visit counter.
func (r *MaintenanceRepository) RecordVisit(ctx context.Context, maintenanceID string, rc identity.RequestContext) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op after Commit

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO maintenance_visits (maintenance_id, ip, user_agent, path, referrer, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, maintenanceID, identity.AuditIP(rc), nullString(rc.UserAgent), rc.Path, nullString(rc.Referrer), utc(time.Now())); err != nil {
		return fmt.Errorf("failed to insert maintenance visit: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE maintenance_states SET visits = visits + 1 WHERE id = ?`, maintenanceID); err != nil {
		return fmt.Errorf("failed to count maintenance visit: %w", err)
	}
	return tx.Commit()
}

// RecordLoginAttempt audits a login made during maintenance and bumps the
// record's login attempt counter.
func (r *MaintenanceRepository) RecordLoginAttempt(ctx context.Context, a *models.MaintenanceLoginAttempt) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op after Commit

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	success := 0
	if a.Success {
		success = 1
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO maintenance_login_attempts (maintenance_id, user_id, username, role, ip, user_agent, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.MaintenanceID, nullString(a.UserID), a.Username, nullString(a.Role), a.IP, nullString(a.UserAgent), success, utc(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert login attempt: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE maintenance_states SET login_attempts = login_attempts + 1 WHERE id = ?
	`, a.MaintenanceID); err != nil {
		return fmt.Errorf("failed to count login attempt: %w", err)
	}
	return tx.Commit()
}

// History lists records newest first.
func (r *MaintenanceRepository) History(ctx context.Context, limit int) ([]*models.MaintenanceState, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+maintenanceColumns+`
		FROM maintenance_states
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.MaintenanceState
	for rows.Next() {
		m, err := scanMaintenance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *MaintenanceRepository) LoginAttempts(ctx context.Context, f LoginAttemptFilter) ([]*models.MaintenanceLoginAttempt, error) {
	var where []string
	var args []any
	if f.MaintenanceID != "" {
		where = append(where, "maintenance_id = ?")
		args = append(args, f.MaintenanceID)
	}
	if f.Username != "" {
		where = append(where, "username LIKE ?")
		args = append(args, "%"+f.Username+"%")
	}
	if f.IP != "" {
		where = append(where, "ip = ?")
		args = append(args, f.IP)
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, utc(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, utc(f.To))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT id, maintenance_id, user_id, username, role, ip, user_agent, success, created_at
		FROM maintenance_login_attempts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.MaintenanceLoginAttempt
	for rows.Next() {
		a := &models.MaintenanceLoginAttempt{}
		var userID, role, userAgent sql.NullString
		var success int
		if err := rows.Scan(&a.ID, &a.MaintenanceID, &userID, &a.Username, &role, &a.IP, &userAgent, &success, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.UserID = userID.String
		a.Role = role.String
		a.UserAgent = userAgent.String
		a.Success = success == 1
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *MaintenanceRepository) Stats(ctx context.Context) (*models.MaintenanceStats, error) {
	stats := &models.MaintenanceStats{}
	var active int
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(auto_disabled), 0),
			COALESCE(SUM(visits), 0),
			COALESCE(SUM(login_attempts), 0),
			COALESCE(SUM(enabled), 0)
		FROM maintenance_states
	`).Scan(&stats.TotalRecords, &stats.AutoDisabledRecords, &stats.TotalVisits, &stats.TotalLoginAttempts, &active)
	if err != nil {
		return nil, err
	}
	stats.Active = active > 0
	return stats, nil
}

// utc normalises a timestamp before it is bound. The driver stores times as
// text with their offset, and SQLite compares that text byte by byte.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
