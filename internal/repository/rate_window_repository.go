package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marquee/marquee/backend/internal/quota"
)

// RateWindowRepository keeps rate windows in the shared database so every
// replica pointed at it enforces the same counts.
type RateWindowRepository struct {
	db    *sql.DB
	scope string
}

var _ quota.WindowStore = (*RateWindowRepository)(nil)

func NewRateWindowRepository(db *sql.DB, scope string) *RateWindowRepository {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = "default"
	}
	return &RateWindowRepository{db: db, scope: scope}
}

func (r *RateWindowRepository) scopedKey(key string) string {
	return r.scope + ":" + key
}

// Take upserts the window. An elapsed window restarts at 1; a full window is
// left untouched when limit > 0.
func (r *RateWindowRepository) Take(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (quota.Window, bool, error) {
	scopedKey := r.scopedKey(key)
	windowEnd := now.Add(window)
	capacity := limit
	if capacity <= 0 {
		capacity = -1
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO rate_limit_counters (scope_key, count, window_start, window_end, updated_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(scope_key) DO UPDATE SET
			count = CASE
				WHEN rate_limit_counters.window_end < excluded.updated_at THEN 1
				ELSE rate_limit_counters.count + 1
			END,
			window_start = CASE
				WHEN rate_limit_counters.window_end < excluded.updated_at THEN excluded.window_start
				ELSE rate_limit_counters.window_start
			END,
			window_end = CASE
				WHEN rate_limit_counters.window_end < excluded.updated_at THEN excluded.window_end
				ELSE rate_limit_counters.window_end
			END,
			updated_at = excluded.updated_at
		WHERE ? < 0
			OR rate_limit_counters.window_end < excluded.updated_at
			OR rate_limit_counters.count < ?
	`, scopedKey, utc(now), utc(windowEnd), utc(now), capacity, capacity)
	if err != nil {
		return quota.Window{}, false, fmt.Errorf("failed to count rate window: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return quota.Window{}, false, err
	}

	w, err := r.load(ctx, scopedKey)
	if err != nil {
		return quota.Window{}, false, err
	}
	return w, affected > 0, nil
}

func (r *RateWindowRepository) Peek(ctx context.Context, key string, now time.Time) (quota.Window, bool, error) {
	w, err := r.load(ctx, r.scopedKey(key))
	if errors.Is(err, ErrNotFound) {
		return quota.Window{}, false, nil
	}
	if err != nil {
		return quota.Window{}, false, err
	}
	if !w.Active(now) {
		return quota.Window{}, false, nil
	}
	return w, true, nil
}

func (r *RateWindowRepository) load(ctx context.Context, scopedKey string) (quota.Window, error) {
	var w quota.Window
	err := r.db.QueryRowContext(ctx, `
		SELECT count, window_start, window_end FROM rate_limit_counters WHERE scope_key = ?
	`, scopedKey).Scan(&w.Count, &w.Start, &w.End)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.Window{}, ErrNotFound
	}
	if err != nil {
		return quota.Window{}, fmt.Errorf("failed to read rate window: %w", err)
	}
	return w, nil
}

func (r *RateWindowRepository) Reset(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM rate_limit_counters WHERE scope_key = ?`, r.scopedKey(key))
	return err
}

// DeleteExpired removes elapsed windows for every scope.
func (r *RateWindowRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rate_limit_counters WHERE window_end < ?`, utc(now))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
