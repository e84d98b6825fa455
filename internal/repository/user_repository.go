package repository

import (
	"database/sql"
	"errors"

	"github.com/marquee/marquee/backend/internal/models"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("not found")

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(user *models.User) error {
	_, err := r.db.Exec(`
		INSERT INTO users (id, username, email, password_hash, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, user.ID, user.Username, user.Email, user.PasswordHash, string(user.Role), utc(user.CreatedAt))
	return err
}

func (r *UserRepository) GetByID(id string) (*models.User, error) {
	return r.scanOne(`
		SELECT id, username, email, password_hash, role, created_at
		FROM users WHERE id = ?
	`, id)
}

func (r *UserRepository) GetByUsername(username string) (*models.User, error) {
	return r.scanOne(`
		SELECT id, username, email, password_hash, role, created_at
		FROM users WHERE username = ? COLLATE NOCASE
	`, username)
}

func (r *UserRepository) scanOne(query string, arg string) (*models.User, error) {
	user := &models.User{}
	var role string
	err := r.db.QueryRow(query, arg).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &role, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	user.Role = models.Role(role)
	return user, nil
}

func (r *UserRepository) UpdatePassword(id, passwordHash string) error {
	res, err := r.db.Exec(`UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *UserRepository) SetRole(id string, role models.Role) error {
	res, err := r.db.Exec(`UPDATE users SET role = ? WHERE id = ?`, string(role), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *UserRepository) CountByRole(role models.Role) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM users WHERE role = ?`, string(role)).Scan(&count)
	return count, err
}

func (r *UserRepository) Count() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

func (r *UserRepository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *UserRepository) ListAll() ([]*models.User, error) {
	rows, err := r.db.Query(`
		SELECT id, username, email, password_hash, role, created_at
		FROM users
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u := &models.User{}
		var role string
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Role = models.Role(role)
		users = append(users, u)
	}
	return users, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
