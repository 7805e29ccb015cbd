package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/parlorchat/parlor/internal/database/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a uniqueness constraint is violated.
var ErrDuplicate = errors.New("already exists")

// isUniqueViolation reports whether err is a uniqueness constraint failure
// from either driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // modernc sqlite
		strings.Contains(msg, "SQLSTATE 23505") // pgx
}

// userRepo implements UserRepository.
type userRepo struct {
	db *DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *DB) UserRepository {
	return &userRepo{db: db}
}

const userColumns = `id, username, email, password_hash, status, role, is_online, last_seen, created_at`

// Create inserts a new user. Returns ErrDuplicate if the username or email
// is already taken.
func (r *userRepo) Create(ctx context.Context, user *models.User) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO users (id, username, email, password_hash, status, role, is_online, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		user.ID, user.Username, user.Email, user.PasswordHash,
		user.Status, user.Role, user.IsOnline, user.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetByID returns a user by id.
func (r *userRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, r.db.Rebind(
		`SELECT `+userColumns+` FROM users WHERE id = ?`), id))
}

// GetByUsername returns a user by username.
func (r *userRepo) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, r.db.Rebind(
		`SELECT `+userColumns+` FROM users WHERE username = ?`), username))
}

// List returns users ordered by creation time with pagination.
func (r *userRepo) List(ctx context.Context, limit, offset int) ([]models.User, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(
		`SELECT `+userColumns+` FROM users ORDER BY created_at LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// ListPending returns users awaiting admin approval.
func (r *userRepo) ListPending(ctx context.Context) ([]models.User, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(
		`SELECT `+userColumns+` FROM users WHERE status = ? ORDER BY created_at`), models.UserStatusPending)
	if err != nil {
		return nil, fmt.Errorf("listing pending users: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// UpdateStatus transitions a user's account status (approve/reject).
func (r *userRepo) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE users SET status = ? WHERE id = ?`), status, id)
	if err != nil {
		return fmt.Errorf("updating user status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetOnline flips the presence flag and stamps last_seen.
func (r *userRepo) SetOnline(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE users SET is_online = ?, last_seen = ? WHERE id = ?`), online, lastSeen, id)
	if err != nil {
		return fmt.Errorf("updating presence: %w", err)
	}
	return nil
}

// Count returns the total number of users.
func (r *userRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

func (r *userRepo) scanOne(row *sql.Row) (*models.User, error) {
	var u models.User
	var lastSeen sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash,
		&u.Status, &u.Role, &u.IsOnline, &lastSeen, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	if lastSeen.Valid {
		u.LastSeen = &lastSeen.Time
	}
	return &u, nil
}

func (r *userRepo) scanAll(rows *sql.Rows) ([]models.User, error) {
	var users []models.User
	for rows.Next() {
		var u models.User
		var lastSeen sql.NullTime
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash,
			&u.Status, &u.Role, &u.IsOnline, &lastSeen, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		if lastSeen.Valid {
			u.LastSeen = &lastSeen.Time
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
