package sqldb

import (
	"context"
	"database/sql"
	"strings"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

// CreateUser inserts a new user row. A duplicate email surfaces as
// gateway.ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u *gateway.User) error {
	_, err := s.write.ExecContext(ctx, s.q(
		`INSERT INTO users (id, email, name, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		u.ID, nullStr(u.Email), u.Name, string(u.Status),
		toMillis(u.CreatedAt), toMillis(u.UpdatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return gateway.ErrConflict
	}
	return err
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx, s.q(
		`SELECT id, email, name, status, created_at, updated_at
		 FROM users WHERE id = ?`), id)
	return scanUser(row)
}

// ListUsers returns users ordered by creation time, newest first.
func (s *Store) ListUsers(ctx context.Context, offset, limit int) ([]*gateway.User, error) {
	rows, err := s.read.QueryContext(ctx, s.q(
		`SELECT id, email, name, status, created_at, updated_at
		 FROM users ORDER BY created_at DESC, id LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*gateway.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CountUsers returns the total number of users.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// UpdateUserStatus sets a user's status and bumps updated_at.
func (s *Store) UpdateUserStatus(ctx context.Context, id string, status gateway.UserStatus) error {
	result, err := s.write.ExecContext(ctx, s.q(
		`UPDATE users SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), toMillis(time.Now()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

func scanUser(sc scanner) (*gateway.User, error) {
	var u gateway.User
	var email sql.NullString
	var status string
	var created, updated int64
	if err := sc.Scan(&u.ID, &email, &u.Name, &status, &created, &updated); err != nil {
		return nil, notFoundErr(err)
	}
	u.Email = email.String
	u.Status = gateway.UserStatus(status)
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return &u, nil
}

// isUniqueViolation matches unique-constraint failures from both drivers:
// SQLite reports "UNIQUE constraint failed", Postgres SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key value")
}
