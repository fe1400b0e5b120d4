package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"accessgate.org/internal/auth"
)

var _ auth.CredentialStore = (*Store)(nil)

const userColumns = `id, username, email, password_hash, status, locked,
	last_login_at, last_login_origin, created_at, updated_at`

// FindByIdentifier looks up a user by username first, then by email when the
// identifier contains "@".
func (s *Store) FindByIdentifier(ctx context.Context, identifier string) (*auth.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, auth.ErrInvalidInput
	}
	user, err := s.scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where username = $1
	`, identifier))
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, auth.ErrNotFound) || !strings.Contains(identifier, "@") {
		return nil, err
	}
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where email = $1
	`, strings.ToLower(identifier)))
}

// FindByID returns the user record, or auth.ErrNotFound.
func (s *Store) FindByID(ctx context.Context, userID string) (*auth.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where id = $1
	`, userID))
}

// SetLastLogin records a successful authentication timestamp and origin.
func (s *Store) SetLastLogin(ctx context.Context, userID string, at time.Time, origin string) error {
	_, err := s.db.ExecContext(ctx, `
		update users
		set last_login_at = $2, last_login_origin = $3, updated_at = now()
		where id = $1
	`, userID, at, origin)
	return err
}

func (s *Store) scanUser(row *sql.Row) (*auth.User, error) {
	var (
		user        auth.User
		lastLoginAt sql.NullTime
		lastOrigin  sql.NullString
	)
	err := row.Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.Status, &user.Locked, &lastLoginAt, &lastOrigin,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastLoginAt.Valid {
		user.LastLoginAt = &lastLoginAt.Time
	}
	if lastOrigin.Valid {
		user.LastLoginOrigin = lastOrigin.String
	}
	return &user, nil
}
