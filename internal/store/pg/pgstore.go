// Package pg implements the credential and assignment stores on Postgres.
package pg

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Invalidator is the resolver surface the store drives: every mutation must
// evict affected cache entries synchronously before the call returns.
type Invalidator interface {
	Invalidate(userID string)
	InvalidateRole(ctx context.Context, roleID string) error
}

type Store struct {
	db          *sql.DB
	invalidator Invalidator
}

// Open connects with tuned pool defaults; adjust under load tests.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection (used by tests with sqlmock).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// SetInvalidator wires the permission resolver in after construction; the
// store and resolver reference each other, so wiring is two-phase.
func (s *Store) SetInvalidator(inv Invalidator) {
	s.invalidator = inv
}

func (s *Store) invalidateUser(userID string) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(userID)
	}
}

func (s *Store) invalidateRole(ctx context.Context, roleID string) error {
	if s.invalidator == nil {
		return nil
	}
	return s.invalidator.InvalidateRole(ctx, roleID)
}
