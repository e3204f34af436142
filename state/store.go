// Package state persists repair sessions, safety snapshots, audit entries,
// and retry budgets in Postgres.
package state

import (
	"context"
	"database/sql"
	"errors"
)

// ErrNotFound is returned when a requested row cannot be located.
var ErrNotFound = errors.New("state: not found")

// ErrRetryBudgetExhausted is returned when the per-day retry counter is
// already at its limit.
var ErrRetryBudgetExhausted = errors.New("state: daily retry budget exhausted")

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}
