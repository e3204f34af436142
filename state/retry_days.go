package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ReserveRetry consumes one unit of the per-day retry budget for the given
// local date. It returns ErrRetryBudgetExhausted once the limit is reached;
// the counter resets implicitly when the date changes.
func (s *Store) ReserveRetry(ctx context.Context, day time.Time, limit int) (int, error) {
	date := day.Format("2006-01-02")
	var used int
	err := s.db.QueryRowContext(ctx, `
INSERT INTO retry_days (day, used)
VALUES ($1, 1)
ON CONFLICT (day) DO UPDATE
SET used = retry_days.used + 1
WHERE retry_days.used < $2
RETURNING used
`, date, limit).Scan(&used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrRetryBudgetExhausted, date)
		}
		return 0, err
	}
	return used, nil
}

// RetryUsage returns the consumed budget for a date, zero when no reruns
// have happened yet.
func (s *Store) RetryUsage(ctx context.Context, day time.Time) (int, error) {
	var used int
	err := s.db.QueryRowContext(ctx, `SELECT used FROM retry_days WHERE day = $1`, day.Format("2006-01-02")).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return used, nil
}
