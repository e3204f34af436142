package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveRepairSession records a terminal session in the history table.
// History is append-only: re-inserting an existing session id fails.
func (s *Store) SaveRepairSession(ctx context.Context, rec RepairSessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO repair_sessions (id, repo, run_id, failure_type, action, confidence, status, snapshot_id, human_escalated, summary, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`, rec.ID, rec.Repo, rec.RunID, rec.FailureType, rec.Action, rec.Confidence, rec.Status,
		nullableString(rec.SnapshotID), rec.HumanEscalated, rec.Summary, rec.StartedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert repair session %s: %w", rec.ID, err)
	}
	return nil
}

// GetRepairSession returns one history row by session id.
func (s *Store) GetRepairSession(ctx context.Context, id string) (RepairSessionRecord, error) {
	var rec RepairSessionRecord
	var snapshotID sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT id, repo, run_id, failure_type, action, confidence, status, snapshot_id, human_escalated, summary, started_at, finished_at
FROM repair_sessions
WHERE id = $1
`, id).Scan(&rec.ID, &rec.Repo, &rec.RunID, &rec.FailureType, &rec.Action, &rec.Confidence,
		&rec.Status, &snapshotID, &rec.HumanEscalated, &rec.Summary, &rec.StartedAt, &rec.FinishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RepairSessionRecord{}, fmt.Errorf("%w: repair session %s", ErrNotFound, id)
		}
		return RepairSessionRecord{}, err
	}
	rec.SnapshotID = snapshotID.String
	return rec, nil
}

// ListRepairSessions returns history rows for a repo ordered newest first.
func (s *Store) ListRepairSessions(ctx context.Context, repo string, limit int) ([]RepairSessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, repo, run_id, failure_type, action, confidence, status, snapshot_id, human_escalated, summary, started_at, finished_at
FROM repair_sessions
WHERE repo = $1
ORDER BY finished_at DESC, id DESC
LIMIT $2
`, repo, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RepairSessionRecord
	for rows.Next() {
		var rec RepairSessionRecord
		var snapshotID sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Repo, &rec.RunID, &rec.FailureType, &rec.Action, &rec.Confidence,
			&rec.Status, &snapshotID, &rec.HumanEscalated, &rec.Summary, &rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, err
		}
		rec.SnapshotID = snapshotID.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
