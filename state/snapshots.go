package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/izavyalov-dev/delta-repair/internal/vcs/git"
	"github.com/izavyalov-dev/delta-repair/snapshot"
)

// SnapshotStore is the Postgres implementation of snapshot.Store. Snapshot
// metadata lives in snapshots; captured file contents live in
// snapshot_files.
type SnapshotStore struct {
	store *Store
}

func NewSnapshotStore(store *Store) *SnapshotStore {
	return &SnapshotStore{store: store}
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap snapshot.Snapshot) error {
	return s.store.withTx(ctx, func(tx *sql.Tx) error {
		uncommitted, err := json.Marshal(snap.Git.Uncommitted)
		if err != nil {
			return fmt.Errorf("encode uncommitted paths: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO snapshots (id, operation, trigger_reason, created_at, file_count, git_branch, git_commit_sha, git_clean, git_uncommitted, safety)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, snap.ID, snap.Operation, snap.Trigger, snap.CreatedAt, snap.FileCount,
			snap.Git.Branch, snap.Git.CommitSHA, snap.Git.IsClean, uncommitted, snap.Safety); err != nil {
			return fmt.Errorf("insert snapshot %s: %w", snap.ID, err)
		}

		for _, file := range snap.Files {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO snapshot_files (snapshot_id, path, content, checksum, permissions)
VALUES ($1, $2, $3, $4, $5)
`, snap.ID, file.Path, file.Content, file.Checksum, file.Permissions); err != nil {
				return fmt.Errorf("insert snapshot file %s/%s: %w", snap.ID, file.Path, err)
			}
		}
		return nil
	})
}

func (s *SnapshotStore) GetSnapshot(ctx context.Context, id string) (snapshot.Snapshot, error) {
	snap, err := s.scanSnapshot(ctx, `
SELECT id, operation, trigger_reason, created_at, file_count, git_branch, git_commit_sha, git_clean, git_uncommitted, safety
FROM snapshots
WHERE id = $1
`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snapshot.Snapshot{}, fmt.Errorf("%w: snapshot %s", ErrNotFound, id)
		}
		return snapshot.Snapshot{}, err
	}
	if err := s.loadFiles(ctx, &snap); err != nil {
		return snapshot.Snapshot{}, err
	}
	return snap, nil
}

func (s *SnapshotStore) LatestSnapshot(ctx context.Context) (snapshot.Snapshot, error) {
	snap, err := s.scanSnapshot(ctx, `
SELECT id, operation, trigger_reason, created_at, file_count, git_branch, git_commit_sha, git_clean, git_uncommitted, safety
FROM snapshots
ORDER BY created_at DESC, id DESC
LIMIT 1
`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snapshot.Snapshot{}, snapshot.ErrNoSnapshots
		}
		return snapshot.Snapshot{}, err
	}
	if err := s.loadFiles(ctx, &snap); err != nil {
		return snapshot.Snapshot{}, err
	}
	return snap, nil
}

// ListSnapshots returns snapshot metadata ordered newest first. File
// contents are not loaded; callers needing them use GetSnapshot.
func (s *SnapshotStore) ListSnapshots(ctx context.Context) ([]snapshot.Snapshot, error) {
	rows, err := s.store.db.QueryContext(ctx, `
SELECT id, operation, trigger_reason, created_at, file_count, git_branch, git_commit_sha, git_clean, git_uncommitted, safety
FROM snapshots
ORDER BY created_at DESC, id DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []snapshot.Snapshot
	for rows.Next() {
		snap, err := scanSnapshotRow(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// UpdateSnapshotSafety enforces the safety state machine using row-level
// locking.
func (s *SnapshotStore) UpdateSnapshotSafety(ctx context.Context, id string, safety snapshot.Safety) error {
	return s.store.withTx(ctx, func(tx *sql.Tx) error {
		var current snapshot.Safety
		if err := tx.QueryRowContext(ctx, `SELECT safety FROM snapshots WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: snapshot %s", ErrNotFound, id)
			}
			return err
		}

		if err := snapshot.ValidateTransition(id, current, safety); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `UPDATE snapshots SET safety = $2 WHERE id = $1`, id, safety)
		return err
	})
}

func (s *SnapshotStore) DeleteSnapshot(ctx context.Context, id string) error {
	return s.store.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_files WHERE snapshot_id = $1`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = $1`, id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: snapshot %s", ErrNotFound, id)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SnapshotStore) scanSnapshot(ctx context.Context, query string, args ...any) (snapshot.Snapshot, error) {
	return scanSnapshotRow(s.store.db.QueryRowContext(ctx, query, args...))
}

func scanSnapshotRow(row rowScanner) (snapshot.Snapshot, error) {
	var snap snapshot.Snapshot
	var gitState git.State
	var uncommitted []byte
	if err := row.Scan(
		&snap.ID,
		&snap.Operation,
		&snap.Trigger,
		&snap.CreatedAt,
		&snap.FileCount,
		&gitState.Branch,
		&gitState.CommitSHA,
		&gitState.IsClean,
		&uncommitted,
		&snap.Safety,
	); err != nil {
		return snapshot.Snapshot{}, err
	}
	if len(uncommitted) > 0 {
		if err := json.Unmarshal(uncommitted, &gitState.Uncommitted); err != nil {
			return snapshot.Snapshot{}, fmt.Errorf("decode uncommitted paths for %s: %w", snap.ID, err)
		}
	}
	snap.Git = gitState
	return snap, nil
}

func (s *SnapshotStore) loadFiles(ctx context.Context, snap *snapshot.Snapshot) error {
	rows, err := s.store.db.QueryContext(ctx, `
SELECT path, content, checksum, permissions
FROM snapshot_files
WHERE snapshot_id = $1
ORDER BY path ASC
`, snap.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var file snapshot.FileState
		if err := rows.Scan(&file.Path, &file.Content, &file.Checksum, &file.Permissions); err != nil {
			return err
		}
		snap.Files = append(snap.Files, file)
	}
	return rows.Err()
}
