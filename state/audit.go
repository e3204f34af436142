package state

import (
	"context"
	"encoding/json"
	"fmt"
)

// AppendAudit writes one append-only audit row and returns it with the
// assigned id and timestamp. There is no update or delete path.
func (s *Store) AppendAudit(ctx context.Context, entry AuditEntry) (AuditEntry, error) {
	targets, err := json.Marshal(entry.TargetFiles)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("encode target files: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
INSERT INTO audit_log (session_id, repo, run_id, failure_type, action, confidence, target_files, requires_approval, human_escalated, log_archive_uri)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id, created_at
`, entry.SessionID, entry.Repo, entry.RunID, entry.FailureType, entry.Action, entry.Confidence,
		targets, entry.RequiresApproval, entry.HumanEscalated, nullableString(entry.LogArchiveURI)).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("insert audit entry for session %s: %w", entry.SessionID, err)
	}
	return entry, nil
}

// ListAuditBySession returns audit rows for one session in insertion order.
func (s *Store) ListAuditBySession(ctx context.Context, sessionID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, repo, run_id, failure_type, action, confidence, target_files, requires_approval, human_escalated, COALESCE(log_archive_uri, ''), created_at
FROM audit_log
WHERE session_id = $1
ORDER BY id ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var targets []byte
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.Repo, &entry.RunID, &entry.FailureType,
			&entry.Action, &entry.Confidence, &targets, &entry.RequiresApproval, &entry.HumanEscalated,
			&entry.LogArchiveURI, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if len(targets) > 0 {
			if err := json.Unmarshal(targets, &entry.TargetFiles); err != nil {
				return nil, fmt.Errorf("decode target files for audit %d: %w", entry.ID, err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
