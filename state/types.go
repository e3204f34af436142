package state

import "time"

// RepairSessionRecord is the persisted history row for one repair session.
// Rows are append-only once the session reaches a terminal status.
type RepairSessionRecord struct {
	ID             string    `json:"id"`
	Repo           string    `json:"repo"`
	RunID          int64     `json:"run_id"`
	FailureType    string    `json:"failure_type"`
	Action         string    `json:"action"`
	Confidence     float64   `json:"confidence"`
	Status         string    `json:"status"`
	SnapshotID     string    `json:"snapshot_id,omitempty"`
	HumanEscalated bool      `json:"human_escalated"`
	Summary        string    `json:"summary,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// AuditEntry is one append-only audit log row. Every repair decision writes
// one, whatever the outcome.
type AuditEntry struct {
	ID               int64     `json:"id"`
	SessionID        string    `json:"session_id"`
	Repo             string    `json:"repo"`
	RunID            int64     `json:"run_id"`
	FailureType      string    `json:"failure_type"`
	Action           string    `json:"action"`
	Confidence       float64   `json:"confidence"`
	TargetFiles      []string  `json:"target_files,omitempty"`
	RequiresApproval bool      `json:"requires_approval"`
	HumanEscalated   bool      `json:"human_escalated"`
	LogArchiveURI    string    `json:"log_archive_uri,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
