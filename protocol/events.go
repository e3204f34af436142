// Package protocol holds the wire types exchanged with CI providers and the
// inbound event shape that starts a repair session.
package protocol

import "time"

// CIEvent is one external CI failure notification. It is immutable once
// received.
type CIEvent struct {
	Provider     string    `json:"provider"`
	RepoOwner    string    `json:"repo_owner"`
	RepoName     string    `json:"repo_name"`
	RunID        int64     `json:"run_id"`
	Status       string    `json:"status"`
	Conclusion   string    `json:"conclusion,omitempty"`
	Branch       string    `json:"branch"`
	CommitSHA    string    `json:"commit_sha"`
	WorkflowName string    `json:"workflow_name,omitempty"`
	JobName      string    `json:"job_name,omitempty"`
	TriggeredAt  time.Time `json:"triggered_at"`
}

// Repo returns the owner/name slug for logging and idempotency keys.
func (e CIEvent) Repo() string {
	return e.RepoOwner + "/" + e.RepoName
}

// RunInfo is provider metadata for one CI run.
type RunInfo struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	HeadBranch string    `json:"head_branch"`
	HeadSHA    string    `json:"head_sha"`
	RunAttempt int       `json:"run_attempt"`
	CreatedAt  time.Time `json:"created_at"`
}

// JobInfo is provider metadata for one job within a run.
type JobInfo struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// RepairOutcome is the terminal result of one repair session, published
// back to the provider so reviewers see what was done without leaving the
// commit.
type RepairOutcome struct {
	SessionID      string  `json:"session_id"`
	RepoOwner      string  `json:"repo_owner"`
	RepoName       string  `json:"repo_name"`
	RunID          int64   `json:"run_id"`
	CommitSHA      string  `json:"commit_sha"`
	Status         string  `json:"status"`
	FailureType    string  `json:"failure_type"`
	Action         string  `json:"action"`
	Confidence     float64 `json:"confidence"`
	Summary        string  `json:"summary"`
	HumanEscalated bool    `json:"human_escalated"`
}

// RerunOutcome is the normalized result of asking a provider to re-run.
type RerunOutcome string

const (
	RerunAccepted      RerunOutcome = "ACCEPTED"
	RerunUnauthorized  RerunOutcome = "UNAUTHORIZED"
	RerunNotRerunnable RerunOutcome = "NOT_RERUNNABLE"
	RerunRateLimited   RerunOutcome = "RATE_LIMITED"
	RerunFailed        RerunOutcome = "FAILED"
)
