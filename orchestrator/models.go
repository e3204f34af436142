package orchestrator

import (
	"context"
	"time"

	"github.com/izavyalov-dev/delta-repair/classify"
	"github.com/izavyalov-dev/delta-repair/pipeline"
	"github.com/izavyalov-dev/delta-repair/protocol"
	"github.com/izavyalov-dev/delta-repair/retry"
	"github.com/izavyalov-dev/delta-repair/state"
)

// RepairStatus is the lifecycle state of one repair session.
type RepairStatus string

const (
	RepairStatusRunning   RepairStatus = "RUNNING"
	RepairStatusSucceeded RepairStatus = "SUCCEEDED"
	RepairStatusSuggested RepairStatus = "SUGGESTED"
	RepairStatusFailed    RepairStatus = "FAILED"
	RepairStatusEscalated RepairStatus = "ESCALATED"
	RepairStatusCanceled  RepairStatus = "CANCELED"
)

// Terminal reports whether the session can no longer change.
func (s RepairStatus) Terminal() bool {
	return s != RepairStatusRunning
}

// RepairSession is the full record of handling one CI failure event.
type RepairSession struct {
	ID             string                    `json:"id"`
	Event          protocol.CIEvent          `json:"event"`
	Status         RepairStatus              `json:"status"`
	Failure        classify.FailureContext   `json:"failure,omitempty"`
	Plan           classify.RepairPlan       `json:"plan,omitempty"`
	SnapshotID     string                    `json:"snapshot_id,omitempty"`
	Execution      *pipeline.ExecutionResult `json:"execution,omitempty"`
	Retry          *retry.Session            `json:"retry,omitempty"`
	HumanEscalated bool                      `json:"human_escalated"`
	LogArchiveURI  string                    `json:"log_archive_uri,omitempty"`
	Reason         string                    `json:"reason,omitempty"`
	StartedAt      time.Time                 `json:"started_at"`
	FinishedAt     time.Time                 `json:"finished_at,omitempty"`
}

// Config is the repair policy for this deployment.
type Config struct {
	// AutoRepairEnabled gates all automated handling; when false every
	// event escalates without being classified.
	AutoRepairEnabled bool `yaml:"auto_repair_enabled"`
	// AllowedRepos restricts repair to the listed owner/name slugs.
	// Empty means any repo.
	AllowedRepos []string `yaml:"allowed_repos"`
	// WorkspaceRoot is the checkout the repair pipeline mutates.
	WorkspaceRoot string `yaml:"workspace_root"`
	// Confidence carries the classifier thresholds.
	Confidence classify.Config `yaml:"confidence"`
}

// DefaultConfig enables repair for every repo with the documented gates.
func DefaultConfig(workspaceRoot string) Config {
	return Config{
		AutoRepairEnabled: true,
		WorkspaceRoot:     workspaceRoot,
		Confidence:        classify.DefaultConfig(),
	}
}

func (c Config) repoAllowed(repo string) bool {
	if len(c.AllowedRepos) == 0 {
		return true
	}
	for _, allowed := range c.AllowedRepos {
		if allowed == repo {
			return true
		}
	}
	return false
}

// LogProvider fetches the failure log text for a run.
type LogProvider interface {
	GetRunLogs(ctx context.Context, owner, name string, runID int64) (string, error)
}

// Archiver persists raw failure logs outside the workspace. Implementations
// must tolerate being nil-valued interface holders; the orchestrator treats
// a nil Archiver as "no archive".
type Archiver interface {
	UploadFailureLog(ctx context.Context, sessionID string, runID int64, logText string) (string, error)
}

// Executor runs the repair pipeline for a task.
type Executor interface {
	Run(ctx context.Context, task pipeline.Task, sessionID string, approval pipeline.Approval) (pipeline.ExecutionResult, error)
}

// RetryRunner triggers a provider rerun session after a successful repair.
type RetryRunner interface {
	Run(ctx context.Context, owner, name string, runID int64) (*retry.Session, error)
}

// Notifier publishes a terminal session's outcome back to the provider,
// typically as a commit comment. Nil means no notification.
type Notifier interface {
	PublishOutcome(ctx context.Context, outcome protocol.RepairOutcome) error
}

// SessionHistory persists terminal sessions.
type SessionHistory interface {
	SaveRepairSession(ctx context.Context, rec state.RepairSessionRecord) error
}

// AuditLog records every repair decision, whatever the outcome.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry state.AuditEntry) (state.AuditEntry, error)
}
