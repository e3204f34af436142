// Package snapshot captures point-in-time safety copies of workspace files
// plus VCS state before any mutation, and restores them atomically.
package snapshot

import (
	"fmt"
	"time"

	"github.com/izavyalov-dev/delta-repair/diagnostic"
	"github.com/izavyalov-dev/delta-repair/internal/vcs/git"
)

// Safety tracks where a mutation stands relative to its snapshot.
type Safety string

const (
	SafetySafe             Safety = "SAFE"
	SafetyAtRisk           Safety = "AT_RISK"
	SafetyRestored         Safety = "RESTORED"
	SafetyRequiresRollback Safety = "REQUIRES_ROLLBACK"
)

var safetyTransitions = map[Safety][]Safety{
	SafetySafe:             {SafetySafe, SafetyAtRisk},
	SafetyAtRisk:           {SafetyAtRisk, SafetyRestored, SafetyRequiresRollback},
	SafetyRequiresRollback: {SafetyRequiresRollback, SafetyRestored, SafetyAtRisk},
	SafetyRestored:         {SafetyRestored},
}

// TransitionError signals an illegal safety-state transition.
type TransitionError struct {
	SnapshotID string
	From       Safety
	To         Safety
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("snapshot %s: invalid transition from %s to %s", e.SnapshotID, e.From, e.To)
}

// ValidateTransition reports whether from -> to is a legal safety
// transition for the given snapshot.
func ValidateTransition(id string, from, to Safety) error {
	return validateSafetyTransition(id, from, to)
}

func validateSafetyTransition(id string, from, to Safety) error {
	allowed, ok := safetyTransitions[from]
	if !ok {
		return TransitionError{SnapshotID: id, From: from, To: to}
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return TransitionError{SnapshotID: id, From: from, To: to}
}

// FileState is one file's captured content. Checksum is the sha256 of the
// content; restoring must reproduce an identical checksum.
type FileState struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	Checksum    string `json:"checksum"`
	Permissions uint32 `json:"permissions"`
}

// Snapshot is an immutable unit of captured files plus VCS state.
type Snapshot struct {
	ID        string      `json:"id"`
	Operation string      `json:"operation"`
	Trigger   string      `json:"trigger"`
	CreatedAt time.Time   `json:"created_at"`
	FileCount int         `json:"file_count"`
	Files     []FileState `json:"files"`
	Git       git.State   `json:"git"`
	Safety    Safety      `json:"safety"`
}

// RollbackResult reports a restore attempt. Success holds exactly when
// FilesFailed is empty and the git branch was restored.
type RollbackResult struct {
	SnapshotID    string                   `json:"snapshot_id"`
	Trigger       string                   `json:"trigger"`
	FilesRestored []string                 `json:"files_restored"`
	FilesFailed   []diagnostic.FileFailure `json:"files_failed"`
	GitRestored   bool                     `json:"git_restored"`
	FinalStatus   Safety                   `json:"final_status"`
	Success       bool                     `json:"success"`
	RestoredAt    time.Time                `json:"restored_at"`
}
