package snapshot

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/izavyalov-dev/delta-repair/diagnostic"
	"github.com/izavyalov-dev/delta-repair/internal/observability"
	"github.com/izavyalov-dev/delta-repair/internal/vcs/git"
)

// ErrNoSnapshots is returned when a latest-snapshot lookup finds nothing.
var ErrNoSnapshots = errors.New("snapshot: no snapshots available")

// ErrChecksumMismatch signals a restored file whose read-back checksum does
// not match the captured one.
var ErrChecksumMismatch = errors.New("snapshot: checksum mismatch after restore")

// Store persists snapshots durably across process restarts.
// ListSnapshots returns snapshots ordered newest first.
type Store interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	GetSnapshot(ctx context.Context, id string) (Snapshot, error)
	LatestSnapshot(ctx context.Context) (Snapshot, error)
	ListSnapshots(ctx context.Context) ([]Snapshot, error)
	UpdateSnapshotSafety(ctx context.Context, id string, safety Safety) error
	DeleteSnapshot(ctx context.Context, id string) error
}

// GitRestorer is the narrow VCS surface rollback needs.
type GitRestorer interface {
	Capture(ctx context.Context) (git.State, error)
	CheckoutBranch(ctx context.Context, branch string) error
	ResetHard(ctx context.Context, commitSHA string) error
}

const defaultRetention = 10

// Manager takes and restores safety snapshots for one workspace.
type Manager struct {
	WorkspaceRoot string
	Store         Store
	Repo          GitRestorer
	// Retention is the number of most-recent snapshots kept by Prune.
	Retention int
	// ResetToCommit makes rollback hard-reset to the captured commit after
	// restoring the branch.
	ResetToCommit bool

	logger *slog.Logger
	now    func() time.Time
}

// NewManager constructs a snapshot manager with default retention.
func NewManager(workspaceRoot string, store Store, repo GitRestorer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = observability.NewLogger("snapshot")
	}
	return &Manager{
		WorkspaceRoot: workspaceRoot,
		Store:         store,
		Repo:          repo,
		Retention:     defaultRetention,
		logger:        logger,
		now:           time.Now,
	}
}

// Take reads each file's full content and checksum plus the surrounding VCS
// state and persists them as one immutable unit. It never mutates anything
// it reads.
func (m *Manager) Take(ctx context.Context, files []string, operation, trigger string) (Snapshot, error) {
	if m.Store == nil {
		return Snapshot{}, errors.New("snapshot: store required")
	}

	snap := Snapshot{
		ID:        randomID("snap"),
		Operation: operation,
		Trigger:   trigger,
		CreatedAt: m.now().UTC(),
		Safety:    SafetySafe,
	}

	for _, file := range files {
		absPath := filepath.Join(m.WorkspaceRoot, file)
		info, err := os.Stat(absPath)
		if err != nil {
			return Snapshot{}, fmt.Errorf("snapshot stat %s: %w", file, err)
		}
		raw, err := os.ReadFile(absPath)
		if err != nil {
			return Snapshot{}, fmt.Errorf("snapshot read %s: %w", file, err)
		}
		snap.Files = append(snap.Files, FileState{
			Path:        file,
			Content:     string(raw),
			Checksum:    Checksum(raw),
			Permissions: uint32(info.Mode().Perm()),
		})
	}
	snap.FileCount = len(snap.Files)

	if m.Repo != nil {
		gitState, err := m.Repo.Capture(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("snapshot git state: %w", err)
		}
		snap.Git = gitState
	}

	if err := m.Store.SaveSnapshot(ctx, snap); err != nil {
		return Snapshot{}, fmt.Errorf("persist snapshot: %w", err)
	}

	m.logger.Info("snapshot taken", "event", "snapshot_taken",
		"snapshot_id", snap.ID, "operation", operation, "file_count", snap.FileCount)
	return snap, nil
}

// MarkAtRisk records that the mutation guarded by this snapshot has begun.
func (m *Manager) MarkAtRisk(ctx context.Context, snap Snapshot) error {
	if err := validateSafetyTransition(snap.ID, snap.Safety, SafetyAtRisk); err != nil {
		return err
	}
	return m.Store.UpdateSnapshotSafety(ctx, snap.ID, SafetyAtRisk)
}

// Rollback writes back each captured file, verifies the checksum after
// writing, then restores the VCS branch. Per-file failures are independent.
func (m *Manager) Rollback(ctx context.Context, snap Snapshot, trigger string) (RollbackResult, error) {
	return m.rollback(ctx, snap, trigger, true)
}

// EmergencyRollback skips the post-write integrity check to minimize latency
// during an active incident.
func (m *Manager) EmergencyRollback(ctx context.Context, snap Snapshot, trigger string) (RollbackResult, error) {
	return m.rollback(ctx, snap, trigger, false)
}

// RollbackToLatest restores the most recently created snapshot.
func (m *Manager) RollbackToLatest(ctx context.Context, trigger string) (RollbackResult, error) {
	snap, err := m.Store.LatestSnapshot(ctx)
	if err != nil {
		return RollbackResult{}, err
	}
	return m.Rollback(ctx, snap, trigger)
}

func (m *Manager) rollback(ctx context.Context, snap Snapshot, trigger string, verify bool) (RollbackResult, error) {
	result := RollbackResult{
		SnapshotID: snap.ID,
		Trigger:    trigger,
		RestoredAt: m.now().UTC(),
	}

	for _, file := range snap.Files {
		if err := m.restoreFile(file, verify); err != nil {
			result.FilesFailed = append(result.FilesFailed, diagnostic.FileFailure{
				Path:   file.Path,
				Reason: err.Error(),
			})
			continue
		}
		result.FilesRestored = append(result.FilesRestored, file.Path)
	}

	result.GitRestored = true
	if m.Repo != nil && snap.Git.Branch != "" {
		if err := m.Repo.CheckoutBranch(ctx, snap.Git.Branch); err != nil {
			result.GitRestored = false
			m.logger.Warn("git branch restore failed", "event", "git_restore_failed",
				"snapshot_id", snap.ID, "branch", snap.Git.Branch, "error", err)
		} else if m.ResetToCommit && snap.Git.CommitSHA != "" {
			if err := m.Repo.ResetHard(ctx, snap.Git.CommitSHA); err != nil {
				result.GitRestored = false
				m.logger.Warn("git reset failed", "event", "git_restore_failed",
					"snapshot_id", snap.ID, "commit", snap.Git.CommitSHA, "error", err)
			}
		}
	}

	result.Success = len(result.FilesFailed) == 0 && result.GitRestored
	if result.Success {
		result.FinalStatus = SafetyRestored
	} else {
		result.FinalStatus = SafetyAtRisk
	}

	if err := m.Store.UpdateSnapshotSafety(ctx, snap.ID, result.FinalStatus); err != nil {
		m.logger.Warn("safety state update failed", "event", "safety_update_failed",
			"snapshot_id", snap.ID, "error", err)
	}

	m.logger.Info("rollback finished", "event", "rollback_finished",
		"snapshot_id", snap.ID, "restored", len(result.FilesRestored),
		"failed", len(result.FilesFailed), "git_restored", result.GitRestored)
	return result, nil
}

func (m *Manager) restoreFile(file FileState, verify bool) error {
	absPath := filepath.Join(m.WorkspaceRoot, file.Path)
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return err
	}
	mode := os.FileMode(file.Permissions)
	if mode == 0 {
		mode = 0o644
	}
	if err := os.WriteFile(absPath, []byte(file.Content), mode); err != nil {
		return err
	}
	if !verify {
		return nil
	}
	raw, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	if Checksum(raw) != file.Checksum {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, file.Path)
	}
	return nil
}

// Prune deletes everything older than the retention window, newest first.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	retention := m.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	snaps, err := m.Store.ListSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	if len(snaps) <= retention {
		return 0, nil
	}

	pruned := 0
	for _, snap := range snaps[retention:] {
		if err := m.Store.DeleteSnapshot(ctx, snap.ID); err != nil {
			return pruned, err
		}
		pruned++
	}
	m.logger.Info("snapshots pruned", "event", "snapshots_pruned", "count", pruned)
	return pruned, nil
}

// Checksum returns the hex sha256 of content.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func randomID(prefix string) string {
	var b [10]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s_%x", prefix, b[:])
}
