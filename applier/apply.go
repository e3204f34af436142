package applier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/izavyalov-dev/delta-repair/diagnostic"
)

// ErrSnapshotRequired is returned when Apply is invoked without a snapshot
// covering the proposal's files.
var ErrSnapshotRequired = errors.New("applier: snapshot required before apply")

// Applier writes proposals to the workspace.
type Applier struct {
	WorkspaceRoot string
	// MaxParallelWrites bounds the concurrent file writes. Zero means 4.
	MaxParallelWrites int
}

func NewApplier(workspaceRoot string) *Applier {
	return &Applier{WorkspaceRoot: workspaceRoot, MaxParallelWrites: 4}
}

// Apply writes each FileDiff's modified content. A snapshot id is a hard
// precondition: the caller must have captured the pre-state of every file in
// scope. Individual write failures are recorded per file and do not abort
// sibling writes; recovery from a partial apply is a full-session rollback.
func (a *Applier) Apply(ctx context.Context, taskID, sessionID, snapshotID string, proposal diagnostic.DiffProposal) (diagnostic.ApplyResult, error) {
	if snapshotID == "" {
		return diagnostic.ApplyResult{}, ErrSnapshotRequired
	}

	parallel := a.MaxParallelWrites
	if parallel <= 0 {
		parallel = 4
	}

	var mu sync.Mutex
	var updated []string
	var failed []diagnostic.FileFailure

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(parallel)
	for _, fileDiff := range proposal.FilesChanged {
		fileDiff := fileDiff
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			err := a.writeFile(fileDiff.Path, fileDiff.ModifiedContent)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, diagnostic.FileFailure{Path: fileDiff.Path, Reason: err.Error()})
			} else {
				updated = append(updated, fileDiff.Path)
			}
			// Write failures are recorded, not propagated; only context
			// cancellation aborts the group.
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return diagnostic.ApplyResult{}, err
	}

	sort.Strings(updated)
	sort.Slice(failed, func(i, j int) bool { return failed[i].Path < failed[j].Path })

	result := diagnostic.NewApplyResult(taskID, sessionID, snapshotID, updated, failed)
	return result, nil
}

func (a *Applier) writeFile(relPath, content string) error {
	absPath := filepath.Join(a.WorkspaceRoot, relPath)

	info, err := os.Stat(absPath)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode().Perm()
	}

	// Write via a temp file in the same directory to keep individual file
	// replacement atomic.
	tmp, err := os.CreateTemp(filepath.Dir(absPath), ".delta-repair-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, absPath); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
