package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/izavyalov-dev/delta-repair/internal/vcs/git"
)

type fakeRepo struct {
	state       git.State
	checkedOut  []string
	resets      []string
	checkoutErr error
}

func (f *fakeRepo) Capture(ctx context.Context) (git.State, error) { return f.state, nil }

func (f *fakeRepo) CheckoutBranch(ctx context.Context, branch string) error {
	if f.checkoutErr != nil {
		return f.checkoutErr
	}
	f.checkedOut = append(f.checkedOut, branch)
	return nil
}

func (f *fakeRepo) ResetHard(ctx context.Context, commitSHA string) error {
	f.resets = append(f.resets, commitSHA)
	return nil
}

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha\n")
	writeFile(t, root, "b.txt", "beta\n")

	store := NewMemoryStore()
	repo := &fakeRepo{state: git.State{Branch: "main", CommitSHA: "abc123", IsClean: true}}
	manager := NewManager(root, store, repo, nil)

	snap, err := manager.Take(ctx, []string{"a.txt", "b.txt"}, "apply", "test")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if snap.FileCount != 2 {
		t.Fatalf("expected 2 files, got %d", snap.FileCount)
	}
	if snap.Git.Branch != "main" {
		t.Fatalf("expected git state captured, got %+v", snap.Git)
	}

	// Clobber the files, then restore.
	writeFile(t, root, "a.txt", "wrecked")
	writeFile(t, root, "b.txt", "also wrecked")

	result, err := manager.Rollback(ctx, snap, "test")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected successful rollback: %+v", result)
	}
	if result.FinalStatus != SafetyRestored {
		t.Fatalf("expected RESTORED, got %s", result.FinalStatus)
	}

	for _, file := range snap.Files {
		raw, err := os.ReadFile(filepath.Join(root, file.Path))
		if err != nil {
			t.Fatalf("read restored %s: %v", file.Path, err)
		}
		if Checksum(raw) != file.Checksum {
			t.Fatalf("checksum mismatch for %s after restore", file.Path)
		}
	}
}

func TestRollbackRestoresGitBranch(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha\n")

	store := NewMemoryStore()
	repo := &fakeRepo{state: git.State{Branch: "feature/fix", CommitSHA: "deadbeef"}}
	manager := NewManager(root, store, repo, nil)
	manager.ResetToCommit = true

	snap, err := manager.Take(ctx, []string{"a.txt"}, "apply", "test")
	if err != nil {
		t.Fatalf("take: %v", err)
	}

	result, err := manager.Rollback(ctx, snap, "test")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !result.GitRestored {
		t.Fatalf("expected git restored")
	}
	if len(repo.checkedOut) != 1 || repo.checkedOut[0] != "feature/fix" {
		t.Fatalf("expected checkout of captured branch, got %v", repo.checkedOut)
	}
	if len(repo.resets) != 1 || repo.resets[0] != "deadbeef" {
		t.Fatalf("expected reset to captured commit, got %v", repo.resets)
	}
}

func TestRollbackGitFailureReportsAtRisk(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha\n")

	store := NewMemoryStore()
	repo := &fakeRepo{
		state:       git.State{Branch: "main"},
		checkoutErr: errors.New("detached head"),
	}
	manager := NewManager(root, store, repo, nil)

	snap, err := manager.Take(ctx, []string{"a.txt"}, "apply", "test")
	if err != nil {
		t.Fatalf("take: %v", err)
	}

	result, err := manager.Rollback(ctx, snap, "test")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure when git restore fails")
	}
	if result.GitRestored {
		t.Fatalf("expected git_restored=false")
	}
	if result.FinalStatus != SafetyAtRisk {
		t.Fatalf("expected AT_RISK, got %s", result.FinalStatus)
	}
}

func TestRollbackToLatestSelectsNewest(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "a.txt", "first\n")

	store := NewMemoryStore()
	manager := NewManager(root, store, nil, nil)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stamps := []time.Time{base, base.Add(time.Minute), base.Add(2 * time.Minute)}
	index := 0
	manager.now = func() time.Time {
		ts := stamps[index%len(stamps)]
		index++
		return ts
	}

	if _, err := manager.Take(ctx, []string{"a.txt"}, "apply", "older"); err != nil {
		t.Fatalf("take older: %v", err)
	}
	writeFile(t, root, "a.txt", "second\n")
	if _, err := manager.Take(ctx, []string{"a.txt"}, "apply", "newer"); err != nil {
		t.Fatalf("take newer: %v", err)
	}

	writeFile(t, root, "a.txt", "wrecked")
	result, err := manager.RollbackToLatest(ctx, "test")
	if err != nil {
		t.Fatalf("rollback to latest: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success: %+v", result)
	}
	raw, _ := os.ReadFile(filepath.Join(root, "a.txt"))
	if string(raw) != "second\n" {
		t.Fatalf("expected newest snapshot content, got %q", raw)
	}
}

func TestPruneKeepsRetention(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "a.txt", "content\n")

	store := NewMemoryStore()
	manager := NewManager(root, store, nil, nil)
	manager.Retention = 2

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	manager.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	for i := 0; i < 5; i++ {
		if _, err := manager.Take(ctx, []string{"a.txt"}, "apply", "retain"); err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
	}

	pruned, err := manager.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 3 {
		t.Fatalf("expected 3 pruned, got %d", pruned)
	}
	snaps, _ := store.ListSnapshots(ctx)
	if len(snaps) != 2 {
		t.Fatalf("expected 2 retained, got %d", len(snaps))
	}
}

func TestSafetyTransitions(t *testing.T) {
	if err := validateSafetyTransition("s", SafetySafe, SafetyAtRisk); err != nil {
		t.Fatalf("SAFE->AT_RISK must be legal: %v", err)
	}
	if err := validateSafetyTransition("s", SafetyRestored, SafetyAtRisk); err == nil {
		t.Fatalf("RESTORED->AT_RISK must be illegal")
	}
	var te TransitionError
	err := validateSafetyTransition("s", SafetySafe, SafetyRestored)
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}
