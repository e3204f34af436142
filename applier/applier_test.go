package applier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/izavyalov-dev/delta-repair/diagnostic"
	"github.com/izavyalov-dev/delta-repair/grouper"
	"github.com/izavyalov-dev/delta-repair/patch"
)

func writeWorkspaceFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func importFixStrategy() patch.Strategy {
	return patch.NewTableStrategy(map[diagnostic.Category]patch.FixFunc{
		diagnostic.CategoryImport: func(ctx context.Context, path string, category diagnostic.Category, detail, content string) (string, bool, error) {
			if strings.Contains(content, "import missing") {
				return strings.ReplaceAll(content, "import missing", "import found"), true, nil
			}
			return "", false, nil
		},
	})
}

func TestProposeRendersDiffAndCounts(t *testing.T) {
	root := t.TempDir()
	writeWorkspaceFile(t, root, "lib.txt", "line one\nimport missing\nline three\n")

	grouping := grouper.Group([]diagnostic.Issue{
		{File: "lib.txt", Message: "cannot find package 'missing'", Category: diagnostic.CategoryImport, Severity: diagnostic.SeverityError},
	})

	proposer := NewProposer(root, importFixStrategy())
	proposal, err := proposer.Propose(context.Background(), "task-1", grouping)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(proposal.FilesChanged) != 1 {
		t.Fatalf("expected 1 changed file, got %d", len(proposal.FilesChanged))
	}

	fileDiff := proposal.FilesChanged[0]
	if !strings.Contains(fileDiff.UnifiedDiff, "-import missing") {
		t.Fatalf("diff missing removal line:\n%s", fileDiff.UnifiedDiff)
	}
	if !strings.Contains(fileDiff.UnifiedDiff, "+import found") {
		t.Fatalf("diff missing addition line:\n%s", fileDiff.UnifiedDiff)
	}
	if fileDiff.LinesAdded != 1 || fileDiff.LinesRemoved != 1 {
		t.Fatalf("expected +1/-1, got +%d/-%d", fileDiff.LinesAdded, fileDiff.LinesRemoved)
	}

	// Proposing must not touch disk.
	raw, err := os.ReadFile(filepath.Join(root, "lib.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(raw) != "line one\nimport missing\nline three\n" {
		t.Fatalf("propose mutated the workspace: %q", raw)
	}
}

func TestProposeNeverPatchesSyntaxErrors(t *testing.T) {
	root := t.TempDir()
	writeWorkspaceFile(t, root, "broken.txt", "import missing\n")

	grouping := grouper.Group([]diagnostic.Issue{
		{File: "broken.txt", Message: "unexpected token", Category: diagnostic.CategorySyntax, Severity: diagnostic.SeverityError},
	})

	proposer := NewProposer(root, importFixStrategy())
	proposal, err := proposer.Propose(context.Background(), "task-2", grouping)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(proposal.FilesChanged) != 0 {
		t.Fatalf("syntax errors must not be auto-patched, got %d diffs", len(proposal.FilesChanged))
	}
	if len(proposal.SafetyChecks) == 0 {
		t.Fatalf("expected a safety check for the syntax error")
	}
}

func TestApplyRequiresSnapshot(t *testing.T) {
	a := NewApplier(t.TempDir())
	_, err := a.Apply(context.Background(), "task", "session", "", diagnostic.DiffProposal{})
	if err != ErrSnapshotRequired {
		t.Fatalf("expected ErrSnapshotRequired, got %v", err)
	}
}

func TestApplyBestEffortRecordsFailures(t *testing.T) {
	root := t.TempDir()
	proposal := diagnostic.DiffProposal{TaskID: "task"}
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("ok%d.txt", i)
		writeWorkspaceFile(t, root, name, "old\n")
		proposal.FilesChanged = append(proposal.FilesChanged, diagnostic.FileDiff{
			Path:            name,
			ModifiedContent: "new\n",
		})
	}
	// A directory at the target path makes this write fail.
	if err := os.MkdirAll(filepath.Join(root, "blocked.txt"), 0o755); err != nil {
		t.Fatalf("mkdir blocker: %v", err)
	}
	proposal.FilesChanged = append(proposal.FilesChanged, diagnostic.FileDiff{
		Path:            "blocked.txt",
		ModifiedContent: "new\n",
	})

	a := NewApplier(root)
	result, err := a.Apply(context.Background(), "task", "session", "snap-1", proposal)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Success {
		t.Fatalf("expected success=false with a failed write")
	}
	if len(result.FilesUpdated) != 4 {
		t.Fatalf("expected 4 updated files, got %d", len(result.FilesUpdated))
	}
	if len(result.FilesFailed) != 1 || result.FilesFailed[0].Path != "blocked.txt" {
		t.Fatalf("expected exactly blocked.txt to fail, got %v", result.FilesFailed)
	}
	for i := 0; i < 4; i++ {
		raw, err := os.ReadFile(filepath.Join(root, fmt.Sprintf("ok%d.txt", i)))
		if err != nil || string(raw) != "new\n" {
			t.Fatalf("sibling write aborted: %q %v", raw, err)
		}
	}
}

func TestVerifyDerivesStatusFromCounts(t *testing.T) {
	before := []diagnostic.Issue{
		{File: "a.go", Message: "undefined: foo", Category: diagnostic.CategoryReference},
		{File: "a.go", Message: "unused import", Category: diagnostic.CategoryImport},
	}

	cases := []struct {
		name   string
		after  []diagnostic.Issue
		status diagnostic.VerificationStatus
	}{
		{
			name:   "all resolved",
			after:  nil,
			status: diagnostic.VerificationResolved,
		},
		{
			name:   "partially resolved",
			after:  before[:1],
			status: diagnostic.VerificationPartiallyResolved,
		},
		{
			name: "new issue appeared",
			after: []diagnostic.Issue{
				{File: "a.go", Message: "syntax error", Category: diagnostic.CategorySyntax},
			},
			status: diagnostic.VerificationFailed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := DiagnosticRunnerFunc(func(ctx context.Context, root string, files []string) ([]diagnostic.Issue, error) {
				return tc.after, nil
			})
			v := NewVerifier(t.TempDir(), runner)
			result, err := v.Verify(context.Background(), "task", before,
				diagnostic.ApplyResult{FilesUpdated: []string{"a.go"}}, diagnostic.DiffProposal{})
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if result.Status != tc.status {
				t.Fatalf("expected %s, got %s", tc.status, result.Status)
			}
		})
	}
}

func TestCheckSyntaxGo(t *testing.T) {
	if err := checkSyntax("ok.go", "package main\n"); err != nil {
		t.Fatalf("valid go flagged: %v", err)
	}
	if err := checkSyntax("bad.go", "package \n func {"); err == nil {
		t.Fatalf("invalid go not flagged")
	}
	if err := checkSyntax("data.json", `{"a": 1}`); err != nil {
		t.Fatalf("valid json flagged: %v", err)
	}
	if err := checkSyntax("note.txt", "anything goes"); err != nil {
		t.Fatalf("best-effort formats must pass: %v", err)
	}
}

func TestStrategyRunnerDetectsPendingFix(t *testing.T) {
	root := t.TempDir()
	writeWorkspaceFile(t, root, "dirty.txt", "import missing here\n")
	writeWorkspaceFile(t, root, "clean.txt", "all good\n")

	strategy := importFixStrategy()
	runner := NewStrategyRunner(strategy, []diagnostic.Category{diagnostic.CategoryImport})

	issues, err := runner.Run(context.Background(), root, []string{"dirty.txt", "clean.txt"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("expected 1 pending issue, got %d: %v", len(issues), issues)
	}
	if issues[0].File != "dirty.txt" || issues[0].Category != diagnostic.CategoryImport {
		t.Fatalf("unexpected issue: %+v", issues[0])
	}
	if issues[0].Source != "strategy-recheck" {
		t.Fatalf("source = %q", issues[0].Source)
	}
}

func TestStrategyRunnerFlagsUnreadableFile(t *testing.T) {
	runner := NewStrategyRunner(patch.NoopStrategy{}, []diagnostic.Category{diagnostic.CategoryStyle})
	issues, err := runner.Run(context.Background(), t.TempDir(), []string{"gone.txt"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(issues) != 1 || issues[0].Severity != diagnostic.SeverityError {
		t.Fatalf("expected one error issue for the missing file, got %v", issues)
	}
}

func TestVerifyWithoutRunnerCapsAtPartial(t *testing.T) {
	before := []diagnostic.Issue{
		{File: "a.go", Message: "undefined: foo", Category: diagnostic.CategoryReference},
	}
	v := NewVerifier(t.TempDir(), nil)
	result, err := v.Verify(context.Background(), "task", before,
		diagnostic.ApplyResult{FilesUpdated: []string{"a.go"}}, diagnostic.DiffProposal{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Status == diagnostic.VerificationResolved {
		t.Fatalf("no runner must not report full resolution")
	}
	if result.Status != diagnostic.VerificationPartiallyResolved {
		t.Fatalf("expected partial, got %s", result.Status)
	}
}
