package applier

import (
	"context"
	"encoding/json"
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/izavyalov-dev/delta-repair/diagnostic"
)

// DiagnosticRunner re-derives diagnostics for a set of files after an apply.
// Production deployments wire this to the real toolchain; tests inject fakes.
type DiagnosticRunner interface {
	Run(ctx context.Context, workspaceRoot string, files []string) ([]diagnostic.Issue, error)
}

// DiagnosticRunnerFunc adapts a function to DiagnosticRunner.
type DiagnosticRunnerFunc func(ctx context.Context, workspaceRoot string, files []string) ([]diagnostic.Issue, error)

func (f DiagnosticRunnerFunc) Run(ctx context.Context, workspaceRoot string, files []string) ([]diagnostic.Issue, error) {
	return f(ctx, workspaceRoot, files)
}

// Verifier compares pre-apply diagnostics against a post-apply re-run.
type Verifier struct {
	WorkspaceRoot string
	Runner        DiagnosticRunner
}

func NewVerifier(workspaceRoot string, runner DiagnosticRunner) *Verifier {
	return &Verifier{WorkspaceRoot: workspaceRoot, Runner: runner}
}

// Verify re-runs diagnostics over the applied files and checks syntax of the
// modified content. Status derives from the remaining/resolved/new counts.
func (v *Verifier) Verify(ctx context.Context, taskID string, before []diagnostic.Issue, applied diagnostic.ApplyResult, proposal diagnostic.DiffProposal) (diagnostic.VerificationResult, error) {
	result := diagnostic.VerificationResult{
		TaskID:     taskID,
		SyntaxOK:   true,
		VerifiedAt: time.Now().UTC(),
	}

	var after []diagnostic.Issue
	if v.Runner != nil {
		issues, err := v.Runner.Run(ctx, v.WorkspaceRoot, applied.FilesUpdated)
		if err != nil {
			return diagnostic.VerificationResult{}, err
		}
		after = issues
	}

	beforeKeys := issueSet(before)
	afterKeys := issueSet(after)

	result.RemainingIssues = len(after)
	for key := range beforeKeys {
		if _, still := afterKeys[key]; !still {
			result.ResolvedIssues++
		}
	}
	for key := range afterKeys {
		if _, existed := beforeKeys[key]; !existed {
			result.NewIssues++
		}
	}

	for _, fileDiff := range proposal.FilesChanged {
		if !wasUpdated(applied, fileDiff.Path) {
			continue
		}
		if err := checkSyntax(fileDiff.Path, fileDiff.ModifiedContent); err != nil {
			result.SyntaxOK = false
			result.NewIssues++
		}
	}

	result.Status = diagnostic.DeriveVerificationStatus(result.RemainingIssues, result.ResolvedIssues, result.NewIssues)
	// Without a runner there is no re-derived evidence, only the syntax
	// check; never claim full resolution on that basis.
	if v.Runner == nil && result.Status == diagnostic.VerificationResolved {
		result.Status = diagnostic.VerificationPartiallyResolved
	}
	return result, nil
}

// checkSyntax attempt-parses structured formats and is best-effort for
// everything else.
func checkSyntax(path, content string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		fset := token.NewFileSet()
		_, err := parser.ParseFile(fset, path, content, parser.AllErrors)
		return err
	case ".json":
		var v any
		return json.Unmarshal([]byte(content), &v)
	case ".yaml", ".yml":
		var v any
		return yaml.Unmarshal([]byte(content), &v)
	default:
		return nil
	}
}

func wasUpdated(applied diagnostic.ApplyResult, path string) bool {
	for _, updated := range applied.FilesUpdated {
		if updated == path {
			return true
		}
	}
	return false
}

func issueSet(issues []diagnostic.Issue) map[string]struct{} {
	set := make(map[string]struct{}, len(issues))
	for _, issue := range issues {
		set[issue.File+"|"+issue.Message+"|"+string(issue.Category)] = struct{}{}
	}
	return set
}
