// Package applier turns fix plans into concrete file diffs, applies them
// best-effort, and verifies the result.
package applier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	godiff "github.com/sourcegraph/go-diff/diff"

	"github.com/izavyalov-dev/delta-repair/diagnostic"
	"github.com/izavyalov-dev/delta-repair/grouper"
	"github.com/izavyalov-dev/delta-repair/patch"
)

// Proposer computes diff proposals. It never touches disk beyond reads.
type Proposer struct {
	WorkspaceRoot string
	Strategy      patch.Strategy
	ContextLines  int
}

// NewProposer constructs a proposer with the safe no-op strategy by default.
func NewProposer(workspaceRoot string, strategy patch.Strategy) *Proposer {
	if strategy == nil {
		strategy = patch.NoopStrategy{}
	}
	return &Proposer{
		WorkspaceRoot: workspaceRoot,
		Strategy:      strategy,
		ContextLines:  3,
	}
}

// Propose invokes the patch strategy per file and category and renders one
// FileDiff per modified file. Syntax errors are surfaced as safety checks
// but never auto-patched.
func (p *Proposer) Propose(ctx context.Context, taskID string, grouping grouper.Grouping) (diagnostic.DiffProposal, error) {
	proposal := diagnostic.DiffProposal{
		TaskID:    taskID,
		CreatedAt: time.Now().UTC(),
	}

	files := make([]string, 0, len(grouping.ByFile))
	for file := range grouping.ByFile {
		files = append(files, file)
	}
	sort.Strings(files)

	for _, file := range files {
		issues := grouping.ByFile[file]

		if n := countCategory(issues, diagnostic.CategorySyntax); n > 0 {
			proposal.SafetyChecks = append(proposal.SafetyChecks,
				fmt.Sprintf("%s: %d syntax error(s) require manual review; not auto-patched", file, n))
		}

		absPath := filepath.Join(p.WorkspaceRoot, file)
		raw, err := os.ReadFile(absPath)
		if err != nil {
			proposal.SafetyChecks = append(proposal.SafetyChecks,
				fmt.Sprintf("%s: unreadable (%v); skipped", file, err))
			continue
		}
		original := string(raw)
		current := original

		var fixed []diagnostic.Category
		for _, issue := range issues {
			if issue.Category == diagnostic.CategorySyntax {
				continue
			}
			modified, ok, err := p.Strategy.Fix(ctx, file, issue.Category, issue.Message, current)
			if err != nil {
				return diagnostic.DiffProposal{}, fmt.Errorf("patch strategy %s on %s: %w", issue.Category, file, err)
			}
			if !ok {
				continue
			}
			current = modified
			fixed = append(fixed, issue.Category)
		}

		if current == original {
			continue
		}

		fileDiff, err := buildFileDiff(file, original, current, p.ContextLines)
		if err != nil {
			return diagnostic.DiffProposal{}, fmt.Errorf("diff %s: %w", file, err)
		}
		fileDiff.Summary = changeSummary(file, fixed, fileDiff.LinesAdded, fileDiff.LinesRemoved)

		proposal.FilesChanged = append(proposal.FilesChanged, fileDiff)
		proposal.TotalLinesAdded += fileDiff.LinesAdded
		proposal.TotalLinesRemoved += fileDiff.LinesRemoved
	}

	proposal.RiskAssessment = assessRisk(proposal)
	return proposal, nil
}

// buildFileDiff renders a unified diff and derives the line counts strictly
// from the rendered diff text.
func buildFileDiff(path, original, modified string, contextLines int) (diagnostic.FileDiff, error) {
	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(original),
		B:        difflib.SplitLines(modified),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  contextLines,
	})
	if err != nil {
		return diagnostic.FileDiff{}, err
	}

	added, removed, err := countDiffLines(unified)
	if err != nil {
		return diagnostic.FileDiff{}, err
	}

	return diagnostic.FileDiff{
		Path:            path,
		OriginalContent: original,
		ModifiedContent: modified,
		UnifiedDiff:     unified,
		LinesAdded:      added,
		LinesRemoved:    removed,
	}, nil
}

// countDiffLines parses the unified diff text and reports added/removed lines.
func countDiffLines(unified string) (added, removed int, err error) {
	if strings.TrimSpace(unified) == "" {
		return 0, 0, nil
	}
	parsed, err := godiff.ParseFileDiff([]byte(unified))
	if err != nil {
		return 0, 0, err
	}
	stat := parsed.Stat()
	return int(stat.Added + stat.Changed), int(stat.Deleted + stat.Changed), nil
}

func changeSummary(path string, fixed []diagnostic.Category, added, removed int) string {
	names := make([]string, 0, len(fixed))
	seen := make(map[diagnostic.Category]struct{}, len(fixed))
	for _, category := range fixed {
		if _, dup := seen[category]; dup {
			continue
		}
		seen[category] = struct{}{}
		names = append(names, string(category))
	}
	return fmt.Sprintf("%s: fixed %s (+%d/-%d lines)", path, strings.Join(names, ", "), added, removed)
}

func countCategory(issues []diagnostic.Issue, category diagnostic.Category) int {
	n := 0
	for _, issue := range issues {
		if issue.Category == category {
			n++
		}
	}
	return n
}

func assessRisk(proposal diagnostic.DiffProposal) diagnostic.RiskLevel {
	totalLines := proposal.TotalLinesAdded + proposal.TotalLinesRemoved
	switch {
	case len(proposal.FilesChanged) > 10 || totalLines > 500:
		return diagnostic.RiskHigh
	case len(proposal.FilesChanged) > 3 || totalLines > 100:
		return diagnostic.RiskMedium
	default:
		return diagnostic.RiskLow
	}
}
