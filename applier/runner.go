package applier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/izavyalov-dev/delta-repair/diagnostic"
	"github.com/izavyalov-dev/delta-repair/patch"
)

// StrategyRunner is the fallback DiagnosticRunner for deployments without a
// toolchain hook. It re-reads each applied file and asks the fix strategy
// whether it would still change it: a pending change means the issue the
// strategy exists to fix is still in the file.
type StrategyRunner struct {
	Strategy   patch.Strategy
	Categories []diagnostic.Category
}

// NewStrategyRunner builds the fallback runner probing the given categories.
func NewStrategyRunner(strategy patch.Strategy, categories []diagnostic.Category) *StrategyRunner {
	if strategy == nil {
		strategy = patch.NoopStrategy{}
	}
	return &StrategyRunner{Strategy: strategy, Categories: categories}
}

func (r *StrategyRunner) Run(ctx context.Context, workspaceRoot string, files []string) ([]diagnostic.Issue, error) {
	var issues []diagnostic.Issue
	for _, file := range files {
		raw, err := os.ReadFile(filepath.Join(workspaceRoot, file))
		if err != nil {
			issues = append(issues, diagnostic.Issue{
				File:     file,
				Message:  fmt.Sprintf("unreadable after apply: %v", err),
				Severity: diagnostic.SeverityError,
				Category: diagnostic.CategoryOther,
				Source:   "strategy-recheck",
			})
			continue
		}
		content := string(raw)

		for _, category := range r.Categories {
			_, pending, err := r.Strategy.Fix(ctx, file, category, "", content)
			if err != nil {
				return nil, fmt.Errorf("strategy recheck %s on %s: %w", category, file, err)
			}
			if pending {
				issues = append(issues, diagnostic.Issue{
					File:     file,
					Message:  fmt.Sprintf("%s fix still pending after apply", category),
					Severity: diagnostic.SeverityError,
					Category: category,
					Source:   "strategy-recheck",
				})
			}
		}
	}
	return issues, nil
}
