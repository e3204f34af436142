// Package patch defines the pluggable per-language patch strategy contract
// the repair pipeline calls but does not own.
package patch

import (
	"context"
	"sort"

	"github.com/izavyalov-dev/delta-repair/diagnostic"
)

// Strategy produces modified file content for a diagnostic category.
//
// Implementations must be idempotent: calling Fix again with its own output
// must report ok=false or return the content unchanged. When a strategy
// cannot act safely it must report ok=false rather than guess.
type Strategy interface {
	Fix(ctx context.Context, path string, category diagnostic.Category, detail string, content string) (modified string, ok bool, err error)
}

// FixFunc adapts a plain function to the Strategy interface.
type FixFunc func(ctx context.Context, path string, category diagnostic.Category, detail string, content string) (string, bool, error)

func (f FixFunc) Fix(ctx context.Context, path string, category diagnostic.Category, detail string, content string) (string, bool, error) {
	return f(ctx, path, category, detail, content)
}

// NoopStrategy declines every fix. It is the safe default when no
// language-specific strategy is registered.
type NoopStrategy struct{}

func (NoopStrategy) Fix(ctx context.Context, path string, category diagnostic.Category, detail string, content string) (string, bool, error) {
	return "", false, nil
}

// TableStrategy dispatches by category to registered fix functions and
// declines anything unregistered.
type TableStrategy struct {
	fixes map[diagnostic.Category]FixFunc
}

// NewTableStrategy builds a strategy from a category table.
func NewTableStrategy(fixes map[diagnostic.Category]FixFunc) *TableStrategy {
	table := make(map[diagnostic.Category]FixFunc, len(fixes))
	for category, fn := range fixes {
		table[category] = fn
	}
	return &TableStrategy{fixes: table}
}

// Categories returns the registered categories in sorted order.
func (s *TableStrategy) Categories() []diagnostic.Category {
	categories := make([]diagnostic.Category, 0, len(s.fixes))
	for category := range s.fixes {
		categories = append(categories, category)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })
	return categories
}

func (s *TableStrategy) Fix(ctx context.Context, path string, category diagnostic.Category, detail string, content string) (string, bool, error) {
	fn, ok := s.fixes[category]
	if !ok {
		return "", false, nil
	}
	modified, applied, err := fn(ctx, path, category, detail, content)
	if err != nil {
		return "", false, err
	}
	// Treat a no-change result as a decline so repeated application is a no-op.
	if !applied || modified == content {
		return "", false, nil
	}
	return modified, true, nil
}
