package diagnostic

import (
	"sort"
	"time"
)

// NewAnalysisResult builds an AnalysisResult with reconciled counts and a
// sorted, de-duplicated affected file list.
func NewAnalysisResult(taskID string, issues []Issue, complexity float64) AnalysisResult {
	result := AnalysisResult{
		TaskID:     taskID,
		Issues:     issues,
		Complexity: clamp01(complexity),
		AnalyzedAt: time.Now().UTC(),
	}

	files := make(map[string]struct{}, len(issues))
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityError:
			result.ErrorCount++
		case SeverityWarning:
			result.WarningCount++
		case SeverityInfo:
			result.InfoCount++
		case SeverityHint:
			result.HintCount++
		}
		if issue.File != "" {
			files[issue.File] = struct{}{}
		}
	}
	result.TotalIssues = result.ErrorCount + result.WarningCount + result.InfoCount + result.HintCount

	result.AffectedFiles = make([]string, 0, len(files))
	for file := range files {
		result.AffectedFiles = append(result.AffectedFiles, file)
	}
	sort.Strings(result.AffectedFiles)
	return result
}

// NewApplyResult derives the success flag from the per-file outcomes.
func NewApplyResult(taskID, sessionID, snapshotID string, updated []string, failed []FileFailure) ApplyResult {
	return ApplyResult{
		TaskID:       taskID,
		SessionID:    sessionID,
		SnapshotID:   snapshotID,
		FilesUpdated: updated,
		FilesFailed:  failed,
		Success:      len(failed) == 0,
		AppliedAt:    time.Now().UTC(),
	}
}

// DeriveVerificationStatus maps issue deltas onto the closed status set.
// A net decrease with nothing new is resolved only when no issues remain;
// anything new, or no improvement at all, is failed.
func DeriveVerificationStatus(remaining, resolved, newIssues int) VerificationStatus {
	switch {
	case newIssues > 0:
		return VerificationFailed
	case remaining == 0:
		return VerificationResolved
	case resolved > 0:
		return VerificationPartiallyResolved
	default:
		return VerificationFailed
	}
}

// PlanRisk grades a plan by how many files it touches and whether any
// high-risk category is involved.
func PlanRisk(steps []FixStep, fileCount int) RiskLevel {
	for _, step := range steps {
		if step.Category == CategorySecurity {
			return RiskHigh
		}
	}
	switch {
	case fileCount > 10:
		return RiskHigh
	case fileCount > 3:
		return RiskMedium
	default:
		return RiskLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
