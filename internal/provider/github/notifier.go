package github

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/izavyalov-dev/delta-repair/internal/observability"
	"github.com/izavyalov-dev/delta-repair/protocol"
)

// Notifier publishes terminal repair outcomes as commit comments, so the
// result of an automated repair is visible next to the commit that failed.
type Notifier struct {
	client *Client
	logger *slog.Logger
}

// NewNotifier builds a notifier on top of an authenticated client.
func NewNotifier(client *Client, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = observability.NewLogger("notifier.github")
	}
	return &Notifier{client: client, logger: logger}
}

// PublishOutcome posts the outcome comment. Outcomes without a commit SHA
// have nowhere to land and are skipped.
func (n *Notifier) PublishOutcome(ctx context.Context, outcome protocol.RepairOutcome) error {
	if n == nil || n.client == nil {
		return nil
	}
	if outcome.CommitSHA == "" {
		return nil
	}

	body := buildOutcomeComment(outcome)
	commentID, err := n.client.CreateCommitComment(ctx, outcome.RepoOwner, outcome.RepoName, outcome.CommitSHA, body)
	if err != nil {
		n.logger.Warn("outcome comment failed", "event", "outcome_comment_failed",
			"session_id", outcome.SessionID, "run_id", outcome.RunID, "error", err)
		return err
	}
	n.logger.Info("outcome comment posted", "event", "outcome_comment_posted",
		"session_id", outcome.SessionID, "run_id", outcome.RunID, "comment_id", commentID)
	return nil
}

func buildOutcomeComment(outcome protocol.RepairOutcome) string {
	var b strings.Builder
	b.WriteString("<!-- delta-repair session:")
	b.WriteString(outcome.SessionID)
	b.WriteString(" -->\n")
	b.WriteString("## Automated Repair Result\n\n")
	fmt.Fprintf(&b, "Session `%s` for run `%d`\n\n", inlineSafe(outcome.SessionID), outcome.RunID)
	fmt.Fprintf(&b, "Status: `%s`\n", inlineSafe(outcome.Status))
	if outcome.FailureType != "" {
		fmt.Fprintf(&b, "Failure: `%s`\n", inlineSafe(outcome.FailureType))
	}
	if outcome.Action != "" {
		fmt.Fprintf(&b, "Action: `%s` (confidence %.2f)\n", inlineSafe(outcome.Action), outcome.Confidence)
	}
	if outcome.Summary != "" {
		b.WriteString("\n")
		b.WriteString(inlineSafe(outcome.Summary))
		b.WriteString("\n")
	}
	if outcome.HumanEscalated {
		b.WriteString("\nThis failure was escalated for human review.\n")
	}
	b.WriteString("\nUpdated: ")
	b.WriteString(time.Now().UTC().Format(time.RFC3339))
	return b.String()
}

// inlineSafe keeps untrusted text from breaking out of the comment markup.
func inlineSafe(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	return strings.TrimSpace(value)
}
