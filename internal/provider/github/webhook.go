package github

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/izavyalov-dev/delta-repair/protocol"
)

const (
	EventPing        = "ping"
	EventWorkflowRun = "workflow_run"
)

// VerifySignature checks a GitHub webhook signature header against the payload.
func VerifySignature(secret string, body []byte, signatureHeader string) (bool, error) {
	if secret == "" {
		return false, errors.New("webhook secret is empty")
	}
	if signatureHeader == "" {
		return false, errors.New("signature header missing")
	}

	parts := strings.SplitN(signatureHeader, "=", 2)
	if len(parts) != 2 {
		return false, errors.New("signature header malformed")
	}
	algo := parts[0]
	sigHex := parts[1]
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("signature hex decode failed: %w", err)
	}

	var mac []byte
	switch algo {
	case "sha1":
		h := hmac.New(sha1.New, []byte(secret))
		_, _ = h.Write(body)
		mac = h.Sum(nil)
	case "sha256":
		h := hmac.New(sha256.New, []byte(secret))
		_, _ = h.Write(body)
		mac = h.Sum(nil)
	default:
		return false, fmt.Errorf("unsupported signature algorithm %q", algo)
	}

	return hmac.Equal(mac, sigBytes), nil
}

// NormalizeEvent parses a GitHub webhook payload into a CI event. The
// boolean result indicates whether the event should start a repair session:
// only completed workflow runs that concluded in failure qualify.
func NormalizeEvent(eventType string, body []byte) (protocol.CIEvent, bool, error) {
	switch eventType {
	case EventPing:
		return protocol.CIEvent{}, false, nil
	case EventWorkflowRun:
		return normalizeWorkflowRun(body)
	default:
		return protocol.CIEvent{}, false, nil
	}
}

// ComputeEventKey derives a deterministic idempotency key for CI events so a
// redelivered webhook never starts a second repair session.
func ComputeEventKey(event protocol.CIEvent) (string, error) {
	if event.RepoOwner == "" || event.RepoName == "" || event.RunID == 0 {
		return "", errors.New("repo owner, repo name, and run_id required")
	}
	payload := fmt.Sprintf("%s|%d|%s|%s", event.Repo(), event.RunID, event.CommitSHA, event.Conclusion)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:]), nil
}

type repoRef struct {
	FullName string `json:"full_name"`
	Name     string `json:"name"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type workflowRunEvent struct {
	Action      string `json:"action"`
	WorkflowRun struct {
		ID         int64     `json:"id"`
		Name       string    `json:"name"`
		Status     string    `json:"status"`
		Conclusion string    `json:"conclusion"`
		HeadBranch string    `json:"head_branch"`
		HeadSHA    string    `json:"head_sha"`
		RunAttempt int       `json:"run_attempt"`
		CreatedAt  time.Time `json:"created_at"`
	} `json:"workflow_run"`
	Repository repoRef `json:"repository"`
}

func normalizeWorkflowRun(body []byte) (protocol.CIEvent, bool, error) {
	var evt workflowRunEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return protocol.CIEvent{}, false, fmt.Errorf("decode workflow_run event: %w", err)
	}
	if evt.Action != "completed" || evt.WorkflowRun.ID == 0 {
		return protocol.CIEvent{}, false, nil
	}
	if evt.WorkflowRun.Conclusion != "failure" {
		return protocol.CIEvent{}, false, nil
	}

	owner, name := normalizeRepo(evt.Repository)
	if owner == "" || name == "" {
		return protocol.CIEvent{}, false, errors.New("workflow_run event missing repository metadata")
	}

	return protocol.CIEvent{
		Provider:     "github",
		RepoOwner:    owner,
		RepoName:     name,
		RunID:        evt.WorkflowRun.ID,
		Status:       evt.WorkflowRun.Status,
		Conclusion:   evt.WorkflowRun.Conclusion,
		Branch:       evt.WorkflowRun.HeadBranch,
		CommitSHA:    evt.WorkflowRun.HeadSHA,
		WorkflowName: evt.WorkflowRun.Name,
		TriggeredAt:  evt.WorkflowRun.CreatedAt,
	}, true, nil
}

func normalizeRepo(repo repoRef) (owner string, name string) {
	owner = strings.TrimSpace(repo.Owner.Login)
	name = strings.TrimSpace(repo.Name)
	if (owner == "" || name == "") && repo.FullName != "" {
		parts := strings.SplitN(strings.TrimSpace(repo.FullName), "/", 2)
		if len(parts) == 2 {
			if owner == "" {
				owner = parts[0]
			}
			if name == "" {
				name = parts[1]
			}
		}
	}
	return owner, name
}
