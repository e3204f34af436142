// Package github is the CI provider client: run metadata, failure logs, and
// rerun requests against the GitHub Actions REST API.
package github

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/izavyalov-dev/delta-repair/protocol"
)

const (
	defaultBaseURL = "https://api.github.com"
	defaultTimeout = 300 * time.Second

	maxLogArchiveBytes = 32 << 20
	maxJobLogBytes     = 4 << 20
)

// APIError captures non-2xx responses from GitHub.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error: status=%d message=%s", e.StatusCode, e.Message)
}

// Client is a minimal GitHub Actions client for runs, logs, and reruns.
// Either Token (a static PAT) or Tokens (a per-request source such as
// AppAuth) must be set; Tokens wins when both are.
type Client struct {
	BaseURL    string
	Token      string
	Tokens     TokenSource
	HTTPClient *http.Client
	UserAgent  string
}

// NewClient constructs a client with the fixed provider timeout.
func NewClient(token string) *Client {
	return &Client{
		BaseURL:    defaultBaseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
		UserAgent:  "delta-repair",
	}
}

// NewAppClient constructs a client authenticated with App installation
// tokens instead of a static PAT.
func NewAppClient(tokens TokenSource) *Client {
	client := NewClient("")
	client.Tokens = tokens
	return client
}

// GetRun returns metadata for one workflow run.
func (c *Client) GetRun(ctx context.Context, owner, name string, runID int64) (protocol.RunInfo, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d", owner, name, runID)
	var run protocol.RunInfo
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &run); err != nil {
		return protocol.RunInfo{}, err
	}
	return run, nil
}

// ListJobs returns the jobs of one workflow run.
func (c *Client) ListJobs(ctx context.Context, owner, name string, runID int64) ([]protocol.JobInfo, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/jobs?per_page=100", owner, name, runID)
	var resp struct {
		Jobs []protocol.JobInfo `json:"jobs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// GetJobLogs returns the plain-text log of one job.
func (c *Client) GetJobLogs(ctx context.Context, owner, name string, jobID int64) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/jobs/%d/logs", owner, name, jobID)
	status, body, err := c.doRaw(ctx, http.MethodGet, path)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", &APIError{StatusCode: status, Message: string(body)}
	}
	return string(body), nil
}

// GetRunLogs fetches the full log archive for a run and expands it in
// memory. When the archive endpoint fails it degrades to fetching each
// failed job's log individually; partial text is better than none.
func (c *Client) GetRunLogs(ctx context.Context, owner, name string, runID int64) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/logs", owner, name, runID)
	status, body, err := c.doRaw(ctx, http.MethodGet, path)
	if err == nil && status >= 200 && status < 300 {
		text, zerr := expandLogArchive(body)
		if zerr == nil {
			return text, nil
		}
		err = zerr
	}

	jobs, jerr := c.ListJobs(ctx, owner, name, runID)
	if jerr != nil {
		if err != nil {
			return "", fmt.Errorf("run log archive unavailable (%v); job fallback failed: %w", err, jerr)
		}
		return "", jerr
	}

	var parts []string
	for _, job := range jobs {
		if job.Conclusion != "" && job.Conclusion != "failure" {
			continue
		}
		text, lerr := c.GetJobLogs(ctx, owner, name, job.ID)
		if lerr != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("=== job: %s ===\n%s", job.Name, text))
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no logs retrievable for run %d", runID)
	}
	return strings.Join(parts, "\n"), nil
}

// RerunRun asks the provider to re-run the failed jobs of a run and maps the
// response onto a rerun outcome.
func (c *Client) RerunRun(ctx context.Context, owner, name string, runID int64) (protocol.RerunOutcome, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/rerun-failed-jobs", owner, name, runID)
	status, body, err := c.doRaw(ctx, http.MethodPost, path)
	if err != nil {
		return protocol.RerunFailed, err
	}
	switch {
	case status == http.StatusCreated || status == http.StatusOK:
		return protocol.RerunAccepted, nil
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return protocol.RerunUnauthorized, nil
	case status == http.StatusUnprocessableEntity:
		return protocol.RerunNotRerunnable, nil
	case status == http.StatusTooManyRequests:
		return protocol.RerunRateLimited, nil
	default:
		return protocol.RerunFailed, &APIError{StatusCode: status, Message: string(body)}
	}
}

// CreateCommitComment posts a comment on a commit and returns its id.
func (c *Client) CreateCommitComment(ctx context.Context, owner, name, sha, body string) (int64, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/comments", owner, name, sha)
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]string{"body": body}, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// expandLogArchive flattens a zip log archive into one text blob. Entries
// are concatenated in name order so output is deterministic.
func expandLogArchive(data []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open log archive: %w", err)
	}

	files := make([]*zip.File, 0, len(reader.File))
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		files = append(files, file)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	var sb strings.Builder
	for _, file := range files {
		rc, err := file.Open()
		if err != nil {
			continue
		}
		content, err := io.ReadAll(io.LimitReader(rc, maxJobLogBytes))
		rc.Close()
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "=== %s ===\n", file.Name)
		sb.Write(content)
		if len(content) > 0 && content[len(content)-1] != '\n' {
			sb.WriteByte('\n')
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("log archive contained no files")
	}
	return sb.String(), nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	status, body, err := c.do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &APIError{StatusCode: status, Message: string(body)}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, path string) (int, []byte, error) {
	return c.do(ctx, method, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	if c == nil {
		return 0, nil, errors.New("github client is nil")
	}
	token := c.Token
	if c.Tokens != nil {
		resolved, err := c.Tokens.Token(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("resolve github token: %w", err)
		}
		token = resolved
	}
	if token == "" {
		return 0, nil, errors.New("github credentials missing")
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(data)
	}

	base := strings.TrimRight(c.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxLogArchiveBytes))
	return resp.StatusCode, respBody, nil
}
