// Package git captures and restores version-control state for the safety
// snapshot subsystem. It shells out to the git binary for a deliberately
// narrow surface instead of embedding a git implementation.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// State is the VCS state at snapshot time. It is captured read-only.
type State struct {
	Branch      string   `json:"branch"`
	CommitSHA   string   `json:"commit_sha"`
	IsClean     bool     `json:"is_clean"`
	Uncommitted []string `json:"uncommitted,omitempty"`
}

// Repo runs git commands against one repository root.
type Repo struct {
	Root string
}

func NewRepo(root string) *Repo {
	if root == "" {
		root = "."
	}
	return &Repo{Root: root}
}

// Capture reads branch, HEAD commit, and working-tree cleanliness without
// mutating anything.
func (r *Repo) Capture(ctx context.Context) (State, error) {
	branch, err := r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return State{}, fmt.Errorf("capture branch: %w", err)
	}
	commit, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return State{}, fmt.Errorf("capture commit: %w", err)
	}
	status, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return State{}, fmt.Errorf("capture status: %w", err)
	}

	state := State{
		Branch:    branch,
		CommitSHA: commit,
		IsClean:   status == "",
	}
	for _, line := range strings.Split(status, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// Porcelain lines are "XY path".
		fields := strings.Fields(line)
		state.Uncommitted = append(state.Uncommitted, fields[len(fields)-1])
	}
	return state, nil
}

// CheckoutBranch switches the working tree back to the named branch.
func (r *Repo) CheckoutBranch(ctx context.Context, branch string) error {
	if branch == "" {
		return fmt.Errorf("branch required")
	}
	_, err := r.run(ctx, "checkout", branch)
	return err
}

// ResetHard resets the working tree to the given commit.
func (r *Repo) ResetHard(ctx context.Context, commitSHA string) error {
	if commitSHA == "" {
		return fmt.Errorf("commit sha required")
	}
	_, err := r.run(ctx, "reset", "--hard", commitSHA)
	return err
}

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-C", r.Root}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("git %s: %s: %w", args[0], msg, err)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}
