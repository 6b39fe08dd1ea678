// Package hosting wraps the source-hosting API used by workers for pull
// request creation, labeling, and remote branch checks. The implementation
// shells out to the gh CLI; tests and callers depend on the Client interface.
package hosting

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// PullRequestSpec describes a pull request to create.
type PullRequestSpec struct {
	Title  string
	Body   string
	Base   string
	Head   string
	Labels []string
	Draft  bool
}

// PullRequest is the created pull request reference.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// Client defines the hosting operations workers depend on.
type Client interface {
	CreatePullRequest(ctx context.Context, repoDir string, spec PullRequestSpec) (*PullRequest, error)
	BranchExists(ctx context.Context, repoDir, branch string) (bool, error)
	DeleteBranch(ctx context.Context, repoDir, branch string) error
}

// GHClient implements Client using the gh CLI.
type GHClient struct{}

// NewClient returns a new GHClient.
func NewClient() *GHClient {
	return &GHClient{}
}

func ghCmd(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *GHClient) CreatePullRequest(ctx context.Context, repoDir string, spec PullRequestSpec) (*PullRequest, error) {
	args := []string{"pr", "create",
		"--title", spec.Title,
		"--body", spec.Body,
		"--head", spec.Head,
	}
	if spec.Base != "" {
		args = append(args, "--base", spec.Base)
	}
	for _, label := range spec.Labels {
		args = append(args, "--label", label)
	}
	if spec.Draft {
		args = append(args, "--draft")
	}

	out, err := ghCmd(ctx, repoDir, args...)
	if err != nil {
		return nil, err
	}

	// gh prints the PR URL on success; the number is the final segment.
	url := lastLine(out)
	number := 0
	if idx := strings.LastIndex(url, "/"); idx >= 0 {
		number, _ = strconv.Atoi(url[idx+1:])
	}
	return &PullRequest{Number: number, URL: url}, nil
}

func (c *GHClient) BranchExists(ctx context.Context, repoDir, branch string) (bool, error) {
	_, err := ghCmd(ctx, repoDir, "api", "repos/{owner}/{repo}/branches/"+branch, "--jq", ".name")
	if err != nil {
		if strings.Contains(err.Error(), "404") || strings.Contains(err.Error(), "Not Found") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *GHClient) DeleteBranch(ctx context.Context, repoDir, branch string) error {
	_, err := ghCmd(ctx, repoDir, "api", "-X", "DELETE", "repos/{owner}/{repo}/git/refs/heads/"+branch)
	return err
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
