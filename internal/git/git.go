package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Client defines the interface for git operations on arbitrary repos.
// All methods take a path parameter since muster operates on a base clone
// plus any number of worktrees.
type Client interface {
	IsRepo(ctx context.Context, path string) bool
	Clone(ctx context.Context, url, path string) error
	Fetch(ctx context.Context, path string) error
	CurrentBranch(ctx context.Context, path string) (string, error)
	Head(ctx context.Context, path string) (string, error)
	WorktreeAdd(ctx context.Context, repoPath, wtPath, newBranch, baseBranch string) error
	WorktreeRemove(ctx context.Context, repoPath, wtPath string) error
	WorktreeList(ctx context.Context, repoPath string) ([]WorktreeInfo, error)
	StatusPorcelain(ctx context.Context, path string) ([]string, error)
	StageAll(ctx context.Context, path string) error
	DiffCachedNames(ctx context.Context, path string) ([]string, error)
	Commit(ctx context.Context, path, message string) (string, error)
	Push(ctx context.Context, path, remote, refspec string) error
	DeleteRemoteBranch(ctx context.Context, path, remote, branch string) error
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// IsRepo performs a structural check that path is a usable git repository,
// not merely that some command exited zero.
func (c *RealClient) IsRepo(ctx context.Context, path string) bool {
	out, err := gitCmd(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

func (c *RealClient) Clone(ctx context.Context, url, path string) error {
	out, err := exec.CommandContext(ctx, "git", "clone", url, path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone %s: %s", url, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *RealClient) Fetch(ctx context.Context, path string) error {
	_, err := gitCmd(ctx, path, "fetch", "--all", "--prune")
	return err
}

func (c *RealClient) CurrentBranch(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) Head(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "HEAD")
}

func (c *RealClient) WorktreeAdd(ctx context.Context, repoPath, wtPath, newBranch, baseBranch string) error {
	args := []string{"worktree", "add", "-b", newBranch, wtPath}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	_, err := gitCmd(ctx, repoPath, args...)
	return err
}

func (c *RealClient) WorktreeRemove(ctx context.Context, repoPath, wtPath string) error {
	if _, err := gitCmd(ctx, repoPath, "worktree", "remove", "--force", wtPath); err != nil {
		// Prune stale references so a half-removed worktree does not block
		// future adds, then report the original failure.
		_, _ = gitCmd(ctx, repoPath, "worktree", "prune")
		return err
	}
	return nil
}

func (c *RealClient) WorktreeList(ctx context.Context, repoPath string) ([]WorktreeInfo, error) {
	out, err := gitCmd(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

func (c *RealClient) StatusPorcelain(ctx context.Context, path string) ([]string, error) {
	out, err := gitCmd(ctx, path, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseStatusPorcelain(out), nil
}

func (c *RealClient) StageAll(ctx context.Context, path string) error {
	_, err := gitCmd(ctx, path, "add", "-A")
	return err
}

func (c *RealClient) DiffCachedNames(ctx context.Context, path string) ([]string, error) {
	out, err := gitCmd(ctx, path, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func (c *RealClient) Commit(ctx context.Context, path, message string) (string, error) {
	if _, err := gitCmd(ctx, path, "commit", "-m", message); err != nil {
		return "", err
	}
	return c.Head(ctx, path)
}

func (c *RealClient) Push(ctx context.Context, path, remote, refspec string) error {
	_, err := gitCmd(ctx, path, "push", "-u", remote, refspec)
	return err
}

func (c *RealClient) DeleteRemoteBranch(ctx context.Context, path, remote, branch string) error {
	_, err := gitCmd(ctx, path, "push", remote, "--delete", branch)
	return err
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

// ParseStatusPorcelain extracts changed file paths from `git status --porcelain`.
func ParseStatusPorcelain(output string) []string {
	if output == "" {
		return nil
	}
	var files []string
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 4 {
			continue
		}
		name := line[3:]
		// Renames read "old -> new"; the new path is the change.
		if idx := strings.Index(name, " -> "); idx >= 0 {
			name = name[idx+4:]
		}
		files = append(files, strings.Trim(name, `"`))
	}
	return files
}
