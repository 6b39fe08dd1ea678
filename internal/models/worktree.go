package models

import "time"

// WorktreeStatus is the orchestrator's view of a worktree's state.
type WorktreeStatus string

const (
	WorktreeStatusIdle      WorktreeStatus = "idle"
	WorktreeStatusWorking   WorktreeStatus = "working"
	WorktreeStatusCompleted WorktreeStatus = "completed"
	WorktreeStatusError     WorktreeStatus = "error"
)

// WorktreeState describes one isolated working copy and its last outcome.
type WorktreeState struct {
	Name          string         `json:"name"`
	Path          string         `json:"path"`
	Branch        string         `json:"branch"`
	Status        WorktreeStatus `json:"status"`
	HasChanges    bool           `json:"has_changes"`
	LastCommitSHA string         `json:"last_commit_sha,omitempty"`
	LastUpdate    time.Time      `json:"last_update"`
}

// WorkerTask is the input handed to a worktree worker. Pure value type; no
// shared mutable state crosses the worker/orchestrator boundary.
type WorkerTask struct {
	ID        string        `json:"id"`
	Prompt    string        `json:"prompt"`
	Mode      string        `json:"mode,omitempty"`
	AgentType string        `json:"agent_type,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Labels    []string      `json:"labels,omitempty"`

	// IssueNumber links the task to an external tracker issue for
	// best-effort notifications. Zero means no link.
	IssueNumber int `json:"issue_number,omitempty"`

	// CreatePR requests a pull request when the task produced changes.
	CreatePR bool `json:"create_pr,omitempty"`
}

// WorkerResult is the outcome of one task execution.
type WorkerResult struct {
	TaskID      string        `json:"task_id"`
	ExitCode    int           `json:"exit_code"`
	Stdout      string        `json:"stdout,omitempty"`
	Stderr      string        `json:"stderr,omitempty"`
	Duration    time.Duration `json:"duration"`
	Files       []string      `json:"files,omitempty"`
	CommitSHA   string        `json:"commit_sha,omitempty"`
	Branch      string        `json:"branch,omitempty"`
	PullRequest int           `json:"pull_request,omitempty"`
	PRURL       string        `json:"pr_url,omitempty"`

	// Partial marks a partial success: the commit and push completed but a
	// later side effect (typically PR creation) did not. Distinct from both
	// full success and failure.
	Partial       bool   `json:"partial,omitempty"`
	PartialReason string `json:"partial_reason,omitempty"`

	// Error carries the failure text when ExitCode is non-zero.
	Error string `json:"error,omitempty"`
}

// Failed reports whether the task execution failed outright.
func (r *WorkerResult) Failed() bool { return r.ExitCode != 0 }
