package models

import "time"

// TaskProgressRef is the bounded per-task summary folded into a checkpoint
// for tasks still in flight at snapshot time.
type TaskProgressRef struct {
	TaskID          string `json:"task_id"`
	CurrentStep     int    `json:"current_step"`
	TotalSteps      int    `json:"total_steps"`
	PercentComplete int    `json:"percent_complete"`
}

// Checkpoint is an immutable snapshot of a session's task universe.
// The three task sets partition the known tasks: no id appears in two sets.
// A checkpoint is never mutated after creation; advancing the "current
// checkpoint" is a pointer swap on the session.
type Checkpoint struct {
	ID              string            `json:"id"`
	Timestamp       time.Time         `json:"timestamp"`
	CompletedTasks  []string          `json:"completed_tasks"`
	InProgressTasks []TaskProgressRef `json:"in_progress_tasks"`
	PendingTasks    []string          `json:"pending_tasks"`
	LastSyncedAt    *time.Time        `json:"last_synced_at,omitempty"`

	// Cross-references accumulated by workers: task id to commit SHA,
	// pull request number, and tracker issue number.
	TaskCommits      map[string]string `json:"task_commits"`
	TaskPullRequests map[string]int    `json:"task_pull_requests"`
	TaskIssues       map[string]int    `json:"task_issues"`
}

// NewCheckpoint returns an empty checkpoint with all collections allocated.
func NewCheckpoint(id string, ts time.Time) *Checkpoint {
	return &Checkpoint{
		ID:               id,
		Timestamp:        ts,
		CompletedTasks:   []string{},
		InProgressTasks:  []TaskProgressRef{},
		PendingTasks:     []string{},
		TaskCommits:      map[string]string{},
		TaskPullRequests: map[string]int{},
		TaskIssues:       map[string]int{},
	}
}

// Clone deep-copies the checkpoint so the original is never mutated after
// being superseded.
func (c *Checkpoint) Clone() *Checkpoint {
	cp := &Checkpoint{
		ID:               c.ID,
		Timestamp:        c.Timestamp,
		CompletedTasks:   append([]string{}, c.CompletedTasks...),
		InProgressTasks:  append([]TaskProgressRef{}, c.InProgressTasks...),
		PendingTasks:     append([]string{}, c.PendingTasks...),
		TaskCommits:      make(map[string]string, len(c.TaskCommits)),
		TaskPullRequests: make(map[string]int, len(c.TaskPullRequests)),
		TaskIssues:       make(map[string]int, len(c.TaskIssues)),
	}
	if c.LastSyncedAt != nil {
		t := *c.LastSyncedAt
		cp.LastSyncedAt = &t
	}
	for k, v := range c.TaskCommits {
		cp.TaskCommits[k] = v
	}
	for k, v := range c.TaskPullRequests {
		cp.TaskPullRequests[k] = v
	}
	for k, v := range c.TaskIssues {
		cp.TaskIssues[k] = v
	}
	return cp
}

// TaskSetsDisjoint reports whether the completed, in-progress, and pending
// sets are pairwise disjoint.
func (c *Checkpoint) TaskSetsDisjoint() bool {
	seen := make(map[string]int)
	for _, id := range c.CompletedTasks {
		seen[id]++
	}
	for _, ref := range c.InProgressTasks {
		seen[ref.TaskID]++
	}
	for _, id := range c.PendingTasks {
		seen[id]++
	}
	for _, n := range seen {
		if n > 1 {
			return false
		}
	}
	return true
}
