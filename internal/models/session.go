package models

import (
	"fmt"
	"time"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Terminal returns true for states that permit no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// SessionVolumes names the four storage volumes a session owns. Names are
// scoped by session id so concurrent sessions never collide.
type SessionVolumes struct {
	Workspace  string `json:"workspace"`
	GitCache   string `json:"git_cache"`
	State      string `json:"state"`
	AgentCache string `json:"agent_cache"`
}

// VolumesFor derives the deterministic volume set for a session id.
func VolumesFor(sessionID string) SessionVolumes {
	return SessionVolumes{
		Workspace:  fmt.Sprintf("muster-%s-workspace", sessionID),
		GitCache:   fmt.Sprintf("muster-%s-gitcache", sessionID),
		State:      fmt.Sprintf("muster-%s-state", sessionID),
		AgentCache: fmt.Sprintf("muster-%s-agentcache", sessionID),
	}
}

// Session is the top-level unit of work, bound to a single backlog item.
// Exactly one mutable checkpoint is live at a time; superseded checkpoints
// are retained immutably for rollback.
type Session struct {
	ID               string         `json:"id"`
	TaskID           string         `json:"task_id"`
	TaskTag          string         `json:"task_tag,omitempty"`
	Provider         string         `json:"provider"`
	Status           SessionStatus  `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	LastActiveAt     time.Time      `json:"last_active_at"`
	PausedAt         *time.Time     `json:"paused_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	Checkpoint       *Checkpoint    `json:"checkpoint"`
	LastCheckpointID string         `json:"last_checkpoint_id,omitempty"`
	Worktrees        []string       `json:"worktrees,omitempty"`
	Containers       []string       `json:"containers,omitempty"`
	Volumes          SessionVolumes `json:"volumes"`
}

// Touch advances LastActiveAt, keeping it monotonically non-decreasing.
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastActiveAt) {
		s.LastActiveAt = now
	}
}

// SessionSummary is the index row kept per session so that listing and
// filtering never requires loading the full checkpoint graph.
type SessionSummary struct {
	ID               string        `json:"id"`
	TaskID           string        `json:"task_id"`
	TaskTag          string        `json:"task_tag,omitempty"`
	Provider         string        `json:"provider"`
	Status           SessionStatus `json:"status"`
	StartedAt        time.Time     `json:"started_at"`
	LastActiveAt     time.Time     `json:"last_active_at"`
	CompletedTasks   int           `json:"completed_tasks"`
	InProgressTasks  int           `json:"in_progress_tasks"`
	PendingTasks     int           `json:"pending_tasks"`
	LastCheckpointID string        `json:"last_checkpoint_id,omitempty"`
}
