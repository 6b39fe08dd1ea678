package models

import "time"

// EventType tags a session event variant. The payload set per type is closed:
// exactly one of the pointer payloads below is populated.
type EventType string

const (
	EventSessionCreated     EventType = "session_created"
	EventSessionPaused      EventType = "session_paused"
	EventSessionResumed     EventType = "session_resumed"
	EventSessionCompleted   EventType = "session_completed"
	EventSessionFailed      EventType = "session_failed"
	EventSessionDeleted     EventType = "session_deleted"
	EventCheckpointCreated  EventType = "checkpoint_created"
	EventCheckpointRestored EventType = "checkpoint_restored"
	EventTaskProgress       EventType = "task_progress"
	EventWorktreeNotice     EventType = "worktree_notice"
)

// LifecyclePayload carries session lifecycle transitions.
type LifecyclePayload struct {
	Status SessionStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
	// DurationSeconds is set on completion events.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// CheckpointPayload summarizes a checkpoint create/restore.
type CheckpointPayload struct {
	CheckpointID    string `json:"checkpoint_id"`
	CompletedTasks  int    `json:"completed_tasks"`
	InProgressTasks int    `json:"in_progress_tasks"`
	PendingTasks    int    `json:"pending_tasks"`
}

// ProgressPayload is the bounded per-update summary appended for task
// progress. It never carries the full log ring.
type ProgressPayload struct {
	TaskID          string     `json:"task_id"`
	CurrentStep     int        `json:"current_step"`
	TotalSteps      int        `json:"total_steps"`
	PercentComplete int        `json:"percent_complete"`
	Status          TaskStatus `json:"status"`
	Message         string     `json:"message,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// WorktreePayload records orchestrator/worker side events, including
// best-effort collaborator notifications that failed.
type WorktreePayload struct {
	Worktree string `json:"worktree"`
	TaskID   string `json:"task_id,omitempty"`
	Phase    string `json:"phase"`
	Detail   string `json:"detail,omitempty"`
}

// SessionEvent is one entry in a session's append-only event stream.
// Seq is assigned by the event log on append and increases monotonically
// per stream.
type SessionEvent struct {
	Seq       int64     `json:"seq"`
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Lifecycle  *LifecyclePayload  `json:"lifecycle,omitempty"`
	Checkpoint *CheckpointPayload `json:"checkpoint,omitempty"`
	Progress   *ProgressPayload   `json:"progress,omitempty"`
	Worktree   *WorktreePayload   `json:"worktree,omitempty"`
}
