package models

import (
	"math"
	"time"
)

// TaskStatus represents the state of a tracked task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusPaused     TaskStatus = "paused"
)

// Terminal returns true once a task can no longer change state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// MaxProgressLog caps the per-task log ring.
const MaxProgressLog = 50

// TaskArtifacts accumulates the outputs a task produced.
type TaskArtifacts struct {
	Files        []string `json:"files,omitempty"`
	Commits      []string `json:"commits,omitempty"`
	PullRequests []int    `json:"pull_requests,omitempty"`
	Issues       []int    `json:"issues,omitempty"`
}

// TaskProgress is the per-(session, task) progress record. It is mutated
// exclusively through the progress tracker's update operation.
type TaskProgress struct {
	SessionID       string        `json:"session_id"`
	TaskID          string        `json:"task_id"`
	CurrentStep     int           `json:"current_step"`
	TotalSteps      int           `json:"total_steps"`
	PercentComplete int           `json:"percent_complete"`
	Status          TaskStatus    `json:"status"`
	Log             []string      `json:"log,omitempty"`
	Artifacts       TaskArtifacts `json:"artifacts"`
	Error           string        `json:"error,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// Percent computes round(100*step/total), the invariant value for
// PercentComplete outside of forced completion.
func Percent(step, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(step) / float64(total) * 100))
}

// Ref returns the bounded summary used in checkpoints.
func (p *TaskProgress) Ref() TaskProgressRef {
	return TaskProgressRef{
		TaskID:          p.TaskID,
		CurrentStep:     p.CurrentStep,
		TotalSteps:      p.TotalSteps,
		PercentComplete: p.PercentComplete,
	}
}

// Clone returns a deep copy safe to hand to subscribers.
func (p *TaskProgress) Clone() *TaskProgress {
	cp := *p
	cp.Log = append([]string{}, p.Log...)
	cp.Artifacts.Files = append([]string{}, p.Artifacts.Files...)
	cp.Artifacts.Commits = append([]string{}, p.Artifacts.Commits...)
	cp.Artifacts.PullRequests = append([]int{}, p.Artifacts.PullRequests...)
	cp.Artifacts.Issues = append([]int{}, p.Artifacts.Issues...)
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
