package models

import "time"

// BacklogStatus represents the state of a backlog item.
type BacklogStatus string

const (
	BacklogStatusOpen       BacklogStatus = "open"
	BacklogStatusInProgress BacklogStatus = "in_progress"
	BacklogStatusDone       BacklogStatus = "done"
	BacklogStatusFailed     BacklogStatus = "failed"
)

// BacklogItem is a unit of work tracked by a backlog provider. A session is
// bound to exactly one backlog item.
type BacklogItem struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Prompt      string        `json:"prompt,omitempty"`
	Tag         string        `json:"tag,omitempty"`
	Status      BacklogStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
