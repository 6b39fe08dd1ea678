package store

import (
	"context"
	"time"

	"github.com/mstanton/muster/internal/models"
)

// SessionFilter specifies filters for listing session summaries.
type SessionFilter struct {
	Status   models.SessionStatus
	Provider string
	Tag      string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Store defines the SQLite-backed persistence interface for the session
// index and the local backlog. Full session state lives in the JSON state
// store; the index only carries summary rows so listing stays cheap.
type Store interface {
	// Session index
	UpsertSessionSummary(ctx context.Context, s *models.SessionSummary) error
	GetSessionSummary(ctx context.Context, id string) (*models.SessionSummary, error)
	ListSessionSummaries(ctx context.Context, filter SessionFilter) ([]*models.SessionSummary, error)
	DeleteSessionSummary(ctx context.Context, id string) error

	// Backlog
	CreateBacklogItem(ctx context.Context, item *models.BacklogItem) error
	GetBacklogItem(ctx context.Context, id string) (*models.BacklogItem, error)
	ListBacklogItems(ctx context.Context, status models.BacklogStatus, limit int) ([]*models.BacklogItem, error)
	UpdateBacklogStatus(ctx context.Context, id string, status models.BacklogStatus) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
