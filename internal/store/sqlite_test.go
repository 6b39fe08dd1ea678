package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstanton/muster/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func summary(id string, status models.SessionStatus, lastActive time.Time) *models.SessionSummary {
	return &models.SessionSummary{
		ID:           id,
		TaskID:       "task-" + id,
		Provider:     "local",
		Status:       status,
		StartedAt:    lastActive.Add(-time.Hour),
		LastActiveAt: lastActive,
	}
}

func TestSessionSummary_UpsertGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sum := summary("s1", models.SessionStatusActive, time.Now().UTC())
	sum.TaskTag = "bug"
	sum.PendingTasks = 3
	require.NoError(t, s.UpsertSessionSummary(ctx, sum))

	got, err := s.GetSessionSummary(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "task-s1", got.TaskID)
	assert.Equal(t, "bug", got.TaskTag)
	assert.Equal(t, 3, got.PendingTasks)

	// Upsert replaces in place.
	sum.Status = models.SessionStatusPaused
	sum.PendingTasks = 1
	require.NoError(t, s.UpsertSessionSummary(ctx, sum))

	got, err = s.GetSessionSummary(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, got.Status)
	assert.Equal(t, 1, got.PendingTasks)

	require.NoError(t, s.DeleteSessionSummary(ctx, "s1"))
	_, err = s.GetSessionSummary(ctx, "s1")
	assert.Error(t, err)
}

func TestListSessionSummaries_OrderAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	old := summary("old", models.SessionStatusCompleted, base.Add(-48*time.Hour))
	mid := summary("mid", models.SessionStatusActive, base.Add(-time.Hour))
	mid.TaskTag = "feature"
	newest := summary("new", models.SessionStatusActive, base)
	for _, sum := range []*models.SessionSummary{old, mid, newest} {
		require.NoError(t, s.UpsertSessionSummary(ctx, sum))
	}

	all, err := s.ListSessionSummaries(ctx, SessionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID, "sorted by last_active_at descending")
	assert.Equal(t, "mid", all[1].ID)
	assert.Equal(t, "old", all[2].ID)

	active, err := s.ListSessionSummaries(ctx, SessionFilter{Status: models.SessionStatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	tagged, err := s.ListSessionSummaries(ctx, SessionFilter{Tag: "feature"})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, "mid", tagged[0].ID)

	recent, err := s.ListSessionSummaries(ctx, SessionFilter{Since: base.Add(-2 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	capped, err := s.ListSessionSummaries(ctx, SessionFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, capped, 1)
	assert.Equal(t, "new", capped[0].ID)
}

func TestBacklogCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := &models.BacklogItem{
		Title:  "Fix flaky sync",
		Prompt: "Investigate and fix the flaky sync test",
		Tag:    "bug",
	}
	require.NoError(t, s.CreateBacklogItem(ctx, item))
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, models.BacklogStatusOpen, item.Status)

	got, err := s.GetBacklogItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fix flaky sync", got.Title)

	require.NoError(t, s.UpdateBacklogStatus(ctx, item.ID, models.BacklogStatusInProgress))
	got, err = s.GetBacklogItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BacklogStatusInProgress, got.Status)

	inProgress, err := s.ListBacklogItems(ctx, models.BacklogStatusInProgress, 0)
	require.NoError(t, err)
	assert.Len(t, inProgress, 1)

	err = s.UpdateBacklogStatus(ctx, "missing", models.BacklogStatusDone)
	assert.Error(t, err)
}
