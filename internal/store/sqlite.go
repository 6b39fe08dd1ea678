package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mstanton/muster/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes all DB access through Go's connection pool, preventing
	// "database is locked" errors from concurrent callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// NewID generates a new ULID string.
func NewID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Session index ---

const sessionColumns = `id, task_id, task_tag, provider, status, started_at, last_active_at, completed_tasks, in_progress_tasks, pending_tasks, last_checkpoint_id`

func (s *SQLiteStore) UpsertSessionSummary(ctx context.Context, sum *models.SessionSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_index (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_id=excluded.task_id,
			task_tag=excluded.task_tag,
			provider=excluded.provider,
			status=excluded.status,
			started_at=excluded.started_at,
			last_active_at=excluded.last_active_at,
			completed_tasks=excluded.completed_tasks,
			in_progress_tasks=excluded.in_progress_tasks,
			pending_tasks=excluded.pending_tasks,
			last_checkpoint_id=excluded.last_checkpoint_id`,
		sum.ID, sum.TaskID, sum.TaskTag, sum.Provider, string(sum.Status),
		sum.StartedAt, sum.LastActiveAt, sum.CompletedTasks, sum.InProgressTasks,
		sum.PendingTasks, sum.LastCheckpointID,
	)
	if err != nil {
		return fmt.Errorf("upsert session summary: %w", err)
	}
	return nil
}

func scanSummary(row interface{ Scan(...any) error }) (*models.SessionSummary, error) {
	sum := &models.SessionSummary{}
	var status string
	err := row.Scan(&sum.ID, &sum.TaskID, &sum.TaskTag, &sum.Provider, &status,
		&sum.StartedAt, &sum.LastActiveAt, &sum.CompletedTasks, &sum.InProgressTasks,
		&sum.PendingTasks, &sum.LastCheckpointID)
	if err != nil {
		return nil, err
	}
	sum.Status = models.SessionStatus(status)
	return sum, nil
}

func (s *SQLiteStore) GetSessionSummary(ctx context.Context, id string) (*models.SessionSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM session_index WHERE id = ?`, id)
	sum, err := scanSummary(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session summary: %w", err)
	}
	return sum, nil
}

func (s *SQLiteStore) ListSessionSummaries(ctx context.Context, filter SessionFilter) ([]*models.SessionSummary, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Tag != "" {
		where = append(where, "task_tag = ?")
		args = append(args, filter.Tag)
	}
	if !filter.Since.IsZero() {
		where = append(where, "last_active_at >= ?")
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		where = append(where, "last_active_at <= ?")
		args = append(args, filter.Until)
	}

	query := `SELECT ` + sessionColumns + ` FROM session_index`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_active_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list session summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sums []*models.SessionSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}

func (s *SQLiteStore) DeleteSessionSummary(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM session_index WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete session summary: %w", err)
	}
	return nil
}

// --- Backlog ---

const backlogColumns = `id, title, description, prompt, tag, status, created_at, updated_at`

func (s *SQLiteStore) CreateBacklogItem(ctx context.Context, item *models.BacklogItem) error {
	if item.ID == "" {
		item.ID = NewID()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = models.BacklogStatusOpen
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backlog_items (`+backlogColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Title, item.Description, item.Prompt, item.Tag,
		string(item.Status), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create backlog item: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBacklogItem(ctx context.Context, id string) (*models.BacklogItem, error) {
	item := &models.BacklogItem{}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT `+backlogColumns+` FROM backlog_items WHERE id = ?`, id,
	).Scan(&item.ID, &item.Title, &item.Description, &item.Prompt, &item.Tag,
		&status, &item.CreatedAt, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("backlog item not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get backlog item: %w", err)
	}
	item.Status = models.BacklogStatus(status)
	return item, nil
}

func (s *SQLiteStore) ListBacklogItems(ctx context.Context, status models.BacklogStatus, limit int) ([]*models.BacklogItem, error) {
	query := `SELECT ` + backlogColumns + ` FROM backlog_items`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backlog items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*models.BacklogItem
	for rows.Next() {
		item := &models.BacklogItem{}
		var st string
		if err := rows.Scan(&item.ID, &item.Title, &item.Description, &item.Prompt,
			&item.Tag, &st, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan backlog item: %w", err)
		}
		item.Status = models.BacklogStatus(st)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) UpdateBacklogStatus(ctx context.Context, id string, status models.BacklogStatus) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE backlog_items SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update backlog status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("backlog item not found: %s", id)
	}
	return nil
}
