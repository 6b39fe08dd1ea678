// Package sessions implements the session lifecycle: creation against a
// backlog item, pause/resume/complete/fail transitions, checkpoint creation
// and restoration, and the secondary index that keeps listing cheap. The JSON
// state store is authoritative; the SQLite index and the event log follow it.
package sessions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mstanton/muster/internal/fault"
	"github.com/mstanton/muster/internal/models"
	"github.com/mstanton/muster/internal/persist"
	"github.com/mstanton/muster/internal/progress"
	"github.com/mstanton/muster/internal/provider"
	"github.com/mstanton/muster/internal/store"
)

func sessionKey(id string) string { return "sessions/" + id }

func checkpointPrefix(sessionID string) string { return "checkpoints/" + sessionID + "/" }

func checkpointKey(sessionID, cpID string) string {
	return checkpointPrefix(sessionID) + cpID
}

// CreateSessionRequest binds a new session to a backlog item: exactly one of
// TaskID (existing item) or NewTask (create via the provider) must be set.
type CreateSessionRequest struct {
	TaskID  string
	NewTask *provider.CreateTaskFields
	Tag     string
}

// Manager owns session state transitions. All exported methods are safe for
// concurrent use within one process; concurrent processes on the same state
// directory are out of scope.
type Manager struct {
	state    *persist.StateStore
	events   *persist.EventLog
	index    store.Store
	provider provider.Provider
	tracker  *progress.Tracker // optional, folded into checkpoints when set
	logger   *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// Option configures optional manager collaborators.
type Option func(*Manager)

// WithTracker folds live task progress into created checkpoints.
func WithTracker(t *progress.Tracker) Option {
	return func(m *Manager) { m.tracker = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager.
func NewManager(state *persist.StateStore, events *persist.EventLog, index store.Store, prov provider.Provider, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		state:    state,
		events:   events,
		index:    index,
		provider: prov,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession resolves the backlog item, allocates the session with a fresh
// checkpoint carrying the bound task as pending, and the four named storage
// volumes scoped by session id.
func (m *Manager) CreateSession(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	if (req.TaskID == "") == (req.NewTask == nil) {
		return nil, fault.Validation("exactly one of task id or new-task request must be provided")
	}

	taskID := req.TaskID
	if req.NewTask != nil {
		id, err := m.provider.CreateTask(ctx, *req.NewTask)
		if err != nil {
			return nil, err
		}
		taskID = id
	} else {
		if _, err := m.provider.GetTask(ctx, taskID); err != nil {
			return nil, err
		}
	}

	now := m.now()
	id := store.NewID()
	cp := models.NewCheckpoint(store.NewID(), now)
	cp.PendingTasks = append(cp.PendingTasks, taskID)

	sess := &models.Session{
		ID:               id,
		TaskID:           taskID,
		TaskTag:          req.Tag,
		Provider:         m.provider.Type(),
		Status:           models.SessionStatusActive,
		StartedAt:        now,
		LastActiveAt:     now,
		Checkpoint:       cp,
		LastCheckpointID: cp.ID,
		Volumes:          models.VolumesFor(id),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.state.Save(checkpointKey(id, cp.ID), cp); err != nil {
		return nil, err
	}
	if err := m.persistLocked(ctx, sess); err != nil {
		return nil, err
	}
	m.appendEvent(sess.ID, models.EventSessionCreated, &models.SessionEvent{
		Lifecycle: &models.LifecyclePayload{Status: sess.Status},
	})
	m.logger.Info("session created", "session", sess.ID, "task", taskID, "provider", sess.Provider)
	return sess, nil
}

// GetSession loads full session state.
func (m *Manager) GetSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(id)
}

// ListSessions returns summary rows from the index, newest activity first.
func (m *Manager) ListSessions(ctx context.Context, filter store.SessionFilter) ([]*models.SessionSummary, error) {
	return m.index.ListSessionSummaries(ctx, filter)
}

// PauseSession checkpoints first, then flips to paused. Pausing an already
// paused session is an idempotent no-op; pausing a terminal session is
// rejected.
func (m *Manager) PauseSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.loadLocked(id)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionStatusPaused {
		return sess, nil
	}
	if sess.Status.Terminal() {
		return nil, fault.Validation("session %s is %s and cannot be paused", id, sess.Status)
	}

	if _, err := m.checkpointLocked(sess); err != nil {
		return nil, err
	}
	now := m.now()
	sess.Status = models.SessionStatusPaused
	sess.PausedAt = &now
	sess.Touch(now)
	if err := m.persistLocked(ctx, sess); err != nil {
		return nil, err
	}
	m.appendEvent(id, models.EventSessionPaused, &models.SessionEvent{
		Lifecycle: &models.LifecyclePayload{Status: sess.Status},
	})
	m.logger.Info("session paused", "session", id)
	return sess, nil
}

// ResumeSession returns a paused session to active, clearing PausedAt.
// Resuming an active session is an idempotent no-op.
func (m *Manager) ResumeSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.loadLocked(id)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionStatusActive {
		return sess, nil
	}
	if sess.Status.Terminal() {
		return nil, fault.Validation("session %s is %s and cannot be resumed", id, sess.Status)
	}

	sess.Status = models.SessionStatusActive
	sess.PausedAt = nil
	sess.Touch(m.now())
	if err := m.persistLocked(ctx, sess); err != nil {
		return nil, err
	}
	m.appendEvent(id, models.EventSessionResumed, &models.SessionEvent{
		Lifecycle: &models.LifecyclePayload{Status: sess.Status},
	})
	m.logger.Info("session resumed", "session", id)
	return sess, nil
}

// CompleteSession writes a final checkpoint and marks the session completed,
// logging the total duration. Completing twice is an idempotent no-op;
// completing a failed session is rejected.
func (m *Manager) CompleteSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.loadLocked(id)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionStatusCompleted {
		return sess, nil
	}
	if sess.Status == models.SessionStatusFailed {
		return nil, fault.Validation("session %s has failed and cannot be completed", id)
	}

	if _, err := m.checkpointLocked(sess); err != nil {
		return nil, err
	}
	now := m.now()
	duration := now.Sub(sess.StartedAt)
	sess.Status = models.SessionStatusCompleted
	sess.CompletedAt = &now
	sess.Touch(now)
	if err := m.persistLocked(ctx, sess); err != nil {
		return nil, err
	}
	m.appendEvent(id, models.EventSessionCompleted, &models.SessionEvent{
		Lifecycle: &models.LifecyclePayload{Status: sess.Status, DurationSeconds: duration.Seconds()},
	})
	m.logger.Info("session completed", "session", id, "duration", duration)
	return sess, nil
}

// FailSession marks the session failed with a reason, capturing the failure
// point in a checkpoint. The session need not have been active. Failing a
// failed session is an idempotent no-op; failing a completed one is rejected.
func (m *Manager) FailSession(ctx context.Context, id, reason string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.loadLocked(id)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionStatusFailed {
		return sess, nil
	}
	if sess.Status == models.SessionStatusCompleted {
		return nil, fault.Validation("session %s is completed and cannot be failed", id)
	}

	if _, err := m.checkpointLocked(sess); err != nil {
		return nil, err
	}
	now := m.now()
	sess.Status = models.SessionStatusFailed
	sess.FailureReason = reason
	sess.Touch(now)
	if err := m.persistLocked(ctx, sess); err != nil {
		return nil, err
	}
	m.appendEvent(id, models.EventSessionFailed, &models.SessionEvent{
		Lifecycle: &models.LifecyclePayload{Status: sess.Status, Reason: reason},
	})
	m.logger.Warn("session failed", "session", id, "reason", reason)
	return sess, nil
}

// DeleteSession destroys the session and everything it owns: full state,
// every retained checkpoint, the index row, and the event stream.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.loadLocked(id); err != nil {
		return err
	}

	keys, err := m.state.List(checkpointPrefix(id))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.state.Delete(key); err != nil {
			return err
		}
	}
	if err := m.state.Delete(sessionKey(id)); err != nil {
		return err
	}
	if err := m.index.DeleteSessionSummary(ctx, id); err != nil {
		return err
	}
	if err := m.events.Delete(id); err != nil {
		return err
	}
	m.logger.Info("session deleted", "session", id)
	return nil
}

// CreateCheckpoint snapshots the session's task universe, folding live
// tracker progress in, and advances the session's checkpoint pointer.
func (m *Manager) CreateCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.loadLocked(id)
	if err != nil {
		return nil, err
	}
	cp, err := m.checkpointLocked(sess)
	if err != nil {
		return nil, err
	}
	if err := m.persistLocked(ctx, sess); err != nil {
		return nil, err
	}
	return cp, nil
}

// checkpointLocked builds and persists the next checkpoint for sess and
// swaps the session's pointer. The superseded checkpoint is never touched.
func (m *Manager) checkpointLocked(sess *models.Session) (*models.Checkpoint, error) {
	cp := sess.Checkpoint.Clone()
	cp.ID = store.NewID()
	cp.Timestamp = m.now()

	if m.tracker != nil {
		m.foldProgress(sess.ID, cp)
		ts := m.now()
		cp.LastSyncedAt = &ts
	}

	if err := m.state.Save(checkpointKey(sess.ID, cp.ID), cp); err != nil {
		return nil, err
	}
	sess.Checkpoint = cp
	sess.LastCheckpointID = cp.ID
	m.appendEvent(sess.ID, models.EventCheckpointCreated, &models.SessionEvent{
		Checkpoint: &models.CheckpointPayload{
			CheckpointID:    cp.ID,
			CompletedTasks:  len(cp.CompletedTasks),
			InProgressTasks: len(cp.InProgressTasks),
			PendingTasks:    len(cp.PendingTasks),
		},
	})
	return cp, nil
}

// foldProgress moves tracked tasks between the checkpoint's sets according to
// their live status and merges artifact cross-references. The three sets stay
// pairwise disjoint.
func (m *Manager) foldProgress(sessionID string, cp *models.Checkpoint) {
	for _, p := range m.tracker.GetAll(sessionID) {
		removeTask(cp, p.TaskID)
		switch p.Status {
		case models.TaskStatusCompleted:
			cp.CompletedTasks = append(cp.CompletedTasks, p.TaskID)
		case models.TaskStatusInProgress, models.TaskStatusPaused:
			cp.InProgressTasks = append(cp.InProgressTasks, p.Ref())
		default:
			// pending and failed tasks are re-queued as pending so a
			// restore retries them
			cp.PendingTasks = append(cp.PendingTasks, p.TaskID)
		}
		if n := len(p.Artifacts.Commits); n > 0 {
			cp.TaskCommits[p.TaskID] = p.Artifacts.Commits[n-1]
		}
		if n := len(p.Artifacts.PullRequests); n > 0 {
			cp.TaskPullRequests[p.TaskID] = p.Artifacts.PullRequests[n-1]
		}
		if n := len(p.Artifacts.Issues); n > 0 {
			cp.TaskIssues[p.TaskID] = p.Artifacts.Issues[n-1]
		}
	}
	sort.Strings(cp.CompletedTasks)
	sort.Strings(cp.PendingTasks)
}

func removeTask(cp *models.Checkpoint, taskID string) {
	cp.CompletedTasks = removeString(cp.CompletedTasks, taskID)
	cp.PendingTasks = removeString(cp.PendingTasks, taskID)
	refs := cp.InProgressTasks[:0]
	for _, ref := range cp.InProgressTasks {
		if ref.TaskID != taskID {
			refs = append(refs, ref)
		}
	}
	cp.InProgressTasks = refs
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// ListCheckpoints returns every retained checkpoint for a session, oldest
// first.
func (m *Manager) ListCheckpoints(ctx context.Context, id string) ([]*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.loadLocked(id); err != nil {
		return nil, err
	}
	keys, err := m.state.List(checkpointPrefix(id))
	if err != nil {
		return nil, err
	}
	cps := make([]*models.Checkpoint, 0, len(keys))
	for _, key := range keys {
		var cp models.Checkpoint
		found, err := m.state.Load(key, &cp)
		if err != nil {
			return nil, err
		}
		if found {
			cps = append(cps, &cp)
		}
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].Timestamp.Before(cps[j].Timestamp) })
	return cps, nil
}

// RestoreFromCheckpoint replaces the session's current checkpoint with a
// retained one. This is the sole recovery path after a crash or rollback.
func (m *Manager) RestoreFromCheckpoint(ctx context.Context, id, checkpointID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.loadLocked(id)
	if err != nil {
		return nil, err
	}
	var cp models.Checkpoint
	found, err := m.state.Load(checkpointKey(id, checkpointID), &cp)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fault.NotFound("checkpoint %s not found for session %s", checkpointID, id)
	}

	sess.Checkpoint = cp.Clone()
	sess.LastCheckpointID = cp.ID
	sess.Touch(m.now())
	if err := m.persistLocked(ctx, sess); err != nil {
		return nil, err
	}
	m.appendEvent(id, models.EventCheckpointRestored, &models.SessionEvent{
		Checkpoint: &models.CheckpointPayload{
			CheckpointID:    cp.ID,
			CompletedTasks:  len(cp.CompletedTasks),
			InProgressTasks: len(cp.InProgressTasks),
			PendingTasks:    len(cp.PendingTasks),
		},
	})
	m.logger.Info("checkpoint restored", "session", id, "checkpoint", checkpointID)
	return sess, nil
}

func (m *Manager) loadLocked(id string) (*models.Session, error) {
	if id == "" {
		return nil, fault.Validation("session id is required")
	}
	var sess models.Session
	found, err := m.state.Load(sessionKey(id), &sess)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fault.NotFound("session %s not found", id)
	}
	return &sess, nil
}

// persistLocked saves authoritative state and refreshes the index row.
func (m *Manager) persistLocked(ctx context.Context, sess *models.Session) error {
	if err := m.state.Save(sessionKey(sess.ID), sess); err != nil {
		return err
	}
	summary := &models.SessionSummary{
		ID:               sess.ID,
		TaskID:           sess.TaskID,
		TaskTag:          sess.TaskTag,
		Provider:         sess.Provider,
		Status:           sess.Status,
		StartedAt:        sess.StartedAt,
		LastActiveAt:     sess.LastActiveAt,
		CompletedTasks:   len(sess.Checkpoint.CompletedTasks),
		InProgressTasks:  len(sess.Checkpoint.InProgressTasks),
		PendingTasks:     len(sess.Checkpoint.PendingTasks),
		LastCheckpointID: sess.LastCheckpointID,
	}
	if err := m.index.UpsertSessionSummary(ctx, summary); err != nil {
		// The state store is authoritative; a stale index row is repaired on
		// the next write.
		m.logger.Warn("session index update failed", "session", sess.ID, "error", err)
	}
	return nil
}

// appendEvent stamps the variant onto a session event and appends it.
// Event-log failures are logged, never propagated: the log is the audit
// trail, not the source of truth.
func (m *Manager) appendEvent(sessionID string, typ models.EventType, ev *models.SessionEvent) {
	ev.SessionID = sessionID
	ev.Type = typ
	if err := m.events.Append(sessionID, ev); err != nil {
		m.logger.Warn("event append failed", "session", sessionID, "type", typ, "error", err)
	}
}
