// Package progress tracks per-task execution progress for sessions. The
// tracker is the single writer for every (session, task) record: callers hand
// it partial updates, it merges them, appends a bounded summary event to the
// session's stream, and fans the new snapshot out to subscribers.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mstanton/muster/internal/fault"
	"github.com/mstanton/muster/internal/models"
	"github.com/mstanton/muster/internal/persist"
)

type key struct {
	sessionID string
	taskID    string
}

// Update carries the partial fields of one progress mutation. Nil/zero fields
// are left untouched on the record.
type Update struct {
	Step     *int
	Status   *models.TaskStatus
	LogLine  string
	Files    []string
	Commits  []string
	PullReqs []int
	Issues   []int
	Error    string
}

// Subscription delivers progress snapshots. Close it via Cancel to avoid
// leaking the subscriber slot; the tracker never blocks on a slow receiver.
type Subscription struct {
	C      <-chan *models.TaskProgress
	Cancel func()
}

const subscriberBuffer = 16

type subscriber struct {
	ch    chan *models.TaskProgress
	match *key // nil matches every task
}

// Tracker owns the in-memory progress map and its subscribers.
type Tracker struct {
	events *persist.EventLog
	logger *slog.Logger

	mu      sync.Mutex
	records map[key]*models.TaskProgress
	subs    map[int]*subscriber
	nextSub int
}

// NewTracker creates a tracker that appends progress events to the given log.
func NewTracker(events *persist.EventLog, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		events:  events,
		logger:  logger,
		records: make(map[key]*models.TaskProgress),
		subs:    make(map[int]*subscriber),
	}
}

// Initialize registers a new task record in the pending state. Re-initializing
// an existing non-terminal record is rejected; a terminal one is replaced
// (restart after crash recovery).
func (t *Tracker) Initialize(sessionID, taskID string, totalSteps int) (*models.TaskProgress, error) {
	if sessionID == "" || taskID == "" {
		return nil, fault.Validation("session id and task id are required")
	}
	if totalSteps <= 0 {
		return nil, fault.Validation("total steps must be positive")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{sessionID, taskID}
	if existing, ok := t.records[k]; ok && !existing.Status.Terminal() {
		return nil, fault.Validation("task %s already tracked for session %s", taskID, sessionID)
	}
	now := time.Now()
	rec := &models.TaskProgress{
		SessionID:  sessionID,
		TaskID:     taskID,
		TotalSteps: totalSteps,
		Status:     models.TaskStatusPending,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	t.records[k] = rec
	return rec.Clone(), nil
}

// statusRank orders the forward-only part of the task lifecycle. Pause and
// resume toggle between paused and in_progress outside this ordering.
func statusRank(s models.TaskStatus) int {
	switch s {
	case models.TaskStatusPending:
		return 0
	case models.TaskStatusInProgress, models.TaskStatusPaused:
		return 1
	case models.TaskStatusCompleted, models.TaskStatusFailed:
		return 2
	}
	return 0
}

func validTransition(from, to models.TaskStatus) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	// pause/resume is a two-state toggle independent of step progress
	if (from == models.TaskStatusInProgress && to == models.TaskStatusPaused) ||
		(from == models.TaskStatusPaused && to == models.TaskStatusInProgress) {
		return true
	}
	return statusRank(to) > statusRank(from)
}

// ApplyUpdate merges a partial update into the task's record, appends a
// bounded summary event, and notifies subscribers. Returns the post-update
// snapshot.
func (t *Tracker) ApplyUpdate(sessionID, taskID string, upd Update) (*models.TaskProgress, error) {
	t.mu.Lock()
	k := key{sessionID, taskID}
	rec, ok := t.records[k]
	if !ok {
		t.mu.Unlock()
		return nil, fault.NotFound("no progress record for task %s in session %s", taskID, sessionID)
	}

	if upd.Status != nil && !validTransition(rec.Status, *upd.Status) {
		from := rec.Status
		t.mu.Unlock()
		return nil, fault.Validation("invalid task status transition %s -> %s", from, *upd.Status)
	}

	now := time.Now()
	if upd.Step != nil {
		rec.CurrentStep = *upd.Step
		rec.PercentComplete = models.Percent(rec.CurrentStep, rec.TotalSteps)
	}
	if upd.Status != nil {
		rec.Status = *upd.Status
		switch rec.Status {
		case models.TaskStatusCompleted:
			rec.PercentComplete = 100
			rec.CompletedAt = &now
		case models.TaskStatusFailed:
			// percent stays at last known value
			rec.CompletedAt = &now
		}
	}
	if upd.LogLine != "" {
		rec.Log = append(rec.Log, upd.LogLine)
		if len(rec.Log) > models.MaxProgressLog {
			rec.Log = rec.Log[len(rec.Log)-models.MaxProgressLog:]
		}
	}
	rec.Artifacts.Files = append(rec.Artifacts.Files, upd.Files...)
	rec.Artifacts.Commits = append(rec.Artifacts.Commits, upd.Commits...)
	rec.Artifacts.PullRequests = append(rec.Artifacts.PullRequests, upd.PullReqs...)
	rec.Artifacts.Issues = append(rec.Artifacts.Issues, upd.Issues...)
	if upd.Error != "" {
		rec.Error = upd.Error
	}
	rec.UpdatedAt = now

	snapshot := rec.Clone()
	t.notifyLocked(k, snapshot)
	t.mu.Unlock()

	if t.events != nil {
		ev := &models.SessionEvent{
			SessionID: sessionID,
			Type:      models.EventTaskProgress,
			Progress: &models.ProgressPayload{
				TaskID:          taskID,
				CurrentStep:     snapshot.CurrentStep,
				TotalSteps:      snapshot.TotalSteps,
				PercentComplete: snapshot.PercentComplete,
				Status:          snapshot.Status,
				Message:         upd.LogLine,
				Error:           snapshot.Error,
			},
		}
		if err := t.events.Append(sessionID, ev); err != nil {
			t.logger.Warn("progress event append failed", "session", sessionID, "task", taskID, "error", err)
		}
	}
	return snapshot, nil
}

func (t *Tracker) notifyLocked(k key, snapshot *models.TaskProgress) {
	for _, sub := range t.subs {
		if sub.match != nil && *sub.match != k {
			continue
		}
		select {
		case sub.ch <- snapshot:
		default:
			// slow subscriber: drop rather than block the writer
		}
	}
}

// Get returns a snapshot of one task's progress.
func (t *Tracker) Get(sessionID, taskID string) (*models.TaskProgress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key{sessionID, taskID}]
	if !ok {
		return nil, fault.NotFound("no progress record for task %s in session %s", taskID, sessionID)
	}
	return rec.Clone(), nil
}

// GetAll returns snapshots of every tracked task for a session.
func (t *Tracker) GetAll(sessionID string) []*models.TaskProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*models.TaskProgress
	for k, rec := range t.records {
		if k.sessionID == sessionID {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Subscribe registers for every task's updates.
func (t *Tracker) Subscribe() *Subscription {
	return t.subscribe(nil)
}

// SubscribeTask registers for one task's updates.
func (t *Tracker) SubscribeTask(sessionID, taskID string) *Subscription {
	k := key{sessionID, taskID}
	return t.subscribe(&k)
}

func (t *Tracker) subscribe(match *key) *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	ch := make(chan *models.TaskProgress, subscriberBuffer)
	t.subs[id] = &subscriber{ch: ch, match: match}
	return &Subscription{
		C: ch,
		Cancel: func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if sub, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub.ch)
			}
		},
	}
}

// Sweep evicts terminal in-memory records whose terminal timestamp is older
// than the retention window. Durable event history is untouched. Returns the
// number of evicted records.
func (t *Tracker) Sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for k, rec := range t.records {
		if rec.Status.Terminal() && rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
			delete(t.records, k)
			evicted++
		}
	}
	return evicted
}

// RunSweeper sweeps on the given interval until the stop channel closes.
func (t *Tracker) RunSweeper(stop <-chan struct{}, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := t.Sweep(retention); n > 0 {
				t.logger.Debug("progress records evicted", "count", n)
			}
		}
	}
}
