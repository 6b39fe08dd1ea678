// Package orchestrator coordinates a bounded pool of worktree workers for one
// session. It owns the name→worker map exclusively, enforces the concurrency
// cap at admission, fans out task batches in parallel, and aggregates
// best-effort cleanup into a typed report.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mstanton/muster/internal/fault"
	"github.com/mstanton/muster/internal/git"
	"github.com/mstanton/muster/internal/models"
	"github.com/mstanton/muster/internal/provider"
)

// Runner is the per-worktree execution surface the orchestrator drives.
// worker.Worker satisfies it; tests substitute fakes.
type Runner interface {
	Initialize(ctx context.Context) error
	ExecuteTask(ctx context.Context, task models.WorkerTask) (*models.WorkerResult, error)
	Cleanup(ctx context.Context) error
}

// Config holds the orchestrator's setup for one session.
type Config struct {
	RepoURL    string // clone source when the base copy is absent
	RepoPath   string // shared base clone location
	WorkDir    string // parent directory for worktree checkouts
	BaseBranch string
	MaxWorkers int // pool cap, defaults to 4
}

// Assignment binds one task to one worktree for batch execution.
type Assignment struct {
	Worktree string
	Task     models.WorkerTask
}

// Statistics is a point-in-time summary of the pool.
type Statistics struct {
	Capacity  int `json:"capacity"`
	Total     int `json:"total"`
	Working   int `json:"working"`
	Idle      int `json:"idle"`
	Completed int `json:"completed"`
	Errored   int `json:"errored"`
}

// CleanupReport aggregates best-effort teardown outcomes so callers and tests
// can inspect partial cleanup instead of reading logs.
type CleanupReport struct {
	Removed []string          `json:"removed"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Ok reports whether every worktree was removed cleanly.
func (r *CleanupReport) Ok() bool { return len(r.Failed) == 0 }

type entry struct {
	runner   Runner
	state    models.WorktreeState
	inFlight bool
}

// Orchestrator coordinates workers for one session. All exported methods are
// safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	git      git.Client
	provider provider.Provider // optional, for issue-tracking notifications
	logger   *slog.Logger

	// newRunner builds the worker for a given worktree name.
	newRunner func(name string) Runner

	mu          sync.Mutex
	initialized bool
	workers     map[string]*entry
}

// New creates an orchestrator. makeWorker builds the per-worktree worker.
func New(cfg Config, gc git.Client, prov provider.Provider, makeWorker func(name string) Runner, logger *slog.Logger) *Orchestrator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		git:       gc,
		provider:  prov,
		logger:    logger,
		newRunner: makeWorker,
		workers:   make(map[string]*entry),
	}
}

// Initialize ensures the shared base working copy exists and is current:
// fetch when present, clone when absent. Idempotent. A failure here is fatal;
// the orchestrator refuses all work until a later Initialize succeeds.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.initialized {
		return nil
	}
	if o.git.IsRepo(ctx, o.cfg.RepoPath) {
		if err := o.git.Fetch(ctx, o.cfg.RepoPath); err != nil {
			return fault.Transient(err, "fetch base repository at %s", o.cfg.RepoPath)
		}
	} else {
		if o.cfg.RepoURL == "" {
			return fault.Validation("no base repository at %s and no clone URL configured", o.cfg.RepoPath)
		}
		if err := o.git.Clone(ctx, o.cfg.RepoURL, o.cfg.RepoPath); err != nil {
			return fault.Transient(err, "clone %s", o.cfg.RepoURL)
		}
	}
	o.initialized = true
	o.logger.Info("orchestrator initialized", "repo", o.cfg.RepoPath, "max_workers", o.cfg.MaxWorkers)
	return nil
}

// CreateWorktree admits a new worker into the pool. This is the sole
// admission-control point: duplicate names and pool exhaustion are rejected
// here, never inside workers.
func (o *Orchestrator) CreateWorktree(ctx context.Context, name string) error {
	if name == "" {
		return fault.Validation("worktree name is required")
	}

	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return fault.Validation("orchestrator is not initialized")
	}
	if _, exists := o.workers[name]; exists {
		o.mu.Unlock()
		return fault.Validation("worktree %s already exists", name)
	}
	if len(o.workers) >= o.cfg.MaxWorkers {
		o.mu.Unlock()
		return fault.Validation("worker pool exhausted (%d/%d)", len(o.workers), o.cfg.MaxWorkers)
	}
	// Reserve the slot before the (slow) git initialization so concurrent
	// creates cannot overshoot the cap.
	e := &entry{state: models.WorktreeState{Name: name, Status: models.WorktreeStatusIdle, LastUpdate: time.Now()}}
	o.workers[name] = e
	o.mu.Unlock()

	r := o.newRunner(name)
	if err := r.Initialize(ctx); err != nil {
		o.mu.Lock()
		delete(o.workers, name)
		o.mu.Unlock()
		return err
	}

	o.mu.Lock()
	e.runner = r
	if s, ok := r.(interface{ State() models.WorktreeState }); ok {
		st := s.State()
		e.state.Path = st.Path
		e.state.Branch = st.Branch
	}
	e.state.LastUpdate = time.Now()
	o.mu.Unlock()

	o.logger.Info("worktree created", "name", name)
	return nil
}

// ExecuteInWorktree runs one task in the named worktree. A second concurrent
// task against the same name is rejected rather than queued. Issue-tracker
// notifications around the run are best-effort and never affect the result.
func (o *Orchestrator) ExecuteInWorktree(ctx context.Context, name string, task models.WorkerTask) (result *models.WorkerResult, err error) {
	o.mu.Lock()
	e, ok := o.workers[name]
	if !ok {
		o.mu.Unlock()
		return nil, fault.NotFound("worktree %s not found", name)
	}
	if e.runner == nil {
		// Slot reserved but git initialization has not finished yet.
		o.mu.Unlock()
		return nil, fault.Validation("worktree %s is still initializing", name)
	}
	if e.inFlight {
		o.mu.Unlock()
		return nil, fault.Validation("worktree %s already has a task in flight", name)
	}
	e.inFlight = true
	e.state.Status = models.WorktreeStatusWorking
	e.state.LastUpdate = time.Now()
	r := e.runner
	o.mu.Unlock()

	// The reset must survive a panicking runner: a wedged inFlight flag
	// would reject every later task on this worktree.
	defer func() {
		o.mu.Lock()
		e.inFlight = false
		e.state.LastUpdate = time.Now()
		if err == nil && result != nil && !result.Failed() {
			e.state.Status = models.WorktreeStatusCompleted
			e.state.HasChanges = len(result.Files) > 0
			e.state.LastCommitSHA = result.CommitSHA
		} else {
			e.state.Status = models.WorktreeStatusError
		}
		o.mu.Unlock()
	}()

	o.notifyIssue(ctx, task, models.BacklogStatusInProgress)

	result, err = r.ExecuteTask(ctx, task)
	if err != nil {
		o.notifyIssue(ctx, task, models.BacklogStatusFailed)
		return nil, err
	}
	if result.Failed() {
		o.notifyIssue(ctx, task, models.BacklogStatusFailed)
	} else {
		o.notifyIssue(ctx, task, models.BacklogStatusDone)
	}
	return result, nil
}

// notifyIssue pushes a status to the backlog provider when the task is linked
// to one. Failures are logged and never surfaced.
func (o *Orchestrator) notifyIssue(ctx context.Context, task models.WorkerTask, status models.BacklogStatus) {
	if o.provider == nil || task.IssueNumber == 0 {
		return
	}
	id := fmt.Sprintf("%d", task.IssueNumber)
	if err := o.provider.UpdateTaskStatus(ctx, id, status); err != nil {
		o.logger.Warn("issue notification failed", "task", task.ID, "issue", task.IssueNumber, "error", err)
	}
}

// ExecuteParallelTasks fans a batch out across distinct worktrees. Pre-flight
// validation fails fast before any dispatch; after dispatch, each task's
// failure (including a panic) becomes a synthetic failed result and never
// disturbs its siblings. Result order matches input order.
func (o *Orchestrator) ExecuteParallelTasks(ctx context.Context, assignments []Assignment) ([]*models.WorkerResult, error) {
	o.mu.Lock()
	for _, a := range assignments {
		if _, ok := o.workers[a.Worktree]; !ok {
			o.mu.Unlock()
			return nil, fault.NotFound("worktree %s not found", a.Worktree)
		}
	}
	o.mu.Unlock()

	results := make([]*models.WorkerResult, len(assignments))
	var wg sync.WaitGroup
	for i, a := range assignments {
		wg.Add(1)
		go func(i int, a Assignment) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					o.logger.Error("task panicked", "task", a.Task.ID, "worktree", a.Worktree, "panic", rec)
					results[i] = syntheticFailure(a.Task.ID, fmt.Sprintf("panic: %v", rec))
				}
			}()
			res, err := o.ExecuteInWorktree(ctx, a.Worktree, a.Task)
			if err != nil {
				results[i] = syntheticFailure(a.Task.ID, err.Error())
				return
			}
			results[i] = res
		}(i, a)
	}
	wg.Wait()
	return results, nil
}

func syntheticFailure(taskID, msg string) *models.WorkerResult {
	return &models.WorkerResult{TaskID: taskID, ExitCode: 1, Error: msg}
}

// CleanupWorktree tears down one worker and releases its pool slot. The slot
// is released even when teardown fails; cleaning an unknown name is a no-op.
func (o *Orchestrator) CleanupWorktree(ctx context.Context, name string) error {
	o.mu.Lock()
	e, ok := o.workers[name]
	if !ok {
		o.mu.Unlock()
		return nil
	}
	delete(o.workers, name)
	o.mu.Unlock()

	if e.runner == nil {
		return nil
	}
	if err := e.runner.Cleanup(ctx); err != nil {
		o.logger.Warn("worktree cleanup failed", "name", name, "error", err)
		return fault.Transient(err, "cleanup worktree %s", name)
	}
	o.logger.Info("worktree cleaned up", "name", name)
	return nil
}

// Cleanup tears down every worker, waiting for all outcomes regardless of
// individual failures, and reports what happened.
func (o *Orchestrator) Cleanup(ctx context.Context) *CleanupReport {
	o.mu.Lock()
	names := make([]string, 0, len(o.workers))
	for name := range o.workers {
		names = append(names, name)
	}
	o.mu.Unlock()
	sort.Strings(names)

	report := &CleanupReport{Failed: map[string]string{}}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			err := o.CleanupWorktree(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[name] = err.Error()
				return
			}
			report.Removed = append(report.Removed, name)
		}(name)
	}
	wg.Wait()
	sort.Strings(report.Removed)
	if len(report.Failed) == 0 {
		report.Failed = nil
	}
	return report
}

// WorktreeStatus returns the current view of one worktree.
func (o *Orchestrator) WorktreeStatus(name string) (models.WorktreeState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.workers[name]
	if !ok {
		return models.WorktreeState{}, fault.NotFound("worktree %s not found", name)
	}
	return e.state, nil
}

// WorktreeStatuses returns every worktree's state, sorted by name.
func (o *Orchestrator) WorktreeStatuses() []models.WorktreeState {
	o.mu.Lock()
	defer o.mu.Unlock()
	states := make([]models.WorktreeState, 0, len(o.workers))
	for _, e := range o.workers {
		states = append(states, e.state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}

// GetStatistics summarizes the pool.
func (o *Orchestrator) GetStatistics() Statistics {
	o.mu.Lock()
	defer o.mu.Unlock()
	stats := Statistics{Capacity: o.cfg.MaxWorkers, Total: len(o.workers)}
	for _, e := range o.workers {
		switch e.state.Status {
		case models.WorktreeStatusWorking:
			stats.Working++
		case models.WorktreeStatusCompleted:
			stats.Completed++
		case models.WorktreeStatusError:
			stats.Errored++
		default:
			stats.Idle++
		}
	}
	return stats
}
